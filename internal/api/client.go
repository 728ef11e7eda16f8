package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"broadcaster/native/internal/domain"

	"github.com/pkg/errors"
)

const (
	contentTypeSDP      = "application/sdp"
	contentTypeSDPFrag  = "application/trickle-ice-sdpfrag"
	contentTypeJSON     = "application/json"
	defaultTimeout      = 10 * time.Second
	maxErrorBodyPreview = 512
)

// StatusError is returned when the server answers with an unexpected status.
type StatusError struct {
	Op     string
	Status int
	Body   string
	kind   error
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: http %d", e.Op, e.Status)
	}
	return fmt.Sprintf("%s: http %d: %s", e.Op, e.Status, e.Body)
}

// Unwrap exposes the error taxonomy kind, e.g. domain.ErrNegotiationFailed.
func (e *StatusError) Unwrap() error { return e.kind }

type layerRequest struct {
	EncodingID string `json:"encodingId"`
}

type tokenResponse struct {
	Token string `json:"token"`
}

// Client talks to the WHIP/WHEP and admin endpoints of the broadcaster server.
type Client struct {
	base  *url.URL
	http  *http.Client
	token string
}

type Option func(*Client)

// WithHTTPClient replaces the default client, which times out after 10s.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithBearerToken authenticates WHIP ingest and admin requests.
func WithBearerToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// NewClient creates an API client rooted at baseURL (e.g. http://host:4000).
func NewClient(baseURL string, opts ...Option) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, errors.Wrap(err, "parse base url")
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, errors.Errorf("base url %q must be absolute", baseURL)
	}
	c := &Client{
		base: base,
		http: &http.Client{Timeout: defaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// WHEPEndpoint returns the egress endpoint of stream id.
func (c *Client) WHEPEndpoint(streamID string) string {
	u := c.resolve("/api/whep")
	q := u.Query()
	q.Set("streamId", streamID)
	u.RawQuery = q.Encode()
	return u.String()
}

// WHIPEndpoint returns the ingest endpoint.
func (c *Client) WHIPEndpoint() string {
	return c.resolve("/api/whip").String()
}

// ExchangeOffer posts the local offer and returns the resource location and
// the remote answer.
func (c *Client) ExchangeOffer(ctx context.Context, endpoint, offer string) (domain.Answer, error) {
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, contentTypeSDP, strings.NewReader(offer))
	if err != nil {
		return domain.Answer{}, err
	}
	req.Header.Set("Accept", contentTypeSDP)

	resp, err := c.http.Do(req)
	if err != nil {
		return domain.Answer{}, errors.Wrap(err, "post offer")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return domain.Answer{}, errors.Wrap(err, "read answer")
	}
	if resp.StatusCode != http.StatusCreated {
		return domain.Answer{}, statusError("post offer", resp.StatusCode, body, domain.ErrNegotiationFailed)
	}

	location := resp.Header.Get("Location")
	if location == "" {
		return domain.Answer{}, errors.Wrap(domain.ErrNegotiationFailed, "answer without Location header")
	}
	resource, err := resolveAgainst(endpoint, location)
	if err != nil {
		return domain.Answer{}, errors.Wrapf(domain.ErrNegotiationFailed, "bad Location %q: %v", location, err)
	}
	return domain.Answer{Resource: resource, SDP: string(body)}, nil
}

// SendCandidate trickles one candidate to the resource.
func (c *Client) SendCandidate(ctx context.Context, resource string, cand domain.ICECandidate) error {
	data, err := json.Marshal(cand)
	if err != nil {
		return errors.Wrap(err, "marshal candidate")
	}
	req, err := c.newRequest(ctx, http.MethodPatch, resource, contentTypeSDPFrag, bytes.NewReader(data))
	if err != nil {
		return err
	}
	return c.expect(req, "patch candidate", http.StatusNoContent, domain.ErrCandidateDeliveryFailed)
}

// SwitchLayer asks the server to forward the given simulcast encoding.
func (c *Client) SwitchLayer(ctx context.Context, resource, layer string) error {
	data, err := json.Marshal(layerRequest{EncodingID: layer})
	if err != nil {
		return errors.Wrap(err, "marshal layer")
	}
	req, err := c.newRequest(ctx, http.MethodPost, strings.TrimRight(resource, "/")+"/layer", contentTypeJSON, bytes.NewReader(data))
	if err != nil {
		return err
	}
	return c.expect(req, "switch layer", http.StatusOK, domain.ErrLayerSwitchRejected)
}

// Terminate deletes the resource.
func (c *Client) Terminate(ctx context.Context, resource string) error {
	req, err := c.newRequest(ctx, http.MethodDelete, resource, "", nil)
	if err != nil {
		return err
	}
	return c.expect(req, "delete resource", http.StatusOK, nil, http.StatusNoContent, http.StatusNotFound)
}

// ChatToken fetches the admin chat credential.
func (c *Client) ChatToken(ctx context.Context) (string, error) {
	req, err := c.newRequest(ctx, http.MethodGet, c.resolve("/api/admin/chat-token").String(), "", nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Accept", contentTypeJSON)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", errors.Wrap(err, "get chat token")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", errors.Wrap(err, "read chat token")
	}
	if resp.StatusCode != http.StatusOK {
		return "", statusError("get chat token", resp.StatusCode, body, nil)
	}
	var tok tokenResponse
	if err := json.Unmarshal(body, &tok); err != nil {
		return "", errors.Wrap(err, "unmarshal chat token")
	}
	if tok.Token == "" {
		return "", errors.New("empty chat token")
	}
	return tok.Token, nil
}

// DeleteChatMessage asks the server to moderate message id.
func (c *Client) DeleteChatMessage(ctx context.Context, id string) error {
	target := c.resolve("/api/admin/chat/" + url.PathEscape(id)).String()
	req, err := c.newRequest(ctx, http.MethodDelete, target, "", nil)
	if err != nil {
		return err
	}
	return c.expect(req, "delete chat message", http.StatusOK, nil)
}

func (c *Client) newRequest(ctx context.Context, method, target, contentType string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, errors.Wrapf(err, "create %s request", method)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

func (c *Client) expect(req *http.Request, op string, want int, kind error, alsoOK ...int) error {
	resp, err := c.http.Do(req)
	if err != nil {
		// no response: kind is reserved for statuses the server sent
		return errors.Wrap(err, op)
	}
	defer resp.Body.Close()

	if resp.StatusCode == want {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	for _, s := range alsoOK {
		if resp.StatusCode == s {
			_, _ = io.Copy(io.Discard, resp.Body)
			return nil
		}
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyPreview))
	return statusError(op, resp.StatusCode, body, kind)
}

func (c *Client) resolve(path string) *url.URL {
	return c.base.ResolveReference(&url.URL{Path: c.base.Path + path})
}

func statusError(op string, status int, body []byte, kind error) *StatusError {
	preview := strings.TrimSpace(string(body))
	if len(preview) > maxErrorBodyPreview {
		preview = preview[:maxErrorBodyPreview]
	}
	return &StatusError{Op: op, Status: status, Body: preview, kind: kind}
}

func resolveAgainst(endpoint, location string) (string, error) {
	base, err := url.Parse(endpoint)
	if err != nil {
		return "", err
	}
	ref, err := url.Parse(location)
	if err != nil {
		return "", err
	}
	return base.ResolveReference(ref).String(), nil
}
