// Package signal implements the Phoenix channel protocol (V2 JSON
// serializer) over a gorilla websocket.
package signal

import (
	"context"
	"encoding/json"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"broadcaster/native/internal/domain"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"go.uber.org/atomic"
)

const (
	eventJoin      = "phx_join"
	eventLeave     = "phx_leave"
	eventReply     = "phx_reply"
	eventError     = "phx_error"
	eventClose     = "phx_close"
	eventHeartbeat = "heartbeat"
	topicPhoenix   = "phoenix"

	protocolVersion  = "2.0.0"
	defaultHeartbeat = 30 * time.Second
	writeWait        = 5 * time.Second
)

var ErrSocketClosed = errors.New("socket closed")

// frame is one Phoenix V2 message: [join_ref, ref, topic, event, payload].
type frame struct {
	JoinRef *string
	Ref     *string
	Topic   string
	Event   string
	Payload json.RawMessage
}

func (f frame) MarshalJSON() ([]byte, error) {
	payload := f.Payload
	if payload == nil {
		payload = json.RawMessage("{}")
	}
	return json.Marshal([]any{f.JoinRef, f.Ref, f.Topic, f.Event, payload})
}

func (f *frame) UnmarshalJSON(data []byte) error {
	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil {
		return err
	}
	if len(parts) != 5 {
		return errors.Errorf("frame has %d elements, want 5", len(parts))
	}
	if err := json.Unmarshal(parts[0], &f.JoinRef); err != nil {
		return errors.Wrap(err, "join_ref")
	}
	if err := json.Unmarshal(parts[1], &f.Ref); err != nil {
		return errors.Wrap(err, "ref")
	}
	if err := json.Unmarshal(parts[2], &f.Topic); err != nil {
		return errors.Wrap(err, "topic")
	}
	if err := json.Unmarshal(parts[3], &f.Event); err != nil {
		return errors.Wrap(err, "event")
	}
	f.Payload = parts[4]
	return nil
}

type reply struct {
	Status   string          `json:"status"`
	Response json.RawMessage `json:"response"`
}

type Option func(*Socket)

// WithHeartbeat overrides the 30s heartbeat interval.
func WithHeartbeat(d time.Duration) Option {
	return func(s *Socket) { s.heartbeat = d }
}

// WithDialer replaces websocket.DefaultDialer.
func WithDialer(d *websocket.Dialer) Option {
	return func(s *Socket) { s.dialer = d }
}

// Socket is one websocket connection multiplexing channels by topic.
type Socket struct {
	url       string
	dialer    *websocket.Dialer
	heartbeat time.Duration

	conn    *websocket.Conn
	writeMu sync.Mutex
	ref     atomic.Uint64

	mu       sync.Mutex
	channels map[string]*Channel
	pending  map[string]chan reply

	closed    chan struct{}
	closeOnce sync.Once
	done      chan struct{}
}

// NewSocket prepares a socket for endpoint (e.g. ws://host:4000/socket).
// http(s) schemes are mapped to ws(s); params are sent in the query string.
func NewSocket(endpoint string, params map[string]string, opts ...Option) (*Socket, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, errors.Wrap(err, "parse socket url")
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return nil, errors.Errorf("unsupported socket scheme %q", u.Scheme)
	}
	if !strings.HasSuffix(u.Path, "/websocket") {
		u.Path = strings.TrimRight(u.Path, "/") + "/websocket"
	}
	q := u.Query()
	for k, v := range params {
		q.Set(k, v)
	}
	q.Set("vsn", protocolVersion)
	u.RawQuery = q.Encode()

	s := &Socket{
		url:       u.String(),
		dialer:    websocket.DefaultDialer,
		heartbeat: defaultHeartbeat,
		channels:  make(map[string]*Channel),
		pending:   make(map[string]chan reply),
		closed:    make(chan struct{}),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Connect dials the socket and starts the read and heartbeat loops.
func (s *Socket) Connect(ctx context.Context) error {
	log.Info().Str("module", "signal").Str("url", s.url).Msg("connecting")

	conn, _, err := s.dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return errors.Wrap(err, "websocket dial")
	}
	s.conn = conn

	go s.readLoop()
	go s.heartbeatLoop()
	return nil
}

// Channel returns the channel for topic, creating it on first use.
func (s *Socket) Channel(topic string, params any) *Channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch, ok := s.channels[topic]; ok {
		return ch
	}
	ch := &Channel{
		socket:   s,
		topic:    topic,
		params:   params,
		handlers: make(map[string]func(json.RawMessage)),
	}
	s.channels[topic] = ch
	return ch
}

// Done is closed once the read loop exits.
func (s *Socket) Done() <-chan struct{} { return s.done }

// Close shuts down the connection. Channels are not notified.
func (s *Socket) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		if s.conn == nil {
			return
		}
		s.writeMu.Lock()
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		s.writeMu.Unlock()
		err = s.conn.Close()
	})
	return err
}

func (s *Socket) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

func (s *Socket) nextRef() string {
	return strconv.FormatUint(s.ref.Inc(), 10)
}

func (s *Socket) write(ctx context.Context, f frame) error {
	if s.isClosed() || s.conn == nil {
		return ErrSocketClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(f)
	if err != nil {
		return errors.Wrap(err, "marshal frame")
	}

	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(deadline)
	log.Trace().Str("module", "signal").Str("topic", f.Topic).Str("event", f.Event).Msg(">>>")
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return errors.Wrapf(err, "write %s %s", f.Topic, f.Event)
	}
	return nil
}

func (s *Socket) await(ref string) chan reply {
	ch := make(chan reply, 1)
	s.mu.Lock()
	s.pending[ref] = ch
	s.mu.Unlock()
	return ch
}

func (s *Socket) forget(ref string) {
	s.mu.Lock()
	delete(s.pending, ref)
	s.mu.Unlock()
}

func (s *Socket) removeChannel(ch *Channel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.channels[ch.topic] == ch {
		delete(s.channels, ch.topic)
	}
}

func (s *Socket) readLoop() {
	defer close(s.done)

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if s.isClosed() {
				return
			}
			log.Error().Str("module", "signal").Err(err).Msg("read error")
			s.fail(errors.Wrap(err, "socket read"))
			return
		}

		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			log.Warn().Str("module", "signal").Err(err).Msg("malformed frame")
			continue
		}
		log.Trace().Str("module", "signal").Str("topic", f.Topic).Str("event", f.Event).Msg("<<<")
		s.dispatch(f)
	}
}

func (s *Socket) dispatch(f frame) {
	if f.Event == eventReply && f.Ref != nil {
		s.mu.Lock()
		ch, ok := s.pending[*f.Ref]
		delete(s.pending, *f.Ref)
		s.mu.Unlock()
		if ok {
			var r reply
			if err := json.Unmarshal(f.Payload, &r); err != nil {
				r = reply{Status: "error", Response: f.Payload}
			}
			ch <- r
			return
		}
	}

	s.mu.Lock()
	ch, ok := s.channels[f.Topic]
	s.mu.Unlock()
	if !ok {
		if f.Topic != topicPhoenix {
			log.Debug().Str("module", "signal").Str("topic", f.Topic).Str("event", f.Event).Msg("no channel for frame")
		}
		return
	}
	ch.dispatch(f)
}

// fail reports a broken socket to every channel.
func (s *Socket) fail(err error) {
	s.closeOnce.Do(func() {
		close(s.closed)
		_ = s.conn.Close()
	})

	s.mu.Lock()
	channels := make([]*Channel, 0, len(s.channels))
	for _, ch := range s.channels {
		channels = append(channels, ch)
	}
	s.pending = make(map[string]chan reply)
	s.mu.Unlock()

	for _, ch := range channels {
		ch.fireError(err)
	}
}

func (s *Socket) heartbeatLoop() {
	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-s.closed:
			return
		case <-ticker.C:
			ref := s.nextRef()
			err := s.write(context.Background(), frame{Ref: &ref, Topic: topicPhoenix, Event: eventHeartbeat})
			if err != nil {
				if !s.isClosed() {
					log.Warn().Str("module", "signal").Err(err).Msg("heartbeat failed")
				}
				return
			}
		}
	}
}

// Channel is a joined topic. It implements domain.Channel.
type Channel struct {
	socket *Socket
	topic  string
	params any

	mu       sync.Mutex
	joinRef  string
	handlers map[string]func(json.RawMessage)
	onClose  func()
	onError  func(error)
}

var _ domain.Channel = (*Channel)(nil)

func (c *Channel) Topic() string { return c.topic }

// Join sends phx_join and waits for the reply. A non-ok status wraps
// domain.ErrChannelJoinFailed.
func (c *Channel) Join(ctx context.Context) (json.RawMessage, error) {
	ref := c.socket.nextRef()
	wait := c.socket.await(ref)

	c.mu.Lock()
	c.joinRef = ref
	c.mu.Unlock()

	params, err := json.Marshal(c.params)
	if err != nil {
		c.socket.forget(ref)
		return nil, errors.Wrap(err, "marshal join params")
	}
	if c.params == nil {
		params = nil
	}

	if err := c.socket.write(ctx, frame{JoinRef: &ref, Ref: &ref, Topic: c.topic, Event: eventJoin, Payload: params}); err != nil {
		c.socket.forget(ref)
		return nil, errors.Wrapf(domain.ErrChannelJoinFailed, "join %s: %v", c.topic, err)
	}

	select {
	case r := <-wait:
		if r.Status != "ok" {
			return nil, errors.Wrapf(domain.ErrChannelJoinFailed, "join %s: %s %s", c.topic, r.Status, string(r.Response))
		}
		log.Info().Str("module", "signal").Str("topic", c.topic).Msg("joined")
		return r.Response, nil
	case <-ctx.Done():
		c.socket.forget(ref)
		return nil, errors.Wrapf(domain.ErrChannelJoinFailed, "join %s: %v", c.topic, ctx.Err())
	case <-c.socket.closed:
		c.socket.forget(ref)
		return nil, errors.Wrapf(domain.ErrChannelJoinFailed, "join %s: %v", c.topic, ErrSocketClosed)
	}
}

// Push sends event without waiting for the server reply.
func (c *Channel) Push(ctx context.Context, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrapf(err, "marshal %s", event)
	}
	c.mu.Lock()
	joinRef := c.joinRef
	c.mu.Unlock()

	ref := c.socket.nextRef()
	f := frame{Ref: &ref, Topic: c.topic, Event: event, Payload: data}
	if joinRef != "" {
		f.JoinRef = &joinRef
	}
	return c.socket.write(ctx, f)
}

func (c *Channel) On(event string, handler func(payload json.RawMessage)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[event] = handler
}

func (c *Channel) OnClose(handler func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onClose = handler
}

func (c *Channel) OnError(handler func(err error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onError = handler
}

// Leave sends phx_leave and detaches the channel from the socket.
func (c *Channel) Leave(ctx context.Context) error {
	defer c.socket.removeChannel(c)
	c.mu.Lock()
	joinRef := c.joinRef
	c.mu.Unlock()

	ref := c.socket.nextRef()
	f := frame{Ref: &ref, Topic: c.topic, Event: eventLeave}
	if joinRef != "" {
		f.JoinRef = &joinRef
	}
	return c.socket.write(ctx, f)
}

func (c *Channel) dispatch(f frame) {
	switch f.Event {
	case eventClose:
		log.Info().Str("module", "signal").Str("topic", c.topic).Msg("channel closed by server")
		c.mu.Lock()
		h := c.onClose
		c.mu.Unlock()
		if h != nil {
			h()
		}
	case eventError:
		c.fireError(errors.Errorf("channel %s errored: %s", c.topic, string(f.Payload)))
	case eventReply:
		// replies to pushes are not tracked
	default:
		c.mu.Lock()
		h := c.handlers[f.Event]
		c.mu.Unlock()
		if h == nil {
			log.Debug().Str("module", "signal").Str("topic", c.topic).Str("event", f.Event).Msg("unhandled event")
			return
		}
		h(f.Payload)
	}
}

func (c *Channel) fireError(err error) {
	c.mu.Lock()
	h := c.onError
	c.mu.Unlock()
	if h != nil {
		h(err)
	}
}
