// Package session drives the negotiation of one media session, from the
// first local description to teardown.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"broadcaster/native/internal/domain"
	"broadcaster/native/internal/simulcast"
	"broadcaster/native/internal/stats"
	"broadcaster/native/internal/trickle"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

const terminateTimeout = 5 * time.Second

// Hooks report session events to the owner. They are called without any
// session lock held, except OnMetrics which must not block or close the
// session.
type Hooks struct {
	OnState   func(id string, from, to domain.State)
	OnTrack   func(id string, track domain.RemoteTrack)
	OnMetrics func(id string, m stats.Metrics)
	OnLayers  func(id string, layers []string, current string)
	OnFailed  func(id string, err error)
}

// Config describes one session. Offerer sessions (WHIP/WHEP) need Endpoint
// and Exchanger; answerer sessions (mesh) need Answers.
type Config struct {
	ID   string
	Role domain.Role

	Endpoint     string
	NewTransport func() (domain.Transport, error)
	Exchanger    domain.OfferExchanger
	Answers      domain.AnswerSender
	Candidates   domain.CandidateSender
	Layers       domain.LayerSwitcher
	Terminator   domain.Terminator

	InitialLayers  []string
	StatsInterval  time.Duration
	RestartLimiter *rate.Limiter
	Hooks          Hooks
}

// Session is a single negotiated media connection.
type Session struct {
	cfg    Config
	logger zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	// negMu serializes negotiation attempts. It is never taken by Close.
	negMu sync.Mutex

	mu            sync.Mutex
	state         domain.State
	gen           uint64
	transport     domain.Transport
	trickle       *trickle.Buffer
	layers        *simulcast.Controller
	sampler       *stats.Sampler
	resource      string
	remoteSet     bool
	remotePending []domain.ICECandidate
	offered       []string
}

// New creates an idle session with a fresh transport.
func New(cfg Config) (*Session, error) {
	if cfg.NewTransport == nil {
		return nil, errors.New("session: transport factory is required")
	}
	if cfg.Candidates == nil {
		return nil, errors.New("session: candidate sender is required")
	}
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	if cfg.StatsInterval <= 0 {
		cfg.StatsInterval = stats.DefaultInterval
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		cfg: cfg,
		logger: log.With().
			Str("module", "session").
			Str("sid", cfg.ID).
			Str("role", cfg.Role.String()).
			Logger(),
		ctx:    ctx,
		cancel: cancel,
		state:  domain.StateIdle,
	}

	s.mu.Lock()
	err := s.attachLocked()
	s.mu.Unlock()
	if err != nil {
		cancel()
		return nil, err
	}
	return s, nil
}

// ID returns the session id, generated when the config leaves it empty.
func (s *Session) ID() string { return s.cfg.ID }

// Role reports whether the session publishes or subscribes.
func (s *Session) Role() domain.Role { return s.cfg.Role }

func (s *Session) State() domain.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Resource returns the resource endpoint, or "" before negotiation completes.
func (s *Session) Resource() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resource
}

// Layers returns the selectable layers (nil when unsupported) and the
// current one.
func (s *Session) Layers() ([]string, string) {
	s.mu.Lock()
	c := s.layers
	s.mu.Unlock()
	return c.Available(), c.Current()
}

// OfferedLayers returns the simulcast rids of the last local offer.
func (s *Session) OfferedLayers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.offered...)
}

// PendingCandidates returns local candidates still waiting for an endpoint.
func (s *Session) PendingCandidates() []domain.ICECandidate {
	s.mu.Lock()
	b := s.trickle
	s.mu.Unlock()
	return b.Pending()
}

// attachLocked installs a fresh transport, trickle buffer and layer
// controller under a new generation.
func (s *Session) attachLocked() error {
	tr, err := s.cfg.NewTransport()
	if err != nil {
		return fmt.Errorf("create transport: %w", err)
	}
	s.gen++
	gen := s.gen
	id := s.cfg.ID

	buf := trickle.New(id, s.cfg.Candidates)
	initial := s.cfg.InitialLayers
	if s.cfg.Layers != nil && initial == nil {
		initial = domain.DefaultLayers()
	}
	layers := simulcast.New(id, s.cfg.Layers, initial, func(l []string, cur string) {
		if h := s.cfg.Hooks.OnLayers; h != nil {
			h(id, l, cur)
		}
	})

	s.transport = tr
	s.trickle = buf
	s.layers = layers
	s.resource = ""
	s.remoteSet = false
	s.remotePending = nil
	s.offered = nil

	tr.OnICECandidate(buf.Record)
	tr.OnStateChange(func(ts domain.TransportState) {
		s.onTransportState(gen, ts)
	})
	tr.OnTrack(func(t domain.RemoteTrack) {
		if !s.isCurrent(gen) {
			return
		}
		s.logger.Info().Str("track", t.ID()).Str("kind", string(t.Kind())).Msg("remote track")
		if h := s.cfg.Hooks.OnTrack; h != nil {
			h(id, t)
		}
	})
	return nil
}

// Start runs the offerer flow: create an offer, exchange it with the
// endpoint, bind the returned resource and apply the answer.
func (s *Session) Start(ctx context.Context) error {
	if s.cfg.Exchanger == nil || s.cfg.Endpoint == "" {
		return fmt.Errorf("session %s: no offer endpoint", s.cfg.ID)
	}
	if !s.negMu.TryLock() {
		return domain.ErrNegotiationInProgress
	}
	defer s.negMu.Unlock()

	s.mu.Lock()
	switch s.state {
	case domain.StateClosed:
		s.mu.Unlock()
		return domain.ErrSessionClosed
	case domain.StateIdle:
	default:
		st := s.state
		s.mu.Unlock()
		return fmt.Errorf("start from %s: %w", st, domain.ErrNegotiationInProgress)
	}
	gen, tr, buf := s.gen, s.transport, s.trickle
	s.state = domain.StateNegotiating
	s.mu.Unlock()
	s.notify(domain.StateIdle, domain.StateNegotiating)

	offer, err := tr.CreateOffer()
	if err != nil {
		return s.fail(gen, fmt.Errorf("create offer: %v: %w", err, domain.ErrNegotiationFailed))
	}
	if offered := simulcast.LayersFromSDP(offer); len(offered) > 0 {
		s.mu.Lock()
		s.offered = offered
		s.mu.Unlock()
		s.logger.Debug().Strs("layers", offered).Msg("offering simulcast")
	}

	if !s.transition(gen, domain.StateNegotiating, domain.StateAwaitingResource) {
		return domain.ErrSessionClosed
	}

	ans, err := s.cfg.Exchanger.ExchangeOffer(ctx, s.cfg.Endpoint, offer)
	if !s.isCurrent(gen) {
		if err == nil {
			s.terminate(ans.Resource)
		}
		return domain.ErrSessionClosed
	}
	if err != nil {
		if !errors.Is(err, domain.ErrNegotiationFailed) {
			err = fmt.Errorf("%v: %w", err, domain.ErrNegotiationFailed)
		}
		return s.fail(gen, err)
	}

	if err := buf.SetEndpoint(ans.Resource); err != nil && !errors.Is(err, domain.ErrEndpointAlreadySet) {
		return domain.ErrSessionClosed
	}
	if err := tr.SetAnswer(ans.SDP); err != nil {
		return s.fail(gen, fmt.Errorf("apply answer: %v: %w", err, domain.ErrNegotiationFailed))
	}
	if !s.bound(gen, ans.Resource) {
		return domain.ErrSessionClosed
	}
	s.transition(gen, domain.StateAwaitingResource, domain.StateIceGatheringOrConnecting)
	s.logger.Info().Str("resource", ans.Resource).Msg("negotiated")
	return nil
}

// AcceptOffer runs the answerer flow for mesh signaling. Later offers
// renegotiate the same transport.
func (s *Session) AcceptOffer(ctx context.Context, offer string) error {
	if s.cfg.Answers == nil {
		return fmt.Errorf("session %s: no answer channel", s.cfg.ID)
	}
	s.negMu.Lock()
	defer s.negMu.Unlock()

	s.mu.Lock()
	switch s.state {
	case domain.StateClosed:
		s.mu.Unlock()
		return domain.ErrSessionClosed
	case domain.StateFailed:
		s.mu.Unlock()
		return fmt.Errorf("session failed: %w", domain.ErrNotReady)
	}
	gen, tr, buf := s.gen, s.transport, s.trickle
	initial := s.state == domain.StateIdle
	if initial {
		s.state = domain.StateNegotiating
	}
	s.mu.Unlock()
	if initial {
		s.notify(domain.StateIdle, domain.StateNegotiating)
	}

	answer, err := tr.CreateAnswer(offer)
	if err != nil {
		return s.fail(gen, fmt.Errorf("create answer: %v: %w", err, domain.ErrNegotiationFailed))
	}
	s.applyPendingRemote(gen, tr)

	if initial && !s.transition(gen, domain.StateNegotiating, domain.StateAwaitingResource) {
		return domain.ErrSessionClosed
	}

	resource, err := s.cfg.Answers.SendAnswer(ctx, answer)
	if !s.isCurrent(gen) {
		return domain.ErrSessionClosed
	}
	if err != nil {
		return s.fail(gen, fmt.Errorf("send answer: %v: %w", err, domain.ErrNegotiationFailed))
	}
	if !initial {
		return nil
	}

	if err := buf.SetEndpoint(resource); err != nil && !errors.Is(err, domain.ErrEndpointAlreadySet) {
		return domain.ErrSessionClosed
	}
	if !s.bound(gen, resource) {
		return domain.ErrSessionClosed
	}
	s.transition(gen, domain.StateAwaitingResource, domain.StateIceGatheringOrConnecting)
	return nil
}

// AddRemoteCandidate applies a remote candidate, holding it until a remote
// description exists.
func (s *Session) AddRemoteCandidate(c domain.ICECandidate) error {
	s.mu.Lock()
	if s.state == domain.StateClosed {
		s.mu.Unlock()
		return domain.ErrSessionClosed
	}
	if !s.remoteSet {
		s.remotePending = append(s.remotePending, c)
		s.mu.Unlock()
		return nil
	}
	tr := s.transport
	s.mu.Unlock()
	return tr.AddICECandidate(c)
}

// SelectLayer asks the remote to switch to layer.
func (s *Session) SelectLayer(ctx context.Context, layer string) error {
	s.mu.Lock()
	st, c := s.state, s.layers
	s.mu.Unlock()
	switch st {
	case domain.StateClosed:
		return domain.ErrSessionClosed
	case domain.StateIdle, domain.StateNegotiating:
		return domain.ErrNotReady
	}
	return c.Select(ctx, layer)
}

// AnnounceLayers applies a layer-availability event from the remote.
func (s *Session) AnnounceLayers(ctx context.Context, layers []string) error {
	s.mu.Lock()
	c := s.layers
	s.mu.Unlock()
	return c.Announce(ctx, layers)
}

// Restart replaces a failed transport and negotiates again. Answerer
// sessions go back to Idle and wait for the next offer.
func (s *Session) Restart(ctx context.Context) error {
	s.negMu.Lock()
	s.mu.Lock()
	switch s.state {
	case domain.StateClosed:
		s.mu.Unlock()
		s.negMu.Unlock()
		return domain.ErrSessionClosed
	case domain.StateFailed:
	default:
		st := s.state
		s.mu.Unlock()
		s.negMu.Unlock()
		return fmt.Errorf("restart from %s: %w", st, domain.ErrNegotiationInProgress)
	}
	oldTr, oldBuf, oldLayers, oldResource := s.transport, s.trickle, s.layers, s.resource
	if err := s.attachLocked(); err != nil {
		s.mu.Unlock()
		s.negMu.Unlock()
		return err
	}
	s.state = domain.StateIdle
	s.mu.Unlock()
	s.negMu.Unlock()

	oldBuf.Close()
	oldLayers.Close()
	if err := oldTr.Close(); err != nil {
		s.logger.Debug().Err(err).Msg("close failed transport")
	}
	s.terminate(oldResource)
	s.notify(domain.StateFailed, domain.StateIdle)
	s.logger.Info().Msg("restarting negotiation")

	if s.cfg.Exchanger == nil {
		return nil
	}
	return s.Start(ctx)
}

// Close tears the session down. Closing twice is a no-op.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.state == domain.StateClosed {
		s.mu.Unlock()
		return nil
	}
	from := s.state
	s.state = domain.StateClosed
	s.gen++
	tr, buf, layers, sampler, resource := s.transport, s.trickle, s.layers, s.sampler, s.resource
	s.sampler = nil
	s.remotePending = nil
	s.mu.Unlock()

	s.cancel()
	if sampler != nil {
		sampler.Stop()
	}
	buf.Close()
	layers.Close()
	err := tr.Close()
	s.terminate(resource)

	s.notify(from, domain.StateClosed)
	s.logger.Info().Str("from", from.String()).Msg("closed")
	return err
}

func (s *Session) onTransportState(gen uint64, ts domain.TransportState) {
	switch ts {
	case domain.TransportConnected:
		s.mu.Lock()
		if gen != s.gen {
			s.mu.Unlock()
			return
		}
		switch s.state {
		case domain.StateAwaitingResource, domain.StateIceGatheringOrConnecting, domain.StateDisconnected:
		default:
			s.mu.Unlock()
			return
		}
		from := s.state
		s.state = domain.StateConnected
		if s.sampler == nil {
			id := s.cfg.ID
			s.sampler = stats.NewSampler(id, s.transport, s.cfg.StatsInterval, func(m stats.Metrics) {
				if h := s.cfg.Hooks.OnMetrics; h != nil {
					h(id, m)
				}
			})
			s.sampler.Start()
		}
		resource, layers := s.resource, s.layers
		s.mu.Unlock()

		if resource != "" {
			layers.Activate(resource)
		}
		s.notify(from, domain.StateConnected)

	case domain.TransportDisconnected:
		s.mu.Lock()
		if gen != s.gen || s.state != domain.StateConnected {
			s.mu.Unlock()
			return
		}
		s.state = domain.StateDisconnected
		sampler := s.sampler
		s.sampler = nil
		s.mu.Unlock()

		if sampler != nil {
			sampler.Stop()
		}
		s.notify(domain.StateConnected, domain.StateDisconnected)

	case domain.TransportFailed:
		if s.markFailed(gen, domain.ErrTransportFailed) && s.cfg.Role == domain.RolePublisher {
			go s.autoRestart()
		}
	}
}

func (s *Session) autoRestart() {
	if lim := s.cfg.RestartLimiter; lim != nil {
		if err := lim.Wait(s.ctx); err != nil {
			return
		}
	}
	if err := s.Restart(s.ctx); err != nil && !errors.Is(err, domain.ErrSessionClosed) {
		s.logger.Error().Err(err).Msg("restart failed")
	}
}

func (s *Session) fail(gen uint64, err error) error {
	s.markFailed(gen, err)
	return err
}

// markFailed moves the session to Failed and reports err. Stale generations
// and repeated failures are ignored.
func (s *Session) markFailed(gen uint64, err error) bool {
	s.mu.Lock()
	if gen != s.gen || s.state == domain.StateClosed || s.state == domain.StateFailed {
		s.mu.Unlock()
		return false
	}
	from := s.state
	s.state = domain.StateFailed
	sampler, layers := s.sampler, s.layers
	s.sampler = nil
	s.mu.Unlock()

	if sampler != nil {
		sampler.Stop()
	}
	layers.Deactivate()
	s.logger.Warn().Err(err).Str("from", from.String()).Msg("session failed")
	s.notify(from, domain.StateFailed)
	if h := s.cfg.Hooks.OnFailed; h != nil {
		h(s.cfg.ID, err)
	}
	return true
}

// bound records the resource once the remote description is applied.
func (s *Session) bound(gen uint64, resource string) bool {
	s.mu.Lock()
	if gen != s.gen || s.state == domain.StateClosed {
		s.mu.Unlock()
		return false
	}
	s.resource = resource
	s.remoteSet = true
	pending := s.remotePending
	s.remotePending = nil
	tr, layers := s.transport, s.layers
	connected := s.state == domain.StateConnected
	s.mu.Unlock()

	for _, c := range pending {
		if err := tr.AddICECandidate(c); err != nil {
			s.logger.Warn().Err(err).Msg("add remote candidate")
		}
	}
	if connected {
		layers.Activate(resource)
	}
	return true
}

func (s *Session) applyPendingRemote(gen uint64, tr domain.Transport) {
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return
	}
	s.remoteSet = true
	pending := s.remotePending
	s.remotePending = nil
	s.mu.Unlock()

	for _, c := range pending {
		if err := tr.AddICECandidate(c); err != nil {
			s.logger.Warn().Err(err).Msg("add remote candidate")
		}
	}
}

func (s *Session) transition(gen uint64, from, to domain.State) bool {
	s.mu.Lock()
	if gen != s.gen || s.state != from {
		s.mu.Unlock()
		return false
	}
	s.state = to
	s.mu.Unlock()
	s.notify(from, to)
	return true
}

func (s *Session) isCurrent(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return gen == s.gen && s.state != domain.StateClosed
}

func (s *Session) notify(from, to domain.State) {
	s.logger.Debug().Str("from", from.String()).Str("to", to.String()).Msg("state")
	if h := s.cfg.Hooks.OnState; h != nil {
		h(s.cfg.ID, from, to)
	}
}

func (s *Session) terminate(resource string) {
	t := s.cfg.Terminator
	if t == nil || resource == "" {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), terminateTimeout)
		defer cancel()
		if err := t.Terminate(ctx, resource); err != nil {
			s.logger.Debug().Err(err).Str("resource", resource).Msg("terminate resource")
		}
	}()
}
