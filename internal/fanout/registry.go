// Package fanout owns one subscriber session per remote stream announced on
// the signaling channel.
package fanout

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"broadcaster/native/internal/domain"
	"broadcaster/native/internal/session"
	"broadcaster/native/internal/stats"

	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc/pool"
)

// ErrRegistryClosed is returned by adds after Close.
var ErrRegistryClosed = errors.New("registry closed")

// Sink is handed to the renderer once a stream delivers its first video track.
type Sink struct {
	StreamID string
	Track    domain.RemoteTrack
}

// Hooks report registry events to the embedding application.
type Hooks struct {
	OnTrackReady func(sink *Sink)
	// OnEmpty publishes the "no active streams" status.
	OnEmpty   func()
	OnMetrics func(id string, m stats.Metrics)
	OnLayers  func(id string, layers []string, current string)
	OnFailed  func(id string, err error)
	OnState   func(id string, from, to domain.State)
}

// Negotiator is the HTTP side of a WHEP subscription.
type Negotiator interface {
	domain.OfferExchanger
	domain.CandidateSender
	domain.LayerSwitcher
	domain.Terminator
}

// Config wires the registry to the HTTP negotiation and media layers.
type Config struct {
	Endpoint      func(streamID string) string
	NewTransport  func() (domain.Transport, error)
	Negotiator    Negotiator
	Layers        []string
	StatsInterval time.Duration
	// MaxConcurrentJoins bounds the negotiations started by OnJoin. Zero
	// means unbounded.
	MaxConcurrentJoins int
	Hooks              Hooks
}

type entry struct {
	session  *session.Session
	sinkOnce sync.Once
}

// Registry maps stream ids to subscriber sessions.
type Registry struct {
	cfg  Config
	keys *keyLocks

	mu      sync.RWMutex
	entries map[string]*entry
	closed  bool
}

func NewRegistry(cfg Config) *Registry {
	return &Registry{
		cfg:     cfg,
		keys:    newKeyLocks(),
		entries: make(map[string]*entry),
	}
}

// OnStreamAdded tears down any session already registered for id, then
// creates, registers and negotiates a new one.
func (r *Registry) OnStreamAdded(ctx context.Context, id string) error {
	sess, err := r.Register(id)
	if err != nil {
		return err
	}
	return Start(ctx, sess)
}

// Register replaces any session for id with a new, unstarted one. Callers
// that must not block on negotiation register synchronously, to keep event
// order, and Start the session elsewhere.
func (r *Registry) Register(id string) (*session.Session, error) {
	if id == "" {
		return nil, fmt.Errorf("stream id: %w", domain.ErrMalformed)
	}
	unlock := r.keys.lock(id)
	defer unlock()

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrRegistryClosed
	}
	old := r.entries[id]
	delete(r.entries, id)
	r.mu.Unlock()

	if old != nil {
		log.Info().Str("module", "fanout").Str("stream", id).Msg("replacing existing session")
		old.session.Close()
	}

	e := &entry{}
	sess, err := session.New(r.sessionConfig(id, e))
	if err != nil {
		return nil, fmt.Errorf("create session %s: %w", id, err)
	}
	e.session = sess

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		sess.Close()
		return nil, ErrRegistryClosed
	}
	r.entries[id] = e
	r.mu.Unlock()

	log.Info().Str("module", "fanout").Str("stream", id).Msg("stream added")
	return sess, nil
}

// Start negotiates a registered session. A session removed or replaced
// mid-negotiation is not an error.
func Start(ctx context.Context, sess *session.Session) error {
	err := sess.Start(ctx)
	if errors.Is(err, domain.ErrSessionClosed) {
		return nil
	}
	return err
}

// OnStreamRemoved closes the session for id. Unknown ids are ignored.
func (r *Registry) OnStreamRemoved(id string) {
	unlock := r.keys.lock(id)

	r.mu.Lock()
	e, ok := r.entries[id]
	delete(r.entries, id)
	empty := len(r.entries) == 0
	r.mu.Unlock()

	if !ok {
		unlock()
		return
	}
	e.session.Close()
	unlock()

	log.Info().Str("module", "fanout").Str("stream", id).Msg("stream removed")
	if empty {
		r.publishEmpty()
	}
}

// OnJoin processes the stream snapshot delivered on channel join.
func (r *Registry) OnJoin(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		r.publishEmpty()
		return nil
	}
	p := pool.New().WithErrors().WithContext(ctx)
	if r.cfg.MaxConcurrentJoins > 0 {
		p = p.WithMaxGoroutines(r.cfg.MaxConcurrentJoins)
	}
	for _, id := range ids {
		id := id
		p.Go(func(ctx context.Context) error {
			return r.OnStreamAdded(ctx, id)
		})
	}
	return p.Wait()
}

// SelectLayer switches the simulcast layer of one stream.
func (r *Registry) SelectLayer(ctx context.Context, id, layer string) error {
	s, ok := r.Session(id)
	if !ok {
		return fmt.Errorf("%s: %w", id, domain.ErrStreamNotFound)
	}
	return s.SelectLayer(ctx, layer)
}

// SelectLayerAll switches every active stream to layer.
func (r *Registry) SelectLayerAll(ctx context.Context, layer string) error {
	p := pool.New().WithErrors().WithContext(ctx)
	for _, s := range r.sessions() {
		s := s
		p.Go(func(ctx context.Context) error {
			if err := s.SelectLayer(ctx, layer); err != nil {
				return fmt.Errorf("%s: %w", s.ID(), err)
			}
			return nil
		})
	}
	return p.Wait()
}

// AnnounceLayers applies a layer-availability event for one stream.
func (r *Registry) AnnounceLayers(ctx context.Context, id string, layers []string) error {
	s, ok := r.Session(id)
	if !ok {
		return fmt.Errorf("%s: %w", id, domain.ErrStreamNotFound)
	}
	return s.AnnounceLayers(ctx, layers)
}

// Session returns the session registered for id.
func (r *Registry) Session(id string) (*session.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return nil, false
	}
	return e.session, true
}

// IDs returns the active stream ids in sorted order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of registered streams.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Close tears down every session and rejects further adds.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	entries := r.entries
	r.entries = make(map[string]*entry)
	r.mu.Unlock()

	for _, e := range entries {
		e.session.Close()
	}
}

func (r *Registry) sessions() []*session.Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*session.Session, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.session)
	}
	return out
}

func (r *Registry) sessionConfig(id string, e *entry) session.Config {
	neg := r.cfg.Negotiator
	return session.Config{
		ID:            id,
		Role:          domain.RoleSubscriber,
		Endpoint:      r.cfg.Endpoint(id),
		NewTransport:  r.cfg.NewTransport,
		Exchanger:     neg,
		Candidates:    neg,
		Layers:        neg,
		Terminator:    neg,
		InitialLayers: r.cfg.Layers,
		StatsInterval: r.cfg.StatsInterval,
		Hooks: session.Hooks{
			OnState:   r.cfg.Hooks.OnState,
			OnMetrics: r.cfg.Hooks.OnMetrics,
			OnLayers:  r.cfg.Hooks.OnLayers,
			OnTrack: func(_ string, t domain.RemoteTrack) {
				r.onTrack(id, e, t)
			},
			OnFailed: func(_ string, err error) {
				r.onFailed(id, e, err)
			},
		},
	}
}

func (r *Registry) onTrack(id string, e *entry, t domain.RemoteTrack) {
	if t.Kind() != domain.KindVideo {
		return
	}
	e.sinkOnce.Do(func() {
		log.Info().Str("module", "fanout").Str("stream", id).Msg("first video track")
		if h := r.cfg.Hooks.OnTrackReady; h != nil {
			h(&Sink{StreamID: id, Track: t})
		}
	})
}

// onFailed drops a failed subscriber, unless it has already been replaced.
func (r *Registry) onFailed(id string, e *entry, err error) {
	unlock := r.keys.lock(id)
	r.mu.Lock()
	cur, ok := r.entries[id]
	current := ok && cur == e
	if current {
		delete(r.entries, id)
	}
	empty := len(r.entries) == 0
	r.mu.Unlock()

	if current {
		e.session.Close()
	}
	unlock()
	if !current {
		return
	}

	log.Warn().Str("module", "fanout").Str("stream", id).Err(err).Msg("stream failed, removed")
	if h := r.cfg.Hooks.OnFailed; h != nil {
		h(id, err)
	}
	if empty {
		r.publishEmpty()
	}
}

func (r *Registry) publishEmpty() {
	log.Info().Str("module", "fanout").Msg("no active streams")
	if h := r.cfg.Hooks.OnEmpty; h != nil {
		h()
	}
}
