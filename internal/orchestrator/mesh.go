package orchestrator

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"broadcaster/native/internal/domain"
	"broadcaster/native/internal/session"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const offerQueueSize = 8

// MeshConfig enables answering offers pushed on the peer channel.
type MeshConfig struct {
	NewTransport  func() (domain.Transport, error)
	Hooks         session.Hooks
	StatsInterval time.Duration
}

// peerChannel sends answers and candidates back over the peer channel. The
// channel topic stands in for the resource endpoint.
type peerChannel struct {
	ch domain.Channel
}

func (p peerChannel) SendAnswer(ctx context.Context, sdp string) (string, error) {
	if err := p.ch.Push(ctx, domain.EventSDPAnswer, domain.SDPEvent{Body: sdp}); err != nil {
		return "", err
	}
	return TopicPeer, nil
}

func (p peerChannel) SendCandidate(ctx context.Context, _ string, c domain.ICECandidate) error {
	ev, err := domain.NewCandidateEvent(c)
	if err != nil {
		return err
	}
	return p.ch.Push(ctx, domain.EventICECandidate, ev)
}

// meshPeer owns the single answerer session of the peer channel. Offers are
// applied in arrival order by one worker.
type meshPeer struct {
	ctx    context.Context
	cfg    MeshConfig
	out    peerChannel
	offers chan string
	logger zerolog.Logger

	mu      sync.Mutex
	session *session.Session
	closed  bool
}

func newMeshPeer(ctx context.Context, ch domain.Channel, cfg MeshConfig) *meshPeer {
	return &meshPeer{
		ctx:    ctx,
		cfg:    cfg,
		out:    peerChannel{ch: ch},
		offers: make(chan string, offerQueueSize),
		logger: log.With().Str("module", "mesh").Logger(),
	}
}

// current returns the answerer session, if any.
func (m *meshPeer) current() *session.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session
}

func (m *meshPeer) handleOffer(raw json.RawMessage) {
	ev, err := domain.Decode[domain.SDPEvent](raw)
	if err != nil {
		m.logger.Warn().Err(err).Msg("dropping sdp_offer")
		return
	}
	select {
	case m.offers <- ev.Body:
	case <-m.ctx.Done():
	}
}

func (m *meshPeer) handleCandidate(raw json.RawMessage) {
	ev, err := domain.Decode[domain.CandidateEvent](raw)
	if err != nil {
		m.logger.Warn().Err(err).Msg("dropping ice_candidate")
		return
	}
	c, err := ev.Candidate()
	if err != nil {
		m.logger.Warn().Err(err).Msg("dropping ice_candidate")
		return
	}
	s, err := m.sessionFor()
	if err != nil {
		m.logger.Warn().Err(err).Msg("no session for candidate")
		return
	}
	if err := s.AddRemoteCandidate(c); err != nil {
		m.logger.Warn().Err(err).Msg("add remote candidate")
	}
}

func (m *meshPeer) run() {
	for {
		select {
		case <-m.ctx.Done():
			return
		case offer := <-m.offers:
			s, err := m.sessionFor()
			if err != nil {
				m.logger.Error().Err(err).Msg("create mesh session")
				continue
			}
			if err := s.AcceptOffer(m.ctx, offer); err != nil {
				m.logger.Warn().Str("sid", s.ID()).Err(err).Msg("accept offer")
			}
		}
	}
}

// sessionFor returns the live answerer session, creating it on first use
// or after the previous one failed.
func (m *meshPeer) sessionFor() (*session.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, domain.ErrSessionClosed
	}
	if m.session != nil {
		st := m.session.State()
		if st != domain.StateFailed && st != domain.StateClosed {
			return m.session, nil
		}
		_ = m.session.Close()
	}

	hooks := m.cfg.Hooks
	onFailed := hooks.OnFailed
	hooks.OnFailed = func(id string, err error) {
		m.logger.Warn().Str("sid", id).Err(err).Msg("mesh session failed")
		if onFailed != nil {
			onFailed(id, err)
		}
	}
	s, err := session.New(session.Config{
		Role:          domain.RoleSubscriber,
		NewTransport:  m.cfg.NewTransport,
		Answers:       m.out,
		Candidates:    m.out,
		StatsInterval: m.cfg.StatsInterval,
		Hooks:         hooks,
	})
	if err != nil {
		return nil, err
	}
	m.session = s
	return s, nil
}

func (m *meshPeer) close() {
	m.mu.Lock()
	m.closed = true
	s := m.session
	m.session = nil
	m.mu.Unlock()
	if s != nil {
		_ = s.Close()
	}
}
