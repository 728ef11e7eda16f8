// Package orchestrator routes signaling channel events to the stream
// registry, the chat client and the mesh peer session.
package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"broadcaster/native/internal/chat"
	"broadcaster/native/internal/domain"
	"broadcaster/native/internal/fanout"
	"broadcaster/native/internal/session"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"
)

const (
	TopicStreams = "stream:signalling"
	TopicChat    = "broadcaster:chat"
	TopicPeer    = "peer:signalling"
)

// Hooks escalate channel failures unchanged to the embedding application.
type Hooks struct {
	OnChannelError func(topic string, err error)
	OnChannelClose func(topic string)
}

// ChatConfig enables the chat channel.
type ChatConfig struct {
	Log *chat.Log
	// Admin is nil for regular viewers.
	Admin domain.ChatAdmin
	// Nickname joins the chat right after the channel join when set.
	Nickname string
	Hooks    chat.Hooks
}

type Config struct {
	// Channel returns the channel for a topic on the shared socket.
	Channel  func(topic string) domain.Channel
	Registry *fanout.Registry
	Chat     *ChatConfig
	Mesh     *MeshConfig
	Hooks    Hooks
}

// Orchestrator owns the channels of one signaling connection.
type Orchestrator struct {
	cfg    Config
	logger zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     conc.WaitGroup

	mu       sync.Mutex
	channels []domain.Channel
	chat     *chat.Client
	mesh     *meshPeer
}

func New(cfg Config) (*Orchestrator, error) {
	if cfg.Channel == nil {
		return nil, errors.New("orchestrator: channel factory is required")
	}
	if cfg.Registry == nil {
		return nil, errors.New("orchestrator: registry is required")
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		cfg:    cfg,
		logger: log.With().Str("module", "orchestrator").Logger(),
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// Run joins the stream channel and, when configured, the chat and peer
// channels. It returns once every join has been answered; negotiation of
// the snapshot streams continues in the background. Any join failure is
// fatal and wraps domain.ErrChannelJoinFailed.
func (o *Orchestrator) Run(ctx context.Context) error {
	if err := o.joinStreams(ctx); err != nil {
		return err
	}
	if o.cfg.Chat != nil {
		if err := o.joinChat(ctx); err != nil {
			return err
		}
	}
	if o.cfg.Mesh != nil {
		if err := o.joinPeer(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Chat returns the chat client, or nil when chat is disabled or not joined.
func (o *Orchestrator) Chat() *chat.Client {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.chat
}

// PeerSession returns the mesh answerer session, nil before the first offer
// or when mesh is disabled.
func (o *Orchestrator) PeerSession() *session.Session {
	o.mu.Lock()
	m := o.mesh
	o.mu.Unlock()
	if m == nil {
		return nil
	}
	return m.current()
}

// Close leaves every channel, tears down the mesh session and the registry
// and waits for background negotiations to return.
func (o *Orchestrator) Close(ctx context.Context) {
	o.cancel()

	o.mu.Lock()
	channels := o.channels
	o.channels = nil
	mesh := o.mesh
	o.mu.Unlock()

	for _, ch := range channels {
		if err := ch.Leave(ctx); err != nil {
			o.logger.Debug().Err(err).Msg("leave channel")
		}
	}
	if mesh != nil {
		mesh.close()
	}
	o.cfg.Registry.Close()
	o.wg.Wait()
}

func (o *Orchestrator) joinStreams(ctx context.Context) error {
	ch := o.channel(TopicStreams)
	ch.On(domain.EventStreamAdded, o.handleStreamAdded)
	ch.On(domain.EventStreamRemoved, o.handleStreamRemoved)

	resp, err := join(ctx, ch, TopicStreams)
	if err != nil {
		return err
	}

	snap := domain.JoinSnapshot{}
	if !isEmpty(resp) {
		if snap, err = domain.Decode[domain.JoinSnapshot](resp); err != nil {
			o.logger.Warn().Err(err).Msg("ignoring malformed join snapshot")
			snap = domain.JoinSnapshot{}
		}
	}
	o.logger.Info().Strs("streams", snap.Streams).Msg("joined stream channel")

	o.wg.Go(func() {
		if err := o.cfg.Registry.OnJoin(o.ctx, snap.Streams); err != nil {
			o.logger.Warn().Err(err).Msg("snapshot negotiation")
		}
	})
	return nil
}

func (o *Orchestrator) joinChat(ctx context.Context) error {
	cfg := o.cfg.Chat
	ch := o.channel(TopicChat)
	l := cfg.Log
	if l == nil {
		l = chat.NewLog(chat.DefaultWindow)
	}
	client := chat.NewClient(ch, l, cfg.Admin, cfg.Hooks)

	if _, err := join(ctx, ch, TopicChat); err != nil {
		return err
	}
	o.mu.Lock()
	o.chat = client
	o.mu.Unlock()

	if cfg.Nickname != "" {
		if err := client.Join(ctx, cfg.Nickname); err != nil {
			return fmt.Errorf("join chat as %q: %w", cfg.Nickname, err)
		}
	}
	return nil
}

func (o *Orchestrator) joinPeer(ctx context.Context) error {
	ch := o.channel(TopicPeer)
	m := newMeshPeer(o.ctx, ch, *o.cfg.Mesh)
	ch.On(domain.EventSDPOffer, m.handleOffer)
	ch.On(domain.EventICECandidate, m.handleCandidate)

	o.mu.Lock()
	o.mesh = m
	o.mu.Unlock()
	o.wg.Go(m.run)

	if _, err := join(ctx, ch, TopicPeer); err != nil {
		return err
	}
	return nil
}

// channel creates the channel for topic and wires its failure hooks.
func (o *Orchestrator) channel(topic string) domain.Channel {
	ch := o.cfg.Channel(topic)
	ch.OnError(func(err error) {
		o.logger.Error().Str("topic", topic).Err(err).Msg("channel error")
		if h := o.cfg.Hooks.OnChannelError; h != nil {
			h(topic, err)
		}
	})
	ch.OnClose(func() {
		o.logger.Warn().Str("topic", topic).Msg("channel closed")
		if h := o.cfg.Hooks.OnChannelClose; h != nil {
			h(topic)
		}
	})
	o.mu.Lock()
	o.channels = append(o.channels, ch)
	o.mu.Unlock()
	return ch
}

// handleStreamAdded registers the session on the socket goroutine, so that
// add/remove order is kept, and negotiates it in the background.
func (o *Orchestrator) handleStreamAdded(raw json.RawMessage) {
	ev, err := domain.Decode[domain.StreamEvent](raw)
	if err != nil {
		o.logger.Warn().Err(err).Msg("dropping stream_added")
		return
	}
	sess, err := o.cfg.Registry.Register(ev.ID)
	if err != nil {
		o.logger.Warn().Str("stream", ev.ID).Err(err).Msg("register stream")
		return
	}
	o.wg.Go(func() {
		if err := fanout.Start(o.ctx, sess); err != nil {
			o.logger.Warn().Str("stream", ev.ID).Err(err).Msg("negotiate stream")
		}
	})
}

func (o *Orchestrator) handleStreamRemoved(raw json.RawMessage) {
	ev, err := domain.Decode[domain.StreamEvent](raw)
	if err != nil {
		o.logger.Warn().Err(err).Msg("dropping stream_removed")
		return
	}
	o.cfg.Registry.OnStreamRemoved(ev.ID)
}

func join(ctx context.Context, ch domain.Channel, topic string) (json.RawMessage, error) {
	resp, err := ch.Join(ctx)
	if err == nil {
		return resp, nil
	}
	if errors.Is(err, domain.ErrChannelJoinFailed) {
		return nil, err
	}
	return nil, fmt.Errorf("join %s: %v: %w", topic, err, domain.ErrChannelJoinFailed)
}

func isEmpty(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) == 0 || bytes.Equal(raw, []byte("null")) || bytes.Equal(raw, []byte("{}"))
}
