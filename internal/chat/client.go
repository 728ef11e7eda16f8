package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"broadcaster/native/internal/domain"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.uber.org/atomic"
)

var (
	ErrNotJoined     = errors.New("chat not joined")
	ErrNotAdmin      = errors.New("moderation requires admin credentials")
	ErrEmptyNickname = errors.New("nickname is empty")
)

// Hooks report chat state to the embedding application.
type Hooks struct {
	OnMessages    func(msgs []domain.ChatMessage)
	OnViewerCount func(n int)
	OnJoinResult  func(ok bool, reason string)
}

// Client binds a chat Log and Presence to a signaling channel.
type Client struct {
	ch       domain.Channel
	admin    domain.ChatAdmin
	log      *Log
	presence *Presence
	hooks    Hooks
	logger   zerolog.Logger
	joined   *atomic.Bool
}

// NewClient subscribes to the chat events of ch. admin may be nil for
// regular viewers.
func NewClient(ch domain.Channel, l *Log, admin domain.ChatAdmin, hooks Hooks) *Client {
	c := &Client{
		ch:       ch,
		admin:    admin,
		log:      l,
		presence: NewPresence(hooks.OnViewerCount),
		hooks:    hooks,
		logger:   log.With().Str("module", "chat").Logger(),
		joined:   atomic.NewBool(false),
	}
	ch.On(domain.EventChatMsg, c.handleMessage)
	ch.On(domain.EventDeleteChatMsg, c.handleDelete)
	ch.On(domain.EventJoinChatResp, c.handleJoinResp)
	ch.On(domain.EventPresenceState, c.handlePresenceState)
	ch.On(domain.EventPresenceDiff, c.handlePresenceDiff)
	return c
}

func (c *Client) Log() *Log           { return c.log }
func (c *Client) Presence() *Presence { return c.presence }
func (c *Client) Joined() bool        { return c.joined.Load() }

// Join asks to take part in the chat under nickname. Admin clients fetch
// their chat token first. The result arrives through OnJoinResult.
func (c *Client) Join(ctx context.Context, nickname string) error {
	nickname = strings.TrimSpace(nickname)
	if nickname == "" {
		return ErrEmptyNickname
	}
	req := domain.JoinChatRequest{Nickname: nickname}
	if c.admin != nil {
		token, err := c.admin.ChatToken(ctx)
		if err != nil {
			return fmt.Errorf("fetch chat token: %w", err)
		}
		req.Token = token
	}
	return c.ch.Push(ctx, domain.EventJoinChat, req)
}

// Send posts body to the chat. Blank messages are ignored.
func (c *Client) Send(ctx context.Context, body string) error {
	body = strings.TrimSpace(body)
	if body == "" {
		return nil
	}
	if !c.joined.Load() {
		return ErrNotJoined
	}
	return c.ch.Push(ctx, domain.EventChatMsg, domain.OutgoingChat{Body: body})
}

// Remove asks the server to delete message id. The local log changes when
// the delete_chat_msg broadcast comes back.
func (c *Client) Remove(ctx context.Context, id string) error {
	if c.admin == nil {
		return ErrNotAdmin
	}
	return c.admin.DeleteChatMessage(ctx, id)
}

func (c *Client) handleMessage(raw json.RawMessage) {
	msg, err := domain.Decode[domain.ChatMessage](raw)
	if err != nil {
		c.logger.Debug().Err(err).Msg("dropping chat message")
		return
	}
	if c.log.Append(msg) {
		c.publishMessages()
	}
}

func (c *Client) handleDelete(raw json.RawMessage) {
	ev, err := domain.Decode[domain.DeleteChatEvent](raw)
	if err != nil {
		c.logger.Debug().Err(err).Msg("dropping delete")
		return
	}
	if c.log.Delete(ev.ID) {
		c.publishMessages()
	}
}

func (c *Client) handleJoinResp(raw json.RawMessage) {
	resp, err := domain.Decode[domain.JoinChatResponse](raw)
	if err != nil {
		c.logger.Debug().Err(err).Msg("dropping join response")
		return
	}
	c.joined.Store(resp.OK())
	if !resp.OK() {
		c.logger.Info().Str("reason", resp.Reason).Msg("chat join refused")
	}
	if h := c.hooks.OnJoinResult; h != nil {
		h(resp.OK(), resp.Reason)
	}
}

func (c *Client) handlePresenceState(raw json.RawMessage) {
	state, err := domain.Decode[domain.PresenceState](raw)
	if err != nil {
		c.logger.Debug().Err(err).Msg("dropping presence state")
		return
	}
	c.presence.Sync(state)
}

func (c *Client) handlePresenceDiff(raw json.RawMessage) {
	diff, err := domain.Decode[domain.PresenceDiff](raw)
	if err != nil {
		c.logger.Debug().Err(err).Msg("dropping presence diff")
		return
	}
	c.presence.ApplyDiff(diff)
}

func (c *Client) publishMessages() {
	if h := c.hooks.OnMessages; h != nil {
		h(c.log.Messages())
	}
}
