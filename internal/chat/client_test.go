package chat

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"broadcaster/native/internal/domain"

	"github.com/stretchr/testify/require"
)

type pushed struct {
	event   string
	payload any
}

type mockChannel struct {
	mu       sync.Mutex
	handlers map[string]func(json.RawMessage)
	pushes   []pushed
}

func newMockChannel() *mockChannel {
	return &mockChannel{handlers: make(map[string]func(json.RawMessage))}
}

func (m *mockChannel) Join(context.Context) (json.RawMessage, error) { return nil, nil }
func (m *mockChannel) Push(_ context.Context, event string, payload any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pushes = append(m.pushes, pushed{event, payload})
	return nil
}
func (m *mockChannel) On(event string, h func(json.RawMessage)) { m.handlers[event] = h }
func (m *mockChannel) OnClose(func())                           {}
func (m *mockChannel) OnError(func(error))                      {}
func (m *mockChannel) Leave(context.Context) error              { return nil }

func (m *mockChannel) emit(event, payload string) {
	m.handlers[event](json.RawMessage(payload))
}

type mockAdmin struct {
	token   string
	err     error
	deleted []string
}

func (m *mockAdmin) ChatToken(context.Context) (string, error) { return m.token, m.err }
func (m *mockAdmin) DeleteChatMessage(_ context.Context, id string) error {
	m.deleted = append(m.deleted, id)
	return nil
}

func TestClientRoutesMessagesAndDeletes(t *testing.T) {
	ch := newMockChannel()
	var snapshots [][]domain.ChatMessage
	c := NewClient(ch, NewLog(10), nil, Hooks{
		OnMessages: func(m []domain.ChatMessage) { snapshots = append(snapshots, m) },
	})

	ch.emit(domain.EventChatMsg, `{"id":"1","nickname":"ann","body":"hello","admin":false}`)
	ch.emit(domain.EventChatMsg, `{"id":"2","nickname":"bob","body":"hey","admin":true}`)
	ch.emit(domain.EventChatMsg, `{"id":"3","body":"no nickname"}`)
	ch.emit(domain.EventChatMsg, `not json`)
	require.Len(t, snapshots, 2)
	require.True(t, snapshots[1][1].Admin)

	ch.emit(domain.EventDeleteChatMsg, `{"id":"1"}`)
	ch.emit(domain.EventDeleteChatMsg, `{"id":"unknown"}`)
	require.Len(t, snapshots, 3)
	require.Equal(t, domain.ModeratedBody, c.Log().Messages()[0].Body)
}

func TestClientJoinAndSend(t *testing.T) {
	ch := newMockChannel()
	var joined []bool
	c := NewClient(ch, NewLog(10), nil, Hooks{
		OnJoinResult: func(ok bool, _ string) { joined = append(joined, ok) },
	})
	ctx := context.Background()

	require.ErrorIs(t, c.Join(ctx, "   "), ErrEmptyNickname)
	require.ErrorIs(t, c.Send(ctx, "hi"), ErrNotJoined)

	require.NoError(t, c.Join(ctx, " ann "))
	require.Equal(t, pushed{domain.EventJoinChat, domain.JoinChatRequest{Nickname: "ann"}}, ch.pushes[0])

	ch.emit(domain.EventJoinChatResp, `{"result":"error","reason":"nickname taken"}`)
	require.False(t, c.Joined())
	ch.emit(domain.EventJoinChatResp, `{"result":"success"}`)
	require.True(t, c.Joined())
	require.Equal(t, []bool{false, true}, joined)

	require.NoError(t, c.Send(ctx, "  "))
	require.NoError(t, c.Send(ctx, " hello "))
	require.Len(t, ch.pushes, 2)
	require.Equal(t, pushed{domain.EventChatMsg, domain.OutgoingChat{Body: "hello"}}, ch.pushes[1])
}

func TestAdminJoinUsesToken(t *testing.T) {
	ch := newMockChannel()
	admin := &mockAdmin{token: "secret"}
	c := NewClient(ch, NewLog(10), admin, Hooks{})

	require.NoError(t, c.Join(context.Background(), "mod"))
	require.Equal(t, domain.JoinChatRequest{Nickname: "mod", Token: "secret"}, ch.pushes[0].payload)

	require.NoError(t, c.Remove(context.Background(), "42"))
	require.Equal(t, []string{"42"}, admin.deleted)

	admin.err = errors.New("http 401")
	require.Error(t, c.Join(context.Background(), "mod"))
	require.Len(t, ch.pushes, 1)
}

func TestRemoveRequiresAdmin(t *testing.T) {
	c := NewClient(newMockChannel(), NewLog(10), nil, Hooks{})
	require.ErrorIs(t, c.Remove(context.Background(), "1"), ErrNotAdmin)
}

func TestClientPresenceEvents(t *testing.T) {
	ch := newMockChannel()
	var counts []int
	NewClient(ch, NewLog(10), nil, Hooks{OnViewerCount: func(n int) { counts = append(counts, n) }})

	ch.emit(domain.EventPresenceState, `{"u1":{"metas":[{"phx_ref":"a"}]},"u2":{"metas":[{"phx_ref":"b"}]}}`)
	ch.emit(domain.EventPresenceDiff, `{"joins":{"u3":{"metas":[{"phx_ref":"c"}]}},"leaves":{"u1":{"metas":[{"phx_ref":"a"}]}}}`)

	require.Equal(t, []int{2, 2}, counts)
}
