package signal

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"broadcaster/native/internal/domain"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

// phoenixServer answers joins and records every inbound frame.
type phoenixServer struct {
	t        *testing.T
	upgrader websocket.Upgrader

	mu     sync.Mutex
	frames []frame
	query  string
	conn   *websocket.Conn
	ready  chan struct{}
}

func newPhoenixServer(t *testing.T) (*phoenixServer, *httptest.Server) {
	p := &phoenixServer{t: t, ready: make(chan struct{})}
	srv := httptest.NewServer(http.HandlerFunc(p.serve))
	t.Cleanup(srv.Close)
	return p, srv
}

func (p *phoenixServer) serve(w http.ResponseWriter, r *http.Request) {
	conn, err := p.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	p.mu.Lock()
	p.conn = conn
	p.query = r.URL.RawQuery
	p.mu.Unlock()
	close(p.ready)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			continue
		}
		p.mu.Lock()
		p.frames = append(p.frames, f)
		p.mu.Unlock()

		if f.Event == eventJoin {
			status, response := "ok", `{"streams":["a","b"]}`
			if strings.HasPrefix(f.Topic, "denied:") {
				status, response = "error", `{"reason":"unauthorized"}`
			}
			p.send(frame{JoinRef: f.JoinRef, Ref: f.Ref, Topic: f.Topic, Event: eventReply,
				Payload: json.RawMessage(`{"status":"` + status + `","response":` + response + `}`)})
		}
	}
}

func (p *phoenixServer) send(f frame) {
	data, err := json.Marshal(f)
	require.NoError(p.t, err)
	p.mu.Lock()
	defer p.mu.Unlock()
	_ = p.conn.WriteMessage(websocket.TextMessage, data)
}

func (p *phoenixServer) dropConnection() {
	p.mu.Lock()
	defer p.mu.Unlock()
	_ = p.conn.Close()
}

func (p *phoenixServer) events(topic string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, f := range p.frames {
		if f.Topic == topic {
			out = append(out, f.Event)
		}
	}
	return out
}

func (p *phoenixServer) last(event string) (frame, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := len(p.frames) - 1; i >= 0; i-- {
		if p.frames[i].Event == event {
			return p.frames[i], true
		}
	}
	return frame{}, false
}

func connect(t *testing.T, srv *httptest.Server, opts ...Option) *Socket {
	t.Helper()
	s, err := NewSocket(srv.URL+"/socket", map[string]string{"token": "t1"}, opts...)
	require.NoError(t, err)
	require.NoError(t, s.Connect(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestFrameRoundTripKeepsNullRefs(t *testing.T) {
	data, err := json.Marshal(frame{Topic: "phoenix", Event: eventHeartbeat})
	require.NoError(t, err)
	require.JSONEq(t, `[null,null,"phoenix","heartbeat",{}]`, string(data))

	var f frame
	require.NoError(t, json.Unmarshal([]byte(`["1","2","room:x","evt",{"a":1}]`), &f))
	require.Equal(t, "1", *f.JoinRef)
	require.Equal(t, "2", *f.Ref)
	require.Equal(t, "room:x", f.Topic)
	require.JSONEq(t, `{"a":1}`, string(f.Payload))

	require.Error(t, json.Unmarshal([]byte(`["1","2"]`), &f))
}

func TestNewSocketURL(t *testing.T) {
	s, err := NewSocket("https://sfu.example/socket/", map[string]string{"token": "x"})
	require.NoError(t, err)
	require.Equal(t, "wss://sfu.example/socket/websocket?token=x&vsn=2.0.0", s.url)

	_, err = NewSocket("ftp://nope", nil)
	require.Error(t, err)
}

func TestJoinReturnsResponse(t *testing.T) {
	p, srv := newPhoenixServer(t)
	s := connect(t, srv)
	<-p.ready

	resp, err := s.Channel("stream:signalling", nil).Join(context.Background())
	require.NoError(t, err)
	require.JSONEq(t, `{"streams":["a","b"]}`, string(resp))
	require.Contains(t, p.query, "vsn=2.0.0")
	require.Contains(t, p.query, "token=t1")
}

func TestJoinRejected(t *testing.T) {
	_, srv := newPhoenixServer(t)
	s := connect(t, srv)

	_, err := s.Channel("denied:room", nil).Join(context.Background())
	require.ErrorIs(t, err, domain.ErrChannelJoinFailed)
	require.Contains(t, err.Error(), "unauthorized")
}

func TestJoinContextCancelled(t *testing.T) {
	_, srv := newPhoenixServer(t)
	s := connect(t, srv)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.Channel("stream:signalling", nil).Join(ctx)
	require.ErrorIs(t, err, domain.ErrChannelJoinFailed)
}

func TestPushCarriesJoinRef(t *testing.T) {
	p, srv := newPhoenixServer(t)
	s := connect(t, srv)
	ch := s.Channel("peer:signalling", map[string]string{"role": "viewer"})
	_, err := ch.Join(context.Background())
	require.NoError(t, err)

	require.NoError(t, ch.Push(context.Background(), "sdp_answer", domain.SDPEvent{Body: "v=0"}))
	require.Eventually(t, func() bool {
		_, ok := p.last("sdp_answer")
		return ok
	}, time.Second, 5*time.Millisecond)

	join, _ := p.last(eventJoin)
	push, _ := p.last("sdp_answer")
	require.Equal(t, *join.Ref, *push.JoinRef)
	require.JSONEq(t, `{"role":"viewer"}`, string(join.Payload))
	require.JSONEq(t, `{"body":"v=0"}`, string(push.Payload))
}

func TestServerEventsDispatched(t *testing.T) {
	p, srv := newPhoenixServer(t)
	s := connect(t, srv)
	ch := s.Channel("stream:signalling", nil)

	got := make(chan string, 1)
	closed := make(chan struct{})
	errs := make(chan error, 1)
	ch.On(domain.EventStreamAdded, func(payload json.RawMessage) {
		var ev domain.StreamEvent
		require.NoError(t, json.Unmarshal(payload, &ev))
		got <- ev.ID
	})
	ch.OnClose(func() { close(closed) })
	ch.OnError(func(err error) { errs <- err })

	_, err := ch.Join(context.Background())
	require.NoError(t, err)

	p.send(frame{Topic: "stream:signalling", Event: domain.EventStreamAdded, Payload: json.RawMessage(`{"id":"s1"}`)})
	require.Equal(t, "s1", <-got)

	p.send(frame{Topic: "stream:signalling", Event: eventError, Payload: json.RawMessage(`{}`)})
	require.Error(t, <-errs)

	p.send(frame{Topic: "stream:signalling", Event: eventClose, Payload: json.RawMessage(`{}`)})
	<-closed
}

func TestSocketFailureReachesChannels(t *testing.T) {
	p, srv := newPhoenixServer(t)
	s := connect(t, srv)
	ch := s.Channel("stream:signalling", nil)
	errs := make(chan error, 1)
	ch.OnError(func(err error) { errs <- err })
	_, err := ch.Join(context.Background())
	require.NoError(t, err)

	p.dropConnection()
	require.Error(t, <-errs)
	<-s.Done()
	require.ErrorIs(t, ch.Push(context.Background(), "x", struct{}{}), ErrSocketClosed)
}

func TestHeartbeat(t *testing.T) {
	p, srv := newPhoenixServer(t)
	connect(t, srv, WithHeartbeat(10*time.Millisecond))

	require.Eventually(t, func() bool {
		return len(p.events(topicPhoenix)) >= 2
	}, time.Second, 5*time.Millisecond)
}

func TestLeaveDetachesChannel(t *testing.T) {
	p, srv := newPhoenixServer(t)
	s := connect(t, srv)
	ch := s.Channel("broadcaster:chat", nil)
	_, err := ch.Join(context.Background())
	require.NoError(t, err)

	require.NoError(t, ch.Leave(context.Background()))
	require.Eventually(t, func() bool {
		_, ok := p.last(eventLeave)
		return ok
	}, time.Second, 5*time.Millisecond)
	require.NotSame(t, ch, s.Channel("broadcaster:chat", nil))
}
