package trickle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"broadcaster/native/internal/domain"

	"github.com/stretchr/testify/require"
)

type delivery struct {
	resource  string
	candidate string
}

type fakeSender struct {
	mu     sync.Mutex
	sent   []delivery
	failOn map[string]bool
}

func (f *fakeSender) SendCandidate(_ context.Context, resource string, c domain.ICECandidate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, delivery{resource: resource, candidate: c.Candidate})
	if f.failOn[c.Candidate] {
		return fmt.Errorf("http 400: %w", domain.ErrCandidateDeliveryFailed)
	}
	return nil
}

func (f *fakeSender) deliveries() []delivery {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]delivery(nil), f.sent...)
}

func cand(s string) domain.ICECandidate {
	return domain.ICECandidate{Candidate: s}
}

func waitIdle(t *testing.T, b *Buffer) {
	t.Helper()
	select {
	case <-b.Idle():
	case <-time.After(time.Second):
		t.Fatal("buffer did not drain")
	}
}

func TestFlushPreservesRecordingOrder(t *testing.T) {
	s := &fakeSender{}
	b := New("s1", s)

	var want []delivery
	for i := 0; i < 20; i++ {
		c := fmt.Sprintf("candidate:%d", i)
		b.Record(cand(c))
		want = append(want, delivery{resource: "http://x/r/1", candidate: c})
	}
	require.Len(t, b.Pending(), 20)
	require.Empty(t, s.deliveries())

	require.NoError(t, b.SetEndpoint("http://x/r/1"))
	waitIdle(t, b)

	require.Equal(t, want, s.deliveries())
	require.Empty(t, b.Pending())
}

func TestSetEndpointOnlyOnce(t *testing.T) {
	s := &fakeSender{}
	b := New("s1", s)
	b.Record(cand("a"))
	require.NoError(t, b.SetEndpoint("http://x/r/1"))
	waitIdle(t, b)

	err := b.SetEndpoint("http://x/r/2")
	require.ErrorIs(t, err, domain.ErrEndpointAlreadySet)
	require.Equal(t, "http://x/r/1", b.Endpoint())
	waitIdle(t, b)
	require.Equal(t, []delivery{{"http://x/r/1", "a"}}, s.deliveries())
}

func TestRecordAfterEndpointSendsInOrder(t *testing.T) {
	s := &fakeSender{}
	b := New("s1", s)
	b.Record(cand("a"))
	require.NoError(t, b.SetEndpoint("r"))
	b.Record(cand("b"))
	b.Record(cand("c"))
	waitIdle(t, b)

	require.Equal(t, []delivery{{"r", "a"}, {"r", "b"}, {"r", "c"}}, s.deliveries())
	require.Empty(t, b.Pending())
}

func TestDeliveryFailureDoesNotStopFlush(t *testing.T) {
	s := &fakeSender{failOn: map[string]bool{"b": true}}
	b := New("s1", s)
	b.Record(cand("a"))
	b.Record(cand("b"))
	b.Record(cand("c"))
	require.NoError(t, b.SetEndpoint("r"))
	waitIdle(t, b)

	require.Len(t, s.deliveries(), 3)
	require.Equal(t, "c", s.deliveries()[2].candidate)
}

func TestCloseDiscardsPending(t *testing.T) {
	s := &fakeSender{}
	b := New("s1", s)
	b.Record(cand("a"))
	b.Close()
	b.Close()

	require.Empty(t, b.Pending())
	err := b.SetEndpoint("r")
	require.True(t, errors.Is(err, domain.ErrSessionClosed))
	b.Record(cand("b"))
	require.Empty(t, s.deliveries())
}
