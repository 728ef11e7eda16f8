// Package trickle buffers local ICE candidates until the session's resource
// endpoint is known, then delivers them one at a time in recording order.
package trickle

import (
	"context"
	"errors"
	"sync"

	"broadcaster/native/internal/domain"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Buffer is scoped to a single session.
type Buffer struct {
	sender domain.CandidateSender
	logger zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	endpoint string
	pending  []domain.ICECandidate
	outbox   []domain.ICECandidate
	draining bool
	closed   bool
	idle     chan struct{}
}

// New creates an empty buffer delivering through sender.
func New(sessionID string, sender domain.CandidateSender) *Buffer {
	ctx, cancel := context.WithCancel(context.Background())
	idle := make(chan struct{})
	close(idle)
	return &Buffer{
		sender: sender,
		logger: log.With().Str("module", "trickle").Str("sid", sessionID).Logger(),
		ctx:    ctx,
		cancel: cancel,
		idle:   idle,
	}
}

// Record queues c while the endpoint is unknown, otherwise sends it after
// everything recorded before it.
func (b *Buffer) Record(c domain.ICECandidate) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	if b.endpoint == "" {
		b.pending = append(b.pending, c)
		return
	}
	b.outbox = append(b.outbox, c)
	b.kickLocked()
}

// SetEndpoint binds the resource endpoint and flushes pending candidates.
// Only the first call has any effect.
func (b *Buffer) SetEndpoint(url string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return domain.ErrSessionClosed
	}
	if b.endpoint != "" {
		return domain.ErrEndpointAlreadySet
	}
	b.endpoint = url
	b.outbox = append(b.outbox, b.pending...)
	b.pending = nil
	b.kickLocked()
	return nil
}

// Endpoint returns the bound resource endpoint, or "" when unknown.
func (b *Buffer) Endpoint() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.endpoint
}

// Pending returns a copy of the candidates waiting for an endpoint.
func (b *Buffer) Pending() []domain.ICECandidate {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]domain.ICECandidate, len(b.pending))
	copy(out, b.pending)
	return out
}

// Idle returns a channel closed once every recorded candidate with a known
// endpoint has been handed to the sender.
func (b *Buffer) Idle() <-chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.idle
}

// Close discards undelivered candidates and cancels an in-flight delivery.
func (b *Buffer) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.pending = nil
	b.outbox = nil
	b.mu.Unlock()
	b.cancel()
}

func (b *Buffer) kickLocked() {
	if b.draining || len(b.outbox) == 0 {
		return
	}
	b.draining = true
	b.idle = make(chan struct{})
	go b.drain()
}

func (b *Buffer) drain() {
	for {
		b.mu.Lock()
		if b.closed || len(b.outbox) == 0 {
			b.draining = false
			close(b.idle)
			b.mu.Unlock()
			return
		}
		c := b.outbox[0]
		b.outbox = b.outbox[1:]
		endpoint := b.endpoint
		b.mu.Unlock()

		if err := b.sender.SendCandidate(b.ctx, endpoint, c); err != nil {
			if errors.Is(err, context.Canceled) {
				continue
			}
			b.logger.Warn().Err(err).Str("candidate", c.Candidate).Msg("candidate delivery failed")
		}
	}
}
