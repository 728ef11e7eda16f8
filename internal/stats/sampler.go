package stats

import (
	"sync"
	"time"

	"broadcaster/native/internal/domain"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.uber.org/atomic"
)

// DefaultInterval is the sampling period of a connected session.
const DefaultInterval = time.Second

// Source yields the current cumulative counters of a transport.
type Source interface {
	Stats() ([]domain.StatsSample, error)
}

// Sampler polls a Source on a fixed period and publishes derived metrics.
// A stopped sampler never publishes again.
type Sampler struct {
	src      Source
	interval time.Duration
	publish  func(Metrics)
	logger   zerolog.Logger

	alive *atomic.Bool

	// mu serializes publishing against Stop.
	mu   sync.Mutex
	calc *Calculator

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewSampler creates a stopped sampler. publish must not call Stop.
func NewSampler(sessionID string, src Source, interval time.Duration, publish func(Metrics)) *Sampler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Sampler{
		src:      src,
		interval: interval,
		publish:  publish,
		logger:   log.With().Str("module", "stats").Str("sid", sessionID).Logger(),
		alive:    atomic.NewBool(false),
		calc:     NewCalculator(),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start begins ticking. It has no effect after Stop.
func (s *Sampler) Start() {
	select {
	case <-s.stop:
		return
	default:
	}
	if s.alive.Swap(true) {
		return
	}
	go s.loop()
}

// Stop cancels the ticker and waits for an in-flight publish to finish.
func (s *Sampler) Stop() {
	s.alive.Store(false)
	s.stopOnce.Do(func() { close(s.stop) })

	s.mu.Lock()
	s.calc.Reset()
	s.mu.Unlock()
}

// Done is closed once the ticker goroutine has exited.
func (s *Sampler) Done() <-chan struct{} {
	return s.done
}

func (s *Sampler) loop() {
	defer close(s.done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.tick()
		}
	}
}

func (s *Sampler) tick() {
	if !s.alive.Load() {
		return
	}
	samples, err := s.src.Stats()
	if err != nil {
		s.logger.Debug().Err(err).Msg("stats unavailable")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.alive.Load() {
		return
	}
	m := s.calc.Observe(samples)
	if s.publish != nil {
		s.publish(m)
	}
}
