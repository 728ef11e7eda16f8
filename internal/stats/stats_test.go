package stats

import (
	"sync"
	"testing"
	"time"

	"broadcaster/native/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func video(ts float64, bytes uint64) domain.StatsSample {
	return domain.StatsSample{Kind: domain.KindVideo, TimestampMs: ts, Bytes: bytes}
}

func TestBitrateDeltaAndRestartFallback(t *testing.T) {
	c := NewCalculator()

	m := c.Observe([]domain.StatsSample{video(1000, 1000)})
	assert.InDelta(t, 8.0, m.VideoBitrate, 1e-9)

	m = c.Observe([]domain.StatsSample{video(2000, 9000)})
	assert.InDelta(t, 64000.0, m.VideoBitrate, 1e-9)

	m = c.Observe([]domain.StatsSample{video(500, 2000)})
	assert.InDelta(t, 16.0, m.VideoBitrate, 1e-9)

	m = c.Observe([]domain.StatsSample{video(1500, 3000)})
	assert.InDelta(t, 8000.0, m.VideoBitrate, 1e-9)
}

func TestCounterDecreaseResetsPrevious(t *testing.T) {
	c := NewCalculator()
	c.Observe([]domain.StatsSample{video(1000, 50000)})

	m := c.Observe([]domain.StatsSample{video(2000, 4000)})
	assert.InDelta(t, 32.0, m.VideoBitrate, 1e-9)
}

func TestEqualTimestampFallsBack(t *testing.T) {
	c := NewCalculator()
	c.Observe([]domain.StatsSample{video(1000, 1000)})

	m := c.Observe([]domain.StatsSample{video(1000, 2000)})
	assert.InDelta(t, 16.0, m.VideoBitrate, 1e-9)
}

func TestAudioAndVideoTrackedSeparately(t *testing.T) {
	c := NewCalculator()
	c.Observe([]domain.StatsSample{
		{Kind: domain.KindAudio, TimestampMs: 0, Bytes: 0},
		video(0, 0),
	})
	m := c.Observe([]domain.StatsSample{
		{Kind: domain.KindAudio, TimestampMs: 1000, Bytes: 4000},
		video(1000, 125000),
	})
	assert.InDelta(t, 32000.0, m.AudioBitrate, 1e-9)
	assert.InDelta(t, 1000000.0, m.VideoBitrate, 1e-9)
}

func TestPacketLoss(t *testing.T) {
	c := NewCalculator()
	c.Observe([]domain.StatsSample{
		{Kind: domain.KindVideo, TimestampMs: 0, Packets: 100, Retransmitted: 0, NACKs: 0},
		{Kind: domain.KindAudio, TimestampMs: 0, Packets: 50},
	})
	m := c.Observe([]domain.StatsSample{
		{Kind: domain.KindVideo, TimestampMs: 1000, Packets: 310, Retransmitted: 10, NACKs: 6},
		{Kind: domain.KindAudio, TimestampMs: 1000, Packets: 150},
	})
	// 6 NACKs over (210 + 100) - 10 original packets.
	assert.InDelta(t, 2.0, m.PacketLoss, 1e-9)
}

func TestPacketLossGuards(t *testing.T) {
	assert.Zero(t, PacketLoss(0, 100, 0))
	assert.Zero(t, PacketLoss(5, 10, 10))
	assert.Zero(t, PacketLoss(5, 0, 0))
}

func TestResetDiscardsPrevious(t *testing.T) {
	c := NewCalculator()
	c.Observe([]domain.StatsSample{video(1000, 1000)})
	c.Reset()

	m := c.Observe([]domain.StatsSample{video(2000, 9000)})
	assert.InDelta(t, 72.0, m.VideoBitrate, 1e-9)
}

type counterSource struct {
	mu    sync.Mutex
	bytes uint64
	ts    float64
}

func (s *counterSource) Stats() ([]domain.StatsSample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bytes += 1000
	s.ts += 1000
	return []domain.StatsSample{video(s.ts, s.bytes)}, nil
}

func TestSamplerStopsPublishing(t *testing.T) {
	var mu sync.Mutex
	var got []Metrics
	s := NewSampler("s", &counterSource{}, 5*time.Millisecond, func(m Metrics) {
		mu.Lock()
		got = append(got, m)
		mu.Unlock()
	})
	s.Start()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) >= 3
	}, time.Second, 5*time.Millisecond)

	s.Stop()
	mu.Lock()
	n := len(got)
	mu.Unlock()

	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("sampler goroutine did not exit")
	}
	time.Sleep(30 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, n, len(got))
	assert.InDelta(t, 8.0, got[0].VideoBitrate, 1e-9)
	assert.InDelta(t, 8000.0, got[1].VideoBitrate, 1e-9)
}

func TestSamplerStartAfterStopIsNoop(t *testing.T) {
	s := NewSampler("s", &counterSource{}, time.Millisecond, func(Metrics) {
		t.Error("published after stop")
	})
	s.Stop()
	s.Start()
	time.Sleep(20 * time.Millisecond)
}
