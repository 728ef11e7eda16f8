// Package stats derives bitrate and packet loss from cumulative RTP counters.
package stats

import "broadcaster/native/internal/domain"

// Metrics are derived from two consecutive samples.
type Metrics struct {
	AudioBitrate float64 // bits per second
	VideoBitrate float64 // bits per second
	PacketLoss   float64 // percent
}

// Calculator keeps the previous sample of each media kind for one session.
type Calculator struct {
	prev map[domain.MediaKind]domain.StatsSample
}

func NewCalculator() *Calculator {
	return &Calculator{prev: make(map[domain.MediaKind]domain.StatsSample)}
}

// Reset forgets every previous sample.
func (c *Calculator) Reset() {
	c.prev = make(map[domain.MediaKind]domain.StatsSample)
}

// Observe folds one sampling instant into metrics and remembers it.
func (c *Calculator) Observe(samples []domain.StatsSample) Metrics {
	var m Metrics
	var nacks, packets, rtx float64

	for _, cur := range samples {
		prev, ok := c.prev[cur.Kind]
		if ok && restarted(prev, cur) {
			ok = false
		}
		var p *domain.StatsSample
		if ok {
			p = &prev
		}

		rate := Bitrate(p, cur)
		switch cur.Kind {
		case domain.KindAudio:
			m.AudioBitrate = rate
		case domain.KindVideo:
			m.VideoBitrate = rate
		}

		var base domain.StatsSample
		if p != nil {
			base = *p
		}
		nacks += float64(cur.NACKs - base.NACKs)
		packets += float64(cur.Packets - base.Packets)
		rtx += float64(cur.Retransmitted - base.Retransmitted)

		c.prev[cur.Kind] = cur
	}

	m.PacketLoss = PacketLoss(nacks, packets, rtx)
	return m
}

// Bitrate returns bits per second between prev and cur. Without a usable
// previous sample the counters are treated as accumulated over one second.
func Bitrate(prev *domain.StatsSample, cur domain.StatsSample) float64 {
	if prev == nil || cur.TimestampMs <= prev.TimestampMs || cur.Bytes < prev.Bytes {
		return 8 * float64(cur.Bytes) / 1000
	}
	return 8 * float64(cur.Bytes-prev.Bytes) / ((cur.TimestampMs - prev.TimestampMs) / 1000)
}

// PacketLoss returns the NACK percentage of original packets.
func PacketLoss(nacks, packets, retransmitted float64) float64 {
	denom := packets - retransmitted
	if nacks <= 0 || denom <= 0 {
		return 0
	}
	return 100 * nacks / denom
}

func restarted(prev, cur domain.StatsSample) bool {
	return cur.TimestampMs < prev.TimestampMs ||
		cur.Bytes < prev.Bytes ||
		cur.Packets < prev.Packets ||
		cur.Retransmitted < prev.Retransmitted ||
		cur.NACKs < prev.NACKs
}
