package webrtc

import (
	"broadcaster/native/internal/domain"

	pion "github.com/pion/webrtc/v4"
)

// foldStats sums the outbound (publisher) or inbound (subscriber) RTP
// stream stats per kind. Simulcast layers are summed into one video sample
// stamped with the newest timestamp.
func foldStats(report pion.StatsReport, outbound bool) []domain.StatsSample {
	acc := make(map[domain.MediaKind]*domain.StatsSample, 2)
	add := func(kind string, ts pion.StatsTimestamp, bytes uint64, packets, nacks uint32) {
		k, ok := kindOf(kind)
		if !ok {
			return
		}
		s, ok := acc[k]
		if !ok {
			s = &domain.StatsSample{Kind: k}
			acc[k] = s
		}
		if float64(ts) > s.TimestampMs {
			s.TimestampMs = float64(ts)
		}
		s.Bytes += bytes
		s.Packets += uint64(packets)
		s.NACKs += uint64(nacks)
	}

	for _, st := range report {
		switch v := st.(type) {
		case pion.OutboundRTPStreamStats:
			if outbound {
				add(v.Kind, v.Timestamp, v.BytesSent, v.PacketsSent, v.NACKCount)
			}
		case *pion.OutboundRTPStreamStats:
			if outbound {
				add(v.Kind, v.Timestamp, v.BytesSent, v.PacketsSent, v.NACKCount)
			}
		case pion.InboundRTPStreamStats:
			if !outbound {
				add(v.Kind, v.Timestamp, v.BytesReceived, v.PacketsReceived, v.NACKCount)
			}
		case *pion.InboundRTPStreamStats:
			if !outbound {
				add(v.Kind, v.Timestamp, v.BytesReceived, v.PacketsReceived, v.NACKCount)
			}
		}
	}

	out := make([]domain.StatsSample, 0, len(acc))
	for _, k := range []domain.MediaKind{domain.KindAudio, domain.KindVideo} {
		if s, ok := acc[k]; ok {
			out = append(out, *s)
		}
	}
	return out
}
