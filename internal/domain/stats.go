package domain

// StatsSample holds cumulative RTP counters for one media kind at one instant.
// Bytes and Packets count sent data for publishers and received data for
// subscribers.
type StatsSample struct {
	Kind          MediaKind
	TimestampMs   float64
	Bytes         uint64
	Packets       uint64
	Retransmitted uint64
	NACKs         uint64
}
