package webrtc

import (
	"net"
	"strings"

	"github.com/pion/ice/v4"
)

// isLoopback reports whether a candidate line carries a loopback address.
// Unparseable candidates are kept.
func isLoopback(candidate string) bool {
	raw := strings.TrimPrefix(strings.TrimSpace(candidate), "candidate:")
	if raw == "" {
		return false
	}
	c, err := ice.UnmarshalCandidate(raw)
	if err != nil {
		return false
	}
	ip := net.ParseIP(c.Address())
	return ip != nil && ip.IsLoopback()
}
