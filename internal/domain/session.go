package domain

// Role is the direction of media in a session.
type Role int

const (
	RoleSubscriber Role = iota
	RolePublisher
)

func (r Role) String() string {
	if r == RolePublisher {
		return "publisher"
	}
	return "subscriber"
}

// State is the negotiation state of a session.
type State int

const (
	StateIdle State = iota
	StateNegotiating
	StateAwaitingResource
	StateIceGatheringOrConnecting
	StateConnected
	StateDisconnected
	StateFailed
	StateClosed
)

var stateNames = [...]string{
	StateIdle:                     "idle",
	StateNegotiating:              "negotiating",
	StateAwaitingResource:         "awaiting_resource",
	StateIceGatheringOrConnecting: "ice_gathering_or_connecting",
	StateConnected:                "connected",
	StateDisconnected:             "disconnected",
	StateFailed:                   "failed",
	StateClosed:                   "closed",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// TransportState is the connection status reported by a Transport.
type TransportState int

const (
	TransportNew TransportState = iota
	TransportConnecting
	TransportConnected
	TransportDisconnected
	TransportFailed
	TransportClosed
)

// MediaKind distinguishes audio and video tracks and stats.
type MediaKind string

const (
	KindAudio MediaKind = "audio"
	KindVideo MediaKind = "video"
)

// Default simulcast layers, highest quality first.
const (
	LayerHigh   = "h"
	LayerMedium = "m"
	LayerLow    = "l"
)

// DefaultLayers is the layer set assumed for WHEP subscriptions.
func DefaultLayers() []string {
	return []string{LayerHigh, LayerMedium, LayerLow}
}
