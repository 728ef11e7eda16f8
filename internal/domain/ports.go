package domain

import (
	"context"
	"encoding/json"

	"github.com/pion/rtp"
)

// Channel is one topic on the signaling socket.
type Channel interface {
	Join(ctx context.Context) (json.RawMessage, error)
	Push(ctx context.Context, event string, payload any) error
	On(event string, handler func(payload json.RawMessage))
	OnClose(handler func())
	OnError(handler func(err error))
	Leave(ctx context.Context) error
}

// Transport is the media stack behind one session.
type Transport interface {
	CreateOffer() (string, error)
	CreateAnswer(offer string) (string, error)
	SetAnswer(sdp string) error
	AddICECandidate(c ICECandidate) error
	OnICECandidate(fn func(c ICECandidate))
	OnStateChange(fn func(s TransportState))
	OnTrack(fn func(t RemoteTrack))
	Stats() ([]StatsSample, error)
	Close() error
}

// RemoteTrack is an inbound media track.
type RemoteTrack interface {
	ID() string
	Kind() MediaKind
	ReadRTP() (*rtp.Packet, error)
	RequestKeyframe() error
}

// OfferExchanger performs the WHIP/WHEP offer/answer round trip.
type OfferExchanger interface {
	ExchangeOffer(ctx context.Context, endpoint, offer string) (Answer, error)
}

// CandidateSender delivers one trickled candidate to a resource.
type CandidateSender interface {
	SendCandidate(ctx context.Context, resource string, c ICECandidate) error
}

// LayerSwitcher asks the remote to switch the simulcast layer of a resource.
type LayerSwitcher interface {
	SwitchLayer(ctx context.Context, resource, layer string) error
}

// AnswerSender delivers a local answer for mesh negotiation and returns the
// resource that further candidates go to.
type AnswerSender interface {
	SendAnswer(ctx context.Context, sdp string) (string, error)
}

// Terminator releases a remote resource.
type Terminator interface {
	Terminate(ctx context.Context, resource string) error
}

// ChatAdmin exposes the moderation endpoints.
type ChatAdmin interface {
	ChatToken(ctx context.Context) (string, error)
	DeleteChatMessage(ctx context.Context, id string) error
}
