// Package webrtc adapts pion PeerConnections to domain.Transport.
package webrtc

import (
	"broadcaster/native/internal/domain"

	"github.com/pion/interceptor"
	pion "github.com/pion/webrtc/v4"
	"github.com/pkg/errors"
)

// DefaultICEServer is used when no ICE servers are configured.
const DefaultICEServer = "stun:stun.l.google.com:19302"

// Layer describes one simulcast encoding offered by a publisher. The
// encoder writing to the layer's track is expected to honour ScaleDown and
// MaxBitrate.
type Layer struct {
	RID        string
	ScaleDown  float64
	MaxBitrate uint64
}

// SimulcastLayers are the encodings a publisher offers, highest first.
var SimulcastLayers = []Layer{
	{RID: domain.LayerHigh, ScaleDown: 1, MaxBitrate: 1_500_000},
	{RID: domain.LayerMedium, ScaleDown: 2, MaxBitrate: 600_000},
	{RID: domain.LayerLow, ScaleDown: 4, MaxBitrate: 300_000},
}

// ICEServer is one STUN/TURN server.
type ICEServer struct {
	URLs       []string
	Username   string
	Credential string
}

// Factory builds peers sharing one pion API (codecs, interceptors, settings).
type Factory struct {
	api    *pion.API
	config pion.Configuration
}

// NewFactory registers the default codecs and interceptors and routes pion
// logs through zerolog.
func NewFactory(servers []ICEServer) (*Factory, error) {
	m := &pion.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, errors.Wrap(err, "register codecs")
	}

	i := &interceptor.Registry{}
	if err := pion.RegisterDefaultInterceptors(m, i); err != nil {
		return nil, errors.Wrap(err, "register interceptors")
	}

	se := pion.SettingEngine{LoggerFactory: LoggerFactory{}}

	if len(servers) == 0 {
		servers = []ICEServer{{URLs: []string{DefaultICEServer}}}
	}
	ice := make([]pion.ICEServer, 0, len(servers))
	for _, s := range servers {
		ice = append(ice, pion.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}

	return &Factory{
		api: pion.NewAPI(
			pion.WithMediaEngine(m),
			pion.WithInterceptorRegistry(i),
			pion.WithSettingEngine(se),
		),
		config: pion.Configuration{
			ICEServers:   ice,
			BundlePolicy: pion.BundlePolicyMaxBundle,
		},
	}, nil
}

// NewSubscriber creates a WHEP peer receiving one audio and one video track.
func (f *Factory) NewSubscriber() (domain.Transport, error) {
	p, err := f.newPeer(false)
	if err != nil {
		return nil, err
	}
	for _, kind := range []pion.RTPCodecType{pion.RTPCodecTypeAudio, pion.RTPCodecTypeVideo} {
		_, err := p.pc.AddTransceiverFromKind(kind, pion.RTPTransceiverInit{
			Direction: pion.RTPTransceiverDirectionRecvonly,
		})
		if err != nil {
			_ = p.Close()
			return nil, errors.Wrapf(err, "add %s transceiver", kind)
		}
	}
	return p, nil
}

// NewAnswerer creates a peer for mesh negotiation. Transceivers are created
// from the remote offer.
func (f *Factory) NewAnswerer() (domain.Transport, error) {
	return f.newPeer(false)
}

// NewPublisher creates a WHIP peer sending Opus audio and H264 video in the
// SimulcastLayers encodings.
func (f *Factory) NewPublisher() (*Peer, error) {
	p, err := f.newPeer(true)
	if err != nil {
		return nil, err
	}
	if err := p.addPublisherTracks(); err != nil {
		_ = p.Close()
		return nil, err
	}
	return p, nil
}

func (f *Factory) newPeer(outbound bool) (*Peer, error) {
	pc, err := f.api.NewPeerConnection(f.config)
	if err != nil {
		return nil, errors.Wrap(err, "create peer connection")
	}
	return newPeer(pc, outbound), nil
}
