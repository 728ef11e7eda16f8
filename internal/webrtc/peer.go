package webrtc

import (
	"strings"
	"sync"

	"broadcaster/native/internal/domain"

	pion "github.com/pion/webrtc/v4"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Peer wraps a pion PeerConnection. It implements domain.Transport.
type Peer struct {
	pc       *pion.PeerConnection
	outbound bool
	logger   zerolog.Logger

	mu     sync.Mutex
	audio  *pion.TrackLocalStaticRTP
	layers map[string]*pion.TrackLocalStaticRTP
}

var _ domain.Transport = (*Peer)(nil)

func newPeer(pc *pion.PeerConnection, outbound bool) *Peer {
	p := &Peer{
		pc:       pc,
		outbound: outbound,
		logger:   log.With().Str("module", "webrtc").Logger(),
	}
	pc.OnICEConnectionStateChange(func(s pion.ICEConnectionState) {
		p.logger.Debug().Str("ice", s.String()).Msg("ICE connection state")
	})
	return p
}

func (p *Peer) addPublisherTracks() error {
	audio, err := pion.NewTrackLocalStaticRTP(
		pion.RTPCodecCapability{MimeType: pion.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"audio", "broadcaster")
	if err != nil {
		return errors.Wrap(err, "create audio track")
	}
	if _, err := p.pc.AddTrack(audio); err != nil {
		return errors.Wrap(err, "add audio track")
	}

	layers := make(map[string]*pion.TrackLocalStaticRTP, len(SimulcastLayers))
	var sender *pion.RTPSender
	for _, l := range SimulcastLayers {
		track, err := pion.NewTrackLocalStaticRTP(
			pion.RTPCodecCapability{MimeType: pion.MimeTypeH264, ClockRate: 90000},
			"video", "broadcaster", pion.WithRTPStreamID(l.RID))
		if err != nil {
			return errors.Wrapf(err, "create video track %s", l.RID)
		}
		if sender == nil {
			if sender, err = p.pc.AddTrack(track); err != nil {
				return errors.Wrap(err, "add video track")
			}
		} else if err := sender.AddEncoding(track); err != nil {
			return errors.Wrapf(err, "add encoding %s", l.RID)
		}
		layers[l.RID] = track
	}

	p.mu.Lock()
	p.audio, p.layers = audio, layers
	p.mu.Unlock()
	return nil
}

// AudioTrack returns the local audio track of a publisher, nil otherwise.
func (p *Peer) AudioTrack() *pion.TrackLocalStaticRTP {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.audio
}

// VideoTrack returns the local video track for simulcast rid.
func (p *Peer) VideoTrack(rid string) (*pion.TrackLocalStaticRTP, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.layers[rid]
	return t, ok
}

// CreateOffer creates an offer and sets it as the local description.
func (p *Peer) CreateOffer() (string, error) {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return "", errors.Wrap(err, "create offer")
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return "", errors.Wrap(err, "set local description")
	}
	p.logger.Debug().Msg("local offer set")
	return offer.SDP, nil
}

// CreateAnswer applies a remote offer and returns the local answer.
func (p *Peer) CreateAnswer(offer string) (string, error) {
	if err := p.pc.SetRemoteDescription(pion.SessionDescription{Type: pion.SDPTypeOffer, SDP: offer}); err != nil {
		return "", errors.Wrap(err, "set remote offer")
	}
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return "", errors.Wrap(err, "create answer")
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return "", errors.Wrap(err, "set local description")
	}
	p.logger.Debug().Msg("local answer set")
	return answer.SDP, nil
}

func (p *Peer) SetAnswer(sdp string) error {
	if err := p.pc.SetRemoteDescription(pion.SessionDescription{Type: pion.SDPTypeAnswer, SDP: sdp}); err != nil {
		return errors.Wrap(err, "set remote answer")
	}
	p.logger.Debug().Msg("remote answer set")
	return nil
}

func (p *Peer) AddICECandidate(c domain.ICECandidate) error {
	init := pion.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
	if err := p.pc.AddICECandidate(init); err != nil {
		return errors.Wrap(err, "add ice candidate")
	}
	return nil
}

// OnICECandidate reports local candidates, skipping loopback ones and the
// end-of-gathering marker.
func (p *Peer) OnICECandidate(fn func(c domain.ICECandidate)) {
	p.pc.OnICECandidate(func(c *pion.ICECandidate) {
		if c == nil {
			p.logger.Debug().Msg("ICE gathering complete")
			return
		}
		init := c.ToJSON()
		if isLoopback(init.Candidate) {
			p.logger.Debug().Str("candidate", init.Candidate).Msg("filtering loopback candidate")
			return
		}
		fn(domain.ICECandidate{
			Candidate:        init.Candidate,
			SDPMid:           init.SDPMid,
			SDPMLineIndex:    init.SDPMLineIndex,
			UsernameFragment: init.UsernameFragment,
		})
	})
}

func (p *Peer) OnStateChange(fn func(s domain.TransportState)) {
	p.pc.OnConnectionStateChange(func(s pion.PeerConnectionState) {
		p.logger.Debug().Str("state", s.String()).Msg("peer connection state")
		fn(transportState(s))
	})
}

func (p *Peer) OnTrack(fn func(t domain.RemoteTrack)) {
	p.pc.OnTrack(func(track *pion.TrackRemote, _ *pion.RTPReceiver) {
		codec := track.Codec()
		p.logger.Info().
			Str("kind", track.Kind().String()).
			Str("codec", codec.MimeType).
			Str("rid", track.RID()).
			Msg("remote track")
		fn(&remoteTrack{track: track, pc: p.pc})
	})
}

// Stats folds the RTP stream stats of the connection into one sample per
// media kind.
func (p *Peer) Stats() ([]domain.StatsSample, error) {
	if p.pc.ConnectionState() == pion.PeerConnectionStateClosed {
		return nil, errors.New("peer connection closed")
	}
	return foldStats(p.pc.GetStats(), p.outbound), nil
}

func (p *Peer) Close() error {
	if err := p.pc.Close(); err != nil {
		return errors.Wrap(err, "close peer connection")
	}
	return nil
}

func transportState(s pion.PeerConnectionState) domain.TransportState {
	switch s {
	case pion.PeerConnectionStateConnecting:
		return domain.TransportConnecting
	case pion.PeerConnectionStateConnected:
		return domain.TransportConnected
	case pion.PeerConnectionStateDisconnected:
		return domain.TransportDisconnected
	case pion.PeerConnectionStateFailed:
		return domain.TransportFailed
	case pion.PeerConnectionStateClosed:
		return domain.TransportClosed
	default:
		return domain.TransportNew
	}
}

func kindOf(s string) (domain.MediaKind, bool) {
	switch strings.ToLower(s) {
	case "audio":
		return domain.KindAudio, true
	case "video":
		return domain.KindVideo, true
	}
	return "", false
}
