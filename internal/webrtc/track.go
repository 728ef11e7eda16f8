package webrtc

import (
	"broadcaster/native/internal/domain"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	pion "github.com/pion/webrtc/v4"
)

type remoteTrack struct {
	track *pion.TrackRemote
	pc    *pion.PeerConnection
}

var _ domain.RemoteTrack = (*remoteTrack)(nil)

func (t *remoteTrack) ID() string {
	if rid := t.track.RID(); rid != "" {
		return t.track.ID() + "/" + rid
	}
	return t.track.ID()
}

func (t *remoteTrack) Kind() domain.MediaKind {
	if t.track.Kind() == pion.RTPCodecTypeAudio {
		return domain.KindAudio
	}
	return domain.KindVideo
}

func (t *remoteTrack) ReadRTP() (*rtp.Packet, error) {
	pkt, _, err := t.track.ReadRTP()
	return pkt, err
}

// RequestKeyframe sends a PLI for the track's SSRC.
func (t *remoteTrack) RequestKeyframe() error {
	return t.pc.WriteRTCP([]rtcp.Packet{
		&rtcp.PictureLossIndication{MediaSSRC: uint32(t.track.SSRC())},
	})
}
