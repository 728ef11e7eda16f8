// Package sink writes remote H264 tracks to Annex-B byte streams.
package sink

import (
	"context"
	"io"
	"time"

	"broadcaster/native/internal/domain"

	"github.com/pion/rtp/codecs"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.uber.org/atomic"
)

// DefaultKeyframeInterval is how often a running recorder asks for a keyframe.
const DefaultKeyframeInterval = 3 * time.Second

// Recorder depacketizes one H264 track into w.
type Recorder struct {
	w        io.Writer
	interval time.Duration
	logger   zerolog.Logger

	written atomic.Uint64
}

type Option func(*Recorder)

// WithKeyframeInterval sets the PLI period. Zero sends a single PLI at start.
func WithKeyframeInterval(d time.Duration) Option {
	return func(r *Recorder) { r.interval = d }
}

func NewRecorder(streamID string, w io.Writer, opts ...Option) *Recorder {
	r := &Recorder{
		w:        w,
		interval: DefaultKeyframeInterval,
		logger:   log.With().Str("module", "sink").Str("stream", streamID).Logger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Written returns the number of Annex-B bytes written so far.
func (r *Recorder) Written() uint64 { return r.written.Load() }

// Run copies track into the writer until the track ends or ctx is done.
// A track that ends with a read error is not an error.
func (r *Recorder) Run(ctx context.Context, track domain.RemoteTrack) error {
	if track.Kind() != domain.KindVideo {
		return errors.Errorf("track %s is %s, want video", track.ID(), track.Kind())
	}

	r.requestKeyframe(track)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if r.interval > 0 {
		go r.requestKeyframes(ctx, track)
	}

	r.logger.Info().Str("track", track.ID()).Msg("recording")
	depack := &codecs.H264Packet{}
	for {
		if ctx.Err() != nil {
			return nil
		}
		pkt, err := track.ReadRTP()
		if err != nil {
			r.logger.Info().Err(err).Uint64("bytes", r.Written()).Msg("track ended")
			return nil
		}
		if len(pkt.Payload) == 0 {
			continue
		}
		nalus, err := depack.Unmarshal(pkt.Payload)
		if err != nil {
			r.logger.Debug().Err(err).Uint16("seq", pkt.SequenceNumber).Msg("drop packet")
			continue
		}
		if len(nalus) == 0 {
			continue
		}
		n, err := r.w.Write(nalus)
		r.written.Add(uint64(n))
		if err != nil {
			return errors.Wrap(err, "write annex-b")
		}
	}
}

func (r *Recorder) requestKeyframes(ctx context.Context, track domain.RemoteTrack) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.requestKeyframe(track)
		}
	}
}

func (r *Recorder) requestKeyframe(track domain.RemoteTrack) {
	if err := track.RequestKeyframe(); err != nil {
		r.logger.Debug().Err(err).Msg("keyframe request failed")
	}
}
