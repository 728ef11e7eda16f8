// Package source feeds an H264 Annex-B file into the local video tracks of
// a publisher.
package source

import (
	"context"
	"io"
	"math/rand"
	"os"
	"sync"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"
	"github.com/pion/webrtc/v4/pkg/media/h264reader"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.uber.org/atomic"
)

const (
	DefaultFPS = 30

	mtu          = 1200
	payloadType  = 96
	h264ClockHz  = 90000
	retryOnEmpty = 100 * time.Millisecond
)

// RTPWriter is a local track, e.g. *webrtc.TrackLocalStaticRTP.
type RTPWriter interface {
	WriteRTP(p *rtp.Packet) error
}

// File streams one H264 file, looping at EOF, to the current set of writers.
// Every writer receives the same packets.
type File struct {
	path   string
	fps    int
	loop   bool
	logger zerolog.Logger

	mu      sync.Mutex
	writers []RTPWriter

	frames atomic.Uint64
}

type Option func(*File)

// WithFPS sets the frame pacing.
func WithFPS(fps int) Option {
	return func(f *File) {
		if fps > 0 {
			f.fps = fps
		}
	}
}

// WithLoop controls whether Run restarts the file at EOF.
func WithLoop(loop bool) Option {
	return func(f *File) { f.loop = loop }
}

func NewFile(path string, opts ...Option) (*File, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, errors.Wrap(err, "h264 source")
	}
	f := &File{
		path:   path,
		fps:    DefaultFPS,
		loop:   true,
		logger: log.With().Str("module", "source").Str("file", path).Logger(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

// SetWriters replaces the destination tracks, e.g. after the publisher
// transport was recreated.
func (f *File) SetWriters(ws ...RTPWriter) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writers = ws
}

// Frames returns the number of video frames sent so far.
func (f *File) Frames() uint64 { return f.frames.Load() }

// Run paces the file until ctx is done. Without looping it returns nil at
// the end of the file.
func (f *File) Run(ctx context.Context) error {
	packetizer := rtp.NewPacketizer(mtu, payloadType, rand.Uint32(), &codecs.H264Payloader{},
		rtp.NewRandomSequencer(), h264ClockHz)
	ticker := time.NewTicker(time.Second / time.Duration(f.fps))
	defer ticker.Stop()

	for {
		n, err := f.playOnce(ctx, packetizer, ticker)
		if err != nil {
			return err
		}
		if ctx.Err() != nil || !f.loop {
			return nil
		}
		if n == 0 {
			// nothing decodable, avoid spinning on the file
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(retryOnEmpty):
			}
		}
	}
}

func (f *File) playOnce(ctx context.Context, packetizer rtp.Packetizer, ticker *time.Ticker) (int, error) {
	file, err := os.Open(f.path)
	if err != nil {
		return 0, errors.Wrap(err, "open h264 source")
	}
	defer file.Close()

	reader, err := h264reader.NewReader(file)
	if err != nil {
		return 0, errors.Wrap(err, "read h264 source")
	}

	frameSamples := uint32(h264ClockHz / f.fps)
	sent := 0
	for {
		nal, err := reader.NextNAL()
		if err == io.EOF {
			return sent, nil
		}
		if err != nil {
			return sent, errors.Wrap(err, "next nal")
		}

		var samples uint32
		if isSlice(nal.UnitType) {
			select {
			case <-ctx.Done():
				return sent, nil
			case <-ticker.C:
			}
			samples = frameSamples
			f.frames.Inc()
		}
		f.write(packetizer.Packetize(nal.Data, samples))
		sent++
	}
}

func (f *File) write(pkts []*rtp.Packet) {
	if len(pkts) == 0 {
		return
	}
	f.mu.Lock()
	writers := f.writers
	f.mu.Unlock()
	for _, w := range writers {
		for _, p := range pkts {
			if err := w.WriteRTP(p); err != nil {
				f.logger.Debug().Err(err).Msg("write rtp")
				break
			}
		}
	}
}

func isSlice(t h264reader.NalUnitType) bool {
	return t == h264reader.NalUnitTypeCodedSliceIdr || t == h264reader.NalUnitTypeCodedSliceNonIdr
}
