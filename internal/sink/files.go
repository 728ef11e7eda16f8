package sink

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"broadcaster/native/internal/domain"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"
)

// Files records every attached track to <dir>/<streamID>.h264.
type Files struct {
	dir  string
	opts []Option
	wg   conc.WaitGroup
}

func NewFiles(dir string, opts ...Option) (*Files, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "create record dir %s", dir)
	}
	return &Files{dir: dir, opts: opts}, nil
}

// Path returns the file a stream is recorded to.
func (f *Files) Path(streamID string) string {
	return filepath.Join(f.dir, sanitize(streamID)+".h264")
}

// Attach starts recording track in the background. A track re-attached for
// the same stream truncates the previous recording.
func (f *Files) Attach(ctx context.Context, streamID string, track domain.RemoteTrack) error {
	path := f.Path(streamID)
	file, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "create %s", path)
	}
	rec := NewRecorder(streamID, file, f.opts...)
	f.wg.Go(func() {
		defer file.Close()
		if err := rec.Run(ctx, track); err != nil {
			log.Error().Str("module", "sink").Str("stream", streamID).Err(err).Msg("recording failed")
		}
	})
	return nil
}

// Wait blocks until every recording has finished.
func (f *Files) Wait() { f.wg.Wait() }

func sanitize(id string) string {
	id = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, id)
	if id == "" {
		return "stream"
	}
	return id
}
