package webrtc

import (
	"github.com/pion/logging"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LoggerFactory routes pion's internal logs to the global zerolog logger.
type LoggerFactory struct{}

var _ logging.LoggerFactory = LoggerFactory{}

func (LoggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return newPionLogger(log.With().Str("module", "pion").Str("scope", scope).Logger())
}

type pionLogger struct {
	l zerolog.Logger
}

func newPionLogger(l zerolog.Logger) *pionLogger { return &pionLogger{l: l} }

func (p *pionLogger) Trace(msg string)                          { p.l.Trace().Msg(msg) }
func (p *pionLogger) Tracef(format string, args ...interface{}) { p.l.Trace().Msgf(format, args...) }
func (p *pionLogger) Debug(msg string)                          { p.l.Debug().Msg(msg) }
func (p *pionLogger) Debugf(format string, args ...interface{}) { p.l.Debug().Msgf(format, args...) }
func (p *pionLogger) Info(msg string)                           { p.l.Info().Msg(msg) }
func (p *pionLogger) Infof(format string, args ...interface{})  { p.l.Info().Msgf(format, args...) }
func (p *pionLogger) Warn(msg string)                           { p.l.Warn().Msg(msg) }
func (p *pionLogger) Warnf(format string, args ...interface{})  { p.l.Warn().Msgf(format, args...) }
func (p *pionLogger) Error(msg string)                          { p.l.Error().Msg(msg) }
func (p *pionLogger) Errorf(format string, args ...interface{}) { p.l.Error().Msgf(format, args...) }
