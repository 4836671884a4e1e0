package zerolog

import (
	"io"

	"github.com/rs/zerolog"

	"github.com/mattiaslevin/mardao/log"
)

var _ log.Logger = Logger{}

type Logger struct{ L zerolog.Logger }

// New writes timestamped JSON lines to w at or above level.
func New(w io.Writer, level zerolog.Level) Logger {
	return Logger{L: zerolog.New(w).Level(level).With().Timestamp().Logger()}
}

func (z Logger) Debug(msg string, f log.Fields) { z.L.Debug().Fields(map[string]any(f)).Msg(msg) }
func (z Logger) Info(msg string, f log.Fields)  { z.L.Info().Fields(map[string]any(f)).Msg(msg) }
func (z Logger) Warn(msg string, f log.Fields)  { z.L.Warn().Fields(map[string]any(f)).Msg(msg) }
func (z Logger) Error(msg string, f log.Fields) { z.L.Error().Fields(map[string]any(f)).Msg(msg) }
