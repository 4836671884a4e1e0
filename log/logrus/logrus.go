package logrus

import (
	"github.com/sirupsen/logrus"

	"github.com/mattiaslevin/mardao/log"
)

var _ log.Logger = LogrusLogger{}

type LogrusLogger struct{ E *logrus.Entry }

// New wraps a logger, tagging every line with the kind it logs for.
func New(l *logrus.Logger, kind string) LogrusLogger {
	return LogrusLogger{E: l.WithField("kind", kind)}
}

func (l LogrusLogger) Debug(msg string, f log.Fields) {
	l.E.WithFields(logrus.Fields(f)).Debug(msg)
}
func (l LogrusLogger) Info(msg string, f log.Fields) { l.E.WithFields(logrus.Fields(f)).Info(msg) }
func (l LogrusLogger) Warn(msg string, f log.Fields) { l.E.WithFields(logrus.Fields(f)).Warn(msg) }
func (l LogrusLogger) Error(msg string, f log.Fields) {
	l.E.WithFields(logrus.Fields(f)).Error(msg)
}
