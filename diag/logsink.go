package diag

import (
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// LogSink writes events to a go-kit logger at the level matching their
// severity.
type LogSink struct {
	logger log.Logger
}

func NewLogSink(logger log.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Handle(e Event) {
	var logger log.Logger

	switch e.Severity() {
	case SeverityError:
		logger = level.Error(s.logger)
	case SeverityWarn:
		logger = level.Warn(s.logger)
	case SeverityInfo:
		logger = level.Info(s.logger)
	default:
		logger = level.Debug(s.logger)
	}

	kv := append([]interface{}{"msg", e.Description(), "event", Name(e)}, e.keyvals()...)

	logger.Log(kv...)
}
