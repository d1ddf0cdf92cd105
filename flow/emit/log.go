package emit

import (
	"log/slog"
)

// LogSink writes every event to a structured logger. It is the opt-in
// observability path — the engine core itself never logs directly; callers
// wire a Sink if they want one.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink wraps logger (or slog.Default() if nil) as a Sink.
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) Observe(evt Event) {
	s.logger.Info("flow event",
		"executionId", evt.ExecutionID,
		"kind", string(evt.Kind),
		"nodeId", evt.NodeID,
		"seq", evt.Seq,
	)
}
