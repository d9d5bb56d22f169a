package metrics

import "log/slog"

// SlogObserver writes every event to a structured logger at debug level.
// Useful during development; production deployments plug in their own sink.
type SlogObserver struct {
	logger *slog.Logger
}

func NewSlogObserver(logger *slog.Logger) *SlogObserver {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogObserver{logger: logger}
}

func (s *SlogObserver) RecordEvent(ev MetricsEvent) {
	attrs := make([]any, 0, 2+2*len(ev.Tags))
	attrs = append(attrs, "value", ev.Value)
	for k, v := range ev.Tags {
		attrs = append(attrs, k, v)
	}
	s.logger.Debug(ev.Name, attrs...)
}
