package metrics

import "time"

// MetricsEvent is a single named measurement with optional tags.
type MetricsEvent struct {
	Name  string
	Time  time.Time
	Value float64
	Tags  map[string]string
}

type Observer interface {
	RecordEvent(ev MetricsEvent)
}

type Flusher interface {
	Flush() error
}

type NoopObserver struct{}

func (NoopObserver) RecordEvent(MetricsEvent) {}

// Event names emitted by the engine.
const (
	EventTurnStarted     = "turn.started"
	EventTurnCompleted   = "turn.completed"
	EventTurnInterrupted = "turn.interrupted"
	EventTurnFailed      = "turn.failed"
	EventFirstToken      = "llm.first_token"
	EventFirstSpeech     = "tts.first_speech"
	EventSessionStarted  = "session.started"
	EventSessionStopped  = "session.stopped"
	EventRateLimit       = "provider.rate_limit"
	EventBreakerDenied   = "provider.breaker_denied"
)

// TurnEvent builds an event tagged with a turn identifier.
func TurnEvent(name, turnID string, value float64) MetricsEvent {
	return MetricsEvent{
		Name:  name,
		Time:  time.Now(),
		Value: value,
		Tags:  map[string]string{"turn_id": turnID},
	}
}
