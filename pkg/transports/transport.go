package transports

import (
	"context"
	"time"

	"github.com/lectio-ai/lectio/pkg/frames"
)

// EventKind identifies a participant lifecycle event.
type EventKind string

const (
	EventParticipantJoined EventKind = "participant_joined"
	EventParticipantLeft   EventKind = "participant_left"
)

// Event is a discrete lifecycle notification from the transport. The first
// participant-joined event of a session triggers the greeting.
type Event struct {
	Kind          EventKind
	ParticipantID string
	Time          time.Time
	Reason        string
}

// Transport is the vendor-agnostic audio I/O boundary. Recv delivers
// inbound AudioChunk frames; Send accepts outbound SpeechChunk frames for
// playback and Interrupt frames telling the transport to drop audio it has
// already buffered. Implementations own their network lifecycle.
type Transport interface {
	Name() string
	Start(ctx context.Context) error
	Stop() error
	Recv() <-chan frames.Frame
	Send(f frames.Frame) error
	Events() <-chan Event
}

// OutboundDialer allows phone transports to initiate outbound calls.
type OutboundDialer interface {
	Dial(ctx context.Context, to, from, url string) (callSID string, err error)
}
