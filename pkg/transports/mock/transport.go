package mock

import (
	"context"
	"sync"
	"time"

	"github.com/lectio-ai/lectio/pkg/frames"
	"github.com/lectio-ai/lectio/pkg/transports"
)

// Transport is an in-memory transport for tests. Inbound audio is injected
// with PushAudio, outbound frames are exposed on Sent, and Join simulates a
// participant arriving.
type Transport struct {
	recvCh  chan frames.Frame
	sentCh  chan frames.Frame
	eventCh chan transports.Event

	mu     sync.Mutex
	closed bool
}

func New() *Transport {
	return &Transport{
		recvCh:  make(chan frames.Frame, 256),
		sentCh:  make(chan frames.Frame, 256),
		eventCh: make(chan transports.Event, 16),
	}
}

func (t *Transport) Name() string { return "mock" }

func (t *Transport) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	go func() {
		<-ctx.Done()
		_ = t.Stop()
	}()
	return nil
}

func (t *Transport) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		t.closed = true
		close(t.recvCh)
		close(t.sentCh)
		close(t.eventCh)
	}
	return nil
}

func (t *Transport) Recv() <-chan frames.Frame { return t.recvCh }

func (t *Transport) Events() <-chan transports.Event { return t.eventCh }

func (t *Transport) Send(f frames.Frame) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	select {
	case t.sentCh <- f:
	default:
	}
	return nil
}

// PushAudio injects an inbound audio chunk.
func (t *Transport) PushAudio(data []byte, rate, ch int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	select {
	case t.recvCh <- frames.NewAudioChunk(frames.NowPTS(), data, rate, ch):
	default:
	}
}

// Join simulates a participant joining.
func (t *Transport) Join(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.eventCh <- transports.Event{
		Kind:          transports.EventParticipantJoined,
		ParticipantID: id,
		Time:          time.Now(),
	}
}

// Leave simulates a participant leaving.
func (t *Transport) Leave(id, reason string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.eventCh <- transports.Event{
		Kind:          transports.EventParticipantLeft,
		ParticipantID: id,
		Time:          time.Now(),
		Reason:        reason,
	}
}

// Sent exposes outbound frames for inspection.
func (t *Transport) Sent() <-chan frames.Frame { return t.sentCh }

var _ transports.Transport = (*Transport)(nil)
