package bus

import (
	"context"
	"errors"
	"sync"

	"github.com/lectio-ai/lectio/pkg/frames"
)

// ErrClosed is returned by Send after Close, and by Receive once the
// EndOfStream sentinel has been delivered.
var ErrClosed = errors.New("frame bus closed")

const defaultCapacity = 8

// FrameBus is a bounded, ordered, single-producer/single-consumer channel of
// frames. Send blocks when the bus is full, which is the pipeline's
// backpressure mechanism: a slow consumer throttles its producer instead of
// letting stale frames pile up.
type FrameBus struct {
	name string
	ch   chan frames.Frame
	done chan struct{}

	closeOnce sync.Once

	mu      sync.Mutex
	eosSent bool
}

// New creates a bus with the given capacity. Capacity is deliberately small;
// zero or negative falls back to the default.
func New(name string, capacity int) *FrameBus {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &FrameBus{
		name: name,
		ch:   make(chan frames.Frame, capacity),
		done: make(chan struct{}),
	}
}

func (b *FrameBus) Name() string { return b.name }

// Send enqueues a frame, blocking while the bus is full. It returns ErrClosed
// after Close, and ctx.Err() if the context is cancelled while blocked.
func (b *FrameBus) Send(ctx context.Context, f frames.Frame) error {
	select {
	case <-b.done:
		return ErrClosed
	default:
	}
	select {
	case b.ch <- f:
		// Close can race the enqueue; prefer the closed verdict so no Send
		// reports success once Close has returned. The frame stays buffered
		// and is drained before the EndOfStream sentinel.
		select {
		case <-b.done:
			return ErrClosed
		default:
		}
		return nil
	case <-b.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Receive dequeues the next frame, blocking while the bus is empty. Frames
// already buffered at Close time are still delivered; after the buffer drains,
// Receive returns the EndOfStream sentinel exactly once and ErrClosed from
// then on. ctx cancellation unblocks a waiting receiver with ctx.Err().
func (b *FrameBus) Receive(ctx context.Context) (frames.Frame, error) {
	select {
	case f := <-b.ch:
		return f, nil
	default:
	}
	select {
	case f := <-b.ch:
		return f, nil
	case <-b.done:
		// Drain anything that raced in before the close.
		select {
		case f := <-b.ch:
			return f, nil
		default:
		}
		b.mu.Lock()
		defer b.mu.Unlock()
		if !b.eosSent {
			b.eosSent = true
			return frames.NewEndOfStream(frames.NowPTS()), nil
		}
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close is idempotent. Pending and future receives observe the EndOfStream
// sentinel once the buffer is drained; future sends fail with ErrClosed.
func (b *FrameBus) Close() {
	b.closeOnce.Do(func() { close(b.done) })
}

// Len reports the number of buffered frames. Informational only.
func (b *FrameBus) Len() int { return len(b.ch) }

// Cap reports the bus capacity.
func (b *FrameBus) Cap() int { return cap(b.ch) }
