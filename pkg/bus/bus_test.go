package bus

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/lectio-ai/lectio/pkg/frames"
)

func TestSendReceiveOrder(t *testing.T) {
	b := New("test", 4)
	ctx := context.Background()

	for i, text := range []string{"a", "b", "c"} {
		if err := b.Send(ctx, frames.NewTextToken(int64(i), "t1", text)); err != nil {
			t.Fatalf("send error: %v", err)
		}
	}
	for _, want := range []string{"a", "b", "c"} {
		f, err := b.Receive(ctx)
		if err != nil {
			t.Fatalf("receive error: %v", err)
		}
		tok, ok := f.(frames.TextToken)
		if !ok {
			t.Fatalf("expected TextToken, got %s", f.Kind())
		}
		if tok.Text() != want {
			t.Fatalf("expected %q, got %q", want, tok.Text())
		}
	}
}

func TestSendBlocksWhenFull(t *testing.T) {
	b := New("test", 1)
	ctx := context.Background()

	if err := b.Send(ctx, frames.NewInterrupt(1)); err != nil {
		t.Fatalf("send error: %v", err)
	}

	unblocked := make(chan error, 1)
	go func() {
		unblocked <- b.Send(ctx, frames.NewInterrupt(2))
	}()

	select {
	case err := <-unblocked:
		t.Fatalf("send on full bus returned early: %v", err)
	case <-time.After(20 * time.Millisecond):
	}

	if _, err := b.Receive(ctx); err != nil {
		t.Fatalf("receive error: %v", err)
	}
	select {
	case err := <-unblocked:
		if err != nil {
			t.Fatalf("blocked send failed: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("send did not unblock after receive")
	}
}

func TestCloseDeliversEndOfStreamOnce(t *testing.T) {
	b := New("test", 2)
	ctx := context.Background()

	if err := b.Send(ctx, frames.NewInterrupt(1)); err != nil {
		t.Fatalf("send error: %v", err)
	}
	b.Close()
	b.Close() // idempotent

	f, err := b.Receive(ctx)
	if err != nil {
		t.Fatalf("receive error: %v", err)
	}
	if f.Kind() != frames.KindInterrupt {
		t.Fatalf("expected buffered frame before sentinel, got %s", f.Kind())
	}

	f, err = b.Receive(ctx)
	if err != nil {
		t.Fatalf("receive error: %v", err)
	}
	if f.Kind() != frames.KindEndOfStream {
		t.Fatalf("expected EndOfStream sentinel, got %s", f.Kind())
	}

	if _, err := b.Receive(ctx); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed after sentinel, got %v", err)
	}
	if err := b.Send(ctx, frames.NewInterrupt(2)); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed on send after close, got %v", err)
	}
}

func TestCloseUnblocksPendingSend(t *testing.T) {
	b := New("test", 1)
	ctx := context.Background()

	if err := b.Send(ctx, frames.NewInterrupt(1)); err != nil {
		t.Fatalf("send error: %v", err)
	}

	unblocked := make(chan error, 1)
	go func() {
		unblocked <- b.Send(ctx, frames.NewInterrupt(2))
	}()
	time.Sleep(10 * time.Millisecond)
	b.Close()

	select {
	case err := <-unblocked:
		if !errors.Is(err, ErrClosed) {
			t.Fatalf("expected ErrClosed from blocked send, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("send did not unblock on close")
	}
}

func TestSendRacingCloseNeverReportsFalseSuccess(t *testing.T) {
	ctx := context.Background()
	for i := 0; i < 200; i++ {
		b := New("test", 1)

		sendErr := make(chan error, 1)
		go func() {
			sendErr <- b.Send(ctx, frames.NewInterrupt(1))
		}()
		go b.Close()

		delivered := 0
		for {
			f, err := b.Receive(ctx)
			if err != nil {
				break
			}
			if f.Kind() == frames.KindEndOfStream {
				break
			}
			delivered++
		}

		err := <-sendErr
		if err == nil && delivered != 1 {
			t.Fatalf("successful send must drain before the sentinel, got %d frames", delivered)
		}
		if err != nil && !errors.Is(err, ErrClosed) {
			t.Fatalf("unexpected send error: %v", err)
		}
	}
}

func TestCloseUnblocksPendingReceive(t *testing.T) {
	b := New("test", 1)
	ctx := context.Background()

	got := make(chan frames.Frame, 1)
	go func() {
		f, err := b.Receive(ctx)
		if err != nil {
			t.Errorf("receive error: %v", err)
			return
		}
		got <- f
	}()

	time.Sleep(10 * time.Millisecond)
	b.Close()

	select {
	case f := <-got:
		if f.Kind() != frames.KindEndOfStream {
			t.Fatalf("expected EndOfStream, got %s", f.Kind())
		}
	case <-time.After(time.Second):
		t.Fatal("receive did not unblock on close")
	}
}

func TestReceiveHonoursContext(t *testing.T) {
	b := New("test", 1)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		_, err := b.Receive(ctx)
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("receive did not observe cancellation")
	}
}
