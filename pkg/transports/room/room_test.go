package room

import (
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/lectio-ai/lectio/pkg/frames"
	"github.com/lectio-ai/lectio/pkg/transports"
)

func dialRoom(t *testing.T, tr *Transport) (*websocket.Conn, func()) {
	t.Helper()
	srv := httptest.NewServer(tr)
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		srv.Close()
		t.Fatalf("dial: %v", err)
	}
	return conn, func() {
		conn.Close()
		srv.Close()
	}
}

func TestJoinEventAndInboundAudio(t *testing.T) {
	tr := New(Config{SampleRate: 16000})
	conn, cleanup := dialRoom(t, tr)
	defer cleanup()

	select {
	case ev := <-tr.Events():
		if ev.Kind != transports.EventParticipantJoined {
			t.Fatalf("expected join event, got %s", ev.Kind)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no join event")
	}

	pcm := make([]byte, 320)
	pcm[0] = 0x7f
	if err := conn.WriteMessage(websocket.BinaryMessage, pcm); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case f := <-tr.Recv():
		chunk, ok := f.(frames.AudioChunk)
		if !ok {
			t.Fatalf("expected audio chunk, got %T", f)
		}
		if len(chunk.Payload()) != 320 || chunk.Payload()[0] != 0x7f {
			t.Fatal("payload mismatch")
		}
		if chunk.Rate() != 16000 {
			t.Fatalf("unexpected rate %d", chunk.Rate())
		}
		frames.ReleaseAudio(chunk)
	case <-time.After(2 * time.Second):
		t.Fatal("inbound audio never delivered")
	}
}

func TestOutboundSpeechAndClear(t *testing.T) {
	tr := New(Config{})
	conn, cleanup := dialRoom(t, tr)
	defer cleanup()

	<-tr.Events() // join

	// Give the server loop a moment to register the session.
	deadline := time.Now().Add(2 * time.Second)
	for tr.session() == nil {
		if time.Now().After(deadline) {
			t.Fatal("session never registered")
		}
		time.Sleep(time.Millisecond)
	}

	if err := tr.Send(frames.NewSpeechChunk(frames.NowPTS(), "turn-1", []byte{1, 2, 3})); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := tr.Send(frames.NewInterrupt(frames.NowPTS())); err != nil {
		t.Fatalf("send interrupt: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	msgType, payload, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if msgType != websocket.BinaryMessage || len(payload) != 3 {
		t.Fatalf("expected binary speech payload, got type=%d len=%d", msgType, len(payload))
	}

	msgType, payload, err = conn.ReadMessage()
	if err != nil {
		t.Fatalf("read clear: %v", err)
	}
	if msgType != websocket.TextMessage || !strings.Contains(string(payload), "clear") {
		t.Fatalf("expected clear event, got %q", payload)
	}
}

func TestSendRacingSessionCloseDoesNotPanic(t *testing.T) {
	tr := New(Config{})
	_, cleanup := dialRoom(t, tr)
	defer cleanup()

	<-tr.Events() // join

	deadline := time.Now().Add(2 * time.Second)
	for tr.session() == nil {
		if time.Now().After(deadline) {
			t.Fatal("session never registered")
		}
		time.Sleep(time.Millisecond)
	}
	sess := tr.session()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			_ = sess.enqueue(outMsg{binary: []byte{1, 2}})
		}
	}()
	go func() {
		defer wg.Done()
		_ = sess.close()
	}()
	wg.Wait()

	// Sends landing after the session closed are dropped silently.
	if err := tr.Send(frames.NewInterrupt(frames.NowPTS())); err != nil {
		t.Fatalf("send after session close: %v", err)
	}
}

func TestLeaveEventOnDisconnect(t *testing.T) {
	tr := New(Config{})
	conn, cleanup := dialRoom(t, tr)
	defer cleanup()

	<-tr.Events() // join
	conn.Close()

	select {
	case ev := <-tr.Events():
		if ev.Kind != transports.EventParticipantLeft {
			t.Fatalf("expected leave event, got %s", ev.Kind)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no leave event after disconnect")
	}
}
