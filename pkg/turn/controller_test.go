package turn

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/lectio-ai/lectio/pkg/bus"
	"github.com/lectio-ai/lectio/pkg/conversation"
	"github.com/lectio-ai/lectio/pkg/frames"
)

type scriptedStarter struct {
	mu     sync.Mutex
	calls  int
	script func(call int, t *Turn)
}

func (s *scriptedStarter) StartTurn(t *Turn, snapshot []conversation.Message) error {
	s.mu.Lock()
	s.calls++
	call := s.calls
	s.mu.Unlock()
	go s.script(call, t)
	return nil
}

func (s *scriptedStarter) StartScripted(t *Turn, text string) error {
	return s.StartTurn(t, nil)
}

type frameSink struct {
	mu     sync.Mutex
	frames []frames.Frame
}

func (s *frameSink) deliver(f frames.Frame) error {
	s.mu.Lock()
	s.frames = append(s.frames, f)
	s.mu.Unlock()
	return nil
}

func (s *frameSink) kinds() []frames.Kind {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]frames.Kind, 0, len(s.frames))
	for _, f := range s.frames {
		out = append(out, f.Kind())
	}
	return out
}

func newTestController(t *testing.T, starter StageStarter, sink Sink, outcomes chan Outcome) (*Controller, *bus.FrameBus, *bus.FrameBus, *conversation.Context, context.CancelFunc) {
	t.Helper()
	transcripts := bus.New("transcripts", 8)
	responses := bus.New("responses", 8)
	convo := conversation.New("Discuss article X")
	c := NewController(ControllerConfig{
		Transcripts: transcripts,
		Responses:   responses,
		Context:     convo,
		Starter:     starter,
		Sink:        sink,
		OnTurn:      func(o Outcome) { outcomes <- o },
	})
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = c.Run(ctx) }()
	return c, transcripts, responses, convo, cancel
}

func waitOutcome(t *testing.T, outcomes chan Outcome) Outcome {
	t.Helper()
	select {
	case o := <-outcomes:
		return o
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for turn outcome")
		return Outcome{}
	}
}

func TestCompletedTurnAccumulatesContext(t *testing.T) {
	ctx := context.Background()
	outcomes := make(chan Outcome, 4)
	sink := &frameSink{}

	var responses *bus.FrameBus
	starter := &scriptedStarter{script: func(call int, tn *Turn) {
		for _, tok := range []string{"The", " main", " idea", " is..."} {
			_ = responses.Send(ctx, frames.NewTextToken(frames.NowPTS(), tn.ID, tok))
		}
		_ = responses.Send(ctx, frames.NewTextFinal(frames.NowPTS(), tn.ID, "The main idea is..."))
		_ = responses.Send(ctx, frames.NewSpeechChunk(frames.NowPTS(), tn.ID, make([]byte, 320)))
		_ = responses.Send(ctx, frames.NewSpeechChunk(frames.NowPTS(), tn.ID, make([]byte, 320)))
		_ = responses.Send(ctx, frames.NewSpeechFinal(frames.NowPTS(), tn.ID))
	}}

	var transcripts *bus.FrameBus
	var convo *conversation.Context
	var cancel context.CancelFunc
	_, transcripts, responses, convo, cancel = newTestController(t, starter, sink.deliver, outcomes)
	defer cancel()

	if err := transcripts.Send(ctx, frames.NewTranscriptFinal(frames.NowPTS(), "What's the main idea?")); err != nil {
		t.Fatalf("send transcript: %v", err)
	}

	out := waitOutcome(t, outcomes)
	if !out.Completed {
		t.Fatalf("expected completed turn, got %+v", out)
	}
	if out.AssistantText != "The main idea is..." {
		t.Fatalf("unexpected assistant text %q", out.AssistantText)
	}

	msgs := convo.Snapshot()
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
	if msgs[1].Role != conversation.RoleUser || msgs[1].Content != "What's the main idea?" {
		t.Fatalf("unexpected user message: %+v", msgs[1])
	}
	if msgs[2].Role != conversation.RoleAssistant || msgs[2].Content != "The main idea is..." {
		t.Fatalf("unexpected assistant message: %+v", msgs[2])
	}

	chunks := 0
	for _, k := range sink.kinds() {
		if k == frames.KindSpeechChunk {
			chunks++
		}
	}
	if chunks != 2 {
		t.Fatalf("expected 2 speech chunks forwarded, got %d", chunks)
	}
}

func TestInterruptedTurnDiscardsAssistantText(t *testing.T) {
	ctx := context.Background()
	outcomes := make(chan Outcome, 4)
	sink := &frameSink{}

	var responses *bus.FrameBus
	starter := &scriptedStarter{script: func(call int, tn *Turn) {
		if call == 1 {
			_ = responses.Send(ctx, frames.NewTextToken(frames.NowPTS(), tn.ID, "The"))
			_ = responses.Send(ctx, frames.NewTextToken(frames.NowPTS(), tn.ID, " main"))
			_ = responses.Send(ctx, frames.NewSpeechChunk(frames.NowPTS(), tn.ID, make([]byte, 320)))
			<-tn.Context().Done()
			_ = responses.Send(ctx, frames.NewTurnAborted(frames.NowPTS(), tn.ID, frames.StageGeneration, ""))
			_ = responses.Send(ctx, frames.NewTurnAborted(frames.NowPTS(), tn.ID, frames.StageSynthesis, ""))
			return
		}
		_ = responses.Send(ctx, frames.NewTextToken(frames.NowPTS(), tn.ID, "Okay."))
		_ = responses.Send(ctx, frames.NewTextFinal(frames.NowPTS(), tn.ID, "Okay."))
		_ = responses.Send(ctx, frames.NewSpeechFinal(frames.NowPTS(), tn.ID))
	}}

	var transcripts *bus.FrameBus
	var convo *conversation.Context
	var cancel context.CancelFunc
	ctrl, transcripts, responses, convo, cancel := newTestController(t, starter, sink.deliver, outcomes)
	defer cancel()
	_ = ctrl

	_ = transcripts.Send(ctx, frames.NewTranscriptFinal(frames.NowPTS(), "What's the main idea?"))

	// Wait for the first speech chunk to reach the sink, then barge in.
	deadline := time.Now().Add(2 * time.Second)
	for {
		found := false
		for _, k := range sink.kinds() {
			if k == frames.KindSpeechChunk {
				found = true
			}
		}
		if found {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("first speech chunk never reached the sink")
		}
		time.Sleep(time.Millisecond)
	}

	_ = transcripts.Send(ctx, frames.NewInterrupt(frames.NowPTS()))
	_ = transcripts.Send(ctx, frames.NewTranscriptFinal(frames.NowPTS(), "Wait, stop"))

	first := waitOutcome(t, outcomes)
	if first.Completed {
		t.Fatalf("interrupted turn must not complete: %+v", first)
	}
	if first.Err != nil {
		t.Fatalf("plain barge-in is not an error: %v", first.Err)
	}

	second := waitOutcome(t, outcomes)
	if !second.Completed || second.UserText != "Wait, stop" {
		t.Fatalf("queued transcript should become the next turn: %+v", second)
	}

	msgs := convo.Snapshot()
	// system, user1, user2, assistant2; no assistant message for turn 1.
	if len(msgs) != 4 {
		t.Fatalf("expected 4 messages, got %d: %+v", len(msgs), msgs)
	}
	for _, m := range msgs {
		if m.Role == conversation.RoleAssistant && m.Content != "Okay." {
			t.Fatalf("interrupted turn leaked assistant text: %+v", m)
		}
	}

	// The transport must be told to clear its buffered audio.
	sawInterrupt := false
	for _, k := range sink.kinds() {
		if k == frames.KindInterrupt {
			sawInterrupt = true
		}
	}
	if !sawInterrupt {
		t.Fatal("interrupt marker never forwarded to sink")
	}
}

func TestInterruptAfterSpeechFinalIsStale(t *testing.T) {
	ctx := context.Background()
	outcomes := make(chan Outcome, 4)
	sink := &frameSink{}

	var responses *bus.FrameBus
	starter := &scriptedStarter{script: func(call int, tn *Turn) {
		_ = responses.Send(ctx, frames.NewTextToken(frames.NowPTS(), tn.ID, "All"))
		_ = responses.Send(ctx, frames.NewTextToken(frames.NowPTS(), tn.ID, " done."))
		_ = responses.Send(ctx, frames.NewTextFinal(frames.NowPTS(), tn.ID, "All done."))
		_ = responses.Send(ctx, frames.NewSpeechChunk(frames.NowPTS(), tn.ID, make([]byte, 320)))
		_ = responses.Send(ctx, frames.NewSpeechFinal(frames.NowPTS(), tn.ID))
	}}

	ctrl, transcripts, resp, convo, cancel := newTestController(t, starter, sink.deliver, outcomes)
	responses = resp
	defer cancel()

	_ = transcripts.Send(ctx, frames.NewTranscriptFinal(frames.NowPTS(), "Are we done?"))

	out := waitOutcome(t, outcomes)
	if !out.Completed {
		t.Fatalf("turn whose terminal frame arrived first must complete: %+v", out)
	}
	if out.AssistantText != "All done." {
		t.Fatalf("unexpected assistant text %q", out.AssistantText)
	}

	// Speech resumed just as the response finished: the interrupt arrives
	// after the terminal frame and must not undo the completed turn.
	_ = transcripts.Send(ctx, frames.NewInterrupt(frames.NowPTS()))
	time.Sleep(50 * time.Millisecond)

	if st := ctrl.State(); st != StateListening {
		t.Fatalf("stale interrupt must be ignored while listening, state %s", st)
	}
	select {
	case extra := <-outcomes:
		t.Fatalf("stale interrupt produced an outcome: %+v", extra)
	default:
	}
	for _, k := range sink.kinds() {
		if k == frames.KindInterrupt {
			t.Fatal("stale interrupt forwarded to the transport")
		}
	}

	msgs := convo.Snapshot()
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d: %+v", len(msgs), msgs)
	}
	if msgs[2].Role != conversation.RoleAssistant || msgs[2].Content != "All done." {
		t.Fatalf("completed assistant message missing: %+v", msgs[2])
	}

	// The next utterance starts a fresh turn as usual.
	_ = transcripts.Send(ctx, frames.NewTranscriptFinal(frames.NowPTS(), "One more thing"))
	next := waitOutcome(t, outcomes)
	if !next.Completed || next.UserText != "One more thing" {
		t.Fatalf("controller did not recover after stale interrupt: %+v", next)
	}
}

func TestStageErrorAbortsTurn(t *testing.T) {
	ctx := context.Background()
	outcomes := make(chan Outcome, 4)

	var responses *bus.FrameBus
	starter := &scriptedStarter{script: func(call int, tn *Turn) {
		_ = responses.Send(ctx, frames.NewTurnAborted(frames.NowPTS(), tn.ID, frames.StageGeneration, "llm unavailable"))
		_ = responses.Send(ctx, frames.NewTurnAborted(frames.NowPTS(), tn.ID, frames.StageSynthesis, ""))
	}}

	ctrl, transcripts, resp, _, cancel := newTestController(t, starter, nil, outcomes)
	responses = resp
	defer cancel()

	_ = transcripts.Send(ctx, frames.NewTranscriptFinal(frames.NowPTS(), "hello?"))

	out := waitOutcome(t, outcomes)
	if out.Completed {
		t.Fatal("failed turn must not complete")
	}
	if out.Err == nil {
		t.Fatal("expected a stage error in the outcome")
	}
	if ctrl.State() != StateListening {
		t.Fatalf("controller should recover to listening, got %s", ctrl.State())
	}
}
