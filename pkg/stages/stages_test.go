package stages

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/lectio-ai/lectio/pkg/bus"
	"github.com/lectio-ai/lectio/pkg/conversation"
	"github.com/lectio-ai/lectio/pkg/frames"
	"github.com/lectio-ai/lectio/pkg/providers/mock"
	"github.com/lectio-ai/lectio/pkg/turn"
)

func recvKinds(t *testing.T, b *bus.FrameBus, n int) []frames.Frame {
	t.Helper()
	out := make([]frames.Frame, 0, n)
	for len(out) < n {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		f, err := b.Receive(ctx)
		cancel()
		if err != nil {
			t.Fatalf("receive after %d frames: %v", len(out), err)
		}
		out = append(out, f)
	}
	return out
}

func TestGenerationStreamsTokensThenFinal(t *testing.T) {
	genOut := bus.New("gen_out", 16)
	adapter := mock.NewLLMAdapter(mock.LLMConfig{StreamChunks: []string{"The", " main", " idea"}})
	g := NewGeneration(adapter, genOut, nil)

	tn := turn.NewTurn(context.Background(), "what's the main idea?")
	go g.Run(context.Background(), tn, []conversation.Message{})

	got := recvKinds(t, genOut, 4)
	for i, want := range []string{"The", " main", " idea"} {
		tok, ok := got[i].(frames.TextToken)
		if !ok || tok.Text() != want || tok.TurnID() != tn.ID {
			t.Fatalf("frame %d: expected token %q, got %#v", i, want, got[i])
		}
	}
	final, ok := got[3].(frames.TextFinal)
	if !ok {
		t.Fatalf("expected text final, got %#v", got[3])
	}
	if final.Text() != "The main idea" {
		t.Fatalf("final text %q does not match token concatenation", final.Text())
	}
}

func TestGenerationCancelledMidStream(t *testing.T) {
	genOut := bus.New("gen_out", 16)
	adapter := mock.NewLLMAdapter(mock.LLMConfig{
		StreamChunks: []string{"a", "b", "c", "d", "e"},
		ChunkDelay:   20 * time.Millisecond,
	})
	g := NewGeneration(adapter, genOut, nil)

	tn := turn.NewTurn(context.Background(), "tell me everything")
	go g.Run(context.Background(), tn, nil)

	// Let a couple of tokens through, then cancel.
	first := recvKinds(t, genOut, 2)
	if first[0].Kind() != frames.KindTextToken {
		t.Fatalf("expected token, got %s", first[0].Kind())
	}
	tn.Cancel()

	// The terminal must be TurnAborted with no TextFinal after it.
	for {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		f, err := genOut.Receive(ctx)
		cancel()
		if err != nil {
			t.Fatalf("receive: %v", err)
		}
		switch v := f.(type) {
		case frames.TextToken:
			continue
		case frames.TurnAborted:
			if v.Stage() != frames.StageGeneration || v.Err() != "" {
				t.Fatalf("unexpected abort: %#v", v)
			}
			return
		case frames.TextFinal:
			t.Fatal("cancelled generation must not emit a text final")
		}
	}
}

func TestGenerationStreamErrorAborts(t *testing.T) {
	genOut := bus.New("gen_out", 16)
	adapter := mock.NewLLMAdapter(mock.LLMConfig{Err: errors.New("llm unavailable")})
	g := NewGeneration(adapter, genOut, nil)

	tn := turn.NewTurn(context.Background(), "hello")
	go g.Run(context.Background(), tn, nil)

	got := recvKinds(t, genOut, 1)
	aborted, ok := got[0].(frames.TurnAborted)
	if !ok || aborted.Err() == "" {
		t.Fatalf("expected errored abort, got %#v", got[0])
	}
}

func TestSynthesisPassesTextAndForwardsAudio(t *testing.T) {
	genOut := bus.New("gen_out", 16)
	responses := bus.New("responses", 32)
	synth := mock.NewTTS(mock.TTSConfig{})
	_ = synth.Start(context.Background())
	s := NewSynthesis(synth, genOut, responses, nil)

	tn := turn.NewTurn(context.Background(), "question")
	go s.Run(context.Background(), tn)

	ctx := context.Background()
	_ = genOut.Send(ctx, frames.NewTextToken(frames.NowPTS(), tn.ID, "Hello"))
	_ = genOut.Send(ctx, frames.NewTextToken(frames.NowPTS(), tn.ID, " there"))
	_ = genOut.Send(ctx, frames.NewTextFinal(frames.NowPTS(), tn.ID, "Hello there"))

	var tokens, chunks int
	var sawTextFinal, sawSpeechFinal bool
	deadline := time.Now().Add(2 * time.Second)
	for !sawSpeechFinal {
		if time.Now().After(deadline) {
			t.Fatal("speech final never arrived")
		}
		rctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		f, err := responses.Receive(rctx)
		cancel()
		if err != nil {
			t.Fatalf("receive: %v", err)
		}
		switch f.Kind() {
		case frames.KindTextToken:
			tokens++
		case frames.KindTextFinal:
			sawTextFinal = true
		case frames.KindSpeechChunk:
			chunks++
		case frames.KindSpeechFinal:
			sawSpeechFinal = true
		}
	}
	if tokens != 2 || !sawTextFinal {
		t.Fatalf("text passthrough broken: tokens=%d final=%v", tokens, sawTextFinal)
	}
	if chunks != 2 {
		t.Fatalf("expected one chunk per text fragment, got %d", chunks)
	}
	if got := synth.SentTexts(); len(got) != 2 {
		t.Fatalf("synthesizer received %d fragments, want 2", len(got))
	}
}

func TestSynthesisAbortsWhenGenerationAborts(t *testing.T) {
	genOut := bus.New("gen_out", 16)
	responses := bus.New("responses", 32)
	synth := mock.NewTTS(mock.TTSConfig{})
	_ = synth.Start(context.Background())
	s := NewSynthesis(synth, genOut, responses, nil)

	tn := turn.NewTurn(context.Background(), "question")
	go s.Run(context.Background(), tn)

	ctx := context.Background()
	_ = genOut.Send(ctx, frames.NewTextToken(frames.NowPTS(), tn.ID, "The"))
	_ = genOut.Send(ctx, frames.NewTurnAborted(frames.NowPTS(), tn.ID, frames.StageGeneration, ""))

	var genAbort, synthAbort bool
	deadline := time.Now().Add(2 * time.Second)
	for !(genAbort && synthAbort) {
		if time.Now().After(deadline) {
			t.Fatalf("terminals missing: gen=%v synth=%v", genAbort, synthAbort)
		}
		rctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		f, err := responses.Receive(rctx)
		cancel()
		if err != nil {
			t.Fatalf("receive: %v", err)
		}
		if v, ok := f.(frames.TurnAborted); ok {
			switch v.Stage() {
			case frames.StageGeneration:
				genAbort = true
			case frames.StageSynthesis:
				synthAbort = true
			}
		}
	}
}

func TestSynthesisCancelledDuringAudioWait(t *testing.T) {
	genOut := bus.New("gen_out", 16)
	responses := bus.New("responses", 32)
	synth := mock.NewTTS(mock.TTSConfig{ChunkDelay: 50 * time.Millisecond})
	_ = synth.Start(context.Background())
	s := NewSynthesis(synth, genOut, responses, nil)

	tn := turn.NewTurn(context.Background(), "question")
	go s.Run(context.Background(), tn)

	ctx := context.Background()
	_ = genOut.Send(ctx, frames.NewTextToken(frames.NowPTS(), tn.ID, "Hello"))

	// Cancel before the final flush.
	time.Sleep(10 * time.Millisecond)
	tn.Cancel()
	// Generation would emit its own terminal after observing the cancel.
	_ = genOut.Send(ctx, frames.NewTurnAborted(frames.NowPTS(), tn.ID, frames.StageGeneration, ""))

	var synthAbort bool
	deadline := time.Now().Add(2 * time.Second)
	for !synthAbort {
		if time.Now().After(deadline) {
			t.Fatal("synthesis never acknowledged the cancellation")
		}
		rctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		f, err := responses.Receive(rctx)
		cancel()
		if err != nil {
			t.Fatalf("receive: %v", err)
		}
		if v, ok := f.(frames.TurnAborted); ok && v.Stage() == frames.StageSynthesis {
			synthAbort = true
		}
	}
}
