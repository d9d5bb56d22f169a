package stages

import (
	"context"
	"log/slog"

	"github.com/lectio-ai/lectio/pkg/adapters/tts"
	"github.com/lectio-ai/lectio/pkg/bus"
	"github.com/lectio-ai/lectio/pkg/frames"
	"github.com/lectio-ai/lectio/pkg/logging"
	"github.com/lectio-ai/lectio/pkg/metrics"
	"github.com/lectio-ai/lectio/pkg/turn"
)

// Synthesis drives the speech synthesizer for one turn. Text frames from
// the generation bus pass through to the controller bus unchanged (so the
// controller reads one merged response stream) while their text is fed to
// the synthesizer incrementally; audio chunks come back on the vendor's
// results channel and are forwarded in order. A cancelled run cancels the
// vendor context, discards buffered audio, and ends with TurnAborted.
type Synthesis struct {
	synth    tts.StreamingTTS
	in       *bus.FrameBus
	out      *bus.FrameBus
	observer metrics.Observer
	logger   *slog.Logger
}

func NewSynthesis(synth tts.StreamingTTS, in, out *bus.FrameBus, observer metrics.Observer) *Synthesis {
	if observer == nil {
		observer = metrics.NoopObserver{}
	}
	return &Synthesis{
		synth:    synth,
		in:       in,
		out:      out,
		observer: observer,
		logger:   logging.Component(slog.Default(), "synthesis"),
	}
}

// Run blocks until the turn's synthesis reaches a terminal frame.
func (s *Synthesis) Run(ctx context.Context, t *turn.Turn) {
	tctx := t.Context()

	if err := s.synth.BeginTurn(t.ID); err != nil {
		s.drainGeneration(ctx, t)
		s.abort(ctx, t, err.Error())
		return
	}

	audioDone := make(chan struct{})
	go s.forwardAudio(ctx, t, audioDone)

	flushed := false
textLoop:
	for {
		f, err := s.in.Receive(tctx)
		if err != nil {
			// Turn cancelled (or bus closed) before generation finished;
			// the generation terminal still has to reach the controller.
			s.drainGeneration(ctx, t)
			s.cancelTurn(ctx, t, "")
			return
		}
		switch v := f.(type) {
		case frames.TextToken:
			if v.TurnID() != t.ID {
				continue
			}
			s.passThrough(ctx, v)
			if err := s.synth.SendText(v.Text()); err != nil {
				s.logger.Error("synth send failed",
					slog.String("turn_id", t.ID),
					slog.String("error", err.Error()))
				s.passThrough(ctx, frames.NewTurnAborted(frames.NowPTS(), t.ID, frames.StageSynthesis, err.Error()))
				return
			}
		case frames.TextFinal:
			if v.TurnID() != t.ID {
				continue
			}
			s.passThrough(ctx, v)
			if err := s.synth.Flush(); err != nil {
				s.passThrough(ctx, frames.NewTurnAborted(frames.NowPTS(), t.ID, frames.StageSynthesis, err.Error()))
				return
			}
			flushed = true
			break textLoop
		case frames.TurnAborted:
			if v.TurnID() != t.ID {
				continue
			}
			// Generation aborted; propagate its terminal, then ours.
			s.passThrough(ctx, v)
			s.cancelTurn(ctx, t, "")
			return
		}
	}

	if !flushed {
		return
	}
	// Wait for the vendor to deliver the last chunk and the speech final.
	select {
	case <-audioDone:
	case <-tctx.Done():
		s.cancelTurn(ctx, t, "")
	}
}

// forwardAudio moves vendor audio to the controller until the turn's speech
// final arrives or the turn is cancelled.
func (s *Synthesis) forwardAudio(ctx context.Context, t *turn.Turn, done chan struct{}) {
	defer close(done)
	first := true
	for {
		select {
		case <-t.Context().Done():
			return
		case f, ok := <-s.synth.Results():
			if !ok {
				return
			}
			switch v := f.(type) {
			case frames.SpeechChunk:
				if v.TurnID() != t.ID {
					frames.ReleaseAudio(v)
					continue
				}
				if first {
					first = false
					s.observer.RecordEvent(metrics.TurnEvent(metrics.EventFirstSpeech, t.ID, 1))
				}
				s.passThrough(ctx, v)
			case frames.SpeechFinal:
				if v.TurnID() != t.ID {
					continue
				}
				s.passThrough(ctx, v)
				return
			}
		}
	}
}

// drainGeneration relays the generation terminal for this turn after a
// cancellation, so the controller sees both stage terminals.
func (s *Synthesis) drainGeneration(ctx context.Context, t *turn.Turn) {
	for {
		f, err := s.in.Receive(ctx)
		if err != nil {
			return
		}
		switch v := f.(type) {
		case frames.TextFinal:
			if v.TurnID() == t.ID {
				s.passThrough(ctx, v)
				return
			}
		case frames.TurnAborted:
			if v.TurnID() == t.ID {
				s.passThrough(ctx, v)
				return
			}
		case frames.TextToken:
			// Tokens racing the cancellation are dropped.
		}
	}
}

func (s *Synthesis) cancelTurn(ctx context.Context, t *turn.Turn, reason string) {
	if err := s.synth.Cancel(); err != nil {
		s.logger.Error("synth cancel failed",
			slog.String("turn_id", t.ID),
			slog.String("error", err.Error()))
	}
	s.abort(ctx, t, reason)
}

func (s *Synthesis) abort(ctx context.Context, t *turn.Turn, reason string) {
	s.passThrough(ctx, frames.NewTurnAborted(frames.NowPTS(), t.ID, frames.StageSynthesis, reason))
}

func (s *Synthesis) passThrough(ctx context.Context, f frames.Frame) {
	if err := s.out.Send(ctx, f); err != nil {
		s.logger.Error("response send failed", slog.String("error", err.Error()))
	}
}
