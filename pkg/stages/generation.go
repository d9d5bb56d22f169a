package stages

import (
	"context"
	"log/slog"
	"strings"

	"github.com/lectio-ai/lectio/pkg/bus"
	"github.com/lectio-ai/lectio/pkg/conversation"
	"github.com/lectio-ai/lectio/pkg/frames"
	"github.com/lectio-ai/lectio/pkg/llm"
	"github.com/lectio-ai/lectio/pkg/logging"
	"github.com/lectio-ai/lectio/pkg/metrics"
	"github.com/lectio-ai/lectio/pkg/turn"
)

// Generation streams language-model output for one turn. Tokens flow to the
// synthesis input bus; the stage checks the turn's cancellation context at
// every emitted token, so cancellation latency is bounded by one token. A
// completed run ends with exactly one TextFinal; a cancelled or failed run
// ends with TurnAborted and no TextFinal.
type Generation struct {
	adapter  llm.Adapter
	out      *bus.FrameBus
	observer metrics.Observer
	logger   *slog.Logger
}

func NewGeneration(adapter llm.Adapter, out *bus.FrameBus, observer metrics.Observer) *Generation {
	if observer == nil {
		observer = metrics.NoopObserver{}
	}
	return &Generation{
		adapter:  adapter,
		out:      out,
		observer: observer,
		logger:   logging.Component(slog.Default(), "generation"),
	}
}

// Run blocks until the turn's generation reaches a terminal frame. ctx is
// the session context; the turn carries its own cancellation.
func (g *Generation) Run(ctx context.Context, t *turn.Turn, snapshot []conversation.Message) {
	tctx := t.Context()

	stream, err := g.adapter.Stream(tctx, snapshot)
	if err != nil {
		g.logger.Error("stream start failed",
			slog.String("turn_id", t.ID),
			slog.String("error", err.Error()))
		g.abort(ctx, t, err.Error())
		return
	}

	var full strings.Builder
	first := true
	for {
		select {
		case <-tctx.Done():
			g.abort(ctx, t, "")
			return
		case tok, ok := <-stream:
			if !ok {
				if tctx.Err() != nil {
					g.abort(ctx, t, "")
					return
				}
				g.finish(ctx, t, full.String())
				return
			}
			if first {
				first = false
				g.observer.RecordEvent(metrics.TurnEvent(metrics.EventFirstToken, t.ID, 1))
			}
			full.WriteString(tok)
			if err := g.out.Send(ctx, frames.NewTextToken(frames.NowPTS(), t.ID, tok)); err != nil {
				g.logger.Error("token send failed",
					slog.String("turn_id", t.ID),
					slog.String("error", err.Error()))
				g.abort(ctx, t, err.Error())
				return
			}
		}
	}
}

// RunScripted emits a fixed text as a single token followed by TextFinal,
// bypassing the language model. Used for the session greeting.
func (g *Generation) RunScripted(ctx context.Context, t *turn.Turn, text string) {
	select {
	case <-t.Context().Done():
		g.abort(ctx, t, "")
		return
	default:
	}
	if err := g.out.Send(ctx, frames.NewTextToken(frames.NowPTS(), t.ID, text)); err != nil {
		g.abort(ctx, t, err.Error())
		return
	}
	g.finish(ctx, t, text)
}

func (g *Generation) finish(ctx context.Context, t *turn.Turn, text string) {
	if err := g.out.Send(ctx, frames.NewTextFinal(frames.NowPTS(), t.ID, text)); err != nil {
		g.logger.Error("final send failed",
			slog.String("turn_id", t.ID),
			slog.String("error", err.Error()))
	}
}

func (g *Generation) abort(ctx context.Context, t *turn.Turn, reason string) {
	f := frames.NewTurnAborted(frames.NowPTS(), t.ID, frames.StageGeneration, reason)
	if err := g.out.Send(ctx, f); err != nil {
		g.logger.Error("abort send failed",
			slog.String("turn_id", t.ID),
			slog.String("error", err.Error()))
	}
}
