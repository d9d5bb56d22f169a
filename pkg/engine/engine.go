package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lectio-ai/lectio/pkg/adapters/stt"
	"github.com/lectio-ai/lectio/pkg/adapters/tts"
	"github.com/lectio-ai/lectio/pkg/bus"
	"github.com/lectio-ai/lectio/pkg/capture"
	"github.com/lectio-ai/lectio/pkg/conversation"
	"github.com/lectio-ai/lectio/pkg/errorsx"
	"github.com/lectio-ai/lectio/pkg/frames"
	"github.com/lectio-ai/lectio/pkg/llm"
	"github.com/lectio-ai/lectio/pkg/logging"
	"github.com/lectio-ai/lectio/pkg/metrics"
	"github.com/lectio-ai/lectio/pkg/stages"
	"github.com/lectio-ai/lectio/pkg/transports"
	"github.com/lectio-ai/lectio/pkg/turn"
	"github.com/lectio-ai/lectio/pkg/vad"
)

type Config struct {
	Transport transports.Transport
	STT       stt.StreamingSTT
	TTS       tts.StreamingTTS
	LLM       llm.Adapter
	// VAD defaults to the energy classifier when nil.
	VAD      vad.Classifier
	Observer metrics.Observer

	// SystemPrompt seeds position zero of the conversation context.
	SystemPrompt string
	// Greeting, when non-empty, is spoken as a scripted turn the first time a
	// participant joins.
	Greeting string

	// OnTurn is invoked once per turn with its terminal outcome.
	OnTurn func(turn.Outcome)
}

// Engine assembles the session pipeline: transport audio feeds the capture
// stage, final transcripts drive the turn controller, and the controller
// launches a generation/synthesis pair per turn whose speech flows back out
// through the transport. One engine owns exactly one session.
type Engine struct {
	cfg    Config
	logger *slog.Logger

	audioIn     *bus.FrameBus
	transcripts *bus.FrameBus
	genOut      *bus.FrameBus
	responses   *bus.FrameBus

	convo      *conversation.Context
	controller *turn.Controller
	capture    *capture.Stage
	gen        *stages.Generation
	synth      *stages.Synthesis

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	stageWG sync.WaitGroup

	started atomic.Bool
	stopped atomic.Bool
	greeted atomic.Bool
	done    chan struct{}
}

func New(cfg Config) (*Engine, error) {
	if cfg.Transport == nil {
		return nil, errors.New("engine: transport required")
	}
	if cfg.STT == nil || cfg.TTS == nil || cfg.LLM == nil {
		return nil, errors.New("engine: stt, tts and llm adapters required")
	}
	if cfg.VAD == nil {
		cfg.VAD = vad.NewEnergyClassifier(0, 0, 0)
	}
	if cfg.Observer == nil {
		cfg.Observer = metrics.NoopObserver{}
	}

	e := &Engine{
		cfg:         cfg,
		logger:      logging.Component(slog.Default(), "engine"),
		audioIn:     bus.New("audio_in", 64),
		transcripts: bus.New("transcripts", 16),
		genOut:      bus.New("generation_out", 32),
		responses:   bus.New("responses", 32),
		convo:       conversation.New(cfg.SystemPrompt),
		done:        make(chan struct{}),
	}

	e.gen = stages.NewGeneration(cfg.LLM, e.genOut, cfg.Observer)
	e.synth = stages.NewSynthesis(cfg.TTS, e.genOut, e.responses, cfg.Observer)

	e.controller = turn.NewController(turn.ControllerConfig{
		Transcripts: e.transcripts,
		Responses:   e.responses,
		Context:     e.convo,
		Starter:     e,
		Sink:        e.deliver,
		OnTurn:      cfg.OnTurn,
		Observer:    cfg.Observer,
	})

	e.capture = capture.NewStage(capture.Config{
		AudioIn:    e.audioIn,
		Out:        e.transcripts,
		STT:        cfg.STT,
		VAD:        cfg.VAD,
		Responding: e.controller.Responding,
	})
	return e, nil
}

// Context exposes the session conversation log.
func (e *Engine) Context() *conversation.Context { return e.convo }

// State reports the turn controller state.
func (e *Engine) State() turn.State { return e.controller.State() }

// StartSession opens the vendor connections and launches the pipeline
// goroutines. It returns once everything is running; use Done to observe
// session teardown.
func (e *Engine) StartSession(ctx context.Context) error {
	if !e.started.CompareAndSwap(false, true) {
		return errors.New("engine: session already started")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	e.ctx, e.cancel = context.WithCancel(ctx)

	if err := e.cfg.STT.Start(e.ctx); err != nil {
		return errorsx.Wrap(err, errorsx.ReasonSTTConnect)
	}
	if err := e.cfg.TTS.Start(e.ctx); err != nil {
		_ = e.cfg.STT.Close()
		return errorsx.Wrap(err, errorsx.ReasonTTSConnect)
	}
	if err := e.cfg.Transport.Start(e.ctx); err != nil {
		_ = e.cfg.TTS.Close()
		_ = e.cfg.STT.Close()
		return err
	}

	e.cfg.Observer.RecordEvent(metrics.MetricsEvent{
		Name:  metrics.EventSessionStarted,
		Time:  time.Now(),
		Value: 1,
	})

	e.wg.Add(4)
	go e.runAudioPump()
	go e.runEventPump()
	go func() {
		defer e.wg.Done()
		if err := e.capture.Run(e.ctx); err != nil {
			e.logger.Error("capture stopped", slog.String("error", err.Error()))
		}
	}()
	go func() {
		defer e.wg.Done()
		if err := e.controller.Run(e.ctx); err != nil && !errors.Is(err, context.Canceled) {
			e.logger.Error("controller stopped", slog.String("error", err.Error()))
		}
	}()

	e.logger.Info("session started",
		slog.String("transport", e.cfg.Transport.Name()),
		slog.String("stt", e.cfg.STT.Name()),
		slog.String("tts", e.cfg.TTS.Name()),
		slog.String("llm", e.cfg.LLM.Name()))
	return nil
}

// StopSession tears the pipeline down: pending speech is abandoned, vendor
// connections close, and the conversation context stops accepting appends.
// Idempotent.
func (e *Engine) StopSession() error {
	if !e.started.Load() {
		return errors.New("engine: session not started")
	}
	if !e.stopped.CompareAndSwap(false, true) {
		return nil
	}
	e.cancel()

	e.audioIn.Close()
	e.transcripts.Close()
	e.genOut.Close()
	e.responses.Close()

	_ = e.cfg.Transport.Stop()
	if err := e.cfg.STT.Close(); err != nil {
		e.logger.Warn("stt close failed", slog.String("error", err.Error()))
	}
	if err := e.cfg.TTS.Close(); err != nil {
		e.logger.Warn("tts close failed", slog.String("error", err.Error()))
	}

	e.stageWG.Wait()
	e.wg.Wait()
	e.convo.Close()
	e.cfg.Observer.RecordEvent(metrics.MetricsEvent{
		Name:  metrics.EventSessionStopped,
		Time:  time.Now(),
		Value: 1,
	})
	close(e.done)
	e.logger.Info("session stopped")
	return nil
}

// Done is closed once StopSession has finished tearing the session down.
func (e *Engine) Done() <-chan struct{} { return e.done }

// Drain waits for the in-flight turn, if any, to reach a terminal state. The
// lifecycle runner bounds the wait with its own timeout.
func (e *Engine) Drain() error {
	if !e.started.Load() {
		return nil
	}
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for e.controller.Responding() {
		select {
		case <-e.ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
	return nil
}

// StartTurn launches the generation/synthesis pair for one turn. The
// controller guarantees at most one pair is in flight.
func (e *Engine) StartTurn(t *turn.Turn, snapshot []conversation.Message) error {
	e.stageWG.Add(2)
	go func() {
		defer e.stageWG.Done()
		e.gen.Run(e.ctx, t, snapshot)
	}()
	go func() {
		defer e.stageWG.Done()
		e.synth.Run(e.ctx, t)
	}()
	return nil
}

// StartScripted speaks a fixed text through the synthesis path without
// invoking the language model.
func (e *Engine) StartScripted(t *turn.Turn, text string) error {
	e.stageWG.Add(2)
	go func() {
		defer e.stageWG.Done()
		e.gen.RunScripted(e.ctx, t, text)
	}()
	go func() {
		defer e.stageWG.Done()
		e.synth.Run(e.ctx, t)
	}()
	return nil
}

// deliver forwards outbound frames to the transport.
func (e *Engine) deliver(f frames.Frame) error {
	if err := e.cfg.Transport.Send(f); err != nil {
		return errorsx.Wrap(err, errorsx.ReasonTransportSend)
	}
	return nil
}

// runAudioPump moves transport audio onto the inbound bus. Backpressure from
// a full bus propagates here and throttles the read.
func (e *Engine) runAudioPump() {
	defer e.wg.Done()
	for {
		select {
		case <-e.ctx.Done():
			return
		case f, ok := <-e.cfg.Transport.Recv():
			if !ok {
				e.audioIn.Close()
				return
			}
			if err := e.audioIn.Send(e.ctx, f); err != nil {
				if chunk, isAudio := f.(frames.AudioChunk); isAudio {
					frames.ReleaseAudio(chunk)
				}
				return
			}
		}
	}
}

// runEventPump watches participant lifecycle. The first join triggers the
// scripted greeting.
func (e *Engine) runEventPump() {
	defer e.wg.Done()
	for {
		select {
		case <-e.ctx.Done():
			return
		case ev, ok := <-e.cfg.Transport.Events():
			if !ok {
				return
			}
			switch ev.Kind {
			case transports.EventParticipantJoined:
				e.logger.Info("participant joined", slog.String("participant", ev.ParticipantID))
				if e.cfg.Greeting != "" && e.greeted.CompareAndSwap(false, true) {
					e.controller.Greet(e.cfg.Greeting)
				}
			case transports.EventParticipantLeft:
				e.logger.Info("participant left",
					slog.String("participant", ev.ParticipantID),
					slog.String("reason", ev.Reason))
			}
		}
	}
}

var _ turn.StageStarter = (*Engine)(nil)
