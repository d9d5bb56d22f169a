package turn

import (
	"context"
	"log/slog"
	"sync"

	"github.com/lectio-ai/lectio/pkg/bus"
	"github.com/lectio-ai/lectio/pkg/conversation"
	"github.com/lectio-ai/lectio/pkg/frames"
	"github.com/lectio-ai/lectio/pkg/logging"
	"github.com/lectio-ai/lectio/pkg/metrics"
	"github.com/lectio-ai/lectio/pkg/redact"
)

// StageStarter launches the generation/synthesis pair for one turn. The
// controller never starts a turn before the previous one reached a terminal
// state, so at most one pair is ever in flight.
type StageStarter interface {
	StartTurn(t *Turn, snapshot []conversation.Message) error
	// StartScripted speaks a fixed text (the session greeting) through the
	// synthesis path without invoking the language model.
	StartScripted(t *Turn, text string) error
}

// Sink delivers outbound frames (speech chunks, interrupt markers) to the
// transport.
type Sink func(f frames.Frame) error

// Outcome is reported once per turn, terminal state included.
type Outcome struct {
	TurnID        string
	UserText      string
	AssistantText string
	Completed     bool
	Err           error
}

type ControllerConfig struct {
	Transcripts *bus.FrameBus
	Responses   *bus.FrameBus
	Context     *conversation.Context
	Starter     StageStarter
	Sink        Sink
	OnTurn      func(Outcome)
	Observer    metrics.Observer
}

// Controller runs the turn-taking state machine as a single forwarding
// loop. Transcript frames and response frames are merged onto one channel,
// so "observed strictly before" for the interrupt/terminal tie-break is
// simply this loop's receive order.
type Controller struct {
	cfg     ControllerConfig
	machine *Machine
	logger  *slog.Logger

	current *Turn
	pending []string

	merged  chan frames.Frame
	greetCh chan string
	done    chan struct{}
	once    sync.Once
}

func NewController(cfg ControllerConfig) *Controller {
	if cfg.Observer == nil {
		cfg.Observer = metrics.NoopObserver{}
	}
	return &Controller{
		cfg:     cfg,
		machine: NewMachine(),
		logger:  logging.Component(slog.Default(), "turn_controller"),
		merged:  make(chan frames.Frame, 16),
		greetCh: make(chan string, 1),
		done:    make(chan struct{}),
	}
}

func (c *Controller) State() State { return c.machine.State() }

// Responding reports whether a turn is currently awaiting or producing a
// response; the capture stage uses it to decide when resumed speech is a
// barge-in.
func (c *Controller) Responding() bool {
	st := c.machine.State()
	return st == StateAwaiting || st == StateResponding
}

func (c *Controller) AddListener(l StateListener) { c.machine.AddListener(l) }

// Run blocks until ctx is cancelled or both input buses close.
func (c *Controller) Run(ctx context.Context) error {
	if err := c.machine.Transition(StateListening, "session start"); err != nil {
		return err
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go c.pump(ctx, c.cfg.Transcripts, &wg)
	go c.pump(ctx, c.cfg.Responses, &wg)
	go func() {
		wg.Wait()
		close(c.merged)
	}()

	for {
		select {
		case <-ctx.Done():
			c.close("context cancelled")
			return ctx.Err()
		case f, ok := <-c.merged:
			if !ok {
				c.close("input buses closed")
				return nil
			}
			c.handle(f)
		case text := <-c.greetCh:
			c.beginScripted(text)
		}
	}
}

// Greet speaks text as a scripted assistant turn. Used for the session
// greeting on first participant join.
func (c *Controller) Greet(text string) {
	select {
	case c.greetCh <- text:
	case <-c.done:
	}
}

func (c *Controller) beginScripted(text string) {
	if c.machine.State() != StateListening {
		c.logger.Warn("dropping scripted turn, controller busy",
			slog.String("state", c.machine.State().String()))
		return
	}
	t := NewTurn(context.Background(), "")
	c.current = t
	if err := c.machine.Transition(StateAwaiting, "scripted turn"); err != nil {
		c.current = nil
		return
	}
	c.cfg.Observer.RecordEvent(metrics.TurnEvent(metrics.EventTurnStarted, t.ID, 1))
	if err := c.cfg.Starter.StartScripted(t, text); err != nil {
		c.logger.Error("scripted turn start failed", slog.String("error", err.Error()))
		c.finishTurn(Outcome{TurnID: t.ID, Err: err}, "start failed")
	}
}

func (c *Controller) pump(ctx context.Context, b *bus.FrameBus, wg *sync.WaitGroup) {
	defer wg.Done()
	for {
		f, err := b.Receive(ctx)
		if err != nil {
			return
		}
		select {
		case c.merged <- f:
		case <-ctx.Done():
			return
		}
	}
}

func (c *Controller) handle(f frames.Frame) {
	switch v := f.(type) {
	case frames.TranscriptFinal:
		c.onTranscriptFinal(v.Text())
	case frames.TranscriptPartial:
		c.logger.Debug("partial transcript", slog.String("text", redact.Text(v.Text())))
	case frames.Interrupt:
		c.onInterrupt()
	case frames.TextToken:
		c.onTextToken(v)
	case frames.TextFinal:
		c.onTextFinal(v)
	case frames.SpeechChunk:
		c.onSpeechChunk(v)
	case frames.SpeechFinal:
		c.onSpeechFinal(v)
	case frames.TurnAborted:
		c.onTurnAborted(v)
	case frames.EndOfStream:
		// Bus teardown marker; the pump exits on its own.
	}
}

func (c *Controller) onTranscriptFinal(text string) {
	if text == "" {
		return
	}
	if c.machine.State() != StateListening {
		// A turn is in flight; the transcript is never discarded.
		c.pending = append(c.pending, text)
		return
	}
	c.beginTurn(text)
}

func (c *Controller) beginTurn(text string) {
	if err := c.cfg.Context.Append(conversation.Message{
		Role:    conversation.RoleUser,
		Content: text,
	}); err != nil {
		c.logger.Error("context append failed", slog.String("error", err.Error()))
		return
	}
	snapshot := c.cfg.Context.Snapshot()

	t := NewTurn(context.Background(), text)
	c.current = t
	if err := c.machine.Transition(StateAwaiting, "final transcript"); err != nil {
		c.logger.Error("transition failed", slog.String("error", err.Error()))
		c.current = nil
		return
	}
	c.cfg.Observer.RecordEvent(metrics.TurnEvent(metrics.EventTurnStarted, t.ID, 1))

	if err := c.cfg.Starter.StartTurn(t, snapshot); err != nil {
		c.logger.Error("turn start failed",
			slog.String("turn_id", t.ID),
			slog.String("error", err.Error()))
		c.finishTurn(Outcome{TurnID: t.ID, UserText: t.UserText, Err: err}, "start failed")
	}
}

func (c *Controller) onInterrupt() {
	st := c.machine.State()
	if st != StateAwaiting && st != StateResponding {
		return
	}
	c.startCancel(nil, "user barge-in")
	// Tell the transport to drop audio it has already buffered.
	if c.cfg.Sink != nil {
		_ = c.cfg.Sink(frames.NewInterrupt(frames.NowPTS()))
	}
	c.cfg.Observer.RecordEvent(metrics.TurnEvent(metrics.EventTurnInterrupted, c.current.ID, 1))
}

func (c *Controller) onTextToken(v frames.TextToken) {
	if c.current == nil || v.TurnID() != c.current.ID {
		return
	}
	if c.machine.State() == StateCancelling {
		return
	}
	c.current.appendToken(v.Text())
	if c.machine.State() == StateAwaiting {
		_ = c.machine.Transition(StateResponding, "first token")
	}
}

func (c *Controller) onTextFinal(v frames.TextFinal) {
	if c.current == nil || v.TurnID() != c.current.ID {
		return
	}
	c.current.genDone = true
	if c.machine.State() == StateCancelling {
		c.maybeFinishCancel()
	}
}

func (c *Controller) onSpeechChunk(v frames.SpeechChunk) {
	if c.current == nil || v.TurnID() != c.current.ID || c.machine.State() == StateCancelling {
		frames.ReleaseAudio(v)
		return
	}
	if c.machine.State() == StateAwaiting {
		_ = c.machine.Transition(StateResponding, "first speech chunk")
	}
	if c.cfg.Sink != nil {
		if err := c.cfg.Sink(v); err != nil {
			c.logger.Error("sink delivery failed", slog.String("error", err.Error()))
		}
	}
}

func (c *Controller) onSpeechFinal(v frames.SpeechFinal) {
	if c.current == nil || v.TurnID() != c.current.ID {
		return
	}
	c.current.synthDone = true

	if c.machine.State() == StateCancelling {
		// Interrupt was observed strictly before this terminal frame, so
		// the cancellation stands.
		c.maybeFinishCancel()
		return
	}

	t := c.current
	t.genDone = true
	if err := c.cfg.Context.Append(conversation.Message{
		Role:    conversation.RoleAssistant,
		Content: t.AssistantText(),
	}); err != nil {
		c.logger.Error("context append failed", slog.String("error", err.Error()))
	}
	c.cfg.Observer.RecordEvent(metrics.TurnEvent(metrics.EventTurnCompleted, t.ID, 1))
	c.finishTurn(Outcome{
		TurnID:        t.ID,
		UserText:      t.UserText,
		AssistantText: t.AssistantText(),
		Completed:     true,
	}, "speech final")
}

func (c *Controller) onTurnAborted(v frames.TurnAborted) {
	if c.current == nil || v.TurnID() != c.current.ID {
		return
	}
	switch v.Stage() {
	case frames.StageGeneration:
		c.current.genDone = true
	case frames.StageSynthesis:
		c.current.synthDone = true
	}
	if v.Err() != "" && c.current.stageErr == nil {
		c.current.stageErr = &StageError{Stage: v.Stage(), Message: v.Err()}
	}
	if st := c.machine.State(); st == StateAwaiting || st == StateResponding {
		// Stage failure without a user interrupt; abort the turn.
		c.startCancel(c.current.stageErr, "stage error")
	}
	c.maybeFinishCancel()
}

// StageError is an engine failure surfaced as a turn outcome.
type StageError struct {
	Stage   frames.StageName
	Message string
}

func (e *StageError) Error() string {
	return string(e.Stage) + ": " + e.Message
}

func (c *Controller) startCancel(err error, reason string) {
	if c.current == nil {
		return
	}
	if err != nil && c.current.stageErr == nil {
		c.current.stageErr = err
	}
	if trErr := c.machine.Transition(StateCancelling, reason); trErr != nil {
		return
	}
	c.current.Cancel()
}

func (c *Controller) maybeFinishCancel() {
	if c.current == nil || c.machine.State() != StateCancelling || !c.current.terminal() {
		return
	}
	t := c.current
	if t.stageErr != nil {
		c.cfg.Observer.RecordEvent(metrics.TurnEvent(metrics.EventTurnFailed, t.ID, 1))
	}
	// The incomplete assistant text is discarded, never appended.
	c.finishTurn(Outcome{
		TurnID:   t.ID,
		UserText: t.UserText,
		Err:      t.stageErr,
	}, "cancellation drained")
}

func (c *Controller) finishTurn(out Outcome, reason string) {
	c.current = nil
	if err := c.machine.Transition(StateListening, reason); err != nil {
		c.logger.Error("transition failed", slog.String("error", err.Error()))
	}
	if c.cfg.OnTurn != nil {
		c.cfg.OnTurn(out)
	}
	// A transcript that arrived mid-turn becomes the next turn's input.
	if len(c.pending) > 0 && c.machine.State() == StateListening {
		next := c.pending[0]
		c.pending = c.pending[1:]
		c.beginTurn(next)
	}
}

func (c *Controller) close(reason string) {
	c.once.Do(func() {
		if c.current != nil {
			c.current.Cancel()
			c.current = nil
		}
		_ = c.machine.Transition(StateClosed, reason)
		close(c.done)
	})
}

// Done is closed when the controller loop has exited.
func (c *Controller) Done() <-chan struct{} { return c.done }
