package turn

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Turn is one user-utterance-to-assistant-response cycle. It owns the
// cancellation context observed by the generation and synthesis stages; the
// accumulated token text becomes the assistant message when the turn
// completes without interruption.
type Turn struct {
	ID        string
	UserText  string
	StartedAt time.Time

	ctx    context.Context
	cancel context.CancelFunc

	tokens    strings.Builder
	genDone   bool
	synthDone bool
	stageErr  error
}

func NewTurn(parent context.Context, userText string) *Turn {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	return &Turn{
		ID:        uuid.NewString(),
		UserText:  userText,
		StartedAt: time.Now(),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Context is the turn's cancellation context, checked by both stages at
// every emitted unit.
func (t *Turn) Context() context.Context { return t.ctx }

// Cancel signals the turn's stages to stop. Idempotent.
func (t *Turn) Cancel() { t.cancel() }

func (t *Turn) appendToken(text string) { t.tokens.WriteString(text) }

// AssistantText is the concatenation of every token emitted for this turn,
// in emission order.
func (t *Turn) AssistantText() string { return t.tokens.String() }

func (t *Turn) terminal() bool { return t.genDone && t.synthDone }
