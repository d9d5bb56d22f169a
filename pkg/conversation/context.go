package conversation

import (
	"errors"
	"sync"
)

// Role classifies who authored a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one entry in the conversation log. Immutable once appended.
type Message struct {
	Role    Role
	Content string
}

// ErrContextClosed is returned by Append after the session has been torn down.
var ErrContextClosed = errors.New("conversation context closed")

// Context is the append-only ordered log of session messages. The first
// message is the system message installed at session start and is never
// removed. The turn controller is the only writer; readers take point-in-time
// prefix snapshots, so an appended message is never mutated or reordered.
type Context struct {
	mu       sync.RWMutex
	messages []Message
	closed   bool
}

// New creates a context with the given system message at position zero.
func New(systemPrompt string) *Context {
	return &Context{
		messages: []Message{{Role: RoleSystem, Content: systemPrompt}},
	}
}

// Append adds a message to the tail. It only fails once the context has been
// closed during session teardown.
func (c *Context) Append(msg Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrContextClosed
	}
	c.messages = append(c.messages, msg)
	return nil
}

// Snapshot returns the ordered message sequence as seen at call time. Any two
// snapshots s1 taken before s2 satisfy: s1 is a prefix of s2.
func (c *Context) Snapshot() []Message {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Message, len(c.messages))
	copy(out, c.messages)
	return out
}

// Len reports the current number of messages.
func (c *Context) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.messages)
}

// Close marks the context as torn down. Further appends fail; snapshots keep
// working so late readers can still observe the final log.
func (c *Context) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}
