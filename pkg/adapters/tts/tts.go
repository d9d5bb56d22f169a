package tts

import (
	"context"

	"github.com/lectio-ai/lectio/pkg/frames"
)

// StreamingTTS is the contract every text-to-speech vendor implements.
// Text is streamed in as the language model produces it; audio comes back
// on Results as speech chunks, terminated by a speech-final frame after
// Flush once the last chunk for the turn has been delivered.
type StreamingTTS interface {
	// Name returns the adapter name for logging/metrics.
	Name() string
	// Start opens the vendor connection.
	Start(ctx context.Context) error
	// Close tears the connection down.
	Close() error
	// BeginTurn scopes subsequent text to one response turn.
	BeginTurn(turnID string) error
	// SendText streams a text fragment for synthesis.
	SendText(text string) error
	// Flush marks the end of input for the current turn.
	Flush() error
	// Cancel abandons the current turn and drops any buffered audio.
	Cancel() error
	// Results returns speech chunk and speech final frames.
	Results() <-chan frames.Frame
}

// Config carries vendor-agnostic TTS settings.
type Config struct {
	SessionID  string
	SampleRate int
	Channels   int
	VoiceID    string
}
