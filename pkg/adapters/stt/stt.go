package stt

import (
	"context"

	"github.com/lectio-ai/lectio/pkg/frames"
)

// StreamingSTT is the contract every speech-to-text vendor implements.
type StreamingSTT interface {
	// Name returns the adapter name for logging/metrics.
	Name() string
	// Start opens the vendor connection.
	Start(ctx context.Context) error
	// Close tears the connection down.
	Close() error
	// SendAudio forwards one chunk of raw audio to the vendor.
	SendAudio(chunk frames.AudioChunk) error
	// Results returns partial and final transcript frames.
	Results() <-chan frames.Frame
}

// Finalizer is implemented by vendors that need an explicit signal to flush
// a pending utterance into a final transcript. Vendors with server-side
// endpointing do not implement it.
type Finalizer interface {
	Finalize() error
}

// Config carries vendor-agnostic STT settings.
type Config struct {
	SessionID  string
	SampleRate int
	Channels   int
	Language   string
}
