package mock

import (
	"context"
	"errors"
	"sync"

	"github.com/lectio-ai/lectio/pkg/adapters/stt"
	"github.com/lectio-ai/lectio/pkg/frames"
)

type STTConfig struct {
	// Utterances are emitted one per Finalize call, in order.
	Utterances  []string
	EmitPartial bool
}

// StreamingSTT is a scripted recognizer for tests. It buffers audio without
// looking at it and emits the next scripted utterance when Finalize is
// called, mimicking a vendor that needs an explicit end-of-utterance signal.
type StreamingSTT struct {
	cfg     STTConfig
	out     chan frames.Frame
	mu      sync.Mutex
	started bool
	next    int
	audio   int
}

func NewSTT(cfg STTConfig) *StreamingSTT {
	if len(cfg.Utterances) == 0 {
		cfg.Utterances = []string{"mock transcript"}
	}
	return &StreamingSTT{cfg: cfg, out: make(chan frames.Frame, 16)}
}

func (s *StreamingSTT) Name() string { return "mock_stt" }

func (s *StreamingSTT) Start(ctx context.Context) error {
	s.mu.Lock()
	s.started = true
	s.mu.Unlock()
	return nil
}

func (s *StreamingSTT) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.out != nil {
		close(s.out)
		s.out = nil
	}
	s.started = false
	return nil
}

func (s *StreamingSTT) SendAudio(chunk frames.AudioChunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return errors.New("not started")
	}
	s.audio += len(chunk.Payload())
	return nil
}

// Finalize emits the next scripted utterance as a final transcript,
// preceded by a partial when configured.
func (s *StreamingSTT) Finalize() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return errors.New("not started")
	}
	if s.next >= len(s.cfg.Utterances) {
		return nil
	}
	text := s.cfg.Utterances[s.next]
	s.next++

	if s.cfg.EmitPartial {
		s.out <- frames.NewTranscriptPartial(frames.NowPTS(), text)
	}
	s.out <- frames.NewTranscriptFinal(frames.NowPTS(), text)
	return nil
}

// AudioBytes reports how much audio has been fed in.
func (s *StreamingSTT) AudioBytes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.audio
}

func (s *StreamingSTT) Results() <-chan frames.Frame { return s.out }

var (
	_ stt.StreamingSTT = (*StreamingSTT)(nil)
	_ stt.Finalizer    = (*StreamingSTT)(nil)
)
