package mock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/lectio-ai/lectio/pkg/adapters/tts"
	"github.com/lectio-ai/lectio/pkg/frames"
)

type TTSConfig struct {
	// ChunkDelay spaces out emitted chunks so tests can interrupt mid-speech.
	ChunkDelay time.Duration
	// BytesPerChunk sizes the silent PCM payload per SendText call.
	BytesPerChunk int
}

// StreamingTTS is a scripted synthesizer for tests. Every SendText call
// produces one silent speech chunk for the active turn; Flush produces the
// turn's speech final. Cancel drops the turn so later calls are ignored.
type StreamingTTS struct {
	cfg     TTSConfig
	out     chan frames.Frame
	mu      sync.Mutex
	started bool
	turnID  string
	sent    []string
}

func NewTTS(cfg TTSConfig) *StreamingTTS {
	if cfg.BytesPerChunk <= 0 {
		cfg.BytesPerChunk = 320
	}
	return &StreamingTTS{cfg: cfg, out: make(chan frames.Frame, 64)}
}

func (s *StreamingTTS) Name() string { return "mock_tts" }

func (s *StreamingTTS) Start(ctx context.Context) error {
	s.mu.Lock()
	s.started = true
	s.mu.Unlock()
	return nil
}

func (s *StreamingTTS) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.out != nil {
		close(s.out)
		s.out = nil
	}
	s.started = false
	return nil
}

func (s *StreamingTTS) BeginTurn(turnID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return errors.New("not started")
	}
	s.turnID = turnID
	return nil
}

func (s *StreamingTTS) SendText(text string) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return errors.New("not started")
	}
	turnID := s.turnID
	s.sent = append(s.sent, text)
	out := s.out
	s.mu.Unlock()
	if turnID == "" {
		return nil
	}
	if s.cfg.ChunkDelay > 0 {
		time.Sleep(s.cfg.ChunkDelay)
	}
	out <- frames.NewSpeechChunk(frames.NowPTS(), turnID, make([]byte, s.cfg.BytesPerChunk))
	return nil
}

func (s *StreamingTTS) Flush() error {
	s.mu.Lock()
	turnID := s.turnID
	s.turnID = ""
	out := s.out
	s.mu.Unlock()
	if turnID == "" || out == nil {
		return nil
	}
	out <- frames.NewSpeechFinal(frames.NowPTS(), turnID)
	return nil
}

func (s *StreamingTTS) Cancel() error {
	s.mu.Lock()
	s.turnID = ""
	s.mu.Unlock()
	return nil
}

// SentTexts returns every text fragment received so far.
func (s *StreamingTTS) SentTexts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.sent...)
}

func (s *StreamingTTS) Results() <-chan frames.Frame { return s.out }

var _ tts.StreamingTTS = (*StreamingTTS)(nil)
