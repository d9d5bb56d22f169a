package capture

import (
	"context"
	"log/slog"
	"sync"

	"github.com/lectio-ai/lectio/pkg/adapters/stt"
	"github.com/lectio-ai/lectio/pkg/bus"
	"github.com/lectio-ai/lectio/pkg/errorsx"
	"github.com/lectio-ai/lectio/pkg/frames"
	"github.com/lectio-ai/lectio/pkg/logging"
	"github.com/lectio-ai/lectio/pkg/vad"
)

type Config struct {
	AudioIn *bus.FrameBus
	Out     *bus.FrameBus
	STT     stt.StreamingSTT
	VAD     vad.Classifier
	// Responding reports whether a turn is awaiting or producing a response;
	// speech resuming while it returns true is a barge-in.
	Responding func() bool
}

// Stage segments the inbound audio stream into utterances. Audio always
// flows to the recognizer; the voice-activity classifier drives two
// decisions: an Interrupt is emitted the moment speech resumes over an
// in-flight response, and recognizers without server-side endpointing get a
// Finalize call when sustained silence follows speech. Transcript frames
// from the recognizer are forwarded downstream unchanged; a pending final
// transcript is never discarded.
type Stage struct {
	cfg    Config
	logger *slog.Logger
}

func NewStage(cfg Config) *Stage {
	return &Stage{
		cfg:    cfg,
		logger: logging.Component(slog.Default(), "capture"),
	}
}

// Run blocks until ctx is cancelled or the inbound audio bus closes.
func (s *Stage) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	wg.Add(2)

	errCh := make(chan error, 2)
	go func() {
		defer wg.Done()
		errCh <- s.audioLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		errCh <- s.resultLoop(ctx)
	}()
	wg.Wait()

	close(errCh)
	for err := range errCh {
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Stage) audioLoop(ctx context.Context) error {
	activity := vad.Silence
	for {
		f, err := s.cfg.AudioIn.Receive(ctx)
		if err != nil {
			if err == bus.ErrClosed {
				return nil
			}
			return err
		}
		chunk, ok := f.(frames.AudioChunk)
		if !ok {
			continue
		}

		next := s.cfg.VAD.Classify(chunk.Payload())
		if next == vad.Speaking && activity == vad.Silence {
			s.onSpeechResumed(ctx)
		}
		if next == vad.Silence && activity == vad.Speaking {
			s.onUtteranceEnd()
		}
		activity = next

		if err := s.cfg.STT.SendAudio(chunk); err != nil {
			s.logger.Error("stt send failed", slog.String("error", err.Error()))
		}
		frames.ReleaseAudio(chunk)
	}
}

func (s *Stage) onSpeechResumed(ctx context.Context) {
	if s.cfg.Responding == nil || !s.cfg.Responding() {
		return
	}
	s.logger.Info("barge-in detected")
	if err := s.cfg.Out.Send(ctx, frames.NewInterrupt(frames.NowPTS())); err != nil {
		s.logger.Error("interrupt emit failed", slog.String("error", err.Error()))
	}
}

func (s *Stage) onUtteranceEnd() {
	fin, ok := s.cfg.STT.(stt.Finalizer)
	if !ok {
		// Recognizer endpoints on its own; finals arrive via Results.
		return
	}
	if err := fin.Finalize(); err != nil {
		s.logger.Error("stt finalize failed", slog.String("error", err.Error()))
	}
}

func (s *Stage) resultLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case f, ok := <-s.cfg.STT.Results():
			if !ok {
				return nil
			}
			switch f.Kind() {
			case frames.KindTranscriptPartial, frames.KindTranscriptFinal:
				if err := s.cfg.Out.Send(ctx, f); err != nil {
					if err == bus.ErrClosed {
						return errorsx.Wrap(err, errorsx.ReasonChannelClosed)
					}
					return err
				}
			default:
				s.logger.Debug("ignoring recognizer frame", slog.String("kind", string(f.Kind())))
			}
		}
	}
}
