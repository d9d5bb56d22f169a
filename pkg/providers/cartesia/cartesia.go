package cartesia

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/lectio-ai/lectio/pkg/adapters/tts"
	"github.com/lectio-ai/lectio/pkg/errorsx"
	"github.com/lectio-ai/lectio/pkg/frames"
	"github.com/lectio-ai/lectio/pkg/logging"
	"github.com/lectio-ai/lectio/pkg/resilience"
)

const (
	apiVersion     = "2024-06-10"
	defaultModelID = "sonic-english"
	defaultVoiceID = "a0e99841-438c-4a64-b679-ae501e7d6091"
)

type Config struct {
	APIKey     string `mapstructure:"api_key"`
	ModelID    string `mapstructure:"model_id"`
	VoiceID    string `mapstructure:"voice_id"`
	SampleRate int    `mapstructure:"sample_rate"`
	SessionID  string `mapstructure:"-"`
}

// StreamingTTS synthesizes speech over Cartesia's websocket API. Each
// response turn maps to one Cartesia context: text fragments stream in with
// continue=true, Flush closes the context, and the server answers with
// base64 audio chunks followed by a done event. Cancelling a turn drops the
// context id, so chunks for an abandoned context are discarded on arrival.
type StreamingTTS struct {
	cfg     Config
	conn    *websocket.Conn
	out     chan frames.Frame
	writeCh chan outbound
	ctx     context.Context
	cancel  context.CancelFunc
	logger  *slog.Logger

	mu        sync.Mutex
	contextID string
	turnID    string
}

type outbound struct {
	payload map[string]any
}

type inbound struct {
	Type      string `json:"type"`
	ContextID string `json:"context_id"`
	Data      string `json:"data"`
	Error     string `json:"error"`
}

func New(cfg Config) *StreamingTTS {
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 44100
	}
	if cfg.ModelID == "" {
		cfg.ModelID = defaultModelID
	}
	if cfg.VoiceID == "" {
		cfg.VoiceID = defaultVoiceID
	}
	return &StreamingTTS{
		cfg:     cfg,
		out:     make(chan frames.Frame, 256),
		writeCh: make(chan outbound, 256),
		logger:  logging.Component(slog.Default(), "cartesia_tts"),
	}
}

func (s *StreamingTTS) Name() string { return "cartesia" }

func (s *StreamingTTS) Start(ctx context.Context) error {
	if s.cfg.APIKey == "" {
		return errorsx.Wrap(errors.New("missing cartesia api key"), errorsx.ReasonTTSConnect)
	}
	if ctx == nil {
		ctx = context.Background()
	}
	s.ctx, s.cancel = context.WithCancel(ctx)

	u := url.URL{
		Scheme: "wss",
		Host:   "api.cartesia.ai",
		Path:   "/tts/websocket",
		RawQuery: url.Values{
			"api_key":          []string{s.cfg.APIKey},
			"cartesia_version": []string{apiVersion},
		}.Encode(),
	}

	dialer := websocket.Dialer{Proxy: http.ProxyFromEnvironment}
	conn, resp, err := dialer.Dial(u.String(), nil)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusTooManyRequests {
			return resilience.RateLimitError{Provider: "cartesia", Message: resp.Status}
		}
		return errorsx.Wrap(err, errorsx.ReasonTTSConnect)
	}
	s.conn = conn

	s.logger.Info("connected",
		slog.String("session_id", s.cfg.SessionID),
		slog.String("model_id", s.cfg.ModelID),
		slog.Int("sample_rate", s.cfg.SampleRate))

	go s.readLoop()
	go s.writeLoop()
	return nil
}

func (s *StreamingTTS) Close() error {
	if s.cancel != nil {
		s.cancel()
	}
	if s.conn != nil {
		_ = s.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		return s.conn.Close()
	}
	return nil
}

func (s *StreamingTTS) BeginTurn(turnID string) error {
	s.mu.Lock()
	s.turnID = turnID
	s.contextID = turnID
	s.mu.Unlock()
	return nil
}

func (s *StreamingTTS) SendText(text string) error {
	if s.conn == nil {
		return errorsx.Wrap(errors.New("not connected"), errorsx.ReasonTTSSend)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	s.mu.Lock()
	ctxID := s.contextID
	s.mu.Unlock()
	if ctxID == "" {
		return errorsx.Wrap(errors.New("no active turn"), errorsx.ReasonTTSSend)
	}
	s.enqueue(s.request(ctxID, text+" ", true))
	return nil
}

// Flush closes the current context; the server finishes synthesizing what it
// has and replies with a done event.
func (s *StreamingTTS) Flush() error {
	s.mu.Lock()
	ctxID := s.contextID
	s.mu.Unlock()
	if ctxID == "" {
		return nil
	}
	s.enqueue(s.request(ctxID, "", false))
	return nil
}

// Cancel abandons the current context. Audio already in flight for it is
// dropped by the read loop, and buffered output is purged.
func (s *StreamingTTS) Cancel() error {
	s.mu.Lock()
	ctxID := s.contextID
	s.contextID = ""
	s.turnID = ""
	s.mu.Unlock()
	if ctxID == "" {
		return nil
	}
	s.enqueue(map[string]any{"context_id": ctxID, "cancel": true})

drain:
	for {
		select {
		case <-s.out:
		default:
			break drain
		}
	}
	s.logger.Info("turn cancelled, output purged",
		slog.String("session_id", s.cfg.SessionID))
	return nil
}

func (s *StreamingTTS) Results() <-chan frames.Frame { return s.out }

func (s *StreamingTTS) request(ctxID, transcript string, more bool) map[string]any {
	return map[string]any{
		"context_id": ctxID,
		"model_id":   s.cfg.ModelID,
		"transcript": transcript,
		"continue":   more,
		"voice": map[string]any{
			"mode": "id",
			"id":   s.cfg.VoiceID,
		},
		"output_format": map[string]any{
			"container":   "raw",
			"encoding":    "pcm_s16le",
			"sample_rate": s.cfg.SampleRate,
		},
	}
}

func (s *StreamingTTS) enqueue(payload map[string]any) {
	select {
	case s.writeCh <- outbound{payload: payload}:
	default:
		s.logger.Warn("write queue full, dropping payload",
			slog.String("session_id", s.cfg.SessionID))
	}
}

func (s *StreamingTTS) writeLoop() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case msg := <-s.writeCh:
			b, err := json.Marshal(msg.payload)
			if err != nil {
				continue
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, b); err != nil {
				s.logger.Error("write error",
					slog.String("error", err.Error()),
					slog.String("session_id", s.cfg.SessionID))
				return
			}
		}
	}
}

func (s *StreamingTTS) readLoop() {
	for {
		select {
		case <-s.ctx.Done():
			return
		default:
			_, data, err := s.conn.ReadMessage()
			if err != nil {
				if s.ctx.Err() == nil {
					s.logger.Error("read error",
						slog.String("error", err.Error()),
						slog.String("session_id", s.cfg.SessionID))
				}
				return
			}
			s.handleMessage(data)
		}
	}
}

func (s *StreamingTTS) handleMessage(data []byte) {
	var msg inbound
	if err := json.Unmarshal(data, &msg); err != nil {
		s.logger.Warn("unparseable message", slog.String("data", string(data)))
		return
	}

	s.mu.Lock()
	active := s.contextID
	turnID := s.turnID
	s.mu.Unlock()
	if msg.ContextID != active || active == "" {
		// Stale context after a cancel.
		return
	}

	switch msg.Type {
	case "chunk":
		raw, err := base64.StdEncoding.DecodeString(msg.Data)
		if err != nil {
			s.logger.Error("audio decode error", slog.String("error", err.Error()))
			return
		}
		f := frames.NewSpeechChunkFromPool(frames.NowPTS(), turnID, raw)
		select {
		case s.out <- f:
		default:
			frames.ReleaseAudio(f)
			s.logger.Warn("output buffer full, dropping chunk",
				slog.String("session_id", s.cfg.SessionID))
		}
	case "done":
		// The final must not be dropped; block until delivered or shutdown.
		select {
		case s.out <- frames.NewSpeechFinal(frames.NowPTS(), turnID):
		case <-s.ctx.Done():
		}
	case "error":
		s.logger.Error("cartesia error",
			slog.String("error", msg.Error),
			slog.String("session_id", s.cfg.SessionID))
	}
}

var _ tts.StreamingTTS = (*StreamingTTS)(nil)
