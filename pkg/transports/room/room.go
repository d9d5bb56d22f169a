package room

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/lectio-ai/lectio/pkg/frames"
	"github.com/lectio-ai/lectio/pkg/logging"
	"github.com/lectio-ai/lectio/pkg/transports"
)

type Config struct {
	ServerAddr string `mapstructure:"server_addr"`
	Path       string `mapstructure:"path"`
	SampleRate int    `mapstructure:"sample_rate"`
	Channels   int    `mapstructure:"channels"`
}

func (c Config) withDefaults() Config {
	if c.ServerAddr == "" {
		c.ServerAddr = ":8080"
	}
	if c.Path == "" {
		c.Path = "/room"
	}
	if c.SampleRate == 0 {
		c.SampleRate = 16000
	}
	if c.Channels == 0 {
		c.Channels = 1
	}
	return c
}

// Transport is a websocket room: one participant connects, streams raw
// little-endian 16-bit PCM as binary messages, and receives synthesized
// audio back the same way. Control events (join, leave, clear) are JSON
// text messages. A new connection replaces the previous participant.
type Transport struct {
	cfg      Config
	server   *http.Server
	upgrader websocket.Upgrader
	recvCh   chan frames.Frame
	eventCh  chan transports.Event
	logger   *slog.Logger

	mu       sync.Mutex
	sess     *session
	draining atomic.Bool
}

type clientEvent struct {
	Event       string `json:"event"`
	Participant string `json:"participant,omitempty"`
}

func New(cfg Config) *Transport {
	cfg = cfg.withDefaults()
	return &Transport{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		recvCh:  make(chan frames.Frame, 512),
		eventCh: make(chan transports.Event, 16),
		logger:  logging.Component(slog.Default(), "room_transport"),
	}
}

func (t *Transport) Name() string { return "room" }

func (t *Transport) Recv() <-chan frames.Frame { return t.recvCh }

func (t *Transport) Events() <-chan transports.Event { return t.eventCh }

func (t *Transport) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	mux := http.NewServeMux()
	mux.Handle(t.cfg.Path, t)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	t.server = &http.Server{
		Addr:              t.cfg.ServerAddr,
		ReadHeaderTimeout: 5 * time.Second,
		Handler:           mux,
	}
	go func() {
		<-ctx.Done()
		_ = t.server.Close()
	}()
	go func() {
		if err := t.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.logger.Error("server error", slog.String("error", err.Error()))
		}
	}()
	return nil
}

func (t *Transport) Stop() error {
	if !t.draining.CompareAndSwap(false, true) {
		return nil
	}
	if t.server != nil {
		_ = t.server.Close()
	}
	t.mu.Lock()
	if t.sess != nil {
		_ = t.sess.close()
		t.sess = nil
	}
	t.mu.Unlock()
	close(t.recvCh)
	close(t.eventCh)
	return nil
}

func (t *Transport) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if t.draining.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	conn, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	participant := uuid.NewString()
	sess := &session{conn: conn, sendCh: make(chan outMsg, 256)}
	t.mu.Lock()
	old := t.sess
	t.sess = sess
	t.mu.Unlock()
	if old != nil {
		_ = old.close()
	}
	go sess.loop()

	t.emitEvent(transports.Event{
		Kind:          transports.EventParticipantJoined,
		ParticipantID: participant,
		Time:          time.Now(),
	})

	for {
		msgType, msg, err := conn.ReadMessage()
		if err != nil {
			break
		}
		switch msgType {
		case websocket.BinaryMessage:
			f := frames.NewAudioChunkFromPool(frames.NowPTS(), msg, t.cfg.SampleRate, t.cfg.Channels)
			select {
			case t.recvCh <- f:
			default:
				frames.ReleaseAudio(f)
			}
		case websocket.TextMessage:
			var evt clientEvent
			if err := json.Unmarshal(msg, &evt); err != nil {
				continue
			}
			if evt.Event == "leave" {
				t.emitEvent(transports.Event{
					Kind:          transports.EventParticipantLeft,
					ParticipantID: participant,
					Time:          time.Now(),
					Reason:        "left",
				})
			}
		}
	}

	t.detach(sess)
	t.emitEvent(transports.Event{
		Kind:          transports.EventParticipantLeft,
		ParticipantID: participant,
		Time:          time.Now(),
		Reason:        "disconnected",
	})
}

func (t *Transport) Send(f frames.Frame) error {
	sess := t.session()
	if sess == nil {
		return nil
	}
	switch v := f.(type) {
	case frames.SpeechChunk:
		// Copy before release: the write loop outlives this call.
		payload := make([]byte, len(v.Payload()))
		copy(payload, v.Payload())
		err := sess.enqueue(outMsg{binary: payload})
		frames.ReleaseAudio(v)
		return err
	case frames.Interrupt:
		b, _ := json.Marshal(clientEvent{Event: "clear"})
		return sess.enqueue(outMsg{text: b})
	default:
		return nil
	}
}

func (t *Transport) session() *session {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sess
}

func (t *Transport) detach(sess *session) {
	t.mu.Lock()
	if t.sess == sess {
		t.sess = nil
	}
	t.mu.Unlock()
	_ = sess.close()
}

func (t *Transport) emitEvent(ev transports.Event) {
	if t.draining.Load() {
		return
	}
	select {
	case t.eventCh <- ev:
	default:
		t.logger.Warn("event channel full, dropping event",
			slog.String("kind", string(ev.Kind)))
	}
}

type outMsg struct {
	binary []byte
	text   []byte
}

type session struct {
	conn *websocket.Conn

	// mu makes enqueue and close mutually exclusive: without it an enqueue
	// can pass the closed check and then send on a freshly closed channel.
	mu     sync.Mutex
	sendCh chan outMsg
	closed bool
}

func (s *session) enqueue(msg outMsg) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	select {
	case s.sendCh <- msg:
	default:
	}
	return nil
}

func (s *session) loop() {
	for msg := range s.sendCh {
		if msg.binary != nil {
			_ = s.conn.WriteMessage(websocket.BinaryMessage, msg.binary)
		} else {
			_ = s.conn.WriteMessage(websocket.TextMessage, msg.text)
		}
	}
}

func (s *session) close() error {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.sendCh)
	}
	s.mu.Unlock()
	return s.conn.Close()
}

var _ transports.Transport = (*Transport)(nil)
