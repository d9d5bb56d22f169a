package phone

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/lectio-ai/lectio/pkg/frames"
	"github.com/lectio-ai/lectio/pkg/logging"
	"github.com/lectio-ai/lectio/pkg/transports"
	twilioclient "github.com/twilio/twilio-go/client"
)

type Config struct {
	ServerAddr    string `mapstructure:"server_addr"`
	PublicURL     string `mapstructure:"public_url"`
	AccountSID    string `mapstructure:"account_sid"`
	AuthToken     string `mapstructure:"auth_token"`
	VoicePath     string `mapstructure:"voice_path"`
	WebsocketPath string `mapstructure:"ws_path"`
}

func (c Config) withDefaults() Config {
	if c.ServerAddr == "" {
		c.ServerAddr = ":8080"
	}
	if c.VoicePath == "" {
		c.VoicePath = "/voice"
	}
	if c.WebsocketPath == "" {
		c.WebsocketPath = "/ws"
	}
	return c
}

// Transport answers phone calls through Twilio media streams. The voice
// webhook returns TwiML connecting the call to the websocket path; media
// events carry base64 µ-law at 8 kHz, which is transcoded to 16-bit PCM for
// the pipeline and back for playback. An Interrupt frame becomes a stream
// "clear" event so Twilio drops buffered audio immediately.
type Transport struct {
	cfg      Config
	server   *http.Server
	upgrader websocket.Upgrader
	recvCh   chan frames.Frame
	eventCh  chan transports.Event
	logger   *slog.Logger

	mu       sync.Mutex
	sess     *session
	streamID string
	callSID  string

	draining atomic.Bool
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
		logger:  logging.Component(slog.Default(), "phone_transport"),
	}
}

func (t *Transport) Name() string { return "phone" }

func (t *Transport) Recv() <-chan frames.Frame { return t.recvCh }

func (t *Transport) Events() <-chan transports.Event { return t.eventCh }

func (t *Transport) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	mux := http.NewServeMux()
	mux.HandleFunc(t.cfg.VoicePath, t.handleVoice)
	mux.Handle(t.cfg.WebsocketPath, t)
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

func (t *Transport) handleVoice(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if t.cfg.AuthToken != "" && !t.validateRequest(r) {
		t.logger.Warn("invalid webhook signature")
		w.WriteHeader(http.StatusForbidden)
		return
	}
	twiml := `<Response><Connect><Stream url="` + t.websocketURL(r) + `"/></Connect></Response>`
	w.Header().Set("Content-Type", "text/xml")
	_, _ = w.Write([]byte(twiml))
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

	var streamID string
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			break
		}
		var evt mediaEvent
		if err := json.Unmarshal(msg, &evt); err != nil {
			continue
		}
		switch evt.Event {
		case "start":
			if evt.Start == nil {
				continue
			}
			streamID = evt.Start.StreamID
			sess := &session{conn: conn, streamID: streamID, sendCh: make(chan []byte, 256)}
			t.mu.Lock()
			old := t.sess
			t.sess = sess
			t.streamID = streamID
			t.callSID = evt.Start.CallSID
			t.mu.Unlock()
			if old != nil {
				_ = old.close()
			}
			go sess.loop()
			t.emitEvent(transports.Event{
				Kind:          transports.EventParticipantJoined,
				ParticipantID: evt.Start.From,
				Time:          time.Now(),
			})
		case "media":
			if evt.Media == nil || streamID == "" {
				continue
			}
			payload, err := base64.StdEncoding.DecodeString(evt.Media.Payload)
			if err != nil {
				continue
			}
			f := frames.NewAudioChunk(frames.NowPTS(), decodeMuLaw(payload), 8000, 1)
			select {
			case t.recvCh <- f:
			default:
			}
		case "stop":
			t.emitEvent(transports.Event{
				Kind:          transports.EventParticipantLeft,
				ParticipantID: t.currentCallSID(),
				Time:          time.Now(),
				Reason:        "call ended",
			})
			t.detach(streamID)
			return
		}
	}
	if streamID != "" {
		t.emitEvent(transports.Event{
			Kind:          transports.EventParticipantLeft,
			ParticipantID: t.currentCallSID(),
			Time:          time.Now(),
			Reason:        "connection lost",
		})
		t.detach(streamID)
	}
}

func (t *Transport) Send(f frames.Frame) error {
	sess := t.session()
	if sess == nil {
		return nil
	}
	switch v := f.(type) {
	case frames.SpeechChunk:
		payload := base64.StdEncoding.EncodeToString(encodeMuLaw(v.Payload()))
		frames.ReleaseAudio(v)
		msg, err := json.Marshal(map[string]any{
			"event":     "media",
			"streamSid": sess.streamID,
			"media":     map[string]any{"payload": payload},
		})
		if err != nil {
			return err
		}
		return sess.enqueue(msg)
	case frames.Interrupt:
		msg, err := json.Marshal(map[string]any{
			"event":     "clear",
			"streamSid": sess.streamID,
		})
		if err != nil {
			return err
		}
		return sess.enqueue(msg)
	default:
		return nil
	}
}

func (t *Transport) session() *session {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sess
}

func (t *Transport) currentCallSID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.callSID
}

func (t *Transport) detach(streamID string) {
	t.mu.Lock()
	sess := t.sess
	if sess != nil && sess.streamID == streamID {
		t.sess = nil
		t.streamID = ""
		t.callSID = ""
	} else {
		sess = nil
	}
	t.mu.Unlock()
	if sess != nil {
		_ = sess.close()
	}
}

func (t *Transport) emitEvent(ev transports.Event) {
	if t.draining.Load() {
		return
	}
	select {
	case t.eventCh <- ev:
	default:
	}
}

func (t *Transport) websocketURL(r *http.Request) string {
	if t.cfg.PublicURL != "" {
		return "wss://" + trimScheme(t.cfg.PublicURL) + t.cfg.WebsocketPath
	}
	host := r.Host
	if host == "" {
		host = strings.TrimPrefix(t.cfg.ServerAddr, ":")
	}
	return "wss://" + host + t.cfg.WebsocketPath
}

func (t *Transport) validateRequest(r *http.Request) bool {
	signature := r.Header.Get("X-Twilio-Signature")
	if signature == "" {
		return false
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return false
	}
	_ = r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(body))

	validator := twilioclient.NewRequestValidator(t.cfg.AuthToken)
	return validator.ValidateBody(t.requestURL(r), body, signature)
}

func (t *Transport) requestURL(r *http.Request) string {
	if t.cfg.PublicURL != "" {
		return "https://" + trimScheme(t.cfg.PublicURL) + r.URL.RequestURI()
	}
	scheme := "https"
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}
	return scheme + "://" + r.Host + r.URL.RequestURI()
}

func trimScheme(v string) string {
	v = strings.TrimPrefix(v, "https://")
	v = strings.TrimPrefix(v, "http://")
	return strings.TrimRight(v, "/")
}

type mediaStart struct {
	CallSID  string `json:"callSid"`
	StreamID string `json:"streamSid"`
	From     string `json:"from"`
}

type mediaPayload struct {
	Payload string `json:"payload"`
}

type mediaStop struct {
	Reason string `json:"reason"`
}

type mediaEvent struct {
	Event string        `json:"event"`
	Start *mediaStart   `json:"start,omitempty"`
	Media *mediaPayload `json:"media,omitempty"`
	Stop  *mediaStop    `json:"stop,omitempty"`
}

type session struct {
	conn     *websocket.Conn
	streamID string

	// mu makes enqueue and close mutually exclusive: without it an enqueue
	// can pass the closed check and then send on a freshly closed channel.
	mu     sync.Mutex
	sendCh chan []byte
	closed bool
}

func (s *session) enqueue(msg []byte) error {
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
		_ = s.conn.WriteMessage(websocket.TextMessage, msg)
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

var (
	_ transports.Transport      = (*Transport)(nil)
	_ transports.OutboundDialer = (*Transport)(nil)
)
