package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/lectio-ai/lectio/pkg/adapters/stt"
	"github.com/lectio-ai/lectio/pkg/adapters/tts"
	"github.com/lectio-ai/lectio/pkg/budget"
	"github.com/lectio-ai/lectio/pkg/config"
	"github.com/lectio-ai/lectio/pkg/configutil"
	"github.com/lectio-ai/lectio/pkg/engine"
	"github.com/lectio-ai/lectio/pkg/ingest"
	"github.com/lectio-ai/lectio/pkg/llm"
	"github.com/lectio-ai/lectio/pkg/logging"
	"github.com/lectio-ai/lectio/pkg/metrics"
	"github.com/lectio-ai/lectio/pkg/providers/cartesia"
	"github.com/lectio-ai/lectio/pkg/providers/deepgram"
	providermock "github.com/lectio-ai/lectio/pkg/providers/mock"
	"github.com/lectio-ai/lectio/pkg/providers/openai"
	"github.com/lectio-ai/lectio/pkg/redact"
	"github.com/lectio-ai/lectio/pkg/resilience"
	"github.com/lectio-ai/lectio/pkg/runner"
	"github.com/lectio-ai/lectio/pkg/transports"
	transportmock "github.com/lectio-ai/lectio/pkg/transports/mock"
	"github.com/lectio-ai/lectio/pkg/transports/phone"
	"github.com/lectio-ai/lectio/pkg/transports/room"
	"github.com/lectio-ai/lectio/pkg/turn"
	"github.com/lectio-ai/lectio/pkg/vad"
)

func initLogger(level, format string) {
	opts := &slog.HandlerOptions{Level: logging.ParseLevel(level)}
	var handler slog.Handler
	if strings.ToLower(format) == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	articleURL := flag.String("url", "", "article URL (overrides config)")
	dialTo := flag.String("dial_to", "", "destination number for outbound call")
	dialFrom := flag.String("dial_from", "", "caller ID for outbound call")
	dialURL := flag.String("dial_url", "", "override voice URL for outbound call")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	initLogger(cfg.LogLevel, cfg.LogFormat)
	redact.SetEnabled(cfg.Privacy.RedactPII)

	url := *articleURL
	if url == "" {
		url = cfg.Article.URL
	}
	if url == "" {
		url = promptURL()
	}
	if url == "" {
		fmt.Fprintln(os.Stderr, "no article URL provided")
		os.Exit(1)
	}

	systemPrompt, err := prepareArticle(cfg, url)
	if err != nil {
		// The article is the whole point of the session; without it there is
		// nothing to talk about.
		slog.Error("article ingest failed", slog.String("url", url), slog.String("error", err.Error()))
		os.Exit(1)
	}

	observer := metrics.NewAsyncObserver(metrics.NewSlogObserver(slog.Default()), 256)
	defer observer.Close()

	sttAdapter, err := buildSTT(cfg)
	if err != nil {
		slog.Error("stt setup failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	ttsAdapter, err := buildTTS(cfg)
	if err != nil {
		slog.Error("tts setup failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	llmAdapter, err := buildLLM(cfg, observer)
	if err != nil {
		slog.Error("llm setup failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	transport, err := buildTransport(cfg)
	if err != nil {
		slog.Error("transport setup failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	eng, err := engine.New(engine.Config{
		Transport:    transport,
		STT:          sttAdapter,
		TTS:          ttsAdapter,
		LLM:          llmAdapter,
		VAD:          vad.NewEnergyClassifier(cfg.Turn.VADThreshold, cfg.Turn.VADAttack, cfg.Turn.VADHangover),
		Observer:     observer,
		SystemPrompt: systemPrompt,
		Greeting:     cfg.Session.Greeting,
		OnTurn: func(out turn.Outcome) {
			if out.Err != nil {
				slog.Warn("turn failed", slog.String("turn_id", out.TurnID), slog.String("error", out.Err.Error()))
				return
			}
			if out.Completed {
				slog.Info("turn completed",
					slog.String("turn_id", out.TurnID),
					slog.String("user_text", redact.Text(out.UserText)),
					slog.String("assistant_text", redact.Text(out.AssistantText)))
			}
		},
	})
	if err != nil {
		slog.Error("engine setup failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := eng.StartSession(ctx); err != nil {
		slog.Error("session start failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	if *dialTo != "" && *dialFrom != "" {
		if dialer, ok := transport.(transports.OutboundDialer); ok {
			callSID, err := dialer.Dial(ctx, *dialTo, *dialFrom, *dialURL)
			if err != nil {
				slog.Error("outbound dial failed", slog.String("error", err.Error()))
			} else {
				slog.Info("outbound dial started", slog.String("call_sid", callSID))
			}
		} else {
			slog.Warn("transport has no outbound dialer")
		}
	}

	drainTimeout := time.Duration(cfg.Turn.DrainTimeoutMS) * time.Millisecond
	lifecycle := runner.NewLifecycleRunner(eng, runner.Hooks{
		OnStop: func() { _ = eng.StopSession() },
	}, drainTimeout)
	if err := lifecycle.Run(ctx); err != nil {
		slog.Warn("shutdown incomplete", slog.String("error", err.Error()))
	}
}

func promptURL() string {
	fmt.Print("Article URL: ")
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return ""
	}
	return strings.TrimSpace(line)
}

// prepareArticle fetches the article, trims it to the token budget, and folds
// it into the session system prompt.
func prepareArticle(cfg config.Config, url string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	article, err := ingest.NewFetcher(nil).Fetch(ctx, url)
	if err != nil {
		return "", err
	}
	truncator, err := budget.NewTruncator(cfg.Article.MaxTokens)
	if err != nil {
		return "", err
	}
	text, tokens, err := truncator.Truncate(article.Text)
	if err != nil {
		return "", err
	}
	slog.Info("article ready",
		slog.String("title", article.Title),
		slog.String("url", article.URL),
		slog.Int("tokens", tokens))

	var b strings.Builder
	b.WriteString(cfg.Session.SystemPrompt)
	b.WriteString("\n\nThe article under discussion")
	if article.Title != "" {
		b.WriteString(" (")
		b.WriteString(article.Title)
		b.WriteString(")")
	}
	b.WriteString(":\n\n")
	b.WriteString(text)
	return b.String(), nil
}

type deepgramSettings struct {
	APIKey         string `mapstructure:"api_key"`
	Model          string `mapstructure:"model"`
	Language       string `mapstructure:"language"`
	SampleRate     int    `mapstructure:"sample_rate"`
	Encoding       string `mapstructure:"encoding"`
	Interim        bool   `mapstructure:"interim"`
	UtteranceEndMS int    `mapstructure:"utterance_end_ms"`
}

type cartesiaSettings struct {
	APIKey     string `mapstructure:"api_key"`
	ModelID    string `mapstructure:"model_id"`
	VoiceID    string `mapstructure:"voice_id"`
	SampleRate int    `mapstructure:"sample_rate"`
}

type openAISettings struct {
	APIKey            string `mapstructure:"api_key"`
	Model             string `mapstructure:"model"`
	BaseURL           string `mapstructure:"base_url"`
	UseCircuitBreaker bool   `mapstructure:"use_circuit_breaker"`
	CircuitThreshold  int    `mapstructure:"circuit_threshold"`
	CircuitCooldownMS int    `mapstructure:"circuit_cooldown_ms"`
}

func buildSTT(cfg config.Config) (stt.StreamingSTT, error) {
	switch cfg.Vendors.STT.Provider {
	case "deepgram":
		var settings deepgramSettings
		if err := configutil.DecodeSettings(cfg.Vendors.STT.Settings, &settings); err != nil {
			return nil, err
		}
		if err := configutil.RequireString(settings.APIKey, "vendors.stt.settings.api_key"); err != nil {
			return nil, err
		}
		return deepgram.New(deepgram.Config{
			APIKey:         settings.APIKey,
			Model:          settings.Model,
			Language:       settings.Language,
			SampleRate:     settings.SampleRate,
			Encoding:       settings.Encoding,
			Interim:        settings.Interim,
			UtteranceEndMS: settings.UtteranceEndMS,
		}), nil
	case "mock":
		return providermock.NewSTT(providermock.STTConfig{}), nil
	default:
		return nil, fmt.Errorf("unknown stt provider %q", cfg.Vendors.STT.Provider)
	}
}

func buildTTS(cfg config.Config) (tts.StreamingTTS, error) {
	switch cfg.Vendors.TTS.Provider {
	case "cartesia":
		var settings cartesiaSettings
		if err := configutil.DecodeSettings(cfg.Vendors.TTS.Settings, &settings); err != nil {
			return nil, err
		}
		if err := configutil.RequireString(settings.APIKey, "vendors.tts.settings.api_key"); err != nil {
			return nil, err
		}
		return cartesia.New(cartesia.Config{
			APIKey:     settings.APIKey,
			ModelID:    settings.ModelID,
			VoiceID:    settings.VoiceID,
			SampleRate: settings.SampleRate,
		}), nil
	case "mock":
		return providermock.NewTTS(providermock.TTSConfig{}), nil
	default:
		return nil, fmt.Errorf("unknown tts provider %q", cfg.Vendors.TTS.Provider)
	}
}

func buildLLM(cfg config.Config, observer metrics.Observer) (llm.Adapter, error) {
	switch cfg.Vendors.LLM.Provider {
	case "openai":
		var settings openAISettings
		if err := configutil.DecodeSettings(cfg.Vendors.LLM.Settings, &settings); err != nil {
			return nil, err
		}
		if err := configutil.RequireString(settings.APIKey, "vendors.llm.settings.api_key"); err != nil {
			return nil, err
		}
		adapter := llm.Adapter(openai.NewAdapter(openai.Config{
			APIKey:  settings.APIKey,
			Model:   settings.Model,
			BaseURL: settings.BaseURL,
		}))
		if settings.UseCircuitBreaker {
			threshold := settings.CircuitThreshold
			if threshold <= 0 {
				threshold = 3
			}
			cooldown := time.Duration(settings.CircuitCooldownMS) * time.Millisecond
			if cooldown <= 0 {
				cooldown = 30 * time.Second
			}
			breaker := llm.NewCircuitBreakerAdapter(adapter, resilience.NewCircuitBreaker(threshold, cooldown))
			breaker.SetObserver(observer)
			adapter = breaker
		}
		return adapter, nil
	case "mock":
		return providermock.NewLLMAdapter(providermock.LLMConfig{}), nil
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Vendors.LLM.Provider)
	}
}

func buildTransport(cfg config.Config) (transports.Transport, error) {
	switch cfg.Transport.Provider {
	case "room":
		var settings room.Config
		if err := configutil.DecodeSettings(cfg.Transport.Settings, &settings); err != nil {
			return nil, err
		}
		return room.New(settings), nil
	case "phone":
		var settings phone.Config
		if err := configutil.DecodeSettings(cfg.Transport.Settings, &settings); err != nil {
			return nil, err
		}
		return phone.New(settings), nil
	case "mock":
		return transportmock.New(), nil
	default:
		return nil, fmt.Errorf("unknown transport provider %q", cfg.Transport.Provider)
	}
}
