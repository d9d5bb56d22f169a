package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// VendorConfig selects a provider by name plus its free-form settings map,
// decoded into the provider's own config struct at construction time.
type VendorConfig struct {
	Provider string         `mapstructure:"provider"`
	Settings map[string]any `mapstructure:"settings"`
}

type VendorsConfig struct {
	STT VendorConfig `mapstructure:"stt"`
	TTS VendorConfig `mapstructure:"tts"`
	LLM VendorConfig `mapstructure:"llm"`
}

type TransportConfig struct {
	Provider string         `mapstructure:"provider"`
	Settings map[string]any `mapstructure:"settings"`
}

type SessionConfig struct {
	SystemPrompt string `mapstructure:"system_prompt"`
	Greeting     string `mapstructure:"greeting"`
}

type ArticleConfig struct {
	// URL may be left empty; the CLI then prompts for one.
	URL       string `mapstructure:"url"`
	MaxTokens int    `mapstructure:"max_tokens"`
}

type PrivacyConfig struct {
	// RedactPII scrubs email addresses and phone numbers from logged
	// transcript and turn text.
	RedactPII bool `mapstructure:"redact_pii"`
}

type TurnSettings struct {
	// VAD tuning for the capture stage.
	VADThreshold float64 `mapstructure:"vad_threshold"`
	VADAttack    int     `mapstructure:"vad_attack"`
	VADHangover  int     `mapstructure:"vad_hangover"`
	// DrainTimeoutMS bounds the shutdown wait for an in-flight turn.
	DrainTimeoutMS int `mapstructure:"drain_timeout_ms"`
}

type Config struct {
	Vendors   VendorsConfig   `mapstructure:"vendors"`
	Transport TransportConfig `mapstructure:"transport"`
	Session   SessionConfig   `mapstructure:"session"`
	Article   ArticleConfig   `mapstructure:"article"`
	Privacy   PrivacyConfig   `mapstructure:"privacy"`
	Turn      TurnSettings    `mapstructure:"turn"`
	LogLevel  string          `mapstructure:"log_level"`
	LogFormat string          `mapstructure:"log_format"`
}

func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetDefault("vendors.stt.provider", "deepgram")
	v.SetDefault("vendors.tts.provider", "cartesia")
	v.SetDefault("vendors.llm.provider", "openai")
	v.SetDefault("transport.provider", "room")
	v.SetDefault("session.system_prompt", defaultSystemPrompt)
	v.SetDefault("session.greeting", "Hi! I've read the article. What would you like to know?")
	v.SetDefault("article.max_tokens", 7000)
	v.SetDefault("privacy.redact_pii", true)
	v.SetDefault("turn.vad_threshold", 0.02)
	v.SetDefault("turn.vad_attack", 2)
	v.SetDefault("turn.vad_hangover", 8)
	v.SetDefault("turn.drain_timeout_ms", 10000)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal: %w", err)
	}

	expandEnvStrings(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Transport.Provider) == "" {
		return fmt.Errorf("transport.provider is required")
	}
	if strings.TrimSpace(c.Vendors.STT.Provider) == "" {
		return fmt.Errorf("vendors.stt.provider is required")
	}
	if strings.TrimSpace(c.Vendors.TTS.Provider) == "" {
		return fmt.Errorf("vendors.tts.provider is required")
	}
	if strings.TrimSpace(c.Vendors.LLM.Provider) == "" {
		return fmt.Errorf("vendors.llm.provider is required")
	}
	if c.Article.MaxTokens < 0 {
		return fmt.Errorf("article.max_tokens must be non-negative")
	}
	return nil
}

const defaultSystemPrompt = "You are a study partner discussing an article with the user over voice. " +
	"Keep responses to one to three sentences; your output is converted to audio, " +
	"so avoid markup, lists, and special characters."

// expandEnvStrings resolves ${VAR} references so secrets stay out of the
// config file.
func expandEnvStrings(cfg *Config) {
	cfg.Session.SystemPrompt = os.ExpandEnv(cfg.Session.SystemPrompt)
	cfg.Session.Greeting = os.ExpandEnv(cfg.Session.Greeting)
	cfg.Article.URL = os.ExpandEnv(cfg.Article.URL)
	cfg.Vendors.STT.Settings = expandSettings(cfg.Vendors.STT.Settings)
	cfg.Vendors.TTS.Settings = expandSettings(cfg.Vendors.TTS.Settings)
	cfg.Vendors.LLM.Settings = expandSettings(cfg.Vendors.LLM.Settings)
	cfg.Transport.Settings = expandSettings(cfg.Transport.Settings)
}

func expandSettings(settings map[string]any) map[string]any {
	if settings == nil {
		return nil
	}
	for k, v := range settings {
		settings[k] = expandAny(v)
	}
	return settings
}

func expandAny(v any) any {
	switch val := v.(type) {
	case string:
		return os.ExpandEnv(val)
	case []any:
		for i := range val {
			val[i] = expandAny(val[i])
		}
		return val
	case map[string]any:
		for k, v := range val {
			val[k] = expandAny(v)
		}
		return val
	default:
		return v
	}
}
