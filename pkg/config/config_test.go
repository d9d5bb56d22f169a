package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, "article:\n  url: https://en.wikipedia.org/wiki/Entropy\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Vendors.STT.Provider != "deepgram" || cfg.Vendors.TTS.Provider != "cartesia" || cfg.Vendors.LLM.Provider != "openai" {
		t.Fatalf("unexpected vendor defaults: %+v", cfg.Vendors)
	}
	if cfg.Transport.Provider != "room" {
		t.Fatalf("unexpected transport default %q", cfg.Transport.Provider)
	}
	if cfg.Article.MaxTokens != 7000 {
		t.Fatalf("unexpected token budget %d", cfg.Article.MaxTokens)
	}
	if cfg.Turn.VADThreshold != 0.02 || cfg.Turn.VADHangover != 8 {
		t.Fatalf("unexpected turn defaults: %+v", cfg.Turn)
	}
	if cfg.Session.SystemPrompt == "" || cfg.Session.Greeting == "" {
		t.Fatal("session defaults missing")
	}
	if !cfg.Privacy.RedactPII {
		t.Fatal("redaction must default to on")
	}
}

func TestLoadExpandsEnv(t *testing.T) {
	t.Setenv("TEST_DEEPGRAM_KEY", "dg-secret")
	path := writeConfig(t, `
vendors:
  stt:
    provider: deepgram
    settings:
      api_key: ${TEST_DEEPGRAM_KEY}
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := cfg.Vendors.STT.Settings["api_key"]; got != "dg-secret" {
		t.Fatalf("env not expanded: %v", got)
	}
}

func TestLoadRejectsMissingProvider(t *testing.T) {
	path := writeConfig(t, `
transport:
  provider: ""
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected validation error for empty transport provider")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
