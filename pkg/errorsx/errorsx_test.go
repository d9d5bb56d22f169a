package errorsx

import (
	"errors"
	"fmt"
	"testing"
)

func TestWrapAndReason(t *testing.T) {
	base := errors.New("connect refused")
	err := Wrap(base, ReasonSTTConnect)

	if Reason(err) != ReasonSTTConnect {
		t.Fatalf("expected stt_connect, got %s", Reason(err))
	}
	if !errors.Is(err, base) {
		t.Fatal("wrapped error lost its cause")
	}
}

func TestWrapIsIdempotent(t *testing.T) {
	err := Wrap(errors.New("boom"), ReasonLLMStream)
	again := Wrap(err, ReasonTTSSend)
	if Reason(again) != ReasonLLMStream {
		t.Fatalf("re-wrap overwrote reason: %s", Reason(again))
	}
}

func TestWrapNil(t *testing.T) {
	if Wrap(nil, ReasonLLMGenerate) != nil {
		t.Fatal("wrapping nil should stay nil")
	}
}

func TestReasonSurvivesFmtWrapping(t *testing.T) {
	err := fmt.Errorf("stage: %w", Wrap(errors.New("boom"), ReasonChannelClosed))
	if !HasReason(err, ReasonChannelClosed) {
		t.Fatal("reason lost through fmt.Errorf wrapping")
	}
}

func TestIsIngestion(t *testing.T) {
	if !IsIngestion(Wrap(errors.New("404"), ReasonIngestFetch)) {
		t.Fatal("ingest_fetch should classify as ingestion")
	}
	if IsIngestion(Wrap(errors.New("boom"), ReasonLLMStream)) {
		t.Fatal("llm_stream should not classify as ingestion")
	}
}
