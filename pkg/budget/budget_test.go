package budget

import (
	"strings"
	"testing"
)

func TestShortTextPassesThrough(t *testing.T) {
	tr, err := NewTruncator(100)
	if err != nil {
		t.Fatalf("new truncator: %v", err)
	}
	in := "a short paragraph about gravity"
	out, n, err := tr.Truncate(in)
	if err != nil {
		t.Fatalf("truncate: %v", err)
	}
	if out != in {
		t.Fatalf("short text should be unchanged, got %q", out)
	}
	if n == 0 {
		t.Fatal("expected a nonzero token count")
	}
}

func TestLongTextCutToBudget(t *testing.T) {
	tr, err := NewTruncator(50)
	if err != nil {
		t.Fatalf("new truncator: %v", err)
	}
	in := strings.Repeat("the quick brown fox jumps over the lazy dog ", 100)
	out, n, err := tr.Truncate(in)
	if err != nil {
		t.Fatalf("truncate: %v", err)
	}
	if n != 50 {
		t.Fatalf("expected 50 tokens after cut, got %d", n)
	}
	if len(out) >= len(in) {
		t.Fatal("truncated text should be shorter than input")
	}
	if !strings.HasPrefix(in, out) {
		t.Fatal("truncation must be a prefix of the input")
	}

	// Re-encoding the cut text must not exceed the budget.
	recount, err := tr.Count(out)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if recount > 50 {
		t.Fatalf("cut text re-encodes to %d tokens", recount)
	}
}

func TestDefaultBudgetApplied(t *testing.T) {
	tr, err := NewTruncator(0)
	if err != nil {
		t.Fatalf("new truncator: %v", err)
	}
	if tr.maxTokens != DefaultMaxTokens {
		t.Fatalf("expected default budget, got %d", tr.maxTokens)
	}
}
