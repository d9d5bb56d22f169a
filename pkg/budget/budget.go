package budget

import (
	"fmt"

	"github.com/lectio-ai/lectio/pkg/errorsx"
	"github.com/tiktoken-go/tokenizer"
)

// DefaultMaxTokens caps how much article text goes into the system prompt.
const DefaultMaxTokens = 7000

// Truncator measures text with a BPE tokenizer and cuts it to a token
// budget on an exact token boundary.
type Truncator struct {
	codec     tokenizer.Codec
	maxTokens int
}

func NewTruncator(maxTokens int) (*Truncator, error) {
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	codec, err := tokenizer.Get(tokenizer.Cl100kBase)
	if err != nil {
		return nil, errorsx.Wrap(fmt.Errorf("load tokenizer: %w", err), errorsx.ReasonIngestBudget)
	}
	return &Truncator{codec: codec, maxTokens: maxTokens}, nil
}

// Truncate returns text cut to the token budget and the resulting token
// count. Text already within budget is returned unchanged.
func (t *Truncator) Truncate(text string) (string, int, error) {
	ids, _, err := t.codec.Encode(text)
	if err != nil {
		return "", 0, errorsx.Wrap(fmt.Errorf("encode: %w", err), errorsx.ReasonIngestBudget)
	}
	if len(ids) <= t.maxTokens {
		return text, len(ids), nil
	}
	cut, err := t.codec.Decode(ids[:t.maxTokens])
	if err != nil {
		return "", 0, errorsx.Wrap(fmt.Errorf("decode: %w", err), errorsx.ReasonIngestBudget)
	}
	return cut, t.maxTokens, nil
}

// Count returns the token count of text.
func (t *Truncator) Count(text string) (int, error) {
	ids, _, err := t.codec.Encode(text)
	if err != nil {
		return 0, errorsx.Wrap(fmt.Errorf("encode: %w", err), errorsx.ReasonIngestBudget)
	}
	return len(ids), nil
}
