package prompt

import (
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
)

// defaultEncoding matches the tokenizer family of current chat models.
const defaultEncoding = "cl100k_base"

// fallbackCharsPerToken approximates English prose when no encoding is
// available, for example in offline environments where the BPE ranks
// cannot be downloaded.
const fallbackCharsPerToken = 4

// Counter estimates prompt token counts.
type Counter struct {
	enc *tiktoken.Tiktoken
}

// NewCounter creates a counter for the given encoding name. Empty selects
// the default encoding; a load failure degrades to the character-based
// estimate rather than erroring.
func NewCounter(encoding string) *Counter {
	if encoding == "" {
		encoding = defaultEncoding
	}
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return &Counter{}
	}
	return &Counter{enc: enc}
}

// Count returns the estimated token count of s.
func (c *Counter) Count(s string) int {
	if c == nil || c.enc == nil {
		n := utf8.RuneCountInString(s)
		return (n + fallbackCharsPerToken - 1) / fallbackCharsPerToken
	}
	return len(c.enc.Encode(s, nil, nil))
}
