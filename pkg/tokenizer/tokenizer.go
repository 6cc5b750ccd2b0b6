// Package tokenizer provides BPE-compatible token counting used for retrieval
// budgets, turn accounting, and history packing.
package tokenizer

import (
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// Tokenizer counts and truncates tokens.
type Tokenizer interface {
	// CountTokens returns the number of tokens in the text.
	CountTokens(text string) int
	// Truncate returns the longest prefix of text within maxTokens.
	Truncate(text string, maxTokens int) string
}

// BPETokenizer counts tokens with the cl100k_base encoding.
type BPETokenizer struct {
	enc *tiktoken.Tiktoken
}

var (
	defaultOnce sync.Once
	defaultTok  *BPETokenizer
)

// Default returns the process-wide cl100k_base tokenizer. Encoding data loads
// once; a load failure falls back to word-count estimation.
func Default() Tokenizer {
	defaultOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			defaultTok = &BPETokenizer{enc: enc}
		}
	})
	if defaultTok == nil {
		return estimatingTokenizer{}
	}
	return defaultTok
}

// CountTokens returns the number of BPE tokens in the text.
func (t *BPETokenizer) CountTokens(text string) int {
	if text == "" {
		return 0
	}
	return len(t.enc.Encode(text, nil, nil))
}

// Truncate returns the longest prefix of text within maxTokens.
func (t *BPETokenizer) Truncate(text string, maxTokens int) string {
	if maxTokens <= 0 {
		return ""
	}
	ids := t.enc.Encode(text, nil, nil)
	if len(ids) <= maxTokens {
		return text
	}
	return t.enc.Decode(ids[:maxTokens])
}

// estimatingTokenizer approximates GPT tokenization at ~1.3 tokens per word.
// Only used when the BPE encoding cannot be loaded.
type estimatingTokenizer struct{}

func (estimatingTokenizer) CountTokens(text string) int {
	if text == "" {
		return 0
	}
	words := len(strings.Fields(text))
	return int(float64(words) * 1.3)
}

func (estimatingTokenizer) Truncate(text string, maxTokens int) string {
	if maxTokens <= 0 {
		return ""
	}
	words := strings.Fields(text)
	keep := int(float64(maxTokens) / 1.3)
	if keep >= len(words) {
		return text
	}
	return strings.Join(words[:keep], " ")
}
