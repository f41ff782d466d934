package embeddings

import (
	"fmt"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// fallbackEncoding covers models tiktoken has no mapping for; cl100k_base
// is what current embedding models tokenize with.
const fallbackEncoding = "cl100k_base"

// Tokenizer encodes and decodes text for one model.
type Tokenizer struct {
	enc *tiktoken.Tiktoken
}

// Encode splits text into token ids.
func (t *Tokenizer) Encode(text string) []int {
	return t.enc.Encode(text, nil, nil)
}

// Decode reassembles token ids into text.
func (t *Tokenizer) Decode(tokens []int) string {
	return t.enc.Decode(tokens)
}

// CountTokens returns the token count of text.
func (t *Tokenizer) CountTokens(text string) int {
	return len(t.Encode(text))
}

var (
	tokenizerMu    sync.Mutex
	tokenizerCache = make(map[string]*Tokenizer)
)

// GetTokenizer returns the tokenizer for model, cached per model. Models
// unknown to tiktoken fall back to cl100k_base.
func GetTokenizer(model string) (*Tokenizer, error) {
	tokenizerMu.Lock()
	defer tokenizerMu.Unlock()

	if t, ok := tokenizerCache[model]; ok {
		return t, nil
	}

	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding(fallbackEncoding)
		if err != nil {
			return nil, fmt.Errorf("get tokenizer for %s: %w", model, err)
		}
	}

	t := &Tokenizer{enc: enc}
	tokenizerCache[model] = t
	return t, nil
}
