// Package tokens provides token counting for usage accounting on
// chat/completions responses. Pipeline identifiers are rarely real model
// names, so counts fall back from tiktoken to a character-based estimate.
package tokens

import (
	"sync"

	"github.com/tiktoken-go/tokenizer"
)

// estimateCharsPerToken is the fallback ratio when no encoding applies.
const estimateCharsPerToken = 4.0

// Counter counts tokens with a cached tokenizer codec per encoding.
type Counter struct {
	mu         sync.RWMutex
	codecCache map[tokenizer.Encoding]tokenizer.Codec
}

// NewCounter creates a counter.
func NewCounter() *Counter {
	return &Counter{codecCache: make(map[tokenizer.Encoding]tokenizer.Codec)}
}

// CountText counts the tokens of text for the given model. Unknown models use
// the cl100k_base encoding; if even that fails the count is estimated.
func (c *Counter) CountText(model, text string) int {
	if text == "" {
		return 0
	}

	codec, err := tokenizer.ForModel(tokenizer.Model(model))
	if err != nil {
		codec, err = c.cachedEncoding(tokenizer.Cl100kBase)
	}
	if err != nil {
		return int(float64(len(text)) / estimateCharsPerToken)
	}

	ids, _, err := codec.Encode(text)
	if err != nil {
		return int(float64(len(text)) / estimateCharsPerToken)
	}
	return len(ids)
}

func (c *Counter) cachedEncoding(enc tokenizer.Encoding) (tokenizer.Codec, error) {
	c.mu.RLock()
	if cached, ok := c.codecCache[enc]; ok {
		c.mu.RUnlock()
		return cached, nil
	}
	c.mu.RUnlock()

	codec, err := tokenizer.Get(enc)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.codecCache[enc] = codec
	c.mu.Unlock()
	return codec, nil
}
