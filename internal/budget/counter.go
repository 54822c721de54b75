package budget

import (
	"fmt"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// Counter measures the real token count of text.
type Counter interface {
	CountTokens(text string) (int, error)
}

// DefaultEncoding is used when no encoding is configured.
const DefaultEncoding = "cl100k_base"

// TiktokenCounter counts tokens with a BPE encoding. The encoding is loaded on
// first use, which may download the ranks file.
type TiktokenCounter struct {
	encoding string

	once    sync.Once
	enc     *tiktoken.Tiktoken
	initErr error
}

// NewTiktokenCounter creates a counter for encoding ("" selects
// DefaultEncoding).
func NewTiktokenCounter(encoding string) *TiktokenCounter {
	if encoding == "" {
		encoding = DefaultEncoding
	}
	return &TiktokenCounter{encoding: encoding}
}

func (c *TiktokenCounter) init() error {
	c.once.Do(func() {
		enc, err := tiktoken.GetEncoding(c.encoding)
		if err != nil {
			c.initErr = fmt.Errorf("budget: load encoding %s: %w", c.encoding, err)
			return
		}
		c.enc = enc
	})
	return c.initErr
}

// CountTokens returns the number of tokens in text.
func (c *TiktokenCounter) CountTokens(text string) (int, error) {
	if err := c.init(); err != nil {
		return 0, err
	}
	return len(c.enc.Encode(text, nil, nil)), nil
}
