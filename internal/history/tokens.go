// SPDX-License-Identifier: AGPL-3.0-only
package history

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/gdcorp-engineering/ans-browser-extension-sub002/internal/chat"
)

// imageTokenEstimate approximates what one screenshot costs in context.
const imageTokenEstimate = 1500

// TokenCounter estimates the token footprint of a message list using the
// cl100k_base encoding. Initialization is lazy because tiktoken may load
// encoding data on first use; when it is unavailable the counter falls back
// to a bytes/4 estimate rather than failing.
type TokenCounter struct {
	once    sync.Once
	enc     *tiktoken.Tiktoken
	initErr error
}

// NewTokenCounter creates a token counter.
func NewTokenCounter() *TokenCounter {
	return &TokenCounter{}
}

func (c *TokenCounter) init() error {
	c.once.Do(func() {
		c.enc, c.initErr = tiktoken.GetEncoding("cl100k_base")
	})
	return c.initErr
}

// Count estimates the tokens in one string.
func (c *TokenCounter) Count(text string) int {
	if err := c.init(); err != nil || c.enc == nil {
		return len(text) / 4
	}
	return len(c.enc.Encode(text, nil, nil))
}

// CountMessages estimates the total token footprint of msgs, charging a flat
// estimate per image block.
func (c *TokenCounter) CountMessages(msgs []chat.Message) int {
	total := 0
	for _, m := range msgs {
		for _, b := range m.Blocks {
			switch b.Type {
			case chat.BlockImage:
				total += imageTokenEstimate
			default:
				total += c.Count(b.Text)
			}
		}
	}
	return total
}
