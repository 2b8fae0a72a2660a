// Package tokenizer provides the reference token counter used by
// internal/engine/refbackend and by tests. Grounded on
// github.com/pkoukk/tiktoken-go, a dependency pulled by the helix scheduler
// example for the same approximate-token-accounting purpose; a real
// GenerationBackend is expected to expose its own model-native tokenizer
// instead (spec §4.5, §9: "a tokenizer owned by the backend").
package tokenizer

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// Tokenizer counts and (for the reference backend) fabricates tokens.
type Tokenizer struct {
	enc *tiktoken.Tiktoken
}

var (
	shared     *Tokenizer
	sharedOnce sync.Once
	sharedErr  error
)

// Default returns a process-wide reference tokenizer (cl100k_base), lazily
// initialized once. Real GenerationBackend implementations do not use this;
// it exists for the reference backend and for tests that need a stand-in.
func Default() (*Tokenizer, error) {
	sharedOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			sharedErr = err
			return
		}
		shared = &Tokenizer{enc: enc}
	})
	return shared, sharedErr
}

// Count returns the number of tokens text encodes to.
func (t *Tokenizer) Count(text string) int {
	return len(t.enc.Encode(text, nil, nil))
}

// Tokens returns the individual token strings for text. Nothing in the
// module calls it: the reference backend emits one on_token callback per
// whitespace-separated word instead.
func (t *Tokenizer) Tokens(text string) []string {
	ids := t.enc.Encode(text, nil, nil)
	tokens := make([]string, 0, len(ids))
	for _, id := range ids {
		tokens = append(tokens, t.enc.Decode([]int{id}))
	}
	return tokens
}
