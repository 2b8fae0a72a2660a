// Package context implements ContextAssembler (spec §4.8): builds a prompt
// from a stored chat session plus a new user turn, bounded by a token
// budget. Token accounting defers to whatever Tokenizer the caller's
// GenerationBackend exposes (spec §9: "a tokenizer owned by the backend").
package context

import (
	"strings"

	"github.com/tiagoflino/capi/internal/session"
)

// TokenCounter is the subset of a backend's tokenizer the assembler needs.
type TokenCounter interface {
	Count(text string) int
}

// Result is the assembled prompt plus whether truncation occurred.
type Result struct {
	Messages  []session.Message
	Truncated bool
}

// Assembler builds prompts under a token budget.
type Assembler struct {
	counter TokenCounter
}

func New(counter TokenCounter) *Assembler {
	return &Assembler{counter: counter}
}

// Assemble implements the algorithm in spec §4.8.
//
//  1. Leading system messages are always included verbatim.
//  2. History is walked newest-first, accumulating token counts, until the
//     next message would exceed budget-reservedForResponse.
//  3. Kept messages are restored to original order, then the new user turn
//     is appended.
//  4. If system messages plus the new user turn alone exceed budget, the
//     new user turn is truncated from its start and Truncated is set.
func (a *Assembler) Assemble(history []session.Message, newUserTurn string, budget, reservedForResponse int) Result {
	limit := budget - reservedForResponse
	if limit < 0 {
		limit = 0
	}

	leadingSystem, rest := splitLeadingSystem(history)

	systemTokens := 0
	for _, m := range leadingSystem {
		systemTokens += a.counter.Count(m.Content)
	}

	newTurnTokens := a.counter.Count(newUserTurn)

	// Case: even system + new turn alone exceed budget. Truncate the new
	// turn from the start; the tie-break exemption for the final user turn
	// means we shrink it rather than drop it.
	if systemTokens+newTurnTokens > limit {
		available := limit - systemTokens
		newUserTurn = truncateFromStart(newUserTurn, available, a.counter)
		msgs := append([]session.Message{}, leadingSystem...)
		msgs = append(msgs, session.Message{Role: session.RoleUser, Content: newUserTurn})
		return Result{Messages: msgs, Truncated: true}
	}

	// Walk newest-first accumulating whole messages (tie-break: drop whole
	// message at the boundary, not mid-message).
	used := systemTokens + newTurnTokens
	var kept []session.Message
	for i := len(rest) - 1; i >= 0; i-- {
		m := rest[i]
		t := a.counter.Count(m.Content)
		if used+t > limit {
			break
		}
		used += t
		kept = append([]session.Message{m}, kept...)
	}

	msgs := append([]session.Message{}, leadingSystem...)
	msgs = append(msgs, kept...)
	msgs = append(msgs, session.Message{Role: session.RoleUser, Content: newUserTurn})
	return Result{Messages: msgs, Truncated: false}
}

func splitLeadingSystem(history []session.Message) (leading, rest []session.Message) {
	i := 0
	for i < len(history) && history[i].Role == session.RoleSystem {
		i++
	}
	return history[:i], history[i:]
}

// truncateFromStart drops leading characters of text until it fits within
// maxTokens, as measured by counter. Linear in text length; adequate for
// the single-message case this is applied to.
func truncateFromStart(text string, maxTokens int, counter TokenCounter) string {
	if maxTokens <= 0 {
		return ""
	}
	if counter.Count(text) <= maxTokens {
		return text
	}
	words := strings.Fields(text)
	for len(words) > 0 {
		words = words[1:]
		candidate := strings.Join(words, " ")
		if counter.Count(candidate) <= maxTokens {
			return candidate
		}
	}
	return ""
}
