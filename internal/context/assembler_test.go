package context

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tiagoflino/capi/internal/session"
)

type wordCounter struct{}

func (wordCounter) Count(text string) int {
	if strings.TrimSpace(text) == "" {
		return 0
	}
	return len(strings.Fields(text))
}

func msg(role session.Role, content string) session.Message {
	return session.Message{Role: role, Content: content}
}

func TestAssembleKeepsLeadingSystemAndNewTurn(t *testing.T) {
	a := New(wordCounter{})
	history := []session.Message{
		msg(session.RoleSystem, "you are a helpful assistant"),
		msg(session.RoleUser, "hi"),
		msg(session.RoleAssistant, "hello there"),
	}

	res := a.Assemble(history, "what is the weather", 100, 0)

	require.False(t, res.Truncated)
	require.Len(t, res.Messages, 4)
	assert.Equal(t, session.RoleSystem, res.Messages[0].Role)
	assert.Equal(t, "what is the weather", res.Messages[len(res.Messages)-1].Content)
}

func TestAssembleDropsWholeMessagesAtBoundary(t *testing.T) {
	a := New(wordCounter{})
	history := []session.Message{
		msg(session.RoleUser, "one two three four five"),  // 5 tokens, oldest
		msg(session.RoleAssistant, "six seven eight nine"), // 4 tokens
		msg(session.RoleUser, "ten eleven"),                // 2 tokens, newest
	}
	newTurn := "twelve" // 1 token

	// budget=8: new turn(1) + newest history msg(2) = 3, + next msg(4) = 7 fits,
	// + oldest msg(5) = 12 exceeds -> oldest dropped whole.
	res := a.Assemble(history, newTurn, 8, 0)

	require.False(t, res.Truncated)
	var contents []string
	for _, m := range res.Messages {
		contents = append(contents, m.Content)
	}
	assert.NotContains(t, contents, "one two three four five")
	assert.Contains(t, contents, "six seven eight nine")
	assert.Contains(t, contents, "ten eleven")
	assert.Equal(t, "twelve", contents[len(contents)-1])
}

func TestAssembleTruncatesFinalUserTurnWhenSystemAlonePinsBudget(t *testing.T) {
	a := New(wordCounter{})
	history := []session.Message{
		msg(session.RoleSystem, "a b c d e"), // 5 tokens
	}
	newTurn := "one two three four five six seven eight" // 8 tokens

	res := a.Assemble(history, newTurn, 7, 0)

	require.True(t, res.Truncated)
	last := res.Messages[len(res.Messages)-1]
	assert.Equal(t, session.RoleUser, last.Role)
	assert.LessOrEqual(t, wordCounter{}.Count(last.Content), 2)
}

func TestAssembleReservesResponseBudget(t *testing.T) {
	a := New(wordCounter{})
	history := []session.Message{
		msg(session.RoleUser, "a b c d e f g h"),
	}
	res := a.Assemble(history, "new", 10, 8)

	// limit = 10-8 = 2; "new" alone is 1 token, history message (8 tokens)
	// cannot fit, so only the new turn survives.
	require.Len(t, res.Messages, 1)
	assert.Equal(t, "new", res.Messages[0].Content)
}

func TestSplitLeadingSystem(t *testing.T) {
	history := []session.Message{
		msg(session.RoleSystem, "s1"),
		msg(session.RoleSystem, "s2"),
		msg(session.RoleUser, "u1"),
		msg(session.RoleSystem, "s3"), // not leading, comes after a user turn
	}
	leading, rest := splitLeadingSystem(history)
	require.Len(t, leading, 2)
	require.Len(t, rest, 2)
	assert.Equal(t, "u1", rest[0].Content)
	assert.Equal(t, "s3", rest[1].Content)
}
