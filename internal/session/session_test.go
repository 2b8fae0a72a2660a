package session

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tiagoflino/capi/internal/apperr"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "sessions.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateAndGetSession(t *testing.T) {
	s := openTestStore(t)

	sess, err := s.CreateSession("model-a")
	require.NoError(t, err)
	assert.NotEmpty(t, sess.ID)
	assert.Equal(t, "model-a", sess.ModelID)

	got, err := s.GetSession(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, sess.ID, got.ID)
}

func TestGetSessionUnknownReturnsInvalidRequest(t *testing.T) {
	s := openTestStore(t)
	_, err := s.GetSession("does-not-exist")
	require.Error(t, err)
	var invalid *apperr.InvalidRequest
	assert.ErrorAs(t, err, &invalid)
}

func TestAppendMessageSequenceIsMonotonic(t *testing.T) {
	s := openTestStore(t)
	sess, err := s.CreateSession("model-a")
	require.NoError(t, err)

	m1, err := s.AppendMessage(sess.ID, RoleUser, "hello")
	require.NoError(t, err)
	m2, err := s.AppendMessage(sess.ID, RoleAssistant, "hi there")
	require.NoError(t, err)
	m3, err := s.AppendMessage(sess.ID, RoleUser, "how are you")
	require.NoError(t, err)

	assert.Equal(t, int64(0), m1.Sequence)
	assert.Equal(t, int64(1), m2.Sequence)
	assert.Equal(t, int64(2), m3.Sequence)

	msgs, err := s.GetMessages(sess.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	for i, m := range msgs {
		assert.Equal(t, int64(i), m.Sequence)
	}
}

func TestAppendMessageUnknownSessionFails(t *testing.T) {
	s := openTestStore(t)
	_, err := s.AppendMessage("bogus", RoleUser, "hi")
	require.Error(t, err)
}

func TestDeleteSessionCascadesMessages(t *testing.T) {
	s := openTestStore(t)
	sess, err := s.CreateSession("model-a")
	require.NoError(t, err)
	_, err = s.AppendMessage(sess.ID, RoleUser, "hello")
	require.NoError(t, err)

	require.NoError(t, s.DeleteSession(sess.ID))

	_, err = s.GetSession(sess.ID)
	require.Error(t, err)

	msgs, err := s.GetMessages(sess.ID)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestListSessionsOrderedByUpdatedDesc(t *testing.T) {
	s := openTestStore(t)
	first, err := s.CreateSession("model-a")
	require.NoError(t, err)
	second, err := s.CreateSession("model-b")
	require.NoError(t, err)

	// Touch first after second so it sorts to the front.
	_, err = s.AppendMessage(first.ID, RoleUser, "bump")
	require.NoError(t, err)

	list, err := s.ListSessions()
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, first.ID, list[0].ID)
	assert.Equal(t, second.ID, list[1].ID)
}
