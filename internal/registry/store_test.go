package registry

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tiagoflino/capi/internal/apperr"
	"github.com/tiagoflino/capi/internal/logging"
)

func openTestManager(t *testing.T) *Manager {
	t.Helper()
	dir := t.TempDir()
	log := logging.NewLogrusAdapter(logrus.New())
	m, err := Open(filepath.Join(dir, "registry.db"), log)
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m
}

func testDescriptor(t *testing.T, id string) Descriptor {
	t.Helper()
	modelDir := t.TempDir()
	return Descriptor{
		ID:                   id,
		DisplayName:          id,
		LocalPath:            modelDir,
		QuantizationTag:      "Q4_K_M",
		Architecture:         "llama",
		ParameterCount:       "7B",
		SizeBytes:            4 << 30,
		EstimatedMemoryBytes: 5 << 30,
		SupportedDevices:     []string{"cpu", "gpu"},
		Available:            true,
		CreatedAt:            time.Now(),
	}
}

func TestInstallGetRemoveRoundTrip(t *testing.T) {
	m := openTestManager(t)
	d := testDescriptor(t, "model-a")

	require.NoError(t, m.Install(d))

	got, err := m.Get("model-a")
	require.NoError(t, err)
	assert.Equal(t, d.Architecture, got.Architecture)
	assert.Equal(t, d.SizeBytes, got.SizeBytes)
	assert.True(t, got.Available)

	require.NoError(t, m.Remove("model-a"))
	_, err = m.Get("model-a")
	require.Error(t, err)

	// reinstall after remove succeeds.
	require.NoError(t, m.Install(d))
	got, err = m.Get("model-a")
	require.NoError(t, err)
	assert.Equal(t, "model-a", got.ID)
}

func TestRemoveUnknownModelReturnsNotFound(t *testing.T) {
	m := openTestManager(t)
	err := m.Remove("does-not-exist")
	require.Error(t, err)
	var notFound *apperr.ModelNotFound
	assert.ErrorAs(t, err, &notFound)
}

func TestListOrdersByCreatedAtAscending(t *testing.T) {
	m := openTestManager(t)
	a := testDescriptor(t, "a")
	a.CreatedAt = time.Now().Add(-time.Hour)
	b := testDescriptor(t, "b")
	b.CreatedAt = time.Now()

	require.NoError(t, m.Install(b))
	require.NoError(t, m.Install(a))

	list, err := m.List()
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "a", list[0].ID)
	assert.Equal(t, "b", list[1].ID)
}

func TestReconcileMarksMissingPathUnavailableButKeepsIt(t *testing.T) {
	dir := t.TempDir()
	log := logging.NewLogrusAdapter(logrus.New())

	d := testDescriptor(t, "gone")
	missingDir := filepath.Join(t.TempDir(), "not-there")
	d.LocalPath = missingDir

	dbPath := filepath.Join(dir, "registry.db")
	m, err := Open(dbPath, log)
	require.NoError(t, err)
	require.NoError(t, m.Install(d))
	require.NoError(t, m.Close())

	// Reopening triggers reconcile() against the now-missing path.
	m2, err := Open(dbPath, log)
	require.NoError(t, err)
	defer m2.Close()

	got, err := m2.Get("gone")
	require.NoError(t, err)
	assert.False(t, got.Available)

	list, err := m2.List()
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestUpdateEstimate(t *testing.T) {
	m := openTestManager(t)
	d := testDescriptor(t, "model-a")
	require.NoError(t, m.Install(d))

	require.NoError(t, m.UpdateEstimate("model-a", 9<<30))
	got, err := m.Get("model-a")
	require.NoError(t, err)
	assert.Equal(t, uint64(9<<30), got.EstimatedMemoryBytes)

	err = m.UpdateEstimate("does-not-exist", 1)
	require.Error(t, err)
}
