package telemetry

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"

	"github.com/tiagoflino/capi/internal/engine"
	"github.com/tiagoflino/capi/internal/logging"
)

func newTestTracker() *Tracker {
	return NewTracker(logging.NewLogrusAdapter(logrus.New()))
}

func TestRecordAccumulatesIncrementalMean(t *testing.T) {
	tr := newTestTracker()

	tr.Record("model-a", engine.PerfMetrics{TTFTMs: 100, ThroughputTPSMean: 10, NumInputTokens: 5, NumOutputTokens: 20})
	tr.Record("model-a", engine.PerfMetrics{TTFTMs: 200, ThroughputTPSMean: 20, NumInputTokens: 7, NumOutputTokens: 30})

	snap := tr.Snapshot()
	s, ok := snap["model-a"]
	assert.True(t, ok)
	assert.Equal(t, int64(2), s.RequestCount)
	assert.InDelta(t, 150, s.MeanTTFTMs, 0.001)
	assert.InDelta(t, 15, s.MeanThroughputTPS, 0.001)
	assert.Equal(t, int64(12), s.TotalInputTokens)
	assert.Equal(t, int64(50), s.TotalOutputTokens)
}

func TestRecordKeepsModelsSeparate(t *testing.T) {
	tr := newTestTracker()

	tr.Record("model-a", engine.PerfMetrics{TTFTMs: 100, ThroughputTPSMean: 10})
	tr.Record("model-b", engine.PerfMetrics{TTFTMs: 400, ThroughputTPSMean: 40})

	snap := tr.Snapshot()
	assert.Equal(t, int64(1), snap["model-a"].RequestCount)
	assert.Equal(t, int64(1), snap["model-b"].RequestCount)
	assert.InDelta(t, 100, snap["model-a"].MeanTTFTMs, 0.001)
	assert.InDelta(t, 400, snap["model-b"].MeanTTFTMs, 0.001)
}

func TestSnapshotReturnsASafeCopy(t *testing.T) {
	tr := newTestTracker()
	tr.Record("model-a", engine.PerfMetrics{TTFTMs: 100})

	snap := tr.Snapshot()
	entry := snap["model-a"]
	entry.RequestCount = 999 // mutating the returned copy must not affect the tracker

	again := tr.Snapshot()
	assert.Equal(t, int64(1), again["model-a"].RequestCount)
}

func TestSnapshotOfEmptyTrackerIsEmptyNotNil(t *testing.T) {
	tr := newTestTracker()
	snap := tr.Snapshot()
	assert.NotNil(t, snap)
	assert.Empty(t, snap)
}
