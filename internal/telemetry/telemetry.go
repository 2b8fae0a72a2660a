// Package telemetry implements Telemetry (spec §4.10): per-request
// metrics aggregation exposed over HTTP. Restructured from the teacher's
// pkg/metrics.Tracker (a Docker Hub pull-usage reporter keyed by image
// tag) into a PerfMetrics aggregator keyed by model id, since this spec
// has no remote registry to report pulls against.
package telemetry

import (
	"sync"

	"github.com/tiagoflino/capi/internal/engine"
	"github.com/tiagoflino/capi/internal/logging"
)

// ModelStats is the rolling aggregate published for one model.
type ModelStats struct {
	RequestCount      int64   `json:"request_count"`
	MeanTTFTMs        float64 `json:"mean_ttft_ms"`
	MeanThroughputTPS float64 `json:"mean_throughput_tps"`
	TotalInputTokens   int64  `json:"total_input_tokens"`
	TotalOutputTokens  int64  `json:"total_output_tokens"`
}

// Tracker aggregates PerfMetrics per model id.
type Tracker struct {
	log logging.Logger

	mu    sync.Mutex
	stats map[string]*ModelStats
}

func NewTracker(log logging.Logger) *Tracker {
	return &Tracker{log: log, stats: make(map[string]*ModelStats)}
}

// Record folds one completed job's metrics into the running aggregate for
// modelID, using an incremental mean so the tracker never needs to retain
// per-request history.
func (t *Tracker) Record(modelID string, m engine.PerfMetrics) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.stats[modelID]
	if !ok {
		s = &ModelStats{}
		t.stats[modelID] = s
	}

	n := float64(s.RequestCount)
	s.MeanTTFTMs = (s.MeanTTFTMs*n + float64(m.TTFTMs)) / (n + 1)
	s.MeanThroughputTPS = (s.MeanThroughputTPS*n + m.ThroughputTPSMean) / (n + 1)
	s.RequestCount++
	s.TotalInputTokens += int64(m.NumInputTokens)
	s.TotalOutputTokens += int64(m.NumOutputTokens)

	t.log.WithField("model", modelID).Debugf(
		"recorded job: ttft=%dms throughput=%.2ftps output_tokens=%d",
		m.TTFTMs, m.ThroughputTPSMean, m.NumOutputTokens,
	)
}

// Snapshot returns a copy of all tracked models' stats, safe to serialize
// directly for GET /api/metrics.
func (t *Tracker) Snapshot() map[string]ModelStats {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make(map[string]ModelStats, len(t.stats))
	for id, s := range t.stats {
		out[id] = *s
	}
	return out
}
