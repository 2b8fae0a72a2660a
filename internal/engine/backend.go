// Package engine implements the generation core: GenerationBackend (§4.5),
// InferenceWorker (§4.6), and EngineManager (§4.7). Shaped after the
// in-process, callback-driven runner in the Apple Foundation Model backend
// (other_examples/...-ollama__runner-apple-runner.go.go: Completion(ctx,
// req, fn func(CompletionResponse)) error) rather than the teacher's own
// subprocess-plus-reverse-proxy backends, since the spec requires an
// in-process blocking call bridged to an async sink (spec §9).
package engine

import (
	"context"
	"time"

	"github.com/tiagoflino/capi/internal/apperr"
)

// PipelineKind distinguishes text-generation pipelines from
// embedding-only ones (spec §9 Open Question, resolved in DESIGN.md:
// GenerationBackend.Open takes a PipelineKind rather than a second
// manager type).
type PipelineKind string

const (
	KindCompletion PipelineKind = "completion"
	KindEmbedding  PipelineKind = "embedding"
)

// Decision a token callback returns.
type TokenDecision int

const (
	Continue TokenDecision = iota
	Stop
)

// Pipeline is an opaque, backend-owned handle to an opened model instance
// bound to a device (the GLOSSARY's "Pipeline").
type Pipeline interface {
	// ModelID identifies the underlying model for logging/metrics.
	ModelID() string
}

// Tokenizer is the tokenization object paired with a Pipeline.
type Tokenizer interface {
	Count(text string) int
}

// Params are GenerateJob's generation parameters (spec §3).
type Params struct {
	MaxNewTokens      int
	Temperature       float64
	TopP              float64
	TopK              int
	Stop              []string
	FrequencyPenalty  float64
	PresencePenalty   float64
	RepetitionPenalty float64
	Seed              *int64
}

// Validate enforces the numeric contracts in spec §4.5.
func (p Params) Validate() error {
	switch {
	case p.Temperature < 0:
		return &apperr.InvalidRequest{Field: "temperature", Reason: "must be >= 0"}
	case p.TopP <= 0 || p.TopP > 1:
		return &apperr.InvalidRequest{Field: "top_p", Reason: "must satisfy 0 < top_p <= 1"}
	case p.TopK < 0:
		return &apperr.InvalidRequest{Field: "top_k", Reason: "must be >= 0"}
	case p.MaxNewTokens < 1:
		return &apperr.InvalidRequest{Field: "max_new_tokens", Reason: "must be >= 1"}
	}
	return nil
}

// PerfMetrics is spec §3's PerfMetrics.
type PerfMetrics struct {
	LoadTimeMs        *int64
	NumInputTokens    int
	NumOutputTokens   int
	TTFTMs            int64
	ThroughputTPSMean float64
	ThroughputTPSStd  float64
	GenerateDurationMs int64
}

// OnToken is invoked synchronously on the backend's calling goroutine for
// each generated token.
type OnToken func(token []byte) TokenDecision

// Backend is the GenerationBackend capability (spec §4.5). Implementers
// may block open() for seconds to minutes and generate() until
// completion, a stop condition, or cancellation; the worker is
// responsible for crossing to an asynchronous sink.
type Backend interface {
	// Open loads a model artifact at localPath onto device, returning a
	// Pipeline. May block for a long time; callers should run it off the
	// request path.
	Open(ctx context.Context, localPath, device string, kind PipelineKind) (Pipeline, error)

	// PipelineTokenizer returns the tokenizer paired with pipeline.
	PipelineTokenizer(pipeline Pipeline) Tokenizer

	// Generate blocks until completion, a stop string match, or
	// cancellation (onToken returning Stop). Returns PerfMetrics
	// describing the run.
	Generate(ctx context.Context, pipeline Pipeline, prompt string, params Params, onToken OnToken) (PerfMetrics, error)

	// Embed computes embeddings for input texts against an
	// embedding-kind pipeline.
	Embed(ctx context.Context, pipeline Pipeline, inputs []string) ([][]float32, error)

	// StartChat/FinishChat open and close a stateful chat context so the
	// backend can reuse KV cache across turns within a session.
	StartChat(pipeline Pipeline, sessionID string) error
	FinishChat(pipeline Pipeline) error

	// Dispose releases all resources held by pipeline.
	Dispose(pipeline Pipeline) error
}

// stallTimeout is the token-sink overflow window after which a job aborts
// as SinkStalled (spec §4.6).
const stallTimeout = 5 * time.Second
