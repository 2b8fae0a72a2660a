// Package refbackend is a deterministic, in-process GenerationBackend
// (spec §4.5) used by tests and by the capi CLI. It has no native
// dependency: it counts tokens with internal/tokenizer and "generates" by
// echoing the prompt's whitespace-separated words, honoring max_new_tokens, stop
// strings, and cancellation exactly like a real backend would. Shaped after
// the synchronous on_token callback contract observed in
// other_examples/...-ollama__runner-apple-runner.go.go.
package refbackend

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/tiagoflino/capi/internal/engine"
	"github.com/tiagoflino/capi/internal/tokenizer"
)

type pipeline struct {
	modelID string
	device  string
	mu      sync.Mutex
	chat    string // current chat session id, empty if none
}

func (p *pipeline) ModelID() string { return p.modelID }

// Backend implements engine.Backend without any native dependency.
type Backend struct {
	tok *tokenizer.Tokenizer
}

// New constructs a reference backend using the shared default tokenizer.
func New() (*Backend, error) {
	tok, err := tokenizer.Default()
	if err != nil {
		return nil, fmt.Errorf("reference backend: initializing tokenizer: %w", err)
	}
	return &Backend{tok: tok}, nil
}

func (b *Backend) Open(_ context.Context, localPath, device string, _ engine.PipelineKind) (engine.Pipeline, error) {
	return &pipeline{modelID: localPath, device: device}, nil
}

type tokenizerAdapter struct{ tok *tokenizer.Tokenizer }

func (t tokenizerAdapter) Count(text string) int { return t.tok.Count(text) }

func (b *Backend) PipelineTokenizer(engine.Pipeline) engine.Tokenizer {
	return tokenizerAdapter{tok: b.tok}
}

// Generate echoes the prompt back, word by word, as a stand-in generation
// so the surrounding worker/context/http plumbing can be exercised without
// a real model. Stops on max_new_tokens, a stop-string suffix match, or
// onToken returning Stop.
func (b *Backend) Generate(ctx context.Context, _ engine.Pipeline, prompt string, params engine.Params, onToken engine.OnToken) (engine.PerfMetrics, error) {
	if err := params.Validate(); err != nil {
		return engine.PerfMetrics{}, err
	}

	words := strings.Fields(echoCompletion(prompt))
	metrics := engine.PerfMetrics{NumInputTokens: b.tok.Count(prompt)}

	var decoded strings.Builder
	emitted := 0
	start := time.Now()
	var firstTokenAt time.Time

	for i := 0; i < len(words) && i < params.MaxNewTokens; i++ {
		select {
		case <-ctx.Done():
			return finishMetrics(metrics, emitted, start, firstTokenAt), ctx.Err()
		default:
		}

		tok := words[i]
		if i > 0 {
			tok = " " + tok
		}

		// Check the stop-string suffix against the candidate decoded text
		// before this token is committed or handed to onToken (spec §4.5:
		// matched "after each token" means the token completing the match
		// never reaches the sink).
		if _, hit := matchesStop(decoded.String()+tok, params.Stop); hit {
			return finishMetrics(metrics, emitted, start, firstTokenAt), nil
		}

		decoded.WriteString(tok)

		if firstTokenAt.IsZero() {
			firstTokenAt = time.Now()
		}

		if onToken([]byte(tok)) == engine.Stop {
			return finishMetrics(metrics, emitted, start, firstTokenAt), nil
		}
		emitted++
	}

	return finishMetrics(metrics, emitted, start, firstTokenAt), nil
}

// finishMetrics fills in the output-side metrics. emitted counts the tokens
// onToken accepted, the same unit MaxNewTokens limits.
func finishMetrics(m engine.PerfMetrics, emitted int, start, firstTokenAt time.Time) engine.PerfMetrics {
	m.NumOutputTokens = emitted
	m.GenerateDurationMs = time.Since(start).Milliseconds()
	if !firstTokenAt.IsZero() {
		m.TTFTMs = firstTokenAt.Sub(start).Milliseconds()
	}
	if m.GenerateDurationMs > 0 && m.NumOutputTokens > 0 {
		m.ThroughputTPSMean = float64(m.NumOutputTokens) / (float64(m.GenerateDurationMs) / 1000.0)
	}
	return m
}

func matchesStop(decoded string, stops []string) (string, bool) {
	for _, s := range stops {
		if s != "" && strings.HasSuffix(decoded, s) {
			return s, true
		}
	}
	return "", false
}

// echoCompletion derives a deterministic "response" from a prompt so
// repeated runs and tests are reproducible.
func echoCompletion(prompt string) string {
	trimmed := strings.TrimSpace(prompt)
	if trimmed == "" {
		return "(empty prompt)"
	}
	return trimmed
}

func (b *Backend) Embed(_ context.Context, _ engine.Pipeline, inputs []string) ([][]float32, error) {
	out := make([][]float32, len(inputs))
	for i, in := range inputs {
		out[i] = hashEmbedding(in)
	}
	return out, nil
}

// hashEmbedding produces a small fixed-dimension deterministic vector from
// text, adequate for exercising the embeddings endpoint end to end.
func hashEmbedding(text string) []float32 {
	const dims = 8
	vec := make([]float32, dims)
	var h uint32 = 2166136261
	for i := 0; i < len(text); i++ {
		h ^= uint32(text[i])
		h *= 16777619
		vec[i%dims] += float32(h%1000) / 1000.0
	}
	return vec
}

func (b *Backend) StartChat(p engine.Pipeline, sessionID string) error {
	pp := p.(*pipeline)
	pp.mu.Lock()
	defer pp.mu.Unlock()
	pp.chat = sessionID
	return nil
}

func (b *Backend) FinishChat(p engine.Pipeline) error {
	pp := p.(*pipeline)
	pp.mu.Lock()
	defer pp.mu.Unlock()
	pp.chat = ""
	return nil
}

func (b *Backend) Dispose(engine.Pipeline) error { return nil }
