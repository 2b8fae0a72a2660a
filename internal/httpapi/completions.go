package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tiagoflino/capi/internal/engine"
)

// handleCompletions implements POST /v1/completions (spec §4.9): same
// plumbing as chat completions with a raw prompt instead of a message
// list, and no session persistence (legacy shape, not conversational).
func (s *Server) handleCompletions(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBytes)

	var req completionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if req.Model == "" || req.Prompt == "" {
		writeError(w, http.StatusBadRequest, "model and prompt are required")
		return
	}

	cfg := s.cfg.Get()
	params := engine.Params{
		Temperature:       1.0,
		TopP:              1.0,
		RepetitionPenalty: 1.0,
		MaxNewTokens:      256,
		Stop:              req.Stop,
		Seed:              req.Seed,
	}
	if req.Temperature != nil {
		params.Temperature = *req.Temperature
	}
	if req.TopP != nil {
		params.TopP = *req.TopP
	}
	if req.TopK != nil {
		params.TopK = *req.TopK
	}
	if req.MaxTokens != nil {
		params.MaxNewTokens = *req.MaxTokens
	}
	if req.FrequencyPenalty != nil {
		params.FrequencyPenalty = *req.FrequencyPenalty
	}
	if req.PresencePenalty != nil {
		params.PresencePenalty = *req.PresencePenalty
	}
	if err := params.Validate(); err != nil {
		writeAppError(w, s.log, err)
		return
	}

	worker, err := s.manager.EnsureLoaded(r.Context(), req.Model, cfg.DevicePreference)
	if err != nil {
		writeAppError(w, s.log, err)
		return
	}

	job := engine.NewJob(uuid.NewString(), "", req.Prompt, params, 64)
	if err := worker.Submit(job); err != nil {
		writeAppError(w, s.log, err)
		return
	}

	if req.Stream {
		s.streamCompletion(w, r, req.Model, job)
		return
	}
	s.collectCompletion(w, req.Model, job)
}

func (s *Server) collectCompletion(w http.ResponseWriter, model string, job *engine.Job) {
	var text strings.Builder
	for tok := range job.Tokens {
		text.WriteString(string(tok))
	}
	result := <-job.Done

	if result.Err != nil && !isBenignEnd(result.Err) {
		writeAppError(w, s.log, result.Err)
		return
	}

	finish := finishReason(result.Err, result.Metrics, job.Params.MaxNewTokens)
	resp := completionResponse{
		ID:      job.ID,
		Object:  "text_completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []textChoice{{Index: 0, Text: text.String(), FinishReason: finish}},
		Usage: usage{
			PromptTokens:     result.Metrics.NumInputTokens,
			CompletionTokens: result.Metrics.NumOutputTokens,
			TotalTokens:      result.Metrics.NumInputTokens + result.Metrics.NumOutputTokens,
		},
	}
	s.tracker.Record(model, result.Metrics)
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) streamCompletion(w http.ResponseWriter, r *http.Request, model string, job *engine.Job) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	flush := func() {
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
	}
	created := time.Now().Unix()

streamLoop:
	for {
		select {
		case tok, ok := <-job.Tokens:
			if !ok {
				break streamLoop
			}
			writeSSE(w, completionChunk{
				ID: job.ID, Object: "text_completion.chunk", Created: created, Model: model,
				Choices: []textChunkChoice{{Index: 0, Text: string(tok)}},
			})
			flush()
		case <-r.Context().Done():
			job.Cancel()
			for range job.Tokens {
			}
			break streamLoop
		}
	}

	result := <-job.Done
	if result.Err != nil && !isBenignEnd(result.Err) {
		var errFrame streamErrorFrame
		errFrame.Error.Message = result.Err.Error()
		writeSSE(w, errFrame)
		flush()
		return
	}

	finish := finishReason(result.Err, result.Metrics, job.Params.MaxNewTokens)
	writeSSE(w, completionChunk{
		ID: job.ID, Object: "text_completion.chunk", Created: created, Model: model,
		Choices: []textChunkChoice{{Index: 0, Text: "", FinishReason: &finish}},
	})
	fmt.Fprint(w, "data: [DONE]\n\n")
	flush()
	s.tracker.Record(model, result.Metrics)
}
