package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/tiagoflino/capi/internal/apperr"
)

// handleEmbeddings implements POST /v1/embeddings (spec §4.9): requires a
// loaded embedding-capable pipeline (a backend may report Unsupported, per
// spec.md §4.9, which surfaces here as GenerationFailed).
func (s *Server) handleEmbeddings(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBytes)

	var req embeddingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if req.Model == "" || len(req.Input) == 0 {
		writeError(w, http.StatusBadRequest, "model and input are required")
		return
	}

	if _, err := s.registry.Get(req.Model); err != nil {
		writeAppError(w, s.log, err)
		return
	}

	cfg := s.cfg.Get()
	worker, err := s.manager.EnsureEmbeddingLoaded(r.Context(), req.Model, cfg.DevicePreference)
	if err != nil {
		writeAppError(w, s.log, err)
		return
	}

	vectors, err := worker.Embed(r.Context(), req.Input)
	if err != nil {
		writeAppError(w, s.log, &apperr.GenerationFailed{Underlying: err})
		return
	}

	tok := worker.Tokenizer()
	inputTokens := 0
	for _, in := range req.Input {
		inputTokens += tok.Count(in)
	}

	data := make([]embeddingData, len(vectors))
	for i, v := range vectors {
		data[i] = embeddingData{Object: "embedding", Embedding: v, Index: i}
	}

	writeJSON(w, http.StatusOK, embeddingResponse{
		Object: "list",
		Data:   data,
		Model:  req.Model,
		Usage:  usage{PromptTokens: inputTokens, TotalTokens: inputTokens},
	})
}
