package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tiagoflino/capi/internal/apperr"
	"github.com/tiagoflino/capi/internal/engine"
	"github.com/tiagoflino/capi/internal/session"
)

// handleChatCompletions implements POST /v1/chat/completions (spec §4.9).
func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBytes)

	var req chatCompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if req.Model == "" || len(req.Messages) == 0 {
		writeError(w, http.StatusBadRequest, "model and messages are required")
		return
	}

	cfg := s.cfg.Get()
	params := paramsFromChatRequest(req)
	if err := params.Validate(); err != nil {
		writeAppError(w, s.log, err)
		return
	}

	worker, err := s.manager.EnsureLoaded(r.Context(), req.Model, cfg.DevicePreference)
	if err != nil {
		writeAppError(w, s.log, err)
		return
	}

	history := make([]session.Message, 0, len(req.Messages)-1)
	for _, m := range req.Messages[:len(req.Messages)-1] {
		history = append(history, session.Message{Role: session.Role(m.Role), Content: m.Content})
	}
	newUserTurn := req.Messages[len(req.Messages)-1].Content

	assembled := newAssembler(worker.Tokenizer()).Assemble(history, newUserTurn, cfg.DefaultContextTokens, params.MaxNewTokens)
	prompt := renderPrompt(assembled.Messages)

	sessID, err := s.resolveSession(req.SessionID, req.Model, newUserTurn)
	if err != nil {
		writeAppError(w, s.log, err)
		return
	}

	job := engine.NewJob(uuid.NewString(), sessID, prompt, params, 64)
	if err := worker.Submit(job); err != nil {
		writeAppError(w, s.log, err)
		return
	}

	if req.Stream {
		s.streamChatCompletion(w, r, req.Model, sessID, job, assembled.Truncated)
		return
	}
	s.collectChatCompletion(w, req.Model, sessID, job, assembled.Truncated)
}

func paramsFromChatRequest(req chatCompletionRequest) engine.Params {
	p := engine.Params{
		Temperature:       1.0,
		TopP:              1.0,
		RepetitionPenalty: 1.0,
		MaxNewTokens:      256,
		Stop:              req.Stop,
	}
	if req.Temperature != nil {
		p.Temperature = *req.Temperature
	}
	if req.TopP != nil {
		p.TopP = *req.TopP
	}
	if req.TopK != nil {
		p.TopK = *req.TopK
	}
	if req.MaxTokens != nil {
		p.MaxNewTokens = *req.MaxTokens
	}
	if req.FrequencyPenalty != nil {
		p.FrequencyPenalty = *req.FrequencyPenalty
	}
	if req.PresencePenalty != nil {
		p.PresencePenalty = *req.PresencePenalty
	}
	p.Seed = req.Seed
	return p
}

// resolveSession implicitly creates a session when the caller doesn't
// supply one, and persists the new user turn before generation starts
// (spec §5: "HttpApi MUST persist the user turn before streaming starts").
func (s *Server) resolveSession(sessionID, modelID, userTurn string) (string, error) {
	if sessionID == "" {
		sess, err := s.sessions.CreateSession(modelID)
		if err != nil {
			return "", fmt.Errorf("creating session: %w", err)
		}
		sessionID = sess.ID
	} else if _, err := s.sessions.GetSession(sessionID); err != nil {
		return "", err
	}
	if _, err := s.sessions.AppendMessage(sessionID, session.RoleUser, userTurn); err != nil {
		return "", fmt.Errorf("persisting user turn: %w", err)
	}
	return sessionID, nil
}

func renderPrompt(messages []session.Message) string {
	var b strings.Builder
	for _, m := range messages {
		b.WriteString(string(m.Role))
		b.WriteString(": ")
		b.WriteString(m.Content)
		b.WriteString("\n")
	}
	b.WriteString("assistant: ")
	return b.String()
}

func (s *Server) collectChatCompletion(w http.ResponseWriter, model, sessionID string, job *engine.Job, truncated bool) {
	var content strings.Builder
	for tok := range job.Tokens {
		content.WriteString(string(tok))
	}
	result := <-job.Done

	finish := finishReason(result.Err, result.Metrics, job.Params.MaxNewTokens)

	if _, err := s.sessions.AppendMessage(sessionID, session.RoleAssistant, content.String()); err != nil {
		s.log.WithError(err).Warnf("persisting assistant turn for session %s", sessionID)
	}

	if result.Err != nil && !isBenignEnd(result.Err) {
		writeAppError(w, s.log, result.Err)
		return
	}

	resp := chatCompletionResponse{
		ID:        job.ID,
		Object:    "chat.completion",
		Created:   time.Now().Unix(),
		Model:     model,
		SessionID: sessionID,
		Choices: []chatChoice{{
			Index:        0,
			Message:      wireMessage{Role: "assistant", Content: content.String()},
			FinishReason: finish,
		}},
		Usage: usage{
			PromptTokens:     result.Metrics.NumInputTokens,
			CompletionTokens: result.Metrics.NumOutputTokens,
			TotalTokens:      result.Metrics.NumInputTokens + result.Metrics.NumOutputTokens,
			Truncated:        truncated,
		},
	}
	s.tracker.Record(model, result.Metrics)
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) streamChatCompletion(w http.ResponseWriter, r *http.Request, model, sessionID string, job *engine.Job, truncated bool) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	flush := func() {
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
	}

	var content strings.Builder
	created := time.Now().Unix()

streamLoop:
	for {
		select {
		case tok, ok := <-job.Tokens:
			if !ok {
				break streamLoop
			}
			content.Write(tok)
			writeSSE(w, chatCompletionChunk{
				ID: job.ID, Object: "chat.completion.chunk", Created: created, Model: model,
				Choices: []chunkChoice{{Index: 0, Delta: delta{Content: string(tok)}}},
			})
			flush()
		case <-r.Context().Done():
			job.Cancel()
			// Drain until the worker observes cancellation and closes Tokens
			// (spec §4.9: disconnect cancels within one token latency).
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
	u := usage{
		PromptTokens:     result.Metrics.NumInputTokens,
		CompletionTokens: result.Metrics.NumOutputTokens,
		TotalTokens:      result.Metrics.NumInputTokens + result.Metrics.NumOutputTokens,
		Truncated:        truncated,
	}
	writeSSE(w, chatCompletionChunk{
		ID: job.ID, Object: "chat.completion.chunk", Created: created, Model: model,
		Choices: []chunkChoice{{Index: 0, Delta: delta{}, FinishReason: &finish}},
		Usage:   &u,
	})
	fmt.Fprint(w, "data: [DONE]\n\n")
	flush()

	if _, err := s.sessions.AppendMessage(sessionID, session.RoleAssistant, content.String()); err != nil {
		s.log.WithError(err).Warnf("persisting assistant turn for session %s", sessionID)
	}
	s.tracker.Record(model, result.Metrics)
}

func writeSSE(w http.ResponseWriter, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
}

func isBenignEnd(err error) bool {
	if err == nil {
		return true
	}
	_, ok := err.(*apperr.Cancelled)
	return ok
}

func finishReason(err error, m engine.PerfMetrics, maxNewTokens int) string {
	switch err.(type) {
	case *apperr.Cancelled:
		return "cancelled"
	}
	if err != nil {
		return "error"
	}
	if m.NumOutputTokens >= maxNewTokens {
		return "length"
	}
	return "stop"
}
