package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tiagoflino/capi/internal/config"
	"github.com/tiagoflino/capi/internal/engine"
	"github.com/tiagoflino/capi/internal/engine/refbackend"
	"github.com/tiagoflino/capi/internal/hardware"
	"github.com/tiagoflino/capi/internal/logging"
	"github.com/tiagoflino/capi/internal/registry"
	"github.com/tiagoflino/capi/internal/resource"
	"github.com/tiagoflino/capi/internal/session"
	"github.com/tiagoflino/capi/internal/telemetry"
)

// testServer wires a Server against the reference backend and a static
// single-CPU-device probe, mirroring how cmd/capi wires a production one.
func testServer(t *testing.T) (*Server, *registry.Manager) {
	t.Helper()
	log := logging.NewLogrusAdapter(logrus.New())
	dir := t.TempDir()

	reg, err := registry.Open(filepath.Join(dir, "registry.db"), log)
	require.NoError(t, err)
	t.Cleanup(func() { reg.Close() })

	sessions, err := session.Open(filepath.Join(dir, "sessions.db"))
	require.NoError(t, err)
	t.Cleanup(func() { sessions.Close() })

	probe := hardware.NewStatic([]hardware.Device{
		{Name: "cpu", Kind: hardware.KindCPU, Available: true, TotalMemoryBytes: 16 << 30, AvailableMemoryBytes: 16 << 30},
	})
	admitter := resource.New(probe)

	backend, err := refbackend.New()
	require.NoError(t, err)

	manager := engine.NewManager(backend, probe, admitter, reg, log, config.ModeStrict, 0)
	t.Cleanup(manager.Shutdown)

	cfgStore, err := config.Load(dir)
	require.NoError(t, err)

	tracker := telemetry.NewTracker(log)

	return New(manager, reg, sessions, tracker, cfgStore, log), reg
}

func installModel(t *testing.T, reg *registry.Manager, id string) {
	t.Helper()
	require.NoError(t, reg.Install(registry.Descriptor{
		ID:                   id,
		DisplayName:          id,
		LocalPath:            t.TempDir(),
		QuantizationTag:      "Q4_K_M",
		Architecture:         "llama",
		ParameterCount:       "7B",
		SizeBytes:            1 << 20,
		EstimatedMemoryBytes: 1 << 20,
		Available:            true,
		CreatedAt:            time.Now(),
	}))
}

func doJSON(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r *http.Request
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		r = httptest.NewRequest(method, path, bytes.NewReader(data))
	} else {
		r = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, r)
	return rec
}

func TestChatCompletionsNonStreaming(t *testing.T) {
	s, reg := testServer(t)
	installModel(t, reg, "model-a")

	rec := doJSON(t, s, http.MethodPost, "/v1/chat/completions", map[string]any{
		"model":    "model-a",
		"messages": []map[string]string{{"role": "user", "content": "hello there"}},
	})

	require.Equal(t, http.StatusOK, rec.Code)
	var resp chatCompletionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Choices, 1)
	assert.Contains(t, resp.Choices[0].Message.Content, "hello")
	assert.Contains(t, resp.Choices[0].Message.Content, "there")
	assert.Equal(t, "stop", resp.Choices[0].FinishReason)
	assert.NotEmpty(t, resp.SessionID)
}

func TestChatCompletionsPersistsUserTurnBeforeStreaming(t *testing.T) {
	s, reg := testServer(t)
	installModel(t, reg, "model-a")

	rec := doJSON(t, s, http.MethodPost, "/v1/chat/completions", map[string]any{
		"model":    "model-a",
		"messages": []map[string]string{{"role": "user", "content": "hello there"}},
		"stream":   true,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "data: ")
	assert.Contains(t, rec.Body.String(), "[DONE]")

	list, err := s.sessions.ListSessions()
	require.NoError(t, err)
	require.Len(t, list, 1)

	msgs, err := s.sessions.GetMessages(list[0].ID)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(msgs), 1)
	assert.Equal(t, session.RoleUser, msgs[0].Role)
	assert.Equal(t, "hello there", msgs[0].Content)
}

func TestChatCompletionsMaxTokensTruncatesAndReportsLength(t *testing.T) {
	s, reg := testServer(t)
	installModel(t, reg, "model-a")

	maxTokens := 2
	rec := doJSON(t, s, http.MethodPost, "/v1/chat/completions", map[string]any{
		"model":      "model-a",
		"messages":   []map[string]string{{"role": "user", "content": "one two three four five"}},
		"max_tokens": maxTokens,
	})

	require.Equal(t, http.StatusOK, rec.Code)
	var resp chatCompletionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "length", resp.Choices[0].FinishReason)
	assert.LessOrEqual(t, len(strings.Fields(resp.Choices[0].Message.Content)), maxTokens)
}

func TestChatCompletionsRejectsMissingFields(t *testing.T) {
	s, _ := testServer(t)
	rec := doJSON(t, s, http.MethodPost, "/v1/chat/completions", map[string]any{"model": "model-a"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestChatCompletionsUnknownModelReturnsNotFound(t *testing.T) {
	s, _ := testServer(t)
	rec := doJSON(t, s, http.MethodPost, "/v1/chat/completions", map[string]any{
		"model":    "does-not-exist",
		"messages": []map[string]string{{"role": "user", "content": "hi"}},
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestChatCompletionsStopStringTruncatesStream(t *testing.T) {
	s, reg := testServer(t)
	installModel(t, reg, "model-a")

	rec := doJSON(t, s, http.MethodPost, "/v1/chat/completions", map[string]any{
		"model":    "model-a",
		"messages": []map[string]string{{"role": "user", "content": "alpha beta gamma delta"}},
		"stop":     []string{"beta"},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var resp chatCompletionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Contains(t, resp.Choices[0].Message.Content, "alpha")
	assert.NotContains(t, resp.Choices[0].Message.Content, "gamma")
	assert.NotContains(t, resp.Choices[0].Message.Content, "delta")
}

func TestCompletionsNonStreaming(t *testing.T) {
	s, reg := testServer(t)
	installModel(t, reg, "model-a")

	rec := doJSON(t, s, http.MethodPost, "/v1/completions", map[string]any{
		"model":  "model-a",
		"prompt": "once upon a time",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var resp completionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "once upon a time", resp.Choices[0].Text)
}

func TestEmbeddingsAcceptsSingleStringInput(t *testing.T) {
	s, reg := testServer(t)
	installModel(t, reg, "model-a")

	rec := doJSON(t, s, http.MethodPost, "/v1/embeddings", map[string]any{
		"model": "model-a",
		"input": "hello world",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var resp embeddingResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Data, 1)
	assert.NotEmpty(t, resp.Data[0].Embedding)
}

func TestEmbeddingsAcceptsArrayInput(t *testing.T) {
	s, reg := testServer(t)
	installModel(t, reg, "model-a")

	rec := doJSON(t, s, http.MethodPost, "/v1/embeddings", map[string]any{
		"model": "model-a",
		"input": []string{"a", "b", "c"},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var resp embeddingResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Len(t, resp.Data, 3)
}

func TestListModels(t *testing.T) {
	s, reg := testServer(t)
	installModel(t, reg, "model-a")
	installModel(t, reg, "model-b")

	rec := doJSON(t, s, http.MethodGet, "/v1/models", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp modelsListResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Len(t, resp.Data, 2)
}

func TestGetModelUnknownReturns404(t *testing.T) {
	s, _ := testServer(t)
	rec := doJSON(t, s, http.MethodGet, "/v1/models/does-not-exist", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStatusReflectsLoadedModels(t *testing.T) {
	s, reg := testServer(t)
	installModel(t, reg, "model-a")

	rec := doJSON(t, s, http.MethodPost, "/v1/completions", map[string]any{"model": "model-a", "prompt": "hi"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, s, http.MethodGet, "/api/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Loaded []loadedModelObject `json:"loaded"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Loaded, 1)
	assert.Equal(t, "model-a", body.Loaded[0].ModelID)
}

func TestUnloadModel(t *testing.T) {
	s, reg := testServer(t)
	installModel(t, reg, "model-a")
	rec := doJSON(t, s, http.MethodPost, "/v1/completions", map[string]any{"model": "model-a", "prompt": "hi"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, s, http.MethodPost, "/api/unload", map[string]any{"model": "model-a"})
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = doJSON(t, s, http.MethodGet, "/api/status", nil)
	var body struct {
		Loaded []loadedModelObject `json:"loaded"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Empty(t, body.Loaded)
}

func TestMetricsRecordsCompletionUsage(t *testing.T) {
	s, reg := testServer(t)
	installModel(t, reg, "model-a")

	rec := doJSON(t, s, http.MethodPost, "/v1/completions", map[string]any{"model": "model-a", "prompt": "alpha beta"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, s, http.MethodGet, "/api/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var snap map[string]telemetry.ModelStats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	require.Contains(t, snap, "model-a")
	assert.Equal(t, int64(1), snap["model-a"].RequestCount)
}

func TestSessionsListAndMessagesAndDelete(t *testing.T) {
	s, reg := testServer(t)
	installModel(t, reg, "model-a")

	rec := doJSON(t, s, http.MethodPost, "/v1/chat/completions", map[string]any{
		"model":    "model-a",
		"messages": []map[string]string{{"role": "user", "content": "hi"}},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var resp chatCompletionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))

	rec = doJSON(t, s, http.MethodGet, "/v1/sessions", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var sessions []sessionObject
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sessions))
	require.Len(t, sessions, 1)
	assert.Equal(t, resp.SessionID, sessions[0].ID)

	rec = doJSON(t, s, http.MethodGet, "/v1/sessions/"+resp.SessionID+"/messages", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var msgs []messageObject
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &msgs))
	require.Len(t, msgs, 2) // user turn + assistant reply

	rec = doJSON(t, s, http.MethodDelete, "/v1/sessions/"+resp.SessionID, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = doJSON(t, s, http.MethodGet, "/v1/sessions/"+resp.SessionID+"/messages", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestChatCompletionsStreamingDisconnectCancelsGeneration(t *testing.T) {
	s, reg := testServer(t)
	installModel(t, reg, "model-a")

	longPrompt := strings.Repeat("word ", 2000)
	ctx, cancel := context.WithCancel(context.Background())

	body, err := json.Marshal(map[string]any{
		"model":    "model-a",
		"messages": []map[string]string{{"role": "user", "content": longPrompt}},
		"stream":   true,
	})
	require.NoError(t, err)
	r := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", bytes.NewReader(body)).WithContext(ctx)
	rec := httptest.NewRecorder()

	// Cancelling immediately exercises the disconnect path in
	// streamChatCompletion; the handler must still return instead of
	// blocking forever on job.Tokens.
	cancel()
	done := make(chan struct{})
	go func() {
		s.ServeHTTP(rec, r)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("handler did not return after client disconnect")
	}
}
