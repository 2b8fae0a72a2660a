package httpapi

import (
	"errors"
	"net/http"

	"github.com/tiagoflino/capi/internal/apperr"
)

type sessionObject struct {
	ID        string `json:"id"`
	ModelID   string `json:"model_id"`
	CreatedAt int64  `json:"created_at"`
	UpdatedAt int64  `json:"updated_at"`
}

type messageObject struct {
	Sequence  int64  `json:"sequence"`
	Role      string `json:"role"`
	Content   string `json:"content"`
	CreatedAt int64  `json:"created_at"`
}

// handleListSessions implements GET /v1/sessions (supplemental, §4.9).
func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.sessions.ListSessions()
	if err != nil {
		writeAppError(w, s.log, err)
		return
	}
	out := make([]sessionObject, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, sessionObject{
			ID: sess.ID, ModelID: sess.ModelID,
			CreatedAt: sess.CreatedAt.Unix(), UpdatedAt: sess.UpdatedAt.Unix(),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// handleGetSessionMessages implements GET /v1/sessions/{id}/messages.
func (s *Server) handleGetSessionMessages(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.sessions.GetSession(id); err != nil {
		var unknown *apperr.InvalidRequest
		if errors.As(err, &unknown) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeAppError(w, s.log, err)
		return
	}
	msgs, err := s.sessions.GetMessages(id)
	if err != nil {
		writeAppError(w, s.log, err)
		return
	}
	out := make([]messageObject, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, messageObject{
			Sequence: m.Sequence, Role: string(m.Role), Content: m.Content, CreatedAt: m.CreatedAt.Unix(),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// handleDeleteSession implements DELETE /v1/sessions/{id}.
func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.sessions.DeleteSession(id); err != nil {
		writeAppError(w, s.log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
