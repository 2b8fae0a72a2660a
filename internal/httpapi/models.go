package httpapi

import (
	"net/http"

	"github.com/tiagoflino/capi/internal/registry"
)

// handleListModels implements GET /v1/models (spec §4.9).
func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	descs, err := s.registry.List()
	if err != nil {
		writeAppError(w, s.log, err)
		return
	}

	data := make([]modelObject, 0, len(descs))
	for _, d := range descs {
		data = append(data, toModelObject(d))
	}
	writeJSON(w, http.StatusOK, modelsListResponse{Object: "list", Data: data})
}

// handleGetModel implements GET /v1/models/{name...}.
func (s *Server) handleGetModel(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	desc, err := s.registry.Get(name)
	if err != nil {
		writeAppError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, toModelObject(desc))
}

func toModelObject(d registry.Descriptor) modelObject {
	return modelObject{
		ID:      d.ID,
		Object:  "model",
		Created: d.CreatedAt.Unix(),
		OwnedBy: "capi",
	}
}
