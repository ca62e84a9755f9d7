package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"fieldsync/internal/database"
	"fieldsync/internal/models"
)

type entityRequest struct {
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload"`
	Draft   bool            `json:"draft,omitempty"`
}

func (s *HTTPServer) handleListEntities(w http.ResponseWriter, r *http.Request) {
	list, err := s.entities.List(r.Context(), r.PathValue("type"))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	if list == nil {
		list = []models.Entity{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entities": list})
}

func (s *HTTPServer) handleCreateEntity(w http.ResponseWriter, r *http.Request) {
	var req entityRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var (
		e   *models.Entity
		err error
	)
	if req.Draft {
		e, err = s.entities.SaveDraft(r.Context(), r.PathValue("type"), req.ID, req.Payload)
	} else {
		e, err = s.entities.Create(r.Context(), r.PathValue("type"), req.ID, req.Payload)
	}
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, e)
}

func (s *HTTPServer) handleGetEntity(w http.ResponseWriter, r *http.Request) {
	e, ok := s.entityOfType(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (s *HTTPServer) handleUpdateEntity(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.entityOfType(w, r); !ok {
		return
	}
	var req entityRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	e, err := s.entities.Update(r.Context(), r.PathValue("id"), req.Payload)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (s *HTTPServer) handleDeleteEntity(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.entityOfType(w, r); !ok {
		return
	}
	if err := s.entities.Delete(r.Context(), r.PathValue("id")); err != nil {
		s.writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handlePublishEntity(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.entityOfType(w, r); !ok {
		return
	}
	e, err := s.entities.Publish(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

// entityOfType loads the entity named by the path and checks it belongs to {type}.
func (s *HTTPServer) entityOfType(w http.ResponseWriter, r *http.Request) (*models.Entity, bool) {
	e, err := s.entities.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeErr(w, err)
		return nil, false
	}
	if e.Type != r.PathValue("type") {
		s.writeErr(w, database.ErrNotFound)
		return nil, false
	}
	return e, true
}

func itemID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid item id")
		return 0, false
	}
	return id, true
}
