package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/erpbridge/erpbridge/internal/types"
)

type mappingBody struct {
	SourceField    string `json:"source_field" validate:"required"`
	TargetField    string `json:"target_field" validate:"required"`
	Transformation string `json:"transformation" validate:"omitempty,oneof=none uppercase lowercase trim title_case capitalize strip_whitespace remove_special_chars"`
	DefaultValue   string `json:"default_value"`
	IsRequired     bool   `json:"is_required"`
}

func (b *mappingBody) toMapping(entityName string) *types.FieldMapping {
	return &types.FieldMapping{
		EntityName:     entityName,
		SourceField:    b.SourceField,
		TargetField:    b.TargetField,
		Transformation: types.Transformation(b.Transformation),
		DefaultValue:   b.DefaultValue,
		IsRequired:     b.IsRequired,
	}
}

type bulkMappingsBody struct {
	Mappings []mappingBody `json:"mappings" validate:"required,min=1,dive"`
}

func (s *Server) handleListMappings(w http.ResponseWriter, r *http.Request) {
	mappings, err := s.store.ListFieldMappings(r.Context(), chi.URLParam(r, "entityName"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"items": mappings, "count": len(mappings)})
}

func (s *Server) handleCreateMapping(w http.ResponseWriter, r *http.Request) {
	var body mappingBody
	if err := s.decodeBody(r, &body); err != nil {
		s.writeError(w, err)
		return
	}

	entityName := chi.URLParam(r, "entityName")
	if _, err := s.store.GetEntityConfig(r.Context(), entityName); err != nil {
		s.writeError(w, err)
		return
	}

	m := body.toMapping(entityName)
	if err := s.store.CreateFieldMapping(r.Context(), m); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, m)
}

func (s *Server) handleBulkCreateMappings(w http.ResponseWriter, r *http.Request) {
	var body bulkMappingsBody
	if err := s.decodeBody(r, &body); err != nil {
		s.writeError(w, err)
		return
	}

	entityName := chi.URLParam(r, "entityName")
	if _, err := s.store.GetEntityConfig(r.Context(), entityName); err != nil {
		s.writeError(w, err)
		return
	}

	mappings := make([]*types.FieldMapping, len(body.Mappings))
	for i := range body.Mappings {
		mappings[i] = body.Mappings[i].toMapping(entityName)
	}
	if err := s.store.CreateFieldMappings(r.Context(), mappings); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]any{"items": mappings, "count": len(mappings)})
}

func (s *Server) handleUpdateMapping(w http.ResponseWriter, r *http.Request) {
	existing, err := s.store.GetFieldMapping(r.Context(), chi.URLParam(r, "uid"))
	if err != nil {
		s.writeError(w, err)
		return
	}

	var body mappingBody
	if err := s.decodeBody(r, &body); err != nil {
		s.writeError(w, err)
		return
	}

	m := body.toMapping(chi.URLParam(r, "entityName"))
	m.UID = existing.UID
	m.CreatedAt = existing.CreatedAt
	if err := s.store.UpdateFieldMapping(r.Context(), m); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleDeleteMapping(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteFieldMapping(r.Context(), chi.URLParam(r, "uid")); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusNoContent, nil)
}

func (s *Server) handleDeleteAllMappings(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteFieldMappings(r.Context(), chi.URLParam(r, "entityName")); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusNoContent, nil)
}
