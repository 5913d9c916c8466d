package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/erpbridge/erpbridge/internal/storage"
	"github.com/erpbridge/erpbridge/internal/types"
)

type parentRefBody struct {
	ParentEntity string `json:"parent_entity" validate:"required"`
	ParentField  string `json:"parent_field" validate:"required"`
	ChildField   string `json:"child_field" validate:"required"`
}

type entityBody struct {
	EntityName        string                   `json:"entity_name" validate:"required"`
	SourceAPISlug     string                   `json:"source_api_slug" validate:"required"`
	BusinessKeyFields []string                 `json:"business_key_fields" validate:"required,min=1,dive,required"`
	SyncEnabled       bool                     `json:"sync_enabled"`
	SyncSchedule      string                   `json:"sync_schedule"`
	ParentRefs        map[string]parentRefBody `json:"parent_refs_config" validate:"omitempty,dive"`
}

func (b *entityBody) toConfig() *types.EntityConfig {
	cfg := &types.EntityConfig{
		EntityName:        b.EntityName,
		SourceAPISlug:     b.SourceAPISlug,
		BusinessKeyFields: b.BusinessKeyFields,
		SyncEnabled:       b.SyncEnabled,
		SyncSchedule:      b.SyncSchedule,
	}
	if len(b.ParentRefs) > 0 {
		cfg.ParentRefs = make(map[string]types.ParentRef, len(b.ParentRefs))
		for name, ref := range b.ParentRefs {
			cfg.ParentRefs[name] = types.ParentRef{
				ParentEntity: ref.ParentEntity,
				ParentField:  ref.ParentField,
				ChildField:   ref.ChildField,
			}
		}
	}
	return cfg
}

func (s *Server) handleListEntities(w http.ResponseWriter, r *http.Request) {
	configs, err := s.store.ListEntityConfigs(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}

	withStats, _ := strconv.ParseBool(r.URL.Query().Get("with_stats"))
	if !withStats {
		s.writeJSON(w, http.StatusOK, map[string]any{"items": configs, "count": len(configs)})
		return
	}

	items := make([]map[string]any, 0, len(configs))
	for _, cfg := range configs {
		item, err := s.entityWithStats(r.Context(), cfg)
		if err != nil {
			s.writeError(w, err)
			return
		}
		items = append(items, item)
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"items": items, "count": len(items)})
}

func (s *Server) entityWithStats(ctx context.Context, cfg *types.EntityConfig) (map[string]any, error) {
	item := map[string]any{"config": cfg}

	openFailed, err := s.store.CountOpenFailedRecords(ctx, cfg.EntityName)
	if err != nil {
		return nil, err
	}
	item["open_failed_records"] = openFailed

	pending, err := s.store.CountPendingChildren(ctx, cfg.EntityName)
	if err != nil {
		return nil, err
	}
	item["pending_children"] = pending

	batches, err := s.store.ListBatches(ctx, storage.BatchFilter{EntityName: cfg.EntityName, Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(batches) > 0 {
		item["last_batch"] = batches[0]
	}

	state, err := s.store.GetSyncState(ctx, cfg.EntityName, s.sourceSystem)
	switch {
	case err == nil:
		item["sync_state"] = state
	case errors.Is(err, storage.ErrNotFound):
	default:
		return nil, err
	}
	return item, nil
}

func (s *Server) handleCreateEntity(w http.ResponseWriter, r *http.Request) {
	var body entityBody
	if err := s.decodeBody(r, &body); err != nil {
		s.writeError(w, err)
		return
	}

	cfg := body.toConfig()
	if err := s.store.CreateEntityConfig(r.Context(), cfg); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, cfg)
}

func (s *Server) handleGetEntity(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.store.GetEntityConfig(r.Context(), chi.URLParam(r, "entityName"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) handleUpdateEntity(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "entityName")

	existing, err := s.store.GetEntityConfig(r.Context(), name)
	if err != nil {
		s.writeError(w, err)
		return
	}

	var body entityBody
	if err := s.decodeBody(r, &body); err != nil {
		s.writeError(w, err)
		return
	}
	if body.EntityName != name {
		s.badRequest(w, "entity_name in body must match the path")
		return
	}

	cfg := body.toConfig()
	cfg.UID = existing.UID
	cfg.CreatedAt = existing.CreatedAt
	if err := s.store.UpdateEntityConfig(r.Context(), cfg); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) handleDeleteEntity(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteEntityConfig(r.Context(), chi.URLParam(r, "entityName")); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusNoContent, nil)
}
