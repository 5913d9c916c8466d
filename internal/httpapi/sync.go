package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/erpbridge/erpbridge/internal/orchestrator"
	"github.com/erpbridge/erpbridge/internal/storage"
	"github.com/erpbridge/erpbridge/internal/types"
)

type syncStartRequest struct {
	EntityName string `json:"entity_name" validate:"required"`
	SyncType   string `json:"sync_type" validate:"omitempty,oneof=full incremental background"`
	PageSize   int    `json:"page_size" validate:"omitempty,min=1"`
	MaxPages   int    `json:"max_pages" validate:"omitempty,min=1"`
}

func (s *Server) handleSyncStart(w http.ResponseWriter, r *http.Request) {
	var req syncStartRequest
	if err := s.decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if req.PageSize > s.maxBatchSize {
		s.badRequest(w, "page_size exceeds maximum batch size")
		return
	}

	cfg, err := s.store.GetEntityConfig(r.Context(), req.EntityName)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !cfg.SyncEnabled {
		s.writeError(w, types.E(types.KindConfig, "sync disabled for entity %q", req.EntityName))
		return
	}

	// refuse a second concurrent run for the same entity
	running, err := s.store.ListBatches(r.Context(), storage.BatchFilter{
		EntityName: req.EntityName,
		Status:     types.BatchRunning,
		Limit:      1,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	if len(running) > 0 {
		s.writeJSON(w, http.StatusConflict, errorBody{
			Error:   "a sync batch is already running for this entity",
			Details: map[string]any{"batch_uid": running[0].UID},
		})
		return
	}

	batchUID, err := s.orch.StartAsync(r.Context(), orchestrator.Request{
		EntityName:        req.EntityName,
		SourceAPISlug:     cfg.SourceAPISlug,
		BusinessKeyFields: cfg.BusinessKeyFields,
		SyncType:          types.SyncType(req.SyncType),
		PageSize:          req.PageSize,
		MaxPages:          req.MaxPages,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusAccepted, map[string]string{"batch_uid": batchUID})
}

func (s *Server) handleSyncStatus(w http.ResponseWriter, r *http.Request) {
	batch, err := s.store.GetBatch(r.Context(), chi.URLParam(r, "batchUID"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, batch)
}

func (s *Server) handleSyncStop(w http.ResponseWriter, r *http.Request) {
	uid := chi.URLParam(r, "batchUID")

	batch, err := s.store.GetBatch(r.Context(), uid)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !batch.Status.CanTransition(types.BatchCancelled) {
		s.writeJSON(w, http.StatusConflict, errorBody{
			Error: "batch is not running",
			Details: map[string]any{
				"status": string(batch.Status),
			},
		})
		return
	}

	// in-process runs get a context cancel; either way the row is marked
	if !s.orch.Cancel(uid) {
		now := time.Now().UTC()
		batch.Status = types.BatchCancelled
		batch.ErrorMessage = "cancelled"
		batch.CompletedAt = &now
		if err := s.store.UpdateBatch(r.Context(), batch); err != nil {
			s.writeError(w, err)
			return
		}
	}

	s.writeJSON(w, http.StatusOK, map[string]string{"batch_uid": uid, "status": string(types.BatchCancelled)})
}

func (s *Server) handleSyncHistory(w http.ResponseWriter, r *http.Request) {
	limit, offset := pageParams(r, 50, 500)

	batches, err := s.store.ListBatches(r.Context(), storage.BatchFilter{
		EntityName: r.URL.Query().Get("entity_name"),
		Status:     types.BatchStatus(r.URL.Query().Get("status")),
		Limit:      limit,
		Offset:     offset,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"items": batches,
		"count": len(batches),
	})
}

type retryFailedRequest struct {
	EntityName string `json:"entity_name"`
	Limit      int    `json:"limit" validate:"omitempty,min=1,max=1000"`
}

// handleRetryFailed replays retryable dead-letter rows from the stage they
// failed at, on demand. The background retry job runs the same sweep.
func (s *Server) handleRetryFailed(w http.ResponseWriter, r *http.Request) {
	var req retryFailedRequest
	if err := s.decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	stats, err := s.orch.RetryFailedRecords(r.Context(), req.EntityName, req.Limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}
