package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/erpbridge/erpbridge/internal/scheduler"
	"github.com/erpbridge/erpbridge/internal/types"
)

type scheduleBody struct {
	EntityName        string `json:"entity_name" validate:"required"`
	IsEnabled         bool   `json:"is_enabled"`
	SyncWindowStart   string `json:"sync_window_start" validate:"required"`
	SyncWindowEnd     string `json:"sync_window_end" validate:"required"`
	DaysToComplete    int    `json:"days_to_complete" validate:"omitempty,min=1"`
	RowsPerDay        int    `json:"rows_per_day" validate:"omitempty,min=1"`
	TotalRowsEstimate int    `json:"total_rows_estimate" validate:"omitempty,min=1"`
}

func (b *scheduleBody) toSchedule(sourceSystem string) (*types.BackgroundSchedule, error) {
	start, err := types.ParseTimeOfDay(b.SyncWindowStart)
	if err != nil {
		return nil, types.Wrap(types.KindValidation, err, "sync_window_start")
	}
	end, err := types.ParseTimeOfDay(b.SyncWindowEnd)
	if err != nil {
		return nil, types.Wrap(types.KindValidation, err, "sync_window_end")
	}
	return &types.BackgroundSchedule{
		EntityName:        b.EntityName,
		SourceSystem:      sourceSystem,
		IsEnabled:         b.IsEnabled,
		SyncWindowStart:   start,
		SyncWindowEnd:     end,
		DaysToComplete:    b.DaysToComplete,
		RowsPerDay:        b.RowsPerDay,
		TotalRowsEstimate: b.TotalRowsEstimate,
	}, nil
}

func (s *Server) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	enabledOnly, _ := strconv.ParseBool(r.URL.Query().Get("enabled_only"))
	schedules, err := s.store.ListSchedules(r.Context(), enabledOnly)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"items": schedules, "count": len(schedules)})
}

func (s *Server) handleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	var body scheduleBody
	if err := s.decodeBody(r, &body); err != nil {
		s.writeError(w, err)
		return
	}

	// the backfill slice needs an entity config to run against
	if _, err := s.store.GetEntityConfig(r.Context(), body.EntityName); err != nil {
		s.writeError(w, err)
		return
	}

	sched, err := body.toSchedule(s.sourceSystem)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.store.CreateSchedule(r.Context(), sched); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, sched)
}

func (s *Server) handleGetSchedule(w http.ResponseWriter, r *http.Request) {
	sched, err := s.store.GetSchedule(r.Context(), chi.URLParam(r, "entityName"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, sched)
}

func (s *Server) handleUpdateSchedule(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "entityName")
	existing, err := s.store.GetSchedule(r.Context(), name)
	if err != nil {
		s.writeError(w, err)
		return
	}

	var body scheduleBody
	if err := s.decodeBody(r, &body); err != nil {
		s.writeError(w, err)
		return
	}
	if body.EntityName != name {
		s.badRequest(w, "entity_name in body must match the path")
		return
	}

	sched, err := body.toSchedule(s.sourceSystem)
	if err != nil {
		s.writeError(w, err)
		return
	}
	sched.UID = existing.UID
	sched.CurrentOffset = existing.CurrentOffset
	sched.LastRunAt = existing.LastRunAt
	sched.NextRunAt = existing.NextRunAt
	sched.CreatedAt = existing.CreatedAt
	if err := s.store.UpdateSchedule(r.Context(), sched); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, sched)
}

func (s *Server) handleDeleteSchedule(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteSchedule(r.Context(), chi.URLParam(r, "entityName")); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusNoContent, nil)
}

// handleResetSchedule rewinds the backfill to the beginning.
func (s *Server) handleResetSchedule(w http.ResponseWriter, r *http.Request) {
	sched, err := s.store.GetSchedule(r.Context(), chi.URLParam(r, "entityName"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	sched.CurrentOffset = 0
	sched.LastRunAt = nil
	sched.NextRunAt = nil
	if err := s.store.UpdateSchedule(r.Context(), sched); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, sched)
}

// handleTriggerSchedule runs the next backfill slice immediately. Without
// force, the entity's sync window must contain the current time.
func (s *Server) handleTriggerSchedule(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "entityName")
	sched, err := s.store.GetSchedule(r.Context(), name)
	if err != nil {
		s.writeError(w, err)
		return
	}

	var body struct {
		Force bool `json:"force"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			s.badRequest(w, "invalid request body")
			return
		}
	}

	if !body.Force {
		window := scheduler.Window{Start: sched.SyncWindowStart, End: sched.SyncWindowEnd}
		if !window.Contains(time.Now()) {
			s.badRequest(w, "current time outside sync window; pass force to override")
			return
		}
	}

	go func() {
		if err := s.backfill.RunEntity(context.WithoutCancel(r.Context()), name, body.Force); err != nil {
			s.log.Error("triggered backfill failed", zap.String("entity", name), zap.Error(err))
		}
	}()
	s.writeJSON(w, http.StatusAccepted, map[string]string{"entity_name": name, "status": "triggered"})
}

func (s *Server) handleStartSchedule(w http.ResponseWriter, r *http.Request) {
	s.setScheduleEnabled(w, r, true)
}

func (s *Server) handleStopSchedule(w http.ResponseWriter, r *http.Request) {
	s.setScheduleEnabled(w, r, false)
}

func (s *Server) setScheduleEnabled(w http.ResponseWriter, r *http.Request, enabled bool) {
	sched, err := s.store.GetSchedule(r.Context(), chi.URLParam(r, "entityName"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	sched.IsEnabled = enabled
	if err := s.store.UpdateSchedule(r.Context(), sched); err != nil {
		s.writeError(w, err)
		return
	}

	// keep the timing loop in step when a job is registered for the entity
	if s.sched != nil {
		if enabled {
			_ = s.sched.ResumeJob(sched.EntityName)
		} else {
			_ = s.sched.PauseJob(sched.EntityName)
		}
	}
	s.writeJSON(w, http.StatusOK, sched)
}

func (s *Server) handleScheduleStatus(w http.ResponseWriter, r *http.Request) {
	sched, err := s.store.GetSchedule(r.Context(), chi.URLParam(r, "entityName"))
	if err != nil {
		s.writeError(w, err)
		return
	}

	progress := 0.0
	if sched.TotalRowsEstimate > 0 {
		progress = float64(sched.CurrentOffset) / float64(sched.TotalRowsEstimate) * 100
		if progress > 100 {
			progress = 100
		}
	}
	resp := map[string]any{
		"entity_name":      sched.EntityName,
		"is_enabled":       sched.IsEnabled,
		"complete":         sched.Complete(),
		"current_offset":   sched.CurrentOffset,
		"total_estimate":   sched.TotalRowsEstimate,
		"progress_percent": progress,
		"last_run_at":      sched.LastRunAt,
		"next_run_at":      sched.NextRunAt,
	}
	if s.sched != nil {
		if job, err := s.sched.JobStatus(sched.EntityName); err == nil {
			resp["job"] = job
		}
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleScheduleStats(w http.ResponseWriter, r *http.Request) {
	schedules, err := s.store.ListSchedules(r.Context(), false)
	if err != nil {
		s.writeError(w, err)
		return
	}

	enabled, complete := 0, 0
	for _, sched := range schedules {
		if sched.IsEnabled {
			enabled++
		}
		if sched.Complete() {
			complete++
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]int{
		"total":    len(schedules),
		"enabled":  enabled,
		"complete": complete,
	})
}
