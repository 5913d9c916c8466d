package httpapi

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/erpbridge/erpbridge/internal/storage"
)

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleMetadata(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{
		"service":       "erpbridge",
		"version":       Version,
		"source_system": s.sourceSystem,
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.GetStatistics(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleFailedRecords(w http.ResponseWriter, r *http.Request) {
	limit, offset := pageParams(r, 50, 500)
	onlyOpen, _ := strconv.ParseBool(r.URL.Query().Get("only_open"))

	records, err := s.store.ListFailedRecords(r.Context(), storage.FailedRecordFilter{
		EntityName:  r.URL.Query().Get("entity_name"),
		StageFailed: r.URL.Query().Get("stage"),
		OnlyOpen:    onlyOpen,
		Limit:       limit,
		Offset:      offset,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"items": records, "count": len(records)})
}

func (s *Server) handlePendingChildren(w http.ResponseWriter, r *http.Request) {
	limit, _ := pageParams(r, 50, 500)

	children, err := s.store.ListPendingChildren(r.Context(), storage.PendingChildFilter{
		ChildEntity:  r.URL.Query().Get("entity_name"),
		ParentEntity: r.URL.Query().Get("parent_entity"),
		Limit:        limit,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"items": children, "count": len(children)})
}

// handleDetailedHealth probes the database and both upstream APIs. Any failed
// probe turns the response into a 503.
func (s *Server) handleDetailedHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	probes := map[string]string{}
	healthy := true

	if err := s.store.Ping(ctx); err != nil {
		probes["database"] = err.Error()
		healthy = false
	} else {
		probes["database"] = "ok"
	}
	if err := s.source.Health(ctx); err != nil {
		probes["source_api"] = err.Error()
		healthy = false
	} else {
		probes["source_api"] = "ok"
	}
	if err := s.sink.Health(ctx); err != nil {
		probes["sink_api"] = err.Error()
		healthy = false
	} else {
		probes["sink_api"] = "ok"
	}

	status := http.StatusOK
	state := "healthy"
	if !healthy {
		status = http.StatusServiceUnavailable
		state = "degraded"
	}
	s.writeJSON(w, status, map[string]any{"status": state, "checks": probes})
}
