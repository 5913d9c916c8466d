package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/erpbridge/erpbridge/internal/storage"
	"github.com/erpbridge/erpbridge/internal/types"
)

type errorBody struct {
	Error   string         `json:"error"`
	Kind    string         `json:"kind,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("encode response", zap.Error(err))
	}
}

// writeError maps domain error kinds and storage sentinels onto HTTP status
// codes.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	body := errorBody{Error: err.Error()}

	var verrs validator.ValidationErrors
	var derr *types.Error
	switch {
	case errors.Is(err, storage.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, storage.ErrAlreadyExists):
		status = http.StatusConflict
	case errors.As(err, &verrs):
		status = http.StatusBadRequest
		details := make(map[string]any, len(verrs))
		for _, fe := range verrs {
			details[fe.Field()] = fe.Tag()
		}
		body = errorBody{Error: "validation failed", Kind: string(types.KindValidation), Details: details}
	case errors.As(err, &derr):
		body.Kind = string(derr.Kind)
		body.Details = derr.Details
		switch derr.Kind {
		case types.KindNotFound:
			status = http.StatusNotFound
		case types.KindAlreadyExists:
			status = http.StatusConflict
		case types.KindValidation, types.KindConfig:
			status = http.StatusBadRequest
		case types.KindAuth:
			status = http.StatusUnauthorized
		case types.KindAuthz:
			status = http.StatusForbidden
		case types.KindConnection:
			status = http.StatusServiceUnavailable
		}
	}

	if status >= http.StatusInternalServerError {
		s.log.Error("request failed", zap.Error(err))
	}
	s.writeJSON(w, status, body)
}

func (s *Server) badRequest(w http.ResponseWriter, msg string) {
	s.writeJSON(w, http.StatusBadRequest, errorBody{Error: msg, Kind: string(types.KindValidation)})
}

// decodeBody parses and validates a JSON request body.
func (s *Server) decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return types.Wrap(types.KindValidation, err, "malformed request body")
	}
	return s.validate.Struct(v)
}

// pageParams reads page/page_size query parameters with bounds.
func pageParams(r *http.Request, defaultSize, maxSize int) (limit, offset int) {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	if page < 1 {
		page = 1
	}
	size, _ := strconv.Atoi(r.URL.Query().Get("page_size"))
	if size < 1 {
		size = defaultSize
	}
	if size > maxSize {
		size = maxSize
	}
	return size, (page - 1) * size
}
