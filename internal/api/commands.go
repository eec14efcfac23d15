package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/aerolink/purifier-core/internal/audit"
)

// handleListCommands returns the command audit trail, newest first.
//
// Query parameters:
//   - device_id: filter by purifier
//   - status: filter by terminal status (pending, sent, acknowledged, failed, timeout)
//   - limit: page size (default 50, max 200)
//   - offset: pagination offset
func (s *Server) handleListCommands(w http.ResponseWriter, r *http.Request) {
	filter := audit.Filter{
		DeviceID: r.URL.Query().Get("device_id"),
		Status:   r.URL.Query().Get("status"),
	}

	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeBadRequest(w, "limit must be a positive integer")
			return
		}
		filter.Limit = n
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeBadRequest(w, "offset must not be negative")
			return
		}
		filter.Offset = n
	}

	result, err := s.audits.List(r.Context(), filter)
	if err != nil {
		writeInternalError(w, "failed to list commands")
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// handleGetCommand returns one audit record by command ID.
func (s *Server) handleGetCommand(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	rec, err := s.audits.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, audit.ErrCommandNotFound) {
			writeNotFound(w, "command not found")
			return
		}
		writeInternalError(w, "failed to get command")
		return
	}

	writeJSON(w, http.StatusOK, rec)
}
