package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/aerolink/purifier-core/internal/device"
	"github.com/aerolink/purifier-core/internal/override"
)

// precleanRequest is the body for POST /devices/{id}/preclean.
type precleanRequest struct {
	Mode            string `json:"mode"`
	DurationMinutes int    `json:"duration_minutes"`

	// Speed applies only when mode is "manual".
	Speed int `json:"speed"`
}

// handleStartOverride starts a pre-clean override on a purifier.
//
// Overrides stack: starting a second one while the first is active
// snapshots the current (overridden) state and restores through the stack
// in reverse order.
func (s *Server) handleStartOverride(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req precleanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	duration := time.Duration(req.DurationMinutes) * time.Minute
	o, err := s.overrides.Start(r.Context(), id, override.Mode(req.Mode), duration, req.Speed)
	if err != nil {
		switch {
		case errors.Is(err, device.ErrDeviceNotFound):
			writeNotFound(w, "device not found")
		case errors.Is(err, override.ErrInvalidMode),
			errors.Is(err, override.ErrInvalidDuration),
			errors.Is(err, override.ErrInvalidSpeed):
			writeValidationError(w, err.Error())
		default:
			writeInternalError(w, "failed to start override")
		}
		return
	}

	writeJSON(w, http.StatusCreated, o)
}

// handleCancelOverride cancels the most recent active override on a
// purifier, restoring the state it saved.
func (s *Server) handleCancelOverride(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	o, err := s.overrides.Cancel(r.Context(), id)
	if err != nil {
		switch {
		case errors.Is(err, override.ErrNoActiveOverride):
			writeNotFound(w, "no active override")
		case errors.Is(err, override.ErrNotActive):
			// Lost a race with expiry; the override already ended.
			writeConflict(w, "override already ended")
		default:
			writeInternalError(w, "failed to cancel override")
		}
		return
	}

	writeJSON(w, http.StatusOK, o)
}

// handleListOverrides returns a purifier's active override stack,
// newest first.
func (s *Server) handleListOverrides(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	stack, err := s.overrides.ActiveForDevice(r.Context(), id)
	if err != nil {
		writeInternalError(w, "failed to list overrides")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"overrides": stack, "count": len(stack)})
}
