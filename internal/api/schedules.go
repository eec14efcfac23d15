package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/aerolink/purifier-core/internal/device"
	"github.com/aerolink/purifier-core/internal/schedule"
)

// handleListSchedules returns all schedules, optionally filtered by device.
//
// Query parameters:
//   - device_id: filter by purifier
func (s *Server) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var (
		schedules []schedule.Schedule
		err       error
	)
	if deviceID := r.URL.Query().Get("device_id"); deviceID != "" {
		schedules, err = s.schedules.ListByDevice(ctx, deviceID)
	} else {
		schedules, err = s.schedules.List(ctx)
	}
	if err != nil {
		writeInternalError(w, "failed to list schedules")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"schedules": schedules, "count": len(schedules)})
}

// handleCreateSchedule creates a new recurring schedule and re-arms the
// boundary timers so it takes effect without a restart.
func (s *Server) handleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	var sched schedule.Schedule
	if err := json.NewDecoder(r.Body).Decode(&sched); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	// The device must exist; schedules for phantom purifiers would arm
	// timers that dispatch into the void.
	if _, err := s.registry.Get(r.Context(), sched.DeviceID); err != nil {
		if errors.Is(err, device.ErrDeviceNotFound) {
			writeNotFound(w, "device not found")
			return
		}
		writeInternalError(w, "failed to verify device")
		return
	}

	if err := s.schedules.Create(r.Context(), &sched); err != nil {
		if isScheduleValidationError(err) {
			writeValidationError(w, err.Error())
			return
		}
		writeInternalError(w, "failed to create schedule")
		return
	}

	s.reloadTimers(r.Context())
	writeJSON(w, http.StatusCreated, sched)
}

// handleGetSchedule returns a single schedule by ID.
func (s *Server) handleGetSchedule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	sched, err := s.schedules.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, schedule.ErrScheduleNotFound) {
			writeNotFound(w, "schedule not found")
			return
		}
		writeInternalError(w, "failed to get schedule")
		return
	}

	writeJSON(w, http.StatusOK, sched)
}

// handleUpdateSchedule applies a partial update to a schedule. Fields
// absent from the body keep their current values.
func (s *Server) handleUpdateSchedule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	sched, err := s.schedules.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, schedule.ErrScheduleNotFound) {
			writeNotFound(w, "schedule not found")
			return
		}
		writeInternalError(w, "failed to get schedule")
		return
	}

	if err := json.NewDecoder(r.Body).Decode(sched); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	sched.ID = id // body cannot re-key the schedule

	if err := s.schedules.Update(r.Context(), sched); err != nil {
		switch {
		case errors.Is(err, schedule.ErrScheduleNotFound):
			writeNotFound(w, "schedule not found")
		case isScheduleValidationError(err):
			writeValidationError(w, err.Error())
		default:
			writeInternalError(w, "failed to update schedule")
		}
		return
	}

	s.reloadTimers(r.Context())
	writeJSON(w, http.StatusOK, sched)
}

// handleDeleteSchedule removes a schedule. Deletion goes through the
// arbiter so a schedule removed mid-window reconciles the device state
// first instead of leaving an orphaned speed running.
func (s *Server) handleDeleteSchedule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := s.remover.Remove(r.Context(), id); err != nil {
		if errors.Is(err, schedule.ErrScheduleNotFound) {
			writeNotFound(w, "schedule not found")
			return
		}
		writeInternalError(w, "failed to delete schedule")
		return
	}

	s.reloadTimers(r.Context())
	w.WriteHeader(http.StatusNoContent)
}

// handleListScheduleRuns returns a schedule's boundary history, most
// recent first.
//
// Query parameters:
//   - limit: maximum rows to return (default 50)
func (s *Server) handleListScheduleRuns(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeBadRequest(w, "limit must be a positive integer")
			return
		}
		limit = n
	}

	runs, err := s.schedules.ListRuns(r.Context(), id, limit)
	if err != nil {
		writeInternalError(w, "failed to list schedule runs")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"runs": runs, "count": len(runs)})
}

// reloadTimers re-arms boundary timers after a CRUD change. Reload
// failures are logged, not surfaced; the write already committed.
func (s *Server) reloadTimers(ctx context.Context) {
	if s.timers == nil {
		return
	}
	if err := s.timers.Reload(ctx); err != nil {
		s.logger.Error("reloading schedule timers failed", "error", err)
	}
}

// isScheduleValidationError reports whether err is one of the schedule
// validation sentinels.
func isScheduleValidationError(err error) bool {
	return errors.Is(err, schedule.ErrInvalidSchedule) ||
		errors.Is(err, schedule.ErrInvalidDay) ||
		errors.Is(err, schedule.ErrInvalidTime) ||
		errors.Is(err, schedule.ErrInvalidWindow) ||
		errors.Is(err, schedule.ErrInvalidSpeed)
}
