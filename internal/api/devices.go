package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/aerolink/purifier-core/internal/command"
	"github.com/aerolink/purifier-core/internal/device"
)

// handleListDevices returns all known purifiers with their current state.
func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.registry.List(r.Context())
	if err != nil {
		writeInternalError(w, "failed to list devices")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": devices, "count": len(devices)})
}

// handleGetDevice returns a single purifier by ID.
func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	dev, err := s.registry.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, device.ErrDeviceNotFound) {
			writeNotFound(w, "device not found")
			return
		}
		writeInternalError(w, "failed to get device")
		return
	}

	writeJSON(w, http.StatusOK, dev)
}

// commandRequest is the body for POST /devices/{id}/command.
type commandRequest struct {
	Action string `json:"action"`
	Speed  int    `json:"speed"`
}

// handleSendCommand dispatches a manual command to a purifier and waits
// for its terminal outcome. The response carries the dispatch result even
// when the device never acknowledged; a timeout is an outcome, not an
// HTTP error.
func (s *Server) handleSendCommand(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req commandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	result, err := s.commands.Send(r.Context(), id, command.Action(req.Action), req.Speed, command.SourceManual)
	if err != nil {
		switch {
		case errors.Is(err, command.ErrUnknownDevice):
			writeNotFound(w, "device not found")
		case errors.Is(err, command.ErrInvalidAction),
			errors.Is(err, command.ErrInvalidSpeed):
			writeValidationError(w, err.Error())
		case errors.Is(err, command.ErrTransport):
			writeError(w, http.StatusBadGateway, ErrCodeInternal, "broker publish failed")
		default:
			writeInternalError(w, "failed to dispatch command")
		}
		return
	}

	writeJSON(w, http.StatusOK, result)
}
