package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/gray-logic-comms/internal/device"
	"github.com/nerrad567/gray-logic-comms/internal/manager"
)

// DeviceView is a device definition with its runtime status.
// Status is absent for devices that are not running.
type DeviceView struct {
	device.Device
	Status *manager.Status `json:"status,omitempty"`
}

// view builds a DeviceView with secrets removed.
func (s *Server) view(r *http.Request, dev device.Device) DeviceView {
	dev.Transport.Password = ""
	v := DeviceView{Device: dev}

	m, err := s.runner.Get(dev.ID)
	if err != nil {
		return v
	}
	st, err := m.Status(r.Context())
	if err != nil {
		s.logger.Debug("device status unavailable", "device", dev.ID, "error", err)
		return v
	}
	v.Status = &st
	return v
}

// handleListDevices returns every device with its runtime status.
func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.devices.ListDevices(r.Context())
	if err != nil {
		s.logger.Error("listing devices", "error", err)
		writeInternalError(w, "failed to list devices")
		return
	}

	views := make([]DeviceView, 0, len(devices))
	for i := range devices {
		views = append(views, s.view(r, devices[i]))
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": views, "count": len(views)})
}

// handleGetDevice returns a single device by ID.
func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	dev, err := s.devices.GetDevice(r.Context(), id)
	if err != nil {
		if errors.Is(err, device.ErrDeviceNotFound) {
			writeNotFound(w, "device not found")
			return
		}
		writeInternalError(w, "failed to get device")
		return
	}

	writeJSON(w, http.StatusOK, s.view(r, *dev))
}

// handleSendCommand queues a manager.CommandRequest on a running device and
// waits for it to settle.
//
// Status codes:
//   - 200: settled with status "success" or "sent"
//   - 202: still pending after the command timeout
//   - 400: malformed request
//   - 404: unknown device
//   - 409: device not running
//   - 502: the device failed the command
//   - 503: the command was canceled
//   - 504: the device did not answer in time
func (s *Server) handleSendCommand(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	m, err := s.runner.Get(id)
	if err != nil {
		if _, derr := s.devices.GetDevice(r.Context(), id); errors.Is(derr, device.ErrDeviceNotFound) {
			writeNotFound(w, "device not found")
			return
		}
		writeConflict(w, "device is not running")
		return
	}

	var req manager.CommandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.ID == "" {
		req.ID = requestID(r)
	}

	cmd, err := m.Execute(r.Context(), req)
	switch {
	case errors.Is(err, manager.ErrInvalidRequest):
		writeBadRequest(w, err.Error())
		return
	case errors.Is(err, manager.ErrNotRunning), errors.Is(err, manager.ErrStopped):
		writeConflict(w, "device is not running")
		return
	case err != nil:
		s.logger.Error("queueing command", "device", id, "error", err)
		writeInternalError(w, "failed to queue command")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.CommandTimeout)
	defer cancel()

	value, err := cmd.Result(ctx)
	if err != nil && ctx.Err() != nil {
		writeJSON(w, http.StatusAccepted, manager.PendingResponse(req.ID, cmd))
		return
	}

	resp := manager.NewResponse(req.ID, cmd, value, err, time.Since(cmd.QueuedAt()))
	writeJSON(w, statusFor(resp.Status), resp)
}

// statusFor maps a command outcome to an HTTP status.
func statusFor(outcome string) int {
	switch outcome {
	case "success", "sent":
		return http.StatusOK
	case "timeout":
		return http.StatusGatewayTimeout
	case "canceled":
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}
