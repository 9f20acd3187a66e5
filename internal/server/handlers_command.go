package server

import (
	"net/http"

	"github.com/signcast/host/internal/auth"
	apperrors "github.com/signcast/host/internal/errors"
	"github.com/signcast/host/internal/pairing"
	"github.com/signcast/host/internal/protocol"
)

type sendCommandRequest struct {
	DeviceID optionalID     `json:"deviceId"`
	Command  string         `json:"command"`
	Params   map[string]any `json:"params,omitempty"`
}

func (s *Server) handleSendCommand(w http.ResponseWriter, r *http.Request) {
	var req sendCommandRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	cmd := pairing.Command{Action: req.Command, Params: req.Params}

	// Id 0 is never assigned, so a missing id reads as an unknown device.
	if err := s.lc.Send(r.Context(), protocol.DeviceID(req.DeviceID), cmd); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

type forgetDeviceRequest struct {
	DeviceID optionalID `json:"deviceId"`
}

func (s *Server) handleForgetDevice(w http.ResponseWriter, r *http.Request) {
	var req forgetDeviceRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.DeviceID <= 0 {
		writeError(w, r, apperrors.InvalidRequest("deviceId is required"))
		return
	}

	var operator string
	if op, ok := auth.OperatorFrom(r.Context()); ok {
		operator = op.ID
	}

	if err := s.lc.Forget(r.Context(), protocol.DeviceID(req.DeviceID), operator); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}
