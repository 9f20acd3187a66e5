package server

import (
	"net/http"

	"github.com/signcast/host/internal/auth"
	"github.com/signcast/host/internal/pairing"
	"github.com/signcast/host/internal/protocol"
)

type verifyDeviceRequest struct {
	Code   flexString `json:"code"`
	AreaID optionalID `json:"areaId"`
}

// handleVerifyDevice is the first claim step. It is unauthenticated and
// rate limited per client address.
func (s *Server) handleVerifyDevice(w http.ResponseWriter, r *http.Request) {
	var req verifyDeviceRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	if err := s.lc.Verify(r.Context(), string(req.Code), int64(req.AreaID)); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

type updateDeviceNameRequest struct {
	Code       flexString `json:"code"`
	DeviceName string     `json:"deviceName"`
	AreaID     optionalID `json:"areaId"`
}

// handleUpdateDeviceName names a verified display and persists it.
func (s *Server) handleUpdateDeviceName(w http.ResponseWriter, r *http.Request) {
	var req updateDeviceNameRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	rr := pairing.RegisterRequest{
		Code:   string(req.Code),
		Name:   req.DeviceName,
		AreaID: int64(req.AreaID),
	}
	if op, ok := auth.OperatorFrom(r.Context()); ok {
		rr.Operator = op.ID
	}

	id, err := s.lc.Register(r.Context(), rr)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Success  bool              `json:"success"`
		DeviceID protocol.DeviceID `json:"deviceId"`
	}{true, id})
}
