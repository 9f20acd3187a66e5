package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"

	apperrors "github.com/signcast/host/internal/errors"
	"github.com/signcast/host/internal/protocol"
)

// errorResponse is the body of every failed operator API call.
type errorResponse struct {
	Success    bool   `json:"success"`
	Message    string `json:"message"`
	ErrorCode  string `json:"error_code"`
	NextAction string `json:"next_action,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("server: failed to encode response: %v", err)
	}
}

// writeError maps err to a status and a coded body. Errors without a code
// are logged and reported as internal, never echoed.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	code, message := apperrors.ToCodeAndMessage(err)
	if code == apperrors.CodeUnknown {
		code, message = apperrors.CodeInternal, "internal error"
	}

	status := statusFor(code)
	if status >= http.StatusInternalServerError {
		log.Printf("server: %s %s: %v", r.Method, r.URL.Path, err)
	}

	writeJSON(w, status, errorResponse{
		Message:    message,
		ErrorCode:  code,
		NextAction: apperrors.GetNextAction(code),
	})
}

func statusFor(code string) int {
	switch {
	case code == apperrors.CodePairingInvalidCode,
		code == apperrors.CodeDispatchNotConnected,
		code == apperrors.CodeDispatchInvalidCommand,
		code == apperrors.CodeRequestInvalid:
		return http.StatusBadRequest
	case code == apperrors.CodePairingRateLimited:
		return http.StatusTooManyRequests
	case code == apperrors.CodePairingCodeExhausted,
		code == apperrors.CodeServerShuttingDown:
		return http.StatusServiceUnavailable
	case strings.HasPrefix(code, "auth."):
		return http.StatusUnauthorized
	}
	return http.StatusInternalServerError
}

// decodeBody reads a JSON request body into v.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return apperrors.InvalidRequest(fmt.Sprintf("invalid request body: %v", err))
	}
	return nil
}

// flexString accepts a JSON string or number. Codes typed into a number field
// arrive as numbers.
type flexString string

func (s *flexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if string(data) == "null" {
		*s = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var v string
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		*s = flexString(v)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("expected string or number, got %s", data)
	}
	*s = flexString(n.String())
	return nil
}

// optionalID is a device or area id that may be absent, null, or "".
// Absent values decode as zero.
type optionalID protocol.DeviceID

func (id *optionalID) UnmarshalJSON(data []byte) error {
	switch strings.TrimSpace(string(data)) {
	case "null", `""`:
		*id = 0
		return nil
	}
	var v protocol.DeviceID
	if err := v.UnmarshalJSON(data); err != nil {
		return err
	}
	*id = optionalID(v)
	return nil
}
