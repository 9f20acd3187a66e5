// Package protocol defines the JSON frames exchanged with displays over the
// device socket.
//
// Every frame is a flat JSON object with an "action" field. Server events are
// built with the constructors in this file; device frames are validated and
// decoded by Decode. Frames that fail validation are dropped by the caller and
// never answered, because the device channel is unauthenticated.
package protocol

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Server to device actions.
const (
	ActionDisplayCode      = "displayCode"
	ActionAuthenticated    = "authenticated"
	ActionDeviceRegistered = "deviceRegistered"
	ActionDisconnect       = "disconnect"
)

// Device to server actions.
const (
	ActionDeviceInfo = "deviceInfo"
	ActionReconnect  = "reconnect"
)

// IsReserved reports whether an action is part of the pairing lifecycle and
// therefore cannot be sent as an operator command.
func IsReserved(action string) bool {
	switch action {
	case ActionDisplayCode, ActionAuthenticated, ActionDeviceRegistered, ActionDisconnect,
		ActionDeviceInfo, ActionReconnect:
		return true
	}
	return false
}

// Event is a server to device frame. It marshals flat: Fields sit next to
// "action" at the top level, and a Fields entry named "action" is ignored.
type Event struct {
	Action string
	Fields map[string]any
}

// MarshalJSON implements json.Marshaler.
func (e Event) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(e.Fields)+1)
	for k, v := range e.Fields {
		out[k] = v
	}
	out["action"] = e.Action
	return json.Marshal(out)
}

// DisplayCode tells the device to show a pairing code. qr is an optional
// data URL of the claim link, omitted when empty.
func DisplayCode(code, qr string) Event {
	fields := map[string]any{"code": code}
	if qr != "" {
		fields["qr"] = qr
	}
	return Event{Action: ActionDisplayCode, Fields: fields}
}

// Authenticated tells the device its code was claimed by an operator.
func Authenticated() Event {
	return Event{Action: ActionAuthenticated}
}

// DeviceRegistered hands the device its durable id and reconnect token.
func DeviceRegistered(id DeviceID, token string) Event {
	fields := map[string]any{"deviceId": int64(id)}
	if token != "" {
		fields["token"] = token
	}
	return Event{Action: ActionDeviceRegistered, Fields: fields}
}

// Disconnect tells the device it was forgotten and the socket is closing.
func Disconnect() Event {
	return Event{Action: ActionDisconnect}
}

// Command builds an operator command frame: {action, ...params}.
func Command(action string, params map[string]any) Event {
	return Event{Action: action, Fields: params}
}

// DeviceID is the durable identifier assigned by the record store.
// It decodes from a JSON number or a numeric string, since control panels
// and displays send both.
type DeviceID int64

// UnmarshalJSON implements json.Unmarshaler.
func (id *DeviceID) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if s == "null" {
		return fmt.Errorf("device id is null")
	}
	if unq, err := strconv.Unquote(s); err == nil {
		s = strings.TrimSpace(unq)
	}

	if v, err := strconv.ParseInt(s, 10, 64); err == nil {
		*id = DeviceID(v)
		return nil
	}

	// Integral floats such as 12.0 are still valid ids.
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f != float64(int64(f)) {
		return fmt.Errorf("invalid device id %s", data)
	}
	*id = DeviceID(int64(f))
	return nil
}

// String returns the decimal form of the id.
func (id DeviceID) String() string {
	return strconv.FormatInt(int64(id), 10)
}
