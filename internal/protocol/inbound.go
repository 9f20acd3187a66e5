package protocol

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	apperrors "github.com/signcast/host/internal/errors"
)

//go:embed inbound.schema.json
var inboundSchema []byte

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("inbound.schema.json", bytes.NewReader(inboundSchema)); err != nil {
			schemaErr = err
			return
		}
		schema, schemaErr = compiler.Compile("inbound.schema.json")
	})
	return schema, schemaErr
}

// Message is a validated device frame. Exactly one of the typed payloads is
// set for a recognized action; both are nil for other actions.
type Message struct {
	Action     string
	DeviceInfo *DeviceInfo
	Reconnect  *Reconnect
}

// DeviceInfo is the display's self-reported attributes.
type DeviceInfo struct {
	UserAgent        string            `json:"userAgent"`
	ScreenResolution *ScreenResolution `json:"screenResolution,omitempty"`
}

// ScreenResolution is the display size in pixels. Either side may be missing.
type ScreenResolution struct {
	Width  *int `json:"width,omitempty"`
	Height *int `json:"height,omitempty"`
}

// Reconnect asks to resume a registered device's session on a new socket.
type Reconnect struct {
	DeviceID DeviceID `json:"deviceId"`
	Token    string   `json:"token,omitempty"`
}

// Decode parses and validates one device frame. Any error means the frame
// must be dropped.
func Decode(data []byte) (*Message, error) {
	s, err := compiledSchema()
	if err != nil {
		return nil, apperrors.Internal("compile schema", err)
	}

	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, apperrors.InvalidMessage("invalid json", err)
	}
	if err := s.Validate(raw); err != nil {
		return nil, apperrors.InvalidMessage("schema validation failed", err)
	}

	var head struct {
		Action string `json:"action"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, apperrors.InvalidMessage("invalid action", err)
	}

	msg := &Message{Action: head.Action}
	switch head.Action {
	case ActionDeviceInfo:
		var info DeviceInfo
		if err := json.Unmarshal(data, &info); err != nil {
			return nil, apperrors.InvalidMessage("decode deviceInfo", err)
		}
		msg.DeviceInfo = &info
	case ActionReconnect:
		var rc Reconnect
		if err := json.Unmarshal(data, &rc); err != nil {
			return nil, apperrors.InvalidMessage("decode reconnect", err)
		}
		msg.Reconnect = &rc
	}
	return msg, nil
}
