package pairing

import (
	"context"
	"time"

	"github.com/signcast/host/internal/protocol"
	"github.com/signcast/host/internal/storage"
)

// RecordStore is the durable device record store. *storage.Store satisfies it.
type RecordStore interface {
	CreateDevice(ctx context.Context, device *storage.Device) (int64, error)
	GetDevice(ctx context.Context, id int64) (*storage.Device, error)
	DeleteDevice(ctx context.Context, id int64) error
	UpdateLastSeen(ctx context.Context, id int64, t time.Time) error
}

// AuditLog records registrations and forgets. *storage.Store satisfies it.
type AuditLog interface {
	AppendAudit(ctx context.Context, entry *storage.AuditEntry) error
}

// Lifecycle event kinds.
const (
	EventConnected     = "connected"
	EventAuthenticated = "authenticated"
	EventRegistered    = "registered"
	EventReconnected   = "reconnected"
	EventDisconnected  = "disconnected"
	EventForgotten     = "forgotten"
)

// LifecycleEvent describes a state change for external observers.
type LifecycleEvent struct {
	Kind         string            `json:"kind"`
	ConnectionID string            `json:"connectionId,omitempty"`
	DeviceID     protocol.DeviceID `json:"deviceId,omitempty"`
	AreaID       int64             `json:"areaId,omitempty"`
	At           time.Time         `json:"at"`
}

// EventSink receives lifecycle events. Publish is called with the manager lock
// held and must not block.
type EventSink interface {
	Publish(LifecycleEvent)
}

// Metrics receives counters and gauges from the manager.
type Metrics interface {
	ConnectionOpened()
	ConnectionClosed()
	CodeRotated()
	Claim(phase string, ok bool)
	Command(ok bool)
	Reconnect(ok bool)
	SetPending(n int)
	SetOnline(n int)
}

// Claim phases reported to Metrics.
const (
	PhaseVerify   = "verify"
	PhaseRegister = "register"
)

type nopSink struct{}

func (nopSink) Publish(LifecycleEvent) {}

type nopMetrics struct{}

func (nopMetrics) ConnectionOpened()  {}
func (nopMetrics) ConnectionClosed()  {}
func (nopMetrics) CodeRotated()       {}
func (nopMetrics) Claim(string, bool) {}
func (nopMetrics) Command(bool)       {}
func (nopMetrics) Reconnect(bool)     {}
func (nopMetrics) SetPending(int)     {}
func (nopMetrics) SetOnline(int)      {}
