package pairing

import (
	"sort"
	"time"

	"github.com/signcast/host/internal/protocol"
)

// ClaimedDevice is a registered display and its current socket, if any.
type ClaimedDevice struct {
	ID            protocol.DeviceID
	Conn          *Connection // nil while offline
	Authenticated bool
	ConnectedAt   time.Time
}

// DeviceStatus is a read-only copy of a ClaimedDevice for callers outside the lock.
type DeviceStatus struct {
	DeviceID    protocol.DeviceID `json:"deviceId"`
	Connected   bool              `json:"connected"`
	ConnectedAt *time.Time        `json:"connectedAt,omitempty"`
}

// ClaimedRegistry maps device ids to live connections. Like Registry it relies
// on the Manager's lock.
type ClaimedRegistry struct {
	byID map[protocol.DeviceID]*ClaimedDevice
}

// NewClaimedRegistry creates an empty registry.
func NewClaimedRegistry() *ClaimedRegistry {
	return &ClaimedRegistry{byID: make(map[protocol.DeviceID]*ClaimedDevice)}
}

// Bind makes conn the device's live connection and returns the connection it
// replaced, if any. The replaced socket is left open; it closes on its own.
func (r *ClaimedRegistry) Bind(id protocol.DeviceID, conn *Connection, now time.Time) *Connection {
	d, ok := r.byID[id]
	if !ok {
		d = &ClaimedDevice{ID: id}
		r.byID[id] = d
	}
	prev := d.Conn
	d.Conn = conn
	d.Authenticated = true
	d.ConnectedAt = now
	return prev
}

// Get returns the entry for id.
func (r *ClaimedRegistry) Get(id protocol.DeviceID) (*ClaimedDevice, bool) {
	d, ok := r.byID[id]
	return d, ok
}

// Unbind clears the device's connection only if it is still conn. It reports
// whether anything changed.
func (r *ClaimedRegistry) Unbind(id protocol.DeviceID, conn *Connection) bool {
	d, ok := r.byID[id]
	if !ok || d.Conn != conn {
		return false
	}
	d.Conn = nil
	return true
}

// Remove deletes the entry and returns it, or nil if absent.
func (r *ClaimedRegistry) Remove(id protocol.DeviceID) *ClaimedDevice {
	d := r.byID[id]
	delete(r.byID, id)
	return d
}

// Online counts devices with a live connection.
func (r *ClaimedRegistry) Online() int {
	n := 0
	for _, d := range r.byID {
		if d.Conn != nil {
			n++
		}
	}
	return n
}

// Snapshot returns the status of every entry ordered by id.
func (r *ClaimedRegistry) Snapshot() []DeviceStatus {
	out := make([]DeviceStatus, 0, len(r.byID))
	for _, d := range r.byID {
		st := DeviceStatus{DeviceID: d.ID, Connected: d.Conn != nil}
		if st.Connected {
			at := d.ConnectedAt
			st.ConnectedAt = &at
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}
