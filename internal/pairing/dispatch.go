package pairing

import (
	"context"
	"log"
	"strings"
	"time"

	apperrors "github.com/signcast/host/internal/errors"
	"github.com/signcast/host/internal/protocol"
	"github.com/signcast/host/internal/storage"
)

// Command is an operator instruction for a registered display.
type Command struct {
	Action string         `json:"command"`
	Params map[string]any `json:"params,omitempty"`
}

// Send delivers cmd to a registered, connected display. Lifecycle actions are
// refused so an operator cannot spoof pairing frames.
func (m *Manager) Send(ctx context.Context, id protocol.DeviceID, cmd Command) error {
	action := strings.TrimSpace(cmd.Action)
	if action == "" || protocol.IsReserved(action) {
		return apperrors.InvalidCommand(action)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.claimed.Get(id)
	if !ok || !d.Authenticated || d.Conn == nil || d.Conn.state != StateRegistered {
		m.cfg.Metrics.Command(false)
		return ErrNotConnected
	}

	if err := d.Conn.transport.Send(protocol.Command(action, cmd.Params)); err != nil {
		log.Printf("pairing: failed to deliver %q to device %d: %v", action, id, err)
		m.cfg.Metrics.Command(false)
		return ErrNotConnected
	}
	m.cfg.Metrics.Command(true)
	return nil
}

// Forget deletes the device record, drops the claimed entry and, if the
// display is online, tells it to disconnect and closes the socket. Forgetting
// an unknown id succeeds.
func (m *Manager) Forget(ctx context.Context, id protocol.DeviceID, operator string) error {
	if err := m.cfg.Records.DeleteDevice(ctx, int64(id)); err != nil {
		log.Printf("pairing: failed to delete device %d: %v", id, err)
		return apperrors.DeleteFailed(err)
	}

	m.mu.Lock()
	m.forgets[id]++
	var conn *Connection
	if d := m.claimed.Remove(id); d != nil && d.Conn != nil {
		conn = d.Conn
		m.sendLocked(conn, protocol.Disconnect())
		m.publishLocked(EventForgotten, conn, 0)
	} else {
		m.cfg.Events.Publish(LifecycleEvent{Kind: EventForgotten, DeviceID: id, At: m.cfg.TimeNow()})
	}
	m.observeLocked()
	m.mu.Unlock()

	if conn != nil {
		// The read loop observes the close and calls Disconnect, which finds
		// no claimed entry left to unbind.
		if err := conn.transport.Close(); err != nil {
			log.Printf("pairing: failed to close socket of device %d: %v", id, err)
		}
	}
	log.Printf("pairing: device %d forgotten", id)

	m.audit(ctx, &storage.AuditEntry{
		DeviceID: int64(id),
		Operator: operator,
		Action:   storage.AuditForgotten,
		At:       m.cfg.TimeNow(),
	})
	return nil
}

// ExpireStaleClaims demotes sessions that were verified more than
// ClaimTimeout ago but never named. Each gets a fresh code, so the old one
// cannot be named by whoever verified it. Returns the number demoted.
func (m *Manager) ExpireStaleClaims() int {
	if m.cfg.ClaimTimeout <= 0 {
		return 0
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	ctx, cancel := context.WithTimeout(m.ctx, storeTimeout)
	defer cancel()

	cutoff := m.cfg.TimeNow().Add(-m.cfg.ClaimTimeout)
	n := 0
	for _, s := range m.pending.Sessions() {
		if !s.Authenticated || s.registering || s.ClaimedAt.After(cutoff) {
			continue
		}
		if err := m.pending.Rekey(ctx, s); err != nil {
			log.Printf("pairing: failed to reissue code for %s: %v", s.Conn.ID, err)
			continue
		}
		s.Authenticated = false
		s.ClaimedAt = time.Time{}
		s.AreaID = 0
		s.Conn.state = StateUnclaimed
		m.sendLocked(s.Conn, protocol.DisplayCode(s.Code, m.qr(s.Code)))
		m.scheduleRotationLocked(s)
		log.Printf("pairing: claim on %s timed out", s.Conn.ID)
		n++
	}
	return n
}
