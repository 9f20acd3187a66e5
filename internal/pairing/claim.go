package pairing

import (
	"context"
	"log"
	"strings"
	"time"

	"github.com/signcast/host/internal/auth"
	apperrors "github.com/signcast/host/internal/errors"
	"github.com/signcast/host/internal/protocol"
	"github.com/signcast/host/internal/storage"
)

// defaultUserAgent is recorded when the display never reported one.
const defaultUserAgent = "Unknown"

// Verify is the first claim step: an operator proves they can see the code.
// The session becomes authenticated, its validity window restarts, and the
// display is told to show its naming screen. Verifying an already verified
// code succeeds again and re-sends the notice.
func (m *Manager) Verify(ctx context.Context, code string, areaID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.pending.Lookup(ctx, code)
	if err != nil {
		m.cfg.Metrics.Claim(PhaseVerify, false)
		return err
	}

	now := m.cfg.TimeNow()
	first := !s.Authenticated
	s.Authenticated = true
	s.ClaimedAt = now
	if areaID != 0 {
		s.AreaID = areaID
	}
	s.Conn.state = StateAuthenticated

	m.pending.Extend(ctx, s)
	m.sendLocked(s.Conn, protocol.Authenticated())
	m.scheduleRotationLocked(s)

	if first {
		log.Printf("pairing: connection %s verified", s.Conn.ID)
		m.publishLocked(EventAuthenticated, s.Conn, s.AreaID)
	}
	m.cfg.Metrics.Claim(PhaseVerify, true)
	return nil
}

// RegisterRequest is the second claim step.
type RegisterRequest struct {
	Code     string
	Name     string
	AreaID   int64 // zero falls back to the area given at verify
	Operator string
}

// Register persists a device record for a verified code, binds the connection
// to the new id and tells the display its id and reconnect token.
//
// The record is written without holding the lock. If the display disconnects
// meanwhile, the record is deleted again and the call fails as if the code had
// expired. If the write fails the session is left authenticated so the
// operator can retry.
func (m *Manager) Register(ctx context.Context, req RegisterRequest) (protocol.DeviceID, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return 0, apperrors.InvalidRequest("name is required")
	}

	m.mu.Lock()
	s, err := m.pending.Lookup(ctx, req.Code)
	if err != nil {
		m.mu.Unlock()
		m.cfg.Metrics.Claim(PhaseRegister, false)
		return 0, err
	}
	if !s.Authenticated || s.registering {
		m.mu.Unlock()
		m.cfg.Metrics.Claim(PhaseRegister, false)
		return 0, ErrNotFoundOrExpired
	}
	s.registering = true
	handle, conn := s.Handle, s.Conn
	areaID := req.AreaID
	if areaID == 0 {
		areaID = s.AreaID
	}
	rec := newDeviceRecord(name, areaID, s.Code, conn.info, m.cfg.TimeNow())
	m.mu.Unlock()

	token, hash, err := auth.NewDeviceToken()
	if err != nil {
		m.abortRegistration(handle)
		m.cfg.Metrics.Claim(PhaseRegister, false)
		return 0, apperrors.Internal("generate device token", err)
	}
	rec.TokenHash = hash

	id, err := m.cfg.Records.CreateDevice(ctx, rec)
	if err != nil {
		log.Printf("pairing: failed to persist device for %s: %v", conn.ID, err)
		m.abortRegistration(handle)
		m.cfg.Metrics.Claim(PhaseRegister, false)
		return 0, apperrors.SaveFailed(err)
	}
	deviceID := protocol.DeviceID(id)

	m.mu.Lock()
	s = m.pending.ByHandle(handle)
	if s == nil || conn.state == StateClosed {
		m.mu.Unlock()
		log.Printf("pairing: connection %s closed during registration, removing device %d", conn.ID, id)
		m.compensate(id)
		m.cfg.Metrics.Claim(PhaseRegister, false)
		return 0, ErrNotFoundOrExpired
	}

	m.dropSessionLocked(conn)
	conn.state = StateRegistered
	conn.deviceID = deviceID
	m.claimed.Bind(deviceID, conn, m.cfg.TimeNow())
	m.sendLocked(conn, protocol.DeviceRegistered(deviceID, token))

	log.Printf("pairing: connection %s registered as device %d", conn.ID, id)
	m.publishLocked(EventRegistered, conn, areaID)
	m.cfg.Metrics.Claim(PhaseRegister, true)
	m.observeLocked()
	m.mu.Unlock()

	m.audit(ctx, &storage.AuditEntry{
		DeviceID: id,
		AreaID:   areaID,
		Operator: req.Operator,
		Action:   storage.AuditRegistered,
		At:       m.cfg.TimeNow(),
	})
	return deviceID, nil
}

// abortRegistration lets another Register call proceed on the same session.
func (m *Manager) abortRegistration(handle string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s := m.pending.ByHandle(handle); s != nil {
		s.registering = false
	}
}

// compensate removes a record whose display went away before it could be
// bound. It runs even when the caller's context is already done.
func (m *Manager) compensate(id int64) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(m.ctx), storeTimeout)
	defer cancel()

	if err := m.cfg.Records.DeleteDevice(ctx, id); err != nil {
		log.Printf("pairing: failed to remove orphaned device %d: %v", id, err)
	}
}

func newDeviceRecord(name string, areaID int64, code string, info *protocol.DeviceInfo, now time.Time) *storage.Device {
	ua := defaultUserAgent
	var width, height *int
	if info != nil {
		if info.UserAgent != "" {
			ua = info.UserAgent
		}
		if r := info.ScreenResolution; r != nil {
			width, height = r.Width, r.Height
		}
	}
	return &storage.Device{
		AreaID:       areaID,
		Name:         name,
		Type:         ua,
		ScreenWidth:  width,
		ScreenHeight: height,
		UserAgent:    ua,
		Code:         code,
		CreatedAt:    now,
		LastSeen:     now,
	}
}
