// Package pairing implements the device onboarding core: pairing codes, the
// pending and claimed registries, the per-connection state machine, the
// two-phase claim handshake, and command dispatch to registered displays.
//
// A Manager owns all of it. Every registry mutation happens under the
// manager's single lock, so connection events, operator requests and timer
// fires are applied one at a time. Record store calls are made outside the
// lock and the state they depend on is re-checked afterwards.
package pairing

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/signcast/host/internal/auth"
	apperrors "github.com/signcast/host/internal/errors"
	"github.com/signcast/host/internal/protocol"
	"github.com/signcast/host/internal/storage"
)

// Errors returned to operator-facing callers.
var (
	// ErrNotFoundOrExpired covers unknown, stale, rotated, and already
	// registered codes alike.
	ErrNotFoundOrExpired = apperrors.New(apperrors.CodePairingInvalidCode, apperrors.MessageInvalidCode)

	// ErrNotConnected covers unknown, offline, and unauthenticated devices alike.
	ErrNotConnected = apperrors.New(apperrors.CodeDispatchNotConnected, apperrors.MessageNotConnected)

	// ErrShuttingDown is returned by Connect after Shutdown.
	ErrShuttingDown = apperrors.New(apperrors.CodeServerShuttingDown, "host is shutting down")
)

// storeTimeout bounds record store and code index calls made from timers and
// socket events, which have no caller context of their own.
const storeTimeout = 5 * time.Second

// Config configures a Manager. Records is required.
type Config struct {
	// CodeTTL is how long a code stays valid after issue, rotation, or verify.
	// Default: 2m
	CodeTTL time.Duration

	// RotationInterval is the period between code rotations. Default: 2m
	RotationInterval time.Duration

	// ClaimTimeout demotes verified-but-unnamed sessions. Zero disables it.
	ClaimTimeout time.Duration

	// RequireReconnectToken makes reconnect present the registration token.
	RequireReconnectToken bool

	// Records persists device records.
	Records RecordStore

	// Audit records registrations and forgets. Optional.
	Audit AuditLog

	// Store is the code index. Default: a MemoryStore.
	Store Store

	// Scheduler runs rotation timers. Default: time.AfterFunc.
	Scheduler Scheduler

	// GenerateCode produces candidate codes. Default: GenerateCode.
	GenerateCode func() string

	// QRCode renders the claim link for a code. Optional.
	QRCode func(code string) string

	// Events receives lifecycle events. Optional.
	Events EventSink

	// Metrics receives counters and gauges. Optional.
	Metrics Metrics

	// TimeNow is injectable for tests. Default: time.Now
	TimeNow func() time.Time
}

// Stats is a point-in-time count of connections by state.
type Stats struct {
	Connections   int `json:"connections"`
	Pending       int `json:"pending"`
	Authenticated int `json:"authenticated"`
	Online        int `json:"online"`
}

// Manager is the connection lifecycle manager.
type Manager struct {
	cfg Config

	mu      sync.Mutex
	pending *Registry
	claimed *ClaimedRegistry
	conns   map[string]*Connection
	closed  bool

	// forgets counts Forget calls per id. reconnect compares it across its
	// record read so a device forgotten meanwhile is not bound again.
	forgets map[protocol.DeviceID]uint64

	// ctx is the parent for work not tied to a request. Cancelled by Shutdown.
	ctx    context.Context
	cancel context.CancelFunc
}

// NewManager creates a Manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Records == nil {
		return nil, errors.New("pairing: record store is required")
	}
	if cfg.CodeTTL <= 0 {
		cfg.CodeTTL = 2 * time.Minute
	}
	if cfg.RotationInterval <= 0 {
		cfg.RotationInterval = 2 * time.Minute
	}
	if cfg.TimeNow == nil {
		cfg.TimeNow = time.Now
	}
	if cfg.Store == nil {
		cfg.Store = NewMemoryStore(cfg.TimeNow)
	}
	if cfg.Scheduler == nil {
		cfg.Scheduler = realScheduler{}
	}
	if cfg.GenerateCode == nil {
		cfg.GenerateCode = GenerateCode
	}
	if cfg.Events == nil {
		cfg.Events = nopSink{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = nopMetrics{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:     cfg,
		pending: NewRegistry(cfg.Store, cfg.GenerateCode, cfg.CodeTTL, cfg.TimeNow),
		claimed: NewClaimedRegistry(),
		conns:   make(map[string]*Connection),
		forgets: make(map[protocol.DeviceID]uint64),
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Connect registers a new device socket: it enters Unclaimed, gets a code,
// and is told to display it.
func (m *Manager) Connect(ctx context.Context, t Transport) (*Connection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrShuttingDown
	}

	c := &Connection{
		ID:        uuid.NewString(),
		OpenedAt:  m.cfg.TimeNow(),
		transport: t,
		state:     StateUnclaimed,
	}

	s, err := m.pending.Register(ctx, c)
	if err != nil {
		log.Printf("pairing: failed to issue code for %s: %v", t.RemoteAddr(), err)
		return nil, err
	}
	c.session = s
	m.conns[c.ID] = c

	m.scheduleRotationLocked(s)
	m.sendLocked(c, protocol.DisplayCode(s.Code, m.qr(s.Code)))

	log.Printf("pairing: connection %s opened from %s", c.ID, t.RemoteAddr())
	m.cfg.Metrics.ConnectionOpened()
	m.publishLocked(EventConnected, c, 0)
	m.observeLocked()
	return c, nil
}

// HandleMessage applies one device frame. Malformed frames and frames that
// are not valid in the connection's current state are dropped silently.
func (m *Manager) HandleMessage(ctx context.Context, c *Connection, data []byte) {
	msg, err := protocol.Decode(data)
	if err != nil {
		log.Printf("pairing: dropped frame on %s: %v", c.ID, err)
		return
	}

	switch msg.Action {
	case protocol.ActionDeviceInfo:
		m.setDeviceInfo(c, msg.DeviceInfo)
	case protocol.ActionReconnect:
		m.reconnect(ctx, c, msg.Reconnect)
	}
}

func (m *Manager) setDeviceInfo(c *Connection, info *protocol.DeviceInfo) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if c.state == StateClosed {
		return
	}
	c.info = info
}

// reconnect binds c to a device id the host already knows, skipping the code.
func (m *Manager) reconnect(ctx context.Context, c *Connection, rc *protocol.Reconnect) {
	id := rc.DeviceID

	m.mu.Lock()
	if !c.state.canReconnect() {
		m.mu.Unlock()
		return
	}
	_, known := m.claimed.Get(id)
	forgets := m.forgets[id]
	m.mu.Unlock()

	rec, err := m.cfg.Records.GetDevice(ctx, int64(id))
	switch {
	case err != nil:
		log.Printf("pairing: reconnect lookup for device %d failed: %v", id, err)
		if !known || m.cfg.RequireReconnectToken {
			m.cfg.Metrics.Reconnect(false)
			return
		}
	case rec == nil:
		log.Printf("pairing: ignoring reconnect for unknown device %d", id)
		m.cfg.Metrics.Reconnect(false)
		return
	}

	if m.cfg.RequireReconnectToken && !checkToken(rec, rc.Token) {
		log.Printf("pairing: ignoring reconnect for device %d: bad token", id)
		m.cfg.Metrics.Reconnect(false)
		return
	}

	m.mu.Lock()
	if !c.state.canReconnect() {
		// Closed or registered while the record was being read.
		m.mu.Unlock()
		return
	}
	if m.forgets[id] != forgets {
		m.mu.Unlock()
		log.Printf("pairing: ignoring reconnect for device %d: forgotten during lookup", id)
		m.cfg.Metrics.Reconnect(false)
		return
	}

	m.dropSessionLocked(c)
	prev := m.claimed.Bind(id, c, m.cfg.TimeNow())
	c.state = StateRegistered
	c.deviceID = id

	if prev != nil && prev != c {
		log.Printf("pairing: device %d reconnected on %s, superseding %s", id, c.ID, prev.ID)
	} else {
		log.Printf("pairing: device %d reconnected on %s", id, c.ID)
	}
	m.cfg.Metrics.Reconnect(true)
	m.publishLocked(EventReconnected, c, 0)
	m.observeLocked()
	m.mu.Unlock()

	m.touch(id)
}

// Disconnect moves c to Closed. Unclaimed and authenticated sessions are
// released with their timers; a registered device keeps its claimed entry and
// only loses its connection reference, unless a newer socket already took over.
func (m *Manager) Disconnect(c *Connection) {
	m.mu.Lock()

	if c.state == StateClosed {
		m.mu.Unlock()
		return
	}
	prev := c.state
	c.state = StateClosed
	delete(m.conns, c.ID)

	m.dropSessionLocked(c)

	var touched protocol.DeviceID
	if prev == StateRegistered && m.claimed.Unbind(c.deviceID, c) {
		touched = c.deviceID
	}

	log.Printf("pairing: connection %s closed (was %s)", c.ID, prev)
	m.cfg.Metrics.ConnectionClosed()
	m.publishLocked(EventDisconnected, c, 0)
	m.observeLocked()
	m.mu.Unlock()

	if touched != 0 {
		m.touch(touched)
	}
}

// State returns the current state of c.
func (m *Manager) State(c *Connection) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return c.state
}

// Stats returns connection counts.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := Stats{
		Connections: len(m.conns),
		Pending:     m.pending.Len(),
		Online:      m.claimed.Online(),
	}
	for _, s := range m.pending.Sessions() {
		if s.Authenticated {
			st.Authenticated++
		}
	}
	return st
}

// Devices returns the status of every device registered or reconnected since
// the host started.
func (m *Manager) Devices() []DeviceStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.claimed.Snapshot()
}

// Shutdown stops every rotation timer, releases all pending codes and refuses
// new connections. Sockets are closed by the transport owner.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}
	m.closed = true

	for _, s := range m.pending.Sessions() {
		m.dropSessionLocked(s.Conn)
	}
	m.observeLocked()
	m.cancel()
	log.Printf("pairing: manager stopped")
}

// dropSessionLocked cancels the rotation timer of c's pending session and
// releases its code.
func (m *Manager) dropSessionLocked(c *Connection) {
	s := c.session
	if s == nil {
		return
	}
	m.stopRotationLocked(s)

	ctx, cancel := context.WithTimeout(m.ctx, storeTimeout)
	defer cancel()
	m.pending.Release(ctx, s)
	c.session = nil
}

// scheduleRotationLocked (re)starts the rotation cadence of s from now.
// The callback gets the session's handle and a generation number, never the
// session itself.
func (m *Manager) scheduleRotationLocked(s *PendingSession) {
	m.stopRotationLocked(s)
	s.timerSeq++
	handle, seq := s.Handle, s.timerSeq
	s.timer = m.cfg.Scheduler.AfterFunc(m.cfg.RotationInterval, func() {
		m.rotate(handle, seq)
	})
}

func (m *Manager) stopRotationLocked(s *PendingSession) {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// rotate is the timer callback. A fire for a released session, or one that
// was rescheduled after this timer was armed, does nothing.
func (m *Manager) rotate(handle string, seq uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.pending.ByHandle(handle)
	if s == nil || s.timerSeq != seq {
		return
	}
	s.timer = nil

	ctx, cancel := context.WithTimeout(m.ctx, storeTimeout)
	defer cancel()

	if err := m.pending.Rekey(ctx, s); err != nil {
		log.Printf("pairing: rotation failed for %s, keeping current code: %v", s.Conn.ID, err)
	} else {
		m.sendLocked(s.Conn, protocol.DisplayCode(s.Code, m.qr(s.Code)))
		m.cfg.Metrics.CodeRotated()
	}
	m.scheduleRotationLocked(s)
}

func (m *Manager) sendLocked(c *Connection, e protocol.Event) {
	if err := c.transport.Send(e); err != nil {
		log.Printf("pairing: failed to send %s to %s: %v", e.Action, c.ID, err)
	}
}

func (m *Manager) qr(code string) string {
	if m.cfg.QRCode == nil {
		return ""
	}
	return m.cfg.QRCode(code)
}

func (m *Manager) publishLocked(kind string, c *Connection, areaID int64) {
	m.cfg.Events.Publish(LifecycleEvent{
		Kind:         kind,
		ConnectionID: c.ID,
		DeviceID:     c.deviceID,
		AreaID:       areaID,
		At:           m.cfg.TimeNow(),
	})
}

func (m *Manager) observeLocked() {
	m.cfg.Metrics.SetPending(m.pending.Len())
	m.cfg.Metrics.SetOnline(m.claimed.Online())
}

// touch records that a registered device was seen now.
func (m *Manager) touch(id protocol.DeviceID) {
	ctx, cancel := context.WithTimeout(m.ctx, storeTimeout)
	defer cancel()

	err := m.cfg.Records.UpdateLastSeen(ctx, int64(id), m.cfg.TimeNow())
	if err != nil && !apperrors.IsCode(err, apperrors.CodeStorageNotFound) {
		log.Printf("pairing: failed to update last_seen for device %d: %v", id, err)
	}
}

func (m *Manager) audit(ctx context.Context, entry *storage.AuditEntry) {
	if m.cfg.Audit == nil {
		return
	}
	if err := m.cfg.Audit.AppendAudit(ctx, entry); err != nil {
		log.Printf("pairing: failed to write audit entry for device %d: %v", entry.DeviceID, err)
	}
}

func checkToken(rec *storage.Device, token string) bool {
	return rec != nil && auth.CheckDeviceToken(rec.TokenHash, token)
}
