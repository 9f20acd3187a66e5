package pairing

import (
	"time"

	"github.com/signcast/host/internal/protocol"
)

// State is the lifecycle state of one device connection.
type State int

const (
	// StateUnclaimed: a code is displayed and nobody has claimed it yet.
	StateUnclaimed State = iota
	// StateAuthenticated: an operator verified the code; waiting for a name.
	StateAuthenticated
	// StateRegistered: bound to a durable device id, either by naming or by reconnect.
	StateRegistered
	// StateClosed: the socket is gone. Terminal.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUnclaimed:
		return "unclaimed"
	case StateAuthenticated:
		return "authenticated"
	case StateRegistered:
		return "registered"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// canReconnect reports whether a reconnect frame is honored in this state.
func (s State) canReconnect() bool {
	return s == StateUnclaimed || s == StateAuthenticated
}

// Transport is the outbound half of a device socket.
type Transport interface {
	// Send queues an event without blocking. It fails when the connection is
	// closed or its send buffer is full.
	Send(protocol.Event) error

	// Close flushes queued events and closes the socket.
	Close() error

	// RemoteAddr is used for logging.
	RemoteAddr() string
}

// Connection is one device socket as seen by the lifecycle manager.
// All fields are guarded by the manager's lock.
type Connection struct {
	ID       string
	OpenedAt time.Time

	transport Transport
	state     State
	session   *PendingSession      // set while Unclaimed or Authenticated
	deviceID  protocol.DeviceID    // set once Registered
	info      *protocol.DeviceInfo // last deviceInfo report
}

// PendingSession is a connection waiting to be claimed and named.
// It is addressed by Handle, which never changes, while Code rotates.
type PendingSession struct {
	Handle        string
	Code          string
	Conn          *Connection
	ExpiresAt     time.Time
	Authenticated bool
	ClaimedAt     time.Time
	AreaID        int64 // area given at verify, default for naming

	registering bool   // a name-and-register call is persisting the record
	released    bool   // removed from the registry
	timer       Timer  // pending rotation, nil when none
	timerSeq    uint64 // bumped on every schedule; stale fires compare unequal
}

// Timer is a scheduled callback that can be cancelled.
type Timer interface {
	Stop() bool
}

// Scheduler runs f after d. The default uses time.AfterFunc; tests substitute
// a manual clock.
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) Timer
}

type realScheduler struct{}

func (realScheduler) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
