package pairing

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/signcast/host/internal/protocol"
	"github.com/signcast/host/internal/storage"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeTimer struct {
	d       time.Duration
	f       func()
	stopped bool
	stops   int
}

func (t *fakeTimer) Stop() bool {
	t.stops++
	wasActive := !t.stopped
	t.stopped = true
	return wasActive
}

// fakeScheduler hands out timers that only fire when the test says so.
type fakeScheduler struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

func (s *fakeScheduler) AfterFunc(d time.Duration, f func()) Timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &fakeTimer{d: d, f: f}
	s.timers = append(s.timers, t)
	return t
}

func (s *fakeScheduler) last() *fakeTimer {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.timers) == 0 {
		return nil
	}
	return s.timers[len(s.timers)-1]
}

func (s *fakeScheduler) active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.timers {
		if !t.stopped {
			n++
		}
	}
	return n
}

// fire runs the most recent timer's callback as if it had elapsed.
func (s *fakeScheduler) fire(t *testing.T) {
	t.Helper()
	tm := s.last()
	if tm == nil {
		t.Fatal("no timer scheduled")
	}
	if tm.stopped {
		t.Fatal("last timer was stopped")
	}
	tm.stopped = true
	tm.f()
}

type fakeTransport struct {
	mu      sync.Mutex
	events  []protocol.Event
	closed  bool
	sendErr error
}

func (t *fakeTransport) Send(e protocol.Event) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return errors.New("closed")
	}
	if t.sendErr != nil {
		return t.sendErr
	}
	t.events = append(t.events, e)
	return nil
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

func (t *fakeTransport) RemoteAddr() string { return "198.51.100.7:5000" }

func (t *fakeTransport) sent() []protocol.Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]protocol.Event(nil), t.events...)
}

func (t *fakeTransport) lastEvent() protocol.Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.events) == 0 {
		return protocol.Event{}
	}
	return t.events[len(t.events)-1]
}

// lastCode returns the code from the most recent displayCode event.
func (t *fakeTransport) lastCode() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := len(t.events) - 1; i >= 0; i-- {
		if t.events[i].Action == protocol.ActionDisplayCode {
			return t.events[i].Fields["code"].(string)
		}
	}
	return ""
}

func (t *fakeTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

type fakeRecords struct {
	mu        sync.Mutex
	devices   map[int64]*storage.Device
	nextID    int64
	createErr error
	deleteErr error
	getErr    error
	onCreate  func() // runs inside CreateDevice, before it returns
	onGet     func() // runs inside GetDevice, after the record was read
	seen      map[int64]time.Time
	audit     []*storage.AuditEntry
}

func newFakeRecords() *fakeRecords {
	return &fakeRecords{
		devices: make(map[int64]*storage.Device),
		seen:    make(map[int64]time.Time),
	}
}

func (r *fakeRecords) CreateDevice(_ context.Context, d *storage.Device) (int64, error) {
	if r.onCreate != nil {
		r.onCreate()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.createErr != nil {
		return 0, r.createErr
	}
	r.nextID++
	cp := *d
	cp.ID = r.nextID
	r.devices[cp.ID] = &cp
	return cp.ID, nil
}

func (r *fakeRecords) GetDevice(_ context.Context, id int64) (*storage.Device, error) {
	d, err := r.getDevice(id)
	if r.onGet != nil {
		r.onGet()
	}
	return d, err
}

func (r *fakeRecords) getDevice(id int64) (*storage.Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.getErr != nil {
		return nil, r.getErr
	}
	d, ok := r.devices[id]
	if !ok {
		return nil, nil
	}
	cp := *d
	return &cp, nil
}

func (r *fakeRecords) DeleteDevice(_ context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.deleteErr != nil {
		return r.deleteErr
	}
	delete(r.devices, id)
	return nil
}

func (r *fakeRecords) UpdateLastSeen(_ context.Context, id int64, t time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.devices[id]; !ok {
		return storage.ErrDeviceNotFound
	}
	r.seen[id] = t
	return nil
}

func (r *fakeRecords) AppendAudit(_ context.Context, e *storage.AuditEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.audit = append(r.audit, e)
	return nil
}

func (r *fakeRecords) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.devices)
}

type fakeSink struct {
	mu     sync.Mutex
	events []LifecycleEvent
}

func (s *fakeSink) Publish(e LifecycleEvent) {
	s.mu.Lock()
	s.events = append(s.events, e)
	s.mu.Unlock()
}

func (s *fakeSink) kinds() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.events))
	for i, e := range s.events {
		out[i] = e.Kind
	}
	return out
}

func (s *fakeSink) count(kind string) int {
	n := 0
	for _, k := range s.kinds() {
		if k == kind {
			n++
		}
	}
	return n
}

// sequentialCodes yields 100000, 100001, ... so rotations are predictable.
func sequentialCodes() func() string {
	var mu sync.Mutex
	next := CodeMin
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		c := strconv.Itoa(next)
		next++
		return c
	}
}
