package pairing

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/signcast/host/internal/auth"
	apperrors "github.com/signcast/host/internal/errors"
	"github.com/signcast/host/internal/protocol"
	"github.com/signcast/host/internal/storage"
)

type testHarness struct {
	m       *Manager
	clock   *fakeClock
	sched   *fakeScheduler
	records *fakeRecords
	sink    *fakeSink
}

func newHarness(t *testing.T, opts ...func(*Config)) *testHarness {
	t.Helper()
	h := &testHarness{
		clock:   newFakeClock(),
		sched:   &fakeScheduler{},
		records: newFakeRecords(),
		sink:    &fakeSink{},
	}
	cfg := Config{
		CodeTTL:          2 * time.Minute,
		RotationInterval: 2 * time.Minute,
		Records:          h.records,
		Audit:            h.records,
		Scheduler:        h.sched,
		GenerateCode:     sequentialCodes(),
		Events:           h.sink,
		TimeNow:          h.clock.Now,
	}
	for _, o := range opts {
		o(&cfg)
	}
	m, err := NewManager(cfg)
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	h.m = m
	t.Cleanup(m.Shutdown)
	return h
}

func (h *testHarness) connect(t *testing.T) (*Connection, *fakeTransport) {
	t.Helper()
	tr := &fakeTransport{}
	c, err := h.m.Connect(context.Background(), tr)
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	return c, tr
}

// register takes a fresh connection through verify and naming.
func (h *testHarness) register(t *testing.T, name string) (*Connection, *fakeTransport, protocol.DeviceID) {
	t.Helper()
	c, tr := h.connect(t)
	ctx := context.Background()
	if err := h.m.Verify(ctx, tr.lastCode(), 3); err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	id, err := h.m.Register(ctx, RegisterRequest{Code: tr.lastCode(), Name: name, Operator: "op-1"})
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	return c, tr, id
}

func TestNewManager_RequiresRecords(t *testing.T) {
	if _, err := NewManager(Config{}); err == nil {
		t.Fatal("expected error without record store")
	}
}

func TestConnect_DisplaysCode(t *testing.T) {
	h := newHarness(t)
	c, tr := h.connect(t)

	events := tr.sent()
	if len(events) != 1 || events[0].Action != protocol.ActionDisplayCode {
		t.Fatalf("events = %+v, want one displayCode", events)
	}
	code, _ := strconv.Atoi(tr.lastCode())
	if code < CodeMin || code > CodeMax {
		t.Errorf("code %d out of range", code)
	}
	if _, ok := events[0].Fields["qr"]; ok {
		t.Error("qr should be omitted without a renderer")
	}
	if got := h.m.State(c); got != StateUnclaimed {
		t.Errorf("state = %s, want unclaimed", got)
	}
	if st := h.m.Stats(); st.Pending != 1 || st.Connections != 1 {
		t.Errorf("stats = %+v", st)
	}
	if h.sched.active() != 1 {
		t.Errorf("active timers = %d, want 1", h.sched.active())
	}
	if tm := h.sched.last(); tm.d != 2*time.Minute {
		t.Errorf("rotation interval = %v, want 2m", tm.d)
	}
	if h.sink.count(EventConnected) != 1 {
		t.Errorf("events = %v", h.sink.kinds())
	}
}

func TestConnect_DistinctCodes(t *testing.T) {
	h := newHarness(t, func(c *Config) {
		// Collides on every other call.
		gen := sequentialCodes()
		n := 0
		c.GenerateCode = func() string {
			n++
			if n%2 == 0 {
				return "100000"
			}
			return gen()
		}
	})

	seen := make(map[string]bool)
	for i := 0; i < 5; i++ {
		_, tr := h.connect(t)
		code := tr.lastCode()
		if seen[code] {
			t.Fatalf("code %s issued twice", code)
		}
		seen[code] = true
	}
}

func TestConnect_QRCode(t *testing.T) {
	h := newHarness(t, func(c *Config) {
		c.QRCode = func(code string) string { return "qr:" + code }
	})
	_, tr := h.connect(t)

	ev := tr.lastEvent()
	if ev.Fields["qr"] != "qr:"+tr.lastCode() {
		t.Errorf("qr = %v", ev.Fields["qr"])
	}
}

func TestRotation_ReplacesCode(t *testing.T) {
	h := newHarness(t)
	_, tr := h.connect(t)
	old := tr.lastCode()

	h.sched.fire(t)

	fresh := tr.lastCode()
	if fresh == old {
		t.Fatal("code did not rotate")
	}
	if n := len(tr.sent()); n != 2 {
		t.Errorf("sent %d events, want 2", n)
	}
	if h.sched.active() != 1 {
		t.Errorf("active timers = %d, want 1", h.sched.active())
	}

	ctx := context.Background()
	if err := h.m.Verify(ctx, old, 0); !errors.Is(err, ErrNotFoundOrExpired) {
		t.Errorf("Verify(old) = %v, want ErrNotFoundOrExpired", err)
	}
	if err := h.m.Verify(ctx, fresh, 0); err != nil {
		t.Errorf("Verify(new) failed: %v", err)
	}
}

func TestRotation_StaleFireIgnored(t *testing.T) {
	h := newHarness(t)
	_, tr := h.connect(t)
	stale := h.sched.last()

	// Verify restarts the cadence, superseding the first timer.
	if err := h.m.Verify(context.Background(), tr.lastCode(), 0); err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if !stale.stopped {
		t.Fatal("first timer not stopped")
	}
	before := len(tr.sent())
	code := tr.lastCode()

	stale.f()

	if len(tr.sent()) != before || tr.lastCode() != code {
		t.Error("stale timer fire rotated the code")
	}
}

func TestRotation_AfterDisconnectIgnored(t *testing.T) {
	h := newHarness(t)
	c, tr := h.connect(t)
	tm := h.sched.last()

	h.m.Disconnect(c)
	tm.f()

	if n := len(tr.sent()); n != 1 {
		t.Errorf("sent %d events after close, want 1", n)
	}
	if h.sched.active() != 0 {
		t.Errorf("active timers = %d, want 0", h.sched.active())
	}
}

func TestVerify(t *testing.T) {
	h := newHarness(t)
	c, tr := h.connect(t)
	code := tr.lastCode()

	h.clock.Advance(90 * time.Second)
	if err := h.m.Verify(context.Background(), code, 4); err != nil {
		t.Fatalf("Verify failed: %v", err)
	}

	if got := h.m.State(c); got != StateAuthenticated {
		t.Errorf("state = %s, want authenticated", got)
	}
	if ev := tr.lastEvent(); ev.Action != protocol.ActionAuthenticated {
		t.Errorf("last event = %s, want authenticated", ev.Action)
	}
	if st := h.m.Stats(); st.Authenticated != 1 {
		t.Errorf("stats = %+v", st)
	}

	// The window restarted at verify, so the code outlives its original TTL.
	h.clock.Advance(90 * time.Second)
	if err := h.m.Verify(context.Background(), code, 0); err != nil {
		t.Errorf("Verify after extension failed: %v", err)
	}
}

func TestVerify_Idempotent(t *testing.T) {
	h := newHarness(t)
	c, tr := h.connect(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := h.m.Verify(ctx, tr.lastCode(), 0); err != nil {
			t.Fatalf("Verify #%d failed: %v", i+1, err)
		}
	}

	n := 0
	for _, ev := range tr.sent() {
		if ev.Action == protocol.ActionAuthenticated {
			n++
		}
	}
	if n != 2 {
		t.Errorf("authenticated sent %d times, want 2", n)
	}
	if h.sink.count(EventAuthenticated) != 1 {
		t.Errorf("authenticated published %d times, want 1", h.sink.count(EventAuthenticated))
	}
	if h.m.State(c) != StateAuthenticated {
		t.Errorf("state = %s", h.m.State(c))
	}
}

func TestVerify_InvalidCodes(t *testing.T) {
	h := newHarness(t)
	_, tr := h.connect(t)
	ctx := context.Background()

	for _, code := range []string{"", "999999", "abc"} {
		err := h.m.Verify(ctx, code, 0)
		if !apperrors.IsCode(err, apperrors.CodePairingInvalidCode) {
			t.Errorf("Verify(%q) = %v, want invalid code", code, err)
		}
	}

	h.clock.Advance(2 * time.Minute)
	if err := h.m.Verify(ctx, tr.lastCode(), 0); !errors.Is(err, ErrNotFoundOrExpired) {
		t.Errorf("Verify(expired) = %v, want ErrNotFoundOrExpired", err)
	}
}

func TestRegister(t *testing.T) {
	h := newHarness(t)
	c, tr := h.connect(t)
	ctx := context.Background()

	h.m.HandleMessage(ctx, c, []byte(`{"action":"deviceInfo","userAgent":"Tizen/6.0","screenResolution":{"width":1920,"height":1080}}`))

	code := tr.lastCode()
	if err := h.m.Verify(ctx, code, 7); err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	id, err := h.m.Register(ctx, RegisterRequest{Code: code, Name: "  Lobby  ", Operator: "op-1"})
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if id != 1 {
		t.Errorf("id = %d, want 1", id)
	}

	rec := h.records.devices[1]
	if rec == nil {
		t.Fatal("record not persisted")
	}
	if rec.Name != "Lobby" || rec.AreaID != 7 || rec.UserAgent != "Tizen/6.0" || rec.Code != code {
		t.Errorf("record = %+v", rec)
	}
	if rec.ScreenWidth == nil || *rec.ScreenWidth != 1920 || rec.ScreenHeight == nil || *rec.ScreenHeight != 1080 {
		t.Errorf("screen = %v x %v", rec.ScreenWidth, rec.ScreenHeight)
	}

	ev := tr.lastEvent()
	if ev.Action != protocol.ActionDeviceRegistered || ev.Fields["deviceId"] != int64(1) {
		t.Fatalf("last event = %+v", ev)
	}
	token, _ := ev.Fields["token"].(string)
	if !auth.CheckDeviceToken(rec.TokenHash, token) {
		t.Error("token does not match stored hash")
	}

	if h.m.State(c) != StateRegistered {
		t.Errorf("state = %s, want registered", h.m.State(c))
	}
	if st := h.m.Stats(); st.Pending != 0 || st.Online != 1 {
		t.Errorf("stats = %+v", st)
	}
	if h.sched.active() != 0 {
		t.Errorf("active timers = %d, want 0", h.sched.active())
	}
	for _, tm := range h.sched.timers {
		if tm.stops > 1 {
			t.Errorf("timer stopped %d times", tm.stops)
		}
	}
	if len(h.records.audit) != 1 || h.records.audit[0].Action != storage.AuditRegistered || h.records.audit[0].Operator != "op-1" {
		t.Errorf("audit = %+v", h.records.audit)
	}

	// The code is spent.
	if err := h.m.Verify(ctx, code, 0); !errors.Is(err, ErrNotFoundOrExpired) {
		t.Errorf("Verify after register = %v", err)
	}
	if _, err := h.m.Register(ctx, RegisterRequest{Code: code, Name: "Again"}); !errors.Is(err, ErrNotFoundOrExpired) {
		t.Errorf("second Register = %v", err)
	}
}

func TestRegister_DefaultsWithoutDeviceInfo(t *testing.T) {
	h := newHarness(t)
	h.register(t, "Hall")

	rec := h.records.devices[1]
	if rec.UserAgent != defaultUserAgent || rec.Type != defaultUserAgent {
		t.Errorf("user agent = %q, type = %q", rec.UserAgent, rec.Type)
	}
	if rec.ScreenWidth != nil || rec.ScreenHeight != nil {
		t.Error("screen size should be unknown")
	}
	if rec.AreaID != 3 {
		t.Errorf("area = %d, want area from verify", rec.AreaID)
	}
}

func TestRegister_RequiresVerify(t *testing.T) {
	h := newHarness(t)
	c, tr := h.connect(t)

	_, err := h.m.Register(context.Background(), RegisterRequest{Code: tr.lastCode(), Name: "Lobby"})
	if !errors.Is(err, ErrNotFoundOrExpired) {
		t.Fatalf("Register = %v, want ErrNotFoundOrExpired", err)
	}
	if h.records.count() != 0 {
		t.Error("record created for unverified code")
	}
	if h.m.State(c) != StateUnclaimed {
		t.Errorf("state = %s", h.m.State(c))
	}
}

func TestRegister_EmptyName(t *testing.T) {
	h := newHarness(t)
	_, tr := h.connect(t)
	ctx := context.Background()
	if err := h.m.Verify(ctx, tr.lastCode(), 0); err != nil {
		t.Fatal(err)
	}

	_, err := h.m.Register(ctx, RegisterRequest{Code: tr.lastCode(), Name: "   "})
	if !apperrors.IsCode(err, apperrors.CodeRequestInvalid) {
		t.Errorf("Register = %v, want request.invalid", err)
	}
}

func TestRegister_PersistFailureKeepsSession(t *testing.T) {
	h := newHarness(t)
	c, tr := h.connect(t)
	ctx := context.Background()
	code := tr.lastCode()
	if err := h.m.Verify(ctx, code, 0); err != nil {
		t.Fatal(err)
	}

	h.records.createErr = errors.New("disk full")
	_, err := h.m.Register(ctx, RegisterRequest{Code: code, Name: "Lobby"})
	if !apperrors.IsCode(err, apperrors.CodeStorageSaveFailed) {
		t.Fatalf("Register = %v, want storage.save_failed", err)
	}
	if h.m.State(c) != StateAuthenticated {
		t.Errorf("state = %s, want authenticated", h.m.State(c))
	}

	h.records.createErr = nil
	if _, err := h.m.Register(ctx, RegisterRequest{Code: code, Name: "Lobby"}); err != nil {
		t.Fatalf("retry failed: %v", err)
	}
}

func TestRegister_DisconnectWhilePersisting(t *testing.T) {
	h := newHarness(t)
	c, tr := h.connect(t)
	ctx := context.Background()
	code := tr.lastCode()
	if err := h.m.Verify(ctx, code, 0); err != nil {
		t.Fatal(err)
	}

	h.records.onCreate = func() { h.m.Disconnect(c) }
	_, err := h.m.Register(ctx, RegisterRequest{Code: code, Name: "Lobby"})
	if !errors.Is(err, ErrNotFoundOrExpired) {
		t.Fatalf("Register = %v, want ErrNotFoundOrExpired", err)
	}
	if h.records.count() != 0 {
		t.Error("orphaned record was not removed")
	}
	if len(h.m.Devices()) != 0 {
		t.Error("closed connection was bound")
	}
	for _, ev := range tr.sent() {
		if ev.Action == protocol.ActionDeviceRegistered {
			t.Error("deviceRegistered sent to closed connection")
		}
	}
}

func TestRegister_ConcurrentCallsOnOneCode(t *testing.T) {
	h := newHarness(t)
	_, tr := h.connect(t)
	ctx := context.Background()
	code := tr.lastCode()
	if err := h.m.Verify(ctx, code, 0); err != nil {
		t.Fatal(err)
	}

	var inner error
	h.records.onCreate = func() {
		h.records.onCreate = nil
		_, inner = h.m.Register(ctx, RegisterRequest{Code: code, Name: "Second"})
	}
	if _, err := h.m.Register(ctx, RegisterRequest{Code: code, Name: "First"}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if !errors.Is(inner, ErrNotFoundOrExpired) {
		t.Errorf("overlapping Register = %v, want ErrNotFoundOrExpired", inner)
	}
	if h.records.count() != 1 {
		t.Errorf("records = %d, want 1", h.records.count())
	}
}

func TestSend(t *testing.T) {
	h := newHarness(t)
	_, tr, id := h.register(t, "Lobby")
	ctx := context.Background()

	err := h.m.Send(ctx, id, Command{Action: "play", Params: map[string]any{"playlist": 9}})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	ev := tr.lastEvent()
	if ev.Action != "play" || ev.Fields["playlist"] != 9 {
		t.Errorf("last event = %+v", ev)
	}
}

func TestSend_Errors(t *testing.T) {
	h := newHarness(t)
	c, tr, id := h.register(t, "Lobby")
	ctx := context.Background()

	for _, action := range []string{"", " ", protocol.ActionDisplayCode, protocol.ActionDisconnect, protocol.ActionReconnect} {
		err := h.m.Send(ctx, id, Command{Action: action})
		if !apperrors.IsCode(err, apperrors.CodeDispatchInvalidCommand) {
			t.Errorf("Send(%q) = %v, want invalid command", action, err)
		}
	}

	if err := h.m.Send(ctx, id+1, Command{Action: "play"}); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Send(unknown) = %v, want ErrNotConnected", err)
	}

	tr.sendErr = errors.New("buffer full")
	if err := h.m.Send(ctx, id, Command{Action: "play"}); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Send(full) = %v, want ErrNotConnected", err)
	}
	tr.sendErr = nil

	h.m.Disconnect(c)
	if err := h.m.Send(ctx, id, Command{Action: "play"}); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Send(offline) = %v, want ErrNotConnected", err)
	}
	devices := h.m.Devices()
	if len(devices) != 1 || devices[0].Connected {
		t.Errorf("devices = %+v, want one offline entry", devices)
	}
}

func TestSend_UnauthenticatedConnection(t *testing.T) {
	h := newHarness(t)
	_, tr := h.connect(t)
	if err := h.m.Verify(context.Background(), tr.lastCode(), 0); err != nil {
		t.Fatal(err)
	}

	// Nothing is bound until naming completes.
	if err := h.m.Send(context.Background(), 1, Command{Action: "play"}); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Send = %v, want ErrNotConnected", err)
	}
}

func TestForget(t *testing.T) {
	h := newHarness(t)
	c, tr, id := h.register(t, "Lobby")
	ctx := context.Background()

	if err := h.m.Forget(ctx, id, "op-2"); err != nil {
		t.Fatalf("Forget failed: %v", err)
	}
	// Close happened after disconnect was queued, so it is the last event.
	if len(tr.events) == 0 || tr.events[len(tr.events)-1].Action != protocol.ActionDisconnect {
		t.Errorf("last event = %+v, want disconnect", tr.events)
	}
	if !tr.isClosed() {
		t.Error("socket not closed")
	}
	if h.records.count() != 0 {
		t.Error("record not deleted")
	}
	if err := h.m.Send(ctx, id, Command{Action: "play"}); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Send after forget = %v", err)
	}

	// The read loop's eventual Disconnect is harmless.
	h.m.Disconnect(c)
	if len(h.m.Devices()) != 0 {
		t.Errorf("devices = %+v", h.m.Devices())
	}

	if err := h.m.Forget(ctx, id, "op-2"); err != nil {
		t.Errorf("second Forget failed: %v", err)
	}
	if h.sink.count(EventForgotten) != 2 {
		t.Errorf("forgotten published %d times", h.sink.count(EventForgotten))
	}
	last := h.records.audit[len(h.records.audit)-1]
	if last.Action != storage.AuditForgotten || last.DeviceID != int64(id) || last.Operator != "op-2" {
		t.Errorf("audit = %+v", last)
	}
}

func TestForget_DeleteFailure(t *testing.T) {
	h := newHarness(t)
	_, tr, id := h.register(t, "Lobby")

	h.records.deleteErr = errors.New("locked")
	err := h.m.Forget(context.Background(), id, "")
	if !apperrors.IsCode(err, apperrors.CodeStorageDeleteFailed) {
		t.Fatalf("Forget = %v, want storage.delete_failed", err)
	}
	if tr.isClosed() {
		t.Error("socket closed despite failure")
	}
	if err := h.m.Send(context.Background(), id, Command{Action: "play"}); err != nil {
		t.Errorf("device should stay reachable: %v", err)
	}
}

func seedDevice(t *testing.T, r *fakeRecords, id int64) string {
	t.Helper()
	token, hash, err := auth.NewDeviceToken()
	if err != nil {
		t.Fatal(err)
	}
	r.devices[id] = &storage.Device{ID: id, Name: "Seeded", TokenHash: hash}
	if r.nextID < id {
		r.nextID = id
	}
	return token
}

func reconnectFrame(id int64, token string) []byte {
	return []byte(`{"action":"reconnect","deviceId":` + strconv.FormatInt(id, 10) + `,"token":"` + token + `"}`)
}

func TestReconnect(t *testing.T) {
	h := newHarness(t)
	seedDevice(t, h.records, 42)
	c, tr := h.connect(t)
	code := tr.lastCode()

	h.clock.Advance(time.Second)
	h.m.HandleMessage(context.Background(), c, []byte(`{"action":"reconnect","deviceId":"42"}`))

	if h.m.State(c) != StateRegistered {
		t.Fatalf("state = %s, want registered", h.m.State(c))
	}
	if st := h.m.Stats(); st.Pending != 0 || st.Online != 1 {
		t.Errorf("stats = %+v", st)
	}
	if h.sched.active() != 0 {
		t.Errorf("active timers = %d", h.sched.active())
	}
	if err := h.m.Verify(context.Background(), code, 0); !errors.Is(err, ErrNotFoundOrExpired) {
		t.Errorf("pending code still valid: %v", err)
	}
	if err := h.m.Send(context.Background(), 42, Command{Action: "reload"}); err != nil {
		t.Errorf("Send failed: %v", err)
	}
	if _, ok := h.records.seen[42]; !ok {
		t.Error("last_seen not updated")
	}

	// A second reconnect on a registered connection is ignored.
	h.m.HandleMessage(context.Background(), c, reconnectFrame(43, ""))
	if h.m.Devices()[0].DeviceID != 42 || len(h.m.Devices()) != 1 {
		t.Errorf("devices = %+v", h.m.Devices())
	}
}

func TestReconnect_Supersedes(t *testing.T) {
	h := newHarness(t)
	seedDevice(t, h.records, 42)
	ctx := context.Background()

	first, firstTr := h.connect(t)
	h.m.HandleMessage(ctx, first, reconnectFrame(42, ""))
	second, secondTr := h.connect(t)
	h.m.HandleMessage(ctx, second, reconnectFrame(42, ""))

	// The old socket closing must not unbind the new one.
	h.m.Disconnect(first)

	if err := h.m.Send(ctx, 42, Command{Action: "reload"}); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if secondTr.lastEvent().Action != "reload" {
		t.Error("command not delivered to newest connection")
	}
	if firstTr.lastEvent().Action == "reload" {
		t.Error("command delivered to superseded connection")
	}
}

func TestReconnect_Ignored(t *testing.T) {
	h := newHarness(t)
	c, _ := h.connect(t)
	ctx := context.Background()

	h.m.HandleMessage(ctx, c, reconnectFrame(99, ""))
	if h.m.State(c) != StateUnclaimed {
		t.Errorf("unknown id: state = %s", h.m.State(c))
	}

	seedDevice(t, h.records, 5)
	h.records.getErr = errors.New("db down")
	h.m.HandleMessage(ctx, c, reconnectFrame(5, ""))
	if h.m.State(c) != StateUnclaimed {
		t.Errorf("lookup failure for id not bound here: state = %s", h.m.State(c))
	}
}

func TestReconnect_KnownIDSurvivesLookupFailure(t *testing.T) {
	h := newHarness(t)
	seedDevice(t, h.records, 5)
	ctx := context.Background()

	first, _ := h.connect(t)
	h.m.HandleMessage(ctx, first, reconnectFrame(5, ""))
	h.m.Disconnect(first)

	h.records.getErr = errors.New("db down")
	second, _ := h.connect(t)
	h.m.HandleMessage(ctx, second, reconnectFrame(5, ""))
	if h.m.State(second) != StateRegistered {
		t.Errorf("state = %s, want registered", h.m.State(second))
	}
}

func TestReconnect_ForgottenDuringLookup(t *testing.T) {
	h := newHarness(t)
	seedDevice(t, h.records, 42)
	ctx := context.Background()
	c, _ := h.connect(t)

	inLookup := make(chan struct{})
	release := make(chan struct{})
	h.records.onGet = func() {
		close(inLookup)
		<-release
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.m.HandleMessage(ctx, c, reconnectFrame(42, ""))
	}()

	<-inLookup
	if err := h.m.Forget(ctx, 42, "op-1"); err != nil {
		t.Fatalf("Forget failed: %v", err)
	}
	close(release)
	<-done

	if h.m.State(c) == StateRegistered {
		t.Error("forgotten device was bound by a reconnect in flight")
	}
	if len(h.m.Devices()) != 0 {
		t.Errorf("devices = %+v, want none", h.m.Devices())
	}
	if err := h.m.Send(ctx, 42, Command{Action: "playVideo"}); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Send after forget = %v, want ErrNotConnected", err)
	}
}

func TestReconnect_RequireToken(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.RequireReconnectToken = true })
	token := seedDevice(t, h.records, 8)
	ctx := context.Background()
	c, _ := h.connect(t)

	h.m.HandleMessage(ctx, c, reconnectFrame(8, "wrong"))
	if h.m.State(c) != StateUnclaimed {
		t.Fatalf("bad token accepted: state = %s", h.m.State(c))
	}
	h.m.HandleMessage(ctx, c, reconnectFrame(8, ""))
	if h.m.State(c) != StateUnclaimed {
		t.Fatalf("missing token accepted: state = %s", h.m.State(c))
	}
	h.m.HandleMessage(ctx, c, reconnectFrame(8, token))
	if h.m.State(c) != StateRegistered {
		t.Fatalf("valid token rejected: state = %s", h.m.State(c))
	}
}

func TestHandleMessage_MalformedIgnored(t *testing.T) {
	h := newHarness(t)
	c, tr := h.connect(t)
	ctx := context.Background()

	frames := []string{
		`not json`,
		`{}`,
		`{"action":5}`,
		`{"action":"reconnect"}`,
		`{"action":"reconnect","deviceId":"abc"}`,
		`{"action":"deviceInfo","screenResolution":{"width":"wide"}}`,
	}
	for _, f := range frames {
		h.m.HandleMessage(ctx, c, []byte(f))
	}
	h.m.HandleMessage(ctx, c, []byte(`{"action":"somethingElse"}`))

	if h.m.State(c) != StateUnclaimed {
		t.Errorf("state = %s", h.m.State(c))
	}
	if n := len(tr.sent()); n != 1 {
		t.Errorf("sent %d events, want only the initial code", n)
	}
}

func TestDisconnect_ReleasesSession(t *testing.T) {
	h := newHarness(t)
	c, tr := h.connect(t)
	ctx := context.Background()
	if err := h.m.Verify(ctx, tr.lastCode(), 0); err != nil {
		t.Fatal(err)
	}

	h.m.Disconnect(c)
	h.m.Disconnect(c)

	if h.m.State(c) != StateClosed {
		t.Errorf("state = %s", h.m.State(c))
	}
	if st := h.m.Stats(); st.Pending != 0 || st.Connections != 0 {
		t.Errorf("stats = %+v", st)
	}
	if h.sched.active() != 0 {
		t.Errorf("active timers = %d", h.sched.active())
	}
	if err := h.m.Verify(ctx, tr.lastCode(), 0); !errors.Is(err, ErrNotFoundOrExpired) {
		t.Errorf("Verify after close = %v", err)
	}
	if h.sink.count(EventDisconnected) != 1 {
		t.Errorf("disconnected published %d times", h.sink.count(EventDisconnected))
	}

	// Frames racing the close are dropped.
	h.m.HandleMessage(ctx, c, []byte(`{"action":"deviceInfo","userAgent":"late"}`))
	if c.info != nil {
		t.Error("deviceInfo applied to closed connection")
	}
}

func TestExpireStaleClaims(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.ClaimTimeout = time.Minute })
	c, tr := h.connect(t)
	other, otherTr := h.connect(t)
	ctx := context.Background()
	code := tr.lastCode()
	if err := h.m.Verify(ctx, code, 0); err != nil {
		t.Fatal(err)
	}

	if n := h.m.ExpireStaleClaims(); n != 0 {
		t.Errorf("fresh claim demoted: %d", n)
	}

	h.clock.Advance(61 * time.Second)
	if n := h.m.ExpireStaleClaims(); n != 1 {
		t.Fatalf("demoted %d, want 1", n)
	}
	if h.m.State(c) != StateUnclaimed {
		t.Errorf("state = %s, want unclaimed", h.m.State(c))
	}
	if tr.lastCode() == code {
		t.Error("code not reissued")
	}
	if _, err := h.m.Register(ctx, RegisterRequest{Code: tr.lastCode(), Name: "Lobby"}); !errors.Is(err, ErrNotFoundOrExpired) {
		t.Errorf("Register on demoted session = %v", err)
	}
	if h.m.State(other) != StateUnclaimed || len(otherTr.sent()) != 1 {
		t.Error("unverified session touched")
	}
}

func TestExpireStaleClaims_Disabled(t *testing.T) {
	h := newHarness(t)
	_, tr := h.connect(t)
	if err := h.m.Verify(context.Background(), tr.lastCode(), 0); err != nil {
		t.Fatal(err)
	}
	h.clock.Advance(time.Hour)
	if n := h.m.ExpireStaleClaims(); n != 0 {
		t.Errorf("demoted %d with timeout disabled", n)
	}
}

func TestShutdown(t *testing.T) {
	h := newHarness(t)
	h.connect(t)
	h.connect(t)

	h.m.Shutdown()

	if h.sched.active() != 0 {
		t.Errorf("active timers = %d", h.sched.active())
	}
	if st := h.m.Stats(); st.Pending != 0 {
		t.Errorf("pending = %d", st.Pending)
	}
	if _, err := h.m.Connect(context.Background(), &fakeTransport{}); !errors.Is(err, ErrShuttingDown) {
		t.Errorf("Connect after shutdown = %v", err)
	}
}
