package mdns

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestNewAdvertiser_DefaultPath(t *testing.T) {
	a := NewAdvertiser(Config{Port: 8080})
	if a.config.Path != "/ws" {
		t.Errorf("path = %q, want /ws", a.config.Path)
	}
	if a.IsRunning() {
		t.Error("advertiser should not be running before Start()")
	}
}

func TestAdvertiserStopBeforeStart(t *testing.T) {
	a := NewAdvertiser(Config{Port: 8080})
	a.Stop()
	a.Stop()
	if a.IsRunning() {
		t.Error("advertiser should not be running after Stop()")
	}
}

func TestTXTRoundTrip(t *testing.T) {
	cfg := Config{Port: 8443, Secure: true, Path: "/devices", Fingerprint: "AB:CD"}
	records := append(txtRecords("lobby-host", cfg), "junk", "future=1")

	h := DiscoveredHost{Host: "192.0.2.10", Port: 8443}
	h.applyTXT(records)

	if h.Name != "lobby-host" || h.Version != ProtocolVersion || !h.Secure || h.Path != "/devices" || h.Fingerprint != "AB:CD" {
		t.Errorf("host = %+v", h)
	}
	if got := h.URL(); got != "wss://192.0.2.10:8443/devices" {
		t.Errorf("URL = %q", got)
	}
}

func TestTXTOmitsEmptyFingerprint(t *testing.T) {
	for _, r := range txtRecords("h", Config{Path: "/ws"}) {
		if strings.HasPrefix(r, "fp=") {
			t.Errorf("unexpected record %q", r)
		}
	}
}

func TestDiscoveredHostURL_IPv6(t *testing.T) {
	h := DiscoveredHost{Host: "fe80::1", Port: 8080, Path: "/ws"}
	if got := h.URL(); got != "ws://[fe80::1]:8080/ws" {
		t.Errorf("URL = %q", got)
	}
}

// Requires multicast on the test machine.
func TestAdvertiseAndDiscover(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping network test in short mode")
	}

	a := NewAdvertiser(Config{Port: 8091, Name: "signcast-discover-test"})
	if err := a.Start(); err != nil {
		t.Skipf("mdns unavailable: %v", err)
	}
	defer a.Stop()

	if err := a.Start(); err != nil {
		t.Fatalf("second Start() should be a no-op: %v", err)
	}

	time.Sleep(500 * time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	hosts, err := Discover(ctx)
	if err != nil {
		t.Fatalf("Discover() failed: %v", err)
	}
	for _, h := range hosts {
		if h.Name == "signcast-discover-test" {
			if h.Port != 8091 || h.Path != "/ws" {
				t.Errorf("host = %+v", h)
			}
			return
		}
	}
	t.Log("test host not discovered; multicast may be filtered here")
}
