// Package mdns advertises the host on the local network over DNS-SD so that
// displays can find their device socket without a configured address.
//
// The advertisement only reveals where the socket is. A display that connects
// still has to be claimed with its pairing code.
package mdns

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/grandcat/zeroconf"
)

// ServiceType is the DNS-SD service type for signcast hosts.
const ServiceType = "_signcast._tcp"

// ProtocolVersion is bumped when the device frame format changes incompatibly.
const ProtocolVersion = "1"

// Config describes what to advertise.
type Config struct {
	Port int

	// Name is the instance name. Defaults to the hostname.
	Name string

	// Secure advertises wss instead of ws.
	Secure bool

	// Path is the device socket path. Default: /ws
	Path string

	// Fingerprint is the SHA-256 of a self-signed certificate, for pinning.
	Fingerprint string
}

// Advertiser registers and withdraws the service.
type Advertiser struct {
	config Config
	server *zeroconf.Server
	mu     sync.Mutex
}

func NewAdvertiser(cfg Config) *Advertiser {
	if cfg.Path == "" {
		cfg.Path = "/ws"
	}
	return &Advertiser{config: cfg}
}

// Start registers the service. Calling it while running does nothing.
func (a *Advertiser) Start() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.server != nil {
		return nil
	}

	name := a.config.Name
	if name == "" {
		if h, err := os.Hostname(); err == nil {
			name = h
		} else {
			name = "signcast"
		}
	}

	server, err := zeroconf.Register(name, ServiceType, "local.", a.config.Port, txtRecords(name, a.config), nil)
	if err != nil {
		return fmt.Errorf("mdns register: %w", err)
	}
	a.server = server
	return nil
}

func txtRecords(name string, cfg Config) []string {
	records := []string{
		"version=" + ProtocolVersion,
		"name=" + name,
		"secure=" + strconv.FormatBool(cfg.Secure),
		"path=" + cfg.Path,
	}
	if cfg.Fingerprint != "" {
		records = append(records, "fp="+cfg.Fingerprint)
	}
	return records
}

// Stop withdraws the service. Safe to call when not running.
func (a *Advertiser) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.server != nil {
		a.server.Shutdown()
		a.server = nil
	}
}

func (a *Advertiser) IsRunning() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.server != nil
}

// DiscoveredHost is one host found by Discover.
type DiscoveredHost struct {
	Name    string
	Host    string
	Port    int
	Version string
	Secure  bool
	Path    string

	// Fingerprint is set when the host uses a self-signed certificate.
	Fingerprint string
}

// URL returns the device socket URL of h.
func (h DiscoveredHost) URL() string {
	scheme := "ws"
	if h.Secure {
		scheme = "wss"
	}
	host := h.Host
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	return fmt.Sprintf("%s://%s:%d%s", scheme, host, h.Port, h.Path)
}

// applyTXT fills h from DNS-SD TXT records. Unknown keys are ignored.
func (h *DiscoveredHost) applyTXT(records []string) {
	for _, txt := range records {
		key, value, ok := strings.Cut(txt, "=")
		if !ok {
			continue
		}
		switch key {
		case "version":
			h.Version = value
		case "name":
			h.Name = value
		case "secure":
			h.Secure, _ = strconv.ParseBool(value)
		case "path":
			h.Path = value
		case "fp":
			h.Fingerprint = value
		}
	}
}

// Discover browses for hosts until ctx is done.
func Discover(ctx context.Context) ([]DiscoveredHost, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("mdns resolver: %w", err)
	}

	var (
		hosts []DiscoveredHost
		wg    sync.WaitGroup
	)
	entries := make(chan *zeroconf.ServiceEntry)

	wg.Add(1)
	go func() {
		defer wg.Done()
		for entry := range entries {
			h := DiscoveredHost{Name: entry.Instance, Port: entry.Port, Path: "/ws"}
			if len(entry.AddrIPv4) > 0 {
				h.Host = entry.AddrIPv4[0].String()
			} else if len(entry.AddrIPv6) > 0 {
				h.Host = entry.AddrIPv6[0].String()
			}
			h.applyTXT(entry.Text)
			hosts = append(hosts, h)
		}
	}()

	if err := resolver.Browse(ctx, ServiceType, "local.", entries); err != nil {
		return nil, fmt.Errorf("mdns browse: %w", err)
	}

	// zeroconf closes entries once ctx is done.
	<-ctx.Done()
	wg.Wait()
	return hosts, nil
}
