package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/signcast/host/internal/auth"
	"github.com/signcast/host/internal/certs"
	"github.com/signcast/host/internal/config"
	"github.com/signcast/host/internal/events"
	"github.com/signcast/host/internal/mdns"
	"github.com/signcast/host/internal/metrics"
	"github.com/signcast/host/internal/pairing"
	"github.com/signcast/host/internal/server"
	"github.com/signcast/host/internal/storage"
	"github.com/signcast/host/internal/telemetry"
)

// claimSweepInterval is how often stale claims are looked for when
// pairing.claim_timeout is set.
const claimSweepInterval = 30 * time.Second

// shutdownTimeout bounds graceful shutdown of in-flight operator requests.
const shutdownTimeout = 10 * time.Second

// ServeFlags holds command line overrides for serve.
type ServeFlags struct {
	Config        string
	Addr          string
	TLSCert       string
	TLSKey        string
	SelfSigned    bool
	StoreDriver   string
	StoreDSN      string
	RedisAddr     string
	MQTTBroker    string
	ClaimURL      string
	Mdns          bool
	ProxyProtocol bool
}

func runServe(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(stderr)

	f := &ServeFlags{}
	fs.StringVar(&f.Config, "config", "", "Path to config file (default: ~/.signcast/config.toml)")
	fs.StringVar(&f.Addr, "addr", "", "Listen address (default: "+config.DefaultAddr+")")
	fs.StringVar(&f.TLSCert, "tls-cert", "", "TLS certificate file")
	fs.StringVar(&f.TLSKey, "tls-key", "", "TLS key file")
	fs.BoolVar(&f.SelfSigned, "tls-self-signed", false, "Serve TLS with a generated certificate from ~/.signcast/certs")
	fs.StringVar(&f.StoreDriver, "store-driver", "", "Record store driver: sqlite or mysql (default: sqlite)")
	fs.StringVar(&f.StoreDSN, "store-dsn", "", "Record store DSN (default: ~/.signcast/signcast.db)")
	fs.StringVar(&f.RedisAddr, "redis-addr", "", "Redis address for the shared code index (default: in memory)")
	fs.StringVar(&f.MQTTBroker, "mqtt-broker", "", "MQTT broker URL for lifecycle events (default: disabled)")
	fs.StringVar(&f.ClaimURL, "claim-url", "", "Control panel claim page; adds a QR code to displayCode")
	fs.BoolVar(&f.Mdns, "mdns", false, "Advertise the host over mDNS/Bonjour")
	fs.BoolVar(&f.ProxyProtocol, "proxy-protocol", false, "Expect PROXY protocol headers from a load balancer")

	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: signcast serve [options]\n\nRun the pairing host.\n\nOptions:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 1
	}

	explicit := visited(fs)
	cfg, err := loadConfig(f.Config, func(c *config.Config) { f.apply(c, explicit) })
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	h, err := newHost(context.Background(), cfg)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if err := h.start(); err != nil {
		h.close()
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "signcast %s listening on %s\n", Version, h.srv.Addr())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	fmt.Fprintf(stdout, "\nReceived signal %v, stopping...\n", sig)

	h.close()
	return 0
}

// apply copies flags set on the command line over file values.
func (f *ServeFlags) apply(c *config.Config, explicit map[string]bool) {
	if f.Addr != "" {
		c.Addr = f.Addr
	}
	if f.TLSCert != "" {
		c.TLSCert = f.TLSCert
	}
	if f.TLSKey != "" {
		c.TLSKey = f.TLSKey
	}
	if f.StoreDriver != "" {
		c.Store.Driver = f.StoreDriver
	}
	if f.StoreDSN != "" {
		c.Store.DSN = f.StoreDSN
	}
	if f.RedisAddr != "" {
		c.Redis.Addr = f.RedisAddr
	}
	if f.MQTTBroker != "" {
		c.MQTT.Broker = f.MQTTBroker
	}
	if f.ClaimURL != "" {
		c.Pairing.ClaimURL = f.ClaimURL
	}
	if explicit["tls-self-signed"] {
		c.TLSSelfSigned = f.SelfSigned
	}
	if explicit["mdns"] {
		c.Mdns.Enabled = f.Mdns
	}
	if explicit["proxy-protocol"] {
		c.ProxyProtocol = f.ProxyProtocol
	}
}

// host is the assembled process: every component serve starts, in the order
// close stops them.
type host struct {
	cfg       *config.Config
	store     *storage.Store
	redis     *redis.Client
	publisher *events.Publisher
	manager   *pairing.Manager
	janitor   *pairing.Janitor
	srv       *server.Server
	cert      *certs.Info
	mdns      *mdns.Advertiser
	shutdown  func(context.Context) error
}

func newHost(ctx context.Context, cfg *config.Config) (*host, error) {
	h := &host{cfg: cfg}
	ok := false
	defer func() {
		if !ok {
			h.close()
		}
	}()

	verifier, err := newVerifier(cfg.Auth)
	if err != nil {
		return nil, err
	}

	if cfg.Store.Driver == storage.DialectSQLite {
		if err := os.MkdirAll(filepath.Dir(cfg.Store.DSN), 0700); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}
	h.store, err = storage.Open(cfg.Store.Driver, cfg.Store.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}

	var codes pairing.Store
	var limiter server.Limiter = server.NewMemoryLimiter(cfg.Pairing.VerifyRatePerMinute)
	if cfg.Redis.Addr != "" {
		h.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := h.redis.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			return nil, fmt.Errorf("failed to reach redis at %s: %w", cfg.Redis.Addr, err)
		}
		codes = pairing.NewRedisStore(h.redis, cfg.Redis.KeyPrefix)
		limiter = server.NewRedisLimiter(h.redis, cfg.Redis.KeyPrefix, cfg.Pairing.VerifyRatePerMinute)
		log.Printf("serve: pairing codes shared through redis at %s", cfg.Redis.Addr)
	}

	m := metrics.New()

	mcfg := pairing.Config{
		CodeTTL:               cfg.Pairing.CodeTTL.Duration,
		RotationInterval:      cfg.Pairing.RotationInterval.Duration,
		ClaimTimeout:          cfg.Pairing.ClaimTimeout.Duration,
		RequireReconnectToken: cfg.Pairing.RequireReconnectToken,
		Records:               h.store,
		Audit:                 h.store,
		Store:                 codes,
		QRCode:                pairing.ClaimLinkQR(cfg.Pairing.ClaimURL),
		Metrics:               m,
	}
	if cfg.MQTT.Broker != "" {
		client, err := events.Dial(cfg.MQTT.Broker, cfg.MQTT.ClientID)
		if err != nil {
			return nil, err
		}
		h.publisher = events.NewPublisher(client, cfg.MQTT.TopicPrefix)
		mcfg.Events = h.publisher
	}

	h.manager, err = pairing.NewManager(mcfg)
	if err != nil {
		return nil, err
	}
	h.janitor, err = pairing.StartJanitor(h.manager, claimSweepInterval)
	if err != nil {
		return nil, err
	}

	if cfg.TLSSelfSigned && cfg.TLSCert == "" {
		dir, err := certs.DefaultDir()
		if err != nil {
			return nil, fmt.Errorf("failed to locate cert directory: %w", err)
		}
		h.cert, err = certs.Ensure(dir, certs.Options{})
		if err != nil {
			return nil, fmt.Errorf("failed to prepare self-signed certificate: %w", err)
		}
		cfg.TLSCert, cfg.TLSKey = h.cert.CertPath, h.cert.KeyPath
		log.Printf("serve: self-signed certificate %s (generated=%t, expires %s)",
			h.cert.Fingerprint, h.cert.Generated, h.cert.NotAfter.Format(time.DateOnly))
	}

	tracer, shutdown, err := telemetry.Setup(ctx, cfg.Tracing.OTLPEndpoint, cfg.Tracing.ServiceName)
	if err != nil {
		return nil, err
	}
	h.shutdown = shutdown

	h.srv, err = server.New(server.Config{
		Addr:              cfg.Addr,
		TLSCert:           cfg.TLSCert,
		TLSKey:            cfg.TLSKey,
		ProxyProtocol:     cfg.ProxyProtocol,
		TrustProxyHeaders: cfg.TrustProxyHeaders,
		AllowedOrigins:    cfg.AllowedOrigins,
		Lifecycle:         h.manager,
		Operators:         verifier,
		VerifyLimiter:     limiter,
		Metrics:           m,
		Tracer:            tracer,
	})
	if err != nil {
		return nil, err
	}

	ok = true
	return h, nil
}

func newVerifier(a config.AuthConfig) (*auth.Verifier, error) {
	vc := auth.VerifierConfig{Secret: a.JWTSecret, Issuer: a.JWTIssuer}
	if a.JWTPublicKey != "" {
		pem, err := os.ReadFile(a.JWTPublicKey)
		if err != nil {
			return nil, fmt.Errorf("failed to read jwt public key: %w", err)
		}
		vc.PublicKeyPEM = pem
	}
	if vc.Secret == "" && vc.PublicKeyPEM == nil {
		return nil, fmt.Errorf("operator auth is not configured: set auth.jwt_secret, auth.jwt_public_key, or %s", config.EnvJWTSecret)
	}
	return auth.NewVerifier(vc)
}

// start opens the listener and, if enabled, advertises it.
func (h *host) start() error {
	if err := <-h.srv.StartAsync(); err != nil {
		return err
	}

	if h.cfg.Mdns.Enabled {
		_, portStr, _ := net.SplitHostPort(h.srv.Addr())
		port, _ := strconv.Atoi(portStr)
		mc := mdns.Config{
			Port:   port,
			Name:   h.cfg.Mdns.Name,
			Secure: h.cfg.TLSCert != "",
		}
		if h.cert != nil {
			mc.Fingerprint = h.cert.Fingerprint
		}
		h.mdns = mdns.NewAdvertiser(mc)
		if err := h.mdns.Start(); err != nil {
			// Displays can still be pointed at the address by hand.
			log.Printf("serve: mdns advertisement failed: %v", err)
			h.mdns = nil
		}
	}
	return nil
}

// close stops everything newHost and start created, in reverse order.
// Components that were never created are skipped.
func (h *host) close() {
	if h.mdns != nil {
		h.mdns.Stop()
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if h.srv != nil {
		if err := h.srv.Stop(ctx); err != nil {
			log.Printf("serve: server shutdown: %v", err)
		}
	}
	h.janitor.Stop()
	if h.manager != nil {
		h.manager.Shutdown()
	}
	if h.publisher != nil {
		h.publisher.Close()
	}
	if h.shutdown != nil {
		if err := h.shutdown(ctx); err != nil {
			log.Printf("serve: tracer shutdown: %v", err)
		}
	}
	if h.redis != nil {
		h.redis.Close()
	}
	if h.store != nil {
		h.store.Close()
	}
}
