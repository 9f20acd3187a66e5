// Package config provides TOML configuration file loading and parsing for the host.
// The configuration file lives at ~/.signcast/config.toml by default, but can be
// overridden with the --config flag. CLI flags always take precedence over file
// values, and a few secrets may also be supplied through the environment.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

// Environment variables that override file values. Flags still win over these.
const (
	EnvJWTSecret     = "SIGNCAST_JWT_SECRET"
	EnvStoreDSN      = "SIGNCAST_STORE_DSN"
	EnvRedisPassword = "SIGNCAST_REDIS_PASSWORD"
)

// Duration is a time.Duration that decodes from TOML strings such as "2m" or "90s".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		d.Duration = 0
		return nil
	}
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config represents the host configuration file structure.
// Field names use Go camelCase internally but map to snake_case in TOML files
// via struct tags.
type Config struct {
	// Addr is the host:port for the HTTP and WebSocket listener.
	// Default: 0.0.0.0:8080
	Addr string `toml:"addr"`

	// TLSCert and TLSKey enable TLS when both are set.
	TLSCert string `toml:"tls_cert"`
	TLSKey  string `toml:"tls_key"`

	// TLSSelfSigned generates and reuses a certificate under
	// ~/.signcast/certs when tls_cert and tls_key are not set. Its
	// fingerprint is advertised over mDNS for displays to pin.
	// Default: false
	TLSSelfSigned bool `toml:"tls_self_signed"`

	// ProxyProtocol accepts PROXY protocol headers from a load balancer so the
	// per-address verify limit sees real client addresses.
	// Default: false
	ProxyProtocol bool `toml:"proxy_protocol"`

	// TrustProxyHeaders takes the client address from X-Forwarded-For or
	// X-Real-IP. Only enable behind a proxy that sets them.
	// Default: false
	TrustProxyHeaders bool `toml:"trust_proxy_headers"`

	// AllowedOrigins lists control panel origins for CORS.
	// Default: ["*"]
	AllowedOrigins []string `toml:"allowed_origins"`

	Pairing PairingConfig `toml:"pairing"`
	Store   StoreConfig   `toml:"store"`
	Auth    AuthConfig    `toml:"auth"`
	Redis   RedisConfig   `toml:"redis"`
	MQTT    MQTTConfig    `toml:"mqtt"`
	Mdns    MdnsConfig    `toml:"mdns"`
	Tracing TracingConfig `toml:"tracing"`
}

// PairingConfig controls code issuance and the claim handshake.
type PairingConfig struct {
	// CodeTTL is how long a displayed code stays valid. Default: 2m
	CodeTTL Duration `toml:"code_ttl"`

	// RotationInterval is how often a pending session gets a new code. Default: 2m
	RotationInterval Duration `toml:"rotation_interval"`

	// ClaimTimeout demotes sessions that were verified but never named.
	// Zero disables the sweep. Default: 0
	ClaimTimeout Duration `toml:"claim_timeout"`

	// VerifyRatePerMinute bounds verify-device calls per client address. Default: 10
	VerifyRatePerMinute int `toml:"verify_rate_per_minute"`

	// RequireReconnectToken makes reconnect present the token issued at registration.
	// Default: false
	RequireReconnectToken bool `toml:"require_reconnect_token"`

	// ClaimURL, when set, adds a QR code of ClaimURL?code=<code> to displayCode.
	ClaimURL string `toml:"claim_url"`
}

// StoreConfig selects the device record store.
type StoreConfig struct {
	// Driver is "sqlite" or "mysql". Default: sqlite
	Driver string `toml:"driver"`

	// DSN is a file path for sqlite or a go-sql-driver DSN for mysql.
	// Default: ~/.signcast/signcast.db
	DSN string `toml:"dsn"`
}

// AuthConfig configures operator bearer token verification.
type AuthConfig struct {
	// JWTSecret verifies HS256 tokens.
	JWTSecret string `toml:"jwt_secret"`

	// JWTPublicKey is a PEM file path used to verify RS256 tokens.
	JWTPublicKey string `toml:"jwt_public_key"`

	// JWTIssuer, when set, must match the iss claim.
	JWTIssuer string `toml:"jwt_issuer"`
}

// RedisConfig enables the shared code index. Empty Addr keeps codes in memory.
type RedisConfig struct {
	Addr      string `toml:"addr"`
	Password  string `toml:"password"`
	DB        int    `toml:"db"`
	KeyPrefix string `toml:"key_prefix"`
}

// MQTTConfig enables lifecycle event publishing. Empty Broker disables it.
type MQTTConfig struct {
	Broker      string `toml:"broker"`
	ClientID    string `toml:"client_id"`
	TopicPrefix string `toml:"topic_prefix"`
}

// MdnsConfig controls LAN advertisement.
type MdnsConfig struct {
	// Enabled advertises the host over mDNS/Bonjour so displays can find it
	// without manual address entry. Default: false
	Enabled bool   `toml:"enabled"`
	Name    string `toml:"name"`
}

// TracingConfig enables OTLP trace export. Empty endpoint disables export.
type TracingConfig struct {
	// OTLPEndpoint is an OTLP/HTTP collector URL, e.g. http://127.0.0.1:4318.
	OTLPEndpoint string `toml:"otlp_endpoint"`
	ServiceName  string `toml:"service_name"`
}

// DefaultDir returns ~/.signcast.
func DefaultDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".signcast"), nil
}

// DefaultConfigPath returns the default config file location: ~/.signcast/config.toml.
// Returns an error only if the user's home directory cannot be determined.
func DefaultConfigPath() (string, error) {
	dir, err := DefaultDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// WriteDefault creates a commented config file at the given path.
//
// Behavior:
//   - If the file already exists and force is false, returns without error.
//   - Creates the parent directory if it doesn't exist.
//   - Returns an error if the file cannot be written.
func WriteDefault(path string, force bool) error {
	if _, err := os.Stat(path); err == nil && !force {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	// Restrictive permissions: the file may hold the JWT secret.
	if err := os.WriteFile(path, []byte(defaultFile), 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Load reads a TOML config file from the given path and returns a Config.
//
// Behavior:
//   - If path is empty, attempts to load from the default location (~/.signcast/config.toml).
//     Returns an empty Config without error if the default file doesn't exist.
//   - If path is specified, returns an error if the file doesn't exist.
//   - Returns an error if the file exists but cannot be parsed.
//
// Environment overrides are applied after the file is read. Defaults are not
// applied here; callers merge flags first and then call ApplyDefaults.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			cfg.ApplyEnv(os.Getenv)
			return cfg, nil
		}
		if _, err := os.Stat(defaultPath); os.IsNotExist(err) {
			cfg.ApplyEnv(os.Getenv)
			return cfg, nil
		}
		path = defaultPath
	} else if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file not found: %s", path)
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	cfg.ApplyEnv(os.Getenv)
	return cfg, nil
}

// ApplyEnv overrides secrets from the environment. getenv is injectable for tests.
func (c *Config) ApplyEnv(getenv func(string) string) {
	if v := getenv(EnvJWTSecret); v != "" {
		c.Auth.JWTSecret = v
	}
	if v := getenv(EnvStoreDSN); v != "" {
		c.Store.DSN = v
	}
	if v := getenv(EnvRedisPassword); v != "" {
		c.Redis.Password = v
	}
}

// ApplyDefaults fills every unset field with its default.
func (c *Config) ApplyDefaults() error {
	if c.Addr == "" {
		c.Addr = DefaultAddr
	}
	if len(c.AllowedOrigins) == 0 {
		c.AllowedOrigins = []string{"*"}
	}
	if c.Pairing.CodeTTL.Duration == 0 {
		c.Pairing.CodeTTL.Duration = DefaultCodeTTL
	}
	if c.Pairing.RotationInterval.Duration == 0 {
		c.Pairing.RotationInterval.Duration = DefaultRotationInterval
	}
	if c.Pairing.VerifyRatePerMinute == 0 {
		c.Pairing.VerifyRatePerMinute = DefaultVerifyRatePerMinute
	}
	if c.Store.Driver == "" {
		c.Store.Driver = DefaultStoreDriver
	}
	if c.Store.DSN == "" && c.Store.Driver == DefaultStoreDriver {
		dir, err := DefaultDir()
		if err != nil {
			return err
		}
		c.Store.DSN = filepath.Join(dir, DefaultStoreFile)
	}
	if c.Redis.KeyPrefix == "" {
		c.Redis.KeyPrefix = DefaultRedisKeyPrefix
	}
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = DefaultMQTTTopicPrefix
	}
	if c.MQTT.ClientID == "" {
		host, _ := os.Hostname()
		c.MQTT.ClientID = "signcast-" + host + "-" + strconv.Itoa(os.Getpid())
	}
	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = DefaultServiceName
	}
	return c.Validate()
}

// Validate reports configuration combinations the host cannot run with.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "sqlite", "mysql":
	default:
		return fmt.Errorf("unsupported store driver %q (want sqlite or mysql)", c.Store.Driver)
	}
	if c.Store.DSN == "" {
		return fmt.Errorf("store dsn is required for driver %s", c.Store.Driver)
	}
	if (c.TLSCert == "") != (c.TLSKey == "") {
		return fmt.Errorf("tls_cert and tls_key must be set together")
	}
	if c.Pairing.CodeTTL.Duration < 0 || c.Pairing.RotationInterval.Duration < 0 || c.Pairing.ClaimTimeout.Duration < 0 {
		return fmt.Errorf("pairing durations must not be negative")
	}
	if c.Pairing.VerifyRatePerMinute < 0 {
		return fmt.Errorf("verify_rate_per_minute must not be negative")
	}
	return nil
}
