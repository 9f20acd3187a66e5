package config

import "time"

// DefaultAddr is the default listen address for the HTTP and WebSocket server.
const DefaultAddr = "0.0.0.0:8080"

// Pairing defaults. A code stays valid for one rotation interval.
const (
	DefaultCodeTTL             = 2 * time.Minute
	DefaultRotationInterval    = 2 * time.Minute
	DefaultVerifyRatePerMinute = 10
)

// Store defaults.
const (
	DefaultStoreDriver = "sqlite"
	DefaultStoreFile   = "signcast.db"
)

const (
	DefaultRedisKeyPrefix  = "signcast:"
	DefaultMQTTTopicPrefix = "signcast"
	DefaultServiceName     = "signcast-host"
)

const defaultFile = `# signcast host configuration

# Listen address for the device socket and the operator API
addr = "0.0.0.0:8080"

# TLS for the device socket and the operator API
# tls_cert = "/path/to/host.crt"
# tls_key = "/path/to/host.key"
# Generate a self-signed certificate when tls_cert/tls_key are unset
tls_self_signed = false

# Control panel origins allowed by CORS
allowed_origins = ["*"]

# Accept PROXY protocol headers from a load balancer
proxy_protocol = false

# Take client addresses from X-Forwarded-For / X-Real-IP
trust_proxy_headers = false

[pairing]
code_ttl = "2m"
rotation_interval = "2m"
# Demote verified-but-unnamed sessions after this long ("0s" disables)
claim_timeout = "0s"
verify_rate_per_minute = 10
require_reconnect_token = false
# claim_url = "https://panel.example.com/claim"

[store]
driver = "sqlite"
# dsn = "user:pass@tcp(127.0.0.1:3306)/signcast?parseTime=true"   # for driver = "mysql"

[auth]
# jwt_secret = ""            # or set SIGNCAST_JWT_SECRET
# jwt_public_key = ""        # PEM file for RS256 tokens

[redis]
# addr = "127.0.0.1:6379"

[mqtt]
# broker = "tcp://127.0.0.1:1883"

[mdns]
enabled = false

[tracing]
# otlp_endpoint = "http://127.0.0.1:4318"
`
