package server

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/trace"

	"github.com/signcast/host/internal/auth"
	"github.com/signcast/host/internal/metrics"
	"github.com/signcast/host/internal/pairing"
	"github.com/signcast/host/internal/protocol"
)

// Device socket parameters.
const (
	// channelBufferSize is the per-connection outbound queue. A display that
	// falls this far behind starts failing Send.
	channelBufferSize = 256

	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = 30 * time.Second
	maxFrameSize = 64 << 10

	// Inbound frames per second per connection, and burst.
	frameRate  = 20
	frameBurst = 40
)

// maxBodyBytes bounds operator API request bodies.
const maxBodyBytes = 64 << 10

// Lifecycle is the pairing core as seen by the transport. *pairing.Manager
// satisfies it.
type Lifecycle interface {
	Connect(ctx context.Context, t pairing.Transport) (*pairing.Connection, error)
	HandleMessage(ctx context.Context, c *pairing.Connection, data []byte)
	Disconnect(c *pairing.Connection)

	Verify(ctx context.Context, code string, areaID int64) error
	Register(ctx context.Context, req pairing.RegisterRequest) (protocol.DeviceID, error)
	Send(ctx context.Context, id protocol.DeviceID, cmd pairing.Command) error
	Forget(ctx context.Context, id protocol.DeviceID, operator string) error

	Devices() []pairing.DeviceStatus
	Stats() pairing.Stats
}

// Config configures a Server. Lifecycle and Operators are required.
type Config struct {
	// Addr is the listen address, e.g. "0.0.0.0:8080". Port 0 picks a free port.
	Addr string

	// TLSCert and TLSKey enable TLS when both are set.
	TLSCert string
	TLSKey  string

	// ProxyProtocol expects a PROXY protocol header on every connection.
	ProxyProtocol bool

	// TrustProxyHeaders takes client addresses from X-Forwarded-For / X-Real-IP.
	TrustProxyHeaders bool

	// AllowedOrigins for CORS on the operator API. Empty allows any origin.
	AllowedOrigins []string

	Lifecycle Lifecycle
	Operators auth.TokenVerifier

	// VerifyLimiter throttles verify-device per client address. Nil disables it.
	VerifyLimiter Limiter

	// Metrics and Tracer are optional.
	Metrics *metrics.Metrics
	Tracer  trace.Tracer
}

// Server serves the device socket and the operator API.
type Server struct {
	cfg      Config
	lc       Lifecycle
	upgrader websocket.Upgrader
	handler  http.Handler

	// mu protects clients, stopped, httpServer and listener.
	mu         sync.Mutex
	clients    map[*Client]struct{}
	stopped    bool
	httpServer *http.Server
	listener   net.Listener

	startTime time.Time

	// ctx outlives requests; device frames are handled under it.
	ctx    context.Context
	cancel context.CancelFunc
}
