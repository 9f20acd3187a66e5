package server

import (
	"context"
	"log"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	apperrors "github.com/signcast/host/internal/errors"
)

// Limiter decides whether one more call keyed by key may proceed.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// verifyRateLimit guards verify-device so codes cannot be brute forced from
// one address. Limiter failures reject the call.
func (s *Server) verifyRateLimit(next http.Handler) http.Handler {
	if s.cfg.VerifyLimiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ok, err := s.cfg.VerifyLimiter.Allow(r.Context(), clientIP(r))
		if err != nil {
			writeError(w, r, apperrors.Internal("rate limiter error", err))
			return
		}
		if !ok {
			w.Header().Set("Retry-After", "60")
			writeError(w, r, apperrors.New(apperrors.CodePairingRateLimited, "too many attempts"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientIP strips the port from RemoteAddr. With proxy headers trusted,
// RemoteAddr has already been rewritten by the RealIP middleware.
func clientIP(r *http.Request) string {
	if ip, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return ip
	}
	return r.RemoteAddr
}

// MemoryLimiter is a per-key token bucket held in process.
type MemoryLimiter struct {
	limit rate.Limit
	burst int
	idle  time.Duration

	mu      sync.Mutex
	buckets map[string]*bucket
	swept   time.Time
}

type bucket struct {
	lim  *rate.Limiter
	seen time.Time
}

// NewMemoryLimiter allows perMinute calls per key per minute, with a burst
// of the same size.
func NewMemoryLimiter(perMinute int) *MemoryLimiter {
	return &MemoryLimiter{
		limit:   rate.Limit(float64(perMinute) / 60),
		burst:   perMinute,
		idle:    10 * time.Minute,
		buckets: make(map[string]*bucket),
	}
}

func (l *MemoryLimiter) Allow(_ context.Context, key string) (bool, error) {
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.swept) > l.idle {
		for k, b := range l.buckets {
			if now.Sub(b.seen) > l.idle {
				delete(l.buckets, k)
			}
		}
		l.swept = now
	}

	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[key] = b
	}
	b.seen = now
	return b.lim.AllowN(now, 1), nil
}

// fixedWindow counts calls in the current window and starts the window's
// expiry on the first call.
const fixedWindow = `
local n = redis.call('INCR', KEYS[1])
if n == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return n
`

// RedisLimiter shares a fixed one-minute window across hosts.
type RedisLimiter struct {
	client    *redis.Client
	prefix    string
	perMinute int
}

func NewRedisLimiter(client *redis.Client, prefix string, perMinute int) *RedisLimiter {
	return &RedisLimiter{client: client, prefix: prefix, perMinute: perMinute}
}

func (l *RedisLimiter) Allow(ctx context.Context, key string) (bool, error) {
	n, err := l.client.Eval(ctx, fixedWindow, []string{l.prefix + "verify:" + key},
		strconv.FormatInt(time.Minute.Milliseconds(), 10)).Int64()
	if err != nil {
		log.Printf("server: rate limiter eval failed: %v", err)
		return false, err
	}
	return n <= int64(l.perMinute), nil
}
