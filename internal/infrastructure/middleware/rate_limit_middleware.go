package middleware

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"vmsgate/pkg/config"
	apperrors "vmsgate/pkg/errors"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

const limiterIdleTTL = 10 * time.Minute

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// rateLimiterStore keeps one limiter per client IP and forgets idle ones.
type rateLimiterStore struct {
	mu        sync.Mutex
	limiters  map[string]*limiterEntry
	rate      rate.Limit
	burstSize int
	lastSweep time.Time
	now       func() time.Time
}

func newRateLimiterStore(r rate.Limit, burst int) *rateLimiterStore {
	return &rateLimiterStore{
		limiters:  make(map[string]*limiterEntry),
		rate:      r,
		burstSize: burst,
		now:       time.Now,
	}
}

func (s *rateLimiterStore) getLimiter(key string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if now.Sub(s.lastSweep) > limiterIdleTTL {
		for k, e := range s.limiters {
			if now.Sub(e.lastSeen) > limiterIdleTTL {
				delete(s.limiters, k)
			}
		}
		s.lastSweep = now
	}

	e, ok := s.limiters[key]
	if !ok {
		e = &limiterEntry{limiter: rate.NewLimiter(s.rate, s.burstSize)}
		s.limiters[key] = e
	}
	e.lastSeen = now
	return e.limiter
}

func (s *rateLimiterStore) size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.limiters)
}

// clientIP prefers the first X-Forwarded-For hop and falls back to the peer address.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first := strings.TrimSpace(strings.Split(xff, ",")[0])
		if ip := net.ParseIP(first); ip != nil {
			return ip.String()
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// NewHTTPRateLimitMiddleware applies per-IP rate limiting and an optional cap
// on concurrent requests. Websocket upgrades count once, at connect time.
func NewHTTPRateLimitMiddleware(cfg *config.Config) gin.HandlerFunc {
	if !cfg.RateLimiting.Enabled {
		return func(c *gin.Context) {
			c.Next()
		}
	}

	store := newRateLimiterStore(rate.Limit(cfg.RateLimiting.HTTP.RequestsPerSecond), cfg.RateLimiting.HTTP.Burst)

	var globalSem chan struct{}
	if cfg.RateLimiting.HTTP.MaxConcurrent > 0 {
		globalSem = make(chan struct{}, cfg.RateLimiting.HTTP.MaxConcurrent)
	}

	return func(c *gin.Context) {
		if !store.getLimiter(clientIP(c.Request)).Allow() {
			err := apperrors.NewRateLimitError()
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(err.HTTPStatus, gin.H{"error": string(err.Code), "message": err.Message})
			return
		}

		if globalSem != nil && !c.IsWebsocket() {
			select {
			case globalSem <- struct{}{}:
				defer func() { <-globalSem }()
			default:
				err := apperrors.NewServiceUnavailableError("too many concurrent requests")
				c.AbortWithStatusJSON(err.HTTPStatus, gin.H{"error": string(err.Code), "message": err.Message})
				return
			}
		}
		c.Next()
	}
}

// NewMessageLimiter returns the limiter applied to inbound messages of one
// websocket connection. Disabled limiting yields an infinite limiter.
func NewMessageLimiter(cfg *config.Config) *rate.Limiter {
	if !cfg.RateLimiting.Enabled || cfg.RateLimiting.WebSocket.MessagesPerSecond <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	return rate.NewLimiter(rate.Limit(cfg.RateLimiting.WebSocket.MessagesPerSecond), cfg.RateLimiting.WebSocket.Burst)
}
