package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"vmsgate/internal/core/domain"
	"vmsgate/internal/core/ports"
	"vmsgate/pkg/retry"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// SessionFetcher performs the login for one session kind.
type SessionFetcher func(ctx context.Context) (string, error)

type cachedSession struct {
	token     string
	expiresAt time.Time
}

// SessionBroker caches one upstream token per session kind and re-acquires
// it when absent, expired or invalidated. Concurrent callers that find no
// valid token share a single login.
type SessionBroker struct {
	fetchers map[domain.SessionKind]SessionFetcher
	ttl      time.Duration
	retryCfg retry.Config
	now      func() time.Time

	mu       sync.Mutex
	sessions map[domain.SessionKind]cachedSession
	group    singleflight.Group

	metrics ports.GatewayMetrics
	logger  *zap.SugaredLogger
}

// NewSessionBroker builds a broker. A nil operator fetcher disables operator sessions.
func NewSessionBroker(
	service SessionFetcher,
	operator SessionFetcher,
	ttl time.Duration,
	metrics ports.GatewayMetrics,
	logger *zap.SugaredLogger,
) *SessionBroker {
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	fetchers := map[domain.SessionKind]SessionFetcher{domain.SessionService: service}
	if operator != nil {
		fetchers[domain.SessionOperator] = operator
	}

	retryCfg := retry.DefaultConfig()
	retryCfg.RetryableErrors = []error{domain.ErrUpstreamUnavailable}

	return &SessionBroker{
		fetchers: fetchers,
		ttl:      ttl,
		retryCfg: retryCfg,
		now:      time.Now,
		sessions: make(map[domain.SessionKind]cachedSession),
		metrics:  metrics,
		logger:   logger,
	}
}

// HasOperator reports whether operator credentials are configured.
func (b *SessionBroker) HasOperator() bool {
	return b.fetchers[domain.SessionOperator] != nil
}

// GetSID returns a valid token for kind, logging in if needed.
func (b *SessionBroker) GetSID(ctx context.Context, kind domain.SessionKind) (string, error) {
	fetch := b.fetchers[kind]
	if fetch == nil {
		return "", fmt.Errorf("%w: no credentials configured for %s session", domain.ErrSessionUnavailable, kind)
	}

	if token, ok := b.cached(kind); ok {
		return token, nil
	}

	ch := b.group.DoChan(kind.String(), func() (interface{}, error) {
		// Another caller may have finished a login while we waited for the lock.
		if token, ok := b.cached(kind); ok {
			return token, nil
		}

		// The login is shared, so one caller giving up must not cancel it.
		loginCtx := context.WithoutCancel(ctx)
		token, err := retry.RetryWithResult(loginCtx, b.retryCfg, func() (string, error) {
			return fetch(loginCtx)
		})
		if err != nil {
			return "", err
		}

		b.mu.Lock()
		b.sessions[kind] = cachedSession{token: token, expiresAt: b.now().Add(b.ttl)}
		b.mu.Unlock()

		b.metrics.SessionAcquired(kind)
		b.logger.Infow("upstream session acquired", "session", kind.String(), "ttl", b.ttl)
		return token, nil
	})

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", fmt.Errorf("%s session: %w: %w", kind, domain.ErrSessionUnavailable, res.Err)
		}
		return res.Val.(string), nil
	}
}

// Invalidate drops the cached token so the next GetSID logs in again.
func (b *SessionBroker) Invalidate(kind domain.SessionKind) {
	b.mu.Lock()
	_, had := b.sessions[kind]
	delete(b.sessions, kind)
	b.mu.Unlock()

	b.group.Forget(kind.String())
	if had {
		b.logger.Infow("upstream session invalidated", "session", kind.String())
	}
}

func (b *SessionBroker) cached(kind domain.SessionKind) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.sessions[kind]
	if !ok {
		return "", false
	}
	if !b.now().Before(s.expiresAt) {
		delete(b.sessions, kind)
		return "", false
	}
	return s.token, true
}
