package upstream

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"vmsgate/internal/core/domain"
	"vmsgate/internal/core/ports"
	"vmsgate/pkg/circuitbreaker"
	"vmsgate/pkg/tracing"

	"go.uber.org/zap"
)

const maxBodyBytes = 16 << 20

// TransportConfig describes how to reach the platform.
type TransportConfig struct {
	Scheme      string
	Host        string
	Port        int
	MediaPort   int
	InsecureTLS bool
	Timeout     time.Duration
	PingTimeout time.Duration
	Breaker     circuitbreaker.Config
}

// Transport performs raw HTTP calls against the platform API and its media port.
type Transport struct {
	base       url.URL
	mediaHost  string
	http       *http.Client
	pingClient *http.Client
	breaker    *circuitbreaker.CircuitBreaker

	metrics ports.GatewayMetrics
	logger  *zap.SugaredLogger
}

func NewTransport(cfg TransportConfig, metrics ports.GatewayMetrics, logger *zap.SugaredLogger) *Transport {
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}

	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.TLSClientConfig = &tls.Config{InsecureSkipVerify: cfg.InsecureTLS} //nolint:gosec // platform ships self-signed certificates
	tr.MaxIdleConnsPerHost = 16

	breakerCfg := cfg.Breaker
	breakerCfg.IsFailure = func(err error) bool { return errors.Is(err, domain.ErrUpstreamUnavailable) }
	breaker := circuitbreaker.New(breakerCfg)
	breaker.OnStateChange(func(from, to circuitbreaker.State) {
		logger.Warnw("upstream circuit breaker state changed", "from", from.String(), "to", to.String())
	})

	return &Transport{
		base: url.URL{
			Scheme: cfg.Scheme,
			Host:   net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		},
		mediaHost:  net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.MediaPort)),
		http:       &http.Client{Timeout: cfg.Timeout, Transport: tr},
		pingClient: &http.Client{Timeout: cfg.PingTimeout},
		breaker:    breaker,
		metrics:    metrics,
		logger:     logger,
	}
}

// Get issues GET base+path?params and returns status and body. The error is
// non-nil only for transport failures, which wrap domain.ErrUpstreamUnavailable.
func (t *Transport) Get(ctx context.Context, path string, params url.Values) (int, []byte, error) {
	u := t.base
	u.Path = path
	u.RawQuery = params.Encode()

	var (
		status int
		body   []byte
	)
	err := t.breaker.Execute(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
		if err != nil {
			return err
		}
		resp, err := t.http.Do(req)
		if err != nil {
			return fmt.Errorf("%w: %w", domain.ErrUpstreamUnavailable, err)
		}
		defer resp.Body.Close()

		body, err = io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
		if err != nil {
			return fmt.Errorf("%w: reading %s: %w", domain.ErrUpstreamUnavailable, path, err)
		}
		status = resp.StatusCode
		return nil
	})
	if errors.Is(err, circuitbreaker.ErrOpen) {
		err = fmt.Errorf("%w: %w", domain.ErrUpstreamUnavailable, err)
	}
	return status, body, err
}

// MediaURL builds the URL of a negotiated token on the media port.
func (t *Transport) MediaURL(container domain.Container, token string) string {
	scheme := "http"
	if container == domain.ContainerRTSP {
		scheme = "rtsp"
	}
	return (&url.URL{Scheme: scheme, Host: t.mediaHost, Path: "/" + token}).String()
}

// Ping checks a token on the media port. Any status below 400 keeps it alive.
func (t *Transport) Ping(ctx context.Context, token string) error {
	u := url.URL{Scheme: "http", Host: t.mediaHost, Path: "/" + token, RawQuery: "ping"}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return err
	}
	resp, err := t.pingClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: token ping: %w", domain.ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode >= 400 {
		return fmt.Errorf("token ping: status %d", resp.StatusCode)
	}
	return nil
}

// Login acquires a session token with the given credentials.
func (t *Transport) Login(ctx context.Context, params url.Values) (string, error) {
	ctx, span := tracing.TraceUpstreamCall(ctx, "login", "none")
	defer span.End()

	status, body, err := t.Get(ctx, "/login", params)
	if err != nil {
		t.metrics.UpstreamRequest("login", "transport_error")
		tracing.RecordError(ctx, err)
		return "", err
	}

	obj, _ := decodeObject(body)
	if isSuccess(status) && obj != nil {
		if n, ok := toInt(obj["success"]); ok && n == 1 {
			if sid := asString(obj["sid"]); sid != "" {
				t.metrics.UpstreamRequest("login", "ok")
				return sid, nil
			}
		}
	}

	t.metrics.UpstreamRequest("login", "rejected")
	loginErr := &Error{Endpoint: "login", Status: status, Fault: FaultRejected}
	if obj != nil {
		loginErr.Code = asString(obj["error_code"])
	}
	tracing.RecordError(ctx, loginErr)
	return "", loginErr
}

// ServiceLogin returns a fetcher logging in with the SDK password.
func (t *Transport) ServiceLogin(password string) func(context.Context) (string, error) {
	return func(ctx context.Context) (string, error) {
		return t.Login(ctx, url.Values{"password": {password}})
	}
}

// OperatorLogin returns a fetcher logging in with operator credentials,
// or nil when they are not configured.
func (t *Transport) OperatorLogin(username, password string) func(context.Context) (string, error) {
	if username == "" || password == "" {
		return nil
	}
	return func(ctx context.Context) (string, error) {
		return t.Login(ctx, url.Values{"username": {username}, "password": {password}})
	}
}
