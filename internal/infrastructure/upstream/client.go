package upstream

import (
	"context"
	"errors"
	"net/url"

	"vmsgate/internal/core/domain"
	"vmsgate/internal/core/ports"
	"vmsgate/pkg/tracing"

	"go.uber.org/zap"
)

// Request is one call to the platform API.
type Request struct {
	// Name labels the call in logs and metrics.
	Name   string
	Path   string
	Params url.Values
	// Session selects the token attached as sid. SessionNone sends none.
	Session domain.SessionKind
	// DisablePasswordFallback turns a "no session" answer into an error.
	DisablePasswordFallback bool
}

// Client applies the session policy on top of a Transport: attach the right
// token, refresh it once when the platform reports it invalid, and fall back
// to password authentication when the platform has no session at all.
type Client struct {
	transport        *Transport
	sessions         ports.SessionProvider
	fallbackPassword string

	metrics ports.GatewayMetrics
	logger  *zap.SugaredLogger
}

func NewClient(
	transport *Transport,
	sessions ports.SessionProvider,
	fallbackPassword string,
	metrics ports.GatewayMetrics,
	logger *zap.SugaredLogger,
) *Client {
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	return &Client{
		transport:        transport,
		sessions:         sessions,
		fallbackPassword: fallbackPassword,
		metrics:          metrics,
		logger:           logger,
	}
}

// Do performs req and returns the raw body of a successful response. Platform
// failures come back as *Error, transport failures wrap
// domain.ErrUpstreamUnavailable and token acquisition failures wrap
// domain.ErrSessionUnavailable.
func (c *Client) Do(ctx context.Context, req Request) ([]byte, error) {
	ctx, span := tracing.TraceUpstreamCall(ctx, req.Name, req.Session.String())
	defer span.End()

	body, err := c.do(ctx, req)
	if err != nil {
		tracing.RecordError(ctx, err)
	}
	return body, err
}

func (c *Client) do(ctx context.Context, req Request) ([]byte, error) {
	for attempt := 0; ; attempt++ {
		params := cloneValues(req.Params)
		if req.Session != domain.SessionNone {
			sid, err := c.sessions.GetSID(ctx, req.Session)
			if err != nil {
				c.metrics.UpstreamRequest(req.Name, "session_error")
				return nil, err
			}
			params.Set("sid", sid)
		}

		status, body, err := c.transport.Get(ctx, req.Path, params)
		if err != nil {
			c.metrics.UpstreamRequest(req.Name, "transport_error")
			return nil, err
		}

		fault := Classify(status, body)
		switch {
		case fault == FaultNone:
			c.metrics.UpstreamRequest(req.Name, "ok")
			return body, nil

		case fault == FaultInvalidSession && attempt == 0 && req.Session != domain.SessionNone:
			c.logger.Infow("upstream session rejected, refreshing",
				"endpoint", req.Name, "session", req.Session.String())
			c.sessions.Invalidate(req.Session)
			continue

		case fault == FaultNoSession && req.Session != domain.SessionNone &&
			!req.DisablePasswordFallback && c.fallbackPassword != "":
			return c.withPassword(ctx, req)
		}

		c.metrics.UpstreamRequest(req.Name, fault.String())
		return nil, newError(req.Name, status, fault, body)
	}
}

// withPassword repeats req once authenticated by password instead of sid.
func (c *Client) withPassword(ctx context.Context, req Request) ([]byte, error) {
	c.logger.Warnw("upstream reports no session, retrying with password",
		"endpoint", req.Name, "session", req.Session.String())
	c.metrics.SessionFallback(req.Name)

	params := cloneValues(req.Params)
	params.Del("sid")
	params.Set("password", c.fallbackPassword)

	status, body, err := c.transport.Get(ctx, req.Path, params)
	if err != nil {
		c.metrics.UpstreamRequest(req.Name, "transport_error")
		return nil, err
	}
	fault := Classify(status, body)
	if fault == FaultNone {
		c.metrics.UpstreamRequest(req.Name, "ok_password")
		return body, nil
	}
	c.metrics.UpstreamRequest(req.Name, fault.String())
	return nil, newError(req.Name, status, fault, body)
}

func newError(endpoint string, status int, fault Fault, body []byte) *Error {
	e := &Error{Endpoint: endpoint, Status: status, Fault: fault}
	if obj, ok := decodeObject(body); ok {
		e.Code = asString(obj["error_code"])
		if e.Code == "" {
			e.Code = asString(obj["error"])
		}
	}
	if text, ok := sniffText(body); ok && len(text) <= 256 {
		e.Body = text
	}
	return e
}

// FaultOf extracts the platform fault from err, FaultNone if err is not an *Error.
func FaultOf(err error) Fault {
	var upErr *Error
	if errors.As(err, &upErr) {
		return upErr.Fault
	}
	return FaultNone
}

func cloneValues(v url.Values) url.Values {
	out := make(url.Values, len(v)+2)
	for k, vals := range v {
		out[k] = append([]string(nil), vals...)
	}
	return out
}
