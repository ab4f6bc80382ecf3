// Package instrumentation provides OpenTelemetry metric instruments for the
// OAuth endpoints, the stream sessions and the request dispatcher.
//
// When disabled every instrument is backed by the no-op provider, so
// callers record unconditionally without nil checks.
package instrumentation

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const meterName = "github.com/alexjbarnes/toolgate"

// Config controls which meter provider backs the instruments.
type Config struct {
	// Enabled selects a real provider. When false a no-op provider is
	// used.
	Enabled bool

	// MeterProvider overrides the provider when Enabled is true. If nil,
	// the global provider from otel.GetMeterProvider is used, which lets
	// an embedding process install an SDK provider with exporters.
	MeterProvider metric.MeterProvider
}

// Metrics holds the metric instruments.
type Metrics struct {
	AuthorizationIssued metric.Int64Counter
	TokenIssued         metric.Int64Counter
	OAuthErrors         metric.Int64Counter
	RateLimitExceeded   metric.Int64Counter
	AuthFailures        metric.Int64Counter

	SessionsOpened metric.Int64Counter
	SessionsClosed metric.Int64Counter
	SessionsActive metric.Int64UpDownCounter
	KeepalivesSent metric.Int64Counter
	FramesWritten  metric.Int64Counter

	DispatchTotal    metric.Int64Counter
	DispatchDuration metric.Float64Histogram
}

// New creates the metric instruments.
func New(cfg Config) (*Metrics, error) {
	var mp metric.MeterProvider = noop.NewMeterProvider()
	if cfg.Enabled {
		mp = cfg.MeterProvider
		if mp == nil {
			mp = otel.GetMeterProvider()
		}
	}

	return newMetrics(mp.Meter(meterName))
}

// Noop returns instruments backed by the no-op provider.
func Noop() *Metrics {
	m, err := newMetrics(noop.NewMeterProvider().Meter(meterName))
	if err != nil {
		// The no-op meter never fails to create instruments.
		panic(err)
	}

	return m
}

func newMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}

	var err error

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
		unit string
	}{
		{&m.AuthorizationIssued, "toolgate.oauth.codes.issued", "Authorization codes issued", "{code}"},
		{&m.TokenIssued, "toolgate.oauth.tokens.issued", "Access tokens issued", "{token}"},
		{&m.OAuthErrors, "toolgate.oauth.errors", "OAuth endpoint errors by error code", "{error}"},
		{&m.RateLimitExceeded, "toolgate.rate_limit.exceeded", "Requests rejected by the rate limiter", "{request}"},
		{&m.AuthFailures, "toolgate.auth.failures", "Bearer token validation failures", "{request}"},
		{&m.SessionsOpened, "toolgate.sessions.opened", "Stream sessions opened", "{session}"},
		{&m.SessionsClosed, "toolgate.sessions.closed", "Stream sessions closed", "{session}"},
		{&m.KeepalivesSent, "toolgate.sessions.keepalives", "Keepalive frames written", "{frame}"},
		{&m.FramesWritten, "toolgate.sessions.frames", "Response and notification frames written", "{frame}"},
		{&m.DispatchTotal, "toolgate.dispatch.total", "Dispatched requests by method and status", "{request}"},
	}

	for _, c := range counters {
		*c.dst, err = meter.Int64Counter(c.name, metric.WithDescription(c.desc), metric.WithUnit(c.unit))
		if err != nil {
			return nil, fmt.Errorf("failed to create %s counter: %w", c.name, err)
		}
	}

	m.SessionsActive, err = meter.Int64UpDownCounter(
		"toolgate.sessions.active",
		metric.WithDescription("Stream sessions currently open"),
		metric.WithUnit("{session}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create sessions.active counter: %w", err)
	}

	m.DispatchDuration, err = meter.Float64Histogram(
		"toolgate.dispatch.duration",
		metric.WithDescription("Dispatch duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create dispatch.duration histogram: %w", err)
	}

	return m, nil
}

// RecordCodeIssued records an authorization code grant.
func (m *Metrics) RecordCodeIssued(ctx context.Context, clientID, pkceMethod string) {
	m.AuthorizationIssued.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
		attribute.String("pkce_method", pkceMethod),
	))
}

// RecordTokenIssued records a successful code exchange.
func (m *Metrics) RecordTokenIssued(ctx context.Context, clientID string) {
	m.TokenIssued.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
	))
}

// RecordOAuthError records an error returned by an OAuth endpoint.
func (m *Metrics) RecordOAuthError(ctx context.Context, endpoint, errCode string) {
	m.OAuthErrors.Add(ctx, 1, metric.WithAttributes(
		attribute.String("endpoint", endpoint),
		attribute.String("error", errCode),
	))
}

// RecordRateLimitExceeded records a rate limited request.
func (m *Metrics) RecordRateLimitExceeded(ctx context.Context, endpoint string) {
	m.RateLimitExceeded.Add(ctx, 1, metric.WithAttributes(
		attribute.String("endpoint", endpoint),
	))
}

// RecordAuthFailure records a rejected bearer token.
func (m *Metrics) RecordAuthFailure(ctx context.Context, reason string) {
	m.AuthFailures.Add(ctx, 1, metric.WithAttributes(
		attribute.String("reason", reason),
	))
}

// RecordSessionOpened records a session entering STREAMING.
func (m *Metrics) RecordSessionOpened(ctx context.Context, transport string) {
	attrs := metric.WithAttributes(attribute.String("transport", transport))
	m.SessionsOpened.Add(ctx, 1, attrs)
	m.SessionsActive.Add(ctx, 1, attrs)
}

// RecordSessionClosed records a session reaching CLOSED.
func (m *Metrics) RecordSessionClosed(ctx context.Context, transport, reason string) {
	m.SessionsClosed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("transport", transport),
		attribute.String("reason", reason),
	))
	m.SessionsActive.Add(ctx, -1, metric.WithAttributes(attribute.String("transport", transport)))
}

// RecordKeepalive records a keepalive frame.
func (m *Metrics) RecordKeepalive(ctx context.Context) {
	m.KeepalivesSent.Add(ctx, 1)
}

// RecordFrame records a response or notification frame.
func (m *Metrics) RecordFrame(ctx context.Context, kind string) {
	m.FramesWritten.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordDispatch records one dispatched request.
func (m *Metrics) RecordDispatch(ctx context.Context, method, status string, d time.Duration) {
	m.DispatchTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("status", status),
	))
	m.DispatchDuration.Record(ctx, float64(d.Microseconds())/1000, metric.WithAttributes(
		attribute.String("method", method),
	))
}
