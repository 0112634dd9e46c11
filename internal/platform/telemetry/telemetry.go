// Package telemetry exports OpenTelemetry metrics for the protocol engine and
// the HTTP API.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

const instrumentationName = "github.com/careagent/pregnancy"

// Config holds the telemetry provider settings.
type Config struct {
	ServiceName     string
	ServiceVersion  string
	OTLPEndpoint    string // gRPC endpoint for the collector; empty disables export
	Insecure        bool
	MetricsInterval time.Duration
	Environment     string
}

func (c *Config) applyDefaults() {
	if c.ServiceName == "" {
		c.ServiceName = "pregnancy-agent"
	}
	if c.ServiceVersion == "" {
		c.ServiceVersion = "0.0.0"
	}
	if c.Environment == "" {
		c.Environment = "development"
	}
	if c.MetricsInterval == 0 {
		c.MetricsInterval = 15 * time.Second
	}
}

// Provider owns the SDK meter provider.
type Provider struct {
	cfg           Config
	meterProvider *sdkmetric.MeterProvider
}

// NewProvider builds a meter provider. Metrics are pushed over OTLP/gRPC when
// an endpoint is configured; otherwise they are only aggregated in-process.
func NewProvider(ctx context.Context, cfg Config) (*Provider, error) {
	cfg.applyDefaults()
	res, err := newResource(cfg)
	if err != nil {
		return nil, err
	}

	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	if cfg.OTLPEndpoint != "" {
		exporterOpts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint)}
		if cfg.Insecure {
			exporterOpts = append(exporterOpts, otlpmetricgrpc.WithInsecure())
		}
		exporter, err := otlpmetricgrpc.New(ctx, exporterOpts...)
		if err != nil {
			return nil, fmt.Errorf("create metric exporter: %w", err)
		}
		opts = append(opts, sdkmetric.WithReader(
			sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(cfg.MetricsInterval)),
		))
	}
	return &Provider{cfg: cfg, meterProvider: sdkmetric.NewMeterProvider(opts...)}, nil
}

// NewProviderWithReader builds a provider that feeds the given reader.
func NewProviderWithReader(cfg Config, reader sdkmetric.Reader) (*Provider, error) {
	cfg.applyDefaults()
	res, err := newResource(cfg)
	if err != nil {
		return nil, err
	}
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithResource(res), sdkmetric.WithReader(reader))
	return &Provider{cfg: cfg, meterProvider: mp}, nil
}

func newResource(cfg Config) (*resource.Resource, error) {
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
			semconv.DeploymentEnvironment(cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}
	return res, nil
}

// Meter returns the meter all instruments are created from.
func (p *Provider) Meter() metric.Meter {
	return p.meterProvider.Meter(instrumentationName, metric.WithInstrumentationVersion(p.cfg.ServiceVersion))
}

// Shutdown flushes pending exports.
func (p *Provider) Shutdown(ctx context.Context) error {
	return p.meterProvider.Shutdown(ctx)
}

// Metrics are the instruments recorded by the engine, the reconciler and the
// HTTP layer. A nil *Metrics records nothing.
type Metrics struct {
	ordersStarted   metric.Int64Counter
	ordersStopped   metric.Int64Counter
	commandFailures metric.Int64Counter
	evaluated       metric.Int64Counter
	faults          metric.Int64Counter
	passDuration    metric.Float64Histogram
	httpRequests    metric.Int64Counter
	httpDuration    metric.Float64Histogram
}

// NewMetrics creates the instruments on meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	var (
		m   Metrics
		err error
	)
	if m.ordersStarted, err = meter.Int64Counter("pregnancy.orders.started",
		metric.WithDescription("Orders confirmed started by the agent"),
		metric.WithUnit("{order}")); err != nil {
		return nil, err
	}
	if m.ordersStopped, err = meter.Int64Counter("pregnancy.orders.stopped",
		metric.WithDescription("Orders confirmed stopped by the agent"),
		metric.WithUnit("{order}")); err != nil {
		return nil, err
	}
	if m.commandFailures, err = meter.Int64Counter("pregnancy.agent.command_failures",
		metric.WithDescription("Order commands the agent did not confirm"),
		metric.WithUnit("{command}")); err != nil {
		return nil, err
	}
	if m.evaluated, err = meter.Int64Counter("pregnancy.contracts.evaluated",
		metric.WithDescription("Contract evaluations completed"),
		metric.WithUnit("{contract}")); err != nil {
		return nil, err
	}
	if m.faults, err = meter.Int64Counter("pregnancy.contracts.faults",
		metric.WithDescription("Contract evaluations aborted by an error or panic"),
		metric.WithUnit("{contract}")); err != nil {
		return nil, err
	}
	if m.passDuration, err = meter.Float64Histogram("pregnancy.pass.duration",
		metric.WithDescription("Duration of a periodic evaluation pass"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 120, 300)); err != nil {
		return nil, err
	}
	if m.httpRequests, err = meter.Int64Counter("http.server.requests",
		metric.WithDescription("HTTP requests served"),
		metric.WithUnit("{request}")); err != nil {
		return nil, err
	}
	if m.httpDuration, err = meter.Float64Histogram("http.server.duration",
		metric.WithDescription("HTTP request duration"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10)); err != nil {
		return nil, err
	}
	return &m, nil
}

// Noop returns metrics backed by the no-op meter.
func Noop() *Metrics {
	m, _ := NewMetrics(noop.NewMeterProvider().Meter(instrumentationName))
	return m
}

func (m *Metrics) OrdersStarted(ctx context.Context, n int) {
	if m == nil || n == 0 {
		return
	}
	m.ordersStarted.Add(ctx, int64(n))
}

func (m *Metrics) OrdersStopped(ctx context.Context, n int) {
	if m == nil || n == 0 {
		return
	}
	m.ordersStopped.Add(ctx, int64(n))
}

// CommandFailed counts an unconfirmed order command by outcome
// ("failure" or "timeout").
func (m *Metrics) CommandFailed(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.commandFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (m *Metrics) ContractEvaluated(ctx context.Context) {
	if m == nil {
		return
	}
	m.evaluated.Add(ctx, 1)
}

func (m *Metrics) ContractFault(ctx context.Context) {
	if m == nil {
		return
	}
	m.faults.Add(ctx, 1)
}

func (m *Metrics) PassCompleted(ctx context.Context, d time.Duration) {
	if m == nil {
		return
	}
	m.passDuration.Record(ctx, d.Seconds())
}

// Middleware records request counts and latency per method, route and status.
func (m *Metrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if m == nil {
				return next(c)
			}
			start := time.Now()
			err := next(c)

			status := c.Response().Status
			if err != nil {
				if he, ok := err.(*echo.HTTPError); ok {
					status = he.Code
				}
			}
			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			attrs := metric.WithAttributes(
				attribute.String("http.request.method", c.Request().Method),
				attribute.String("http.route", route),
				attribute.Int("http.response.status_code", status),
			)
			ctx := c.Request().Context()
			m.httpRequests.Add(ctx, 1, attrs)
			m.httpDuration.Record(ctx, time.Since(start).Seconds(), attrs)
			return err
		}
	}
}
