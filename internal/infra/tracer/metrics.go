package tracer

import (
	"net/http"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "archive-agent"

// RouterMetrics holds the router's metric instruments. They report through
// the global MeterProvider, which is a noop unless the host installs one.
type RouterMetrics struct {
	Requests  metric.Int64Counter
	Successes metric.Int64Counter
	Failures  metric.Int64Counter
	Duration  metric.Float64Histogram
}

// NewRouterMetrics creates the router instruments.
func NewRouterMetrics() (*RouterMetrics, error) {
	meter := otel.Meter(meterName)
	m := &RouterMetrics{}
	var err error

	m.Requests, err = meter.Int64Counter("archive_agent.router.requests",
		metric.WithDescription("Routed requests, including rate-limited ones"))
	if err != nil {
		return nil, err
	}

	m.Successes, err = meter.Int64Counter("archive_agent.router.successes",
		metric.WithDescription("Requests answered by an agent"))
	if err != nil {
		return nil, err
	}

	m.Failures, err = meter.Int64Counter("archive_agent.router.failures",
		metric.WithDescription("Failed dispatch attempts and rejected requests"))
	if err != nil {
		return nil, err
	}

	m.Duration, err = meter.Float64Histogram("archive_agent.router.duration_seconds",
		metric.WithDescription("End-to-end routed request duration"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}

	return m, nil
}

// HTTPMiddleware returns a chi-compatible middleware that creates spans for
// HTTP requests.
func HTTPMiddleware(operation string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, operation)
	}
}
