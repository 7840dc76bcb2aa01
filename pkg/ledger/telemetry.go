package ledger

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/Mindburn-Labs/auditchain/pkg/ledger"

// instruments are resolved from the global providers at construction, so
// observability.New must run before ledger.New to export anything.
type instruments struct {
	tracer         trace.Tracer
	appends        metric.Int64Counter
	appendFailures metric.Int64Counter
	conflicts      metric.Int64Counter
	appendLatency  metric.Float64Histogram
	eventsRead     metric.Int64Counter
}

func newInstruments() *instruments {
	meter := otel.Meter(instrumentationName)
	fallback := noop.NewMeterProvider().Meter(instrumentationName)

	counter := func(name, desc string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc), metric.WithUnit("1"))
		if err != nil {
			c, _ = fallback.Int64Counter(name)
		}
		return c
	}

	latency, err := meter.Float64Histogram("auditchain.ledger.append.duration",
		metric.WithDescription("Time to commit one event, retries included"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		latency, _ = fallback.Float64Histogram("auditchain.ledger.append.duration")
	}

	return &instruments{
		tracer:         otel.Tracer(instrumentationName),
		appends:        counter("auditchain.ledger.appends", "Events committed"),
		appendFailures: counter("auditchain.ledger.append.failures", "Appends rejected or failed"),
		conflicts:      counter("auditchain.ledger.append.conflicts", "Tip compare-and-swap conflicts"),
		appendLatency:  latency,
		eventsRead:     counter("auditchain.ledger.events.read", "Events returned by reads"),
	}
}
