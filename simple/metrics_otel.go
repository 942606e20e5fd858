package simple

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// OTelMetricsOptions configures NewOTelMetrics.
type OTelMetricsOptions struct {
	MeterProvider          metric.MeterProvider
	Meter                  metric.Meter
	InstrumentationName    string
	InstrumentationVersion string
}

var _ MetricHook = (*OTelMetrics)(nil)

// OTelMetrics implements MetricHook using OpenTelemetry counters.
type OTelMetrics struct {
	meter          metric.Meter
	requests       metric.Int64Counter
	protocolErrors metric.Int64Counter
	getsDeferred   metric.Int64Counter
	barriers       metric.Int64Counter
}

// NewOTelMetrics constructs a MetricHook that emits OpenTelemetry counter measurements.
func NewOTelMetrics(opts OTelMetricsOptions) (*OTelMetrics, error) {
	meter := opts.Meter
	if meter == nil {
		provider := opts.MeterProvider
		if provider == nil {
			provider = otel.GetMeterProvider()
		}
		name := opts.InstrumentationName
		if name == "" {
			name = "github.com/rocketbitz/pmi-go/simple"
		}
		meter = provider.Meter(name, metric.WithInstrumentationVersion(opts.InstrumentationVersion))
	}

	requests, err := meter.Int64Counter("pmi.server.requests")
	if err != nil {
		return nil, err
	}
	protocolErrors, err := meter.Int64Counter("pmi.server.protocol_errors")
	if err != nil {
		return nil, err
	}
	getsDeferred, err := meter.Int64Counter("pmi.server.gets_deferred")
	if err != nil {
		return nil, err
	}
	barriers, err := meter.Int64Counter("pmi.server.barriers")
	if err != nil {
		return nil, err
	}

	return &OTelMetrics{
		meter:          meter,
		requests:       requests,
		protocolErrors: protocolErrors,
		getsDeferred:   getsDeferred,
		barriers:       barriers,
	}, nil
}

// RequestHandled counts a dispatched request.
func (o *OTelMetrics) RequestHandled(attrs map[string]string) {
	o.requests.Add(context.Background(), 1, metric.WithAttributes(otelAttrs(attrs, labelCommand, labelStatus)...))
}

// ProtocolError counts a malformed request.
func (o *OTelMetrics) ProtocolError(attrs map[string]string) {
	o.protocolErrors.Add(context.Background(), 1, metric.WithAttributes(otelAttrs(attrs)...))
}

// GetDeferred counts a get answered asynchronously.
func (o *OTelMetrics) GetDeferred(attrs map[string]string) {
	o.getsDeferred.Add(context.Background(), 1, metric.WithAttributes(otelAttrs(attrs)...))
}

// BarrierCompleted counts a finished barrier cycle.
func (o *OTelMetrics) BarrierCompleted(attrs map[string]string) {
	o.barriers.Add(context.Background(), 1, metric.WithAttributes(otelAttrs(attrs, labelStatus)...))
}

func otelAttrs(attrs map[string]string, extra ...string) []attribute.KeyValue {
	kvs := []attribute.KeyValue{
		attribute.String(labelKVSName, attrs[labelKVSName]),
	}
	for _, key := range extra {
		if v := attrs[key]; v != "" {
			kvs = append(kvs, attribute.String(key, v))
		}
	}
	return kvs
}
