package simple

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func newObservedLogger() (*zap.SugaredLogger, *observer.ObservedLogs) {
	core, logs := observer.New(zapcore.DebugLevel)
	return zap.New(core).Sugar(), logs
}

func hasLogEvent(logs *observer.ObservedLogs, event string) bool {
	for _, entry := range logs.All() {
		if evt, ok := entry.ContextMap()["event"].(string); ok && evt == event {
			return true
		}
	}
	return false
}

func TestServerStructuredLoggingAndTracing(t *testing.T) {
	logger, logs := newObservedLogger()
	recorder := tracetest.NewSpanRecorder()
	tp := tracesdk.NewTracerProvider(tracesdk.WithSpanProcessor(recorder))
	defer func() { _ = tp.Shutdown(context.Background()) }()

	srv, err := NewServer(ServerConfig{
		KVSName:   "K",
		LocalSize: 2,
		Trace:     true,
		Logger:    logger,
		Tracer:    &OTelTracer{Tracer: tp.Tracer("server-test")},
	}, newMemHandler())
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	a, b := &recordingConn{}, &recordingConn{}
	exchange(t, srv, a, 0, "cmd=barrier_in")
	exchange(t, srv, b, 1, "cmd=barrier_in")
	_, _ = srv.Request(a, 0, "cmd=bogus\n")

	for _, event := range []string{"trace", "barrier_complete", "protocol_error"} {
		if !hasLogEvent(logs, event) {
			t.Fatalf("missing log event %q", event)
		}
	}

	ended := recorder.Ended()
	if len(ended) != 1 || ended[0].Name() != "pmi-barrier" {
		t.Fatalf("unexpected spans: %d", len(ended))
	}
	enters := 0
	for _, evt := range ended[0].Events() {
		if evt.Name == "enter" {
			enters++
		}
	}
	if enters != 2 {
		t.Fatalf("span enter events: got %d want 2", enters)
	}
}

type printfLogger struct {
	lines []string
}

func (l *printfLogger) Debugf(format string, args ...any) {
	l.lines = append(l.lines, format)
}

func TestServerPrintfLogger(t *testing.T) {
	logger := &printfLogger{}
	srv, err := NewServer(ServerConfig{KVSName: "K", LocalSize: 1, Logger: logger}, newMemHandler())
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	exchange(t, srv, &recordingConn{}, 0, "cmd=barrier_in")
	if len(logger.lines) == 0 {
		t.Fatalf("expected printf logging")
	}
}

func TestPrometheusMetricsCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics, err := NewPrometheusMetrics(PrometheusMetricsOptions{Registerer: reg})
	if err != nil {
		t.Fatalf("NewPrometheusMetrics: %v", err)
	}
	h := newMemHandler()
	h.deferGets = true
	srv, err := NewServer(ServerConfig{KVSName: "K", LocalSize: 1, Metrics: metrics}, h)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	conn := &recordingConn{}
	exchange(t, srv, conn, 0, "cmd=get_maxes")
	exchange(t, srv, conn, 0, "cmd=put kvsname=K key=a value=b")
	exchange(t, srv, conn, 0, "cmd=get kvsname=K key=a")
	exchange(t, srv, conn, 0, "cmd=barrier_in")
	_, _ = srv.Request(conn, 0, "cmd=bogus\n")

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	cases := map[string]float64{
		"pmi_server_requests_total":        3,
		"pmi_server_protocol_errors_total": 1,
		"pmi_server_gets_deferred_total":   1,
		"pmi_server_barriers_total":        1,
	}
	for name, want := range cases {
		if got := findCounterValue(mfs, name); got != want {
			t.Fatalf("unexpected counter %s: got %v want %v", name, got, want)
		}
	}

	again, err := NewPrometheusMetrics(PrometheusMetricsOptions{Registerer: reg})
	if err != nil {
		t.Fatalf("re-register: %v", err)
	}
	again.ProtocolError(map[string]string{labelKVSName: "K"})
	mfs, _ = reg.Gather()
	if got := findCounterValue(mfs, "pmi_server_protocol_errors_total"); got != 2 {
		t.Fatalf("shared collector: got %v want 2", got)
	}
}

func findCounterValue(mfs []*dto.MetricFamily, name string) float64 {
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
		var sum float64
		for _, m := range mf.Metric {
			sum += m.GetCounter().GetValue()
		}
		return sum
	}
	return 0
}

func TestOTelMetricsCounters(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	metrics, err := NewOTelMetrics(OTelMetricsOptions{MeterProvider: provider})
	if err != nil {
		t.Fatalf("NewOTelMetrics: %v", err)
	}

	attrs := map[string]string{labelKVSName: "K", labelCommand: "put", labelStatus: "ok"}
	metrics.RequestHandled(attrs)
	metrics.ProtocolError(attrs)
	metrics.GetDeferred(attrs)
	metrics.BarrierCompleted(attrs)

	ctx := context.Background()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	for _, name := range []string{
		"pmi.server.requests",
		"pmi.server.protocol_errors",
		"pmi.server.gets_deferred",
		"pmi.server.barriers",
	} {
		if got := otelCounterValue(rm, name); got != 1 {
			t.Fatalf("unexpected counter %s: got %v want 1", name, got)
		}
	}
	if err := provider.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func otelCounterValue(rm metricdata.ResourceMetrics, name string) float64 {
	for _, scope := range rm.ScopeMetrics {
		for _, metric := range scope.Metrics {
			if metric.Name != name {
				continue
			}
			if data, ok := metric.Data.(metricdata.Sum[int64]); ok {
				var sum float64
				for _, dp := range data.DataPoints {
					sum += float64(dp.Value)
				}
				return sum
			}
		}
	}
	return 0
}
