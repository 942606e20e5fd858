package simple

import (
	"fmt"
	"strings"
)

// Logger provides printf style debug logging hooks.
type Logger interface {
	Debugf(format string, args ...any)
}

// StructuredLogger emits key/value pairs for structured logging backends.
type StructuredLogger interface {
	Debugw(msg string, keyvals ...any)
}

// TraceAttribute represents a tracing attribute attached to spans or events.
type TraceAttribute struct {
	Key   string
	Value any
}

// Tracer starts spans that wrap barrier cycles.
type Tracer interface {
	StartSpan(name string, attrs ...TraceAttribute) Span
}

// Span records lifecycle, events, and errors for tracing systems.
type Span interface {
	End(err error)
	AddEvent(name string, attrs ...TraceAttribute)
	RecordError(err error)
}

// MetricHook captures server telemetry events.
type MetricHook interface {
	RequestHandled(attrs map[string]string)
	ProtocolError(attrs map[string]string)
	GetDeferred(attrs map[string]string)
	BarrierCompleted(attrs map[string]string)
}

const (
	labelKVSName = "kvsname"
	labelCommand = "command"
	labelStatus  = "status"
)

type logField struct {
	key   string
	value any
}

func logKV(key string, value any) logField {
	return logField{key: key, value: value}
}

// telemetry bundles the optional hooks shared by Server and Client.
type telemetry struct {
	component  string
	logger     Logger
	structured StructuredLogger
	tracer     Tracer
	metrics    MetricHook
	base       map[string]string
}

func newTelemetry(component string, logger Logger, structured StructuredLogger, tracer Tracer, metrics MetricHook) telemetry {
	if structured == nil {
		if s, ok := logger.(StructuredLogger); ok {
			structured = s
		}
	}
	return telemetry{
		component:  component,
		logger:     logger,
		structured: structured,
		tracer:     tracer,
		metrics:    metrics,
		base:       map[string]string{},
	}
}

func (t *telemetry) logEvent(event string, fields ...logField) {
	if t.structured != nil {
		kv := make([]any, 0, len(fields)*2+2)
		kv = append(kv, "event", event)
		for _, field := range fields {
			if field.key == "" {
				continue
			}
			kv = append(kv, field.key, field.value)
		}
		t.structured.Debugw(t.component, kv...)
		return
	}
	if t.logger == nil {
		return
	}
	var b strings.Builder
	b.WriteString(event)
	for _, field := range fields {
		if field.key == "" {
			continue
		}
		b.WriteString(" ")
		b.WriteString(field.key)
		b.WriteString("=")
		b.WriteString(fmt.Sprint(field.value))
	}
	t.logger.Debugf("%s %s", t.component, b.String())
}

func (t *telemetry) metricAttrs(fields ...logField) map[string]string {
	attrs := make(map[string]string, len(t.base)+len(fields))
	for k, v := range t.base {
		attrs[k] = v
	}
	for _, field := range fields {
		if field.key == "" {
			continue
		}
		attrs[field.key] = fmt.Sprint(field.value)
	}
	return attrs
}

func (t *telemetry) startSpan(name string, fields ...logField) Span {
	if t.tracer == nil {
		return nil
	}
	attrs := []TraceAttribute{{Key: "component", Value: t.component}}
	attrs = append(attrs, attributesFromFields(fields...)...)
	return t.tracer.StartSpan(name, attrs...)
}

func spanAddEvent(span Span, name string, fields ...logField) {
	if span == nil {
		return
	}
	span.AddEvent(name, attributesFromFields(fields...)...)
}

func spanRecordError(span Span, err error) {
	if span == nil || err == nil {
		return
	}
	span.RecordError(err)
}

func spanEnd(span Span, err error) {
	if span == nil {
		return
	}
	span.End(err)
}

func attributesFromFields(fields ...logField) []TraceAttribute {
	if len(fields) == 0 {
		return nil
	}
	attrs := make([]TraceAttribute, 0, len(fields))
	for _, field := range fields {
		if field.key == "" {
			continue
		}
		attrs = append(attrs, TraceAttribute{Key: field.key, Value: field.value})
	}
	return attrs
}
