package bridge

import (
	"fmt"
	"strings"

	"github.com/rocketbitz/pmi-go/simple"
)

const component = "pmi-bridge"

type logField struct {
	key   string
	value any
}

func logKV(key string, value any) logField {
	return logField{key: key, value: value}
}

type logger struct {
	printf     simple.Logger
	structured simple.StructuredLogger
}

func newLogger(l simple.Logger, s simple.StructuredLogger) logger {
	if s == nil {
		if sl, ok := l.(simple.StructuredLogger); ok {
			s = sl
		}
	}
	return logger{printf: l, structured: s}
}

func (l logger) event(event string, fields ...logField) {
	if l.structured != nil {
		kv := make([]any, 0, len(fields)*2+2)
		kv = append(kv, "event", event)
		for _, f := range fields {
			kv = append(kv, f.key, f.value)
		}
		l.structured.Debugw(component, kv...)
		return
	}
	if l.printf == nil {
		return
	}
	var b strings.Builder
	b.WriteString(event)
	for _, f := range fields {
		fmt.Fprintf(&b, " %s=%v", f.key, f.value)
	}
	l.printf.Debugf("%s %s", component, b.String())
}
