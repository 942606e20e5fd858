package upmi

import (
	"fmt"
	"strings"

	"github.com/rocketbitz/pmi-go/pmi"
	"github.com/rocketbitz/pmi-go/simple"
)

const component = "upmi"

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
	mode       string
}

func (l logger) with(mode string) logger {
	l.mode = mode
	return l
}

func (l logger) event(event string, fields ...logField) {
	if l.structured != nil {
		kv := make([]any, 0, len(fields)*2+4)
		kv = append(kv, "event", event, "mode", l.mode)
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
	fmt.Fprintf(&b, "%s: %s", l.mode, event)
	for _, f := range fields {
		fmt.Fprintf(&b, " %s=%v", f.key, f.value)
	}
	l.printf.Debugf("%s %s", component, b.String())
}

// call logs one facade operation with its PMI result code.
func (l logger) call(op string, err error, fields ...logField) {
	all := append([]logField{logKV("op", op), logKV("rc", int(pmi.ResultOf(err)))}, fields...)
	l.event("call", all...)
}
