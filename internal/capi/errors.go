package capi

import (
	"errors"
	"fmt"

	"github.com/rocketbitz/pmi-go/pmi"
)

var (
	// ErrUnavailable reports a library that could not be opened or used.
	ErrUnavailable = fmt.Errorf("capi: library unavailable: %w", pmi.ErrBackendUnavailable)
	// ErrMissingSymbol reports a library lacking a required PMI-1 entry point.
	ErrMissingSymbol = errors.New("capi: missing symbol")
)

// ErrorFromStatus converts a PMI-1 return code into a Go error carrying op.
// PMI_SUCCESS yields nil.
func ErrorFromStatus(status int, op string) error {
	if status == int(pmi.Success) {
		return nil
	}
	return pmi.Result(status).WithOp(op)
}

// DLError carries the dlerror(3) text of a failed dynamic loader call.
type DLError struct {
	Op   string
	Path string
	Msg  string
}

func (e *DLError) Error() string {
	return fmt.Sprintf("%s %s: %s", e.Op, e.Path, e.Msg)
}

// Unwrap lets errors.Is match ErrUnavailable.
func (e *DLError) Unwrap() error {
	return ErrUnavailable
}
