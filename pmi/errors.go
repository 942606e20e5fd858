package pmi

import (
	"errors"
	"fmt"
)

// Result is a PMI-1 return code as carried in the wire protocol's rc= field
// and returned by the canonical C entry points.
type Result int

// Result codes mirrored from the canonical pmi.h.
const (
	Success             Result = 0
	Fail                Result = -1
	ErrInit             Result = 1
	ErrNoMem            Result = 2
	ErrInvalidArg       Result = 3
	ErrInvalidKey       Result = 4
	ErrInvalidKeyLength Result = 5
	ErrInvalidVal       Result = 6
	ErrInvalidValLength Result = 7
	ErrInvalidLength    Result = 8
	ErrInvalidNumArgs   Result = 9
	ErrInvalidArgs      Result = 10
	ErrInvalidNumParsed Result = 11
	ErrInvalidKeyvalp   Result = 12
	ErrInvalidSize      Result = 13
)

var resultText = map[Result]string{
	Success:             "operation completed successfully",
	Fail:                "operation failed",
	ErrInit:             "PMI is not initialized",
	ErrNoMem:            "input buffer not large enough",
	ErrInvalidArg:       "invalid argument",
	ErrInvalidKey:       "invalid key argument",
	ErrInvalidKeyLength: "invalid key length argument",
	ErrInvalidVal:       "invalid val argument",
	ErrInvalidValLength: "invalid val length argument",
	ErrInvalidLength:    "invalid length argument",
	ErrInvalidNumArgs:   "invalid number of arguments",
	ErrInvalidArgs:      "invalid args argument",
	ErrInvalidNumParsed: "invalid num_parsed length argument",
	ErrInvalidKeyvalp:   "invalid keyvalp argument",
	ErrInvalidSize:      "invalid size argument",
}

// Error returns the canonical description of the code.
func (r Result) Error() string {
	return r.String()
}

func (r Result) String() string {
	if s, ok := resultText[r]; ok {
		return s
	}
	return fmt.Sprintf("unknown PMI result %d", int(r))
}

// WithOp adds operation context to the provided Result.
func (r Result) WithOp(op string) error {
	if op == "" {
		return r
	}
	return fmt.Errorf("%s: %w", op, r)
}

var (
	// ErrProtocol indicates malformed or unexpected wire data. It is never
	// carried in an rc= field; the connection should be treated as unusable.
	ErrProtocol = errors.New("pmi: protocol error")
	// ErrIO indicates a short read, short write or EOF on the PMI descriptor.
	ErrIO = errors.New("pmi: i/o error")
	// ErrBackendUnavailable indicates a bootstrap method could not be established.
	ErrBackendUnavailable = errors.New("pmi: backend unavailable")
	// ErrUnsupported is returned by every backend for publish, lookup and spawn.
	ErrUnsupported = fmt.Errorf("pmi: operation not supported: %w", Fail)
)

// FromResult converts a numeric code into an error. Success maps to nil.
func FromResult(rc int, op string) error {
	if rc == int(Success) {
		return nil
	}
	return Result(rc).WithOp(op)
}

// ResultOf maps an error to the code reported on the wire or through the C ABI.
func ResultOf(err error) Result {
	if err == nil {
		return Success
	}
	var r Result
	if errors.As(err, &r) {
		return r
	}
	return Fail
}
