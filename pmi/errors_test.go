package pmi

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestResultWithOp(t *testing.T) {
	err := ErrInvalidKeyLength.WithOp("kvs_put")
	if !errors.Is(err, ErrInvalidKeyLength) {
		t.Fatalf("expected errors.Is match, got %v", err)
	}
	if !strings.Contains(err.Error(), "kvs_put") {
		t.Fatalf("expected operation context in error string, got %q", err)
	}
	if ResultOf(err) != ErrInvalidKeyLength {
		t.Fatalf("ResultOf: got %d", ResultOf(err))
	}
}

func TestResultOf(t *testing.T) {
	if rc := ResultOf(nil); rc != Success {
		t.Fatalf("nil error: got %d", rc)
	}
	if rc := ResultOf(fmt.Errorf("wrapped: %w", ErrIO)); rc != Fail {
		t.Fatalf("io error: got %d", rc)
	}
	if rc := ResultOf(ErrUnsupported); rc != Fail {
		t.Fatalf("unsupported: got %d", rc)
	}
	if err := FromResult(0, "barrier"); err != nil {
		t.Fatalf("FromResult(0) = %v", err)
	}
	if err := FromResult(int(ErrInvalidKey), "kvs_get"); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("FromResult: got %v", err)
	}
}

func TestResultString(t *testing.T) {
	if Success.String() == "" || Fail.Error() == "" {
		t.Fatalf("empty result text")
	}
	if s := Result(99).String(); !strings.Contains(s, "99") {
		t.Fatalf("unexpected text for unknown code: %q", s)
	}
}

func TestMaxesBoundaries(t *testing.T) {
	m := DefaultMaxes()
	if err := m.CheckValue(strings.Repeat("v", m.ValLenMax-1)); err != nil {
		t.Fatalf("value of max-1 rejected: %v", err)
	}
	if err := m.CheckValue(strings.Repeat("v", m.ValLenMax)); !errors.Is(err, ErrInvalidValLength) {
		t.Fatalf("value of max accepted: %v", err)
	}
	if err := m.CheckKey(strings.Repeat("k", m.KeyLenMax-1)); err != nil {
		t.Fatalf("key of max-1 rejected: %v", err)
	}
	if err := m.CheckKey(strings.Repeat("k", m.KeyLenMax)); !errors.Is(err, ErrInvalidKeyLength) {
		t.Fatalf("key of max accepted: %v", err)
	}
	if err := m.CheckKey(""); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("empty key accepted: %v", err)
	}
	if err := m.CheckKVSName(strings.Repeat("n", m.KVSNameMax)); !errors.Is(err, ErrInvalidLength) {
		t.Fatalf("kvsname of max accepted: %v", err)
	}
	if got, want := m.LineMax(), 64+64+1024+ProtoOverhead; got != want {
		t.Fatalf("LineMax: got %d want %d", got, want)
	}
}
