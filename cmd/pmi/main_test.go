package main

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func singletonEnv(k string) string {
	if k == "PMI_CLIENT_METHODS" {
		return "singleton"
	}
	return ""
}

func TestRunInfo(t *testing.T) {
	var out, errOut bytes.Buffer
	if err := run([]string{"info"}, &out, &errOut, singletonEnv); err != nil {
		t.Fatalf("run: %v", err)
	}
	got := out.String()
	if !strings.HasPrefix(got, "0: method=singleton size=1 ") || !strings.Contains(got, "clique=0") {
		t.Fatalf("unexpected output %q", got)
	}
}

func TestRunExchangeAndBarrier(t *testing.T) {
	var out, errOut bytes.Buffer
	if err := run([]string{"-method", "singleton", "exchange", "-count", "2"}, &out, &errOut, singletonEnv); err != nil {
		t.Fatalf("exchange: %v", err)
	}
	if n := strings.Count(out.String(), "completed pmi exchange on 1 tasks"); n != 2 {
		t.Fatalf("expected 2 exchange reports, got %d in %q", n, out.String())
	}

	out.Reset()
	if err := run([]string{"barrier", "-count", "3"}, &out, &errOut, singletonEnv); err != nil {
		t.Fatalf("barrier: %v", err)
	}
	if n := strings.Count(out.String(), "completed pmi barrier"); n != 3 {
		t.Fatalf("expected 3 barrier reports, got %d", n)
	}
}

func TestRunGetMissingKey(t *testing.T) {
	var out, errOut bytes.Buffer
	err := run([]string{"get", "PMI_process_mapping"}, &out, &errOut, singletonEnv)
	if err == nil || !strings.Contains(err.Error(), "PMI_process_mapping") {
		t.Fatalf("expected missing key error, got %v", err)
	}
}

func TestRunUsage(t *testing.T) {
	var out, errOut bytes.Buffer
	if err := run(nil, &out, &errOut, singletonEnv); !errors.Is(err, errUsage) {
		t.Fatalf("expected usage error, got %v", err)
	}
	if !strings.Contains(errOut.String(), "usage: pmi") {
		t.Fatalf("expected usage text, got %q", errOut.String())
	}
	if err := run([]string{"bogus"}, &out, &errOut, singletonEnv); !errors.Is(err, errUsage) {
		t.Fatalf("expected usage error for unknown subcommand, got %v", err)
	}
	if err := run([]string{"get"}, &out, &errOut, singletonEnv); !errors.Is(err, errUsage) {
		t.Fatalf("expected usage error for get without key, got %v", err)
	}
}
