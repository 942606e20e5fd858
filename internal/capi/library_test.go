//go:build cgo

package capi

import (
	"errors"
	"testing"
)

func TestOpenMissingLibrary(t *testing.T) {
	lib, err := Open("/nonexistent/libpmi.so")
	if err == nil {
		_ = lib.Close()
		t.Fatalf("expected dlopen failure")
	}
	var dlErr *DLError
	if !errors.As(err, &dlErr) || dlErr.Op != "dlopen" {
		t.Fatalf("expected DLError from dlopen, got %v", err)
	}
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestOpenRejectsLibraryWithoutEntryPoints(t *testing.T) {
	_, err := Open("libc.so.6")
	if errors.Is(err, ErrUnavailable) {
		t.Skipf("libc.so.6 not loadable here: %v", err)
	}
	if !errors.Is(err, ErrMissingSymbol) {
		t.Fatalf("expected ErrMissingSymbol, got %v", err)
	}
}
