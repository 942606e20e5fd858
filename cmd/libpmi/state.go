package main

import (
	"sync"

	"github.com/rocketbitz/pmi-go/pmi"
	"github.com/rocketbitz/pmi-go/upmi"
)

// state is the process wide PMI context behind the C entry points.
type state struct {
	mu     sync.Mutex
	handle *upmi.Handle
	open   func() (*upmi.Handle, error)
}

var global = &state{open: func() (*upmi.Handle, error) { return upmi.Open(upmi.Config{}) }}

func (s *state) init() (bool, pmi.Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handle != nil {
		info, err := s.handle.Info()
		return info.Spawned, pmi.ResultOf(err)
	}
	h, err := s.open()
	if err != nil {
		return false, pmi.ErrInit
	}
	info, err := h.Initialize()
	if err != nil {
		_ = h.Close()
		return false, pmi.ResultOf(err)
	}
	s.handle = h
	return info.Spawned, pmi.Success
}

func (s *state) initialized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle != nil && s.handle.Initialized()
}

// get returns the initialized handle or PMI_ERR_INIT.
func (s *state) get() (*upmi.Handle, pmi.Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handle == nil {
		return nil, pmi.ErrInit
	}
	return s.handle, pmi.Success
}

func (s *state) info() (upmi.Info, pmi.Result) {
	h, rc := s.get()
	if rc != pmi.Success {
		return upmi.Info{}, rc
	}
	info, err := h.Info()
	return info, pmi.ResultOf(err)
}

func (s *state) finalize() pmi.Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handle == nil {
		return pmi.ErrInit
	}
	err := s.handle.Finalize()
	_ = s.handle.Close()
	s.handle = nil
	return pmi.ResultOf(err)
}

func (s *state) abort(exitcode int, msg string) pmi.Result {
	h, rc := s.get()
	if rc != pmi.Success {
		return rc
	}
	return pmi.ResultOf(h.Abort(exitcode, msg))
}

func (s *state) put(key, value string) pmi.Result {
	h, rc := s.get()
	if rc != pmi.Success {
		return rc
	}
	return pmi.ResultOf(h.Put(key, value))
}

func (s *state) commit() pmi.Result {
	h, rc := s.get()
	if rc != pmi.Success {
		return rc
	}
	return pmi.ResultOf(h.Commit())
}

func (s *state) kvsGet(key string) (string, pmi.Result) {
	h, rc := s.get()
	if rc != pmi.Success {
		return "", rc
	}
	v, err := h.Get(key)
	return v, pmi.ResultOf(err)
}

func (s *state) barrier() pmi.Result {
	h, rc := s.get()
	if rc != pmi.Success {
		return rc
	}
	return pmi.ResultOf(h.Barrier())
}

func (s *state) cliqueRanks() ([]int, pmi.Result) {
	h, rc := s.get()
	if rc != pmi.Success {
		return nil, rc
	}
	ranks, err := h.CliqueRanks()
	return ranks, pmi.ResultOf(err)
}

// copyString writes s and a terminating NUL into dst, failing with tooLong
// when dst cannot hold both.
func copyString(dst []byte, s string, tooLong pmi.Result) pmi.Result {
	if len(dst) == 0 {
		return pmi.ErrInvalidArg
	}
	if len(s) >= len(dst) {
		return tooLong
	}
	n := copy(dst, s)
	dst[n] = 0
	return pmi.Success
}

// copyRanks fills dst with ranks. dst must hold exactly the clique size.
func copyRanks(dst []int32, ranks []int) pmi.Result {
	if len(dst) != len(ranks) {
		return pmi.ErrInvalidSize
	}
	for i, r := range ranks {
		dst[i] = int32(r)
	}
	return pmi.Success
}
