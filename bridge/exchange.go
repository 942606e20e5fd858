package bridge

import (
	"fmt"
	"sync"

	"golang.org/x/exp/slices"

	"github.com/rocketbitz/pmi-go/pmi"
)

var (
	// ErrKeyNotFound is the lookup result for a key no participant has
	// fenced. It maps to pmi.ErrInvalidKey on the wire.
	ErrKeyNotFound = fmt.Errorf("bridge: key not found: %w", pmi.ErrInvalidKey)
	// ErrFenceMismatch reports participants disagreeing on a fence's size.
	ErrFenceMismatch = fmt.Errorf("bridge: fence participant count mismatch: %w", pmi.Fail)
)

// Exchange is the external collective that joins several protocol engine
// instances into one job.
type Exchange interface {
	// Fence contributes entries to the collective named name. The future
	// resolves once nprocs participants have called Fence with that name,
	// after which every contributed entry is visible to Lookup. A failed
	// fence fails every participant with the same error.
	Fence(name string, nprocs int, entries map[string]string) *Future
	// Lookup resolves with the value of a fenced key or ErrKeyNotFound.
	Lookup(key string) *Future
}

type fenceState struct {
	nprocs  int
	entries map[string]string
	waiters []*Future
}

// MemoryExchange is an in-process Exchange shared by engines running in one
// address space. It is safe for concurrent use.
type MemoryExchange struct {
	mu      sync.RWMutex
	data    map[string]string
	pending map[string]*fenceState
	failed  map[string]error
	fences  int
}

// NewMemoryExchange returns an empty exchange.
func NewMemoryExchange() *MemoryExchange {
	return &MemoryExchange{
		data:    make(map[string]string),
		pending: make(map[string]*fenceState),
		failed:  make(map[string]error),
	}
}

// Fence implements Exchange.
func (m *MemoryExchange) Fence(name string, nprocs int, entries map[string]string) *Future {
	if nprocs <= 0 {
		return Resolved("", fmt.Errorf("bridge: fence %s: nprocs %d: %w", name, nprocs, pmi.ErrInvalidArg))
	}
	f := NewFuture()

	m.mu.Lock()
	if err, ok := m.failed[name]; ok {
		m.mu.Unlock()
		f.Complete("", err)
		return f
	}
	st, ok := m.pending[name]
	if !ok {
		st = &fenceState{nprocs: nprocs, entries: make(map[string]string)}
		m.pending[name] = st
	}
	if st.nprocs != nprocs {
		err := fmt.Errorf("fence %s: %w", name, ErrFenceMismatch)
		m.failed[name] = err
		delete(m.pending, name)
		waiters := st.waiters
		m.mu.Unlock()
		for _, w := range waiters {
			w.Complete("", err)
		}
		f.Complete("", err)
		return f
	}
	for k, v := range entries {
		st.entries[k] = v
	}
	st.waiters = append(st.waiters, f)
	if len(st.waiters) < st.nprocs {
		m.mu.Unlock()
		return f
	}
	for k, v := range st.entries {
		m.data[k] = v
	}
	delete(m.pending, name)
	m.fences++
	waiters := st.waiters
	m.mu.Unlock()

	for _, w := range waiters {
		w.Complete("", nil)
	}
	return f
}

// Lookup implements Exchange.
func (m *MemoryExchange) Lookup(key string) *Future {
	m.mu.RLock()
	v, ok := m.data[key]
	m.mu.RUnlock()
	if !ok {
		return Resolved("", ErrKeyNotFound)
	}
	return Resolved(v, nil)
}

// Keys returns the fenced keys in sorted order.
func (m *MemoryExchange) Keys() []string {
	m.mu.RLock()
	keys := make([]string, 0, len(m.data))
	for k := range m.data {
		keys = append(keys, k)
	}
	m.mu.RUnlock()
	slices.Sort(keys)
	return keys
}

// Fences returns the number of completed fences.
func (m *MemoryExchange) Fences() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.fences
}
