// Package bridge joins the local barrier of a simple.Server with an external
// collective so that a job may span several protocol engine instances.
//
// Local puts accumulate in an in-memory table. When every local task has
// entered the barrier, entries not marked local-only are flushed into one
// Exchange.Fence whose participant count is the number of engine instances.
// Gets are answered locally first and fall back to Exchange.Lookup. Looked up
// values are cached only until the next fence completes, and a completed fence
// hands the keys it flushed over to the exchange, so a later put from any
// instance is what subsequent gets observe.
package bridge

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/exp/slices"

	"github.com/rocketbitz/pmi-go/clique"
	"github.com/rocketbitz/pmi-go/pmi"
	"github.com/rocketbitz/pmi-go/simple"
)

// ErrNotAttached indicates a deferred operation was needed before Attach.
var ErrNotAttached = errors.New("bridge: no server attached")

// Completer receives deferred results. *simple.Server implements it.
type Completer interface {
	KVSGetComplete(conn simple.Conn, value string, err error) error
	BarrierComplete(rc pmi.Result) error
}

// Config describes this engine instance's place in the job.
type Config struct {
	// Rank and Size identify the engine instance among all instances of the
	// job. Size is the fence participant count.
	Rank int
	Size int
	// TaskMap optionally lists the node id of every rank of the job. When set,
	// PMI_process_mapping is published as a local-only key.
	TaskMap []int
	// CycleTimeout bounds each fence and lookup. Zero waits forever.
	CycleTimeout     time.Duration
	Logger           simple.Logger
	StructuredLogger simple.StructuredLogger
}

// Bridge implements simple.Handler and simple.Aborter.
type Bridge struct {
	cfg      Config
	exchange Exchange
	log      logger

	mu      sync.Mutex
	server  Completer
	kvs     map[string]string
	remote  map[string]string
	local   map[string]struct{}
	pending map[string]string
	cycle   int
	epoch   int
	aborted func(exitcode int, msg string)
}

// New builds a bridge for one engine instance.
func New(cfg Config, ex Exchange) (*Bridge, error) {
	if cfg.Size <= 0 {
		cfg.Size = 1
	}
	if cfg.Rank < 0 || cfg.Rank >= cfg.Size {
		return nil, fmt.Errorf("bridge: rank %d outside instance count %d: %w", cfg.Rank, cfg.Size, pmi.ErrInvalidArg)
	}
	if cfg.Size > 1 && ex == nil {
		return nil, fmt.Errorf("bridge: %d instances need an exchange: %w", cfg.Size, pmi.ErrInvalidArg)
	}
	b := &Bridge{
		cfg:      cfg,
		exchange: ex,
		log:      newLogger(cfg.Logger, cfg.StructuredLogger),
		kvs:      make(map[string]string),
		remote:   make(map[string]string),
		local:    make(map[string]struct{}),
		pending:  make(map[string]string),
	}
	if cfg.TaskMap != nil {
		mapping, err := clique.FromTaskMap(cfg.TaskMap).Encode(pmi.DefaultValLenMax)
		if err != nil {
			return nil, fmt.Errorf("bridge: encode process mapping: %w", err)
		}
		b.kvs[pmi.ProcessMappingKey] = mapping
		b.local[pmi.ProcessMappingKey] = struct{}{}
	}
	return b, nil
}

// Attach sets the server that receives deferred completions.
func (b *Bridge) Attach(c Completer) {
	b.mu.Lock()
	b.server = c
	b.mu.Unlock()
}

// OnAbort installs a callback for abort requests from local tasks.
func (b *Bridge) OnAbort(fn func(exitcode int, msg string)) {
	b.mu.Lock()
	b.aborted = fn
	b.mu.Unlock()
}

// MarkLocal excludes keys from future fences.
func (b *Bridge) MarkLocal(keys ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, k := range keys {
		b.local[k] = struct{}{}
		delete(b.pending, k)
	}
}

// LocalKeys returns the local-only keys in sorted order.
func (b *Bridge) LocalKeys() []string {
	b.mu.Lock()
	keys := make([]string, 0, len(b.local))
	for k := range b.local {
		keys = append(keys, k)
	}
	b.mu.Unlock()
	slices.Sort(keys)
	return keys
}

// Cycle returns the number of fences started.
func (b *Bridge) Cycle() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cycle
}

// KVSPut implements simple.Handler.
func (b *Bridge) KVSPut(kvsname, key, value string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.kvs[key] = value
	if _, ok := b.local[key]; !ok {
		b.pending[key] = value
	}
	return nil
}

// KVSGet implements simple.Handler.
func (b *Bridge) KVSGet(conn simple.Conn, kvsname, key string) (string, error) {
	b.mu.Lock()
	if v, ok := b.kvs[key]; ok {
		b.mu.Unlock()
		return v, nil
	}
	if v, ok := b.remote[key]; ok {
		b.mu.Unlock()
		return v, nil
	}
	_, localOnly := b.local[key]
	server := b.server
	epoch := b.epoch
	b.mu.Unlock()

	if b.cfg.Size == 1 || localOnly {
		return "", pmi.ErrInvalidKey
	}
	if server == nil {
		return "", ErrNotAttached
	}
	b.log.event("lookup", logKV("key", key))
	f := withTimeout(b.exchange.Lookup(key), b.cfg.CycleTimeout)
	f.OnComplete(func(value string, err error) {
		if err == nil {
			b.mu.Lock()
			// A fence that completed meanwhile may have replaced the value.
			if b.epoch == epoch {
				b.remote[key] = value
			}
			b.mu.Unlock()
		} else {
			b.log.event("lookup_failed", logKV("key", key), logKV("error", err))
		}
		if cerr := server.KVSGetComplete(conn, value, err); cerr != nil {
			b.log.event("complete_failed", logKV("op", "get"), logKV("error", cerr))
		}
	})
	return "", simple.ErrPending
}

// BarrierEnter implements simple.Handler.
func (b *Bridge) BarrierEnter() error {
	if b.cfg.Size == 1 {
		return nil
	}
	b.mu.Lock()
	server := b.server
	if server == nil {
		b.mu.Unlock()
		return ErrNotAttached
	}
	b.cycle++
	name := fmt.Sprintf("pmi.%d", b.cycle)
	entries := b.pending
	b.pending = make(map[string]string)
	b.mu.Unlock()

	b.log.event("fence", logKV("name", name), logKV("nprocs", b.cfg.Size), logKV("entries", len(entries)))
	start := time.Now()
	f := withTimeout(b.exchange.Fence(name, b.cfg.Size, entries), b.cfg.CycleTimeout)
	f.OnComplete(func(_ string, err error) {
		b.fenced(entries, err)
		rc := pmi.ResultOf(err)
		b.log.event("fence_complete", logKV("name", name), logKV("rc", int(rc)), logKV("elapsed", time.Since(start)))
		if cerr := server.BarrierComplete(rc); cerr != nil {
			b.log.event("complete_failed", logKV("op", "barrier"), logKV("error", cerr))
		}
	})
	return simple.ErrPending
}

// fenced retires the lookup cache. After a successful fence the exchange is
// authoritative for the flushed keys unless they were put again since.
func (b *Bridge) fenced(entries map[string]string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.epoch++
	b.remote = make(map[string]string)
	if err != nil {
		return
	}
	for k, v := range entries {
		if _, again := b.pending[k]; again {
			continue
		}
		if cur, ok := b.kvs[k]; ok && cur == v {
			delete(b.kvs, k)
		}
	}
}

// Abort implements simple.Aborter.
func (b *Bridge) Abort(conn simple.Conn, exitcode int, msg string) {
	b.log.event("abort", logKV("exitcode", exitcode), logKV("msg", msg))
	b.mu.Lock()
	fn := b.aborted
	b.mu.Unlock()
	if fn != nil {
		fn(exitcode, msg)
	}
}

var (
	_ simple.Handler = (*Bridge)(nil)
	_ simple.Aborter = (*Bridge)(nil)
	_ Completer      = (*simple.Server)(nil)
)
