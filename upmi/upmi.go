// Package upmi selects a PMI-1 bootstrap method for the calling process and
// exposes it through one operation set, whichever method is active.
//
// Candidates are tried in order: the simple wire protocol over an inherited
// descriptor, PMIx, a dynamically loaded vendor libpmi, and finally a
// singleton that treats the process as a job of size one.
package upmi

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/rocketbitz/pmi-go/clique"
	"github.com/rocketbitz/pmi-go/pmi"
	"github.com/rocketbitz/pmi-go/simple"
)

// Method names accepted in Config.Methods and PMI_CLIENT_METHODS.
const (
	MethodSimple    = "simple"
	MethodPMIx      = "pmix"
	MethodDlopen    = "dlopen"
	MethodSingleton = "singleton"
)

// DefaultMethods is the selection order used when none is configured.
var DefaultMethods = []string{MethodSimple, MethodPMIx, MethodDlopen, MethodSingleton}

// ErrNotInitialized is returned by calls that need a prior Initialize.
var ErrNotInitialized = fmt.Errorf("upmi: not initialized: %w", pmi.ErrInit)

// Info describes the process once a backend is initialized.
type Info struct {
	pmi.Params
	Spawned      bool
	AppNum       int
	UniverseSize int
	Maxes        pmi.Maxes
}

// Backend is one bootstrap method.
type Backend interface {
	Init() (Info, error)
	Finalize() error
	Abort(exitcode int, msg string) error
	Put(key, value string) error
	Commit() error
	Get(key string) (string, error)
	Barrier() error
	Close() error
}

// cliquer is implemented by backends with a native clique query.
type cliquer interface {
	CliqueRanks() ([]int, error)
}

// Config controls backend selection.
type Config struct {
	// Getenv reads the environment; os.Getenv when nil.
	Getenv func(string) string
	// Methods overrides the candidate order. Entries name a method, and a
	// dlopen entry may carry a library path as "dlopen:/path/libpmi.so".
	// When empty, PMI_CLIENT_METHODS (space separated) or DefaultMethods apply.
	Methods          []string
	Logger           simple.Logger
	StructuredLogger simple.StructuredLogger
}

// Handle is a selected backend plus the state shared by every method.
type Handle struct {
	cfg     Config
	backend Backend
	mode    string
	log     logger

	mu          sync.Mutex
	info        Info
	initialized bool
	finalized   bool
	mapping     clique.Blocks
	mappingSet  bool
}

type opener func(env func(string) string, arg string, log logger) (Backend, error)

var openers = map[string]opener{
	MethodSimple:    openSimple,
	MethodPMIx:      openPMIx,
	MethodDlopen:    openDlopen,
	MethodSingleton: openSingleton,
}

// Open selects the first available backend. Candidates reporting
// pmi.ErrBackendUnavailable are skipped; any other failure is returned.
func Open(cfg Config) (*Handle, error) {
	if cfg.Getenv == nil {
		cfg.Getenv = os.Getenv
	}
	log := newLogger(cfg)
	methods := cfg.Methods
	if len(methods) == 0 {
		methods = strings.Fields(cfg.Getenv(pmi.EnvClientMethods))
	}
	if len(methods) == 0 {
		methods = DefaultMethods
	}
	for _, m := range methods {
		name, arg, _ := strings.Cut(m, ":")
		open, ok := openers[name]
		if !ok {
			return nil, fmt.Errorf("upmi: unknown method %q: %w", name, pmi.ErrInvalidArg)
		}
		backend, err := open(cfg.Getenv, arg, log.with(name))
		if errors.Is(err, pmi.ErrBackendUnavailable) {
			log.with(name).event("skip", logKV("reason", err.Error()))
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("upmi: %s: %w", name, err)
		}
		log.with(name).event("selected")
		return &Handle{cfg: cfg, backend: backend, mode: name, log: log.with(name)}, nil
	}
	return nil, fmt.Errorf("upmi: no method in %v: %w", methods, pmi.ErrBackendUnavailable)
}

// Mode names the selected backend.
func (h *Handle) Mode() string {
	return h.mode
}

// Initialize initializes the backend once and returns the process info.
func (h *Handle) Initialize() (Info, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.initialized {
		return h.info, nil
	}
	info, err := h.backend.Init()
	h.log.call("init", err, logKV("rank", info.Rank), logKV("size", info.Size))
	if err != nil {
		return Info{}, err
	}
	if info.Maxes == (pmi.Maxes{}) {
		info.Maxes = pmi.DefaultMaxes()
	}
	h.info = info
	h.initialized = true
	return info, nil
}

// Initialized reports whether Initialize succeeded and Finalize has not run.
func (h *Handle) Initialized() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.initialized && !h.finalized
}

func (h *Handle) ready() (Info, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.initialized || h.finalized {
		return Info{}, ErrNotInitialized
	}
	return h.info, nil
}

// Info returns the process info recorded at Initialize.
func (h *Handle) Info() (Info, error) {
	return h.ready()
}

// Put stores key in the job's KVS.
func (h *Handle) Put(key, value string) error {
	info, err := h.ready()
	if err != nil {
		return err
	}
	if err := info.Maxes.CheckKey(key); err != nil {
		return fmt.Errorf("put: %w", err)
	}
	if err := info.Maxes.CheckValue(value); err != nil {
		return fmt.Errorf("put: %w", err)
	}
	err = h.backend.Put(key, value)
	h.log.call("put", err, logKV("key", key))
	return err
}

// Commit makes prior puts eligible for the next barrier.
func (h *Handle) Commit() error {
	if _, err := h.ready(); err != nil {
		return err
	}
	err := h.backend.Commit()
	h.log.call("commit", err)
	return err
}

// Get fetches key from the job's KVS.
func (h *Handle) Get(key string) (string, error) {
	info, err := h.ready()
	if err != nil {
		return "", err
	}
	if err := info.Maxes.CheckKey(key); err != nil {
		return "", fmt.Errorf("get: %w", err)
	}
	value, err := h.backend.Get(key)
	h.log.call("get", err, logKV("key", key))
	return value, err
}

// Barrier blocks until every process of the job entered it.
func (h *Handle) Barrier() error {
	if _, err := h.ready(); err != nil {
		return err
	}
	err := h.backend.Barrier()
	h.log.call("barrier", err)
	return err
}

// Abort asks the job to terminate.
func (h *Handle) Abort(exitcode int, msg string) error {
	err := h.backend.Abort(exitcode, msg)
	h.log.call("abort", err, logKV("exitcode", exitcode))
	return err
}

// Finalize shuts the backend down. The handle cannot be reinitialized.
func (h *Handle) Finalize() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.initialized || h.finalized {
		return ErrNotInitialized
	}
	h.finalized = true
	err := h.backend.Finalize()
	h.log.call("finalize", err)
	return err
}

// Close releases backend resources.
func (h *Handle) Close() error {
	return h.backend.Close()
}

// Publish is not supported by any backend.
func (h *Handle) Publish(service, port string) error {
	h.log.call("publish", pmi.ErrUnsupported)
	return pmi.ErrUnsupported
}

// Unpublish is not supported by any backend.
func (h *Handle) Unpublish(service string) error {
	h.log.call("unpublish", pmi.ErrUnsupported)
	return pmi.ErrUnsupported
}

// Lookup is not supported by any backend.
func (h *Handle) Lookup(service string) (string, error) {
	h.log.call("lookup", pmi.ErrUnsupported)
	return "", pmi.ErrUnsupported
}

// Spawn is not supported by any backend.
func (h *Handle) Spawn() error {
	h.log.call("spawn", pmi.ErrUnsupported)
	return pmi.ErrUnsupported
}

func (h *Handle) processMapping() (clique.Blocks, error) {
	h.mu.Lock()
	if h.mappingSet {
		defer h.mu.Unlock()
		return h.mapping, nil
	}
	h.mu.Unlock()

	s, err := h.Get(pmi.ProcessMappingKey)
	var blocks clique.Blocks
	switch {
	case errors.Is(err, pmi.ErrInvalidKey):
	case err != nil:
		return nil, err
	default:
		if blocks, err = clique.Decode(s); err != nil {
			return nil, fmt.Errorf("upmi: %s: %w", pmi.ProcessMappingKey, err)
		}
	}
	h.mu.Lock()
	h.mapping, h.mappingSet = blocks, true
	h.mu.Unlock()
	return blocks, nil
}

// CliqueRanks returns the ranks sharing this process's node, in ascending
// order. Without a process mapping each rank is its own clique.
func (h *Handle) CliqueRanks() ([]int, error) {
	info, err := h.ready()
	if err != nil {
		return nil, err
	}
	if c, ok := h.backend.(cliquer); ok {
		ranks, err := c.CliqueRanks()
		h.log.call("clique_ranks", err, logKV("n", len(ranks)))
		return ranks, err
	}
	blocks, err := h.processMapping()
	if err != nil {
		return nil, err
	}
	ranks, err := blocks.Of(info.Rank, info.Size)
	h.log.call("clique_ranks", err, logKV("n", len(ranks)))
	return ranks, err
}

// CliqueSize returns len(CliqueRanks()).
func (h *Handle) CliqueSize() (int, error) {
	ranks, err := h.CliqueRanks()
	if err != nil {
		return 0, err
	}
	return len(ranks), nil
}

// debugLevel parses PMI_DEBUG or FLUX_PMI_DEBUG.
func debugLevel(getenv func(string) string) int {
	for _, name := range []string{pmi.EnvDebug, pmi.EnvFluxDebug} {
		if n, err := strconv.Atoi(getenv(name)); err == nil && n > 0 {
			return n
		}
	}
	return 0
}

func newLogger(cfg Config) logger {
	l := logger{printf: cfg.Logger, structured: cfg.StructuredLogger}
	if l.structured == nil {
		if s, ok := l.printf.(simple.StructuredLogger); ok {
			l.structured = s
		}
	}
	if l.printf == nil && l.structured == nil && debugLevel(cfg.Getenv) > 0 {
		if z, err := zap.NewDevelopment(); err == nil {
			l.structured = z.Sugar()
		}
	}
	return l
}
