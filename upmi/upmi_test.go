package upmi

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"golang.org/x/sys/unix"

	"github.com/rocketbitz/pmi-go/bridge"
	"github.com/rocketbitz/pmi-go/pmi"
	"github.com/rocketbitz/pmi-go/simple"
)

func envMap(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestOpenFallsBackToSingleton(t *testing.T) {
	h, err := Open(Config{Getenv: envMap(map[string]string{pmi.EnvLibrary: "/nonexistent/libpmi.so"})})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer h.Close()
	if h.Mode() != MethodSingleton {
		t.Fatalf("mode: got %q want %q", h.Mode(), MethodSingleton)
	}
	if err := h.Put("k", "v"); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("put before init: %v", err)
	}

	info, err := h.Initialize()
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if info.Rank != 0 || info.Size != 1 || info.UniverseSize != 1 || info.KVSName == "" {
		t.Fatalf("unexpected info %+v", info)
	}
	if err := h.Put("k", "v"); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := h.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if err := h.Barrier(); err != nil {
		t.Fatalf("Barrier: %v", err)
	}
	if v, err := h.Get("k"); err != nil || v != "v" {
		t.Fatalf("Get: %q %v", v, err)
	}
	if _, err := h.Get("missing"); !errors.Is(err, pmi.ErrInvalidKey) {
		t.Fatalf("Get missing: %v", err)
	}
	if ranks, err := h.CliqueRanks(); err != nil || len(ranks) != 1 || ranks[0] != 0 {
		t.Fatalf("CliqueRanks: %v %v", ranks, err)
	}
	if err := h.Finalize(); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if err := h.Barrier(); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("barrier after finalize: %v", err)
	}
}

func TestHandleLocalValidation(t *testing.T) {
	h, err := Open(Config{Methods: []string{MethodSingleton}})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := h.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	long := make([]byte, pmi.DefaultKeyLenMax)
	for i := range long {
		long[i] = 'k'
	}
	if err := h.Put(string(long), "v"); !errors.Is(err, pmi.ErrInvalidKeyLength) {
		t.Fatalf("long key: %v", err)
	}
	if err := h.Put("", "v"); !errors.Is(err, pmi.ErrInvalidKey) {
		t.Fatalf("empty key: %v", err)
	}
	if _, err := h.Get(string(long)); !errors.Is(err, pmi.ErrInvalidKeyLength) {
		t.Fatalf("long get key: %v", err)
	}
}

func TestUnsupportedOperationsFailIdentically(t *testing.T) {
	h, err := Open(Config{Methods: []string{MethodSingleton}})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	_, lookupErr := h.Lookup("svc")
	for name, err := range map[string]error{
		"publish":   h.Publish("svc", "port"),
		"unpublish": h.Unpublish("svc"),
		"lookup":    lookupErr,
		"spawn":     h.Spawn(),
	} {
		if !errors.Is(err, pmi.ErrUnsupported) || pmi.ResultOf(err) != pmi.Fail {
			t.Fatalf("%s: unexpected error %v", name, err)
		}
	}
}

func TestMethodSelection(t *testing.T) {
	env := envMap(map[string]string{
		pmi.EnvFD:            "3",
		pmi.EnvRank:          "0",
		pmi.EnvSize:          "1",
		pmi.EnvClientMethods: "pmix singleton",
	})
	h, err := Open(Config{Getenv: env})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if h.Mode() != MethodSingleton {
		t.Fatalf("PMI_CLIENT_METHODS ignored: mode %q", h.Mode())
	}

	if _, err := Open(Config{Getenv: envMap(nil), Methods: []string{"bogus"}}); !errors.Is(err, pmi.ErrInvalidArg) {
		t.Fatalf("unknown method: %v", err)
	}
	if _, err := Open(Config{Getenv: envMap(nil), Methods: []string{MethodSimple}}); !errors.Is(err, pmi.ErrBackendUnavailable) {
		t.Fatalf("simple without env: %v", err)
	}
	if _, err := Open(Config{Getenv: envMap(nil), Methods: []string{MethodPMIx}}); !errors.Is(err, pmi.ErrBackendUnavailable) {
		t.Fatalf("pmix without server: %v", err)
	}
	if _, err := Open(Config{Getenv: envMap(nil), Methods: []string{MethodDlopen + ":/nonexistent/libpmi.so"}}); !errors.Is(err, pmi.ErrBackendUnavailable) {
		t.Fatalf("dlopen of missing library: %v", err)
	}
}

func TestDebugLogCarriesMode(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	h, err := Open(Config{Getenv: envMap(nil), Methods: []string{MethodSimple, MethodSingleton}, Logger: zap.New(core).Sugar()})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := h.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	_ = h.Put("k", "v")

	var skipped, put bool
	for _, entry := range logs.All() {
		ctx := entry.ContextMap()
		switch {
		case ctx["event"] == "skip" && ctx["mode"] == MethodSimple:
			skipped = true
		case ctx["event"] == "call" && ctx["op"] == "put" && ctx["mode"] == MethodSingleton:
			put = true
			if rc, ok := ctx["rc"].(int64); !ok || rc != 0 {
				t.Fatalf("unexpected rc field %v", ctx["rc"])
			}
		}
	}
	if !skipped || !put {
		t.Fatalf("missing log events: skipped=%v put=%v", skipped, put)
	}
}

func TestDebugLevel(t *testing.T) {
	if debugLevel(envMap(nil)) != 0 {
		t.Fatalf("expected debug off")
	}
	if debugLevel(envMap(map[string]string{pmi.EnvFluxDebug: "2"})) != 2 {
		t.Fatalf("expected FLUX_PMI_DEBUG to enable debug")
	}
	if debugLevel(envMap(map[string]string{pmi.EnvDebug: "no"})) != 0 {
		t.Fatalf("expected invalid PMI_DEBUG to be ignored")
	}
}

// startJob serves size tasks over socketpairs and returns the environment
// each task would inherit.
func startJob(t *testing.T, size int) []map[string]string {
	t.Helper()
	b, err := bridge.New(bridge.Config{Size: 1, TaskMap: make([]int, size)}, nil)
	if err != nil {
		t.Fatalf("bridge.New: %v", err)
	}
	srv, err := simple.NewServer(simple.ServerConfig{KVSName: "job", LocalSize: size}, b)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	t.Cleanup(func() {
		cancel()
		wg.Wait()
	})

	envs := make([]map[string]string, size)
	for rank := 0; rank < size; rank++ {
		server, task, err := simple.Socketpair()
		if err != nil {
			t.Fatalf("Socketpair: %v", err)
		}
		fd, err := unix.Dup(int(task.Fd()))
		if err != nil {
			t.Fatalf("dup: %v", err)
		}
		_ = task.Close()
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			_ = srv.Serve(ctx, server, rank)
		}(rank)
		envs[rank] = map[string]string{
			pmi.EnvFD:   strconv.Itoa(fd),
			pmi.EnvRank: strconv.Itoa(rank),
			pmi.EnvSize: strconv.Itoa(size),
		}
	}
	return envs
}

func TestSimpleBackendJob(t *testing.T) {
	const size = 3
	envs := startJob(t, size)

	errs := make(chan error, size)
	values := make([][]string, size)
	var wg sync.WaitGroup
	for rank := 0; rank < size; rank++ {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			errs <- func() error {
				h, err := Open(Config{Getenv: envMap(envs[rank])})
				if err != nil {
					return err
				}
				defer h.Close()
				if h.Mode() != MethodSimple {
					return errors.New("unexpected mode " + h.Mode())
				}
				info, err := h.Initialize()
				if err != nil {
					return err
				}
				if info.Rank != rank || info.Size != size || info.KVSName != "job" {
					return errors.New("unexpected info " + info.String())
				}
				if err := h.Put("card-"+strconv.Itoa(rank), "v"+strconv.Itoa(rank)); err != nil {
					return err
				}
				if err := h.Commit(); err != nil {
					return err
				}
				if err := h.Barrier(); err != nil {
					return err
				}
				for peer := 0; peer < size; peer++ {
					v, err := h.Get("card-" + strconv.Itoa(peer))
					if err != nil {
						return err
					}
					values[rank] = append(values[rank], v)
				}
				n, err := h.CliqueSize()
				if err != nil {
					return err
				}
				if n != size {
					return errors.New("unexpected clique size " + strconv.Itoa(n))
				}
				return h.Finalize()
			}()
		}(rank)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("task failed: %v", err)
		}
	}
	for rank := range values {
		for peer, v := range values[rank] {
			if v != "v"+strconv.Itoa(peer) {
				t.Fatalf("rank %d saw %q for peer %d", rank, v, peer)
			}
		}
	}
}

func TestSearchPaths(t *testing.T) {
	dir := t.TempDir()
	lib := filepath.Join(dir, "libpmi.so.0")
	if err := os.WriteFile(lib, nil, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	saved := linkerCache
	t.Cleanup(func() { linkerCache = saved })
	linkerCache = func() ([]byte, error) {
		return []byte("2 libs found in cache `/etc/ld.so.cache'\n" +
			"\tlibpmi.so.0 (libc6,x86-64) => /usr/lib/libpmi.so.0\n" +
			"\tlibpmi2.so.0 (libc6,x86-64) => /usr/lib/libpmi2.so.0\n" +
			"\tlibpmi.so.0 (libc6,x86-64) => " + lib + "\n"), nil
	}

	got := searchPaths(envMap(map[string]string{"LD_LIBRARY_PATH": "/nonexistent:" + dir}), "")
	want := []string{lib, "/usr/lib/libpmi.so.0"}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("searchPaths: got %v want %v", got, want)
	}

	got = searchPaths(envMap(map[string]string{pmi.EnvLibrary: "/opt/libpmi.so"}), "")
	if len(got) != 1 || got[0] != "/opt/libpmi.so" {
		t.Fatalf("explicit library: got %v", got)
	}
	got = searchPaths(envMap(map[string]string{pmi.EnvLibrary: "/opt/libpmi.so"}), "/arg/libpmi.so")
	if len(got) != 1 || got[0] != "/arg/libpmi.so" {
		t.Fatalf("method argument: got %v", got)
	}

	linkerCache = func() ([]byte, error) { return nil, errors.New("no ldconfig") }
	if got := searchPaths(envMap(nil), ""); len(got) != 0 {
		t.Fatalf("expected no candidates, got %v", got)
	}
}

type fakeSymbols map[string]bool

func (f fakeSymbols) HasSymbol(name string) bool { return f[name] }

func TestRefuseReason(t *testing.T) {
	cases := []struct {
		syms   fakeSymbols
		refuse bool
	}{
		{fakeSymbols{"PMI_Init": true}, false},
		{fakeSymbols{"PMI_Init": true, MarkerSymbol: true}, true},
		{fakeSymbols{"PMI_Init": true, "flux_pmi_library": true}, true},
		{fakeSymbols{"PMI_Init": true, "PMI_Get_numpes_on_smp": true}, true},
	}
	for i, tc := range cases {
		if got := refuseReason(tc.syms) != ""; got != tc.refuse {
			t.Fatalf("case %d: refuse=%v want %v", i, got, tc.refuse)
		}
	}
}
