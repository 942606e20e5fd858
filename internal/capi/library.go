//go:build cgo

package capi

import (
	"fmt"
	"sync"
	"unsafe"
)

/*
#cgo LDFLAGS: -ldl
#include <dlfcn.h>
#include <stdlib.h>

typedef int (*pmi_int_out_f)(int *);
typedef int (*pmi_void_f)(void);
typedef int (*pmi_abort_f)(int, const char *);
typedef int (*pmi_name_f)(char *, int);
typedef int (*pmi_put_f)(const char *, const char *, const char *);
typedef int (*pmi_commit_f)(const char *);
typedef int (*pmi_get_f)(const char *, const char *, char *, int);

static int pmi_call_int_out(void *f, int *out) { return ((pmi_int_out_f)f)(out); }
static int pmi_call_void(void *f) { return ((pmi_void_f)f)(); }
static int pmi_call_abort(void *f, int code, const char *msg) { return ((pmi_abort_f)f)(code, msg); }
static int pmi_call_name(void *f, char *buf, int len) { return ((pmi_name_f)f)(buf, len); }
static int pmi_call_put(void *f, const char *n, const char *k, const char *v) { return ((pmi_put_f)f)(n, k, v); }
static int pmi_call_commit(void *f, const char *n) { return ((pmi_commit_f)f)(n); }
static int pmi_call_get(void *f, const char *n, const char *k, char *v, int len) { return ((pmi_get_f)f)(n, k, v, len); }

static void *pmi_dlopen(const char *path) {
    return dlopen(path, RTLD_NOW | RTLD_GLOBAL);
}

static const char *pmi_dlerror(void) {
    const char *s = dlerror();
    return s ? s : "unknown dynamic loader error";
}
*/
import "C"

// Entry points every loaded library must provide.
var requiredSymbols = []string{
	"PMI_Init",
	"PMI_Finalize",
	"PMI_Abort",
	"PMI_Get_size",
	"PMI_Get_rank",
	"PMI_Get_universe_size",
	"PMI_Get_appnum",
	"PMI_KVS_Get_my_name",
	"PMI_KVS_Get_name_length_max",
	"PMI_KVS_Get_key_length_max",
	"PMI_KVS_Get_value_length_max",
	"PMI_KVS_Put",
	"PMI_KVS_Commit",
	"PMI_KVS_Get",
	"PMI_Barrier",
}

// Library is a dlopen(3)ed PMI-1 implementation with its entry points resolved.
type Library struct {
	path   string
	handle unsafe.Pointer

	mu   sync.Mutex
	syms map[string]unsafe.Pointer
}

// Open loads the library at path. The returned error wraps ErrUnavailable
// when the loader fails and ErrMissingSymbol when an entry point is absent.
func Open(path string) (*Library, error) {
	cpath := C.CString(path)
	defer C.free(unsafe.Pointer(cpath))

	handle := C.pmi_dlopen(cpath)
	if handle == nil {
		return nil, &DLError{Op: "dlopen", Path: path, Msg: C.GoString(C.pmi_dlerror())}
	}
	lib := &Library{path: path, handle: handle, syms: make(map[string]unsafe.Pointer)}
	for _, name := range requiredSymbols {
		if lib.lookup(name) == nil {
			_ = lib.Close()
			return nil, fmt.Errorf("%s: %s: %w", path, name, ErrMissingSymbol)
		}
	}
	return lib, nil
}

// Path returns the path the library was opened from.
func (l *Library) Path() string {
	return l.path
}

func (l *Library) lookup(name string) unsafe.Pointer {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.handle == nil {
		return nil
	}
	if sym, ok := l.syms[name]; ok {
		return sym
	}
	cname := C.CString(name)
	defer C.free(unsafe.Pointer(cname))
	sym := C.dlsym(l.handle, cname)
	if sym != nil {
		l.syms[name] = sym
	}
	return sym
}

// HasSymbol reports whether the library exports name.
func (l *Library) HasSymbol(name string) bool {
	return l.lookup(name) != nil
}

// Close unloads the library.
func (l *Library) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.handle == nil {
		return nil
	}
	rc := C.dlclose(l.handle)
	l.handle = nil
	l.syms = nil
	if rc != 0 {
		return &DLError{Op: "dlclose", Path: l.path, Msg: C.GoString(C.pmi_dlerror())}
	}
	return nil
}

func (l *Library) symbol(name string) (unsafe.Pointer, error) {
	sym := l.lookup(name)
	if sym == nil {
		return nil, fmt.Errorf("%s: %s: %w", l.path, name, ErrMissingSymbol)
	}
	return sym, nil
}

func (l *Library) intOut(name string) (int, error) {
	sym, err := l.symbol(name)
	if err != nil {
		return 0, err
	}
	var out C.int
	rc := C.pmi_call_int_out(sym, &out)
	if err := ErrorFromStatus(int(rc), name); err != nil {
		return 0, err
	}
	return int(out), nil
}

func (l *Library) call(name string) error {
	sym, err := l.symbol(name)
	if err != nil {
		return err
	}
	return ErrorFromStatus(int(C.pmi_call_void(sym)), name)
}

// Init calls PMI_Init and reports whether the process was spawned.
func (l *Library) Init() (bool, error) {
	spawned, err := l.intOut("PMI_Init")
	return spawned != 0, err
}

// Finalize calls PMI_Finalize.
func (l *Library) Finalize() error {
	return l.call("PMI_Finalize")
}

// Barrier calls PMI_Barrier.
func (l *Library) Barrier() error {
	return l.call("PMI_Barrier")
}

// Abort calls PMI_Abort.
func (l *Library) Abort(exitcode int, msg string) error {
	sym, err := l.symbol("PMI_Abort")
	if err != nil {
		return err
	}
	cmsg := C.CString(msg)
	defer C.free(unsafe.Pointer(cmsg))
	return ErrorFromStatus(int(C.pmi_call_abort(sym, C.int(exitcode), cmsg)), "PMI_Abort")
}

// Size calls PMI_Get_size.
func (l *Library) Size() (int, error) { return l.intOut("PMI_Get_size") }

// Rank calls PMI_Get_rank.
func (l *Library) Rank() (int, error) { return l.intOut("PMI_Get_rank") }

// UniverseSize calls PMI_Get_universe_size.
func (l *Library) UniverseSize() (int, error) { return l.intOut("PMI_Get_universe_size") }

// AppNum calls PMI_Get_appnum.
func (l *Library) AppNum() (int, error) { return l.intOut("PMI_Get_appnum") }

// KVSNameMax calls PMI_KVS_Get_name_length_max.
func (l *Library) KVSNameMax() (int, error) { return l.intOut("PMI_KVS_Get_name_length_max") }

// KeyLenMax calls PMI_KVS_Get_key_length_max.
func (l *Library) KeyLenMax() (int, error) { return l.intOut("PMI_KVS_Get_key_length_max") }

// ValLenMax calls PMI_KVS_Get_value_length_max.
func (l *Library) ValLenMax() (int, error) { return l.intOut("PMI_KVS_Get_value_length_max") }

// KVSName calls PMI_KVS_Get_my_name with a buffer of max bytes.
func (l *Library) KVSName(max int) (string, error) {
	sym, err := l.symbol("PMI_KVS_Get_my_name")
	if err != nil {
		return "", err
	}
	buf := (*C.char)(C.calloc(C.size_t(max), 1))
	defer C.free(unsafe.Pointer(buf))
	if err := ErrorFromStatus(int(C.pmi_call_name(sym, buf, C.int(max))), "PMI_KVS_Get_my_name"); err != nil {
		return "", err
	}
	return C.GoString(buf), nil
}

// Put calls PMI_KVS_Put.
func (l *Library) Put(kvsname, key, value string) error {
	sym, err := l.symbol("PMI_KVS_Put")
	if err != nil {
		return err
	}
	cn, ck, cv := C.CString(kvsname), C.CString(key), C.CString(value)
	defer C.free(unsafe.Pointer(cn))
	defer C.free(unsafe.Pointer(ck))
	defer C.free(unsafe.Pointer(cv))
	return ErrorFromStatus(int(C.pmi_call_put(sym, cn, ck, cv)), "PMI_KVS_Put")
}

// Commit calls PMI_KVS_Commit.
func (l *Library) Commit(kvsname string) error {
	sym, err := l.symbol("PMI_KVS_Commit")
	if err != nil {
		return err
	}
	cn := C.CString(kvsname)
	defer C.free(unsafe.Pointer(cn))
	return ErrorFromStatus(int(C.pmi_call_commit(sym, cn)), "PMI_KVS_Commit")
}

// Get calls PMI_KVS_Get with a value buffer of max bytes.
func (l *Library) Get(kvsname, key string, max int) (string, error) {
	sym, err := l.symbol("PMI_KVS_Get")
	if err != nil {
		return "", err
	}
	cn, ck := C.CString(kvsname), C.CString(key)
	defer C.free(unsafe.Pointer(cn))
	defer C.free(unsafe.Pointer(ck))
	buf := (*C.char)(C.calloc(C.size_t(max), 1))
	defer C.free(unsafe.Pointer(buf))
	if err := ErrorFromStatus(int(C.pmi_call_get(sym, cn, ck, buf, C.int(max))), "PMI_KVS_Get"); err != nil {
		return "", err
	}
	return C.GoString(buf), nil
}
