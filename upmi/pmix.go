//go:build pmix && cgo

package upmi

import (
	"fmt"
	"strconv"
	"strings"
	"unsafe"

	"github.com/rocketbitz/pmi-go/pmi"
)

/*
#cgo pkg-config: pmix
#include <stdlib.h>
#include <string.h>
#include <stdbool.h>
#include <pmix.h>

static void pmigo_target(pmix_proc_t *dst, const pmix_proc_t *self, int wildcard) {
    PMIX_PROC_CONSTRUCT(dst);
    strncpy(dst->nspace, self->nspace, PMIX_MAX_NSLEN);
    dst->rank = wildcard ? PMIX_RANK_WILDCARD : PMIX_RANK_UNDEF;
}

static pmix_status_t pmigo_init(pmix_proc_t *self) {
    return PMIx_Init(self, NULL, 0);
}

static pmix_status_t pmigo_finalize(void) {
    return PMIx_Finalize(NULL, 0);
}

static pmix_status_t pmigo_get_uint32(const pmix_proc_t *self, const char *key, uint32_t *out) {
    pmix_proc_t proc;
    pmix_value_t *val = NULL;
    pmix_status_t rc;

    pmigo_target(&proc, self, 1);
    rc = PMIx_Get(&proc, key, NULL, 0, &val);
    if (rc != PMIX_SUCCESS)
        return rc;
    switch (val->type) {
    case PMIX_UINT32:
        *out = val->data.uint32;
        break;
    case PMIX_UINT16:
        *out = val->data.uint16;
        break;
    case PMIX_INT:
        *out = (uint32_t)val->data.integer;
        break;
    default:
        rc = PMIX_ERR_BAD_PARAM;
    }
    PMIX_VALUE_RELEASE(val);
    return rc;
}

static pmix_status_t pmigo_job_size(const pmix_proc_t *self, uint32_t *out) {
    return pmigo_get_uint32(self, PMIX_JOB_SIZE, out);
}

static pmix_status_t pmigo_univ_size(const pmix_proc_t *self, uint32_t *out) {
    return pmigo_get_uint32(self, PMIX_UNIV_SIZE, out);
}

static pmix_status_t pmigo_appnum(const pmix_proc_t *self, uint32_t *out) {
    return pmigo_get_uint32(self, PMIX_APPNUM, out);
}

static pmix_status_t pmigo_get_string(const pmix_proc_t *self, const char *key, int wildcard, char **out) {
    pmix_proc_t proc;
    pmix_value_t *val = NULL;
    pmix_status_t rc;

    pmigo_target(&proc, self, wildcard);
    rc = PMIx_Get(&proc, key, NULL, 0, &val);
    if (rc != PMIX_SUCCESS)
        return rc;
    if (val->type == PMIX_STRING && val->data.string)
        *out = strdup(val->data.string);
    else
        rc = PMIX_ERR_BAD_PARAM;
    PMIX_VALUE_RELEASE(val);
    return rc;
}

static pmix_status_t pmigo_local_peers(const pmix_proc_t *self, char **out) {
    return pmigo_get_string(self, PMIX_LOCAL_PEERS, 1, out);
}

static pmix_status_t pmigo_put(const char *key, char *value) {
    pmix_value_t val;

    PMIX_VALUE_CONSTRUCT(&val);
    val.type = PMIX_STRING;
    val.data.string = value;
    return PMIx_Put(PMIX_GLOBAL, key, &val);
}

static pmix_status_t pmigo_fence(const pmix_proc_t *self) {
    pmix_proc_t proc;
    pmix_info_t info;
    pmix_status_t rc;
    bool collect = true;

    pmigo_target(&proc, self, 1);
    PMIX_INFO_CONSTRUCT(&info);
    PMIX_INFO_LOAD(&info, PMIX_COLLECT_DATA, &collect, PMIX_BOOL);
    rc = PMIx_Fence(&proc, 1, &info, 1);
    PMIX_INFO_DESTRUCT(&info);
    return rc;
}

static pmix_status_t pmigo_abort(int status, const char *msg) {
    return PMIx_Abort(status, msg, NULL, 0);
}
*/
import "C"

// pmixBackend maps PMI-1 calls onto a PMIx client session.
type pmixBackend struct {
	self C.pmix_proc_t
}

func openPMIx(env func(string) string, arg string, log logger) (Backend, error) {
	if !pmixServerPresent(env) {
		return nil, fmt.Errorf("pmix: %s not set: %w", pmi.EnvPMIxURI, pmi.ErrBackendUnavailable)
	}
	return &pmixBackend{}, nil
}

func pmixError(rc C.pmix_status_t, op string) error {
	switch rc {
	case C.PMIX_SUCCESS:
		return nil
	case C.PMIX_ERR_NOT_FOUND:
		return fmt.Errorf("%s: %s: %w", op, C.GoString(C.PMIx_Error_string(rc)), pmi.ErrInvalidKey)
	}
	return fmt.Errorf("%s: %s: %w", op, C.GoString(C.PMIx_Error_string(rc)), pmi.Fail)
}

func (b *pmixBackend) Init() (Info, error) {
	if err := pmixError(C.pmigo_init(&b.self), "PMIx_Init"); err != nil {
		return Info{}, err
	}
	var size, universe, appnum C.uint32_t
	if err := pmixError(C.pmigo_job_size(&b.self, &size), "PMIx_Get(job size)"); err != nil {
		return Info{}, err
	}
	if err := pmixError(C.pmigo_univ_size(&b.self, &universe), "PMIx_Get(universe size)"); err != nil {
		universe = size
	}
	if err := pmixError(C.pmigo_appnum(&b.self, &appnum), "PMIx_Get(appnum)"); err != nil {
		appnum = 0
	}
	return Info{
		Params: pmi.Params{
			Rank:    int(b.self.rank),
			Size:    int(size),
			KVSName: C.GoString(&b.self.nspace[0]),
		},
		AppNum:       int(appnum),
		UniverseSize: int(universe),
		Maxes:        pmi.DefaultMaxes(),
	}, nil
}

func (b *pmixBackend) Finalize() error {
	return pmixError(C.pmigo_finalize(), "PMIx_Finalize")
}

func (b *pmixBackend) Abort(exitcode int, msg string) error {
	cmsg := C.CString(msg)
	defer C.free(unsafe.Pointer(cmsg))
	return pmixError(C.pmigo_abort(C.int(exitcode), cmsg), "PMIx_Abort")
}

func (b *pmixBackend) Put(key, value string) error {
	ckey, cval := C.CString(key), C.CString(value)
	defer C.free(unsafe.Pointer(ckey))
	defer C.free(unsafe.Pointer(cval))
	return pmixError(C.pmigo_put(ckey, cval), "PMIx_Put")
}

func (b *pmixBackend) Commit() error {
	return pmixError(C.PMIx_Commit(), "PMIx_Commit")
}

func (b *pmixBackend) Get(key string) (string, error) {
	ckey := C.CString(key)
	defer C.free(unsafe.Pointer(ckey))
	var out *C.char
	if err := pmixError(C.pmigo_get_string(&b.self, ckey, 0, &out), "PMIx_Get"); err != nil {
		return "", err
	}
	defer C.free(unsafe.Pointer(out))
	return C.GoString(out), nil
}

func (b *pmixBackend) Barrier() error {
	return pmixError(C.pmigo_fence(&b.self), "PMIx_Fence")
}

func (b *pmixBackend) Close() error { return nil }

// CliqueRanks parses PMIX_LOCAL_PEERS, a comma separated rank list.
func (b *pmixBackend) CliqueRanks() ([]int, error) {
	var out *C.char
	if err := pmixError(C.pmigo_local_peers(&b.self, &out), "PMIx_Get(local peers)"); err != nil {
		return nil, err
	}
	defer C.free(unsafe.Pointer(out))
	var ranks []int
	for _, f := range strings.Split(C.GoString(out), ",") {
		n, err := strconv.Atoi(strings.TrimSpace(f))
		if err != nil {
			return nil, fmt.Errorf("pmix: local peers %q: %w", C.GoString(out), pmi.ErrProtocol)
		}
		ranks = append(ranks, n)
	}
	return ranks, nil
}
