// Command libpmi builds a PMI-1 shared library over the upmi backends:
//
//	go build -buildmode=c-shared -o libpmi.so ./cmd/libpmi
//
// Processes linked against it bootstrap through whichever method upmi
// selects at PMI_Init.
package main

/*
typedef struct {
    const char *key;
    char *val;
} PMI_keyval_t;
*/
import "C"

import (
	"os"
	"unsafe"

	"github.com/rocketbitz/pmi-go/pmi"
)

func main() {}

func rc(r pmi.Result) C.int { return C.int(r) }

func setInt(dst *C.int, v int) C.int {
	if dst == nil {
		return rc(pmi.ErrInvalidArg)
	}
	*dst = C.int(v)
	return rc(pmi.Success)
}

func bytesOf(p *C.char, length C.int) []byte {
	if p == nil || length <= 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(p)), int(length))
}

//export pmigo_pmi_library
func pmigo_pmi_library() {}

//export PMI_Init
func PMI_Init(spawned *C.int) C.int {
	if spawned == nil {
		return rc(pmi.ErrInvalidArg)
	}
	sp, r := global.init()
	if r != pmi.Success {
		return rc(r)
	}
	if sp {
		*spawned = 1
	} else {
		*spawned = 0
	}
	return rc(pmi.Success)
}

//export PMI_Initialized
func PMI_Initialized(initialized *C.int) C.int {
	if initialized == nil {
		return rc(pmi.ErrInvalidArg)
	}
	*initialized = 0
	if global.initialized() {
		*initialized = 1
	}
	return rc(pmi.Success)
}

//export PMI_Finalize
func PMI_Finalize() C.int {
	return rc(global.finalize())
}

//export PMI_Abort
func PMI_Abort(exitCode C.int, msg *C.char) C.int {
	var m string
	if msg != nil {
		m = C.GoString(msg)
	}
	global.abort(int(exitCode), m)
	os.Exit(int(exitCode))
	return rc(pmi.Success)
}

//export PMI_Get_size
func PMI_Get_size(size *C.int) C.int {
	info, r := global.info()
	if r != pmi.Success {
		return rc(r)
	}
	return setInt(size, info.Size)
}

//export PMI_Get_rank
func PMI_Get_rank(rank *C.int) C.int {
	info, r := global.info()
	if r != pmi.Success {
		return rc(r)
	}
	return setInt(rank, info.Rank)
}

//export PMI_Get_universe_size
func PMI_Get_universe_size(size *C.int) C.int {
	info, r := global.info()
	if r != pmi.Success {
		return rc(r)
	}
	return setInt(size, info.UniverseSize)
}

//export PMI_Get_appnum
func PMI_Get_appnum(appnum *C.int) C.int {
	info, r := global.info()
	if r != pmi.Success {
		return rc(r)
	}
	return setInt(appnum, info.AppNum)
}

//export PMI_KVS_Get_my_name
func PMI_KVS_Get_my_name(kvsname *C.char, length C.int) C.int {
	info, r := global.info()
	if r != pmi.Success {
		return rc(r)
	}
	return rc(copyString(bytesOf(kvsname, length), info.KVSName, pmi.ErrInvalidLength))
}

//export PMI_KVS_Get_name_length_max
func PMI_KVS_Get_name_length_max(length *C.int) C.int {
	info, r := global.info()
	if r != pmi.Success {
		return rc(r)
	}
	return setInt(length, info.Maxes.KVSNameMax)
}

//export PMI_KVS_Get_key_length_max
func PMI_KVS_Get_key_length_max(length *C.int) C.int {
	info, r := global.info()
	if r != pmi.Success {
		return rc(r)
	}
	return setInt(length, info.Maxes.KeyLenMax)
}

//export PMI_KVS_Get_value_length_max
func PMI_KVS_Get_value_length_max(length *C.int) C.int {
	info, r := global.info()
	if r != pmi.Success {
		return rc(r)
	}
	return setInt(length, info.Maxes.ValLenMax)
}

//export PMI_Get_id
func PMI_Get_id(id *C.char, length C.int) C.int {
	return PMI_KVS_Get_my_name(id, length)
}

//export PMI_Get_kvs_domain_id
func PMI_Get_kvs_domain_id(id *C.char, length C.int) C.int {
	return PMI_KVS_Get_my_name(id, length)
}

//export PMI_Get_id_length_max
func PMI_Get_id_length_max(length *C.int) C.int {
	return PMI_KVS_Get_name_length_max(length)
}

//export PMI_KVS_Put
func PMI_KVS_Put(kvsname, key, value *C.char) C.int {
	if kvsname == nil || key == nil || value == nil {
		return rc(pmi.ErrInvalidArg)
	}
	return rc(global.put(C.GoString(key), C.GoString(value)))
}

//export PMI_KVS_Commit
func PMI_KVS_Commit(kvsname *C.char) C.int {
	if kvsname == nil {
		return rc(pmi.ErrInvalidArg)
	}
	return rc(global.commit())
}

//export PMI_KVS_Get
func PMI_KVS_Get(kvsname, key, value *C.char, length C.int) C.int {
	if kvsname == nil || key == nil || value == nil {
		return rc(pmi.ErrInvalidArg)
	}
	v, r := global.kvsGet(C.GoString(key))
	if r != pmi.Success {
		return rc(r)
	}
	return rc(copyString(bytesOf(value, length), v, pmi.ErrInvalidValLength))
}

//export PMI_Barrier
func PMI_Barrier() C.int {
	return rc(global.barrier())
}

//export PMI_Get_clique_size
func PMI_Get_clique_size(size *C.int) C.int {
	ranks, r := global.cliqueRanks()
	if r != pmi.Success {
		return rc(r)
	}
	return setInt(size, len(ranks))
}

//export PMI_Get_clique_ranks
func PMI_Get_clique_ranks(ranks *C.int, length C.int) C.int {
	if ranks == nil || length <= 0 {
		return rc(pmi.ErrInvalidArg)
	}
	got, r := global.cliqueRanks()
	if r != pmi.Success {
		return rc(r)
	}
	dst := unsafe.Slice((*int32)(unsafe.Pointer(ranks)), int(length))
	return rc(copyRanks(dst, got))
}

//export PMI_Publish_name
func PMI_Publish_name(service, port *C.char) C.int {
	return rc(pmi.ResultOf(pmi.ErrUnsupported))
}

//export PMI_Unpublish_name
func PMI_Unpublish_name(service *C.char) C.int {
	return rc(pmi.ResultOf(pmi.ErrUnsupported))
}

//export PMI_Lookup_name
func PMI_Lookup_name(service, port *C.char) C.int {
	return rc(pmi.ResultOf(pmi.ErrUnsupported))
}

//export PMI_Spawn_multiple
func PMI_Spawn_multiple(count C.int, cmds, argvs, maxprocs, infoKeyvalSizes, infoKeyvalVectors unsafe.Pointer,
	preputKeyvalSize C.int, preputKeyvalVector unsafe.Pointer, errors unsafe.Pointer) C.int {
	return rc(pmi.ResultOf(pmi.ErrUnsupported))
}

//export PMI_KVS_Create
func PMI_KVS_Create(kvsname *C.char, length C.int) C.int {
	return rc(pmi.ResultOf(pmi.ErrUnsupported))
}

//export PMI_KVS_Destroy
func PMI_KVS_Destroy(kvsname *C.char) C.int {
	return rc(pmi.ResultOf(pmi.ErrUnsupported))
}

//export PMI_KVS_Iter_first
func PMI_KVS_Iter_first(kvsname, key *C.char, keyLen C.int, val *C.char, valLen C.int) C.int {
	return rc(pmi.ResultOf(pmi.ErrUnsupported))
}

//export PMI_KVS_Iter_next
func PMI_KVS_Iter_next(kvsname, key *C.char, keyLen C.int, val *C.char, valLen C.int) C.int {
	return rc(pmi.ResultOf(pmi.ErrUnsupported))
}

//export PMI_Get_options
func PMI_Get_options(str *C.char, length *C.int) C.int {
	return rc(pmi.ResultOf(pmi.ErrUnsupported))
}

//export PMI_Args_to_keyval
func PMI_Args_to_keyval(argcp *C.int, argvp unsafe.Pointer, keyvalp **C.PMI_keyval_t, size *C.int) C.int {
	return rc(pmi.ResultOf(pmi.ErrUnsupported))
}

//export PMI_Free_keyvals
func PMI_Free_keyvals(keyvalp *C.PMI_keyval_t, size C.int) C.int {
	return rc(pmi.ResultOf(pmi.ErrUnsupported))
}
