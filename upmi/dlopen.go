//go:build cgo

package upmi

import (
	"fmt"

	"github.com/rocketbitz/pmi-go/internal/capi"
	"github.com/rocketbitz/pmi-go/pmi"
)

// dlopenBackend forwards to a vendor libpmi.so.
type dlopenBackend struct {
	lib     *capi.Library
	kvsname string
	maxes   pmi.Maxes
}

func openDlopen(env func(string) string, arg string, log logger) (Backend, error) {
	paths := searchPaths(env, arg)
	if len(paths) == 0 {
		return nil, fmt.Errorf("dlopen: no libpmi found: %w", pmi.ErrBackendUnavailable)
	}
	for _, path := range paths {
		lib, err := capi.Open(path)
		if err != nil {
			log.event("dlopen_skip", logKV("path", path), logKV("reason", err.Error()))
			continue
		}
		if reason := refuseReason(lib); reason != "" {
			_ = lib.Close()
			log.event("dlopen_skip", logKV("path", path), logKV("reason", reason))
			continue
		}
		log.event("dlopen", logKV("path", lib.Path()))
		return &dlopenBackend{lib: lib}, nil
	}
	return nil, fmt.Errorf("dlopen: no usable library among %d candidates: %w", len(paths), pmi.ErrBackendUnavailable)
}

func (b *dlopenBackend) Init() (Info, error) {
	spawned, err := b.lib.Init()
	if err != nil {
		return Info{}, err
	}
	var info Info
	info.Spawned = spawned
	for _, q := range []struct {
		fn  func() (int, error)
		dst *int
	}{
		{b.lib.Size, &info.Size},
		{b.lib.Rank, &info.Rank},
		{b.lib.UniverseSize, &info.UniverseSize},
		{b.lib.AppNum, &info.AppNum},
		{b.lib.KVSNameMax, &info.Maxes.KVSNameMax},
		{b.lib.KeyLenMax, &info.Maxes.KeyLenMax},
		{b.lib.ValLenMax, &info.Maxes.ValLenMax},
	} {
		n, err := q.fn()
		if err != nil {
			return Info{}, err
		}
		*q.dst = n
	}
	name, err := b.lib.KVSName(info.Maxes.KVSNameMax)
	if err != nil {
		return Info{}, err
	}
	info.KVSName = name
	b.kvsname = name
	b.maxes = info.Maxes
	return info, nil
}

func (b *dlopenBackend) Finalize() error { return b.lib.Finalize() }

func (b *dlopenBackend) Abort(exitcode int, msg string) error {
	return b.lib.Abort(exitcode, msg)
}

func (b *dlopenBackend) Put(key, value string) error {
	return b.lib.Put(b.kvsname, key, value)
}

func (b *dlopenBackend) Commit() error { return b.lib.Commit(b.kvsname) }

func (b *dlopenBackend) Get(key string) (string, error) {
	return b.lib.Get(b.kvsname, key, b.maxes.ValLenMax)
}

func (b *dlopenBackend) Barrier() error { return b.lib.Barrier() }

func (b *dlopenBackend) Close() error { return b.lib.Close() }
