package upmi

import (
	"io"

	"github.com/rocketbitz/pmi-go/pmi"
	"github.com/rocketbitz/pmi-go/simple"
)

// simpleBackend speaks the wire protocol over the descriptor named by PMI_FD.
type simpleBackend struct {
	client  *simple.Client
	closer  io.Closer
	kvsname string
}

func openSimple(env func(string) string, arg string, log logger) (Backend, error) {
	l := log.printf
	if l == nil {
		if pl, ok := log.structured.(simple.Logger); ok {
			l = pl
		}
	}
	client, closer, err := simple.NewClientFromEnv(env, l)
	if err != nil {
		return nil, err
	}
	return &simpleBackend{client: client, closer: closer}, nil
}

func (b *simpleBackend) Init() (Info, error) {
	if err := b.client.Init(); err != nil {
		return Info{}, err
	}
	name, err := b.client.KVSGetMyName()
	if err != nil {
		return Info{}, err
	}
	b.kvsname = name
	universe, err := b.client.GetUniverseSize()
	if err != nil {
		return Info{}, err
	}
	appnum, err := b.client.GetAppNum()
	if err != nil {
		return Info{}, err
	}
	return Info{
		Params:       pmi.Params{Rank: b.client.Rank(), Size: b.client.Size(), KVSName: name},
		Spawned:      b.client.Spawned(),
		AppNum:       appnum,
		UniverseSize: universe,
		Maxes:        b.client.Maxes(),
	}, nil
}

func (b *simpleBackend) Finalize() error { return b.client.Finalize() }

func (b *simpleBackend) Abort(exitcode int, msg string) error {
	return b.client.Abort(exitcode, msg)
}

func (b *simpleBackend) Put(key, value string) error {
	return b.client.KVSPut(b.kvsname, key, value)
}

func (b *simpleBackend) Commit() error { return b.client.KVSCommit(b.kvsname) }

func (b *simpleBackend) Get(key string) (string, error) {
	return b.client.KVSGet(b.kvsname, key)
}

func (b *simpleBackend) Barrier() error { return b.client.Barrier() }

func (b *simpleBackend) CliqueRanks() ([]int, error) { return b.client.GetCliqueRanks() }

func (b *simpleBackend) Close() error {
	if b.closer == nil {
		return nil
	}
	return b.closer.Close()
}
