package upmi

import (
	"sync"

	"github.com/rocketbitz/pmi-go/pmi"
	"github.com/rocketbitz/pmi-go/simple"
)

// singleton is rank 0 of a job of size 1 with a process local KVS.
type singleton struct {
	kvsname string

	mu  sync.RWMutex
	kvs map[string]string
}

func openSingleton(env func(string) string, arg string, log logger) (Backend, error) {
	return &singleton{kvsname: simple.NewKVSName(), kvs: make(map[string]string)}, nil
}

func (s *singleton) Init() (Info, error) {
	return Info{
		Params:       pmi.Params{Rank: 0, Size: 1, KVSName: s.kvsname},
		UniverseSize: 1,
		Maxes:        pmi.DefaultMaxes(),
	}, nil
}

func (s *singleton) Finalize() error { return nil }

func (s *singleton) Abort(exitcode int, msg string) error { return nil }

func (s *singleton) Put(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.kvs[key] = value
	return nil
}

func (s *singleton) Commit() error { return nil }

func (s *singleton) Get(key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.kvs[key]
	if !ok {
		return "", pmi.ErrInvalidKey.WithOp("get")
	}
	return v, nil
}

func (s *singleton) Barrier() error { return nil }

func (s *singleton) Close() error { return nil }

func (s *singleton) CliqueRanks() ([]int, error) {
	return []int{0}, nil
}
