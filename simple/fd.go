package simple

import (
	"fmt"
	"os"
	"strconv"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/rocketbitz/pmi-go/pmi"
)

// NewKVSName returns a unique kvs name for a job.
func NewKVSName() string {
	return "kvs_" + uuid.NewString()
}

// Socketpair returns the server and task ends of a connected stream socket
// pair. The task end is not close-on-exec so it can be passed as PMI_FD.
func Socketpair() (server *os.File, task *os.File, err error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("socketpair: %w", err)
	}
	unix.CloseOnExec(fds[0])
	return os.NewFile(uintptr(fds[0]), "pmi-server"), os.NewFile(uintptr(fds[1]), "pmi-task"), nil
}

// EnvConfig is the bootstrap information a launcher passes to a task.
type EnvConfig struct {
	FD      int
	Rank    int
	Size    int
	Spawned bool
}

// ParseEnv reads PMI_FD, PMI_RANK, PMI_SIZE and PMI_SPAWNED through getenv.
// It fails with pmi.ErrBackendUnavailable when any of the first three is
// missing or invalid.
func ParseEnv(getenv func(string) string) (EnvConfig, error) {
	var cfg EnvConfig
	for _, v := range []struct {
		name string
		dst  *int
		min  int
	}{
		{pmi.EnvFD, &cfg.FD, 0},
		{pmi.EnvRank, &cfg.Rank, 0},
		{pmi.EnvSize, &cfg.Size, 1},
	} {
		s := getenv(v.name)
		if s == "" {
			return EnvConfig{}, fmt.Errorf("%s not set: %w", v.name, pmi.ErrBackendUnavailable)
		}
		n, err := strconv.Atoi(s)
		if err != nil || n < v.min {
			return EnvConfig{}, fmt.Errorf("%s=%q invalid: %w", v.name, s, pmi.ErrBackendUnavailable)
		}
		*v.dst = n
	}
	if cfg.Rank >= cfg.Size {
		return EnvConfig{}, fmt.Errorf("%s=%d out of range for size %d: %w", pmi.EnvRank, cfg.Rank, cfg.Size, pmi.ErrBackendUnavailable)
	}
	if s := getenv(pmi.EnvSpawned); s != "" {
		n, err := strconv.Atoi(s)
		cfg.Spawned = err == nil && n != 0
	}
	return cfg, nil
}

// Env renders cfg as environment assignments for a child process.
func (e EnvConfig) Env() []string {
	spawned := "0"
	if e.Spawned {
		spawned = "1"
	}
	return []string{
		pmi.EnvFD + "=" + strconv.Itoa(e.FD),
		pmi.EnvRank + "=" + strconv.Itoa(e.Rank),
		pmi.EnvSize + "=" + strconv.Itoa(e.Size),
		pmi.EnvSpawned + "=" + spawned,
	}
}

// OpenFD validates that fd is an open descriptor and wraps it.
func OpenFD(fd int) (*os.File, error) {
	if _, err := unix.FcntlInt(uintptr(fd), unix.F_GETFD, 0); err != nil {
		return nil, fmt.Errorf("%s=%d: %w: %v", pmi.EnvFD, fd, pmi.ErrBackendUnavailable, err)
	}
	unix.CloseOnExec(fd)
	return os.NewFile(uintptr(fd), "pmi-fd"), nil
}
