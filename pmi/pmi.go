// Package pmi holds the types shared by every PMI-1 component: result codes,
// process parameters, protocol limits and bootstrap environment names.
package pmi

import "fmt"

// Protocol version spoken on the wire.
const (
	Version    = 1
	Subversion = 1
)

// Default limits advertised by a server in response to get_maxes.
const (
	DefaultKVSNameMax = 64
	DefaultKeyLenMax  = 64
	DefaultValLenMax  = 1024
	// ProtoOverhead bounds the bytes a request or response line adds on top
	// of the kvsname, key and value it carries.
	ProtoOverhead = 64
)

// Bootstrap environment variables.
const (
	EnvFD            = "PMI_FD"
	EnvRank          = "PMI_RANK"
	EnvSize          = "PMI_SIZE"
	EnvSpawned       = "PMI_SPAWNED"
	EnvDebug         = "PMI_DEBUG"
	EnvFluxDebug     = "FLUX_PMI_DEBUG"
	EnvLibrary       = "PMI_LIBRARY"
	EnvPMIxURI       = "PMIX_SERVER_URI"
	EnvPMIxURI2      = "PMIX_SERVER_URI2"
	EnvClientMethods = "PMI_CLIENT_METHODS"
)

// ProcessMappingKey is the well-known key holding the ANL notation rank
// placement of the job.
const ProcessMappingKey = "PMI_process_mapping"

// Params identifies one participant of a job.
type Params struct {
	Rank    int
	Size    int
	KVSName string
}

func (p Params) String() string {
	return fmt.Sprintf("rank=%d size=%d kvsname=%s", p.Rank, p.Size, p.KVSName)
}

// Maxes are the length limits negotiated once per connection. Each limit
// counts a terminating NUL in the C ABI, so a string is valid only when its
// length is strictly below the limit.
type Maxes struct {
	KVSNameMax int
	KeyLenMax  int
	ValLenMax  int
}

// DefaultMaxes returns the limits a server advertises when not configured.
func DefaultMaxes() Maxes {
	return Maxes{
		KVSNameMax: DefaultKVSNameMax,
		KeyLenMax:  DefaultKeyLenMax,
		ValLenMax:  DefaultValLenMax,
	}
}

// LineMax is the longest request or response line permitted under m.
func (m Maxes) LineMax() int {
	return m.KVSNameMax + m.KeyLenMax + m.ValLenMax + ProtoOverhead
}

// CheckKVSName validates name against the kvsname limit.
func (m Maxes) CheckKVSName(name string) error {
	if len(name) >= m.KVSNameMax {
		return ErrInvalidLength
	}
	return nil
}

// CheckKey validates key against the key length limit.
func (m Maxes) CheckKey(key string) error {
	if key == "" {
		return ErrInvalidKey
	}
	if len(key) >= m.KeyLenMax {
		return ErrInvalidKeyLength
	}
	return nil
}

// CheckValue validates value against the value length limit.
func (m Maxes) CheckValue(value string) error {
	if len(value) >= m.ValLenMax {
		return ErrInvalidValLength
	}
	return nil
}
