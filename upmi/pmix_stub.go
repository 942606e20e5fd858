//go:build !pmix || !cgo

package upmi

import (
	"fmt"

	"github.com/rocketbitz/pmi-go/pmi"
)

func openPMIx(env func(string) string, arg string, log logger) (Backend, error) {
	if !pmixServerPresent(env) {
		return nil, fmt.Errorf("pmix: %s not set: %w", pmi.EnvPMIxURI, pmi.ErrBackendUnavailable)
	}
	return nil, fmt.Errorf("pmix: built without the pmix tag: %w", pmi.ErrBackendUnavailable)
}
