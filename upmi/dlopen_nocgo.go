//go:build !cgo

package upmi

import (
	"fmt"

	"github.com/rocketbitz/pmi-go/pmi"
)

func openDlopen(env func(string) string, arg string, log logger) (Backend, error) {
	return nil, fmt.Errorf("dlopen: built without cgo: %w", pmi.ErrBackendUnavailable)
}
