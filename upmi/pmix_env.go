package upmi

import "github.com/rocketbitz/pmi-go/pmi"

// pmixServerPresent reports whether a PMIx server advertised itself.
func pmixServerPresent(env func(string) string) bool {
	return env(pmi.EnvPMIxURI) != "" || env(pmi.EnvPMIxURI2) != ""
}
