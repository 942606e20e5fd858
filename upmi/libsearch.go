package upmi

import (
	"bufio"
	"bytes"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/rocketbitz/pmi-go/pmi"
)

// Symbols that disqualify a library found by the dlopen search.
const (
	// MarkerSymbol is exported by this module's own libpmi.so. Loading it
	// from the dlopen backend would recurse into this package forever.
	MarkerSymbol       = "pmigo_pmi_library"
	legacyMarkerSymbol = "flux_pmi_library"
	// Cray's libpmi needs workarounds this package does not implement.
	craySymbol = "PMI_Get_numpes_on_smp"
)

// libraryNames are the file names probed in each search directory.
var libraryNames = []string{"libpmi.so", "libpmi.so.0"}

// linkerCache returns the output of ldconfig -p.
var linkerCache = func() ([]byte, error) {
	return exec.Command("ldconfig", "-p").Output()
}

// searchPaths lists candidate libraries in probe order. An explicit path,
// from the method argument or PMI_LIBRARY, is the only candidate when set.
func searchPaths(getenv func(string) string, explicit string) []string {
	if explicit == "" {
		explicit = getenv(pmi.EnvLibrary)
	}
	if explicit != "" {
		return []string{explicit}
	}
	var paths []string
	seen := make(map[string]bool)
	add := func(p string) {
		if !seen[p] {
			seen[p] = true
			paths = append(paths, p)
		}
	}
	for _, dir := range filepath.SplitList(getenv("LD_LIBRARY_PATH")) {
		if dir == "" {
			continue
		}
		for _, name := range libraryNames {
			p := filepath.Join(dir, name)
			if _, err := os.Stat(p); err == nil {
				add(p)
			}
		}
	}
	if out, err := linkerCache(); err == nil {
		for _, p := range parseLinkerCache(out) {
			add(p)
		}
	}
	return paths
}

// parseLinkerCache extracts libpmi paths from ldconfig -p output, whose
// entries look like "\tlibpmi.so.0 (libc6,x86-64) => /usr/lib/libpmi.so.0".
func parseLinkerCache(out []byte) []string {
	var paths []string
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		lhs, path, ok := strings.Cut(sc.Text(), " => ")
		if !ok {
			continue
		}
		fields := strings.Fields(lhs)
		if len(fields) == 0 {
			continue
		}
		for _, name := range libraryNames {
			if fields[0] == name {
				paths = append(paths, strings.TrimSpace(path))
				break
			}
		}
	}
	return paths
}

type symbolChecker interface {
	HasSymbol(name string) bool
}

// refuseReason explains why a loaded library must not be used, or returns
// the empty string.
func refuseReason(lib symbolChecker) string {
	switch {
	case lib.HasSymbol(MarkerSymbol), lib.HasSymbol(legacyMarkerSymbol):
		return "library is a re-export of this implementation"
	case lib.HasSymbol(craySymbol):
		return "unsupported Cray libpmi"
	}
	return ""
}
