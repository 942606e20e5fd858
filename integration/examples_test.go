//go:build integration

package integration

import (
	"context"
	"debug/elf"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

type ExampleSuite struct {
	suite.Suite
	repoRoot string
	binDir   string
}

func (s *ExampleSuite) SetupSuite() {
	if os.Getenv("PMI_TEST_EXAMPLES") == "" {
		s.T().Skip("set PMI_TEST_EXAMPLES=1 to run example integration tests")
	}
	root, err := detectRepoRoot()
	require.NoError(s.T(), err, "locate repository root")
	s.repoRoot = root
	s.binDir = s.T().TempDir()
}

func (s *ExampleSuite) TestLocalJobInProcess() {
	out := s.goRun("examples/local_job", "-n", "6", "-instances", "3")
	s.Contains(out, "job of 6 tasks on 3 instances completed")
}

func (s *ExampleSuite) TestLocalJobChildProcesses() {
	pmiBin := s.build("./cmd/pmi", "pmi")
	out := s.goRun("examples/local_job", "-n", "4", "-instances", "2", "--", pmiBin, "exchange", "-count", "2")
	s.Equal(2, strings.Count(out, "completed pmi exchange on 4 tasks"), out)

	out = s.goRun("examples/local_job", "-n", "4", "-instances", "2", "--", pmiBin, "info")
	s.Contains(out, "method=simple size=4")
	s.Contains(out, "clique=2,3")
}

func (s *ExampleSuite) TestLibraryExportsABI() {
	lib := s.build("./cmd/libpmi", "libpmi.so", "-buildmode=c-shared")

	f, err := elf.Open(lib)
	require.NoError(s.T(), err)
	defer f.Close()
	syms, err := f.DynamicSymbols()
	require.NoError(s.T(), err)
	exported := make(map[string]bool, len(syms))
	for _, sym := range syms {
		if elf.ST_TYPE(sym.Info) == elf.STT_FUNC && sym.Section != elf.SHN_UNDEF {
			exported[sym.Name] = true
		}
	}
	for _, name := range []string{
		"pmigo_pmi_library",
		"PMI_Init", "PMI_Initialized", "PMI_Finalize", "PMI_Abort",
		"PMI_Get_size", "PMI_Get_rank", "PMI_Get_universe_size", "PMI_Get_appnum",
		"PMI_KVS_Get_my_name", "PMI_KVS_Get_name_length_max",
		"PMI_KVS_Get_key_length_max", "PMI_KVS_Get_value_length_max",
		"PMI_KVS_Put", "PMI_KVS_Commit", "PMI_KVS_Get", "PMI_Barrier",
		"PMI_Get_clique_size", "PMI_Get_clique_ranks",
		"PMI_Get_id", "PMI_Get_kvs_domain_id", "PMI_Get_id_length_max",
		"PMI_Publish_name", "PMI_Unpublish_name", "PMI_Lookup_name",
		"PMI_Spawn_multiple", "PMI_KVS_Create", "PMI_KVS_Destroy",
		"PMI_KVS_Iter_first", "PMI_KVS_Iter_next",
		"PMI_Get_options", "PMI_Args_to_keyval", "PMI_Free_keyvals",
	} {
		s.Truef(exported[name], "missing export %s", name)
	}
}

func (s *ExampleSuite) build(pkg, name string, flags ...string) string {
	out := filepath.Join(s.binDir, name)
	if _, err := os.Stat(out); err == nil {
		return out
	}
	args := append([]string{"build"}, flags...)
	args = append(args, "-o", out, pkg)
	cmd := exec.Command("go", args...)
	cmd.Dir = s.repoRoot
	output, err := cmd.CombinedOutput()
	if err != nil {
		s.T().Skipf("build %s: %v\n%s", pkg, err, output)
	}
	return out
}

func (s *ExampleSuite) goRun(relPath string, args ...string) string {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, "go", append([]string{"run", "./" + relPath}, args...)...)
	cmd.Dir = s.repoRoot
	output, err := cmd.CombinedOutput()
	if ctx.Err() == context.DeadlineExceeded {
		s.FailNowf("example timeout", "example %s timed out:\n%s", relPath, string(output))
	}
	require.NoErrorf(s.T(), err, "example %s failed:\n%s", relPath, string(output))
	return string(output)
}

func detectRepoRoot() (string, error) {
	root, err := os.Getwd()
	if err != nil {
		return "", err
	}

	for {
		if _, err := os.Stat(filepath.Join(root, "go.mod")); err == nil {
			return root, nil
		}
		next := filepath.Dir(root)
		if next == root {
			return "", fmt.Errorf("could not locate repository root containing go.mod")
		}
		root = next
	}
}

func TestExamples(t *testing.T) {
	suite.Run(t, new(ExampleSuite))
}
