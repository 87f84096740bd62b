package harness

import (
	"os"
	"path/filepath"
	"testing"

	yaml "gopkg.in/yaml.v3"

	"github.com/stretchr/testify/require"

	"github.com/715d/bytemapper/pkg/ir"
)

// LoadPrograms loads the old and new programs of the scenario in dir. Each
// side is either a yaml file or a directory of them.
func LoadPrograms(t *testing.T, root, dir string) (oldProg, newProg *ir.Program) {
	t.Helper()

	load := func(side string) *ir.Program {
		base := filepath.Join(root, dir, side)
		path := base + ".yaml"
		if info, err := os.Stat(base); err == nil && info.IsDir() {
			path = base
		}
		t.Logf("Loading %s program from %q", side, path)
		prog, err := ir.Load(t.Context(), ir.LoaderOptions{Paths: []string{path}})
		require.NoError(t, err)
		return prog
	}
	return load("old"), load("new")
}

// LoadTestCase loads a test case from a directory with a specified testdata root.
func LoadTestCase(t *testing.T, dir, root string) *TestCase {
	t.Helper()
	yamlPath := filepath.Join(dir, "expected.yaml")

	tc := &TestCase{}
	data, err := os.ReadFile(yamlPath)
	require.NoError(t, err)
	err = yaml.Unmarshal(data, tc)
	require.NoError(t, err)

	// Use relative path from testdata root if provided.
	if root != "" {
		relPath, err := filepath.Rel(root, dir)
		if err != nil {
			tc.Dir = filepath.Base(dir)
		} else {
			tc.Dir = relPath
		}
		return tc
	}

	tc.Dir = filepath.Base(dir)
	return tc
}
