package pep517

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datawire/pypkg/pkg/venv"
)

func TestNormalizeBackendPathAcceptsRelativeEntries(t *testing.T) {
	t.Parallel()
	srcDir := t.TempDir()
	out, err := normalizeBackendPath(srcDir, []string{".", "./src", "build"})
	require.NoError(t, err)
	require.Len(t, out, 3)
	assert.Equal(t, filepath.Clean(srcDir), out[0])
	assert.Equal(t, filepath.Join(srcDir, "src"), out[1])
	assert.Equal(t, filepath.Join(srcDir, "build"), out[2])
}

func TestNormalizeBackendPathRejectsAbsolute(t *testing.T) {
	t.Parallel()
	_, err := normalizeBackendPath(t.TempDir(), []string{"/etc"})
	assert.Error(t, err)
}

func TestNormalizeBackendPathRejectsEscape(t *testing.T) {
	t.Parallel()
	_, err := normalizeBackendPath(t.TempDir(), []string{"../outside"})
	assert.Error(t, err)
}

func TestNormalizeBackendPathEmpty(t *testing.T) {
	t.Parallel()
	out, err := normalizeBackendPath(t.TempDir(), nil)
	require.NoError(t, err)
	assert.Nil(t, out)
}

func testVEnv(root string) *venv.VEnv {
	return &venv.VEnv{
		Root: root,
		Paths: venv.InstallPaths{
			Scripts: "bin",
		},
	}
}

func TestFrontendEnvPrependsScriptsDirToExistingPath(t *testing.T) {
	t.Setenv("PATH", "/usr/bin")
	env := testVEnv("/tmp/venv-root")

	out := frontendEnv(env, nil, false, nil)

	var pathVal string
	for _, kv := range out {
		if strings.HasPrefix(kv, "PATH=") {
			pathVal = strings.TrimPrefix(kv, "PATH=")
		}
	}
	assert.Equal(t, filepath.Join("/tmp/venv-root", "bin")+string(os.PathListSeparator)+"/usr/bin", pathVal)
}

func TestFrontendEnvCleanEnvOnlyKeepsExplicitVars(t *testing.T) {
	t.Setenv("SOME_AMBIENT_VAR", "leaked-if-not-clean")
	env := testVEnv("/tmp/venv-root")

	out := frontendEnv(env, nil, true, map[string]string{"FOO": "bar"})

	for _, kv := range out {
		assert.NotContains(t, kv, "leaked-if-not-clean")
	}
	assert.Contains(t, out, "FOO=bar")
}

func TestFrontendEnvSetsBackendPath(t *testing.T) {
	t.Parallel()
	env := testVEnv("/tmp/venv-root")
	out := frontendEnv(env, []string{"/a", "/b"}, false, nil)
	assert.Contains(t, out, "PEP517_BACKEND_PATH=/a"+string(os.PathListSeparator)+"/b")
}
