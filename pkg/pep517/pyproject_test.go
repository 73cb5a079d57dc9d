package pep517_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datawire/pypkg/pkg/pep517"
)

func TestReadBuildSystemDefaultsWhenAbsent(t *testing.T) {
	t.Parallel()
	bs, err := pep517.ReadBuildSystem(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, []string{"setuptools", "wheel"}, bs.Requires)
	assert.Equal(t, "setuptools.build_meta:__legacy__", bs.BuildBackend)
}

func TestReadBuildSystemParsesPyprojectToml(t *testing.T) {
	t.Parallel()
	srcDir := t.TempDir()
	contents := `
[build-system]
requires = ["flit_core >=3.2,<4"]
build-backend = "flit_core.buildapi"
`
	require.NoError(t, os.WriteFile(filepath.Join(srcDir, "pyproject.toml"), []byte(contents), 0o666))

	bs, err := pep517.ReadBuildSystem(srcDir)
	require.NoError(t, err)
	assert.Equal(t, []string{"flit_core >=3.2,<4"}, bs.Requires)
	assert.Equal(t, "flit_core.buildapi", bs.BuildBackend)
	assert.Empty(t, bs.BackendPath)
}

func TestReadBuildSystemHonorsBackendPath(t *testing.T) {
	t.Parallel()
	srcDir := t.TempDir()
	contents := `
[build-system]
requires = ["setuptools"]
build-backend = "mybackend"
backend-path = ["."]
`
	require.NoError(t, os.WriteFile(filepath.Join(srcDir, "pyproject.toml"), []byte(contents), 0o666))

	bs, err := pep517.ReadBuildSystem(srcDir)
	require.NoError(t, err)
	assert.Equal(t, []string{"."}, bs.BackendPath)
}

func TestReadBuildSystemMissingBuildBackendFallsBackToLegacySetuptools(t *testing.T) {
	t.Parallel()
	srcDir := t.TempDir()
	contents := `
[build-system]
requires = ["setuptools>=40.8.0"]
`
	require.NoError(t, os.WriteFile(filepath.Join(srcDir, "pyproject.toml"), []byte(contents), 0o666))

	bs, err := pep517.ReadBuildSystem(srcDir)
	require.NoError(t, err)
	assert.Equal(t, "setuptools.build_meta:__legacy__", bs.BuildBackend)
}
