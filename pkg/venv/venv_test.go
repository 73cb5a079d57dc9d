package venv_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/datawire/pypkg/pkg/venv"
)

func TestForVenvUnix(t *testing.T) {
	t.Parallel()
	paths := venv.ForVenv(3, 11, false)
	assert.Equal(t, filepath.Join("lib", "python3.11", "site-packages"), paths.PureLib)
	assert.Equal(t, paths.PureLib, paths.PlatLib)
	assert.Equal(t, "bin", paths.Scripts)
	assert.Equal(t, filepath.Join("include", "python3.11"), paths.Include)
	assert.False(t, paths.Windows)
}

func TestForVenvWindows(t *testing.T) {
	t.Parallel()
	paths := venv.ForVenv(3, 11, true)
	assert.Equal(t, filepath.Join("Lib", "site-packages"), paths.PureLib)
	assert.Equal(t, "Scripts", paths.Scripts)
	assert.Equal(t, "Include", paths.Include)
	assert.True(t, paths.Windows)
}
