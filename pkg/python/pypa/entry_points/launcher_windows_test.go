package entry_points

import (
	"archive/zip"
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLauncherStubNameSelectsConsoleVsGUI(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "t64.exe_stub", launcherStubName(false, "amd64"))
	assert.Equal(t, "w64.exe_stub", launcherStubName(true, "amd64"))
}

func TestLauncherStubNameMapsArchSuffixes(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "t32.exe_stub", launcherStubName(false, "386"))
	assert.Equal(t, "t_arm64.exe_stub", launcherStubName(false, "arm64"))
}

func TestLauncherStubNameFallsBackToGenericForUnknownArch(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "t.exe_stub", launcherStubName(false, "riscv64"))
	assert.Equal(t, "w.exe_stub", launcherStubName(true, "riscv64"))
}

func TestLoadLauncherStubFallsBackOnUnknownArch(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	data, err := loadLauncherStub(ctx, false, LauncherOptions{Arch: "riscv64"})
	require.NoError(t, err)
	generic, err := launcherTemplates.ReadFile("launcher_templates/t.exe_stub")
	require.NoError(t, err)
	assert.Equal(t, generic, data)
}

func TestBuildWindowsLauncherStartsWithStubAndAppendsValidZip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	stub, err := launcherTemplates.ReadFile("launcher_templates/t64.exe_stub")
	require.NoError(t, err)

	out, err := BuildWindowsLauncher(ctx, false, "/usr/bin/python3", "mypkg.cli", "main", LauncherOptions{Arch: "amd64"})
	require.NoError(t, err)

	require.True(t, bytes.HasPrefix(out, stub), "launcher output must start with the PE stub bytes")

	zipBytes := out[len(stub):]
	zr, err := zip.NewReader(bytes.NewReader(zipBytes), int64(len(zipBytes)))
	require.NoError(t, err)
	assert.Equal(t, "#!/usr/bin/python3", zr.Comment)

	require.Len(t, zr.File, 1)
	assert.Equal(t, "__main__.py", zr.File[0].Name)

	rc, err := zr.File[0].Open()
	require.NoError(t, err)
	defer rc.Close()
	var buf bytes.Buffer
	_, err = buf.ReadFrom(rc)
	require.NoError(t, err)
	assert.True(t, strings.Contains(buf.String(), "from mypkg.cli import main"))
	assert.True(t, strings.Contains(buf.String(), "sys.exit(main())"))
}

func TestBuildWindowsLauncherGUISelectsWStub(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	stub, err := launcherTemplates.ReadFile("launcher_templates/w32.exe_stub")
	require.NoError(t, err)

	out, err := BuildWindowsLauncher(ctx, true, "/usr/bin/pythonw3", "mypkg.gui", "run", LauncherOptions{Arch: "386"})
	require.NoError(t, err)

	assert.True(t, bytes.HasPrefix(out, stub))
}
