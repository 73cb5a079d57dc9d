package pep517_test

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"compress/gzip"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datawire/pypkg/pkg/pep517"
)

func buildTarGz(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for name, content := range files {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name: name,
			Mode: 0o644,
			Size: int64(len(content)),
		}))
		_, err := tw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

func buildZip(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestExtractArchiveTarGzStripsLeadingComponent(t *testing.T) {
	t.Parallel()
	data := buildTarGz(t, map[string]string{
		"mypkg-1.0/pyproject.toml": "[build-system]\n",
		"mypkg-1.0/src/mypkg/__init__.py": "",
	})
	destDir := t.TempDir()
	require.NoError(t, pep517.ExtractArchive("mypkg-1.0.tar.gz", bytes.NewReader(data), destDir))

	contents, err := os.ReadFile(filepath.Join(destDir, "pyproject.toml"))
	require.NoError(t, err)
	assert.Equal(t, "[build-system]\n", string(contents))

	_, err = os.Stat(filepath.Join(destDir, "src", "mypkg", "__init__.py"))
	assert.NoError(t, err)
}

func TestExtractArchiveZipStripsLeadingComponent(t *testing.T) {
	t.Parallel()
	data := buildZip(t, map[string]string{
		"mypkg-1.0/setup.py": "print('hi')\n",
	})
	destDir := t.TempDir()
	require.NoError(t, pep517.ExtractArchive("mypkg-1.0.zip", bytes.NewReader(data), destDir))

	contents, err := os.ReadFile(filepath.Join(destDir, "setup.py"))
	require.NoError(t, err)
	assert.Equal(t, "print('hi')\n", string(contents))
}

func TestExtractArchiveRejectsPathEscape(t *testing.T) {
	t.Parallel()
	data := buildTarGz(t, map[string]string{
		"mypkg-1.0/../../../escape": "pwned",
	})
	destDir := t.TempDir()
	err := pep517.ExtractArchive("mypkg-1.0.tar.gz", bytes.NewReader(data), destDir)
	assert.Error(t, err)
}

func TestExtractArchiveUnrecognizedFormat(t *testing.T) {
	t.Parallel()
	err := pep517.ExtractArchive("mypkg-1.0.rar", bytes.NewReader(nil), t.TempDir())
	assert.Error(t, err)
}
