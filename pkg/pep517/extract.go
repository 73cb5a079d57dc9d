package pep517

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// ExtractArchive unpacks the sdist body (named filename, to pick the right decoder) into destDir,
// stripping the single leading path component every sdist wraps its contents in (the
// "{name}-{version}/" directory PEP 517 callers are expected to discard) and rejecting entries
// that would escape destDir.
func ExtractArchive(filename string, body io.Reader, destDir string) error {
	switch {
	case strings.HasSuffix(filename, ".tar.gz") || strings.HasSuffix(filename, ".tgz"):
		gz, err := gzip.NewReader(body)
		if err != nil {
			return fmt.Errorf("pep517: %s: %w", filename, err)
		}
		defer gz.Close()
		return extractTar(destDir, gz)
	case strings.HasSuffix(filename, ".tar"):
		return extractTar(destDir, body)
	case strings.HasSuffix(filename, ".zip"):
		return extractZipFromReader(destDir, body)
	default:
		return fmt.Errorf("pep517: %s: unrecognized sdist archive format", filename)
	}
}

// stripFirstComponent drops an archive entry's leading "{name}-{version}/" directory, returning
// ok=false for an entry that is that directory itself (nothing left to extract).
func stripFirstComponent(name string) (rel string, ok bool) {
	clean := path.Clean(strings.ReplaceAll(name, `\`, "/"))
	i := strings.IndexByte(clean, '/')
	if i < 0 {
		return "", false
	}
	rel = clean[i+1:]
	return rel, rel != "" && rel != "."
}

// safeJoin joins destDir and rel, refusing any rel that would resolve outside of destDir.
func safeJoin(destDir, rel string) (string, error) {
	full := filepath.Join(destDir, filepath.FromSlash(rel))
	destDir = filepath.Clean(destDir)
	if full != destDir && !strings.HasPrefix(full, destDir+string(filepath.Separator)) {
		return "", fmt.Errorf("pep517: archive entry %q escapes extraction root", rel)
	}
	return full, nil
}

func extractTar(destDir string, r io.Reader) error {
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		rel, ok := stripFirstComponent(hdr.Name)
		if !ok {
			continue
		}
		dst, err := safeJoin(destDir, rel)
		if err != nil {
			return err
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(dst, 0o777); err != nil {
				return err
			}
		case tar.TypeReg, tar.TypeRegA:
			if err := os.MkdirAll(filepath.Dir(dst), 0o777); err != nil {
				return err
			}
			if err := writeFile(dst, tr, hdr.FileInfo().Mode()); err != nil {
				return err
			}
		case tar.TypeSymlink:
			if err := os.MkdirAll(filepath.Dir(dst), 0o777); err != nil {
				return err
			}
			if err := os.Symlink(hdr.Linkname, dst); err != nil {
				return err
			}
		}
	}
}

func extractZipFromReader(destDir string, body io.Reader) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return err
	}
	for _, f := range zr.File {
		rel, ok := stripFirstComponent(f.Name)
		if !ok {
			continue
		}
		dst, err := safeJoin(destDir, rel)
		if err != nil {
			return err
		}
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(dst, 0o777); err != nil {
				return err
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(dst), 0o777); err != nil {
			return err
		}
		rc, err := f.Open()
		if err != nil {
			return err
		}
		err = writeFile(dst, rc, f.Mode())
		rc.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

func writeFile(dst string, r io.Reader, mode os.FileMode) error {
	if mode == 0 {
		mode = 0o666
	}
	f, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	_, err = io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return err
}
