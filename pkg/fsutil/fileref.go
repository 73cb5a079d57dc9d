// Copyright (C) 2021  Ambassador Labs
//
// SPDX-License-Identifier: Apache-2.0

package fsutil

import (
	"archive/tar"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

type FileReference interface {
	fs.FileInfo

	// FullName should follow io/fs rules: it should use forward-slashes, and it should be an
	// absolute path but without the leading "/".
	FullName() string

	Open() (io.ReadCloser, error)
}

// sortByFullName sorts vfs the way a tar or zip archive's directory order would, part-wise,
// because "-" < "/" < EOF.
func sortByFullName(vfs []FileReference) []FileReference {
	sort.Slice(vfs, func(i, j int) bool {
		iParts := strings.Split(vfs[i].FullName(), "/")
		jParts := strings.Split(vfs[j].FullName(), "/")
		for idx := 0; idx < len(iParts) || idx < len(jParts); idx++ {
			var iPart, jPart string
			if idx < len(iParts) {
				iPart = iParts[idx]
			}
			if idx < len(jParts) {
				jPart = jParts[idx]
			}
			if iPart != jPart {
				return iPart < jPart
			}
		}
		return false
	})
	return vfs
}

// WriteFileReferences materializes vfs onto the real filesystem rooted at dstDir, clamping
// mtimes to clampTime. Entries are written in the same part-wise sorted order a tar archive
// would use, so a directory is always created before anything nested beneath it.
func WriteFileReferences(dstDir string, vfs []FileReference, clampTime time.Time) (written []string, err error) {
	for _, file := range sortByFullName(vfs) {
		dst := filepath.Join(dstDir, filepath.FromSlash(file.FullName()))
		mtime := file.ModTime()
		if !clampTime.IsZero() && mtime.After(clampTime) {
			mtime = clampTime
		}

		switch {
		case file.IsDir():
			if err := os.MkdirAll(dst, 0o777); err != nil {
				return written, err
			}
		case file.Mode()&fs.ModeSymlink != 0:
			// Nothing in this module's producers (zip/wheel entries) emits symlinks;
			// fail loudly rather than silently writing a regular file in their place.
			return written, &fs.PathError{Op: "write", Path: dst, Err: fs.ErrInvalid}
		default:
			if err := os.MkdirAll(filepath.Dir(dst), 0o777); err != nil {
				return written, err
			}
			if err := writeRegularFile(dst, file); err != nil {
				return written, err
			}
		}

		if err := chownFromSys(dst, file); err != nil {
			return written, err
		}
		if err := os.Chtimes(dst, mtime, mtime); err != nil {
			return written, err
		}
		written = append(written, file.FullName())
	}
	return written, nil
}

// chownFromSys applies the Uid/Gid recorded on a tar.Header-backed FileReference (see
// pypa/bdist's newTarEntry), best-effort. Ownership changes require privilege we usually
// don't have when installing into a venv owned by the invoking user, so EPERM is ignored.
func chownFromSys(dst string, file FileReference) error {
	header, ok := file.Sys().(*tar.Header)
	if !ok || (header.Uid == 0 && header.Gid == 0) {
		return nil
	}
	if err := os.Chown(dst, header.Uid, header.Gid); err != nil && !errors.Is(err, os.ErrPermission) {
		return err
	}
	return nil
}

func writeRegularFile(dst string, file FileReference) (err error) {
	reader, err := file.Open()
	if err != nil {
		return err
	}
	defer func() {
		if cerr := reader.Close(); err == nil {
			err = cerr
		}
	}()

	mode := file.Mode().Perm()
	if mode == 0 {
		mode = 0o644
	}
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := out.Close(); err == nil {
			err = cerr
		}
	}()

	_, err = io.Copy(out, reader)
	return err
}
