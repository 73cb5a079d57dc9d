// Package index implements the artifact-acquisition half of the installer: a content-addressed
// file store, an RFC 7234-flavored HTTP cache layered over it, a multi-index PEP 503/691 client,
// and the metadata-fetching strategy that ties them together.
package index

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"syscall"

	"golang.org/x/sys/unix"
)

// Store is a content-addressed key/value store rooted at a directory, with per-key exclusive
// locking so that concurrent processes (not just goroutines) never observe a partially written
// entry.
//
// Keys are arbitrary byte strings (in practice, artifact download URLs or sha256 digests); the
// on-disk path is derived by base64url-no-pad encoding the key and fanning the first three
// encoded characters into three nested directory levels of at most 64 subdirectories each (64³
// leaf directories in all); a leaf directory holds every key sharing its three-character prefix.
type Store struct {
	Root string
}

// NewStore returns a Store rooted at root, creating it if necessary.
func NewStore(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0o777); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Join(root, ".tmp"), 0o777); err != nil {
		return nil, err
	}
	return &Store{Root: root}, nil
}

func encodeKey(key []byte) string {
	return base64.URLEncoding.WithPadding(base64.NoPadding).EncodeToString(key)
}

// path returns the on-disk data-file path for key, creating the fanned directory component
// names but not the file itself.
func (s *Store) path(key []byte) string {
	enc := encodeKey(key)
	for len(enc) < 3 {
		enc += "_"
	}
	return filepath.Join(s.Root, enc[0:1], enc[0:2], enc[0:3], enc)
}

func (s *Store) lockPath(key []byte) string {
	return s.path(key) + ".lock"
}

// Lock acquires the per-key exclusive advisory lock, creating any missing fanned directories,
// and returns a value that releases it when Close is called.
func (s *Store) Lock(key []byte) (*Locked, error) {
	lockPath := s.lockPath(key)
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o777); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o666)
	if err != nil {
		return nil, err
	}
	if err := flockRetryEINTR(int(f.Fd()), unix.LOCK_EX); err != nil {
		f.Close()
		return nil, fmt.Errorf("index: lock %s: %w", lockPath, err)
	}
	return &Locked{store: s, key: key, f: f}, nil
}

// LockIfExists is Lock, except it returns (nil, nil) without creating any directories or lock
// files when the underlying data entry does not already exist -- used for read-only probes
// (e.g. an OnlyIfCached HTTP-cache lookup) that must not conjure state just by looking.
func (s *Store) LockIfExists(key []byte) (*Locked, error) {
	if _, err := os.Stat(s.path(key)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	return s.Lock(key)
}

// flockRetryEINTR calls unix.Flock, transparently retrying on EINTR the way blocking syscalls
// interrupted by a signal must be.
func flockRetryEINTR(fd int, how int) error {
	for {
		err := unix.Flock(fd, how)
		if err == nil || !errors.Is(err, syscall.EINTR) {
			return err
		}
	}
}

// Locked is a held per-key lock; it must be Closed to release it.
type Locked struct {
	store *Store
	key   []byte
	f     *os.File
}

// Close releases the lock. It does not remove the lock file -- lock files are cheap and
// permanent, matching the teacher's general aversion to ephemeral bookkeeping files that would
// need their own cleanup story.
func (l *Locked) Close() error {
	defer l.f.Close()
	return flockRetryEINTR(int(l.f.Fd()), unix.LOCK_UN)
}

// Get opens the existing data file for key, or returns fs.ErrNotExist if absent. Once a data
// file exists its contents are immutable, so Get does not need to hold the lock.
func (s *Store) Get(key []byte) (io.ReadCloser, error) {
	return os.Open(s.path(key))
}

// Has reports whether key already has a stored value.
func (s *Store) Has(key []byte) bool {
	_, err := os.Stat(s.path(key))
	return err == nil
}

// Remove deletes the stored value for key, if any.
func (s *Store) Remove(key []byte) error {
	err := os.Remove(s.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

// GetOrSet returns a reader over the value for key, creating it via writer if absent.
//
// The key's lock is held for the duration of the call. If the data file already exists once
// the lock is acquired (either because it existed before, or because a racing GetOrSet in
// another process won the race), writer is not invoked. Otherwise writer is called with an
// *os.File opened in a ".tmp/" directory on the same filesystem as the store root; on success
// the temp file is synced and atomically renamed into place, and on failure it's removed.
func (s *Store) GetOrSet(key []byte, writer func(w io.Writer) error) (io.ReadCloser, error) {
	locked, err := s.Lock(key)
	if err != nil {
		return nil, err
	}
	defer locked.Close()

	dataPath := s.path(key)
	if r, err := os.Open(dataPath); err == nil {
		return r, nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(dataPath), 0o777); err != nil {
		return nil, err
	}

	tmp, err := os.CreateTemp(filepath.Join(s.Root, ".tmp"), "entry.*")
	if err != nil {
		return nil, err
	}
	tmpPath := tmp.Name()
	success := false
	defer func() {
		if !success {
			tmp.Close()
			os.Remove(tmpPath)
		}
	}()

	if err := writer(tmp); err != nil {
		return nil, fmt.Errorf("index: writing %s: %w", dataPath, err)
	}
	if err := tmp.Sync(); err != nil {
		return nil, err
	}
	if err := tmp.Close(); err != nil {
		return nil, err
	}
	if err := os.Rename(tmpPath, dataPath); err != nil {
		return nil, err
	}
	success = true

	return os.Open(dataPath)
}

// TempFile creates a new file under the store's staging directory, for callers (like the HTTP
// cache's large-body spooling) that need scratch space on the same filesystem as the store
// before they know the final key.
func (s *Store) TempFile(pattern string) (*os.File, error) {
	return os.CreateTemp(filepath.Join(s.Root, ".tmp"), pattern)
}
