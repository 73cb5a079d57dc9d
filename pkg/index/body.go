package index

import (
	"bytes"
	"context"
	"io"
)

// StreamingOrLocal wraps a response body that may be held either fully in memory (a small,
// already-cached body) or as a seekable file on disk (a spooled large body, or any cache-store
// entry, which is always backed by a real file). Callers that only need to stream bytes once
// can call Reader(); callers that need random access (the zip central-directory reader in the
// metadata fetcher) call ForceLocal to guarantee a ReadSeeker.
type StreamingOrLocal struct {
	mem  []byte
	file *fileBody
}

type fileBody struct {
	// closer is the thing Close releases; reader is usually the same value, offset-seeked.
	closer io.Closer
	reader io.ReadSeeker
	start  int64 // offset of the body's first byte within reader
	store  *Store
}

func newLocalBody(b []byte) *StreamingOrLocal {
	return &StreamingOrLocal{mem: b}
}

func newFileBody(f interface {
	io.ReadSeeker
	io.Closer
}, store *Store) *StreamingOrLocal {
	start, err := f.Seek(0, io.SeekCurrent)
	if err != nil {
		start = 0
	}
	return &StreamingOrLocal{file: &fileBody{closer: f, reader: f, start: start, store: store}}
}

// Reader returns a forward-only reader over the body. Repeated calls each start from the
// beginning.
func (b *StreamingOrLocal) Reader() (io.ReadCloser, error) {
	if b.mem != nil {
		return io.NopCloser(bytes.NewReader(b.mem)), nil
	}
	if _, err := b.file.reader.Seek(b.file.start, io.SeekStart); err != nil {
		return nil, err
	}
	return io.NopCloser(b.file.reader), nil
}

// ForceLocal returns a ReadSeeker over the body. A memory-backed body (bytes.Reader) is already
// seekable; a file-backed one is returned as a section starting at the body's first byte, so
// Seek and ReadAt offsets are relative to the body. ctx is accepted for symmetry with the
// rest of this package's blocking operations, though no I/O here can actually block on it.
func (b *StreamingOrLocal) ForceLocal(ctx context.Context) (io.ReadSeeker, error) {
	if b.file != nil {
		if _, err := b.file.reader.Seek(b.file.start, io.SeekStart); err != nil {
			return nil, err
		}
		if ra, ok := b.file.reader.(io.ReaderAt); ok {
			return io.NewSectionReader(ra, b.file.start, b.Size()), nil
		}
		return b.file.reader, nil
	}
	return bytes.NewReader(b.mem), nil
}

// Size reports the total byte length of the body, or -1 if it cannot be determined.
func (b *StreamingOrLocal) Size() int64 {
	if b.mem != nil {
		return int64(len(b.mem))
	}
	cur, err := b.file.reader.Seek(0, io.SeekCurrent)
	if err != nil {
		return -1
	}
	end, err := b.file.reader.Seek(0, io.SeekEnd)
	if err != nil {
		return -1
	}
	if _, err := b.file.reader.Seek(cur, io.SeekStart); err != nil {
		return -1
	}
	return end - b.file.start
}

// Close releases any underlying file handle. A memory-backed body is a no-op.
func (b *StreamingOrLocal) Close() error {
	if b.file != nil {
		return b.file.closer.Close()
	}
	return nil
}
