package index

import (
	"context"
	"fmt"
	"io"
	"net/http"
)

// rangeTailSize is how much of the end of a file is prefetched to read a zip central directory
// without downloading the whole archive -- large enough to hold any realistic End Of Central
// Directory record plus Zip64 locator.
const rangeTailSize = 16 << 10 // 16 KiB

// zipDecoderChunk is the buffer size archive/zip's flate decoder reads through; prefetch windows
// for individual entries are rounded up to a multiple of this so a single HTTP range request
// satisfies the decoder's first read.
const zipDecoderChunk = 8 << 10

// RangeReader is an io.ReaderAt over a remote HTTP resource that only actually fetches the byte
// ranges callers ask for, each via its own Range request, caching fetched spans in memory. It
// exists so the metadata fetcher can read a wheel's central directory and a single dist-info
// entry without downloading the whole wheel.
type RangeReader struct {
	ctx    context.Context
	client *http.Client
	url    string
	size   int64

	fetched int64 // total bytes fetched so far, for the debug log on Close
	cache   []rangeSpan
}

type rangeSpan struct {
	start int64
	data  []byte
}

// NewRangeReader issues a HEAD request to discover the resource's length and confirm the server
// advertises byte-range support; it fails if either is missing.
func NewRangeReader(ctx context.Context, client *http.Client, url string) (*RangeReader, error) {
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("index: HEAD %s: %s", url, resp.Status)
	}
	if resp.Header.Get("Accept-Ranges") != "bytes" {
		return nil, fmt.Errorf("index: %s does not advertise Accept-Ranges: bytes", url)
	}
	if resp.ContentLength < 0 {
		return nil, fmt.Errorf("index: %s did not report a Content-Length", url)
	}
	return &RangeReader{ctx: ctx, client: client, url: url, size: resp.ContentLength}, nil
}

// Size returns the resource's total length, as discovered by the HEAD request.
func (r *RangeReader) Size() int64 { return r.size }

// PrefetchTail fetches the last rangeTailSize bytes (or the whole file if smaller), used to
// read a zip's End Of Central Directory record and central directory in one round trip for the
// common case where they fit in that window.
func (r *RangeReader) PrefetchTail(ctx context.Context) error {
	start := r.size - rangeTailSize
	if start < 0 {
		start = 0
	}
	return r.prefetch(ctx, start, r.size-1)
}

// PrefetchRange fetches [start, start+length) if not already cached, rounding the end up to the
// next zipDecoderChunk boundary so the zip reader's first buffered read is satisfied locally.
func (r *RangeReader) PrefetchRange(ctx context.Context, start, length int64) error {
	end := start + length
	if rem := end % zipDecoderChunk; rem != 0 {
		end += zipDecoderChunk - rem
	}
	if end > r.size {
		end = r.size
	}
	return r.prefetch(ctx, start, end-1)
}

func (r *RangeReader) prefetch(ctx context.Context, start, end int64) error {
	for _, span := range r.cache {
		if span.start <= start && start+(end-start+1) <= span.start+int64(len(span.data)) {
			return nil // already covered
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", start, end))
	resp, err := r.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusPartialContent {
		return fmt.Errorf("index: range GET %s: expected 206, got %s", r.url, resp.Status)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	r.fetched += int64(len(data))
	r.cache = append(r.cache, rangeSpan{start: start, data: data})
	return nil
}

// ReadAt implements io.ReaderAt, satisfying requests from already-prefetched spans. It does not
// itself issue new HTTP requests -- callers are expected to call PrefetchTail/PrefetchRange
// first, matching the spec's "prefetch, then decode" strategy (the decode step runs
// synchronously inside archive/zip, which cannot itself be handed a context to fetch through).
func (r *RangeReader) ReadAt(p []byte, off int64) (int, error) {
	for _, span := range r.cache {
		if off >= span.start && off < span.start+int64(len(span.data)) {
			n := copy(p, span.data[off-span.start:])
			if n < len(p) {
				return n, io.ErrUnexpectedEOF
			}
			return n, nil
		}
	}
	return 0, fmt.Errorf("index: byte range [%d, %d) was not prefetched", off, off+int64(len(p)))
}

// Close logs the total bytes actually fetched, for comparing against the full artifact size.
func (r *RangeReader) Close() error {
	logFetch(r.ctx, r.url, r.fetched, r.size)
	return nil
}
