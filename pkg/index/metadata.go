package index

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/datawire/dlib/dlog"

	"github.com/datawire/pypkg/pkg/python/pep440"
	"github.com/datawire/pypkg/pkg/python/pypa/core_metadata"
)

// WheelBuilder builds a wheel (or at least its metadata) from an sdist, used as step 6's last
// resort. It is satisfied by pkg/pep517's build pipeline; kept as an interface here so pkg/index
// does not need to import it (pkg/pep517 depends on pkg/index, not the other way around).
type WheelBuilder interface {
	BuildMetadata(ctx context.Context, artifactBody io.Reader, filename string) (*core_metadata.Metadata, error)
}

// Fetcher resolves (chosen ArtifactInfo, metadata) pairs for a set of same-version candidates,
// trying progressively more expensive strategies and caching every success by artifact hash.
type Fetcher struct {
	Cache         *Cache
	MetadataStore *Store
	HTTPClient    *http.Client
	Builder       WheelBuilder // nil disables step 6
}

// Fetch implements the six-step strategy: metadata cache, already-cached artifact, PEP 658
// side channel, lazy range read, full download, sdist build.
func (f *Fetcher) Fetch(ctx context.Context, candidates []ArtifactInfo) (*ArtifactInfo, *core_metadata.Metadata, error) {
	// 1. Metadata cache by artifact hash.
	for i := range candidates {
		c := &candidates[i]
		if key := metadataKey(c); key != nil {
			if r, err := f.MetadataStore.Get(key); err == nil {
				md, err := core_metadata.Parse(r)
				r.Close()
				if err == nil {
					return c, md, nil
				}
			}
		}
	}

	// 2. Already-cached artifact (OnlyIfCached).
	for i := range candidates {
		c := &candidates[i]
		resp, err := f.Cache.Request(ctx, c.URL, http.MethodGet, nil, OnlyIfCached)
		if err != nil {
			continue
		}
		md, err := f.extractFromArtifact(ctx, c, resp.Body)
		resp.Body.Close()
		if err == nil {
			f.store(c, md)
			return c, md, nil
		}
	}

	// 3. PEP 658 side channel.
	for i := range candidates {
		c := &candidates[i]
		if !c.HasMetadata || c.Name.Wheel == nil {
			continue
		}
		resp, err := f.Cache.Request(ctx, c.URL+".metadata", http.MethodGet, nil, NoStore)
		if err != nil {
			continue
		}
		body, err := resp.Body.Reader()
		if err != nil {
			resp.Body.Close()
			continue
		}
		md, err := core_metadata.Parse(body)
		body.Close()
		resp.Body.Close()
		if err == nil {
			f.store(c, md)
			return c, md, nil
		}
	}

	// 4. Lazy-range wheel read.
	for i := range candidates {
		c := &candidates[i]
		if c.Name.Wheel == nil {
			continue
		}
		md, err := f.rangeReadMetadata(ctx, c)
		if err == nil {
			f.store(c, md)
			return c, md, nil
		}
		dlog.Debugf(ctx, "index: lazy-range metadata fetch for %s failed: %v", c.Filename, err)
	}

	// 5. Full download.
	for i := range candidates {
		c := &candidates[i]
		resp, err := f.Cache.Request(ctx, c.URL, http.MethodGet, nil, Default)
		if err != nil {
			continue
		}
		md, err := f.extractFromArtifact(ctx, c, resp.Body)
		resp.Body.Close()
		if err == nil {
			f.store(c, md)
			return c, md, nil
		}
	}

	// 6. SDist build.
	if f.Builder != nil {
		for i := range candidates {
			c := &candidates[i]
			if c.Name.Wheel != nil {
				continue
			}
			resp, err := f.Cache.Request(ctx, c.URL, http.MethodGet, nil, Default)
			if err != nil {
				continue
			}
			body, err := resp.Body.Reader()
			if err != nil {
				resp.Body.Close()
				continue
			}
			md, err := f.Builder.BuildMetadata(ctx, body, c.Filename)
			body.Close()
			resp.Body.Close()
			if err == nil {
				f.store(c, md)
				return c, md, nil
			}
		}
	}

	return nil, nil, fmt.Errorf("index: could not obtain metadata for any of %d candidates", len(candidates))
}

func metadataKey(c *ArtifactInfo) []byte {
	sum, ok := c.Hashes["sha256"]
	if !ok {
		return nil
	}
	return []byte("metadata:" + sum)
}

func (f *Fetcher) store(c *ArtifactInfo, md *core_metadata.Metadata) {
	key := metadataKey(c)
	if key == nil {
		return
	}
	_, err := f.MetadataStore.GetOrSet(key, func(w io.Writer) error {
		_, err := io.WriteString(w, core_metadata.Format(*md))
		return err
	})
	if err != nil {
		return
	}
}

// extractFromArtifact parses core metadata out of an already-fully-available wheel or sdist
// body: dist-info/METADATA for a wheel, PKG-INFO for an sdist (trusted only when its own
// Metadata-Version declares 2.2 or newer, per PEP 643). An sdist whose PKG-INFO is missing, or
// whose Metadata-Version predates 2.2 (so it may describe dynamic fields incompletely), is
// rejected here and falls through to a real build backend at step 6.
func (f *Fetcher) extractFromArtifact(ctx context.Context, c *ArtifactInfo, body *StreamingOrLocal) (*core_metadata.Metadata, error) {
	if c.Name.Wheel != nil {
		rs, err := body.ForceLocal(ctx)
		if err != nil {
			return nil, err
		}
		size := body.Size()
		zr, err := zip.NewReader(rs.(io.ReaderAt), size)
		if err != nil {
			return nil, err
		}
		return readMetadataFromZip(zr)
	}

	r, err := body.Reader()
	if err != nil {
		return nil, err
	}
	defer r.Close()
	md, err := readPKGInfoFromSDist(c.Filename, r)
	if err != nil {
		return nil, err
	}
	if !pkgInfoTrusted(md.MetadataVersion) {
		return nil, fmt.Errorf("index: %s: PKG-INFO declares Metadata-Version %q, untrusted before 2.2 per PEP 643",
			c.Filename, md.MetadataVersion)
	}
	return md, nil
}

// pkgInfoTrusted reports whether an sdist's self-declared Metadata-Version is new enough (PEP
// 643, Metadata-Version >= 2.2) for its PKG-INFO to stand in for a real build. A version that
// fails to parse is never trusted.
func pkgInfoTrusted(metadataVersion string) bool {
	ver, err := pep440.ParseVersion(metadataVersion)
	if err != nil {
		return false
	}
	min, err := pep440.ParseVersion("2.2")
	if err != nil {
		return false
	}
	return ver.Cmp(*min) >= 0
}

// readPKGInfoFromSDist parses the first entry whose base name is PKG-INFO out of an sdist
// archive, dispatching on filename suffix the same way pkg/pep517.ExtractArchive does. The
// entry's depth is not checked: a nested PKG-INFO (e.g. inside an .egg-info directory) that
// comes first in archive order is the one parsed.
func readPKGInfoFromSDist(filename string, body io.Reader) (*core_metadata.Metadata, error) {
	switch {
	case strings.HasSuffix(filename, ".tar.gz") || strings.HasSuffix(filename, ".tgz"):
		gz, err := gzip.NewReader(body)
		if err != nil {
			return nil, fmt.Errorf("index: %s: %w", filename, err)
		}
		defer gz.Close()
		return readPKGInfoFromTar(filename, gz)
	case strings.HasSuffix(filename, ".tar"):
		return readPKGInfoFromTar(filename, body)
	case strings.HasSuffix(filename, ".zip"):
		data, err := io.ReadAll(body)
		if err != nil {
			return nil, err
		}
		zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
		if err != nil {
			return nil, err
		}
		for _, zf := range zr.File {
			if path.Base(zf.Name) != "PKG-INFO" {
				continue
			}
			rc, err := zf.Open()
			if err != nil {
				return nil, err
			}
			defer rc.Close()
			return core_metadata.Parse(rc)
		}
		return nil, fmt.Errorf("index: %s: no PKG-INFO entry found", filename)
	default:
		return nil, fmt.Errorf("index: %s: unrecognized sdist archive format", filename)
	}
}

func readPKGInfoFromTar(filename string, r io.Reader) (*core_metadata.Metadata, error) {
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil, fmt.Errorf("index: %s: no PKG-INFO entry found", filename)
		}
		if err != nil {
			return nil, err
		}
		if hdr.Typeflag != tar.TypeReg && hdr.Typeflag != tar.TypeRegA {
			continue
		}
		if path.Base(hdr.Name) != "PKG-INFO" {
			continue
		}
		return core_metadata.Parse(tr)
	}
}

func readMetadataFromZip(zr *zip.Reader) (*core_metadata.Metadata, error) {
	var metaFile *zip.File
	for _, f := range zr.File {
		dir := path.Dir(f.Name)
		if strings.HasSuffix(dir, ".dist-info") && path.Base(f.Name) == "METADATA" {
			metaFile = f
			break
		}
	}
	if metaFile == nil {
		return nil, fmt.Errorf("index: no *.dist-info/METADATA entry found")
	}
	rc, err := metaFile.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return core_metadata.Parse(rc)
}

// rangeReadMetadata implements step 4: prefetch the central directory via an HTTP range reader,
// locate the METADATA entry, prefetch a window at the start of the file sized to that entry
// (see below), and decode.
func (f *Fetcher) rangeReadMetadata(ctx context.Context, c *ArtifactInfo) (*core_metadata.Metadata, error) {
	rr, err := NewRangeReader(ctx, f.HTTPClient, c.URL)
	if err != nil {
		return nil, err
	}
	defer rr.Close()

	if err := rr.PrefetchTail(ctx); err != nil {
		return nil, err
	}

	zr, err := zip.NewReader(rr, rr.Size())
	if err != nil {
		return nil, err
	}

	var metaFile *zip.File
	for _, zf := range zr.File {
		dir := path.Dir(zf.Name)
		if strings.HasSuffix(dir, ".dist-info") && path.Base(zf.Name) == "METADATA" {
			metaFile = zf
			break
		}
	}
	if metaFile == nil {
		return nil, fmt.Errorf("index: no *.dist-info/METADATA entry found in central directory")
	}

	// archive/zip does not export a file's local-header offset, so the entry's position is not
	// known here. One range request fetches the first CompressedSize64 + 30 + len(Name) + 256
	// bytes of the file, starting at offset 0 and not rounded to zipDecoderChunk; that covers
	// the METADATA entry only when the entry lies within that span at the start of the archive.
	// Otherwise the read fails (ReadAt does not fetch bytes outside a prefetched span) and Fetch
	// moves on to its next strategy.
	approxHeaderSize := int64(30 + len(metaFile.Name) + 256)
	length := int64(metaFile.CompressedSize64) + approxHeaderSize
	if err := rr.prefetch(ctx, 0, length); err != nil {
		return nil, err
	}

	rc, err := metaFile.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return core_metadata.Parse(rc)
}
