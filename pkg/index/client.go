package index

import (
	"context"
	"sort"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/sync/errgroup"

	"github.com/datawire/pypkg/pkg/python/pep440"
	"github.com/datawire/pypkg/pkg/python/pep503"
	"github.com/datawire/pypkg/pkg/python/pep592"
	"github.com/datawire/pypkg/pkg/python/pep629"
	"github.com/datawire/pypkg/pkg/python/pypa/artifact"
)

// indexFanOut bounds concurrent per-index-URL requests, matching the bounded-fan-out idiom used
// for batched candidate fetches elsewhere in the packaging ecosystem.
const indexFanOut = 10

// ArtifactInfo is one published file as seen by the index client: either a wheel or an sdist,
// with everything the resolver and metadata fetcher need to decide whether to consider it.
type ArtifactInfo struct {
	Name           *artifact.Name
	Filename       string
	URL            string
	Hashes         map[string]string
	RequiresPython string
	HasMetadata    bool
	MetadataHash   string // algorithm=hex, or "" if HasMetadata but unspecified
	Yanked         bool
	YankedReason   string
	SourceIndexURL string
}

// Client fetches and unions ArtifactInfo lists for a package name across every configured PEP
// 503/691 index URL.
type Client struct {
	IndexURLs []string
	Python    *pep440.Version
	UserAgent string
}

func (c *Client) pep503Client(baseURL string) pep503.Client {
	return pep503.Client{
		BaseURL:   baseURL,
		Python:    c.Python,
		UserAgent: c.UserAgent,
		HTMLHook: func(ctx context.Context, doc *html.Node) error {
			return pep629.HTMLVersionCheck(ctx, doc)
		},
	}
}

// ListFiles fetches pkgname's file list from every configured index URL concurrently (bounded
// to indexFanOut in flight), unions the results, and returns them sorted by descending version
// then by filename within a version.
func (c *Client) ListFiles(ctx context.Context, pkgname string) ([]ArtifactInfo, error) {
	normName := pep503.Normalize(pkgname)

	results := make([][]ArtifactInfo, len(c.IndexURLs))
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(indexFanOut)

	for i, baseURL := range c.IndexURLs {
		i, baseURL := i, baseURL
		group.Go(func() error {
			infos, err := c.listOneIndex(groupCtx, baseURL, pkgname, normName)
			if err != nil {
				var httpErr *pep503.HTTPError
				if isHTTPNotFound(err, &httpErr) {
					return nil // absent from this index is not an error
				}
				return err
			}
			results[i] = infos
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}

	var all []ArtifactInfo
	for _, infos := range results {
		all = append(all, infos...)
	}
	sortArtifactInfos(all)
	return all, nil
}

func isHTTPNotFound(err error, target **pep503.HTTPError) bool {
	for e := err; e != nil; {
		if httpErr, ok := e.(*pep503.HTTPError); ok {
			*target = httpErr
			return httpErr.StatusCode == 404
		}
		unwrapper, ok := e.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		e = unwrapper.Unwrap()
	}
	return false
}

func (c *Client) listOneIndex(ctx context.Context, baseURL, pkgname, normName string) ([]ArtifactInfo, error) {
	client := c.pep503Client(baseURL)

	if links, err := client.ListPackageFilesJSON(ctx, pkgname); err == nil {
		return toArtifactInfos(links, normName, baseURL), nil
	}

	links, err := client.ListPackageFiles(ctx, pkgname)
	if err != nil {
		return nil, err
	}
	return toArtifactInfos(links, normName, baseURL), nil
}

func toArtifactInfos(links []pep503.FileLink, normName, indexURL string) []ArtifactInfo {
	infos := make([]ArtifactInfo, 0, len(links))
	for _, link := range links {
		name, err := artifact.Parse(link.Text, normName)
		if err != nil {
			continue // unrecognized filename extension: skip, don't abort the whole page
		}

		info := ArtifactInfo{
			Name:           name,
			Filename:       link.Text,
			URL:            link.HRef,
			RequiresPython: link.DataAttrs["data-requires-python"],
			SourceIndexURL: indexURL,
		}

		hashes := map[string]string{}
		for key, val := range link.DataAttrs {
			if alg := strings.TrimPrefix(key, "data-"); alg != key && isHashAlgorithm(alg) {
				hashes[alg] = val
			}
		}
		info.Hashes = hashes

		if meta, ok := link.DataAttrs["data-dist-info-metadata"]; ok {
			info.HasMetadata = true
			if meta != "true" && meta != "" {
				info.MetadataHash = meta
			}
		}
		if meta, ok := link.DataAttrs["data-core-metadata"]; ok {
			info.HasMetadata = true
			if meta != "true" && meta != "" {
				info.MetadataHash = meta
			}
		}

		if pep592.IsYanked(link) {
			info.Yanked = true
			info.YankedReason = link.DataAttrs["data-yanked"]
		}

		infos = append(infos, info)
	}
	return infos
}

func isHashAlgorithm(s string) bool {
	switch s {
	case "md5", "sha1", "sha224", "sha256", "sha384", "sha512":
		return true
	default:
		return false
	}
}

func sortArtifactInfos(infos []ArtifactInfo) {
	sort.SliceStable(infos, func(i, j int) bool {
		vi, vj := infos[i].Name.Version(), infos[j].Name.Version()
		if c := vi.Cmp(vj); c != 0 {
			return c > 0 // descending by version
		}
		return infos[i].Filename < infos[j].Filename
	})
}
