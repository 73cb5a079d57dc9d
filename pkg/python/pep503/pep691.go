package pep503

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
)

// jsonMediaType is the value of the Accept header that selects the PEP 691 JSON rendition of
// the Simple API instead of the PEP 503 HTML one.
//
// https://peps.python.org/pep-0691/
const jsonMediaType = "application/vnd.pypi.simple.v1+json"

type jsonProjectList struct {
	Meta     jsonMeta          `json:"meta"`
	Projects []jsonProjectLink `json:"projects"`
}

type jsonMeta struct {
	APIVersion string `json:"api-version"`
}

type jsonProjectLink struct {
	Name string `json:"name"`
}

type jsonProjectDetail struct {
	Meta  jsonMeta   `json:"meta"`
	Name  string     `json:"name"`
	Files []jsonFile `json:"files"`
}

type jsonFile struct {
	Filename       string            `json:"filename"`
	URL            string            `json:"url"`
	Hashes         map[string]string `json:"hashes"`
	RequiresPython string            `json:"requires-python,omitempty"`
	DistInfoMeta   interface{}       `json:"dist-info-metadata,omitempty"`
	CoreMeta       interface{}       `json:"core-metadata,omitempty"`
	GPGSig         *bool             `json:"gpg-sig,omitempty"`
	YankedReason   interface{}       `json:"yanked,omitempty"`
}

func (c Client) getJSON(ctx context.Context, requestURL string, out interface{}) error {
	c.fillDefaults()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", c.UserAgent)
	req.Header.Set("Accept", jsonMediaType)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &HTTPError{Status: resp.Status, StatusCode: resp.StatusCode}
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// ListPackagesJSON is the PEP 691 JSON-API equivalent of ListPackages, for indexes that only
// (or preferentially) serve the structured rendition of the Simple API.
func (c Client) ListPackagesJSON(ctx context.Context) ([]PackageLink, error) {
	c.fillDefaults()
	var list jsonProjectList
	if err := c.getJSON(ctx, c.BaseURL, &list); err != nil {
		return nil, fmt.Errorf("pep691: list projects: %w", err)
	}
	base, err := url.Parse(c.BaseURL)
	if err != nil {
		return nil, err
	}
	links := make([]PackageLink, 0, len(list.Projects))
	for _, p := range list.Projects {
		href, err := base.Parse(Normalize(p.Name) + "/")
		if err != nil {
			return nil, err
		}
		links = append(links, PackageLink{
			client: c,
			Link:   Link{Text: p.Name, HRef: href.String()},
		})
	}
	return links, nil
}

// ListPackageFilesJSON is the PEP 691 JSON-API equivalent of ListPackageFiles.
func (c Client) ListPackageFilesJSON(ctx context.Context, pkgname string) ([]FileLink, error) {
	c.fillDefaults()
	u, err := url.Parse(c.BaseURL)
	if err != nil {
		return nil, err
	}
	u.Path = u.Path + Normalize(pkgname) + "/"

	var detail jsonProjectDetail
	if err := c.getJSON(ctx, u.String(), &detail); err != nil {
		return nil, fmt.Errorf("pep691: list files for %q: %w", pkgname, err)
	}

	links := make([]FileLink, 0, len(detail.Files))
	for _, f := range detail.Files {
		href, err := u.Parse(f.URL)
		if err != nil {
			return nil, err
		}
		attrs := map[string]string{}
		for alg, sum := range f.Hashes {
			attrs["data-"+alg] = sum
		}
		if f.RequiresPython != "" {
			attrs["data-requires-python"] = f.RequiresPython
		}
		if f.DistInfoMeta != nil || f.CoreMeta != nil {
			attrs["data-dist-info-metadata"] = pep658AttrValue(f.DistInfoMeta, f.CoreMeta)
		}
		if f.GPGSig != nil {
			if *f.GPGSig {
				attrs["data-gpg-sig"] = "true"
			} else {
				attrs["data-gpg-sig"] = "false"
			}
		}
		links = append(links, FileLink{
			client: c,
			Link:   Link{Text: f.Filename, HRef: href.String(), DataAttrs: attrs},
		})
	}
	return links, nil
}

func pep658AttrValue(vals ...interface{}) string {
	for _, v := range vals {
		switch t := v.(type) {
		case bool:
			if t {
				return "true"
			}
		case map[string]interface{}:
			for alg, sum := range t {
				return fmt.Sprintf("%s=%v", alg, sum)
			}
		}
	}
	return "true"
}

// ErrNoMetadata is returned by FileLink.GetMetadata when the index does not advertise a PEP
// 658 ".metadata" side channel for this file.
var ErrNoMetadata = errors.New("pep658: no metadata side channel advertised for this file")

// GetMetadata fetches the PEP 658 ".metadata" side-channel file for l, letting a resolver
// learn a candidate's dependencies without downloading the whole distribution.
//
// https://peps.python.org/pep-0658/
func (l FileLink) GetMetadata(ctx context.Context) ([]byte, error) {
	if _, ok := l.DataAttrs["data-dist-info-metadata"]; !ok {
		if _, ok := l.DataAttrs["data-core-metadata"]; !ok {
			return nil, ErrNoMetadata
		}
	}
	_, content, err := l.client.get(ctx, l.HRef+".metadata")
	if err != nil {
		var httpErr *HTTPError
		if errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusNotFound {
			return nil, ErrNoMetadata
		}
		return nil, err
	}
	return content, nil
}
