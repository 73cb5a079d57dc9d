package resolve

import (
	"context"
	"fmt"
	"path"
	"sort"

	"github.com/datawire/pypkg/pkg/index"
	"github.com/datawire/pypkg/pkg/python/pep345"
	"github.com/datawire/pypkg/pkg/python/pep425"
	"github.com/datawire/pypkg/pkg/python/pep440"
	"github.com/datawire/pypkg/pkg/python/pep503"
	"github.com/datawire/pypkg/pkg/python/pypa/artifact"
)

// IndexProvider is the Provider implementation used outside of tests: it sources candidates from
// a PEP 503/691 index client, resolves their metadata through an index.Fetcher (which falls back
// to building an sdist when nothing else yields metadata), and expands Requires-Dist entries
// into Requirement values the search understands. Grounded on SPEC_FULL.md §4.5's candidate
// construction algorithm.
type IndexProvider struct {
	Client  *index.Client
	Fetcher *index.Fetcher
	Options Options

	candCache map[string][]Candidate
}

var _ Provider = (*IndexProvider)(nil)

func NewIndexProvider(client *index.Client, fetcher *index.Fetcher, opts Options) *IndexProvider {
	return &IndexProvider{
		Client:    client,
		Fetcher:   fetcher,
		Options:   opts,
		candCache: map[string][]Candidate{},
	}
}

func (p *IndexProvider) Candidates(ctx context.Context, baseName, directURL string) ([]Candidate, error) {
	normName := pep503.Normalize(baseName)

	if directURL != "" {
		return p.directURLCandidate(normName, directURL), nil
	}

	if cached, ok := p.candCache[normName]; ok {
		return cached, nil
	}

	infos, err := p.Client.ListFiles(ctx, baseName)
	if err != nil {
		return nil, fmt.Errorf("resolve: listing files for %s: %w", baseName, err)
	}
	infos = p.excludeIncompatiblePython(infos)

	cands := p.buildCandidates(normName, infos)
	p.candCache[normName] = cands
	return cands, nil
}

func (p *IndexProvider) directURLCandidate(normName, url string) []Candidate {
	filename := path.Base(url)
	name, err := artifact.Parse(filename, normName)
	info := index.ArtifactInfo{Filename: filename, URL: url}
	if err == nil {
		info.Name = name
	}
	return []Candidate{{
		Name:             normName,
		URL:              url,
		Artifacts:        []index.ArtifactInfo{info},
		AllowsPrerelease: true, // a pin to an exact artifact is never second-guessed by pre-release policy
	}}
}

// excludeIncompatiblePython drops artifacts whose advertised Requires-Python excludes the
// configured interpreter, before any version grouping happens -- this is available straight off
// the Simple API response (PEP 503's data-requires-python attribute) and so is cheap to apply
// ahead of ever fetching real metadata.
func (p *IndexProvider) excludeIncompatiblePython(infos []index.ArtifactInfo) []index.ArtifactInfo {
	pyVer, err := pep440.ParseVersion(p.Options.MarkerEnv.PythonFullVersion)
	if err != nil || p.Options.MarkerEnv.PythonFullVersion == "" {
		return infos
	}

	out := infos[:0]
	for _, info := range infos {
		if info.RequiresPython == "" {
			out = append(out, info)
			continue
		}
		spec, err := pep345.ParseVersionSpecifier(info.RequiresPython)
		if err != nil || spec.Match(*pyVer) {
			out = append(out, info)
		}
	}
	return out
}

// buildCandidates groups infos by version, applies the SDistResolution policy to decide which
// artifact kinds are eligible per version, and orders the result most-preferred-first.
func (p *IndexProvider) buildCandidates(normName string, infos []index.ArtifactInfo) []Candidate {
	type group struct {
		version pep440.Version
		wheels  []index.ArtifactInfo
		sdists  []index.ArtifactInfo
	}
	groups := map[string]*group{}
	var order []string

	for _, info := range infos {
		if info.Name == nil {
			continue
		}
		ver := info.Name.Version()
		key := ver.String()
		g, ok := groups[key]
		if !ok {
			g = &group{version: ver}
			groups[key] = g
			order = append(order, key)
		}
		if info.Name.Wheel != nil {
			g.wheels = append(g.wheels, info)
		} else if info.Name.SDist != nil {
			g.sdists = append(g.sdists, info)
		}
	}

	resolution := p.Options.SDistResolution
	if resolution == SDistOnlySDists {
		// An index that has nothing but sdists for every release makes "sdists only" fall
		// back to preferring wheels when they exist and otherwise building from source
		// anyway, per the resolved Open Question in DESIGN.md: OnlySDists never means "fail
		// outright just because a wheel exists".
		resolution = SDistPreferWheels
	}

	anyStable := false
	for _, key := range order {
		if !groups[key].version.IsPreRelease() {
			anyStable = true
			break
		}
	}

	var cands []Candidate
	for _, key := range order {
		g := groups[key]
		wheels := p.compatibleWheels(g.wheels)

		var artifacts []index.ArtifactInfo
		switch resolution {
		case SDistOnlyWheels:
			if len(wheels) == 0 {
				continue
			}
			artifacts = wheels
		case SDistPreferSDists:
			artifacts = append(append([]index.ArtifactInfo{}, g.sdists...), wheels...)
		default: // SDistNormal, SDistPreferWheels
			artifacts = append(append([]index.ArtifactInfo{}, wheels...), g.sdists...)
		}
		if len(artifacts) == 0 {
			continue
		}

		allYanked := true
		for _, a := range artifacts {
			if !a.Yanked {
				allYanked = false
				break
			}
		}

		cands = append(cands, Candidate{
			Name:             normName,
			Version:          g.version,
			Artifacts:        artifacts,
			AllowsPrerelease: !anyStable && g.version.IsPreRelease(),
			Yanked:           allYanked,
		})
	}

	sort.SliceStable(cands, func(i, j int) bool {
		return cands[i].Version.Cmp(cands[j].Version) > 0 // descending: most preferred first
	})
	return cands
}

// compatibleWheels filters wheels to those the configured installer tags support (when tags are
// configured at all), ordered by ascending pep425.Installer.Preference (most preferred first).
func (p *IndexProvider) compatibleWheels(wheels []index.ArtifactInfo) []index.ArtifactInfo {
	if p.Options.Tags == nil {
		return wheels
	}
	var out []index.ArtifactInfo
	for _, w := range wheels {
		if w.Name.Wheel == nil {
			continue
		}
		if p.Options.Tags.Supports(w.Name.Wheel.CompatibilityTag) {
			out = append(out, w)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		pi := p.Options.Tags.Preference(out[i].Name.Wheel.CompatibilityTag)
		pj := p.Options.Tags.Preference(out[j].Name.Wheel.CompatibilityTag)
		return pi < pj
	})
	return out
}

func (p *IndexProvider) Dependencies(ctx context.Context, cand Candidate, activatedExtras map[string]bool) ([]Requirement, error) {
	_, md, err := p.Fetcher.Fetch(ctx, cand.Artifacts)
	if err != nil {
		return nil, &NoMetadataError{Candidate: cand, Causes: []error{err}}
	}

	if md.RequiresPython != nil && p.Options.MarkerEnv.PythonFullVersion != "" {
		if pyVer, err := pep440.ParseVersion(p.Options.MarkerEnv.PythonFullVersion); err == nil {
			if !md.RequiresPython.Match(*pyVer) {
				return nil, &ConflictError{Causes: []string{
					fmt.Sprintf("%s==%s requires Python %s, incompatible with configured interpreter %s",
						cand.Name, cand.Version, md.RequiresPython, p.Options.MarkerEnv.PythonFullVersion),
				}}
			}
		}
	}

	var out []Requirement
	for _, req := range md.RequiresDist {
		if req.Marker != nil && !req.Marker.Eval(p.Options.MarkerEnv, activatedExtras) {
			continue
		}
		out = append(out, expandRequirement(req, p.Options.PrereleaseAllow)...)
	}

	if len(activatedExtras) == 0 {
		// Soft "constrains" edges: declare that each of this distribution's own extras, if
		// ever activated elsewhere in the solve, must resolve to this exact version.
		base := pep503.Normalize(cand.Name)
		for extra := range md.Extras() {
			out = append(out, Requirement{
				Target:    MakeIdentifier(base, extra),
				Specifier: exactSpecifier(cand),
				URL:       cand.URL,
				Soft:      true,
			})
		}
	}

	return out, nil
}
