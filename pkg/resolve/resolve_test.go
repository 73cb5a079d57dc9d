package resolve_test

import (
	"context"
	"fmt"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datawire/pypkg/pkg/index"
	"github.com/datawire/pypkg/pkg/python/pep440"
	"github.com/datawire/pypkg/pkg/python/pep503"
	"github.com/datawire/pypkg/pkg/python/pep508"
	"github.com/datawire/pypkg/pkg/resolve"
)

// fakePackage is one in-memory distribution release used by fakeProvider.
type fakePackage struct {
	version   string
	requires  []string // Requires-Dist strings, evaluated against a fixed empty extras set for the base package
	extraReqs map[string][]string
	extras    []string
}

// fakeProvider is a minimal resolve.Provider backed by an in-memory table, standing in for
// pkg/index + an sdist builder the way the real IndexProvider wires them. It only models the
// subset of behavior resolve_test.go's scenarios exercise: version matching, extras, and
// pre-release gating; it has no notion of wheel tags or direct URLs beyond trivial pass-through.
type fakeProvider struct {
	packages map[string][]fakePackage // normalized name -> releases, any order
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{packages: map[string][]fakePackage{}}
}

func (f *fakeProvider) add(name string, pkgs ...fakePackage) {
	f.packages[pep503.Normalize(name)] = pkgs
}

func (f *fakeProvider) Candidates(_ context.Context, baseName, directURL string) ([]resolve.Candidate, error) {
	norm := pep503.Normalize(baseName)
	if directURL != "" {
		return []resolve.Candidate{{Name: norm, URL: directURL, AllowsPrerelease: true}}, nil
	}

	releases, ok := f.packages[norm]
	if !ok {
		return nil, fmt.Errorf("fakeProvider: unknown package %q", baseName)
	}

	anyStable := false
	for _, r := range releases {
		v, err := pep440.ParseVersion(r.version)
		if err == nil && !v.IsPreRelease() {
			anyStable = true
		}
	}

	var out []resolve.Candidate
	for _, r := range releases {
		v, err := pep440.ParseVersion(r.version)
		if err != nil {
			continue
		}
		out = append(out, resolve.Candidate{
			Name:             norm,
			Version:          *v,
			AllowsPrerelease: !anyStable && v.IsPreRelease(),
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Version.Cmp(out[j].Version) > 0 })
	return out, nil
}

func (f *fakeProvider) Dependencies(_ context.Context, cand resolve.Candidate, activatedExtras map[string]bool) ([]resolve.Requirement, error) {
	releases := f.packages[cand.Name]
	var pkg *fakePackage
	for i := range releases {
		if releases[i].version == cand.Version.String() {
			pkg = &releases[i]
			break
		}
	}
	if pkg == nil {
		return nil, fmt.Errorf("fakeProvider: %s==%s not found", cand.Name, cand.Version)
	}

	var reqStrs []string
	if len(activatedExtras) == 0 {
		reqStrs = pkg.requires
	} else {
		for extra := range activatedExtras {
			reqStrs = append(reqStrs, pkg.extraReqs[extra]...)
		}
	}

	var out []resolve.Requirement
	for _, s := range reqStrs {
		req, err := pep508.ParseRequirement(s)
		if err != nil {
			return nil, err
		}
		out = append(out, testExpand(*req)...)
	}

	if len(activatedExtras) == 0 {
		for _, extra := range pkg.extras {
			spec, _ := pep440.ParseSpecifier("==" + cand.Version.String())
			out = append(out, resolve.Requirement{
				Target:    resolve.MakeIdentifier(cand.Name, pep503.Normalize(extra)),
				Specifier: spec,
				Soft:      true,
			})
		}
	}
	return out, nil
}

// testExpand mirrors resolve.expandRequirement (unexported) closely enough for this fake's
// purposes: a plain base requirement plus one per requested extra, with no pre-release
// allow-list of its own.
func testExpand(req pep508.Requirement) []resolve.Requirement {
	base := pep503.Normalize(req.Name)
	out := []resolve.Requirement{{Target: resolve.Identifier(base), Specifier: req.Specifier, URL: req.URL}}
	for _, extra := range req.Extras {
		out = append(out, resolve.Requirement{
			Target:    resolve.MakeIdentifier(base, pep503.Normalize(extra)),
			Specifier: req.Specifier,
			URL:       req.URL,
		})
	}
	return out
}

func mustReq(t *testing.T, s string) pep508.Requirement {
	t.Helper()
	req, err := pep508.ParseRequirement(s)
	require.NoError(t, err)
	return *req
}

func pinnedVersion(t *testing.T, pins []resolve.PinnedPackage, name string) string {
	t.Helper()
	for _, p := range pins {
		if p.Name == pep503.Normalize(name) {
			return p.Version.String()
		}
	}
	t.Fatalf("no pinned package named %q among %d results", name, len(pins))
	return ""
}

func TestResolveSimpleChain(t *testing.T) {
	t.Parallel()
	provider := newFakeProvider()
	provider.add("app", fakePackage{version: "1.0"})
	provider.add("foo", fakePackage{version: "2.0", requires: []string{"bar>=1.0"}}, fakePackage{version: "1.0"})
	provider.add("bar", fakePackage{version: "1.5"}, fakePackage{version: "1.0"})

	r := resolve.NewResolver(provider, resolve.Options{})
	pins, err := r.Resolve(context.Background(), []pep508.Requirement{mustReq(t, "foo")})
	require.NoError(t, err)

	assert.Equal(t, "2.0", pinnedVersion(t, pins, "foo"))
	assert.Equal(t, "1.5", pinnedVersion(t, pins, "bar"))
}

func TestResolveBacktracksOnConflict(t *testing.T) {
	t.Parallel()
	provider := newFakeProvider()
	// foo==2.0 requires bar==1.0, but the root also requires bar>=1.5, which only bar==1.5
	// can satisfy -- so the solver must reject foo==2.0 and fall back to foo==1.0
	// (which has no such constraint) to find a consistent assignment.
	provider.add("foo",
		fakePackage{version: "2.0", requires: []string{"bar==1.0"}},
		fakePackage{version: "1.0"},
	)
	provider.add("bar", fakePackage{version: "1.5"}, fakePackage{version: "1.0"})

	r := resolve.NewResolver(provider, resolve.Options{})
	pins, err := r.Resolve(context.Background(), []pep508.Requirement{
		mustReq(t, "foo"),
		mustReq(t, "bar>=1.5"),
	})
	require.NoError(t, err)

	assert.Equal(t, "1.0", pinnedVersion(t, pins, "foo"))
	assert.Equal(t, "1.5", pinnedVersion(t, pins, "bar"))
}

func TestResolveUnsatisfiable(t *testing.T) {
	t.Parallel()
	provider := newFakeProvider()
	provider.add("foo", fakePackage{version: "1.0"})

	r := resolve.NewResolver(provider, resolve.Options{})
	_, err := r.Resolve(context.Background(), []pep508.Requirement{
		mustReq(t, "foo>=2.0"),
		mustReq(t, "foo<2.0"),
	})
	require.Error(t, err)
	var conflict *resolve.ConflictError
	assert.ErrorAs(t, err, &conflict)
}

func TestResolveExtrasAsDistinctPackages(t *testing.T) {
	t.Parallel()
	provider := newFakeProvider()
	provider.add("requests",
		fakePackage{
			version:   "2.28.0",
			extras:    []string{"security"},
			extraReqs: map[string][]string{"security": {"pyopenssl>=20.0"}},
		},
	)
	provider.add("pyopenssl", fakePackage{version: "22.0"}, fakePackage{version: "19.0"})

	r := resolve.NewResolver(provider, resolve.Options{})
	pins, err := r.Resolve(context.Background(), []pep508.Requirement{mustReq(t, "requests[security]")})
	require.NoError(t, err)

	assert.Equal(t, "2.28.0", pinnedVersion(t, pins, "requests"))
	assert.Equal(t, "22.0", pinnedVersion(t, pins, "pyopenssl"))

	var requestsPin *resolve.PinnedPackage
	for i := range pins {
		if pins[i].Name == "requests" {
			requestsPin = &pins[i]
		}
	}
	require.NotNil(t, requestsPin)
	assert.Contains(t, requestsPin.Extras, "security")
}

func TestResolvePrereleaseExcludedByDefault(t *testing.T) {
	t.Parallel()
	provider := newFakeProvider()
	provider.add("foo", fakePackage{version: "1.0"}, fakePackage{version: "2.0a1"})

	r := resolve.NewResolver(provider, resolve.Options{})
	pins, err := r.Resolve(context.Background(), []pep508.Requirement{mustReq(t, "foo")})
	require.NoError(t, err)
	assert.Equal(t, "1.0", pinnedVersion(t, pins, "foo"))
}

func TestResolvePrereleaseAllowedWhenNoStableExists(t *testing.T) {
	t.Parallel()
	provider := newFakeProvider()
	provider.add("foo", fakePackage{version: "2.0a1"}, fakePackage{version: "1.0a1"})

	r := resolve.NewResolver(provider, resolve.Options{})
	pins, err := r.Resolve(context.Background(), []pep508.Requirement{mustReq(t, "foo")})
	require.NoError(t, err)
	assert.Equal(t, "2.0a1", pinnedVersion(t, pins, "foo"))
}

func TestResolvePrereleaseExplicitlyPinned(t *testing.T) {
	t.Parallel()
	provider := newFakeProvider()
	provider.add("foo", fakePackage{version: "1.0"}, fakePackage{version: "2.0a1"})

	r := resolve.NewResolver(provider, resolve.Options{})
	pins, err := r.Resolve(context.Background(), []pep508.Requirement{mustReq(t, "foo==2.0a1")})
	require.NoError(t, err)
	assert.Equal(t, "2.0a1", pinnedVersion(t, pins, "foo"))
}

func TestResolveLockedPackagesReproduce(t *testing.T) {
	t.Parallel()
	provider := newFakeProvider()
	provider.add("foo", fakePackage{version: "2.0"}, fakePackage{version: "1.0"})

	opts := resolve.Options{}
	opts.LockVersion("foo", mustVersion(t, "1.0"))

	r := resolve.NewResolver(provider, opts)
	pins, err := r.Resolve(context.Background(), []pep508.Requirement{mustReq(t, "foo")})
	require.NoError(t, err)
	assert.Equal(t, "1.0", pinnedVersion(t, pins, "foo"))
}

func mustVersion(t *testing.T, s string) pep440.Version {
	t.Helper()
	v, err := pep440.ParseVersion(s)
	require.NoError(t, err)
	return *v
}

func TestResolveAtMostOnePinPerName(t *testing.T) {
	t.Parallel()
	provider := newFakeProvider()
	provider.add("app", fakePackage{version: "1.0", requires: []string{"foo>=1.0", "foo<3.0"}})
	provider.add("foo", fakePackage{version: "2.0"}, fakePackage{version: "1.0"}, fakePackage{version: "3.0"})

	r := resolve.NewResolver(provider, resolve.Options{})
	pins, err := r.Resolve(context.Background(), []pep508.Requirement{mustReq(t, "app")})
	require.NoError(t, err)

	seen := map[string]int{}
	for _, p := range pins {
		seen[p.Name]++
	}
	for name, count := range seen {
		assert.Equalf(t, 1, count, "package %q pinned more than once", name)
	}
	assert.Equal(t, "2.0", pinnedVersion(t, pins, "foo"))
}
