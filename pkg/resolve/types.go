// Package resolve implements the PubGrub/resolvelib-style backtracking solver described by
// SPEC_FULL.md §4.5: a SAT-like search over the version-set / tagged-package-name algebra that
// treats wheel tags, yanked flags, pre-release policy, extras, and direct-URL references as
// first-class constraints.
//
// The search itself (resolve.go, criteria.go) is a generalization of
// google-deps.dev/util/resolve/pypi's port of pip's vendored resolvelib: the same state-stack,
// criterion, and preference-key shapes, adapted from deps.dev's multi-ecosystem VersionKey to a
// PyPI-only Identifier built directly on pep440/pep508/index types. Candidate construction
// (filtering, ordering) and dependency-metadata fetching live behind the Provider interface so
// that the search has no direct knowledge of the index client, HTTP cache, or sdist builder.
package resolve

import (
	"context"
	"fmt"

	"github.com/datawire/pypkg/pkg/index"
	"github.com/datawire/pypkg/pkg/python/pep425"
	"github.com/datawire/pypkg/pkg/python/pep440"
	"github.com/datawire/pypkg/pkg/python/pep503"
	"github.com/datawire/pypkg/pkg/python/pep508"
)

// Identifier is the resolver's notion of "package": either a plain normalized distribution name
// ("requests") or an extra activation of one ("requests[security]"). Equality and map-keying are
// over this string directly, since it is already built from normalized components.
type Identifier string

// MakeIdentifier builds the identifier for base package normBase (already PEP 503 normalized),
// optionally activating extra (also already normalized); extra == "" yields the base identifier.
func MakeIdentifier(normBase, extra string) Identifier {
	if extra == "" {
		return Identifier(normBase)
	}
	return Identifier(normBase + "[" + extra + "]")
}

// Split decomposes an Identifier back into its base distribution name and activated extra (""
// for a base-package identifier).
func (id Identifier) Split() (base, extra string) {
	s := string(id)
	if i := indexByte(s, '['); i >= 0 && s[len(s)-1] == ']' {
		return s[:i], s[i+1 : len(s)-1]
	}
	return s, ""
}

// Base returns the identifier for id's base package, stripping any activated extra.
func (id Identifier) Base() Identifier {
	base, _ := id.Split()
	return Identifier(base)
}

func indexByte(s string, b byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == b {
			return i
		}
	}
	return -1
}

// Candidate is one concrete, pinnable version of a base package: either a version drawn from
// the index (Artifacts non-empty, URL empty) or a direct-URL reference (URL set, Version zero).
// Extra identifiers ("foo[bar]") share their base's Candidate list verbatim -- the resolver
// never constructs a separate candidate set for an extra.
type Candidate struct {
	Name             string // normalized base distribution name
	Version          pep440.Version
	URL              string // non-empty for a direct-URL candidate; Version is meaningless then
	Artifacts        []index.ArtifactInfo
	AllowsPrerelease bool // this version is a pre-release the package/allow-list permits
	// Yanked is true when every artifact backing this candidate carries PEP 592's yanked flag.
	// A yanked release is excluded from resolution unless a requirement pins it exactly
	// (see isExactPinFor in resolve.go's findMatches filtering).
	Yanked bool
}

func (c Candidate) isDirectURL() bool { return c.URL != "" }

func (c Candidate) String() string {
	if c.isDirectURL() {
		return fmt.Sprintf("%s @ %s", c.Name, c.URL)
	}
	return fmt.Sprintf("%s==%s", c.Name, c.Version.String())
}

// pin is the comparable identity stored in the version map / criteria candidate lists. Versions
// are kept as their canonical string form (pep440.Version itself embeds slices and so is not a
// valid map key or `==` operand); callers that need the parsed Version recover it from whichever
// Candidate produced this pin.
type pin struct {
	version string
	url     string
}

func pinOf(c Candidate) pin {
	if c.isDirectURL() {
		return pin{url: c.URL}
	}
	return pin{version: c.Version.String()}
}

func (p pin) String() string {
	if p.url != "" {
		return p.url
	}
	return p.version
}

// Requirement is an edge in the dependency graph: a constraint that identifier Target must
// satisfy, discovered either from a root requirement or from a dependency's Requires-Dist.
type Requirement struct {
	Target Identifier
	// Specifier constrains acceptable versions of Target's base package; empty (not nil)
	// means "any version". Ignored when URL is set.
	Specifier pep440.Specifier
	// URL, if set, pins Target to this exact direct-URL reference.
	URL string
	// AllowPrerelease travels with the requirement so that a package known to allow
	// pre-releases (allow-listed, or with no stable releases at all) is not filtered out by
	// a later, unrelated requirement against the same package.
	AllowPrerelease bool
	// Soft requirements (the "constrains" edges emitted for a distribution's declared
	// extras) only merge into an *existing* criterion; they never cause the resolver to
	// start tracking a new identifier nobody actually asked for.
	Soft bool
}

func (r Requirement) String() string {
	if r.URL != "" {
		return fmt.Sprintf("%s @ %s", r.Target, r.URL)
	}
	if len(r.Specifier) == 0 {
		return string(r.Target)
	}
	return fmt.Sprintf("%s%s", r.Target, r.Specifier.String())
}

// SDistResolution controls whether the resolver prefers, requires, or forbids sdist candidates
// relative to wheel candidates, per SPEC_FULL.md §4.5.
type SDistResolution int

const (
	SDistNormal SDistResolution = iota
	SDistPreferWheels
	SDistPreferSDists
	SDistOnlyWheels
	SDistOnlySDists
)

// PinnedPackage is one entry of the resolver's final output: the chosen version (or URL) for a
// single normalized distribution name, the extras activated on it, and the artifacts available
// for installation.
type PinnedPackage struct {
	Name      string
	Version   pep440.Version
	URL       string
	Extras    []string
	Artifacts []index.ArtifactInfo
}

// Options configures a single Resolve call.
type Options struct {
	Tags             pep425.Installer  // compatibility tags the resulting wheels must support; nil = no filtering
	SDistResolution  SDistResolution
	MarkerEnv        pep508.Environment
	PrereleaseAllow  []string          // package names (normalized) that may resolve to pre-releases even without an explicit request
	LockedPackages   map[string]pin    // seed pins the solver is constrained to reproduce, keyed by normalized name
	FavoredPackages  map[string]pin    // soft preference from a previous resolution, used only to order candidates
	MaxRounds        int               // 0 defaults to 200000, matching pip's own backstop
}

// LockVersion records that name must resolve to version in LockedPackages.
func (o *Options) LockVersion(name string, version pep440.Version) {
	if o.LockedPackages == nil {
		o.LockedPackages = map[string]pin{}
	}
	o.LockedPackages[pep503.Normalize(name)] = pin{version: version.String()}
}

// Provider supplies the resolver with candidate lists and dependency edges. It is the seam
// between the search (resolve.go) and everything that actually talks to an index, the HTTP
// cache, or the sdist build pipeline (pkg/pep517); see pkg/resolve/provider.go for the concrete
// implementation used outside of tests.
type Provider interface {
	// Candidates returns baseName's available candidates (already fetched, filtered, and
	// ordered most-preferred-first), or a direct-URL singleton list if baseName has a
	// direct-URL pin in effect. The resolver does not cache the results and may call this
	// many times for the same name; IndexProvider caches them per name.
	Candidates(ctx context.Context, baseName string, directURL string) ([]Candidate, error)

	// Dependencies returns the requirement edges for cand with the given set of activated
	// extras (nil/empty for the base package itself). It fetches metadata (building an
	// sdist if necessary), evaluates each Requires-Dist's marker, and expands the result
	// into Requirement values already targeting base/extra Identifiers.
	Dependencies(ctx context.Context, cand Candidate, activatedExtras map[string]bool) ([]Requirement, error)
}

// ConflictError is returned when no assignment of versions satisfies every requirement.
type ConflictError struct {
	Causes []string
}

func (e *ConflictError) Error() string {
	s := "resolution impossible:\n"
	for _, c := range e.Causes {
		s += "  " + c + "\n"
	}
	return s
}

// NoMetadataError is the structured cancellation reason for a metadata-retrieval failure that
// could not be locally recovered (every strategy in index.Fetcher's chain failed).
type NoMetadataError struct {
	Candidate Candidate
	Causes    []error
}

func (e *NoMetadataError) Error() string {
	return fmt.Sprintf("resolve: no metadata available for %s (%d causes)", e.Candidate, len(e.Causes))
}

func (e *NoMetadataError) Unwrap() []error { return e.Causes }
