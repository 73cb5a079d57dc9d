// Package artifact implements the union "artifact name" model described by the PyPA source
// distribution and binary distribution format specifications: a single published file is either
// a wheel, an sdist, or (for local installs) a source tree, and all three share the same
// name/version identification problem.
//
// https://packaging.python.org/en/latest/specifications/source-distribution-format/
// https://packaging.python.org/en/latest/specifications/binary-distribution-format/
package artifact

import (
	"fmt"
	"strings"

	"github.com/datawire/pypkg/pkg/python/pep425"
	"github.com/datawire/pypkg/pkg/python/pep440"
	"github.com/datawire/pypkg/pkg/python/pep503"
	"github.com/datawire/pypkg/pkg/python/pypa/bdist"
)

// Format identifies an sdist's archive format.
type Format string

const (
	FormatZip    Format = "zip"
	FormatTar    Format = "tar"
	FormatTarGz  Format = "tar.gz"
	FormatTarBz2 Format = "tar.bz2"
	FormatTarXz  Format = "tar.xz"
	FormatTarZ   Format = "tar.Z"
)

// sdistExtensions is ordered longest-suffix-first so that ".tar.gz" is tried before the ".gz"
// it would otherwise also match were matching done on a single extension component.
var sdistExtensions = []struct {
	suffix string
	format Format
}{
	{".tar.gz", FormatTarGz},
	{".tar.bz2", FormatTarBz2},
	{".tar.xz", FormatTarXz},
	{".tar.Z", FormatTarZ},
	{".zip", FormatZip},
	{".tar", FormatTar},
}

// Name is the tagged union of the three kinds of artifact a resolver candidate can point at.
//
// Exactly one of Wheel, SDist, or STree is non-nil.
type Name struct {
	Wheel *Wheel
	SDist *SDist
	STree *STree
}

type Wheel struct {
	Distribution     string
	Version          pep440.Version
	BuildTag         *bdist.BuildTag
	CompatibilityTag pep425.Tag
}

type SDist struct {
	Distribution string
	Version      pep440.Version
	Format       Format
}

type STree struct {
	Distribution string
	Version      pep440.Version
	URL          string
}

func (n Name) String() string {
	switch {
	case n.Wheel != nil:
		s, _ := bdist.GenerateFilename(bdist.FileNameData{
			Distribution:     n.Wheel.Distribution,
			Version:          n.Wheel.Version,
			BuildTag:         n.Wheel.BuildTag,
			CompatibilityTag: n.Wheel.CompatibilityTag,
		})
		return s
	case n.SDist != nil:
		return fmt.Sprintf("%s-%s.%s", n.SDist.Distribution, n.SDist.Version.String(), n.SDist.Format)
	case n.STree != nil:
		return n.STree.URL
	default:
		return ""
	}
}

// Distribution returns the source-spelled distribution name carried by whichever artifact kind
// this Name holds.
func (n Name) Distribution() string {
	switch {
	case n.Wheel != nil:
		return n.Wheel.Distribution
	case n.SDist != nil:
		return n.SDist.Distribution
	case n.STree != nil:
		return n.STree.Distribution
	default:
		return ""
	}
}

// Version returns the version carried by whichever artifact kind this Name holds.
func (n Name) Version() pep440.Version {
	switch {
	case n.Wheel != nil:
		return n.Wheel.Version
	case n.SDist != nil:
		return n.SDist.Version
	case n.STree != nil:
		return n.STree.Version
	default:
		return pep440.Version{}
	}
}

// Parse parses filename as either a wheel or an sdist artifact name. expectedName, if non-empty,
// is the normalized package name this filename is expected to belong to; an sdist filename is
// split at each '-' and the *longest* prefix that normalizes to expectedName is taken as the
// distribution name, which is what disambiguates distribution names that themselves contain
// dashes (testable property 2/3 in SPEC_FULL.md §8). When expectedName is empty, the first
// ('-'-delimited) component is used, matching the wheel filename grammar (which cannot contain
// ambiguous dashes in the distribution component to begin with).
func Parse(filename, expectedName string) (*Name, error) {
	if strings.HasSuffix(filename, ".whl") {
		data, err := bdist.ParseFilename(filename)
		if err != nil {
			return nil, err
		}
		return &Name{Wheel: &Wheel{
			Distribution:     data.Distribution,
			Version:          data.Version,
			BuildTag:         data.BuildTag,
			CompatibilityTag: data.CompatibilityTag,
		}}, nil
	}

	for _, ext := range sdistExtensions {
		if !strings.HasSuffix(filename, ext.suffix) {
			continue
		}
		stem := strings.TrimSuffix(filename, ext.suffix)
		dist, verStr, err := splitDistVersion(stem, expectedName)
		if err != nil {
			return nil, fmt.Errorf("artifact: %q: %w", filename, err)
		}
		ver, err := pep440.ParseVersion(verStr)
		if err != nil {
			return nil, fmt.Errorf("artifact: %q: invalid version %q: %w", filename, verStr, err)
		}
		return &Name{SDist: &SDist{
			Distribution: dist,
			Version:      *ver,
			Format:       ext.format,
		}}, nil
	}

	return nil, fmt.Errorf("artifact: %q: unrecognized artifact filename (not .whl and no known sdist extension)", filename)
}

// splitDistVersion implements the "split at each dash, take the longest normalizing prefix"
// disambiguation rule (SPEC_FULL.md §3, §8 property 3) for sdist-style "{name}-{version}"
// filename stems.
func splitDistVersion(stem, expectedName string) (dist, version string, err error) {
	parts := strings.Split(stem, "-")
	if len(parts) < 2 {
		return "", "", fmt.Errorf("expected at least one dash separating name from version: %q", stem)
	}

	if expectedName != "" {
		for i := len(parts) - 1; i >= 1; i-- {
			candidate := strings.Join(parts[:i], "-")
			if pep503.Normalize(candidate) == expectedName {
				return candidate, strings.Join(parts[i:], "-"), nil
			}
		}
		return "", "", fmt.Errorf("no dash-delimited prefix of %q normalizes to %q", stem, expectedName)
	}

	// No expected name to disambiguate with: fall back to "version is the last component",
	// which is correct for every real sdist filename whose distribution does not itself
	// contain a digit-looking trailing segment.
	return strings.Join(parts[:len(parts)-1], "-"), parts[len(parts)-1], nil
}

// ParseVersionOnly is a convenience used by index clients that only need the version out of a
// filename belonging to a known, already-normalized package, without caring which artifact kind
// it is (used to bucket ArtifactInfo by version before kind-specific filtering runs).
func ParseVersionOnly(filename, expectedName string) (*pep440.Version, error) {
	name, err := Parse(filename, expectedName)
	if err != nil {
		return nil, err
	}
	v := name.Version()
	return &v, nil
}
