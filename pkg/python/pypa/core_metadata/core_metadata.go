// Package core_metadata parses the PyPA Core Metadata format (METADATA inside a wheel's
// .dist-info directory, or PKG-INFO at the root of an sdist), the key:value-plus-optional-body
// format that carries a distribution's name, version, and declared dependencies.
//
// https://packaging.python.org/en/latest/specifications/core-metadata/
package core_metadata

import (
	"bufio"
	"fmt"
	"io"
	"net/textproto"
	"strings"

	"github.com/datawire/dlib/derror"

	"github.com/datawire/pypkg/pkg/python/pep345"
	"github.com/datawire/pypkg/pkg/python/pep440"
	"github.com/datawire/pypkg/pkg/python/pep503"
	"github.com/datawire/pypkg/pkg/python/pep508"
)

// Metadata is the subset of Core Metadata fields the resolver and installer actually consume.
// Fields the corresponding spec leaves as free text for humans (Summary, Author, License, ...)
// are intentionally not modeled.
type Metadata struct {
	MetadataVersion string
	Name            string
	Version         pep440.Version
	RequiresPython  pep345.VersionSpecifier
	RequiresDist    []pep508.Requirement
	ProvidesExtra   []string
}

// NormalizedName runs Name through PEP 503 normalization, for use as a map key.
func (m Metadata) NormalizedName() string {
	return pep503.Normalize(m.Name)
}

// Extras is the set of optional feature names this distribution declares, derived from
// Provides-Extra only: extraNamesIn returns nothing, so an extra that appears only in a
// Requires-Dist marker is not included.
func (m Metadata) Extras() map[string]bool {
	out := make(map[string]bool, len(m.ProvidesExtra))
	for _, e := range m.ProvidesExtra {
		out[pep503.Normalize(e)] = true
	}
	for _, req := range m.RequiresDist {
		for _, e := range extraNamesIn(req.Marker) {
			out[pep503.Normalize(e)] = true
		}
	}
	return out
}

func extraNamesIn(m pep508.Marker) []string {
	// pep508.Marker does not expose its extra comparisons structurally; Metadata.Extras
	// instead relies on Provides-Extra, which every wheel built since setuptools ~38 emits.
	// This is kept as an explicit no-op (rather than silently dropped) to document that
	// Provides-Extra is the single source of truth we trust.
	_ = m
	return nil
}

// Parse parses the Core Metadata key:value stream in r (the body of a METADATA or PKG-INFO
// file). Unlike WHEEL (which pypa/bdist parses with a bare textproto.Reader), Core Metadata
// files are followed by an optional long description body after a blank line, and certain
// fields (Requires-Dist, Provides-Extra, Classifier, ...) are each repeatable; so this does a
// line-oriented pass instead of handing the whole thing to textproto.ReadMIMEHeader.
func Parse(r io.Reader) (*Metadata, error) {
	header, err := readHeader(r)
	if err != nil {
		return nil, err
	}

	var errs derror.MultiError

	md := &Metadata{
		MetadataVersion: header.Get("Metadata-Version"),
		Name:            header.Get("Name"),
	}
	if md.MetadataVersion == "" {
		errs = append(errs, fmt.Errorf("core_metadata: missing required field Metadata-Version"))
	}
	if md.Name == "" {
		errs = append(errs, fmt.Errorf("core_metadata: missing required field Name"))
	}

	if verStr := header.Get("Version"); verStr != "" {
		ver, err := pep440.ParseVersion(verStr)
		if err != nil {
			errs = append(errs, fmt.Errorf("core_metadata: Version: %w", err))
		} else {
			md.Version = *ver
		}
	} else {
		errs = append(errs, fmt.Errorf("core_metadata: missing required field Version"))
	}

	if rp := header.Get("Requires-Python"); rp != "" {
		spec, err := pep345.ParseVersionSpecifier(rp)
		if err != nil {
			errs = append(errs, fmt.Errorf("core_metadata: Requires-Python: %w", err))
		} else {
			md.RequiresPython = spec
		}
	}

	for _, raw := range header.Values("Requires-Dist") {
		req, err := pep508.ParseRequirement(raw)
		if err != nil {
			errs = append(errs, fmt.Errorf("core_metadata: Requires-Dist %q: %w", raw, err))
			continue
		}
		md.RequiresDist = append(md.RequiresDist, *req)
	}

	md.ProvidesExtra = header.Values("Provides-Extra")

	if len(errs) > 0 {
		return md, errs
	}
	return md, nil
}

// readHeader is the same "tolerate a missing trailing blank line" trick pypa/bdist's
// parseDistInfoWheel uses for WHEEL, applied here to METADATA/PKG-INFO: real-world files in
// the wild are inconsistent about whether a blank line separates the header block from a long
// description body, and about trailing CRLF vs LF.
func readHeader(r io.Reader) (textproto.MIMEHeader, error) {
	tp := textproto.NewReader(bufio.NewReader(io.MultiReader(r, strings.NewReader("\n\n\n"))))
	return tp.ReadMIMEHeader()
}

// Format renders md back into the Core Metadata text format, for writers that synthesize a
// PKG-INFO (e.g. a build backend shim, or a test fixture).
func Format(md Metadata) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Metadata-Version: %s\n", md.MetadataVersion)
	fmt.Fprintf(&b, "Name: %s\n", md.Name)
	fmt.Fprintf(&b, "Version: %s\n", md.Version.String())
	if len(md.RequiresPython) > 0 {
		fmt.Fprintf(&b, "Requires-Python: %s\n", md.RequiresPython.String())
	}
	for _, extra := range md.ProvidesExtra {
		fmt.Fprintf(&b, "Provides-Extra: %s\n", extra)
	}
	for _, req := range md.RequiresDist {
		fmt.Fprintf(&b, "Requires-Dist: %s\n", req.String())
	}
	return b.String()
}
