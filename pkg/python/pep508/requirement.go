package pep508

/*
This file parses the requirement-string half of PEP 508:

specification = wsp* requirement
requirement   = name wsp* extras? wsp* versionspec? wsp* quoted_marker?
              | name wsp* extras? wsp* url_req wsp* (';' wsp* marker)?
name          = identifier wsp*
extras        = '[' wsp* identifier wsp* (',' wsp* identifier wsp*)* ']'
url_req       = urlspec wsp+ quoted_marker?
quoted_marker = ';' wsp* marker
urlspec       = '@' wsp* <URI_reference>
versionspec   = ( '(' version_many ')' ) | version_many
version_many  = version_one (wsp* ',' wsp* version_one)*
*/

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/datawire/pypkg/pkg/python/pep440"
	"github.com/datawire/pypkg/pkg/python/pep503"
)

// Requirement is a fully parsed PEP 508 requirement string, e.g.
// "requests[security,socks]>=2.25,!=2.26; python_version >= '3.6'".
type Requirement struct {
	// Name is exactly as written in the requirement string; use NormalizedName for
	// comparisons.
	Name string
	// Extras is the set of optional feature names requested, e.g. ["security", "socks"].
	Extras []string
	// Specifier constrains which versions of Name satisfy this requirement. Empty (not
	// nil) means "any version".
	Specifier pep440.Specifier
	// URL is set instead of Specifier for a direct-reference requirement
	// ("foo @ https://example.com/foo.whl").
	URL string
	// Marker gates whether this requirement applies at all in a given environment; nil
	// means "always applies".
	Marker Marker
}

// NormalizedName is Name run through the PEP 503 project-name normalization rule, suitable
// for use as a map key or an equality comparison against another requirement's name.
func (r Requirement) NormalizedName() string {
	return pep503.Normalize(r.Name)
}

var nameRe = regexp.MustCompile(`^[A-Za-z0-9](?:[A-Za-z0-9._-]*[A-Za-z0-9])?`)

// ParseRequirement parses a single PEP 508 requirement string.
func ParseRequirement(raw string) (*Requirement, error) {
	s := strings.TrimSpace(raw)

	name := nameRe.FindString(s)
	if name == "" {
		return nil, fmt.Errorf("pep508: requirement has no valid name: %q", raw)
	}
	s = strings.TrimSpace(s[len(name):])

	req := &Requirement{Name: name}

	if strings.HasPrefix(s, "[") {
		end := strings.IndexByte(s, ']')
		if end < 0 {
			return nil, fmt.Errorf("pep508: unterminated extras list: %q", raw)
		}
		for _, extra := range strings.Split(s[1:end], ",") {
			extra = strings.TrimSpace(extra)
			if extra != "" {
				req.Extras = append(req.Extras, extra)
			}
		}
		s = strings.TrimSpace(s[end+1:])
	}

	if strings.HasPrefix(s, "@") {
		s = strings.TrimSpace(s[1:])
		end := strings.IndexByte(s, ';')
		if end < 0 {
			req.URL = strings.TrimSpace(s)
			s = ""
		} else {
			req.URL = strings.TrimSpace(s[:end])
			s = s[end:]
		}
	} else {
		hasParens := strings.HasPrefix(s, "(")
		if hasParens {
			s = s[1:]
		}
		end := strings.IndexByte(s, ';')
		var specPart string
		if end < 0 {
			specPart, s = s, ""
		} else {
			specPart, s = s[:end], s[end:]
		}
		if hasParens {
			specPart = strings.TrimSuffix(strings.TrimSpace(specPart), ")")
		}
		specPart = strings.TrimSpace(specPart)
		if specPart != "" {
			spec, err := pep440.ParseSpecifier(specPart)
			if err != nil {
				return nil, fmt.Errorf("pep508: version specifier of %q: %w", raw, err)
			}
			req.Specifier = spec
		}
	}

	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, ";") {
		markerStr := strings.TrimSpace(s[1:])
		marker, err := ParseMarker(markerStr)
		if err != nil {
			return nil, fmt.Errorf("pep508: marker of %q: %w", raw, err)
		}
		req.Marker = marker
		s = ""
	}

	if strings.TrimSpace(s) != "" {
		return nil, fmt.Errorf("pep508: unexpected trailing text in %q: %q", raw, s)
	}

	return req, nil
}

// String renders the requirement back into PEP 508 syntax.
func (r Requirement) String() string {
	var b strings.Builder
	b.WriteString(r.Name)
	if len(r.Extras) > 0 {
		b.WriteByte('[')
		b.WriteString(strings.Join(r.Extras, ","))
		b.WriteByte(']')
	}
	switch {
	case r.URL != "":
		fmt.Fprintf(&b, " @ %s", r.URL)
	case len(r.Specifier) > 0:
		b.WriteString(r.Specifier.String())
	}
	if r.Marker != nil {
		fmt.Fprintf(&b, "; %s", r.Marker)
	}
	return b.String()
}
