package pep508_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datawire/pypkg/pkg/python/pep508"
)

func TestParseRequirement(t *testing.T) {
	t.Parallel()
	testcases := map[string]struct {
		In         string
		Name       string
		Extras     []string
		URL        string
		WantMarker bool
		WantErr    bool
	}{
		"bare":       {In: "requests", Name: "requests"},
		"specifier":  {In: "requests>=2.25,!=2.26", Name: "requests"},
		"extras":     {In: "requests[security,socks]", Name: "requests", Extras: []string{"security", "socks"}},
		"marker":     {In: "requests; python_version >= '3.6'", Name: "requests", WantMarker: true},
		"everything": {
			In:         "requests[security] (>=2.25) ; python_version >= '3.6' and extra == 'security'",
			Name:       "requests",
			Extras:     []string{"security"},
			WantMarker: true,
		},
		"url": {In: "requests @ https://example.com/requests.whl", Name: "requests", URL: "https://example.com/requests.whl"},
		"bad-name": {In: "!!!", WantErr: true},
	}
	for tcName, tc := range testcases {
		tc := tc
		t.Run(tcName, func(t *testing.T) {
			t.Parallel()
			req, err := pep508.ParseRequirement(tc.In)
			if tc.WantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.Name, req.Name)
			assert.Equal(t, tc.Extras, req.Extras)
			assert.Equal(t, tc.URL, req.URL)
			assert.Equal(t, tc.WantMarker, req.Marker != nil)
		})
	}
}

func TestMarkerEval(t *testing.T) {
	t.Parallel()
	env := pep508.Environment{
		PythonVersion: "3.9",
		SysPlatform:   "linux",
	}

	testcases := map[string]struct {
		Marker string
		Extras map[string]bool
		Want   bool
	}{
		"version-match":    {"python_version >= '3.6'", nil, true},
		"version-nomatch":  {"python_version < '3.0'", nil, false},
		"and":              {"python_version >= '3.6' and sys_platform == 'linux'", nil, true},
		"or":               {"sys_platform == 'win32' or sys_platform == 'linux'", nil, true},
		"extra-requested":  {"extra == 'dev'", map[string]bool{"dev": true}, true},
		"extra-not-requested": {"extra == 'dev'", nil, false},
		"parens": {"(sys_platform == 'linux')", nil, true},
	}
	for tcName, tc := range testcases {
		tc := tc
		t.Run(tcName, func(t *testing.T) {
			t.Parallel()
			m, err := pep508.ParseMarker(tc.Marker)
			require.NoError(t, err)
			assert.Equal(t, tc.Want, m.Eval(env, tc.Extras))
		})
	}
}
