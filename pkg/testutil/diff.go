// Copyright (C) 2021-2022  Ambassador Labs
//
// SPDX-License-Identifier: Apache-2.0

package testutil

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"text/tabwriter"

	"github.com/davecgh/go-spew/spew"
	"github.com/pmezard/go-difflib/difflib"
)

// DumpTreeFull renders every file under root, including content, for use in failure messages
// when a listing-only diff isn't enough to see what went wrong.
func DumpTreeFull(root string) (str string, err error) {
	spewConfig := spew.ConfigState{ //nolint:exhaustivestruct
		Indent:                  "  ",
		DisableCapacities:       true,
		DisablePointerAddresses: true,
		SortKeys:                true,
	}

	ret := new(strings.Builder)

	err = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if p == root {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(ret, "fileInfo[%s] = %s", rel, spewConfig.Sdump(info.Mode(), info.Size())); err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		content, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(ret, "fileContent[%s] =%s", rel, spewConfig.Sdump(content)); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	return ret.String(), nil
}

// DumpTreeListing renders a "ls -lR"-ish listing of root, used for a fast first-pass diff.
func DumpTreeListing(root string) (str string, err error) {
	ret := new(strings.Builder)

	table := tabwriter.NewWriter(
		ret, // output
		0,   // minwidth
		1,   // tabwidth
		1,   // padding
		' ', // padchar
		0)   // flags

	err = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if p == root {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(table, strings.Join([]string{
			"",
			info.Mode().String(),
			fmt.Sprintf("% 10d", info.Size()),
			filepath.ToSlash(rel),
		}, "\t"))
		return err
	})
	if err != nil {
		return "", err
	}
	if err := table.Flush(); err != nil {
		return "", err
	}

	return ret.String(), nil
}

func AssertEqualTrees(t *testing.T, expDir, actDir string) bool {
	t.Helper()
	if keep, _ := strconv.ParseBool(os.Getenv("GOTEST_OCIBUILD_KEEPTREES")); keep {
		t.Logf("expected tree kept at %s", expDir)
		t.Logf("actual tree kept at %s", actDir)
	}

	// First just compare the listings, in order to "fail fast" and give more readable output.
	expStr, err := DumpTreeListing(expDir)
	if err != nil {
		t.Errorf("error dumping expected tree listing: %v", err)
		return false
	}
	actStr, err := DumpTreeListing(actDir)
	if err != nil {
		t.Errorf("error dumping actual tree listing: %v", err)
		return false
	}
	if expStr != actStr {
		diff, _ := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{ //nolint:exhaustivestruct
			A:        difflib.SplitLines(expStr),
			B:        difflib.SplitLines(actStr),
			FromFile: "Expected",
			ToFile:   "Actual",
			Context:  1,
		})
		t.Errorf("Listing diff:\n%s", diff)
		keepGoing := false
		if lines := strings.Split(diff, "\n"); len(lines) > 3 {
			var del, add int
			for _, line := range lines[3:] {
				switch {
				case strings.HasPrefix(line, "-"):
					del++
				case strings.HasPrefix(line, "+"):
					add++
				}
			}
			if del == 1 && add == 1 {
				keepGoing = true
			}
		}
		if !keepGoing {
			return false
		}
	}

	// OK, that passed, now do a more comprehensive diff.
	expStr, err = DumpTreeFull(expDir)
	if err != nil {
		t.Errorf("error dumping expected tree: %v", err)
		return false
	}
	actStr, err = DumpTreeFull(actDir)
	if err != nil {
		t.Errorf("error dumping actual tree: %v", err)
		return false
	}
	if expStr != actStr {
		diff, _ := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{ //nolint:exhaustivestruct
			A:        difflib.SplitLines(expStr),
			B:        difflib.SplitLines(actStr),
			FromFile: "Expected",
			ToFile:   "Actual",
			Context:  10,
		})
		t.Errorf("Full diff:\n%s", diff)
		return false
	}

	return true
}
