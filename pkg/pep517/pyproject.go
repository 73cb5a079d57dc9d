// Package pep517 builds wheels (or just their metadata) from an sdist by invoking a PEP 517
// build backend inside a disposable virtual environment, implementing index.WheelBuilder for
// pkg/index.Fetcher's step 6 and supplying pkg/resolve with the packages that lack published
// wheel metadata. Grounded on original_source's rattler_installs_packages::wheel_builder
// (WheelBuilder, BuildEnvironment) for the pipeline shape, adapted to pkg/venv and
// pkg/python/pypa/bdist instead of the Rust crate's own venv/install code.
package pep517

import (
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// BuildSystem is the parsed [build-system] table of a project's pyproject.toml.
type BuildSystem struct {
	Requires     []string `toml:"requires"`
	BuildBackend string   `toml:"build-backend"`
	BackendPath  []string `toml:"backend-path"`
}

// defaultBuildSystem is substituted for a project with no pyproject.toml (or no [build-system]
// table), per PEP 517's documented fallback for legacy sdists.
func defaultBuildSystem() BuildSystem {
	return BuildSystem{
		Requires:     []string{"setuptools", "wheel"},
		BuildBackend: "setuptools.build_meta:__legacy__",
	}
}

// ReadBuildSystem reads and parses srcDir/pyproject.toml's [build-system] table, falling back to
// defaultBuildSystem when the file is absent or the table is missing, per PEP 517 §"Source
// trees".
func ReadBuildSystem(srcDir string) (BuildSystem, error) {
	raw, err := os.ReadFile(filepath.Join(srcDir, "pyproject.toml"))
	if os.IsNotExist(err) {
		return defaultBuildSystem(), nil
	}
	if err != nil {
		return BuildSystem{}, err
	}

	var doc struct {
		BuildSystem *BuildSystem `toml:"build-system"`
	}
	if err := toml.Unmarshal(raw, &doc); err != nil {
		return BuildSystem{}, err
	}
	if doc.BuildSystem == nil {
		return defaultBuildSystem(), nil
	}
	bs := *doc.BuildSystem
	if bs.BuildBackend == "" {
		// A [build-system] table that only pins `requires` (no declared backend) still
		// builds through the legacy setuptools bridge.
		bs.BuildBackend = "setuptools.build_meta:__legacy__"
	}
	if len(bs.Requires) == 0 {
		bs.Requires = []string{"setuptools", "wheel"}
	}
	return bs, nil
}
