// Package venv builds disposable virtual environments: the directory layout, pyvenv.cfg, and
// interpreter aliases a build backend or an installed wheel expects to find, independent of
// whatever real site-packages the host interpreter itself uses.
//
// Grounded on original_source's rattler_installs_packages::python_env::venv (InstallPaths::for_venv,
// VEnv::create_install_paths/create_pyvenv/setup_python) and on pyinspect.Dynamic for everything
// that has to come from actually running the base interpreter.
package venv

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/datawire/dlib/dexec"

	"github.com/datawire/pypkg/pkg/python/pyinspect"
)

// InstallPaths is the directory layout of a virtual environment, every path relative to the
// venv's root. Unlike python.Scheme (the *real* interpreter's site-packages, shared system-wide),
// purelib and platlib coincide here -- https://stackoverflow.com/a/27882460 -- since a venv has no
// notion of separate arch-specific site-packages.
type InstallPaths struct {
	PureLib string
	PlatLib string
	Scripts string
	Include string
	Data    string
	Windows bool
}

// ForVenv computes the venv-relative InstallPaths for a CPython major.minor release, matching
// what the standard library's venv module (and distlib/pip after it) lays out.
func ForVenv(major, minor int, windows bool) InstallPaths {
	if windows {
		return InstallPaths{
			PureLib: filepath.Join("Lib", "site-packages"),
			PlatLib: filepath.Join("Lib", "site-packages"),
			Scripts: "Scripts",
			Include: "Include",
			Data:    "",
			Windows: true,
		}
	}
	sitePackages := filepath.Join("lib", fmt.Sprintf("python%d.%d", major, minor), "site-packages")
	return InstallPaths{
		PureLib: sitePackages,
		PlatLib: sitePackages,
		Scripts: "bin",
		Include: filepath.Join("include", fmt.Sprintf("python%d.%d", major, minor)),
		Data:    "",
		Windows: false,
	}
}

// is64BitUnix reports whether lib64 should be symlinked to lib, per
// https://bugs.python.org/issue21197: 64-bit non-macOS POSIX only.
func is64BitUnix() bool {
	if runtime.GOOS == "windows" || runtime.GOOS == "darwin" {
		return false
	}
	return strings.HasSuffix(runtime.GOARCH, "64")
}

// VEnv is a created virtual environment.
type VEnv struct {
	Root  string
	Paths InstallPaths

	baseExe string
	info    *pyinspect.DynamicInfo
}

// Info returns the base interpreter's introspected characteristics (version, magic number, wheel
// tags, real-interpreter scheme), captured once at Create time so that callers installing
// further wheels into this venv (pkg/pep517's build-requirement step) don't need to re-invoke
// the interpreter just to learn facts that can't have changed since.
func (v *VEnv) Info() *pyinspect.DynamicInfo { return v.info }

// PythonExe returns the absolute path to this venv's own interpreter alias.
func (v *VEnv) PythonExe() string {
	name := "python"
	if v.Paths.Windows {
		name = "python.exe"
	}
	return filepath.Join(v.Root, v.Paths.Scripts, name)
}

// Join resolves a venv-relative install category to an absolute path under Root.
func (v *VEnv) Join(rel string) string { return filepath.Join(v.Root, rel) }

// Create builds a fresh virtual environment at destDir from baseInterpreter (a command or path
// accepted by dexec/os/exec, e.g. "python3" or an absolute path), populating destDir's directory
// tree, pyvenv.cfg, and interpreter aliases.
func Create(ctx context.Context, baseInterpreter, destDir string) (*VEnv, error) {
	info, err := pyinspect.Dynamic(ctx, baseInterpreter)
	if err != nil {
		return nil, fmt.Errorf("venv: inspecting base interpreter %q: %w", baseInterpreter, err)
	}

	resolvedBase, err := dexec.LookPath(baseInterpreter)
	if err != nil {
		return nil, fmt.Errorf("venv: locating base interpreter %q: %w", baseInterpreter, err)
	}

	v := &VEnv{
		Root:    destDir,
		Paths:   ForVenv(info.VersionInfo.Major, info.VersionInfo.Minor, runtime.GOOS == "windows"),
		baseExe: resolvedBase,
		info:    info,
	}

	if err := v.createDirs(); err != nil {
		return nil, err
	}
	if err := v.writeConfig(); err != nil {
		return nil, err
	}
	if err := v.setupInterpreter(); err != nil {
		return nil, err
	}
	return v, nil
}

func (v *VEnv) createDirs() error {
	for _, rel := range []string{v.Paths.PureLib, v.Paths.PlatLib, v.Paths.Scripts, v.Paths.Include} {
		if err := os.MkdirAll(v.Join(rel), 0o777); err != nil {
			return fmt.Errorf("venv: create %s: %w", rel, err)
		}
	}
	if !v.Paths.Windows && is64BitUnix() {
		lib64 := filepath.Join(v.Root, "lib64")
		if _, err := os.Lstat(lib64); os.IsNotExist(err) {
			if err := os.Symlink("lib", lib64); err != nil {
				return fmt.Errorf("venv: symlink lib64: %w", err)
			}
		}
	}
	return nil
}

// writeConfig writes pyvenv.cfg with the keys a standard-library venv reads back (home,
// include-system-site-packages, version, prompt); PEP 405 only mandates "home", but every real
// consumer (site.py, pip's own venv detection) also expects these.
func (v *VEnv) writeConfig() error {
	prompt := filepath.Base(v.Root)
	cfg := fmt.Sprintf(
		"home = %s\ninclude-system-site-packages = false\nversion = %d.%d.%d\nprompt = %s\nexecutable = %s\n",
		filepath.Dir(v.baseExe),
		v.info.VersionInfo.Major, v.info.VersionInfo.Minor, v.info.VersionInfo.Micro,
		prompt,
		v.baseExe,
	)
	return os.WriteFile(filepath.Join(v.Root, "pyvenv.cfg"), []byte(cfg), 0o666)
}

// setupInterpreter symlinks (Unix) or copies (Windows) the base interpreter into the venv's
// scripts directory under every alias name a build backend or activate script might look for.
func (v *VEnv) setupInterpreter() error {
	exePath := v.PythonExe()
	if err := linkOrCopy(v.baseExe, exePath); err != nil {
		return fmt.Errorf("venv: install interpreter: %w", err)
	}

	var aliases []string
	if v.Paths.Windows {
		aliases = []string{"python.exe", "pythonw.exe"}
	} else {
		aliases = []string{
			"python",
			"python3",
			fmt.Sprintf("python%d.%d", v.info.VersionInfo.Major, v.info.VersionInfo.Minor),
		}
	}
	for _, name := range aliases {
		alias := filepath.Join(v.Root, v.Paths.Scripts, name)
		if alias == exePath {
			continue
		}
		if _, err := os.Lstat(alias); err == nil {
			continue
		}
		if err := linkOrCopy(exePath, alias); err != nil {
			return fmt.Errorf("venv: alias %s: %w", name, err)
		}
	}
	return nil
}

func linkOrCopy(src, dst string) error {
	if runtime.GOOS == "windows" {
		data, err := os.ReadFile(src)
		if err != nil {
			return err
		}
		return os.WriteFile(dst, data, 0o777)
	}
	return os.Symlink(src, dst)
}

