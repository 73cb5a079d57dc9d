package pep517

import (
	"archive/zip"
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/datawire/dlib/dexec"
	"github.com/datawire/dlib/dlog"

	"github.com/datawire/pypkg/pkg/fsutil"
	"github.com/datawire/pypkg/pkg/index"
	"github.com/datawire/pypkg/pkg/python"
	"github.com/datawire/pypkg/pkg/python/pep425"
	"github.com/datawire/pypkg/pkg/python/pep508"
	"github.com/datawire/pypkg/pkg/python/pypa/bdist"
	"github.com/datawire/pypkg/pkg/python/pypa/core_metadata"
	"github.com/datawire/pypkg/pkg/resolve"
	"github.com/datawire/pypkg/pkg/venv"
)

//go:embed frontend.py
var frontendScript []byte

// Build frontend stage names, matching the stage argument original_source's BuildEnvironment
// passes its own embedded frontend (self.run_command("GetRequiresForBuildWheel") and friends) --
// one subprocess invocation per PEP 517 hook.
const (
	stageGetRequiresForBuildWheel = "GetRequiresForBuildWheel"
	stageWheelMetadata            = "WheelMetadata"
	stageWheel                    = "Wheel"

	// frontendExitUnsupported is the exit code frontend.py uses for
	// prepare_metadata_for_build_wheel being absent, mirroring PEP 517's own convention for
	// "this hook isn't implemented, fall back to the next one".
	frontendExitUnsupported = 50
)

var errUnsupportedHook = errors.New("pep517: build backend does not implement this hook")

// Options configures a Builder.
type Options struct {
	// Interpreter is the base Python interpreter command/path used to create each disposable
	// build venv (e.g. "python3").
	Interpreter string

	// Client and Fetcher supply build-requirement resolution: installing a sdist's declared
	// and backend-reported requirements may itself need to consult the package index and,
	// transitively, build further sdists (SPEC_FULL.md §4.6's "may itself recurse").
	Client  *index.Client
	Fetcher *index.Fetcher

	// Tags and MarkerEnv describe the environment wheels are being built for; Tags also
	// governs which of a build requirement's candidates may be installed, and MarkerEnv's
	// PythonVersion ("major.minor") keys the built-wheel cache alongside the sdist hash.
	Tags      pep425.Installer
	MarkerEnv pep508.Environment

	// Cache stores built wheel bytes, content-addressed by sdist hash and target Python
	// version, so that a wheel built once to answer a metadata query is not rebuilt when the
	// resolver later asks to install it. Required.
	Cache *index.Store

	// WorkRoot is the parent directory under which per-build temp directories (extracted
	// sdist, build venv, frontend script, result files) are created; "" uses os.TempDir.
	WorkRoot string

	// KeepFailedBuilds leaves a failed build's work directory on disk (logged at Warn) for
	// post-mortem inspection instead of removing it.
	KeepFailedBuilds bool

	// CleanEnv runs the build frontend with an empty environment plus EnvVariables (and the
	// venv's own PATH) instead of inheriting the caller's os.Environ().
	CleanEnv     bool
	EnvVariables map[string]string
}

// Builder implements index.WheelBuilder (step 6 of Fetcher.Fetch) and exposes BuildWheel for
// pkg/resolve's install step to obtain actual wheel bytes for a package with no published wheel.
// Grounded on original_source's WheelBuilder/BuildEnvironment, adapted to pkg/venv for the
// isolated environment and pkg/python/pypa/bdist for installing build requirements into it.
type Builder struct {
	opts Options
}

var _ index.WheelBuilder = (*Builder)(nil)

func NewBuilder(opts Options) *Builder {
	return &Builder{opts: opts}
}

// BuildMetadata implements index.WheelBuilder: it runs the WheelMetadata hook when the backend
// supports it, falling back to building (and caching) the full wheel and reading METADATA back
// out of it when the backend doesn't implement prepare_metadata_for_build_wheel.
func (b *Builder) BuildMetadata(ctx context.Context, artifactBody io.Reader, filename string) (*core_metadata.Metadata, error) {
	sdist, err := io.ReadAll(artifactBody)
	if err != nil {
		return nil, fmt.Errorf("pep517: reading sdist %s: %w", filename, err)
	}

	key := b.cacheKey(sdist)
	if cached, err := b.opts.Cache.Get(key); err == nil {
		data, rerr := io.ReadAll(cached)
		cached.Close()
		if rerr == nil {
			return readWheelMetadata(data)
		}
	}

	md, wheelData, err := b.buildMetadataOrWheel(ctx, bytes.NewReader(sdist), filename, false)
	if err != nil {
		return nil, err
	}
	if wheelData != nil {
		if cerr := b.storeWheel(key, wheelData); cerr != nil {
			return nil, cerr
		}
		if md == nil {
			return readWheelMetadata(wheelData)
		}
	}
	return md, nil
}

// BuildWheel returns the built wheel's bytes for sdist artifactBody, building it (and populating
// the cache) if a cached copy from an earlier BuildMetadata or BuildWheel call isn't available.
func (b *Builder) BuildWheel(ctx context.Context, artifactBody io.Reader, filename string) ([]byte, error) {
	sdist, err := io.ReadAll(artifactBody)
	if err != nil {
		return nil, fmt.Errorf("pep517: reading sdist %s: %w", filename, err)
	}

	key := b.cacheKey(sdist)
	if cached, err := b.opts.Cache.Get(key); err == nil {
		data, rerr := io.ReadAll(cached)
		cached.Close()
		if rerr == nil {
			return data, nil
		}
	}

	_, wheelData, err := b.buildMetadataOrWheel(ctx, bytes.NewReader(sdist), filename, true)
	if err != nil {
		return nil, err
	}
	if err := b.storeWheel(key, wheelData); err != nil {
		return nil, err
	}
	return wheelData, nil
}

func (b *Builder) cacheKey(sdist []byte) []byte {
	return []byte(fmt.Sprintf("built-wheel:%x:v%s", sha256Sum(sdist), b.opts.MarkerEnv.PythonVersion))
}

func (b *Builder) storeWheel(key []byte, data []byte) error {
	rc, err := b.opts.Cache.GetOrSet(key, func(w io.Writer) error {
		_, err := w.Write(data)
		return err
	})
	if err != nil {
		return err
	}
	return rc.Close()
}

func readWheelMetadata(wheelData []byte) (*core_metadata.Metadata, error) {
	zr, err := zip.NewReader(bytes.NewReader(wheelData), int64(len(wheelData)))
	if err != nil {
		return nil, fmt.Errorf("pep517: built wheel is not a valid zip: %w", err)
	}
	var metaFile *zip.File
	for _, f := range zr.File {
		dir := path.Dir(f.Name)
		if strings.HasSuffix(dir, ".dist-info") && path.Base(f.Name) == "METADATA" {
			metaFile = f
			break
		}
	}
	if metaFile == nil {
		return nil, fmt.Errorf("pep517: built wheel has no *.dist-info/METADATA entry")
	}
	rc, err := metaFile.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return core_metadata.Parse(rc)
}

// buildMetadataOrWheel runs the full pipeline described by SPEC_FULL.md §4.6: extract the sdist,
// read its build-system declaration, create an isolated venv, install declared build
// requirements, ask the backend what else it needs and install that too, then run either the
// WheelMetadata hook (wantWheel false) or go straight to the Wheel hook (wantWheel true),
// falling back to the latter whenever the former isn't implemented.
func (b *Builder) buildMetadataOrWheel(
	ctx context.Context, sdist io.Reader, filename string, wantWheel bool,
) (md *core_metadata.Metadata, wheelData []byte, err error) {
	workDir, mkErr := os.MkdirTemp(b.opts.WorkRoot, "pep517-build-")
	if mkErr != nil {
		return nil, nil, mkErr
	}
	defer func() {
		if err != nil && b.opts.KeepFailedBuilds {
			dlog.Warnf(ctx, "pep517: build of %s failed, keeping %s for inspection", filename, workDir)
			return
		}
		os.RemoveAll(workDir)
	}()

	srcDir := filepath.Join(workDir, "src")
	if err = os.MkdirAll(srcDir, 0o777); err != nil {
		return nil, nil, err
	}
	if err = ExtractArchive(filename, sdist, srcDir); err != nil {
		return nil, nil, fmt.Errorf("pep517: extracting %s: %w", filename, err)
	}

	var bs BuildSystem
	if bs, err = ReadBuildSystem(srcDir); err != nil {
		return nil, nil, fmt.Errorf("pep517: reading pyproject.toml: %w", err)
	}

	var backendPath []string
	if backendPath, err = normalizeBackendPath(srcDir, bs.BackendPath); err != nil {
		return nil, nil, err
	}

	var env *venv.VEnv
	if env, err = venv.Create(ctx, b.opts.Interpreter, filepath.Join(workDir, "venv")); err != nil {
		return nil, nil, fmt.Errorf("pep517: creating build venv: %w", err)
	}

	if err = b.installRequirements(ctx, env, bs.Requires); err != nil {
		return nil, nil, fmt.Errorf("pep517: installing declared build requirements: %w", err)
	}

	getReqErr := b.runFrontend(ctx, env, workDir, srcDir, bs.BuildBackend, backendPath, stageGetRequiresForBuildWheel)
	if getReqErr != nil && !errors.Is(getReqErr, errUnsupportedHook) {
		return nil, nil, fmt.Errorf("pep517: %s: %w", stageGetRequiresForBuildWheel, getReqErr)
	}
	if getReqErr == nil {
		var extra []string
		if extra, err = readJSONStringList(filepath.Join(workDir, "extra_requirements.json")); err != nil {
			return nil, nil, fmt.Errorf("pep517: reading extra build requirements: %w", err)
		}
		if len(extra) > 0 {
			// Union with the declared requires and re-resolve/install the combined
			// set, rather than tracking which names were already installed.
			combined := append(append([]string{}, bs.Requires...), extra...)
			if err = b.installRequirements(ctx, env, combined); err != nil {
				return nil, nil, fmt.Errorf("pep517: installing backend-requested build requirements: %w", err)
			}
		}
	}

	if !wantWheel {
		metaErr := b.runFrontend(ctx, env, workDir, srcDir, bs.BuildBackend, backendPath, stageWheelMetadata)
		if metaErr == nil {
			var dirRel []byte
			if dirRel, err = os.ReadFile(filepath.Join(workDir, "metadata_result")); err != nil {
				return nil, nil, fmt.Errorf("pep517: %s did not report a metadata directory: %w", stageWheelMetadata, err)
			}
			if md, err = readDistInfoDir(filepath.Join(workDir, strings.TrimSpace(string(dirRel)))); err != nil {
				return nil, nil, err
			}
			return md, nil, nil
		}
		if !errors.Is(metaErr, errUnsupportedHook) {
			return nil, nil, fmt.Errorf("pep517: %s: %w", stageWheelMetadata, metaErr)
		}
	}

	if err = b.runFrontend(ctx, env, workDir, srcDir, bs.BuildBackend, backendPath, stageWheel); err != nil {
		return nil, nil, fmt.Errorf("pep517: %s: %w", stageWheel, err)
	}
	var wheelRel []byte
	if wheelRel, err = os.ReadFile(filepath.Join(workDir, "wheel_result")); err != nil {
		return nil, nil, fmt.Errorf("pep517: %s did not report a built wheel: %w", stageWheel, err)
	}
	if wheelData, err = os.ReadFile(filepath.Join(workDir, strings.TrimSpace(string(wheelRel)))); err != nil {
		return nil, nil, fmt.Errorf("pep517: reading built wheel: %w", err)
	}
	return nil, wheelData, nil
}

func readDistInfoDir(dir string) (*core_metadata.Metadata, error) {
	f, err := os.Open(filepath.Join(dir, "METADATA"))
	if err != nil {
		return nil, fmt.Errorf("pep517: %w", err)
	}
	defer f.Close()
	return core_metadata.Parse(f)
}

// installRequirements resolves reqs (PEP 508 requirement strings) against the package index,
// preferring wheels even when the project's own resolution favors sdists: a build backend that
// is itself only published as an sdist which requires itself to build (setuptools, hatchling)
// would otherwise be an infinite regress, per original_source's SDistResolution::OnlySDists ->
// PreferWheels downgrade. The resolved set is then installed directly into env's site-packages
// via bdist.InstallWheel.
func (b *Builder) installRequirements(ctx context.Context, env *venv.VEnv, reqs []string) error {
	if len(reqs) == 0 {
		return nil
	}
	var roots []pep508.Requirement
	for _, raw := range reqs {
		req, err := pep508.ParseRequirement(raw)
		if err != nil {
			return fmt.Errorf("pep517: parsing build requirement %q: %w", raw, err)
		}
		roots = append(roots, *req)
	}

	provider := resolve.NewIndexProvider(b.opts.Client, b.opts.Fetcher, resolve.Options{
		Tags:            env.Info().Tags,
		SDistResolution: resolve.SDistPreferWheels,
		MarkerEnv:       b.opts.MarkerEnv,
	})
	pins, err := resolve.NewResolver(provider, resolve.Options{
		Tags:            env.Info().Tags,
		SDistResolution: resolve.SDistPreferWheels,
		MarkerEnv:       b.opts.MarkerEnv,
	}).Resolve(ctx, roots)
	if err != nil {
		return fmt.Errorf("pep517: resolving build requirements: %w", err)
	}

	plat := b.platformFor(env)
	for _, pin := range pins {
		wheelPath, cleanup, err := b.getWheel(ctx, pin)
		if err != nil {
			return fmt.Errorf("pep517: obtaining wheel for build requirement %s: %w", pin.Name, err)
		}
		_, err = bdist.InstallWheel(ctx, plat, time.Time{}, time.Time{}, wheelPath, env.Root, nil)
		cleanup()
		if err != nil {
			return fmt.Errorf("pep517: installing build requirement %s: %w", pin.Name, err)
		}
	}
	return nil
}

// getWheel materializes pin as a wheel file on disk, downloading a published wheel artifact
// directly or, for an sdist-only pin, recursing through BuildWheel (SPEC_FULL.md §4.6's "may
// itself recurse through this pipeline"). The returned cleanup removes the temp file.
func (b *Builder) getWheel(ctx context.Context, pin resolve.PinnedPackage) (path string, cleanup func(), err error) {
	var art *index.ArtifactInfo
	for i := range pin.Artifacts {
		if pin.Artifacts[i].Name != nil && pin.Artifacts[i].Name.Wheel != nil {
			art = &pin.Artifacts[i]
			break
		}
	}

	if art != nil {
		data, err := b.download(ctx, art.URL)
		if err != nil {
			return "", nil, err
		}
		return b.writeTemp(art.Filename, data)
	}

	for i := range pin.Artifacts {
		if pin.Artifacts[i].Name == nil || pin.Artifacts[i].Name.SDist == nil {
			continue
		}
		sdistInfo := &pin.Artifacts[i]
		data, err := b.download(ctx, sdistInfo.URL)
		if err != nil {
			continue
		}
		wheelData, err := b.BuildWheel(ctx, bytes.NewReader(data), sdistInfo.Filename)
		if err != nil {
			return "", nil, err
		}
		return b.writeTemp(pin.Name+".whl", wheelData)
	}

	return "", nil, fmt.Errorf("pep517: %s has neither a wheel nor an sdist artifact", pin.Name)
}

func (b *Builder) download(ctx context.Context, url string) ([]byte, error) {
	resp, err := b.opts.Fetcher.Cache.Request(ctx, url, http.MethodGet, nil, index.Default)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	r, err := resp.Body.Reader()
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

func (b *Builder) writeTemp(name string, data []byte) (string, func(), error) {
	f, err := os.CreateTemp(b.opts.WorkRoot, "pep517-artifact-*-"+filepath.Base(name))
	if err != nil {
		return "", nil, err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", nil, err
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", nil, err
	}
	return f.Name(), func() { os.Remove(f.Name()) }, nil
}

// platformFor builds the python.Platform bdist.InstallWheel needs to unpack a build requirement
// wheel into env, reusing the characteristics pyinspect already captured when env was created
// instead of re-invoking its interpreter.
func (b *Builder) platformFor(env *venv.VEnv) python.Platform {
	info := env.Info()
	return python.Platform{
		ConsoleShebang:   env.PythonExe(),
		GraphicalShebang: env.PythonExe(),
		Scheme: python.Scheme{
			PureLib: env.Join(env.Paths.PureLib),
			PlatLib: env.Join(env.Paths.PlatLib),
			Headers: env.Join(env.Paths.Include),
			Scripts: env.Join(env.Paths.Scripts),
			Data:    env.Root,
		},
		VersionInfo: &info.VersionInfo,
		MagicNumber: magicNumberBytes(info.MagicNumberB64),
		Tags:        info.Tags,
		PyCompile:   noopCompile,
	}
}

func noopCompile(context.Context, time.Time, []string, []fsutil.FileReference) ([]fsutil.FileReference, error) {
	return nil, nil
}

// runFrontend invokes the embedded frontend script inside env for a single PEP 517 stage,
// mirroring original_source's BuildEnvironment::run_command: cwd set to the package directory,
// PATH extended (not replaced) with the venv's scripts directory, and PEP517_BACKEND_PATH set
// when the project declared one.
func (b *Builder) runFrontend(
	ctx context.Context, env *venv.VEnv, workDir, srcDir, entryPoint string, backendPath []string, stage string,
) error {
	scriptPath := filepath.Join(workDir, "build_frontend.py")
	if err := os.WriteFile(scriptPath, frontendScript, 0o666); err != nil {
		return err
	}

	cmd := dexec.CommandContext(ctx, env.PythonExe(), scriptPath, workDir, entryPoint, stage)
	cmd.Dir = srcDir
	cmd.Env = frontendEnv(env, backendPath, b.opts.CleanEnv, b.opts.EnvVariables)

	out, err := cmd.CombinedOutput()
	if err != nil {
		var exitErr *dexec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == frontendExitUnsupported {
			return errUnsupportedHook
		}
		return fmt.Errorf("%w:\n%s", err, out)
	}
	return nil
}

// frontendEnv builds the child environment. With cleanEnv, the frontend sees nothing but
// envVariables plus a PATH consisting solely of the venv's scripts directory; otherwise
// os.Environ() is kept, with its PATH entry replaced (not appended to, since the first PATH wins
// in environ lookup) by one that also has the venv's scripts directory prepended. In both cases
// PEP517_BACKEND_PATH is set when backendPath is non-empty.
func frontendEnv(env *venv.VEnv, backendPath []string, cleanEnv bool, envVariables map[string]string) []string {
	scriptsDir := env.Join(env.Paths.Scripts)

	var out []string
	if cleanEnv {
		for k, v := range envVariables {
			out = append(out, k+"="+v)
		}
		out = append(out, "PATH="+scriptsDir)
	} else {
		base := os.Environ()
		out = make([]string, 0, len(base)+len(envVariables)+1)
		found := false
		for _, kv := range base {
			if strings.HasPrefix(kv, "PATH=") {
				out = append(out, "PATH="+scriptsDir+string(os.PathListSeparator)+strings.TrimPrefix(kv, "PATH="))
				found = true
				continue
			}
			out = append(out, kv)
		}
		if !found {
			out = append(out, "PATH="+scriptsDir)
		}
		for k, v := range envVariables {
			out = append(out, k+"="+v)
		}
	}
	if len(backendPath) > 0 {
		out = append(out, "PEP517_BACKEND_PATH="+strings.Join(backendPath, string(os.PathListSeparator)))
	}
	return out
}

// normalizeBackendPath validates and resolves a pyproject.toml [build-system] backend-path list:
// every entry must be relative and must stay within srcDir once joined and cleaned, matching
// original_source's normalize_backend_path (BackendPathNotRelative / BackendPathNotInPackageDir).
func normalizeBackendPath(srcDir string, raw []string) ([]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	srcDir = filepath.Clean(srcDir)
	out := make([]string, 0, len(raw))
	for _, rel := range raw {
		if filepath.IsAbs(rel) {
			return nil, fmt.Errorf("pep517: backend-path entry %q must be relative", rel)
		}
		full := filepath.Clean(filepath.Join(srcDir, rel))
		if full != srcDir && !strings.HasPrefix(full, srcDir+string(filepath.Separator)) {
			return nil, fmt.Errorf("pep517: backend-path entry %q escapes the source tree", rel)
		}
		out = append(out, full)
	}
	return out, nil
}

func readJSONStringList(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, err
	}
	return list, nil
}
