// Package pycompile hosts a single long-lived Python subprocess that compiles many batches of
// .py files to .pyc over its lifetime, instead of paying interpreter-startup cost once per
// batch the way python.ExternalCompiler's one-shot "python3 -m compileall" invocations do.
//
// It is meant for the installer's hot path: when a resolve graph contains dozens of pure-Python
// wheels, starting a fresh interpreter for every one of them dominates wall-clock time.
package pycompile

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/datawire/dlib/dexec"

	"github.com/datawire/pypkg/pkg/fsutil"
	"github.com/datawire/pypkg/pkg/python"
)

// driverScript is fed to the subprocess's "-c" as in pyinspect.Dynamic, but instead of running
// once and exiting, it loops reading one JSON request per line from stdin and writing one JSON
// response per line to stdout until stdin is closed.
const driverScript = `
import compileall
import json
import sys

for line in sys.stdin:
    req = json.loads(line)
    ok = compileall.compile_dir(
        req["dir"],
        quiet=1,
        workers=0,
        stripdir=req.get("strip"),
        prependdir=req.get("prepend", "/"),
    )
    json.dump({"id": req["id"], "ok": bool(ok)}, sys.stdout)
    sys.stdout.write("\n")
    sys.stdout.flush()
`

// Host manages the lifetime of one compiler subprocess. The zero value is not usable; create
// one with Start.
type Host struct {
	cmd    *dexec.Cmd
	stdin  io.WriteCloser
	stdout *bufio.Scanner

	mu     sync.Mutex // serializes requests; the driver script is strictly request/response
	nextID int
}

// Start launches the subprocess named by cmdline (typically {"python3"}) running driverScript.
// Callers must call Close when done to release the subprocess.
func Start(ctx context.Context, cmdline ...string) (*Host, error) {
	if len(cmdline) == 0 {
		cmdline = []string{"python3"}
	}
	exe, err := dexec.LookPath(cmdline[0])
	if err != nil {
		return nil, err
	}
	exe, err = filepath.Abs(exe)
	if err != nil {
		return nil, err
	}

	cmd := dexec.CommandContext(ctx, exe, append(cmdline[1:], "-c", driverScript)...)
	cmd.Env = append(os.Environ(), "PYTHONHASHSEED=0")

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(nil, 1<<20)

	return &Host{cmd: cmd, stdin: stdin, stdout: scanner}, nil
}

type compileRequest struct {
	ID      int    `json:"id"`
	Dir     string `json:"dir"`
	Strip   string `json:"strip,omitempty"`
	Prepend string `json:"prepend,omitempty"`
}

type compileResponse struct {
	ID int  `json:"id"`
	OK bool `json:"ok"`
}

// CompileDir asks the subprocess to run compileall.compile_dir against an already-populated
// directory on disk, stripping stripDir from emitted .pyc in-archive paths and prepending
// prependDir in its place -- the same -s/-p convention python.ExternalCompiler uses.
func (h *Host) CompileDir(ctx context.Context, dir, stripDir, prependDir string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextID++
	req := compileRequest{ID: h.nextID, Dir: dir, Strip: stripDir, Prepend: prependDir}
	line, err := json.Marshal(req)
	if err != nil {
		return err
	}
	if _, err := h.stdin.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("pycompile: write request: %w", err)
	}

	if !h.stdout.Scan() {
		if err := h.stdout.Err(); err != nil {
			return fmt.Errorf("pycompile: read response: %w", err)
		}
		return fmt.Errorf("pycompile: subprocess closed stdout before responding")
	}
	var resp compileResponse
	if err := json.Unmarshal(h.stdout.Bytes(), &resp); err != nil {
		return fmt.Errorf("pycompile: decode response: %w", err)
	}
	if resp.ID != req.ID {
		return fmt.Errorf("pycompile: response id %d does not match request id %d", resp.ID, req.ID)
	}
	if !resp.OK {
		return fmt.Errorf("pycompile: compileall reported failure compiling %s", dir)
	}
	return nil
}

// Close tells the subprocess to exit (by closing its stdin) and waits for it.
func (h *Host) Close() error {
	if err := h.stdin.Close(); err != nil {
		return err
	}
	return h.cmd.Wait()
}

// Compiler adapts a Host into a python.Compiler, matching the one-shot-per-call signature that
// python.ExternalCompiler exposes, so the two are interchangeable wherever a python.Platform
// wants a PyCompile hook. Each call stages in, compiles, and collects outputs through its own
// temp directory the same way python.ExternalCompiler does; only the subprocess itself is
// reused across calls. Unlike python.ExternalCompiler, the clampTime and pythonPath arguments
// are not used: the subprocess's environment is fixed at Start, so no per-call
// SOURCE_DATE_EPOCH or PYTHONPATH is set.
func (h *Host) Compiler() python.Compiler {
	return func(ctx context.Context, clampTime time.Time, pythonPath []string, in []fsutil.FileReference) ([]fsutil.FileReference, error) {
		tmpdir, err := os.MkdirTemp("", "pycompile-host.")
		if err != nil {
			return nil, err
		}
		defer os.RemoveAll(tmpdir)

		for _, inFile := range in {
			if err := stageFile(tmpdir, inFile); err != nil {
				return nil, err
			}
		}

		if err := h.CompileDir(ctx, tmpdir, tmpdir, "/"); err != nil {
			return nil, err
		}

		return collectPyc(tmpdir)
	}
}

func stageFile(tmpdir string, inFile fsutil.FileReference) (err error) {
	dst := filepath.Join(tmpdir, filepath.FromSlash(inFile.FullName()))
	if err := os.MkdirAll(filepath.Dir(dst), 0o777); err != nil {
		return err
	}
	reader, err := inFile.Open()
	if err != nil {
		return err
	}
	defer func() {
		if cerr := reader.Close(); err == nil {
			err = cerr
		}
	}()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := out.Close(); err == nil {
			err = cerr
		}
	}()
	if _, err := io.Copy(out, reader); err != nil {
		return err
	}
	return os.Chtimes(dst, inFile.ModTime(), inFile.ModTime())
}
