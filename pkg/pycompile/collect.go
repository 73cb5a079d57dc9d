package pycompile

import (
	"io"
	"io/fs"
	"os"
	"strings"

	"github.com/datawire/pypkg/pkg/fsutil"
)

// collectPyc walks tmpdir for .pyc output the same way python.ExternalCompiler does, so that
// Host.Compiler returns its output in the same shape as the one-shot implementation.
func collectPyc(tmpdir string) ([]fsutil.FileReference, error) {
	var ret []fsutil.FileReference
	dirFS := os.DirFS(tmpdir)
	err := fs.WalkDir(dirFS, ".", func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(p, ".pyc") {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		fh, err := dirFS.Open(p)
		if err != nil {
			return err
		}
		defer fh.Close()
		content, err := io.ReadAll(fh)
		if err != nil {
			return err
		}
		ret = append(ret, &fsutil.InMemFileReference{
			FileInfo:  info,
			MFullName: p,
			MContent:  content,
		})
		return nil
	})
	return ret, err
}
