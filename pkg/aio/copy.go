package aio

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	"nucleus/pkg/registry"
	"nucleus/pkg/task"
)

// CopyRequest names files to copy from SourceDir on Source into DestDir.
// An empty Files list copies the whole directory tree. Existing
// destination files are kept unless Overwrite is set.
type CopyRequest struct {
	Source    string
	SourceDir string
	Files     []string
	DestDir   string
	Overwrite bool
}

// RemoteCopier copies files and completes t with the total number of bytes
// written. t is only the completion vehicle; its aio fields are unused.
type RemoteCopier interface {
	Copy(req *CopyRequest, t *task.Task, tr *task.Tracker)
}

// LocalCopier serves requests whose source directory is on this machine.
type LocalCopier struct{}

func (LocalCopier) Copy(req *CopyRequest, t *task.Task, tr *task.Tracker) {
	if tr != nil && !t.Track(tr) {
		return
	}
	t.AddRef()
	go func() {
		defer t.Release()
		n, err := copyLocal(req)
		code := registry.ErrOK
		if err != nil {
			zap.L().Warn("copy failed", zap.String("src", req.SourceDir), zap.String("dst", req.DestDir), zap.Error(err))
			code = errorCode(err)
		}
		t.EnqueueAIO(code, int(n))
	}()
}

func copyLocal(req *CopyRequest) (int64, error) {
	files := req.Files
	if len(files) == 0 {
		var err error
		if files, err = listFiles(req.SourceDir); err != nil {
			return 0, err
		}
	}
	var total int64
	for _, name := range files {
		rel, err := cleanRel(name)
		if err != nil {
			return total, err
		}
		dst, skip, err := destination(req, rel)
		if err != nil {
			return total, err
		}
		if skip {
			continue
		}
		n, err := copyFile(filepath.Join(req.SourceDir, filepath.FromSlash(rel)), dst)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func copyFile(src, dst string) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(out, in)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	return n, err
}

// listFiles returns every regular file below dir as sorted slash paths.
func listFiles(dir string) ([]string, error) {
	var out []string
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		out = append(out, filepath.ToSlash(rel))
		return nil
	})
	sort.Strings(out)
	return out, err
}

var errEscapes = errors.New("path escapes the source directory")

// cleanRel normalises a requested file name and rejects names that leave
// the directory they are relative to.
func cleanRel(name string) (string, error) {
	rel := path.Clean(filepath.ToSlash(name))
	if rel == "." || rel == ".." || path.IsAbs(rel) || strings.HasPrefix(rel, "../") {
		return "", fmt.Errorf("%w: %q", errEscapes, name)
	}
	return rel, nil
}

// destination prepares the parent directory of rel under DestDir. skip is
// set when the file exists and must not be overwritten.
func destination(req *CopyRequest, rel string) (dst string, skip bool, err error) {
	dst = filepath.Join(req.DestDir, filepath.FromSlash(rel))
	if !req.Overwrite {
		if _, serr := os.Stat(dst); serr == nil {
			zap.L().Debug("keeping existing file", zap.String("file", dst))
			return dst, true, nil
		}
	}
	return dst, false, os.MkdirAll(filepath.Dir(dst), 0o755)
}

func errorCode(err error) registry.ErrorCode {
	var code registry.ErrorCode
	switch {
	case errors.As(err, &code):
		return code
	case errors.Is(err, errEscapes):
		return registry.ErrInvalidParameters
	case errors.Is(err, fs.ErrNotExist):
		return registry.ErrObjectNotFound
	default:
		return registry.ErrFileOperationFailed
	}
}
