package apply

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/telekom/omnibus-reconciler/pkg/render"
	"github.com/telekom/omnibus-reconciler/pkg/system"
)

const (
	defaultFileMode = 0o640
	defaultDirMode  = 0o755
)

// FileApplier writes artifacts below Root. Each write goes to a temporary
// file in the target directory that is renamed over the destination, so
// readers never observe a half-written file.
type FileApplier struct {
	Root string
	Mode fs.FileMode
	log  *zap.SugaredLogger
}

func NewFileApplier(root string, log *zap.SugaredLogger) *FileApplier {
	return &FileApplier{Root: root, Mode: defaultFileMode, log: log.Named("file-applier")}
}

func (f *FileApplier) Name() string { return "file" }

func (f *FileApplier) path(rel string) (string, error) {
	if rel == "" || !filepath.IsLocal(rel) {
		return "", fmt.Errorf("artifact path %q escapes the output root", rel)
	}
	return filepath.Join(f.Root, rel), nil
}

func (f *FileApplier) Apply(ctx context.Context, a render.Artifact) error {
	if err := ctx.Err(); err != nil {
		return &ApplyError{Artifact: a.ID, Service: a.Service, Err: err}
	}
	dst, err := f.path(a.Path)
	if err != nil {
		return &ApplyError{Artifact: a.ID, Service: a.Service, Err: err}
	}
	if err := writeAtomic(dst, a.Content, f.Mode); err != nil {
		return &ApplyError{Artifact: a.ID, Service: a.Service, Err: err}
	}
	f.log.Debugw("Artifact written", append(system.ArtifactFields(a.ID, a.Service), "path", dst, "digest", a.Digest)...)
	return nil
}

func (f *FileApplier) Remove(_ context.Context, e Entry) error {
	dst, err := f.path(e.Path)
	if err != nil {
		return &ApplyError{Artifact: e.ID, Service: e.Service, Err: err}
	}
	if err := os.Remove(dst); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return &ApplyError{Artifact: e.ID, Service: e.Service, Err: err}
	}
	f.log.Debugw("Artifact removed", "artifact", e.ID, "path", dst)
	return nil
}

// writeAtomic replaces path with data.
func writeAtomic(path string, data []byte, mode fs.FileMode) (err error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, defaultDirMode); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("create temporary file: %w", err)
	}
	defer func() {
		if err != nil {
			_ = os.Remove(tmp.Name())
		}
	}()
	if _, err = tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write: %w", err)
	}
	if err = tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("close: %w", err)
	}
	if err = os.Chmod(tmp.Name(), mode); err != nil {
		return fmt.Errorf("chmod: %w", err)
	}
	if err = os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}
