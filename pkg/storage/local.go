package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/afero"
)

// localStore keeps objects as files under a root directory. Objects are
// copied to and from a separate scratch filesystem, which is where the
// worker keeps its per-job files.
type localStore struct {
	objects afero.Fs
	scratch afero.Fs
}

func NewLocalStore(objects, scratch afero.Fs) ObjectStore {
	return &localStore{objects: objects, scratch: scratch}
}

// NewDirStore stores objects under root on disk.
func NewDirStore(root string) (ObjectStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return NewLocalStore(afero.NewBasePathFs(afero.NewOsFs(), root), afero.NewOsFs()), nil
}

func (s *localStore) Fetch(ctx context.Context, key, localPath string) error {
	err := copyFile(ctx, s.objects, key, s.scratch, localPath)
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrObjectNotFound, key)
	}
	return err
}

func (s *localStore) Store(ctx context.Context, localPath, key string) error {
	return copyFile(ctx, s.scratch, localPath, s.objects, key)
}

func copyFile(ctx context.Context, srcFs afero.Fs, src string, dstFs afero.Fs, dst string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	in, err := srcFs.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := dstFs.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	// write next to the destination and rename so readers never see a partial object
	tmp := dst + ".part"
	out, err := dstFs.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		_ = dstFs.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		_ = dstFs.Remove(tmp)
		return err
	}
	return dstFs.Rename(tmp, dst)
}
