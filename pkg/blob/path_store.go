package blob

import (
	"context"
	"errors"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/jacktea/carblob/pkg/xerrors"
)

// PathStore keeps objects as files under a root directory. Keys are slash
// separated and map to nested directories.
type PathStore struct {
	root string
}

// NewPathStore returns a Store rooted at path.
func NewPathStore(root string) (*PathStore, error) {
	if root == "" {
		return nil, xerrors.E(xerrors.KindInvalid, "PathStore", "root")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, xerrors.Wrap(xerrors.KindInternal, "PathStore.mkdir", root, err)
	}
	return &PathStore{root: root}, nil
}

func (p *PathStore) Get(ctx context.Context, key string, opts GetOptions) (*Object, error) {
	name, err := p.pathForKey("PathStore.Get", key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(name)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, notFound("PathStore.Get", key)
		}
		return nil, xerrors.Wrap(xerrors.KindIO, "PathStore.Get", key, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, xerrors.Wrap(xerrors.KindIO, "PathStore.Get", key, err)
	}
	if info.IsDir() {
		f.Close()
		return nil, notFound("PathStore.Get", key)
	}
	offset, length, err := opts.Range(info.Size())
	if err != nil {
		f.Close()
		return nil, err
	}
	if offset > 0 {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			f.Close()
			return nil, xerrors.Wrap(xerrors.KindIO, "PathStore.Get", key, err)
		}
	}
	return &Object{Body: limitBody(f, length), Size: info.Size(), Offset: offset, Length: length}, nil
}

func (p *PathStore) Head(ctx context.Context, key string) (Info, error) {
	name, err := p.pathForKey("PathStore.Head", key)
	if err != nil {
		return Info{}, err
	}
	info, err := os.Stat(name)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Info{}, notFound("PathStore.Head", key)
		}
		return Info{}, xerrors.Wrap(xerrors.KindIO, "PathStore.Head", key, err)
	}
	if info.IsDir() {
		return Info{}, notFound("PathStore.Head", key)
	}
	return Info{Size: info.Size()}, nil
}

// Put writes r to a temporary file and renames it into place, so readers never
// observe a partial object.
func (p *PathStore) Put(ctx context.Context, key string, r io.Reader, size int64) error {
	finalPath, err := p.pathForKey("PathStore.Put", key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(finalPath), 0o755); err != nil {
		return xerrors.Wrap(xerrors.KindIO, "PathStore.Put", key, err)
	}
	file, err := os.CreateTemp(filepath.Dir(finalPath), ".upload-*")
	if err != nil {
		return xerrors.Wrap(xerrors.KindIO, "PathStore.Put", key, err)
	}
	tmpName := file.Name()
	n, err := io.Copy(file, r)
	if err != nil {
		file.Close()
		os.Remove(tmpName)
		return xerrors.Wrap(xerrors.KindIO, "PathStore.Put", key, err)
	}
	if size >= 0 && n != size {
		file.Close()
		os.Remove(tmpName)
		return xerrors.E(xerrors.KindInvalid, "PathStore.Put", key+": short body")
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(tmpName)
		return xerrors.Wrap(xerrors.KindIO, "PathStore.Put", key, err)
	}
	if err := file.Close(); err != nil {
		os.Remove(tmpName)
		return xerrors.Wrap(xerrors.KindIO, "PathStore.Put", key, err)
	}
	if err := os.Rename(tmpName, finalPath); err != nil {
		os.Remove(tmpName)
		return xerrors.Wrap(xerrors.KindIO, "PathStore.Put", key, err)
	}
	return nil
}

func (p *PathStore) Delete(ctx context.Context, key string) error {
	name, err := p.pathForKey("PathStore.Delete", key)
	if err != nil {
		return err
	}
	if err := os.Remove(name); err != nil && !errors.Is(err, os.ErrNotExist) {
		return xerrors.Wrap(xerrors.KindIO, "PathStore.Delete", key, err)
	}
	return nil
}

func (p *PathStore) pathForKey(op, key string) (string, error) {
	if err := validateKey(op, key); err != nil {
		return "", err
	}
	for _, seg := range strings.Split(key, "/") {
		if seg == ".." {
			return "", xerrors.E(xerrors.KindInvalid, op, key)
		}
	}
	clean := path.Clean("/" + key)
	return filepath.Join(p.root, filepath.FromSlash(clean)), nil
}
