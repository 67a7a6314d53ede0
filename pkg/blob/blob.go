package blob

import (
	"context"
	"fmt"
	"io"
	iofs "io/fs"
	"strings"

	"github.com/jacktea/carblob/pkg/xerrors"
)

// ErrNotFound is returned by Get and Head when the key does not exist.
var ErrNotFound = fmt.Errorf("blob: %w", iofs.ErrNotExist)

// Store is the object storage port. Implementations must be safe for
// concurrent use.
type Store interface {
	Get(ctx context.Context, key string, opts GetOptions) (*Object, error)
	Head(ctx context.Context, key string) (Info, error)
	Put(ctx context.Context, key string, r io.Reader, size int64) error
	Delete(ctx context.Context, key string) error
}

// GetOptions selects a byte range. A zero Length reads to the end.
type GetOptions struct {
	Offset int64
	Length int64
}

// Object is an open ranged read.
type Object struct {
	Body io.ReadCloser
	// Size is the size of the whole object.
	Size int64
	// Offset and Length describe the bytes Body yields.
	Offset int64
	Length int64
}

// Close releases the body.
func (o *Object) Close() error {
	if o == nil || o.Body == nil {
		return nil
	}
	return o.Body.Close()
}

// Info describes a stored object.
type Info struct {
	Size int64
}

// Range resolves opts against an object of the given size. The returned
// length is clamped to the end of the object; an offset equal to size yields a
// zero length.
func (o GetOptions) Range(size int64) (offset, length int64, err error) {
	if o.Offset < 0 || o.Length < 0 {
		return 0, 0, xerrors.E(xerrors.KindInvalid, "blob.Range", fmt.Sprintf("offset=%d length=%d", o.Offset, o.Length))
	}
	if o.Offset > size {
		return 0, 0, xerrors.E(xerrors.KindRange, "blob.Range", fmt.Sprintf("offset %d beyond size %d", o.Offset, size))
	}
	length = size - o.Offset
	if o.Length > 0 && o.Length < length {
		length = o.Length
	}
	return o.Offset, length, nil
}

// IsWhole reports whether opts reads the entire object.
func (o GetOptions) IsWhole() bool { return o.Offset == 0 && o.Length == 0 }

func validateKey(op, key string) error {
	if strings.TrimSpace(key) == "" {
		return xerrors.E(xerrors.KindInvalid, op, "empty key")
	}
	return nil
}

func notFound(op, key string) error {
	return xerrors.Wrap(xerrors.KindNotFound, op, key, ErrNotFound)
}

type emptyBody struct{}

func (emptyBody) Read([]byte) (int, error) { return 0, io.EOF }
func (emptyBody) Close() error             { return nil }

type limitedBody struct {
	io.Reader
	io.Closer
}

func limitBody(rc io.ReadCloser, n int64) io.ReadCloser {
	return limitedBody{Reader: io.LimitReader(rc, n), Closer: rc}
}
