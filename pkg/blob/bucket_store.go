package blob

import (
	"context"
	"fmt"
	"io"

	gcblob "gocloud.dev/blob"
	_ "gocloud.dev/blob/azureblob"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/gcsblob"
	_ "gocloud.dev/blob/memblob"
	_ "gocloud.dev/blob/s3blob"
	"gocloud.dev/gcerrors"

	"github.com/jacktea/carblob/pkg/xerrors"
)

// BucketStore adapts a portable gocloud bucket. Any URL scheme registered by
// the imported drivers (file, mem, s3, gs, azblob) can be opened.
type BucketStore struct {
	bucket *gcblob.Bucket
}

// OpenBucketStore opens the bucket named by url, e.g. "file:///var/cars" or
// "s3://cars?region=us-east-1".
func OpenBucketStore(ctx context.Context, url string) (*BucketStore, error) {
	if url == "" {
		return nil, fmt.Errorf("bucket store requires a url")
	}
	b, err := gcblob.OpenBucket(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("bucket store: open %s: %w", url, err)
	}
	return &BucketStore{bucket: b}, nil
}

// NewBucketStore wraps an already opened bucket. The store takes ownership
// and closes it on Close.
func NewBucketStore(b *gcblob.Bucket) *BucketStore {
	return &BucketStore{bucket: b}
}

func (s *BucketStore) Get(ctx context.Context, key string, opts GetOptions) (*Object, error) {
	info, err := s.Head(ctx, key)
	if err != nil {
		return nil, err
	}
	offset, length, err := opts.Range(info.Size)
	if err != nil {
		return nil, err
	}
	if length == 0 {
		return &Object{Body: emptyBody{}, Size: info.Size, Offset: offset}, nil
	}
	r, err := s.bucket.NewRangeReader(ctx, key, offset, length, nil)
	if err != nil {
		return nil, s.mapErr("BucketStore.Get", key, err)
	}
	return &Object{Body: r, Size: info.Size, Offset: offset, Length: length}, nil
}

func (s *BucketStore) Head(ctx context.Context, key string) (Info, error) {
	if err := validateKey("BucketStore.Head", key); err != nil {
		return Info{}, err
	}
	attrs, err := s.bucket.Attributes(ctx, key)
	if err != nil {
		return Info{}, s.mapErr("BucketStore.Head", key, err)
	}
	return Info{Size: attrs.Size}, nil
}

func (s *BucketStore) Put(ctx context.Context, key string, r io.Reader, size int64) error {
	if err := validateKey("BucketStore.Put", key); err != nil {
		return err
	}
	// Cancelling the writer context aborts the upload instead of committing
	// a partial object.
	wctx, cancel := context.WithCancel(ctx)
	defer cancel()
	w, err := s.bucket.NewWriter(wctx, key, &gcblob.WriterOptions{ContentType: "application/octet-stream"})
	if err != nil {
		return s.mapErr("BucketStore.Put", key, err)
	}
	n, err := io.Copy(w, r)
	if err == nil && size >= 0 && n != size {
		err = fmt.Errorf("short body: wrote %d of %d bytes", n, size)
		cancel()
		w.Close()
		return xerrors.Wrap(xerrors.KindInvalid, "BucketStore.Put", key, err)
	}
	if err != nil {
		cancel()
		w.Close()
		return xerrors.Wrap(xerrors.KindIO, "BucketStore.Put", key, err)
	}
	if err := w.Close(); err != nil {
		return s.mapErr("BucketStore.Put", key, err)
	}
	return nil
}

func (s *BucketStore) Delete(ctx context.Context, key string) error {
	if err := validateKey("BucketStore.Delete", key); err != nil {
		return err
	}
	if err := s.bucket.Delete(ctx, key); err != nil && gcerrors.Code(err) != gcerrors.NotFound {
		return s.mapErr("BucketStore.Delete", key, err)
	}
	return nil
}

// Close releases the underlying bucket.
func (s *BucketStore) Close() error {
	return s.bucket.Close()
}

func (s *BucketStore) mapErr(op, key string, err error) error {
	switch gcerrors.Code(err) {
	case gcerrors.NotFound:
		return notFound(op, key)
	case gcerrors.InvalidArgument:
		return xerrors.Wrap(xerrors.KindInvalid, op, key, err)
	case gcerrors.Unimplemented:
		return xerrors.Wrap(xerrors.KindNotSupported, op, key, err)
	default:
		return xerrors.Wrap(xerrors.KindIO, op, key, err)
	}
}
