package blob

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/jacktea/carblob/pkg/xerrors"
)

// MinioConfig describes a MinIO (or S3-compatible) endpoint.
type MinioConfig struct {
	Endpoint  string
	Bucket    string
	Region    string
	AccessKey string
	SecretKey string
	Secure    bool
	PathStyle bool
	Transport http.RoundTripper
}

// MinioStore serves objects through minio-go.
type MinioStore struct {
	client *minio.Client
	bucket string
}

func NewMinioStore(cfg MinioConfig) (*MinioStore, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("minio store requires an endpoint")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("minio store requires a bucket")
	}
	lookup := minio.BucketLookupAuto
	if cfg.PathStyle {
		lookup = minio.BucketLookupPath
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:        credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:       cfg.Secure,
		Region:       cfg.Region,
		BucketLookup: lookup,
		Transport:    cfg.Transport,
	})
	if err != nil {
		return nil, fmt.Errorf("minio store: %w", err)
	}
	return &MinioStore{client: client, bucket: cfg.Bucket}, nil
}

// Get stats the object first so the requested range can be resolved
// locally; GetObject itself is lazy and would only fail on first read.
func (m *MinioStore) Get(ctx context.Context, key string, opts GetOptions) (*Object, error) {
	info, err := m.Head(ctx, key)
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
	var getOpts minio.GetObjectOptions
	if offset != 0 || length != info.Size {
		if err := getOpts.SetRange(offset, offset+length-1); err != nil {
			return nil, xerrors.Wrap(xerrors.KindInvalid, "MinioStore.Get", key, err)
		}
	}
	obj, err := m.client.GetObject(ctx, m.bucket, key, getOpts)
	if err != nil {
		if isMinioNotFound(err) {
			return nil, notFound("MinioStore.Get", key)
		}
		return nil, xerrors.Wrap(xerrors.KindIO, "MinioStore.Get", key, err)
	}
	return &Object{Body: minioBody{obj: obj, key: key}, Size: info.Size, Offset: offset, Length: length}, nil
}

func (m *MinioStore) Head(ctx context.Context, key string) (Info, error) {
	if err := validateKey("MinioStore.Head", key); err != nil {
		return Info{}, err
	}
	info, err := m.client.StatObject(ctx, m.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		if isMinioNotFound(err) {
			return Info{}, notFound("MinioStore.Head", key)
		}
		return Info{}, xerrors.Wrap(xerrors.KindIO, "MinioStore.Head", key, err)
	}
	return Info{Size: info.Size}, nil
}

func (m *MinioStore) Put(ctx context.Context, key string, r io.Reader, size int64) error {
	if err := validateKey("MinioStore.Put", key); err != nil {
		return err
	}
	if size < 0 {
		size = -1
	}
	_, err := m.client.PutObject(ctx, m.bucket, key, r, size, minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	if err != nil {
		return xerrors.Wrap(xerrors.KindIO, "MinioStore.Put", key, err)
	}
	return nil
}

func (m *MinioStore) Delete(ctx context.Context, key string) error {
	if err := validateKey("MinioStore.Delete", key); err != nil {
		return err
	}
	err := m.client.RemoveObject(ctx, m.bucket, key, minio.RemoveObjectOptions{})
	if err != nil && !isMinioNotFound(err) {
		return xerrors.Wrap(xerrors.KindIO, "MinioStore.Delete", key, err)
	}
	return nil
}

// minioBody maps a missing object discovered on first read (the object was
// removed between stat and get) to ErrNotFound.
type minioBody struct {
	obj *minio.Object
	key string
}

func (b minioBody) Read(p []byte) (int, error) {
	n, err := b.obj.Read(p)
	if err != nil && err != io.EOF && isMinioNotFound(err) {
		return n, notFound("MinioStore.Get", b.key)
	}
	return n, err
}

func (b minioBody) Close() error { return b.obj.Close() }

func isMinioNotFound(err error) bool {
	resp := minio.ToErrorResponse(err)
	return resp.Code == "NoSuchKey" || resp.StatusCode == http.StatusNotFound
}
