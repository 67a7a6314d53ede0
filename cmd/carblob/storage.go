package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/jacktea/carblob/pkg/blob"
	"github.com/jacktea/carblob/pkg/config"
)

func buildBlobStore(ctx context.Context, opts config.Storage) (blob.Store, error) {
	switch strings.ToLower(opts.Provider) {
	case "local":
		if opts.Root == "" {
			return nil, fmt.Errorf("local storage requires a root directory")
		}
		return blob.NewPathStore(opts.Root)
	case "s3":
		return blob.NewS3Store(ctx, blob.S3Config{
			Endpoint:     opts.Endpoint,
			Bucket:       opts.Bucket,
			Region:       opts.Region,
			AccessKey:    opts.AccessKey,
			SecretKey:    opts.SecretKey,
			SessionToken: opts.SessionToken,
			PathStyle:    opts.PathStyle,
		})
	case "minio":
		return blob.NewMinioStore(blob.MinioConfig{
			Endpoint:  opts.Endpoint,
			Bucket:    opts.Bucket,
			Region:    opts.Region,
			AccessKey: opts.AccessKey,
			SecretKey: opts.SecretKey,
			Secure:    opts.Secure,
			PathStyle: opts.PathStyle,
		})
	case "bucket":
		if opts.URL == "" {
			return nil, fmt.Errorf("bucket storage requires a url")
		}
		return blob.OpenBucketStore(ctx, opts.URL)
	case "oss":
		return blob.NewOSSStore(blob.OSSConfig{
			RemoteConfig: blob.RemoteConfig{Endpoint: opts.Endpoint, Bucket: opts.Bucket},
			AccessKey:    opts.AccessKey,
			SecretKey:    opts.SecretKey,
		})
	case "cos":
		return blob.NewCOSStore(blob.COSConfig{
			RemoteConfig: blob.RemoteConfig{Endpoint: opts.Endpoint, Bucket: opts.Bucket},
			AccessKey:    opts.AccessKey,
			SecretKey:    opts.SecretKey,
		})
	default:
		return nil, fmt.Errorf("unknown storage provider %q", opts.Provider)
	}
}
