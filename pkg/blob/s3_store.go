package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/jacktea/carblob/pkg/xerrors"
)

// S3Config describes an S3 or S3-compatible bucket.
type S3Config struct {
	Endpoint     string
	Bucket       string
	Region       string
	AccessKey    string
	SecretKey    string
	SessionToken string
	PathStyle    bool
	HTTPClient   *http.Client
}

// S3Store serves objects from S3 using ranged GetObject calls.
type S3Store struct {
	client *s3.Client
	bucket string
}

// NewS3Store builds an S3 client from cfg. Static credentials are used when
// an access key is given, otherwise the default AWS credential chain applies.
func NewS3Store(ctx context.Context, cfg S3Config) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 store requires a bucket")
	}
	if cfg.Region == "" {
		return nil, fmt.Errorf("s3 store requires a region")
	}
	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" || cfg.SecretKey != "" {
		if cfg.AccessKey == "" || cfg.SecretKey == "" {
			return nil, fmt.Errorf("s3 store requires both access key and secret key")
		}
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, cfg.SessionToken),
		))
	}
	if cfg.HTTPClient != nil {
		loadOpts = append(loadOpts, awsconfig.WithHTTPClient(cfg.HTTPClient))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("s3 store: load config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
		o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
		o.ResponseChecksumValidation = aws.ResponseChecksumValidationWhenRequired
	})
	return &S3Store{client: client, bucket: cfg.Bucket}, nil
}

func (s *S3Store) Get(ctx context.Context, key string, opts GetOptions) (*Object, error) {
	if err := validateKey("S3Store.Get", key); err != nil {
		return nil, err
	}
	if opts.Offset < 0 || opts.Length < 0 {
		return nil, xerrors.E(xerrors.KindInvalid, "S3Store.Get", key)
	}
	input := &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}
	if !opts.IsWhole() {
		input.Range = aws.String(rangeHeader(opts))
	}
	out, err := s.client.GetObject(ctx, input)
	if err != nil {
		if isS3NotFound(err) {
			return nil, notFound("S3Store.Get", key)
		}
		if isS3InvalidRange(err) {
			info, herr := s.Head(ctx, key)
			if herr != nil {
				return nil, herr
			}
			offset, _, rerr := opts.Range(info.Size)
			if rerr != nil {
				return nil, rerr
			}
			return &Object{Body: emptyBody{}, Size: info.Size, Offset: offset}, nil
		}
		return nil, xerrors.Wrap(xerrors.KindIO, "S3Store.Get", key, err)
	}
	if out.ContentRange != nil {
		start, end, size, err := parseContentRange(aws.ToString(out.ContentRange))
		if err != nil {
			out.Body.Close()
			return nil, xerrors.Wrap(xerrors.KindIO, "S3Store.Get", key, err)
		}
		return &Object{Body: out.Body, Size: size, Offset: start, Length: end - start + 1}, nil
	}
	size := aws.ToInt64(out.ContentLength)
	offset, length, err := opts.Range(size)
	if err != nil {
		out.Body.Close()
		return nil, err
	}
	if offset > 0 {
		// The endpoint ignored the Range header.
		if _, err := io.CopyN(io.Discard, out.Body, offset); err != nil {
			out.Body.Close()
			return nil, xerrors.Wrap(xerrors.KindIO, "S3Store.Get", key, err)
		}
	}
	return &Object{Body: limitBody(out.Body, length), Size: size, Offset: offset, Length: length}, nil
}

func (s *S3Store) Head(ctx context.Context, key string) (Info, error) {
	if err := validateKey("S3Store.Head", key); err != nil {
		return Info{}, err
	}
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isS3NotFound(err) {
			return Info{}, notFound("S3Store.Head", key)
		}
		return Info{}, xerrors.Wrap(xerrors.KindIO, "S3Store.Head", key, err)
	}
	return Info{Size: aws.ToInt64(out.ContentLength)}, nil
}

// Put streams r with an unsigned payload so that non-seekable readers work
// over plain HTTP endpoints.
func (s *S3Store) Put(ctx context.Context, key string, r io.Reader, size int64) error {
	if err := validateKey("S3Store.Put", key); err != nil {
		return err
	}
	input := &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        r,
		ContentType: aws.String("application/octet-stream"),
	}
	if size >= 0 {
		input.ContentLength = aws.Int64(size)
	}
	_, err := s.client.PutObject(ctx, input, s3.WithAPIOptions(v4.SwapComputePayloadSHA256ForUnsignedPayloadMiddleware))
	if err != nil {
		return xerrors.Wrap(xerrors.KindIO, "S3Store.Put", key, err)
	}
	return nil
}

func (s *S3Store) Delete(ctx context.Context, key string) error {
	if err := validateKey("S3Store.Delete", key); err != nil {
		return err
	}
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil && !isS3NotFound(err) {
		return xerrors.Wrap(xerrors.KindIO, "S3Store.Delete", key, err)
	}
	return nil
}

func isS3NotFound(err error) bool {
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return true
	}
	var nf *types.NotFound
	if errors.As(err, &nf) {
		return true
	}
	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) && respErr.HTTPStatusCode() == http.StatusNotFound {
		return true
	}
	return false
}

func isS3InvalidRange(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && apiErr.ErrorCode() == "InvalidRange" {
		return true
	}
	var respErr *awshttp.ResponseError
	return errors.As(err, &respErr) && respErr.HTTPStatusCode() == http.StatusRequestedRangeNotSatisfiable
}
