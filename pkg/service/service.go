// Package service implements the four object operations (index, stat, serve
// and hash) plus single block reads over a blob.Store.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/ipld/go-ipld-prime/codec/dagjson"
	"github.com/ipld/go-ipld-prime/datamodel"
	"github.com/ipld/go-ipld-prime/fluent/qp"
	"github.com/ipld/go-ipld-prime/node/basicnode"
	"go.uber.org/zap"

	"github.com/jacktea/carblob/pkg/blob"
	"github.com/jacktea/carblob/pkg/digest"
	"github.com/jacktea/carblob/pkg/index"
	"github.com/jacktea/carblob/pkg/meta"
	"github.com/jacktea/carblob/pkg/metrics"
	"github.com/jacktea/carblob/pkg/xerrors"
)

// Options configure a Service. Zero values are usable.
type Options struct {
	Index     index.Options
	Algorithm string
	// Digests, when set, caches hash results keyed by object key and size.
	Digests meta.Store
	Metrics *metrics.Metrics
	Log     *zap.Logger
	Now     func() time.Time
}

// Service runs operations against one store. It holds no per-request state
// and is safe for concurrent use.
type Service struct {
	store     blob.Store
	indexOpts index.Options
	code      uint64
	algorithm string
	digests   meta.Store
	metrics   *metrics.Metrics
	log       *zap.Logger
	now       func() time.Time
}

func New(store blob.Store, opts Options) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("service: store required")
	}
	code, err := digest.ParseAlgorithm(opts.Algorithm)
	if err != nil {
		return nil, err
	}
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Service{
		store:     store,
		indexOpts: opts.Index,
		code:      code,
		algorithm: digest.Digest{Code: code}.Algorithm(),
		digests:   opts.Digests,
		metrics:   opts.Metrics,
		log:       log,
		now:       now,
	}, nil
}

// Store returns the backing store.
func (s *Service) Store() blob.Store { return s.store }

// Index opens an index of key starting at offset.
func (s *Service) Index(ctx context.Context, key string, offset int64, extent index.Extent) (*index.Iterator, error) {
	opts := s.indexOpts
	opts.Extent = extent
	return index.Open(ctx, s.store, key, offset, opts)
}

// Stat reports the object size.
func (s *Service) Stat(ctx context.Context, key string) (blob.Info, error) {
	return s.store.Head(ctx, key)
}

// Serve opens key for reading. A nil range reads the whole object; a range
// that starts at or past the end is a KindRange error.
func (s *Service) Serve(ctx context.Context, key string, rng *Range) (*blob.Object, error) {
	if rng == nil {
		return s.store.Get(ctx, key, blob.GetOptions{})
	}
	var opts blob.GetOptions
	if rng.IsSuffix() {
		info, err := s.store.Head(ctx, key)
		if err != nil {
			return nil, err
		}
		if opts, err = rng.Resolve(info.Size); err != nil {
			return nil, err
		}
	} else {
		opts = rng.Options()
	}
	obj, err := s.store.Get(ctx, key, opts)
	if err != nil {
		return nil, err
	}
	if obj.Length == 0 {
		obj.Close()
		return nil, xerrors.E(xerrors.KindRange, "service.Serve", fmt.Sprintf("%s: %s of %d bytes", key, rng, obj.Size))
	}
	return obj, nil
}

// Block reads the single block whose frame starts at offset.
func (s *Service) Block(ctx context.Context, key string, offset int64) (index.Block, error) {
	return index.ReadBlock(ctx, s.store, key, offset, s.indexOpts)
}

// Hash digests the whole object with the configured algorithm.
func (s *Service) Hash(ctx context.Context, key string) (digest.Digest, error) {
	if s.digests != nil {
		if d, ok := s.cachedDigest(ctx, key); ok {
			return d, nil
		}
	}
	obj, err := s.store.Get(ctx, key, blob.GetOptions{})
	if err != nil {
		return digest.Digest{}, err
	}
	defer obj.Close()
	d, n, err := digest.FromReader(ctx, obj.Body, s.code)
	s.metrics.AddDigestBytes(n)
	if err != nil {
		var xe *xerrors.Error
		if errors.As(err, &xe) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return digest.Digest{}, err
		}
		return digest.Digest{}, xerrors.Wrap(xerrors.KindIO, "service.Hash", key, err)
	}
	if n != obj.Length {
		return digest.Digest{}, xerrors.Wrap(xerrors.KindIO, "service.Hash", key,
			fmt.Errorf("read %d of %d bytes: %w", n, obj.Length, io.ErrUnexpectedEOF))
	}
	if s.digests != nil {
		mh, err := d.Multihash()
		if err == nil {
			err = s.digests.Put(ctx, meta.Entry{
				Key:       key,
				Size:      obj.Size,
				Algorithm: s.algorithm,
				Digest:    mh,
				StoredAt:  s.now(),
			})
		}
		if err != nil {
			s.log.Warn("digest cache store failed", zap.String("key", key), zap.Error(err))
		}
	}
	return d, nil
}

func (s *Service) cachedDigest(ctx context.Context, key string) (digest.Digest, bool) {
	info, err := blob.Revalidate(ctx, s.store, key)
	if err != nil {
		return digest.Digest{}, false
	}
	e, ok, err := s.digests.Lookup(ctx, key, info.Size, s.algorithm)
	if err != nil {
		s.log.Warn("digest cache lookup failed", zap.String("key", key), zap.Error(err))
		return digest.Digest{}, false
	}
	if !ok {
		return digest.Digest{}, false
	}
	d, err := digest.FromMultihash(e.Digest)
	if err != nil || d.Code != s.code {
		return digest.Digest{}, false
	}
	s.metrics.DigestCacheHit()
	return d, true
}

// EncodeInfo writes info as the DAG-JSON map {"size":N}.
func EncodeInfo(w io.Writer, info blob.Info) error {
	node, err := qp.BuildMap(basicnode.Prototype.Any, 1, func(ma datamodel.MapAssembler) {
		qp.MapEntry(ma, "size", qp.Int(info.Size))
	})
	if err != nil {
		return err
	}
	return dagjson.Encode(node, w)
}
