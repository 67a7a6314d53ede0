package gc

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/jacktea/carblob/pkg/blob"
	"github.com/jacktea/carblob/pkg/meta"
	"github.com/jacktea/carblob/pkg/xerrors"
)

// Options configures a Sweeper.
type Options struct {
	Store meta.Store
	// Blob, when set, is used to drop entries whose object is gone or has
	// changed size.
	Blob      blob.Store
	MaxAge    time.Duration
	BatchSize int
	Logger    *zap.Logger
	Now       func() time.Time
}

// Result summarises one sweep.
type Result struct {
	Expired int
	Orphans int
}

// Sweeper removes stale digest cache entries.
type Sweeper struct {
	store     meta.Store
	blob      blob.Store
	maxAge    time.Duration
	batchSize int
	log       *zap.Logger
	now       func() time.Time
}

// NewSweeper wires the digest cache and blob store for garbage collection.
func NewSweeper(opts Options) *Sweeper {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Sweeper{
		store:     opts.Store,
		blob:      opts.Blob,
		maxAge:    opts.MaxAge,
		batchSize: opts.BatchSize,
		log:       log,
		now:       now,
	}
}

// Sweep performs a best-effort GC pass.
func (s *Sweeper) Sweep(ctx context.Context) (Result, error) {
	var res Result
	if s.store == nil {
		return res, fmt.Errorf("gc sweeper missing digest store")
	}
	if s.maxAge > 0 {
		n, err := s.store.Prune(ctx, s.now().Add(-s.maxAge))
		if err != nil {
			return res, err
		}
		res.Expired = n
	}
	if s.blob == nil {
		return res, nil
	}
	limit := s.batchSize
	if limit <= 0 {
		limit = 128
	}
	after := ""
	for {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		entries, err := s.store.List(ctx, after, limit)
		if err != nil {
			return res, err
		}
		for _, e := range entries {
			orphan, err := s.isOrphan(ctx, e)
			if err != nil {
				return res, err
			}
			if !orphan {
				continue
			}
			if err := s.store.Delete(ctx, e.Key); err != nil {
				return res, err
			}
			res.Orphans++
		}
		if len(entries) < limit {
			return res, nil
		}
		after = entries[len(entries)-1].Key
	}
}

func (s *Sweeper) isOrphan(ctx context.Context, e meta.Entry) (bool, error) {
	info, err := s.blob.Head(ctx, e.Key)
	if err != nil {
		if xerrors.IsNotFound(err) {
			return true, nil
		}
		return false, err
	}
	return info.Size != e.Size, nil
}

// Start launches a background sweep loop until ctx is canceled.
func (s *Sweeper) Start(ctx context.Context, interval time.Duration) context.CancelFunc {
	if interval <= 0 {
		interval = time.Minute
	}
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			res, err := s.Sweep(ctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				s.log.Warn("gc sweep failed", zap.Error(err))
			} else if res.Expired+res.Orphans > 0 {
				s.log.Info("gc sweep", zap.Int("expired", res.Expired), zap.Int("orphans", res.Orphans))
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return cancel
}
