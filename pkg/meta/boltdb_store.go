package meta

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketDigests = []byte("digests")

// BoltConfig configures the BoltDB-backed store.
type BoltConfig struct {
	Path    string
	NoSync  bool
	Timeout time.Duration
}

// BoltStore persists digests in BoltDB.
type BoltStore struct {
	cfg BoltConfig
	db  *bolt.DB
}

// NewBoltStore opens (or creates) the digest database.
func NewBoltStore(cfg BoltConfig) (*BoltStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("boltdb: path is required")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 1 * time.Second
	}
	opts := bolt.Options{
		Timeout: cfg.Timeout,
		NoSync:  cfg.NoSync,
	}
	db, err := bolt.Open(cfg.Path, 0o600, &opts)
	if err != nil {
		return nil, fmt.Errorf("boltdb: open: %w", err)
	}
	store := &BoltStore{cfg: cfg, db: db}
	if err := store.init(); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func (b *BoltStore) init() error {
	return b.db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketDigests); err != nil {
			return fmt.Errorf("boltdb: create bucket %s: %w", bucketDigests, err)
		}
		return nil
	})
}

func (b *BoltStore) Lookup(ctx context.Context, key string, size int64, algorithm string) (Entry, bool, error) {
	var (
		e  Entry
		ok bool
	)
	err := b.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketDigests).Get([]byte(key))
		if data == nil {
			return nil
		}
		var err error
		if e, err = decodeEntry(data); err != nil {
			return err
		}
		ok = e.Size == size && e.Algorithm == algorithm
		return nil
	})
	if err != nil || !ok {
		return Entry{}, false, err
	}
	return e, true, nil
}

func (b *BoltStore) Put(ctx context.Context, e Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDigests).Put([]byte(e.Key), data)
	})
}

func (b *BoltStore) Delete(ctx context.Context, key string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDigests).Delete([]byte(key))
	})
}

func (b *BoltStore) List(ctx context.Context, after string, limit int) ([]Entry, error) {
	var out []Entry
	err := b.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketDigests).Cursor()
		k, v := c.First()
		if after != "" {
			k, v = c.Seek([]byte(after))
			if k != nil && bytes.Equal(k, []byte(after)) {
				k, v = c.Next()
			}
		}
		for ; k != nil; k, v = c.Next() {
			e, err := decodeEntry(v)
			if err != nil {
				return err
			}
			out = append(out, e)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
		return nil
	})
	return out, err
}

func (b *BoltStore) Prune(ctx context.Context, cutoff time.Time) (int, error) {
	var n int
	err := b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(bucketDigests)
		var stale [][]byte
		if err := bkt.ForEach(func(k, v []byte) error {
			e, err := decodeEntry(v)
			if err != nil || e.StoredAt.Before(cutoff) {
				stale = append(stale, append([]byte(nil), k...))
			}
			return nil
		}); err != nil {
			return err
		}
		for _, k := range stale {
			if err := bkt.Delete(k); err != nil {
				return err
			}
		}
		n = len(stale)
		return nil
	})
	return n, err
}

// Close releases the underlying BoltDB.
func (b *BoltStore) Close() error {
	if b.db == nil {
		return nil
	}
	return b.db.Close()
}

func decodeEntry(data []byte) (Entry, error) {
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return Entry{}, fmt.Errorf("boltdb: decode entry: %w", err)
	}
	return e, nil
}
