package blob

import (
	"context"
	"io"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// CachedOptions configure the Head cache.
type CachedOptions struct {
	Entries int
	TTL     time.Duration
	// Observer, when set, is called on every Head with whether it was served
	// from the cache.
	Observer func(hit bool)
}

// CachedStore caches object sizes in front of another Store. Get refreshes
// the cache from the object it opens; Put and Delete invalidate. Objects
// removed behind its back keep answering Head until the entry expires.
type CachedStore struct {
	Store
	infos    *expirable.LRU[string, Info]
	observer func(bool)
}

func NewCachedStore(inner Store, opts CachedOptions) *CachedStore {
	if opts.Entries <= 0 {
		opts.Entries = 1024
	}
	if opts.TTL <= 0 {
		opts.TTL = time.Minute
	}
	return &CachedStore{
		Store:    inner,
		infos:    expirable.NewLRU[string, Info](opts.Entries, nil, opts.TTL),
		observer: opts.Observer,
	}
}

func (c *CachedStore) Get(ctx context.Context, key string, opts GetOptions) (*Object, error) {
	obj, err := c.Store.Get(ctx, key, opts)
	if err != nil {
		c.infos.Remove(key)
		return nil, err
	}
	c.infos.Add(key, Info{Size: obj.Size})
	return obj, nil
}

func (c *CachedStore) Head(ctx context.Context, key string) (Info, error) {
	if info, ok := c.infos.Get(key); ok {
		c.observe(true)
		return info, nil
	}
	c.observe(false)
	info, err := c.Store.Head(ctx, key)
	if err != nil {
		return Info{}, err
	}
	c.infos.Add(key, info)
	return info, nil
}

// Revalidate asks the wrapped store for the object's size, replacing the
// cached entry or dropping it when the object is gone.
func (c *CachedStore) Revalidate(ctx context.Context, key string) (Info, error) {
	info, err := c.Store.Head(ctx, key)
	if err != nil {
		c.infos.Remove(key)
		return Info{}, err
	}
	c.infos.Add(key, info)
	return info, nil
}

// Revalidate returns the size of key as the backend reports it now. Stores
// that cache sizes are bypassed; any other store is asked with Head.
func Revalidate(ctx context.Context, s Store, key string) (Info, error) {
	if r, ok := s.(interface {
		Revalidate(context.Context, string) (Info, error)
	}); ok {
		return r.Revalidate(ctx, key)
	}
	return s.Head(ctx, key)
}

func (c *CachedStore) Put(ctx context.Context, key string, r io.Reader, size int64) error {
	c.infos.Remove(key)
	err := c.Store.Put(ctx, key, r, size)
	c.infos.Remove(key)
	return err
}

func (c *CachedStore) Delete(ctx context.Context, key string) error {
	c.infos.Remove(key)
	return c.Store.Delete(ctx, key)
}

// Purge drops every cached entry.
func (c *CachedStore) Purge() { c.infos.Purge() }

func (c *CachedStore) observe(hit bool) {
	if c.observer != nil {
		c.observer(hit)
	}
}
