package blob

import (
	"context"
	"fmt"
	"io"

	"go.uber.org/multierr"

	"github.com/jacktea/carblob/pkg/xerrors"
)

// HybridOptions control hybrid store behaviour.
type HybridOptions struct {
	MirrorSecondary bool // if true, writes are mirrored to secondary
	CacheOnRead     bool // if true, objects read from secondary are copied into primary
}

// HybridStore layers a primary (usually local) store over a secondary backend.
// Reads try the primary first and fall back to the secondary on NotFound.
type HybridStore struct {
	primary   Store
	secondary Store
	opts      HybridOptions
}

// NewHybridStore composes primary and secondary blob stores.
func NewHybridStore(primary Store, secondary Store, opts HybridOptions) (*HybridStore, error) {
	if primary == nil {
		return nil, fmt.Errorf("hybrid: primary store required")
	}
	if secondary == nil {
		return nil, fmt.Errorf("hybrid: secondary store required")
	}
	return &HybridStore{primary: primary, secondary: secondary, opts: opts}, nil
}

func (h *HybridStore) Get(ctx context.Context, key string, opts GetOptions) (*Object, error) {
	obj, err := h.primary.Get(ctx, key, opts)
	if err == nil || !xerrors.IsNotFound(err) {
		return obj, err
	}
	if h.opts.CacheOnRead {
		if err := h.fill(ctx, key); err == nil {
			return h.primary.Get(ctx, key, opts)
		} else if xerrors.IsNotFound(err) {
			return nil, err
		}
	}
	return h.secondary.Get(ctx, key, opts)
}

func (h *HybridStore) Head(ctx context.Context, key string) (Info, error) {
	info, err := h.primary.Head(ctx, key)
	if err == nil || !xerrors.IsNotFound(err) {
		return info, err
	}
	return h.secondary.Head(ctx, key)
}

// Put writes to the primary and, when mirroring, copies the stored object
// from the primary into the secondary.
func (h *HybridStore) Put(ctx context.Context, key string, r io.Reader, size int64) error {
	if err := h.primary.Put(ctx, key, r, size); err != nil {
		return err
	}
	if !h.opts.MirrorSecondary {
		return nil
	}
	return copyObject(ctx, h.primary, h.secondary, key)
}

func (h *HybridStore) Delete(ctx context.Context, key string) error {
	return multierr.Append(h.primary.Delete(ctx, key), h.secondary.Delete(ctx, key))
}

func (h *HybridStore) fill(ctx context.Context, key string) error {
	return copyObject(ctx, h.secondary, h.primary, key)
}

func copyObject(ctx context.Context, from, to Store, key string) error {
	obj, err := from.Get(ctx, key, GetOptions{})
	if err != nil {
		return err
	}
	defer obj.Close()
	return to.Put(ctx, key, obj.Body, obj.Length)
}
