package service

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/multiformats/go-multihash"

	"github.com/jacktea/carblob/pkg/blob"
	"github.com/jacktea/carblob/pkg/car"
	"github.com/jacktea/carblob/pkg/car/cartest"
	"github.com/jacktea/carblob/pkg/index"
	"github.com/jacktea/carblob/pkg/meta"
	"github.com/jacktea/carblob/pkg/metrics"
	"github.com/jacktea/carblob/pkg/xerrors"
)

type countingStore struct {
	blob.Store
	gets int
}

func (c *countingStore) Get(ctx context.Context, key string, opts blob.GetOptions) (*blob.Object, error) {
	c.gets++
	return c.Store.Get(ctx, key, opts)
}

func newService(t *testing.T, objects map[string][]byte, opts Options) (*Service, *countingStore) {
	t.Helper()
	store := &countingStore{Store: cartest.NewStore(t, objects)}
	svc, err := New(store, opts)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return svc, store
}

func TestNotFoundForEveryOperation(t *testing.T) {
	svc, _ := newService(t, nil, Options{})
	ctx := context.Background()
	checks := map[string]error{}
	_, checks["index"] = svc.Index(ctx, "missing.car", 0, index.ExtentFrame)
	_, checks["index resumed"] = svc.Index(ctx, "missing.car", 59, index.ExtentFrame)
	_, checks["stat"] = svc.Stat(ctx, "missing.car")
	_, checks["serve"] = svc.Serve(ctx, "missing.car", nil)
	_, checks["serve range"] = svc.Serve(ctx, "missing.car", &Range{Start: 1, End: 2})
	_, checks["hash"] = svc.Hash(ctx, "missing.car")
	_, checks["block"] = svc.Block(ctx, "missing.car", 59)
	for op, err := range checks {
		if !xerrors.IsNotFound(err) {
			t.Fatalf("%s: expected not found, got %v", op, err)
		}
		if errors.Is(err, car.ErrInvalidHeader) || errors.Is(err, car.ErrTruncatedFrame) {
			t.Fatalf("%s: not found reported as a decode error", op)
		}
	}
}

func TestIndexUsesConfiguredOptions(t *testing.T) {
	archive := cartest.Build(t, nil, cartest.Blocks(t, 3)...)
	svc, _ := newService(t, map[string][]byte{"a.car": archive.Bytes}, Options{})
	it, err := svc.Index(context.Background(), "a.car", archive.Extents[1].Offset, index.ExtentData)
	if err != nil {
		t.Fatalf("index: %v", err)
	}
	defer it.Close()
	rec, err := it.Next()
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if rec.Offset != archive.Extents[1].DataOffset || rec.Length != archive.Extents[1].DataLength {
		t.Fatalf("unexpected record %+v", rec)
	}
}

func TestStatAndEncodeInfo(t *testing.T) {
	svc, _ := newService(t, map[string][]byte{"a.car": []byte("0123456789")}, Options{})
	info, err := svc.Stat(context.Background(), "a.car")
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	var buf bytes.Buffer
	if err := EncodeInfo(&buf, info); err != nil {
		t.Fatalf("encode: %v", err)
	}
	if buf.String() != `{"size":10}` {
		t.Fatalf("unexpected encoding %s", buf.String())
	}
}

func TestServe(t *testing.T) {
	svc, _ := newService(t, map[string][]byte{"a.car": []byte("0123456789")}, Options{})
	cases := []struct {
		name   string
		header string
		want   string
		offset int64
		kind   xerrors.Kind
		err    bool
	}{
		{name: "whole", want: "0123456789"},
		{name: "closed", header: "bytes=2-5", want: "2345", offset: 2},
		{name: "open", header: "bytes=7-", want: "789", offset: 7},
		{name: "suffix", header: "bytes=-3", want: "789", offset: 7},
		{name: "suffix larger than object", header: "bytes=-30", want: "0123456789"},
		{name: "clamped end", header: "bytes=8-100", want: "89", offset: 8},
		{name: "start at end", header: "bytes=10-", err: true, kind: xerrors.KindRange},
		{name: "start past end", header: "bytes=11-12", err: true, kind: xerrors.KindRange},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			rng, err := ParseRange(tc.header)
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			obj, err := svc.Serve(context.Background(), "a.car", rng)
			if tc.err {
				if err == nil || xerrors.KindOf(err) != tc.kind {
					t.Fatalf("expected %v, got %v", tc.kind, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("serve: %v", err)
			}
			defer obj.Close()
			body, _ := io.ReadAll(obj.Body)
			if string(body) != tc.want || obj.Offset != tc.offset || obj.Size != 10 {
				t.Fatalf("got %q at %d of %d", body, obj.Offset, obj.Size)
			}
		})
	}
}

func TestHashMatchesSHA256(t *testing.T) {
	data := bytes.Repeat([]byte("carblob"), 50_000)
	svc, _ := newService(t, map[string][]byte{"a.car": data}, Options{})
	d, err := svc.Hash(context.Background(), "a.car")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	sum := sha256.Sum256(data)
	if d.Code != multihash.SHA2_256 || !bytes.Equal(d.Sum, sum[:]) {
		t.Fatalf("unexpected digest %s", d)
	}
}

func TestHashUsesDigestCache(t *testing.T) {
	ctx := context.Background()
	cache := meta.NewMemoryStore()
	m := metrics.New()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	svc, store := newService(t, map[string][]byte{"a.car": []byte("payload")}, Options{
		Algorithm: "sha2-512",
		Digests:   cache,
		Metrics:   m,
		Now:       func() time.Time { return now },
	})
	first, err := svc.Hash(ctx, "a.car")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	second, err := svc.Hash(ctx, "a.car")
	if err != nil {
		t.Fatalf("cached hash: %v", err)
	}
	if diff := cmp.Diff(first, second); diff != "" {
		t.Fatalf("cached digest differs (-first +second):\n%s", diff)
	}
	if store.gets != 1 {
		t.Fatalf("expected a single object read, got %d", store.gets)
	}
	entry, ok, _ := cache.Lookup(ctx, "a.car", 7, "sha2-512")
	if !ok || !entry.StoredAt.Equal(now) {
		t.Fatalf("expected cache entry, got %+v ok=%v", entry, ok)
	}

	// A size change invalidates the cached digest.
	if err := store.Put(ctx, "a.car", strings.NewReader("payload2"), 8); err != nil {
		t.Fatalf("put: %v", err)
	}
	third, err := svc.Hash(ctx, "a.car")
	if err != nil {
		t.Fatalf("hash after change: %v", err)
	}
	if bytes.Equal(third.Sum, first.Sum) || store.gets != 2 {
		t.Fatalf("expected a fresh digest after the object changed")
	}
}

func TestHashAfterExternalDeleteIsNotFound(t *testing.T) {
	ctx := context.Background()
	inner := cartest.NewStore(t, map[string][]byte{"a.car": []byte("hello world")})
	store := blob.NewCachedStore(inner, blob.CachedOptions{Entries: 16, TTL: time.Hour})
	svc, err := New(store, Options{Digests: meta.NewMemoryStore()})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	if _, err := svc.Hash(ctx, "a.car"); err != nil {
		t.Fatalf("hash: %v", err)
	}
	if err := inner.Delete(ctx, "a.car"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if d, err := svc.Hash(ctx, "a.car"); xerrors.KindOf(err) != xerrors.KindNotFound {
		t.Fatalf("expected not found after delete, got %s %v", d, err)
	}
	if _, err := svc.Stat(ctx, "a.car"); !xerrors.IsNotFound(err) {
		t.Fatalf("expected stat to see the delete once hash revalidated, got %v", err)
	}
}

type brokenStore struct {
	blob.Store
}

type brokenBody struct{}

func (brokenBody) Read([]byte) (int, error) { return 0, errors.New("connection reset") }
func (brokenBody) Close() error             { return nil }

func (b brokenStore) Get(ctx context.Context, key string, opts blob.GetOptions) (*blob.Object, error) {
	obj, err := b.Store.Get(ctx, key, opts)
	if err != nil {
		return nil, err
	}
	obj.Close()
	obj.Body = brokenBody{}
	return obj, nil
}

func TestHashReadFailureIsIO(t *testing.T) {
	cache := meta.NewMemoryStore()
	svc, err := New(brokenStore{Store: cartest.NewStore(t, map[string][]byte{"a.car": []byte("x")})}, Options{Digests: cache})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if _, err := svc.Hash(context.Background(), "a.car"); xerrors.KindOf(err) != xerrors.KindIO {
		t.Fatalf("expected io error, got %v", err)
	}
	if entries, _ := cache.List(context.Background(), "", 0); len(entries) != 0 {
		t.Fatalf("failed hash must not be cached")
	}
}

func TestBlock(t *testing.T) {
	blocks := cartest.Blocks(t, 2)
	archive := cartest.Build(t, nil, blocks...)
	svc, _ := newService(t, map[string][]byte{"a.car": archive.Bytes}, Options{})
	b, err := svc.Block(context.Background(), "a.car", archive.Extents[1].Offset)
	if err != nil {
		t.Fatalf("block: %v", err)
	}
	if !bytes.Equal(b.Data, blocks[1].Data) {
		t.Fatalf("unexpected block data")
	}
}

func TestNewRejectsUnknownAlgorithm(t *testing.T) {
	if _, err := New(cartest.NewStore(t, nil), Options{Algorithm: "md4-nope"}); err == nil {
		t.Fatalf("expected algorithm error")
	}
	if _, err := New(nil, Options{}); err == nil {
		t.Fatalf("expected store error")
	}
}
