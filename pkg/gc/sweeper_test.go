package gc

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jacktea/carblob/pkg/blob"
	"github.com/jacktea/carblob/pkg/meta"
)

func TestSweeperRemovesStaleEntries(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	objects, err := blob.NewPathStore(filepath.Join(t.TempDir(), "objects"))
	if err != nil {
		t.Fatalf("new path store: %v", err)
	}
	if err := objects.Put(ctx, "live.car", strings.NewReader("12345"), 5); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := objects.Put(ctx, "changed.car", strings.NewReader("123"), 3); err != nil {
		t.Fatalf("put: %v", err)
	}

	store := meta.NewMemoryStore()
	for _, e := range []meta.Entry{
		{Key: "live.car", Size: 5, StoredAt: now},
		{Key: "changed.car", Size: 9, StoredAt: now},
		{Key: "deleted.car", Size: 1, StoredAt: now},
		{Key: "expired.car", Size: 1, StoredAt: now.Add(-48 * time.Hour)},
	} {
		e.Algorithm = "sha2-256"
		if err := store.Put(ctx, e); err != nil {
			t.Fatalf("put entry: %v", err)
		}
	}

	sweeper := NewSweeper(Options{
		Store:     store,
		Blob:      objects,
		MaxAge:    24 * time.Hour,
		BatchSize: 1,
		Now:       func() time.Time { return now },
	})
	res, err := sweeper.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if res.Expired != 1 || res.Orphans != 2 {
		t.Fatalf("expected 1 expired and 2 orphans, got %+v", res)
	}
	left, err := store.List(ctx, "", 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(left) != 1 || left[0].Key != "live.car" {
		t.Fatalf("expected only live.car left, got %+v", left)
	}
}

func TestSweeperWithoutBlobOnlyExpires(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	store := meta.NewMemoryStore()
	store.Put(ctx, meta.Entry{Key: "a", StoredAt: now.Add(-time.Hour)})
	store.Put(ctx, meta.Entry{Key: "b", StoredAt: now})
	res, err := NewSweeper(Options{Store: store, MaxAge: time.Minute}).Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if res.Expired != 1 || res.Orphans != 0 {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestSweeperRequiresStore(t *testing.T) {
	if _, err := NewSweeper(Options{}).Sweep(context.Background()); err == nil {
		t.Fatalf("expected error without store")
	}
}

func TestSweeperStartStops(t *testing.T) {
	store := meta.NewMemoryStore()
	store.Put(context.Background(), meta.Entry{Key: "a", StoredAt: time.Now().Add(-time.Hour)})
	cancel := NewSweeper(Options{Store: store, MaxAge: time.Minute}).Start(context.Background(), time.Millisecond)
	deadline := time.Now().Add(2 * time.Second)
	for {
		left, _ := store.List(context.Background(), "", 0)
		if len(left) == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("background sweep did not run")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
}
