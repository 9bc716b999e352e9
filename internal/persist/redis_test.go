package persist

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func setupRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	store, err := NewRedisStore("redis://" + mr.Addr())
	if err != nil {
		t.Fatalf("failed to create redis store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store, mr
}

func TestRedisStoreRoundTrip(t *testing.T) {
	store, _ := setupRedisStore(t)
	ctx := context.Background()

	if err := store.Save(ctx, "doc-1", []byte("snapshot-bytes")); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	got, err := store.Load(ctx, "doc-1")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if string(got) != "snapshot-bytes" {
		t.Errorf("loaded %q, want %q", got, "snapshot-bytes")
	}
}

func TestRedisStoreMissingDocument(t *testing.T) {
	store, _ := setupRedisStore(t)

	_, err := store.Load(context.Background(), "nope")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRedisStoreSnapshotExpires(t *testing.T) {
	store, mr := setupRedisStore(t)
	store.WithTTL(time.Minute)
	ctx := context.Background()

	if err := store.Save(ctx, "doc-1", []byte("old")); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	mr.FastForward(2 * time.Minute)

	_, err := store.Load(ctx, "doc-1")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected expired snapshot to be gone, got %v", err)
	}
}

func TestRedisStoreSaveRefreshesTTL(t *testing.T) {
	store, mr := setupRedisStore(t)
	store.WithTTL(time.Minute)
	ctx := context.Background()

	if err := store.Save(ctx, "doc-1", []byte("v1")); err != nil {
		t.Fatal(err)
	}
	mr.FastForward(45 * time.Second)
	if err := store.Save(ctx, "doc-1", []byte("v2")); err != nil {
		t.Fatal(err)
	}
	mr.FastForward(45 * time.Second)

	got, err := store.Load(ctx, "doc-1")
	if err != nil {
		t.Fatalf("snapshot expired despite refresh: %v", err)
	}
	if string(got) != "v2" {
		t.Errorf("loaded %q, want %q", got, "v2")
	}
}

func TestRedisStoreDelete(t *testing.T) {
	store, _ := setupRedisStore(t)
	ctx := context.Background()

	if err := store.Save(ctx, "doc-1", []byte("x")); err != nil {
		t.Fatal(err)
	}
	if err := store.Delete(ctx, "doc-1"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := store.Load(ctx, "doc-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}
