package persist

import (
	"context"
	"sync"
	"testing"
	"time"
)

type fakeStore struct {
	mu    sync.Mutex
	saves [][]byte
	loads int
	data  []byte
	err   error
}

func (f *fakeStore) Load(ctx context.Context, docID string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loads++
	if f.err != nil {
		return nil, f.err
	}
	if f.data == nil {
		return nil, ErrNotFound
	}
	return f.data, nil
}

func (f *fakeStore) Save(ctx context.Context, docID string, snapshot []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.saves = append(f.saves, snapshot)
	return nil
}

func (f *fakeStore) saveCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.saves)
}

func TestSaverDebouncesBursts(t *testing.T) {
	store := &fakeStore{}
	saver := NewSaver(store, "doc-1", 30*time.Millisecond, func() []byte { return []byte("state") })
	defer saver.Close()

	for i := 0; i < 10; i++ {
		saver.Touch()
		time.Sleep(2 * time.Millisecond)
	}

	deadline := time.Now().Add(time.Second)
	for store.saveCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := store.saveCount(); got != 1 {
		t.Fatalf("expected 1 debounced save, got %d", got)
	}
}

func TestSaverFlushIsImmediate(t *testing.T) {
	store := &fakeStore{}
	saver := NewSaver(store, "doc-1", time.Hour, func() []byte { return []byte("now") })
	defer saver.Close()

	saver.Touch()
	saver.Flush()
	if got := store.saveCount(); got != 1 {
		t.Fatalf("expected 1 save after Flush, got %d", got)
	}
}

func TestSaverCloseSavesFinalState(t *testing.T) {
	store := &fakeStore{}
	saver := NewSaver(store, "doc-1", time.Hour, func() []byte { return []byte("final") })

	saver.Touch()
	saver.Close()
	if got := store.saveCount(); got != 1 {
		t.Fatalf("expected final save on Close, got %d", got)
	}
	if string(store.saves[0]) != "final" {
		t.Fatalf("unexpected snapshot: %q", store.saves[0])
	}

	saver.Touch() // after Close, must be a no-op
	time.Sleep(20 * time.Millisecond)
	if got := store.saveCount(); got != 1 {
		t.Fatalf("Touch after Close triggered a save, got %d", got)
	}
}

func TestSaverSurvivesStoreErrors(t *testing.T) {
	store := &fakeStore{err: context.DeadlineExceeded}
	saver := NewSaver(store, "doc-1", time.Hour, func() []byte { return []byte("x") })
	saver.Flush() // must only log
	saver.Close()
}
