package awareness

import (
	"sync"
	"testing"
	"time"
)

// fakeClock lets tests advance time without sleeping.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestTracker(t *testing.T, clock *fakeClock) *Tracker {
	t.Helper()
	tr := NewTracker(1, time.Hour, WithClock(clock.Now))
	t.Cleanup(tr.Close)
	return tr
}

func TestApplyRemoteUpsert(t *testing.T) {
	clock := newFakeClock()
	tr := newTestTracker(t, clock)

	tr.ApplyRemote(2, State{DisplayName: "Ada", Color: "#f00"})
	tr.ApplyRemote(3, State{DisplayName: "Grace"})
	tr.ApplyRemote(2, State{DisplayName: "Ada", Cursor: &Cursor{Anchor: 4, Head: 4}})

	entries := tr.Entries()
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].ClientID != 2 || entries[0].State.Cursor == nil {
		t.Fatalf("upsert did not keep latest state: %+v", entries[0])
	}
}

func TestIgnoresOwnClientID(t *testing.T) {
	clock := newFakeClock()
	tr := newTestTracker(t, clock)

	tr.ApplyRemote(1, State{DisplayName: "me"})
	if len(tr.Entries()) != 0 {
		t.Fatal("tracker stored its own client as a remote entry")
	}
}

func TestSweepExpiresStaleEntries(t *testing.T) {
	clock := newFakeClock()
	tr := newTestTracker(t, clock)

	tr.ApplyRemote(2, State{DisplayName: "Ada"})
	clock.Advance(20 * time.Second)
	tr.ApplyRemote(3, State{DisplayName: "Grace"})

	clock.Advance(15 * time.Second) // client 2 now 35s stale, client 3 only 15s
	tr.Sweep()

	entries := tr.Entries()
	if len(entries) != 1 || entries[0].ClientID != 3 {
		t.Fatalf("expected only client 3 to survive, got %+v", entries)
	}
}

func TestRefreshPreventsExpiry(t *testing.T) {
	clock := newFakeClock()
	tr := newTestTracker(t, clock)

	tr.ApplyRemote(2, State{DisplayName: "Ada"})
	for i := 0; i < 5; i++ {
		clock.Advance(20 * time.Second)
		tr.ApplyRemote(2, State{DisplayName: "Ada"})
		tr.Sweep()
	}
	if len(tr.Entries()) != 1 {
		t.Fatal("refreshed entry was swept")
	}
}

func TestSetLocalFiresBroadcastHook(t *testing.T) {
	clock := newFakeClock()
	tr := newTestTracker(t, clock)

	var got []State
	tr.OnLocalChange(func(s State) { got = append(got, s) })

	tr.SetLocal(State{DisplayName: "me"})
	tr.SetLocal(State{DisplayName: "me", Cursor: &Cursor{Anchor: 1, Head: 3}})

	if len(got) != 2 {
		t.Fatalf("expected 2 local broadcasts, got %d", len(got))
	}
	if got[1].Cursor == nil || got[1].Cursor.Head != 3 {
		t.Fatalf("latest local state not delivered: %+v", got[1])
	}
}

func TestRemoveNotifiesOnce(t *testing.T) {
	clock := newFakeClock()
	tr := newTestTracker(t, clock)

	var calls int
	tr.OnChange(func([]Entry) { calls++ })

	tr.ApplyRemote(2, State{})
	tr.Remove(2)
	tr.Remove(2) // already gone, must not notify again

	if calls != 2 {
		t.Fatalf("expected 2 notifications, got %d", calls)
	}
}

func TestCloseStopsSweep(t *testing.T) {
	clock := newFakeClock()
	tr := NewTracker(1, time.Millisecond, WithClock(clock.Now))
	tr.Close()
	tr.Close() // idempotent
}
