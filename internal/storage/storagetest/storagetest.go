// Package storagetest holds the behaviour every storage driver must show.
// Driver packages call Run from their own tests.
package storagetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"relaybot/internal/storage"
)

type Options struct {
	// SkipConcurrent skips the racing-claim checks for backends whose fakes
	// do not serialize conditional writes.
	SkipConcurrent bool
}

// Base is millisecond aligned so every backend round-trips it exactly.
var Base = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func Run(t *testing.T, open func(t *testing.T) storage.Store, opts Options) {
	t.Run("claim creates record", func(t *testing.T) { claimCreates(t, open(t)) })
	t.Run("fresh lease blocks other holders", func(t *testing.T) { contention(t, open(t)) })
	t.Run("stale lease is taken over", func(t *testing.T) { staleTakeover(t, open(t)) })
	t.Run("update matches holder only", func(t *testing.T) { updateIfMatch(t, open(t)) })
	t.Run("delete matches holder only", func(t *testing.T) { deleteIfMatch(t, open(t)) })
	t.Run("actions are claimed oldest first", func(t *testing.T) { actionsFIFO(t, open(t)) })
	if !opts.SkipConcurrent {
		t.Run("racing lease claims elect one", func(t *testing.T) { racingClaims(t, open(t)) })
		t.Run("racing action claims pick one", func(t *testing.T) { racingActionClaims(t, open(t)) })
	}
}

func claim(id, holder string, now time.Time, staleAfter time.Duration) storage.LeaseClaim {
	return storage.LeaseClaim{ID: id, HolderID: holder, Host: "host-" + holder, PID: 42, Now: now, StaleBefore: now.Add(-staleAfter)}
}

func mustClaim(t *testing.T, st storage.Store, c storage.LeaseClaim, want bool) {
	t.Helper()
	ok, err := st.ClaimLease(context.Background(), c)
	if err != nil {
		t.Fatalf("claim %s: %v", c.HolderID, err)
	}
	if ok != want {
		t.Fatalf("claim %s = %v, want %v", c.HolderID, ok, want)
	}
}

func mustRead(t *testing.T, st storage.Store, id string) storage.Lease {
	t.Helper()
	l, err := st.ReadLease(context.Background(), id)
	if err != nil {
		t.Fatalf("read %s: %v", id, err)
	}
	return l
}

func claimCreates(t *testing.T, st storage.Store) {
	defer st.Close()
	if _, err := st.ReadLease(context.Background(), "t:1"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("read missing err = %v, want ErrNotFound", err)
	}
	mustClaim(t, st, claim("t:1", "a", Base, 25*time.Second), true)
	l := mustRead(t, st, "t:1")
	if l.HolderID != "a" || l.Host != "host-a" || l.PID != 42 || l.State != storage.StateStandby {
		t.Fatalf("unexpected lease %+v", l)
	}
	if !l.StartedAt.Equal(Base) || !l.LastSeenAt.Equal(Base) {
		t.Fatalf("timestamps = %v / %v", l.StartedAt, l.LastSeenAt)
	}
	// Same holder may claim again.
	mustClaim(t, st, claim("t:1", "a", Base.Add(time.Second), 25*time.Second), true)
}

func contention(t *testing.T, st storage.Store) {
	defer st.Close()
	mustClaim(t, st, claim("t:1", "a", Base, 25*time.Second), true)
	mustClaim(t, st, claim("t:1", "b", Base.Add(10*time.Second), 25*time.Second), false)
	if l := mustRead(t, st, "t:1"); l.HolderID != "a" || !l.LastSeenAt.Equal(Base) {
		t.Fatalf("losing claim mutated record: %+v", l)
	}
}

func staleTakeover(t *testing.T, st storage.Store) {
	defer st.Close()
	mustClaim(t, st, claim("t:1", "a", Base, 25*time.Second), true)
	later := Base.Add(26 * time.Second)
	mustClaim(t, st, claim("t:1", "b", later, 25*time.Second), true)
	l := mustRead(t, st, "t:1")
	if l.HolderID != "b" || !l.LastSeenAt.Equal(later) {
		t.Fatalf("takeover not recorded: %+v", l)
	}
}

func updateIfMatch(t *testing.T, st storage.Store) {
	defer st.Close()
	ctx := context.Background()
	mustClaim(t, st, claim("t:1", "a", Base, 25*time.Second), true)

	n, err := st.UpdateLease(ctx, "t:1", "b", storage.LeaseUpdate{LastSeenAt: Base.Add(time.Minute)})
	if err != nil || n != 0 {
		t.Fatalf("foreign update = %d, %v", n, err)
	}
	if l := mustRead(t, st, "t:1"); !l.LastSeenAt.Equal(Base) {
		t.Fatalf("foreign update mutated record: %+v", l)
	}

	seen := Base.Add(9 * time.Second)
	n, err = st.UpdateLease(ctx, "t:1", "a", storage.LeaseUpdate{State: storage.StateReady, LastSeenAt: seen})
	if err != nil || n != 1 {
		t.Fatalf("own update = %d, %v", n, err)
	}
	l := mustRead(t, st, "t:1")
	if l.State != storage.StateReady || !l.LastSeenAt.Equal(seen) || !l.StartedAt.Equal(Base) {
		t.Fatalf("update not applied: %+v", l)
	}

	n, err = st.UpdateLease(ctx, "missing", "a", storage.LeaseUpdate{LastSeenAt: seen})
	if err != nil || n != 0 {
		t.Fatalf("update missing = %d, %v", n, err)
	}
}

func deleteIfMatch(t *testing.T, st storage.Store) {
	defer st.Close()
	ctx := context.Background()
	mustClaim(t, st, claim("t:1", "a", Base, 25*time.Second), true)
	if n, err := st.DeleteLease(ctx, "t:1", "b"); err != nil || n != 0 {
		t.Fatalf("foreign delete = %d, %v", n, err)
	}
	if n, err := st.DeleteLease(ctx, "t:1", "a"); err != nil || n != 1 {
		t.Fatalf("own delete = %d, %v", n, err)
	}
	if _, err := st.ReadLease(ctx, "t:1"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("read after delete err = %v", err)
	}
	// A deleted lease is immediately claimable by anyone.
	mustClaim(t, st, claim("t:1", "b", Base.Add(time.Second), 25*time.Second), true)
	if n, err := st.DeleteLease(ctx, "t:1", ""); err != nil || n != 1 {
		t.Fatalf("unconditional delete = %d, %v", n, err)
	}
}

func actionsFIFO(t *testing.T, st storage.Store) {
	defer st.Close()
	ctx := context.Background()
	insert := func(id string, kind storage.ActionKind, lock string, at time.Time) {
		t.Helper()
		err := st.InsertAction(ctx, storage.Action{ID: id, LockID: lock, Kind: kind, Reason: "test", RequestedBy: "ops", RequestedAt: at})
		if err != nil {
			t.Fatalf("insert %s: %v", id, err)
		}
	}
	insert("a2", storage.ActionRelease, "t:1", Base.Add(2*time.Second))
	insert("a1", storage.ActionRestart, "t:1", Base.Add(time.Second))
	insert("other", storage.ActionRestart, "t:2", Base)

	now := Base.Add(time.Minute)
	a, ok, err := st.ClaimAction(ctx, "t:1", "owner", now)
	if err != nil || !ok {
		t.Fatalf("claim = %v, %v", ok, err)
	}
	if a.ID != "a1" || a.Kind != storage.ActionRestart || a.DoneBy != "owner" || !a.DoneAt.Equal(now) {
		t.Fatalf("claimed %+v", a)
	}
	if a.Reason != "test" || a.RequestedBy != "ops" || !a.RequestedAt.Equal(Base.Add(time.Second)) {
		t.Fatalf("claimed fields lost: %+v", a)
	}
	if err := st.MarkAction(ctx, a.ID, storage.ResultOK); err != nil {
		t.Fatalf("mark: %v", err)
	}

	b, ok, err := st.ClaimAction(ctx, "t:1", "owner", now)
	if err != nil || !ok || b.ID != "a2" {
		t.Fatalf("second claim = %+v, %v, %v", b, ok, err)
	}
	if _, ok, err := st.ClaimAction(ctx, "t:1", "owner", now); err != nil || ok {
		t.Fatalf("drained queue claim = %v, %v", ok, err)
	}

	list, err := st.ListActions(ctx, "t:1", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 || list[0].ID != "a2" || list[1].ID != "a1" {
		t.Fatalf("list order = %+v", list)
	}
	if list[1].Result != storage.ResultOK || list[1].Pending() {
		t.Fatalf("mark not visible: %+v", list[1])
	}
	if err := st.MarkAction(ctx, "nope", storage.ResultOK); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("mark missing err = %v", err)
	}
}

func racingClaims(t *testing.T, st storage.Store) {
	defer st.Close()
	const n = 8
	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, err := st.ClaimLease(context.Background(), claim("race", fmt.Sprintf("h%d", i), Base, 25*time.Second))
			if err == nil && ok {
				wins.Add(1)
			}
		}(i)
	}
	wg.Wait()
	if got := wins.Load(); got != 1 {
		t.Fatalf("winners = %d, want 1", got)
	}
}

func racingActionClaims(t *testing.T, st storage.Store) {
	defer st.Close()
	ctx := context.Background()
	if err := st.InsertAction(ctx, storage.Action{ID: "only", LockID: "t:1", Kind: storage.ActionRestart, RequestedAt: Base}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	const n = 8
	var claims atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, ok, err := st.ClaimAction(ctx, "t:1", fmt.Sprintf("p%d", i), Base.Add(time.Second))
			if err == nil && ok {
				claims.Add(1)
			}
		}(i)
	}
	wg.Wait()
	if got := claims.Load(); got != 1 {
		t.Fatalf("claims = %d, want 1", got)
	}
}
