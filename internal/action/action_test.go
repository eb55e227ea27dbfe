package action

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"relaybot/internal/clock"
	"relaybot/internal/storage"
	"relaybot/pkg/logx"
)

type recorder struct {
	mu    sync.Mutex
	calls []storage.ActionKind
	err   error
	panic bool
}

func (r *recorder) record(a storage.Action) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.panic {
		panic("boom")
	}
	r.calls = append(r.calls, a.Kind)
	return r.err
}

func (r *recorder) Restart(ctx context.Context, a storage.Action) error   { return r.record(a) }
func (r *recorder) Release(ctx context.Context, a storage.Action) error   { return r.record(a) }
func (r *recorder) ResetAuth(ctx context.Context, a storage.Action) error { return r.record(a) }

func newChannel(st storage.ActionStore) (*Channel, *clock.Manual) {
	clk := clock.NewManual(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	return New(st, Config{LockID: "acme:1", Claimant: "holder-a", Clock: clk}), clk
}

func TestPollExecutesOldestFirstAndMarksResult(t *testing.T) {
	ctx := context.Background()
	st := storage.NewMemory()
	ch, clk := newChannel(st)

	if _, err := ch.Enqueue(ctx, storage.ActionRelease, "first", "cli"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	clk.Advance(time.Second)
	if _, err := ch.Enqueue(ctx, storage.ActionRestart, "second", "cli"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	rec := &recorder{}
	for i := 0; i < 3; i++ {
		if _, err := ch.PollOnce(ctx, rec); err != nil {
			t.Fatalf("poll: %v", err)
		}
	}
	if len(rec.calls) != 2 || rec.calls[0] != storage.ActionRelease || rec.calls[1] != storage.ActionRestart {
		t.Fatalf("calls=%v", rec.calls)
	}

	list, err := ch.List(ctx, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	for _, a := range list {
		if a.Pending() || a.Result != storage.ResultOK || a.DoneBy != "holder-a" {
			t.Fatalf("action not completed: %+v", a)
		}
	}
}

func TestUnknownActionIsIgnored(t *testing.T) {
	ctx := context.Background()
	ch, _ := newChannel(storage.NewMemory())
	a, _ := ch.Enqueue(ctx, "selfDestruct", "", "cli")
	rec := &recorder{}
	if handled, err := ch.PollOnce(ctx, rec); err != nil || !handled {
		t.Fatalf("handled=%v err=%v", handled, err)
	}
	list, _ := ch.List(ctx, 10)
	if len(list) != 1 || list[0].ID != a.ID || list[0].Result != storage.ResultIgnored {
		t.Fatalf("list=%+v", list)
	}
	if len(rec.calls) != 0 {
		t.Fatalf("executor called for unknown action")
	}
}

func TestExecutorErrorAndPanicAreRecorded(t *testing.T) {
	ctx := context.Background()
	ch, _ := newChannel(storage.NewMemory())

	ch.Enqueue(ctx, storage.ActionRestart, "", "")
	if _, err := ch.PollOnce(ctx, &recorder{err: errors.New("session busy")}); err != nil {
		t.Fatalf("poll: %v", err)
	}
	ch.Enqueue(ctx, storage.ActionResetAuth, "", "")
	if _, err := ch.PollOnce(ctx, &recorder{panic: true}); err != nil {
		t.Fatalf("poll: %v", err)
	}

	list, _ := ch.List(ctx, 10)
	if len(list) != 2 {
		t.Fatalf("list=%+v", list)
	}
	results := map[storage.ActionKind]string{}
	for _, a := range list {
		results[a.Kind] = a.Result
	}
	if results[storage.ActionRestart] != "error: session busy" {
		t.Fatalf("restart result=%q", results[storage.ActionRestart])
	}
	if !strings.HasPrefix(results[storage.ActionResetAuth], "error: panic") {
		t.Fatalf("resetAuth result=%q", results[storage.ActionResetAuth])
	}
}

func TestEnqueueRejectsEmptyKind(t *testing.T) {
	ch, _ := newChannel(storage.NewMemory())
	if _, err := ch.Enqueue(context.Background(), " ", "", ""); err == nil {
		t.Fatalf("expected error")
	}
}

// blockingStore parks ClaimAction so a second PollOnce overlaps the first.
type blockingStore struct {
	*storage.Memory
	entered chan struct{}
	release chan struct{}
	claims  atomic.Int32
}

func (b *blockingStore) ClaimAction(ctx context.Context, lockID, claimant string, now time.Time) (storage.Action, bool, error) {
	b.claims.Add(1)
	b.entered <- struct{}{}
	<-b.release
	return b.Memory.ClaimAction(ctx, lockID, claimant, now)
}

func TestOverlappingPollsAreSkipped(t *testing.T) {
	st := &blockingStore{Memory: storage.NewMemory(), entered: make(chan struct{}, 1), release: make(chan struct{})}
	ch, _ := newChannel(st)
	ctx := context.Background()

	done := make(chan struct{})
	go func() {
		_, _ = ch.PollOnce(ctx, &recorder{})
		close(done)
	}()
	<-st.entered

	handled, err := ch.PollOnce(ctx, &recorder{})
	if handled || err != nil {
		t.Fatalf("overlapping poll ran: handled=%v err=%v", handled, err)
	}
	close(st.release)
	<-done
	if st.claims.Load() != 1 {
		t.Fatalf("claims=%d", st.claims.Load())
	}
}

func TestExecutorFailureLoggedAsError(t *testing.T) {
	ctx := context.Background()
	var buf bytes.Buffer
	ch := New(storage.NewMemory(), Config{LockID: "acme:1", Claimant: "holder-a", Logger: logx.NewWriter(&buf, "debug")})

	ch.Enqueue(ctx, storage.ActionRelease, "", "")
	if _, err := ch.PollOnce(ctx, &recorder{err: errors.New("store timeout")}); err != nil {
		t.Fatalf("poll: %v", err)
	}
	var line string
	for _, l := range strings.Split(buf.String(), "\n") {
		if strings.Contains(l, "action failed") {
			line = l
		}
	}
	if !strings.Contains(line, `"level":"error"`) {
		t.Fatalf("action failure log = %q", line)
	}
}
