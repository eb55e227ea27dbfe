package systemd

import (
	"context"
	"testing"

	"relaybot/pkg/logx"
)

func TestNotifyStates(t *testing.T) {
	var got []string
	n := New(logx.Nop())
	n.send = func(_ bool, state string) (bool, error) {
		got = append(got, state)
		return true, nil
	}
	n.Ready()
	n.Status("owner: ready")
	n.Stopping()
	want := []string{"READY=1", "STATUS=owner: ready", "STOPPING=1"}
	if len(got) != len(want) {
		t.Fatalf("got %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("state %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestWatchdogDisabledReturns(t *testing.T) {
	t.Setenv("WATCHDOG_USEC", "")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	New(logx.Nop()).Watchdog(ctx)
}
