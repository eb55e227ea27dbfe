package storage_test

import (
	"testing"

	"relaybot/internal/storage"
	"relaybot/internal/storage/storagetest"
)

func TestMemoryStore(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Store { return storage.NewMemory() }, storagetest.Options{})
}

func TestParseActionKind(t *testing.T) {
	cases := map[string]storage.ActionKind{
		"restart":    storage.ActionRestart,
		" Release ":  storage.ActionRelease,
		"reset-auth": storage.ActionResetAuth,
		"resetAuth":  storage.ActionResetAuth,
		"reboot":     storage.ActionKind("reboot"),
	}
	for in, want := range cases {
		if got := storage.ParseActionKind(in); got != want {
			t.Fatalf("ParseActionKind(%q) = %q, want %q", in, got, want)
		}
	}
}
