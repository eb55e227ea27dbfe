package transport

import (
	"errors"
	"fmt"
	"testing"
)

func TestTransientSurvivesWrapping(t *testing.T) {
	base := errors.New("socket reset")
	err := fmt.Errorf("send: %w", Transient(base))
	if !IsTransient(err) {
		t.Fatalf("expected transient")
	}
	if !errors.Is(err, base) {
		t.Fatalf("transient should unwrap to the cause")
	}
	if IsTransient(base) || IsTransient(nil) || Transient(nil) != nil {
		t.Fatalf("unexpected classification")
	}
}
