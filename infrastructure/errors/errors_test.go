package errors

import (
	"fmt"
	"testing"
)

func TestClassPredicates(t *testing.T) {
	cases := []struct {
		err      error
		surfaced bool
	}{
		{Validation("bad manifest"), true},
		{Forbidden("custom repositories aren't allowed"), true},
		{StreamAmbiguous("two variants"), true},
		{Conflict("already exists"), true},
		{Transient(fmt.Errorf("timeout"), "resolver unreachable"), false},
		{Unrecoverable("component failed"), false},
		{Internal(fmt.Errorf("nil deref"), "handler panicked"), false},
	}
	for _, tc := range cases {
		if got := Surfaced(tc.err); got != tc.surfaced {
			t.Fatalf("Surfaced(%v) = %v, want %v", tc.err, got, tc.surfaced)
		}
	}
}

func TestWrappingPreservesClass(t *testing.T) {
	inner := Transient(fmt.Errorf("connection reset"), "resolver call failed")
	wrapped := fmt.Errorf("wait handler: %w", inner)
	if !IsTransient(wrapped) {
		t.Fatal("class lost through wrapping")
	}
	if IsConflict(wrapped) {
		t.Fatal("wrong class matched")
	}
}

func TestErrorStringCarriesCodeAndCause(t *testing.T) {
	err := Database(fmt.Errorf("pq: connection refused"), "commit failed")
	got := err.Error()
	if got == "" || err.Unwrap() == nil {
		t.Fatalf("unexpected error shape: %q", got)
	}
}
