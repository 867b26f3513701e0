package apperror

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{name: "not found", err: NotFound("hatim not found"), want: KindNotFound},
		{name: "wrapped forbidden", err: fmt.Errorf("respond: %w", Forbidden("admin only")), want: KindForbidden},
		{name: "conflict", err: Conflict("already requested"), want: KindConflict},
		{name: "validation", err: Validation("approved is required"), want: KindValidation},
		{name: "plain error", err: errors.New("boom"), want: KindInternal},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := KindOf(tc.err); got != tc.want {
				t.Fatalf("KindOf = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestIsMatchesKindAndMessage(t *testing.T) {
	sentinel := Conflict("already requested")
	err := fmt.Errorf("submit: %w", Conflict("already requested"))
	if !errors.Is(err, sentinel) {
		t.Fatal("expected errors.Is to match same kind and message")
	}
	if errors.Is(err, Conflict("already a member")) {
		t.Fatal("expected different message not to match")
	}
}

func TestMessageHidesInternalCause(t *testing.T) {
	err := Internal("load hatim", errors.New("connection reset by peer"))
	if got := Message(err); got != "internal error" {
		t.Fatalf("Message = %q, want generic", got)
	}
	if !errors.Is(err, err.Err) {
		t.Fatal("expected internal error to unwrap to its cause")
	}
	if got := Message(Forbidden("admin only")); got != "admin only" {
		t.Fatalf("Message = %q, want %q", got, "admin only")
	}
}
