package errors_test

import (
	"context"
	stderrors "errors"
	"testing"

	"github.com/goliatone/go-relational-cache/errors"
)

func TestIs(t *testing.T) {
	err := errors.New(errors.Validation, "bad value")
	if !errors.Is(err, errors.Validation) {
		t.Fatalf("expected Validation code, got %q", errors.CodeOf(err))
	}
	if errors.Is(err, errors.Transient) {
		t.Fatal("did not expect Transient code")
	}
	if got := err.Error(); got != "bad value" {
		t.Fatalf("unexpected message %q", got)
	}
}

func TestMarkKeepsCause(t *testing.T) {
	root := stderrors.New("connection reset")
	err := errors.Mark(root, errors.Transient, "executing loader")

	if !errors.IsTransient(err) {
		t.Fatal("expected transient error")
	}
	if !stderrors.Is(err, root) {
		t.Fatal("expected root cause to be reachable")
	}
	if got, want := err.Error(), "executing loader: connection reset"; got != want {
		t.Fatalf("Error() = %q, want %q", got, want)
	}
	if errors.Mark(nil, errors.Store, "x") != nil {
		t.Fatal("Mark(nil) should be nil")
	}
}

func TestPersistence(t *testing.T) {
	cause := errors.New(errors.Descriptor, "missing primary key")
	err := errors.Persistence("get", "user", cause)

	var pe *errors.PersistenceError
	if !errors.As(err, &pe) {
		t.Fatalf("expected *PersistenceError, got %T", err)
	}
	if pe.Op != "get" || pe.Entity != "user" {
		t.Fatalf("unexpected op/entity: %s/%s", pe.Op, pe.Entity)
	}
	if !errors.Is(err, errors.Descriptor) {
		t.Fatal("code should survive wrapping")
	}

	again := errors.Persistence("find", "user", err)
	if again != err {
		t.Fatal("wrapping twice should return the original PersistenceError")
	}
	if errors.Persistence("get", "user", nil) != nil {
		t.Fatal("Persistence(nil) should be nil")
	}
}

func TestCodeOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want errors.Code
	}{
		{name: "plain", err: stderrors.New("x"), want: ""},
		{name: "coded", err: errors.New(errors.Store, "x"), want: errors.Store},
		{name: "outermost wins", err: errors.Mark(errors.New(errors.Transient, "x"), errors.Validation, "y"), want: errors.Validation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := errors.CodeOf(tt.err); got != tt.want {
				t.Fatalf("CodeOf() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestInterrupted(t *testing.T) {
	if !errors.Interrupted(errors.Wrap(context.Canceled, "waiting")) {
		t.Fatal("expected wrapped context.Canceled to be interrupted")
	}
	if errors.Interrupted(stderrors.New("x")) {
		t.Fatal("plain error is not an interruption")
	}
}
