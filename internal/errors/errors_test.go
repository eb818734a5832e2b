package errors

import (
	stderrors "errors"
	"strings"
	"testing"
)

// TestNewError verifies code and message formatting.
func TestNewError(t *testing.T) {
	err := New(ErrStoreNotFound, "blockers/b1 not found")

	if !strings.Contains(err.Error(), "STORE_NOT_FOUND") {
		t.Errorf("Expected code in message, got %s", err.Error())
	}
	if !strings.Contains(err.Error(), "blockers/b1 not found") {
		t.Errorf("Expected message text, got %s", err.Error())
	}
}

// TestWrapUnwrap verifies the wrapped cause is preserved.
func TestWrapUnwrap(t *testing.T) {
	cause := stderrors.New("disk full")
	err := Wrap(ErrStoreWrite, "upsert into blockers", cause)

	if !stderrors.Is(err, cause) {
		t.Error("Expected errors.Is to find the cause")
	}
	if !strings.Contains(err.Error(), "disk full") {
		t.Errorf("Expected cause in message, got %s", err.Error())
	}
}

// TestIsCode verifies code matching walks the wrap chain.
func TestIsCode(t *testing.T) {
	inner := New(ErrStoreNotFound, "missing")
	outer := Wrap(ErrSyncFailed, "drain cycle", inner)

	if !Is(outer, ErrSyncFailed) {
		t.Error("Expected outer code to match")
	}
	if !Is(outer, ErrStoreNotFound) {
		t.Error("Expected inner code to match through the chain")
	}
	if Is(outer, ErrBootstrap) {
		t.Error("Expected unrelated code not to match")
	}
	if Is(nil, ErrSyncFailed) {
		t.Error("Expected nil not to match any code")
	}
	if Is(stderrors.New("plain"), ErrSyncFailed) {
		t.Error("Expected plain error not to match")
	}
}
