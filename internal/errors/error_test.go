package errors

import (
	stderrors "errors"
	"fmt"
	"testing"
)

func TestWrapKeepsMessage(t *testing.T) {
	base := New(KindSelection, "Main file `a.py` not found.")
	wrapped := Wrap(fmt.Errorf("resolve: %w", base), KindBackend)

	if wrapped.Kind != KindBackend {
		t.Errorf("kind = %v, want %v", wrapped.Kind, KindBackend)
	}
	if wrapped.Message != base.Message {
		t.Errorf("message = %q, want %q", wrapped.Message, base.Message)
	}
}

func TestKindOf(t *testing.T) {
	err := fmt.Errorf("outer: %w", Newf(KindTimeout, "timed out after %ds", 5))
	if got := KindOf(err); got != KindTimeout {
		t.Errorf("KindOf = %v, want %v", got, KindTimeout)
	}
	if got := KindOf(stderrors.New("plain")); got != KindInternal {
		t.Errorf("KindOf(plain) = %v, want %v", got, KindInternal)
	}
	if IsKind(nil, KindInternal) {
		t.Error("IsKind(nil) should be false")
	}
}

func TestIsMatchesSentinel(t *testing.T) {
	sentinel := New(KindNotFound, "no active session")
	err := fmt.Errorf("terminate: %w", New(KindNotFound, "no active session"))
	if !stderrors.Is(err, sentinel) {
		t.Error("expected errors.Is to match equal kind and message")
	}
	if stderrors.Is(err, New(KindNotFound, "other")) {
		t.Error("different message should not match")
	}
}

func TestUserMessageHidesInternal(t *testing.T) {
	if got := UserMessage(stderrors.New("dial unix /var/run/docker.sock"), "fallback"); got != "fallback" {
		t.Errorf("UserMessage = %q, want fallback", got)
	}
	if got := UserMessage(Wrapf(stderrors.New("x"), KindBackend, "Container failed to start."), "fallback"); got != "Container failed to start." {
		t.Errorf("UserMessage = %q", got)
	}
}
