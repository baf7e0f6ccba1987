package result

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestOk(t *testing.T) {
	r := Ok("hello")
	if !r.IsSuccess() {
		t.Error("Ok() should be success")
	}
	if r.Value() != "hello" {
		t.Errorf("Value() = %q, want %q", r.Value(), "hello")
	}
	if r.Err() != nil {
		t.Errorf("Err() = %v, want nil", r.Err())
	}
	if r.Kind() != KindNone {
		t.Errorf("Kind() = %v, want KindNone", r.Kind())
	}
}

func TestFail(t *testing.T) {
	r := Fail[int](KindNotFound, "no handler")
	if r.IsSuccess() {
		t.Error("Fail() should not be success")
	}
	if r.Kind() != KindNotFound {
		t.Errorf("Kind() = %v, want KindNotFound", r.Kind())
	}
	if r.Err().Code != "NOT_FOUND" {
		t.Errorf("Code = %q, want NOT_FOUND", r.Err().Code)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, KindNone},
		{"cancelled", context.Canceled, KindCancelled},
		{"deadline", context.DeadlineExceeded, KindTimeout},
		{"wrapped cancelled", fmt.Errorf("op: %w", context.Canceled), KindCancelled},
		{"classified", NewError(KindConflict, "", "version mismatch"), KindConflict},
		{"unknown", errors.New("boom"), KindInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Classify(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestRetryable(t *testing.T) {
	retryable := []Kind{KindUnavailable, KindTimeout}
	for _, k := range retryable {
		if !k.Retryable() {
			t.Errorf("%v should be retryable", k)
		}
	}
	terminal := []Kind{KindNone, KindValidation, KindNotFound, KindConflict, KindInternal, KindCancelled, KindUnauthorized}
	for _, k := range terminal {
		if k.Retryable() {
			t.Errorf("%v should not be retryable", k)
		}
	}
}

func TestWrapErrorPreservesClassified(t *testing.T) {
	orig := NewError(KindValidation, "BAD_INPUT", "empty name")
	wrapped := WrapError(KindInternal, fmt.Errorf("handler: %w", orig))
	if wrapped.Kind != KindValidation {
		t.Errorf("Kind = %v, want KindValidation", wrapped.Kind)
	}
	if wrapped.Code != "BAD_INPUT" {
		t.Errorf("Code = %q, want BAD_INPUT", wrapped.Code)
	}
}

func TestFromError(t *testing.T) {
	r := FromError[string](context.Canceled)
	if r.Kind() != KindCancelled {
		t.Errorf("Kind() = %v, want KindCancelled", r.Kind())
	}

	ok := FromError[string](nil)
	if !ok.IsSuccess() {
		t.Error("FromError(nil) should be success")
	}
}

func TestEraseRestore(t *testing.T) {
	r := Ok(42)
	erased := Erase(r)
	restored := Restore[int](erased)
	if !restored.IsSuccess() || restored.Value() != 42 {
		t.Errorf("Restore() = %v, want Ok(42)", restored)
	}

	wrong := Restore[string](erased)
	if wrong.Kind() != KindInternal {
		t.Errorf("Restore wrong type Kind() = %v, want KindInternal", wrong.Kind())
	}

	failed := Restore[int](Erase(Fail[int](KindConflict, "clash")))
	if failed.Kind() != KindConflict {
		t.Errorf("Restore failed Kind() = %v, want KindConflict", failed.Kind())
	}
}

func TestMap(t *testing.T) {
	r := Map(Ok(2), func(v int) string { return fmt.Sprint(v * 2) })
	if r.Value() != "4" {
		t.Errorf("Map() = %q, want 4", r.Value())
	}

	f := Map(Fail[int](KindTimeout, "slow"), func(v int) string { return "x" })
	if f.Kind() != KindTimeout {
		t.Errorf("Map over failure Kind() = %v, want KindTimeout", f.Kind())
	}
}

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("socket closed")
	e := WrapError(KindUnavailable, cause)
	if !errors.Is(e, cause) {
		t.Error("wrapped error should unwrap to cause")
	}
}
