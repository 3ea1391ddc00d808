package dberr

import (
	"errors"
	"strings"
	"testing"
)

func TestNewCapturesStack(t *testing.T) {
	err := New(CategoryUser, CodeDuplicateKey, "key already exists")
	if len(err.Stack) == 0 {
		t.Errorf("expected New to capture a non-empty stack")
	}
	if !strings.Contains(err.Error(), CodeDuplicateKey) {
		t.Errorf("Error() = %q, want it to contain %q", err.Error(), CodeDuplicateKey)
	}
}

func TestWrapPlainErrorProducesSystemCategory(t *testing.T) {
	base := errors.New("disk full")
	wrapped := Wrap(base, CodeAllocationFailed, "AllocateFromAnotherSection", "Table")

	if wrapped.Category != CategorySystem {
		t.Errorf("Category = %v, want CategorySystem", wrapped.Category)
	}
	if wrapped.Operation != "AllocateFromAnotherSection" {
		t.Errorf("Operation = %q", wrapped.Operation)
	}
	if !errors.Is(wrapped, base) {
		t.Errorf("expected errors.Is to see through Wrap via Unwrap")
	}
}

func TestWrapPreservesExistingDBError(t *testing.T) {
	inner := New(CategoryData, CodeDictionaryNotFound, "dictionary not found")
	wrapped := Wrap(inner, CodeDictionaryNotFound, "Get", "DictionaryHolder")

	if wrapped != inner {
		t.Fatalf("expected Wrap to return the same *DBError instance")
	}
	if wrapped.Operation != "Get" || wrapped.Component != "DictionaryHolder" {
		t.Errorf("Wrap did not fill in operation/component: %+v", wrapped)
	}
}

func TestWrapDoesNotOverwriteExistingOperation(t *testing.T) {
	inner := New(CategoryData, CodeDictionaryNotFound, "dictionary not found")
	inner.Operation = "FirstCaller"

	wrapped := Wrap(inner, CodeDictionaryNotFound, "SecondCaller", "DictionaryHolder")
	if wrapped.Operation != "FirstCaller" {
		t.Errorf("Operation = %q, want FirstCaller to be preserved", wrapped.Operation)
	}
}

func TestWrapNilReturnsNil(t *testing.T) {
	if Wrap(nil, CodeAllocationFailed, "op", "component") != nil {
		t.Errorf("expected Wrap(nil, ...) to return nil")
	}
}

func TestCorruptIsCategoryCorruption(t *testing.T) {
	err := Corrupt("Delete", "Table", "missing index entry")
	if err.Category != CategoryCorruption {
		t.Errorf("Category = %v, want CategoryCorruption", err.Category)
	}
	if err.Code != CodeIndexInconsistency {
		t.Errorf("Code = %q, want %q", err.Code, CodeIndexInconsistency)
	}
}

func TestErrorCategoryString(t *testing.T) {
	cases := map[ErrorCategory]string{
		CategoryUser:       "user",
		CategorySystem:     "system",
		CategoryData:       "data",
		CategoryCorruption: "corruption",
	}
	for cat, want := range cases {
		if got := cat.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", cat, got, want)
		}
	}
}
