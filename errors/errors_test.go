package errors

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *Error
		contains []string
	}{
		{
			name: "full error",
			err: &Error{
				Phase:  PhaseEvaluate,
				Kind:   KindCompile,
				Status: -1,
				Filter: ".foo |",
				Detail: "syntax error, unexpected end of file",
			},
			contains: []string{"[evaluate]", "compile", "status -1", "syntax error", `".foo |"`},
		},
		{
			name: "minimal error",
			err: &Error{
				Phase: PhaseRetrieve,
				Kind:  KindOutOfBounds,
			},
			contains: []string{"[retrieve]", "out_of_bounds"},
		},
		{
			name: "error with cause",
			err: &Error{
				Phase:  PhaseMarshal,
				Kind:   KindAllocation,
				Detail: "memory full",
				Cause:  errors.New("underlying error"),
			},
			contains: []string{"[marshal]", "allocation", "memory full", "caused by", "underlying error"},
		},
		{
			name: "long filter is truncated",
			err: &Error{
				Phase:  PhaseEvaluate,
				Kind:   KindUnexpectedStatus,
				Filter: strings.Repeat("a", 200),
			},
			contains: []string{`"...`, "unexpected_status"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := tt.err.Error()
			for _, s := range tt.contains {
				if !strings.Contains(msg, s) {
					t.Errorf("error message %q does not contain %q", msg, s)
				}
			}
		})
	}
}

func TestError_NoStatusWhenZero(t *testing.T) {
	err := &Error{Phase: PhaseRequest, Kind: KindInvalidInput, Detail: "input not set"}
	if strings.Contains(err.Error(), "status") {
		t.Errorf("zero status should be omitted: %s", err.Error())
	}
}

func TestError_Unwrap(t *testing.T) {
	cause := errors.New("root cause")
	err := &Error{
		Phase: PhaseEvaluate,
		Kind:  KindTrap,
		Cause: cause,
	}

	if !errors.Is(err.Unwrap(), cause) {
		t.Error("Unwrap did not return cause")
	}

	if !errors.Is(errors.Unwrap(err), cause) {
		t.Error("errors.Unwrap did not return cause")
	}
}

func TestError_Is(t *testing.T) {
	err := &Error{
		Phase:  PhaseEvaluate,
		Kind:   KindCompile,
		Filter: ".x",
	}

	if !err.Is(&Error{Phase: PhaseEvaluate, Kind: KindCompile}) {
		t.Error("Is should match same phase and kind")
	}

	if err.Is(&Error{Phase: PhaseRequest, Kind: KindCompile}) {
		t.Error("Is should not match different phase")
	}

	if err.Is(&Error{Phase: PhaseEvaluate, Kind: KindInit}) {
		t.Error("Is should not match different kind")
	}

	wrapped := fmt.Errorf("run: %w", err)
	if !errors.Is(wrapped, &Error{Phase: PhaseEvaluate, Kind: KindCompile}) {
		t.Error("errors.Is should match through wrapping")
	}
}

func TestBuilder(t *testing.T) {
	cause := errors.New("root")
	err := New(PhaseEvaluate, KindUnexpectedStatus).
		Filter(".a").
		Status(-9).
		Value(42).
		Cause(cause).
		Detail("expected %s, got %d", "ok", -9).
		Build()

	if err.Phase != PhaseEvaluate {
		t.Errorf("Phase = %v, want %v", err.Phase, PhaseEvaluate)
	}
	if err.Kind != KindUnexpectedStatus {
		t.Errorf("Kind = %v, want %v", err.Kind, KindUnexpectedStatus)
	}
	if err.Filter != ".a" {
		t.Errorf("Filter = %q", err.Filter)
	}
	if err.Status != -9 {
		t.Errorf("Status = %d", err.Status)
	}
	if err.Value != 42 {
		t.Errorf("Value = %v, want 42", err.Value)
	}
	if !errors.Is(err.Cause, cause) {
		t.Errorf("Cause = %v, want %v", err.Cause, cause)
	}
	if err.Detail != "expected ok, got -9" {
		t.Errorf("Detail = %v", err.Detail)
	}
}

func TestConvenienceConstructors(t *testing.T) {
	t.Run("MissingField", func(t *testing.T) {
		err := MissingField("filter")
		if err.Kind != KindInvalidInput || err.Phase != PhaseRequest {
			t.Errorf("got %s/%s", err.Phase, err.Kind)
		}
		if !strings.Contains(err.Detail, "filter") {
			t.Errorf("Detail = %v", err.Detail)
		}
	})

	t.Run("CompileFailed keeps filter and status", func(t *testing.T) {
		err := CompileFailed("--helptypo", -1, "")
		if err.Kind != KindCompile {
			t.Errorf("Kind = %v", err.Kind)
		}
		if err.Filter != "--helptypo" || err.Status != -1 {
			t.Errorf("Filter=%q Status=%d", err.Filter, err.Status)
		}
		if err.Detail != "filter compilation failed" {
			t.Errorf("Detail = %q", err.Detail)
		}
	})

	t.Run("CompileFailed uses diagnostics", func(t *testing.T) {
		err := CompileFailed(".[", -1, "jq: error: syntax error\n")
		if err.Detail != "jq: error: syntax error" {
			t.Errorf("Detail = %q", err.Detail)
		}
	})

	t.Run("InitFailed", func(t *testing.T) {
		err := InitFailed(-3, nil)
		if err.Kind != KindInit || err.Status != -3 {
			t.Errorf("got %v status %d", err.Kind, err.Status)
		}
	})

	t.Run("OutputOverflow", func(t *testing.T) {
		err := OutputOverflow(-2, 4096)
		if err.Kind != KindOverflow {
			t.Errorf("Kind = %v", err.Kind)
		}
		if !strings.Contains(err.Detail, "4096") {
			t.Errorf("Detail = %v, should contain limit", err.Detail)
		}
	})

	t.Run("UnexpectedStatus", func(t *testing.T) {
		err := UnexpectedStatus(-42, ".x")
		if err.Status != -42 || err.Filter != ".x" {
			t.Errorf("Status=%d Filter=%q", err.Status, err.Filter)
		}
	})

	t.Run("AllocationFailed", func(t *testing.T) {
		err := AllocationFailed(PhaseMarshal, 1024)
		if err.Kind != KindAllocation {
			t.Errorf("Kind = %v, want %v", err.Kind, KindAllocation)
		}
		if !strings.Contains(err.Detail, "1024") {
			t.Errorf("Detail = %v, should contain size", err.Detail)
		}
	})

	t.Run("OutOfBounds", func(t *testing.T) {
		err := OutOfBounds(PhaseRetrieve, 70000, 10, 65536)
		if err.Kind != KindOutOfBounds {
			t.Errorf("Kind = %v, want %v", err.Kind, KindOutOfBounds)
		}
		if err.Value != uint32(70000) {
			t.Errorf("Value = %v, want 70000", err.Value)
		}
	})

	t.Run("Trap", func(t *testing.T) {
		cause := errors.New("wasm error: unreachable")
		err := Trap(PhaseEvaluate, "process", cause)
		if err.Kind != KindTrap || !errors.Is(err, cause) {
			t.Errorf("got %v", err)
		}
	})

	t.Run("Unsupported", func(t *testing.T) {
		err := Unsupported(PhaseLoad, "process with 3 params")
		if err.Kind != KindUnsupported {
			t.Errorf("Kind = %v, want %v", err.Kind, KindUnsupported)
		}
	})
}

func TestClassification(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		caller      bool
		recoverable bool
	}{
		{"nil", nil, false, true},
		{"missing field", MissingField("input"), true, true},
		{"loan terminated", LoanTerminated("returned"), true, true},
		{"concurrent use", ConcurrentUse("reactor"), true, true},
		{"compile", CompileFailed(".[", -1, ""), false, true},
		{"overflow", OutputOverflow(-2, 10), false, true},
		{"init", InitFailed(-3, nil), false, false},
		{"allocation", AllocationFailed(PhaseMarshal, 8), false, false},
		{"unexpected", UnexpectedStatus(-4, ""), false, false},
		{"trap", Trap(PhaseEvaluate, "process", nil), false, false},
		{"closed", Closed(PhaseEvaluate, "handle"), false, false},
		{"wrapped compile", fmt.Errorf("ctx: %w", CompileFailed(".", -1, "")), false, true},
		{"foreign", errors.New("boom"), false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsCallerError(tt.err); got != tt.caller {
				t.Errorf("IsCallerError = %v, want %v", got, tt.caller)
			}
			if got := IsRecoverable(tt.err); got != tt.recoverable {
				t.Errorf("IsRecoverable = %v, want %v", got, tt.recoverable)
			}
			if got := IsFatal(tt.err); got != (tt.err != nil && !tt.recoverable) {
				t.Errorf("IsFatal = %v", got)
			}
		})
	}
}

func TestKindOf(t *testing.T) {
	if KindOf(errors.New("plain")) != "" {
		t.Error("plain error should have no kind")
	}
	if KindOf(fmt.Errorf("a: %w", Closed(PhasePool, "pool"))) != KindClosed {
		t.Error("KindOf should see through wrapping")
	}
}

func TestMissingExportsError(t *testing.T) {
	t.Run("lists every export", func(t *testing.T) {
		err := NewMissingExportsError([]string{"alloc", "get_output_len"})
		msg := err.Error()
		for _, s := range []string{"2", "alloc", "get_output_len"} {
			if !strings.Contains(msg, s) {
				t.Errorf("error %q should contain %q", msg, s)
			}
		}
	})

	t.Run("empty exports", func(t *testing.T) {
		err := NewMissingExportsError(nil)
		if !strings.Contains(err.Error(), "no exports specified") {
			t.Errorf("empty error should have specific message, got: %s", err.Error())
		}
	})

	t.Run("errors.Is", func(t *testing.T) {
		err := NewMissingExportsError([]string{"process"})
		if !errors.Is(err, &MissingExportsError{}) {
			t.Error("errors.Is should match MissingExportsError")
		}
		if !errors.Is(err, &Error{Phase: PhaseLoad, Kind: KindMissingExport}) {
			t.Error("errors.Is should match load/missing_export")
		}
	})

	t.Run("copies input", func(t *testing.T) {
		names := []string{"alloc"}
		err := NewMissingExportsError(names)
		names[0] = "changed"
		if err.Exports[0] != "alloc" {
			t.Error("constructor should copy names")
		}
	})
}
