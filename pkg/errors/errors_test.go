package errors

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorFormat(t *testing.T) {
	e := New(ErrCodeSchemaMismatch, "column award_id missing")
	if e.Error() != "[SRC_002] column award_id missing" {
		t.Errorf("unexpected format: %s", e.Error())
	}
	e2 := e.WithDetail("source=awards.csv")
	if e2.Error() != "[SRC_002] column award_id missing: source=awards.csv" {
		t.Errorf("unexpected format with detail: %s", e2.Error())
	}
	// WithDetail must not mutate the receiver.
	if e.Detail != "" {
		t.Error("WithDetail mutated the original error")
	}
}

func TestWrapPreservesChain(t *testing.T) {
	base := errors.New("connection refused")
	wrapped := Wrap(base, ErrCodeUnavailable, "neo4j unreachable")
	if !errors.Is(wrapped, base) {
		t.Error("errors.Is should find the base error")
	}
	if GetCode(wrapped) != ErrCodeUnavailable {
		t.Errorf("expected ErrCodeUnavailable, got %s", GetCode(wrapped))
	}

	// Wrapping with CodeUnknown keeps the inner classification.
	rewrapped := Wrap(wrapped, CodeUnknown, "asset failed")
	if rewrapped.Code != ErrCodeUnavailable {
		t.Errorf("expected preserved code, got %s", rewrapped.Code)
	}
}

func TestWrapNil(t *testing.T) {
	if Wrap(nil, ErrCodeInternal, "noop") != nil {
		t.Error("Wrap(nil) must return nil")
	}
}

func TestIsCodeDeepChain(t *testing.T) {
	inner := New(ErrCodeLoaderConflict, "deadlock detected")
	mid := fmt.Errorf("tx aborted: %w", inner)
	outer := Wrap(mid, ErrCodeLoaderFatal, "batch failed")
	if !IsCode(outer, ErrCodeLoaderConflict) {
		t.Error("IsCode should traverse mixed chains")
	}
	if IsCode(outer, ErrCodeGateBlocking) {
		t.Error("IsCode matched a code not in the chain")
	}
}

func TestExitStatus(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{nil, 0},
		{New(ErrCodeRowErrorRate, "too many bad rows"), 1},
		{New(ErrCodeGateBlocking, "uniqueness gate failed"), 2},
		{New(ErrCodeConfigInvalid, "bad threshold"), 3},
		{New(ErrCodeUnavailable, "no graph connection"), 4},
		{errors.New("plain"), 1},
	}
	for _, c := range cases {
		if got := ExitStatus(c.err); got != c.want {
			t.Errorf("ExitStatus(%v) = %d, want %d", c.err, got, c.want)
		}
	}
}

func TestIsRetryable(t *testing.T) {
	if !IsRetryable(New(ErrCodeExternalTransient, "503")) {
		t.Error("transient external errors are retryable")
	}
	if !IsRetryable(New(ErrCodeLoaderConflict, "contention")) {
		t.Error("loader conflicts are retryable")
	}
	if IsRetryable(New(ErrCodeExternalPermanent, "404")) {
		t.Error("permanent external errors are not retryable")
	}
}

func TestModuleForCode(t *testing.T) {
	if ModuleForCode(ErrCodeLoaderConflict) != "LDR" {
		t.Errorf("unexpected module: %s", ModuleForCode(ErrCodeLoaderConflict))
	}
	if ModuleForCode(ErrorCode("")) != "UNKNOWN" {
		t.Error("empty code should map to UNKNOWN")
	}
}
