package errors

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestError_Rendering(t *testing.T) {
	plain := New(CodeEngineStart, "engine failed to start")
	if got := plain.Error(); got != "[E103] engine failed to start" {
		t.Errorf("plain = %q", got)
	}

	single := ReplayNotFound("a.SC2Replay")
	if got := single.Error(); got != "[E101] replay not found (replay=a.SC2Replay)" {
		t.Errorf("single context = %q", got)
	}

	wrapped := Wrap(errors.New("connection refused"), CodeEngineStart, "engine failed to start")
	if got := wrapped.Error(); got != "[E103] engine failed to start: connection refused" {
		t.Errorf("wrapped = %q", got)
	}

	// Context is a map, so multi-key ordering is unspecified.
	multi := MalformedSnapshot(96, "duplicate entity key")
	got := multi.Error()
	if !strings.HasPrefix(got, "[E201] malformed snapshot (") {
		t.Errorf("multi prefix = %q", got)
	}
	for _, frag := range []string{"tick=96", "reason=duplicate entity key"} {
		if !strings.Contains(got, frag) {
			t.Errorf("multi = %q, missing %q", got, frag)
		}
	}
}

func TestWrap_NilPassthrough(t *testing.T) {
	if err := Wrap(nil, CodeSinkOpen, "opening sink"); err != nil {
		t.Errorf("Wrap(nil) = %v", err)
	}
}

func TestCodeExtraction(t *testing.T) {
	base := MatchTimeout("a.SC2Replay", "10m")
	rewrapped := fmt.Errorf("pass 2: %w", base)

	if !IsCode(rewrapped, CodeTimeout) {
		t.Error("IsCode missed a std-wrapped code")
	}
	if IsCode(rewrapped, CodeCanceled) {
		t.Error("IsCode matched the wrong code")
	}
	if got := GetCode(rewrapped); got != CodeTimeout {
		t.Errorf("GetCode = %s", got)
	}
	if got := GetCode(errors.New("anonymous")); got != CodeUnknown {
		t.Errorf("GetCode(plain) = %s", got)
	}
}

func TestRetryableAndFatal(t *testing.T) {
	tests := []struct {
		code      Code
		retryable bool
		fatal     bool
	}{
		{CodeTimeout, true, false},
		{CodeEngineStart, true, false},
		{CodeEngineProtocol, true, false},
		{CodeUploadFailed, true, false},
		{CodeMalformedSnapshot, false, false},
		{CodeReplayNotFound, false, false},
		{CodeSchemaDesync, false, true},
		{CodeWorkerPanic, false, true},
		{CodeUnknown, false, false},
	}

	for _, tt := range tests {
		err := New(tt.code, "probe")
		if got := IsRetryable(err); got != tt.retryable {
			t.Errorf("IsRetryable(%s) = %v, want %v", tt.code, got, tt.retryable)
		}
		if got := IsFatal(err); got != tt.fatal {
			t.Errorf("IsFatal(%s) = %v, want %v", tt.code, got, tt.fatal)
		}
	}
}

func TestMultiError_Combined(t *testing.T) {
	var m MultiError
	if m.Combined() != nil {
		t.Error("empty Combined should be nil")
	}

	first := New(CodeRowAppend, "append failed")
	m.Add(first)
	m.Add(nil)
	if got := m.Combined(); got != first {
		t.Errorf("single Combined = %v", got)
	}

	m.Add(New(CodeSinkFinalize, "finalize failed"))
	combined := m.Combined()
	if combined == nil {
		t.Fatal("two-error Combined is nil")
	}
	if !strings.Contains(combined.Error(), "2 errors occurred") {
		t.Errorf("combined = %q", combined.Error())
	}
}
