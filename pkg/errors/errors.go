// Package errors provides production-grade error handling for ReplayFlow.
// It implements structured errors with codes, context, and stack traces.
package errors

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
)

// Code identifies an error kind for programmatic handling.
type Code string

const (
	// Source / load errors (1xx)
	CodeReplayNotFound Code = "E101"
	CodeReplayCorrupt  Code = "E102"
	CodeEngineStart    Code = "E103"
	CodeEngineProtocol Code = "E104"

	// Extraction errors (2xx)
	CodeMalformedSnapshot Code = "E201"
	CodeSnapshotDecode    Code = "E202"
	CodeSchemaDesync      Code = "E203"
	CodePassRestart       Code = "E204"

	// Output errors (3xx)
	CodeSinkOpen       Code = "E301"
	CodeRowAppend      Code = "E302"
	CodeSinkFinalize   Code = "E303"
	CodeSchemaArtifact Code = "E304"

	// Batch / system errors (4xx)
	CodeWorkerPanic Code = "E401"
	CodeTimeout     Code = "E402"
	CodeCanceled    Code = "E403"
	CodeCheckpoint  Code = "E404"

	// Verification / publish errors (5xx)
	CodeVerifyFailed Code = "E501"
	CodeDuckDBQuery  Code = "E502"
	CodeUploadFailed Code = "E503"

	// Unknown
	CodeUnknown Code = "E999"
)

// ReplayFlowError is the base error type for all ReplayFlow errors.
type ReplayFlowError struct {
	Code       Code
	Message    string
	Cause      error
	Context    map[string]interface{}
	StackTrace []Frame
}

// Frame represents a stack frame.
type Frame struct {
	Function string
	File     string
	Line     int
}

// Error implements the error interface.
func (e *ReplayFlowError) Error() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("[%s] %s", e.Code, e.Message))

	if len(e.Context) > 0 {
		sb.WriteString(" (")
		first := true
		for k, v := range e.Context {
			if !first {
				sb.WriteString(", ")
			}
			sb.WriteString(fmt.Sprintf("%s=%v", k, v))
			first = false
		}
		sb.WriteString(")")
	}

	if e.Cause != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Cause.Error())
	}

	return sb.String()
}

// Unwrap returns the underlying cause.
func (e *ReplayFlowError) Unwrap() error {
	return e.Cause
}

// Is checks if this error matches a target error.
func (e *ReplayFlowError) Is(target error) bool {
	if t, ok := target.(*ReplayFlowError); ok {
		return e.Code == t.Code
	}
	return false
}

// WithContext adds context to the error.
func (e *ReplayFlowError) WithContext(key string, value interface{}) *ReplayFlowError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// New creates a new ReplayFlowError.
func New(code Code, message string) *ReplayFlowError {
	return &ReplayFlowError{
		Code:       code,
		Message:    message,
		StackTrace: captureStack(2),
	}
}

// Wrap wraps an existing error with additional context.
func Wrap(err error, code Code, message string) *ReplayFlowError {
	if err == nil {
		return nil
	}

	return &ReplayFlowError{
		Code:       code,
		Message:    message,
		Cause:      err,
		StackTrace: captureStack(2),
	}
}

// Wrapf wraps an error with a formatted message.
func Wrapf(err error, code Code, format string, args ...interface{}) *ReplayFlowError {
	return Wrap(err, code, fmt.Sprintf(format, args...))
}

// captureStack captures the current stack trace.
func captureStack(skip int) []Frame {
	var frames []Frame
	pcs := make([]uintptr, 32)
	n := runtime.Callers(skip+1, pcs)
	pcs = pcs[:n]

	cf := runtime.CallersFrames(pcs)
	for {
		frame, more := cf.Next()
		frames = append(frames, Frame{
			Function: frame.Function,
			File:     frame.File,
			Line:     frame.Line,
		})
		if !more || len(frames) >= 10 {
			break
		}
	}
	return frames
}

// FormatStack returns a formatted stack trace.
func (e *ReplayFlowError) FormatStack() string {
	var sb strings.Builder
	for _, f := range e.StackTrace {
		sb.WriteString(fmt.Sprintf("  at %s\n    %s:%d\n", f.Function, f.File, f.Line))
	}
	return sb.String()
}

// --- Convenience constructors ---

// ReplayNotFound creates a missing replay asset error.
func ReplayNotFound(path string) *ReplayFlowError {
	return New(CodeReplayNotFound, "replay not found").WithContext("replay", path)
}

// MalformedSnapshot creates a structurally-invalid snapshot error. Fatal for
// the match it occurs in.
func MalformedSnapshot(tick int64, reason string) *ReplayFlowError {
	return New(CodeMalformedSnapshot, "malformed snapshot").
		WithContext("tick", tick).
		WithContext("reason", reason)
}

// SchemaDesync creates a schema/row mismatch error. Always indicates a
// pipeline defect, never bad input data.
func SchemaDesync(tick int64, detail string) *ReplayFlowError {
	return New(CodeSchemaDesync, "schema and row desynchronized").
		WithContext("tick", tick).
		WithContext("detail", detail)
}

// MatchTimeout creates a wall-clock budget error for one match.
func MatchTimeout(replay string, budget string) *ReplayFlowError {
	return New(CodeTimeout, "match exceeded wall-clock budget").
		WithContext("replay", replay).
		WithContext("budget", budget)
}

// Canceled creates a cancellation error.
func Canceled(operation string) *ReplayFlowError {
	return New(CodeCanceled, "operation canceled").
		WithContext("operation", operation)
}

// --- Error checking utilities ---

// IsCode checks if an error has a specific code.
func IsCode(err error, code Code) bool {
	var rfErr *ReplayFlowError
	if errors.As(err, &rfErr) {
		return rfErr.Code == code
	}
	return false
}

// GetCode extracts the error code from an error.
func GetCode(err error) Code {
	var rfErr *ReplayFlowError
	if errors.As(err, &rfErr) {
		return rfErr.Code
	}
	return CodeUnknown
}

// IsRetryable returns true if a failed match may succeed on a retry pass.
func IsRetryable(err error) bool {
	code := GetCode(err)
	switch code {
	case CodeTimeout, CodeEngineStart, CodeEngineProtocol, CodeUploadFailed:
		return true
	default:
		return false
	}
}

// IsFatal returns true if the error indicates a pipeline defect rather than
// bad input, and the batch should stop rather than continue.
func IsFatal(err error) bool {
	code := GetCode(err)
	switch code {
	case CodeSchemaDesync, CodeWorkerPanic:
		return true
	default:
		return false
	}
}

// MultiError collects multiple errors.
type MultiError struct {
	Errors []error
}

// Error implements the error interface.
func (m *MultiError) Error() string {
	if len(m.Errors) == 0 {
		return "no errors"
	}
	if len(m.Errors) == 1 {
		return m.Errors[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d errors occurred:\n", len(m.Errors)))
	for i, err := range m.Errors {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// Add adds an error to the collection.
func (m *MultiError) Add(err error) {
	if err != nil {
		m.Errors = append(m.Errors, err)
	}
}

// HasErrors returns true if any errors were collected.
func (m *MultiError) HasErrors() bool {
	return len(m.Errors) > 0
}

// Combined returns nil if no errors, the single error if one, or the MultiError.
func (m *MultiError) Combined() error {
	switch len(m.Errors) {
	case 0:
		return nil
	case 1:
		return m.Errors[0]
	default:
		return m
	}
}
