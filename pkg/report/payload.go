package report

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/backtrace-labs/backtrace-js/pkg/stacktrace"
)

// Payload is what a report is built from: an ErrorPayload or a StringPayload.
type Payload interface {
	payload()
}

// ErrorPayload describes an error. Stack holds a platform stack description
// (V8 format for browser errors); Frames holds frames that were already
// structured, such as a Go runtime capture. Frames win when both are set.
type ErrorPayload struct {
	Name    string             `json:"name"`
	Message string             `json:"message"`
	Stack   string             `json:"stack,omitempty"`
	Frames  []stacktrace.Frame `json:"frames,omitempty"`
}

func (ErrorPayload) payload() {}

// Trace extracts the payload's stack
func (p ErrorPayload) Trace() stacktrace.Trace {
	if len(p.Frames) > 0 {
		return stacktrace.FromFrames(p.Frames)
	}
	return stacktrace.Parse(p.Stack)
}

// StringPayload is a plain text message with no error semantics
type StringPayload string

func (StringPayload) payload() {}

// FromError converts a Go error, capturing the caller's stack
func FromError(err error) ErrorPayload {
	return fromError(err, 1)
}

// fromError captures frames starting skip frames above its caller
func fromError(err error, skip int) ErrorPayload {
	return ErrorPayload{
		Name:    ErrorName(err),
		Message: err.Error(),
		Frames:  stacktrace.Capture(skip + 1),
	}
}

// ErrorName returns the classifier for err: its dynamic type without the pointer marker
func ErrorName(err error) string {
	if err == nil {
		return ""
	}
	if named, ok := err.(interface{ ErrorName() string }); ok {
		return named.ErrorName()
	}
	return strings.TrimPrefix(reflect.TypeOf(err).String(), "*")
}

// PayloadOf resolves an arbitrary value (a recovered panic, an event reason)
// into a Payload. Errors keep their error semantics; strings and Stringers
// become StringPayload. Anything else is rejected.
func PayloadOf(v any) (Payload, bool) {
	return ResolvePayload(v, 1)
}

// ResolvePayload is PayloadOf for wrappers: a captured stack starts skip
// frames above the caller of ResolvePayload.
func ResolvePayload(v any, skip int) (Payload, bool) {
	switch x := v.(type) {
	case nil:
		return nil, false
	case ErrorPayload:
		return x, true
	case *ErrorPayload:
		if x == nil {
			return nil, false
		}
		return *x, true
	case StringPayload:
		return x, true
	case error:
		return fromError(x, skip+1), true
	case string:
		return StringPayload(x), true
	case fmt.Stringer:
		return StringPayload(x.String()), true
	}
	return nil, false
}

// PanicPayload resolves a recovered panic value, capturing the stack skip
// frames above its caller. Values that are neither errors nor payloads are
// formatted into an ErrorPayload named "panic" so no panic goes unreported.
func PanicPayload(v any, skip int) ErrorPayload {
	switch x := v.(type) {
	case error:
		return fromError(x, skip+1)
	case ErrorPayload:
		return x
	}
	return ErrorPayload{
		Name:    "panic",
		Message: fmt.Sprint(v),
		Frames:  stacktrace.Capture(skip + 1),
	}
}
