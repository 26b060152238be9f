// Package stacktrace turns platform stack descriptions into structured frames.
package stacktrace

import (
	"regexp"
	"runtime"
	"strconv"
	"strings"
)

// Frame is a single stack entry. Line and Column are 1-based; Column is zero
// when the platform does not report one.
type Frame struct {
	FuncName   string `json:"funcName"`
	SourceCode string `json:"sourceCode"`
	Library    string `json:"library,omitempty"`
	Line       int    `json:"line"`
	Column     int    `json:"column,omitempty"`
}

// Location is one (line, column) pair referenced within a source file
type Location struct {
	Line   int `json:"line"`
	Column int `json:"column"`
}

// Trace is the result of extracting a stack
type Trace struct {
	Frames []Frame
	// Sources maps each distinct source path to the locations referenced in it,
	// in the order they appear in the stack.
	Sources map[string][]Location
}

// Paths returns the distinct source paths in first-seen order
func (t Trace) Paths() []string {
	seen := make(map[string]bool, len(t.Sources))
	paths := make([]string, 0, len(t.Sources))
	for _, f := range t.Frames {
		if !seen[f.SourceCode] {
			seen[f.SourceCode] = true
			paths = append(paths, f.SourceCode)
		}
	}
	return paths
}

var stackLineRe = regexp.MustCompile(`^\s*at (.+) \((.+):(\d+):(\d+)\)`)

// Parse extracts frames from a V8-style stack: the first line is the error header,
// every following line of the form "at fn (path:line:col)" becomes a frame.
// Other lines are skipped.
func Parse(stack string) Trace {
	trace := Trace{
		Frames:  []Frame{},
		Sources: map[string][]Location{},
	}

	lines := strings.Split(stack, "\n")
	if len(lines) < 2 {
		return trace
	}

	for _, raw := range lines[1:] {
		m := stackLineRe.FindStringSubmatch(strings.TrimRight(raw, "\r"))
		if m == nil {
			continue
		}
		line, err := strconv.Atoi(m[3])
		if err != nil {
			continue
		}
		column, err := strconv.Atoi(m[4])
		if err != nil {
			continue
		}
		trace.add(Frame{
			FuncName:   m[1],
			SourceCode: m[2],
			Library:    m[2],
			Line:       line,
			Column:     column,
		})
	}

	return trace
}

// FromFrames builds a Trace (with its source index) from already structured frames
func FromFrames(frames []Frame) Trace {
	trace := Trace{
		Frames:  make([]Frame, 0, len(frames)),
		Sources: map[string][]Location{},
	}
	for _, f := range frames {
		trace.add(f)
	}
	return trace
}

func (t *Trace) add(f Frame) {
	t.Frames = append(t.Frames, f)
	t.Sources[f.SourceCode] = append(t.Sources[f.SourceCode], Location{Line: f.Line, Column: f.Column})
}

// maxCaptureDepth bounds runtime stack capture
const maxCaptureDepth = 64

// Capture records the calling goroutine's stack, skipping skip frames above the
// caller of Capture. Runtime internals are dropped and capture stops after main.main.
func Capture(skip int) []Frame {
	frames := []Frame{}

	pcs := make([]uintptr, maxCaptureDepth)
	n := runtime.Callers(skip+2, pcs)
	if n == 0 {
		return frames
	}

	callers := runtime.CallersFrames(pcs[:n])
	for {
		frame, more := callers.Next()

		if !strings.HasPrefix(frame.Function, "runtime.") && frame.Function != "" {
			frames = append(frames, Frame{
				FuncName:   frame.Function,
				SourceCode: frame.File,
				Library:    packagePath(frame.Function),
				Line:       frame.Line,
			})
		}

		if frame.Function == "main.main" || !more {
			break
		}
	}

	return frames
}

// packagePath returns the import path portion of a fully qualified function name
func packagePath(fn string) string {
	slash := strings.LastIndex(fn, "/")
	if dot := strings.Index(fn[slash+1:], "."); dot >= 0 {
		return fn[:slash+1+dot]
	}
	return fn
}
