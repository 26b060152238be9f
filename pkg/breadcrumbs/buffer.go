// Package breadcrumbs keeps a bounded, insertion-ordered log of recent events
// that is attached to the next error report.
package breadcrumbs

import (
	"fmt"
	"maps"
	"strings"
	"sync"
	"time"
)

// Level classifies a breadcrumb
type Level string

const (
	LevelError   Level = "error"
	LevelWarn    Level = "warn"
	LevelInfo    Level = "info"
	LevelVerbose Level = "verbose"
	LevelDebug   Level = "debug"
	LevelSilly   Level = "silly"
	LevelDefault Level = "default"
)

// DefaultType is used when a breadcrumb is added without a type
const DefaultType = "manual"

// AnnotationName is the report annotation key that carries drained breadcrumbs
const AnnotationName = "Breadcrumbs"

// ParseLevel returns the level for name, or LevelDefault for unknown names
func ParseLevel(name string) Level {
	switch l := Level(strings.ToLower(name)); l {
	case LevelError, LevelWarn, LevelInfo, LevelVerbose, LevelDebug, LevelSilly, LevelDefault:
		return l
	}
	return LevelDefault
}

// Breadcrumb is one recorded event
type Breadcrumb struct {
	ID         uint64         `json:"id"`
	Timestamp  int64          `json:"timestamp"`
	Level      Level          `json:"level"`
	Type       string         `json:"type"`
	Message    string         `json:"message"`
	Attributes map[string]any `json:"attributes"`
}

// SourceText is the source-code section entry that embeds the breadcrumb log as text
type SourceText struct {
	ID            string `json:"id"`
	Type          string `json:"type"`
	Title         string `json:"title"`
	HighlightLine bool   `json:"highlightLine"`
	Text          string `json:"text"`
}

// Option customizes a single Add call
type Option func(*Breadcrumb)

// WithAttributes attaches a copy of attrs to the breadcrumb
func WithAttributes(attrs map[string]any) Option {
	return func(b *Breadcrumb) {
		if attrs != nil {
			b.Attributes = maps.Clone(attrs)
		}
	}
}

// WithTimestamp overrides the breadcrumb time
func WithTimestamp(ts time.Time) Option {
	return func(b *Breadcrumb) {
		if !ts.IsZero() {
			b.Timestamp = ts.Unix()
		}
	}
}

// WithLevel sets the level; unknown names become LevelDefault
func WithLevel(level string) Option {
	return func(b *Breadcrumb) {
		if level != "" {
			b.Level = ParseLevel(level)
		}
	}
}

// WithType sets the event type (e.g. "user", "navigation")
func WithType(typ string) Option {
	return func(b *Breadcrumb) {
		if typ != "" {
			b.Type = typ
		}
	}
}

// Buffer is a thread-safe circular buffer of breadcrumbs.
// A limit of zero or less disables it.
type Buffer struct {
	items  []Breadcrumb
	limit  int
	head   int
	count  int
	nextID uint64
	now    func() time.Time
	mu     sync.Mutex
}

// NewBuffer creates a buffer holding at most limit breadcrumbs
func NewBuffer(limit int) *Buffer {
	b := &Buffer{
		limit: limit,
		now:   time.Now,
	}
	if limit > 0 {
		b.items = make([]Breadcrumb, limit)
	}
	return b
}

// SetClock replaces the time source used for default timestamps
func (b *Buffer) SetClock(now func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if now != nil {
		b.now = now
	}
}

// Enabled reports whether the buffer records anything
func (b *Buffer) Enabled() bool {
	return b != nil && b.limit > 0
}

// Limit returns the configured capacity
func (b *Buffer) Limit() int {
	return b.limit
}

// Add appends a breadcrumb, evicting the oldest entry when full.
// It returns false when the buffer is disabled.
func (b *Buffer) Add(message string, opts ...Option) bool {
	if !b.Enabled() {
		return false
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	crumb := Breadcrumb{
		ID:         b.nextID,
		Timestamp:  b.now().Unix(),
		Level:      LevelDefault,
		Type:       DefaultType,
		Message:    message,
		Attributes: map[string]any{},
	}
	for _, opt := range opts {
		opt(&crumb)
	}

	b.items[b.head] = crumb
	b.head = (b.head + 1) % b.limit
	if b.count < b.limit {
		b.count++
	}
	return true
}

// Len returns the number of buffered breadcrumbs
func (b *Buffer) Len() int {
	if !b.Enabled() {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

// Get returns all breadcrumbs oldest first and clears the buffer.
// Ids keep increasing after a drain.
func (b *Buffer) Get() []Breadcrumb {
	if !b.Enabled() {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	result := b.snapshot()
	b.items = make([]Breadcrumb, b.limit)
	b.head = 0
	b.count = 0
	return result
}

// Peek returns all breadcrumbs oldest first without clearing
func (b *Buffer) Peek() []Breadcrumb {
	if !b.Enabled() {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.snapshot()
}

// ToSourceCode renders the buffer as a single text blob without clearing it
func (b *Buffer) ToSourceCode() SourceText {
	lines := make([]string, 0, b.Len())
	for _, crumb := range b.Peek() {
		lines = append(lines, Format(crumb))
	}
	return SourceText{
		ID:            "main",
		Type:          "Text",
		Title:         "Log File",
		HighlightLine: true,
		Text:          strings.Join(lines, "\n"),
	}
}

// Format renders one breadcrumb as a log line
func Format(crumb Breadcrumb) string {
	ts := time.Unix(crumb.Timestamp, 0).UTC().Format(time.RFC3339)
	return fmt.Sprintf("[%s] <%s> %s", ts, crumb.Level, crumb.Message)
}

// snapshot must be called with mu held
func (b *Buffer) snapshot() []Breadcrumb {
	if b.count == 0 {
		return nil
	}

	result := make([]Breadcrumb, b.count)
	start := 0
	if b.count >= b.limit {
		start = b.head
	}
	for i := 0; i < b.count; i++ {
		result[i] = b.items[(start+i)%b.limit]
	}
	return result
}
