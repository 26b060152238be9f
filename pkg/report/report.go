// Package report builds the data envelope submitted for one error or message.
package report

import (
	"encoding/json"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/google/uuid"

	"github.com/backtrace-labs/backtrace-js/pkg/logger"
	"github.com/backtrace-labs/backtrace-js/pkg/stacktrace"
)

// Agent identification carried in every envelope
const AgentName = "backtrace-go"

// AgentVersion is overridden at build time
var AgentVersion = "1.2.0"

// MainThread is the only thread name a report carries
const MainThread = "main"

// LogAnnotation is the reserved annotation slot for per-report log lines
const LogAnnotation = "Log"

// DefaultTabWidth is carried in the envelope for older consumers
const DefaultTabWidth = 8

// processStart anchors the process.age attribute
var processStart = time.Now()

// Thread holds the stack of one thread
type Thread struct {
	Stack []stacktrace.Frame `json:"stack"`
}

// SourceFile is the source-code section entry for a referenced path
type SourceFile struct {
	Path string `json:"path"`
}

// LogLine is one line recorded through Report.Log
type LogLine struct {
	Timestamp time.Time `json:"ts"`
	Message   string    `json:"msg"`
}

// Report is a single error submission. Fields are exported for serialization;
// use the Add* methods to mutate attributes and annotations so values are validated.
type Report struct {
	UUID          string            `json:"uuid"`
	Timestamp     int64             `json:"timestamp"`
	Lang          string            `json:"lang"`
	LangVersion   string            `json:"langVersion"`
	Agent         string            `json:"agent"`
	AgentVersion  string            `json:"agentVersion"`
	Attributes    map[string]any    `json:"attributes"`
	Annotations   map[string]any    `json:"annotations"`
	Threads       map[string]Thread `json:"threads"`
	MainThread    string            `json:"mainThread"`
	Classifiers   []string          `json:"classifiers"`
	SourceCode    map[string]any    `json:"sourceCode"`
	TabWidth      int               `json:"tabWidth"`
	Symbolication string            `json:"symbolication,omitempty"`

	logLines  []LogLine
	finalized bool
	now       func() time.Time
	log       *logger.Logger
}

// Config configures a Builder
type Config struct {
	Lang         string
	LangVersion  string
	Agent        string
	AgentVersion string
	TabWidth     int
	UserAgent    string

	// Attributes are merged into every report after the runtime defaults
	Attributes map[string]any

	Now     func() time.Time
	NewUUID func() string
	Logger  *logger.Logger
}

// Builder assembles reports with shared configuration
type Builder struct {
	cfg Config
}

// DefaultUserAgent describes this process
func DefaultUserAgent() string {
	return fmt.Sprintf("%s/%s (%s; %s) %s", AgentName, AgentVersion, runtime.GOOS, runtime.GOARCH, runtime.Version())
}

// NewBuilder creates a builder, filling unset configuration with defaults
func NewBuilder(cfg Config) *Builder {
	if cfg.Lang == "" {
		cfg.Lang = "go"
	}
	if cfg.LangVersion == "" {
		cfg.LangVersion = runtime.Version()
	}
	if cfg.Agent == "" {
		cfg.Agent = AgentName
	}
	if cfg.AgentVersion == "" {
		cfg.AgentVersion = AgentVersion
	}
	if cfg.TabWidth <= 0 {
		cfg.TabWidth = DefaultTabWidth
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.NewUUID == nil {
		cfg.NewUUID = uuid.NewString
	}
	cfg.Logger = logger.Or(cfg.Logger, "report")
	return &Builder{cfg: cfg}
}

// Config returns the effective builder configuration
func (b *Builder) Config() Config {
	return b.cfg
}

// New builds a report with default configuration
func New(p Payload, attrs map[string]any) *Report {
	return NewBuilder(Config{}).Build(p, attrs)
}

// Build assembles a report. Attributes are merged in order: runtime defaults,
// configured attributes, the payload message, then attrs; later values win.
func (b *Builder) Build(p Payload, attrs map[string]any) *Report {
	now := b.cfg.Now()

	r := &Report{
		UUID:         b.cfg.NewUUID(),
		Timestamp:    now.Unix(),
		Lang:         b.cfg.Lang,
		LangVersion:  b.cfg.LangVersion,
		Agent:        b.cfg.Agent,
		AgentVersion: b.cfg.AgentVersion,
		Attributes:   map[string]any{},
		Annotations:  map[string]any{},
		Threads:      map[string]Thread{MainThread: {Stack: []stacktrace.Frame{}}},
		MainThread:   MainThread,
		Classifiers:  []string{},
		SourceCode:   map[string]any{},
		TabWidth:     b.cfg.TabWidth,
		now:          b.cfg.Now,
		log:          b.cfg.Logger,
	}

	r.mergeAttributes(b.runtimeAttributes(now))
	r.mergeAttributes(b.cfg.Attributes)

	switch x := p.(type) {
	case ErrorPayload:
		r.applyError(x)
	case StringPayload:
		if x != "" {
			r.Attributes["error.message"] = string(x)
		}
	}

	r.mergeAttributes(attrs)
	return r
}

func (b *Builder) runtimeAttributes(now time.Time) map[string]any {
	attrs := map[string]any{
		"process.age":   int64(now.Sub(processStart) / time.Second),
		"user.agent":    b.cfg.UserAgent,
		"uname.sysname": runtime.GOOS,
		"uname.machine": runtime.GOARCH,
	}
	if host, err := os.Hostname(); err == nil {
		attrs["hostname"] = host
	}
	return attrs
}

// SetError applies an error to the report: classifier, message, stack and
// source references. Values that are not errors are logged and ignored.
func (r *Report) SetError(v any) {
	var p ErrorPayload
	switch x := v.(type) {
	case ErrorPayload:
		p = x
	case *ErrorPayload:
		if x == nil {
			r.logger().Warn("attempted to report error with non error type", "type", "nil")
			return
		}
		p = *x
	case error:
		if x == nil {
			r.logger().Warn("attempted to report error with non error type", "type", "nil")
			return
		}
		p = fromError(x, 1)
	default:
		r.logger().Warn("attempted to report error with non error type", "type", fmt.Sprintf("%T", v))
		return
	}
	r.applyError(p)
}

func (r *Report) applyError(p ErrorPayload) {
	if p.Name != "" {
		r.Classifiers = []string{p.Name}
	}
	if p.Message != "" {
		r.Attributes["error.message"] = p.Message
	}

	trace := p.Trace()
	r.Threads[MainThread] = Thread{Stack: trace.Frames}
	for _, path := range trace.Paths() {
		r.SourceCode[path] = SourceFile{Path: path}
	}
}

// Frames returns the main thread stack
func (r *Report) Frames() []stacktrace.Frame {
	return r.Threads[MainThread].Stack
}

// AddSourceCode stores an entry in the source-code section
func (r *Report) AddSourceCode(id string, v any) {
	r.SourceCode[id] = v
}

// Finalize runs the last mutation before send: recorded log lines are injected
// into the "Log" annotation unless that slot is taken. It only acts once and
// reports whether it injected anything.
func (r *Report) Finalize() bool {
	if r.finalized {
		return false
	}
	r.finalized = true

	if len(r.logLines) == 0 {
		return false
	}
	if _, taken := r.Annotations[LogAnnotation]; taken {
		return false
	}
	lines := make([]LogLine, len(r.logLines))
	copy(lines, r.logLines)
	r.Annotations[LogAnnotation] = lines
	return true
}

// Finalized reports whether Finalize has run
func (r *Report) Finalized() bool {
	return r.finalized
}

// JSON serializes the envelope
func (r *Report) JSON() ([]byte, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal report %s: %w", r.UUID, err)
	}
	return data, nil
}

func (r *Report) logger() *logger.Logger {
	if r.log == nil {
		r.log = logger.Or(nil, "report")
	}
	return r.log
}
