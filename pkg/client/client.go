// Package client is the Backtrace client facade: it builds reports, applies
// admission control and submits them, and captures uncaught errors.
package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/backtrace-labs/backtrace-js/pkg/admission"
	"github.com/backtrace-labs/backtrace-js/pkg/breadcrumbs"
	"github.com/backtrace-labs/backtrace-js/pkg/config"
	"github.com/backtrace-labs/backtrace-js/pkg/logger"
	"github.com/backtrace-labs/backtrace-js/pkg/report"
	"github.com/backtrace-labs/backtrace-js/pkg/result"
	"github.com/backtrace-labs/backtrace-js/pkg/securerandom"
	"github.com/backtrace-labs/backtrace-js/pkg/session"
	"github.com/backtrace-labs/backtrace-js/pkg/transport"
)

var (
	ErrNotInitialized = errors.New("backtrace client is not initialized")
	ErrInvalidPayload = errors.New("payload must be an error or a string")
	ErrInvalidReport  = errors.New("invalid backtrace report")
)

// Filter returns true to suppress a report
type Filter func(*report.Report) bool

// History receives the outcome of every report the client handles
type History interface {
	RecordReport(ctx context.Context, r session.Record) error
}

// Options configures a Client
type Options struct {
	config.ClientConfig

	Filter Filter

	// Events delivers uncaught errors and rejections
	Events EventSource

	History    History
	HTTPClient *http.Client
	Logger     *logger.Logger

	Now    func() time.Time
	Random securerandom.Source
}

// Client submits reports to one Backtrace endpoint. It is safe for concurrent use.
type Client struct {
	opts        Options
	builder     *report.Builder
	gate        *admission.Gate
	transport   *transport.Client
	breadcrumbs *breadcrumbs.Buffer
	logger      *logger.Logger

	mu          sync.Mutex
	memorized   map[string]any
	beforeSend  []func(*report.Report)
	afterSend   []func(*result.Result)
	unsubscribe []func()
	closed      bool
	inflight    sync.WaitGroup
}

// New creates a client and subscribes its global handlers
func New(opts Options) (*Client, error) {
	if err := opts.ClientConfig.Validate(); err != nil {
		return nil, fmt.Errorf("backtrace: %w", err)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	log := logger.Or(opts.Logger, "client")

	tr, err := transport.New(transport.Config{
		Endpoint:   opts.Endpoint,
		Token:      opts.Token,
		Timeout:    opts.TimeoutDuration(),
		Multipart:  opts.Multipart(),
		HTTPClient: opts.HTTPClient,
		Logger:     log.WithComponent("transport"),
	})
	if err != nil {
		return nil, fmt.Errorf("backtrace: %w", err)
	}

	if opts.ContextLineCount != 0 && opts.ContextLineCount != config.DefaultContextLineCount {
		log.Warn("context_line_count is deprecated and has no effect", "value", opts.ContextLineCount)
	}
	if opts.DebugBacktrace {
		log.Warn("debug_backtrace is deprecated and has no effect")
	}

	crumbs := breadcrumbs.NewBuffer(opts.BreadcrumbLimit)
	crumbs.SetClock(opts.Now)

	c := &Client{
		opts: opts,
		builder: report.NewBuilder(report.Config{
			TabWidth:   opts.TabWidth,
			Attributes: opts.UserAttributes,
			Now:        opts.Now,
			Logger:     log.WithComponent("report"),
		}),
		gate: admission.NewGate(admission.Config{
			SampleRate: opts.Sampling,
			RateLimit:  opts.RateLimit,
			Random:     opts.Random,
			Now:        opts.Now,
		}),
		transport:   tr,
		breadcrumbs: crumbs,
		logger:      log,
		memorized:   make(map[string]any),
	}
	c.registerHandlers()

	log.Debug("backtrace client created",
		"url", tr.URL(),
		"rate_limit", opts.RateLimit,
		"breadcrumbs", opts.BreadcrumbLimit)
	return c, nil
}

func (c *Client) usable() error {
	if c == nil {
		return ErrNotInitialized
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("%w: client closed", ErrNotInitialized)
	}
	return nil
}

// CreateReport builds a report for an error or a message. Memorized
// attributes are consumed by this report.
func (c *Client) CreateReport(payload any, attrs map[string]any) (*report.Report, error) {
	return c.createReport(payload, attrs, 1)
}

// createReport captures stacks skip frames above its caller
func (c *Client) createReport(payload any, attrs map[string]any, skip int) (*report.Report, error) {
	if err := c.usable(); err != nil {
		return nil, err
	}
	p, ok := report.ResolvePayload(payload, skip+1)
	if !ok {
		return nil, fmt.Errorf("%w: got %T", ErrInvalidPayload, payload)
	}
	return c.builder.Build(p, c.callAttributes(attrs)), nil
}

// callAttributes layers attrs over the memorized attributes and clears them
func (c *Client) callAttributes(attrs map[string]any) map[string]any {
	c.mu.Lock()
	memorized := c.memorized
	c.memorized = make(map[string]any)
	c.mu.Unlock()

	if len(memorized) == 0 {
		return attrs
	}
	merged := make(map[string]any, len(memorized)+len(attrs))
	for k, v := range memorized {
		merged[k] = v
	}
	for k, v := range attrs {
		merged[k] = v
	}
	return merged
}

// Memorize sets an attribute for the next report only
func (c *Client) Memorize(key string, value any) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.memorized[key] = value
}

// LeaveBreadcrumb records an event attached to the next submitted report
func (c *Client) LeaveBreadcrumb(message string, opts ...breadcrumbs.Option) bool {
	if c == nil {
		return false
	}
	return c.breadcrumbs.Add(message, opts...)
}

// Breadcrumbs returns the client's breadcrumb buffer
func (c *Client) Breadcrumbs() *breadcrumbs.Buffer {
	return c.breadcrumbs
}

// URL returns the submission URL
func (c *Client) URL() string {
	return c.transport.URL()
}

// Gate returns the admission gate, for inspecting suppression counts
func (c *Client) Gate() *admission.Gate {
	return c.gate
}

// OnBeforeSend registers fn to run on every admitted report before submission.
// Observers run in registration order.
func (c *Client) OnBeforeSend(fn func(*report.Report)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.beforeSend = append(c.beforeSend, fn)
}

// OnAfterSend registers fn to run with the result of every submission
func (c *Client) OnAfterSend(fn func(*result.Result)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.afterSend = append(c.afterSend, fn)
}

// Close unsubscribes the global handlers and waits for in-flight sends until
// ctx is done. The client cannot be used afterwards.
func (c *Client) Close(ctx context.Context) error {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	unsubscribe := c.unsubscribe
	c.unsubscribe = nil
	c.mu.Unlock()

	for _, fn := range unsubscribe {
		fn()
	}

	done := make(chan struct{})
	go func() {
		c.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
		c.logger.Debug("backtrace client closed")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for in-flight reports: %w", ctx.Err())
	}
}
