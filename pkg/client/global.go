package client

import (
	"context"
	"sync"

	"github.com/backtrace-labs/backtrace-js/pkg/breadcrumbs"
	"github.com/backtrace-labs/backtrace-js/pkg/report"
	"github.com/backtrace-labs/backtrace-js/pkg/result"
)

var (
	globalMu     sync.RWMutex
	globalClient *Client
)

// Initialize creates the process-wide client. A previous client is closed
// first so its handlers stop reporting.
func Initialize(opts Options) (*Client, error) {
	c, err := New(opts)
	if err != nil {
		return nil, err
	}

	globalMu.Lock()
	old := globalClient
	globalClient = c
	globalMu.Unlock()

	if old != nil {
		if err := old.Close(context.Background()); err != nil {
			c.logger.Warn("previous client did not close cleanly", "error", err)
		}
	}
	return c, nil
}

// Default returns the process-wide client, or nil before Initialize
func Default() *Client {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalClient
}

// Shutdown closes the process-wide client
func Shutdown(ctx context.Context) error {
	globalMu.Lock()
	c := globalClient
	globalClient = nil
	globalMu.Unlock()
	return c.Close(ctx)
}

// Report sends payload through the process-wide client
func Report(ctx context.Context, payload any, attrs map[string]any) (*result.Result, error) {
	c := Default()
	if c == nil {
		return nil, ErrNotInitialized
	}
	r, err := c.createReport(payload, attrs, 1)
	if err != nil {
		return nil, err
	}
	return c.Send(ctx, r)
}

// CreateReport builds a report with the process-wide client
func CreateReport(payload any, attrs map[string]any) (*report.Report, error) {
	c := Default()
	if c == nil {
		return nil, ErrNotInitialized
	}
	return c.createReport(payload, attrs, 1)
}

// LeaveBreadcrumb records a breadcrumb on the process-wide client
func LeaveBreadcrumb(message string, opts ...breadcrumbs.Option) bool {
	return Default().LeaveBreadcrumb(message, opts...)
}

// Memorize sets a one-shot attribute on the process-wide client
func Memorize(key string, value any) {
	Default().Memorize(key, value)
}
