package client

import (
	"context"
	"fmt"

	"github.com/backtrace-labs/backtrace-js/pkg/report"
	"github.com/backtrace-labs/backtrace-js/pkg/result"
)

// RejectionAnnotation holds the rejection event on reports built from it
const RejectionAnnotation = "onunhandledrejection"

// Origin identifies the runtime an event came from when it is not this process
type Origin struct {
	Lang        string `json:"lang,omitempty"`
	LangVersion string `json:"langVersion,omitempty"`
}

// ErrorEvent is an uncaught error
type ErrorEvent struct {
	Origin

	Name    string `json:"name,omitempty"`
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
	Source  string `json:"source,omitempty"`
	Line    int    `json:"line,omitempty"`
	Column  int    `json:"column,omitempty"`

	// Err takes precedence over the textual fields
	Err error `json:"-"`

	Attributes map[string]any `json:"attributes,omitempty"`
}

// RejectionEvent is an asynchronous failure nobody handled
type RejectionEvent struct {
	Origin

	Reason any    `json:"reason"`
	Stack  string `json:"stack,omitempty"`

	Attributes map[string]any `json:"attributes,omitempty"`
}

// EventSource pushes uncaught errors and rejections to subscribers. The
// returned functions remove the subscription.
type EventSource interface {
	OnError(fn func(ErrorEvent)) (unsubscribe func())
	OnRejection(fn func(RejectionEvent)) (unsubscribe func())
}

// registerHandlers subscribes to the event source once, at construction
func (c *Client) registerHandlers() {
	if c.opts.Events == nil {
		return
	}
	var subs []func()
	if !c.opts.DisableGlobalHandler {
		subs = append(subs, c.opts.Events.OnError(func(ev ErrorEvent) {
			c.HandleError(context.Background(), ev)
		}))
	}
	if c.opts.HandlePromises {
		subs = append(subs, c.opts.Events.OnRejection(func(ev RejectionEvent) {
			c.HandleRejection(context.Background(), ev)
		}))
	}

	c.mu.Lock()
	c.unsubscribe = append(c.unsubscribe, subs...)
	c.mu.Unlock()
}

// HandleError reports an uncaught error synchronously
func (c *Client) HandleError(ctx context.Context, ev ErrorEvent) *result.Result {
	var res *result.Result
	c.safely("error handler", func() {
		r, err := c.ErrorReport(ev)
		if err != nil {
			c.logger.Warn("uncaught error not reported", "error", err)
			return
		}
		res, err = c.Send(ctx, r)
		if err != nil {
			c.logger.Warn("uncaught error not reported", "error", err)
		}
	})
	return res
}

// ErrorReport builds the report HandleError sends for ev
func (c *Client) ErrorReport(ev ErrorEvent) (*report.Report, error) {
	var payload report.Payload
	if ev.Err != nil {
		payload = report.FromError(ev.Err)
	} else {
		name := ev.Name
		if name == "" {
			name = "Error"
		}
		payload = report.ErrorPayload{Name: name, Message: ev.Message, Stack: ev.Stack}
	}

	attrs := make(map[string]any, len(ev.Attributes)+3)
	for k, v := range ev.Attributes {
		attrs[k] = v
	}
	if ev.Line > 0 {
		attrs["exception.lineNumber"] = ev.Line
	}
	if ev.Column > 0 {
		attrs["exception.columnNumber"] = ev.Column
	}
	if ev.Source != "" {
		attrs["exception.source"] = ev.Source
	}

	r, err := c.createReport(payload, attrs, 0)
	if err != nil {
		return nil, err
	}
	applyOrigin(r, ev.Origin)
	return r, nil
}

// HandleRejection reports an unhandled rejection in the background
func (c *Client) HandleRejection(ctx context.Context, ev RejectionEvent) *result.Result {
	var res *result.Result
	c.safely("rejection handler", func() {
		r, err := c.RejectionReport(ev)
		if err != nil {
			c.logger.Warn("rejection not reported", "error", err)
			return
		}
		res, err = c.SendReport(ctx, r, nil)
		if err != nil {
			c.logger.Warn("rejection not reported", "error", err)
		}
	})
	return res
}

// RejectionReport builds the report HandleRejection sends for ev. The event
// is kept in the onunhandledrejection annotation.
func (c *Client) RejectionReport(ev RejectionEvent) (*report.Report, error) {
	var payload report.ErrorPayload
	switch reason := ev.Reason.(type) {
	case error:
		payload = report.FromError(reason)
	case report.ErrorPayload:
		payload = reason
	default:
		payload = report.ErrorPayload{Name: "Error", Message: fmt.Sprint(reason), Stack: ev.Stack}
	}

	r, err := c.createReport(payload, ev.Attributes, 0)
	if err != nil {
		return nil, err
	}
	applyOrigin(r, ev.Origin)
	r.AddAnnotation(RejectionAnnotation, map[string]any{
		"reason":     payload.Message,
		"stack":      ev.Stack,
		"attributes": ev.Attributes,
	})
	return r, nil
}

func applyOrigin(r *report.Report, o Origin) {
	if o.Lang != "" {
		r.Lang = o.Lang
	}
	if o.LangVersion != "" {
		r.LangVersion = o.LangVersion
	}
}

// Recover reports a panic in progress and stops it. Use it deferred:
//
//	defer client.Recover(ctx)
//
// The report is sent before Recover returns.
func (c *Client) Recover(ctx context.Context) {
	if v := recover(); v != nil {
		c.reportPanic(ctx, v, false)
	}
}

// Go runs fn in a new goroutine. A panic in fn is reported from that
// goroutine and does not crash the process. Close waits for these goroutines.
func (c *Client) Go(ctx context.Context, fn func()) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrNotInitialized
	}
	c.inflight.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.inflight.Done()
		defer func() {
			if v := recover(); v != nil {
				c.reportPanic(ctx, v, true)
			}
		}()
		fn()
	}()
	return nil
}

// reportPanic is called from the deferred function that recovered v. tracked
// callers already count as in flight, so their report goes out even when
// Close has started.
func (c *Client) reportPanic(ctx context.Context, v any, tracked bool) {
	if c == nil {
		return
	}
	// skip reportPanic and the deferred function; runtime frames are dropped
	payload := report.PanicPayload(v, 2)

	c.safely("panic handler", func() {
		if !tracked {
			if err := c.usable(); err != nil {
				c.logger.Warn("panic not reported", "panic", v, "error", err)
				return
			}
		}
		r := c.builder.Build(payload, c.callAttributes(map[string]any{"error.type": "panic"}))
		if res := c.admit(ctx, r); res != nil {
			return
		}
		c.prepare(r)
		if res := c.deliver(ctx, r); !res.OK() {
			c.logger.Warn("panic report failed", "panic", v, "status", res.Status)
		}
	})
}
