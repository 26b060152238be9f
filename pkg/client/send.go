package client

import (
	"context"
	"fmt"
	"time"

	"github.com/backtrace-labs/backtrace-js/pkg/admission"
	"github.com/backtrace-labs/backtrace-js/pkg/breadcrumbs"
	"github.com/backtrace-labs/backtrace-js/pkg/report"
	"github.com/backtrace-labs/backtrace-js/pkg/result"
	"github.com/backtrace-labs/backtrace-js/pkg/session"
)

// Send admits r and submits it, blocking until the server answers or ctx is done.
// The error is non-nil only for usage errors; delivery failures are results.
func (c *Client) Send(ctx context.Context, r *report.Report) (*result.Result, error) {
	if err := c.usable(); err != nil {
		return nil, err
	}
	if err := checkReport(r); err != nil {
		return nil, err
	}
	if res := c.admit(ctx, r); res != nil {
		return res, nil
	}
	c.prepare(r)
	return c.deliver(ctx, r), nil
}

// checkReport rejects reports that were not built by a Builder
func checkReport(r *report.Report) error {
	if r == nil {
		return fmt.Errorf("%w: nil report", ErrInvalidReport)
	}
	if r.UUID == "" {
		return fmt.Errorf("%w: report has no uuid", ErrInvalidReport)
	}
	return nil
}

// SendReport admits r and submits it in the background. It returns a
// processing result, or the suppression result when r was not admitted.
// callback, when set, receives the final result in either case.
func (c *Client) SendReport(ctx context.Context, r *report.Report, callback func(*result.Result)) (*result.Result, error) {
	if err := c.usable(); err != nil {
		return nil, err
	}
	if err := checkReport(r); err != nil {
		return nil, err
	}
	if res := c.admit(ctx, r); res != nil {
		if callback != nil {
			callback(res)
		}
		return res, nil
	}
	c.prepare(r)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrNotInitialized
	}
	c.inflight.Add(1)
	c.mu.Unlock()

	ctx = context.WithoutCancel(ctx)
	go func() {
		defer c.inflight.Done()
		res := c.deliver(ctx, r)
		if callback != nil {
			callback(res)
		}
	}()

	return result.Processing(r), nil
}

// Report creates a report and sends it synchronously
func (c *Client) Report(ctx context.Context, payload any, attrs map[string]any) (*result.Result, error) {
	r, err := c.createReport(payload, attrs, 1)
	if err != nil {
		return nil, err
	}
	return c.Send(ctx, r)
}

// ReportAsync creates a report and sends it in the background. The channel
// receives exactly one result.
func (c *Client) ReportAsync(ctx context.Context, payload any, attrs map[string]any) (<-chan *result.Result, error) {
	r, err := c.createReport(payload, attrs, 1)
	if err != nil {
		return nil, err
	}
	ch := make(chan *result.Result, 1)
	if _, err := c.SendReport(ctx, r, func(res *result.Result) { ch <- res }); err != nil {
		return nil, err
	}
	return ch, nil
}

// admit runs the filter, sampling and rate limit in that order. It returns
// nil when the report may be sent.
func (c *Client) admit(ctx context.Context, r *report.Report) *result.Result {
	var status result.Status
	switch {
	case c.opts.Filter != nil && c.opts.Filter(r):
		status = result.StatusFilterHit
	default:
		switch c.gate.Check() {
		case admission.SamplingHit:
			status = result.StatusSamplingHit
		case admission.LimitReached:
			status = result.StatusLimitReached
		default:
			return nil
		}
	}

	res := result.Suppress(status, r)
	c.logger.WithReport(r.UUID).Debug("report suppressed", "status", status)
	reportsTotal.WithLabelValues(string(status)).Inc()
	c.record(ctx, res)
	return res
}

// prepare runs the before-send observers and attaches breadcrumbs and log lines
func (c *Client) prepare(r *report.Report) {
	c.mu.Lock()
	observers := append([]func(*report.Report){}, c.beforeSend...)
	c.mu.Unlock()

	for _, fn := range observers {
		c.safely("before-send observer", func() { fn(r) })
	}

	if c.breadcrumbs.Enabled() {
		src := c.breadcrumbs.ToSourceCode()
		r.AddSourceCode(src.ID, src)
		if _, taken := r.Annotations[breadcrumbs.AnnotationName]; !taken {
			if crumbs := c.breadcrumbs.Get(); len(crumbs) > 0 {
				r.AddAnnotation(breadcrumbs.AnnotationName, crumbs)
			}
		}
	}

	r.Finalize()
}

// deliver performs the submission and notifies the after-send observers
func (c *Client) deliver(ctx context.Context, r *report.Report) *result.Result {
	start := time.Now()
	res := c.transport.Send(ctx, r)
	sendDuration.Observe(time.Since(start).Seconds())
	reportsTotal.WithLabelValues(string(res.Status)).Inc()
	c.record(ctx, res)

	c.mu.Lock()
	observers := append([]func(*result.Result){}, c.afterSend...)
	c.mu.Unlock()

	for _, fn := range observers {
		c.safely("after-send observer", func() { fn(res) })
	}
	return res
}

func (c *Client) record(ctx context.Context, res *result.Result) {
	if c.opts.History == nil || res.Report == nil {
		return
	}
	rec := session.Record{
		UUID:    res.Report.UUID,
		Status:  string(res.Status),
		Message: res.Message,
		RxID:    res.RxID(),
		SentAt:  c.opts.Now(),
	}
	if len(res.Report.Classifiers) > 0 {
		rec.Classifier = res.Report.Classifiers[0]
	}
	if err := c.opts.History.RecordReport(context.WithoutCancel(ctx), rec); err != nil {
		c.logger.Warn("failed to record report", "uuid", rec.UUID, "error", err)
	}
}

// safely runs fn, logging instead of propagating a panic
func (c *Client) safely(what string, fn func()) {
	defer func() {
		if v := recover(); v != nil {
			c.logger.Error("recovered panic", "in", what, "panic", v)
		}
	}()
	fn()
}
