// Package result describes the outcome of a report submission.
package result

import (
	"fmt"

	"github.com/backtrace-labs/backtrace-js/pkg/report"
)

// Status is the outcome of one submission attempt
type Status string

const (
	StatusOk           Status = "ok"
	StatusProcessing   Status = "processing"
	StatusServerError  Status = "server-error"
	StatusRateLimited  Status = "rate-limited"
	StatusFilterHit    Status = "filter-hit"
	StatusSamplingHit  Status = "sampling-hit"
	StatusLimitReached Status = "limit-reached"
)

// Suppressed reports whether the status means the report never left the process
func (s Status) Suppressed() bool {
	switch s {
	case StatusFilterHit, StatusSamplingHit, StatusLimitReached:
		return true
	}
	return false
}

// Result carries the status and, depending on it, the server body or the error
type Result struct {
	Status  Status
	Report  *report.Report
	Message string
	Body    map[string]any
	Err     error
}

// RxID returns the server-assigned identifier, when the body carries one
func (r *Result) RxID() string {
	if r == nil || r.Body == nil {
		return ""
	}
	if id, ok := r.Body["_rxid"].(string); ok {
		return id
	}
	return ""
}

// OK reports a successful submission
func (r *Result) OK() bool {
	return r != nil && r.Status == StatusOk
}

func (r *Result) String() string {
	if r == nil {
		return "<nil>"
	}
	if r.Err != nil {
		return fmt.Sprintf("%s: %v", r.Status, r.Err)
	}
	if id := r.RxID(); id != "" {
		return fmt.Sprintf("%s (rxid %s)", r.Status, id)
	}
	return string(r.Status)
}

// Ok builds a successful result with the decoded server body
func Ok(r *report.Report, body map[string]any) *Result {
	return &Result{Status: StatusOk, Report: r, Body: body}
}

// Processing marks a report as handed to the transport
func Processing(r *report.Report) *Result {
	return &Result{Status: StatusProcessing, Report: r}
}

// OnError builds a failed result
func OnError(status Status, r *report.Report, err error) *Result {
	res := &Result{Status: status, Report: r, Err: err}
	if err != nil {
		res.Message = err.Error()
	}
	return res
}

// Suppress builds the result for a report that admission control rejected
func Suppress(status Status, r *report.Report) *Result {
	return &Result{Status: status, Report: r, Message: "report suppressed: " + string(status)}
}
