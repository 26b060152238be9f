// Package transport submits reports to a Backtrace endpoint over HTTP.
// Each report gets exactly one attempt; there is no retry or queue.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/backtrace-labs/backtrace-js/pkg/logger"
	"github.com/backtrace-labs/backtrace-js/pkg/report"
	"github.com/backtrace-labs/backtrace-js/pkg/result"
)

// DefaultTimeout bounds one submission
const DefaultTimeout = 15 * time.Second

// Multipart form field and file name of the uploaded report
const (
	UploadField    = "upload_file"
	UploadFileName = "report.json"
)

// maxResponseBytes caps how much of a response body is read
const maxResponseBytes = 1 << 20

var (
	ErrMissingEndpoint = errors.New("missing endpoint")
	ErrMissingToken    = errors.New("missing token")
	ErrInvalidEndpoint = errors.New("invalid endpoint")
	ErrSubmission      = errors.New("submission failed")
	ErrRateLimited     = errors.New("rate limited by server")
)

// Config configures a Client
type Config struct {
	Endpoint string
	Token    string
	Timeout  time.Duration

	// Multipart sends the report as a form file instead of a JSON body
	Multipart bool

	HTTPClient *http.Client
	Logger     *logger.Logger
}

// Client posts reports to one submission URL
type Client struct {
	url       string
	multipart bool
	timeout   time.Duration
	client    *http.Client
	logger    *logger.Logger
}

// New creates a client. It fails when no submission URL can be derived.
func New(cfg Config) (*Client, error) {
	submitURL, err := SubmissionURL(cfg.Endpoint, cfg.Token)
	if err != nil {
		return nil, err
	}

	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}

	return &Client{
		url:       submitURL,
		multipart: cfg.Multipart,
		timeout:   cfg.Timeout,
		client:    client,
		logger:    logger.Or(cfg.Logger, "transport"),
	}, nil
}

// URL returns the submission URL
func (c *Client) URL() string {
	return c.url
}

// Send serializes r and posts it once. The result is never nil.
func (c *Client) Send(ctx context.Context, r *report.Report) *result.Result {
	data, err := r.JSON()
	if err != nil {
		return result.OnError(result.StatusServerError, r, fmt.Errorf("%w: %v", ErrSubmission, err))
	}

	body, contentType := bytes.NewReader(data), "application/json"
	if c.multipart {
		form, ct, err := multipartBody(data)
		if err != nil {
			return result.OnError(result.StatusServerError, r, fmt.Errorf("%w: %v", ErrSubmission, err))
		}
		body, contentType = bytes.NewReader(form), ct
	}

	log := c.logger.WithReport(r.UUID)
	respBody, err := c.post(ctx, c.url, contentType, body)
	if err != nil {
		log.Warn("report submission failed", "error", err)
		status := result.StatusServerError
		if errors.Is(err, ErrRateLimited) {
			status = result.StatusRateLimited
		}
		return result.OnError(status, r, err)
	}

	res := result.Ok(r, decodeBody(respBody))
	if res.Body == nil && len(respBody) > 0 {
		res.Message = string(respBody)
	}
	log.Debug("report submitted", "rxid", res.RxID())
	return res
}

// PostJSON posts v as JSON to url with the same status semantics as Send and
// returns the decoded response body.
func (c *Client) PostJSON(ctx context.Context, url string, v any) (map[string]any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	respBody, err := c.post(ctx, url, "application/json", bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	return decodeBody(respBody), nil
}

func (c *Client) post(ctx context.Context, url, contentType string, body io.Reader) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create request: %v", ErrSubmission, err)
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: request failed: %v", ErrSubmission, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read response: %v", ErrSubmission, err)
	}

	switch resp.StatusCode {
	case http.StatusOK:
		return respBody, nil
	case http.StatusTooManyRequests:
		return nil, fmt.Errorf("%w: %s", ErrRateLimited, resp.Status)
	default:
		return nil, fmt.Errorf("%w: invalid response %s", ErrSubmission, resp.Status)
	}
}

func multipartBody(data []byte) ([]byte, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile(UploadField, UploadFileName)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return nil, "", fmt.Errorf("failed to write form file: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to close form: %w", err)
	}
	return buf.Bytes(), w.FormDataContentType(), nil
}

// decodeBody returns the JSON object in body, or nil when it is not one
func decodeBody(body []byte) map[string]any {
	if len(body) == 0 {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(body, &out); err != nil {
		return nil
	}
	return out
}
