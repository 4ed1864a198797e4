package remote

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/tidwall/gjson"

	"github.com/hazyhaar/nous/horosafe"
)

// maxErrorBody bounds how much of an error response is read for
// classification.
const maxErrorBody = 64 << 10

// Document store error.status codes that will not succeed on retry.
var permanentCodes = map[string]bool{
	"INVALID_ARGUMENT":    true,
	"FAILED_PRECONDITION": true,
	"PERMISSION_DENIED":   true,
	"UNAUTHENTICATED":     true,
	"NOT_FOUND":           true,
	"ALREADY_EXISTS":      true,
	"OUT_OF_RANGE":        true,
	"UNIMPLEMENTED":       true,
}

// Document store error.status codes worth retrying regardless of HTTP status.
var transientCodes = map[string]bool{
	"UNAVAILABLE":        true,
	"DEADLINE_EXCEEDED":  true,
	"RESOURCE_EXHAUSTED": true,
	"ABORTED":            true,
	"INTERNAL":           true,
	"CANCELLED":          true,
	"UNKNOWN":            true,
}

var opMethods = map[OpType]string{
	OpCreate: http.MethodPost,
	OpUpdate: http.MethodPatch,
	OpDelete: http.MethodDelete,
}

// HTTPWriter writes mutations to a REST document store rooted at a base URL:
// create is POST, update is PATCH, delete is DELETE on <base><targetPath>.
type HTTPWriter struct {
	base    *url.URL
	client  *http.Client
	headers http.Header
	logger  *slog.Logger
}

// HTTPOption configures an HTTPWriter.
type HTTPOption func(*HTTPWriter)

// WithHTTPClient sets the HTTP client. Default: a client with a 30s timeout.
func WithHTTPClient(c *http.Client) HTTPOption { return func(w *HTTPWriter) { w.client = c } }

// WithHeader adds a header to every request (e.g. Authorization).
func WithHeader(key, value string) HTTPOption {
	return func(w *HTTPWriter) { w.headers.Add(key, value) }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) HTTPOption { return func(w *HTTPWriter) { w.logger = l } }

// NewHTTPWriter validates baseURL and returns a writer.
func NewHTTPWriter(baseURL string, opts ...HTTPOption) (*HTTPWriter, error) {
	u, err := horosafe.ValidateBaseURL(baseURL)
	if err != nil {
		return nil, fmt.Errorf("remote: base url: %w", err)
	}
	w := &HTTPWriter{
		base:    u,
		client:  &http.Client{Timeout: 30 * time.Second},
		headers: make(http.Header),
		logger:  slog.Default(),
	}
	for _, o := range opts {
		o(w)
	}
	return w, nil
}

// Write sends m and classifies the response.
func (w *HTTPWriter) Write(ctx context.Context, m Mutation) error {
	method, ok := opMethods[m.Op]
	if !ok {
		return &RejectedError{Op: m.Op, Path: m.TargetPath, Message: "unknown op type"}
	}
	if err := horosafe.ValidateTargetPath(m.TargetPath); err != nil {
		return &RejectedError{Op: m.Op, Path: m.TargetPath, Message: err.Error()}
	}

	target := *w.base
	target.Path = w.base.Path + m.TargetPath

	var body *bytes.Reader
	if m.Op != OpDelete && len(m.Payload) > 0 {
		body = bytes.NewReader(m.Payload)
	} else {
		body = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, method, target.String(), body)
	if err != nil {
		return &RejectedError{Op: m.Op, Path: m.TargetPath, Message: err.Error()}
	}
	for k, vs := range w.headers {
		req.Header[k] = vs
	}
	if body.Len() > 0 {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return &TransientError{Op: m.Op, Path: m.TargetPath, Cause: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	// Deleting a document that is already gone is the desired end state.
	if m.Op == OpDelete && resp.StatusCode == http.StatusNotFound {
		return nil
	}

	data, _ := horosafe.LimitedReadAll(resp.Body, maxErrorBody)
	outcome := classifyResponse(m, resp.StatusCode, data)
	w.logger.DebugContext(ctx, "remote: write failed",
		"op", m.Op, "path", m.TargetPath, "status", resp.StatusCode, "error", outcome)
	return outcome
}

func classifyResponse(m Mutation, status int, body []byte) error {
	code := gjson.GetBytes(body, "error.status").String()
	msg := gjson.GetBytes(body, "error.message").String()

	switch {
	case transientCodes[code]:
		return &TransientError{Op: m.Op, Path: m.TargetPath, Status: status, Cause: fmt.Errorf("%s: %s", code, msg)}
	case permanentCodes[code]:
		return &RejectedError{Op: m.Op, Path: m.TargetPath, Status: status, Code: code, Message: msg}
	}

	switch {
	case status == http.StatusRequestTimeout, status == http.StatusTooEarly,
		status == http.StatusTooManyRequests, status >= 500:
		return &TransientError{Op: m.Op, Path: m.TargetPath, Status: status, Cause: fmt.Errorf("%s", http.StatusText(status))}
	case status >= 400:
		if msg == "" {
			msg = http.StatusText(status)
		}
		return &RejectedError{Op: m.Op, Path: m.TargetPath, Status: status, Code: code, Message: msg}
	}
	return &TransientError{Op: m.Op, Path: m.TargetPath, Status: status, Cause: fmt.Errorf("unexpected status")}
}
