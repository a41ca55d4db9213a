package provider

import (
	"fmt"
	"net/http"
	"time"
)

// ConfigurationError is returned by NewClient before any network call.
type ConfigurationError struct {
	Profile string
	Reason  string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("%s: invalid configuration: %s", e.Profile, e.Reason)
}

// EndpointError reports a non-success status on the initial request. No
// events are produced when it occurs.
type EndpointError struct {
	Profile    string
	StatusCode int
	Status     string
	Body       string
	RetryAfter time.Duration
}

func (e *EndpointError) Error() string {
	status := e.Status
	if status == "" {
		status = http.StatusText(e.StatusCode)
	}
	if e.Body == "" {
		return fmt.Sprintf("%s api error (status %d): %s", e.Profile, e.StatusCode, status)
	}
	return fmt.Sprintf("%s api error (status %d): %s: %s", e.Profile, e.StatusCode, status, e.Body)
}

// Transient reports whether a retry may succeed.
func (e *EndpointError) Transient() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// TransportError is a connection failure. Events yielded before it remain
// valid, but the reply may be incomplete.
type TransportError struct {
	Profile string
	Op      string
	Err     error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s transport error during %s: %v", e.Profile, e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// FrameParseWarning describes a single malformed data line. It is logged
// and skipped.
type FrameParseWarning struct {
	Line string
	Err  error
}

func (w *FrameParseWarning) Error() string {
	return fmt.Sprintf("skipping malformed frame %q: %v", truncate(w.Line, 120), w.Err)
}

func (w *FrameParseWarning) Unwrap() error { return w.Err }

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
