package retry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
)

// HTTPStatusError is returned by HTTP clients for non-2xx responses so the
// classifier can see the status code.
type HTTPStatusError struct {
	StatusCode int
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Body)
}

// Transient reports whether the status indicates a condition worth retrying.
func (e *HTTPStatusError) Transient() bool {
	return e.StatusCode == 429 || e.StatusCode >= 500
}

// transienter lets domain errors (JSON-RPC codes, confirmation waits) opt in
// to retries without this package knowing about them.
type transienter interface {
	Transient() bool
}

// Textual markers for rate limiting, server unavailability and transient RPC
// conditions. Matched case-insensitively against the whole error chain.
var transientMarkers = []string{
	"rate limit",
	"too many requests",
	"server unavailable",
	"service unavailable",
	"connection reset",
	"connection refused",
	"broken pipe",
	"unexpected eof",
	"timeout",
	"timed out",
	"no such host",
	"slot not available",
	"block not available",
	"transaction not confirmed",
	"signature not found",
}

// Retryable classifies err. Transport-layer failures, HTTP 429/5xx and known
// transient markers retry; everything else is fatal so programming errors and
// permanent rejections (insufficient funds, malformed requests) are never
// masked as transient.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var tr transienter
	if errors.As(err, &tr) {
		return tr.Transient()
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	var dns *net.DNSError
	if errors.As(err, &dns) {
		return true
	}
	for _, errno := range []syscall.Errno{syscall.ECONNRESET, syscall.ECONNREFUSED, syscall.ECONNABORTED, syscall.EPIPE, syscall.ETIMEDOUT} {
		if errors.Is(err, errno) {
			return true
		}
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range transientMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
