package resilience

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
)

// TransientError wraps an error that is safe to retry (429, 5xx, network timeout).
type TransientError struct {
	Err        error
	StatusCode int
}

func (e *TransientError) Error() string {
	return e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// NewTransientError wraps an error as transient with an optional HTTP status code.
func NewTransientError(err error, statusCode int) *TransientError {
	return &TransientError{Err: err, StatusCode: statusCode}
}

// AdapterError is the failure of a call to an external service: a CRM,
// the transcription service or the completion API.
type AdapterError struct {
	Service    string
	Op         string
	StatusCode int
	Timeout    bool
	Body       string
	Err        error
}

func (e *AdapterError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s", e.Service, e.Op)
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, ": status %d", e.StatusCode)
	}
	if e.Timeout {
		b.WriteString(": timeout")
	}
	if e.Body != "" {
		fmt.Fprintf(&b, ": %s", truncate(e.Body, 200))
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *AdapterError) Unwrap() error {
	return e.Err
}

// HTTPError builds the AdapterError for a non-2xx response.
func HTTPError(service, op string, statusCode int, body string) error {
	return &AdapterError{Service: service, Op: op, StatusCode: statusCode, Body: strings.TrimSpace(body)}
}

// CallError builds the AdapterError for a request that never produced a
// response.
func CallError(service, op string, err error) error {
	if err == nil {
		return nil
	}
	return &AdapterError{Service: service, Op: op, Timeout: isTimeout(err), Err: err}
}

// IsTimeout reports whether err is, or wraps, a timed out call.
func IsTimeout(err error) bool {
	var ae *AdapterError
	if errors.As(err, &ae) && ae.Timeout {
		return true
	}
	return isTimeout(err)
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// StatusCode returns the HTTP status carried by err, or 0.
func StatusCode(err error) int {
	var ae *AdapterError
	if errors.As(err, &ae) {
		return ae.StatusCode
	}
	var te *TransientError
	if errors.As(err, &te) {
		return te.StatusCode
	}
	return 0
}

// IsTransient returns true if the error is worth another attempt: an
// explicit TransientError, an AdapterError with a retryable status or a
// timeout, or a network failure.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var te *TransientError
	if errors.As(err, &te) {
		return true
	}

	var ae *AdapterError
	if errors.As(err, &ae) {
		if ae.Timeout || IsTransientHTTPStatus(ae.StatusCode) {
			return true
		}
		if ae.StatusCode != 0 {
			return false
		}
	}

	if isTimeout(err) {
		return true
	}

	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

var transientPatterns = []string{
	"connection reset by peer",
	"broken pipe",
	"temporary failure in name resolution",
	"tls handshake timeout",
	"i/o timeout",
	"server closed idle connection",
	"unexpected eof",
}

// IsTransientHTTPStatus returns true if the HTTP status code indicates a
// transient server-side issue.
func IsTransientHTTPStatus(statusCode int) bool {
	switch statusCode {
	case 408, 425, 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// IsRejected reports whether the remote side answered with a status that
// will not change on retry, such as 401 or 404.
func IsRejected(err error) bool {
	return StatusCode(err) != 0 && !IsTransient(err)
}

// ClassifyError categorizes an error as "transient" or "permanent" for logs
// and dead letters.
func ClassifyError(err error) string {
	if IsTransient(err) {
		return "transient"
	}
	return "permanent"
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
