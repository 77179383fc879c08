package transport

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// StatusError is returned when the remote service answers with a non-2xx status.
type StatusError struct {
	Code       int
	Status     string
	Method     string
	URL        string // already redacted
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	status := e.Status
	if status == "" {
		status = fmt.Sprintf("%d %s", e.Code, http.StatusText(e.Code))
	}
	return fmt.Sprintf("%s %s: unexpected status %s", e.Method, e.URL, status)
}

// StatusCode returns the HTTP status carried by err, or 0.
func StatusCode(err error) int {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Code
	}
	return 0
}

// RetryAfter returns the Retry-After delay carried by err, or 0.
func RetryAfter(err error) time.Duration {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.RetryAfter
	}
	return 0
}

// IsRateLimited reports whether err is a 429 from the remote service.
func IsRateLimited(err error) bool {
	return StatusCode(err) == http.StatusTooManyRequests
}

// IsUnauthorized reports whether err is a 401 from the remote service.
func IsUnauthorized(err error) bool {
	return StatusCode(err) == http.StatusUnauthorized
}

// RedactURL masks the value of any token query parameter so URLs can be logged.
func RedactURL(raw string) string {
	idx := strings.Index(raw, "token=")
	for idx != -1 {
		if idx > 0 && raw[idx-1] != '?' && raw[idx-1] != '&' {
			next := strings.Index(raw[idx+1:], "token=")
			if next == -1 {
				break
			}
			idx += next + 1
			continue
		}
		start := idx + len("token=")
		end := strings.IndexAny(raw[start:], "&#")
		if end == -1 {
			end = len(raw)
		} else {
			end += start
		}
		raw = raw[:start] + "<hidden>" + raw[end:]
		next := strings.Index(raw[start:], "token=")
		if next == -1 {
			break
		}
		idx = start + next
	}
	return raw
}
