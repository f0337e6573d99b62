package providers

import (
	"context"
	"errors"
	"fmt"
)

// Transient reports whether err is worth another attempt or should count
// against a backend's health.
//
//   - 5xx and 429 provider errors → transient (infrastructure or quota)
//   - context.DeadlineExceeded → transient
//   - other 4xx provider errors → not transient (the request itself is bad)
//   - unknown errors → transient (network failures land here)
func Transient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var sc StatusCoder
	if errors.As(err, &sc) {
		status := sc.HTTPStatus()
		return status == 429 || (status >= 500 && status < 600)
	}
	return true
}

// ErrorClass converts an error into a short category used in log fields and
// metric labels.
func ErrorClass(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	}
	var sc StatusCoder
	if errors.As(err, &sc) {
		return fmt.Sprintf("http_%d", sc.HTTPStatus())
	}
	return "unknown"
}
