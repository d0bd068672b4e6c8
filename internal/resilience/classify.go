package resilience

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"

	"github.com/rendis/toolforge/pkg/schema"
)

// Category groups errors for tracking and retry decisions.
type Category string

const (
	CategoryTimeout    Category = "timeout"
	CategoryConnection Category = "connection"
	CategoryRateLimit  Category = "rate_limit"
	CategoryValidation Category = "validation"
	CategoryHandler    Category = "handler"
	CategoryUnknown    Category = "unknown"
)

// Categories lists every category in reporting order.
var Categories = []Category{
	CategoryTimeout,
	CategoryConnection,
	CategoryRateLimit,
	CategoryValidation,
	CategoryHandler,
	CategoryUnknown,
}

var (
	rateLimitPatterns  = []string{"rate limit", "too many requests"}
	connectionPatterns = []string{"connection refused", "connection reset", "broken pipe", "no such host", "unexpected eof", "unreachable", "connection"}
	timeoutPatterns    = []string{"timeout", "timed out", "deadline exceeded"}
)

// Classify assigns err to a category. Typed codes win, then a recorded HTTP
// status, then the cause chain; message text is consulted last, with URLs
// removed so an endpoint address cannot decide the category.
func Classify(err error) Category {
	if err == nil {
		return CategoryUnknown
	}

	var fe *schema.ForgeError
	if errors.As(err, &fe) {
		switch fe.Code {
		case schema.ErrCodeTimeout:
			return CategoryTimeout
		case schema.ErrCodeValidation, schema.ErrCodeToolNotFound, schema.ErrCodeUnresolvedVariable:
			return CategoryValidation
		case schema.ErrCodeCircuitOpen:
			return CategoryConnection
		case schema.ErrCodeRetryExhausted, schema.ErrCodePipelineStep:
			if fe.Cause != nil {
				return Classify(fe.Cause)
			}
		case schema.ErrCodeHandler:
			if status, ok := statusOf(fe); ok {
				switch status {
				case 429:
					return CategoryRateLimit
				case 408, 504:
					return CategoryTimeout
				}
				return CategoryHandler
			}
			if fe.Cause != nil {
				if c := classifyCause(fe.Cause); c != CategoryUnknown {
					return c
				}
			}
			if c := classifyMessage(fe.Message); c != CategoryUnknown {
				return c
			}
			return CategoryHandler
		}
	}

	if c := classifyCause(err); c != CategoryUnknown {
		return c
	}
	if c := classifyMessage(err.Error()); c != CategoryUnknown {
		return c
	}
	if fe != nil {
		return CategoryHandler
	}
	return CategoryUnknown
}

// classifyCause inspects typed errors in the chain: deadlines, network
// errors and truncated streams.
func classifyCause(err error) Category {
	if errors.Is(err, context.DeadlineExceeded) {
		return CategoryTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return CategoryTimeout
		}
		return CategoryConnection
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return CategoryConnection
	}
	return CategoryUnknown
}

func classifyMessage(msg string) Category {
	msg = strings.ToLower(withoutURLs(msg))
	for _, p := range rateLimitPatterns {
		if strings.Contains(msg, p) {
			return CategoryRateLimit
		}
	}
	for _, p := range timeoutPatterns {
		if strings.Contains(msg, p) {
			return CategoryTimeout
		}
	}
	for _, p := range connectionPatterns {
		if strings.Contains(msg, p) {
			return CategoryConnection
		}
	}
	return CategoryUnknown
}

// withoutURLs drops every whitespace-separated token containing "://".
func withoutURLs(msg string) string {
	if !strings.Contains(msg, "://") {
		return msg
	}
	fields := strings.Fields(msg)
	kept := fields[:0]
	for _, f := range fields {
		if !strings.Contains(f, "://") {
			kept = append(kept, f)
		}
	}
	return strings.Join(kept, " ")
}

// statusOf extracts an HTTP status recorded in error details.
func statusOf(fe *schema.ForgeError) (int, bool) {
	switch v := fe.Details["status"].(type) {
	case int:
		return v, true
	case float64:
		return int(v), true
	}
	return 0, false
}

// IsRetryable is the default retry predicate. Timeouts, connection problems,
// rate limits and 5xx-class handler failures retry; caller mistakes, 4xx-class
// handler failures, open circuits, cancellation and internal faults do not.
func IsRetryable(_ int, err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var fe *schema.ForgeError
	if errors.As(err, &fe) {
		switch fe.Code {
		case schema.ErrCodeValidation, schema.ErrCodeToolNotFound, schema.ErrCodeDuplicateName,
			schema.ErrCodeUnresolvedVariable, schema.ErrCodeCircuitOpen, schema.ErrCodeCancelled,
			schema.ErrCodeInternal, schema.ErrCodeInvalidTransition, schema.ErrCodeConflict,
			schema.ErrCodeRetryExhausted:
			return false
		case schema.ErrCodePipelineStep:
			return fe.Cause != nil && IsRetryable(0, fe.Cause)
		case schema.ErrCodeHandler:
			if status, ok := statusOf(fe); ok {
				return status >= 500 || status == 429 || status == 408
			}
			return true
		}
		return true
	}
	return true
}
