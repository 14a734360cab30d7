package errhandler

import (
	"context"
	"errors"
	"net"
	"regexp"
	"strings"
	"syscall"

	"studiobot/internal/bot"
	"studiobot/internal/storage"
)

type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityWarning  Severity = "warning"
	SeverityStandard Severity = "standard"
)

const (
	CodeUnknown = "UNKNOWN_ERROR"

	genericMessage = "An internal error occurred. Please try again later."
)

var sensitive = regexp.MustCompile(`(?i)(password|token|key|secret|connection.*string|dsn)`)

type coder interface{ Code() string }

// Classify maps err to a severity. The checks run in a fixed order so the
// result is deterministic.
func Classify(err error) Severity {
	if err == nil {
		return SeverityStandard
	}
	// Validation errors never alert, whatever their message says.
	if bot.IsValidation(err) {
		return SeverityStandard
	}
	if isNetwork(err) {
		return SeverityCritical
	}

	switch {
	case errors.Is(err, storage.ErrNotFound),
		errors.Is(err, storage.ErrConflict),
		errors.Is(err, storage.ErrConstraint):
		return SeverityWarning
	case errors.Is(err, storage.ErrUnavailable),
		errors.Is(err, storage.ErrTimeout):
		return SeverityCritical
	}
	var se *storage.Error
	if errors.As(err, &se) {
		return SeverityStandard
	}

	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, "memory", "timeout", "heap"):
		return SeverityCritical
	case containsAny(msg, "rate limit", "too many requests",
		"duplicate key", "unique constraint", "not found"):
		return SeverityWarning
	}
	return SeverityStandard
}

func isNetwork(err error) bool {
	switch {
	case errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.ETIMEDOUT),
		errors.Is(err, context.DeadlineExceeded):
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	var c coder
	if errors.As(err, &c) {
		switch c.Code() {
		case "ECONNREFUSED", "ENOTFOUND", "ETIMEDOUT", "ECONNRESET":
			return true
		}
	}
	return false
}

// Code returns a stable machine-readable code for err.
func Code(err error) string {
	if err == nil {
		return CodeUnknown
	}
	var c coder
	if errors.As(err, &c) && c.Code() != "" {
		return c.Code()
	}
	var dnsErr *net.DNSError
	switch {
	case errors.Is(err, syscall.ECONNREFUSED):
		return "ECONNREFUSED"
	case errors.Is(err, syscall.ECONNRESET):
		return "ECONNRESET"
	case errors.Is(err, syscall.ETIMEDOUT), errors.Is(err, context.DeadlineExceeded):
		return "ETIMEDOUT"
	case errors.As(err, &dnsErr):
		return "ENOTFOUND"
	case errors.Is(err, bot.ErrPanic):
		return "BOT_PANIC"
	}
	return CodeUnknown
}

// SafeMessage returns err's message unless it may carry credentials, in
// which case a generic message is returned instead.
func SafeMessage(err error) string {
	if err == nil {
		return genericMessage
	}
	msg := err.Error()
	if msg == "" || sensitive.MatchString(msg) {
		return genericMessage
	}
	return msg
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
