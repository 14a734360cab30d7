package bot

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadyRunning rejects a call while the same bot is mid-execution.
	// Callers must not retry in a tight loop; the guard does not queue.
	ErrAlreadyRunning = errors.New("bot is already running")

	// ErrWatchdogTimeout is returned when process() outlives the configured deadline.
	ErrWatchdogTimeout = errors.New("bot execution watchdog timeout")

	ErrPanic = errors.New("bot panicked")
)

// ValidationError reports input that does not match a bot's input contract.
type ValidationError struct {
	Kind Kind
	Err  error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid input for %s: %v", e.Kind, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

func (e *ValidationError) Code() string { return "VALIDATION_ERROR" }

// IsValidation reports whether err is (or wraps) a *ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
