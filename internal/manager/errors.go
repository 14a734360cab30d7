package manager

import (
	"errors"
	"fmt"
	"math"
	"time"

	"studiobot/internal/bot"
)

var (
	ErrNotRegistered     = errors.New("bot is not registered")
	ErrAlreadyRegistered = errors.New("bot is already registered")
	ErrBotDisabled       = errors.New("bot is disabled")
	ErrCircuitOpen       = errors.New("circuit breaker open")
)

// CircuitOpenError is returned without invoking the bot while its breaker is open.
type CircuitOpenError struct {
	Kind    bot.Kind
	RetryIn time.Duration
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("bot %s is temporarily disabled due to repeated failures; retry in %d seconds", e.Kind, e.RetrySeconds())
}

func (e *CircuitOpenError) Is(target error) bool { return target == ErrCircuitOpen }

func (e *CircuitOpenError) Code() string { return "CIRCUIT_OPEN" }

// RetrySeconds rounds RetryIn up to whole seconds, minimum 1.
func (e *CircuitOpenError) RetrySeconds() int {
	s := int(math.Ceil(e.RetryIn.Seconds()))
	if s < 1 {
		return 1
	}
	return s
}

// IsRejection reports whether err means the bot was never invoked
// (circuit open, disabled, already running).
func IsRejection(err error) bool {
	return errors.Is(err, ErrCircuitOpen) || errors.Is(err, ErrBotDisabled) || bot.IsCapacity(err)
}
