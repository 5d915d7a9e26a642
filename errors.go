package tune

import (
	"errors"
	"fmt"
	"strings"
)

//////
// Sentinels.
//////

var (
	// ErrSearchExhausted is returned by a Strategy when it has no further
	// parameter assignments to offer.
	ErrSearchExhausted = errors.New("search space exhausted")

	// ErrTrialFinished is returned when reporting on a trial that already
	// reached a terminal status.
	ErrTrialFinished = errors.New("trial already finished")
)

//////
// Typed errors.
//////

// UnknownTrialError indicates a trial ID that was never issued by Suggest.
type UnknownTrialError struct {
	ID string
}

func (e *UnknownTrialError) Error() string {
	return "unknown trial: " + e.ID
}

// InvalidSearchSpaceError indicates a parameter domain that cannot be
// sampled, either because it is malformed or because the strategy cannot
// represent it.
type InvalidSearchSpaceError struct {
	// Param is the offending parameter name, empty when the problem is the
	// space as a whole.
	Param  string
	Reason string
	Err    error
}

func (e *InvalidSearchSpaceError) Error() string {
	msg := "invalid search space"
	if e.Param != "" {
		msg += fmt.Sprintf(" (parameter %q)", e.Param)
	}

	msg += ": " + e.Reason

	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}

	return msg
}

func (e *InvalidSearchSpaceError) Unwrap() error {
	return e.Err
}

// ObjectiveMismatchError indicates a trial completed without reporting
// every configured objective metric. The trial is recorded as errored.
type ObjectiveMismatchError struct {
	ID      string
	Missing []string
}

func (e *ObjectiveMismatchError) Error() string {
	return fmt.Sprintf("trial %s finished without objective metrics: %s", e.ID, strings.Join(e.Missing, ", "))
}

// ConfigurationError indicates an invalid coordinator configuration,
// detected at construction time.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	return "invalid configuration: " + e.Reason
}

// StrategyError wraps a failure raised by the underlying Strategy.
type StrategyError struct {
	// Op is the strategy operation that failed: "setup", "next" or "observe".
	Op  string
	Err error
}

func (e *StrategyError) Error() string {
	return fmt.Sprintf("strategy %s: %v", e.Op, e.Err)
}

func (e *StrategyError) Unwrap() error {
	return e.Err
}
