package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrNotAvailable        = errors.New("not available")
	ErrRateLimited         = errors.New("rate limited")
	ErrUnauthorized        = errors.New("unauthorized")
	ErrSigningFailed       = errors.New("signing failed")
	ErrWSDisconnect        = errors.New("websocket disconnected")
	ErrLockHeld            = errors.New("lock already held")
	ErrStaleData           = errors.New("stale funding data")
	ErrSizing              = errors.New("invalid trade size")
	ErrAuthorizationDenied = errors.New("authorization denied")
	ErrExecutionFailure    = errors.New("execution failure")
	ErrManualIntervention  = errors.New("manual intervention required")
	ErrEmergencyStop       = errors.New("emergency stop engaged")
	ErrInFlight            = errors.New("opportunity already in flight")
)

// AdapterError wraps any failure that crosses the venue adapter boundary.
type AdapterError struct {
	Venue     Venue
	Op        string
	Retryable bool
	Err       error
}

func (e *AdapterError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Venue, e.Op, e.Err)
}

func (e *AdapterError) Unwrap() error { return e.Err }

// NewAdapterError builds an AdapterError; a nil err yields nil.
func NewAdapterError(venue Venue, op string, retryable bool, err error) error {
	if err == nil {
		return nil
	}
	return &AdapterError{Venue: venue, Op: op, Retryable: retryable, Err: err}
}

// IsRetryable reports whether err is an AdapterError marked retryable.
func IsRetryable(err error) bool {
	var ae *AdapterError
	return errors.As(err, &ae) && ae.Retryable
}

// StaleDataError means a spread could not be trusted for a pair this tick.
type StaleDataError struct {
	Pair      string
	Venue     Venue
	Staleness time.Duration
	Ceiling   time.Duration
	Missing   bool
}

func (e *StaleDataError) Error() string {
	if e.Missing {
		return fmt.Sprintf("stale data: %s: no quote from %s", e.Pair, e.Venue)
	}
	return fmt.Sprintf("stale data: %s: %s quote is %s old (ceiling %s)", e.Pair, e.Venue, e.Staleness, e.Ceiling)
}

func (e *StaleDataError) Is(target error) bool { return target == ErrStaleData }

// SizingError suppresses an opportunity whose size falls outside bounds.
type SizingError struct {
	Pair string
	Size float64
	Min  float64
	Max  float64
}

func (e *SizingError) Error() string {
	return fmt.Sprintf("sizing: %s: size %.2f outside [%.2f, %.2f]", e.Pair, e.Size, e.Min, e.Max)
}

func (e *SizingError) Is(target error) bool { return target == ErrSizing }

// AuthorizationDenied is returned by the risk manager with the limit that was
// hit and the values involved.
type AuthorizationDenied struct {
	Pair      string
	Limit     string
	Current   float64
	Attempted float64
	Max       float64
}

func (e *AuthorizationDenied) Error() string {
	return fmt.Sprintf("authorization denied: %s: %s current=%.2f attempted=%.2f max=%.2f",
		e.Pair, e.Limit, e.Current, e.Attempted, e.Max)
}

func (e *AuthorizationDenied) Is(target error) bool { return target == ErrAuthorizationDenied }

// ExecutionFailure marks a hedge that ended Failed. ManualIntervention means
// a leg may still be open outside automated control.
type ExecutionFailure struct {
	HedgeID            string
	Pair               string
	Reason             string
	ManualIntervention bool
	Err                error
}

func (e *ExecutionFailure) Error() string {
	msg := fmt.Sprintf("execution failure: %s (%s): %s", e.HedgeID, e.Pair, e.Reason)
	if e.ManualIntervention {
		msg += " [manual intervention required]"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ExecutionFailure) Unwrap() error { return e.Err }

func (e *ExecutionFailure) Is(target error) bool {
	if target == ErrExecutionFailure {
		return true
	}
	return target == ErrManualIntervention && e.ManualIntervention
}
