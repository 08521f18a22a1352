package common

import "errors"

// RetryableError wraps a transient failure: network timeout, 5xx, or a
// disconnected stream. Callers retry with backoff up to their own budget.
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string { return "retryable: " + e.Err.Error() }
func (e *RetryableError) Unwrap() error { return e.Err }

// AuthError marks a credential as invalid or lacking trade permission.
// It is fatal: no amount of retrying will resolve it.
type AuthError struct {
	Err error
}

func (e *AuthError) Error() string { return "auth: " + e.Err.Error() }
func (e *AuthError) Unwrap() error { return e.Err }

// RejectedError marks the exchange's refusal of an otherwise well-formed
// order (min-notional, filter failure, etc). The order moves to REJECTED.
type RejectedError struct {
	Err error
}

func (e *RejectedError) Error() string { return "rejected: " + e.Err.Error() }
func (e *RejectedError) Unwrap() error { return e.Err }

// ErrLimitWithoutPrice is returned by CreateOrder when a LIMIT order is
// submitted with no price.
var ErrLimitWithoutPrice = errors.New("limit order requires a price")

func IsRetryable(err error) bool {
	var r *RetryableError
	return errors.As(err, &r)
}

func IsAuth(err error) bool {
	var a *AuthError
	return errors.As(err, &a)
}

func IsRejected(err error) bool {
	var r *RejectedError
	return errors.As(err, &r)
}
