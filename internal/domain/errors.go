package domain

import "errors"

var (
	ErrAccountNotFound   = errors.New("account not found")
	ErrAccountExists     = errors.New("account already exists")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrInvalidInput      = errors.New("invalid input")

	ErrJobNotFound  = errors.New("job not found")
	ErrJobNotReady  = errors.New("job not ready")
	ErrJobFinalized = errors.New("job already finalized")

	// ErrUnavailable marks transient storage or network failures. No partial
	// mutation has been committed when it is returned.
	ErrUnavailable = errors.New("storage unavailable")
	ErrRateLimited = errors.New("rate limited")
	ErrMalformed   = errors.New("malformed response")
)

// IsNotFound returns true for unknown accounts and unknown jobs.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrAccountNotFound) || errors.Is(err, ErrJobNotFound)
}

// IsRetryable returns true if the operation may succeed when repeated.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrUnavailable) || errors.Is(err, ErrRateLimited)
}
