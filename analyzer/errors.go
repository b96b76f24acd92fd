package analyzer

import (
	"errors"
	"fmt"
)

// Sentinel errors.
var (
	ErrInvalidInput        = errors.New("analyzer: invalid project input")
	ErrInvalidResult       = errors.New("analyzer: provider returned an invalid analysis")
	ErrNoProviders         = errors.New("analyzer: no providers configured")
	ErrNoHealthyProviders  = errors.New("analyzer: no healthy providers available")
	ErrAllFailed           = errors.New("analyzer: all providers failed")
	ErrRateLimited         = errors.New("analyzer: rate limited by provider")
	ErrAuthFailed          = errors.New("analyzer: provider authentication failed")
	ErrInvalidRequest      = errors.New("analyzer: invalid provider request")
	ErrProviderUnavailable = errors.New("analyzer: provider unavailable")
)

// Error wraps an analysis failure with the provider that produced it.
type Error struct {
	Err      error
	Provider string
	Attempts int
}

func (e *Error) Error() string {
	return fmt.Sprintf("analyzer: provider=%s attempts=%d: %v", e.Provider, e.Attempts, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsFatal returns true if the error should not be retried with another provider.
func IsFatal(err error) bool {
	return errors.Is(err, ErrAuthFailed) || errors.Is(err, ErrInvalidRequest)
}
