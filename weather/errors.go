package weather

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidAPIKey is returned when no api key is configured or the
	// provider rejects it.
	ErrInvalidAPIKey = errors.New("invalid api key")

	// ErrCityNotFound is returned when the provider has no data for a location.
	ErrCityNotFound = errors.New("city not found")

	// ErrRateLimitExceeded is returned when the provider keeps answering 429
	// after every retry.
	ErrRateLimitExceeded = errors.New("rate limit exceeded")

	// ErrInvalidLocation is returned for an empty city name or coordinates
	// outside of [-90, 90] x [-180, 180].
	ErrInvalidLocation = errors.New("invalid location")
)

// StatusError is returned for any other non-2xx response.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status code %d", e.Code)
}

// DecodeError is returned when a 2xx body cannot be decoded.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("failed to parse response: %v", e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}
