package client

import (
	"errors"
	"fmt"
)

// ErrServiceNameRequired is returned by Init when no service name was set.
var ErrServiceNameRequired = errors.New("serviceName is required")

// ErrMaxReconnect is the terminal error after the reconnect budget is spent.
// No further automatic attempts occur; Init resets the client.
var ErrMaxReconnect = errors.New("max reconnection attempts reached")

// FetchError wraps a failed batch fetch: network failure or a non-zero
// envelope code from the server.
type FetchError struct {
	Status int
	cause  error
}

func (e *FetchError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("config fetch failed (status %d): %v", e.Status, e.cause)
	}
	return fmt.Sprintf("config fetch failed: %v", e.cause)
}

func (e *FetchError) Unwrap() error { return e.cause }
