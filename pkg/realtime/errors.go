package realtime

import (
	"errors"
	"fmt"
)

// ErrClosed is returned by outbound send methods after the client has
// disconnected or been closed.
var ErrClosed = errors.New("realtime: client is closed")

// ErrConnectTimeout is returned by [Connect] when the socket does not open
// within the dial timeout.
var ErrConnectTimeout = errors.New("realtime: connect timed out")

// AuthError reports a non-success HTTP status from the session bootstrap
// endpoint. It is fatal to the call being set up; callers must not retry.
type AuthError struct {
	StatusCode int
	Body       string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("realtime: bootstrap rejected with status %d", e.StatusCode)
}

// ConfigError reports a structurally invalid bootstrap response, such as a
// missing client secret field.
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string {
	return "realtime: " + e.Reason
}
