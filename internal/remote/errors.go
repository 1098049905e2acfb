package remote

import (
	"errors"
	"fmt"
)

// ErrorKind separates transport failures from non-2xx responses. The sync
// coordinator treats both the same way; the distinction only changes the
// user-facing message.
type ErrorKind string

const (
	// ErrorKindNetwork covers transport-level failures: no connectivity,
	// timeouts, connection resets.
	ErrorKindNetwork ErrorKind = "network"
	// ErrorKindServer covers responses the backend returned with a
	// non-2xx status.
	ErrorKindServer ErrorKind = "server"
)

// RequestError is the failure shape of every remote operation.
type RequestError struct {
	Kind       ErrorKind
	StatusCode int
	Message    string
	cause      error
}

func (e *RequestError) Error() string {
	if e.Kind == ErrorKindServer {
		return fmt.Sprintf("remote: server error %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("remote: network error: %s", e.Message)
}

func (e *RequestError) Unwrap() error {
	return e.cause
}

func networkError(cause error) *RequestError {
	return &RequestError{Kind: ErrorKindNetwork, Message: cause.Error(), cause: cause}
}

func serverError(statusCode int, message string) *RequestError {
	return &RequestError{Kind: ErrorKindServer, StatusCode: statusCode, Message: message}
}

// IsNetwork reports whether err is a transport-level failure.
func IsNetwork(err error) bool {
	var requestErr *RequestError
	return errors.As(err, &requestErr) && requestErr.Kind == ErrorKindNetwork
}

// IsServer reports whether err is a non-2xx backend response.
func IsServer(err error) bool {
	var requestErr *RequestError
	return errors.As(err, &requestErr) && requestErr.Kind == ErrorKindServer
}
