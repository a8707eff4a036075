package rpc

import (
	"errors"
	"fmt"
)

var (
	// ErrReplayOrOutOfOrder is returned by ProcessRequest when a request
	// repeats or skips a message index, or its timestamp goes backwards.
	// The session has been terminated when it is returned.
	ErrReplayOrOutOfOrder = errors.New("rpc: replayed or out of order message")

	// ErrMethodNotFound means no handler matches service, method and parameter shape
	ErrMethodNotFound = errors.New("method not found")

	// ErrNotAuthorized means the authenticator denied the invocation
	ErrNotAuthorized = errors.New("not authorized")

	// ErrServiceNotFound means no factory is registered for the service
	ErrServiceNotFound = errors.New("service not found")

	// ErrUnexpectedMessage is returned for message types a client may not send
	ErrUnexpectedMessage = errors.New("rpc: unexpected message type")
)

// InvocationError is the failure of a single part. Only its message is
// sent to the client; the cause and stack stay on the server.
type InvocationError struct {
	Service string
	Method  string
	Cause   error
	Stack   string
}

func (e *InvocationError) Error() string {
	return e.Cause.Error()
}

func (e *InvocationError) Unwrap() error {
	return e.Cause
}

// panicError wraps a recovered panic value
type panicError struct {
	value any
}

func (e *panicError) Error() string {
	return fmt.Sprintf("panic: %v", e.value)
}

// description returns the text put into an ERROR part for err
func description(err error) string {
	var p *panicError
	if errors.As(err, &p) {
		return "internal error"
	}
	return err.Error()
}
