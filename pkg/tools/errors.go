package tools

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when no discovered provider exposes the requested
// tool.
var ErrNotFound = errors.New("tool not found")

// RejectedError indicates the provider received the call and reported a
// failure executing it.
type RejectedError struct {
	Tool   string
	Detail string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("tool %s rejected by provider: %s", e.Tool, e.Detail)
}

// UnreachableError indicates the provider could not be reached at all.
type UnreachableError struct {
	Provider string
	Err      error
}

func (e *UnreachableError) Error() string {
	return fmt.Sprintf("provider %s unreachable: %v", e.Provider, e.Err)
}

func (e *UnreachableError) Unwrap() error {
	return e.Err
}

// InvalidArgumentsError indicates the call arguments failed schema validation
// before the provider was contacted.
type InvalidArgumentsError struct {
	Tool   string
	Detail string
}

func (e *InvalidArgumentsError) Error() string {
	return fmt.Sprintf("invalid arguments for tool %s: %s", e.Tool, e.Detail)
}

// Rejection is the error providers return when the remote side executed the
// call and signaled failure. The dispatcher maps it to RejectedError; every
// other provider error is treated as unreachable transport.
type Rejection struct {
	Detail string
}

func (e *Rejection) Error() string {
	return e.Detail
}
