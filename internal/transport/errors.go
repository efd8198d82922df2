package transport

import (
	"errors"
	"fmt"
)

var (
	ErrConnection = errors.New("connection error")
	ErrHandshake  = errors.New("tls handshake error")
	ErrState      = errors.New("invalid transport state")
	ErrIO         = errors.New("i/o error")
)

// Error ties a failed transport operation to one of the error kinds above.
// errors.Is matches both the kind and the underlying cause.
type Error struct {
	Op   string
	Kind error
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func newError(op string, kind error, err error) error {
	return &Error{Op: op, Kind: kind, Err: err}
}
