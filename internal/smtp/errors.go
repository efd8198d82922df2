package smtp

import "errors"

var (
	ErrUnhandledEvent         = errors.New("no transition for event")
	ErrPermanent              = errors.New("permanent server error")
	ErrTransient              = errors.New("transient server error")
	ErrMissingCredentials     = errors.New("credentials not provided")
	ErrConnectionClosed       = errors.New("connection closed by server")
	ErrIterationLimit         = errors.New("iteration limit exceeded")
	ErrCanceled               = errors.New("delivery canceled")
	ErrInvalidEnvelope        = errors.New("invalid envelope")
	ErrBase64Length           = errors.New("base64 output length is not a multiple of 4")
	ErrPlaintextAfterStartTLS = errors.New("server sent data after the STARTTLS reply")
)
