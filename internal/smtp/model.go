package smtp

import (
	"fmt"
	"strings"
)

// Envelope is everything the state machine needs to deliver one message.
// It is not modified once the machine is created.
type Envelope struct {
	Host       string
	Port       int
	Username   string
	Password   string
	From       string
	To         string
	Subject    string
	Attachment *Attachment
}

type Attachment struct {
	Name string
	Data []byte
}

func (e *Envelope) HasAttachment() bool {
	return e.Attachment != nil && e.Attachment.Name != ""
}

// Validate rejects envelopes that cannot be put on the wire as-is.
func (e *Envelope) Validate() error {
	if e.Host == "" {
		return fmt.Errorf("%w: empty host", ErrInvalidEnvelope)
	}
	if e.Port <= 0 || e.Port > 65535 {
		return fmt.Errorf("%w: invalid port %d", ErrInvalidEnvelope, e.Port)
	}
	if e.From == "" || e.To == "" {
		return fmt.Errorf("%w: sender and recipient are required", ErrInvalidEnvelope)
	}

	fields := map[string]string{
		"from":     e.From,
		"to":       e.To,
		"subject":  e.Subject,
		"username": e.Username,
		"password": e.Password,
	}
	if e.Attachment != nil {
		if e.Attachment.Name == "" {
			return fmt.Errorf("%w: attachment without a name", ErrInvalidEnvelope)
		}
		if strings.ContainsAny(e.Attachment.Name, `"\`) {
			return fmt.Errorf("%w: attachment name must not contain quotes or backslashes", ErrInvalidEnvelope)
		}
		fields["attachment name"] = e.Attachment.Name
	}
	for name, value := range fields {
		if strings.ContainsAny(value, "\r\n") {
			return fmt.Errorf("%w: %s must not contain CR or LF", ErrInvalidEnvelope, name)
		}
	}

	return nil
}

// senderDomain returns the domain part of the sender address.
func (e *Envelope) senderDomain() string {
	at := strings.LastIndex(e.From, "@")
	if at < 0 || at == len(e.From)-1 {
		return "localhost"
	}
	return e.From[at+1:]
}
