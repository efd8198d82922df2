package smtpd

import (
	"strings"

	"github.com/OliverSchlueter/mail-sender/internal/users"
	"github.com/emersion/go-sasl"
)

type Session struct {
	Hostname     string
	RemoteAddr   string
	TLSActive    bool
	HeloReceived bool
	Mail         Mail

	// Auth is the running SASL exchange, nil when none is in progress.
	Auth sasl.Server
	User *users.User
}

func (s *Session) IsAuthenticated() bool {
	return s.User != nil
}

// Reset drops everything learned on the connection except its address.
// Used after STARTTLS.
func (s *Session) Reset() {
	*s = Session{RemoteAddr: s.RemoteAddr}
}

type Mail struct {
	From string
	To   []string
	// Recipients holds the user ID for every address in To.
	Recipients  []string
	DataBuffer  []string
	DataSize    int
	TooLarge    bool
	ReadingData bool
}

func (m *Mail) Body() string {
	if len(m.DataBuffer) == 0 {
		return ""
	}
	return strings.Join(m.DataBuffer, "\r\n") + "\r\n"
}

func (m *Mail) Reset() {
	*m = Mail{}
}
