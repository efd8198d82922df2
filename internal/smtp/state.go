package smtp

import "fmt"

type State int

const (
	Start State = iota
	ConnectingTcp
	HelloSent
	Connected
	StartingTls
	ConnectedTls
	SendingHeaders
	SendingData
	MailSent
	Finished
	Failed
)

var stateNames = [...]string{
	Start:          "Start",
	ConnectingTcp:  "ConnectingTcp",
	HelloSent:      "HelloSent",
	Connected:      "Connected",
	StartingTls:    "StartingTls",
	ConnectedTls:   "ConnectedTls",
	SendingHeaders: "SendingHeaders",
	SendingData:    "SendingData",
	MailSent:       "MailSent",
	Finished:       "Finished",
	Failed:         "Failed",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Terminal reports whether no further event can move the machine.
func (s State) Terminal() bool {
	return s == Finished || s == Failed
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
