package mails

import (
	"bufio"
	"net/textproto"
	"strings"
	"time"
)

// Mail is a message accepted by the local SMTP server for one user.
type Mail struct {
	UID     uint32            `json:"uid"`
	UserID  string            `json:"user_id"`
	From    string            `json:"from"`
	To      []string          `json:"to"`
	Date    time.Time         `json:"date"`
	Size    int64             `json:"size"`
	Headers map[string]string `json:"headers"`
	Body    string            `json:"body"`
}

// ParseHeaders reads the header block at the top of a raw message. The first
// value wins for repeated keys. Keys are canonicalised.
func ParseHeaders(raw string) map[string]string {
	headers := map[string]string{}

	tr := textproto.NewReader(bufio.NewReader(strings.NewReader(raw)))
	mh, err := tr.ReadMIMEHeader()
	if err != nil && len(mh) == 0 {
		return headers
	}

	for k, v := range mh {
		if len(v) > 0 {
			headers[k] = v[0]
		}
	}
	return headers
}
