package smtp

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/OliverSchlueter/goutils/sloki"
)

const (
	maxReplySize     = 64 * 1024
	maxReadsPerReply = 64
)

type EventKind int

const (
	EventNone EventKind = iota
	EventConnect
	EventGreeting
	EventSuccess
	EventStartTLSOffer
	EventAuthOffer
	EventUsernameChallenge
	EventPasswordChallenge
	EventAuthAccepted
	EventSenderOK
	EventRecipientOK
	EventDataReady
	EventQueued
	EventTransientError
	EventPermanentError
	EventStop
	EventTimeout
	EventComplete
)

var eventNames = map[EventKind]string{
	EventNone:              "NoEvent",
	EventConnect:           "Connect",
	EventGreeting:          "Greeting",
	EventSuccess:           "Success",
	EventStartTLSOffer:     "StartTLSOffer",
	EventAuthOffer:         "AuthOffer",
	EventUsernameChallenge: "UsernameChallenge",
	EventPasswordChallenge: "PasswordChallenge",
	EventAuthAccepted:      "AuthAccepted",
	EventSenderOK:          "SenderOK",
	EventRecipientOK:       "RecipientOK",
	EventDataReady:         "DataReady",
	EventQueued:            "Queued",
	EventTransientError:    "TransientError",
	EventPermanentError:    "PermanentError",
	EventStop:              "Stop",
	EventTimeout:           "Timeout",
	EventComplete:          "Complete",
}

func (k EventKind) String() string {
	if name, ok := eventNames[k]; ok {
		return name
	}
	return fmt.Sprintf("EventKind(%d)", int(k))
}

// positive reports whether k is one of the 250 reply classifications.
func (k EventKind) positive() bool {
	return k == EventSuccess || k == EventStartTLSOffer || k == EventAuthOffer
}

// Event is one classified unit of server output. Text holds the matching
// reply line, Err the read failure behind a Stop or Timeout.
type Event struct {
	Kind EventKind
	Text string
	Err  error
}

func (e Event) String() string {
	if e.Text == "" {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s(%q)", e.Kind, e.Text)
}

// ReplyReader performs one bounded read of server output, bytes as received.
type ReplyReader interface {
	ReadRaw() ([]byte, error)
}

// Classifier turns server output into events, one complete reply per call.
// Bytes following the reply are kept for the next call. Replies are decoded
// as lossy UTF-8 once they are complete.
type Classifier struct {
	r       ReplyReader
	pending string
}

func NewClassifier(r ReplyReader) *Classifier {
	return &Classifier{r: r}
}

// Next reads until a complete reply is buffered and classifies it. A failed
// read yields EventStop.
func (c *Classifier) Next() Event {
	for reads := 0; ; reads++ {
		if end := replyEnd(c.pending); end >= 0 {
			reply := c.pending[:end]
			c.pending = c.pending[end:]
			return Classify(lossy(reply))
		}

		if len(c.pending) >= maxReplySize || reads >= maxReadsPerReply {
			reply := c.pending
			c.pending = ""
			slog.Warn("Classifying incomplete reply", slog.Int("size", len(reply)), slog.Int("reads", reads))
			return Classify(lossy(reply))
		}

		chunk, err := c.r.ReadRaw()
		if err != nil {
			slog.Error("Failed to read from SMTP server", sloki.WrapError(err))
			return Event{Kind: EventStop, Err: err}
		}

		slog.Debug("S: " + strings.TrimRight(lossy(string(chunk)), "\r\n"))
		c.pending += string(chunk)
	}
}

// Reset drops buffered server output and returns how many bytes were dropped.
func (c *Classifier) Reset() int {
	n := len(c.pending)
	c.pending = ""
	return n
}

func lossy(s string) string {
	return strings.ToValidUTF8(s, "\uFFFD")
}

// Classify maps one reply to an event. Lines are scanned in order and the
// first line matching a rule decides. For a 250 line the whole reply is
// searched for STARTTLS, then AUTH.
func Classify(reply string) Event {
	for _, line := range splitLines(reply) {
		switch {
		case strings.HasPrefix(line, CodeServiceReady):
			return Event{Kind: EventGreeting, Text: line}
		case strings.HasPrefix(line, CodeClosing):
			return Event{Kind: EventComplete, Text: line}
		case strings.HasPrefix(line, CodeAuthSuccess):
			return Event{Kind: EventAuthAccepted, Text: line}
		case strings.HasPrefix(line, CodeOK):
			if strings.Contains(reply, ExtStartTLS) {
				return Event{Kind: EventStartTLSOffer, Text: line}
			}
			if strings.Contains(reply, ExtAuth) {
				return Event{Kind: EventAuthOffer, Text: line}
			}
			return Event{Kind: EventSuccess, Text: line}
		case strings.HasPrefix(line, ChallengeUsername):
			return Event{Kind: EventUsernameChallenge, Text: line}
		case strings.HasPrefix(line, ChallengePassword):
			return Event{Kind: EventPasswordChallenge, Text: line}
		case strings.HasPrefix(line, CodeStartMailData):
			return Event{Kind: EventDataReady, Text: line}
		case strings.HasPrefix(line, ClassTransient):
			return Event{Kind: EventTransientError, Text: line}
		case strings.HasPrefix(line, ClassPermanent):
			return Event{Kind: EventPermanentError, Text: line}
		}
	}

	return Event{Kind: EventNone}
}

func splitLines(reply string) []string {
	lines := strings.Split(reply, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, "\r")
	}
	return lines
}

// replyEnd returns the offset just past the final line of the first complete
// reply in buf, or -1 if that line has not arrived yet.
func replyEnd(buf string) int {
	off := 0
	for {
		i := strings.IndexByte(buf[off:], '\n')
		if i < 0 {
			return -1
		}
		line := strings.TrimRight(buf[off:off+i], "\r")
		off += i + 1

		if line == "" || isContinuation(line) {
			continue
		}
		return off
	}
}

// isContinuation reports whether line is a "ddd-" line of a multi-line reply.
func isContinuation(line string) bool {
	if len(line) < 4 || line[3] != '-' {
		return false
	}
	for i := 0; i < 3; i++ {
		if line[i] < '0' || line[i] > '9' {
			return false
		}
	}
	return true
}
