package smtp

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"

	"github.com/OliverSchlueter/goutils/sloki"
	"github.com/OliverSchlueter/mail-sender/internal/transport"
)

const DefaultClientName = "localhost"

// Conn is the transport the machine drives. *transport.Transport implements it.
type Conn interface {
	Connect(ctx context.Context) error
	UpgradeToTLS(ctx context.Context) error
	Write(p []byte) (int, error)
	Flush() error
	ReadRaw() ([]byte, error)
	Close() error
	Variant() transport.Variant
}

type Configuration struct {
	// ClientName is announced with EHLO.
	ClientName string
	Body       BodyOptions
}

// Machine is the client side of one SMTP delivery. It owns the envelope and
// the connection for its whole lifetime and is not safe for concurrent use.
type Machine struct {
	state State
	env   Envelope
	conn  Conn

	// replies reads from conn
	replies *Classifier

	clientName string
	body       BodyOptions

	lastCmd  command
	err      error
	failedIn State
	sent     int64
	closed   bool
}

func NewMachine(env Envelope, conn Conn, config Configuration) (*Machine, error) {
	if err := env.Validate(); err != nil {
		return nil, err
	}
	if config.ClientName == "" {
		config.ClientName = DefaultClientName
	}

	return &Machine{
		state:      Start,
		env:        env,
		conn:       conn,
		replies:    NewClassifier(conn),
		clientName: config.ClientName,
		body:       config.Body,
	}, nil
}

func (m *Machine) State() State {
	return m.state
}

// Err returns the error recorded by the transition that moved the machine to Failed.
func (m *Machine) Err() error {
	return m.err
}

// BytesSent counts the bytes handed to the transport, commands and message.
func (m *Machine) BytesSent() int64 {
	return m.sent
}

// Close releases the connection. Only the first call reaches the transport.
func (m *Machine) Close() error {
	if m.closed {
		return nil
	}
	m.closed = true
	return m.conn.Close()
}

// HandleEvent applies one event and returns the new state.
func (m *Machine) HandleEvent(ctx context.Context, ev Event) State {
	ev = m.refine(ev)
	slog.Debug("State machine got event", slog.String("state", m.state.String()), slog.String("event", ev.String()))

	prev := m.state
	m.state = m.transition(ctx, ev)
	if m.state != prev {
		slog.Info("State changed", slog.String("from", prev.String()), slog.String("to", m.state.String()))
	}
	return m.state
}

// refine turns a 250 reply into the acknowledgement of the command it answers.
func (m *Machine) refine(ev Event) Event {
	if !ev.Kind.positive() {
		return ev
	}

	switch m.lastCmd {
	case cmdMailFrom:
		ev.Kind = EventSenderOK
	case cmdRcptTo:
		ev.Kind = EventRecipientOK
	case cmdEndOfData:
		ev.Kind = EventQueued
	}
	return ev
}

func (m *Machine) transition(ctx context.Context, ev Event) State {
	if m.state.Terminal() {
		return m.state
	}

	switch ev.Kind {
	case EventPermanentError:
		return m.fail(fmt.Errorf("%w: %s", ErrPermanent, ev.Text))
	case EventComplete:
		if m.state != Start {
			return Finished
		}
	}

	switch m.state {
	case Start:
		if ev.Kind == EventConnect {
			slog.Info("Connecting to SMTP server", slog.String("host", m.env.Host), slog.Int("port", m.env.Port))
			if err := m.conn.Connect(ctx); err != nil {
				return m.fail(err)
			}
			return ConnectingTcp
		}

	case ConnectingTcp:
		if ev.Kind == EventGreeting {
			return m.writeCommand(cmdEhlo, "EHLO "+m.clientName, HelloSent)
		}

	case HelloSent, Connected:
		switch ev.Kind {
		case EventSuccess:
			if m.state == HelloSent {
				return Connected
			}
		case EventStartTLSOffer:
			return m.writeCommand(cmdStartTLS, "STARTTLS", StartingTls)
		}

	case StartingTls:
		if ev.Kind == EventGreeting {
			// nothing read before the handshake may be taken as encrypted input
			if n := m.replies.Reset(); n > 0 {
				return m.fail(fmt.Errorf("%w: %d bytes", ErrPlaintextAfterStartTLS, n))
			}
			if err := m.conn.UpgradeToTLS(ctx); err != nil {
				return m.fail(err)
			}
			return m.writeCommand(cmdEhlo, "EHLO "+m.clientName, ConnectedTls)
		}

	case ConnectedTls:
		switch ev.Kind {
		case EventSuccess, EventAuthOffer:
			return m.writeCommand(cmdAuthLogin, "AUTH LOGIN", ConnectedTls)
		case EventUsernameChallenge:
			if m.env.Username == "" {
				return m.fail(fmt.Errorf("%w: username", ErrMissingCredentials))
			}
			return m.writeCommand(cmdUsername, encodeCredential(m.env.Username), ConnectedTls)
		case EventPasswordChallenge:
			if m.env.Password == "" {
				return m.fail(fmt.Errorf("%w: password", ErrMissingCredentials))
			}
			return m.writeCommand(cmdPassword, encodeCredential(m.env.Password), ConnectedTls)
		case EventAuthAccepted:
			return m.writeCommand(cmdMailFrom, fmt.Sprintf("MAIL FROM:<%s>", m.env.From), SendingHeaders)
		}

	case SendingHeaders:
		switch ev.Kind {
		case EventSenderOK:
			return m.writeCommand(cmdRcptTo, fmt.Sprintf("RCPT TO:<%s>", m.env.To), SendingHeaders)
		case EventRecipientOK:
			return m.writeCommand(cmdData, "DATA", SendingData)
		}

	case SendingData:
		if ev.Kind == EventDataReady {
			return m.sendBody()
		}

	case MailSent:
		if ev.Kind == EventQueued {
			return m.writeCommand(cmdQuit, "QUIT", Finished)
		}
	}

	return m.unhandled(ev)
}

func (m *Machine) unhandled(ev Event) State {
	switch ev.Kind {
	case EventStop:
		if ev.Err != nil {
			return m.fail(fmt.Errorf("%w: %w", ErrConnectionClosed, ev.Err))
		}
		return m.fail(ErrConnectionClosed)
	case EventTimeout:
		if ev.Err != nil {
			return m.fail(fmt.Errorf("%w: %w", ErrCanceled, ev.Err))
		}
		return m.fail(ErrCanceled)
	case EventTransientError:
		return m.fail(fmt.Errorf("%w: %s", ErrTransient, ev.Text))
	}

	slog.Error("No valid transition for event", slog.String("state", m.state.String()), slog.String("event", ev.String()))
	return m.fail(fmt.Errorf("%w %s in state %s", ErrUnhandledEvent, ev, m.state))
}

// writeCommand sends one command line and returns next, or Failed if the
// write does not make it to the server.
func (m *Machine) writeCommand(cmd command, line string, next State) State {
	n, err := m.conn.Write([]byte(line + "\r\n"))
	m.sent += int64(n)
	if err != nil {
		return m.fail(fmt.Errorf("failed to send %s: %w", cmd, err))
	}
	if err := m.conn.Flush(); err != nil {
		return m.fail(fmt.Errorf("failed to send %s: %w", cmd, err))
	}

	if cmd == cmdUsername || cmd == cmdPassword {
		slog.Debug("C: <credentials>")
	} else {
		slog.Debug("C: " + line)
	}

	m.lastCmd = cmd
	return next
}

func (m *Machine) sendBody() State {
	slog.Info("Sending email body", slog.Bool("attachment", m.env.HasAttachment()))

	w := &countingWriter{w: m.conn}
	state, err := SendBody(w, m.env, m.body)
	m.sent += w.n
	m.lastCmd = cmdEndOfData
	if err != nil {
		return m.fail(err)
	}
	return state
}

func (m *Machine) fail(err error) State {
	if m.err == nil {
		m.err = err
		m.failedIn = m.state
	}
	slog.Error("SMTP delivery failed", slog.String("state", m.state.String()), sloki.WrapError(err))
	return Failed
}

// FailedIn returns the state the machine was in when it failed.
func (m *Machine) FailedIn() (State, bool) {
	if m.state != Failed {
		return 0, false
	}
	return m.failedIn, true
}

func encodeCredential(s string) string {
	return base64.StdEncoding.EncodeToString([]byte(s))
}
