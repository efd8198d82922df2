package smtpd

import (
	"bufio"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/OliverSchlueter/goutils/sloki"
	"github.com/OliverSchlueter/mail-sender/internal/mails"
	"github.com/OliverSchlueter/mail-sender/internal/users"
	"github.com/emersion/go-sasl"
)

var ErrServerClosed = errors.New("smtpd: server closed")

// Server is a submission server that requires STARTTLS and AUTH LOGIN before
// it accepts mail for local users.
type Server struct {
	hostname       string
	port           string
	tlsConfig      *tls.Config
	users          *users.Store
	mails          *mails.Store
	maxMessageSize int
	commandTimeout time.Duration

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	closed   bool
	wg       sync.WaitGroup
}

type Configuration struct {
	Hostname string
	Port     string

	// TLSConfig enables STARTTLS. CertFile and KeyFile are loaded when it is nil.
	TLSConfig *tls.Config
	CertFile  string
	KeyFile   string

	Users *users.Store
	Mails *mails.Store

	MaxMessageSize int
	CommandTimeout time.Duration
}

func NewServer(config Configuration) *Server {
	if config.Port == "" {
		config.Port = "25"
	}
	if config.MaxMessageSize <= 0 {
		config.MaxMessageSize = DefaultMaxMessageSize
	}
	if config.CommandTimeout <= 0 {
		config.CommandTimeout = 2 * time.Minute
	}

	tlsConfig := config.TLSConfig
	if tlsConfig == nil && config.CertFile != "" && config.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(config.CertFile, config.KeyFile)
		if err != nil {
			slog.Error("Failed to load TLS certificates", sloki.WrapError(err))
		} else {
			tlsConfig = &tls.Config{Certificates: []tls.Certificate{cert}}
		}
	}
	if tlsConfig != nil {
		tlsConfig = tlsConfig.Clone()
		tlsConfig.MinVersion = tls.VersionTLS12
		tlsConfig.SessionTicketsDisabled = true
		tlsConfig.Renegotiation = tls.RenegotiateNever
		tlsConfig.CurvePreferences = []tls.CurveID{tls.X25519, tls.CurveP256}
	}

	return &Server{
		hostname:       config.Hostname,
		port:           config.Port,
		tlsConfig:      tlsConfig,
		users:          config.Users,
		mails:          config.Mails,
		maxMessageSize: config.MaxMessageSize,
		commandTimeout: config.CommandTimeout,
		conns:          map[net.Conn]struct{}{},
	}
}

// Start listens on the configured port and serves until Close is called.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", ":"+s.port)
	if err != nil {
		return fmt.Errorf("failed to listen on port %s: %w", s.port, err)
	}

	return s.Serve(listener)
}

// Serve accepts connections on l until Close is called. It always returns a
// non-nil error, ErrServerClosed after Close.
func (s *Server) Serve(l net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		l.Close()
		return ErrServerClosed
	}
	s.listener = l
	s.mu.Unlock()

	slog.Info("SMTP server listening", slog.String("addr", l.Addr().String()), slog.Bool("starttls", s.tlsConfig != nil))

	for {
		conn, err := l.Accept()
		if err != nil {
			if s.isClosed() {
				return ErrServerClosed
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				slog.Warn("Failed to accept connection", sloki.WrapError(err))
				continue
			}
			return err
		}

		if !s.track(conn) {
			conn.Close()
			return ErrServerClosed
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.untrack(conn)
			s.handle(conn)
		}()
	}
}

// Addr returns the listener address once Serve has started.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Close stops the listener, closes open connections and waits for their
// handlers to return.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true

	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}
	for c := range s.conns {
		c.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	return err
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Server) track(c net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}
	s.conns[c] = struct{}{}
	return true
}

func (s *Server) untrack(c net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, c)
}

func (s *Server) handle(conn net.Conn) {
	// conn is swapped after STARTTLS
	defer func() { conn.Close() }()

	session := &Session{}
	session.RemoteAddr = conn.RemoteAddr().String()

	slog.Debug("New connection established", "remote_addr", conn.RemoteAddr().String(), "protocol", conn.RemoteAddr().Network())

	r := bufio.NewReader(conn)
	w := bufio.NewWriter(conn)

	writeLine(w, fmt.Sprintf(StatusServiceReady, s.hostname))

	for {
		if err := conn.SetDeadline(time.Now().Add(s.commandTimeout)); err != nil {
			slog.Error("Failed to set connection deadline", sloki.WrapError(err))
			return
		}

		line, err := r.ReadString('\n')
		if err != nil {
			if !s.isClosed() {
				slog.Warn("Failed to read from connection", sloki.WrapError(err))
			}
			return
		}

		line = strings.TrimRight(line, "\r\n")
		upper := strings.ToUpper(line)

		if len(line) > MaxLineLength {
			slog.Warn("Received line exceeds maximum length", "line_length", len(line))
			writeLine(w, StatusLineTooLong)
			continue
		}

		if session.Mail.ReadingData {
			s.handleDataLine(session, w, line)
			continue
		}

		if session.Auth != nil {
			slog.Debug("C: <credentials>")
			s.handleAuthResponse(session, w, line)
			continue
		}

		slog.Debug("C: " + line)

		switch {
		// EHLO
		case strings.HasPrefix(upper, CmdEhlo.Prefix):
			s.handleEhlo(session, w, line)

		// HELO
		case strings.HasPrefix(upper, CmdHelo.Prefix):
			s.handleHelo(session, w, line)

		// STARTTLS
		case upper == CmdStartTls.Prefix:
			if s.tlsConfig == nil || session.TLSActive {
				writeLine(w, StatusNotImplemented)
				continue
			}

			writeLine(w, StatusReadyStarting)

			// Upgrade connection to TLS
			tlsConn := tls.Server(conn, s.tlsConfig)
			if err := tlsConn.Handshake(); err != nil {
				slog.Error("TLS handshake failed", sloki.WrapError(err))
				return
			}

			session.Reset()
			session.TLSActive = true

			conn = tlsConn
			r = bufio.NewReader(conn)
			w = bufio.NewWriter(conn)

			slog.Debug("TLS connection established", "remote_addr", conn.RemoteAddr().String())

		// AUTH
		case strings.HasPrefix(upper, CmdAuth.Prefix):
			s.handleAuth(session, w, line)

		// MAIL FROM
		case strings.HasPrefix(upper, CmdMailFrom.Prefix):
			s.handleMailFrom(session, w, line)

		// RCPT TO
		case strings.HasPrefix(upper, CmdRcptTo.Prefix):
			s.handleRcptTo(session, w, line)

		// DATA
		case upper == CmdData.Prefix:
			s.handleData(session, w, line)

		// RSET
		case upper == CmdRset.Prefix:
			session.Mail.Reset()
			writeLine(w, StatusOK)

		// QUIT
		case upper == CmdQuit.Prefix:
			writeLine(w, fmt.Sprintf(StatusConnClosed, s.hostname))
			slog.Debug("Connection closed", "remote_addr", session.RemoteAddr)
			return

		// NOOP
		case upper == CmdNoop.Prefix:
			writeLine(w, StatusOK)

		default:
			writeLine(w, StatusBadCommand)
		}
	}
}

// handleEhlo answers with a multi-line 250 reply. STARTTLS is offered on the
// plaintext connection and AUTH LOGIN once TLS is active.
func (s *Server) handleEhlo(session *Session, w *bufio.Writer, line string) {
	clientHostname := strings.TrimSpace(line[len(CmdEhlo.Prefix):])
	session.HeloReceived = true
	session.Hostname = clientHostname
	session.Mail.Reset()

	lines := []string{fmt.Sprintf(StatusGreeting, s.hostname, clientHostname)}
	if !session.TLSActive && s.tlsConfig != nil {
		lines = append(lines, CmdStartTls.Extension)
	}
	if session.TLSActive || s.tlsConfig == nil {
		lines = append(lines, CmdAuth.Extension)
	}
	lines = append(lines, "SIZE "+strconv.Itoa(s.maxMessageSize))

	for i, l := range lines {
		sep := "-"
		if i == len(lines)-1 {
			sep = " "
		}
		writeLine(w, "250"+sep+l)
	}
}

func (s *Server) handleHelo(session *Session, w *bufio.Writer, line string) {
	clientHostname := strings.TrimSpace(line[len(CmdHelo.Prefix):])
	session.HeloReceived = true
	session.Hostname = clientHostname
	session.Mail.Reset()

	writeLine(w, "250 "+fmt.Sprintf(StatusGreeting, s.hostname, clientHostname))
}

func (s *Server) handleAuth(session *Session, w *bufio.Writer, line string) {
	if !session.HeloReceived {
		slog.Warn(fmt.Sprintf("%s command received before %s", CmdAuth.Name, CmdEhlo.Name))
		writeLine(w, fmt.Sprintf(StatusBadSequence, CmdEhlo.Name))
		return
	}

	if s.tlsConfig != nil && !session.TLSActive {
		writeLine(w, StatusEncryptionRequired)
		return
	}

	if session.IsAuthenticated() {
		writeLine(w, StatusAlreadyAuthenticated)
		return
	}

	fields := strings.Fields(line[len(CmdAuth.Prefix):])
	if len(fields) == 0 || !strings.EqualFold(fields[0], sasl.Login) {
		writeLine(w, StatusMechanismUnsupported)
		return
	}

	session.Auth = sasl.NewLoginServer(func(username, password string) error {
		u, err := s.users.Authenticate(username, password)
		if err != nil {
			return err
		}
		session.User = u
		return nil
	})

	// optional initial response
	var response []byte
	if len(fields) > 1 {
		decoded, err := base64.StdEncoding.DecodeString(fields[1])
		if err != nil {
			session.Auth = nil
			writeLine(w, StatusInvalidBase64)
			return
		}
		response = decoded
	}

	s.stepAuth(session, w, response)
}

func (s *Server) handleAuthResponse(session *Session, w *bufio.Writer, line string) {
	if line == "*" {
		session.Auth = nil
		writeLine(w, StatusAuthCanceled)
		return
	}

	decoded, err := base64.StdEncoding.DecodeString(line)
	if err != nil {
		slog.Warn("Failed to decode base64 credentials", sloki.WrapError(err))
		session.Auth = nil
		writeLine(w, StatusInvalidBase64)
		return
	}

	s.stepAuth(session, w, decoded)
}

func (s *Server) stepAuth(session *Session, w *bufio.Writer, response []byte) {
	challenge, done, err := session.Auth.Next(response)
	if err != nil {
		session.Auth = nil
		session.User = nil

		if errors.Is(err, users.ErrUserNotFound) || errors.Is(err, users.ErrInvalidPassword) {
			slog.Warn("Authentication failed", slog.String("remote_addr", session.RemoteAddr))
			writeLine(w, StatusAuthenticationFailed)
			return
		}

		slog.Error("Failed to authenticate user", sloki.WrapError(err))
		writeLine(w, StatusLocalError)
		return
	}

	if done {
		session.Auth = nil
		slog.Info("User authenticated", slog.String("user", session.User.Name))
		writeLine(w, StatusAuthSuccess)
		return
	}

	writeLine(w, fmt.Sprintf(StatusAuthChallenge, base64.StdEncoding.EncodeToString(challenge)))
}

func (s *Server) handleMailFrom(session *Session, w *bufio.Writer, line string) {
	if !session.HeloReceived {
		slog.Warn(fmt.Sprintf("%s command received before %s", CmdMailFrom.Name, CmdEhlo.Name))
		writeLine(w, fmt.Sprintf(StatusBadSequence, CmdEhlo.Name))
		return
	}

	if s.tlsConfig != nil && !session.TLSActive {
		slog.Warn(fmt.Sprintf("%s command received without TLS", CmdMailFrom.Name))
		writeLine(w, StatusEncryptionRequired)
		return
	}

	if !session.IsAuthenticated() {
		writeLine(w, StatusAuthRequired)
		return
	}

	addr, ok := parsePath(line[len(CmdMailFrom.Prefix):])
	if !ok || addr == "" {
		writeLine(w, StatusSyntaxError)
		return
	}

	if !session.User.HasEmail(addr) {
		slog.Warn(fmt.Sprintf("Sender %s not owned by %s", addr, session.User.Name))
		writeLine(w, StatusSenderNotOwned)
		return
	}

	session.Mail.Reset()
	session.Mail.From = addr

	writeLine(w, StatusOK)
}

func (s *Server) handleRcptTo(session *Session, w *bufio.Writer, line string) {
	if session.Mail.From == "" {
		writeLine(w, fmt.Sprintf(StatusBadSequence, CmdMailFrom.Name))
		return
	}

	if len(session.Mail.To) >= MaxRecipients {
		slog.Warn(fmt.Sprintf("Maximum recipients exceeded for session from %s", session.RemoteAddr))
		writeLine(w, StatusTooManyRecipients)
		return
	}

	recipient, ok := parsePath(line[len(CmdRcptTo.Prefix):])
	if !ok || recipient == "" {
		writeLine(w, StatusSyntaxError)
		return
	}

	// only local users, no relaying
	u, err := s.users.GetByEmail(recipient)
	if err != nil {
		if errors.Is(err, users.ErrUserNotFound) {
			writeLine(w, StatusNoSuchUser)
			return
		}

		slog.Error("Failed to get user by email", sloki.WrapError(err))
		writeLine(w, StatusLocalError)
		return
	}

	session.Mail.To = append(session.Mail.To, recipient)
	session.Mail.Recipients = append(session.Mail.Recipients, u.ID)
	writeLine(w, StatusOK)
}

func (s *Server) handleData(session *Session, w *bufio.Writer, line string) {
	if !session.HeloReceived {
		writeLine(w, fmt.Sprintf(StatusBadSequence, CmdEhlo.Name))
		return
	}

	if len(session.Mail.To) == 0 {
		slog.Warn(fmt.Sprintf("%s command received without any recipients", CmdData.Name))
		writeLine(w, fmt.Sprintf(StatusBadSequence, CmdRcptTo.Name))
		return
	}

	session.Mail.ReadingData = true
	writeLine(w, StatusStartMailInput)
}

func (s *Server) handleDataLine(session *Session, w *bufio.Writer, line string) {
	if line != "." {
		if strings.HasPrefix(line, ".") {
			line = line[1:]
		}

		session.Mail.DataSize += len(line) + 2
		if session.Mail.DataSize > s.maxMessageSize {
			session.Mail.TooLarge = true
			session.Mail.DataBuffer = nil
			return
		}

		session.Mail.DataBuffer = append(session.Mail.DataBuffer, line)
		return
	}

	defer session.Mail.Reset()

	if session.Mail.TooLarge {
		slog.Warn("Message exceeds maximum size", "size", session.Mail.DataSize)
		writeLine(w, StatusMessageTooLarge)
		return
	}

	body := session.Mail.Body()
	headers := mails.ParseHeaders(body)
	now := time.Now()

	for i, userID := range session.Mail.Recipients {
		m := mails.Mail{
			UID:     mails.RandomUID(),
			UserID:  userID,
			From:    session.Mail.From,
			To:      []string{session.Mail.To[i]},
			Date:    now,
			Size:    int64(len(body)),
			Headers: headers,
			Body:    body,
		}
		if err := s.mails.CreateMail(m); err != nil {
			slog.Error("Failed to save incoming email", sloki.WrapError(err))
			writeLine(w, StatusLocalError)
			return
		}
	}

	slog.Info("Incoming email received", "from", session.Mail.From, "to", session.Mail.To, "size", len(body))
	writeLine(w, StatusOK)
}

// parsePath extracts the address from "<addr>" followed by optional parameters.
func parsePath(arg string) (string, bool) {
	arg = strings.TrimSpace(arg)
	if !strings.HasPrefix(arg, "<") {
		return "", false
	}

	end := strings.IndexByte(arg, '>')
	if end < 0 {
		return "", false
	}

	return strings.TrimSpace(arg[1:end]), true
}

func writeLine(w *bufio.Writer, line string) {
	if _, err := w.WriteString(line + "\r\n"); err != nil {
		slog.Error("Failed to write to connection", sloki.WrapError(err))
		return
	}
	if err := w.Flush(); err != nil {
		slog.Error("Failed to flush writer", sloki.WrapError(err))
		return
	}

	slog.Debug("S: " + line)
}
