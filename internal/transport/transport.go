package transport

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"
)

// DefaultReadSize is the size of a single bounded read.
const DefaultReadSize = 1024

// Variant is the kind of stream currently owned by a Transport.
type Variant int

const (
	Uninitialized Variant = iota
	Plaintext
	Encrypted
)

func (v Variant) String() string {
	switch v {
	case Uninitialized:
		return "Uninitialized"
	case Plaintext:
		return "Plaintext"
	case Encrypted:
		return "Encrypted"
	}
	return "Variant(" + strconv.Itoa(int(v)) + ")"
}

type Configuration struct {
	Host string
	Port int

	// TLSConfig is cloned for the STARTTLS handshake. ServerName defaults to Host.
	TLSConfig *tls.Config

	// Timeout is applied as deadline to every read, write and handshake. Zero disables it.
	Timeout time.Duration

	// ReadSize bounds a single Read. Defaults to DefaultReadSize.
	ReadSize int
}

// Transport owns exactly one byte stream to the server, either plaintext or
// TLS-wrapped. Once Encrypted it never goes back to Plaintext.
//
// A Transport is not safe for concurrent use.
type Transport struct {
	host      string
	port      int
	tlsConfig *tls.Config
	timeout   time.Duration
	readSize  int

	variant Variant
	conn    net.Conn
	w       *bufio.Writer
	closed  bool
}

func New(config Configuration) *Transport {
	if config.ReadSize <= 0 {
		config.ReadSize = DefaultReadSize
	}

	return &Transport{
		host:      config.Host,
		port:      config.Port,
		tlsConfig: config.TLSConfig,
		timeout:   config.Timeout,
		readSize:  config.ReadSize,
		variant:   Uninitialized,
	}
}

func (t *Transport) Variant() Variant {
	return t.variant
}

// Addr returns host:port of the server.
func (t *Transport) Addr() string {
	return net.JoinHostPort(t.host, strconv.Itoa(t.port))
}

// Connect resolves the server address and opens a plaintext stream.
func (t *Transport) Connect(ctx context.Context) error {
	const op = "connect"

	if t.closed {
		return newError(op, ErrState, errors.New("transport closed"))
	}
	if t.variant != Uninitialized {
		return newError(op, ErrState, errors.New("already connected as "+t.variant.String()))
	}

	dialer := &net.Dialer{Timeout: t.timeout}
	conn, err := dialer.DialContext(ctx, "tcp", t.Addr())
	if err != nil {
		return newError(op, ErrConnection, err)
	}

	t.conn = conn
	t.w = bufio.NewWriter(conn)
	t.variant = Plaintext

	slog.Debug("Connected to SMTP server", slog.String("addr", conn.RemoteAddr().String()))
	return nil
}

// UpgradeToTLS performs the client handshake over the plaintext stream and
// replaces it with the encrypted one. It must be called exactly once, while
// the transport is Plaintext.
func (t *Transport) UpgradeToTLS(ctx context.Context) error {
	const op = "starttls"

	if t.closed {
		return newError(op, ErrState, errors.New("transport closed"))
	}
	switch t.variant {
	case Uninitialized:
		return newError(op, ErrState, errors.New("not connected"))
	case Encrypted:
		return newError(op, ErrState, errors.New("already encrypted"))
	}

	if err := t.w.Flush(); err != nil {
		return newError(op, ErrIO, err)
	}

	tlsConn := tls.Client(t.conn, clientConfig(t.tlsConfig, t.host))
	if t.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return newError(op, ErrHandshake, err)
	}

	t.conn = tlsConn
	t.w = bufio.NewWriter(tlsConn)
	t.variant = Encrypted

	state := tlsConn.ConnectionState()
	slog.Debug("TLS connection established",
		slog.String("server_name", state.ServerName),
		slog.String("version", tls.VersionName(state.Version)),
		slog.String("cipher_suite", tls.CipherSuiteName(state.CipherSuite)),
	)
	return nil
}

// Write buffers p on the active stream. No line terminator is appended.
// Buffered bytes reach the server on Flush or when the buffer fills up.
func (t *Transport) Write(p []byte) (int, error) {
	const op = "write"

	if err := t.usable(op); err != nil {
		return 0, err
	}
	if t.timeout > 0 {
		if err := t.conn.SetWriteDeadline(time.Now().Add(t.timeout)); err != nil {
			return 0, newError(op, ErrIO, err)
		}
	}

	n, err := t.w.Write(p)
	if err != nil {
		return n, newError(op, ErrIO, err)
	}
	return n, nil
}

func (t *Transport) Flush() error {
	const op = "flush"

	if err := t.usable(op); err != nil {
		return err
	}
	if t.timeout > 0 {
		if err := t.conn.SetWriteDeadline(time.Now().Add(t.timeout)); err != nil {
			return newError(op, ErrIO, err)
		}
	}

	if err := t.w.Flush(); err != nil {
		return newError(op, ErrIO, err)
	}
	return nil
}

// Read performs one bounded read and returns the bytes as text. Invalid
// UTF-8 sequences are replaced with U+FFFD instead of failing the read.
func (t *Transport) Read() (string, error) {
	b, err := t.ReadRaw()
	if err != nil {
		return "", err
	}
	return strings.ToValidUTF8(string(b), "\uFFFD"), nil
}

// ReadRaw performs one bounded read and returns the bytes as received. A
// multi-byte character may be split across two calls.
func (t *Transport) ReadRaw() ([]byte, error) {
	const op = "read"

	if err := t.usable(op); err != nil {
		return nil, err
	}
	if t.timeout > 0 {
		if err := t.conn.SetReadDeadline(time.Now().Add(t.timeout)); err != nil {
			return nil, newError(op, ErrIO, err)
		}
	}

	buf := make([]byte, t.readSize)
	n, err := t.conn.Read(buf)
	if n > 0 {
		// a trailing error shows up again on the next read
		return buf[:n], nil
	}
	if err != nil {
		return nil, newError(op, ErrIO, err)
	}
	return nil, nil
}

// Close closes the active stream. Only the first call has an effect.
func (t *Transport) Close() error {
	if t.closed {
		return nil
	}
	t.closed = true

	if t.conn == nil {
		return nil
	}

	slog.Debug("Closing SMTP connection", slog.String("variant", t.variant.String()))
	if err := t.conn.Close(); err != nil {
		return newError("close", ErrIO, err)
	}
	return nil
}

// ConnectionState reports the TLS state once the transport is Encrypted.
func (t *Transport) ConnectionState() (tls.ConnectionState, bool) {
	tlsConn, ok := t.conn.(*tls.Conn)
	if !ok || t.variant != Encrypted {
		return tls.ConnectionState{}, false
	}
	return tlsConn.ConnectionState(), true
}

func (t *Transport) usable(op string) error {
	if t.closed {
		return newError(op, ErrState, errors.New("transport closed"))
	}
	if t.variant == Uninitialized {
		return newError(op, ErrState, errors.New("not connected"))
	}
	return nil
}
