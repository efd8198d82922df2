package smtpd

import (
	"bufio"
	"bytes"
	"crypto/tls"
	"encoding/base64"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/OliverSchlueter/mail-sender/internal/mails"
	mailsfake "github.com/OliverSchlueter/mail-sender/internal/mails/database/fake"
	"github.com/OliverSchlueter/mail-sender/internal/tlsutil"
	"github.com/OliverSchlueter/mail-sender/internal/users"
	usersfake "github.com/OliverSchlueter/mail-sender/internal/users/database/fake"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStores(t *testing.T) (*users.Store, *mails.Store) {
	t.Helper()

	us := users.NewStore(users.Configuration{
		DB: usersfake.NewDB(),
	})
	err := us.Create(users.User{
		Name:         "oliver",
		Password:     "oliver123",
		PrimaryEmail: "oliver@localhost",
	})
	require.NoError(t, err)

	ms := mails.NewStore(mails.Configuration{
		DB: mailsfake.NewDB(),
	})
	return us, ms
}

func TestNewServer(t *testing.T) {
	// Test with custom port
	s1 := NewServer(Configuration{Hostname: "test.example.com", Port: "2525"})
	if s1.hostname != "test.example.com" || s1.port != "2525" {
		t.Errorf("Expected hostname=test.example.com and port=2525, got hostname=%s and port=%s", s1.hostname, s1.port)
	}

	// Test with default port
	s2 := NewServer(Configuration{Hostname: "test.example.com"})
	if s2.hostname != "test.example.com" || s2.port != "25" {
		t.Errorf("Expected hostname=test.example.com and port=25, got hostname=%s and port=%s", s2.hostname, s2.port)
	}
	if s2.maxMessageSize != DefaultMaxMessageSize {
		t.Errorf("Expected default max message size, got %d", s2.maxMessageSize)
	}
}

func TestHandleEhlo(t *testing.T) {
	cert, _, err := tlsutil.SelfSigned("localhost")
	require.NoError(t, err)

	server := NewServer(Configuration{
		Hostname:       "test.server.com",
		TLSConfig:      &tls.Config{Certificates: []tls.Certificate{cert}},
		MaxMessageSize: 1024,
	})
	session := &Session{}
	var buf bytes.Buffer
	writer := bufio.NewWriter(&buf)

	server.handleEhlo(session, writer, "EHLO client.example.com")

	if !session.HeloReceived {
		t.Error("Expected HeloReceived to be true")
	}
	if session.Hostname != "client.example.com" {
		t.Errorf("Expected session hostname to be client.example.com, got %s", session.Hostname)
	}

	expected := "250-test.server.com greets client.example.com\r\n250-STARTTLS\r\n250 SIZE 1024\r\n"
	if buf.String() != expected {
		t.Errorf("Expected response '%s', got '%s'", expected, buf.String())
	}

	// after STARTTLS
	buf.Reset()
	session.TLSActive = true
	server.handleEhlo(session, writer, "EHLO client.example.com")

	expected = "250-test.server.com greets client.example.com\r\n250-AUTH LOGIN\r\n250 SIZE 1024\r\n"
	if buf.String() != expected {
		t.Errorf("Expected response '%s', got '%s'", expected, buf.String())
	}
}

func TestHandleHelo(t *testing.T) {
	server := &Server{hostname: "test.server.com"}
	session := &Session{}
	var buf bytes.Buffer
	writer := bufio.NewWriter(&buf)

	server.handleHelo(session, writer, "HELO client.example.com")

	if !session.HeloReceived {
		t.Error("Expected HeloReceived to be true")
	}

	expected := "250 test.server.com greets client.example.com\r\n"
	if buf.String() != expected {
		t.Errorf("Expected response '%s', got '%s'", expected, buf.String())
	}
}

func TestHandleAuthLogin(t *testing.T) {
	us, _ := newStores(t)
	server := &Server{hostname: "test.server.com", users: us}
	var buf bytes.Buffer
	writer := bufio.NewWriter(&buf)

	// Test without HELO first
	session := &Session{}
	server.handleAuth(session, writer, "AUTH LOGIN")

	expected := "503 Bad sequence: 'EHLO' required first\r\n"
	if buf.String() != expected {
		t.Errorf("Expected response '%s', got '%s'", expected, buf.String())
	}

	// Unsupported mechanism
	buf.Reset()
	session.HeloReceived = true
	server.handleAuth(session, writer, "AUTH PLAIN")

	expected = StatusMechanismUnsupported + "\r\n"
	if buf.String() != expected {
		t.Errorf("Expected response '%s', got '%s'", expected, buf.String())
	}

	// Full exchange
	buf.Reset()
	server.handleAuth(session, writer, "AUTH LOGIN")
	server.handleAuthResponse(session, writer, base64.StdEncoding.EncodeToString([]byte("oliver")))
	server.handleAuthResponse(session, writer, base64.StdEncoding.EncodeToString([]byte("oliver123")))

	expected = "334 VXNlcm5hbWU6\r\n334 UGFzc3dvcmQ6\r\n235 Authentication successful\r\n"
	if buf.String() != expected {
		t.Errorf("Expected response '%s', got '%s'", expected, buf.String())
	}
	if !session.IsAuthenticated() || session.User.Name != "oliver" {
		t.Error("Expected session to be authenticated as oliver")
	}
	if session.Auth != nil {
		t.Error("Expected SASL exchange to be finished")
	}
}

func TestHandleAuthLoginWrongPassword(t *testing.T) {
	us, _ := newStores(t)
	server := &Server{hostname: "test.server.com", users: us}
	var buf bytes.Buffer
	writer := bufio.NewWriter(&buf)

	session := &Session{HeloReceived: true}
	server.handleAuth(session, writer, "AUTH LOGIN "+base64.StdEncoding.EncodeToString([]byte("oliver")))
	server.handleAuthResponse(session, writer, base64.StdEncoding.EncodeToString([]byte("nope")))

	expected := "334 UGFzc3dvcmQ6\r\n535 Authentication failed\r\n"
	if buf.String() != expected {
		t.Errorf("Expected response '%s', got '%s'", expected, buf.String())
	}
	if session.IsAuthenticated() {
		t.Error("Expected session not to be authenticated")
	}
}

func TestHandleMailFrom(t *testing.T) {
	us, _ := newStores(t)
	server := &Server{hostname: "test.server.com", users: us}
	var buf bytes.Buffer
	writer := bufio.NewWriter(&buf)

	// Test without HELO first
	session := &Session{}
	server.handleMailFrom(session, writer, "MAIL FROM:<oliver@localhost>")

	expected := "503 Bad sequence: 'EHLO' required first\r\n"
	if buf.String() != expected {
		t.Errorf("Expected response '%s', got '%s'", expected, buf.String())
	}

	// Not authenticated
	buf.Reset()
	session.HeloReceived = true
	server.handleMailFrom(session, writer, "MAIL FROM:<oliver@localhost>")

	expected = StatusAuthRequired + "\r\n"
	if buf.String() != expected {
		t.Errorf("Expected response '%s', got '%s'", expected, buf.String())
	}

	// Foreign sender
	buf.Reset()
	session.User, _ = us.GetByName("oliver")
	server.handleMailFrom(session, writer, "MAIL FROM:<peter@example.com>")

	expected = StatusSenderNotOwned + "\r\n"
	if buf.String() != expected {
		t.Errorf("Expected response '%s', got '%s'", expected, buf.String())
	}

	buf.Reset()
	server.handleMailFrom(session, writer, "MAIL FROM:<oliver@localhost> SIZE=100")

	if session.Mail.From != "oliver@localhost" {
		t.Errorf("Expected From to be oliver@localhost, got %s", session.Mail.From)
	}

	expected = "250 OK\r\n"
	if buf.String() != expected {
		t.Errorf("Expected response '%s', got '%s'", expected, buf.String())
	}
}

func TestHandleRcptTo(t *testing.T) {
	us, _ := newStores(t)
	server := &Server{hostname: "test.server.com", users: us}
	var buf bytes.Buffer
	writer := bufio.NewWriter(&buf)

	// Test without MAIL FROM first
	session := &Session{HeloReceived: true}
	server.handleRcptTo(session, writer, "RCPT TO:<oliver@localhost>")

	expected := "503 Bad sequence: 'MAIL FROM' required first\r\n"
	if buf.String() != expected {
		t.Errorf("Expected response '%s', got '%s'", expected, buf.String())
	}

	// Unknown recipient
	buf.Reset()
	session.Mail.From = "oliver@localhost"
	server.handleRcptTo(session, writer, "RCPT TO:<nobody@localhost>")

	expected = "550 No such user here\r\n"
	if buf.String() != expected {
		t.Errorf("Expected response '%s', got '%s'", expected, buf.String())
	}

	buf.Reset()
	server.handleRcptTo(session, writer, "RCPT TO:<oliver@localhost>")

	if len(session.Mail.To) != 1 || session.Mail.To[0] != "oliver@localhost" {
		t.Errorf("Expected recipient oliver@localhost, got %v", session.Mail.To)
	}
	if len(session.Mail.Recipients) != 1 || session.Mail.Recipients[0] == "" {
		t.Errorf("Expected recipient user ID, got %v", session.Mail.Recipients)
	}

	expected = "250 OK\r\n"
	if buf.String() != expected {
		t.Errorf("Expected response '%s', got '%s'", expected, buf.String())
	}
}

func TestHandleData(t *testing.T) {
	server := &Server{hostname: "test.server.com"}
	var buf bytes.Buffer
	writer := bufio.NewWriter(&buf)

	// Test without recipients
	session := &Session{}
	session.HeloReceived = true
	server.handleData(session, writer, "DATA")

	expected := "503 Bad sequence: 'RCPT TO' required first\r\n"
	if buf.String() != expected {
		t.Errorf("Expected response '%s', got '%s'", expected, buf.String())
	}

	// Test with recipients
	buf.Reset()
	session.Mail.To = append(session.Mail.To, "recipient@example.com")
	server.handleData(session, writer, "DATA")

	if !session.Mail.ReadingData {
		t.Error("Expected ReadingData to be true")
	}

	expected = "354 Start mail input; end with <CRLF>.<CRLF>\r\n"
	if buf.String() != expected {
		t.Errorf("Expected response '%s', got '%s'", expected, buf.String())
	}
}

func TestHandleDataLine(t *testing.T) {
	_, ms := newStores(t)
	server := &Server{hostname: "test.server.com", mails: ms, maxMessageSize: 64}
	var buf bytes.Buffer
	writer := bufio.NewWriter(&buf)

	session := &Session{}
	session.Mail = Mail{
		From:        "oliver@localhost",
		To:          []string{"oliver@localhost"},
		Recipients:  []string{"user-1"},
		ReadingData: true,
	}

	server.handleDataLine(session, writer, "Subject: hi")
	server.handleDataLine(session, writer, "")
	server.handleDataLine(session, writer, "..leading dot")
	server.handleDataLine(session, writer, ".")

	assert.Equal(t, "250 OK\r\n", buf.String())
	assert.False(t, session.Mail.ReadingData)

	stored, err := ms.GetMails("user-1")
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, "Subject: hi\r\n\r\n.leading dot\r\n", stored[0].Body)
	assert.Equal(t, "hi", stored[0].Headers["Subject"])

	// too large
	buf.Reset()
	session.Mail = Mail{
		From:        "oliver@localhost",
		To:          []string{"oliver@localhost"},
		Recipients:  []string{"user-1"},
		ReadingData: true,
	}
	server.handleDataLine(session, writer, strings.Repeat("x", 80))
	server.handleDataLine(session, writer, ".")

	assert.Equal(t, StatusMessageTooLarge+"\r\n", buf.String())
	stored, err = ms.GetMails("user-1")
	require.NoError(t, err)
	assert.Len(t, stored, 1)
}

func TestWriteLine(t *testing.T) {
	var buf bytes.Buffer
	writer := bufio.NewWriter(&buf)

	writeLine(writer, "Test message")

	expected := "Test message\r\n"
	if buf.String() != expected {
		t.Errorf("Expected '%s', got '%s'", expected, buf.String())
	}
}

func TestServeStartTLS(t *testing.T) {
	us, ms := newStores(t)
	cert, pool, err := tlsutil.SelfSigned("localhost", "127.0.0.1")
	require.NoError(t, err)

	server := NewServer(Configuration{
		Hostname:  "localhost",
		TLSConfig: &tls.Config{Certificates: []tls.Certificate{cert}},
		Users:     us,
		Mails:     ms,
	})

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go server.Serve(l)
	t.Cleanup(func() { server.Close() })

	conn, err := net.DialTimeout("tcp", l.Addr().String(), 5*time.Second)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetDeadline(time.Now().Add(10*time.Second)))

	r := bufio.NewReader(conn)
	readReply := func() string {
		var lines []string
		for {
			line, err := r.ReadString('\n')
			require.NoError(t, err)
			lines = append(lines, strings.TrimRight(line, "\r\n"))
			if len(line) < 4 || line[3] != '-' {
				return strings.Join(lines, "\n")
			}
		}
	}
	send := func(line string) {
		_, err := conn.Write([]byte(line + "\r\n"))
		require.NoError(t, err)
	}

	assert.Equal(t, "220 localhost SMTP service ready", readReply())

	send("EHLO client")
	assert.Contains(t, readReply(), "250-STARTTLS")

	send("MAIL FROM:<oliver@localhost>")
	assert.Equal(t, StatusEncryptionRequired, readReply())

	send("STARTTLS")
	assert.Equal(t, StatusReadyStarting, readReply())

	tlsConn := tls.Client(conn, &tls.Config{ServerName: "localhost", RootCAs: pool})
	require.NoError(t, tlsConn.Handshake())
	conn = tlsConn
	r = bufio.NewReader(tlsConn)

	send("EHLO client")
	assert.Contains(t, readReply(), "250-AUTH LOGIN")

	send("QUIT")
	assert.Equal(t, "221 localhost closing connection", readReply())
}

func TestCloseStopsServe(t *testing.T) {
	server := NewServer(Configuration{Hostname: "localhost"})

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- server.Serve(l) }()

	require.Eventually(t, func() bool { return server.Addr() != nil }, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, server.Close())

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrServerClosed)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after Close")
	}
}
