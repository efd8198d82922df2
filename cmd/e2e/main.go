package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/OliverSchlueter/goutils/sloki"
	"github.com/OliverSchlueter/mail-sender/internal/logging"
	"github.com/OliverSchlueter/mail-sender/internal/mailhandler"
	"github.com/OliverSchlueter/mail-sender/internal/mails"
	mailsfake "github.com/OliverSchlueter/mail-sender/internal/mails/database/fake"
	"github.com/OliverSchlueter/mail-sender/internal/smtp"
	"github.com/OliverSchlueter/mail-sender/internal/smtpd"
	"github.com/OliverSchlueter/mail-sender/internal/tlsutil"
	"github.com/OliverSchlueter/mail-sender/internal/transport"
	"github.com/OliverSchlueter/mail-sender/internal/users"
	usersfake "github.com/OliverSchlueter/mail-sender/internal/users/database/fake"
	"github.com/goccy/go-json"
	"github.com/wneessen/go-mail"
)

const (
	hostname = "localhost"
	address  = "127.0.0.1"
)

// e2e starts a local submission server and delivers one message with the
// state machine and one with go-mail, then prints what the server stored.
func main() {
	logging.Init(logging.Configuration{
		Service: "mail-sender-e2e",
		Debug:   true,
	})

	if err := run(); err != nil {
		slog.Error("End-to-end run failed", sloki.WrapError(err))
		os.Exit(1)
	}
}

func run() error {
	// users
	us := users.NewStore(users.Configuration{
		DB: usersfake.NewDB(),
	})

	// add test users
	for _, u := range []users.User{
		{Name: "oliver", Password: "oliver123", PrimaryEmail: "oliver@" + hostname},
		{Name: "peter", Password: "peter123", PrimaryEmail: "peter@" + hostname},
	} {
		if err := us.Create(u); err != nil {
			return fmt.Errorf("failed to create user %s: %w", u.Name, err)
		}
	}

	// mails
	ms := mails.NewStore(mails.Configuration{
		DB: mailsfake.NewDB(),
	})

	cert, pool, err := tlsutil.SelfSigned(hostname, address)
	if err != nil {
		return err
	}

	// smtp server
	srv := smtpd.NewServer(smtpd.Configuration{
		Hostname:  hostname,
		TLSConfig: &tls.Config{Certificates: []tls.Certificate{cert}},
		Users:     us,
		Mails:     ms,
	})

	l, err := net.Listen("tcp", address+":0")
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	go func() {
		if err := srv.Serve(l); err != nil && !errors.Is(err, smtpd.ErrServerClosed) {
			slog.Error("SMTP server stopped", sloki.WrapError(err))
		}
	}()
	defer srv.Close()

	port := l.Addr().(*net.TCPAddr).Port
	slog.Info("Started SMTP server", slog.Int("port", port))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := sendWithMachine(ctx, port, pool); err != nil {
		return err
	}
	if err := sendWithGoMail(ctx, port, pool); err != nil {
		return err
	}

	stored, err := fetchMails(ctx, us, ms, "peter")
	if err != nil {
		return err
	}

	for _, m := range stored {
		slog.Info("Stored mail",
			slog.Any("uid", m.UID),
			slog.String("from", m.From),
			slog.String("subject", m.Headers["Subject"]),
			slog.Int64("size", m.Size),
		)
	}
	if len(stored) != 2 {
		return fmt.Errorf("expected 2 stored mails, got %d", len(stored))
	}

	return nil
}

func sendWithMachine(ctx context.Context, port int, pool *x509.CertPool) error {
	env := smtp.Envelope{
		Host:     address,
		Port:     port,
		Username: "oliver",
		Password: "oliver123",
		From:     "oliver@" + hostname,
		To:       "peter@" + hostname,
		Subject:  "Sent by the state machine",
		Attachment: &smtp.Attachment{
			Name: "hello.txt",
			Data: []byte(strings.Repeat("Hello from the attachment!\n", 64)),
		},
	}

	tr := transport.New(transport.Configuration{
		Host:      env.Host,
		Port:      env.Port,
		TLSConfig: &tls.Config{RootCAs: pool},
		Timeout:   10 * time.Second,
	})

	m, err := smtp.NewMachine(env, tr, smtp.Configuration{ClientName: "e2e." + hostname})
	if err != nil {
		return err
	}

	report, err := smtp.Run(ctx, m, smtp.DefaultMaxIterations)
	if err != nil {
		return fmt.Errorf("state machine delivery failed: %w", err)
	}

	slog.Info("State machine delivery finished",
		slog.String("id", report.ID),
		slog.Int("iterations", report.Iterations),
		slog.Int64("bytes", report.Bytes),
		slog.Bool("tls", report.TLS),
	)
	return nil
}

// sendWithGoMail checks the server against an independent client.
func sendWithGoMail(ctx context.Context, port int, pool *x509.CertPool) error {
	m := mail.NewMsg()
	if err := m.From("oliver@" + hostname); err != nil {
		return fmt.Errorf("failed to set From address: %w", err)
	}
	if err := m.To("peter@" + hostname); err != nil {
		return fmt.Errorf("failed to set To address: %w", err)
	}
	m.Subject("Sent by go-mail")
	m.SetBodyString(mail.TypeTextPlain, "Was sent from oliver@"+hostname+" to peter@"+hostname+".")

	c, err := mail.NewClient(
		address,
		mail.WithPort(port),
		mail.WithSMTPAuth(mail.SMTPAuthLogin),
		mail.WithUsername("oliver"),
		mail.WithPassword("oliver123"),
		mail.WithTLSPolicy(mail.TLSMandatory),
		mail.WithTLSConfig(&tls.Config{RootCAs: pool, ServerName: address, MinVersion: tls.VersionTLS12}),
	)
	if err != nil {
		return fmt.Errorf("failed to create mail client: %w", err)
	}

	if err := c.DialAndSendWithContext(ctx, m); err != nil {
		return fmt.Errorf("go-mail delivery failed: %w", err)
	}

	slog.Info("go-mail delivery finished")
	return nil
}

// fetchMails reads the user's mailbox through the HTTP API.
func fetchMails(ctx context.Context, us *users.Store, ms *mails.Store, user string) ([]mails.Mail, error) {
	mux := http.NewServeMux()
	mailhandler.New(ms, us).Register("/api", mux)

	l, err := net.Listen("tcp", address+":0")
	if err != nil {
		return nil, fmt.Errorf("failed to listen: %w", err)
	}
	hs := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go hs.Serve(l)
	defer hs.Close()

	url := "http://" + l.Addr().String() + "/api/mailboxes/" + user + "/mails"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch mails: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to fetch mails: %s", resp.Status)
	}

	var stored []mails.Mail
	if err := json.NewDecoder(resp.Body).Decode(&stored); err != nil {
		return nil, fmt.Errorf("failed to decode mails: %w", err)
	}
	return stored, nil
}
