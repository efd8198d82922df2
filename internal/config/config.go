package config

import (
	"crypto"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/OliverSchlueter/mail-sender/internal/smtp"
	"github.com/joho/godotenv"
	"github.com/wneessen/go-mail"
)

const (
	KeyServer         = "smtp_server"
	KeyUsername       = "smtp_username"
	KeyPassword       = "smtp_password"
	KeyFrom           = "smtp_from"
	KeyTo             = "smtp_to"
	KeySubject        = "smtp_subject"
	KeyAttachmentPath = "smtp_attachment_path"
	KeyDebug          = "smtp_debug"
	KeyClientName     = "smtp_client_name"
	KeyMaxIterations  = "smtp_max_iterations"
	KeyTimeout        = "smtp_timeout"
	KeyChunkSize      = "smtp_chunk_size"
	KeyBoundary       = "smtp_boundary"
	KeyDKIMKey        = "smtp_dkim_key"
	KeyDKIMSelector   = "smtp_dkim_selector"
	KeyDKIMDomain     = "smtp_dkim_domain"
	KeyLokiURL        = "smtp_loki_url"
)

const (
	DefaultEnvFile = ".env"
	DefaultTimeout = 60 * time.Second
)

// LookupFunc has the signature of os.LookupEnv.
type LookupFunc func(key string) (string, bool)

type Config struct {
	Envelope smtp.Envelope

	// AttachmentPath is the file the attachment was read from, if any.
	AttachmentPath string

	Debug         bool
	ClientName    string
	MaxIterations int
	Timeout       time.Duration
	ChunkSize     int
	Boundary      string
	DKIM          *smtp.DKIMOptions
	LokiURL       string
}

// Load reads envFile and the process environment. Process variables take
// precedence over the file. A missing default .env file is not an error.
func Load(envFile string) (*Config, error) {
	explicit := envFile != ""
	if !explicit {
		envFile = DefaultEnvFile
	}

	fileVars, err := godotenv.Read(envFile)
	if err != nil {
		if explicit || !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to read %s: %w", envFile, err)
		}
		fileVars = map[string]string{}
	}

	return FromEnv(func(key string) (string, bool) {
		if v, ok := os.LookupEnv(key); ok {
			return v, true
		}
		v, ok := fileVars[key]
		return v, ok
	})
}

// FromEnv builds the configuration from lookup.
func FromEnv(lookup LookupFunc) (*Config, error) {
	get := func(key string) string {
		v, _ := lookup(key)
		return strings.TrimSpace(v)
	}

	cfg := &Config{
		ClientName:    smtp.DefaultClientName,
		MaxIterations: smtp.DefaultMaxIterations,
		Timeout:       DefaultTimeout,
		ChunkSize:     smtp.DefaultChunkSize,
		Boundary:      get(KeyBoundary),
		LokiURL:       get(KeyLokiURL),
	}

	server := get(KeyServer)
	if server == "" {
		return nil, fmt.Errorf("%w: %s", ErrMissingValue, KeyServer)
	}
	host, port, err := SplitServer(server)
	if err != nil {
		return nil, err
	}

	from, to, err := ParseAddresses(get(KeyFrom), get(KeyTo))
	if err != nil {
		return nil, err
	}

	subject := get(KeySubject)
	if subject == "" {
		subject = DefaultSubject(time.Now())
	}

	cfg.Envelope = smtp.Envelope{
		Host:     host,
		Port:     port,
		Username: get(KeyUsername),
		Password: get(KeyPassword),
		From:     from,
		To:       to,
		Subject:  subject,
	}

	if v := get(KeyDebug); v != "" {
		if cfg.Debug, err = ParseBool(v); err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrInvalidValue, KeyDebug, err)
		}
	}
	if v := get(KeyClientName); v != "" {
		cfg.ClientName = v
	}
	if v := get(KeyMaxIterations); v != "" {
		if cfg.MaxIterations, err = positiveInt(KeyMaxIterations, v); err != nil {
			return nil, err
		}
	}
	if v := get(KeyChunkSize); v != "" {
		if cfg.ChunkSize, err = positiveInt(KeyChunkSize, v); err != nil {
			return nil, err
		}
	}
	if v := get(KeyTimeout); v != "" {
		cfg.Timeout, err = time.ParseDuration(v)
		if err != nil || cfg.Timeout < 0 {
			return nil, fmt.Errorf("%w: %s=%q", ErrInvalidValue, KeyTimeout, v)
		}
	}

	if path := get(KeyAttachmentPath); path != "" {
		if err := cfg.SetAttachment(path); err != nil {
			return nil, err
		}
	}

	if keyPath := get(KeyDKIMKey); keyPath != "" {
		key, err := smtp.LoadDKIMPrivateKey(keyPath)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrInvalidValue, KeyDKIMKey, err)
		}
		cfg.SetDKIM(key, get(KeyDKIMSelector), get(KeyDKIMDomain))
	}

	return cfg, nil
}

// SetAttachment reads the file at path into the envelope. The attachment is
// named after the file's base name.
func (c *Config) SetAttachment(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read attachment: %w", err)
	}

	c.AttachmentPath = path
	c.Envelope.Attachment = &smtp.Attachment{
		Name: filepath.Base(path),
		Data: data,
	}
	return nil
}

// SetDKIM enables signing. selector defaults to "mail", domain to the sender's domain.
func (c *Config) SetDKIM(signer crypto.Signer, selector, domain string) {
	if selector == "" {
		selector = "mail"
	}
	if domain == "" {
		domain = c.Envelope.From[strings.LastIndex(c.Envelope.From, "@")+1:]
	}

	c.DKIM = &smtp.DKIMOptions{
		Domain:   domain,
		Selector: selector,
		Signer:   signer,
	}
}

// BodyOptions returns the message formatting settings.
func (c *Config) BodyOptions() smtp.BodyOptions {
	return smtp.BodyOptions{
		Boundary:  c.Boundary,
		ChunkSize: c.ChunkSize,
		DKIM:      c.DKIM,
	}
}

// SplitServer parses "host:port".
func SplitServer(server string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(server)
	if err != nil {
		return "", 0, fmt.Errorf("%w: %s=%q: %w", ErrInvalidValue, KeyServer, server, err)
	}
	if host == "" {
		return "", 0, fmt.Errorf("%w: %s=%q: empty host", ErrInvalidValue, KeyServer, server)
	}

	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return "", 0, fmt.Errorf("%w: %s=%q: invalid port", ErrInvalidValue, KeyServer, server)
	}
	return host, port, nil
}

// ParseAddresses validates sender and recipient and returns the bare
// addresses used in MAIL FROM and RCPT TO.
func ParseAddresses(from, to string) (string, string, error) {
	if from == "" {
		return "", "", fmt.Errorf("%w: %s", ErrMissingValue, KeyFrom)
	}
	if to == "" {
		return "", "", fmt.Errorf("%w: %s", ErrMissingValue, KeyTo)
	}

	m := mail.NewMsg()
	if err := m.From(from); err != nil {
		return "", "", fmt.Errorf("%w: %s: %w", ErrInvalidValue, KeyFrom, err)
	}
	if err := m.To(to); err != nil {
		return "", "", fmt.Errorf("%w: %s: %w", ErrInvalidValue, KeyTo, err)
	}

	sender, err := m.GetSender(false)
	if err != nil {
		return "", "", fmt.Errorf("%w: %s: %w", ErrInvalidValue, KeyFrom, err)
	}
	rcpts, err := m.GetRecipients()
	if err != nil || len(rcpts) != 1 {
		return "", "", fmt.Errorf("%w: %s must be exactly one address", ErrInvalidValue, KeyTo)
	}

	// go-mail renders bare addresses as <addr>
	return strings.Trim(sender, "<>"), strings.Trim(rcpts[0], "<>"), nil
}

// ParseBool accepts true, True, TRUE, 1, false, False, FALSE and 0.
func ParseBool(s string) (bool, error) {
	switch s {
	case "true", "True", "TRUE", "1":
		return true, nil
	case "false", "False", "FALSE", "0":
		return false, nil
	}
	return false, fmt.Errorf("not a boolean: %q", s)
}

func DefaultSubject(now time.Time) string {
	return "Test mail - smtp email sent with attachment at " + now.Format(time.RFC1123)
}

func positiveInt(key, v string) (int, error) {
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%w: %s=%q", ErrInvalidValue, key, v)
	}
	return n, nil
}
