package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/joho/godotenv"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lookupFrom(t *testing.T, env string) LookupFunc {
	t.Helper()

	vars, err := godotenv.Unmarshal(env)
	require.NoError(t, err)
	return func(key string) (string, bool) {
		v, ok := vars[key]
		return v, ok
	}
}

func TestFromEnv(t *testing.T) {
	dir := t.TempDir()
	attachment := filepath.Join(dir, "invoice.pdf")
	require.NoError(t, os.WriteFile(attachment, []byte("%PDF-1.4"), 0o600))

	cfg, err := FromEnv(lookupFrom(t, `
smtp_server=smtp.example.com:587
smtp_username=oliver
smtp_password="s3cret pass"
smtp_from="Oliver <oliver@example.com>"
smtp_to=peter@example.com
smtp_subject=Monthly report
smtp_attachment_path=`+attachment+`
smtp_debug=True
smtp_timeout=5s
smtp_max_iterations=20
smtp_chunk_size=60
`))
	require.NoError(t, err)

	env := cfg.Envelope
	assert.Equal(t, "smtp.example.com", env.Host)
	assert.Equal(t, 587, env.Port)
	assert.Equal(t, "oliver", env.Username)
	assert.Equal(t, "s3cret pass", env.Password)
	assert.Equal(t, "oliver@example.com", env.From)
	assert.Equal(t, "peter@example.com", env.To)
	assert.Equal(t, "Monthly report", env.Subject)
	require.NotNil(t, env.Attachment)
	assert.Equal(t, "invoice.pdf", env.Attachment.Name)
	assert.Equal(t, []byte("%PDF-1.4"), env.Attachment.Data)

	assert.True(t, cfg.Debug)
	assert.Equal(t, 5*time.Second, cfg.Timeout)
	assert.Equal(t, 20, cfg.MaxIterations)
	assert.Equal(t, 60, cfg.BodyOptions().ChunkSize)
	assert.Equal(t, "localhost", cfg.ClientName)
	assert.Nil(t, cfg.DKIM)
}

func TestFromEnvDefaults(t *testing.T) {
	cfg, err := FromEnv(lookupFrom(t, "smtp_server=localhost:25\nsmtp_from=a@localhost\nsmtp_to=b@localhost\n"))
	require.NoError(t, err)

	assert.False(t, cfg.Debug)
	assert.Equal(t, DefaultTimeout, cfg.Timeout)
	assert.Equal(t, 32, cfg.MaxIterations)
	assert.Contains(t, cfg.Envelope.Subject, "Test mail - smtp email sent with attachment at ")
	assert.Nil(t, cfg.Envelope.Attachment)
}

func TestFromEnvErrors(t *testing.T) {
	tests := []struct {
		name string
		env  string
		want error
	}{
		{"missing server", "smtp_from=a@b.c\nsmtp_to=d@e.f", ErrMissingValue},
		{"server without port", "smtp_server=localhost\nsmtp_from=a@b.c\nsmtp_to=d@e.f", ErrInvalidValue},
		{"bad port", "smtp_server=localhost:70000\nsmtp_from=a@b.c\nsmtp_to=d@e.f", ErrInvalidValue},
		{"missing from", "smtp_server=localhost:25\nsmtp_to=d@e.f", ErrMissingValue},
		{"bad from", "smtp_server=localhost:25\nsmtp_from=not-an-address\nsmtp_to=d@e.f", ErrInvalidValue},
		{"bad debug", "smtp_server=localhost:25\nsmtp_from=a@b.c\nsmtp_to=d@e.f\nsmtp_debug=yes", ErrInvalidValue},
		{"bad timeout", "smtp_server=localhost:25\nsmtp_from=a@b.c\nsmtp_to=d@e.f\nsmtp_timeout=soon", ErrInvalidValue},
		{"bad iterations", "smtp_server=localhost:25\nsmtp_from=a@b.c\nsmtp_to=d@e.f\nsmtp_max_iterations=0", ErrInvalidValue},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := FromEnv(lookupFrom(t, tt.env))
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestMissingAttachment(t *testing.T) {
	_, err := FromEnv(lookupFrom(t, "smtp_server=localhost:25\nsmtp_from=a@b.c\nsmtp_to=d@e.f\nsmtp_attachment_path=/does/not/exist"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestParseBool(t *testing.T) {
	for _, v := range []string{"true", "True", "TRUE", "1"} {
		b, err := ParseBool(v)
		assert.NoError(t, err)
		assert.True(t, b, v)
	}
	for _, v := range []string{"false", "False", "FALSE", "0"} {
		b, err := ParseBool(v)
		assert.NoError(t, err)
		assert.False(t, b, v)
	}
	for _, v := range []string{"yes", "tRUE", "2", "on"} {
		_, err := ParseBool(v)
		assert.Error(t, err, v)
	}
}

func TestLoadEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.env")
	require.NoError(t, os.WriteFile(path, []byte("smtp_server=mail.example.com:2525\nsmtp_from=a@example.com\nsmtp_to=b@example.com\nsmtp_subject=from file\n"), 0o600))

	t.Setenv(KeySubject, "from env")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "mail.example.com", cfg.Envelope.Host)
	assert.Equal(t, 2525, cfg.Envelope.Port)
	assert.Equal(t, "from env", cfg.Envelope.Subject)

	_, err = Load(filepath.Join(t.TempDir(), "missing.env"))
	assert.Error(t, err)
}
