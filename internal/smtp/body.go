package smtp

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"strings"
	"time"

	"github.com/OliverSchlueter/goutils/idgen"
	"github.com/google/uuid"
)

const (
	DefaultChunkSize = 76
	progressInterval = 1024 * 1024
)

// FlushWriter is the write side of the transport.
type FlushWriter interface {
	io.Writer
	Flush() error
}

type BodyOptions struct {
	// Boundary separates the MIME parts. Generated when empty.
	Boundary string
	// ChunkSize is the length of one base64 line. Rounded down to a multiple of 4, at least 4.
	ChunkSize int
	// DKIM signs the message when set.
	DKIM *DKIMOptions
	// Now is used for the Date header. Defaults to time.Now.
	Now func() time.Time
}

func (o BodyOptions) withDefaults() BodyOptions {
	if o.Boundary == "" {
		o.Boundary = "mixed-" + strings.ReplaceAll(uuid.NewString(), "-", "")
	}
	if o.ChunkSize <= 0 {
		o.ChunkSize = DefaultChunkSize
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// SendBody streams the complete message for the DATA phase, including the
// terminating "." line, and returns MailSent.
func SendBody(w FlushWriter, env Envelope, opts BodyOptions) (State, error) {
	opts = opts.withDefaults()

	if opts.DKIM == nil {
		if err := writeMessage(w, env, opts); err != nil {
			return Failed, err
		}
	} else {
		var buf flushBuffer
		if err := writeMessage(&buf, env, opts); err != nil {
			return Failed, err
		}

		signed, err := signMessage(buf.Bytes(), opts.DKIM)
		if err != nil {
			return Failed, fmt.Errorf("failed to sign message: %w", err)
		}

		bw := &bodyWriter{w: w}
		bw.write(signed)
		bw.flush()
		if bw.err != nil {
			return Failed, bw.err
		}
	}

	bw := &bodyWriter{w: w}
	bw.write(".\r\n")
	bw.flush()
	if bw.err != nil {
		return Failed, bw.err
	}

	slog.Info("Final boundary and terminator sent")
	return MailSent, nil
}

func writeMessage(w FlushWriter, env Envelope, opts BodyOptions) error {
	bw := &bodyWriter{w: w}

	bw.printf("From: %s\r\n", env.From)
	bw.printf("To: %s\r\n", env.To)
	bw.printf("Subject: %s\r\n", mime.QEncoding.Encode("utf-8", env.Subject))
	bw.printf("Date: %s\r\n", opts.Now().UTC().Format(time.RFC1123Z))
	bw.printf("Message-ID: <%s@%s>\r\n", idgen.GenerateID(20), env.senderDomain())
	bw.write("MIME-Version: 1.0\r\n")
	bw.printf("Content-Type: multipart/mixed; boundary=\"%s\"\r\n", opts.Boundary)
	bw.write("\r\n")

	bw.printf("--%s\r\n", opts.Boundary)
	bw.write("Content-Type: text/plain; charset=utf-8\r\n")
	bw.write("\r\n")
	for _, line := range summaryLines(env) {
		bw.write(dotStuff(line) + "\r\n")
	}

	if env.HasAttachment() {
		if err := writeAttachment(bw, env.Attachment, opts); err != nil {
			return err
		}
	} else {
		slog.Info("No attachment to send")
	}

	bw.printf("--%s--\r\n", opts.Boundary)
	bw.flush()
	return bw.err
}

func writeAttachment(bw *bodyWriter, a *Attachment, opts BodyOptions) error {
	chunks, err := EncodeChunks(a.Data, opts.ChunkSize)
	if err != nil {
		return err
	}

	slog.Info("Sending attachment", slog.String("name", a.Name), slog.Int("size", len(a.Data)))
	start := time.Now()

	name := mime.QEncoding.Encode("utf-8", a.Name)

	bw.printf("--%s\r\n", opts.Boundary)
	bw.printf("Content-Type: application/octet-stream; name=\"%s\"\r\n", name)
	bw.printf("Content-Disposition: attachment; filename=\"%s\"\r\n", name)
	bw.write("Content-Transfer-Encoding: base64\r\n")
	bw.write("\r\n")

	sent, next := 0, progressInterval
	for i, chunk := range chunks {
		bw.write(chunk + "\r\n")
		if bw.err != nil {
			return bw.err
		}

		sent += len(chunk)
		if sent >= next {
			slog.Debug("Attachment progress", slog.Int("chunk", i), slog.Int("bytes", sent))
			next += progressInterval
		}
	}
	bw.flush()

	slog.Info("Attachment sent", slog.Int("bytes", sent), slog.Duration("took", time.Since(start)))
	return bw.err
}

func summaryLines(env Envelope) []string {
	lines := []string{
		"This is the email body.",
		"",
		fmt.Sprintf("Was sent from %s to %s.", env.From, env.To),
		"",
		fmt.Sprintf("Subject: %q", env.Subject),
		"",
	}
	if env.HasAttachment() {
		lines = append(lines, "See the attached file!", "")
	}
	return lines
}

// EncodeChunks base64-encodes data and splits the result into lines of size
// characters. size is rounded down to a multiple of 4 with 4 as the minimum,
// so no line ends inside a base64 quantum.
func EncodeChunks(data []byte, size int) ([]string, error) {
	encoded := base64.StdEncoding.EncodeToString(data)
	if len(encoded)%4 != 0 {
		return nil, fmt.Errorf("%w: %d", ErrBase64Length, len(encoded))
	}

	size = size / 4 * 4
	if size < 4 {
		size = 4
	}

	chunks := make([]string, 0, len(encoded)/size+1)
	for len(encoded) > size {
		chunks = append(chunks, encoded[:size])
		encoded = encoded[size:]
	}
	if encoded != "" {
		chunks = append(chunks, encoded)
	}
	return chunks, nil
}

func dotStuff(line string) string {
	if strings.HasPrefix(line, ".") {
		return "." + line
	}
	return line
}

// bodyWriter keeps the first write error and turns later calls into no-ops.
type bodyWriter struct {
	w   FlushWriter
	err error
}

func (b *bodyWriter) write(s string) {
	if b.err != nil {
		return
	}
	if _, err := io.WriteString(b.w, s); err != nil {
		b.err = fmt.Errorf("failed to write message: %w", err)
	}
}

func (b *bodyWriter) printf(format string, args ...any) {
	b.write(fmt.Sprintf(format, args...))
}

func (b *bodyWriter) flush() {
	if b.err != nil {
		return
	}
	if err := b.w.Flush(); err != nil {
		b.err = fmt.Errorf("failed to flush message: %w", err)
	}
}

type flushBuffer struct {
	bytes.Buffer
}

func (b *flushBuffer) Flush() error {
	return nil
}

type countingWriter struct {
	w FlushWriter
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

func (c *countingWriter) Flush() error {
	return c.w.Flush()
}
