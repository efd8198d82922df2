package smtp

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/OliverSchlueter/goutils/sloki"
	"github.com/OliverSchlueter/mail-sender/internal/transport"
)

const DefaultMaxIterations = 32

// Run drives m until it reaches a terminal state or maxIterations events have
// been handled. The connection is closed on every return path. The returned
// error is nil only if the machine reached Finished.
func Run(ctx context.Context, m *Machine, maxIterations int) (*Report, error) {
	if maxIterations <= 0 {
		maxIterations = DefaultMaxIterations
	}

	started := time.Now()
	report := newReport(m.env, started)
	report.Server = net.JoinHostPort(m.env.Host, strconv.Itoa(m.env.Port))

	encrypted := false

	err := func() error {
		defer func() {
			if err := m.Close(); err != nil {
				slog.Warn("Failed to close connection", sloki.WrapError(err))
			}
		}()

		for report.Iterations < maxIterations {
			report.Iterations++

			var ev Event
			switch {
			case ctx.Err() != nil:
				ev = Event{Kind: EventTimeout, Err: ctx.Err()}
			case m.State() == Start:
				ev = Event{Kind: EventConnect}
			default:
				ev = m.replies.Next()
			}

			state := m.HandleEvent(ctx, ev)
			if m.conn.Variant() == transport.Encrypted {
				encrypted = true
			}

			switch state {
			case Finished:
				return nil
			case Failed:
				from, _ := m.FailedIn()
				report.FailedIn = from.String()
				return fmt.Errorf("delivery failed in state %s: %w", from, m.Err())
			}
		}

		slog.Error("Iteration limit reached", slog.Int("max", maxIterations), slog.String("state", m.State().String()))
		return fmt.Errorf("%w: %d iterations, stopped in state %s", ErrIterationLimit, maxIterations, m.State())
	}()

	report.State = m.State()
	report.Bytes = m.BytesSent()
	report.TLS = encrypted
	report.Duration = time.Since(started)
	if err != nil {
		report.Error = err.Error()
		return report, err
	}

	slog.Info("Email delivered", slog.String("to", m.env.To), slog.Int("iterations", report.Iterations))
	return report, nil
}
