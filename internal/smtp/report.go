package smtp

import (
	"time"

	"github.com/google/uuid"
)

// Report summarises one delivery attempt.
type Report struct {
	ID         string        `json:"id"`
	Server     string        `json:"server"`
	From       string        `json:"from"`
	To         string        `json:"to"`
	Subject    string        `json:"subject"`
	Attachment string        `json:"attachment,omitempty"`
	Bytes      int64         `json:"bytes"`
	TLS        bool          `json:"tls"`
	State      State         `json:"state"`
	FailedIn   string        `json:"failed_in,omitempty"`
	Iterations int           `json:"iterations"`
	Error      string        `json:"error,omitempty"`
	StartedAt  time.Time     `json:"started_at"`
	Duration   time.Duration `json:"duration"`
}

func newReport(env Envelope, started time.Time) *Report {
	r := &Report{
		ID:        uuid.NewString(),
		Server:    env.Host,
		From:      env.From,
		To:        env.To,
		Subject:   env.Subject,
		StartedAt: started,
	}
	if env.HasAttachment() {
		r.Attachment = env.Attachment.Name
	}
	return r
}

func (r *Report) Succeeded() bool {
	return r.State == Finished && r.Error == ""
}
