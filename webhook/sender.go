package webhook

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/podworks/cadence"
	"github.com/podworks/cadence/id"
	"github.com/podworks/cadence/job"
)

const (
	// HeaderEvent carries the event name that produced the delivery.
	HeaderEvent = "X-Cadence-Event"
	// HeaderDelivery carries the delivery job ID for endpoint-side dedupe.
	HeaderDelivery = "X-Cadence-Delivery"
)

// Sender is the executor for delivery jobs: it signs the payload, POSTs
// it to the endpoint, and records the attempt. A 2xx response completes
// the delivery; every other status, a transport error, or a timeout is a
// retryable failure.
type Sender struct {
	client  *http.Client
	signer  Signer
	log     AttemptLog
	emitter Emitter
	logger  *slog.Logger
	now     func() time.Time
}

// SenderOption configures a Sender.
type SenderOption func(*Sender)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(c *http.Client) SenderOption {
	return func(s *Sender) { s.client = c }
}

// WithSenderEmitter attaches a listener notified per recorded attempt.
func WithSenderEmitter(e Emitter) SenderOption {
	return func(s *Sender) { s.emitter = e }
}

// WithSenderLogger sets the sender's logger.
func WithSenderLogger(l *slog.Logger) SenderOption {
	return func(s *Sender) { s.logger = l }
}

// NewSender builds a Sender recording attempts into log. Signer may be
// nil when deliveries are unsigned.
func NewSender(signer Signer, log AttemptLog, opts ...SenderOption) (*Sender, error) {
	if log == nil {
		return nil, fmt.Errorf("%w: sender requires an attempt log", cadence.ErrConfiguration)
	}
	s := &Sender{
		client: &http.Client{Timeout: 30 * time.Second},
		signer: signer,
		log:    log,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Execute implements job.Executor for delivery jobs.
func (s *Sender) Execute(ctx context.Context, j *job.Job) error {
	var payload job.WebhookPayload
	if err := j.DecodePayload(&payload); err != nil {
		return job.Permanent(fmt.Errorf("decode webhook payload: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, payload.Endpoint, bytes.NewReader(payload.Body))
	if err != nil {
		return job.Permanent(fmt.Errorf("build delivery request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, payload.Event)
	req.Header.Set(HeaderDelivery, j.ID.String())
	if s.signer != nil {
		header, value, err := s.signer.Sign(ctx, payload.Body)
		if err != nil {
			return job.Permanent(fmt.Errorf("sign delivery payload: %w", err))
		}
		req.Header.Set(header, value)
	}

	start := s.now()
	resp, err := s.client.Do(req)
	elapsed := s.now().Sub(start)

	attempt := &Attempt{
		Entity:    cadence.NewEntity(),
		ID:        id.NewDeliveryID(),
		JobID:     j.ID,
		Endpoint:  payload.Endpoint,
		AttemptNo: j.Attempts + 1,
		Duration:  elapsed,
	}
	if err != nil {
		attempt.Error = err.Error()
		s.record(ctx, attempt)
		return job.Transient(fmt.Errorf("deliver to %s: %w", payload.Endpoint, err))
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	attempt.StatusCode = resp.StatusCode
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		attempt.Error = resp.Status
		s.record(ctx, attempt)
		return job.Transient(fmt.Errorf("deliver to %s: endpoint returned %s", payload.Endpoint, resp.Status))
	}
	s.record(ctx, attempt)
	return nil
}

func (s *Sender) record(ctx context.Context, a *Attempt) {
	if err := s.log.RecordAttempt(ctx, a); err != nil {
		s.logger.Error("attempt record failed",
			slog.String("job_id", a.JobID.String()),
			slog.Any("error", err),
		)
	}
	if s.emitter != nil {
		s.emitter.EmitDeliveryAttempted(ctx, a)
	}
}
