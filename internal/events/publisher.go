package events

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

const (
	publishTimeout = 2 * time.Second
	queueDepth     = 1024
)

// StreamName holds the decision and administration audit trail.
const StreamName = "AUTHZ_EVENTS"

// Publisher ships audit events to JetStream from a bounded queue. Emission
// never blocks; when the queue is full the event is dropped with a warning.
// A nil Publisher drops everything silently.
type Publisher struct {
	js      jetstream.JetStream
	subject string
	queue   chan AuditEvent
	logger  *slog.Logger
}

// NewPublisher constructs a publisher rooted at the given subject prefix.
func NewPublisher(js jetstream.JetStream, subject string, logger *slog.Logger) *Publisher {
	return &Publisher{
		js:      js,
		subject: subject,
		queue:   make(chan AuditEvent, queueDepth),
		logger:  logger,
	}
}

// EnsureStream creates the audit stream when missing.
func EnsureStream(ctx context.Context, js jetstream.JetStream, name, subjectPrefix string) error {
	_, err := js.Stream(ctx, name)
	if err == nil {
		return nil
	}
	if err != jetstream.ErrStreamNotFound {
		return err
	}
	_, err = js.CreateStream(ctx, jetstream.StreamConfig{
		Name:     name,
		Subjects: []string{subjectPrefix + ".>"},
		Storage:  jetstream.FileStorage,
	})
	return err
}

// Emit enqueues an event for publication.
func (p *Publisher) Emit(ev AuditEvent) {
	if p == nil {
		return
	}
	select {
	case p.queue <- ev:
	default:
		p.logger.Warn("audit event queue full, dropping event", "kind", ev.Kind)
	}
}

// Run drains the queue until the context is cancelled.
func (p *Publisher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-p.queue:
			p.publish(ctx, ev)
		}
	}
}

func (p *Publisher) publish(ctx context.Context, ev AuditEvent) {
	pubCtx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	subject := p.subject + "." + strings.ToLower(ev.Kind)
	if _, err := p.js.Publish(pubCtx, subject, MarshalAuditEvent(ev)); err != nil {
		p.logger.Warn("audit event publish failed", "kind", ev.Kind, "subject", subject, "error", err)
	}
}
