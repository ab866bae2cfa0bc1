package tenantsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"
	"golang.org/x/sync/errgroup"

	"github.com/meridianstat/authz-service/internal/events"
	"github.com/meridianstat/authz-service/internal/shared"
)

const (
	// StreamName holds tenant lifecycle events published by the tenant
	// service.
	StreamName = "TENANT_LIFECYCLE"

	maxDeliver = 5
	batchSize  = 5
	fetchWait  = 5 * time.Second
	handlers   = 2
)

// errDrop marks failures that redelivery cannot fix. The message is acked
// and logged instead of retried.
var errDrop = errors.New("unprocessable lifecycle event")

// Consumer pulls tenant lifecycle events from JetStream and drives the
// syncer. Transient failures are left unacked so JetStream redelivers with
// backoff; malformed events are acked and dropped.
type Consumer struct {
	js      jetstream.JetStream
	syncer  *Syncer
	subject string
	durable string
	logger  *slog.Logger
}

// NewConsumer constructs a lifecycle consumer rooted at the subject prefix.
func NewConsumer(js jetstream.JetStream, syncer *Syncer, subject, durable string, logger *slog.Logger) *Consumer {
	return &Consumer{js: js, syncer: syncer, subject: subject, durable: durable, logger: logger}
}

// Run consumes lifecycle events until the context is canceled.
func (c *Consumer) Run(ctx context.Context) error {
	if err := events.EnsureStream(ctx, c.js, StreamName, c.subject); err != nil {
		return fmt.Errorf("ensure stream %s: %w", StreamName, err)
	}

	cons, err := c.js.CreateOrUpdateConsumer(ctx, StreamName, jetstream.ConsumerConfig{
		Durable:    c.durable,
		AckPolicy:  jetstream.AckExplicitPolicy,
		MaxDeliver: maxDeliver,
		BackOff: []time.Duration{
			1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second,
		},
		FilterSubjects: []string{
			c.subject + ".created",
			c.subject + ".deactivated",
		},
	})
	if err != nil {
		return fmt.Errorf("create consumer %s: %w", c.durable, err)
	}

	c.logger.Info("tenant lifecycle consumer started", "stream", StreamName, "durable", c.durable)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		batch, err := cons.Fetch(batchSize, jetstream.FetchMaxWait(fetchWait))
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return ctx.Err()
			}
			c.logger.Warn("lifecycle fetch failed", "error", err)
			continue
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(handlers)
		for msg := range batch.Messages() {
			g.Go(func() error {
				c.process(gctx, msg)
				return nil
			})
		}
		if err := batch.Error(); err != nil {
			c.logger.Warn("lifecycle batch failed", "error", err)
		}
		if err := g.Wait(); err != nil {
			return err
		}
	}
}

func (c *Consumer) process(ctx context.Context, msg jetstream.Msg) {
	err := c.handle(ctx, msg.Subject(), msg.Data())
	switch {
	case err == nil:
		if err := msg.Ack(); err != nil {
			c.logger.Warn("lifecycle ack failed", "subject", msg.Subject(), "error", err)
		}
	case errors.Is(err, errDrop):
		c.logger.Error("lifecycle event dropped", "subject", msg.Subject(), "error", err)
		if err := msg.Ack(); err != nil {
			c.logger.Warn("lifecycle ack failed", "subject", msg.Subject(), "error", err)
		}
	default:
		c.logger.Warn("lifecycle event failed, leaving for redelivery",
			"subject", msg.Subject(), "error", err)
	}
}

func (c *Consumer) handle(ctx context.Context, subject string, data []byte) error {
	switch {
	case strings.HasSuffix(subject, ".created"):
		return c.handleCreated(ctx, data)
	case strings.HasSuffix(subject, ".deactivated"):
		return c.handleDeactivated(ctx, data)
	default:
		return fmt.Errorf("unknown subject %q: %w", subject, errDrop)
	}
}

func (c *Consumer) handleCreated(ctx context.Context, data []byte) error {
	ev, err := events.UnmarshalTenantCreated(data)
	if err != nil {
		return fmt.Errorf("decode tenant created: %v: %w", err, errDrop)
	}
	tenantID, err := uuid.Parse(ev.TenantID)
	if err != nil {
		return fmt.Errorf("tenant id %q: %v: %w", ev.TenantID, err, errDrop)
	}

	var creator *uuid.UUID
	if ev.UserID != "" {
		id, err := uuid.Parse(ev.UserID)
		if err != nil {
			return fmt.Errorf("creator id %q: %v: %w", ev.UserID, err, errDrop)
		}
		creator = &id
	}

	c.logger.Info("provisioning tenant",
		"tenant_id", tenantID, "tenant_code", ev.TenantCode, "correlation_id", ev.CorrelationID)
	if err := c.syncer.ProvisionTenant(ctx, tenantID, creator); err != nil {
		if errors.Is(err, shared.ErrBusinessRule) {
			return fmt.Errorf("%v: %w", err, errDrop)
		}
		return err
	}
	return nil
}

func (c *Consumer) handleDeactivated(ctx context.Context, data []byte) error {
	ev, err := events.UnmarshalTenantDeactivated(data)
	if err != nil {
		return fmt.Errorf("decode tenant deactivated: %v: %w", err, errDrop)
	}
	tenantID, err := uuid.Parse(ev.TenantID)
	if err != nil {
		return fmt.Errorf("tenant id %q: %v: %w", ev.TenantID, err, errDrop)
	}

	c.logger.Info("deactivating tenant", "tenant_id", tenantID, "correlation_id", ev.CorrelationID)
	return c.syncer.DeactivateTenant(ctx, tenantID)
}
