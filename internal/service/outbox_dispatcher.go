package service

import (
	"context"
	"time"

	"wallet-ledger/config"
	"wallet-ledger/internal/core/domain"
	"wallet-ledger/internal/core/ports"

	"github.com/rs/zerolog"
)

// OutboxDispatcher drains staged events to the bus. Multiple instances may
// run concurrently; lease-based claiming keeps them from double-delivering a
// healthy row, while an expired lease lets a survivor pick up a crashed
// instance's claims. Delivery is at-least-once.
type OutboxDispatcher struct {
	repo       ports.OutboxRepository
	publisher  ports.EventPublisher
	instanceID string
	cfg        config.OutboxConfig
	log        zerolog.Logger
	now        func() time.Time
}

// NewOutboxDispatcher creates a dispatcher identified by instanceID.
func NewOutboxDispatcher(
	repo ports.OutboxRepository,
	publisher ports.EventPublisher,
	instanceID string,
	cfg config.OutboxConfig,
	log zerolog.Logger,
) *OutboxDispatcher {
	return &OutboxDispatcher{
		repo:       repo,
		publisher:  publisher,
		instanceID: instanceID,
		cfg:        cfg,
		log:        log.With().Str("component", "outbox_dispatcher").Str("instance_id", instanceID).Logger(),
		now:        time.Now,
	}
}

// Run polls until the context is cancelled. A non-empty batch is followed by
// an immediate re-poll so a backlog drains at full speed.
func (d *OutboxDispatcher) Run(ctx context.Context) {
	d.log.Info().
		Dur("poll_interval", d.cfg.PollInterval).
		Int("batch_size", d.cfg.BatchSize).
		Msg("outbox dispatcher started")

	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		n, err := d.Drain(ctx)
		if err != nil {
			d.log.Error().Err(err).Msg("outbox drain failed")
		}
		if n > 0 {
			continue
		}
		select {
		case <-ctx.Done():
			d.log.Info().Msg("outbox dispatcher stopped")
			return
		case <-ticker.C:
		}
	}
}

// Drain claims and delivers one batch, returning the number of claimed rows.
func (d *OutboxDispatcher) Drain(ctx context.Context) (int, error) {
	msgs, err := d.repo.ClaimBatch(ctx, d.instanceID, d.cfg.BatchSize, d.cfg.LeaseDuration)
	if err != nil {
		return 0, err
	}

	for _, msg := range msgs {
		if err := d.publisher.Publish(ctx, msg.Topic, msg.AggregateID, msg.Payload); err != nil {
			d.recordFailure(ctx, msg, err)
			continue
		}
		if err := d.repo.MarkProcessed(ctx, msg.ID); err != nil {
			// Published but not marked: the row will be re-claimed and
			// re-published once its lease expires. Consumers dedupe.
			d.log.Error().Err(err).Str("message_id", msg.ID.String()).Msg("mark processed failed")
		}
	}
	return len(msgs), nil
}

func (d *OutboxDispatcher) recordFailure(ctx context.Context, msg domain.OutboxMessage, pubErr error) {
	attempt := msg.RetryCount + 1

	var nextRetryAt *time.Time
	if attempt < d.cfg.MaxAttempts {
		backoff := d.cfg.RetryBackoffBase * (1 << uint(msg.RetryCount))
		at := d.now().UTC().Add(backoff)
		nextRetryAt = &at
		d.log.Warn().Err(pubErr).
			Str("message_id", msg.ID.String()).
			Str("event_type", msg.EventType).
			Int("attempt", attempt).
			Dur("backoff", backoff).
			Msg("event publish failed, will retry")
	} else {
		d.log.Error().Err(pubErr).
			Str("message_id", msg.ID.String()).
			Str("event_type", msg.EventType).
			Int("attempt", attempt).
			Msg("event publish failed, attempts exhausted")
	}

	if err := d.repo.MarkFailed(ctx, msg.ID, attempt, nextRetryAt); err != nil {
		d.log.Error().Err(err).Str("message_id", msg.ID.String()).Msg("mark failed failed")
	}
}
