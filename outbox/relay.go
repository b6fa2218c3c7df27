package outbox

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Store is what the relay needs from the outbox table.
type Store interface {
	Claim(ctx context.Context, token string, until time.Time, limit int) ([]Message, error)
	MarkProcessed(ctx context.Context, id, token string) error
	MarkFailed(ctx context.Context, id, token, reason string, dead bool) error
}

// Publisher delivers one message to the outside world.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte, partitionKey string) error
}

// Relay pulls pending outbox messages and publishes them. Delivery is at
// least once; consumers must tolerate duplicates.
type Relay struct {
	logger     *slog.Logger
	store      Store
	publisher  Publisher
	interval   time.Duration
	batchSize  int
	claimTTL   time.Duration
	maxRetries int
	now        func() time.Time
}

func NewRelay(logger *slog.Logger, store Store, publisher Publisher, interval time.Duration, batchSize, maxRetries int) *Relay {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	if maxRetries <= 0 {
		maxRetries = 5
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{
		logger:     logger,
		store:      store,
		publisher:  publisher,
		interval:   interval,
		batchSize:  batchSize,
		claimTTL:   30 * time.Second,
		maxRetries: maxRetries,
		now:        time.Now,
	}
}

// Run executes the publish loop until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		if _, err := r.ProcessOnce(ctx); err != nil {
			r.logger.ErrorContext(ctx, "outbox iteration failed",
				"module", "outbox.relay",
				"operation", "process_once",
				"outcome", "failure",
				"error", err,
			)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// ProcessOnce claims one batch and publishes it, returning how many messages
// were published.
func (r *Relay) ProcessOnce(ctx context.Context) (int, error) {
	token := uuid.NewString()
	msgs, err := r.store.Claim(ctx, token, r.now().UTC().Add(r.claimTTL), r.batchSize)
	if err != nil {
		return 0, err
	}

	published, failed, dead := 0, 0, 0
	for _, m := range msgs {
		if err := r.publisher.Publish(ctx, m.Topic, m.Payload, m.PartitionKey); err != nil {
			failed++
			attempts := m.Attempts + 1
			toDead := attempts >= r.maxRetries
			if toDead {
				dead++
				r.logger.ErrorContext(ctx, "outbox message moved to dead letter",
					"module", "outbox.relay",
					"operation", "publish",
					"outcome", "dead",
					"outbox_id", m.ID,
					"topic", m.Topic,
					"attempts", attempts,
					"error", err,
				)
			} else {
				r.logger.WarnContext(ctx, "outbox publish failed; retry scheduled",
					"module", "outbox.relay",
					"operation", "publish",
					"outcome", "failure",
					"outbox_id", m.ID,
					"topic", m.Topic,
					"attempts", attempts,
					"error", err,
				)
			}
			if markErr := r.store.MarkFailed(ctx, m.ID, token, err.Error(), toDead); markErr != nil {
				r.logger.WarnContext(ctx, "outbox mark failed", "outbox_id", m.ID, "error", markErr)
			}
			continue
		}
		published++
		if err := r.store.MarkProcessed(ctx, m.ID, token); err != nil {
			r.logger.WarnContext(ctx, "outbox mark processed failed", "outbox_id", m.ID, "error", err)
		}
	}

	if len(msgs) > 0 {
		r.logger.InfoContext(ctx, "outbox batch processed",
			"module", "outbox.relay",
			"operation", "process_once",
			"outcome", "success",
			"claimed", len(msgs),
			"published", published,
			"failed", failed,
			"dead_lettered", dead,
		)
	}
	return published, nil
}
