package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Status of an outbox row.
type Status string

const (
	StatusPending   Status = "pending"
	StatusProcessed Status = "processed"
	StatusDead      Status = "dead"
)

// Message represents a transactional outbox entry.
type Message struct {
	ID           string
	Topic        string
	PartitionKey string
	Payload      []byte
	Status       Status
	Attempts     int
	CreatedAt    time.Time
}

// Writer enqueues events inside the caller's transaction so they commit
// atomically with the state change they describe.
type Writer struct{}

func NewWriter() *Writer {
	return &Writer{}
}

func (w *Writer) Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error {
	if topic == "" {
		return fmt.Errorf("outbox: empty topic")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("outbox: marshal payload: %w", err)
	}

	const insertSQL = `
		INSERT INTO outbox (topic, partition_key, payload)
		VALUES ($1, $2, $3::jsonb)
	`
	if _, err := tx.Exec(ctx, insertSQL, topic, partitionKey(payload), string(body)); err != nil {
		return fmt.Errorf("outbox: insert message: %w", err)
	}
	return nil
}

// partitionKey keeps all events of one agreement or case on one partition.
func partitionKey(payload map[string]any) string {
	for _, k := range []string{"agreement_id", "job_id"} {
		if v, ok := payload[k]; ok && v != nil {
			return fmt.Sprint(v)
		}
	}
	return ""
}

// PGStore is the relay's view of the outbox table.
type PGStore struct {
	pool *pgxpool.Pool
}

func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

// Claim reserves up to limit pending messages for token until the given
// time. Expired claims are claimable again.
func (s *PGStore) Claim(ctx context.Context, token string, until time.Time, limit int) ([]Message, error) {
	const claimSQL = `
		UPDATE outbox
		SET claim_token = $1, claimed_until = $2
		WHERE id IN (
			SELECT id FROM outbox
			WHERE status = 'pending'
			  AND (claimed_until IS NULL OR claimed_until < now())
			ORDER BY created_at
			FOR UPDATE SKIP LOCKED
			LIMIT $3
		)
		RETURNING id::text, topic, COALESCE(partition_key, ''), payload::text, status, attempts, created_at
	`
	rows, err := s.pool.Query(ctx, claimSQL, token, until, limit)
	if err != nil {
		return nil, fmt.Errorf("outbox: claim: %w", err)
	}
	defer rows.Close()

	out := make([]Message, 0, limit)
	for rows.Next() {
		var (
			m       Message
			payload string
		)
		if err := rows.Scan(&m.ID, &m.Topic, &m.PartitionKey, &payload, &m.Status, &m.Attempts, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("outbox: scan: %w", err)
		}
		m.Payload = []byte(payload)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("outbox: iterate: %w", err)
	}
	return out, nil
}

var errClaimLost = errors.New("outbox: claim lost")

func (s *PGStore) MarkProcessed(ctx context.Context, id, token string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE outbox
		SET status = 'processed', last_attempt = now(), claim_token = NULL, claimed_until = NULL
		WHERE id = $1 AND claim_token = $2
	`, id, token)
	if err != nil {
		return fmt.Errorf("outbox: mark processed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return errClaimLost
	}
	return nil
}

func (s *PGStore) MarkFailed(ctx context.Context, id, token, reason string, dead bool) error {
	status := StatusPending
	if dead {
		status = StatusDead
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE outbox
		SET status = $3, attempts = attempts + 1, last_error = $4, last_attempt = now(),
		    claim_token = NULL, claimed_until = NULL
		WHERE id = $1 AND claim_token = $2
	`, id, token, status, reason)
	if err != nil {
		return fmt.Errorf("outbox: mark failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return errClaimLost
	}
	return nil
}
