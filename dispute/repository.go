package dispute

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"escrowflow/fee"
)

// Repository defines the data access required by the service. Methods taking
// a tx run inside the caller's transaction.
type Repository interface {
	Insert(ctx context.Context, tx pgx.Tx, c Case) error
	GetForUpdate(ctx context.Context, tx pgx.Tx, jobID int64) (Case, error)
	Update(ctx context.Context, tx pgx.Tx, c Case) error
	AppendEvidence(ctx context.Context, tx pgx.Tx, jobID int64, e Evidence) error
	Get(ctx context.Context, jobID int64) (Case, error)
	ListUnsettled(ctx context.Context, limit int) ([]Case, error)
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const caseColumns = `
	job_id, initiator, reason, amount::text, COALESCE(escrow_ref::text, ''), status, level,
	COALESCE(mediator, ''), COALESCE(arbitrator, ''), outcome, fee_collected::text, timeout_at,
	created_at, updated_at, resolved_at, COALESCE(resolved_by, ''), settlement,
	COALESCE(settlement_error, ''), settlement_attempts
`

func (r *PGRepository) Insert(ctx context.Context, tx pgx.Tx, c Case) error {
	const insertSQL = `
		INSERT INTO disputes (job_id, initiator, reason, amount, escrow_ref, status, level, outcome,
			timeout_at, created_at, updated_at, settlement)
		VALUES ($1, $2, $3, $4::numeric, NULLIF($5, '')::uuid, $6, $7, $8, $9, $10, $10, $11)
	`
	_, err := tx.Exec(ctx, insertSQL,
		c.JobID,
		c.Initiator,
		c.Reason,
		c.Amount.String(),
		c.EscrowRef,
		c.Status,
		c.Level,
		c.Outcome,
		c.TimeoutAt,
		c.CreatedAt,
		c.Settlement,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrAlreadyExists
		}
		return fmt.Errorf("dispute: insert: %w", err)
	}
	return nil
}

func (r *PGRepository) GetForUpdate(ctx context.Context, tx pgx.Tx, jobID int64) (Case, error) {
	query := `SELECT ` + caseColumns + ` FROM disputes WHERE job_id = $1 FOR UPDATE`
	return loadCase(ctx, tx, query, jobID)
}

func (r *PGRepository) Get(ctx context.Context, jobID int64) (Case, error) {
	query := `SELECT ` + caseColumns + ` FROM disputes WHERE job_id = $1`
	return loadCase(ctx, r.pool, query, jobID)
}

func (r *PGRepository) Update(ctx context.Context, tx pgx.Tx, c Case) error {
	const updateSQL = `
		UPDATE disputes
		SET status = $2,
		    level = $3,
		    mediator = NULLIF($4, ''),
		    arbitrator = NULLIF($5, ''),
		    outcome = $6,
		    fee_collected = $7::numeric,
		    resolved_at = $8,
		    resolved_by = NULLIF($9, ''),
		    settlement = $10,
		    settlement_error = NULLIF($11, ''),
		    settlement_attempts = $12,
		    updated_at = $13
		WHERE job_id = $1
	`
	var feeCollected *string
	if c.FeeCollected != nil {
		s := c.FeeCollected.String()
		feeCollected = &s
	}
	tag, err := tx.Exec(ctx, updateSQL,
		c.JobID,
		c.Status,
		c.Level,
		c.Mediator,
		c.Arbitrator,
		c.Outcome,
		feeCollected,
		c.ResolvedAt,
		c.ResolvedBy,
		c.Settlement,
		c.SettlementError,
		c.SettlementAttempts,
		c.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("dispute: update: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PGRepository) AppendEvidence(ctx context.Context, tx pgx.Tx, jobID int64, e Evidence) error {
	const insertSQL = `
		INSERT INTO dispute_evidence (job_id, seq, submitter, description, attachment_hash, submitted_at)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6)
	`
	if _, err := tx.Exec(ctx, insertSQL, jobID, e.Seq, e.Submitter, e.Description, e.AttachmentHash, e.SubmittedAt); err != nil {
		return fmt.Errorf("dispute: append evidence: %w", err)
	}
	return nil
}

// ListUnsettled returns resolved cases whose escrow settlement is pending or
// failed, oldest resolution first.
func (r *PGRepository) ListUnsettled(ctx context.Context, limit int) ([]Case, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	query := `SELECT ` + caseColumns + `
		FROM disputes
		WHERE settlement IN ('pending', 'failed')
		ORDER BY resolved_at ASC
		LIMIT $1`

	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("dispute: list unsettled: %w", err)
	}
	defer rows.Close()

	out := make([]Case, 0, 8)
	for rows.Next() {
		c, err := scanCase(rows)
		if err != nil {
			return nil, fmt.Errorf("dispute: scan: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dispute: iterate: %w", err)
	}
	return out, nil
}

func loadCase(ctx context.Context, q querier, query string, jobID int64) (Case, error) {
	c, err := scanCase(q.QueryRow(ctx, query, jobID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Case{}, ErrNotFound
		}
		return Case{}, fmt.Errorf("dispute: load: %w", err)
	}

	const evidenceSQL = `
		SELECT seq, submitter, description, COALESCE(attachment_hash, ''), submitted_at
		FROM dispute_evidence
		WHERE job_id = $1
		ORDER BY seq
	`
	rows, err := q.Query(ctx, evidenceSQL, jobID)
	if err != nil {
		return Case{}, fmt.Errorf("dispute: load evidence: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var e Evidence
		if err := rows.Scan(&e.Seq, &e.Submitter, &e.Description, &e.AttachmentHash, &e.SubmittedAt); err != nil {
			return Case{}, fmt.Errorf("dispute: scan evidence: %w", err)
		}
		c.Evidence = append(c.Evidence, e)
	}
	if err := rows.Err(); err != nil {
		return Case{}, fmt.Errorf("dispute: iterate evidence: %w", err)
	}
	return c, nil
}

func scanCase(row pgx.Row) (Case, error) {
	var (
		c            Case
		amount       string
		feeCollected *string
	)
	err := row.Scan(
		&c.JobID,
		&c.Initiator,
		&c.Reason,
		&amount,
		&c.EscrowRef,
		&c.Status,
		&c.Level,
		&c.Mediator,
		&c.Arbitrator,
		&c.Outcome,
		&feeCollected,
		&c.TimeoutAt,
		&c.CreatedAt,
		&c.UpdatedAt,
		&c.ResolvedAt,
		&c.ResolvedBy,
		&c.Settlement,
		&c.SettlementError,
		&c.SettlementAttempts,
	)
	if err != nil {
		return Case{}, err
	}
	if c.Amount, err = fee.Parse(amount); err != nil {
		return Case{}, err
	}
	if feeCollected != nil {
		var v *big.Int
		if v, err = fee.Parse(*feeCollected); err != nil {
			return Case{}, err
		}
		c.FeeCollected = v
	}
	return c, nil
}
