package escrow

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
	Insert(ctx context.Context, tx pgx.Tx, a Agreement) error
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Agreement, error)
	Update(ctx context.Context, tx pgx.Tx, a Agreement) error
	SaveMilestone(ctx context.Context, tx pgx.Tx, agreementID string, m Milestone) error
	InsertTransfers(ctx context.Context, tx pgx.Tx, transfers []Transfer) ([]Transfer, error)
	Get(ctx context.Context, id string) (Agreement, error)
	ListForParty(ctx context.Context, party string, limit int) ([]Agreement, error)
	ListTransfers(ctx context.Context, agreementID string) ([]Transfer, error)
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

const agreementColumns = `
	id::text, client_id, freelancer_id, COALESCE(arbitrator_id, ''), amount::text, state,
	released_amount::text, fee_bps, fee_collected::text, net_amount::text, COALESCE(resolution, ''),
	timeout_secs, created_at, funded_at, released_at, disputed_at, resolved_at, updated_at
`

func (r *PGRepository) Insert(ctx context.Context, tx pgx.Tx, a Agreement) error {
	const insertSQL = `
		INSERT INTO escrow_agreements (id, client_id, freelancer_id, arbitrator_id, amount, state,
			released_amount, fee_bps, timeout_secs, created_at, updated_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5::numeric, $6, $7::numeric, $8, $9, $10, $10)
	`
	_, err := tx.Exec(ctx, insertSQL,
		a.ID,
		a.Client,
		a.Freelancer,
		a.Arbitrator,
		a.Amount.String(),
		a.State,
		a.ReleasedAmount.String(),
		int64(a.FeeBps),
		a.TimeoutSecs,
		a.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrAlreadyExists
		}
		return fmt.Errorf("escrow: insert agreement: %w", err)
	}
	return nil
}

func (r *PGRepository) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Agreement, error) {
	query := `SELECT ` + agreementColumns + ` FROM escrow_agreements WHERE id = $1 FOR UPDATE`
	return loadAgreement(ctx, tx, query, id)
}

func (r *PGRepository) Get(ctx context.Context, id string) (Agreement, error) {
	query := `SELECT ` + agreementColumns + ` FROM escrow_agreements WHERE id = $1`
	return loadAgreement(ctx, r.pool, query, id)
}

func (r *PGRepository) ListForParty(ctx context.Context, party string, limit int) ([]Agreement, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	query := `SELECT ` + agreementColumns + `
		FROM escrow_agreements
		WHERE client_id = $1 OR freelancer_id = $1 OR arbitrator_id = $1
		ORDER BY created_at DESC
		LIMIT $2`

	rows, err := r.pool.Query(ctx, query, party, limit)
	if err != nil {
		return nil, fmt.Errorf("escrow: list: %w", err)
	}
	defer rows.Close()

	out := make([]Agreement, 0, 8)
	for rows.Next() {
		a, err := scanAgreement(rows)
		if err != nil {
			return nil, fmt.Errorf("escrow: scan: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("escrow: iterate: %w", err)
	}

	for i := range out {
		ms, err := loadMilestones(ctx, r.pool, out[i].ID)
		if err != nil {
			return nil, err
		}
		out[i].Milestones = ms
	}
	return out, nil
}

func (r *PGRepository) Update(ctx context.Context, tx pgx.Tx, a Agreement) error {
	const updateSQL = `
		UPDATE escrow_agreements
		SET state = $2,
		    released_amount = $3::numeric,
		    fee_collected = $4::numeric,
		    net_amount = $5::numeric,
		    resolution = NULLIF($6, ''),
		    funded_at = $7,
		    released_at = $8,
		    disputed_at = $9,
		    resolved_at = $10,
		    updated_at = $11
		WHERE id = $1
	`
	tag, err := tx.Exec(ctx, updateSQL,
		a.ID,
		a.State,
		a.ReleasedAmount.String(),
		optionalAmount(a.FeeCollected),
		optionalAmount(a.NetAmount),
		string(a.Resolution),
		a.FundedAt,
		a.ReleasedAt,
		a.DisputedAt,
		a.ResolvedAt,
		a.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("escrow: update agreement: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PGRepository) SaveMilestone(ctx context.Context, tx pgx.Tx, agreementID string, m Milestone) error {
	const upsertSQL = `
		INSERT INTO escrow_milestones (agreement_id, id, description, amount, approved, released, approved_at, released_at)
		VALUES ($1, $2, $3, $4::numeric, $5, $6, $7, $8)
		ON CONFLICT (agreement_id, id) DO UPDATE
		SET approved = EXCLUDED.approved,
		    released = EXCLUDED.released,
		    approved_at = EXCLUDED.approved_at,
		    released_at = EXCLUDED.released_at
		WHERE NOT escrow_milestones.released
	`
	if _, err := tx.Exec(ctx, upsertSQL,
		agreementID,
		m.ID,
		m.Description,
		m.Amount.String(),
		m.Approved,
		m.Released,
		m.ApprovedAt,
		m.ReleasedAt,
	); err != nil {
		return fmt.Errorf("escrow: save milestone: %w", err)
	}
	return nil
}

// InsertTransfers appends transfers after the current highest seq of the
// agreement. The agreement row lock held by the caller serializes seq allocation.
func (r *PGRepository) InsertTransfers(ctx context.Context, tx pgx.Tx, transfers []Transfer) ([]Transfer, error) {
	if len(transfers) == 0 {
		return nil, nil
	}
	var seq int
	if err := tx.QueryRow(ctx, `SELECT COALESCE(MAX(seq), 0) FROM escrow_transfers WHERE agreement_id = $1`, transfers[0].AgreementID).Scan(&seq); err != nil {
		return nil, fmt.Errorf("escrow: next transfer seq: %w", err)
	}

	const insertSQL = `
		INSERT INTO escrow_transfers (agreement_id, seq, recipient, amount, reason, created_at)
		VALUES ($1, $2, $3, $4::numeric, $5, $6)
	`
	out := make([]Transfer, 0, len(transfers))
	for _, t := range transfers {
		seq++
		t.Seq = seq
		if _, err := tx.Exec(ctx, insertSQL, t.AgreementID, t.Seq, t.Recipient, t.Amount.String(), t.Reason, t.CreatedAt); err != nil {
			return nil, fmt.Errorf("escrow: insert transfer: %w", err)
		}
		out = append(out, t)
	}
	return out, nil
}

func (r *PGRepository) ListTransfers(ctx context.Context, agreementID string) ([]Transfer, error) {
	const query = `
		SELECT agreement_id::text, seq, recipient, amount::text, reason, created_at
		FROM escrow_transfers
		WHERE agreement_id = $1
		ORDER BY seq
	`
	rows, err := r.pool.Query(ctx, query, agreementID)
	if err != nil {
		return nil, fmt.Errorf("escrow: list transfers: %w", err)
	}
	defer rows.Close()

	out := make([]Transfer, 0, 4)
	for rows.Next() {
		var (
			t      Transfer
			amount string
		)
		if err := rows.Scan(&t.AgreementID, &t.Seq, &t.Recipient, &amount, &t.Reason, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("escrow: scan transfer: %w", err)
		}
		if t.Amount, err = fee.Parse(amount); err != nil {
			return nil, fmt.Errorf("escrow: transfer amount: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("escrow: iterate transfers: %w", err)
	}
	return out, nil
}

func loadAgreement(ctx context.Context, q querier, query, id string) (Agreement, error) {
	a, err := scanAgreement(q.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Agreement{}, ErrNotFound
		}
		return Agreement{}, fmt.Errorf("escrow: load agreement: %w", err)
	}
	ms, err := loadMilestones(ctx, q, a.ID)
	if err != nil {
		return Agreement{}, err
	}
	a.Milestones = ms
	return a, nil
}

func loadMilestones(ctx context.Context, q querier, agreementID string) ([]Milestone, error) {
	const query = `
		SELECT id, description, amount::text, approved, released, approved_at, released_at
		FROM escrow_milestones
		WHERE agreement_id = $1
		ORDER BY id
	`
	rows, err := q.Query(ctx, query, agreementID)
	if err != nil {
		return nil, fmt.Errorf("escrow: load milestones: %w", err)
	}
	defer rows.Close()

	var out []Milestone
	for rows.Next() {
		var (
			m      Milestone
			amount string
		)
		if err := rows.Scan(&m.ID, &m.Description, &amount, &m.Approved, &m.Released, &m.ApprovedAt, &m.ReleasedAt); err != nil {
			return nil, fmt.Errorf("escrow: scan milestone: %w", err)
		}
		if m.Amount, err = fee.Parse(amount); err != nil {
			return nil, fmt.Errorf("escrow: milestone amount: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("escrow: iterate milestones: %w", err)
	}
	return out, nil
}

func scanAgreement(row pgx.Row) (Agreement, error) {
	var (
		a                       Agreement
		amount, released        string
		feeCollected, netAmount *string
		feeBps                  int64
		resolution              string
	)
	err := row.Scan(
		&a.ID,
		&a.Client,
		&a.Freelancer,
		&a.Arbitrator,
		&amount,
		&a.State,
		&released,
		&feeBps,
		&feeCollected,
		&netAmount,
		&resolution,
		&a.TimeoutSecs,
		&a.CreatedAt,
		&a.FundedAt,
		&a.ReleasedAt,
		&a.DisputedAt,
		&a.ResolvedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		return Agreement{}, err
	}
	a.FeeBps = uint32(feeBps)
	a.Resolution = Resolution(resolution)
	if a.Amount, err = fee.Parse(amount); err != nil {
		return Agreement{}, err
	}
	if a.ReleasedAmount, err = fee.Parse(released); err != nil {
		return Agreement{}, err
	}
	if a.FeeCollected, err = parseOptional(feeCollected); err != nil {
		return Agreement{}, err
	}
	if a.NetAmount, err = parseOptional(netAmount); err != nil {
		return Agreement{}, err
	}
	return a, nil
}

func parseOptional(raw *string) (*big.Int, error) {
	if raw == nil {
		return nil, nil
	}
	return fee.Parse(*raw)
}

func optionalAmount(v *big.Int) *string {
	if v == nil {
		return nil
	}
	s := v.String()
	return &s
}
