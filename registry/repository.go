package registry

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound signals the requested participant does not exist.
var ErrNotFound = errors.New("registry: not found")

// PGRepository stores participants and platform settings in Postgres.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository wires a pgxpool-backed repository implementation.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

// Upsert registers a participant or reactivates an existing registration.
func (r *PGRepository) Upsert(ctx context.Context, id string, role Role) (Participant, error) {
	const query = `
		INSERT INTO participants (user_id, role, active)
		VALUES ($1, $2, true)
		ON CONFLICT (user_id, role) DO UPDATE SET active = true, updated_at = now()
		RETURNING user_id, role, active, created_at, updated_at
	`
	p, err := scanParticipant(r.pool.QueryRow(ctx, query, id, role))
	if err != nil {
		return Participant{}, fmt.Errorf("registry: upsert: %w", err)
	}
	return p, nil
}

// SetActive flips the active flag of an existing registration.
func (r *PGRepository) SetActive(ctx context.Context, id string, role Role, active bool) (Participant, error) {
	const query = `
		UPDATE participants
		SET active = $3, updated_at = now()
		WHERE user_id = $1 AND role = $2
		RETURNING user_id, role, active, created_at, updated_at
	`
	p, err := scanParticipant(r.pool.QueryRow(ctx, query, id, role, active))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Participant{}, ErrNotFound
		}
		return Participant{}, fmt.Errorf("registry: set active: %w", err)
	}
	return p, nil
}

// Get fetches a participant registration.
func (r *PGRepository) Get(ctx context.Context, id string, role Role) (Participant, error) {
	const query = `
		SELECT user_id, role, active, created_at, updated_at
		FROM participants
		WHERE user_id = $1 AND role = $2
	`
	p, err := scanParticipant(r.pool.QueryRow(ctx, query, id, role))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Participant{}, ErrNotFound
		}
		return Participant{}, fmt.Errorf("registry: query by id: %w", err)
	}
	return p, nil
}

// List fetches up to limit participants of a role, oldest first.
func (r *PGRepository) List(ctx context.Context, role Role, limit int) ([]Participant, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}

	const query = `
		SELECT user_id, role, active, created_at, updated_at
		FROM participants
		WHERE role = $1
		ORDER BY created_at ASC
		LIMIT $2
	`

	rows, err := r.pool.Query(ctx, query, role, limit)
	if err != nil {
		return nil, fmt.Errorf("registry: list: %w", err)
	}
	defer rows.Close()

	out := make([]Participant, 0, limit)
	for rows.Next() {
		p, err := scanParticipant(rows)
		if err != nil {
			return nil, fmt.Errorf("registry: scan participant: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("registry: iterate participants: %w", err)
	}

	return out, nil
}

// Settings reads the single platform control row.
func (r *PGRepository) Settings(ctx context.Context) (Settings, error) {
	const query = `
		SELECT paused, escrow_fee_bps, dispute_fee_bps, updated_at
		FROM platform_controls
		WHERE id = true
	`
	var (
		s                 Settings
		escrowBps, dispBps *int32
	)
	err := r.pool.QueryRow(ctx, query).Scan(&s.Paused, &escrowBps, &dispBps, &s.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Settings{}, nil
		}
		return Settings{}, fmt.Errorf("registry: settings: %w", err)
	}
	s.EscrowFeeBps = toBps(escrowBps)
	s.DisputeFeeBps = toBps(dispBps)
	return s, nil
}

// SaveSettings replaces the platform control row.
func (r *PGRepository) SaveSettings(ctx context.Context, s Settings) (Settings, error) {
	const query = `
		INSERT INTO platform_controls (id, paused, escrow_fee_bps, dispute_fee_bps, updated_at)
		VALUES (true, $1, $2, $3, now())
		ON CONFLICT (id) DO UPDATE
		SET paused = EXCLUDED.paused,
		    escrow_fee_bps = EXCLUDED.escrow_fee_bps,
		    dispute_fee_bps = EXCLUDED.dispute_fee_bps,
		    updated_at = EXCLUDED.updated_at
		RETURNING updated_at
	`
	if err := r.pool.QueryRow(ctx, query, s.Paused, fromBps(s.EscrowFeeBps), fromBps(s.DisputeFeeBps)).Scan(&s.UpdatedAt); err != nil {
		return Settings{}, fmt.Errorf("registry: save settings: %w", err)
	}
	return s, nil
}

func scanParticipant(row pgx.Row) (Participant, error) {
	var p Participant
	err := row.Scan(&p.ID, &p.Role, &p.Active, &p.CreatedAt, &p.UpdatedAt)
	return p, err
}

func toBps(v *int32) *uint32 {
	if v == nil {
		return nil
	}
	u := uint32(*v)
	return &u
}

func fromBps(v *uint32) *int32 {
	if v == nil {
		return nil
	}
	i := int32(*v)
	return &i
}
