package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Querier is satisfied by pgx.Tx, *pgx.Conn and *pgxpool.Pool.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PGStore persists windows in the rate_limit_windows table. Bound to a
// transaction, the counter commits or rolls back together with the work it
// guards.
type PGStore struct {
	q Querier
}

func NewPGStore(q Querier) *PGStore {
	return &PGStore{q: q}
}

func (s *PGStore) Update(ctx context.Context, key Key, fn func(Window) (Window, error)) error {
	const lockSQL = `
		INSERT INTO rate_limit_windows (caller, kind, count, window_start)
		VALUES ($1, $2, 0, NULL)
		ON CONFLICT (caller, kind) DO NOTHING
	`
	if _, err := s.q.Exec(ctx, lockSQL, key.Caller, key.Kind); err != nil {
		return fmt.Errorf("ratelimit: ensure window: %w", err)
	}

	const selectSQL = `
		SELECT count, window_start
		FROM rate_limit_windows
		WHERE caller = $1 AND kind = $2
		FOR UPDATE
	`
	var (
		w     Window
		start *time.Time
	)
	if err := s.q.QueryRow(ctx, selectSQL, key.Caller, key.Kind).Scan(&w.Count, &start); err != nil {
		return fmt.Errorf("ratelimit: load window: %w", err)
	}
	if start != nil {
		w.Start = start.UTC()
	}

	next, err := fn(w)
	if err != nil {
		return err
	}

	const updateSQL = `
		UPDATE rate_limit_windows
		SET count = $3, window_start = $4
		WHERE caller = $1 AND kind = $2
	`
	if _, err := s.q.Exec(ctx, updateSQL, key.Caller, key.Kind, next.Count, next.Start); err != nil {
		return fmt.Errorf("ratelimit: save window: %w", err)
	}
	return nil
}
