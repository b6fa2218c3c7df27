package registry

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"escrowflow/db"
)

func TestPGRepository_Integration(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL is empty; set it to a live PostgreSQL to run integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect pool: %v", err)
	}
	defer pool.Close()
	if err := db.Migrate(ctx, pool); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	repo := NewRepository(pool)
	id := fmt.Sprintf("mediator-%d", time.Now().UnixNano())
	t.Cleanup(func() {
		ctx2, cancel2 := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel2()
		pool.Exec(ctx2, `DELETE FROM participants WHERE user_id = $1`, id)
	})

	if _, err := repo.Get(ctx, id, RoleMediator); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found before registration, got %v", err)
	}

	p, err := repo.Upsert(ctx, id, RoleMediator)
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if !p.Active || p.Role != RoleMediator {
		t.Fatalf("unexpected participant: %+v", p)
	}

	if _, err := repo.SetActive(ctx, id, RoleMediator, false); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	got, err := repo.Get(ctx, id, RoleMediator)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Active {
		t.Fatal("expected inactive participant")
	}

	// Re-registration reactivates.
	if p, err := repo.Upsert(ctx, id, RoleMediator); err != nil || !p.Active {
		t.Fatalf("re-register: %+v %v", p, err)
	}
	if _, err := repo.Get(ctx, id, RoleArbitrator); !errors.Is(err, ErrNotFound) {
		t.Fatalf("mediator row must not answer for arbitrator, got %v", err)
	}
	if _, err := repo.SetActive(ctx, "ghost-"+id, RoleMediator, true); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found for unknown participant, got %v", err)
	}

	before, err := repo.Settings(ctx)
	if err != nil {
		t.Fatalf("settings: %v", err)
	}
	t.Cleanup(func() {
		ctx2, cancel2 := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel2()
		repo.SaveSettings(ctx2, before)
	})
	bps := uint32(175)
	saved, err := repo.SaveSettings(ctx, Settings{Paused: true, EscrowFeeBps: &bps})
	if err != nil {
		t.Fatalf("save settings: %v", err)
	}
	if saved.UpdatedAt.IsZero() {
		t.Fatal("expected updated_at to be stamped")
	}
	reread, err := repo.Settings(ctx)
	if err != nil {
		t.Fatalf("reread settings: %v", err)
	}
	if !reread.Paused || reread.EscrowFeeBps == nil || *reread.EscrowFeeBps != 175 || reread.DisputeFeeBps != nil {
		t.Fatalf("unexpected settings: %+v", reread)
	}
}
