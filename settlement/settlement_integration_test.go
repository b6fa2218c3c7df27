package settlement

import (
	"context"
	"fmt"
	"math/big"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"escrowflow/auth"
	"escrowflow/db"
	"escrowflow/dispute"
	"escrowflow/escrow"
	"escrowflow/outbox"
	"escrowflow/registry"
)

// TestArbitratedSplitSettlesEscrow_Integration connects to a real PostgreSQL
// via DATABASE_URL and drives a dispute through mediation and arbitration
// until the referenced escrow is split.
func TestArbitratedSplitSettlesEscrow_Integration(t *testing.T) {
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

	suffix := time.Now().UnixNano()
	admin := auth.Principal{UserID: fmt.Sprintf("admin-%d", suffix), Role: auth.RoleAdmin}
	client := auth.Principal{UserID: fmt.Sprintf("client-%d", suffix), Role: auth.RoleClient}
	freelancer := auth.Principal{UserID: fmt.Sprintf("freelancer-%d", suffix), Role: auth.RoleFreelancer}
	mediator := auth.Principal{UserID: fmt.Sprintf("mediator-%d", suffix), Role: auth.RoleMediator}
	arbitrator := auth.Principal{UserID: fmt.Sprintf("arbitrator-%d", suffix), Role: auth.RoleArbitrator}
	jobID := suffix

	reg := registry.NewService(registry.NewRepository(pool), registry.Defaults{EscrowFeeBps: 250, DisputeFeeBps: 100})
	writer := outbox.NewWriter()
	escrows := escrow.NewService(pool, escrow.NewRepository(pool), writer, reg, reg)
	bridge := NewBridge(escrows)
	disputes := dispute.NewService(pool, dispute.NewRepository(pool), writer, reg, reg).
		WithSettlement(bridge, bridge)

	a, err := escrows.Create(ctx, client, escrow.CreateParams{
		Freelancer: freelancer.UserID,
		Arbitrator: arbitrator.UserID,
		Amount:     big.NewInt(1_001),
	})
	if err != nil {
		t.Fatalf("create escrow: %v", err)
	}
	t.Cleanup(func() {
		ctx2, cancel2 := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel2()
		pool.Exec(ctx2, `DELETE FROM outbox WHERE partition_key IN ($1, $2)`, a.ID, fmt.Sprint(jobID))
		pool.Exec(ctx2, `DELETE FROM dispute_evidence WHERE job_id = $1`, jobID)
		pool.Exec(ctx2, `DELETE FROM disputes WHERE job_id = $1`, jobID)
		pool.Exec(ctx2, `DELETE FROM escrow_transfers WHERE agreement_id = $1`, a.ID)
		pool.Exec(ctx2, `DELETE FROM escrow_agreements WHERE id = $1`, a.ID)
		pool.Exec(ctx2, `DELETE FROM participants WHERE user_id IN ($1, $2)`, mediator.UserID, arbitrator.UserID)
	})

	if _, err := reg.Register(ctx, admin, mediator.UserID, registry.RoleMediator); err != nil {
		t.Fatalf("register mediator: %v", err)
	}
	if _, err := reg.Register(ctx, admin, arbitrator.UserID, registry.RoleArbitrator); err != nil {
		t.Fatalf("register arbitrator: %v", err)
	}
	if _, err := escrows.Fund(ctx, client, a.ID); err != nil {
		t.Fatalf("fund: %v", err)
	}
	if _, err := escrows.Dispute(ctx, client, a.ID); err != nil {
		t.Fatalf("dispute escrow: %v", err)
	}

	if _, err := disputes.Open(ctx, client, dispute.OpenParams{
		JobID:     jobID,
		Reason:    "deliverable missing",
		Amount:    big.NewInt(1_001),
		EscrowRef: a.ID,
	}); err != nil {
		t.Fatalf("open case: %v", err)
	}
	for i := 0; i < 2; i++ {
		if _, err := disputes.AddEvidence(ctx, client, jobID, fmt.Sprintf("exhibit %d", i+1), ""); err != nil {
			t.Fatalf("add evidence: %v", err)
		}
	}
	if _, err := disputes.AssignMediator(ctx, admin, jobID, mediator.UserID); err != nil {
		t.Fatalf("assign mediator: %v", err)
	}
	if _, err := disputes.Escalate(ctx, mediator, jobID, arbitrator.UserID); err != nil {
		t.Fatalf("escalate: %v", err)
	}
	c, err := disputes.Resolve(ctx, arbitrator, jobID, dispute.OutcomeSplit)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if c.Status != dispute.StatusResolved || c.Outcome != dispute.OutcomeSplit {
		t.Fatalf("unexpected case after resolve: %s/%s", c.Status, c.Outcome)
	}
	if c.Settlement != dispute.SettlementSettled || c.SettlementAttempts != 1 {
		t.Fatalf("expected settled after one attempt, got %s/%d (%s)", c.Settlement, c.SettlementAttempts, c.SettlementError)
	}
	if c.FeeCollected.Cmp(big.NewInt(10)) != 0 {
		t.Fatalf("expected dispute fee 10, got %s", c.FeeCollected)
	}

	stored, err := disputes.Get(ctx, jobID)
	if err != nil {
		t.Fatalf("get case: %v", err)
	}
	if len(stored.Evidence) != 2 || stored.Evidence[1].Seq != 2 {
		t.Fatalf("expected two evidence entries in order, got %+v", stored.Evidence)
	}

	settled, err := escrows.Get(ctx, a.ID)
	if err != nil {
		t.Fatalf("get escrow: %v", err)
	}
	if settled.State != escrow.StateReleased || settled.Resolution != escrow.ResolutionSplit {
		t.Fatalf("expected released split escrow, got %s/%s", settled.State, settled.Resolution)
	}
	transfers, err := escrows.Transfers(ctx, a.ID)
	if err != nil {
		t.Fatalf("transfers: %v", err)
	}
	if len(transfers) != 2 {
		t.Fatalf("expected two split transfers, got %d", len(transfers))
	}
	if transfers[0].Recipient != client.UserID || transfers[0].Amount.Cmp(big.NewInt(500)) != 0 {
		t.Fatalf("unexpected client share: %+v", transfers[0])
	}
	if transfers[1].Recipient != freelancer.UserID || transfers[1].Amount.Cmp(big.NewInt(501)) != 0 {
		t.Fatalf("unexpected freelancer share: %+v", transfers[1])
	}

	if _, err := disputes.Reconcile(ctx, arbitrator, jobID); err == nil {
		t.Fatalf("expected reconcile on a settled case to be rejected")
	}
}
