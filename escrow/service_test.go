package escrow

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"escrowflow/auth"
	"escrowflow/ratelimit"
)

var (
	client     = auth.Principal{UserID: "client-1", Role: auth.RoleClient}
	freelancer = auth.Principal{UserID: "freelancer-1", Role: auth.RoleFreelancer}
	arbitrator = auth.Principal{UserID: "arbitrator-1", Role: auth.RoleArbitrator}
	admin      = auth.Principal{UserID: "admin-1", Role: auth.RoleAdmin}
	stranger   = auth.Principal{UserID: "stranger", Role: auth.RoleClient}
)

type harness struct {
	svc    *Service
	pool   *fakePool
	repo   *fakeRepository
	outbox *fakeOutbox
	pause  *fakePause
	now    time.Time
}

func newHarness(t *testing.T, feeBps uint32) *harness {
	t.Helper()
	h := &harness{
		pool:   &fakePool{},
		repo:   newFakeRepository(),
		outbox: &fakeOutbox{},
		pause:  &fakePause{},
		now:    time.Unix(1000, 0).UTC(),
	}
	seq := 0
	h.svc = NewService(h.pool, h.repo, h.outbox, FixedFee(feeBps), h.pause).
		WithClock(func() time.Time { return h.now }).
		WithIDGenerator(func() string {
			seq++
			return fmt.Sprintf("00000000-0000-0000-0000-%012d", seq)
		}).
		WithPlatformAccount("platform-treasury")
	return h
}

func (h *harness) create(t *testing.T, amount int64, timeout *int64) Agreement {
	t.Helper()
	a, err := h.svc.Create(context.Background(), client, CreateParams{
		Freelancer:  freelancer.UserID,
		Arbitrator:  arbitrator.UserID,
		Amount:      big.NewInt(amount),
		TimeoutSecs: timeout,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return a
}

func (h *harness) funded(t *testing.T, amount int64, timeout *int64) Agreement {
	t.Helper()
	a := h.create(t, amount, timeout)
	a, err := h.svc.Fund(context.Background(), client, a.ID)
	if err != nil {
		t.Fatalf("fund: %v", err)
	}
	return a
}

func secs(v int64) *int64 { return &v }

func TestCreate_Validation(t *testing.T) {
	h := newHarness(t, 250)
	ctx := context.Background()
	tooBig := new(big.Int).Lsh(big.NewInt(1), 127)

	cases := []struct {
		name   string
		params CreateParams
	}{
		{"same parties", CreateParams{Freelancer: client.UserID, Amount: big.NewInt(10)}},
		{"zero amount", CreateParams{Freelancer: freelancer.UserID, Amount: big.NewInt(0)}},
		{"negative amount", CreateParams{Freelancer: freelancer.UserID, Amount: big.NewInt(-5)}},
		{"amount overflow", CreateParams{Freelancer: freelancer.UserID, Amount: tooBig}},
		{"arbitrator is party", CreateParams{Freelancer: freelancer.UserID, Arbitrator: client.UserID, Amount: big.NewInt(10)}},
		{"bad timeout", CreateParams{Freelancer: freelancer.UserID, Amount: big.NewInt(10), TimeoutSecs: secs(0)}},
	}
	for _, tc := range cases {
		if _, err := h.svc.Create(ctx, client, tc.params); !errors.Is(err, ErrInvalidInput) {
			t.Errorf("%s: expected ErrInvalidInput, got %v", tc.name, err)
		}
	}
	if len(h.repo.agreements) != 0 {
		t.Fatalf("no agreement should be stored, got %d", len(h.repo.agreements))
	}
}

func TestCreate_SnapshotsFeeAndEmits(t *testing.T) {
	h := newHarness(t, 250)
	a := h.create(t, 1_000_000, nil)

	if a.State != StateCreated || a.FeeBps != 250 {
		t.Fatalf("unexpected agreement: %+v", a)
	}
	if !h.pool.tx.committed {
		t.Fatal("expected commit")
	}
	if got := h.outbox.topics(); len(got) != 1 || got[0] != OutboxTopicCreated {
		t.Fatalf("unexpected outbox topics %v", got)
	}
}

func TestReleaseFunds_ReferenceScenario(t *testing.T) {
	h := newHarness(t, 250)
	a := h.funded(t, 1_000_000, nil)

	a, err := h.svc.ReleaseFunds(context.Background(), freelancer, a.ID)
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if a.State != StateReleased {
		t.Fatalf("expected released, got %s", a.State)
	}
	if a.FeeCollected.Int64() != 25_000 || a.NetAmount.Int64() != 975_000 {
		t.Fatalf("unexpected fee/net: %s/%s", a.FeeCollected, a.NetAmount)
	}
	if new(big.Int).Add(a.FeeCollected, a.NetAmount).Cmp(a.Amount) != 0 {
		t.Fatal("fee + net must equal amount")
	}

	transfers := h.repo.transfers[a.ID]
	if len(transfers) != 2 {
		t.Fatalf("expected 2 transfers, got %d", len(transfers))
	}
	if transfers[0].Recipient != freelancer.UserID || transfers[0].Amount.Int64() != 975_000 || transfers[0].Seq != 1 {
		t.Fatalf("unexpected net transfer %+v", transfers[0])
	}
	if transfers[1].Recipient != "platform-treasury" || transfers[1].Amount.Int64() != 25_000 || transfers[1].Reason != TransferFee {
		t.Fatalf("unexpected fee transfer %+v", transfers[1])
	}
}

func TestReleaseFunds_RequiresFreelancerAndFunded(t *testing.T) {
	h := newHarness(t, 250)
	ctx := context.Background()
	a := h.create(t, 100, nil)

	if _, err := h.svc.ReleaseFunds(ctx, freelancer, a.ID); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("release before funding: expected ErrInvalidState, got %v", err)
	}
	if h.pool.tx.committed {
		t.Fatal("failed operation must not commit")
	}
	if !h.pool.tx.rolled {
		t.Fatal("failed operation must roll back")
	}

	if _, err := h.svc.Fund(ctx, client, a.ID); err != nil {
		t.Fatalf("fund: %v", err)
	}
	if _, err := h.svc.ReleaseFunds(ctx, client, a.ID); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("client release: expected ErrUnauthorized, got %v", err)
	}
}

func TestFund_SecondCallFails(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()
	a := h.create(t, 500, nil)

	if _, err := h.svc.Fund(ctx, freelancer, a.ID); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("freelancer fund: expected ErrUnauthorized, got %v", err)
	}
	if _, err := h.svc.Fund(ctx, client, a.ID); err != nil {
		t.Fatalf("fund: %v", err)
	}
	if _, err := h.svc.Fund(ctx, client, a.ID); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("second fund: expected ErrInvalidState, got %v", err)
	}
}

func TestFund_AfterCreationDeadline(t *testing.T) {
	h := newHarness(t, 0)
	a := h.create(t, 500, secs(60))

	h.now = h.now.Add(60 * time.Second)
	b := h.create(t, 500, secs(60))
	if _, err := h.svc.Fund(context.Background(), client, b.ID); err != nil {
		t.Fatalf("funding at the deadline is allowed: %v", err)
	}

	h.now = h.now.Add(time.Second)
	if _, err := h.svc.Fund(context.Background(), client, a.ID); !errors.Is(err, ErrTimeoutExceeded) {
		t.Fatalf("expected ErrTimeoutExceeded, got %v", err)
	}
}

func TestAutoRelease_Deadline(t *testing.T) {
	h := newHarness(t, 250)
	ctx := context.Background()
	a := h.funded(t, 1_000_000, secs(86400))

	h.now = time.Unix(1000+86400, 0).UTC()
	if _, err := h.svc.AutoRelease(ctx, a.ID); !errors.Is(err, ErrTimeoutNotReached) {
		t.Fatalf("at deadline: expected ErrTimeoutNotReached, got %v", err)
	}

	h.now = time.Unix(1000+86401, 0).UTC()
	a, err := h.svc.AutoRelease(ctx, a.ID)
	if err != nil {
		t.Fatalf("after deadline: %v", err)
	}
	if a.State != StateReleased || a.FeeCollected.Int64() != 25_000 || a.NetAmount.Int64() != 975_000 {
		t.Fatalf("unexpected agreement after auto release: %+v", a)
	}
}

func TestAutoRelease_WithoutTimeout(t *testing.T) {
	h := newHarness(t, 0)
	a := h.funded(t, 10, nil)
	h.now = h.now.Add(365 * 24 * time.Hour)
	if _, err := h.svc.AutoRelease(context.Background(), a.ID); !errors.Is(err, ErrNoTimeout) {
		t.Fatalf("expected ErrNoTimeout, got %v", err)
	}
}

func TestMilestones_ReleaseKeepsFunded(t *testing.T) {
	h := newHarness(t, 250)
	ctx := context.Background()
	a := h.funded(t, 1_000, nil)

	m, _, err := h.svc.AddMilestone(ctx, client, a.ID, "design", big.NewInt(300))
	if err != nil {
		t.Fatalf("add milestone: %v", err)
	}
	if m.ID != 1 {
		t.Fatalf("expected milestone id 1, got %d", m.ID)
	}
	m2, _, err := h.svc.AddMilestone(ctx, client, a.ID, "build", big.NewInt(200))
	if err != nil || m2.ID != 2 {
		t.Fatalf("second milestone: id=%d err=%v", m2.ID, err)
	}

	if _, err := h.svc.ReleaseMilestone(ctx, freelancer, a.ID, 1); !errors.Is(err, ErrNotApproved) {
		t.Fatalf("release unapproved: expected ErrNotApproved, got %v", err)
	}
	if _, err := h.svc.ApproveMilestone(ctx, freelancer, a.ID, 1); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("freelancer approve: expected ErrUnauthorized, got %v", err)
	}
	if _, err := h.svc.ApproveMilestone(ctx, client, a.ID, 1); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if _, err := h.svc.ApproveMilestone(ctx, client, a.ID, 1); !errors.Is(err, ErrAlreadyApproved) {
		t.Fatalf("double approve: expected ErrAlreadyApproved, got %v", err)
	}

	a, err = h.svc.ReleaseMilestone(ctx, freelancer, a.ID, 1)
	if err != nil {
		t.Fatalf("release milestone: %v", err)
	}
	if a.ReleasedAmount.Int64() != 300 {
		t.Fatalf("expected released_amount 300, got %s", a.ReleasedAmount)
	}
	if a.State != StateFunded {
		t.Fatalf("milestone release must keep state funded, got %s", a.State)
	}
	if !a.Milestones[0].Released || a.Milestones[0].ReleasedAt == nil {
		t.Fatalf("milestone not marked released: %+v", a.Milestones[0])
	}
	if _, err := h.svc.ReleaseMilestone(ctx, freelancer, a.ID, 1); !errors.Is(err, ErrAlreadyReleased) {
		t.Fatalf("double release: expected ErrAlreadyReleased, got %v", err)
	}
	if _, err := h.svc.ReleaseMilestone(ctx, freelancer, a.ID, 9); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown milestone: expected ErrNotFound, got %v", err)
	}

	transfers := h.repo.transfers[a.ID]
	if len(transfers) != 1 || transfers[0].Reason != TransferMilestone || transfers[0].Amount.Int64() != 300 {
		t.Fatalf("unexpected transfers %+v", transfers)
	}
}

func TestMilestones_CannotExceedAmount(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()
	a := h.funded(t, 500, nil)

	for _, amt := range []int64{400, 200} {
		m, _, err := h.svc.AddMilestone(ctx, client, a.ID, "part", big.NewInt(amt))
		if err != nil {
			t.Fatalf("add: %v", err)
		}
		if _, err := h.svc.ApproveMilestone(ctx, client, a.ID, m.ID); err != nil {
			t.Fatalf("approve: %v", err)
		}
	}
	if _, err := h.svc.ReleaseMilestone(ctx, freelancer, a.ID, 1); err != nil {
		t.Fatalf("release 1: %v", err)
	}
	if _, err := h.svc.ReleaseMilestone(ctx, freelancer, a.ID, 2); !errors.Is(err, ErrOverRelease) {
		t.Fatalf("expected ErrOverRelease, got %v", err)
	}
	got, _ := h.repo.Get(ctx, a.ID)
	if got.ReleasedAmount.Int64() != 400 || got.Milestones[1].Released {
		t.Fatalf("failed release must leave state untouched: %+v", got)
	}
}

func TestReleaseFunds_AfterMilestonePayout(t *testing.T) {
	h := newHarness(t, 250)
	ctx := context.Background()
	a := h.funded(t, 1_000_000, nil)

	if _, _, err := h.svc.AddMilestone(ctx, client, a.ID, "phase one", big.NewInt(400_000)); err != nil {
		t.Fatalf("add: %v", err)
	}
	if _, err := h.svc.ApproveMilestone(ctx, client, a.ID, 1); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if _, err := h.svc.ReleaseMilestone(ctx, freelancer, a.ID, 1); err != nil {
		t.Fatalf("release milestone: %v", err)
	}

	a, err := h.svc.ReleaseFunds(ctx, freelancer, a.ID)
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if a.FeeCollected.Int64() != 25_000 || a.NetAmount.Int64() != 975_000 {
		t.Fatalf("fee math must use the full amount: %s/%s", a.FeeCollected, a.NetAmount)
	}

	total := new(big.Int)
	for _, tr := range h.repo.transfers[a.ID] {
		total.Add(total, tr.Amount)
	}
	if total.Cmp(a.Amount) != 0 {
		t.Fatalf("transfers must sum to the escrowed amount, got %s", total)
	}
	last := h.repo.transfers[a.ID][1]
	if last.Reason != TransferRelease || last.Amount.Int64() != 575_000 {
		t.Fatalf("unexpected final payout %+v", last)
	}
}

func TestReleaseMilestone_CappedAtNet(t *testing.T) {
	h := newHarness(t, 2500)
	ctx := context.Background()
	a := h.funded(t, 100, nil)

	for _, amt := range []int64{90, 75} {
		m, _, err := h.svc.AddMilestone(ctx, client, a.ID, "part", big.NewInt(amt))
		if err != nil {
			t.Fatalf("add: %v", err)
		}
		if _, err := h.svc.ApproveMilestone(ctx, client, a.ID, m.ID); err != nil {
			t.Fatalf("approve: %v", err)
		}
	}
	if _, err := h.svc.ReleaseMilestone(ctx, freelancer, a.ID, 1); !errors.Is(err, ErrOverRelease) {
		t.Fatalf("milestone above net must be rejected, got %v", err)
	}
	if _, err := h.svc.ReleaseMilestone(ctx, freelancer, a.ID, 2); err != nil {
		t.Fatalf("milestone equal to net: %v", err)
	}

	a, err := h.svc.ReleaseFunds(ctx, freelancer, a.ID)
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if a.FeeCollected.Int64() != 25 || a.NetAmount.Int64() != 75 {
		t.Fatalf("unexpected fee split %s/%s", a.FeeCollected, a.NetAmount)
	}
	paidFee, paidFreelancer := new(big.Int), new(big.Int)
	for _, tr := range h.repo.transfers[a.ID] {
		switch tr.Recipient {
		case "platform-treasury":
			paidFee.Add(paidFee, tr.Amount)
		case freelancer.UserID:
			paidFreelancer.Add(paidFreelancer, tr.Amount)
		}
	}
	if paidFee.Cmp(a.FeeCollected) != 0 {
		t.Fatalf("platform received %s, recorded fee %s", paidFee, a.FeeCollected)
	}
	if paidFreelancer.Cmp(a.NetAmount) != 0 {
		t.Fatalf("freelancer received %s, recorded net %s", paidFreelancer, a.NetAmount)
	}
}

func TestAddMilestone_Validation(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()
	a := h.create(t, 500, nil)

	long := make([]byte, MaxDescriptionBytes+1)
	for i := range long {
		long[i] = 'x'
	}
	if _, _, err := h.svc.AddMilestone(ctx, client, a.ID, "", big.NewInt(1)); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("empty description: %v", err)
	}
	if _, _, err := h.svc.AddMilestone(ctx, client, a.ID, string(long), big.NewInt(1)); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("long description: %v", err)
	}
	if _, _, err := h.svc.AddMilestone(ctx, client, a.ID, "ok", big.NewInt(0)); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("zero amount: %v", err)
	}
	if _, _, err := h.svc.AddMilestone(ctx, freelancer, a.ID, "ok", big.NewInt(1)); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("freelancer add: %v", err)
	}
}

func TestAddMilestone_RateLimited(t *testing.T) {
	h := newHarness(t, 0)
	limiter := ratelimit.Limiter{Max: 2, Window: time.Hour, Store: ratelimit.NewMemoryStore()}
	h.svc.WithLimiter(SharedLimiter(limiter))
	ctx := context.Background()
	a := h.create(t, 500, nil)

	for i := 0; i < 2; i++ {
		if _, _, err := h.svc.AddMilestone(ctx, client, a.ID, "m", big.NewInt(1)); err != nil {
			t.Fatalf("add %d: %v", i, err)
		}
	}
	if _, _, err := h.svc.AddMilestone(ctx, client, a.ID, "m", big.NewInt(1)); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
	got, _ := h.repo.Get(ctx, a.ID)
	if len(got.Milestones) != 2 {
		t.Fatalf("limited call must not add a milestone, have %d", len(got.Milestones))
	}

	// An admin acting as the client is not counted against the window.
	asAdmin := auth.Principal{UserID: client.UserID, Role: auth.RoleAdmin}
	for i := 0; i < 3; i++ {
		if _, _, err := h.svc.AddMilestone(ctx, asAdmin, a.ID, "m", big.NewInt(1)); err != nil {
			t.Fatalf("admin add %d: %v", i, err)
		}
	}

	h.now = h.now.Add(time.Hour)
	if _, _, err := h.svc.AddMilestone(ctx, client, a.ID, "m", big.NewInt(1)); err != nil {
		t.Fatalf("after window: %v", err)
	}
}

func TestDisputeAndResolve_Split(t *testing.T) {
	h := newHarness(t, 250)
	ctx := context.Background()
	a := h.funded(t, 1_000_001, nil)

	if _, err := h.svc.Dispute(ctx, stranger, a.ID); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("stranger dispute: %v", err)
	}
	if _, err := h.svc.Dispute(ctx, freelancer, a.ID); err != nil {
		t.Fatalf("dispute: %v", err)
	}
	if _, err := h.svc.ResolveDispute(ctx, client, a.ID, ResolutionSplit); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("client resolve: %v", err)
	}

	a, err := h.svc.ResolveDispute(ctx, arbitrator, a.ID, ResolutionSplit)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if a.State != StateReleased || a.ResolvedAt == nil || a.Resolution != ResolutionSplit {
		t.Fatalf("unexpected agreement %+v", a)
	}
	transfers := h.repo.transfers[a.ID]
	if len(transfers) != 2 {
		t.Fatalf("expected two transfers, got %+v", transfers)
	}
	if transfers[0].Recipient != client.UserID || transfers[0].Amount.Int64() != 500_000 {
		t.Fatalf("client half wrong: %+v", transfers[0])
	}
	if transfers[1].Recipient != freelancer.UserID || transfers[1].Amount.Int64() != 500_001 {
		t.Fatalf("freelancer rest wrong: %+v", transfers[1])
	}

	if _, err := h.svc.ResolveDispute(ctx, arbitrator, a.ID, ResolutionSplit); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("second resolve: expected ErrInvalidState, got %v", err)
	}
}

func TestResolve_FavorClientRefunds(t *testing.T) {
	h := newHarness(t, 250)
	ctx := context.Background()
	a := h.funded(t, 800, nil)
	if _, err := h.svc.Dispute(ctx, client, a.ID); err != nil {
		t.Fatalf("dispute: %v", err)
	}
	a, err := h.svc.ResolveDispute(ctx, arbitrator, a.ID, ResolutionFavorClient)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if a.State != StateRefunded {
		t.Fatalf("expected refunded, got %s", a.State)
	}
	transfers := h.repo.transfers[a.ID]
	if len(transfers) != 1 || transfers[0].Recipient != client.UserID || transfers[0].Amount.Int64() != 800 {
		t.Fatalf("unexpected transfers %+v", transfers)
	}
}

func TestResolve_SplitsOnlyOutstandingBalance(t *testing.T) {
	h := newHarness(t, 250)
	ctx := context.Background()
	a := h.funded(t, 1_000, nil)

	if _, _, err := h.svc.AddMilestone(ctx, client, a.ID, "draft", big.NewInt(301)); err != nil {
		t.Fatalf("add: %v", err)
	}
	if _, err := h.svc.ApproveMilestone(ctx, client, a.ID, 1); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if _, err := h.svc.ReleaseMilestone(ctx, freelancer, a.ID, 1); err != nil {
		t.Fatalf("release milestone: %v", err)
	}
	if _, err := h.svc.Dispute(ctx, client, a.ID); err != nil {
		t.Fatalf("dispute: %v", err)
	}
	a, err := h.svc.ResolveDispute(ctx, arbitrator, a.ID, ResolutionSplit)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}

	transfers := h.repo.transfers[a.ID]
	if len(transfers) != 3 {
		t.Fatalf("expected milestone plus two split transfers, got %+v", transfers)
	}
	if transfers[1].Recipient != client.UserID || transfers[1].Amount.Int64() != 349 {
		t.Fatalf("client half wrong: %+v", transfers[1])
	}
	if transfers[2].Recipient != freelancer.UserID || transfers[2].Amount.Int64() != 350 {
		t.Fatalf("freelancer rest wrong: %+v", transfers[2])
	}
}

func TestResolve_NoArbitrator(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()
	a, err := h.svc.Create(ctx, client, CreateParams{Freelancer: freelancer.UserID, Amount: big.NewInt(10)})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := h.svc.Fund(ctx, client, a.ID); err != nil {
		t.Fatalf("fund: %v", err)
	}
	if _, err := h.svc.Dispute(ctx, client, a.ID); err != nil {
		t.Fatalf("dispute: %v", err)
	}
	if _, err := h.svc.ResolveDispute(ctx, arbitrator, a.ID, ResolutionSplit); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestEmergencyWithdraw(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()
	a := h.funded(t, 7, nil)

	if _, err := h.svc.EmergencyWithdraw(ctx, client, a.ID); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("non-admin: %v", err)
	}
	if _, err := h.svc.EmergencyWithdraw(ctx, admin, a.ID); !errors.Is(err, ErrNotPaused) {
		t.Fatalf("unpaused: expected ErrNotPaused, got %v", err)
	}

	h.pause.paused = true
	a, err := h.svc.EmergencyWithdraw(ctx, admin, a.ID)
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if a.State != StateReleased {
		t.Fatalf("expected released, got %s", a.State)
	}
	transfers := h.repo.transfers[a.ID]
	if len(transfers) != 2 || transfers[0].Amount.Int64() != 3 || transfers[1].Amount.Int64() != 4 {
		t.Fatalf("unexpected split %+v", transfers)
	}
	if _, err := h.svc.EmergencyWithdraw(ctx, admin, a.ID); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("withdraw from released: %v", err)
	}
}

func TestEmergencyWithdraw_UnfundedMovesNothing(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()
	a := h.create(t, 101, nil)

	h.pause.paused = true
	a, err := h.svc.EmergencyWithdraw(ctx, admin, a.ID)
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if a.State != StateReleased {
		t.Fatalf("expected released, got %s", a.State)
	}
	if n := len(h.repo.transfers[a.ID]); n != 0 {
		t.Fatalf("unfunded agreement must not pay out, got %d transfers", n)
	}
}

func TestGet_UnknownAndMalformed(t *testing.T) {
	h := newHarness(t, 0)
	if _, err := h.svc.Get(context.Background(), "not-a-uuid"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("malformed id: %v", err)
	}
	if _, err := h.svc.Fund(context.Background(), client, "00000000-0000-0000-0000-000000000099"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown id: %v", err)
	}
}

func TestMilestoneIndex(t *testing.T) {
	ix := milestoneIndex{count: 3}
	if _, ok := ix.position(0); ok {
		t.Fatal("id 0 must not resolve")
	}
	if pos, ok := ix.position(3); !ok || pos != 2 {
		t.Fatalf("id 3 -> %d %v", pos, ok)
	}
	if _, ok := ix.position(4); ok {
		t.Fatal("id past the end must not resolve")
	}
	if ix.next() != 4 {
		t.Fatalf("next id = %d", ix.next())
	}
}

type fakeRepository struct {
	mu         sync.Mutex
	agreements map[string]Agreement
	transfers  map[string][]Transfer
}

func newFakeRepository() *fakeRepository {
	return &fakeRepository{
		agreements: make(map[string]Agreement),
		transfers:  make(map[string][]Transfer),
	}
}

func (f *fakeRepository) Insert(_ context.Context, _ pgx.Tx, a Agreement) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.agreements[a.ID]; ok {
		return ErrAlreadyExists
	}
	f.agreements[a.ID] = clone(a)
	return nil
}

func (f *fakeRepository) GetForUpdate(ctx context.Context, _ pgx.Tx, id string) (Agreement, error) {
	return f.Get(ctx, id)
}

func (f *fakeRepository) Get(_ context.Context, id string) (Agreement, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.agreements[id]
	if !ok {
		return Agreement{}, ErrNotFound
	}
	return clone(a), nil
}

func (f *fakeRepository) Update(_ context.Context, _ pgx.Tx, a Agreement) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	stored, ok := f.agreements[a.ID]
	if !ok {
		return ErrNotFound
	}
	ms := stored.Milestones
	stored = clone(a)
	stored.Milestones = ms
	f.agreements[a.ID] = stored
	return nil
}

func (f *fakeRepository) SaveMilestone(_ context.Context, _ pgx.Tx, agreementID string, m Milestone) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	a := f.agreements[agreementID]
	if m.ID == len(a.Milestones)+1 {
		a.Milestones = append(a.Milestones, m)
	} else {
		a.Milestones[m.ID-1] = m
	}
	f.agreements[agreementID] = a
	return nil
}

func (f *fakeRepository) InsertTransfers(_ context.Context, _ pgx.Tx, ts []Transfer) ([]Transfer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Transfer, 0, len(ts))
	for _, t := range ts {
		t.Seq = len(f.transfers[t.AgreementID]) + 1
		f.transfers[t.AgreementID] = append(f.transfers[t.AgreementID], t)
		out = append(out, t)
	}
	return out, nil
}

func (f *fakeRepository) ListForParty(_ context.Context, party string, _ int) ([]Agreement, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Agreement
	for _, a := range f.agreements {
		if a.IsParty(party) || a.Arbitrator == party {
			out = append(out, clone(a))
		}
	}
	return out, nil
}

func (f *fakeRepository) ListTransfers(_ context.Context, id string) ([]Transfer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Transfer(nil), f.transfers[id]...), nil
}

func clone(a Agreement) Agreement {
	out := a
	out.Milestones = append([]Milestone(nil), a.Milestones...)
	return out
}

type fakeOutbox struct {
	mu     sync.Mutex
	events []string
}

func (f *fakeOutbox) Enqueue(_ context.Context, _ pgx.Tx, topic string, _ map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, topic)
	return nil
}

func (f *fakeOutbox) topics() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.events...)
}

type fakePause struct{ paused bool }

func (f *fakePause) IsPaused(context.Context) (bool, error) { return f.paused, nil }

type fakePool struct {
	tx *fakeTx
}

func (f *fakePool) Begin(ctx context.Context) (pgx.Tx, error) {
	f.tx = &fakeTx{}
	return f.tx, nil
}

type fakeTx struct {
	rolled    bool
	committed bool
}

func (f *fakeTx) Begin(context.Context) (pgx.Tx, error) {
	return nil, errors.New("fakeTx does not support nested transactions")
}

func (f *fakeTx) Commit(context.Context) error {
	f.committed = true
	return nil
}

func (f *fakeTx) Rollback(context.Context) error {
	f.rolled = true
	return nil
}

func (f *fakeTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	panic("not implemented")
}

func (f *fakeTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults {
	panic("not implemented")
}

func (f *fakeTx) LargeObjects() pgx.LargeObjects {
	panic("not implemented")
}

func (f *fakeTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	panic("not implemented")
}

func (f *fakeTx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	panic("not implemented")
}

func (f *fakeTx) Query(context.Context, string, ...any) (pgx.Rows, error) {
	panic("not implemented")
}

func (f *fakeTx) QueryRow(context.Context, string, ...any) pgx.Row {
	panic("not implemented")
}

func (f *fakeTx) Conn() *pgx.Conn {
	return nil
}
