package escrow

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"escrowflow/auth"
	"escrowflow/ratelimit"
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

type OutboxWriter interface {
	Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error
}

// FeePolicy supplies the platform fee rate snapshotted into new agreements.
type FeePolicy interface {
	EscrowFeeBps(ctx context.Context) (uint32, error)
}

// PauseChecker reports the administrative pause flag.
type PauseChecker interface {
	IsPaused(ctx context.Context) (bool, error)
}

// Limiter counts calls per (caller, kind).
type Limiter interface {
	Allow(ctx context.Context, caller, kind string, now time.Time, override bool) error
}

// FixedFee is a FeePolicy with a constant rate.
type FixedFee uint32

func (f FixedFee) EscrowFeeBps(context.Context) (uint32, error) { return uint32(f), nil }

type Service struct {
	pool        TxBeginner
	repo        Repository
	outbox      OutboxWriter
	fees        FeePolicy
	pause       PauseChecker
	limiterFor  func(tx pgx.Tx) Limiter
	platform    string
	idGenerator func() string
	now         func() time.Time
}

func NewService(pool TxBeginner, repo Repository, outbox OutboxWriter, fees FeePolicy, pause PauseChecker) *Service {
	if fees == nil {
		fees = FixedFee(0)
	}
	return &Service{
		pool:        pool,
		repo:        repo,
		outbox:      outbox,
		fees:        fees,
		pause:       pause,
		platform:    "platform",
		idGenerator: func() string { return uuid.NewString() },
		now:         func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) WithIDGenerator(gen func() string) *Service {
	s.idGenerator = gen
	return s
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// WithPlatformAccount sets the recipient of collected fees.
func (s *Service) WithPlatformAccount(account string) *Service {
	if account != "" {
		s.platform = account
	}
	return s
}

// WithLimiter installs the add-milestone limiter. The factory receives the
// operation's transaction so a Postgres-backed counter commits with it.
func (s *Service) WithLimiter(factory func(tx pgx.Tx) Limiter) *Service {
	s.limiterFor = factory
	return s
}

// TxLimiter binds l to a Postgres store on each transaction.
func TxLimiter(l ratelimit.Limiter) func(tx pgx.Tx) Limiter {
	return func(tx pgx.Tx) Limiter {
		return l.WithStore(ratelimit.NewPGStore(tx))
	}
}

// SharedLimiter uses l as is, whatever transaction is running.
func SharedLimiter(l ratelimit.Limiter) func(tx pgx.Tx) Limiter {
	return func(pgx.Tx) Limiter { return l }
}

func (s *Service) Create(ctx context.Context, caller auth.Principal, params CreateParams) (Agreement, error) {
	bps, err := s.fees.EscrowFeeBps(ctx)
	if err != nil {
		return Agreement{}, fmt.Errorf("escrow: fee rate: %w", err)
	}
	now := s.now()
	a, err := newAgreement(s.idGenerator(), caller.UserID, params, bps, now)
	if err != nil {
		return Agreement{}, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Agreement{}, fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.repo.Insert(ctx, tx, a); err != nil {
		return Agreement{}, err
	}
	payload := map[string]any{
		"client":     a.Client,
		"freelancer": a.Freelancer,
		"amount":     a.Amount.String(),
		"fee_bps":    a.FeeBps,
	}
	if err := s.enqueue(ctx, tx, OutboxTopicCreated, "create", a, payload, now); err != nil {
		return Agreement{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Agreement{}, fmt.Errorf("escrow: commit tx: %w", err)
	}
	return a, nil
}

func (s *Service) Fund(ctx context.Context, caller auth.Principal, id string) (Agreement, error) {
	return s.mutate(ctx, id, OutboxTopicFunded, "fund", func(_ pgx.Tx, a *Agreement, now time.Time) (change, error) {
		if err := a.fund(caller.UserID, now); err != nil {
			return change{}, err
		}
		return change{payload: map[string]any{"funded_at": now}}, nil
	})
}

// AddMilestone appends a milestone and returns it together with the updated agreement.
func (s *Service) AddMilestone(ctx context.Context, caller auth.Principal, id, description string, amount *big.Int) (Milestone, Agreement, error) {
	var added Milestone
	a, err := s.mutate(ctx, id, OutboxTopicMilestoneAdded, "add_milestone", func(tx pgx.Tx, a *Agreement, now time.Time) (change, error) {
		m, err := a.addMilestone(caller.UserID, description, amount, now)
		if err != nil {
			return change{}, err
		}
		if s.limiterFor != nil {
			if err := s.limiterFor(tx).Allow(ctx, caller.UserID, RateLimitKindMilestone, now, caller.IsAdmin()); err != nil {
				if errors.Is(err, ratelimit.ErrLimited) {
					return change{}, ErrRateLimited
				}
				return change{}, fmt.Errorf("escrow: rate limit: %w", err)
			}
		}
		added = m
		return change{
			milestones: []Milestone{m},
			payload:    map[string]any{"milestone_id": m.ID, "amount": m.Amount.String()},
		}, nil
	})
	if err != nil {
		return Milestone{}, Agreement{}, err
	}
	return added, a, nil
}

func (s *Service) ApproveMilestone(ctx context.Context, caller auth.Principal, id string, milestoneID int) (Agreement, error) {
	return s.mutate(ctx, id, OutboxTopicMilestoneApproved, "approve_milestone", func(_ pgx.Tx, a *Agreement, now time.Time) (change, error) {
		m, err := a.approveMilestone(caller.UserID, milestoneID, now)
		if err != nil {
			return change{}, err
		}
		return change{
			milestones: []Milestone{*m},
			payload:    map[string]any{"milestone_id": m.ID},
		}, nil
	})
}

func (s *Service) ReleaseMilestone(ctx context.Context, caller auth.Principal, id string, milestoneID int) (Agreement, error) {
	return s.mutate(ctx, id, OutboxTopicMilestoneReleased, "release_milestone", func(_ pgx.Tx, a *Agreement, now time.Time) (change, error) {
		m, transfers, err := a.releaseMilestone(caller.UserID, milestoneID, now)
		if err != nil {
			return change{}, err
		}
		return change{
			milestones: []Milestone{*m},
			transfers:  transfers,
			payload: map[string]any{
				"milestone_id":    m.ID,
				"amount":          m.Amount.String(),
				"released_amount": a.ReleasedAmount.String(),
			},
		}, nil
	})
}

func (s *Service) ReleaseFunds(ctx context.Context, caller auth.Principal, id string) (Agreement, error) {
	return s.mutate(ctx, id, OutboxTopicReleased, "release_funds", func(_ pgx.Tx, a *Agreement, now time.Time) (change, error) {
		transfers, err := a.releaseFunds(caller.UserID, s.platform, now)
		if err != nil {
			return change{}, err
		}
		return releasedChange(a, transfers, false), nil
	})
}

// AutoRelease needs no caller: the elapsed deadline is the authorization.
func (s *Service) AutoRelease(ctx context.Context, id string) (Agreement, error) {
	return s.mutate(ctx, id, OutboxTopicReleased, "auto_release", func(_ pgx.Tx, a *Agreement, now time.Time) (change, error) {
		transfers, err := a.autoRelease(s.platform, now)
		if err != nil {
			return change{}, err
		}
		return releasedChange(a, transfers, true), nil
	})
}

func releasedChange(a *Agreement, transfers []Transfer, auto bool) change {
	return change{
		transfers: transfers,
		payload: map[string]any{
			"fee_collected": a.FeeCollected.String(),
			"net_amount":    a.NetAmount.String(),
			"auto":          auto,
		},
	}
}

func (s *Service) Dispute(ctx context.Context, caller auth.Principal, id string) (Agreement, error) {
	return s.mutate(ctx, id, OutboxTopicDisputed, "dispute", func(_ pgx.Tx, a *Agreement, now time.Time) (change, error) {
		if err := a.dispute(caller.UserID, now); err != nil {
			return change{}, err
		}
		return change{payload: map[string]any{"disputed_by": caller.UserID}}, nil
	})
}

// ResolveDispute applies the arbitrator's resolution to a disputed agreement.
// It is also the target of the dispute settlement bridge.
func (s *Service) ResolveDispute(ctx context.Context, caller auth.Principal, id string, resolution Resolution) (Agreement, error) {
	return s.mutate(ctx, id, OutboxTopicDisputeResolved, "resolve_dispute", func(_ pgx.Tx, a *Agreement, now time.Time) (change, error) {
		transfers, err := a.resolveDispute(caller.UserID, resolution, now)
		if err != nil {
			return change{}, err
		}
		return change{
			transfers: transfers,
			payload:   map[string]any{"resolution": string(resolution), "resolved_by": caller.UserID},
		}, nil
	})
}

func (s *Service) EmergencyWithdraw(ctx context.Context, caller auth.Principal, id string) (Agreement, error) {
	if !caller.IsAdmin() {
		return Agreement{}, ErrUnauthorized
	}
	paused := false
	if s.pause != nil {
		p, err := s.pause.IsPaused(ctx)
		if err != nil {
			return Agreement{}, fmt.Errorf("escrow: pause flag: %w", err)
		}
		paused = p
	}
	return s.mutate(ctx, id, OutboxTopicEmergency, "emergency_withdraw", func(_ pgx.Tx, a *Agreement, now time.Time) (change, error) {
		transfers, err := a.emergencyWithdraw(paused, now)
		if err != nil {
			return change{}, err
		}
		return change{transfers: transfers, payload: map[string]any{"admin": caller.UserID}}, nil
	})
}

func (s *Service) Get(ctx context.Context, id string) (Agreement, error) {
	if _, err := uuid.Parse(id); err != nil {
		return Agreement{}, ErrNotFound
	}
	return s.repo.Get(ctx, id)
}

// List returns the agreements the caller takes part in.
func (s *Service) List(ctx context.Context, caller auth.Principal) ([]Agreement, error) {
	return s.repo.ListForParty(ctx, caller.UserID, 100)
}

func (s *Service) Transfers(ctx context.Context, id string) ([]Transfer, error) {
	return s.repo.ListTransfers(ctx, id)
}

// change is what a transition wants persisted besides the agreement row.
type change struct {
	milestones []Milestone
	transfers  []Transfer
	payload    map[string]any
}

// mutate runs one transition as a single transaction: lock the row, apply the
// transition, write the row, milestones and transfers, enqueue the event.
func (s *Service) mutate(ctx context.Context, id, topic, operation string, apply func(tx pgx.Tx, a *Agreement, now time.Time) (change, error)) (Agreement, error) {
	if _, err := uuid.Parse(id); err != nil {
		return Agreement{}, ErrNotFound
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Agreement{}, fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	a, err := s.repo.GetForUpdate(ctx, tx, id)
	if err != nil {
		return Agreement{}, err
	}

	now := s.now()
	ch, err := apply(tx, &a, now)
	if err != nil {
		return Agreement{}, err
	}
	a.UpdatedAt = now

	if err := s.repo.Update(ctx, tx, a); err != nil {
		return Agreement{}, err
	}
	for _, m := range ch.milestones {
		if err := s.repo.SaveMilestone(ctx, tx, a.ID, m); err != nil {
			return Agreement{}, err
		}
	}
	recorded, err := s.repo.InsertTransfers(ctx, tx, ch.transfers)
	if err != nil {
		return Agreement{}, err
	}

	payload := ch.payload
	if payload == nil {
		payload = make(map[string]any, 4)
	}
	if len(recorded) > 0 {
		payload["transfers"] = transferPayload(recorded)
	}
	if err := s.enqueue(ctx, tx, topic, operation, a, payload, now); err != nil {
		return Agreement{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Agreement{}, fmt.Errorf("escrow: commit tx: %w", err)
	}
	return a, nil
}

func (s *Service) enqueue(ctx context.Context, tx pgx.Tx, topic, operation string, a Agreement, payload map[string]any, now time.Time) error {
	if s.outbox == nil {
		return nil
	}
	payload["operation"] = operation
	payload["agreement_id"] = a.ID
	payload["state"] = string(a.State)
	payload["at"] = now.UTC()
	if err := s.outbox.Enqueue(ctx, tx, topic, payload); err != nil {
		return fmt.Errorf("escrow: enqueue outbox: %w", err)
	}
	return nil
}

func transferPayload(ts []Transfer) []map[string]any {
	out := make([]map[string]any, 0, len(ts))
	for _, t := range ts {
		out = append(out, map[string]any{
			"seq":       t.Seq,
			"recipient": t.Recipient,
			"amount":    t.Amount.String(),
			"reason":    string(t.Reason),
		})
	}
	return out
}
