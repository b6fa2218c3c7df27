package dispute

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"escrowflow/auth"
	"escrowflow/registry"
)

// DefaultTimeout bounds how long a case may stay undecided.
const DefaultTimeout = 7 * 24 * time.Hour

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

type OutboxWriter interface {
	Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error
}

// Registry answers whether someone is an active mediator or arbitrator.
type Registry interface {
	IsActive(ctx context.Context, id string, role registry.Role) (bool, error)
}

// FeePolicy supplies the bookkeeping fee rate applied on resolution.
type FeePolicy interface {
	DisputeFeeBps(ctx context.Context) (uint32, error)
}

// EscrowReader confirms a referenced escrow agreement exists.
type EscrowReader interface {
	EscrowExists(ctx context.Context, ref string) (bool, error)
}

// Settler moves escrow funds according to a resolved case.
type Settler interface {
	Settle(ctx context.Context, escrowRef string, authorizer auth.Principal, outcome Outcome) error
}

type Service struct {
	pool     TxBeginner
	repo     Repository
	outbox   OutboxWriter
	registry Registry
	fees     FeePolicy
	escrows  EscrowReader
	settler  Settler
	logger   *slog.Logger
	timeout  time.Duration
	now      func() time.Time
}

func NewService(pool TxBeginner, repo Repository, outbox OutboxWriter, reg Registry, fees FeePolicy) *Service {
	return &Service{
		pool:     pool,
		repo:     repo,
		outbox:   outbox,
		registry: reg,
		fees:     fees,
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		timeout:  DefaultTimeout,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func (s *Service) WithTimeout(d time.Duration) *Service {
	if d > 0 {
		s.timeout = d
	}
	return s
}

func (s *Service) WithLogger(logger *slog.Logger) *Service {
	if logger != nil {
		s.logger = logger
	}
	return s
}

// WithSettlement connects the service to the escrow ledger.
func (s *Service) WithSettlement(escrows EscrowReader, settler Settler) *Service {
	s.escrows = escrows
	s.settler = settler
	return s
}

func (s *Service) Open(ctx context.Context, caller auth.Principal, p OpenParams) (Case, error) {
	now := s.now()
	c, err := newCase(caller.UserID, p, s.timeout, now)
	if err != nil {
		return Case{}, err
	}
	if c.EscrowRef != "" {
		if s.escrows == nil {
			return Case{}, fmt.Errorf("%w: escrow references are not supported", ErrInvalidInput)
		}
		ok, err := s.escrows.EscrowExists(ctx, c.EscrowRef)
		if err != nil {
			return Case{}, fmt.Errorf("dispute: check escrow: %w", err)
		}
		if !ok {
			return Case{}, fmt.Errorf("%w: escrow %s", ErrNotFound, c.EscrowRef)
		}
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Case{}, fmt.Errorf("dispute: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.repo.Insert(ctx, tx, c); err != nil {
		return Case{}, err
	}
	payload := map[string]any{
		"initiator":  c.Initiator,
		"amount":     c.Amount.String(),
		"escrow_ref": c.EscrowRef,
		"timeout_at": c.TimeoutAt,
	}
	if err := s.enqueue(ctx, tx, OutboxTopicOpened, "open", c, payload, now); err != nil {
		return Case{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Case{}, fmt.Errorf("dispute: commit tx: %w", err)
	}
	return c, nil
}

func (s *Service) AddEvidence(ctx context.Context, caller auth.Principal, jobID int64, description, attachmentHash string) (Evidence, error) {
	var added Evidence
	_, err := s.mutate(ctx, jobID, OutboxTopicEvidenceAdded, "add_evidence", func(tx pgx.Tx, c *Case, now time.Time) (map[string]any, error) {
		e, err := c.addEvidence(caller.UserID, description, attachmentHash, now)
		if err != nil {
			return nil, err
		}
		if err := s.repo.AppendEvidence(ctx, tx, c.JobID, e); err != nil {
			return nil, err
		}
		added = e
		return map[string]any{"seq": e.Seq, "submitter": e.Submitter}, nil
	})
	if err != nil {
		return Evidence{}, err
	}
	return added, nil
}

func (s *Service) AssignMediator(ctx context.Context, caller auth.Principal, jobID int64, mediator string) (Case, error) {
	if !caller.IsAdmin() {
		return Case{}, ErrUnauthorized
	}
	return s.mutate(ctx, jobID, OutboxTopicMediatorAssigned, "assign_mediator", func(_ pgx.Tx, c *Case, now time.Time) (map[string]any, error) {
		if c.Resolved() {
			return nil, ErrAlreadyResolved
		}
		if err := s.requireActive(ctx, mediator, registry.RoleMediator); err != nil {
			return nil, err
		}
		if err := c.assignMediator(mediator, now); err != nil {
			return nil, err
		}
		return map[string]any{"mediator": mediator}, nil
	})
}

func (s *Service) Escalate(ctx context.Context, caller auth.Principal, jobID int64, arbitrator string) (Case, error) {
	return s.mutate(ctx, jobID, OutboxTopicEscalated, "escalate", func(_ pgx.Tx, c *Case, now time.Time) (map[string]any, error) {
		if c.Resolved() {
			return nil, ErrAlreadyResolved
		}
		if c.Mediator != "" && caller.UserID != c.Mediator {
			return nil, ErrUnauthorized
		}
		if err := s.requireActive(ctx, arbitrator, registry.RoleArbitrator); err != nil {
			return nil, err
		}
		if err := c.escalate(caller.UserID, arbitrator, now); err != nil {
			return nil, err
		}
		return map[string]any{"mediator": c.Mediator, "arbitrator": arbitrator}, nil
	})
}

// Resolve records a decision, or the forced split once the deadline passed,
// then settles the referenced escrow. A settlement failure is recorded on the
// case and logged; it is not returned.
func (s *Service) Resolve(ctx context.Context, caller auth.Principal, jobID int64, outcome Outcome) (Case, error) {
	var timedOut bool
	c, err := s.mutateWithTopic(ctx, jobID, "resolve", func(_ pgx.Tx, c *Case, now time.Time) (string, map[string]any, error) {
		if c.Resolved() {
			return "", nil, ErrAlreadyResolved
		}
		if c.expire(caller.UserID, now) {
			timedOut = true
			return OutboxTopicTimedOut, map[string]any{"outcome": string(c.Outcome), "requested": string(outcome)}, nil
		}
		if !outcome.Decision() {
			return "", nil, fmt.Errorf("%w: outcome %q", ErrInvalidInput, outcome)
		}
		arbitratorActive := false
		if c.Level == LevelArbitration && c.Arbitrator != "" && caller.UserID == c.Arbitrator {
			active, err := s.registry.IsActive(ctx, c.Arbitrator, registry.RoleArbitrator)
			if err != nil {
				return "", nil, fmt.Errorf("dispute: registry: %w", err)
			}
			arbitratorActive = active
		}
		if err := c.authorize(caller.UserID, arbitratorActive); err != nil {
			return "", nil, err
		}
		bps, err := s.fees.DisputeFeeBps(ctx)
		if err != nil {
			return "", nil, fmt.Errorf("dispute: fee rate: %w", err)
		}
		c.resolve(caller.UserID, outcome, bps, now)
		return OutboxTopicResolved, map[string]any{
			"outcome":       string(outcome),
			"resolved_by":   caller.UserID,
			"fee_collected": c.FeeCollected.String(),
		}, nil
	})
	if err != nil {
		return Case{}, err
	}

	if c.Settlement == SettlementPending {
		settled, err := s.recordSettlement(ctx, jobID, s.invokeBridge(ctx, caller, c))
		if err != nil {
			s.logger.WarnContext(ctx, "settlement bookkeeping failed",
				"module", "dispute", "operation", "resolve", "outcome", "error",
				"job_id", jobID, "error", err)
		} else {
			c = settled
		}
	}
	s.logger.InfoContext(ctx, "dispute resolved",
		"module", "dispute", "operation", "resolve", "outcome", string(c.Outcome),
		"job_id", jobID, "timed_out", timedOut, "settlement", string(c.Settlement))
	return c, nil
}

// Reconcile retries the escrow settlement of a resolved case and reports the
// bridge error to the caller.
func (s *Service) Reconcile(ctx context.Context, caller auth.Principal, jobID int64) (Case, error) {
	c, err := s.repo.Get(ctx, jobID)
	if err != nil {
		return Case{}, err
	}
	if !c.settleable() {
		return Case{}, ErrNothingToSettle
	}
	bridgeErr := s.invokeBridge(ctx, caller, c)
	recorded, err := s.recordSettlement(ctx, jobID, bridgeErr)
	if err != nil {
		return Case{}, err
	}
	if bridgeErr != nil {
		return recorded, fmt.Errorf("dispute: settlement: %w", bridgeErr)
	}
	return recorded, nil
}

func (s *Service) invokeBridge(ctx context.Context, caller auth.Principal, c Case) error {
	if s.settler == nil {
		return errors.New("dispute: no settlement bridge configured")
	}
	err := s.settler.Settle(ctx, c.EscrowRef, caller, c.Outcome)
	if err != nil {
		s.logger.WarnContext(ctx, "escrow settlement failed",
			"module", "dispute", "operation", "settle", "outcome", "failed",
			"job_id", c.JobID, "escrow_ref", c.EscrowRef, "error", err)
	}
	return err
}

// recordSettlement stores one bridge result in its own transaction.
func (s *Service) recordSettlement(ctx context.Context, jobID int64, bridgeErr error) (Case, error) {
	return s.mutateWithTopic(ctx, jobID, "settle", func(_ pgx.Tx, c *Case, now time.Time) (string, map[string]any, error) {
		if !c.settleable() {
			return "", nil, ErrNothingToSettle
		}
		c.recordSettlement(bridgeErr, now)
		payload := map[string]any{
			"escrow_ref": c.EscrowRef,
			"outcome":    string(c.Outcome),
			"attempts":   c.SettlementAttempts,
		}
		if bridgeErr != nil {
			payload["error"] = c.SettlementError
			return OutboxTopicSettlementFailed, payload, nil
		}
		return OutboxTopicSettled, payload, nil
	})
}

// CheckTimeout reports whether the case deadline has passed.
func (s *Service) CheckTimeout(ctx context.Context, jobID int64) (bool, error) {
	c, err := s.repo.Get(ctx, jobID)
	if err != nil {
		return false, err
	}
	return c.TimedOut(s.now()), nil
}

func (s *Service) Get(ctx context.Context, jobID int64) (Case, error) {
	return s.repo.Get(ctx, jobID)
}

// ListUnsettled returns resolved cases still waiting on escrow settlement.
func (s *Service) ListUnsettled(ctx context.Context, caller auth.Principal, limit int) ([]Case, error) {
	if !caller.IsAdmin() {
		return nil, ErrUnauthorized
	}
	return s.repo.ListUnsettled(ctx, limit)
}

func (s *Service) requireActive(ctx context.Context, id string, role registry.Role) error {
	active, err := s.registry.IsActive(ctx, id, role)
	if err != nil {
		return fmt.Errorf("dispute: registry: %w", err)
	}
	if !active {
		return fmt.Errorf("%w: %s is not an active %s", ErrInvalidInput, id, role)
	}
	return nil
}

func (s *Service) mutate(ctx context.Context, jobID int64, topic, operation string, apply func(tx pgx.Tx, c *Case, now time.Time) (map[string]any, error)) (Case, error) {
	return s.mutateWithTopic(ctx, jobID, operation, func(tx pgx.Tx, c *Case, now time.Time) (string, map[string]any, error) {
		payload, err := apply(tx, c, now)
		return topic, payload, err
	})
}

// mutateWithTopic locks the case, applies the transition, writes the row and
// enqueues the event chosen by the transition.
func (s *Service) mutateWithTopic(ctx context.Context, jobID int64, operation string, apply func(tx pgx.Tx, c *Case, now time.Time) (string, map[string]any, error)) (Case, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Case{}, fmt.Errorf("dispute: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	c, err := s.repo.GetForUpdate(ctx, tx, jobID)
	if err != nil {
		return Case{}, err
	}

	now := s.now()
	topic, payload, err := apply(tx, &c, now)
	if err != nil {
		return Case{}, err
	}
	c.UpdatedAt = now

	if err := s.repo.Update(ctx, tx, c); err != nil {
		return Case{}, err
	}
	if payload == nil {
		payload = make(map[string]any, 4)
	}
	if err := s.enqueue(ctx, tx, topic, operation, c, payload, now); err != nil {
		return Case{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Case{}, fmt.Errorf("dispute: commit tx: %w", err)
	}
	return c, nil
}

func (s *Service) enqueue(ctx context.Context, tx pgx.Tx, topic, operation string, c Case, payload map[string]any, now time.Time) error {
	if s.outbox == nil {
		return nil
	}
	payload["operation"] = operation
	payload["job_id"] = c.JobID
	payload["status"] = string(c.Status)
	payload["at"] = now.UTC()
	if err := s.outbox.Enqueue(ctx, tx, topic, payload); err != nil {
		return fmt.Errorf("dispute: enqueue outbox: %w", err)
	}
	return nil
}
