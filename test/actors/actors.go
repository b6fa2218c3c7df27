package actors

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"escrowflow/auth"
	"escrowflow/dispute"
	"escrowflow/escrow"
	"escrowflow/outbox"
	"escrowflow/ratelimit"
	"escrowflow/registry"
	"escrowflow/settlement"
)

// Env wires real services against one pool and names the principals every
// actor plays.
type Env struct {
	Escrows  *escrow.Service
	Disputes *dispute.Service
	Registry *registry.Service
	Pool     *pgxpool.Pool

	Admin      auth.Principal
	Client     auth.Principal
	Freelancer auth.Principal
	Mediator   auth.Principal
	Arbitrator auth.Principal

	// Unexpected counts errors that are not domain rejections.
	Unexpected atomic.Int64

	nextJob atomic.Int64
	mu      sync.Mutex
	ids     []string
}

// NewEnv builds the service graph the API server uses and registers the
// mediator and arbitrator.
func NewEnv(ctx context.Context, pool *pgxpool.Pool, logger *slog.Logger) (*Env, error) {
	reg := registry.NewService(registry.NewRepository(pool), registry.Defaults{EscrowFeeBps: 250, DisputeFeeBps: 100})
	writer := outbox.NewWriter()
	escrows := escrow.NewService(pool, escrow.NewRepository(pool), writer, reg, reg).
		WithLimiter(escrow.TxLimiter(ratelimit.Limiter{Max: 20, Window: time.Second}))
	bridge := settlement.NewBridge(escrows)
	disputes := dispute.NewService(pool, dispute.NewRepository(pool), writer, reg, reg).
		WithTimeout(3 * time.Second).
		WithLogger(logger).
		WithSettlement(bridge, bridge)

	env := &Env{
		Escrows:    escrows,
		Disputes:   disputes,
		Registry:   reg,
		Pool:       pool,
		Admin:      auth.Principal{UserID: "stress-admin", Role: auth.RoleAdmin},
		Client:     auth.Principal{UserID: "stress-client", Role: auth.RoleClient},
		Freelancer: auth.Principal{UserID: "stress-freelancer", Role: auth.RoleFreelancer},
		Mediator:   auth.Principal{UserID: "stress-mediator", Role: auth.RoleMediator},
		Arbitrator: auth.Principal{UserID: "stress-arbitrator", Role: auth.RoleArbitrator},
	}
	if _, err := reg.Register(ctx, env.Admin, env.Mediator.UserID, registry.RoleMediator); err != nil {
		return nil, fmt.Errorf("register mediator: %w", err)
	}
	if _, err := reg.Register(ctx, env.Admin, env.Arbitrator.UserID, registry.RoleArbitrator); err != nil {
		return nil, fmt.Errorf("register arbitrator: %w", err)
	}
	return env, nil
}

func (e *Env) remember(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ids = append(e.ids, id)
}

func (e *Env) pick() (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.ids) == 0 {
		return "", false
	}
	return e.ids[rand.Intn(len(e.ids))], true
}

// observe swallows domain rejections, which are the expected outcome of
// racing transitions, and counts everything else.
func (e *Env) observe(err error) {
	if err == nil || expected(err) {
		return
	}
	e.Unexpected.Add(1)
}

func expected(err error) bool {
	for _, target := range []error{
		context.Canceled,
		context.DeadlineExceeded,
		escrow.ErrInvalidState,
		escrow.ErrUnauthorized,
		escrow.ErrRateLimited,
		escrow.ErrTimeoutExceeded,
		escrow.ErrTimeoutNotReached,
		escrow.ErrNotFound,
		dispute.ErrAlreadyResolved,
		dispute.ErrInvalidState,
		dispute.ErrUnauthorized,
		dispute.ErrMediationRequired,
		dispute.ErrArbitrationRequired,
		dispute.ErrAlreadyExists,
		dispute.ErrNotFound,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func done(ctx context.Context, stop <-chan struct{}) (bool, error) {
	select {
	case <-ctx.Done():
		return true, ctx.Err()
	case <-stop:
		return true, nil
	default:
		return false, nil
	}
}

func pause(minMs, spreadMs int) {
	time.Sleep(time.Duration(minMs+rand.Intn(spreadMs)) * time.Millisecond)
}

// Opener keeps creating and funding agreements with a short release timeout
// so auto-release competes with the other actors.
func Opener(ctx context.Context, env *Env, stop <-chan struct{}) error {
	for {
		if stopped, err := done(ctx, stop); stopped {
			return err
		}
		timeout := int64(1 + rand.Intn(3))
		a, err := env.Escrows.Create(ctx, env.Client, escrow.CreateParams{
			Freelancer:  env.Freelancer.UserID,
			Arbitrator:  env.Arbitrator.UserID,
			Amount:      big.NewInt(int64(1000 + rand.Intn(100000))),
			TimeoutSecs: &timeout,
		})
		if err != nil {
			env.observe(err)
			pause(20, 30)
			continue
		}
		if _, err := env.Escrows.Fund(ctx, env.Client, a.ID); err != nil {
			env.observe(err)
		}
		env.remember(a.ID)
		pause(20, 40)
	}
}

// Releaser races the freelancer's final release against disputes and auto-release.
func Releaser(ctx context.Context, env *Env, stop <-chan struct{}) error {
	for {
		if stopped, err := done(ctx, stop); stopped {
			return err
		}
		if id, ok := env.pick(); ok {
			_, err := env.Escrows.ReleaseFunds(ctx, env.Freelancer, id)
			env.observe(err)
		}
		pause(15, 35)
	}
}

// AutoReleaser fires the permissionless timeout release at random agreements.
func AutoReleaser(ctx context.Context, env *Env, stop <-chan struct{}) error {
	for {
		if stopped, err := done(ctx, stop); stopped {
			return err
		}
		if id, ok := env.pick(); ok {
			_, err := env.Escrows.AutoRelease(ctx, id)
			env.observe(err)
		}
		pause(30, 50)
	}
}

// MilestoneWorker adds, approves and releases small milestones, pushing
// released_amount toward the agreement total.
func MilestoneWorker(ctx context.Context, env *Env, stop <-chan struct{}) error {
	for {
		if stopped, err := done(ctx, stop); stopped {
			return err
		}
		id, ok := env.pick()
		if !ok {
			pause(20, 20)
			continue
		}
		m, _, err := env.Escrows.AddMilestone(ctx, env.Client, id, "stress milestone", big.NewInt(int64(100+rand.Intn(900))))
		if err != nil {
			env.observe(err)
			pause(20, 30)
			continue
		}
		if _, err := env.Escrows.ApproveMilestone(ctx, env.Client, id, m.ID); err != nil {
			env.observe(err)
			continue
		}
		_, err = env.Escrows.ReleaseMilestone(ctx, env.Freelancer, id, m.ID)
		env.observe(err)
		pause(20, 30)
	}
}

// Disputer walks an agreement through the whole escalation ladder: escrow
// dispute, case open, mediation, arbitration and a settling resolution.
// Some rounds skip ahead so the timeout path and out-of-order calls get hit.
func Disputer(ctx context.Context, env *Env, stop <-chan struct{}) error {
	outcomes := []dispute.Outcome{dispute.OutcomeFavorClient, dispute.OutcomeFavorFreelancer, dispute.OutcomeSplit}
	for {
		if stopped, err := done(ctx, stop); stopped {
			return err
		}
		id, ok := env.pick()
		if !ok {
			pause(20, 20)
			continue
		}
		if _, err := env.Escrows.Dispute(ctx, env.Freelancer, id); err != nil {
			env.observe(err)
			pause(30, 40)
			continue
		}
		jobID := env.nextJob.Add(1)
		if _, err := env.Disputes.Open(ctx, env.Freelancer, dispute.OpenParams{
			JobID:     jobID,
			Reason:    "work not delivered",
			Amount:    big.NewInt(1000),
			EscrowRef: id,
		}); err != nil {
			env.observe(err)
			continue
		}
		_, err := env.Disputes.AddEvidence(ctx, env.Freelancer, jobID, "delivery log", dispute.HashAttachment([]byte(id)))
		env.observe(err)

		switch rand.Intn(4) {
		case 0:
			// Leave the case for Reconciler to time out.
		case 1:
			_, err = env.Disputes.AssignMediator(ctx, env.Admin, jobID, env.Mediator.UserID)
			env.observe(err)
			_, err = env.Disputes.Resolve(ctx, env.Mediator, jobID, outcomes[rand.Intn(len(outcomes))])
			env.observe(err)
		default:
			_, err = env.Disputes.AssignMediator(ctx, env.Admin, jobID, env.Mediator.UserID)
			env.observe(err)
			_, err = env.Disputes.Escalate(ctx, env.Mediator, jobID, env.Arbitrator.UserID)
			env.observe(err)
			_, err = env.Disputes.Resolve(ctx, env.Arbitrator, jobID, outcomes[rand.Intn(len(outcomes))])
			env.observe(err)
		}
		pause(40, 60)
	}
}

// Reconciler resolves expired cases and retries failed settlements.
func Reconciler(ctx context.Context, env *Env, stop <-chan struct{}) error {
	for {
		if stopped, err := done(ctx, stop); stopped {
			return err
		}
		if last := env.nextJob.Load(); last > 0 {
			jobID := 1 + rand.Int63n(last)
			timedOut, err := env.Disputes.CheckTimeout(ctx, jobID)
			env.observe(err)
			if timedOut {
				_, err = env.Disputes.Resolve(ctx, env.Arbitrator, jobID, dispute.OutcomeSplit)
				env.observe(err)
			}
		}
		cases, err := env.Disputes.ListUnsettled(ctx, env.Admin, 10)
		env.observe(err)
		for _, c := range cases {
			// The arbitrator authorizes every escrow in this run.
			_, err := env.Disputes.Reconcile(ctx, env.Arbitrator, c.JobID)
			env.observe(err)
		}
		pause(200, 200)
	}
}

// flakyPublisher drops one message in ten so retries and dead-lettering run.
type flakyPublisher struct{}

func (flakyPublisher) Publish(context.Context, string, []byte, string) error {
	if rand.Intn(10) == 0 {
		return errors.New("broker unavailable")
	}
	return nil
}

// OutboxRelay drains the outbox through the production relay.
func OutboxRelay(ctx context.Context, env *Env, logger *slog.Logger, stop <-chan struct{}) error {
	relay := outbox.NewRelay(logger, outbox.NewPGStore(env.Pool), flakyPublisher{}, 100*time.Millisecond, 20, 3)
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-stop:
			cancel()
		case <-runCtx.Done():
		}
	}()
	if err := relay.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
