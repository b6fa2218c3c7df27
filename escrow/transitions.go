package escrow

import (
	"fmt"
	"math/big"
	"time"

	"escrowflow/fee"
)

// Every transition validates all of its preconditions before touching the
// agreement, so a returned error always leaves the agreement unchanged.

func newAgreement(id, client string, p CreateParams, feeBps uint32, now time.Time) (Agreement, error) {
	if client == "" || p.Freelancer == "" {
		return Agreement{}, fmt.Errorf("%w: client and freelancer required", ErrInvalidInput)
	}
	if client == p.Freelancer {
		return Agreement{}, fmt.Errorf("%w: client and freelancer must differ", ErrInvalidInput)
	}
	if p.Arbitrator != "" && (p.Arbitrator == client || p.Arbitrator == p.Freelancer) {
		return Agreement{}, fmt.Errorf("%w: arbitrator must not be a party", ErrInvalidInput)
	}
	if err := checkAmount(p.Amount); err != nil {
		return Agreement{}, err
	}
	if p.TimeoutSecs != nil && *p.TimeoutSecs <= 0 {
		return Agreement{}, fmt.Errorf("%w: timeout must be positive", ErrInvalidInput)
	}
	if feeBps > fee.BasisPointsDenominator {
		return Agreement{}, fmt.Errorf("%w: fee rate %d bps", ErrInvalidInput, feeBps)
	}

	var timeout *int64
	if p.TimeoutSecs != nil {
		v := *p.TimeoutSecs
		timeout = &v
	}
	return Agreement{
		ID:             id,
		Client:         client,
		Freelancer:     p.Freelancer,
		Arbitrator:     p.Arbitrator,
		Amount:         new(big.Int).Set(p.Amount),
		State:          StateCreated,
		ReleasedAmount: new(big.Int),
		FeeBps:         feeBps,
		TimeoutSecs:    timeout,
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}

func checkAmount(amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("%w: amount must be positive", ErrInvalidInput)
	}
	if !fee.InRange(amount) {
		return fmt.Errorf("%w: %v", ErrInvalidInput, fee.ErrOutOfRange)
	}
	return nil
}

func (a *Agreement) timeout() (time.Duration, bool) {
	if a.TimeoutSecs == nil || *a.TimeoutSecs <= 0 {
		return 0, false
	}
	return time.Duration(*a.TimeoutSecs) * time.Second, true
}

// fundingDeadlinePassed is true once now is strictly after created_at + timeout.
func (a *Agreement) fundingDeadlinePassed(now time.Time) bool {
	d, ok := a.timeout()
	return ok && now.After(a.CreatedAt.Add(d))
}

// deadlinePassed is true once now is strictly after funded_at + timeout.
// At exactly the deadline it is still false.
func (a *Agreement) deadlinePassed(now time.Time) bool {
	d, ok := a.timeout()
	if !ok || a.FundedAt == nil {
		return false
	}
	return now.After(a.FundedAt.Add(d))
}

// ReleaseDeadline returns funded_at + timeout when both are known.
func (a *Agreement) ReleaseDeadline() (time.Time, bool) {
	d, ok := a.timeout()
	if !ok || a.FundedAt == nil {
		return time.Time{}, false
	}
	return a.FundedAt.Add(d), true
}

func (a *Agreement) fund(caller string, now time.Time) error {
	if caller != a.Client {
		return ErrUnauthorized
	}
	if a.State != StateCreated {
		return fmt.Errorf("%w: cannot fund from %s", ErrInvalidState, a.State)
	}
	if a.fundingDeadlinePassed(now) {
		return ErrTimeoutExceeded
	}
	a.State = StateFunded
	a.FundedAt = stamp(now)
	return nil
}

func (a *Agreement) addMilestone(caller, description string, amount *big.Int, now time.Time) (Milestone, error) {
	if caller != a.Client {
		return Milestone{}, ErrUnauthorized
	}
	if a.State != StateCreated && a.State != StateFunded {
		return Milestone{}, fmt.Errorf("%w: cannot add milestone in %s", ErrInvalidState, a.State)
	}
	if len(description) == 0 || len(description) > MaxDescriptionBytes {
		return Milestone{}, fmt.Errorf("%w: description must be 1..%d bytes", ErrInvalidInput, MaxDescriptionBytes)
	}
	if err := checkAmount(amount); err != nil {
		return Milestone{}, err
	}

	m := Milestone{
		ID:          indexFor(a).next(),
		Description: description,
		Amount:      new(big.Int).Set(amount),
	}
	a.Milestones = append(a.Milestones, m)
	return m, nil
}

func (a *Agreement) approveMilestone(caller string, id int, now time.Time) (*Milestone, error) {
	if caller != a.Client {
		return nil, ErrUnauthorized
	}
	pos, ok := indexFor(a).position(id)
	if !ok {
		return nil, ErrMilestoneNotFound
	}
	m := &a.Milestones[pos]
	if m.Approved {
		return nil, ErrAlreadyApproved
	}
	m.Approved = true
	m.ApprovedAt = stamp(now)
	return m, nil
}

func (a *Agreement) releaseMilestone(caller string, id int, now time.Time) (*Milestone, []Transfer, error) {
	if caller != a.Freelancer {
		return nil, nil, ErrUnauthorized
	}
	if a.State != StateFunded {
		return nil, nil, fmt.Errorf("%w: cannot release milestone in %s", ErrInvalidState, a.State)
	}
	pos, ok := indexFor(a).position(id)
	if !ok {
		return nil, nil, ErrMilestoneNotFound
	}
	m := &a.Milestones[pos]
	if m.Released {
		return nil, nil, ErrAlreadyReleased
	}
	if !m.Approved {
		return nil, nil, ErrNotApproved
	}
	// Milestone payouts stop at the net amount so the final release can
	// always pay the full fee.
	total := new(big.Int).Add(a.ReleasedAmount, m.Amount)
	if total.Cmp(a.milestoneCeiling()) > 0 {
		return nil, nil, ErrOverRelease
	}

	m.Released = true
	m.ReleasedAt = stamp(now)
	a.ReleasedAmount = total
	return m, []Transfer{a.transfer(a.Freelancer, m.Amount, TransferMilestone, now)}, nil
}

func (a *Agreement) releaseFunds(caller, platform string, now time.Time) ([]Transfer, error) {
	if caller != a.Freelancer {
		return nil, ErrUnauthorized
	}
	if a.State != StateFunded {
		return nil, fmt.Errorf("%w: cannot release from %s", ErrInvalidState, a.State)
	}
	return a.settle(platform, now), nil
}

func (a *Agreement) autoRelease(platform string, now time.Time) ([]Transfer, error) {
	if a.State != StateFunded {
		return nil, fmt.Errorf("%w: cannot auto-release from %s", ErrInvalidState, a.State)
	}
	if _, ok := a.timeout(); !ok {
		return nil, ErrNoTimeout
	}
	if !a.deadlinePassed(now) {
		return nil, ErrTimeoutNotReached
	}
	return a.settle(platform, now), nil
}

// milestoneCeiling is the most milestone releases may pay out in total:
// amount minus the fee the final release will collect.
func (a *Agreement) milestoneCeiling() *big.Int {
	net, _ := fee.Net(a.Amount, a.FeeBps)
	return net
}

// settle applies the final-release fee math on the full amount. Milestone
// payouts already made come out of the freelancer's share, which the
// milestone ceiling keeps at or below net_amount.
func (a *Agreement) settle(platform string, now time.Time) []Transfer {
	net, collected := fee.Net(a.Amount, a.FeeBps)
	a.FeeCollected = collected
	a.NetAmount = net
	a.State = StateReleased
	a.ReleasedAt = stamp(now)

	feeOut := new(big.Int).Set(collected)
	payOut := new(big.Int).Sub(a.outstanding(), feeOut)

	var out []Transfer
	if payOut.Sign() > 0 {
		out = append(out, a.transfer(a.Freelancer, payOut, TransferRelease, now))
	}
	if feeOut.Sign() > 0 {
		out = append(out, a.transfer(platform, feeOut, TransferFee, now))
	}
	return out
}

func (a *Agreement) dispute(caller string, now time.Time) error {
	if !a.IsParty(caller) {
		return ErrUnauthorized
	}
	if a.State != StateFunded {
		return fmt.Errorf("%w: cannot dispute from %s", ErrInvalidState, a.State)
	}
	a.State = StateDisputed
	a.DisputedAt = stamp(now)
	return nil
}

func (a *Agreement) resolveDispute(caller string, r Resolution, now time.Time) ([]Transfer, error) {
	if a.Arbitrator == "" {
		return nil, ErrNoArbitrator
	}
	if caller != a.Arbitrator {
		return nil, ErrUnauthorized
	}
	if !r.Valid() {
		return nil, fmt.Errorf("%w: resolution %q", ErrInvalidInput, r)
	}
	if a.State != StateDisputed {
		return nil, fmt.Errorf("%w: cannot resolve from %s", ErrInvalidState, a.State)
	}

	var out []Transfer
	switch r {
	case ResolutionFavorClient:
		out = a.payOutstanding(a.Client, TransferResolution, now)
		a.State = StateRefunded
	case ResolutionFavorFreelancer:
		out = a.payOutstanding(a.Freelancer, TransferResolution, now)
		a.State = StateReleased
		a.ReleasedAt = stamp(now)
	case ResolutionSplit:
		out = a.split(TransferResolution, now)
		a.State = StateReleased
		a.ReleasedAt = stamp(now)
	}
	a.Resolution = r
	a.ResolvedAt = stamp(now)
	return out, nil
}

func (a *Agreement) emergencyWithdraw(paused bool, now time.Time) ([]Transfer, error) {
	if !paused {
		return nil, ErrNotPaused
	}
	if a.State.Terminal() {
		return nil, fmt.Errorf("%w: cannot withdraw from %s", ErrInvalidState, a.State)
	}
	var out []Transfer
	// An unfunded agreement holds nothing to split.
	if a.State != StateCreated {
		out = a.split(TransferEmergency, now)
	}
	a.State = StateReleased
	a.ReleasedAt = stamp(now)
	return out, nil
}

// outstanding is what is still held: amount minus milestone payouts.
func (a *Agreement) outstanding() *big.Int {
	if a.ReleasedAmount == nil {
		return new(big.Int).Set(a.Amount)
	}
	return new(big.Int).Sub(a.Amount, a.ReleasedAmount)
}

func (a *Agreement) payOutstanding(to string, reason TransferReason, now time.Time) []Transfer {
	rest := a.outstanding()
	if rest.Sign() <= 0 {
		return nil
	}
	return []Transfer{a.transfer(to, rest, reason, now)}
}

// split pays half of the outstanding balance to the client and the rest,
// including any odd unit, to the freelancer.
func (a *Agreement) split(reason TransferReason, now time.Time) []Transfer {
	half, rest := fee.Split(a.outstanding())
	out := make([]Transfer, 0, 2)
	if half.Sign() > 0 {
		out = append(out, a.transfer(a.Client, half, reason, now))
	}
	if rest.Sign() > 0 {
		out = append(out, a.transfer(a.Freelancer, rest, reason, now))
	}
	return out
}

func (a *Agreement) transfer(to string, amount *big.Int, reason TransferReason, now time.Time) Transfer {
	return Transfer{
		AgreementID: a.ID,
		Recipient:   to,
		Amount:      new(big.Int).Set(amount),
		Reason:      reason,
		CreatedAt:   now,
	}
}

func stamp(now time.Time) *time.Time {
	t := now
	return &t
}
