package dispute

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/big"
	"time"

	"escrowflow/fee"
)

// HashAttachment returns the hex SHA-256 digest accepted as an attachment hash.
func HashAttachment(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

func validAttachmentHash(h string) bool {
	if len(h) != sha256.Size*2 {
		return false
	}
	for i := 0; i < len(h); i++ {
		c := h[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

func newCase(initiator string, p OpenParams, timeout time.Duration, now time.Time) (Case, error) {
	if initiator == "" {
		return Case{}, fmt.Errorf("%w: initiator required", ErrInvalidInput)
	}
	if p.JobID <= 0 {
		return Case{}, fmt.Errorf("%w: job id must be positive", ErrInvalidInput)
	}
	if n := len(p.Reason); n == 0 || n > MaxReasonBytes {
		return Case{}, fmt.Errorf("%w: reason must be 1..%d bytes", ErrInvalidInput, MaxReasonBytes)
	}
	if p.Amount == nil || p.Amount.Sign() <= 0 {
		return Case{}, fmt.Errorf("%w: amount must be positive", ErrInvalidInput)
	}
	if !fee.InRange(p.Amount) {
		return Case{}, fmt.Errorf("%w: %v", ErrInvalidInput, fee.ErrOutOfRange)
	}

	return Case{
		JobID:      p.JobID,
		Initiator:  initiator,
		Reason:     p.Reason,
		Amount:     new(big.Int).Set(p.Amount),
		EscrowRef:  p.EscrowRef,
		Status:     StatusOpen,
		Level:      LevelMediation,
		Outcome:    OutcomeNone,
		TimeoutAt:  now.Add(timeout),
		CreatedAt:  now,
		UpdatedAt:  now,
		Settlement: SettlementNone,
	}, nil
}

func (c *Case) addEvidence(submitter, description, attachment string, now time.Time) (Evidence, error) {
	if c.Resolved() {
		return Evidence{}, ErrAlreadyResolved
	}
	if n := len(description); n == 0 || n > MaxDescriptionBytes {
		return Evidence{}, fmt.Errorf("%w: description must be 1..%d bytes", ErrInvalidInput, MaxDescriptionBytes)
	}
	if attachment != "" && !validAttachmentHash(attachment) {
		return Evidence{}, fmt.Errorf("%w: attachment hash must be 64 lowercase hex characters", ErrInvalidInput)
	}
	e := Evidence{
		Seq:            len(c.Evidence) + 1,
		Submitter:      submitter,
		Description:    description,
		AttachmentHash: attachment,
		SubmittedAt:    now,
	}
	c.Evidence = append(c.Evidence, e)
	return e, nil
}

// assignMediator expects the caller to have checked admin rights and the
// mediator's registration.
func (c *Case) assignMediator(mediator string, now time.Time) error {
	if c.Resolved() {
		return ErrAlreadyResolved
	}
	if c.TimedOut(now) {
		return ErrDeadlinePassed
	}
	if c.Level != LevelMediation {
		return fmt.Errorf("%w: case already escalated", ErrInvalidState)
	}
	if mediator == "" || mediator == c.Initiator {
		return fmt.Errorf("%w: mediator must be a third party", ErrInvalidInput)
	}
	c.Mediator = mediator
	c.Status = StatusUnderMediation
	return nil
}

func (c *Case) escalate(caller, arbitrator string, now time.Time) error {
	if c.Resolved() {
		return ErrAlreadyResolved
	}
	if c.TimedOut(now) {
		return ErrDeadlinePassed
	}
	if c.Level != LevelMediation {
		return fmt.Errorf("%w: case already escalated", ErrInvalidState)
	}
	if c.Mediator == "" {
		return ErrMediationRequired
	}
	if caller != c.Mediator {
		return ErrUnauthorized
	}
	if arbitrator == "" || arbitrator == c.Initiator || arbitrator == c.Mediator {
		return fmt.Errorf("%w: arbitrator must be a third party", ErrInvalidInput)
	}
	c.Arbitrator = arbitrator
	c.Level = LevelArbitration
	c.Status = StatusUnderArbitration
	return nil
}

// expire forces the timeout outcome. It reports false when the deadline has
// not passed yet.
func (c *Case) expire(caller string, now time.Time) bool {
	if !c.TimedOut(now) {
		return false
	}
	c.Outcome = OutcomeSplit
	c.Status = StatusTimeout
	c.ResolvedBy = caller
	c.stampResolved(now)
	return true
}

// authorize checks the level rules for a decision. arbitratorActive is only
// consulted at arbitration level.
func (c *Case) authorize(caller string, arbitratorActive bool) error {
	switch c.Level {
	case LevelMediation:
		if c.Mediator == "" {
			return ErrMediationRequired
		}
		if caller != c.Mediator {
			return ErrUnauthorized
		}
	case LevelArbitration:
		if c.Arbitrator == "" {
			return ErrArbitrationRequired
		}
		if caller != c.Arbitrator || !arbitratorActive {
			return ErrUnauthorized
		}
	default:
		return fmt.Errorf("%w: unknown level %q", ErrInvalidState, c.Level)
	}
	return nil
}

func (c *Case) resolve(caller string, outcome Outcome, feeBps uint32, now time.Time) {
	c.Outcome = outcome
	c.Status = StatusResolved
	c.ResolvedBy = caller
	c.FeeCollected = fee.Compute(c.Amount, feeBps)
	c.stampResolved(now)
}

func (c *Case) stampResolved(now time.Time) {
	t := now
	c.ResolvedAt = &t
	c.UpdatedAt = now
	if c.EscrowRef != "" {
		c.Settlement = SettlementPending
	}
}

// recordSettlement stores the result of one bridge invocation.
func (c *Case) recordSettlement(err error, now time.Time) {
	c.SettlementAttempts++
	c.UpdatedAt = now
	if err != nil {
		c.Settlement = SettlementFailed
		c.SettlementError = err.Error()
		return
	}
	c.Settlement = SettlementSettled
	c.SettlementError = ""
}

func (c *Case) settleable() bool {
	return c.Resolved() && c.EscrowRef != "" &&
		(c.Settlement == SettlementPending || c.Settlement == SettlementFailed)
}
