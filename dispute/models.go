package dispute

import (
	"math/big"
	"time"
)

// Status represents the lifecycle of a dispute case.
type Status string

const (
	StatusOpen             Status = "open"
	StatusUnderMediation   Status = "under_mediation"
	StatusUnderArbitration Status = "under_arbitration"
	StatusResolved         Status = "resolved"
	StatusTimeout          Status = "timeout"
)

// Level is the tier of decision making a case is currently at.
type Level string

const (
	LevelMediation   Level = "mediation"
	LevelArbitration Level = "arbitration"
)

// Outcome is the decision recorded on a resolved case.
type Outcome string

const (
	OutcomeNone            Outcome = "none"
	OutcomeFavorClient     Outcome = "favor_client"
	OutcomeFavorFreelancer Outcome = "favor_freelancer"
	OutcomeSplit           Outcome = "split"
)

func (o Outcome) Decision() bool {
	switch o {
	case OutcomeFavorClient, OutcomeFavorFreelancer, OutcomeSplit:
		return true
	default:
		return false
	}
}

// SettlementStatus tracks fund movement on the escrow side after a case resolves.
type SettlementStatus string

const (
	SettlementNone    SettlementStatus = "none"
	SettlementPending SettlementStatus = "pending"
	SettlementSettled SettlementStatus = "settled"
	SettlementFailed  SettlementStatus = "failed"
)

const (
	MaxReasonBytes      = 1000
	MaxDescriptionBytes = 1000

	OutboxTopicOpened           = "dispute.opened"
	OutboxTopicEvidenceAdded    = "dispute.evidence_added"
	OutboxTopicMediatorAssigned = "dispute.mediator_assigned"
	OutboxTopicEscalated        = "dispute.escalated"
	OutboxTopicResolved         = "dispute.resolved"
	OutboxTopicTimedOut         = "dispute.timed_out"
	OutboxTopicSettled          = "dispute.settled"
	OutboxTopicSettlementFailed = "dispute.settlement_failed"
)

// Evidence is one append-only submission on a case.
type Evidence struct {
	Seq            int
	Submitter      string
	Description    string
	AttachmentHash string
	SubmittedAt    time.Time
}

// Case is a dispute keyed by the external job id.
type Case struct {
	JobID              int64
	Initiator          string
	Reason             string
	Amount             *big.Int
	EscrowRef          string
	Status             Status
	Level              Level
	Mediator           string
	Arbitrator         string
	Outcome            Outcome
	Evidence           []Evidence
	FeeCollected       *big.Int
	TimeoutAt          time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
	ResolvedAt         *time.Time
	ResolvedBy         string
	Settlement         SettlementStatus
	SettlementError    string
	SettlementAttempts int
}

// Resolved reports whether the case reached a terminal status.
func (c *Case) Resolved() bool {
	return c.Status == StatusResolved || c.Status == StatusTimeout
}

// TimedOut is true once now is strictly after the case deadline.
func (c *Case) TimedOut(now time.Time) bool {
	return now.After(c.TimeoutAt)
}

// OpenParams carries the inputs of Open.
type OpenParams struct {
	JobID     int64
	Reason    string
	Amount    *big.Int
	EscrowRef string
}
