package escrow

import (
	"math/big"
	"time"
)

// State is the lifecycle position of an escrow agreement.
type State string

const (
	StateCreated  State = "created"
	StateFunded   State = "funded"
	StateReleased State = "released"
	StateDisputed State = "disputed"
	StateRefunded State = "refunded"
)

// Terminal reports whether no further fund movement can happen.
func (s State) Terminal() bool {
	return s == StateReleased || s == StateRefunded
}

// Resolution is the fund split applied when a dispute is settled.
type Resolution string

const (
	ResolutionFavorClient     Resolution = "favor_client"
	ResolutionFavorFreelancer Resolution = "favor_freelancer"
	ResolutionSplit           Resolution = "split"
)

func (r Resolution) Valid() bool {
	switch r {
	case ResolutionFavorClient, ResolutionFavorFreelancer, ResolutionSplit:
		return true
	default:
		return false
	}
}

// TransferReason tags why funds moved.
type TransferReason string

const (
	TransferMilestone  TransferReason = "milestone"
	TransferRelease    TransferReason = "release"
	TransferFee        TransferReason = "fee"
	TransferResolution TransferReason = "resolution"
	TransferEmergency  TransferReason = "emergency"
)

// Transfer is a fund-movement instruction produced by a state transition.
// Custody systems consume them from the outbox; the ledger only records them.
type Transfer struct {
	AgreementID string
	Seq         int
	Recipient   string
	Amount      *big.Int
	Reason      TransferReason
	CreatedAt   time.Time
}

// Milestone is a partial payout unit. IDs are 1-based and dense.
type Milestone struct {
	ID          int
	Description string
	Amount      *big.Int
	Approved    bool
	Released    bool
	ApprovedAt  *time.Time
	ReleasedAt  *time.Time
}

// Agreement mirrors the escrow_agreements row plus its milestones.
type Agreement struct {
	ID             string
	Client         string
	Freelancer     string
	Arbitrator     string
	Amount         *big.Int
	State          State
	Milestones     []Milestone
	ReleasedAmount *big.Int
	FeeBps         uint32
	FeeCollected   *big.Int
	NetAmount      *big.Int
	Resolution     Resolution
	TimeoutSecs    *int64
	CreatedAt      time.Time
	FundedAt       *time.Time
	ReleasedAt     *time.Time
	DisputedAt     *time.Time
	ResolvedAt     *time.Time
	UpdatedAt      time.Time
}

// IsParty reports whether id is the client or the freelancer.
func (a *Agreement) IsParty(id string) bool {
	return id != "" && (id == a.Client || id == a.Freelancer)
}

// milestoneIndex maps public 1-based milestone ids onto slice positions.
type milestoneIndex struct {
	count int
}

func indexFor(a *Agreement) milestoneIndex {
	return milestoneIndex{count: len(a.Milestones)}
}

func (ix milestoneIndex) position(id int) (int, bool) {
	if id < 1 || id > ix.count {
		return 0, false
	}
	return id - 1, true
}

func (ix milestoneIndex) next() int {
	return ix.count + 1
}

// CreateParams describes a new agreement. The client is always the caller.
type CreateParams struct {
	Freelancer  string
	Arbitrator  string
	Amount      *big.Int
	TimeoutSecs *int64
}

const (
	// OutboxTopicCreated and friends are the event topics emitted per transition.
	OutboxTopicCreated           = "escrow.created"
	OutboxTopicFunded            = "escrow.funded"
	OutboxTopicMilestoneAdded    = "escrow.milestone_added"
	OutboxTopicMilestoneApproved = "escrow.milestone_approved"
	OutboxTopicMilestoneReleased = "escrow.milestone_released"
	OutboxTopicReleased          = "escrow.released"
	OutboxTopicDisputed          = "escrow.disputed"
	OutboxTopicDisputeResolved   = "escrow.dispute_resolved"
	OutboxTopicEmergency         = "escrow.emergency_withdrawn"

	// RateLimitKindMilestone scopes the add-milestone counter.
	RateLimitKindMilestone = "milestone.add"

	MaxDescriptionBytes = 256
)
