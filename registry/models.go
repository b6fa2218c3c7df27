package registry

import "time"

// Role is the decision-making capacity a participant is registered for.
type Role string

const (
	RoleMediator   Role = "mediator"
	RoleArbitrator Role = "arbitrator"
)

func (r Role) Valid() bool {
	return r == RoleMediator || r == RoleArbitrator
}

// Participant is a registered mediator or arbitrator.
type Participant struct {
	ID        string
	Role      Role
	Active    bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Settings is the platform-wide control row.
type Settings struct {
	Paused        bool
	EscrowFeeBps  *uint32
	DisputeFeeBps *uint32
	UpdatedAt     time.Time
}
