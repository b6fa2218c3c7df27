package escrow

import (
	"errors"
	"fmt"
)

var (
	ErrUnauthorized      = errors.New("escrow: unauthorized")
	ErrInvalidState      = errors.New("escrow: invalid state")
	ErrNotFound          = errors.New("escrow: not found")
	ErrAlreadyExists     = errors.New("escrow: already exists")
	ErrInvalidInput      = errors.New("escrow: invalid input")
	ErrRateLimited       = errors.New("escrow: rate limit exceeded")
	ErrTimeoutExceeded   = errors.New("escrow: funding deadline passed")
	ErrTimeoutNotReached = errors.New("escrow: release deadline not reached")
)

// Narrower variants; each still matches its category with errors.Is.
var (
	ErrMilestoneNotFound = fmt.Errorf("%w: milestone", ErrNotFound)
	ErrAlreadyApproved   = fmt.Errorf("%w: milestone already approved", ErrInvalidState)
	ErrNotApproved       = fmt.Errorf("%w: milestone not approved", ErrInvalidState)
	ErrAlreadyReleased   = fmt.Errorf("%w: milestone already released", ErrInvalidState)
	ErrOverRelease       = fmt.Errorf("%w: release would exceed escrow net amount", ErrInvalidState)
	ErrNoTimeout         = fmt.Errorf("%w: no timeout configured", ErrInvalidState)
	ErrNotPaused         = fmt.Errorf("%w: platform not paused", ErrInvalidState)
	ErrNoArbitrator      = fmt.Errorf("%w: no arbitrator assigned", ErrUnauthorized)
)
