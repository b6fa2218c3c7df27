package dispute

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound            = errors.New("dispute: not found")
	ErrAlreadyExists       = errors.New("dispute: job already has a case")
	ErrAlreadyResolved     = errors.New("dispute: case already resolved")
	ErrInvalidState        = errors.New("dispute: invalid state")
	ErrInvalidInput        = errors.New("dispute: invalid input")
	ErrUnauthorized        = errors.New("dispute: unauthorized")
	ErrMediationRequired   = errors.New("dispute: mediation required")
	ErrArbitrationRequired = errors.New("dispute: arbitration required")
)

var (
	ErrDeadlinePassed  = fmt.Errorf("%w: case deadline passed", ErrInvalidState)
	ErrNothingToSettle = fmt.Errorf("%w: no settlement outstanding", ErrInvalidState)
)
