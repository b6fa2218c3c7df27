package registry

import (
	"context"
	"errors"
	"fmt"

	"escrowflow/auth"
	"escrowflow/fee"
)

var (
	// ErrUnauthorized signals a non-admin attempting an administrative change.
	ErrUnauthorized = errors.New("registry: unauthorized")
	// ErrInvalidInput signals a malformed registration or setting.
	ErrInvalidInput = errors.New("registry: invalid input")
)

// Store abstracts repository operations for the service.
type Store interface {
	Upsert(ctx context.Context, id string, role Role) (Participant, error)
	SetActive(ctx context.Context, id string, role Role, active bool) (Participant, error)
	Get(ctx context.Context, id string, role Role) (Participant, error)
	List(ctx context.Context, role Role, limit int) ([]Participant, error)
	Settings(ctx context.Context) (Settings, error)
	SaveSettings(ctx context.Context, s Settings) (Settings, error)
}

// Defaults are the fee rates used while no override is stored.
type Defaults struct {
	EscrowFeeBps  uint32
	DisputeFeeBps uint32
}

// Service exposes the participant registry and platform controls.
type Service struct {
	repo     Store
	defaults Defaults
}

// NewService builds a Service using the provided repository.
func NewService(repo Store, defaults Defaults) *Service {
	return &Service{repo: repo, defaults: defaults}
}

// Register adds id as an active participant for role.
func (s *Service) Register(ctx context.Context, caller auth.Principal, id string, role Role) (Participant, error) {
	if !caller.IsAdmin() {
		return Participant{}, ErrUnauthorized
	}
	if id == "" || !role.Valid() {
		return Participant{}, fmt.Errorf("%w: id and role required", ErrInvalidInput)
	}
	return s.repo.Upsert(ctx, id, role)
}

// SetActive activates or deactivates a registration.
func (s *Service) SetActive(ctx context.Context, caller auth.Principal, id string, role Role, active bool) (Participant, error) {
	if !caller.IsAdmin() {
		return Participant{}, ErrUnauthorized
	}
	if !role.Valid() {
		return Participant{}, fmt.Errorf("%w: role %q", ErrInvalidInput, role)
	}
	return s.repo.SetActive(ctx, id, role, active)
}

// IsActive reports whether id is a registered and active participant for role.
func (s *Service) IsActive(ctx context.Context, id string, role Role) (bool, error) {
	if id == "" {
		return false, nil
	}
	p, err := s.repo.Get(ctx, id, role)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return p.Active, nil
}

// List returns up to limit participants of role.
func (s *Service) List(ctx context.Context, role Role, limit int) ([]Participant, error) {
	return s.repo.List(ctx, role, limit)
}

// IsPaused reports the administrative pause flag.
func (s *Service) IsPaused(ctx context.Context) (bool, error) {
	st, err := s.repo.Settings(ctx)
	if err != nil {
		return false, err
	}
	return st.Paused, nil
}

// SetPaused flips the administrative pause flag.
func (s *Service) SetPaused(ctx context.Context, caller auth.Principal, paused bool) (Settings, error) {
	if !caller.IsAdmin() {
		return Settings{}, ErrUnauthorized
	}
	st, err := s.repo.Settings(ctx)
	if err != nil {
		return Settings{}, err
	}
	st.Paused = paused
	return s.repo.SaveSettings(ctx, st)
}

// SetFeeRates stores fee overrides. A nil rate falls back to the default.
func (s *Service) SetFeeRates(ctx context.Context, caller auth.Principal, escrowBps, disputeBps *uint32) (Settings, error) {
	if !caller.IsAdmin() {
		return Settings{}, ErrUnauthorized
	}
	for _, v := range []*uint32{escrowBps, disputeBps} {
		if v != nil && *v > fee.BasisPointsDenominator {
			return Settings{}, fmt.Errorf("%w: fee rate %d exceeds %d bps", ErrInvalidInput, *v, fee.BasisPointsDenominator)
		}
	}
	st, err := s.repo.Settings(ctx)
	if err != nil {
		return Settings{}, err
	}
	st.EscrowFeeBps = escrowBps
	st.DisputeFeeBps = disputeBps
	return s.repo.SaveSettings(ctx, st)
}

// Settings returns the stored control row.
func (s *Service) Settings(ctx context.Context) (Settings, error) {
	return s.repo.Settings(ctx)
}

// EscrowFeeBps is the rate snapshotted into new escrow agreements.
func (s *Service) EscrowFeeBps(ctx context.Context) (uint32, error) {
	st, err := s.repo.Settings(ctx)
	if err != nil {
		return 0, err
	}
	if st.EscrowFeeBps != nil {
		return *st.EscrowFeeBps, nil
	}
	return s.defaults.EscrowFeeBps, nil
}

// DisputeFeeBps is the bookkeeping rate applied when a dispute resolves.
func (s *Service) DisputeFeeBps(ctx context.Context) (uint32, error) {
	st, err := s.repo.Settings(ctx)
	if err != nil {
		return 0, err
	}
	if st.DisputeFeeBps != nil {
		return *st.DisputeFeeBps, nil
	}
	return s.defaults.DisputeFeeBps, nil
}
