// Package settlement carries resolved dispute outcomes into the escrow ledger.
package settlement

import (
	"context"
	"errors"
	"fmt"

	"escrowflow/auth"
	"escrowflow/dispute"
	"escrowflow/escrow"
)

// Ledger is the part of the escrow service the bridge drives.
type Ledger interface {
	Get(ctx context.Context, id string) (escrow.Agreement, error)
	ResolveDispute(ctx context.Context, caller auth.Principal, id string, resolution escrow.Resolution) (escrow.Agreement, error)
}

type Bridge struct {
	ledger Ledger
}

func NewBridge(ledger Ledger) *Bridge {
	return &Bridge{ledger: ledger}
}

// Settle resolves the referenced escrow as authorizer. It is not idempotent on
// its own; the escrow's disputed-state precondition rejects a replay.
func (b *Bridge) Settle(ctx context.Context, escrowRef string, authorizer auth.Principal, outcome dispute.Outcome) error {
	resolution, err := Resolution(outcome)
	if err != nil {
		return err
	}
	if _, err := b.ledger.ResolveDispute(ctx, authorizer, escrowRef, resolution); err != nil {
		return fmt.Errorf("settlement: resolve escrow %s: %w", escrowRef, err)
	}
	return nil
}

// EscrowExists reports whether ref names a stored agreement.
func (b *Bridge) EscrowExists(ctx context.Context, ref string) (bool, error) {
	if _, err := b.ledger.Get(ctx, ref); err != nil {
		if errors.Is(err, escrow.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Resolution maps a dispute outcome onto the escrow resolution tag.
func Resolution(outcome dispute.Outcome) (escrow.Resolution, error) {
	switch outcome {
	case dispute.OutcomeFavorClient:
		return escrow.ResolutionFavorClient, nil
	case dispute.OutcomeFavorFreelancer:
		return escrow.ResolutionFavorFreelancer, nil
	case dispute.OutcomeSplit:
		return escrow.ResolutionSplit, nil
	default:
		return "", fmt.Errorf("settlement: outcome %q has no escrow resolution", outcome)
	}
}
