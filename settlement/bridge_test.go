package settlement

import (
	"context"
	"errors"
	"testing"

	"escrowflow/auth"
	"escrowflow/dispute"
	"escrowflow/escrow"
)

func TestResolution_Mapping(t *testing.T) {
	cases := map[dispute.Outcome]escrow.Resolution{
		dispute.OutcomeFavorClient:     escrow.ResolutionFavorClient,
		dispute.OutcomeFavorFreelancer: escrow.ResolutionFavorFreelancer,
		dispute.OutcomeSplit:           escrow.ResolutionSplit,
	}
	for outcome, want := range cases {
		got, err := Resolution(outcome)
		if err != nil || got != want {
			t.Fatalf("%s: got %q, %v", outcome, got, err)
		}
	}
	if _, err := Resolution(dispute.OutcomeNone); err == nil {
		t.Fatal("expected error for outcome none")
	}
}

func TestBridge_SettleCallsLedgerAsAuthorizer(t *testing.T) {
	ledger := &fakeLedger{}
	bridge := NewBridge(ledger)
	arb := auth.Principal{UserID: "arb-1", Role: auth.RoleArbitrator}

	if err := bridge.Settle(context.Background(), "ag-1", arb, dispute.OutcomeSplit); err != nil {
		t.Fatalf("settle: %v", err)
	}
	if ledger.caller != arb || ledger.id != "ag-1" || ledger.resolution != escrow.ResolutionSplit {
		t.Fatalf("unexpected ledger call: %+v", ledger)
	}
}

func TestBridge_SettleWrapsLedgerError(t *testing.T) {
	ledger := &fakeLedger{err: escrow.ErrInvalidState}
	err := NewBridge(ledger).Settle(context.Background(), "ag-1", auth.Principal{UserID: "x"}, dispute.OutcomeFavorClient)
	if !errors.Is(err, escrow.ErrInvalidState) {
		t.Fatalf("expected wrapped escrow error, got %v", err)
	}
}

func TestBridge_EscrowExists(t *testing.T) {
	ledger := &fakeLedger{known: map[string]bool{"ag-1": true}}
	bridge := NewBridge(ledger)

	if ok, err := bridge.EscrowExists(context.Background(), "ag-1"); err != nil || !ok {
		t.Fatalf("expected existing escrow, got %v %v", ok, err)
	}
	if ok, err := bridge.EscrowExists(context.Background(), "missing"); err != nil || ok {
		t.Fatalf("expected missing escrow, got %v %v", ok, err)
	}
}

type fakeLedger struct {
	known      map[string]bool
	err        error
	caller     auth.Principal
	id         string
	resolution escrow.Resolution
}

func (f *fakeLedger) Get(_ context.Context, id string) (escrow.Agreement, error) {
	if !f.known[id] {
		return escrow.Agreement{}, escrow.ErrNotFound
	}
	return escrow.Agreement{ID: id}, nil
}

func (f *fakeLedger) ResolveDispute(_ context.Context, caller auth.Principal, id string, resolution escrow.Resolution) (escrow.Agreement, error) {
	if f.err != nil {
		return escrow.Agreement{}, f.err
	}
	f.caller, f.id, f.resolution = caller, id, resolution
	return escrow.Agreement{ID: id, State: escrow.StateReleased}, nil
}
