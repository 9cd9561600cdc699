package escrow

import (
	"context"
	"testing"
	"time"
)

func TestEmergencyWithdrawCooldown(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	id := h.deliver()

	_, err := h.engine.EmergencyWithdraw(ctx, buyer, id)
	requireKind(t, err, ErrState)

	requireKind(t, h.engine.ActivateEmergency(ctx, buyer), ErrAuthorization)
	if err := h.engine.ActivateEmergency(ctx, owner); err != nil {
		t.Fatalf("activate: %v", err)
	}
	requireKind(t, h.engine.ActivateEmergency(ctx, owner), ErrState)

	h.clock.Advance(DefaultEmergencyCooldown - time.Second)
	_, err = h.engine.EmergencyWithdraw(ctx, buyer, id)
	requireKind(t, err, ErrDeadline)

	h.clock.Advance(time.Second)
	_, err = h.engine.EmergencyWithdraw(ctx, stranger, id)
	requireKind(t, err, ErrAuthorization)

	refund, err := h.engine.EmergencyWithdraw(ctx, seller, id)
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if refund.Int64() != listingPrice {
		t.Fatalf("refund %s", refund)
	}
	if got := h.ledger.balance(t, buyer); got != 5_000_000 {
		t.Fatalf("buyer balance %d", got)
	}
	if got := h.escrow(id).State; got != StateEmergencyWithdrawn {
		t.Fatalf("state %s", got)
	}
	_, err = h.engine.EmergencyWithdraw(ctx, buyer, id)
	requireKind(t, err, ErrState)
}

func TestEmergencyWithdrawDisputedEscrow(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	id := h.deliver()
	if err := h.engine.RaiseDispute(ctx, buyer, id, DisputeOther, "stuck"); err != nil {
		t.Fatalf("raise: %v", err)
	}
	if err := h.engine.ActivateEmergency(ctx, owner); err != nil {
		t.Fatalf("activate: %v", err)
	}
	h.clock.Advance(DefaultEmergencyCooldown)
	if _, err := h.engine.EmergencyWithdraw(ctx, buyer, id); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	requireKind(t, h.engine.ResolveDispute(ctx, resolver, id, ResolutionRelease, 0), ErrState)
}

func TestEmergencyWithdrawTerminalEscrow(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	id := releasedEscrow(t, h)
	if err := h.engine.ActivateEmergency(ctx, owner); err != nil {
		t.Fatalf("activate: %v", err)
	}
	h.clock.Advance(DefaultEmergencyCooldown)
	_, err := h.engine.EmergencyWithdraw(ctx, buyer, id)
	requireKind(t, err, ErrState)
}

func TestDeactivateEmergencyClosesWithdrawals(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	id := h.deposit()
	requireKind(t, h.engine.DeactivateEmergency(ctx, owner), ErrState)
	if err := h.engine.ActivateEmergency(ctx, owner); err != nil {
		t.Fatalf("activate: %v", err)
	}
	if err := h.engine.DeactivateEmergency(ctx, owner); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	h.clock.Advance(DefaultEmergencyCooldown)
	_, err := h.engine.EmergencyWithdraw(ctx, buyer, id)
	requireKind(t, err, ErrState)
}
