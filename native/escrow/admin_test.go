package escrow

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

func TestAdminSettersRequireOwner(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	requireKind(t, h.engine.SetTreasury(ctx, stranger, stranger), ErrAuthorization)
	requireKind(t, h.engine.SetTransitionPeriod(ctx, stranger, time.Hour), ErrAuthorization)
	requireKind(t, h.engine.TransferOwnership(ctx, stranger, stranger), ErrAuthorization)
	requireKind(t, h.engine.Pause(ctx, stranger), ErrAuthorization)
	requireKind(t, h.engine.AddResolver(ctx, stranger, stranger), ErrAuthorization)
	requireKind(t, h.engine.RemoveResolver(ctx, stranger, resolver), ErrAuthorization)
	if len(h.events.kinds()) != 0 {
		t.Fatalf("rejected admin calls emitted events")
	}
}

func TestSetTreasuryRedirectsFees(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	requireKind(t, h.engine.SetTreasury(ctx, owner, common.Address{}), ErrValidation)
	if err := h.engine.SetTreasury(ctx, owner, stranger); err != nil {
		t.Fatalf("set treasury: %v", err)
	}
	evt := h.events.last(EventTypeTreasuryChanged)
	if evt == nil || evt.Attr("current") != stranger.Hex() || evt.Attr("previous") != treasury.Hex() {
		t.Fatalf("unexpected event %+v", evt)
	}
	id := h.deliver()
	if err := h.engine.ConfirmReceipt(ctx, buyer, id); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if got := h.ledger.balance(t, stranger); got != 25_000 {
		t.Fatalf("new treasury got %d", got)
	}
	if h.state.gov.Treasury != stranger {
		t.Fatalf("governance not persisted")
	}
}

func TestTransferOwnership(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	if err := h.engine.TransferOwnership(ctx, owner, stranger); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	requireKind(t, h.engine.Pause(ctx, owner), ErrAuthorization)
	if err := h.engine.Pause(ctx, stranger); err != nil {
		t.Fatalf("pause by new owner: %v", err)
	}
}

func TestPauseUnpause(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	if err := h.engine.Pause(ctx, owner); err != nil {
		t.Fatalf("pause: %v", err)
	}
	requireKind(t, h.engine.Pause(ctx, owner), ErrState)
	if !h.engine.IsPaused(ModuleName) || h.engine.IsPaused("other") {
		t.Fatalf("unexpected pause view")
	}
	_, err := h.engine.MakeOffer(ctx, buyer, listingID, big.NewInt(10), big.NewInt(10))
	requireKind(t, err, ErrPaused)

	if err := h.engine.Unpause(ctx, owner); err != nil {
		t.Fatalf("unpause: %v", err)
	}
	requireKind(t, h.engine.Unpause(ctx, owner), ErrState)
	if _, err := h.engine.MakeOffer(ctx, buyer, listingID, big.NewInt(10), big.NewInt(10)); err != nil {
		t.Fatalf("offer after unpause: %v", err)
	}
}

func TestResolverManagement(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	requireKind(t, h.engine.AddResolver(ctx, owner, resolver), ErrState)
	if err := h.engine.AddResolver(ctx, owner, stranger); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := h.engine.RemoveResolver(ctx, owner, resolver); err != nil {
		t.Fatalf("remove: %v", err)
	}
	requireKind(t, h.engine.RemoveResolver(ctx, owner, resolver), ErrState)

	id := h.deliver()
	if err := h.engine.RaiseDispute(ctx, buyer, id, DisputeOther, "evidence"); err != nil {
		t.Fatalf("raise: %v", err)
	}
	requireKind(t, h.engine.ResolveDispute(ctx, resolver, id, ResolutionRefund, 100), ErrAuthorization)
	if err := h.engine.ResolveDispute(ctx, stranger, id, ResolutionRefund, 100); err != nil {
		t.Fatalf("resolve by new resolver: %v", err)
	}
}
