package escrow

import (
	"context"
	"testing"
	"time"
)

func TestRaiseDispute(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	id := h.deliver()

	requireKind(t, h.engine.RaiseDispute(ctx, stranger, id, DisputeInvalidCredentials, "ipfs://evidence"), ErrAuthorization)
	requireKind(t, h.engine.RaiseDispute(ctx, buyer, id, DisputeInvalidCredentials, "  "), ErrValidation)
	requireKind(t, h.engine.RaiseDispute(ctx, buyer, id, DisputeType(42), "ipfs://evidence"), ErrValidation)

	if err := h.engine.RaiseDispute(ctx, buyer, id, DisputeInvalidCredentials, "ipfs://evidence"); err != nil {
		t.Fatalf("raise: %v", err)
	}
	if got := h.escrow(id).State; got != StateDisputed {
		t.Fatalf("expected disputed, got %s", got)
	}
	dispute, err := h.engine.Dispute(ctx, id)
	if err != nil {
		t.Fatalf("dispute: %v", err)
	}
	if dispute.Initiator != buyer || !dispute.Open() {
		t.Fatalf("unexpected dispute %+v", dispute)
	}
	if dispute.ResponseDeadline != dispute.CreatedAt+int64(DefaultDisputeResponseWindow/time.Second) {
		t.Fatalf("unexpected response deadline %d", dispute.ResponseDeadline)
	}
	requireKind(t, h.engine.RaiseDispute(ctx, seller, id, DisputeOther, "again"), ErrState)

	_, err = h.engine.ClaimTimeout(ctx, seller, id)
	requireKind(t, err, ErrState)
	requireKind(t, h.engine.ConfirmReceipt(ctx, buyer, id), ErrState)
}

func TestRaiseDisputeWhileFunded(t *testing.T) {
	h := newHarness(t)
	id := h.deposit()
	if err := h.engine.RaiseDispute(context.Background(), buyer, id, DisputeDelivery, "seller unresponsive"); err != nil {
		t.Fatalf("raise: %v", err)
	}
}

func TestRespondToDispute(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	id := h.deliver()
	if err := h.engine.RaiseDispute(ctx, buyer, id, DisputeMisrepresentation, "evidence"); err != nil {
		t.Fatalf("raise: %v", err)
	}
	requireKind(t, h.engine.RespondToDispute(ctx, buyer, id, "self reply"), ErrAuthorization)
	if err := h.engine.RespondToDispute(ctx, seller, id, "rebuttal"); err != nil {
		t.Fatalf("respond: %v", err)
	}
	dispute, _ := h.engine.Dispute(ctx, id)
	if dispute.ResponseRef != "rebuttal" {
		t.Fatalf("response not recorded: %+v", dispute)
	}
	requireKind(t, h.engine.RespondToDispute(ctx, seller, id, "again"), ErrState)
}

func TestRespondAfterDeadline(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	id := h.deliver()
	if err := h.engine.RaiseDispute(ctx, seller, id, DisputeOther, "buyer silent"); err != nil {
		t.Fatalf("raise: %v", err)
	}
	h.clock.Advance(DefaultDisputeResponseWindow + time.Second)
	requireKind(t, h.engine.RespondToDispute(ctx, buyer, id, "late"), ErrDeadline)

	if err := h.engine.ResolveDispute(ctx, resolver, id, ResolutionRelease, 0); err != nil {
		t.Fatalf("resolution without a response: %v", err)
	}
}

func TestResolveDisputeSplit(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	id := h.deliver()
	if err := h.engine.RaiseDispute(ctx, buyer, id, DisputeInvalidCredentials, "evidence"); err != nil {
		t.Fatalf("raise: %v", err)
	}

	requireKind(t, h.engine.ResolveDispute(ctx, stranger, id, ResolutionSplit, 40), ErrAuthorization)
	requireKind(t, h.engine.ResolveDispute(ctx, resolver, id, ResolutionSplit, 101), ErrValidation)
	requireKind(t, h.engine.ResolveDispute(ctx, resolver, id, ResolutionRefund, 40), ErrValidation)
	requireKind(t, h.engine.ResolveDispute(ctx, resolver, id, ResolutionUnresolved, 40), ErrValidation)

	if err := h.engine.ResolveDispute(ctx, resolver, id, ResolutionSplit, 40); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	// 400,000 back to the buyer; 600,000 split as 15,000 fee and 585,000 payout.
	if got := h.ledger.balance(t, buyer); got != 4_400_000 {
		t.Fatalf("buyer balance %d", got)
	}
	if got := h.ledger.balance(t, treasury); got != 15_000 {
		t.Fatalf("treasury balance %d", got)
	}
	if got := h.ledger.balance(t, seller); got != 585_000 {
		t.Fatalf("seller balance %d", got)
	}
	if got := h.ledger.balance(t, h.engine.Vault()); got != 0 {
		t.Fatalf("vault not drained: %d", got)
	}
	esc := h.escrow(id)
	if esc.State != StateSplit {
		t.Fatalf("expected split, got %s", esc.State)
	}
	dispute, _ := h.engine.Dispute(ctx, id)
	if dispute.Resolution != ResolutionSplit || dispute.Resolver != resolver || dispute.RefundPercent != 40 {
		t.Fatalf("unexpected dispute %+v", dispute)
	}

	requireKind(t, h.engine.ResolveDispute(ctx, resolver, id, ResolutionSplit, 40), ErrState)
	if _, err := h.engine.TransitionHold(ctx, id); err == nil {
		t.Fatalf("dispute settlement must not create a hold")
	}
}

func TestResolveDisputeOutcomes(t *testing.T) {
	cases := []struct {
		name       string
		resolution DisputeResolution
		percent    uint8
		state      EscrowState
		buyer      int64
		seller     int64
		treasury   int64
	}{
		{"release", ResolutionRelease, 0, StateReleased, 4_000_000, 975_000, 25_000},
		{"refund", ResolutionRefund, 100, StateRefunded, 5_000_000, 0, 0},
		{"split", ResolutionSplit, 50, StateSplit, 4_500_000, 487_500, 12_500},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			h := newHarness(t)
			id := h.deliver()
			if err := h.engine.RaiseDispute(ctx, buyer, id, DisputeOther, "evidence"); err != nil {
				t.Fatalf("raise: %v", err)
			}
			if err := h.engine.ResolveDispute(ctx, resolver, id, tc.resolution, tc.percent); err != nil {
				t.Fatalf("resolve: %v", err)
			}
			if got := h.escrow(id).State; got != tc.state {
				t.Fatalf("state %s, want %s", got, tc.state)
			}
			if got := h.ledger.balance(t, buyer); got != tc.buyer {
				t.Fatalf("buyer %d, want %d", got, tc.buyer)
			}
			if got := h.ledger.balance(t, seller); got != tc.seller {
				t.Fatalf("seller %d, want %d", got, tc.seller)
			}
			if got := h.ledger.balance(t, treasury); got != tc.treasury {
				t.Fatalf("treasury %d, want %d", got, tc.treasury)
			}
			if got := h.events.last(EventTypeDisputeResolved).Attr("newState"); got != tc.state.String() {
				t.Fatalf("event state %q", got)
			}
		})
	}
}

func TestResolveWithoutDispute(t *testing.T) {
	h := newHarness(t)
	id := h.deliver()
	requireKind(t, h.engine.ResolveDispute(context.Background(), resolver, id, ResolutionRelease, 0), ErrState)
}
