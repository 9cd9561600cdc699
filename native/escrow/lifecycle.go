package escrow

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"valyra/core/events"
	"valyra/native/fees"
)

// Deposit opens an escrow against a listing, pulling the full listing price
// from the buyer into custody.
func (e *Engine) Deposit(ctx context.Context, buyer common.Address, listingID uint64, amount *big.Int, method EncryptionMethod) (id uint64, err error) {
	defer e.observe("deposit", time.Now(), &err)
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if err := e.requireActive(); err != nil {
		return 0, err
	}
	if err := validateAmount("amount", amount); err != nil {
		return 0, err
	}
	if !method.Valid() {
		return 0, validationError("unsupported encryption method %d", method)
	}

	unlockListing := e.locks.Lock(listingKey(listingID))
	defer unlockListing()

	listing, err := e.lookupListing(ctx, listingID)
	if err != nil {
		return 0, err
	}
	if amount.Cmp(listing.Price) != 0 {
		return 0, validationError("amount %s does not match listing price %s", amount, listing.Price)
	}
	esc, err := e.openEscrow(buyer, listing, amount, amount, method, 0, nil)
	if err != nil {
		return 0, err
	}
	return esc.ID, nil
}

// openEscrow creates a Funded escrow for listing, collecting deposit from the
// buyer. The caller must hold the listing lock. onCreate runs under the new
// escrow's lock after it is persisted; the events it returns are emitted ahead
// of the creation notifications.
func (e *Engine) openEscrow(buyer common.Address, listing *Listing, price, deposit *big.Int, method EncryptionMethod, offerID uint64, onCreate func(*EscrowTransaction) ([]events.Event, error)) (*EscrowTransaction, error) {
	if buyer == (common.Address{}) {
		return nil, validationError("buyer must be set")
	}
	if buyer == listing.Seller {
		return nil, validationError("seller cannot buy their own listing")
	}
	reservation, ok, err := e.store.ListingReservationGet(listing.ID)
	if err != nil {
		return nil, err
	}
	if ok && !reservation.Available() {
		return nil, validationError("listing %d already used", listing.ID)
	}
	split, err := fees.CalculateFees(price, e.params.PlatformFeeBps)
	if err != nil {
		return nil, validationError("%v", err)
	}
	if err := e.requireFunds(buyer, deposit); err != nil {
		return nil, err
	}

	id, err := e.nextID(CounterEscrow)
	if err != nil {
		return nil, fmt.Errorf("escrow: allocate id: %w", err)
	}
	unlock := e.locks.Lock(escrowKey(id))
	defer unlock()

	now := e.now()
	esc := &EscrowTransaction{
		ID:               id,
		ListingID:        listing.ID,
		OfferID:          offerID,
		Buyer:            buyer,
		Seller:           listing.Seller,
		Amount:           new(big.Int).Set(price),
		PlatformFee:      split.PlatformFee,
		SellerPayout:     split.SellerPayout,
		Deposited:        new(big.Int).Set(deposit),
		FundingComplete:  deposit.Cmp(price) == 0,
		DepositedAt:      now,
		HandoverDeadline: now + seconds(e.params.HandoverWindow),
		State:            StateFunded,
		EncryptionMethod: method,
	}
	if err := e.collect(buyer, deposit); err != nil {
		return nil, err
	}
	if err := e.store.EscrowPut(esc); err != nil {
		return nil, e.compensate(buyer, deposit, fmt.Errorf("escrow: persist escrow: %w", err))
	}
	if err := e.store.ListingReservationPut(&ListingReservation{ListingID: listing.ID, ActiveEscrow: id}); err != nil {
		return nil, fmt.Errorf("escrow: reserve listing: %w", err)
	}
	if onCreate != nil {
		lead, err := onCreate(esc.Clone())
		if err != nil {
			return nil, err
		}
		e.emit(lead...)
	}
	e.transitioned(StateFunded)
	e.emit(
		CreatedEvent{Escrow: esc.Clone()},
		FundsDepositedEvent{
			EscrowID:        id,
			Buyer:           buyer,
			Amount:          new(big.Int).Set(deposit),
			Deposited:       new(big.Int).Set(esc.Deposited),
			FundingComplete: esc.FundingComplete,
		},
	)
	e.logger.Info("escrow created",
		"escrowId", id,
		"listingId", listing.ID,
		"offerId", offerID,
		"amount", price.String(),
		"fundingComplete", esc.FundingComplete,
	)
	return esc, nil
}

// compensate returns funds already pulled into custody after a later step
// failed. The original failure is always returned.
func (e *Engine) compensate(to common.Address, amount *big.Int, cause error) error {
	if err := e.pay(to, amount); err != nil {
		e.logger.Error("escrow compensation failed", "account", to.Hex(), "amount", amount.String(), "error", err)
	}
	return cause
}

// CompleteFunding pulls the outstanding balance for an escrow opened with a
// partial deposit.
func (e *Engine) CompleteFunding(ctx context.Context, buyer common.Address, id uint64) (err error) {
	defer e.observe("complete_funding", time.Now(), &err)
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := e.requireActive(); err != nil {
		return err
	}
	unlock := e.locks.Lock(escrowKey(id))
	defer unlock()

	esc, err := e.loadEscrow(id)
	if err != nil {
		return err
	}
	if buyer != esc.Buyer {
		return authError("only the buyer may complete funding")
	}
	if esc.State != StateFunded {
		return stateError("escrow %d is %s", id, esc.State)
	}
	if esc.FundingComplete {
		return stateError("escrow %d funding already complete", id)
	}
	shortfall := new(big.Int).Sub(esc.Amount, esc.Deposited)
	if err := e.requireFunds(buyer, shortfall); err != nil {
		return err
	}
	if err := e.collect(buyer, shortfall); err != nil {
		return err
	}
	esc.Deposited = new(big.Int).Set(esc.Amount)
	esc.FundingComplete = true
	if err := e.store.EscrowPut(esc); err != nil {
		return e.compensate(buyer, shortfall, fmt.Errorf("escrow: persist escrow: %w", err))
	}
	e.emit(FundingCompletedEvent{
		EscrowID:  id,
		Buyer:     buyer,
		Amount:    shortfall,
		Deposited: new(big.Int).Set(esc.Deposited),
	})
	return nil
}

// UploadCredentialHash records the seller's delivery and opens the buyer's
// verification window.
func (e *Engine) UploadCredentialHash(ctx context.Context, seller common.Address, id uint64, hash common.Hash) (err error) {
	defer e.observe("upload_credentials", time.Now(), &err)
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := e.requireActive(); err != nil {
		return err
	}
	if hash == (common.Hash{}) {
		return validationError("credential hash must be set")
	}
	unlock := e.locks.Lock(escrowKey(id))
	defer unlock()

	esc, err := e.loadEscrow(id)
	if err != nil {
		return err
	}
	if seller != esc.Seller {
		return authError("only the seller may upload credentials")
	}
	if esc.State != StateFunded {
		return stateError("escrow %d is %s", id, esc.State)
	}
	if !esc.FundingComplete {
		return stateError("escrow %d funding incomplete", id)
	}
	now := e.now()
	if now > esc.HandoverDeadline {
		return deadlineError("handover deadline passed at %d", esc.HandoverDeadline)
	}
	esc.CredentialHash = hash
	esc.VerifyDeadline = now + seconds(e.params.VerifyWindow)
	esc.State = StateDelivered
	if err := e.store.EscrowPut(esc); err != nil {
		return fmt.Errorf("escrow: persist escrow: %w", err)
	}
	e.transitioned(StateDelivered)
	e.emit(CredentialsUploadedEvent{
		EscrowID:       id,
		Seller:         seller,
		CredentialHash: hash,
		VerifyDeadline: esc.VerifyDeadline,
	})
	return nil
}

// RequestVerificationExtension extends the verification window once.
func (e *Engine) RequestVerificationExtension(ctx context.Context, buyer common.Address, id uint64) (err error) {
	defer e.observe("extend_verification", time.Now(), &err)
	if err := ctx.Err(); err != nil {
		return err
	}
	unlock := e.locks.Lock(escrowKey(id))
	defer unlock()

	esc, err := e.loadEscrow(id)
	if err != nil {
		return err
	}
	if buyer != esc.Buyer {
		return authError("only the buyer may request an extension")
	}
	if esc.State != StateDelivered {
		return stateError("escrow %d is %s", id, esc.State)
	}
	if esc.VerifyExtensionUsed {
		return stateError("escrow %d verification extension already used", id)
	}
	if e.now() > esc.VerifyDeadline {
		return deadlineError("verify deadline passed at %d", esc.VerifyDeadline)
	}
	esc.VerifyDeadline += seconds(e.params.VerifyExtension)
	esc.VerifyExtensionUsed = true
	if err := e.store.EscrowPut(esc); err != nil {
		return fmt.Errorf("escrow: persist escrow: %w", err)
	}
	e.emit(VerificationExtendedEvent{EscrowID: id, Buyer: buyer, NewDeadline: esc.VerifyDeadline})
	return nil
}

// ConfirmReceipt settles a delivered escrow in the seller's favour.
func (e *Engine) ConfirmReceipt(ctx context.Context, buyer common.Address, id uint64) (err error) {
	defer e.observe("confirm_receipt", time.Now(), &err)
	if err := ctx.Err(); err != nil {
		return err
	}
	unlock := e.locks.Lock(escrowKey(id))
	defer unlock()

	esc, err := e.loadEscrow(id)
	if err != nil {
		return err
	}
	if buyer != esc.Buyer {
		return authError("only the buyer may confirm receipt")
	}
	if esc.State != StateDelivered {
		return stateError("escrow %d is %s", id, esc.State)
	}
	now := e.now()
	release, err := e.settleRelease(esc, now)
	if err != nil {
		return err
	}
	e.emit(ReceiptConfirmedEvent{
		EscrowID:         id,
		Buyer:            buyer,
		ImmediateRelease: release.immediate,
		RetainerAmount:   release.retained,
		Timestamp:        now,
	})
	e.emit(release.events...)
	return nil
}

// ClaimTimeout realises a lapsed deadline. Anyone may call it; the outcome
// depends only on the escrow's state and the clock.
func (e *Engine) ClaimTimeout(ctx context.Context, caller common.Address, id uint64) (state EscrowState, err error) {
	defer e.observe("claim_timeout", time.Now(), &err)
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	unlock := e.locks.Lock(escrowKey(id))
	defer unlock()

	esc, err := e.loadEscrow(id)
	if err != nil {
		return 0, err
	}
	now := e.now()
	switch esc.State {
	case StateFunded:
		if now <= esc.HandoverDeadline {
			return 0, deadlineError("handover deadline %d not reached", esc.HandoverDeadline)
		}
		refund, err := e.settleRefund(esc, now)
		if err != nil {
			return 0, err
		}
		e.emit(
			TimeoutClaimedEvent{EscrowID: id, Caller: caller, NewState: StateRefunded, Timestamp: now},
			RefundedEvent{EscrowID: id, Buyer: esc.Buyer, Amount: refund},
		)
		return StateRefunded, nil
	case StateDelivered:
		if now <= esc.VerifyDeadline {
			return 0, deadlineError("verify deadline %d not reached", esc.VerifyDeadline)
		}
		release, err := e.settleRelease(esc, now)
		if err != nil {
			return 0, err
		}
		e.emit(TimeoutClaimedEvent{EscrowID: id, Caller: caller, NewState: StateReleased, Timestamp: now})
		e.emit(release.events...)
		return StateReleased, nil
	case StateDisputed, StateReleased, StateRefunded, StateSplit, StateEmergencyWithdrawn:
		return 0, stateError("escrow %d is %s", id, esc.State)
	default:
		return 0, stateError("escrow %d has unknown state %d", id, esc.State)
	}
}

type releaseOutcome struct {
	immediate *big.Int
	retained  *big.Int
	events    []events.Event
}

// settleRelease closes esc as Released: the platform fee goes to the treasury,
// the seller payout minus the transition retainer goes to the seller and the
// retainer stays in custody under a new hold. State is committed before any
// payout so a failed transfer can never be replayed into a second release.
func (e *Engine) settleRelease(esc *EscrowTransaction, now int64) (*releaseOutcome, error) {
	gov := e.governance()
	retained := fees.Portion(esc.SellerPayout, e.params.TransitionRetainerBps)
	immediate := new(big.Int).Sub(esc.SellerPayout, retained)

	esc.State = StateReleased
	esc.ClosedAt = now
	out := &releaseOutcome{immediate: immediate, retained: retained}
	if retained.Sign() > 0 {
		hold := &TransitionHold{
			EscrowID:       esc.ID,
			RetainedAmount: retained,
			ReleaseTime:    now + seconds(gov.TransitionPeriod),
		}
		if err := e.store.TransitionHoldPut(hold); err != nil {
			return nil, fmt.Errorf("escrow: persist transition hold: %w", err)
		}
		out.events = append(out.events, TransitionHoldCreatedEvent{
			EscrowID:       esc.ID,
			RetainedAmount: new(big.Int).Set(retained),
			ReleaseTime:    hold.ReleaseTime,
		})
	}
	if err := e.store.EscrowPut(esc); err != nil {
		return nil, fmt.Errorf("escrow: persist escrow: %w", err)
	}
	if err := e.releaseListing(esc, true); err != nil {
		return nil, err
	}
	if err := e.pay(gov.Treasury, esc.PlatformFee); err != nil {
		return nil, err
	}
	if err := e.pay(esc.Seller, immediate); err != nil {
		return nil, err
	}
	e.transitioned(StateReleased)
	e.settled("platform_fee", esc.PlatformFee)
	e.settled("seller_release", immediate)
	out.events = append(out.events, FundsReleasedEvent{
		EscrowID:     esc.ID,
		Seller:       esc.Seller,
		SellerPayout: immediate,
		PlatformFee:  new(big.Int).Set(esc.PlatformFee),
	})
	e.logger.Info("escrow released",
		"escrowId", esc.ID,
		"sellerPayout", immediate.String(),
		"retainer", retained.String(),
		"platformFee", esc.PlatformFee.String(),
	)
	return out, nil
}

// settleRefund closes esc as Refunded and returns everything deposited so far
// to the buyer.
func (e *Engine) settleRefund(esc *EscrowTransaction, now int64) (*big.Int, error) {
	refund := new(big.Int).Set(esc.Deposited)
	esc.State = StateRefunded
	esc.ClosedAt = now
	if err := e.store.EscrowPut(esc); err != nil {
		return nil, fmt.Errorf("escrow: persist escrow: %w", err)
	}
	if err := e.releaseListing(esc, false); err != nil {
		return nil, err
	}
	if err := e.pay(esc.Buyer, refund); err != nil {
		return nil, err
	}
	e.transitioned(StateRefunded)
	e.settled("buyer_refund", refund)
	e.logger.Info("escrow refunded", "escrowId", esc.ID, "amount", refund.String())
	return refund, nil
}

// releaseListing frees or retires the listing held by esc. Sold listings can
// never back another escrow.
func (e *Engine) releaseListing(esc *EscrowTransaction, sold bool) error {
	unlock := e.locks.Lock(listingKey(esc.ListingID))
	defer unlock()
	res, ok, err := e.store.ListingReservationGet(esc.ListingID)
	if err != nil {
		return err
	}
	if !ok {
		res = &ListingReservation{ListingID: esc.ListingID}
	}
	if res.ActiveEscrow == esc.ID {
		res.ActiveEscrow = 0
	}
	if sold {
		res.SoldEscrow = esc.ID
	}
	if err := e.store.ListingReservationPut(res); err != nil {
		return fmt.Errorf("escrow: update listing reservation: %w", err)
	}
	return nil
}

func validateAmount(name string, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return validationError("%s must be positive", name)
	}
	if !fees.FitsUint256(amount) {
		return validationError("%s exceeds 256 bits", name)
	}
	return nil
}
