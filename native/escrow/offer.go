package escrow

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"valyra/core/events"
)

// MakeOffer records a pending buyer proposal against a listing. The deposit
// is pulled only when the seller accepts.
func (e *Engine) MakeOffer(ctx context.Context, buyer common.Address, listingID uint64, offerPrice, depositAmount *big.Int) (id uint64, err error) {
	defer e.observe("make_offer", time.Now(), &err)
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if err := e.requireActive(); err != nil {
		return 0, err
	}
	if buyer == (common.Address{}) {
		return 0, validationError("buyer must be set")
	}
	if err := validateAmount("offer price", offerPrice); err != nil {
		return 0, err
	}
	if err := validateAmount("deposit amount", depositAmount); err != nil {
		return 0, err
	}
	if depositAmount.Cmp(offerPrice) > 0 {
		return 0, validationError("deposit %s exceeds offer price %s", depositAmount, offerPrice)
	}
	listing, err := e.lookupListing(ctx, listingID)
	if err != nil {
		return 0, err
	}
	if buyer == listing.Seller {
		return 0, validationError("seller cannot make an offer on their own listing")
	}
	if res, ok, err := e.store.ListingReservationGet(listingID); err != nil {
		return 0, err
	} else if ok && !res.Available() {
		return 0, validationError("listing %d already used", listingID)
	}

	id, err = e.nextID(CounterOffer)
	if err != nil {
		return 0, fmt.Errorf("escrow: allocate offer id: %w", err)
	}
	unlock := e.locks.Lock(offerKey(id))
	defer unlock()

	offer := &Offer{
		ID:            id,
		ListingID:     listingID,
		Buyer:         buyer,
		Seller:        listing.Seller,
		OfferPrice:    new(big.Int).Set(offerPrice),
		DepositAmount: new(big.Int).Set(depositAmount),
		Status:        OfferPending,
		CreatedAt:     e.now(),
	}
	if err := e.store.OfferPut(offer); err != nil {
		return 0, fmt.Errorf("escrow: persist offer: %w", err)
	}
	e.emit(OfferMadeEvent{Offer: offer.Clone()})
	return id, nil
}

// AcceptOffer closes a pending offer and opens an escrow on its terms in one
// step. Notifications are emitted as offer accepted, escrow created, funds
// deposited.
func (e *Engine) AcceptOffer(ctx context.Context, seller common.Address, offerID uint64, method EncryptionMethod) (escrowID uint64, err error) {
	defer e.observe("accept_offer", time.Now(), &err)
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if err := e.requireActive(); err != nil {
		return 0, err
	}
	unlockOffer := e.locks.Lock(offerKey(offerID))
	defer unlockOffer()

	offer, err := e.loadOffer(offerID)
	if err != nil {
		return 0, err
	}
	if seller != offer.Seller {
		return 0, authError("only the seller may accept an offer")
	}
	if offer.Status != OfferPending {
		return 0, stateError("offer %d is %s", offerID, offer.Status)
	}
	if !method.Valid() {
		return 0, validationError("unsupported encryption method %d", method)
	}

	unlockListing := e.locks.Lock(listingKey(offer.ListingID))
	defer unlockListing()

	listing, err := e.lookupListing(ctx, offer.ListingID)
	if err != nil {
		return 0, err
	}
	if listing.Seller != offer.Seller {
		return 0, validationError("listing %d changed seller since the offer was made", offer.ListingID)
	}
	esc, err := e.openEscrow(offer.Buyer, listing, offer.OfferPrice, offer.DepositAmount, method, offerID,
		func(esc *EscrowTransaction) ([]events.Event, error) {
			offer.Status = OfferAccepted
			offer.EscrowID = esc.ID
			offer.ClosedAt = esc.DepositedAt
			if err := e.store.OfferPut(offer); err != nil {
				return nil, fmt.Errorf("escrow: persist offer: %w", err)
			}
			return []events.Event{OfferAcceptedEvent{
				OfferID:   offerID,
				EscrowID:  esc.ID,
				ListingID: esc.ListingID,
				Seller:    seller,
			}}, nil
		})
	if err != nil {
		return 0, err
	}
	return esc.ID, nil
}

// RejectOffer closes a pending offer on the seller's behalf.
func (e *Engine) RejectOffer(ctx context.Context, seller common.Address, offerID uint64) (err error) {
	defer e.observe("reject_offer", time.Now(), &err)
	return e.closeOffer(ctx, offerID, OfferRejected, func(o *Offer) (events.Event, error) {
		if seller != o.Seller {
			return nil, authError("only the seller may reject an offer")
		}
		return OfferRejectedEvent{OfferID: offerID, Seller: seller}, nil
	})
}

// CancelOffer withdraws a pending offer on the buyer's behalf.
func (e *Engine) CancelOffer(ctx context.Context, buyer common.Address, offerID uint64) (err error) {
	defer e.observe("cancel_offer", time.Now(), &err)
	return e.closeOffer(ctx, offerID, OfferCancelled, func(o *Offer) (events.Event, error) {
		if buyer != o.Buyer {
			return nil, authError("only the buyer may cancel an offer")
		}
		return OfferCancelledEvent{OfferID: offerID, Buyer: buyer}, nil
	})
}

func (e *Engine) closeOffer(ctx context.Context, offerID uint64, status OfferStatus, authorize func(*Offer) (events.Event, error)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	unlock := e.locks.Lock(offerKey(offerID))
	defer unlock()

	offer, err := e.loadOffer(offerID)
	if err != nil {
		return err
	}
	evt, err := authorize(offer)
	if err != nil {
		return err
	}
	if offer.Status != OfferPending {
		return stateError("offer %d is %s", offerID, offer.Status)
	}
	offer.Status = status
	offer.ClosedAt = e.now()
	if err := e.store.OfferPut(offer); err != nil {
		return fmt.Errorf("escrow: persist offer: %w", err)
	}
	e.emit(evt)
	return nil
}
