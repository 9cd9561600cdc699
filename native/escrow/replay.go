package escrow

import (
	"fmt"
	"math/big"
	"strconv"

	"github.com/ethereum/go-ethereum/common"

	"valyra/core/types"
)

// Replay folds an ordered notification log back into escrow records. Events
// that carry no escrow state (offers, governance, holds) are skipped. The
// result matches what the engine persisted when the log is complete.
func Replay(log []*types.Event) (map[uint64]*EscrowTransaction, error) {
	out := make(map[uint64]*EscrowTransaction)
	for i, evt := range log {
		if evt == nil {
			continue
		}
		if err := apply(out, evt); err != nil {
			return nil, fmt.Errorf("replay event %d (%s): %w", i, evt.Type, err)
		}
	}
	return out, nil
}

func apply(out map[uint64]*EscrowTransaction, evt *types.Event) error {
	switch evt.Type {
	case EventTypeCreated:
		return applyCreated(out, evt)
	case EventTypeFundsDeposited, EventTypeFundingCompleted, EventTypeCredentialsUploaded,
		EventTypeVerificationExtended, EventTypeReceiptConfirmed, EventTypeTimeoutClaimed,
		EventTypeDisputeRaised, EventTypeDisputeResolved, EventTypeEmergencyWithdrawal:
	default:
		return nil
	}

	id, err := evt.Uint("escrowId")
	if err != nil {
		return fmt.Errorf("escrowId: %w", err)
	}
	esc, ok := out[id]
	if !ok {
		return fmt.Errorf("escrow %d not created", id)
	}
	switch evt.Type {
	case EventTypeFundsDeposited:
		if esc.Deposited, err = attrAmount(evt, "deposited"); err != nil {
			return err
		}
		esc.FundingComplete, err = strconv.ParseBool(evt.Attr("fundingComplete"))
		return err
	case EventTypeFundingCompleted:
		if esc.Deposited, err = attrAmount(evt, "deposited"); err != nil {
			return err
		}
		esc.FundingComplete = true
	case EventTypeCredentialsUploaded:
		esc.CredentialHash = common.HexToHash(evt.Attr("credentialHash"))
		if esc.VerifyDeadline, err = evt.Int("verifyDeadline"); err != nil {
			return err
		}
		esc.State = StateDelivered
	case EventTypeVerificationExtended:
		if esc.VerifyDeadline, err = evt.Int("newDeadline"); err != nil {
			return err
		}
		esc.VerifyExtensionUsed = true
	case EventTypeDisputeRaised:
		esc.State = StateDisputed
	case EventTypeReceiptConfirmed:
		return closeWith(esc, evt, StateReleased)
	case EventTypeEmergencyWithdrawal:
		return closeWith(esc, evt, StateEmergencyWithdrawn)
	case EventTypeTimeoutClaimed, EventTypeDisputeResolved:
		state, err := ParseEscrowState(evt.Attr("newState"))
		if err != nil {
			return err
		}
		return closeWith(esc, evt, state)
	}
	return nil
}

func applyCreated(out map[uint64]*EscrowTransaction, evt *types.Event) error {
	var (
		esc = &EscrowTransaction{State: StateFunded, Deposited: big.NewInt(0)}
		err error
	)
	if esc.ID, err = evt.Uint("escrowId"); err != nil {
		return fmt.Errorf("escrowId: %w", err)
	}
	if _, dup := out[esc.ID]; dup {
		return fmt.Errorf("escrow %d created twice", esc.ID)
	}
	if esc.ListingID, err = evt.Uint("listingId"); err != nil {
		return fmt.Errorf("listingId: %w", err)
	}
	if esc.OfferID, err = evt.Uint("offerId"); err != nil {
		return fmt.Errorf("offerId: %w", err)
	}
	esc.Buyer = common.HexToAddress(evt.Attr("buyer"))
	esc.Seller = common.HexToAddress(evt.Attr("seller"))
	if esc.Amount, err = attrAmount(evt, "amount"); err != nil {
		return err
	}
	if esc.PlatformFee, err = attrAmount(evt, "platformFee"); err != nil {
		return err
	}
	if esc.SellerPayout, err = attrAmount(evt, "sellerPayout"); err != nil {
		return err
	}
	if esc.EncryptionMethod, err = ParseEncryptionMethod(evt.Attr("encryptionMethod")); err != nil {
		return err
	}
	if esc.DepositedAt, err = evt.Int("depositedAt"); err != nil {
		return fmt.Errorf("depositedAt: %w", err)
	}
	if esc.HandoverDeadline, err = evt.Int("handoverDeadline"); err != nil {
		return fmt.Errorf("handoverDeadline: %w", err)
	}
	out[esc.ID] = esc
	return nil
}

func closeWith(esc *EscrowTransaction, evt *types.Event, state EscrowState) error {
	ts, err := evt.Int("timestamp")
	if err != nil {
		return fmt.Errorf("timestamp: %w", err)
	}
	esc.State = state
	esc.ClosedAt = ts
	return nil
}

func attrAmount(evt *types.Event, key string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(evt.Attr(key), 10)
	if !ok {
		return nil, fmt.Errorf("%s: invalid amount %q", key, evt.Attr(key))
	}
	return v, nil
}
