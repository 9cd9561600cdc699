package escrow

import (
	"math/big"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"valyra/core/types"
)

const (
	EventTypeCreated                 = "escrow.created"
	EventTypeFundsDeposited          = "escrow.funds_deposited"
	EventTypeFundingCompleted        = "escrow.funding_completed"
	EventTypeCredentialsUploaded     = "escrow.credentials_uploaded"
	EventTypeVerificationExtended    = "escrow.verification_extended"
	EventTypeReceiptConfirmed        = "escrow.receipt_confirmed"
	EventTypeFundsReleased           = "escrow.funds_released"
	EventTypeRefunded                = "escrow.refunded"
	EventTypeTimeoutClaimed          = "escrow.timeout_claimed"
	EventTypeDisputeRaised           = "escrow.dispute_raised"
	EventTypeDisputeResponded        = "escrow.dispute_responded"
	EventTypeDisputeResolved         = "escrow.dispute_resolved"
	EventTypeTransitionHoldCreated   = "escrow.transition_hold_created"
	EventTypeTransitionIssueReported = "escrow.transition_issue_reported"
	EventTypeRetainerReleased        = "escrow.transition_retainer_released"
	EventTypeRetainerClaimed         = "escrow.transition_retainer_claimed"
	EventTypeEmergencyActivated      = "escrow.emergency_activated"
	EventTypeEmergencyDeactivated    = "escrow.emergency_deactivated"
	EventTypeEmergencyWithdrawal     = "escrow.emergency_withdrawal"
	EventTypeOfferMade               = "escrow.offer_made"
	EventTypeOfferAccepted           = "escrow.offer_accepted"
	EventTypeOfferRejected           = "escrow.offer_rejected"
	EventTypeOfferCancelled          = "escrow.offer_cancelled"
	EventTypeTreasuryChanged         = "escrow.treasury_changed"
	EventTypeOwnershipTransferred    = "escrow.ownership_transferred"
	EventTypeResolverAdded           = "escrow.resolver_added"
	EventTypeResolverRemoved         = "escrow.resolver_removed"
	EventTypeTransitionPeriodChanged = "escrow.transition_period_changed"
	EventTypePaused                  = "escrow.paused"
	EventTypeUnpaused                = "escrow.unpaused"
)

type CreatedEvent struct {
	Escrow *EscrowTransaction
}

func (CreatedEvent) EventType() string { return EventTypeCreated }

func (e CreatedEvent) Event() *types.Event {
	esc := e.Escrow
	return &types.Event{
		Type: EventTypeCreated,
		Attributes: map[string]string{
			"escrowId":         u64(esc.ID),
			"listingId":        u64(esc.ListingID),
			"offerId":          u64(esc.OfferID),
			"buyer":            esc.Buyer.Hex(),
			"seller":           esc.Seller.Hex(),
			"amount":           amount(esc.Amount),
			"platformFee":      amount(esc.PlatformFee),
			"sellerPayout":     amount(esc.SellerPayout),
			"encryptionMethod": esc.EncryptionMethod.String(),
			"depositedAt":      i64(esc.DepositedAt),
			"handoverDeadline": i64(esc.HandoverDeadline),
		},
	}
}

type FundsDepositedEvent struct {
	EscrowID        uint64
	Buyer           common.Address
	Amount          *big.Int
	Deposited       *big.Int
	FundingComplete bool
}

func (FundsDepositedEvent) EventType() string { return EventTypeFundsDeposited }

func (e FundsDepositedEvent) Event() *types.Event {
	return &types.Event{
		Type: EventTypeFundsDeposited,
		Attributes: map[string]string{
			"escrowId":        u64(e.EscrowID),
			"buyer":           e.Buyer.Hex(),
			"amount":          amount(e.Amount),
			"deposited":       amount(e.Deposited),
			"fundingComplete": strconv.FormatBool(e.FundingComplete),
		},
	}
}

type FundingCompletedEvent struct {
	EscrowID  uint64
	Buyer     common.Address
	Amount    *big.Int
	Deposited *big.Int
}

func (FundingCompletedEvent) EventType() string { return EventTypeFundingCompleted }

func (e FundingCompletedEvent) Event() *types.Event {
	return &types.Event{
		Type: EventTypeFundingCompleted,
		Attributes: map[string]string{
			"escrowId":  u64(e.EscrowID),
			"buyer":     e.Buyer.Hex(),
			"amount":    amount(e.Amount),
			"deposited": amount(e.Deposited),
		},
	}
}

type CredentialsUploadedEvent struct {
	EscrowID       uint64
	Seller         common.Address
	CredentialHash common.Hash
	VerifyDeadline int64
}

func (CredentialsUploadedEvent) EventType() string { return EventTypeCredentialsUploaded }

func (e CredentialsUploadedEvent) Event() *types.Event {
	return &types.Event{
		Type: EventTypeCredentialsUploaded,
		Attributes: map[string]string{
			"escrowId":       u64(e.EscrowID),
			"seller":         e.Seller.Hex(),
			"credentialHash": e.CredentialHash.Hex(),
			"verifyDeadline": i64(e.VerifyDeadline),
		},
	}
}

type VerificationExtendedEvent struct {
	EscrowID    uint64
	Buyer       common.Address
	NewDeadline int64
}

func (VerificationExtendedEvent) EventType() string { return EventTypeVerificationExtended }

func (e VerificationExtendedEvent) Event() *types.Event {
	return &types.Event{
		Type: EventTypeVerificationExtended,
		Attributes: map[string]string{
			"escrowId":    u64(e.EscrowID),
			"buyer":       e.Buyer.Hex(),
			"newDeadline": i64(e.NewDeadline),
		},
	}
}

type ReceiptConfirmedEvent struct {
	EscrowID         uint64
	Buyer            common.Address
	ImmediateRelease *big.Int
	RetainerAmount   *big.Int
	Timestamp        int64
}

func (ReceiptConfirmedEvent) EventType() string { return EventTypeReceiptConfirmed }

func (e ReceiptConfirmedEvent) Event() *types.Event {
	return &types.Event{
		Type: EventTypeReceiptConfirmed,
		Attributes: map[string]string{
			"escrowId":         u64(e.EscrowID),
			"buyer":            e.Buyer.Hex(),
			"immediateRelease": amount(e.ImmediateRelease),
			"retainerAmount":   amount(e.RetainerAmount),
			"timestamp":        i64(e.Timestamp),
		},
	}
}

type FundsReleasedEvent struct {
	EscrowID     uint64
	Seller       common.Address
	SellerPayout *big.Int
	PlatformFee  *big.Int
}

func (FundsReleasedEvent) EventType() string { return EventTypeFundsReleased }

func (e FundsReleasedEvent) Event() *types.Event {
	return &types.Event{
		Type: EventTypeFundsReleased,
		Attributes: map[string]string{
			"escrowId":     u64(e.EscrowID),
			"seller":       e.Seller.Hex(),
			"sellerPayout": amount(e.SellerPayout),
			"platformFee":  amount(e.PlatformFee),
		},
	}
}

type RefundedEvent struct {
	EscrowID uint64
	Buyer    common.Address
	Amount   *big.Int
}

func (RefundedEvent) EventType() string { return EventTypeRefunded }

func (e RefundedEvent) Event() *types.Event {
	return &types.Event{
		Type: EventTypeRefunded,
		Attributes: map[string]string{
			"escrowId": u64(e.EscrowID),
			"buyer":    e.Buyer.Hex(),
			"amount":   amount(e.Amount),
		},
	}
}

type TimeoutClaimedEvent struct {
	EscrowID  uint64
	Caller    common.Address
	NewState  EscrowState
	Timestamp int64
}

func (TimeoutClaimedEvent) EventType() string { return EventTypeTimeoutClaimed }

func (e TimeoutClaimedEvent) Event() *types.Event {
	return &types.Event{
		Type: EventTypeTimeoutClaimed,
		Attributes: map[string]string{
			"escrowId":  u64(e.EscrowID),
			"caller":    e.Caller.Hex(),
			"newState":  e.NewState.String(),
			"timestamp": i64(e.Timestamp),
		},
	}
}

type DisputeRaisedEvent struct {
	EscrowID         uint64
	Initiator        common.Address
	DisputeType      DisputeType
	EvidenceRef      string
	ResponseDeadline int64
	Timestamp        int64
}

func (DisputeRaisedEvent) EventType() string { return EventTypeDisputeRaised }

func (e DisputeRaisedEvent) Event() *types.Event {
	return &types.Event{
		Type: EventTypeDisputeRaised,
		Attributes: map[string]string{
			"escrowId":         u64(e.EscrowID),
			"initiator":        e.Initiator.Hex(),
			"disputeType":      e.DisputeType.String(),
			"evidence":         e.EvidenceRef,
			"responseDeadline": i64(e.ResponseDeadline),
			"timestamp":        i64(e.Timestamp),
		},
	}
}

type DisputeRespondedEvent struct {
	EscrowID  uint64
	Responder common.Address
	Response  string
}

func (DisputeRespondedEvent) EventType() string { return EventTypeDisputeResponded }

func (e DisputeRespondedEvent) Event() *types.Event {
	return &types.Event{
		Type: EventTypeDisputeResponded,
		Attributes: map[string]string{
			"escrowId":  u64(e.EscrowID),
			"responder": e.Responder.Hex(),
			"response":  e.Response,
		},
	}
}

type DisputeResolvedEvent struct {
	EscrowID      uint64
	Resolver      common.Address
	Resolution    DisputeResolution
	RefundPercent uint8
	BuyerRefund   *big.Int
	SellerPayout  *big.Int
	PlatformFee   *big.Int
	NewState      EscrowState
	Timestamp     int64
}

func (DisputeResolvedEvent) EventType() string { return EventTypeDisputeResolved }

func (e DisputeResolvedEvent) Event() *types.Event {
	return &types.Event{
		Type: EventTypeDisputeResolved,
		Attributes: map[string]string{
			"escrowId":      u64(e.EscrowID),
			"resolver":      e.Resolver.Hex(),
			"resolution":    e.Resolution.String(),
			"refundPercent": u64(uint64(e.RefundPercent)),
			"buyerRefund":   amount(e.BuyerRefund),
			"sellerPayout":  amount(e.SellerPayout),
			"platformFee":   amount(e.PlatformFee),
			"newState":      e.NewState.String(),
			"timestamp":     i64(e.Timestamp),
		},
	}
}

type TransitionHoldCreatedEvent struct {
	EscrowID       uint64
	RetainedAmount *big.Int
	ReleaseTime    int64
}

func (TransitionHoldCreatedEvent) EventType() string { return EventTypeTransitionHoldCreated }

func (e TransitionHoldCreatedEvent) Event() *types.Event {
	return &types.Event{
		Type: EventTypeTransitionHoldCreated,
		Attributes: map[string]string{
			"escrowId":       u64(e.EscrowID),
			"retainedAmount": amount(e.RetainedAmount),
			"releaseTime":    i64(e.ReleaseTime),
		},
	}
}

type TransitionIssueReportedEvent struct {
	EscrowID uint64
	Reporter common.Address
	Issue    string
}

func (TransitionIssueReportedEvent) EventType() string { return EventTypeTransitionIssueReported }

func (e TransitionIssueReportedEvent) Event() *types.Event {
	return &types.Event{
		Type: EventTypeTransitionIssueReported,
		Attributes: map[string]string{
			"escrowId": u64(e.EscrowID),
			"reporter": e.Reporter.Hex(),
			"issue":    e.Issue,
		},
	}
}

type RetainerReleasedEvent struct {
	EscrowID uint64
	Admin    common.Address
}

func (RetainerReleasedEvent) EventType() string { return EventTypeRetainerReleased }

func (e RetainerReleasedEvent) Event() *types.Event {
	return &types.Event{
		Type: EventTypeRetainerReleased,
		Attributes: map[string]string{
			"escrowId": u64(e.EscrowID),
			"admin":    e.Admin.Hex(),
		},
	}
}

type RetainerClaimedEvent struct {
	EscrowID uint64
	Seller   common.Address
	Amount   *big.Int
}

func (RetainerClaimedEvent) EventType() string { return EventTypeRetainerClaimed }

func (e RetainerClaimedEvent) Event() *types.Event {
	return &types.Event{
		Type: EventTypeRetainerClaimed,
		Attributes: map[string]string{
			"escrowId": u64(e.EscrowID),
			"seller":   e.Seller.Hex(),
			"amount":   amount(e.Amount),
		},
	}
}

type EmergencyActivatedEvent struct {
	Owner     common.Address
	Timestamp int64
}

func (EmergencyActivatedEvent) EventType() string { return EventTypeEmergencyActivated }

func (e EmergencyActivatedEvent) Event() *types.Event {
	return &types.Event{
		Type: EventTypeEmergencyActivated,
		Attributes: map[string]string{
			"owner":     e.Owner.Hex(),
			"timestamp": i64(e.Timestamp),
		},
	}
}

type EmergencyDeactivatedEvent struct {
	Owner     common.Address
	Timestamp int64
}

func (EmergencyDeactivatedEvent) EventType() string { return EventTypeEmergencyDeactivated }

func (e EmergencyDeactivatedEvent) Event() *types.Event {
	return &types.Event{
		Type: EventTypeEmergencyDeactivated,
		Attributes: map[string]string{
			"owner":     e.Owner.Hex(),
			"timestamp": i64(e.Timestamp),
		},
	}
}

type EmergencyWithdrawalEvent struct {
	EscrowID  uint64
	Claimer   common.Address
	Amount    *big.Int
	Timestamp int64
}

func (EmergencyWithdrawalEvent) EventType() string { return EventTypeEmergencyWithdrawal }

func (e EmergencyWithdrawalEvent) Event() *types.Event {
	return &types.Event{
		Type: EventTypeEmergencyWithdrawal,
		Attributes: map[string]string{
			"escrowId":  u64(e.EscrowID),
			"claimer":   e.Claimer.Hex(),
			"amount":    amount(e.Amount),
			"timestamp": i64(e.Timestamp),
		},
	}
}

type OfferMadeEvent struct {
	Offer *Offer
}

func (OfferMadeEvent) EventType() string { return EventTypeOfferMade }

func (e OfferMadeEvent) Event() *types.Event {
	o := e.Offer
	return &types.Event{
		Type: EventTypeOfferMade,
		Attributes: map[string]string{
			"offerId":       u64(o.ID),
			"listingId":     u64(o.ListingID),
			"buyer":         o.Buyer.Hex(),
			"seller":        o.Seller.Hex(),
			"offerPrice":    amount(o.OfferPrice),
			"depositAmount": amount(o.DepositAmount),
		},
	}
}

type OfferAcceptedEvent struct {
	OfferID   uint64
	EscrowID  uint64
	ListingID uint64
	Seller    common.Address
}

func (OfferAcceptedEvent) EventType() string { return EventTypeOfferAccepted }

func (e OfferAcceptedEvent) Event() *types.Event {
	return &types.Event{
		Type: EventTypeOfferAccepted,
		Attributes: map[string]string{
			"offerId":   u64(e.OfferID),
			"escrowId":  u64(e.EscrowID),
			"listingId": u64(e.ListingID),
			"seller":    e.Seller.Hex(),
		},
	}
}

type OfferRejectedEvent struct {
	OfferID uint64
	Seller  common.Address
}

func (OfferRejectedEvent) EventType() string { return EventTypeOfferRejected }

func (e OfferRejectedEvent) Event() *types.Event {
	return &types.Event{
		Type: EventTypeOfferRejected,
		Attributes: map[string]string{
			"offerId": u64(e.OfferID),
			"seller":  e.Seller.Hex(),
		},
	}
}

type OfferCancelledEvent struct {
	OfferID uint64
	Buyer   common.Address
}

func (OfferCancelledEvent) EventType() string { return EventTypeOfferCancelled }

func (e OfferCancelledEvent) Event() *types.Event {
	return &types.Event{
		Type: EventTypeOfferCancelled,
		Attributes: map[string]string{
			"offerId": u64(e.OfferID),
			"buyer":   e.Buyer.Hex(),
		},
	}
}

type TreasuryChangedEvent struct {
	Previous common.Address
	Current  common.Address
}

func (TreasuryChangedEvent) EventType() string { return EventTypeTreasuryChanged }

func (e TreasuryChangedEvent) Event() *types.Event {
	return &types.Event{
		Type: EventTypeTreasuryChanged,
		Attributes: map[string]string{
			"previous": e.Previous.Hex(),
			"current":  e.Current.Hex(),
		},
	}
}

type OwnershipTransferredEvent struct {
	Previous common.Address
	Current  common.Address
}

func (OwnershipTransferredEvent) EventType() string { return EventTypeOwnershipTransferred }

func (e OwnershipTransferredEvent) Event() *types.Event {
	return &types.Event{
		Type: EventTypeOwnershipTransferred,
		Attributes: map[string]string{
			"previous": e.Previous.Hex(),
			"current":  e.Current.Hex(),
		},
	}
}

// ResolverChangedEvent covers both resolver additions and removals.
type ResolverChangedEvent struct {
	Account common.Address
	Added   bool
}

func (e ResolverChangedEvent) EventType() string {
	if e.Added {
		return EventTypeResolverAdded
	}
	return EventTypeResolverRemoved
}

func (e ResolverChangedEvent) Event() *types.Event {
	return &types.Event{
		Type: e.EventType(),
		Attributes: map[string]string{
			"account": e.Account.Hex(),
		},
	}
}

type TransitionPeriodChangedEvent struct {
	Previous time.Duration
	Current  time.Duration
}

func (TransitionPeriodChangedEvent) EventType() string { return EventTypeTransitionPeriodChanged }

func (e TransitionPeriodChangedEvent) Event() *types.Event {
	return &types.Event{
		Type: EventTypeTransitionPeriodChanged,
		Attributes: map[string]string{
			"previousSeconds": i64(seconds(e.Previous)),
			"currentSeconds":  i64(seconds(e.Current)),
		},
	}
}

// PauseChangedEvent covers pause and unpause.
type PauseChangedEvent struct {
	Account common.Address
	Paused  bool
}

func (e PauseChangedEvent) EventType() string {
	if e.Paused {
		return EventTypePaused
	}
	return EventTypeUnpaused
}

func (e PauseChangedEvent) Event() *types.Event {
	return &types.Event{
		Type: e.EventType(),
		Attributes: map[string]string{
			"account": e.Account.Hex(),
		},
	}
}

func u64(v uint64) string { return strconv.FormatUint(v, 10) }

func i64(v int64) string { return strconv.FormatInt(v, 10) }

func amount(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
