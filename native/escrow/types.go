package escrow

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// EscrowState is the lifecycle state of an escrow transaction.
type EscrowState uint8

const (
	StateFunded EscrowState = iota + 1
	StateDelivered
	StateDisputed
	StateReleased
	StateRefunded
	StateSplit
	StateEmergencyWithdrawn
)

// Valid reports whether the state value is within the supported range.
func (s EscrowState) Valid() bool {
	switch s {
	case StateFunded, StateDelivered, StateDisputed, StateReleased, StateRefunded, StateSplit, StateEmergencyWithdrawn:
		return true
	default:
		return false
	}
}

// Terminal reports whether no further transition is possible.
func (s EscrowState) Terminal() bool {
	switch s {
	case StateReleased, StateRefunded, StateSplit, StateEmergencyWithdrawn:
		return true
	case StateFunded, StateDelivered, StateDisputed:
		return false
	default:
		return false
	}
}

func (s EscrowState) String() string {
	switch s {
	case StateFunded:
		return "funded"
	case StateDelivered:
		return "delivered"
	case StateDisputed:
		return "disputed"
	case StateReleased:
		return "released"
	case StateRefunded:
		return "refunded"
	case StateSplit:
		return "split"
	case StateEmergencyWithdrawn:
		return "emergency_withdrawn"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// ParseEscrowState is the inverse of EscrowState.String.
func ParseEscrowState(v string) (EscrowState, error) {
	for s := StateFunded; s <= StateEmergencyWithdrawn; s++ {
		if s.String() == v {
			return s, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown escrow state %q", ErrValidation, v)
}

// EncryptionMethod tags how the seller encrypted the delivered credentials.
type EncryptionMethod uint8

const (
	EncryptionEciesWallet EncryptionMethod = iota
	EncryptionEphemeralKeypair
)

func (m EncryptionMethod) Valid() bool {
	switch m {
	case EncryptionEciesWallet, EncryptionEphemeralKeypair:
		return true
	default:
		return false
	}
}

func (m EncryptionMethod) String() string {
	switch m {
	case EncryptionEciesWallet:
		return "ecies_wallet"
	case EncryptionEphemeralKeypair:
		return "ephemeral_keypair"
	default:
		return fmt.Sprintf("encryption(%d)", uint8(m))
	}
}

// ParseEncryptionMethod is the inverse of EncryptionMethod.String.
func ParseEncryptionMethod(v string) (EncryptionMethod, error) {
	switch v {
	case "ecies_wallet":
		return EncryptionEciesWallet, nil
	case "ephemeral_keypair":
		return EncryptionEphemeralKeypair, nil
	default:
		return 0, fmt.Errorf("%w: unknown encryption method %q", ErrValidation, v)
	}
}

// DisputeType classifies the grievance behind a dispute.
type DisputeType uint8

const (
	DisputeDelivery DisputeType = iota
	DisputeInvalidCredentials
	DisputeMisrepresentation
	DisputeOther
)

func (t DisputeType) Valid() bool {
	switch t {
	case DisputeDelivery, DisputeInvalidCredentials, DisputeMisrepresentation, DisputeOther:
		return true
	default:
		return false
	}
}

func (t DisputeType) String() string {
	switch t {
	case DisputeDelivery:
		return "delivery"
	case DisputeInvalidCredentials:
		return "invalid_credentials"
	case DisputeMisrepresentation:
		return "misrepresentation"
	case DisputeOther:
		return "other"
	default:
		return fmt.Sprintf("dispute(%d)", uint8(t))
	}
}

// ParseDisputeType is the inverse of DisputeType.String.
func ParseDisputeType(v string) (DisputeType, error) {
	for t := DisputeDelivery; t <= DisputeOther; t++ {
		if t.String() == v {
			return t, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown dispute type %q", ErrValidation, v)
}

// DisputeResolution is the adjudicated outcome of a dispute.
type DisputeResolution uint8

const (
	ResolutionUnresolved DisputeResolution = iota
	ResolutionRelease
	ResolutionRefund
	ResolutionSplit
)

func (r DisputeResolution) Valid() bool {
	switch r {
	case ResolutionUnresolved, ResolutionRelease, ResolutionRefund, ResolutionSplit:
		return true
	default:
		return false
	}
}

func (r DisputeResolution) String() string {
	switch r {
	case ResolutionUnresolved:
		return "unresolved"
	case ResolutionRelease:
		return "release"
	case ResolutionRefund:
		return "refund"
	case ResolutionSplit:
		return "split"
	default:
		return fmt.Sprintf("resolution(%d)", uint8(r))
	}
}

// ParseDisputeResolution is the inverse of DisputeResolution.String.
func ParseDisputeResolution(v string) (DisputeResolution, error) {
	for r := ResolutionUnresolved; r <= ResolutionSplit; r++ {
		if r.String() == v {
			return r, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown resolution %q", ErrValidation, v)
}

// terminalState maps a resolution onto the escrow state it produces.
func (r DisputeResolution) terminalState() (EscrowState, bool) {
	switch r {
	case ResolutionRelease:
		return StateReleased, true
	case ResolutionRefund:
		return StateRefunded, true
	case ResolutionSplit:
		return StateSplit, true
	case ResolutionUnresolved:
		return 0, false
	default:
		return 0, false
	}
}

// OfferStatus is the lifecycle state of a pre-escrow offer.
type OfferStatus uint8

const (
	OfferPending OfferStatus = iota + 1
	OfferAccepted
	OfferRejected
	OfferCancelled
)

func (s OfferStatus) Valid() bool {
	switch s {
	case OfferPending, OfferAccepted, OfferRejected, OfferCancelled:
		return true
	default:
		return false
	}
}

func (s OfferStatus) String() string {
	switch s {
	case OfferPending:
		return "pending"
	case OfferAccepted:
		return "accepted"
	case OfferRejected:
		return "rejected"
	case OfferCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("offer(%d)", uint8(s))
	}
}

// EscrowTransaction is the custodial record for a single sale. Timestamps are
// unix seconds.
type EscrowTransaction struct {
	ID                  uint64
	ListingID           uint64
	OfferID             uint64
	Buyer               common.Address
	Seller              common.Address
	Amount              *big.Int
	PlatformFee         *big.Int
	SellerPayout        *big.Int
	Deposited           *big.Int
	FundingComplete     bool
	DepositedAt         int64
	HandoverDeadline    int64
	VerifyDeadline      int64
	CredentialHash      common.Hash
	State               EscrowState
	EncryptionMethod    EncryptionMethod
	VerifyExtensionUsed bool
	ClosedAt            int64
}

// Clone returns a deep copy so callers can mutate it safely.
func (e *EscrowTransaction) Clone() *EscrowTransaction {
	if e == nil {
		return nil
	}
	clone := *e
	clone.Amount = cloneBigInt(e.Amount)
	clone.PlatformFee = cloneBigInt(e.PlatformFee)
	clone.SellerPayout = cloneBigInt(e.SellerPayout)
	clone.Deposited = cloneBigInt(e.Deposited)
	return &clone
}

// IsParty reports whether addr is the buyer or the seller.
func (e *EscrowTransaction) IsParty(addr common.Address) bool {
	return e != nil && (addr == e.Buyer || addr == e.Seller)
}

// Dispute is the arbitration sub-record attached to an escrow.
type Dispute struct {
	EscrowID         uint64
	Initiator        common.Address
	Type             DisputeType
	EvidenceRef      string
	ResponseRef      string
	CreatedAt        int64
	ResponseDeadline int64
	Resolution       DisputeResolution
	Resolver         common.Address
	RefundPercent    uint8
	ResolvedAt       int64
}

// Open reports whether the dispute still awaits resolution.
func (d *Dispute) Open() bool {
	return d != nil && d.Resolution == ResolutionUnresolved
}

// Clone returns a copy of the dispute.
func (d *Dispute) Clone() *Dispute {
	if d == nil {
		return nil
	}
	clone := *d
	return &clone
}

// TransitionHold is the post-release retainer withheld from the seller.
type TransitionHold struct {
	EscrowID        uint64
	RetainedAmount  *big.Int
	ReleaseTime     int64
	Released        bool
	Claimed         bool
	AssistanceNotes string
}

// Clone returns a deep copy of the hold.
func (h *TransitionHold) Clone() *TransitionHold {
	if h == nil {
		return nil
	}
	clone := *h
	clone.RetainedAmount = cloneBigInt(h.RetainedAmount)
	return &clone
}

// Offer is a buyer proposal made against a listing before any escrow exists.
type Offer struct {
	ID            uint64
	ListingID     uint64
	Buyer         common.Address
	Seller        common.Address
	OfferPrice    *big.Int
	DepositAmount *big.Int
	Status        OfferStatus
	EscrowID      uint64
	CreatedAt     int64
	ClosedAt      int64
}

// Clone returns a deep copy of the offer.
func (o *Offer) Clone() *Offer {
	if o == nil {
		return nil
	}
	clone := *o
	clone.OfferPrice = cloneBigInt(o.OfferPrice)
	clone.DepositAmount = cloneBigInt(o.DepositAmount)
	return &clone
}

// ListingReservation tracks which escrow currently holds a listing and
// whether the listing has been sold.
type ListingReservation struct {
	ListingID    uint64
	ActiveEscrow uint64
	SoldEscrow   uint64
}

// Available reports whether a new escrow may be opened on the listing.
func (r *ListingReservation) Available() bool {
	return r == nil || (r.ActiveEscrow == 0 && r.SoldEscrow == 0)
}

// Listing is the catalog view of an item for sale.
type Listing struct {
	ID     uint64
	Seller common.Address
	Price  *big.Int
	Active bool
}

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}
