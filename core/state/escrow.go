package state

import (
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"valyra/native/escrow"
)

type storedEscrow struct {
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
	DepositedAt         uint64
	HandoverDeadline    uint64
	VerifyDeadline      uint64
	CredentialHash      common.Hash
	State               uint8
	EncryptionMethod    uint8
	VerifyExtensionUsed bool
	ClosedAt            uint64
}

func newStoredEscrow(e *escrow.EscrowTransaction) *storedEscrow {
	return &storedEscrow{
		ID:                  e.ID,
		ListingID:           e.ListingID,
		OfferID:             e.OfferID,
		Buyer:               e.Buyer,
		Seller:              e.Seller,
		Amount:              nonNil(e.Amount),
		PlatformFee:         nonNil(e.PlatformFee),
		SellerPayout:        nonNil(e.SellerPayout),
		Deposited:           nonNil(e.Deposited),
		FundingComplete:     e.FundingComplete,
		DepositedAt:         uint64(e.DepositedAt),
		HandoverDeadline:    uint64(e.HandoverDeadline),
		VerifyDeadline:      uint64(e.VerifyDeadline),
		CredentialHash:      e.CredentialHash,
		State:               uint8(e.State),
		EncryptionMethod:    uint8(e.EncryptionMethod),
		VerifyExtensionUsed: e.VerifyExtensionUsed,
		ClosedAt:            uint64(e.ClosedAt),
	}
}

func (s *storedEscrow) toEscrow() (*escrow.EscrowTransaction, error) {
	state := escrow.EscrowState(s.State)
	if !state.Valid() {
		return nil, fmt.Errorf("state: escrow %d has invalid state %d", s.ID, s.State)
	}
	method := escrow.EncryptionMethod(s.EncryptionMethod)
	if !method.Valid() {
		return nil, fmt.Errorf("state: escrow %d has invalid encryption method %d", s.ID, s.EncryptionMethod)
	}
	return &escrow.EscrowTransaction{
		ID:                  s.ID,
		ListingID:           s.ListingID,
		OfferID:             s.OfferID,
		Buyer:               s.Buyer,
		Seller:              s.Seller,
		Amount:              nonNil(s.Amount),
		PlatformFee:         nonNil(s.PlatformFee),
		SellerPayout:        nonNil(s.SellerPayout),
		Deposited:           nonNil(s.Deposited),
		FundingComplete:     s.FundingComplete,
		DepositedAt:         int64(s.DepositedAt),
		HandoverDeadline:    int64(s.HandoverDeadline),
		VerifyDeadline:      int64(s.VerifyDeadline),
		CredentialHash:      s.CredentialHash,
		State:               state,
		EncryptionMethod:    method,
		VerifyExtensionUsed: s.VerifyExtensionUsed,
		ClosedAt:            int64(s.ClosedAt),
	}, nil
}

type storedDispute struct {
	EscrowID         uint64
	Initiator        common.Address
	Type             uint8
	EvidenceRef      string
	ResponseRef      string
	CreatedAt        uint64
	ResponseDeadline uint64
	Resolution       uint8
	Resolver         common.Address
	RefundPercent    uint8
	ResolvedAt       uint64
}

type storedHold struct {
	EscrowID        uint64
	RetainedAmount  *big.Int
	ReleaseTime     uint64
	Released        bool
	Claimed         bool
	AssistanceNotes string
}

type storedOffer struct {
	ID            uint64
	ListingID     uint64
	Buyer         common.Address
	Seller        common.Address
	OfferPrice    *big.Int
	DepositAmount *big.Int
	Status        uint8
	EscrowID      uint64
	CreatedAt     uint64
	ClosedAt      uint64
}

type storedGovernance struct {
	Owner              common.Address
	Treasury           common.Address
	Resolvers          []common.Address
	Paused             bool
	EmergencyActive    bool
	EmergencyActivated uint64
	TransitionPeriod   uint64
}

func (m *Manager) EscrowPut(e *escrow.EscrowTransaction) error {
	if e == nil {
		return fmt.Errorf("state: nil escrow")
	}
	if !e.State.Valid() {
		return fmt.Errorf("state: escrow %d has invalid state", e.ID)
	}
	return m.KVPut(idKey(escrowPrefix, e.ID), newStoredEscrow(e))
}

func (m *Manager) EscrowGet(id uint64) (*escrow.EscrowTransaction, bool, error) {
	stored := new(storedEscrow)
	ok, err := m.KVGet(idKey(escrowPrefix, id), stored)
	if err != nil || !ok {
		return nil, false, err
	}
	esc, err := stored.toEscrow()
	if err != nil {
		return nil, false, err
	}
	return esc, true, nil
}

func (m *Manager) DisputePut(d *escrow.Dispute) error {
	if d == nil {
		return fmt.Errorf("state: nil dispute")
	}
	return m.KVPut(idKey(disputePrefix, d.EscrowID), &storedDispute{
		EscrowID:         d.EscrowID,
		Initiator:        d.Initiator,
		Type:             uint8(d.Type),
		EvidenceRef:      d.EvidenceRef,
		ResponseRef:      d.ResponseRef,
		CreatedAt:        uint64(d.CreatedAt),
		ResponseDeadline: uint64(d.ResponseDeadline),
		Resolution:       uint8(d.Resolution),
		Resolver:         d.Resolver,
		RefundPercent:    d.RefundPercent,
		ResolvedAt:       uint64(d.ResolvedAt),
	})
}

func (m *Manager) DisputeGet(escrowID uint64) (*escrow.Dispute, bool, error) {
	stored := new(storedDispute)
	ok, err := m.KVGet(idKey(disputePrefix, escrowID), stored)
	if err != nil || !ok {
		return nil, false, err
	}
	kind := escrow.DisputeType(stored.Type)
	resolution := escrow.DisputeResolution(stored.Resolution)
	if !kind.Valid() || !resolution.Valid() {
		return nil, false, fmt.Errorf("state: dispute %d is corrupt", escrowID)
	}
	return &escrow.Dispute{
		EscrowID:         stored.EscrowID,
		Initiator:        stored.Initiator,
		Type:             kind,
		EvidenceRef:      stored.EvidenceRef,
		ResponseRef:      stored.ResponseRef,
		CreatedAt:        int64(stored.CreatedAt),
		ResponseDeadline: int64(stored.ResponseDeadline),
		Resolution:       resolution,
		Resolver:         stored.Resolver,
		RefundPercent:    stored.RefundPercent,
		ResolvedAt:       int64(stored.ResolvedAt),
	}, true, nil
}

func (m *Manager) TransitionHoldPut(h *escrow.TransitionHold) error {
	if h == nil {
		return fmt.Errorf("state: nil transition hold")
	}
	return m.KVPut(idKey(holdPrefix, h.EscrowID), &storedHold{
		EscrowID:        h.EscrowID,
		RetainedAmount:  nonNil(h.RetainedAmount),
		ReleaseTime:     uint64(h.ReleaseTime),
		Released:        h.Released,
		Claimed:         h.Claimed,
		AssistanceNotes: h.AssistanceNotes,
	})
}

func (m *Manager) TransitionHoldGet(escrowID uint64) (*escrow.TransitionHold, bool, error) {
	stored := new(storedHold)
	ok, err := m.KVGet(idKey(holdPrefix, escrowID), stored)
	if err != nil || !ok {
		return nil, false, err
	}
	return &escrow.TransitionHold{
		EscrowID:        stored.EscrowID,
		RetainedAmount:  nonNil(stored.RetainedAmount),
		ReleaseTime:     int64(stored.ReleaseTime),
		Released:        stored.Released,
		Claimed:         stored.Claimed,
		AssistanceNotes: stored.AssistanceNotes,
	}, true, nil
}

func (m *Manager) OfferPut(o *escrow.Offer) error {
	if o == nil {
		return fmt.Errorf("state: nil offer")
	}
	if !o.Status.Valid() {
		return fmt.Errorf("state: offer %d has invalid status", o.ID)
	}
	return m.KVPut(idKey(offerPrefix, o.ID), &storedOffer{
		ID:            o.ID,
		ListingID:     o.ListingID,
		Buyer:         o.Buyer,
		Seller:        o.Seller,
		OfferPrice:    nonNil(o.OfferPrice),
		DepositAmount: nonNil(o.DepositAmount),
		Status:        uint8(o.Status),
		EscrowID:      o.EscrowID,
		CreatedAt:     uint64(o.CreatedAt),
		ClosedAt:      uint64(o.ClosedAt),
	})
}

func (m *Manager) OfferGet(id uint64) (*escrow.Offer, bool, error) {
	stored := new(storedOffer)
	ok, err := m.KVGet(idKey(offerPrefix, id), stored)
	if err != nil || !ok {
		return nil, false, err
	}
	status := escrow.OfferStatus(stored.Status)
	if !status.Valid() {
		return nil, false, fmt.Errorf("state: offer %d has invalid status %d", id, stored.Status)
	}
	return &escrow.Offer{
		ID:            stored.ID,
		ListingID:     stored.ListingID,
		Buyer:         stored.Buyer,
		Seller:        stored.Seller,
		OfferPrice:    nonNil(stored.OfferPrice),
		DepositAmount: nonNil(stored.DepositAmount),
		Status:        status,
		EscrowID:      stored.EscrowID,
		CreatedAt:     int64(stored.CreatedAt),
		ClosedAt:      int64(stored.ClosedAt),
	}, true, nil
}

func (m *Manager) ListingReservationPut(r *escrow.ListingReservation) error {
	if r == nil {
		return fmt.Errorf("state: nil listing reservation")
	}
	clone := *r
	return m.KVPut(idKey(reservationPrefix, r.ListingID), &clone)
}

func (m *Manager) ListingReservationGet(listingID uint64) (*escrow.ListingReservation, bool, error) {
	res := new(escrow.ListingReservation)
	ok, err := m.KVGet(idKey(reservationPrefix, listingID), res)
	if err != nil || !ok {
		return nil, false, err
	}
	return res, true, nil
}

func (m *Manager) GovernancePut(g *escrow.Governance) error {
	if g == nil {
		return fmt.Errorf("state: nil governance")
	}
	return m.KVPut(governanceKey, &storedGovernance{
		Owner:              g.Owner,
		Treasury:           g.Treasury,
		Resolvers:          append([]common.Address(nil), g.Resolvers...),
		Paused:             g.Paused,
		EmergencyActive:    g.EmergencyActive,
		EmergencyActivated: uint64(g.EmergencyActivated),
		TransitionPeriod:   uint64(g.TransitionPeriod / time.Second),
	})
}

func (m *Manager) GovernanceGet() (*escrow.Governance, bool, error) {
	stored := new(storedGovernance)
	ok, err := m.KVGet(governanceKey, stored)
	if err != nil || !ok {
		return nil, false, err
	}
	return &escrow.Governance{
		Owner:              stored.Owner,
		Treasury:           stored.Treasury,
		Resolvers:          stored.Resolvers,
		Paused:             stored.Paused,
		EmergencyActive:    stored.EmergencyActive,
		EmergencyActivated: int64(stored.EmergencyActivated),
		TransitionPeriod:   time.Duration(stored.TransitionPeriod) * time.Second,
	}, true, nil
}

func nonNil(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

var (
	_ escrow.Store  = (*Manager)(nil)
	_ escrow.Ledger = (*Manager)(nil)
)
