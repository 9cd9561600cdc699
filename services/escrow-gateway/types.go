package escrowgateway

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"valyra/native/escrow"
	"valyra/native/fees"
)

// Requests. Amounts travel as base-10 strings so 256-bit values survive
// JavaScript clients.

type DepositRequest struct {
	ListingID        uint64 `json:"listingId"`
	Amount           string `json:"amount"`
	EncryptionMethod string `json:"encryptionMethod"`
}

type CredentialRequest struct {
	CredentialHash string `json:"credentialHash"`
}

type DisputeRequest struct {
	Type     string `json:"type"`
	Evidence string `json:"evidence"`
}

type DisputeResponseRequest struct {
	Response string `json:"response"`
}

type ResolveRequest struct {
	Resolution    string `json:"resolution"`
	RefundPercent uint8  `json:"refundPercent"`
}

type IssueRequest struct {
	Issue string `json:"issue"`
}

type OfferRequest struct {
	ListingID     uint64 `json:"listingId"`
	OfferPrice    string `json:"offerPrice"`
	DepositAmount string `json:"depositAmount"`
}

type AcceptOfferRequest struct {
	EncryptionMethod string `json:"encryptionMethod"`
}

type AddressRequest struct {
	Address string `json:"address"`
}

type PeriodRequest struct {
	Period string `json:"period"`
}

// Views.

type EscrowView struct {
	ID                  uint64 `json:"id"`
	ListingID           uint64 `json:"listingId"`
	OfferID             uint64 `json:"offerId,omitempty"`
	Buyer               string `json:"buyer"`
	Seller              string `json:"seller"`
	Amount              string `json:"amount"`
	PlatformFee         string `json:"platformFee"`
	SellerPayout        string `json:"sellerPayout"`
	Deposited           string `json:"deposited"`
	FundingComplete     bool   `json:"fundingComplete"`
	DepositedAt         int64  `json:"depositedAt"`
	HandoverDeadline    int64  `json:"handoverDeadline"`
	VerifyDeadline      int64  `json:"verifyDeadline,omitempty"`
	CredentialHash      string `json:"credentialHash,omitempty"`
	State               string `json:"state"`
	EncryptionMethod    string `json:"encryptionMethod"`
	VerifyExtensionUsed bool   `json:"verifyExtensionUsed"`
	ClosedAt            int64  `json:"closedAt,omitempty"`
}

func newEscrowView(e *escrow.EscrowTransaction) EscrowView {
	view := EscrowView{
		ID:                  e.ID,
		ListingID:           e.ListingID,
		OfferID:             e.OfferID,
		Buyer:               e.Buyer.Hex(),
		Seller:              e.Seller.Hex(),
		Amount:              decimal(e.Amount),
		PlatformFee:         decimal(e.PlatformFee),
		SellerPayout:        decimal(e.SellerPayout),
		Deposited:           decimal(e.Deposited),
		FundingComplete:     e.FundingComplete,
		DepositedAt:         e.DepositedAt,
		HandoverDeadline:    e.HandoverDeadline,
		VerifyDeadline:      e.VerifyDeadline,
		State:               e.State.String(),
		EncryptionMethod:    e.EncryptionMethod.String(),
		VerifyExtensionUsed: e.VerifyExtensionUsed,
		ClosedAt:            e.ClosedAt,
	}
	if e.CredentialHash != (common.Hash{}) {
		view.CredentialHash = e.CredentialHash.Hex()
	}
	return view
}

type DisputeView struct {
	EscrowID         uint64 `json:"escrowId"`
	Initiator        string `json:"initiator"`
	Type             string `json:"type"`
	Evidence         string `json:"evidence"`
	Response         string `json:"response,omitempty"`
	CreatedAt        int64  `json:"createdAt"`
	ResponseDeadline int64  `json:"responseDeadline"`
	Resolution       string `json:"resolution"`
	Resolver         string `json:"resolver,omitempty"`
	RefundPercent    uint8  `json:"refundPercent"`
	ResolvedAt       int64  `json:"resolvedAt,omitempty"`
}

func newDisputeView(d *escrow.Dispute) DisputeView {
	view := DisputeView{
		EscrowID:         d.EscrowID,
		Initiator:        d.Initiator.Hex(),
		Type:             d.Type.String(),
		Evidence:         d.EvidenceRef,
		Response:         d.ResponseRef,
		CreatedAt:        d.CreatedAt,
		ResponseDeadline: d.ResponseDeadline,
		Resolution:       d.Resolution.String(),
		RefundPercent:    d.RefundPercent,
		ResolvedAt:       d.ResolvedAt,
	}
	if d.Resolver != (common.Address{}) {
		view.Resolver = d.Resolver.Hex()
	}
	return view
}

type HoldView struct {
	EscrowID        uint64 `json:"escrowId"`
	RetainedAmount  string `json:"retainedAmount"`
	ReleaseTime     int64  `json:"releaseTime"`
	Released        bool   `json:"released"`
	Claimed         bool   `json:"claimed"`
	AssistanceNotes string `json:"assistanceNotes,omitempty"`
}

func newHoldView(h *escrow.TransitionHold) HoldView {
	return HoldView{
		EscrowID:        h.EscrowID,
		RetainedAmount:  decimal(h.RetainedAmount),
		ReleaseTime:     h.ReleaseTime,
		Released:        h.Released,
		Claimed:         h.Claimed,
		AssistanceNotes: h.AssistanceNotes,
	}
}

type OfferView struct {
	ID            uint64 `json:"id"`
	ListingID     uint64 `json:"listingId"`
	Buyer         string `json:"buyer"`
	Seller        string `json:"seller"`
	OfferPrice    string `json:"offerPrice"`
	DepositAmount string `json:"depositAmount"`
	Status        string `json:"status"`
	EscrowID      uint64 `json:"escrowId,omitempty"`
	CreatedAt     int64  `json:"createdAt"`
	ClosedAt      int64  `json:"closedAt,omitempty"`
}

func newOfferView(o *escrow.Offer) OfferView {
	return OfferView{
		ID:            o.ID,
		ListingID:     o.ListingID,
		Buyer:         o.Buyer.Hex(),
		Seller:        o.Seller.Hex(),
		OfferPrice:    decimal(o.OfferPrice),
		DepositAmount: decimal(o.DepositAmount),
		Status:        o.Status.String(),
		EscrowID:      o.EscrowID,
		CreatedAt:     o.CreatedAt,
		ClosedAt:      o.ClosedAt,
	}
}

type ParamsView struct {
	PlatformFeeBps        uint32   `json:"platformFeeBps"`
	TransitionRetainerBps uint32   `json:"transitionRetainerBps"`
	HandoverWindow        int64    `json:"handoverWindowSeconds"`
	VerifyWindow          int64    `json:"verifyWindowSeconds"`
	VerifyExtension       int64    `json:"verifyExtensionSeconds"`
	DisputeResponseWindow int64    `json:"disputeResponseWindowSeconds"`
	EmergencyCooldown     int64    `json:"emergencyCooldownSeconds"`
	TransitionPeriod      int64    `json:"transitionPeriodSeconds"`
	Owner                 string   `json:"owner"`
	Treasury              string   `json:"treasury"`
	Resolvers             []string `json:"resolvers"`
	Vault                 string   `json:"vault"`
	Paused                bool     `json:"paused"`
	EmergencyActive       bool     `json:"emergencyActive"`
	EmergencyActivatedAt  int64    `json:"emergencyActivatedAt,omitempty"`
}

func newParamsView(p escrow.Params, g *escrow.Governance, vault common.Address) ParamsView {
	resolvers := make([]string, 0, len(g.Resolvers))
	for _, r := range g.Resolvers {
		resolvers = append(resolvers, r.Hex())
	}
	return ParamsView{
		PlatformFeeBps:        p.PlatformFeeBps,
		TransitionRetainerBps: p.TransitionRetainerBps,
		HandoverWindow:        int64(p.HandoverWindow / time.Second),
		VerifyWindow:          int64(p.VerifyWindow / time.Second),
		VerifyExtension:       int64(p.VerifyExtension / time.Second),
		DisputeResponseWindow: int64(p.DisputeResponseWindow / time.Second),
		EmergencyCooldown:     int64(p.EmergencyCooldown / time.Second),
		TransitionPeriod:      int64(g.TransitionPeriod / time.Second),
		Owner:                 g.Owner.Hex(),
		Treasury:              g.Treasury.Hex(),
		Resolvers:             resolvers,
		Vault:                 vault.Hex(),
		Paused:                g.Paused,
		EmergencyActive:       g.EmergencyActive,
		EmergencyActivatedAt:  g.EmergencyActivated,
	}
}

type FeesView struct {
	Amount       string `json:"amount"`
	PlatformFee  string `json:"platformFee"`
	SellerPayout string `json:"sellerPayout"`
	Retainer     string `json:"retainer"`
}

func newFeesView(amount *big.Int, split fees.Split, retainerBps uint32) FeesView {
	return FeesView{
		Amount:       decimal(amount),
		PlatformFee:  decimal(split.PlatformFee),
		SellerPayout: decimal(split.SellerPayout),
		Retainer:     decimal(fees.Portion(split.SellerPayout, retainerBps)),
	}
}

func decimal(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

// decodeJSON strictly decodes body into out.
func decodeJSON(body []byte, out any) error {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return badRequest(fmt.Sprintf("invalid JSON payload: %v", err))
	}
	return nil
}

func parseAmount(field, raw string) (*big.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, badRequest(field + " is required")
	}
	value, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, badRequest(fmt.Sprintf("%s must be a base-10 integer", field))
	}
	return value, nil
}

func parseAccount(field, raw string) (common.Address, error) {
	trimmed := strings.TrimSpace(raw)
	if !common.IsHexAddress(trimmed) {
		return common.Address{}, badRequest(fmt.Sprintf("%s must be a hex address", field))
	}
	return common.HexToAddress(trimmed), nil
}

func parseHash(field, raw string) (common.Hash, error) {
	decoded, err := hexutil.Decode(strings.TrimSpace(raw))
	if err != nil || len(decoded) != common.HashLength {
		return common.Hash{}, badRequest(fmt.Sprintf("%s must be a 0x-prefixed 32-byte hex string", field))
	}
	return common.BytesToHash(decoded), nil
}

func parseMethod(raw string) (escrow.EncryptionMethod, error) {
	if strings.TrimSpace(raw) == "" {
		return escrow.EncryptionEciesWallet, nil
	}
	return escrow.ParseEncryptionMethod(strings.TrimSpace(raw))
}
