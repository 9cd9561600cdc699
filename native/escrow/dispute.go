package escrow

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"valyra/native/fees"
)

// MaxReferenceLength bounds evidence, response and note references.
const MaxReferenceLength = 1024

// RaiseDispute freezes a Funded or Delivered escrow pending arbitration.
func (e *Engine) RaiseDispute(ctx context.Context, caller common.Address, id uint64, kind DisputeType, evidence string) (err error) {
	defer e.observe("raise_dispute", time.Now(), &err)
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := e.requireActive(); err != nil {
		return err
	}
	if !kind.Valid() {
		return validationError("unsupported dispute type %d", kind)
	}
	evidence, err = normaliseReference("evidence", evidence)
	if err != nil {
		return err
	}
	unlock := e.locks.Lock(escrowKey(id))
	defer unlock()

	esc, err := e.loadEscrow(id)
	if err != nil {
		return err
	}
	if !esc.IsParty(caller) {
		return authError("only the buyer or seller may raise a dispute")
	}
	switch esc.State {
	case StateFunded, StateDelivered:
	case StateDisputed:
		return stateError("escrow %d already has an open dispute", id)
	case StateReleased, StateRefunded, StateSplit, StateEmergencyWithdrawn:
		return stateError("escrow %d is %s", id, esc.State)
	default:
		return stateError("escrow %d has unknown state %d", id, esc.State)
	}
	if existing, ok, err := e.store.DisputeGet(id); err != nil {
		return err
	} else if ok && existing.Open() {
		return stateError("escrow %d already has an open dispute", id)
	}

	now := e.now()
	dispute := &Dispute{
		EscrowID:         id,
		Initiator:        caller,
		Type:             kind,
		EvidenceRef:      evidence,
		CreatedAt:        now,
		ResponseDeadline: now + seconds(e.params.DisputeResponseWindow),
		Resolution:       ResolutionUnresolved,
	}
	if err := e.store.DisputePut(dispute); err != nil {
		return fmt.Errorf("escrow: persist dispute: %w", err)
	}
	esc.State = StateDisputed
	if err := e.store.EscrowPut(esc); err != nil {
		return fmt.Errorf("escrow: persist escrow: %w", err)
	}
	e.transitioned(StateDisputed)
	e.emit(DisputeRaisedEvent{
		EscrowID:         id,
		Initiator:        caller,
		DisputeType:      kind,
		EvidenceRef:      evidence,
		ResponseDeadline: dispute.ResponseDeadline,
		Timestamp:        now,
	})
	e.logger.Info("escrow dispute raised", "escrowId", id, "disputeType", kind.String())
	return nil
}

// RespondToDispute lets the counter-party attach a response before the
// response deadline. Only one response is accepted.
func (e *Engine) RespondToDispute(ctx context.Context, caller common.Address, id uint64, response string) (err error) {
	defer e.observe("respond_dispute", time.Now(), &err)
	if err := ctx.Err(); err != nil {
		return err
	}
	response, err = normaliseReference("response", response)
	if err != nil {
		return err
	}
	unlock := e.locks.Lock(escrowKey(id))
	defer unlock()

	esc, err := e.loadEscrow(id)
	if err != nil {
		return err
	}
	dispute, ok, err := e.store.DisputeGet(id)
	if err != nil {
		return err
	}
	if !ok || !dispute.Open() || esc.State != StateDisputed {
		return stateError("escrow %d has no open dispute", id)
	}
	counterParty := esc.Seller
	if dispute.Initiator == esc.Seller {
		counterParty = esc.Buyer
	}
	if caller != counterParty {
		return authError("only the counter-party may respond to a dispute")
	}
	if dispute.ResponseRef != "" {
		return stateError("dispute on escrow %d already has a response", id)
	}
	if e.now() > dispute.ResponseDeadline {
		return deadlineError("response deadline passed at %d", dispute.ResponseDeadline)
	}
	dispute.ResponseRef = response
	if err := e.store.DisputePut(dispute); err != nil {
		return fmt.Errorf("escrow: persist dispute: %w", err)
	}
	e.emit(DisputeRespondedEvent{EscrowID: id, Responder: caller, Response: response})
	return nil
}

// ResolveDispute settles a disputed escrow. refundPercent of the deposited
// amount returns to the buyer; the platform fee is taken from the remainder
// and the rest is paid to the seller. The resolution must agree with the
// percentage: Release is 0, Refund is 100 and Split lies strictly between.
func (e *Engine) ResolveDispute(ctx context.Context, resolver common.Address, id uint64, resolution DisputeResolution, refundPercent uint8) (err error) {
	defer e.observe("resolve_dispute", time.Now(), &err)
	if err := ctx.Err(); err != nil {
		return err
	}
	unlock := e.locks.Lock(escrowKey(id))
	defer unlock()

	esc, err := e.loadEscrow(id)
	if err != nil {
		return err
	}
	gov := e.governance()
	if !gov.IsResolver(resolver) {
		return authError("caller is not a dispute resolver")
	}
	if refundPercent > 100 {
		return validationError("refund percent %d out of range", refundPercent)
	}
	target, err := resolutionTarget(resolution, refundPercent)
	if err != nil {
		return err
	}
	dispute, ok, err := e.store.DisputeGet(id)
	if err != nil {
		return err
	}
	if !ok || !dispute.Open() || esc.State != StateDisputed {
		return stateError("escrow %d has no open dispute", id)
	}

	refund := fees.PercentOf(esc.Deposited, refundPercent)
	remainder := new(big.Int).Sub(esc.Deposited, refund)
	split, err := fees.CalculateFees(remainder, e.params.PlatformFeeBps)
	if err != nil {
		return validationError("%v", err)
	}

	now := e.now()
	dispute.Resolution = resolution
	dispute.Resolver = resolver
	dispute.RefundPercent = refundPercent
	dispute.ResolvedAt = now
	if err := e.store.DisputePut(dispute); err != nil {
		return fmt.Errorf("escrow: persist dispute: %w", err)
	}
	esc.State = target
	esc.ClosedAt = now
	if err := e.store.EscrowPut(esc); err != nil {
		return fmt.Errorf("escrow: persist escrow: %w", err)
	}
	if err := e.releaseListing(esc, target != StateRefunded); err != nil {
		return err
	}
	if err := e.pay(esc.Buyer, refund); err != nil {
		return err
	}
	if err := e.pay(gov.Treasury, split.PlatformFee); err != nil {
		return err
	}
	if err := e.pay(esc.Seller, split.SellerPayout); err != nil {
		return err
	}
	e.transitioned(target)
	e.settled("buyer_refund", refund)
	e.settled("platform_fee", split.PlatformFee)
	e.settled("seller_release", split.SellerPayout)
	e.emit(DisputeResolvedEvent{
		EscrowID:      id,
		Resolver:      resolver,
		Resolution:    resolution,
		RefundPercent: refundPercent,
		BuyerRefund:   refund,
		SellerPayout:  split.SellerPayout,
		PlatformFee:   split.PlatformFee,
		NewState:      target,
		Timestamp:     now,
	})
	e.logger.Info("escrow dispute resolved",
		"escrowId", id,
		"resolution", resolution.String(),
		"refundPercent", refundPercent,
		"buyerRefund", refund.String(),
		"sellerPayout", split.SellerPayout.String(),
	)
	return nil
}

func resolutionTarget(resolution DisputeResolution, refundPercent uint8) (EscrowState, error) {
	target, ok := resolution.terminalState()
	if !ok {
		return 0, validationError("resolution %s cannot close a dispute", resolution)
	}
	switch resolution {
	case ResolutionRelease:
		if refundPercent != 0 {
			return 0, validationError("release requires a zero refund percent")
		}
	case ResolutionRefund:
		if refundPercent != 100 {
			return 0, validationError("refund requires a refund percent of 100")
		}
	case ResolutionSplit:
		if refundPercent == 0 || refundPercent == 100 {
			return 0, validationError("split requires a refund percent between 1 and 99")
		}
	case ResolutionUnresolved:
		return 0, validationError("resolution %s cannot close a dispute", resolution)
	}
	return target, nil
}

func normaliseReference(name, value string) (string, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return "", validationError("%s must be set", name)
	}
	if len(value) > MaxReferenceLength {
		return "", validationError("%s exceeds %d bytes", name, MaxReferenceLength)
	}
	return value, nil
}
