package escrow

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"valyra/core/events"
)

// ActivateEmergency turns on the emergency flag. Withdrawals open once the
// cooldown has elapsed.
func (e *Engine) ActivateEmergency(ctx context.Context, owner common.Address) (err error) {
	defer e.observe("activate_emergency", time.Now(), &err)
	if err := ctx.Err(); err != nil {
		return err
	}
	return e.updateGovernance(owner, func(g *Governance) (events.Event, error) {
		if g.EmergencyActive {
			return nil, stateError("emergency already active")
		}
		now := e.now()
		g.EmergencyActive = true
		g.EmergencyActivated = now
		e.logger.Warn("escrow emergency activated", "owner", owner.Hex())
		if e.metrics != nil {
			e.metrics.SetEmergency(true)
		}
		return EmergencyActivatedEvent{Owner: owner, Timestamp: now}, nil
	})
}

// DeactivateEmergency turns the emergency flag off.
func (e *Engine) DeactivateEmergency(ctx context.Context, owner common.Address) (err error) {
	defer e.observe("deactivate_emergency", time.Now(), &err)
	if err := ctx.Err(); err != nil {
		return err
	}
	return e.updateGovernance(owner, func(g *Governance) (events.Event, error) {
		if !g.EmergencyActive {
			return nil, stateError("emergency not active")
		}
		g.EmergencyActive = false
		g.EmergencyActivated = 0
		e.logger.Warn("escrow emergency deactivated", "owner", owner.Hex())
		if e.metrics != nil {
			e.metrics.SetEmergency(false)
		}
		return EmergencyDeactivatedEvent{Owner: owner, Timestamp: e.now()}, nil
	})
}

// EmergencyWithdraw returns everything deposited into a non-terminal escrow to
// its buyer, bypassing the normal transition rules. Either party may call it
// once the emergency cooldown has elapsed.
func (e *Engine) EmergencyWithdraw(ctx context.Context, caller common.Address, id uint64) (refund *big.Int, err error) {
	defer e.observe("emergency_withdraw", time.Now(), &err)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	unlock := e.locks.Lock(escrowKey(id))
	defer unlock()

	esc, err := e.loadEscrow(id)
	if err != nil {
		return nil, err
	}
	if !esc.IsParty(caller) {
		return nil, authError("only the buyer or seller may withdraw")
	}
	gov := e.governance()
	if !gov.EmergencyActive {
		return nil, stateError("emergency not active")
	}
	now := e.now()
	if opens := gov.EmergencyActivated + seconds(e.params.EmergencyCooldown); now < opens {
		return nil, deadlineError("emergency withdrawals open at %d", opens)
	}
	if esc.State.Terminal() {
		return nil, stateError("escrow %d is %s", id, esc.State)
	}

	refund = new(big.Int).Set(esc.Deposited)
	esc.State = StateEmergencyWithdrawn
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
	e.transitioned(StateEmergencyWithdrawn)
	e.settled("emergency_refund", refund)
	e.emit(EmergencyWithdrawalEvent{EscrowID: id, Claimer: caller, Amount: new(big.Int).Set(refund), Timestamp: now})
	e.logger.Warn("escrow emergency withdrawal", "escrowId", id, "amount", refund.String())
	return refund, nil
}
