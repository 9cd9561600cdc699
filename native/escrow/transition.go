package escrow

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// maxAssistanceNotes caps the accumulated issue notes on one hold.
const maxAssistanceNotes = 16 * MaxReferenceLength

// ReportTransitionIssue appends a note to an escrow's transition hold. It
// surfaces the problem to administrators without moving the release time.
func (e *Engine) ReportTransitionIssue(ctx context.Context, caller common.Address, id uint64, issue string) (err error) {
	defer e.observe("report_transition_issue", time.Now(), &err)
	if err := ctx.Err(); err != nil {
		return err
	}
	issue, err = normaliseReference("issue", issue)
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
		return authError("only the buyer or seller may report transition issues")
	}
	hold, err := e.loadHold(id)
	if err != nil {
		return err
	}
	if hold.Claimed {
		return stateError("transition retainer for escrow %d already claimed", id)
	}
	line := fmt.Sprintf("[%d] %s: %s", e.now(), caller.Hex(), issue)
	notes := line
	if hold.AssistanceNotes != "" {
		notes = hold.AssistanceNotes + "\n" + line
	}
	if len(notes) > maxAssistanceNotes {
		return validationError("assistance notes exceed %d bytes", maxAssistanceNotes)
	}
	hold.AssistanceNotes = notes
	if err := e.store.TransitionHoldPut(hold); err != nil {
		return fmt.Errorf("escrow: persist transition hold: %w", err)
	}
	e.emit(TransitionIssueReportedEvent{EscrowID: id, Reporter: caller, Issue: issue})
	return nil
}

// AdminReleaseRetainer makes a retainer claimable before its release time.
func (e *Engine) AdminReleaseRetainer(ctx context.Context, admin common.Address, id uint64) (err error) {
	defer e.observe("admin_release_retainer", time.Now(), &err)
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := e.requireOwner(admin); err != nil {
		return err
	}
	unlock := e.locks.Lock(escrowKey(id))
	defer unlock()

	hold, err := e.loadHold(id)
	if err != nil {
		return err
	}
	if hold.Claimed {
		return stateError("transition retainer for escrow %d already claimed", id)
	}
	if hold.Released {
		return stateError("transition retainer for escrow %d already released", id)
	}
	hold.Released = true
	if err := e.store.TransitionHoldPut(hold); err != nil {
		return fmt.Errorf("escrow: persist transition hold: %w", err)
	}
	e.emit(RetainerReleasedEvent{EscrowID: id, Admin: admin})
	return nil
}

// ClaimTransitionRetainer pays the retained amount to the seller once the
// release time has passed or an administrator released it early.
func (e *Engine) ClaimTransitionRetainer(ctx context.Context, seller common.Address, id uint64) (paid *big.Int, err error) {
	defer e.observe("claim_transition_retainer", time.Now(), &err)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	unlock := e.locks.Lock(escrowKey(id))
	defer unlock()

	esc, err := e.loadEscrow(id)
	if err != nil {
		return nil, err
	}
	if seller != esc.Seller {
		return nil, authError("only the seller may claim the transition retainer")
	}
	hold, err := e.loadHold(id)
	if err != nil {
		return nil, err
	}
	if hold.Claimed {
		return nil, stateError("transition retainer for escrow %d already claimed", id)
	}
	if !hold.Released && e.now() < hold.ReleaseTime {
		return nil, deadlineError("transition retainer locked until %d", hold.ReleaseTime)
	}
	hold.Released = true
	hold.Claimed = true
	if err := e.store.TransitionHoldPut(hold); err != nil {
		return nil, fmt.Errorf("escrow: persist transition hold: %w", err)
	}
	amount := new(big.Int).Set(hold.RetainedAmount)
	if err := e.pay(esc.Seller, amount); err != nil {
		return nil, err
	}
	e.settled("retainer_claim", amount)
	e.emit(RetainerClaimedEvent{EscrowID: id, Seller: seller, Amount: amount})
	e.logger.Info("transition retainer claimed", "escrowId", id, "amount", amount.String())
	return amount, nil
}

func (e *Engine) loadHold(id uint64) (*TransitionHold, error) {
	hold, ok, err := e.store.TransitionHoldGet(id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, stateError("escrow %d has no transition hold", id)
	}
	return hold, nil
}
