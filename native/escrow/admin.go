package escrow

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"valyra/core/events"
)

// SetTreasury changes the account receiving platform fees.
func (e *Engine) SetTreasury(ctx context.Context, owner, treasury common.Address) (err error) {
	defer e.observe("set_treasury", time.Now(), &err)
	if err := ctx.Err(); err != nil {
		return err
	}
	if treasury == (common.Address{}) {
		return validationError("treasury must be set")
	}
	return e.updateGovernance(owner, func(g *Governance) (events.Event, error) {
		prev := g.Treasury
		g.Treasury = treasury
		return TreasuryChangedEvent{Previous: prev, Current: treasury}, nil
	})
}

// SetTransitionPeriod changes the retainer period for holds created from now
// on. Existing holds keep their release time.
func (e *Engine) SetTransitionPeriod(ctx context.Context, owner common.Address, period time.Duration) (err error) {
	defer e.observe("set_transition_period", time.Now(), &err)
	if err := ctx.Err(); err != nil {
		return err
	}
	if period < time.Second {
		return validationError("transition period must be at least one second")
	}
	return e.updateGovernance(owner, func(g *Governance) (events.Event, error) {
		prev := g.TransitionPeriod
		g.TransitionPeriod = period
		return TransitionPeriodChangedEvent{Previous: prev, Current: period}, nil
	})
}

// TransferOwnership hands the administrator role to next.
func (e *Engine) TransferOwnership(ctx context.Context, owner, next common.Address) (err error) {
	defer e.observe("transfer_ownership", time.Now(), &err)
	if err := ctx.Err(); err != nil {
		return err
	}
	if next == (common.Address{}) {
		return validationError("new owner must be set")
	}
	return e.updateGovernance(owner, func(g *Governance) (events.Event, error) {
		prev := g.Owner
		g.Owner = next
		return OwnershipTransferredEvent{Previous: prev, Current: next}, nil
	})
}

// Pause blocks new deposits, offers, deliveries and disputes. Settlement
// paths stay available.
func (e *Engine) Pause(ctx context.Context, owner common.Address) (err error) {
	defer e.observe("pause", time.Now(), &err)
	return e.setPaused(ctx, owner, true)
}

func (e *Engine) Unpause(ctx context.Context, owner common.Address) (err error) {
	defer e.observe("unpause", time.Now(), &err)
	return e.setPaused(ctx, owner, false)
}

func (e *Engine) setPaused(ctx context.Context, owner common.Address, paused bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return e.updateGovernance(owner, func(g *Governance) (events.Event, error) {
		if g.Paused == paused {
			if paused {
				return nil, stateError("already paused")
			}
			return nil, stateError("not paused")
		}
		g.Paused = paused
		return PauseChangedEvent{Account: owner, Paused: paused}, nil
	})
}

// AddResolver grants the dispute resolver role.
func (e *Engine) AddResolver(ctx context.Context, owner, resolver common.Address) (err error) {
	defer e.observe("add_resolver", time.Now(), &err)
	if err := ctx.Err(); err != nil {
		return err
	}
	if resolver == (common.Address{}) {
		return validationError("resolver must be set")
	}
	return e.updateGovernance(owner, func(g *Governance) (events.Event, error) {
		if g.IsResolver(resolver) {
			return nil, stateError("%s is already a resolver", resolver.Hex())
		}
		g.Resolvers = append(g.Resolvers, resolver)
		return ResolverChangedEvent{Account: resolver, Added: true}, nil
	})
}

// RemoveResolver revokes the dispute resolver role.
func (e *Engine) RemoveResolver(ctx context.Context, owner, resolver common.Address) (err error) {
	defer e.observe("remove_resolver", time.Now(), &err)
	if err := ctx.Err(); err != nil {
		return err
	}
	return e.updateGovernance(owner, func(g *Governance) (events.Event, error) {
		kept := g.Resolvers[:0]
		for _, r := range g.Resolvers {
			if r != resolver {
				kept = append(kept, r)
			}
		}
		if len(kept) == len(g.Resolvers) {
			return nil, stateError("%s is not a resolver", resolver.Hex())
		}
		g.Resolvers = kept
		return ResolverChangedEvent{Account: resolver}, nil
	})
}

func (e *Engine) requireOwner(caller common.Address) error {
	e.govMu.RLock()
	defer e.govMu.RUnlock()
	if caller != e.gov.Owner {
		return authError("caller is not the owner")
	}
	return nil
}

// updateGovernance applies mutate to a copy of the governance record, persists
// it and publishes the resulting event. Only the owner may call it.
func (e *Engine) updateGovernance(caller common.Address, mutate func(*Governance) (events.Event, error)) error {
	e.govMu.Lock()
	defer e.govMu.Unlock()
	if caller != e.gov.Owner {
		return authError("caller is not the owner")
	}
	next := e.gov.Clone()
	evt, err := mutate(next)
	if err != nil {
		return err
	}
	if err := e.store.GovernancePut(next); err != nil {
		return fmt.Errorf("escrow: persist governance: %w", err)
	}
	e.gov = next
	if evt != nil {
		e.emit(evt)
	}
	return nil
}
