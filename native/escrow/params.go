package escrow

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"valyra/native/fees"
)

const (
	DefaultPlatformFeeBps        = 250
	DefaultTransitionRetainerBps = 1_000
	DefaultHandoverWindow        = 72 * time.Hour
	DefaultVerifyWindow          = 7 * 24 * time.Hour
	DefaultVerifyExtension       = 72 * time.Hour
	DefaultDisputeResponseWindow = 72 * time.Hour
	DefaultEmergencyCooldown     = 7 * 24 * time.Hour
	DefaultTransitionPeriod      = 30 * 24 * time.Hour
)

// Params are fixed when the engine is constructed.
type Params struct {
	PlatformFeeBps        uint32
	TransitionRetainerBps uint32
	HandoverWindow        time.Duration
	VerifyWindow          time.Duration
	VerifyExtension       time.Duration
	DisputeResponseWindow time.Duration
	EmergencyCooldown     time.Duration
}

// DefaultParams returns the production parameter set.
func DefaultParams() Params {
	return Params{
		PlatformFeeBps:        DefaultPlatformFeeBps,
		TransitionRetainerBps: DefaultTransitionRetainerBps,
		HandoverWindow:        DefaultHandoverWindow,
		VerifyWindow:          DefaultVerifyWindow,
		VerifyExtension:       DefaultVerifyExtension,
		DisputeResponseWindow: DefaultDisputeResponseWindow,
		EmergencyCooldown:     DefaultEmergencyCooldown,
	}
}

// Validate ensures the parameters are internally consistent.
func (p Params) Validate() error {
	if err := fees.ValidateBps(p.PlatformFeeBps); err != nil {
		return fmt.Errorf("%w: platform fee: %v", ErrValidation, err)
	}
	if err := fees.ValidateBps(p.TransitionRetainerBps); err != nil {
		return fmt.Errorf("%w: transition retainer: %v", ErrValidation, err)
	}
	windows := []struct {
		name string
		d    time.Duration
	}{
		{"handover window", p.HandoverWindow},
		{"verify window", p.VerifyWindow},
		{"verify extension", p.VerifyExtension},
		{"dispute response window", p.DisputeResponseWindow},
		{"emergency cooldown", p.EmergencyCooldown},
	}
	for _, w := range windows {
		if w.d < time.Second {
			return validationError("%s must be at least one second", w.name)
		}
	}
	if p.VerifyWindow <= p.HandoverWindow {
		return validationError("verify window must exceed handover window")
	}
	return nil
}

// Governance is the administrator-mutable configuration.
type Governance struct {
	Owner              common.Address
	Treasury           common.Address
	Resolvers          []common.Address
	Paused             bool
	EmergencyActive    bool
	EmergencyActivated int64
	TransitionPeriod   time.Duration
}

// Clone returns a copy with an independent resolver slice.
func (g *Governance) Clone() *Governance {
	if g == nil {
		return nil
	}
	clone := *g
	clone.Resolvers = append([]common.Address(nil), g.Resolvers...)
	return &clone
}

// IsResolver reports whether addr is authorised to adjudicate disputes.
func (g *Governance) IsResolver(addr common.Address) bool {
	if g == nil {
		return false
	}
	for _, r := range g.Resolvers {
		if r == addr {
			return true
		}
	}
	return false
}

func (g *Governance) validate() error {
	if g.Owner == (common.Address{}) {
		return validationError("owner must be set")
	}
	if g.Treasury == (common.Address{}) {
		return validationError("treasury must be set")
	}
	if g.TransitionPeriod < time.Second {
		return validationError("transition period must be at least one second")
	}
	return nil
}

func seconds(d time.Duration) int64 {
	return int64(d / time.Second)
}
