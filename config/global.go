package config

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"valyra/native/escrow"
)

// Balance is a parsed genesis allocation.
type Balance struct {
	Address common.Address
	Amount  *big.Int
}

// EscrowParams converts the escrow section into engine parameters.
func (c *Config) EscrowParams() escrow.Params {
	e := c.Escrow
	return escrow.Params{
		PlatformFeeBps:        e.PlatformFeeBps,
		TransitionRetainerBps: e.TransitionRetainerBps,
		HandoverWindow:        e.HandoverWindow.Duration,
		VerifyWindow:          e.VerifyWindow.Duration,
		VerifyExtension:       e.VerifyExtension.Duration,
		DisputeResponseWindow: e.DisputeResponseWindow.Duration,
		EmergencyCooldown:     e.EmergencyCooldown.Duration,
	}
}

// EscrowGovernance converts the escrow section into the genesis governance
// snapshot.
func (c *Config) EscrowGovernance() (escrow.Governance, error) {
	owner, err := parseAddress("escrow.Owner", c.Escrow.Owner)
	if err != nil {
		return escrow.Governance{}, err
	}
	treasury, err := parseAddress("escrow.Treasury", c.Escrow.Treasury)
	if err != nil {
		return escrow.Governance{}, err
	}
	resolvers := make([]common.Address, 0, len(c.Escrow.Resolvers))
	for i, raw := range c.Escrow.Resolvers {
		addr, err := parseAddress(fmt.Sprintf("escrow.Resolvers[%d]", i), raw)
		if err != nil {
			return escrow.Governance{}, err
		}
		resolvers = append(resolvers, addr)
	}
	return escrow.Governance{
		Owner:            owner,
		Treasury:         treasury,
		Resolvers:        resolvers,
		TransitionPeriod: c.Escrow.TransitionPeriod.Duration,
	}, nil
}

// EscrowVault returns the configured vault account, or the engine default.
func (c *Config) EscrowVault() (common.Address, error) {
	if strings.TrimSpace(c.Escrow.Vault) == "" {
		return escrow.DefaultVault, nil
	}
	return parseAddress("escrow.Vault", c.Escrow.Vault)
}

// GenesisBalances parses the genesis allocations.
func (c *Config) GenesisBalances() ([]Balance, error) {
	out := make([]Balance, 0, len(c.Genesis))
	seen := make(map[common.Address]struct{}, len(c.Genesis))
	for i, alloc := range c.Genesis {
		field := fmt.Sprintf("genesis[%d]", i)
		addr, err := parseAddress(field+".Address", alloc.Address)
		if err != nil {
			return nil, err
		}
		if _, dup := seen[addr]; dup {
			return nil, fmt.Errorf("%s: duplicate allocation for %s", field, addr.Hex())
		}
		seen[addr] = struct{}{}
		amount, err := parseUintAmount(alloc.Balance)
		if err != nil {
			return nil, fmt.Errorf("invalid %s.Balance: %w", field, err)
		}
		out = append(out, Balance{Address: addr, Amount: amount})
	}
	return out, nil
}

func parseAddress(field, raw string) (common.Address, error) {
	trimmed := strings.TrimSpace(raw)
	if !common.IsHexAddress(trimmed) {
		return common.Address{}, fmt.Errorf("invalid %s: %q is not a hex address", field, raw)
	}
	addr := common.HexToAddress(trimmed)
	if addr == (common.Address{}) {
		return common.Address{}, fmt.Errorf("invalid %s: zero address", field)
	}
	return addr, nil
}

func parseUintAmount(raw string) (*big.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return big.NewInt(0), nil
	}
	value, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("invalid integer amount %q", raw)
	}
	if value.Sign() < 0 {
		return nil, fmt.Errorf("amount must be non-negative")
	}
	return value, nil
}
