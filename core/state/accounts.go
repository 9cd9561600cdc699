package state

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"valyra/core/types"
)

var (
	ErrInsufficientBalance = errors.New("state: insufficient balance")
	ErrInvalidAmount       = errors.New("state: invalid amount")
)

func accountKey(addr common.Address) []byte {
	return bytesKey(accountPrefix, addr.Bytes())
}

// GetAccount returns the account for addr, or an empty account.
func (m *Manager) GetAccount(addr common.Address) (*types.Account, error) {
	acc := new(types.Account)
	ok, err := m.KVGet(accountKey(addr), acc)
	if err != nil {
		return nil, err
	}
	if !ok || acc.Balance == nil {
		acc.Balance = big.NewInt(0)
	}
	return acc, nil
}

func (m *Manager) putAccount(addr common.Address, acc *types.Account) error {
	return m.KVPut(accountKey(addr), acc)
}

// Balance implements the escrow ledger.
func (m *Manager) Balance(addr common.Address) (*big.Int, error) {
	acc, err := m.GetAccount(addr)
	if err != nil {
		return nil, err
	}
	return acc.Balance, nil
}

// Credit mints amount into addr. Used for genesis allocations.
func (m *Manager) Credit(addr common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return ErrInvalidAmount
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	acc, err := m.GetAccount(addr)
	if err != nil {
		return err
	}
	acc.Balance = new(big.Int).Add(acc.Balance, amount)
	return m.putAccount(addr, acc)
}

// Transfer moves amount from one account to another. Either both balances
// change or neither does.
func (m *Manager) Transfer(from, to common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	if from == to {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	fromAcc, err := m.GetAccount(from)
	if err != nil {
		return err
	}
	toAcc, err := m.GetAccount(to)
	if err != nil {
		return err
	}
	if fromAcc.Balance.Cmp(amount) < 0 {
		return fmt.Errorf("%w: %s has %s, needs %s", ErrInsufficientBalance, from.Hex(), fromAcc.Balance, amount)
	}
	original := fromAcc.Copy()
	fromAcc.Balance = new(big.Int).Sub(fromAcc.Balance, amount)
	fromAcc.Nonce++
	toAcc.Balance = new(big.Int).Add(toAcc.Balance, amount)

	if err := m.putAccount(from, fromAcc); err != nil {
		return err
	}
	if err := m.putAccount(to, toAcc); err != nil {
		if restoreErr := m.putAccount(from, original); restoreErr != nil {
			return errors.Join(err, restoreErr)
		}
		return err
	}
	return nil
}
