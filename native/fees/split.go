package fees

import (
	"errors"
	"math/big"

	"github.com/holiman/uint256"
)

// BpsDenominator is the number of basis points in 100%.
const BpsDenominator = 10_000

var (
	// ErrBpsOutOfRange is returned when a rate exceeds 100%.
	ErrBpsOutOfRange = errors.New("fees: basis points out of range")
	// ErrNegativeAmount is returned for amounts below zero.
	ErrNegativeAmount = errors.New("fees: negative amount")
)

// Split is the result of dividing a gross amount between the platform and
// the seller. PlatformFee + SellerPayout always equals the gross amount.
type Split struct {
	PlatformFee  *big.Int
	SellerPayout *big.Int
}

// Total returns PlatformFee + SellerPayout.
func (s Split) Total() *big.Int {
	total := new(big.Int)
	if s.PlatformFee != nil {
		total.Add(total, s.PlatformFee)
	}
	if s.SellerPayout != nil {
		total.Add(total, s.SellerPayout)
	}
	return total
}

// ValidateBps ensures a rate lies within [0, 10000].
func ValidateBps(bps uint32) error {
	if bps > BpsDenominator {
		return ErrBpsOutOfRange
	}
	return nil
}

// Portion returns floor(amount * bps / 10000). The truncated remainder stays
// with whoever receives amount - Portion(amount, bps).
func Portion(amount *big.Int, bps uint32) *big.Int {
	if amount == nil || amount.Sign() <= 0 || bps == 0 {
		return big.NewInt(0)
	}
	if bps >= BpsDenominator {
		return new(big.Int).Set(amount)
	}
	out := new(big.Int).Mul(amount, big.NewInt(int64(bps)))
	return out.Quo(out, big.NewInt(BpsDenominator))
}

// CalculateFees converts a gross amount into the platform fee and seller
// payout using the supplied platform rate. It is pure and deterministic.
func CalculateFees(amount *big.Int, platformFeeBps uint32) (Split, error) {
	if err := ValidateBps(platformFeeBps); err != nil {
		return Split{}, err
	}
	gross := big.NewInt(0)
	if amount != nil {
		gross.Set(amount)
	}
	if gross.Sign() < 0 {
		return Split{}, ErrNegativeAmount
	}
	fee := Portion(gross, platformFeeBps)
	return Split{PlatformFee: fee, SellerPayout: new(big.Int).Sub(gross, fee)}, nil
}

// PercentOf returns floor(amount * percent / 100) for percent in [0, 100].
func PercentOf(amount *big.Int, percent uint8) *big.Int {
	if percent > 100 {
		percent = 100
	}
	return Portion(amount, uint32(percent)*100)
}

// FitsUint256 reports whether the amount is non-negative and representable
// as an unsigned 256-bit integer, the width of the settlement token.
func FitsUint256(amount *big.Int) bool {
	if amount == nil || amount.Sign() < 0 {
		return false
	}
	_, overflow := uint256.FromBig(amount)
	return !overflow
}
