package fee

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

// BasisPointsDenominator is 100% expressed in basis points.
const BasisPointsDenominator = 10000

var (
	// ErrOutOfRange signals an amount outside the signed 128-bit range.
	ErrOutOfRange = errors.New("fee: amount outside 128-bit range")
	// ErrMalformedAmount signals an amount string that is not a base-10 integer.
	ErrMalformedAmount = errors.New("fee: malformed amount")
)

var (
	maxAmount = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 127), big.NewInt(1))
	minAmount = new(big.Int).Neg(new(big.Int).Lsh(big.NewInt(1), 127))
	denom     = big.NewInt(BasisPointsDenominator)
	two       = big.NewInt(2)
)

// MaxAmount returns the largest representable amount (2^127 - 1).
func MaxAmount() *big.Int { return new(big.Int).Set(maxAmount) }

// InRange reports whether amount fits in a signed 128-bit integer.
func InRange(amount *big.Int) bool {
	if amount == nil {
		return false
	}
	return amount.Cmp(minAmount) >= 0 && amount.Cmp(maxAmount) <= 0
}

// Parse reads a base-10 amount and enforces the 128-bit range.
func Parse(raw string) (*big.Int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, ErrMalformedAmount
	}
	v, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrMalformedAmount, raw)
	}
	if !InRange(v) {
		return nil, ErrOutOfRange
	}
	return v, nil
}

// Compute returns floor(amount * bps / 10000), saturated to [0, amount].
// A non-positive amount yields zero.
func Compute(amount *big.Int, bps uint32) *big.Int {
	if amount == nil || amount.Sign() <= 0 || bps == 0 {
		return new(big.Int)
	}
	out := new(big.Int).Mul(amount, new(big.Int).SetUint64(uint64(bps)))
	out.Quo(out, denom)
	if out.Cmp(amount) > 0 {
		return new(big.Int).Set(amount)
	}
	return out
}

// Net returns amount minus its fee together with the fee itself, so that
// fee + net == amount always holds.
func Net(amount *big.Int, bps uint32) (net, collected *big.Int) {
	collected = Compute(amount, bps)
	net = new(big.Int).Sub(amount, collected)
	return net, collected
}

// Split divides amount into half = amount/2 and rest = amount-half. The odd
// unit, if any, lands in rest.
func Split(amount *big.Int) (half, rest *big.Int) {
	if amount == nil || amount.Sign() <= 0 {
		return new(big.Int), new(big.Int)
	}
	half = new(big.Int).Quo(amount, two)
	rest = new(big.Int).Sub(amount, half)
	return half, rest
}

// Percent renders a basis-point rate as a percentage string, e.g. 250 -> "2.5".
func Percent(bps uint32) string {
	return decimal.New(int64(bps), -2).String()
}
