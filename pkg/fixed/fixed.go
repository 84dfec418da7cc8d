// Package fixed provides the unsigned 256-bit fixed-point amount used for every
// token balance, USD value and price in the venue.
//
// Scales are implied by context: token units carry the token's decimals, USD values
// and prices carry PriceDecimals, rates carry FundingRatePrecision and fees are in
// basis points. Arithmetic never wraps; overflow, underflow and division by zero
// panic with an error wrapping ErrArithmetic, which chain.State converts into a
// rolled-back call.
package fixed

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

const (
	PriceDecimals        = 30
	USDGDecimals         = 18
	BasisPointsDivisor   = 10000
	FundingRatePrecision = 1_000_000
)

var (
	ErrArithmetic = errors.New("fixed: arithmetic error")
	ErrOverflow   = fmt.Errorf("%w: overflow", ErrArithmetic)
	ErrUnderflow  = fmt.Errorf("%w: underflow", ErrArithmetic)
	ErrDivByZero  = fmt.Errorf("%w: division by zero", ErrArithmetic)
)

// Amount is a non-negative 256-bit integer with value semantics.
type Amount struct {
	v uint256.Int
}

var (
	Zero           Amount
	One            = FromUint64(1)
	PricePrecision = Pow10(PriceDecimals)
	OneUSD         = PricePrecision
	BPS            = FromUint64(BasisPointsDivisor)
	FundingScale   = FromUint64(FundingRatePrecision)
)

func FromUint64(x uint64) Amount {
	var a Amount
	a.v.SetUint64(x)
	return a
}

// Pow10 returns 10^n. It panics if the result does not fit in 256 bits.
func Pow10(n int) Amount {
	if n < 0 || n > 77 {
		panic(ErrOverflow)
	}
	var a Amount
	a.v.Exp(uint256.NewInt(10), uint256.NewInt(uint64(n)))
	return a
}

// Expand returns x * 10^decimals.
func Expand(x uint64, decimals int) Amount {
	return FromUint64(x).Mul(Pow10(decimals))
}

// USD returns x dollars at price precision.
func USD(x uint64) Amount {
	return Expand(x, PriceDecimals)
}

func FromBig(b *big.Int) (Amount, error) {
	var a Amount
	if b.Sign() < 0 {
		return a, ErrUnderflow
	}
	if a.v.SetFromBig(b) {
		return a, ErrOverflow
	}
	return a, nil
}

func FromUint256(u *uint256.Int) Amount {
	var a Amount
	a.v.Set(u)
	return a
}

// FromDecimalString parses a base-10 integer string.
func FromDecimalString(s string) (Amount, error) {
	var a Amount
	if err := a.v.SetFromDecimal(s); err != nil {
		return a, fmt.Errorf("fixed: parse %q: %w", s, err)
	}
	return a, nil
}

// MustParse is FromDecimalString for constants and tests.
func MustParse(s string) Amount {
	a, err := FromDecimalString(s)
	if err != nil {
		panic(err)
	}
	return a
}

// Parse converts a human-readable decimal such as "592.2" into an integer with
// the given number of decimals. Digits beyond the scale are truncated.
func Parse(s string, decimals int) (Amount, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Zero, fmt.Errorf("fixed: parse %q: %w", s, err)
	}
	if d.IsNegative() {
		return Zero, ErrUnderflow
	}
	return FromBig(d.Shift(int32(decimals)).BigInt())
}

func (a Amount) Add(b Amount) Amount {
	var z Amount
	if _, over := z.v.AddOverflow(&a.v, &b.v); over {
		panic(ErrOverflow)
	}
	return z
}

func (a Amount) Sub(b Amount) Amount {
	var z Amount
	if _, under := z.v.SubOverflow(&a.v, &b.v); under {
		panic(ErrUnderflow)
	}
	return z
}

// SaturatingSub returns a-b, or zero when b > a.
func (a Amount) SaturatingSub(b Amount) Amount {
	if a.Lt(b) {
		return Zero
	}
	return a.Sub(b)
}

func (a Amount) Mul(b Amount) Amount {
	var z Amount
	if _, over := z.v.MulOverflow(&a.v, &b.v); over {
		panic(ErrOverflow)
	}
	return z
}

func (a Amount) Div(b Amount) Amount {
	if b.IsZero() {
		panic(ErrDivByZero)
	}
	var z Amount
	z.v.Div(&a.v, &b.v)
	return z
}

// MulDiv returns a*b/d with a 512-bit intermediate product.
func (a Amount) MulDiv(b, d Amount) Amount {
	if d.IsZero() {
		panic(ErrDivByZero)
	}
	var z Amount
	if _, over := z.v.MulDivOverflow(&a.v, &b.v, &d.v); over {
		panic(ErrOverflow)
	}
	return z
}

// ApplyBPS returns a*bps/10000.
func (a Amount) ApplyBPS(bps uint64) Amount {
	return a.MulDiv(FromUint64(bps), BPS)
}

// AdjustDecimals rescales a from one decimal precision to another.
func (a Amount) AdjustDecimals(from, to int) Amount {
	if from == to {
		return a
	}
	return a.MulDiv(Pow10(to), Pow10(from))
}

func (a Amount) Cmp(b Amount) int  { return a.v.Cmp(&b.v) }
func (a Amount) Lt(b Amount) bool  { return a.v.Lt(&b.v) }
func (a Amount) Gt(b Amount) bool  { return a.v.Gt(&b.v) }
func (a Amount) Lte(b Amount) bool { return !a.v.Gt(&b.v) }
func (a Amount) Gte(b Amount) bool { return !a.v.Lt(&b.v) }
func (a Amount) Eq(b Amount) bool  { return a.v.Eq(&b.v) }
func (a Amount) IsZero() bool      { return a.v.IsZero() }

func Min(a, b Amount) Amount {
	if a.Lt(b) {
		return a
	}
	return b
}

func Max(a, b Amount) Amount {
	if a.Gt(b) {
		return a
	}
	return b
}

// AbsDiff returns |a-b|.
func AbsDiff(a, b Amount) Amount {
	if a.Gt(b) {
		return a.Sub(b)
	}
	return b.Sub(a)
}

// Uint64 returns the low 64 bits and whether the value fit.
func (a Amount) Uint64() (uint64, bool) {
	return a.v.Uint64(), a.v.IsUint64()
}

func (a Amount) Big() *big.Int { return a.v.ToBig() }

func (a Amount) Uint256() *uint256.Int { return a.v.Clone() }

// Bytes32 returns the big-endian 32-byte encoding.
func (a Amount) Bytes32() [32]byte { return a.v.Bytes32() }

// Word returns the 32-bit slot at position slot (0 is least significant).
func (a Amount) Word(slot uint) uint32 {
	var z uint256.Int
	z.Rsh(&a.v, slot*32)
	return uint32(z.Uint64())
}

// Pack places words into consecutive 32-bit slots, the first in the least
// significant one. It panics with ErrOverflow for more than eight words.
func Pack(words ...uint32) Amount {
	if len(words) > 8 {
		panic(ErrOverflow)
	}
	var a Amount
	for i := len(words) - 1; i >= 0; i-- {
		a.v.Lsh(&a.v, 32)
		a.v.Or(&a.v, uint256.NewInt(uint64(words[i])))
	}
	return a
}

func (a Amount) String() string { return a.v.Dec() }

// Decimal renders a with the given number of decimals, e.g. 592.2 for a USD value
// with 30 decimals.
func (a Amount) Decimal(decimals int) decimal.Decimal {
	return decimal.NewFromBigInt(a.Big(), int32(-decimals))
}

func (a Amount) MarshalText() ([]byte, error) {
	return []byte(a.v.Dec()), nil
}

func (a *Amount) UnmarshalText(b []byte) error {
	return a.v.SetFromDecimal(string(b))
}

// Signed is a sign-magnitude value for realised PnL and other quantities that can
// go negative.
type Signed struct {
	Neg bool   `json:"neg"`
	Abs Amount `json:"abs"`
}

func (s Signed) Add(x Amount) Signed {
	if !s.Neg {
		return Signed{Abs: s.Abs.Add(x)}
	}
	if s.Abs.Gt(x) {
		return Signed{Neg: true, Abs: s.Abs.Sub(x)}
	}
	return Signed{Abs: x.Sub(s.Abs)}
}

func (s Signed) Sub(x Amount) Signed {
	if s.Neg {
		return Signed{Neg: true, Abs: s.Abs.Add(x)}
	}
	if s.Abs.Gte(x) {
		return Signed{Abs: s.Abs.Sub(x)}
	}
	return Signed{Neg: true, Abs: x.Sub(s.Abs)}
}

func (s Signed) String() string {
	if s.Neg && !s.Abs.IsZero() {
		return "-" + s.Abs.String()
	}
	return s.Abs.String()
}
