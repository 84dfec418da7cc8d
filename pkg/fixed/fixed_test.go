package fixed

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestArithmetic(t *testing.T) {
	a := FromUint64(600)
	b := FromUint64(7)

	assert.Equal(t, "607", a.Add(b).String())
	assert.Equal(t, "593", a.Sub(b).String())
	assert.Equal(t, "4200", a.Mul(b).String())
	assert.Equal(t, "85", a.Div(b).String())
	assert.Equal(t, "598", a.ApplyBPS(9970).String())
	assert.True(t, b.SaturatingSub(a).IsZero())
}

func TestArithmeticPanics(t *testing.T) {
	max := MustParse("115792089237316195423570985008687907853269984665640564039457584007913129639935")

	assert.PanicsWithError(t, ErrOverflow.Error(), func() { max.Add(One) })
	assert.PanicsWithError(t, ErrUnderflow.Error(), func() { Zero.Sub(One) })
	assert.PanicsWithError(t, ErrOverflow.Error(), func() { max.Mul(FromUint64(2)) })
	assert.PanicsWithError(t, ErrDivByZero.Error(), func() { One.Div(Zero) })
	assert.PanicsWithError(t, ErrDivByZero.Error(), func() { One.MulDiv(One, Zero) })
}

func TestMulDivWideIntermediate(t *testing.T) {
	// 1e40 * 1e40 overflows 256 bits only in the intermediate product.
	x := Pow10(40)
	got := x.MulDiv(Pow10(40), Pow10(50))
	assert.Equal(t, Pow10(30), got)
}

func TestParseAndDecimal(t *testing.T) {
	v, err := Parse("592.2", PriceDecimals)
	require.NoError(t, err)
	assert.Equal(t, "592200000000000000000000000000000", v.String())
	assert.Equal(t, "592.2", v.Decimal(PriceDecimals).String())

	_, err = Parse("-1", 18)
	assert.ErrorIs(t, err, ErrArithmetic)

	_, err = Parse("abc", 18)
	assert.Error(t, err)
}

func TestAdjustDecimals(t *testing.T) {
	assert.Equal(t, Expand(1, 18), Expand(1, 8).AdjustDecimals(8, 18))
	assert.Equal(t, Expand(1, 8), Expand(1, 18).AdjustDecimals(18, 8))
}

func TestWord(t *testing.T) {
	// two 32-bit slots: 123 in slot 0, 4567 in slot 1
	packed := FromUint64(4567<<32 | 123)
	assert.Equal(t, uint32(123), packed.Word(0))
	assert.Equal(t, uint32(4567), packed.Word(1))
	assert.Equal(t, uint32(0), packed.Word(2))

	assert.Equal(t, packed, Pack(123, 4567))

	full := Pack(1, 2, 3, 4, 5, 6, 7, 4294967295)
	for i := uint(0); i < 7; i++ {
		assert.Equal(t, uint32(i+1), full.Word(i))
	}
	assert.Equal(t, uint32(4294967295), full.Word(7))
	assert.Panics(t, func() { Pack(1, 2, 3, 4, 5, 6, 7, 8, 9) })
}

func TestSigned(t *testing.T) {
	var s Signed
	s = s.Sub(FromUint64(10))
	assert.Equal(t, "-10", s.String())
	s = s.Add(FromUint64(4))
	assert.Equal(t, "-6", s.String())
	s = s.Add(FromUint64(10))
	assert.Equal(t, "4", s.String())
	assert.False(t, s.Neg)
}

func TestTextRoundTrip(t *testing.T) {
	v := USD(300)
	b, err := v.MarshalText()
	require.NoError(t, err)

	var back Amount
	require.NoError(t, back.UnmarshalText(b))
	assert.True(t, v.Eq(back))
}
