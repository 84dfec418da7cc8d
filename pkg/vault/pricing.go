package vault

import (
	"github.com/ethereum/go-ethereum/common"

	"github.com/luxfi/klp/pkg/fixed"
	"github.com/luxfi/klp/pkg/gov"
)

// quote holds both price bounds of a token for the duration of one call. Prices
// cannot move inside a call, so a quote taken at the start stays valid.
type quote struct {
	min, max fixed.Amount
	decimals int
}

func (v *Vault) quote(cfg *gov.Config, tok common.Address) (quote, error) {
	tc, err := v.tokenConfig(cfg, tok)
	if err != nil {
		return quote{}, err
	}
	max, err := v.prices.GetPrice(tok, true)
	if err != nil {
		return quote{}, err
	}
	min, err := v.prices.GetPrice(tok, false)
	if err != nil {
		return quote{}, err
	}
	return quote{min: min, max: max, decimals: tc.Decimals}, nil
}

func (q quote) tokenToUsdMin(amount fixed.Amount) fixed.Amount {
	if amount.IsZero() {
		return fixed.Zero
	}
	return amount.MulDiv(q.min, fixed.Pow10(q.decimals))
}

func (q quote) tokenToUsdMax(amount fixed.Amount) fixed.Amount {
	if amount.IsZero() {
		return fixed.Zero
	}
	return amount.MulDiv(q.max, fixed.Pow10(q.decimals))
}

// usdToTokenMin converts at the max price, yielding the smaller token amount.
func (q quote) usdToTokenMin(usd fixed.Amount) fixed.Amount {
	if usd.IsZero() {
		return fixed.Zero
	}
	return usd.MulDiv(fixed.Pow10(q.decimals), q.max)
}

// usdToTokenMax converts at the min price, yielding the larger token amount.
func (q quote) usdToTokenMax(usd fixed.Amount) fixed.Amount {
	if usd.IsZero() {
		return fixed.Zero
	}
	return usd.MulDiv(fixed.Pow10(q.decimals), q.min)
}

// adjustForDecimals rescales amount from the decimals of one token to another's.
func adjustForDecimals(amount fixed.Amount, from, to int) fixed.Amount {
	return amount.AdjustDecimals(from, to)
}

func (v *Vault) GetMinPrice(tok common.Address) (fixed.Amount, error) {
	return v.prices.GetPrice(tok, false)
}

func (v *Vault) GetMaxPrice(tok common.Address) (fixed.Amount, error) {
	return v.prices.GetPrice(tok, true)
}

// TokenToUsdMin values amount of tok at its min price.
func (v *Vault) TokenToUsdMin(tok common.Address, amount fixed.Amount) (fixed.Amount, error) {
	q, err := v.quote(v.gov.Config(), tok)
	if err != nil {
		return fixed.Zero, err
	}
	return q.tokenToUsdMin(amount), nil
}

// UsdToTokenMin converts usd to tok at its max price.
func (v *Vault) UsdToTokenMin(tok common.Address, usd fixed.Amount) (fixed.Amount, error) {
	q, err := v.quote(v.gov.Config(), tok)
	if err != nil {
		return fixed.Zero, err
	}
	return q.usdToTokenMin(usd), nil
}

// UsdToTokenMax converts usd to tok at its min price.
func (v *Vault) UsdToTokenMax(tok common.Address, usd fixed.Amount) (fixed.Amount, error) {
	q, err := v.quote(v.gov.Config(), tok)
	if err != nil {
		return fixed.Zero, err
	}
	return q.usdToTokenMax(usd), nil
}

// GetRedemptionAmount is the amount of tok usdgAmount redeems for before fees.
func (v *Vault) GetRedemptionAmount(tok common.Address, usdgAmount fixed.Amount) (fixed.Amount, error) {
	q, err := v.quote(v.gov.Config(), tok)
	if err != nil {
		return fixed.Zero, err
	}
	return redemptionAmount(q, usdgAmount), nil
}

func redemptionAmount(q quote, usdgAmount fixed.Amount) fixed.Amount {
	out := usdgAmount.MulDiv(fixed.PricePrecision, q.max)
	return adjustForDecimals(out, fixed.USDGDecimals, q.decimals)
}
