package vault

import (
	"github.com/ethereum/go-ethereum/common"

	"github.com/luxfi/klp/pkg/fixed"
	"github.com/luxfi/klp/pkg/gov"
)

// GetFeeBasisPoints prices a change of usdgDelta in tok's USDG debt.
//
// Without dynamic fees the base fee applies. Otherwise a change that moves the
// debt towards the target weight earns a rebate of up to taxBps, scaled by how
// far from target the debt was, and a change away from it pays up to taxBps on
// top, scaled by the average distance from target.
func (v *Vault) GetFeeBasisPoints(tok common.Address, usdgDelta fixed.Amount, feeBps, taxBps uint64, increment bool) uint64 {
	return v.feeBasisPoints(v.gov.Config(), tok, usdgDelta, feeBps, taxBps, increment)
}

func (v *Vault) feeBasisPoints(cfg *gov.Config, tok common.Address, usdgDelta fixed.Amount, feeBps, taxBps uint64, increment bool) uint64 {
	if !cfg.Vault.HasDynamicFees {
		return feeBps
	}

	initial := v.pools.Get(tok).UsdgAmount
	next := initial.SaturatingSub(usdgDelta)
	if increment {
		next = initial.Add(usdgDelta)
	}

	target := v.targetUsdgAmount(cfg, tok)
	if target.IsZero() {
		return feeBps
	}

	initialDiff := fixed.AbsDiff(initial, target)
	nextDiff := fixed.AbsDiff(next, target)
	tax := fixed.FromUint64(taxBps)

	if nextDiff.Lt(initialDiff) {
		rebate, _ := tax.MulDiv(initialDiff, target).Uint64()
		if rebate > feeBps {
			return 0
		}
		return feeBps - rebate
	}

	avgDiff := fixed.Min(initialDiff.Add(nextDiff).Div(fixed.FromUint64(2)), target)
	extra, _ := tax.MulDiv(avgDiff, target).Uint64()
	return feeBps + extra
}

func (v *Vault) buyUsdgFeeBasisPoints(cfg *gov.Config, tok common.Address, usdgAmount fixed.Amount) uint64 {
	return v.feeBasisPoints(cfg, tok, usdgAmount, cfg.Vault.MintBurnFeeBps, cfg.Vault.TaxBps, true)
}

func (v *Vault) sellUsdgFeeBasisPoints(cfg *gov.Config, tok common.Address, usdgAmount fixed.Amount) uint64 {
	return v.feeBasisPoints(cfg, tok, usdgAmount, cfg.Vault.MintBurnFeeBps, cfg.Vault.TaxBps, false)
}

// swapFeeBasisPoints charges the worse of the two legs. Swaps between stables
// use the stable fee and tax.
func (v *Vault) swapFeeBasisPoints(cfg *gov.Config, in, out common.Address, usdgAmount fixed.Amount) uint64 {
	inCfg, _ := cfg.Token(in)
	outCfg, _ := cfg.Token(out)
	base, tax := cfg.Vault.SwapFeeBps, cfg.Vault.TaxBps
	if inCfg.IsStable && outCfg.IsStable {
		base, tax = cfg.Vault.StableSwapFeeBps, cfg.Vault.StableTaxBps
	}
	fee0 := v.feeBasisPoints(cfg, in, usdgAmount, base, tax, true)
	fee1 := v.feeBasisPoints(cfg, out, usdgAmount, base, tax, false)
	if fee0 > fee1 {
		return fee0
	}
	return fee1
}

// collectSwapFees moves feeBps of amount into the fee reserve and returns the rest.
func (v *Vault) collectSwapFees(q quote, tok common.Address, amount fixed.Amount, feeBps uint64) fixed.Amount {
	after := amount.ApplyBPS(fixed.BasisPointsDivisor - feeBps)
	fee := amount.Sub(after)
	v.addFeeReserve(tok, fee, q.tokenToUsdMin(fee))
	return after
}

func positionFee(cfg *gov.Config, sizeDelta fixed.Amount) fixed.Amount {
	if sizeDelta.IsZero() {
		return fixed.Zero
	}
	return sizeDelta.Sub(sizeDelta.ApplyBPS(fixed.BasisPointsDivisor - cfg.Vault.MarginFeeBps))
}

// collectMarginFees charges the position fee on sizeDelta plus the funding owed
// on size, moves the fee tokens into the reserve and returns the fee in USD.
func (v *Vault) collectMarginFees(cfg *gov.Config, q quote, collateral common.Address, sizeDelta, size, entryFundingRate fixed.Amount) fixed.Amount {
	feeUsd := positionFee(cfg, sizeDelta).Add(v.fundingFee(collateral, size, entryFundingRate))
	v.addFeeReserve(collateral, q.usdToTokenMin(feeUsd), feeUsd)
	return feeUsd
}
