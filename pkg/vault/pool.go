package vault

import (
	"github.com/ethereum/go-ethereum/common"

	"github.com/luxfi/klp/pkg/errs"
	"github.com/luxfi/klp/pkg/fixed"
	"github.com/luxfi/klp/pkg/gov"
)

// PoolChange is emitted whenever a pool balance moves.
type PoolChange struct {
	Token    common.Address `json:"token"`
	Field    string         `json:"field"`
	Increase bool           `json:"increase"`
	Amount   fixed.Amount   `json:"amount"`
}

func (v *Vault) updatePool(tok common.Address, field string, increase bool, amount fixed.Amount, fn func(*PoolState) error) error {
	p := v.pools.Get(tok)
	if err := fn(&p); err != nil {
		return err
	}
	v.pools.Set(tok, p)
	v.state.Emit(TopicPool, PoolChange{Token: tok, Field: field, Increase: increase, Amount: amount})
	return nil
}

func (v *Vault) increasePoolAmount(tok common.Address, amount fixed.Amount) error {
	return v.updatePool(tok, "pool", true, amount, func(p *PoolState) error {
		p.PoolAmount = p.PoolAmount.Add(amount)
		if p.PoolAmount.Gt(v.ledger.BalanceOf(tok, v.self)) {
			return v.gov.Err(errs.VaultInvalidIncrease)
		}
		return nil
	})
}

func (v *Vault) decreasePoolAmount(tok common.Address, amount fixed.Amount) error {
	return v.updatePool(tok, "pool", false, amount, func(p *PoolState) error {
		if p.PoolAmount.Lt(amount) {
			return v.gov.Err(errs.VaultPoolAmountExceeded)
		}
		p.PoolAmount = p.PoolAmount.Sub(amount)
		if p.ReservedAmount.Gt(p.PoolAmount) {
			return v.gov.Err(errs.VaultReserveExceedsPool)
		}
		return nil
	})
}

func (v *Vault) validateBufferAmount(cfg *gov.Config, tok common.Address) error {
	tc, _ := cfg.Token(tok)
	if v.pools.Get(tok).PoolAmount.Lt(tc.BufferAmount) {
		return v.gov.Err(errs.VaultPoolBelowBuffer)
	}
	return nil
}

func (v *Vault) increaseUsdgAmount(cfg *gov.Config, tok common.Address, amount fixed.Amount) error {
	return v.updatePool(tok, "usdg", true, amount, func(p *PoolState) error {
		p.UsdgAmount = p.UsdgAmount.Add(amount)
		if tc, _ := cfg.Token(tok); !tc.MaxUsdgAmount.IsZero() && p.UsdgAmount.Gt(tc.MaxUsdgAmount) {
			return v.gov.Err(errs.VaultMaxUsdgExceeded)
		}
		return nil
	})
}

// decreaseUsdgAmount floors at zero: USDG minted against one asset may be
// redeemed against another.
func (v *Vault) decreaseUsdgAmount(tok common.Address, amount fixed.Amount) error {
	return v.updatePool(tok, "usdg", false, amount, func(p *PoolState) error {
		p.UsdgAmount = p.UsdgAmount.SaturatingSub(amount)
		return nil
	})
}

func (v *Vault) increaseReservedAmount(tok common.Address, amount fixed.Amount) error {
	return v.updatePool(tok, "reserved", true, amount, func(p *PoolState) error {
		p.ReservedAmount = p.ReservedAmount.Add(amount)
		if p.ReservedAmount.Gt(p.PoolAmount) {
			return v.gov.Err(errs.VaultMaxUtilisationExceeded)
		}
		return nil
	})
}

func (v *Vault) decreaseReservedAmount(tok common.Address, amount fixed.Amount) error {
	return v.updatePool(tok, "reserved", false, amount, func(p *PoolState) error {
		if p.ReservedAmount.Lt(amount) {
			return v.gov.Err(errs.VaultInsufficientReserve)
		}
		p.ReservedAmount = p.ReservedAmount.Sub(amount)
		return nil
	})
}

func (v *Vault) increaseGuaranteedUsd(tok common.Address, usd fixed.Amount) error {
	return v.updatePool(tok, "guaranteed", true, usd, func(p *PoolState) error {
		p.GuaranteedUsd = p.GuaranteedUsd.Add(usd)
		return nil
	})
}

func (v *Vault) decreaseGuaranteedUsd(tok common.Address, usd fixed.Amount) error {
	return v.updatePool(tok, "guaranteed", false, usd, func(p *PoolState) error {
		p.GuaranteedUsd = p.GuaranteedUsd.Sub(usd)
		return nil
	})
}

func (v *Vault) addFeeReserve(tok common.Address, amount fixed.Amount, usd fixed.Amount) {
	if amount.IsZero() {
		return
	}
	p := v.pools.Get(tok)
	p.FeeReserve = p.FeeReserve.Add(amount)
	v.pools.Set(tok, p)
	v.state.Emit(TopicCollectFees, CollectFees{Token: tok, FeeTokens: amount, FeeUsd: usd})
}

// CollectFees is emitted when fees move into a token's fee reserve.
type CollectFees struct {
	Token     common.Address `json:"token"`
	FeeTokens fixed.Amount   `json:"feeTokens"`
	FeeUsd    fixed.Amount   `json:"feeUsd"`
}

// GetUtilisation is reserved/pool at funding rate precision.
func (v *Vault) GetUtilisation(tok common.Address) fixed.Amount {
	p := v.pools.Get(tok)
	if p.PoolAmount.IsZero() {
		return fixed.Zero
	}
	return p.ReservedAmount.MulDiv(fixed.FundingScale, p.PoolAmount)
}

// GetTargetUsdgAmount is the USDG share tok should back at its target weight.
func (v *Vault) GetTargetUsdgAmount(tok common.Address) fixed.Amount {
	return v.targetUsdgAmount(v.gov.Config(), tok)
}

func (v *Vault) targetUsdgAmount(cfg *gov.Config, tok common.Address) fixed.Amount {
	supply := v.ledger.TotalSupply(v.usdg)
	total := cfg.TotalTokenWeights()
	if supply.IsZero() || total == 0 {
		return fixed.Zero
	}
	tc, _ := cfg.Token(tok)
	return supply.MulDiv(fixed.FromUint64(tc.Weight), fixed.FromUint64(total))
}
