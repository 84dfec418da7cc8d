package vault

import (
	"github.com/ethereum/go-ethereum/common"

	"github.com/luxfi/klp/pkg/fixed"
	"github.com/luxfi/klp/pkg/gov"
)

// FundingUpdate is emitted when a token's cumulative funding rate advances.
type FundingUpdate struct {
	Token                 common.Address `json:"token"`
	CumulativeFundingRate fixed.Amount   `json:"cumulativeFundingRate"`
}

// updateCumulativeFundingRate accrues funding for both tokens of a position.
func (v *Vault) updateCumulativeFundingRate(cfg *gov.Config, collateral, index common.Address) {
	v.accrueFunding(cfg, collateral)
	if index != collateral {
		v.accrueFunding(cfg, index)
	}
}

// accrueFunding adds factor x utilisation for every whole interval elapsed and
// snaps the funding clock to the interval boundary.
func (v *Vault) accrueFunding(cfg *gov.Config, tok common.Address) {
	interval := gov.Seconds(cfg.Vault.FundingInterval)
	now := v.state.Block().Time
	p := v.pools.Get(tok)

	if p.LastFundingTime == 0 {
		p.LastFundingTime = now / interval * interval
		v.pools.Set(tok, p)
		return
	}
	if p.LastFundingTime+interval > now {
		return
	}

	rate := v.nextFundingRate(cfg, tok, p)
	p.CumulativeFundingRate = p.CumulativeFundingRate.Add(rate)
	p.LastFundingTime = now / interval * interval
	v.pools.Set(tok, p)
	v.state.Emit(TopicFunding, FundingUpdate{Token: tok, CumulativeFundingRate: p.CumulativeFundingRate})
}

func (v *Vault) nextFundingRate(cfg *gov.Config, tok common.Address, p PoolState) fixed.Amount {
	interval := gov.Seconds(cfg.Vault.FundingInterval)
	now := v.state.Block().Time
	if p.LastFundingTime == 0 || p.LastFundingTime+interval > now || p.PoolAmount.IsZero() {
		return fixed.Zero
	}
	intervals := (now - p.LastFundingTime) / interval

	factor := cfg.Vault.FundingRateFactor
	if tc, _ := cfg.Token(tok); tc.IsStable {
		factor = cfg.Vault.StableFundingRateFactor
	}
	return fixed.FromUint64(factor).Mul(p.ReservedAmount).Mul(fixed.FromUint64(intervals)).Div(p.PoolAmount)
}

// GetNextFundingRate is the rate the next accrual of tok would add.
func (v *Vault) GetNextFundingRate(tok common.Address) fixed.Amount {
	return v.nextFundingRate(v.gov.Config(), tok, v.pools.Get(tok))
}

func (v *Vault) CumulativeFundingRate(tok common.Address) fixed.Amount {
	return v.pools.Get(tok).CumulativeFundingRate
}

// fundingFee is the USD funding owed by a position of size opened at entryFundingRate.
func (v *Vault) fundingFee(collateral common.Address, size, entryFundingRate fixed.Amount) fixed.Amount {
	if size.IsZero() {
		return fixed.Zero
	}
	rate := v.pools.Get(collateral).CumulativeFundingRate.SaturatingSub(entryFundingRate)
	if rate.IsZero() {
		return fixed.Zero
	}
	return size.MulDiv(rate, fixed.FundingScale)
}
