package vault

import (
	"context"

	"github.com/ethereum/go-ethereum/common"

	"github.com/luxfi/klp/pkg/errs"
	"github.com/luxfi/klp/pkg/fixed"
	"github.com/luxfi/klp/pkg/gov"
)

// Liquidation states returned by ValidateLiquidation.
const (
	Healthy       = 0
	Liquidatable  = 1
	OverLeveraged = 2
)

// LiquidateEvent is emitted when a position is closed by a liquidator.
type LiquidateEvent struct {
	Key             common.Hash    `json:"key"`
	Account         common.Address `json:"account"`
	CollateralToken common.Address `json:"collateralToken"`
	IndexToken      common.Address `json:"indexToken"`
	IsLong          bool           `json:"isLong"`
	Size            fixed.Amount   `json:"size"`
	Collateral      fixed.Amount   `json:"collateral"`
	ReserveAmount   fixed.Amount   `json:"reserveAmount"`
	RealisedPnl     fixed.Signed   `json:"realisedPnl"`
	MarkPrice       fixed.Amount   `json:"markPrice"`
}

// ValidateLiquidation reports whether a position can be liquidated and the
// margin fees it owes.
func (v *Vault) ValidateLiquidation(account, collateral, index common.Address, isLong bool) (int, fixed.Amount, error) {
	p, ok := v.GetPosition(account, collateral, index, isLong)
	if !ok {
		return Healthy, fixed.Zero, v.gov.Err(errs.VaultEmptyPosition)
	}
	cfg := v.gov.Config()
	qi, err := v.quote(cfg, index)
	if err != nil {
		return Healthy, fixed.Zero, err
	}
	return v.validateLiquidation(cfg, qi, p, false)
}

// validateLiquidation classifies p. With raise set every unhealthy state is
// returned as the matching error instead.
func (v *Vault) validateLiquidation(cfg *gov.Config, qi quote, p Position, raise bool) (int, fixed.Amount, error) {
	hasProfit, delta, err := v.getDelta(cfg, qi, p.IndexToken, p.Size, p.AveragePrice, p.IsLong, p.LastIncreasedTime)
	if err != nil {
		return Healthy, fixed.Zero, err
	}
	marginFees := v.fundingFee(p.CollateralToken, p.Size, p.EntryFundingRate).Add(positionFee(cfg, p.Size))

	if !hasProfit && p.Collateral.Lte(delta) {
		if raise {
			return Healthy, fixed.Zero, v.gov.Err(errs.VaultLossesExceedCollateral)
		}
		return Liquidatable, marginFees, nil
	}

	remaining := p.Collateral
	if !hasProfit {
		remaining = p.Collateral.Sub(delta)
	}

	if remaining.Lt(marginFees) {
		if raise {
			return Healthy, fixed.Zero, v.gov.Err(errs.VaultFeesExceedCollateral)
		}
		return Liquidatable, remaining, nil
	}
	if remaining.Lt(marginFees.Add(cfg.Vault.LiquidationFeeUsd)) {
		if raise {
			return Healthy, fixed.Zero, v.gov.Err(errs.VaultLiquidationFeesExceedCollateral)
		}
		return Liquidatable, marginFees, nil
	}
	if remaining.Mul(fixed.FromUint64(cfg.Vault.MaxLeverage)).Lt(p.Size.Mul(fixed.BPS)) {
		if raise {
			return Healthy, fixed.Zero, v.gov.Err(errs.VaultMaxLeverageExceeded)
		}
		return OverLeveraged, marginFees, nil
	}
	return Healthy, marginFees, nil
}

// LiquidatePosition closes an unhealthy position. Positions that are only over
// the leverage cap are closed to the account; insolvent ones are seized by the
// pool and feeReceiver is paid the liquidation fee.
func (v *Vault) LiquidatePosition(ctx context.Context, caller, account, collateral, index common.Address, isLong bool, feeReceiver common.Address) error {
	return v.state.Atomic(ctx, func(ctx context.Context) error {
		if !v.gov.HasRole(gov.RoleLiquidator, caller) {
			return v.gov.Err(errs.VaultInvalidLiquidator)
		}
		cfg := v.gov.Config()
		qc, err := v.quote(cfg, collateral)
		if err != nil {
			return err
		}
		qi, err := v.quote(cfg, index)
		if err != nil {
			return err
		}
		v.updateCumulativeFundingRate(cfg, collateral, index)

		key := PositionKey(account, collateral, index, isLong)
		pos, ok := v.positions.Lookup(key)
		if !ok || pos.Size.IsZero() {
			return v.gov.Err(errs.VaultEmptyPosition)
		}

		state, marginFees, err := v.validateLiquidation(cfg, qi, pos, false)
		if err != nil {
			return err
		}
		switch state {
		case Healthy:
			return v.gov.Err(errs.VaultCannotLiquidate)
		case OverLeveraged:
			_, err := v.decreasePosition(cfg, account, collateral, index, fixed.Zero, pos.Size, isLong, account)
			return err
		}

		feeTokens := qc.usdToTokenMin(marginFees)
		v.addFeeReserve(collateral, feeTokens, marginFees)
		if err := v.decreaseReservedAmount(collateral, pos.ReserveAmount); err != nil {
			return err
		}

		if isLong {
			if err := v.decreaseGuaranteedUsd(collateral, pos.Size.Sub(pos.Collateral)); err != nil {
				return err
			}
			if err := v.decreasePoolAmount(collateral, feeTokens); err != nil {
				return err
			}
		} else {
			if marginFees.Lt(pos.Collateral) {
				if err := v.increasePoolAmount(collateral, qc.usdToTokenMin(pos.Collateral.Sub(marginFees))); err != nil {
					return err
				}
			}
			v.decreaseGlobalShortSize(index, pos.Size)
		}

		mark := qi.max
		if isLong {
			mark = qi.min
		}
		v.positions.Delete(key)
		v.state.Emit(TopicLiquidate, LiquidateEvent{
			Key: key, Account: account, CollateralToken: collateral, IndexToken: index, IsLong: isLong,
			Size: pos.Size, Collateral: pos.Collateral, ReserveAmount: pos.ReserveAmount,
			RealisedPnl: pos.RealisedPnl, MarkPrice: mark,
		})

		liqFee := qc.usdToTokenMin(cfg.Vault.LiquidationFeeUsd)
		if err := v.decreasePoolAmount(collateral, liqFee); err != nil {
			return err
		}
		if err := v.transferOut(collateral, liqFee, feeReceiver); err != nil {
			return err
		}
		v.logger.Info("Position liquidated",
			"account", account,
			"index", index,
			"isLong", isLong,
			"size", pos.Size,
			"feeReceiver", feeReceiver,
		)
		return nil
	})
}

// LiquidatablePositions lists the positions a liquidator could close now.
func (v *Vault) LiquidatablePositions() []Position {
	cfg := v.gov.Config()
	quotes := make(map[common.Address]quote)
	var out []Position
	for _, p := range v.Positions() {
		qi, ok := quotes[p.IndexToken]
		if !ok {
			var err error
			if qi, err = v.quote(cfg, p.IndexToken); err != nil {
				v.logger.Debug("Skipping position without price", "index", p.IndexToken, "error", err)
				continue
			}
			quotes[p.IndexToken] = qi
		}
		state, _, err := v.validateLiquidation(cfg, qi, p, false)
		if err == nil && state != Healthy {
			out = append(out, p)
		}
	}
	return out
}

// increaseGlobalShort folds a short opened at price into the global short
// average and enforces the token's short cap.
func (v *Vault) increaseGlobalShort(cfg *gov.Config, index common.Address, price, sizeDelta fixed.Amount) error {
	p := v.pools.Get(index)
	if p.GlobalShortSize.IsZero() {
		p.GlobalShortAveragePrice = price
	} else {
		nextSize := p.GlobalShortSize.Add(sizeDelta)
		avg := p.GlobalShortAveragePrice
		delta := p.GlobalShortSize.MulDiv(fixed.AbsDiff(avg, price), avg)
		divisor := nextSize.Add(delta)
		if avg.Gt(price) {
			divisor = nextSize.Sub(delta)
		}
		p.GlobalShortAveragePrice = price.MulDiv(nextSize, divisor)
	}
	p.GlobalShortSize = p.GlobalShortSize.Add(sizeDelta)
	if tc, _ := cfg.Token(index); !tc.MaxGlobalShortSize.IsZero() && p.GlobalShortSize.Gt(tc.MaxGlobalShortSize) {
		return v.gov.Err(errs.VaultMaxShortsExceeded)
	}
	v.pools.Set(index, p)
	return nil
}

func (v *Vault) decreaseGlobalShortSize(index common.Address, sizeDelta fixed.Amount) {
	p := v.pools.Get(index)
	p.GlobalShortSize = p.GlobalShortSize.SaturatingSub(sizeDelta)
	if p.GlobalShortSize.IsZero() {
		p.GlobalShortAveragePrice = fixed.Zero
	}
	v.pools.Set(index, p)
}

// GetGlobalShortDelta is the aggregate PnL of all shorts on index, from the
// traders' side, at the maximised price.
func (v *Vault) GetGlobalShortDelta(index common.Address) (bool, fixed.Amount, error) {
	price, err := v.prices.GetPrice(index, true)
	if err != nil {
		return false, fixed.Zero, err
	}
	hasProfit, delta := v.GlobalShortDeltaAt(index, price)
	return hasProfit, delta, nil
}

// GlobalShortDeltaAt values the aggregate short PnL of index at price.
func (v *Vault) GlobalShortDeltaAt(index common.Address, price fixed.Amount) (bool, fixed.Amount) {
	p := v.pools.Get(index)
	if p.GlobalShortSize.IsZero() || p.GlobalShortAveragePrice.IsZero() {
		return false, fixed.Zero
	}
	avg := p.GlobalShortAveragePrice
	delta := p.GlobalShortSize.MulDiv(fixed.AbsDiff(avg, price), avg)
	return avg.Gt(price), delta
}
