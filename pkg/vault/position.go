package vault

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/crypto/sha3"

	"github.com/luxfi/klp/pkg/chain"
	"github.com/luxfi/klp/pkg/errs"
	"github.com/luxfi/klp/pkg/fixed"
	"github.com/luxfi/klp/pkg/gov"
)

// Position is a leveraged exposure of one account to one index token in one
// direction, margined in one collateral token. Size, collateral and PnL are USD
// at price precision.
type Position struct {
	Account           common.Address `json:"account"`
	CollateralToken   common.Address `json:"collateralToken"`
	IndexToken        common.Address `json:"indexToken"`
	IsLong            bool           `json:"isLong"`
	Size              fixed.Amount   `json:"size"`
	Collateral        fixed.Amount   `json:"collateral"`
	AveragePrice      fixed.Amount   `json:"averagePrice"`
	EntryFundingRate  fixed.Amount   `json:"entryFundingRate"`
	ReserveAmount     fixed.Amount   `json:"reserveAmount"`
	RealisedPnl       fixed.Signed   `json:"realisedPnl"`
	LastIncreasedTime uint64         `json:"lastIncreasedTime"`
}

// PositionKey hashes the packed (account, collateral, index, isLong) tuple.
func PositionKey(account, collateral, index common.Address, isLong bool) common.Hash {
	h := sha3.NewLegacyKeccak256()
	h.Write(account[:])
	h.Write(collateral[:])
	h.Write(index[:])
	if isLong {
		h.Write([]byte{1})
	} else {
		h.Write([]byte{0})
	}
	var out common.Hash
	h.Sum(out[:0])
	return out
}

// PositionEvent is emitted for increases, decreases and liquidations.
type PositionEvent struct {
	Key             common.Hash    `json:"key"`
	Account         common.Address `json:"account"`
	CollateralToken common.Address `json:"collateralToken"`
	IndexToken      common.Address `json:"indexToken"`
	CollateralDelta fixed.Amount   `json:"collateralDelta"`
	SizeDelta       fixed.Amount   `json:"sizeDelta"`
	IsLong          bool           `json:"isLong"`
	Price           fixed.Amount   `json:"price"`
	Fee             fixed.Amount   `json:"fee"`
}

// PnlUpdate is emitted when a decrease realises profit or loss.
type PnlUpdate struct {
	Key       common.Hash  `json:"key"`
	HasProfit bool         `json:"hasProfit"`
	Delta     fixed.Amount `json:"delta"`
}

func (v *Vault) GetPosition(account, collateral, index common.Address, isLong bool) (Position, bool) {
	return v.positions.Lookup(PositionKey(account, collateral, index, isLong))
}

func (v *Vault) PositionByKey(key common.Hash) (Position, bool) {
	return v.positions.Lookup(key)
}

// Positions returns every open position ordered by key.
func (v *Vault) Positions() []Position {
	keys := v.positions.Keys(func(a, b common.Hash) bool { return a.Cmp(b) < 0 })
	out := make([]Position, 0, len(keys))
	for _, k := range keys {
		out = append(out, v.positions.Get(k))
	}
	return out
}

// GetPositionDelta returns the unrealised PnL of a position at the current price.
func (v *Vault) GetPositionDelta(account, collateral, index common.Address, isLong bool) (bool, fixed.Amount, error) {
	p, ok := v.GetPosition(account, collateral, index, isLong)
	if !ok {
		return false, fixed.Zero, nil
	}
	cfg := v.gov.Config()
	q, err := v.quote(cfg, index)
	if err != nil {
		return false, fixed.Zero, err
	}
	return v.getDelta(cfg, q, index, p.Size, p.AveragePrice, isLong, p.LastIncreasedTime)
}

// GetPositionLeverage is size/collateral in basis points.
func (v *Vault) GetPositionLeverage(account, collateral, index common.Address, isLong bool) (uint64, error) {
	p, ok := v.GetPosition(account, collateral, index, isLong)
	if !ok || p.Collateral.IsZero() {
		return 0, v.gov.Err(errs.VaultInvalidPositionSize)
	}
	lev, _ := p.Size.MulDiv(fixed.BPS, p.Collateral).Uint64()
	return lev, nil
}

func (v *Vault) validateTokens(cfg *gov.Config, collateral, index common.Address, isLong bool) error {
	cc, ok := cfg.Token(collateral)
	if !ok {
		return v.gov.Err(errs.VaultCollateralNotWhitelisted)
	}
	if isLong {
		if collateral != index {
			return v.gov.Err(errs.VaultMismatchedTokens)
		}
		if cc.IsStable {
			return v.gov.Err(errs.VaultCollateralMustNotBeStable)
		}
		return nil
	}
	if !cc.IsStable {
		return v.gov.Err(errs.VaultCollateralMustBeStable)
	}
	ic, ok := cfg.Token(index)
	if !ok {
		return v.gov.Err(errs.VaultTokenNotWhitelisted)
	}
	if ic.IsStable {
		return v.gov.Err(errs.VaultIndexMustNotBeStable)
	}
	if !ic.IsShortable {
		return v.gov.Err(errs.VaultIndexNotShortable)
	}
	return nil
}

// IncreasePosition grows account's position by sizeDelta USD, adding the
// collateral tokens sent to the vault. The caller must be the account, the
// vault router or a router the account approved.
func (v *Vault) IncreasePosition(ctx context.Context, caller, account, collateral, index common.Address, sizeDelta fixed.Amount, isLong bool) error {
	return v.state.Atomic(ctx, func(ctx context.Context) error {
		cfg := v.gov.Config()
		if !cfg.Vault.IsLeverageEnabled {
			return v.gov.Err(errs.VaultLeverageNotEnabled)
		}
		if err := v.validateRouter(caller, account); err != nil {
			return err
		}
		if err := v.validateTokens(cfg, collateral, index, isLong); err != nil {
			return err
		}
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
		if !ok {
			pos = Position{Account: account, CollateralToken: collateral, IndexToken: index, IsLong: isLong}
		}

		price := qi.min
		if isLong {
			price = qi.max
		}
		if pos.Size.IsZero() {
			pos.AveragePrice = price
		} else if !sizeDelta.IsZero() {
			next, err := v.nextAveragePrice(cfg, qi, index, pos.Size, pos.AveragePrice, isLong, price, sizeDelta, pos.LastIncreasedTime)
			if err != nil {
				return err
			}
			pos.AveragePrice = next
		}

		fee := v.collectMarginFees(cfg, qc, collateral, sizeDelta, pos.Size, pos.EntryFundingRate)
		collateralDelta := v.transferIn(collateral)
		collateralDeltaUsd := qc.tokenToUsdMin(collateralDelta)

		pos.Collateral = pos.Collateral.Add(collateralDeltaUsd)
		if pos.Collateral.Lt(fee) {
			return v.gov.Err(errs.VaultInsufficientCollateralForFees)
		}
		pos.Collateral = pos.Collateral.Sub(fee)
		pos.EntryFundingRate = v.pools.Get(collateral).CumulativeFundingRate
		pos.Size = pos.Size.Add(sizeDelta)
		pos.LastIncreasedTime = v.state.Block().Time

		if pos.Size.IsZero() {
			return v.gov.Err(errs.VaultInvalidPositionSize)
		}
		if err := v.validatePosition(pos.Size, pos.Collateral); err != nil {
			return err
		}
		if _, _, err := v.validateLiquidation(cfg, qi, pos, true); err != nil {
			return err
		}

		reserveDelta := qc.usdToTokenMax(sizeDelta)
		pos.ReserveAmount = pos.ReserveAmount.Add(reserveDelta)
		v.positions.Set(key, pos)
		if err := v.increaseReservedAmount(collateral, reserveDelta); err != nil {
			return err
		}

		if isLong {
			// the vault now guarantees size minus collateral to the long
			if err := v.increaseGuaranteedUsd(collateral, sizeDelta.Add(fee)); err != nil {
				return err
			}
			if err := v.decreaseGuaranteedUsd(collateral, collateralDeltaUsd); err != nil {
				return err
			}
			if err := v.increasePoolAmount(collateral, collateralDelta); err != nil {
				return err
			}
			if err := v.decreasePoolAmount(collateral, qc.usdToTokenMin(fee)); err != nil {
				return err
			}
		} else {
			if err := v.increaseGlobalShort(cfg, index, price, sizeDelta); err != nil {
				return err
			}
		}

		v.state.Emit(TopicIncreasePosition, PositionEvent{
			Key: key, Account: account, CollateralToken: collateral, IndexToken: index,
			CollateralDelta: collateralDeltaUsd, SizeDelta: sizeDelta, IsLong: isLong, Price: price, Fee: fee,
		})
		v.state.Emit(TopicUpdatePosition, pos)
		return nil
	})
}

// DecreasePosition shrinks account's position by sizeDelta USD and withdraws
// collateralDelta USD, paying realised profit and withdrawn collateral to
// receiver. It returns the collateral tokens sent.
func (v *Vault) DecreasePosition(ctx context.Context, caller, account, collateral, index common.Address, collateralDelta, sizeDelta fixed.Amount, isLong bool, receiver common.Address) (fixed.Amount, error) {
	return chain.Do(ctx, v.state, func(ctx context.Context) (fixed.Amount, error) {
		if err := v.validateRouter(caller, account); err != nil {
			return fixed.Zero, err
		}
		return v.decreasePosition(v.gov.Config(), account, collateral, index, collateralDelta, sizeDelta, isLong, receiver)
	})
}

func (v *Vault) decreasePosition(cfg *gov.Config, account, collateral, index common.Address, collateralDelta, sizeDelta fixed.Amount, isLong bool, receiver common.Address) (fixed.Amount, error) {
	qc, err := v.quote(cfg, collateral)
	if err != nil {
		return fixed.Zero, err
	}
	qi, err := v.quote(cfg, index)
	if err != nil {
		return fixed.Zero, err
	}
	v.updateCumulativeFundingRate(cfg, collateral, index)

	key := PositionKey(account, collateral, index, isLong)
	pos, ok := v.positions.Lookup(key)
	if !ok || pos.Size.IsZero() {
		return fixed.Zero, v.gov.Err(errs.VaultEmptyPosition)
	}
	if pos.Size.Lt(sizeDelta) {
		return fixed.Zero, v.gov.Err(errs.VaultPositionSizeExceeded)
	}
	if pos.Collateral.Lt(collateralDelta) {
		return fixed.Zero, v.gov.Err(errs.VaultPositionCollateralExceeded)
	}

	collateralBefore := pos.Collateral
	reserveDelta := pos.ReserveAmount.MulDiv(sizeDelta, pos.Size)
	pos.ReserveAmount = pos.ReserveAmount.Sub(reserveDelta)
	if err := v.decreaseReservedAmount(collateral, reserveDelta); err != nil {
		return fixed.Zero, err
	}

	usdOut, usdOutAfterFee, fee, err := v.reduceCollateral(cfg, qc, qi, key, &pos, collateralDelta, sizeDelta)
	if err != nil {
		return fixed.Zero, err
	}

	price := qi.max
	if isLong {
		price = qi.min
	}
	ev := PositionEvent{
		Key: key, Account: account, CollateralToken: collateral, IndexToken: index,
		CollateralDelta: collateralDelta, SizeDelta: sizeDelta, IsLong: isLong, Price: price, Fee: fee,
	}

	if !pos.Size.Eq(sizeDelta) {
		pos.EntryFundingRate = v.pools.Get(collateral).CumulativeFundingRate
		pos.Size = pos.Size.Sub(sizeDelta)
		if err := v.validatePosition(pos.Size, pos.Collateral); err != nil {
			return fixed.Zero, err
		}
		if _, _, err := v.validateLiquidation(cfg, qi, pos, true); err != nil {
			return fixed.Zero, err
		}
		if isLong {
			if err := v.increaseGuaranteedUsd(collateral, collateralBefore.Sub(pos.Collateral)); err != nil {
				return fixed.Zero, err
			}
			if err := v.decreaseGuaranteedUsd(collateral, sizeDelta); err != nil {
				return fixed.Zero, err
			}
		}
		v.positions.Set(key, pos)
		v.state.Emit(TopicDecreasePosition, ev)
		v.state.Emit(TopicUpdatePosition, pos)
	} else {
		if isLong {
			if err := v.increaseGuaranteedUsd(collateral, collateralBefore); err != nil {
				return fixed.Zero, err
			}
			if err := v.decreaseGuaranteedUsd(collateral, sizeDelta); err != nil {
				return fixed.Zero, err
			}
		}
		v.positions.Delete(key)
		v.state.Emit(TopicDecreasePosition, ev)
		v.state.Emit(TopicClosePosition, pos)
	}

	if !isLong {
		v.decreaseGlobalShortSize(index, sizeDelta)
	}

	if usdOut.IsZero() {
		return fixed.Zero, nil
	}
	if isLong {
		if err := v.decreasePoolAmount(collateral, qc.usdToTokenMin(usdOut)); err != nil {
			return fixed.Zero, err
		}
	}
	amountOut := qc.usdToTokenMin(usdOutAfterFee)
	if err := v.transferOut(collateral, amountOut, receiver); err != nil {
		return fixed.Zero, err
	}
	return amountOut, nil
}

// reduceCollateral realises the PnL share of sizeDelta, withdraws
// collateralDelta and charges the margin fee. It returns the USD paid out
// before and after fees, and the fee.
func (v *Vault) reduceCollateral(cfg *gov.Config, qc, qi quote, key common.Hash, pos *Position, collateralDelta, sizeDelta fixed.Amount) (usdOut, usdOutAfterFee, fee fixed.Amount, err error) {
	fee = v.collectMarginFees(cfg, qc, pos.CollateralToken, sizeDelta, pos.Size, pos.EntryFundingRate)

	hasProfit, delta, err := v.getDelta(cfg, qi, pos.IndexToken, pos.Size, pos.AveragePrice, pos.IsLong, pos.LastIncreasedTime)
	if err != nil {
		return
	}
	adjustedDelta := sizeDelta.MulDiv(delta, pos.Size)

	if !adjustedDelta.IsZero() {
		if hasProfit {
			usdOut = adjustedDelta
			pos.RealisedPnl = pos.RealisedPnl.Add(adjustedDelta)
			// shorts are paid their profit out of the stable pool
			if !pos.IsLong {
				if err = v.decreasePoolAmount(pos.CollateralToken, qc.usdToTokenMin(adjustedDelta)); err != nil {
					return
				}
			}
		} else {
			if pos.Collateral.Lt(adjustedDelta) {
				err = v.gov.Err(errs.VaultLossesExceedCollateral)
				return
			}
			pos.Collateral = pos.Collateral.Sub(adjustedDelta)
			// short losses stay in the pool
			if !pos.IsLong {
				if err = v.increasePoolAmount(pos.CollateralToken, qc.usdToTokenMin(adjustedDelta)); err != nil {
					return
				}
			}
			pos.RealisedPnl = pos.RealisedPnl.Sub(adjustedDelta)
		}
	}

	if !collateralDelta.IsZero() {
		if pos.Collateral.Lt(collateralDelta) {
			err = v.gov.Err(errs.VaultPositionCollateralExceeded)
			return
		}
		usdOut = usdOut.Add(collateralDelta)
		pos.Collateral = pos.Collateral.Sub(collateralDelta)
	}
	if pos.Size.Eq(sizeDelta) {
		usdOut = usdOut.Add(pos.Collateral)
		pos.Collateral = fixed.Zero
	}

	usdOutAfterFee = usdOut
	if usdOut.Gt(fee) {
		usdOutAfterFee = usdOut.Sub(fee)
	} else {
		if pos.Collateral.Lt(fee) {
			err = v.gov.Err(errs.VaultFeesExceedCollateral)
			return
		}
		pos.Collateral = pos.Collateral.Sub(fee)
		if pos.IsLong {
			if err = v.decreasePoolAmount(pos.CollateralToken, qc.usdToTokenMin(fee)); err != nil {
				return
			}
		}
	}

	v.state.Emit(TopicUpdatePnl, PnlUpdate{Key: key, HasProfit: hasProfit, Delta: adjustedDelta})
	return
}

func (v *Vault) validatePosition(size, collateral fixed.Amount) error {
	if size.IsZero() {
		if !collateral.IsZero() {
			return v.gov.Err(errs.VaultCollateralShouldBeWithdrawn)
		}
		return nil
	}
	if size.Lt(collateral) {
		return v.gov.Err(errs.VaultSizeBelowCollateral)
	}
	return nil
}

// getDelta returns the unrealised PnL of size opened at averagePrice. Longs
// close at the min price and shorts at the max price. A profit within the
// token's min-profit band is ignored until minProfitTime has passed since the
// last increase.
func (v *Vault) getDelta(cfg *gov.Config, qi quote, index common.Address, size, averagePrice fixed.Amount, isLong bool, lastIncreasedTime uint64) (bool, fixed.Amount, error) {
	if averagePrice.IsZero() {
		return false, fixed.Zero, v.gov.Err(errs.VaultInvalidAveragePrice)
	}
	price := qi.max
	if isLong {
		price = qi.min
	}
	delta := size.MulDiv(fixed.AbsDiff(averagePrice, price), averagePrice)

	hasProfit := averagePrice.Gt(price)
	if isLong {
		hasProfit = price.Gt(averagePrice)
	}

	var minBps uint64
	if v.state.Block().Time <= lastIncreasedTime+gov.Seconds(cfg.Vault.MinProfitTime) {
		tc, _ := cfg.Token(index)
		minBps = tc.MinProfitBps
	}
	if hasProfit && delta.Mul(fixed.BPS).Lte(size.Mul(fixed.FromUint64(minBps))) {
		delta = fixed.Zero
	}
	return hasProfit, delta, nil
}

// nextAveragePrice solves for the average price at which the grown position
// shows the same PnL as before the increase:
//
//	longs:  nextPrice * nextSize / (nextSize ± delta)
//	shorts: nextPrice * nextSize / (nextSize ∓ delta)
func (v *Vault) nextAveragePrice(cfg *gov.Config, qi quote, index common.Address, size, averagePrice fixed.Amount, isLong bool, nextPrice, sizeDelta fixed.Amount, lastIncreasedTime uint64) (fixed.Amount, error) {
	hasProfit, delta, err := v.getDelta(cfg, qi, index, size, averagePrice, isLong, lastIncreasedTime)
	if err != nil {
		return fixed.Zero, err
	}
	nextSize := size.Add(sizeDelta)
	var divisor fixed.Amount
	if isLong == hasProfit {
		divisor = nextSize.Add(delta)
	} else {
		divisor = nextSize.Sub(delta)
	}
	return nextPrice.MulDiv(nextSize, divisor), nil
}
