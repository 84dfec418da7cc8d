package router

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/luxfi/log"

	"github.com/luxfi/klp/pkg/chain"
	"github.com/luxfi/klp/pkg/errs"
	"github.com/luxfi/klp/pkg/fixed"
	"github.com/luxfi/klp/pkg/gov"
)

// Legs of a complex order. Every per-leg slice in ComplexOrderParams holds
// exactly one entry per leg, in this order.
const (
	LegEntry = iota
	LegTakeProfit
	LegStopLoss
	numLegs
)

// ComplexOrderParams describe an entry and its take-profit and stop-loss
// exits. Price is the acceptable price of a market entry or the trigger price
// of a limit entry, and the trigger price of each exit. Token holds the index
// token of each leg.
type ComplexOrderParams struct {
	Path         []common.Address
	AmountIn     fixed.Amount
	MinOut       fixed.Amount
	IsLong       bool
	SizeDelta    []fixed.Amount
	Price        []fixed.Amount
	Token        []common.Address
	ExecutionFee []fixed.Amount
}

// ComplexOrder reports what a complex order created. RequestKey is set for a
// market entry and EntryOrder for a limit entry.
type ComplexOrder struct {
	RequestKey common.Hash `json:"requestKey"`
	EntryOrder uint64      `json:"entryOrder"`
	TakeProfit uint64      `json:"takeProfit"`
	StopLoss   uint64      `json:"stopLoss"`
}

// ComplexOrderRouter creates an entry and its exits in one call, so either
// all of them are queued or none is.
type ComplexOrderRouter struct {
	state     *chain.State
	gov       *gov.Governor
	orders    *OrderBook
	positions *PositionRouter
	logger    log.Logger
}

func NewComplexOrderRouter(g *gov.Governor, ob *OrderBook, pr *PositionRouter, logger log.Logger) *ComplexOrderRouter {
	return &ComplexOrderRouter{state: g.State(), gov: g, orders: ob, positions: pr, logger: logger}
}

// exitAbove is the trigger direction of an exit leg: a long takes profit
// above its trigger and stops out below it, a short the other way round.
func exitAbove(leg int, isLong bool) bool {
	return (leg == LegTakeProfit) == isLong
}

// validate checks the leg slices, that value pays every execution fee plus,
// with inETH, the collateral, and the path length.
func (c *ComplexOrderRouter) validate(p ComplexOrderParams, value fixed.Amount, inETH bool) error {
	switch {
	case len(p.SizeDelta) != numLegs:
		return c.gov.Err(errs.ComplexInvalidSizeDeltaLength)
	case len(p.Price) != numLegs:
		return c.gov.Err(errs.ComplexInvalidPriceLength)
	case len(p.Token) != numLegs:
		return c.gov.Err(errs.ComplexInvalidTokenLength)
	case len(p.ExecutionFee) != numLegs:
		return c.gov.Err(errs.ComplexInvalidExecutionFeeLength)
	}
	want := fixed.Zero
	for _, fee := range p.ExecutionFee {
		want = want.Add(fee)
	}
	if inETH {
		want = want.Add(p.AmountIn)
	}
	if !value.Eq(want) {
		return c.gov.Err(errs.ComplexInvalidValue)
	}
	if len(p.Path) != 1 && len(p.Path) != 2 {
		return c.gov.Err(errs.ComplexInvalidPathLength)
	}
	return nil
}

// CreateComplexOrder queues a market increase at the position router and
// places the take-profit and stop-loss as decrease orders on the order book.
func (c *ComplexOrderRouter) CreateComplexOrder(ctx context.Context, caller common.Address, p ComplexOrderParams, value fixed.Amount) (ComplexOrder, error) {
	return c.createMarket(ctx, caller, p, value, false)
}

// CreateComplexOrderETH is CreateComplexOrder with the collateral paid in
// native coin; value carries AmountIn on top of the fees.
func (c *ComplexOrderRouter) CreateComplexOrderETH(ctx context.Context, caller common.Address, p ComplexOrderParams, value fixed.Amount) (ComplexOrder, error) {
	return c.createMarket(ctx, caller, p, value, true)
}

func (c *ComplexOrderRouter) createMarket(ctx context.Context, caller common.Address, p ComplexOrderParams, value fixed.Amount, inETH bool) (ComplexOrder, error) {
	return chain.Do(ctx, c.state, func(ctx context.Context) (ComplexOrder, error) {
		if err := c.validate(p, value, inETH); err != nil {
			return ComplexOrder{}, err
		}
		var (
			out ComplexOrder
			err error
		)
		entryFee := p.ExecutionFee[LegEntry]
		if inETH {
			out.RequestKey, err = c.positions.CreateIncreasePositionETH(ctx, caller, p.Path, p.Token[LegEntry], p.MinOut,
				p.SizeDelta[LegEntry], p.IsLong, p.Price[LegEntry], entryFee, p.AmountIn.Add(entryFee))
		} else {
			out.RequestKey, err = c.positions.CreateIncreasePosition(ctx, caller, p.Path, p.Token[LegEntry], p.AmountIn, p.MinOut,
				p.SizeDelta[LegEntry], p.IsLong, p.Price[LegEntry], entryFee, entryFee)
		}
		if err != nil {
			return ComplexOrder{}, err
		}
		if err := c.exits(ctx, caller, p, p.Path[len(p.Path)-1], &out); err != nil {
			return ComplexOrder{}, err
		}
		return out, nil
	})
}

// CreateComplexLimitOrder places the entry as an increase order triggered at
// Price[LegEntry] in the direction of triggerAboveThreshold, with its exits.
// Longs are collateralised in the index token and shorts in the last token of
// Path.
func (c *ComplexOrderRouter) CreateComplexLimitOrder(ctx context.Context, caller common.Address, p ComplexOrderParams, triggerAboveThreshold bool, value fixed.Amount) (ComplexOrder, error) {
	return c.createLimit(ctx, caller, p, triggerAboveThreshold, value, false)
}

func (c *ComplexOrderRouter) CreateComplexLimitOrderETH(ctx context.Context, caller common.Address, p ComplexOrderParams, triggerAboveThreshold bool, value fixed.Amount) (ComplexOrder, error) {
	return c.createLimit(ctx, caller, p, triggerAboveThreshold, value, true)
}

func (c *ComplexOrderRouter) createLimit(ctx context.Context, caller common.Address, p ComplexOrderParams, triggerAboveThreshold bool, value fixed.Amount, inETH bool) (ComplexOrder, error) {
	return chain.Do(ctx, c.state, func(ctx context.Context) (ComplexOrder, error) {
		if err := c.validate(p, value, inETH); err != nil {
			return ComplexOrder{}, err
		}
		collateral := p.Path[len(p.Path)-1]
		if p.IsLong {
			collateral = p.Token[LegEntry]
		}
		entryFee := p.ExecutionFee[LegEntry]
		entryValue := entryFee
		if inETH {
			entryValue = entryValue.Add(p.AmountIn)
		}

		var (
			out ComplexOrder
			err error
		)
		out.EntryOrder, err = c.orders.CreateIncreaseOrder(ctx, caller, IncreaseOrderParams{
			Path:                  p.Path,
			AmountIn:              p.AmountIn,
			IndexToken:            p.Token[LegEntry],
			MinOut:                p.MinOut,
			SizeDelta:             p.SizeDelta[LegEntry],
			CollateralToken:       collateral,
			IsLong:                p.IsLong,
			TriggerPrice:          p.Price[LegEntry],
			TriggerAboveThreshold: triggerAboveThreshold,
			ExecutionFee:          entryFee,
			ShouldWrap:            inETH,
		}, entryValue)
		if err != nil {
			return ComplexOrder{}, err
		}
		if err := c.exits(ctx, caller, p, collateral, &out); err != nil {
			return ComplexOrder{}, err
		}
		return out, nil
	})
}

func (c *ComplexOrderRouter) exits(ctx context.Context, caller common.Address, p ComplexOrderParams, collateral common.Address, out *ComplexOrder) error {
	for _, leg := range []int{LegTakeProfit, LegStopLoss} {
		index, err := c.orders.CreateDecreaseOrder(ctx, caller, DecreaseOrderParams{
			IndexToken:            p.Token[leg],
			SizeDelta:             p.SizeDelta[leg],
			CollateralToken:       collateral,
			IsLong:                p.IsLong,
			TriggerPrice:          p.Price[leg],
			TriggerAboveThreshold: exitAbove(leg, p.IsLong),
		}, p.ExecutionFee[leg])
		if err != nil {
			return err
		}
		if leg == LegTakeProfit {
			out.TakeProfit = index
		} else {
			out.StopLoss = index
		}
	}
	c.logger.Debug("Complex order created", "account", caller, "requestKey", out.RequestKey, "takeProfit", out.TakeProfit, "stopLoss", out.StopLoss)
	return nil
}
