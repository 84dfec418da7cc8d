package router

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/luxfi/log"

	"github.com/luxfi/klp/pkg/chain"
	"github.com/luxfi/klp/pkg/errs"
	"github.com/luxfi/klp/pkg/fixed"
	"github.com/luxfi/klp/pkg/gov"
	"github.com/luxfi/klp/pkg/token"
	"github.com/luxfi/klp/pkg/vault"
)

const (
	TopicCreateIncreaseOrder  = "orderbook.create_increase_order"
	TopicUpdateIncreaseOrder  = "orderbook.update_increase_order"
	TopicCancelIncreaseOrder  = "orderbook.cancel_increase_order"
	TopicExecuteIncreaseOrder = "orderbook.execute_increase_order"
	TopicCreateDecreaseOrder  = "orderbook.create_decrease_order"
	TopicUpdateDecreaseOrder  = "orderbook.update_decrease_order"
	TopicCancelDecreaseOrder  = "orderbook.cancel_decrease_order"
	TopicExecuteDecreaseOrder = "orderbook.execute_decrease_order"
)

// IncreaseOrder opens or grows a position once the index price crosses
// TriggerPrice. PurchaseTokenAmount of PurchaseToken and the execution fee
// are escrowed at the order book.
type IncreaseOrder struct {
	Account               common.Address `json:"account"`
	PurchaseToken         common.Address `json:"purchaseToken"`
	PurchaseTokenAmount   fixed.Amount   `json:"purchaseTokenAmount"`
	CollateralToken       common.Address `json:"collateralToken"`
	IndexToken            common.Address `json:"indexToken"`
	SizeDelta             fixed.Amount   `json:"sizeDelta"`
	IsLong                bool           `json:"isLong"`
	TriggerPrice          fixed.Amount   `json:"triggerPrice"`
	TriggerAboveThreshold bool           `json:"triggerAboveThreshold"`
	ExecutionFee          fixed.Amount   `json:"executionFee"`
}

// DecreaseOrder is a take-profit or stop-loss. Only the execution fee is
// escrowed; the proceeds go to the account.
type DecreaseOrder struct {
	Account               common.Address `json:"account"`
	CollateralToken       common.Address `json:"collateralToken"`
	CollateralDelta       fixed.Amount   `json:"collateralDelta"`
	IndexToken            common.Address `json:"indexToken"`
	SizeDelta             fixed.Amount   `json:"sizeDelta"`
	IsLong                bool           `json:"isLong"`
	TriggerPrice          fixed.Amount   `json:"triggerPrice"`
	TriggerAboveThreshold bool           `json:"triggerAboveThreshold"`
	ExecutionFee          fixed.Amount   `json:"executionFee"`
}

// OrderRef addresses an order by its owner and per-account index.
type OrderRef struct {
	Account common.Address `json:"account"`
	Index   uint64         `json:"index"`
}

// OrderEvent is emitted for every order change.
type OrderEvent struct {
	Account               common.Address `json:"account"`
	Index                 uint64         `json:"index"`
	IndexToken            common.Address `json:"indexToken"`
	SizeDelta             fixed.Amount   `json:"sizeDelta"`
	IsLong                bool           `json:"isLong"`
	TriggerPrice          fixed.Amount   `json:"triggerPrice"`
	TriggerAboveThreshold bool           `json:"triggerAboveThreshold"`
	ExecutionFee          fixed.Amount   `json:"executionFee"`
	ExecutionPrice        fixed.Amount   `json:"executionPrice"`
}

// IncreaseOrderParams are the arguments of CreateIncreaseOrder. With
// ShouldWrap the collateral is paid in native coin as part of value and
// Path must start at the wrapped token.
type IncreaseOrderParams struct {
	Path                  []common.Address
	AmountIn              fixed.Amount
	IndexToken            common.Address
	MinOut                fixed.Amount
	SizeDelta             fixed.Amount
	CollateralToken       common.Address
	IsLong                bool
	TriggerPrice          fixed.Amount
	TriggerAboveThreshold bool
	ExecutionFee          fixed.Amount
	ShouldWrap            bool
}

// DecreaseOrderParams are the arguments of CreateDecreaseOrder.
type DecreaseOrderParams struct {
	IndexToken            common.Address
	SizeDelta             fixed.Amount
	CollateralToken       common.Address
	CollateralDelta       fixed.Amount
	IsLong                bool
	TriggerPrice          fixed.Amount
	TriggerAboveThreshold bool
}

// OrderBook holds trigger orders. It is a router plugin: orders are funded
// through the account's router allowance and applied to the vault through
// the router once a keeper finds the trigger price crossed.
type OrderBook struct {
	state  *chain.State
	gov    *gov.Governor
	ledger *token.Ledger
	vault  *vault.Vault
	router *Router
	logger log.Logger

	self      common.Address
	increases *chain.Map[OrderRef, IncreaseOrder]
	decreases *chain.Map[OrderRef, DecreaseOrder]
	incIndex  *chain.Map[common.Address, uint64]
	decIndex  *chain.Map[common.Address, uint64]
	swaps     swapper
}

func NewOrderBook(g *gov.Governor, ledger *token.Ledger, v *vault.Vault, r *Router, self common.Address, logger log.Logger) *OrderBook {
	s := g.State()
	return &OrderBook{
		state:     s,
		gov:       g,
		ledger:    ledger,
		vault:     v,
		router:    r,
		logger:    logger,
		self:      self,
		increases: chain.NewMap[OrderRef, IncreaseOrder](s),
		decreases: chain.NewMap[OrderRef, DecreaseOrder](s),
		incIndex:  chain.NewMap[common.Address, uint64](s),
		decIndex:  chain.NewMap[common.Address, uint64](s),
		swaps:     swapper{gov: g, ledger: ledger, vault: v, hold: self},
	}
}

func (o *OrderBook) Address() common.Address { return o.self }

func (o *OrderBook) IncreaseOrder(account common.Address, index uint64) (IncreaseOrder, bool) {
	return o.increases.Lookup(OrderRef{account, index})
}

func (o *OrderBook) DecreaseOrder(account common.Address, index uint64) (DecreaseOrder, bool) {
	return o.decreases.Lookup(OrderRef{account, index})
}

// IncreaseOrdersIndex is the index the account's next increase order gets.
func (o *OrderBook) IncreaseOrdersIndex(account common.Address) uint64 { return o.incIndex.Get(account) }

func (o *OrderBook) DecreaseOrdersIndex(account common.Address) uint64 { return o.decIndex.Get(account) }

func refLess(a, b OrderRef) bool {
	if c := a.Account.Cmp(b.Account); c != 0 {
		return c < 0
	}
	return a.Index < b.Index
}

// OpenIncreaseOrders lists every open increase order by account, then index.
func (o *OrderBook) OpenIncreaseOrders() []OrderRef { return o.increases.Keys(refLess) }

func (o *OrderBook) OpenDecreaseOrders() []OrderRef { return o.decreases.Keys(refLess) }

// CreateIncreaseOrder escrows the collateral, swapped into the last token of
// Path when Path has more than one token, and the execution fee.
func (o *OrderBook) CreateIncreaseOrder(ctx context.Context, caller common.Address, p IncreaseOrderParams, value fixed.Amount) (uint64, error) {
	return chain.Do(ctx, o.state, func(ctx context.Context) (uint64, error) {
		cfg := o.gov.Config()
		if p.ExecutionFee.Lt(cfg.OrderBook.MinExecutionFee) {
			return 0, o.gov.Err(errs.OrderBookInsufficientExecutionFee)
		}
		if err := o.router.ValidatePlugin(o.self, caller); err != nil {
			return 0, err
		}
		if len(p.Path) < 1 || len(p.Path) > 3 {
			return 0, o.gov.Err(errs.OrderBookInvalidPathLength)
		}
		if len(p.Path) > 1 && p.Path[0] == p.Path[len(p.Path)-1] {
			return 0, o.gov.Err(errs.OrderBookInvalidPath)
		}

		if p.ShouldWrap {
			if p.Path[0] != o.ledger.Wrapped() {
				return 0, o.gov.Err(errs.OrderBookInvalidPath)
			}
			if !value.Eq(p.ExecutionFee.Add(p.AmountIn)) {
				return 0, o.gov.Err(errs.OrderBookIncorrectValue)
			}
			if err := o.ledger.Wrap(caller, o.self, value); err != nil {
				return 0, err
			}
		} else {
			if !value.Eq(p.ExecutionFee) {
				return 0, o.gov.Err(errs.OrderBookIncorrectExecutionFee)
			}
			if err := o.ledger.Wrap(caller, o.self, value); err != nil {
				return 0, err
			}
			if err := o.router.PluginTransfer(ctx, o.self, p.Path[0], caller, o.self, p.AmountIn); err != nil {
				return 0, err
			}
		}

		purchaseToken := p.Path[len(p.Path)-1]
		amount := p.AmountIn
		if len(p.Path) > 1 {
			if err := o.ledger.Move(p.Path[0], o.self, o.vault.Address(), p.AmountIn); err != nil {
				return 0, err
			}
			var err error
			if amount, err = o.swaps.swap(ctx, p.Path, p.MinOut, o.self); err != nil {
				return 0, err
			}
		}
		usd, err := o.vault.TokenToUsdMin(purchaseToken, amount)
		if err != nil {
			return 0, err
		}
		if usd.Lt(cfg.OrderBook.MinPurchaseTokenAmountUsd) {
			return 0, o.gov.Err(errs.OrderBookInsufficientCollateral)
		}

		index := o.incIndex.Get(caller)
		o.incIndex.Set(caller, index+1)
		order := IncreaseOrder{
			Account:               caller,
			PurchaseToken:         purchaseToken,
			PurchaseTokenAmount:   amount,
			CollateralToken:       p.CollateralToken,
			IndexToken:            p.IndexToken,
			SizeDelta:             p.SizeDelta,
			IsLong:                p.IsLong,
			TriggerPrice:          p.TriggerPrice,
			TriggerAboveThreshold: p.TriggerAboveThreshold,
			ExecutionFee:          p.ExecutionFee,
		}
		o.increases.Set(OrderRef{caller, index}, order)
		o.state.Emit(TopicCreateIncreaseOrder, increaseEvent(index, order, fixed.Zero))
		return index, nil
	})
}

// UpdateIncreaseOrder changes the size and trigger of an open increase order.
func (o *OrderBook) UpdateIncreaseOrder(ctx context.Context, caller common.Address, index uint64, sizeDelta, triggerPrice fixed.Amount, triggerAboveThreshold bool) error {
	return o.state.Atomic(ctx, func(ctx context.Context) error {
		ref := OrderRef{caller, index}
		order, ok := o.increases.Lookup(ref)
		if !ok {
			return o.gov.Err(errs.OrderBookNonExistentOrder)
		}
		order.SizeDelta = sizeDelta
		order.TriggerPrice = triggerPrice
		order.TriggerAboveThreshold = triggerAboveThreshold
		o.increases.Set(ref, order)
		o.state.Emit(TopicUpdateIncreaseOrder, increaseEvent(index, order, fixed.Zero))
		return nil
	})
}

// CancelIncreaseOrder refunds the escrowed collateral and execution fee.
// Wrapped collateral is refunded in native coin.
func (o *OrderBook) CancelIncreaseOrder(ctx context.Context, caller common.Address, index uint64) error {
	return o.state.Atomic(ctx, func(ctx context.Context) error {
		ref := OrderRef{caller, index}
		order, ok := o.increases.Lookup(ref)
		if !ok {
			return o.gov.Err(errs.OrderBookNonExistentOrder)
		}
		o.increases.Delete(ref)

		if order.PurchaseToken == o.ledger.Wrapped() {
			if err := o.ledger.Unwrap(o.self, caller, order.PurchaseTokenAmount.Add(order.ExecutionFee)); err != nil {
				return err
			}
		} else {
			if err := o.ledger.Move(order.PurchaseToken, o.self, caller, order.PurchaseTokenAmount); err != nil {
				return err
			}
			if err := o.ledger.Unwrap(o.self, caller, order.ExecutionFee); err != nil {
				return err
			}
		}
		o.state.Emit(TopicCancelIncreaseOrder, increaseEvent(index, order, fixed.Zero))
		return nil
	})
}

// ExecuteIncreaseOrder applies an increase order whose trigger has been
// crossed and pays its execution fee to feeReceiver.
func (o *OrderBook) ExecuteIncreaseOrder(ctx context.Context, caller, account common.Address, index uint64, feeReceiver common.Address) error {
	return o.state.Atomic(ctx, func(ctx context.Context) error {
		ref := OrderRef{account, index}
		order, ok := o.increases.Lookup(ref)
		if !ok {
			return o.gov.Err(errs.OrderBookNonExistentOrder)
		}
		// longs buy at the max price, shorts sell at the min
		price, err := o.validatePositionOrderPrice(order.TriggerAboveThreshold, order.TriggerPrice, order.IndexToken, order.IsLong)
		if err != nil {
			return err
		}
		o.increases.Delete(ref)

		if err := o.ledger.Move(order.PurchaseToken, o.self, o.vault.Address(), order.PurchaseTokenAmount); err != nil {
			return err
		}
		if order.PurchaseToken != order.CollateralToken {
			path := []common.Address{order.PurchaseToken, order.CollateralToken}
			out, err := o.swaps.swap(ctx, path, fixed.Zero, o.self)
			if err != nil {
				return err
			}
			if err := o.ledger.Move(order.CollateralToken, o.self, o.vault.Address(), out); err != nil {
				return err
			}
		}
		if err := o.router.PluginIncreasePosition(ctx, o.self, account, order.CollateralToken, order.IndexToken, order.SizeDelta, order.IsLong); err != nil {
			return err
		}
		if err := o.ledger.Unwrap(o.self, feeReceiver, order.ExecutionFee); err != nil {
			return err
		}
		o.logger.Debug("Increase order executed", "account", account, "index", index, "price", price, "keeper", caller)
		o.state.Emit(TopicExecuteIncreaseOrder, increaseEvent(index, order, price))
		return nil
	})
}

// CreateDecreaseOrder escrows value as the execution fee.
func (o *OrderBook) CreateDecreaseOrder(ctx context.Context, caller common.Address, p DecreaseOrderParams, value fixed.Amount) (uint64, error) {
	return chain.Do(ctx, o.state, func(ctx context.Context) (uint64, error) {
		if value.Lt(o.gov.Config().OrderBook.MinExecutionFee) {
			return 0, o.gov.Err(errs.OrderBookInsufficientExecutionFee)
		}
		if err := o.router.ValidatePlugin(o.self, caller); err != nil {
			return 0, err
		}
		if err := o.ledger.Wrap(caller, o.self, value); err != nil {
			return 0, err
		}

		index := o.decIndex.Get(caller)
		o.decIndex.Set(caller, index+1)
		order := DecreaseOrder{
			Account:               caller,
			CollateralToken:       p.CollateralToken,
			CollateralDelta:       p.CollateralDelta,
			IndexToken:            p.IndexToken,
			SizeDelta:             p.SizeDelta,
			IsLong:                p.IsLong,
			TriggerPrice:          p.TriggerPrice,
			TriggerAboveThreshold: p.TriggerAboveThreshold,
			ExecutionFee:          value,
		}
		o.decreases.Set(OrderRef{caller, index}, order)
		o.state.Emit(TopicCreateDecreaseOrder, decreaseEvent(index, order, fixed.Zero))
		return index, nil
	})
}

func (o *OrderBook) UpdateDecreaseOrder(ctx context.Context, caller common.Address, index uint64, collateralDelta, sizeDelta, triggerPrice fixed.Amount, triggerAboveThreshold bool) error {
	return o.state.Atomic(ctx, func(ctx context.Context) error {
		ref := OrderRef{caller, index}
		order, ok := o.decreases.Lookup(ref)
		if !ok {
			return o.gov.Err(errs.OrderBookNonExistentOrder)
		}
		order.CollateralDelta = collateralDelta
		order.SizeDelta = sizeDelta
		order.TriggerPrice = triggerPrice
		order.TriggerAboveThreshold = triggerAboveThreshold
		o.decreases.Set(ref, order)
		o.state.Emit(TopicUpdateDecreaseOrder, decreaseEvent(index, order, fixed.Zero))
		return nil
	})
}

func (o *OrderBook) CancelDecreaseOrder(ctx context.Context, caller common.Address, index uint64) error {
	return o.state.Atomic(ctx, func(ctx context.Context) error {
		ref := OrderRef{caller, index}
		order, ok := o.decreases.Lookup(ref)
		if !ok {
			return o.gov.Err(errs.OrderBookNonExistentOrder)
		}
		o.decreases.Delete(ref)
		if err := o.ledger.Unwrap(o.self, caller, order.ExecutionFee); err != nil {
			return err
		}
		o.state.Emit(TopicCancelDecreaseOrder, decreaseEvent(index, order, fixed.Zero))
		return nil
	})
}

// ExecuteDecreaseOrder closes part or all of a position once the trigger has
// been crossed. Proceeds in the wrapped token are paid out in native coin.
func (o *OrderBook) ExecuteDecreaseOrder(ctx context.Context, caller, account common.Address, index uint64, feeReceiver common.Address) error {
	return o.state.Atomic(ctx, func(ctx context.Context) error {
		ref := OrderRef{account, index}
		order, ok := o.decreases.Lookup(ref)
		if !ok {
			return o.gov.Err(errs.OrderBookNonExistentOrder)
		}
		// closing a long sells at the min price, closing a short buys at the max
		price, err := o.validatePositionOrderPrice(order.TriggerAboveThreshold, order.TriggerPrice, order.IndexToken, !order.IsLong)
		if err != nil {
			return err
		}
		o.decreases.Delete(ref)

		out, err := o.router.PluginDecreasePosition(ctx, o.self, account, order.CollateralToken, order.IndexToken, order.CollateralDelta, order.SizeDelta, order.IsLong, o.self)
		if err != nil {
			return err
		}
		if !out.IsZero() {
			if order.CollateralToken == o.ledger.Wrapped() {
				err = o.ledger.Unwrap(o.self, account, out)
			} else {
				err = o.ledger.Move(order.CollateralToken, o.self, account, out)
			}
			if err != nil {
				return err
			}
		}
		if err := o.ledger.Unwrap(o.self, feeReceiver, order.ExecutionFee); err != nil {
			return err
		}
		o.logger.Debug("Decrease order executed", "account", account, "index", index, "price", price, "keeper", caller)
		o.state.Emit(TopicExecuteDecreaseOrder, decreaseEvent(index, order, price))
		return nil
	})
}

// validatePositionOrderPrice reads the vault price on the side the trade
// executes at and checks it against the trigger.
func (o *OrderBook) validatePositionOrderPrice(above bool, trigger fixed.Amount, index common.Address, maximise bool) (fixed.Amount, error) {
	var (
		price fixed.Amount
		err   error
	)
	if maximise {
		price, err = o.vault.GetMaxPrice(index)
	} else {
		price, err = o.vault.GetMinPrice(index)
	}
	if err != nil {
		return fixed.Zero, err
	}
	valid := price.Lt(trigger)
	if above {
		valid = price.Gt(trigger)
	}
	if !valid {
		return fixed.Zero, o.gov.Err(errs.OrderBookInvalidPrice)
	}
	return price, nil
}

// SetMinExecutionFee updates the minimum execution fee of new orders.
func (o *OrderBook) SetMinExecutionFee(ctx context.Context, caller common.Address, fee fixed.Amount) error {
	return o.gov.Update(ctx, caller, func(c *gov.Config) error {
		c.OrderBook.MinExecutionFee = fee
		return nil
	})
}

func (o *OrderBook) SetMinPurchaseTokenAmountUsd(ctx context.Context, caller common.Address, usd fixed.Amount) error {
	return o.gov.Update(ctx, caller, func(c *gov.Config) error {
		c.OrderBook.MinPurchaseTokenAmountUsd = usd
		return nil
	})
}

func increaseEvent(index uint64, o IncreaseOrder, price fixed.Amount) OrderEvent {
	return OrderEvent{
		Account: o.Account, Index: index, IndexToken: o.IndexToken, SizeDelta: o.SizeDelta, IsLong: o.IsLong,
		TriggerPrice: o.TriggerPrice, TriggerAboveThreshold: o.TriggerAboveThreshold, ExecutionFee: o.ExecutionFee,
		ExecutionPrice: price,
	}
}

func decreaseEvent(index uint64, o DecreaseOrder, price fixed.Amount) OrderEvent {
	return OrderEvent{
		Account: o.Account, Index: index, IndexToken: o.IndexToken, SizeDelta: o.SizeDelta, IsLong: o.IsLong,
		TriggerPrice: o.TriggerPrice, TriggerAboveThreshold: o.TriggerAboveThreshold, ExecutionFee: o.ExecutionFee,
		ExecutionPrice: price,
	}
}

// Triggered lists the open orders whose trigger price the vault price has
// crossed, in OpenIncreaseOrders and OpenDecreaseOrders order.
func (o *OrderBook) Triggered() (increases, decreases []OrderRef) {
	for _, ref := range o.OpenIncreaseOrders() {
		order, _ := o.increases.Lookup(ref)
		if _, err := o.validatePositionOrderPrice(order.TriggerAboveThreshold, order.TriggerPrice, order.IndexToken, order.IsLong); err == nil {
			increases = append(increases, ref)
		}
	}
	for _, ref := range o.OpenDecreaseOrders() {
		order, _ := o.decreases.Lookup(ref)
		if _, err := o.validatePositionOrderPrice(order.TriggerAboveThreshold, order.TriggerPrice, order.IndexToken, !order.IsLong); err == nil {
			decreases = append(decreases, ref)
		}
	}
	return increases, decreases
}
