package venue

import (
	"context"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/luxfi/klp/pkg/chain"
	"github.com/luxfi/klp/pkg/fixed"
	"github.com/luxfi/klp/pkg/router"
	"github.com/luxfi/klp/pkg/vault"
)

// PoolSnapshot is the vault state of one whitelisted token. Prices are zero
// when the oracle has nothing for the token yet.
type PoolSnapshot struct {
	Token    common.Address `json:"token"`
	Symbol   string         `json:"symbol"`
	Decimals int            `json:"decimals"`
	MinPrice fixed.Amount   `json:"minPrice"`
	MaxPrice fixed.Amount   `json:"maxPrice"`
	vault.PoolState
}

// Snapshot is a consistent read of the venue at one block.
type Snapshot struct {
	Block            chain.Block    `json:"block"`
	ConfigVersion    uint64         `json:"configVersion"`
	AumMax           fixed.Amount   `json:"aumMax"`
	AumMin           fixed.Amount   `json:"aumMin"`
	KlpSupply        fixed.Amount   `json:"klpSupply"`
	KlpPrice         fixed.Amount   `json:"klpPrice"`
	PendingIncreases uint64         `json:"pendingIncreases"`
	PendingDecreases uint64         `json:"pendingDecreases"`
	OpenOrders       uint64         `json:"openOrders"`
	FastPriceBreaker string         `json:"fastPriceBreaker"`
	Pools            []PoolSnapshot `json:"pools"`
}

// Snapshot reads the venue in one call.
func (v *Venue) Snapshot(ctx context.Context) (Snapshot, error) {
	return chain.Read(ctx, v.State, func(ctx context.Context) (Snapshot, error) {
		cfg := v.Gov.Config()
		snap := Snapshot{
			Block:            v.State.Block(),
			ConfigVersion:    cfg.Version,
			KlpSupply:        v.Ledger.TotalSupply(v.addrs.KLP),
			PendingIncreases: uint64(len(v.PositionRouter.PendingIncreaseKeys())),
			PendingDecreases: uint64(len(v.PositionRouter.PendingDecreaseKeys())),
			OpenOrders:       uint64(len(v.OrderBook.OpenIncreaseOrders()) + len(v.OrderBook.OpenDecreaseOrders())),
			FastPriceBreaker: v.FastPrice.Breaker().String(),
		}
		if aums, err := v.Klp.GetAums(); err == nil {
			snap.AumMax, snap.AumMin = aums[0], aums[1]
		} else {
			v.logger.Debug("AUM unavailable", "error", err)
		}
		if price, err := v.Klp.GetPrice(true); err == nil {
			snap.KlpPrice = price
		}
		for _, tc := range cfg.Tokens {
			ps := PoolSnapshot{
				Token:     tc.Address,
				Symbol:    tc.Symbol,
				Decimals:  tc.Decimals,
				PoolState: v.Vault.GetPoolState(tc.Address),
			}
			if p, err := v.Vault.GetMinPrice(tc.Address); err == nil {
				ps.MinPrice = p
			}
			if p, err := v.Vault.GetMaxPrice(tc.Address); err == nil {
				ps.MaxPrice = p
			}
			snap.Pools = append(snap.Pools, ps)
		}
		return snap, nil
	})
}

// QueueSnapshot is the state of the position request queues.
type QueueSnapshot struct {
	IncreaseStart uint64        `json:"increaseStart"`
	IncreaseEnd   uint64        `json:"increaseEnd"`
	DecreaseStart uint64        `json:"decreaseStart"`
	DecreaseEnd   uint64        `json:"decreaseEnd"`
	Increases     []common.Hash `json:"increases"`
	Decreases     []common.Hash `json:"decreases"`
}

func (v *Venue) Queues(ctx context.Context) (QueueSnapshot, error) {
	return chain.Read(ctx, v.State, func(ctx context.Context) (QueueSnapshot, error) {
		is, ie, ds, de := v.PositionRouter.GetRequestQueueLengths()
		return QueueSnapshot{
			IncreaseStart: is,
			IncreaseEnd:   ie,
			DecreaseStart: ds,
			DecreaseEnd:   de,
			Increases:     v.PositionRouter.PendingIncreaseKeys(),
			Decreases:     v.PositionRouter.PendingDecreaseKeys(),
		}, nil
	})
}

// OrderSnapshot lists the open trigger orders and those whose trigger the
// current vault price has crossed.
type OrderSnapshot struct {
	Increases          []router.OrderRef `json:"increases"`
	Decreases          []router.OrderRef `json:"decreases"`
	TriggeredIncreases []router.OrderRef `json:"triggeredIncreases"`
	TriggeredDecreases []router.OrderRef `json:"triggeredDecreases"`
}

func (v *Venue) Orders(ctx context.Context) (OrderSnapshot, error) {
	return chain.Read(ctx, v.State, func(ctx context.Context) (OrderSnapshot, error) {
		snap := OrderSnapshot{
			Increases: v.OrderBook.OpenIncreaseOrders(),
			Decreases: v.OrderBook.OpenDecreaseOrders(),
		}
		snap.TriggeredIncreases, snap.TriggeredDecreases = v.OrderBook.Triggered()
		return snap, nil
	})
}

// ChannelSnapshot serves the initial state of a streaming channel.
func (v *Venue) ChannelSnapshot(channel string) (any, bool) {
	ctx := context.Background()
	component, _, _ := strings.Cut(channel, ".")
	switch component {
	case "router":
		q, err := v.Queues(ctx)
		return q, err == nil
	case "orderbook":
		o, err := v.Orders(ctx)
		return o, err == nil
	case "vault", "klp", "*":
		s, err := v.Snapshot(ctx)
		return s, err == nil
	}
	return nil, false
}
