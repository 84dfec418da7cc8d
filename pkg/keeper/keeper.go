// Package keeper executes queued position requests and triggered orders and
// liquidates unhealthy positions on a fixed interval.
package keeper

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/luxfi/log"

	"github.com/luxfi/klp/pkg/chain"
	"github.com/luxfi/klp/pkg/router"
	"github.com/luxfi/klp/pkg/vault"
	"github.com/luxfi/klp/pkg/venue"
)

type Config struct {
	Address     common.Address `yaml:"address"`
	FeeReceiver common.Address `yaml:"fee_receiver"`
	Interval    time.Duration  `yaml:"interval"`
	// BatchSize caps the requests swept per queue per tick. Zero sweeps the
	// whole queue.
	BatchSize uint64 `yaml:"batch_size"`
	Liquidate bool   `yaml:"liquidate"`
}

// Recorder receives keeper activity, typically a *metrics.Metrics.
type Recorder interface {
	ObserveSweep(kind string, d time.Duration, err error)
	RecordLiquidation()
}

type nopRecorder struct{}

func (nopRecorder) ObserveSweep(string, time.Duration, error) {}
func (nopRecorder) RecordLiquidation()                        {}

// Result summarizes one tick.
type Result struct {
	Increases  uint64
	Decreases  uint64
	Orders     int
	Liquidated int
}

type Keeper struct {
	cfg      Config
	venue    *venue.Venue
	recorder Recorder
	logger   log.Logger
}

func New(cfg Config, v *venue.Venue, recorder Recorder, logger log.Logger) *Keeper {
	if recorder == nil {
		recorder = nopRecorder{}
	}
	if cfg.FeeReceiver == (common.Address{}) {
		cfg.FeeReceiver = cfg.Address
	}
	return &Keeper{cfg: cfg, venue: v, recorder: recorder, logger: logger}
}

// Run ticks until ctx is cancelled.
func (k *Keeper) Run(ctx context.Context) {
	ticker := time.NewTicker(k.cfg.Interval)
	defer ticker.Stop()

	k.logger.Info("Keeper started", "address", k.cfg.Address.Hex(), "interval", k.cfg.Interval)
	for {
		select {
		case <-ctx.Done():
			k.logger.Info("Keeper stopped")
			return
		case <-ticker.C:
			res, err := k.Tick(ctx)
			if err != nil {
				k.logger.Warn("Keeper tick failed", "error", err)
				continue
			}
			if res != (Result{}) {
				k.logger.Info("Keeper tick",
					"increases", res.Increases,
					"decreases", res.Decreases,
					"orders", res.Orders,
					"liquidated", res.Liquidated)
			}
		}
	}
}

// Tick sweeps both request queues, executes every order whose trigger has
// been crossed and, when enabled, liquidates every position the vault reports
// as liquidatable.
func (k *Keeper) Tick(ctx context.Context) (Result, error) {
	var res Result
	q, err := k.venue.Queues(ctx)
	if err != nil {
		return res, err
	}
	pr := k.venue.PositionRouter

	if len(q.Increases) > 0 {
		res.Increases, err = k.sweep(ctx, "increase", q.IncreaseStart, q.IncreaseEnd, pr.ExecuteIncreasePositions)
		if err != nil {
			return res, err
		}
	}
	if len(q.Decreases) > 0 {
		res.Decreases, err = k.sweep(ctx, "decrease", q.DecreaseStart, q.DecreaseEnd, pr.ExecuteDecreasePositions)
		if err != nil {
			return res, err
		}
	}
	if res.Orders, err = k.executeOrders(ctx); err != nil {
		return res, err
	}
	if k.cfg.Liquidate {
		res.Liquidated, err = k.liquidate(ctx)
	}
	return res, err
}

// executeOrders runs each triggered order in its own call, so one order that
// fails, for example on a closed position, does not hold back the rest.
func (k *Keeper) executeOrders(ctx context.Context) (int, error) {
	snap, err := k.venue.Orders(ctx)
	if err != nil {
		return 0, err
	}
	if len(snap.TriggeredIncreases)+len(snap.TriggeredDecreases) == 0 {
		return 0, nil
	}

	ob := k.venue.OrderBook
	began := time.Now()
	n := 0
	run := func(kind string, refs []router.OrderRef, exec func(context.Context, common.Address, common.Address, uint64, common.Address) error) {
		for _, ref := range refs {
			if err := exec(ctx, k.cfg.Address, ref.Account, ref.Index, k.cfg.FeeReceiver); err != nil {
				k.logger.Warn("Order execution failed",
					"kind", kind,
					"account", ref.Account.Hex(),
					"index", ref.Index,
					"error", err)
				continue
			}
			n++
		}
	}
	run("increase", snap.TriggeredIncreases, ob.ExecuteIncreaseOrder)
	run("decrease", snap.TriggeredDecreases, ob.ExecuteDecreaseOrder)
	k.recorder.ObserveSweep("order", time.Since(began), nil)
	return n, nil
}

type sweepFunc func(ctx context.Context, caller common.Address, endIndex uint64, feeReceiver common.Address) error

// sweep reports how far the queue start moved.
func (k *Keeper) sweep(ctx context.Context, kind string, start, end uint64, fn sweepFunc) (uint64, error) {
	endIndex := end
	if k.cfg.BatchSize > 0 && start+k.cfg.BatchSize < end {
		endIndex = start + k.cfg.BatchSize
	}

	began := time.Now()
	err := fn(ctx, k.cfg.Address, endIndex, k.cfg.FeeReceiver)
	k.recorder.ObserveSweep(kind, time.Since(began), err)
	if err != nil {
		return 0, err
	}

	q, err := k.venue.Queues(ctx)
	if err != nil {
		return 0, err
	}
	next := q.IncreaseStart
	if kind == "decrease" {
		next = q.DecreaseStart
	}
	return next - start, nil
}

func (k *Keeper) liquidate(ctx context.Context) (int, error) {
	v := k.venue.Vault
	positions, err := chain.Read(ctx, k.venue.State, func(ctx context.Context) ([]vault.Position, error) {
		return v.LiquidatablePositions(), nil
	})
	if err != nil {
		return 0, err
	}

	n := 0
	for _, p := range positions {
		err := v.LiquidatePosition(ctx, k.cfg.Address, p.Account, p.CollateralToken, p.IndexToken, p.IsLong, k.cfg.FeeReceiver)
		if err != nil {
			k.logger.Warn("Liquidation failed",
				"account", p.Account.Hex(),
				"index", p.IndexToken.Hex(),
				"isLong", p.IsLong,
				"error", err)
			continue
		}
		k.recorder.RecordLiquidation()
		n++
	}
	return n, nil
}
