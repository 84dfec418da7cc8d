package keeper

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/luxfi/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/klp/pkg/chain"
	"github.com/luxfi/klp/pkg/fixed"
	"github.com/luxfi/klp/pkg/gov"
	"github.com/luxfi/klp/pkg/router"
	"github.com/luxfi/klp/pkg/token"
	"github.com/luxfi/klp/pkg/venue"
)

var (
	govAddr     = common.HexToAddress("0x01")
	user0       = common.HexToAddress("0x02")
	user1       = common.HexToAddress("0x03")
	keeperAddr  = common.HexToAddress("0x04")
	feeReceiver = common.HexToAddress("0x05")
	bnb         = common.HexToAddress("0x10")
	dai         = common.HexToAddress("0x11")
)

var fee = fixed.FromUint64(4000)

type recorder struct {
	sweeps       map[string]int
	errors       int
	liquidations int
}

func (r *recorder) ObserveSweep(kind string, _ time.Duration, err error) {
	r.sweeps[kind]++
	if err != nil {
		r.errors++
	}
}

func (r *recorder) RecordLiquidation() { r.liquidations++ }

type fixture struct {
	venue  *venue.Venue
	clock  *chain.ManualClock
	rec    *recorder
	keeper *Keeper
}

func newFixture(t *testing.T, cfg Config) *fixture {
	ctx := context.Background()
	level, _ := log.ToLevel("error")
	logger := log.NewTestLogger(level)
	clock := chain.NewManualClock(1, 1_700_000_000)

	gcfg := gov.DefaultConfig()
	gcfg.SetToken(gov.TokenConfig{Address: dai, Symbol: "DAI", Decimals: 18, PriceDecimals: 8, Weight: 10000, IsStable: true})
	gcfg.SetToken(gov.TokenConfig{Address: bnb, Symbol: "BNB", Decimals: 18, PriceDecimals: 8, Weight: 10000, IsShortable: true})
	gcfg.PriceFeed.PriceSampleSpace = 1

	addrs := venue.DefaultAddresses()
	addrs.Gov = govAddr
	addrs.Wrapped = bnb
	v, err := venue.New(venue.Options{
		Config:    gcfg,
		Addresses: addrs,
		Roles: venue.Roles{
			Keepers:     []common.Address{keeperAddr},
			Liquidators: []common.Address{keeperAddr},
		},
		Clock:  clock,
		Logger: logger,
	})
	require.NoError(t, err)
	require.NoError(t, v.Report(ctx, map[common.Address]string{dai: "1", bnb: "300"}))

	// 60 BNB of pool liquidity
	v.Ledger.Issue(token.Native, user1, units(60))
	require.NoError(t, v.Ledger.Wrap(user1, user1, units(60)))
	require.NoError(t, v.Ledger.Approve(ctx, user1, bnb, addrs.KlpManager, units(60)))
	_, err = v.Klp.AddLiquidity(ctx, user1, bnb, units(60), fixed.Zero, fixed.Zero)
	require.NoError(t, err)

	rec := &recorder{sweeps: map[string]int{}}
	return &fixture{venue: v, clock: clock, rec: rec, keeper: New(cfg, v, rec, logger)}
}

func units(x uint64) fixed.Amount { return fixed.Expand(x, 18) }

func (f *fixture) openLong(t *testing.T, account common.Address) common.Hash {
	ctx := context.Background()
	a := f.venue.Addresses()
	f.venue.Ledger.Issue(dai, account, units(600))
	f.venue.Ledger.Issue(token.Native, account, fee)
	require.NoError(t, f.venue.Ledger.Approve(ctx, account, dai, a.Router, units(600)))
	require.NoError(t, f.venue.Router.ApprovePlugin(ctx, account, a.PositionRouter))

	key, err := f.venue.PositionRouter.CreateIncreasePosition(ctx, account, []common.Address{dai, bnb}, bnb,
		units(600), units(1), fixed.USD(6000), true, fixed.USD(300), fee, fee)
	require.NoError(t, err)
	return key
}

func TestTickExecutesQueuedIncreases(t *testing.T) {
	f := newFixture(t, Config{Address: keeperAddr, FeeReceiver: feeReceiver, Interval: time.Second})
	ctx := context.Background()
	f.openLong(t, user0)

	// requests are not executable in the block they were created
	res, err := f.keeper.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), res.Increases)
	assert.Equal(t, 1, f.rec.sweeps["increase"])

	f.clock.Mine(1, 3*time.Second)
	res, err = f.keeper.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), res.Increases)

	pos, ok := f.venue.Vault.GetPosition(user0, bnb, bnb, true)
	require.True(t, ok)
	assert.Equal(t, fixed.USD(6000), pos.Size)
	assert.Equal(t, fee, f.venue.Ledger.BalanceOf(token.Native, feeReceiver))

	// an empty queue is not swept
	_, err = f.keeper.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, f.rec.sweeps["increase"])
}

func TestTickHonoursBatchSize(t *testing.T) {
	f := newFixture(t, Config{Address: keeperAddr, FeeReceiver: feeReceiver, BatchSize: 1})
	ctx := context.Background()
	f.openLong(t, user0)
	f.openLong(t, user1)
	f.clock.Mine(1, 3*time.Second)

	res, err := f.keeper.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), res.Increases)

	res, err = f.keeper.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), res.Increases)

	_, ok := f.venue.Vault.GetPosition(user1, bnb, bnb, true)
	assert.True(t, ok)
}

func TestTickNeedsKeeperRole(t *testing.T) {
	f := newFixture(t, Config{Address: user0})
	f.openLong(t, user1)
	f.clock.Mine(1, 3*time.Second)

	_, err := f.keeper.Tick(context.Background())
	assert.EqualError(t, err, "PositionRouter: forbidden")
	assert.Equal(t, 1, f.rec.errors)
	// fee receiver defaults to the keeper address
	assert.Equal(t, user0, f.keeper.cfg.FeeReceiver)
}

func TestTickLiquidates(t *testing.T) {
	f := newFixture(t, Config{Address: keeperAddr, FeeReceiver: feeReceiver, Liquidate: true})
	ctx := context.Background()
	f.openLong(t, user0)
	f.clock.Mine(1, 3*time.Second)
	_, err := f.keeper.Tick(ctx)
	require.NoError(t, err)

	res, err := f.keeper.Tick(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Liquidated)

	require.NoError(t, f.venue.Report(ctx, map[common.Address]string{bnb: "250"}))
	res, err = f.keeper.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Liquidated)
	assert.Equal(t, 1, f.rec.liquidations)

	_, ok := f.venue.Vault.GetPosition(user0, bnb, bnb, true)
	assert.False(t, ok)
}

func TestTickExecutesTriggeredOrders(t *testing.T) {
	f := newFixture(t, Config{Address: keeperAddr, FeeReceiver: feeReceiver})
	ctx := context.Background()
	a := f.venue.Addresses()
	ob := f.venue.OrderBook
	f.openLong(t, user0)
	f.clock.Mine(1, 3*time.Second)
	_, err := f.keeper.Tick(ctx)
	require.NoError(t, err)

	takeProfit := router.DecreaseOrderParams{
		IndexToken:            bnb,
		SizeDelta:             fixed.USD(6000),
		CollateralToken:       bnb,
		IsLong:                true,
		TriggerPrice:          fixed.USD(330),
		TriggerAboveThreshold: true,
	}
	for _, account := range []common.Address{user0, user1} {
		f.venue.Ledger.Issue(token.Native, account, fee)
		require.NoError(t, f.venue.Router.ApprovePlugin(ctx, account, a.OrderBook))
		_, err = ob.CreateDecreaseOrder(ctx, account, takeProfit, fee)
		require.NoError(t, err)
	}

	res, err := f.keeper.Tick(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Orders)
	assert.Zero(t, f.rec.sweeps["order"])

	require.NoError(t, f.venue.Report(ctx, map[common.Address]string{bnb: "340"}))
	res, err = f.keeper.Tick(ctx)
	require.NoError(t, err)
	// user1 has no position, so only user0's order goes through
	assert.Equal(t, 1, res.Orders)
	assert.Equal(t, 1, f.rec.sweeps["order"])

	_, ok := f.venue.Vault.GetPosition(user0, bnb, bnb, true)
	assert.False(t, ok)
	_, ok = ob.DecreaseOrder(user0, 0)
	assert.False(t, ok)
	_, ok = ob.DecreaseOrder(user1, 0)
	assert.True(t, ok)
	assert.Equal(t, fee.Add(fee), f.venue.Ledger.BalanceOf(token.Native, feeReceiver))
}

func TestRunStopsOnCancel(t *testing.T) {
	f := newFixture(t, Config{Address: keeperAddr, Interval: time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.keeper.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal(errors.New("keeper did not stop"))
	}
}
