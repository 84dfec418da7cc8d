package router

import (
	"context"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/luxfi/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/klp/pkg/chain"
	"github.com/luxfi/klp/pkg/errs"
	"github.com/luxfi/klp/pkg/fixed"
	"github.com/luxfi/klp/pkg/gov"
	"github.com/luxfi/klp/pkg/token"
	"github.com/luxfi/klp/pkg/vault"
)

var (
	govAddr     = common.HexToAddress("0x01")
	user0       = common.HexToAddress("0x02")
	user1       = common.HexToAddress("0x03")
	keeper      = common.HexToAddress("0x04")
	feeReceiver = common.HexToAddress("0x05")
	vaultAddr   = common.HexToAddress("0x06")
	usdgAddr    = common.HexToAddress("0x07")
	routerAddr  = common.HexToAddress("0x08")
	prAddr      = common.HexToAddress("0x09")
	obAddr      = common.HexToAddress("0x0a")
	bnb         = common.HexToAddress("0x10")
	dai         = common.HexToAddress("0x11")
)

type prices map[common.Address]fixed.Amount

func (p prices) GetPrice(tok common.Address, _ bool) (fixed.Amount, error) {
	v, ok := p[tok]
	if !ok {
		return fixed.Zero, errs.New(errs.OracleInvalidPriceFeed)
	}
	return v, nil
}

type fixture struct {
	clock   *chain.ManualClock
	gov     *gov.Governor
	ledger  *token.Ledger
	prices  prices
	vault   *vault.Vault
	router  *Router
	pr      *PositionRouter
	ob      *OrderBook
	complex *ComplexOrderRouter
}

func newFixture(t *testing.T) *fixture {
	ctx := context.Background()
	level, _ := log.ToLevel("error")
	logger := log.NewTestLogger(level)
	clock := chain.NewManualClock(1, 1_700_000_000)
	state := chain.NewState(clock, logger)

	cfg := gov.DefaultConfig()
	cfg.SetToken(gov.TokenConfig{Address: bnb, Symbol: "BNB", Decimals: 18, Weight: 10000, IsShortable: true})
	cfg.SetToken(gov.TokenConfig{Address: dai, Symbol: "DAI", Decimals: 18, Weight: 10000, IsStable: true})
	g, err := gov.New(state, govAddr, cfg, errs.NewTable(), logger)
	require.NoError(t, err)
	require.NoError(t, g.SetRole(ctx, govAddr, gov.RoleKeeper, keeper, true))

	ledger := token.NewLedger(g, bnb, logger)
	p := prices{bnb: fixed.USD(300), dai: fixed.USD(1)}
	v := vault.New(g, ledger, p, vaultAddr, usdgAddr, logger)
	r := NewRouter(g, ledger, v, routerAddr, logger)
	pr := NewPositionRouter(g, ledger, v, r, prAddr, logger)
	ob := NewOrderBook(g, ledger, v, r, obAddr, logger)

	require.NoError(t, v.SetRouter(ctx, govAddr, routerAddr))
	require.NoError(t, r.AddPlugin(ctx, govAddr, prAddr))
	require.NoError(t, r.AddPlugin(ctx, govAddr, obAddr))

	return &fixture{
		clock: clock, gov: g, ledger: ledger, prices: p, vault: v, router: r, pr: pr,
		ob: ob, complex: NewComplexOrderRouter(g, ob, pr, logger),
	}
}

func units(x uint64) fixed.Amount { return fixed.Expand(x, 18) }

var fee = fixed.FromUint64(4000)

// fund seeds the vault pool of tok.
func (f *fixture) fund(t *testing.T, tok common.Address, amount fixed.Amount) {
	if tok == f.ledger.Wrapped() {
		f.ledger.Issue(token.Native, user1, amount)
		require.NoError(t, f.ledger.Wrap(user1, user1, amount))
	} else {
		f.ledger.Issue(tok, user1, amount)
	}
	require.NoError(t, f.ledger.Move(tok, user1, vaultAddr, amount))
	_, err := f.vault.BuyUSDG(context.Background(), user1, tok, user1)
	require.NoError(t, err)
}

// prepare gives account collateral, native coin for fees and the approvals
// the position router needs.
func (f *fixture) prepare(t *testing.T, account, tok common.Address, amount fixed.Amount) {
	ctx := context.Background()
	f.ledger.Issue(tok, account, amount)
	f.ledger.Issue(token.Native, account, fixed.FromUint64(100000))
	require.NoError(t, f.ledger.Approve(ctx, account, tok, routerAddr, amount))
	require.NoError(t, f.router.ApprovePlugin(ctx, account, prAddr))
}

// openLong queues the 600 DAI to BNB 10x long used across tests.
func (f *fixture) openLong(t *testing.T) common.Hash {
	key, err := f.pr.CreateIncreasePosition(context.Background(), user0, []common.Address{dai, bnb}, bnb,
		units(600), units(1), fixed.USD(6000), true, fixed.USD(300), fee, fee)
	require.NoError(t, err)
	return key
}

func TestPluginChecks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.ledger.Issue(dai, user0, units(10))
	require.NoError(t, f.ledger.Approve(ctx, user0, dai, routerAddr, units(10)))

	err := f.router.PluginTransfer(ctx, user1, dai, user0, user1, units(1))
	assert.EqualError(t, err, "Router: invalid plugin")

	err = f.router.PluginTransfer(ctx, prAddr, dai, user0, user1, units(1))
	assert.EqualError(t, err, "Router: plugin not approved")

	require.NoError(t, f.router.ApprovePlugin(ctx, user0, prAddr))
	require.NoError(t, f.router.PluginTransfer(ctx, prAddr, dai, user0, user1, units(1)))
	assert.Equal(t, units(1), f.ledger.BalanceOf(dai, user1))
	assert.Equal(t, units(9), f.ledger.Allowance(dai, user0, routerAddr))

	require.NoError(t, f.router.DenyPlugin(ctx, user0, prAddr))
	assert.False(t, f.router.IsApproved(user0, prAddr))
	assert.Error(t, f.router.AddPlugin(ctx, user0, user1))
}

func TestRouterSwap(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, bnb, units(10))
	f.ledger.Issue(dai, user0, units(600))
	require.NoError(t, f.ledger.Approve(ctx, user0, dai, routerAddr, units(600)))

	_, err := f.router.Swap(ctx, user0, []common.Address{dai}, units(600), fixed.Zero, user0)
	assert.EqualError(t, err, "PositionRouter: invalid _path length")

	_, err = f.router.Swap(ctx, user0, []common.Address{dai, bnb}, units(600), units(2), user0)
	assert.EqualError(t, err, "Router: insufficient amountOut")
	assert.Equal(t, units(600), f.ledger.BalanceOf(dai, user0))

	out, err := f.router.Swap(ctx, user0, []common.Address{dai, bnb}, units(600), units(1), user0)
	require.NoError(t, err)
	assert.Equal(t, fixed.MustParse("1994000000000000000"), out)
	assert.Equal(t, out, f.ledger.BalanceOf(bnb, user0))
}

func TestRouterDirectPoolDeposit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.ledger.Issue(bnb, user0, units(3))

	assert.Error(t, f.router.DirectPoolDeposit(ctx, user0, bnb, units(3)))

	require.NoError(t, f.ledger.Approve(ctx, user0, bnb, routerAddr, units(3)))
	require.NoError(t, f.router.DirectPoolDeposit(ctx, user0, bnb, units(3)))
	assert.Equal(t, units(3), f.vault.PoolAmount(bnb))
	assert.True(t, f.ledger.BalanceOf(bnb, user0).IsZero())
}

func TestRouterSwapThroughUSDG(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.ledger.Issue(dai, user0, units(100))
	require.NoError(t, f.ledger.Approve(ctx, user0, dai, routerAddr, units(100)))

	out, err := f.router.Swap(ctx, user0, []common.Address{dai, usdgAddr}, units(100), fixed.Zero, user0)
	require.NoError(t, err)
	assert.Equal(t, fixed.MustParse("99700000000000000000"), out)
	assert.Equal(t, out, f.ledger.BalanceOf(usdgAddr, user0))
}

func TestIncreasePositionRequest(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, bnb, units(30))
	assert.Equal(t, fixed.MustParse("29910000000000000000"), f.vault.PoolAmount(bnb))
	f.prepare(t, user0, dai, units(600))

	path := []common.Address{dai, bnb}
	_, err := f.pr.CreateIncreasePosition(ctx, user0, path, bnb, units(600), units(1), fixed.USD(6000), true, fixed.USD(300), fixed.FromUint64(3999), fixed.FromUint64(3999))
	assert.EqualError(t, err, "PositionRouter: invalid executionFee")
	_, err = f.pr.CreateIncreasePosition(ctx, user0, path, bnb, units(600), units(1), fixed.USD(6000), true, fixed.USD(300), fee, fixed.FromUint64(3000))
	assert.EqualError(t, err, "PositionRouter: invalid msg.value")
	_, err = f.pr.CreateIncreasePosition(ctx, user0, []common.Address{dai, usdgAddr, bnb}, bnb, units(600), units(1), fixed.USD(6000), true, fixed.USD(300), fee, fee)
	assert.EqualError(t, err, "PositionRouter: invalid _path length")

	key := f.openLong(t)
	assert.Equal(t, GetRequestKey(user0, 1), key)
	assert.Equal(t, uint64(1), f.pr.IncreasePositionsIndex(user0))
	assert.True(t, f.ledger.BalanceOf(dai, user0).IsZero())
	assert.Equal(t, units(600), f.ledger.BalanceOf(dai, prAddr))
	assert.Equal(t, fee, f.ledger.BalanceOf(bnb, prAddr))

	is, ie, _, _ := f.pr.GetRequestQueueLengths()
	assert.Equal(t, uint64(0), is)
	assert.Equal(t, uint64(1), ie)

	// same block: the keeper must wait one block
	ok, err := f.pr.ExecuteIncreasePosition(ctx, keeper, key, feeReceiver)
	require.NoError(t, err)
	assert.False(t, ok)

	f.clock.Mine(1, time.Second)
	ok, err = f.pr.ExecuteIncreasePosition(ctx, keeper, key, feeReceiver)
	require.NoError(t, err)
	assert.True(t, ok)

	pos, found := f.vault.GetPosition(user0, bnb, bnb, true)
	require.True(t, found)
	assert.Equal(t, fixed.USD(6000), pos.Size)
	assert.Equal(t, fixed.MustParse("592200000000000000000000000000000"), pos.Collateral)
	assert.Equal(t, units(20), pos.ReserveAmount)
	assert.Equal(t, fee, f.ledger.BalanceOf(token.Native, feeReceiver))
	assert.True(t, f.ledger.BalanceOf(bnb, prAddr).IsZero())

	_, found = f.pr.IncreaseRequest(key)
	assert.False(t, found)
	is, ie, _, _ = f.pr.GetRequestQueueLengths()
	assert.Equal(t, uint64(1), is)
	assert.Equal(t, uint64(1), ie)

	// already processed
	ok, err = f.pr.ExecuteIncreasePosition(ctx, keeper, key, feeReceiver)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, fee, f.ledger.BalanceOf(token.Native, feeReceiver))
}

func TestPublicExecutionDelay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, bnb, units(30))
	f.prepare(t, user0, dai, units(600))
	key := f.openLong(t)

	f.clock.Mine(1, time.Second)
	ok, err := f.pr.ExecuteIncreasePosition(ctx, user0, key, user0)
	require.NoError(t, err)
	assert.False(t, ok)

	f.clock.Mine(2, time.Second)
	require.NoError(t, f.gov.Update(ctx, govAddr, func(c *gov.Config) error {
		c.Vault.IsLeverageEnabled = false
		return nil
	}))
	_, err = f.pr.ExecuteIncreasePosition(ctx, user0, key, user0)
	assert.EqualError(t, err, "PositionRouter: leverage disabled")

	require.NoError(t, f.gov.Update(ctx, govAddr, func(c *gov.Config) error {
		c.Vault.IsLeverageEnabled = true
		return nil
	}))
	ok, err = f.pr.ExecuteIncreasePosition(ctx, user0, key, user0)
	require.NoError(t, err)
	assert.True(t, ok)
	_, found := f.vault.GetPosition(user0, bnb, bnb, true)
	assert.True(t, found)
}

func TestExpiredRequestIsRefunded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, bnb, units(30))
	f.prepare(t, user0, dai, units(600))
	native := f.ledger.BalanceOf(token.Native, user0)
	key := f.openLong(t)

	f.clock.Mine(1, time.Second)
	f.clock.Advance(30 * time.Minute)
	ok, err := f.pr.ExecuteIncreasePosition(ctx, keeper, key, feeReceiver)
	require.NoError(t, err)
	assert.True(t, ok)

	_, found := f.vault.GetPosition(user0, bnb, bnb, true)
	assert.False(t, found)
	assert.Equal(t, units(600), f.ledger.BalanceOf(dai, user0))
	assert.Equal(t, native, f.ledger.BalanceOf(token.Native, user0))
	assert.True(t, f.ledger.BalanceOf(token.Native, feeReceiver).IsZero())
	assert.Empty(t, f.pr.PendingIncreaseKeys())
}

func TestCancelIncreasePosition(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.prepare(t, user0, dai, units(600))
	native := f.ledger.BalanceOf(token.Native, user0)
	key := f.openLong(t)

	ok, err := f.pr.CancelIncreasePosition(ctx, user0, key)
	require.NoError(t, err)
	assert.False(t, ok)

	f.clock.Mine(3, time.Second)
	ok, err = f.pr.CancelIncreasePosition(ctx, user0, key)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, units(600), f.ledger.BalanceOf(dai, user0))
	assert.Equal(t, native, f.ledger.BalanceOf(token.Native, user0))

	ok, err = f.pr.CancelIncreasePosition(ctx, user0, key)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, units(600), f.ledger.BalanceOf(dai, user0))
}

func TestSweepIsFIFO(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, bnb, units(60))
	f.prepare(t, user0, dai, units(1800))

	first := f.openLong(t)
	// acceptable price below the mark, so execution fails and it is cancelled
	second, err := f.pr.CreateIncreasePosition(ctx, user0, []common.Address{dai, bnb}, bnb,
		units(600), units(1), fixed.USD(6000), true, fixed.USD(290), fee, fee)
	require.NoError(t, err)
	f.clock.Mine(1, time.Second)
	third := f.openLong(t)

	assert.Error(t, f.pr.ExecuteIncreasePositions(ctx, user0, 3, feeReceiver))

	require.NoError(t, f.pr.ExecuteIncreasePositions(ctx, keeper, 10, feeReceiver))
	_, found := f.pr.IncreaseRequest(first)
	assert.False(t, found)
	_, found = f.pr.IncreaseRequest(second)
	assert.False(t, found)
	_, found = f.pr.IncreaseRequest(third)
	assert.True(t, found)

	is, ie, _, _ := f.pr.GetRequestQueueLengths()
	assert.Equal(t, uint64(2), is)
	assert.Equal(t, uint64(3), ie)
	assert.Equal(t, []common.Hash{third}, f.pr.PendingIncreaseKeys())

	// the cancelled request was refunded, the executed one paid its fee
	assert.Equal(t, units(600), f.ledger.BalanceOf(dai, user0))
	assert.Equal(t, fee, f.ledger.BalanceOf(token.Native, feeReceiver))
	pos, _ := f.vault.GetPosition(user0, bnb, bnb, true)
	assert.Equal(t, fixed.USD(6000), pos.Size)

	f.clock.Mine(1, time.Second)
	require.NoError(t, f.pr.ExecuteIncreasePositions(ctx, keeper, 10, feeReceiver))
	is, _, _, _ = f.pr.GetRequestQueueLengths()
	assert.Equal(t, uint64(3), is)
	pos, _ = f.vault.GetPosition(user0, bnb, bnb, true)
	assert.Equal(t, fixed.USD(12000), pos.Size)
}

func TestDepositFee(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, bnb, units(30))
	f.prepare(t, user0, dai, units(600))
	key := f.openLong(t)
	f.clock.Mine(1, time.Second)
	_, err := f.pr.ExecuteIncreasePosition(ctx, keeper, key, feeReceiver)
	require.NoError(t, err)

	// collateral only: charged the deposit fee
	f.prepare(t, user0, bnb, units(1))
	key, err = f.pr.CreateIncreasePosition(ctx, user0, []common.Address{bnb}, bnb, units(1), fixed.Zero, fixed.Zero, true, fixed.USD(300), fee, fee)
	require.NoError(t, err)
	f.clock.Mine(1, time.Second)
	ok, err := f.pr.ExecuteIncreasePosition(ctx, keeper, key, feeReceiver)
	require.NoError(t, err)
	assert.True(t, ok)

	assert.Equal(t, fixed.MustParse("5000000000000000"), f.pr.FeeReserve(bnb))
	pos, _ := f.vault.GetPosition(user0, bnb, bnb, true)
	assert.Equal(t, fixed.MustParse("890700000000000000000000000000000"), pos.Collateral)

	_, err = f.pr.WithdrawFees(ctx, user0, bnb, user0)
	assert.Error(t, err)
	out, err := f.pr.WithdrawFees(ctx, govAddr, bnb, user1)
	require.NoError(t, err)
	assert.Equal(t, fixed.MustParse("5000000000000000"), out)
	assert.True(t, f.pr.FeeReserve(bnb).IsZero())
}

func TestShortWithStableCollateral(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, dai, units(10000))
	f.prepare(t, user0, dai, units(600))

	key, err := f.pr.CreateIncreasePosition(ctx, user0, []common.Address{dai}, bnb, units(600), fixed.Zero, fixed.USD(6000), false, fixed.USD(310), fee, fee)
	require.NoError(t, err)
	f.clock.Mine(1, time.Second)
	_, err = f.pr.ExecuteIncreasePosition(ctx, keeper, key, feeReceiver)
	assert.EqualError(t, err, "PositionRouter: markPrice < price")

	ok, err := f.pr.CancelIncreasePosition(ctx, keeper, key)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, units(600), f.ledger.BalanceOf(dai, user0))

	require.NoError(t, f.ledger.Approve(ctx, user0, dai, routerAddr, units(600)))
	key, err = f.pr.CreateIncreasePosition(ctx, user0, []common.Address{dai}, bnb, units(600), fixed.Zero, fixed.USD(6000), false, fixed.USD(300), fee, fee)
	require.NoError(t, err)
	f.clock.Mine(1, time.Second)
	ok, err = f.pr.ExecuteIncreasePosition(ctx, keeper, key, feeReceiver)
	require.NoError(t, err)
	assert.True(t, ok)

	pos, found := f.vault.GetPosition(user0, dai, bnb, false)
	require.True(t, found)
	assert.Equal(t, fixed.USD(594), pos.Collateral)
	assert.Equal(t, units(6000), pos.ReserveAmount)
	assert.Equal(t, fixed.USD(6000), f.vault.GetPoolState(bnb).GlobalShortSize)
}

func TestDecreasePositionRequest(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, bnb, units(30))
	f.prepare(t, user0, dai, units(600))
	key := f.openLong(t)
	f.clock.Mine(1, time.Second)
	_, err := f.pr.ExecuteIncreasePosition(ctx, keeper, key, feeReceiver)
	require.NoError(t, err)

	_, err = f.pr.CreateDecreasePosition(ctx, user0, []common.Address{bnb}, bnb, fixed.Zero, fixed.USD(6000), true, user1, fixed.USD(300), fixed.Zero, fee, fee, false)
	require.NoError(t, err)
	_, err = f.pr.CreateDecreasePosition(ctx, user0, []common.Address{bnb, dai}, bnb, fixed.Zero, fixed.USD(6000), true, user1, fixed.USD(300), fixed.Zero, fee, fee, true)
	assert.EqualError(t, err, "Router: invalid _path")

	native := f.ledger.BalanceOf(token.Native, user1)
	key = GetRequestKey(user0, 1)
	req, found := f.pr.DecreaseRequest(key)
	require.True(t, found)
	assert.Equal(t, user1, req.Receiver)

	f.clock.Mine(1, time.Second)
	require.NoError(t, f.pr.ExecuteDecreasePositions(ctx, keeper, 1, feeReceiver))
	_, found = f.vault.GetPosition(user0, bnb, bnb, true)
	assert.False(t, found)
	// 592.2 collateral less the 6 USD closing fee, at 300
	assert.Equal(t, fixed.MustParse("1954000000000000000"), f.ledger.BalanceOf(bnb, user1))
	assert.Equal(t, native, f.ledger.BalanceOf(token.Native, user1))
	assert.Equal(t, fee.Add(fee), f.ledger.BalanceOf(token.Native, feeReceiver))

	_, _, ds, de := f.pr.GetRequestQueueLengths()
	assert.Equal(t, uint64(1), ds)
	assert.Equal(t, uint64(1), de)
}

func TestDecreaseWithdrawETH(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, bnb, units(30))
	f.prepare(t, user0, dai, units(600))
	key := f.openLong(t)
	f.clock.Mine(1, time.Second)
	_, err := f.pr.ExecuteIncreasePosition(ctx, keeper, key, feeReceiver)
	require.NoError(t, err)

	key, err = f.pr.CreateDecreasePosition(ctx, user0, []common.Address{bnb}, bnb, fixed.Zero, fixed.USD(6000), true, user1, fixed.USD(301), fixed.Zero, fee, fee, true)
	require.NoError(t, err)
	f.clock.Mine(1, time.Second)
	_, err = f.pr.ExecuteDecreasePosition(ctx, keeper, key, feeReceiver)
	assert.EqualError(t, err, "PositionRouter: markPrice < price")

	ok, err := f.pr.CancelDecreasePosition(ctx, keeper, key)
	require.NoError(t, err)
	assert.True(t, ok)

	key, err = f.pr.CreateDecreasePosition(ctx, user0, []common.Address{bnb}, bnb, fixed.Zero, fixed.USD(6000), true, user1, fixed.USD(300), fixed.Zero, fee, fee, true)
	require.NoError(t, err)
	f.clock.Mine(1, time.Second)
	ok, err = f.pr.ExecuteDecreasePosition(ctx, keeper, key, feeReceiver)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, fixed.MustParse("1954000000000000000"), f.ledger.BalanceOf(token.Native, user1))
}

func TestIncreasePositionETH(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, bnb, units(30))
	f.prepare(t, user0, dai, fixed.Zero)
	f.ledger.Issue(token.Native, user0, units(1))

	_, err := f.pr.CreateIncreasePositionETH(ctx, user0, []common.Address{dai}, bnb, fixed.Zero, fixed.USD(600), true, fixed.USD(300), fee, units(1).Add(fee))
	assert.EqualError(t, err, "Router: invalid _path")

	key, err := f.pr.CreateIncreasePositionETH(ctx, user0, []common.Address{bnb}, bnb, fixed.Zero, fixed.USD(600), true, fixed.USD(300), fee, units(1).Add(fee))
	require.NoError(t, err)
	req, _ := f.pr.IncreaseRequest(key)
	assert.True(t, req.HasCollateralInETH)
	assert.Equal(t, units(1), req.AmountIn)

	f.clock.Mine(1, time.Second)
	_, err = f.pr.ExecuteIncreasePosition(ctx, keeper, key, feeReceiver)
	require.NoError(t, err)
	pos, found := f.vault.GetPosition(user0, bnb, bnb, true)
	require.True(t, found)
	assert.Equal(t, fixed.MustParse("299400000000000000000000000000000"), pos.Collateral)
}

func TestSetDelayValues(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	assert.Error(t, f.pr.SetDelayValues(ctx, user0, 0, 0, time.Minute))
	require.NoError(t, f.pr.SetDelayValues(ctx, govAddr, 0, 5, time.Hour))
	rc := f.gov.Config().Router
	assert.Equal(t, uint64(0), rc.MinBlockDelayKeeper)
	assert.Equal(t, uint64(5), rc.MinBlockDelayPublic)
	assert.Equal(t, time.Hour, rc.MaxExecutionValidity)

	require.NoError(t, f.pr.SetMinExecutionFee(ctx, govAddr, fixed.FromUint64(5000)))
	f.prepare(t, user0, dai, units(600))
	_, err := f.pr.CreateIncreasePosition(ctx, user0, []common.Address{dai}, bnb, units(600), fixed.Zero, fixed.USD(6000), true, fixed.USD(300), fee, fee)
	assert.EqualError(t, err, "PositionRouter: invalid executionFee")
}

func TestCreateRequiresPluginApproval(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, bnb, units(30))
	f.ledger.Issue(token.Native, user0, units(10))

	_, err := f.pr.CreateIncreasePosition(ctx, user0, []common.Address{bnb}, bnb, fixed.Zero, fixed.Zero, fixed.USD(600), true, fixed.USD(300), fee, fee)
	assert.EqualError(t, err, "Router: plugin not approved")
	_, err = f.pr.CreateIncreasePositionETH(ctx, user0, []common.Address{bnb}, bnb, fixed.Zero, fixed.USD(600), true, fixed.USD(300), fee, units(1).Add(fee))
	assert.EqualError(t, err, "Router: plugin not approved")
	_, err = f.pr.CreateDecreasePosition(ctx, user0, []common.Address{bnb}, bnb, fixed.Zero, fixed.USD(600), true, user0, fixed.USD(300), fixed.Zero, fee, fee, false)
	assert.EqualError(t, err, "Router: plugin not approved")
	assert.Equal(t, units(10), f.ledger.BalanceOf(token.Native, user0))
	assert.Equal(t, uint64(0), f.pr.IncreasePositionsIndex(user0))
	assert.Equal(t, uint64(0), f.pr.DecreasePositionsIndex(user0))

	require.NoError(t, f.router.ApprovePlugin(ctx, user0, prAddr))
	_, err = f.pr.CreateDecreasePosition(ctx, user0, []common.Address{bnb}, bnb, fixed.Zero, fixed.USD(600), true, user0, fixed.USD(300), fixed.Zero, fee, fee, false)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), f.pr.DecreasePositionsIndex(user0))
}

func TestExecutionFeeMustMatchValue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.pr.SetMinExecutionFee(ctx, govAddr, fixed.Zero))
	f.prepare(t, user0, dai, units(600))

	_, err := f.pr.CreateDecreasePosition(ctx, user0, []common.Address{bnb}, bnb, fixed.Zero, fixed.USD(600), true, user0, fixed.USD(300), fixed.Zero, fixed.Zero, fee, false)
	assert.EqualError(t, err, "PositionRouter: invalid msg.value")
	_, err = f.pr.CreateIncreasePosition(ctx, user0, []common.Address{dai}, bnb, units(600), fixed.Zero, fixed.USD(6000), true, fixed.USD(300), fixed.Zero, fee)
	assert.EqualError(t, err, "PositionRouter: invalid msg.value")
	_, err = f.pr.CreateIncreasePositionETH(ctx, user0, []common.Address{bnb}, bnb, fixed.Zero, fixed.USD(600), true, fixed.USD(300), fee, fixed.FromUint64(3000))
	assert.EqualError(t, err, "PositionRouter: invalid msg.value")

	_, err = f.pr.CreateDecreasePosition(ctx, user0, []common.Address{bnb}, bnb, fixed.Zero, fixed.USD(600), true, user0, fixed.USD(300), fixed.Zero, fixed.Zero, fixed.Zero, false)
	require.NoError(t, err)
}

func TestRequestKeysAreDistinct(t *testing.T) {
	assert.NotEqual(t, GetRequestKey(user0, 1), GetRequestKey(user0, 2))
	assert.NotEqual(t, GetRequestKey(user0, 1), GetRequestKey(user1, 1))
	assert.Equal(t, GetRequestKey(user0, 7), GetRequestKey(user0, 7))
}
