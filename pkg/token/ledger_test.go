package token

import (
	"context"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/luxfi/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/klp/pkg/chain"
	"github.com/luxfi/klp/pkg/errs"
	"github.com/luxfi/klp/pkg/fixed"
	"github.com/luxfi/klp/pkg/gov"
)

var (
	govAddr = common.HexToAddress("0xa0")
	alice   = common.HexToAddress("0xa1")
	bob     = common.HexToAddress("0xa2")
	staking = common.HexToAddress("0xa3")
	wlux    = common.HexToAddress("0xb0")
	klp     = common.HexToAddress("0xb1")
)

func newLedger(t *testing.T) *Ledger {
	level, _ := log.ToLevel("error")
	logger := log.NewTestLogger(level)
	state := chain.NewState(chain.NewManualClock(1, 1_700_000_000), logger)
	g, err := gov.New(state, govAddr, gov.DefaultConfig(), errs.NewTable(), logger)
	require.NoError(t, err)
	return NewLedger(g, wlux, logger)
}

func TestTransferAndAllowance(t *testing.T) {
	l := newLedger(t)
	ctx := context.Background()
	l.Issue(klp, alice, fixed.FromUint64(100))

	require.NoError(t, l.Transfer(ctx, alice, klp, bob, fixed.FromUint64(40)))
	assert.Equal(t, fixed.FromUint64(60), l.BalanceOf(klp, alice))
	assert.Equal(t, fixed.FromUint64(40), l.BalanceOf(klp, bob))

	err := l.Transfer(ctx, alice, klp, bob, fixed.FromUint64(61))
	assert.EqualError(t, err, "ERC20: transfer amount exceeds balance")

	err = l.TransferFrom(ctx, bob, klp, alice, bob, fixed.FromUint64(1))
	assert.EqualError(t, err, "ERC20: transfer amount exceeds allowance")

	require.NoError(t, l.Approve(ctx, alice, klp, bob, fixed.FromUint64(10)))
	require.NoError(t, l.TransferFrom(ctx, bob, klp, alice, bob, fixed.FromUint64(10)))
	assert.True(t, l.Allowance(klp, alice, bob).IsZero())
	assert.Equal(t, fixed.FromUint64(100), l.TotalSupply(klp))
}

func TestPrivateTransferMode(t *testing.T) {
	l := newLedger(t)
	ctx := context.Background()
	l.Issue(klp, alice, fixed.FromUint64(100))

	assert.ErrorIs(t, l.SetInPrivateTransferMode(ctx, alice, klp, true), errs.ErrAuthorization)
	require.NoError(t, l.SetInPrivateTransferMode(ctx, govAddr, klp, true))

	err := l.Transfer(ctx, alice, klp, bob, fixed.FromUint64(1))
	assert.EqualError(t, err, "BaseToken: msg.sender not whitelisted")

	// handlers move balances without an allowance
	require.NoError(t, l.SetHandler(ctx, govAddr, klp, staking, true))
	require.NoError(t, l.TransferFrom(ctx, staking, klp, alice, staking, fixed.FromUint64(30)))
	assert.Equal(t, fixed.FromUint64(30), l.BalanceOf(klp, staking))
}

func TestMintRequiresMinter(t *testing.T) {
	l := newLedger(t)
	ctx := context.Background()

	assert.EqualError(t, l.Mint(ctx, alice, klp, alice, fixed.One), "BaseToken: forbidden")
	require.NoError(t, l.SetMinter(ctx, govAddr, klp, alice, true))
	require.NoError(t, l.Mint(ctx, alice, klp, bob, fixed.FromUint64(7)))
	assert.Equal(t, fixed.FromUint64(7), l.BalanceOf(klp, bob))
}

func TestWrapUnwrap(t *testing.T) {
	l := newLedger(t)
	ctx := context.Background()
	l.Issue(Native, alice, fixed.Expand(5, 18))

	require.NoError(t, l.Deposit(ctx, alice, fixed.Expand(2, 18)))
	assert.Equal(t, fixed.Expand(3, 18), l.BalanceOf(Native, alice))
	assert.Equal(t, fixed.Expand(2, 18), l.BalanceOf(wlux, alice))
	assert.Equal(t, fixed.Expand(2, 18), l.BalanceOf(Native, wlux))

	require.NoError(t, l.Withdraw(ctx, alice, fixed.Expand(1, 18)))
	assert.Equal(t, fixed.Expand(4, 18), l.BalanceOf(Native, alice))
	assert.Equal(t, fixed.Expand(1, 18), l.TotalSupply(wlux))

	err := l.Withdraw(ctx, alice, fixed.Expand(2, 18))
	assert.ErrorIs(t, err, errs.ErrInsufficientLiquidity)
	assert.Equal(t, fixed.Expand(4, 18), l.BalanceOf(Native, alice))
}
