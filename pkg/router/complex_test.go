package router

import (
	"context"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/klp/pkg/fixed"
	"github.com/luxfi/klp/pkg/token"
)

// bracketLong is a 600 DAI to BNB 10x long entered at 300 with its
// take-profit at 330 and stop-loss at 290.
func bracketLong() ComplexOrderParams {
	size := fixed.USD(6000)
	return ComplexOrderParams{
		Path:         []common.Address{dai, bnb},
		AmountIn:     units(600),
		MinOut:       units(1),
		IsLong:       true,
		SizeDelta:    []fixed.Amount{size, size, size},
		Price:        []fixed.Amount{fixed.USD(300), fixed.USD(330), fixed.USD(290)},
		Token:        []common.Address{bnb, bnb, bnb},
		ExecutionFee: []fixed.Amount{fee, fee, fee},
	}
}

var threeFees = fee.Add(fee).Add(fee)

func TestComplexOrderValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.prepareOrders(t, user0, dai, units(600))

	p := bracketLong()
	p.SizeDelta = p.SizeDelta[:2]
	p.Price = p.Price[:2]
	_, err := f.complex.CreateComplexOrder(ctx, user0, p, threeFees)
	assert.EqualError(t, err, "ComplexOrderRouter: invalid _sizeDelta length")

	p = bracketLong()
	p.Price = p.Price[:2]
	p.Token = p.Token[:1]
	_, err = f.complex.CreateComplexOrder(ctx, user0, p, threeFees)
	assert.EqualError(t, err, "ComplexOrderRouter: invalid _price length")

	p = bracketLong()
	p.Token = p.Token[:1]
	_, err = f.complex.CreateComplexOrder(ctx, user0, p, threeFees)
	assert.EqualError(t, err, "ComplexOrderRouter: invalid _token length")

	p = bracketLong()
	p.ExecutionFee = append(p.ExecutionFee, fee)
	_, err = f.complex.CreateComplexOrder(ctx, user0, p, threeFees)
	assert.EqualError(t, err, "ComplexOrderRouter: invalid _executionFee length")

	_, err = f.complex.CreateComplexOrder(ctx, user0, bracketLong(), fee.Add(fee))
	assert.EqualError(t, err, "ComplexOrderRouter: invalid msg.value")
	_, err = f.complex.CreateComplexOrderETH(ctx, user0, bracketLong(), threeFees)
	assert.EqualError(t, err, "ComplexOrderRouter: invalid msg.value")

	p = bracketLong()
	p.Path = []common.Address{dai, usdgAddr, bnb}
	_, err = f.complex.CreateComplexOrder(ctx, user0, p, threeFees)
	assert.EqualError(t, err, "ComplexOrderRouter: invalid _path length")

	// a failing exit unwinds the entry
	p = bracketLong()
	p.ExecutionFee = []fixed.Amount{fee, fee, fixed.FromUint64(100)}
	_, err = f.complex.CreateComplexOrder(ctx, user0, p, fee.Add(fee).Add(fixed.FromUint64(100)))
	assert.EqualError(t, err, "OrderBook: insufficient execution fee")
	assert.Equal(t, units(600), f.ledger.BalanceOf(dai, user0))
	assert.Zero(t, f.pr.IncreasePositionsIndex(user0))
	assert.Empty(t, f.ob.OpenDecreaseOrders())
}

func TestComplexOrderBracketsMarketEntry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, bnb, units(30))
	f.prepareOrders(t, user0, dai, units(600))

	out, err := f.complex.CreateComplexOrder(ctx, user0, bracketLong(), threeFees)
	require.NoError(t, err)
	assert.Equal(t, GetRequestKey(user0, 1), out.RequestKey)
	assert.Equal(t, uint64(0), out.TakeProfit)
	assert.Equal(t, uint64(1), out.StopLoss)
	assert.Equal(t, fee.Add(fee), f.ledger.BalanceOf(bnb, obAddr))

	tp, ok := f.ob.DecreaseOrder(user0, out.TakeProfit)
	require.True(t, ok)
	assert.True(t, tp.TriggerAboveThreshold)
	assert.Equal(t, fixed.USD(330), tp.TriggerPrice)
	assert.Equal(t, bnb, tp.CollateralToken)
	sl, ok := f.ob.DecreaseOrder(user0, out.StopLoss)
	require.True(t, ok)
	assert.False(t, sl.TriggerAboveThreshold)
	assert.Equal(t, fixed.USD(290), sl.TriggerPrice)

	f.clock.Mine(1, time.Second)
	ok, err = f.pr.ExecuteIncreasePosition(ctx, keeper, out.RequestKey, feeReceiver)
	require.NoError(t, err)
	require.True(t, ok)

	f.prices[bnb] = fixed.USD(285)
	_, dec := f.ob.Triggered()
	assert.Equal(t, []OrderRef{{Account: user0, Index: out.StopLoss}}, dec)
	require.NoError(t, f.ob.ExecuteDecreaseOrder(ctx, keeper, user0, out.StopLoss, feeReceiver))
	_, found := f.vault.GetPosition(user0, bnb, bnb, true)
	assert.False(t, found)

	// the take-profit outlives the position and fails once triggered
	f.prices[bnb] = fixed.USD(340)
	err = f.ob.ExecuteDecreaseOrder(ctx, keeper, user0, out.TakeProfit, feeReceiver)
	assert.Error(t, err)
	require.NoError(t, f.ob.CancelDecreaseOrder(ctx, user0, out.TakeProfit))
}

func TestComplexOrderETH(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.ledger.Issue(token.Native, user0, units(2))
	require.NoError(t, f.router.ApprovePlugin(ctx, user0, prAddr))
	require.NoError(t, f.router.ApprovePlugin(ctx, user0, obAddr))

	p := bracketLong()
	p.Path = []common.Address{bnb}
	p.AmountIn = units(1)
	p.MinOut = fixed.Zero
	out, err := f.complex.CreateComplexOrderETH(ctx, user0, p, units(1).Add(threeFees))
	require.NoError(t, err)

	req, ok := f.pr.IncreaseRequest(out.RequestKey)
	require.True(t, ok)
	assert.Equal(t, units(1), req.AmountIn)
	assert.Equal(t, units(1).Add(fee), f.ledger.BalanceOf(bnb, prAddr))
	assert.Equal(t, fee.Add(fee), f.ledger.BalanceOf(bnb, obAddr))
	assert.Len(t, f.ob.OpenDecreaseOrders(), 2)
}

func TestComplexLimitOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, dai, units(10000))
	f.prepareOrders(t, user0, dai, units(600))

	// short BNB once it rallies above 310, collateralised in DAI
	size := fixed.USD(3000)
	p := ComplexOrderParams{
		Path:         []common.Address{dai},
		AmountIn:     units(600),
		IsLong:       false,
		SizeDelta:    []fixed.Amount{size, size, size},
		Price:        []fixed.Amount{fixed.USD(310), fixed.USD(280), fixed.USD(330)},
		Token:        []common.Address{bnb, bnb, bnb},
		ExecutionFee: []fixed.Amount{fee, fee, fee},
	}
	out, err := f.complex.CreateComplexLimitOrder(ctx, user0, p, true, threeFees)
	require.NoError(t, err)
	assert.Equal(t, common.Hash{}, out.RequestKey)

	entry, ok := f.ob.IncreaseOrder(user0, out.EntryOrder)
	require.True(t, ok)
	assert.Equal(t, dai, entry.CollateralToken)
	assert.Equal(t, units(600), entry.PurchaseTokenAmount)
	assert.True(t, entry.TriggerAboveThreshold)

	tp, _ := f.ob.DecreaseOrder(user0, out.TakeProfit)
	assert.False(t, tp.TriggerAboveThreshold)
	assert.Equal(t, dai, tp.CollateralToken)
	sl, _ := f.ob.DecreaseOrder(user0, out.StopLoss)
	assert.True(t, sl.TriggerAboveThreshold)

	f.prices[bnb] = fixed.USD(315)
	inc, _ := f.ob.Triggered()
	assert.Equal(t, []OrderRef{{Account: user0, Index: out.EntryOrder}}, inc)
	require.NoError(t, f.ob.ExecuteIncreaseOrder(ctx, keeper, user0, out.EntryOrder, feeReceiver))

	pos, found := f.vault.GetPosition(user0, dai, bnb, false)
	require.True(t, found)
	assert.Equal(t, size, pos.Size)
	assert.Equal(t, fixed.USD(315), pos.AveragePrice)
}
