package marketdata

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/luxfi/database/manager"
	"github.com/luxfi/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/klp/pkg/chain"
	"github.com/luxfi/klp/pkg/fixed"
	"github.com/luxfi/klp/pkg/oracle"
	"github.com/luxfi/klp/pkg/vault"
)

var bnb = common.HexToAddress("0x10")

// t0 is aligned to a day boundary.
const t0 = 1_699_920_000

func newTestAggregator(t *testing.T) *Aggregator {
	t.Helper()
	level, _ := log.ToLevel("error")
	db, err := manager.NewManager(t.TempDir(), nil).New(manager.DefaultMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewAggregator(log.NewTestLogger(level), db)
}

func priceAt(ts uint64, usd uint64) chain.Event {
	return chain.Event{
		Topic: oracle.TopicPrice,
		Block: chain.Block{Number: 1, Time: ts},
		Data:  oracle.PriceUpdate{Token: bnb, Price: fixed.USD(usd), Timestamp: ts},
	}
}

func tradeAt(ts uint64, usd, size uint64) chain.Event {
	return chain.Event{
		Topic: vault.TopicIncreasePosition,
		Block: chain.Block{Number: 1, Time: ts},
		Data:  vault.PositionEvent{IndexToken: bnb, Price: fixed.USD(usd), SizeDelta: fixed.USD(size), IsLong: true},
	}
}

type recordingSink struct{ events []chain.Event }

func (r *recordingSink) Deliver(evs []chain.Event) { r.events = append(r.events, evs...) }

func TestCandleOHLCV(t *testing.T) {
	a := newTestAggregator(t)
	a.Deliver([]chain.Event{
		priceAt(t0, 300),
		tradeAt(t0+10, 310, 1000),
		priceAt(t0+20, 290),
		tradeAt(t0+30, 295, 500),
		{Topic: "token.transfer", Data: struct{}{}},
	})

	c := a.GetLatestCandle(bnb, Interval1m)
	require.NotNil(t, c)
	assert.Equal(t, uint64(t0), c.OpenTime)
	assert.Equal(t, uint64(t0+60), c.CloseTime)
	assert.Equal(t, fixed.USD(300), c.Open)
	assert.Equal(t, fixed.USD(310), c.High)
	assert.Equal(t, fixed.USD(290), c.Low)
	assert.Equal(t, fixed.USD(295), c.Close)
	assert.Equal(t, fixed.USD(1500), c.Volume)
	assert.Equal(t, 2, c.Trades)
	assert.False(t, c.Complete)

	day := a.GetLatestCandle(bnb, Interval1d)
	require.NotNil(t, day)
	assert.Equal(t, c.Volume, day.Volume)
	assert.Nil(t, a.GetLatestCandle(common.HexToAddress("0x11"), Interval1m))
}

func TestRolloverStoresAndPublishes(t *testing.T) {
	a := newTestAggregator(t)
	sink := &recordingSink{}
	a.Forward(sink)
	sub := a.Subscribe(bnb, Interval1m)

	a.Deliver([]chain.Event{priceAt(t0, 300), priceAt(t0+30, 305)})
	a.Deliver([]chain.Event{priceAt(t0+60, 310)})

	select {
	case c := <-sub:
		assert.True(t, c.Complete)
		assert.Equal(t, uint64(t0), c.OpenTime)
		assert.Equal(t, fixed.USD(305), c.Close)
	default:
		t.Fatal("completed candle was not published")
	}
	require.Len(t, sink.events, 1)
	assert.Equal(t, TopicCandle, sink.events[0].Topic)

	candles, err := a.GetCandles(bnb, Interval1m, 10)
	require.NoError(t, err)
	require.Len(t, candles, 2)
	assert.True(t, candles[0].Complete)
	assert.Equal(t, uint64(t0), candles[0].OpenTime)
	assert.False(t, candles[1].Complete)
	assert.Equal(t, fixed.USD(310), candles[1].Open)

	candles, err = a.GetCandles(bnb, Interval1m, 1)
	require.NoError(t, err)
	require.Len(t, candles, 1)
	assert.Equal(t, uint64(t0+60), candles[0].OpenTime)
}

func TestTickCompletesExpiredCandles(t *testing.T) {
	a := newTestAggregator(t)
	a.Deliver([]chain.Event{tradeAt(t0+5, 300, 100)})

	a.Tick(t0 + 59)
	assert.NotNil(t, a.GetLatestCandle(bnb, Interval1m))

	a.Tick(t0 + 60)
	assert.Nil(t, a.GetLatestCandle(bnb, Interval1m))
	assert.NotNil(t, a.GetLatestCandle(bnb, Interval5m))

	candles, err := a.GetCandles(bnb, Interval1m, 5)
	require.NoError(t, err)
	require.Len(t, candles, 1)
	assert.True(t, candles[0].Complete)
	assert.Equal(t, fixed.USD(100), candles[0].Volume)

	stats := a.GetStats()
	assert.Equal(t, uint64(1), stats["updates"])
	assert.Equal(t, len(AllIntervals())-1, stats["openCandles"])
}

func TestParseInterval(t *testing.T) {
	i, err := ParseInterval("15m")
	require.NoError(t, err)
	assert.Equal(t, uint64(900), i.Seconds())

	_, err = ParseInterval("2m")
	assert.Error(t, err)
	_, err = newTestAggregator(t).GetCandles(bnb, Interval("2m"), 1)
	assert.Error(t, err)
}
