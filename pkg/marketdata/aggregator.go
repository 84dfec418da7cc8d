// Package marketdata builds OHLCV candles for index tokens from committed
// venue events. Pushed oracle prices move the price; executed position
// changes move the price and add their size to the volume.
package marketdata

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/luxfi/database"
	"github.com/luxfi/log"

	"github.com/luxfi/klp/pkg/chain"
	"github.com/luxfi/klp/pkg/fixed"
	"github.com/luxfi/klp/pkg/oracle"
	"github.com/luxfi/klp/pkg/vault"
)

// TopicCandle is the topic completed candles are forwarded under.
const TopicCandle = "marketdata.candle"

// Candle is the OHLCV data of one token over one interval. Prices and volume
// are USD with 30 decimals; times are unix seconds of block time.
type Candle struct {
	Token     common.Address `json:"token"`
	Interval  Interval       `json:"interval"`
	OpenTime  uint64         `json:"openTime"`
	CloseTime uint64         `json:"closeTime"`
	Open      fixed.Amount   `json:"open"`
	High      fixed.Amount   `json:"high"`
	Low       fixed.Amount   `json:"low"`
	Close     fixed.Amount   `json:"close"`
	Volume    fixed.Amount   `json:"volume"`
	Trades    int            `json:"trades"`
	Complete  bool           `json:"complete"`
}

// Interval represents a time interval for candles
type Interval string

const (
	Interval1m  Interval = "1m"
	Interval5m  Interval = "5m"
	Interval15m Interval = "15m"
	Interval1h  Interval = "1h"
	Interval4h  Interval = "4h"
	Interval1d  Interval = "1d"
)

// Seconds returns the interval length, or 0 for an unknown interval.
func (i Interval) Seconds() uint64 {
	switch i {
	case Interval1m:
		return 60
	case Interval5m:
		return 5 * 60
	case Interval15m:
		return 15 * 60
	case Interval1h:
		return 60 * 60
	case Interval4h:
		return 4 * 60 * 60
	case Interval1d:
		return 24 * 60 * 60
	default:
		return 0
	}
}

// AllIntervals returns all supported intervals
func AllIntervals() []Interval {
	return []Interval{Interval1m, Interval5m, Interval15m, Interval1h, Interval4h, Interval1d}
}

// ParseInterval validates s as a supported interval.
func ParseInterval(s string) (Interval, error) {
	i := Interval(s)
	if i.Seconds() == 0 {
		return "", fmt.Errorf("unknown candle interval %q", s)
	}
	return i, nil
}

type seriesKey struct {
	token    common.Address
	interval Interval
}

// Aggregator keeps the open candle of every series in memory and writes
// completed candles to the database. It is a chain.Sink.
type Aggregator struct {
	logger log.Logger
	db     database.Database

	mu      sync.RWMutex
	candles map[seriesKey]*Candle
	latest  map[seriesKey]uint64
	forward chain.Sink

	subMu       sync.RWMutex
	subscribers map[seriesKey][]chan *Candle

	totalUpdates uint64
	totalCandles uint64
}

// NewAggregator creates a new market data aggregator
func NewAggregator(logger log.Logger, db database.Database) *Aggregator {
	return &Aggregator{
		logger:      logger,
		db:          db,
		candles:     make(map[seriesKey]*Candle),
		latest:      make(map[seriesKey]uint64),
		subscribers: make(map[seriesKey][]chan *Candle),
	}
}

// Forward sends every completed candle to sink as a TopicCandle event.
func (a *Aggregator) Forward(sink chain.Sink) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.forward = sink
}

// Deliver folds committed price and position events into the candles.
func (a *Aggregator) Deliver(events []chain.Event) {
	var done []*Candle
	a.mu.Lock()
	for _, ev := range events {
		switch data := ev.Data.(type) {
		case oracle.PriceUpdate:
			done = append(done, a.update(data.Token, data.Price, fixed.Zero, false, ev.Block.Time)...)
		case vault.PositionEvent:
			done = append(done, a.update(data.IndexToken, data.Price, data.SizeDelta, true, ev.Block.Time)...)
		}
	}
	forward := a.forward
	a.mu.Unlock()
	a.finish(done, forward)
}

// Tick completes every candle whose period ended at or before blockTime.
func (a *Aggregator) Tick(blockTime uint64) {
	var done []*Candle
	a.mu.Lock()
	for key, c := range a.candles {
		if c.CloseTime <= blockTime {
			c.Complete = true
			done = append(done, c)
			delete(a.candles, key)
		}
	}
	forward := a.forward
	a.mu.Unlock()
	a.finish(done, forward)
}

func (a *Aggregator) update(token common.Address, price, volume fixed.Amount, trade bool, t uint64) []*Candle {
	if price.IsZero() {
		return nil
	}
	a.totalUpdates++
	var done []*Candle
	for _, interval := range AllIntervals() {
		key := seriesKey{token, interval}
		secs := interval.Seconds()
		openTime := t - t%secs

		c := a.candles[key]
		if c != nil && c.OpenTime != openTime {
			c.Complete = true
			done = append(done, c)
			c = nil
		}
		if c == nil {
			c = &Candle{
				Token:     token,
				Interval:  interval,
				OpenTime:  openTime,
				CloseTime: openTime + secs,
				Open:      price,
				High:      price,
				Low:       price,
				Close:     price,
			}
			a.candles[key] = c
			a.latest[key] = openTime
			a.totalCandles++
		}
		if price.Gt(c.High) {
			c.High = price
		}
		if price.Lt(c.Low) {
			c.Low = price
		}
		c.Close = price
		if trade {
			c.Volume = c.Volume.Add(volume)
			c.Trades++
		}
	}
	return done
}

func (a *Aggregator) finish(done []*Candle, forward chain.Sink) {
	if len(done) == 0 {
		return
	}
	events := make([]chain.Event, 0, len(done))
	for _, c := range done {
		a.storeCandle(c)
		a.publishCandle(c)
		events = append(events, chain.Event{Topic: TopicCandle, Block: chain.Block{Time: c.CloseTime}, Data: c})
	}
	if forward != nil {
		forward.Deliver(events)
	}
}

func candleKey(token common.Address, interval Interval, openTime uint64) []byte {
	return []byte(fmt.Sprintf("candle:%s:%s:%d", token.Hex(), interval, openTime))
}

// storeCandle stores a candle in the database
func (a *Aggregator) storeCandle(candle *Candle) {
	value, err := json.Marshal(candle)
	if err != nil {
		a.logger.Error("Failed to marshal candle", "error", err)
		return
	}
	if err := a.db.Put(candleKey(candle.Token, candle.Interval, candle.OpenTime), value); err != nil {
		a.logger.Error("Failed to store candle", "error", err)
	}
}

// publishCandle publishes a completed candle to subscribers
func (a *Aggregator) publishCandle(candle *Candle) {
	a.subMu.RLock()
	subscribers := a.subscribers[seriesKey{candle.Token, candle.Interval}]
	a.subMu.RUnlock()

	for _, ch := range subscribers {
		select {
		case ch <- candle:
		default:
			// Subscriber is not ready, skip
		}
	}
}

// Subscribe subscribes to completed candles of one series.
func (a *Aggregator) Subscribe(token common.Address, interval Interval) <-chan *Candle {
	ch := make(chan *Candle, 100)
	a.subMu.Lock()
	key := seriesKey{token, interval}
	a.subscribers[key] = append(a.subscribers[key], ch)
	a.subMu.Unlock()
	return ch
}

// GetCandles returns up to limit of the most recent periods of a series,
// oldest first. The open candle is included; periods without data are
// skipped.
func (a *Aggregator) GetCandles(token common.Address, interval Interval, limit int) ([]*Candle, error) {
	secs := interval.Seconds()
	if secs == 0 {
		return nil, fmt.Errorf("unknown candle interval %q", interval)
	}
	key := seriesKey{token, interval}

	a.mu.RLock()
	latest, ok := a.latest[key]
	var open *Candle
	if c := a.candles[key]; c != nil {
		cp := *c
		open = &cp
	}
	a.mu.RUnlock()

	candles := make([]*Candle, 0, limit)
	if !ok || limit <= 0 {
		return candles, nil
	}
	for i := 0; i < limit; i++ {
		step := uint64(i) * secs
		if step > latest {
			break
		}
		openTime := latest - step
		if open != nil && open.OpenTime == openTime {
			candles = append(candles, open)
			continue
		}
		val, err := a.db.Get(candleKey(token, interval, openTime))
		if errors.Is(err, database.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		var c Candle
		if err := json.Unmarshal(val, &c); err != nil {
			return nil, fmt.Errorf("corrupt candle %s: %w", candleKey(token, interval, openTime), err)
		}
		candles = append(candles, &c)
	}
	for i, j := 0, len(candles)-1; i < j; i, j = i+1, j-1 {
		candles[i], candles[j] = candles[j], candles[i]
	}
	return candles, nil
}

// GetLatestCandle returns a copy of the open candle of a series, if any.
func (a *Aggregator) GetLatestCandle(token common.Address, interval Interval) *Candle {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if c := a.candles[seriesKey{token, interval}]; c != nil {
		cp := *c
		return &cp
	}
	return nil
}

// GetStats returns aggregator statistics
func (a *Aggregator) GetStats() map[string]interface{} {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return map[string]interface{}{
		"updates":     a.totalUpdates,
		"candles":     a.totalCandles,
		"openCandles": len(a.candles),
	}
}
