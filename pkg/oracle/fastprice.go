// Package oracle produces the prices every venue component trades at.
//
// A ReferenceFeed holds round-based reference answers. A FastPriceFeed accepts
// prices pushed by updaters and bounds them against the reference price. A
// PriceFeed blends the two into the min/max prices the vault reads.
package oracle

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/luxfi/log"

	"github.com/luxfi/klp/pkg/chain"
	"github.com/luxfi/klp/pkg/errs"
	"github.com/luxfi/klp/pkg/fixed"
	"github.com/luxfi/klp/pkg/gov"
)

const (
	TopicPrice   = "oracle.price"
	TopicBreaker = "oracle.breaker"
)

// PriceUpdate is emitted for every accepted pushed price.
type PriceUpdate struct {
	Token     common.Address `json:"token"`
	Price     fixed.Amount   `json:"price"`
	Timestamp uint64         `json:"timestamp"`
}

// BreakerState is the fast price circuit breaker state.
type BreakerState uint8

const (
	BreakerActive BreakerState = iota
	BreakerDisabled
)

func (b BreakerState) String() string {
	if b == BreakerDisabled {
		return "disabled"
	}
	return "active"
}

type BreakerChange struct {
	Signer common.Address `json:"signer"`
	Votes  uint64         `json:"votes"`
	State  string         `json:"state"`
}

// Slot binds a position in packed price words to a token and its precision.
type Slot struct {
	Token     common.Address `json:"token"`
	Precision uint64         `json:"precision"`
}

// Executor runs queued position requests after a price push.
type Executor interface {
	ExecuteIncreasePositions(ctx context.Context, caller common.Address, endIndex uint64, feeReceiver common.Address) error
	ExecuteDecreasePositions(ctx context.Context, caller common.Address, endIndex uint64, feeReceiver common.Address) error
}

// FastPriceFeed stores pushed prices and the disable-vote set of its signers.
type FastPriceFeed struct {
	state  *chain.State
	gov    *gov.Governor
	logger log.Logger

	// address the feed uses when it calls the executor
	self     common.Address
	executor Executor

	initialized      *chain.Value[bool]
	prices           *chain.Map[common.Address, fixed.Amount]
	slots            *chain.Value[[]Slot]
	lastUpdatedAt    *chain.Value[uint64]
	lastUpdatedBlock *chain.Value[uint64]
	votes            *chain.Map[common.Address, bool]
	voteCount        *chain.Value[uint64]
}

func NewFastPriceFeed(g *gov.Governor, self common.Address, logger log.Logger) *FastPriceFeed {
	s := g.State()
	return &FastPriceFeed{
		state:            s,
		gov:              g,
		logger:           logger,
		self:             self,
		initialized:      chain.NewValue(s, false),
		prices:           chain.NewMap[common.Address, fixed.Amount](s),
		slots:            chain.NewValue[[]Slot](s, nil),
		lastUpdatedAt:    chain.NewValue(s, uint64(0)),
		lastUpdatedBlock: chain.NewValue(s, uint64(0)),
		votes:            chain.NewMap[common.Address, bool](s),
		voteCount:        chain.NewValue(s, uint64(0)),
	}
}

// Address is the identity the feed presents to the executor.
func (f *FastPriceFeed) Address() common.Address { return f.self }

// SetExecutor wires the request queue swept by SetPricesWithBitsAndExecute.
func (f *FastPriceFeed) SetExecutor(e Executor) { f.executor = e }

// Initialize installs the signer and updater sets. It succeeds once.
func (f *FastPriceFeed) Initialize(ctx context.Context, caller common.Address, minAuthorizations uint64, signers, updaters []common.Address) error {
	return f.state.Atomic(ctx, func(ctx context.Context) error {
		if err := f.gov.RequireGov(caller); err != nil {
			return err
		}
		if f.initialized.Get() {
			return f.gov.Err(errs.OracleAlreadyInitialized)
		}
		f.initialized.Set(true)
		for _, s := range signers {
			f.gov.Grant(gov.RoleSigner, s, true)
		}
		for _, u := range updaters {
			f.gov.Grant(gov.RoleUpdater, u, true)
		}
		return f.gov.Update(ctx, caller, func(c *gov.Config) error {
			c.FastPrice.MinAuthorizations = minAuthorizations
			return nil
		})
	})
}

func (f *FastPriceFeed) IsSigner(a common.Address) bool  { return f.gov.HasRole(gov.RoleSigner, a) }
func (f *FastPriceFeed) IsUpdater(a common.Address) bool { return f.gov.HasRole(gov.RoleUpdater, a) }

// SetTokens defines the packed slot layout used by the compacted setters.
func (f *FastPriceFeed) SetTokens(ctx context.Context, caller common.Address, tokens []common.Address, precisions []uint64) error {
	return f.state.Atomic(ctx, func(ctx context.Context) error {
		if err := f.gov.RequireGov(caller); err != nil {
			return err
		}
		if len(tokens) != len(precisions) {
			return f.gov.Err(errs.OracleInvalidLengths)
		}
		slots := make([]Slot, len(tokens))
		for i := range tokens {
			if precisions[i] == 0 {
				return f.gov.Err(errs.OracleInvalidPrice)
			}
			slots[i] = Slot{Token: tokens[i], Precision: precisions[i]}
		}
		f.slots.Set(slots)
		return nil
	})
}

func (f *FastPriceFeed) Slots() []Slot { return append([]Slot(nil), f.slots.Get()...) }

// SetPrices stores prices already expressed at price precision.
func (f *FastPriceFeed) SetPrices(ctx context.Context, caller common.Address, tokens []common.Address, prices []fixed.Amount, timestamp uint64) error {
	return f.state.Atomic(ctx, func(ctx context.Context) error {
		if len(tokens) != len(prices) {
			return f.gov.Err(errs.OracleInvalidLengths)
		}
		ok, err := f.begin(caller, timestamp)
		if err != nil || !ok {
			return err
		}
		for i, token := range tokens {
			f.store(token, prices[i], timestamp)
		}
		return nil
	})
}

// SetCompactedPrices decodes eight 32-bit slots per word, word i covering the
// tokens at indexes i*8 through i*8+7.
func (f *FastPriceFeed) SetCompactedPrices(ctx context.Context, caller common.Address, priceBitArray []fixed.Amount, timestamp uint64) error {
	return f.state.Atomic(ctx, func(ctx context.Context) error {
		ok, err := f.begin(caller, timestamp)
		if err != nil || !ok {
			return err
		}
		slots := f.slots.Get()
		for i, word := range priceBitArray {
			for j := uint(0); j < 8; j++ {
				idx := i*8 + int(j)
				if idx >= len(slots) {
					return nil
				}
				f.store(slots[idx].Token, expand(word.Word(j), slots[idx].Precision), timestamp)
			}
		}
		return nil
	})
}

// SetPricesWithBits decodes up to eight slots from a single word.
func (f *FastPriceFeed) SetPricesWithBits(ctx context.Context, caller common.Address, priceBits fixed.Amount, timestamp uint64) error {
	return f.state.Atomic(ctx, func(ctx context.Context) error {
		return f.setPricesWithBits(caller, priceBits, timestamp)
	})
}

// SetPricesWithBitsAndExecute pushes prices and then sweeps both request queues
// up to the given end indexes, paying execution fees to the caller.
func (f *FastPriceFeed) SetPricesWithBitsAndExecute(ctx context.Context, caller common.Address, priceBits fixed.Amount, timestamp, endIndexForIncrease, endIndexForDecrease uint64) error {
	return f.state.Atomic(ctx, func(ctx context.Context) error {
		if err := f.setPricesWithBits(caller, priceBits, timestamp); err != nil {
			return err
		}
		if f.executor == nil {
			return nil
		}
		if err := f.executor.ExecuteIncreasePositions(ctx, f.self, endIndexForIncrease, caller); err != nil {
			return err
		}
		return f.executor.ExecuteDecreasePositions(ctx, f.self, endIndexForDecrease, caller)
	})
}

func (f *FastPriceFeed) setPricesWithBits(caller common.Address, priceBits fixed.Amount, timestamp uint64) error {
	ok, err := f.begin(caller, timestamp)
	if err != nil || !ok {
		return err
	}
	slots := f.slots.Get()
	for j := uint(0); j < 8 && int(j) < len(slots); j++ {
		f.store(slots[j].Token, expand(priceBits.Word(j), slots[j].Precision), timestamp)
	}
	return nil
}

// begin authorizes an update and advances the last-updated markers. It reports
// false when timestamp is older than the stored prices, which are then kept.
func (f *FastPriceFeed) begin(caller common.Address, timestamp uint64) (bool, error) {
	if !f.gov.HasRole(gov.RoleUpdater, caller) {
		return false, f.gov.Err(errs.OracleForbidden)
	}
	cfg := f.gov.Config().FastPrice
	b := f.state.Block()

	dev := gov.Seconds(cfg.MaxTimeDeviation)
	if diff(timestamp, b.Time) > dev {
		return false, f.gov.Err(errs.OracleTimestampOutOfRange)
	}
	if last := f.lastUpdatedBlock.Get(); last != 0 && b.Number-last < cfg.MinBlockInterval {
		return false, f.gov.Err(errs.OracleMinBlockIntervalNotPassed)
	}
	if timestamp < f.lastUpdatedAt.Get() {
		f.logger.Debug("Ignoring out of order price update", "timestamp", timestamp, "lastUpdatedAt", f.lastUpdatedAt.Get())
		return false, nil
	}
	f.lastUpdatedAt.Set(timestamp)
	f.lastUpdatedBlock.Set(b.Number)
	return true, nil
}

func (f *FastPriceFeed) store(token common.Address, price fixed.Amount, timestamp uint64) {
	f.prices.Set(token, price)
	f.state.Emit(TopicPrice, PriceUpdate{Token: token, Price: price, Timestamp: timestamp})
}

func expand(slot uint32, precision uint64) fixed.Amount {
	return fixed.FromUint64(uint64(slot)).MulDiv(fixed.PricePrecision, fixed.FromUint64(precision))
}

func diff(a, b uint64) uint64 {
	if a > b {
		return a - b
	}
	return b - a
}

func (f *FastPriceFeed) Price(token common.Address) fixed.Amount { return f.prices.Get(token) }
func (f *FastPriceFeed) LastUpdatedAt() uint64                 { return f.lastUpdatedAt.Get() }
func (f *FastPriceFeed) LastUpdatedBlock() uint64              { return f.lastUpdatedBlock.Get() }

// Breaker reports the circuit breaker state.
func (f *FastPriceFeed) Breaker() BreakerState {
	if f.voteCount.Get() >= f.gov.Config().FastPrice.MinAuthorizations {
		return BreakerDisabled
	}
	return BreakerActive
}

// FavorFastPrice reports whether in-range fast prices are used directly.
func (f *FastPriceFeed) FavorFastPrice() bool {
	if f.gov.Config().FastPrice.IsSpreadEnabled {
		return false
	}
	return f.Breaker() == BreakerActive
}

func (f *FastPriceFeed) DisableVotes(signer common.Address) bool { return f.votes.Get(signer) }
func (f *FastPriceFeed) VoteCount() uint64                     { return f.voteCount.Get() }

// DisableFastPrice casts the caller's standing vote against the fast price.
func (f *FastPriceFeed) DisableFastPrice(ctx context.Context, caller common.Address) error {
	return f.state.Atomic(ctx, func(ctx context.Context) error {
		if !f.IsSigner(caller) {
			return f.gov.Err(errs.OracleForbidden)
		}
		if f.votes.Get(caller) {
			return f.gov.Err(errs.OracleAlreadyVoted)
		}
		before := f.Breaker()
		f.votes.Set(caller, true)
		f.voteCount.Set(f.voteCount.Get() + 1)
		f.breakerChanged(caller, before)
		return nil
	})
}

// EnableFastPrice withdraws the caller's vote.
func (f *FastPriceFeed) EnableFastPrice(ctx context.Context, caller common.Address) error {
	return f.state.Atomic(ctx, func(ctx context.Context) error {
		if !f.IsSigner(caller) {
			return f.gov.Err(errs.OracleForbidden)
		}
		if !f.votes.Get(caller) {
			return f.gov.Err(errs.OracleAlreadyEnabled)
		}
		before := f.Breaker()
		f.votes.Delete(caller)
		f.voteCount.Set(f.voteCount.Get() - 1)
		f.breakerChanged(caller, before)
		return nil
	})
}

func (f *FastPriceFeed) breakerChanged(signer common.Address, before BreakerState) {
	after := f.Breaker()
	f.state.Emit(TopicBreaker, BreakerChange{Signer: signer, Votes: f.voteCount.Get(), State: after.String()})
	if after != before {
		f.logger.Warn("Fast price breaker changed", "state", after, "votes", f.voteCount.Get())
	}
}

// GetPrice bounds the fast price of token against refPrice.
//
// A stale or missing fast price yields refPrice. While the fast price is favored
// and within maxDeviationBasisPoints of refPrice it is used, widened by
// volBasisPoints towards refPrice when refPrice is on the trader's unfavourable
// side. Otherwise the worse of the two prices in the requested direction is used,
// with the fast price capped at the deviation band.
func (f *FastPriceFeed) GetPrice(token common.Address, refPrice fixed.Amount, maximise bool) fixed.Amount {
	cfg := f.gov.Config().FastPrice
	if f.state.Block().Time > f.lastUpdatedAt.Get()+gov.Seconds(cfg.PriceDuration) {
		return refPrice
	}
	fast := f.prices.Get(token)
	if fast.IsZero() {
		return refPrice
	}

	maxPrice := refPrice.ApplyBPS(fixed.BasisPointsDivisor + cfg.MaxDeviationBps)
	minPrice := refPrice.ApplyBPS(fixed.BasisPointsDivisor - cfg.MaxDeviationBps)

	if f.FavorFastPrice() && fast.Gte(minPrice) && fast.Lte(maxPrice) {
		if maximise {
			if refPrice.Gt(fast) {
				return fixed.Min(fast.ApplyBPS(fixed.BasisPointsDivisor+cfg.VolBps), refPrice)
			}
			return fast
		}
		if refPrice.Lt(fast) {
			return fixed.Max(fast.ApplyBPS(fixed.BasisPointsDivisor-cfg.VolBps), refPrice)
		}
		return fast
	}

	if maximise {
		if refPrice.Gt(fast) {
			return refPrice
		}
		return fixed.Min(fast, maxPrice)
	}
	if refPrice.Lt(fast) {
		return refPrice
	}
	return fixed.Max(fast, minPrice)
}

// SetLastUpdatedAt overrides the freshness marker.
func (f *FastPriceFeed) SetLastUpdatedAt(ctx context.Context, caller common.Address, t uint64) error {
	return f.state.Atomic(ctx, func(ctx context.Context) error {
		if err := f.gov.RequireGov(caller); err != nil {
			return err
		}
		f.lastUpdatedAt.Set(t)
		return nil
	})
}

func (f *FastPriceFeed) SetSigner(ctx context.Context, caller, account common.Address, enabled bool) error {
	return f.gov.SetRole(ctx, caller, gov.RoleSigner, account, enabled)
}

func (f *FastPriceFeed) SetUpdater(ctx context.Context, caller, account common.Address, enabled bool) error {
	return f.gov.SetRole(ctx, caller, gov.RoleUpdater, account, enabled)
}

func (f *FastPriceFeed) SetPriceDuration(ctx context.Context, caller common.Address, d time.Duration) error {
	return f.gov.Update(ctx, caller, func(c *gov.Config) error { c.FastPrice.PriceDuration = d; return nil })
}

func (f *FastPriceFeed) SetMinBlockInterval(ctx context.Context, caller common.Address, blocks uint64) error {
	return f.gov.Update(ctx, caller, func(c *gov.Config) error { c.FastPrice.MinBlockInterval = blocks; return nil })
}

func (f *FastPriceFeed) SetIsSpreadEnabled(ctx context.Context, caller common.Address, enabled bool) error {
	return f.gov.Update(ctx, caller, func(c *gov.Config) error { c.FastPrice.IsSpreadEnabled = enabled; return nil })
}

func (f *FastPriceFeed) SetMaxTimeDeviation(ctx context.Context, caller common.Address, d time.Duration) error {
	return f.gov.Update(ctx, caller, func(c *gov.Config) error { c.FastPrice.MaxTimeDeviation = d; return nil })
}

func (f *FastPriceFeed) SetVolBasisPoints(ctx context.Context, caller common.Address, bps uint64) error {
	return f.gov.Update(ctx, caller, func(c *gov.Config) error { c.FastPrice.VolBps = bps; return nil })
}

func (f *FastPriceFeed) SetMaxDeviationBasisPoints(ctx context.Context, caller common.Address, bps uint64) error {
	return f.gov.Update(ctx, caller, func(c *gov.Config) error { c.FastPrice.MaxDeviationBps = bps; return nil })
}

// SetMinAuthorizations is delegated to the token manager.
func (f *FastPriceFeed) SetMinAuthorizations(ctx context.Context, caller common.Address, n uint64) error {
	err := f.gov.UpdateAs(ctx, caller, gov.RoleTokenManager, func(c *gov.Config) error {
		c.FastPrice.MinAuthorizations = n
		return nil
	})
	if errs.CodeOf(err) == errs.Forbidden {
		return f.gov.Err(errs.OracleForbidden)
	}
	return err
}
