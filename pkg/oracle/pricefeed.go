package oracle

import (
	"github.com/ethereum/go-ethereum/common"

	"github.com/luxfi/klp/pkg/errs"
	"github.com/luxfi/klp/pkg/fixed"
	"github.com/luxfi/klp/pkg/gov"
)

// Source is what the vault and the pool-share manager price against.
type Source interface {
	GetPrice(token common.Address, maximise bool) (fixed.Amount, error)
}

// PriceFeed blends the reference feed and the fast price feed into the price
// used for every trade.
type PriceFeed struct {
	gov  *gov.Governor
	ref  *ReferenceFeed
	fast *FastPriceFeed
}

func NewPriceFeed(g *gov.Governor, ref *ReferenceFeed, fast *FastPriceFeed) *PriceFeed {
	return &PriceFeed{gov: g, ref: ref, fast: fast}
}

// GetPrice returns the price of token at price precision.
//
// The primary price is the max (or min) over the last priceSampleSpace reference
// rounds. It is then bounded by the fast price when secondary pricing is on,
// pinned to one dollar for strict stables within maxStrictPriceDeviation, and
// widened by the token's spread in the requested direction.
func (p *PriceFeed) GetPrice(token common.Address, maximise bool) (fixed.Amount, error) {
	cfg := p.gov.Config()
	tc, ok := cfg.Token(token)
	if !ok {
		return fixed.Zero, p.gov.Err(errs.OracleInvalidPriceFeed)
	}

	price, err := p.PrimaryPrice(token, maximise)
	if err != nil {
		return fixed.Zero, err
	}
	if cfg.PriceFeed.IsSecondaryPriceEnabled && p.fast != nil {
		price = p.fast.GetPrice(token, price, maximise)
	}

	if tc.IsStrictStable {
		if fixed.AbsDiff(price, fixed.OneUSD).Lte(cfg.PriceFeed.MaxStrictPriceDeviation) {
			return fixed.OneUSD, nil
		}
		if maximise && price.Gt(fixed.OneUSD) || !maximise && price.Lt(fixed.OneUSD) {
			return price, nil
		}
		return fixed.OneUSD, nil
	}

	if tc.SpreadBps == 0 {
		return price, nil
	}
	if maximise {
		return price.ApplyBPS(fixed.BasisPointsDivisor + tc.SpreadBps), nil
	}
	return price.ApplyBPS(fixed.BasisPointsDivisor - tc.SpreadBps), nil
}

// PrimaryPrice samples the reference feed and normalizes the answer from the
// token's price decimals to price precision.
func (p *PriceFeed) PrimaryPrice(token common.Address, maximise bool) (fixed.Amount, error) {
	cfg := p.gov.Config()
	tc, ok := cfg.Token(token)
	if !ok {
		return fixed.Zero, p.gov.Err(errs.OracleInvalidPriceFeed)
	}

	round := p.ref.LatestRound(token)
	var price fixed.Amount
	for i := uint64(0); i < cfg.PriceFeed.PriceSampleSpace; i++ {
		if round <= i {
			break
		}
		a, ok := p.ref.Round(token, round-i)
		if !ok || a.Answer.IsZero() {
			return fixed.Zero, p.gov.Err(errs.OracleInvalidPrice)
		}
		switch {
		case price.IsZero():
			price = a.Answer
		case maximise && a.Answer.Gt(price):
			price = a.Answer
		case !maximise && a.Answer.Lt(price):
			price = a.Answer
		}
	}
	if price.IsZero() {
		return fixed.Zero, p.gov.Err(errs.OracleCouldNotFetchPrice)
	}
	return price.AdjustDecimals(tc.PriceDecimals, fixed.PriceDecimals), nil
}
