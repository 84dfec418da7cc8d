// Package gov owns the venue's governed parameters and role registry.
//
// Parameters live in one versioned Config. Components read the current Config by
// reference at the start of each call; changes go through Governor.Update, which
// works on a copy, validates it and publishes it under a new version.
package gov

import (
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/luxfi/klp/pkg/errs"
	"github.com/luxfi/klp/pkg/fixed"
)

const (
	MaxFeeBasisPoints      = 500
	MinLeverage            = 10000
	MaxFundingRateFactor   = 10000
	MinFundingRateInterval = time.Hour
	MaxPriceDuration       = 30 * time.Minute
	MaxCooldownDuration    = 48 * time.Hour
	MaxSpreadBasisPoints   = 50
	MaxAdjustmentBps       = 20
)

var MaxLiquidationFeeUsd = fixed.USD(100)

// TokenConfig is the per-asset configuration shared by the vault and the price feed.
type TokenConfig struct {
	Address            common.Address `yaml:"address" json:"address"`
	Symbol             string         `yaml:"symbol" json:"symbol"`
	Decimals           int            `yaml:"decimals" json:"decimals"`
	Weight             uint64         `yaml:"weight" json:"weight"`
	MinProfitBps       uint64         `yaml:"min_profit_bps" json:"minProfitBps"`
	MaxUsdgAmount      fixed.Amount   `yaml:"max_usdg_amount" json:"maxUsdgAmount"`
	BufferAmount       fixed.Amount   `yaml:"buffer_amount" json:"bufferAmount"`
	MaxGlobalShortSize fixed.Amount   `yaml:"max_global_short_size" json:"maxGlobalShortSize"`
	IsStable           bool           `yaml:"is_stable" json:"isStable"`
	IsShortable        bool           `yaml:"is_shortable" json:"isShortable"`

	// reference feed
	PriceDecimals  int    `yaml:"price_decimals" json:"priceDecimals"`
	SpreadBps      uint64 `yaml:"spread_bps" json:"spreadBps"`
	IsStrictStable bool   `yaml:"is_strict_stable" json:"isStrictStable"`
}

type VaultConfig struct {
	IsSwapEnabled           bool          `yaml:"is_swap_enabled" json:"isSwapEnabled"`
	IsLeverageEnabled       bool          `yaml:"is_leverage_enabled" json:"isLeverageEnabled"`
	InManagerMode           bool          `yaml:"in_manager_mode" json:"inManagerMode"`
	MaxLeverage             uint64        `yaml:"max_leverage" json:"maxLeverage"`
	LiquidationFeeUsd       fixed.Amount  `yaml:"liquidation_fee_usd" json:"liquidationFeeUsd"`
	TaxBps                  uint64        `yaml:"tax_bps" json:"taxBps"`
	StableTaxBps            uint64        `yaml:"stable_tax_bps" json:"stableTaxBps"`
	MintBurnFeeBps          uint64        `yaml:"mint_burn_fee_bps" json:"mintBurnFeeBps"`
	SwapFeeBps              uint64        `yaml:"swap_fee_bps" json:"swapFeeBps"`
	StableSwapFeeBps        uint64        `yaml:"stable_swap_fee_bps" json:"stableSwapFeeBps"`
	MarginFeeBps            uint64        `yaml:"margin_fee_bps" json:"marginFeeBps"`
	MinProfitTime           time.Duration `yaml:"min_profit_time" json:"minProfitTime"`
	HasDynamicFees          bool          `yaml:"has_dynamic_fees" json:"hasDynamicFees"`
	FundingInterval         time.Duration `yaml:"funding_interval" json:"fundingInterval"`
	FundingRateFactor       uint64        `yaml:"funding_rate_factor" json:"fundingRateFactor"`
	StableFundingRateFactor uint64        `yaml:"stable_funding_rate_factor" json:"stableFundingRateFactor"`
}

type RouterConfig struct {
	DepositFeeBps             uint64        `yaml:"deposit_fee_bps" json:"depositFeeBps"`
	MinExecutionFee           fixed.Amount  `yaml:"min_execution_fee" json:"minExecutionFee"`
	MinBlockDelayKeeper       uint64        `yaml:"min_block_delay_keeper" json:"minBlockDelayKeeper"`
	MinBlockDelayPublic       uint64        `yaml:"min_block_delay_public" json:"minBlockDelayPublic"`
	MaxExecutionValidity      time.Duration `yaml:"max_execution_validity" json:"maxPositionRouterExecutionValidity"`
	IncreasePositionBufferBps uint64        `yaml:"increase_position_buffer_bps" json:"increasePositionBufferBps"`
}

// OrderBookConfig bounds trigger orders.
type OrderBookConfig struct {
	MinExecutionFee           fixed.Amount `yaml:"min_execution_fee" json:"minExecutionFee"`
	MinPurchaseTokenAmountUsd fixed.Amount `yaml:"min_purchase_token_amount_usd" json:"minPurchaseTokenAmountUsd"`
}

type FastPriceConfig struct {
	PriceDuration     time.Duration `yaml:"price_duration" json:"priceDuration"`
	MinBlockInterval  uint64        `yaml:"min_block_interval" json:"minBlockInterval"`
	MaxDeviationBps   uint64        `yaml:"max_deviation_bps" json:"maxDeviationBasisPoints"`
	MaxTimeDeviation  time.Duration `yaml:"max_time_deviation" json:"maxTimeDeviation"`
	VolBps            uint64        `yaml:"vol_bps" json:"volBasisPoints"`
	IsSpreadEnabled   bool          `yaml:"is_spread_enabled" json:"isSpreadEnabled"`
	MinAuthorizations uint64        `yaml:"min_authorizations" json:"minAuthorizations"`
}

type PriceFeedConfig struct {
	PriceSampleSpace        uint64       `yaml:"price_sample_space" json:"priceSampleSpace"`
	MaxStrictPriceDeviation fixed.Amount `yaml:"max_strict_price_deviation" json:"maxStrictPriceDeviation"`
	IsSecondaryPriceEnabled bool         `yaml:"is_secondary_price_enabled" json:"isSecondaryPriceEnabled"`
}

type KlpConfig struct {
	CooldownDuration time.Duration `yaml:"cooldown_duration" json:"cooldownDuration"`
	AumAddition      fixed.Amount  `yaml:"aum_addition" json:"aumAddition"`
	AumDeduction     fixed.Amount  `yaml:"aum_deduction" json:"aumDeduction"`
	InPrivateMode    bool          `yaml:"in_private_mode" json:"inPrivateMode"`
}

// Config is every governed parameter of the venue.
type Config struct {
	Version   uint64          `yaml:"version" json:"version"`
	Vault     VaultConfig     `yaml:"vault" json:"vault"`
	Router    RouterConfig    `yaml:"router" json:"router"`
	OrderBook OrderBookConfig `yaml:"order_book" json:"orderBook"`
	FastPrice FastPriceConfig `yaml:"fast_price" json:"fastPrice"`
	PriceFeed PriceFeedConfig `yaml:"price_feed" json:"priceFeed"`
	Klp       KlpConfig       `yaml:"klp" json:"klp"`
	Tokens    []TokenConfig   `yaml:"tokens" json:"tokens"`
}

// DefaultConfig returns the launch parameters with no tokens whitelisted.
func DefaultConfig() *Config {
	return &Config{
		Vault: VaultConfig{
			IsSwapEnabled:           true,
			IsLeverageEnabled:       true,
			MaxLeverage:             50 * MinLeverage,
			LiquidationFeeUsd:       fixed.USD(5),
			TaxBps:                  50,
			StableTaxBps:            20,
			MintBurnFeeBps:          30,
			SwapFeeBps:              30,
			StableSwapFeeBps:        4,
			MarginFeeBps:            10,
			FundingInterval:         8 * time.Hour,
			FundingRateFactor:       600,
			StableFundingRateFactor: 600,
		},
		Router: RouterConfig{
			DepositFeeBps:             50,
			MinExecutionFee:           fixed.FromUint64(4000),
			MinBlockDelayKeeper:       1,
			MinBlockDelayPublic:       3,
			MaxExecutionValidity:      30 * time.Minute,
			IncreasePositionBufferBps: 100,
		},
		OrderBook: OrderBookConfig{
			MinExecutionFee:           fixed.FromUint64(4000),
			MinPurchaseTokenAmountUsd: fixed.USD(5),
		},
		FastPrice: FastPriceConfig{
			PriceDuration:     5 * time.Minute,
			MinBlockInterval:  2,
			MaxDeviationBps:   250,
			MinAuthorizations: 1,
		},
		PriceFeed: PriceFeedConfig{
			PriceSampleSpace:        3,
			IsSecondaryPriceEnabled: true,
		},
		Klp: KlpConfig{
			CooldownDuration: 24 * time.Hour,
		},
	}
}

// Clone returns a deep copy.
func (c *Config) Clone() *Config {
	out := *c
	out.Tokens = append([]TokenConfig(nil), c.Tokens...)
	return &out
}

// Token returns the configuration of a whitelisted token.
func (c *Config) Token(addr common.Address) (TokenConfig, bool) {
	for _, t := range c.Tokens {
		if t.Address == addr {
			return t, true
		}
	}
	return TokenConfig{}, false
}

func (c *Config) IsWhitelisted(addr common.Address) bool {
	_, ok := c.Token(addr)
	return ok
}

// TotalTokenWeights sums the target weights of all whitelisted tokens.
func (c *Config) TotalTokenWeights() uint64 {
	var total uint64
	for _, t := range c.Tokens {
		total += t.Weight
	}
	return total
}

// SetToken adds or replaces a token configuration.
func (c *Config) SetToken(tc TokenConfig) {
	for i := range c.Tokens {
		if c.Tokens[i].Address == tc.Address {
			c.Tokens[i] = tc
			return
		}
	}
	c.Tokens = append(c.Tokens, tc)
}

// ClearToken removes a token from the whitelist.
func (c *Config) ClearToken(addr common.Address) {
	for i := range c.Tokens {
		if c.Tokens[i].Address == addr {
			c.Tokens = append(c.Tokens[:i], c.Tokens[i+1:]...)
			return
		}
	}
}

// Seconds converts a duration to whole chain seconds.
func Seconds(d time.Duration) uint64 {
	if d <= 0 {
		return 0
	}
	return uint64(d / time.Second)
}

// Validate checks every bound. Failures that have a dedicated code are reported
// with it; the rest are joined under InvalidConfig.
func (c *Config) Validate(table *errs.Table) error {
	if c.FastPrice.PriceDuration > MaxPriceDuration {
		return table.Err(errs.OracleInvalidPriceDuration)
	}
	if c.Klp.CooldownDuration > MaxCooldownDuration {
		return table.Err(errs.KlpInvalidCooldownDuration)
	}

	var problems []error
	v := c.Vault
	for name, bps := range map[string]uint64{
		"tax_bps":             v.TaxBps,
		"stable_tax_bps":      v.StableTaxBps,
		"mint_burn_fee_bps":   v.MintBurnFeeBps,
		"swap_fee_bps":        v.SwapFeeBps,
		"stable_swap_fee_bps": v.StableSwapFeeBps,
		"margin_fee_bps":      v.MarginFeeBps,
	} {
		if bps > MaxFeeBasisPoints {
			problems = append(problems, fmt.Errorf("vault.%s %d exceeds %d", name, bps, MaxFeeBasisPoints))
		}
	}
	if v.MaxLeverage <= MinLeverage {
		problems = append(problems, fmt.Errorf("vault.max_leverage must exceed %d", MinLeverage))
	}
	if v.LiquidationFeeUsd.Gt(MaxLiquidationFeeUsd) {
		problems = append(problems, errors.New("vault.liquidation_fee_usd exceeds 100 USD"))
	}
	if v.FundingInterval < MinFundingRateInterval {
		problems = append(problems, fmt.Errorf("vault.funding_interval must be at least %s", MinFundingRateInterval))
	}
	if v.FundingRateFactor > MaxFundingRateFactor || v.StableFundingRateFactor > MaxFundingRateFactor {
		problems = append(problems, fmt.Errorf("vault funding rate factors must not exceed %d", MaxFundingRateFactor))
	}
	if c.Router.DepositFeeBps > fixed.BasisPointsDivisor {
		problems = append(problems, errors.New("router.deposit_fee_bps exceeds 10000"))
	}
	if c.Router.MinBlockDelayPublic < c.Router.MinBlockDelayKeeper {
		problems = append(problems, errors.New("router.min_block_delay_public must not be below the keeper delay"))
	}
	if c.FastPrice.MaxDeviationBps >= fixed.BasisPointsDivisor || c.FastPrice.VolBps >= fixed.BasisPointsDivisor {
		problems = append(problems, errors.New("fast_price basis points must be below 10000"))
	}
	if c.PriceFeed.PriceSampleSpace == 0 {
		problems = append(problems, errors.New("price_feed.price_sample_space must be positive"))
	}

	seen := make(map[common.Address]bool, len(c.Tokens))
	for _, t := range c.Tokens {
		if seen[t.Address] {
			problems = append(problems, fmt.Errorf("token %s configured twice", t.Address))
		}
		seen[t.Address] = true
		if t.Decimals < 0 || t.Decimals > fixed.PriceDecimals {
			problems = append(problems, fmt.Errorf("token %s decimals %d out of range", t.Symbol, t.Decimals))
		}
		if t.PriceDecimals < 0 || t.PriceDecimals > fixed.PriceDecimals {
			problems = append(problems, fmt.Errorf("token %s price decimals %d out of range", t.Symbol, t.PriceDecimals))
		}
		if t.SpreadBps > MaxSpreadBasisPoints {
			problems = append(problems, fmt.Errorf("token %s spread %d exceeds %d", t.Symbol, t.SpreadBps, MaxSpreadBasisPoints))
		}
	}

	if len(problems) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", table.Err(errs.InvalidConfig), errors.Join(problems...))
}
