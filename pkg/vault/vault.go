// Package vault is the venue ledger: pooled collateral, the USDG accounting
// token, leveraged positions, funding and fees.
//
// Tokens reach the vault by a ledger transfer to its address followed by an
// operation that credits the balance difference since the last recorded
// balance. Every operation runs as one chain call and leaves no trace when it
// fails.
package vault

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/luxfi/log"

	"github.com/luxfi/klp/pkg/chain"
	"github.com/luxfi/klp/pkg/errs"
	"github.com/luxfi/klp/pkg/fixed"
	"github.com/luxfi/klp/pkg/gov"
	"github.com/luxfi/klp/pkg/oracle"
	"github.com/luxfi/klp/pkg/token"
)

// Event topics
const (
	TopicBuyUSDG          = "vault.buy_usdg"
	TopicSellUSDG         = "vault.sell_usdg"
	TopicSwap             = "vault.swap"
	TopicIncreasePosition = "vault.increase_position"
	TopicDecreasePosition = "vault.decrease_position"
	TopicUpdatePosition   = "vault.update_position"
	TopicClosePosition    = "vault.close_position"
	TopicLiquidate        = "vault.liquidate_position"
	TopicUpdatePnl        = "vault.update_pnl"
	TopicFunding          = "vault.update_funding_rate"
	TopicCollectFees      = "vault.collect_fees"
	TopicPool             = "vault.pool"
)

// PoolState is the per-asset pool bookkeeping.
type PoolState struct {
	PoolAmount              fixed.Amount `json:"poolAmount"`
	ReservedAmount          fixed.Amount `json:"reservedAmount"`
	BufferAmount            fixed.Amount `json:"bufferAmount"`
	GuaranteedUsd           fixed.Amount `json:"guaranteedUsd"`
	UsdgAmount              fixed.Amount `json:"usdgAmount"`
	FeeReserve              fixed.Amount `json:"feeReserve"`
	CumulativeFundingRate   fixed.Amount `json:"cumulativeFundingRate"`
	LastFundingTime         uint64       `json:"lastFundingTime"`
	GlobalShortSize         fixed.Amount `json:"globalShortSize"`
	GlobalShortAveragePrice fixed.Amount `json:"globalShortAveragePrice"`
}

// Vault owns pools and positions. Its token holdings are kept in the ledger
// under its own address.
type Vault struct {
	state  *chain.State
	gov    *gov.Governor
	ledger *token.Ledger
	prices oracle.Source
	logger log.Logger

	self common.Address
	usdg common.Address

	router        *chain.Value[common.Address]
	pools         *chain.Map[common.Address, PoolState]
	tokenBalances *chain.Map[common.Address, fixed.Amount]
	positions     *chain.Map[common.Hash, Position]
	routers       *chain.Map[[2]common.Address, bool]
}

// New builds a vault holding its assets at self and minting USDG at usdg.
func New(g *gov.Governor, ledger *token.Ledger, prices oracle.Source, self, usdg common.Address, logger log.Logger) *Vault {
	s := g.State()
	ledger.Register(token.Meta{Address: usdg, Symbol: "USDG", Decimals: fixed.USDGDecimals})
	return &Vault{
		state:         s,
		gov:           g,
		ledger:        ledger,
		prices:        prices,
		logger:        logger,
		self:          self,
		usdg:          usdg,
		router:        chain.NewValue(s, common.Address{}),
		pools:         chain.NewMap[common.Address, PoolState](s),
		tokenBalances: chain.NewMap[common.Address, fixed.Amount](s),
		positions:     chain.NewMap[common.Hash, Position](s),
		routers:       chain.NewMap[[2]common.Address, bool](s),
	}
}

func (v *Vault) Address() common.Address { return v.self }
func (v *Vault) USDG() common.Address    { return v.usdg }
func (v *Vault) Router() common.Address  { return v.router.Get() }

// SetRouter sets the router trusted to act for every account.
func (v *Vault) SetRouter(ctx context.Context, caller, router common.Address) error {
	return v.state.Atomic(ctx, func(ctx context.Context) error {
		if err := v.gov.RequireGov(caller); err != nil {
			return err
		}
		v.router.Set(router)
		return nil
	})
}

// AddRouter lets router act for the caller.
func (v *Vault) AddRouter(ctx context.Context, caller, router common.Address) error {
	return v.state.Atomic(ctx, func(ctx context.Context) error {
		v.routers.Set([2]common.Address{caller, router}, true)
		return nil
	})
}

func (v *Vault) RemoveRouter(ctx context.Context, caller, router common.Address) error {
	return v.state.Atomic(ctx, func(ctx context.Context) error {
		v.routers.Delete([2]common.Address{caller, router})
		return nil
	})
}

func (v *Vault) IsRouterApproved(account, router common.Address) bool {
	return v.routers.Get([2]common.Address{account, router})
}

func (v *Vault) validateRouter(caller, account common.Address) error {
	if caller == account || caller == v.router.Get() || v.routers.Get([2]common.Address{account, caller}) {
		return nil
	}
	return v.gov.Err(errs.VaultInvalidCaller)
}

func (v *Vault) validateManager(cfg *gov.Config, caller common.Address) error {
	if cfg.Vault.InManagerMode && !v.gov.HasRole(gov.RoleManager, caller) {
		return v.gov.Err(errs.VaultForbidden)
	}
	return nil
}

func (v *Vault) tokenConfig(cfg *gov.Config, tok common.Address) (gov.TokenConfig, error) {
	tc, ok := cfg.Token(tok)
	if !ok {
		return tc, v.gov.Err(errs.VaultTokenNotWhitelisted)
	}
	return tc, nil
}

// transferIn credits the tokens sent to the vault since the last recorded balance.
func (v *Vault) transferIn(tok common.Address) fixed.Amount {
	prev := v.tokenBalances.Get(tok)
	next := v.ledger.BalanceOf(tok, v.self)
	v.tokenBalances.Set(tok, next)
	return next.Sub(prev)
}

func (v *Vault) transferOut(tok common.Address, amount fixed.Amount, receiver common.Address) error {
	if err := v.ledger.Move(tok, v.self, receiver, amount); err != nil {
		return err
	}
	v.tokenBalances.Set(tok, v.ledger.BalanceOf(tok, v.self))
	return nil
}

func (v *Vault) updateTokenBalance(tok common.Address) {
	v.tokenBalances.Set(tok, v.ledger.BalanceOf(tok, v.self))
}

// GetPoolState returns the pool bookkeeping of tok, including its configured buffer.
func (v *Vault) GetPoolState(tok common.Address) PoolState {
	p := v.pools.Get(tok)
	if tc, ok := v.gov.Config().Token(tok); ok {
		p.BufferAmount = tc.BufferAmount
	}
	return p
}

func (v *Vault) PoolAmount(tok common.Address) fixed.Amount     { return v.pools.Get(tok).PoolAmount }
func (v *Vault) ReservedAmount(tok common.Address) fixed.Amount { return v.pools.Get(tok).ReservedAmount }
func (v *Vault) GuaranteedUsd(tok common.Address) fixed.Amount  { return v.pools.Get(tok).GuaranteedUsd }
func (v *Vault) UsdgAmount(tok common.Address) fixed.Amount     { return v.pools.Get(tok).UsdgAmount }
func (v *Vault) FeeReserve(tok common.Address) fixed.Amount     { return v.pools.Get(tok).FeeReserve }

// Tokens lists the whitelisted tokens in configuration order.
func (v *Vault) Tokens() []gov.TokenConfig {
	return append([]gov.TokenConfig(nil), v.gov.Config().Tokens...)
}

// WithdrawFees sends the accumulated fee reserve of tok to receiver.
func (v *Vault) WithdrawFees(ctx context.Context, caller, tok, receiver common.Address) (fixed.Amount, error) {
	return chain.Do(ctx, v.state, func(ctx context.Context) (fixed.Amount, error) {
		if err := v.gov.RequireGov(caller); err != nil {
			return fixed.Zero, err
		}
		p := v.pools.Get(tok)
		amount := p.FeeReserve
		if amount.IsZero() {
			return fixed.Zero, nil
		}
		p.FeeReserve = fixed.Zero
		v.pools.Set(tok, p)
		if err := v.transferOut(tok, amount, receiver); err != nil {
			return fixed.Zero, err
		}
		v.logger.Info("Fees withdrawn", "token", tok, "amount", amount, "receiver", receiver)
		return amount, nil
	})
}
