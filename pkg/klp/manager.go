// Package klp values the vault pool and mints or redeems KLP, the pool's
// liquidity share token, against it.
package klp

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/luxfi/log"

	"github.com/luxfi/klp/pkg/chain"
	"github.com/luxfi/klp/pkg/errs"
	"github.com/luxfi/klp/pkg/fixed"
	"github.com/luxfi/klp/pkg/gov"
	"github.com/luxfi/klp/pkg/token"
	"github.com/luxfi/klp/pkg/vault"
)

const (
	TopicAddLiquidity    = "klp.add_liquidity"
	TopicRemoveLiquidity = "klp.remove_liquidity"
)

// Decimals of the KLP token.
const Decimals = 18

type AddLiquidity struct {
	Account    common.Address `json:"account"`
	Token      common.Address `json:"token"`
	Amount     fixed.Amount   `json:"amount"`
	AumInUsdg  fixed.Amount   `json:"aumInUsdg"`
	KlpSupply  fixed.Amount   `json:"klpSupply"`
	UsdgAmount fixed.Amount   `json:"usdgAmount"`
	MintAmount fixed.Amount   `json:"mintAmount"`
}

type RemoveLiquidity struct {
	Account    common.Address `json:"account"`
	Token      common.Address `json:"token"`
	KlpAmount  fixed.Amount   `json:"klpAmount"`
	AumInUsdg  fixed.Amount   `json:"aumInUsdg"`
	KlpSupply  fixed.Amount   `json:"klpSupply"`
	UsdgAmount fixed.Amount   `json:"usdgAmount"`
	AmountOut  fixed.Amount   `json:"amountOut"`
}

// Manager converts between pool assets and KLP. It holds the USDG minted
// for deposits and must be a vault manager when the vault runs in manager mode.
type Manager struct {
	state  *chain.State
	gov    *gov.Governor
	ledger *token.Ledger
	vault  *vault.Vault
	logger log.Logger

	self        common.Address
	klp         common.Address
	lastAddedAt *chain.Map[common.Address, uint64]
}

// NewManager builds a manager at self issuing the KLP token at klp.
func NewManager(g *gov.Governor, ledger *token.Ledger, v *vault.Vault, self, klp common.Address, logger log.Logger) *Manager {
	ledger.Register(token.Meta{Address: klp, Symbol: "KLP", Decimals: Decimals})
	return &Manager{
		state:       g.State(),
		gov:         g,
		ledger:      ledger,
		vault:       v,
		logger:      logger,
		self:        self,
		klp:         klp,
		lastAddedAt: chain.NewMap[common.Address, uint64](g.State()),
	}
}

func (m *Manager) Address() common.Address { return m.self }
func (m *Manager) KLP() common.Address     { return m.klp }

// LastAddedAt is the block time of account's latest deposit.
func (m *Manager) LastAddedAt(account common.Address) uint64 { return m.lastAddedAt.Get(account) }

func (m *Manager) IsHandler(account common.Address) bool {
	return m.gov.HasRole(gov.RoleHandler, account)
}

// GetAums returns the pool value at maximised and minimised prices.
func (m *Manager) GetAums() ([2]fixed.Amount, error) {
	hi, err := m.GetAum(true)
	if err != nil {
		return [2]fixed.Amount{}, err
	}
	lo, err := m.GetAum(false)
	if err != nil {
		return [2]fixed.Amount{}, err
	}
	return [2]fixed.Amount{hi, lo}, nil
}

// GetAum values the pool in 1e30 USD. Non-stable assets count guaranteed USD
// plus unreserved pool amount, and profitable shorts are deducted from the
// total.
func (m *Manager) GetAum(maximise bool) (fixed.Amount, error) {
	return m.aum(m.gov.Config(), maximise)
}

func (m *Manager) aum(cfg *gov.Config, maximise bool) (fixed.Amount, error) {
	aum := cfg.Klp.AumAddition
	shortProfits := fixed.Zero

	for _, tc := range cfg.Tokens {
		var (
			price fixed.Amount
			err   error
		)
		if maximise {
			price, err = m.vault.GetMaxPrice(tc.Address)
		} else {
			price, err = m.vault.GetMinPrice(tc.Address)
		}
		if err != nil {
			return fixed.Zero, err
		}
		p := m.vault.GetPoolState(tc.Address)
		unit := fixed.Pow10(tc.Decimals)

		if tc.IsStable {
			aum = aum.Add(p.PoolAmount.MulDiv(price, unit))
			continue
		}
		if !p.GlobalShortSize.IsZero() {
			hasProfit, delta := m.vault.GlobalShortDeltaAt(tc.Address, price)
			if hasProfit {
				shortProfits = shortProfits.Add(delta)
			} else {
				aum = aum.Add(delta)
			}
		}
		aum = aum.Add(p.GuaranteedUsd)
		aum = aum.Add(p.PoolAmount.Sub(p.ReservedAmount).MulDiv(price, unit))
	}

	aum = aum.SaturatingSub(shortProfits)
	return aum.SaturatingSub(cfg.Klp.AumDeduction), nil
}

// GetAumInUsdg is GetAum scaled to USDG decimals.
func (m *Manager) GetAumInUsdg(maximise bool) (fixed.Amount, error) {
	aum, err := m.GetAum(maximise)
	if err != nil {
		return fixed.Zero, err
	}
	return aum.MulDiv(fixed.Pow10(fixed.USDGDecimals), fixed.PricePrecision), nil
}

// GetPrice is the USD value of one KLP in 1e30 precision.
func (m *Manager) GetPrice(maximise bool) (fixed.Amount, error) {
	supply := m.ledger.TotalSupply(m.klp)
	if supply.IsZero() {
		return fixed.PricePrecision, nil
	}
	aum, err := m.GetAum(maximise)
	if err != nil {
		return fixed.Zero, err
	}
	return aum.MulDiv(fixed.Pow10(Decimals), supply), nil
}

// AddLiquidity deposits amount of tok from the caller and mints KLP to it.
// It fails while the manager is in private mode.
func (m *Manager) AddLiquidity(ctx context.Context, caller, tok common.Address, amount, minUsdg, minKlp fixed.Amount) (fixed.Amount, error) {
	return chain.Do(ctx, m.state, func(ctx context.Context) (fixed.Amount, error) {
		if m.gov.Config().Klp.InPrivateMode {
			return fixed.Zero, m.gov.Err(errs.KlpActionNotEnabled)
		}
		return m.addLiquidity(ctx, caller, caller, tok, amount, minUsdg, minKlp)
	})
}

// AddLiquidityForAccount lets a handler fund a deposit from fundingAccount
// and credit the KLP to account.
func (m *Manager) AddLiquidityForAccount(ctx context.Context, caller, fundingAccount, account, tok common.Address, amount, minUsdg, minKlp fixed.Amount) (fixed.Amount, error) {
	return chain.Do(ctx, m.state, func(ctx context.Context) (fixed.Amount, error) {
		if !m.IsHandler(caller) {
			return fixed.Zero, m.gov.Err(errs.KlpForbidden)
		}
		return m.addLiquidity(ctx, fundingAccount, account, tok, amount, minUsdg, minKlp)
	})
}

func (m *Manager) addLiquidity(ctx context.Context, fundingAccount, account, tok common.Address, amount, minUsdg, minKlp fixed.Amount) (fixed.Amount, error) {
	if amount.IsZero() {
		return fixed.Zero, m.gov.Err(errs.KlpInvalidAmount)
	}
	aumInUsdg, err := m.GetAumInUsdg(true)
	if err != nil {
		return fixed.Zero, err
	}
	supply := m.ledger.TotalSupply(m.klp)

	if err := m.ledger.TransferFrom(ctx, m.self, tok, fundingAccount, m.vault.Address(), amount); err != nil {
		return fixed.Zero, err
	}
	usdgAmount, err := m.vault.BuyUSDG(ctx, m.self, tok, m.self)
	if err != nil {
		return fixed.Zero, err
	}
	if usdgAmount.Lt(minUsdg) {
		return fixed.Zero, m.gov.Err(errs.KlpInsufficientUsdgOutput)
	}

	// an empty pool value mints 1:1 so the pool can be seeded again
	mintAmount := usdgAmount
	if !supply.IsZero() && !aumInUsdg.IsZero() {
		mintAmount = usdgAmount.MulDiv(supply, aumInUsdg)
	}
	if mintAmount.Lt(minKlp) {
		return fixed.Zero, m.gov.Err(errs.KlpInsufficientKlpOutput)
	}
	if err := m.ledger.Mint(ctx, m.self, m.klp, account, mintAmount); err != nil {
		return fixed.Zero, err
	}
	m.lastAddedAt.Set(account, m.state.Block().Time)

	m.state.Emit(TopicAddLiquidity, AddLiquidity{
		Account: account, Token: tok, Amount: amount, AumInUsdg: aumInUsdg,
		KlpSupply: supply, UsdgAmount: usdgAmount, MintAmount: mintAmount,
	})
	return mintAmount, nil
}

// RemoveLiquidity burns klpAmount of the caller's KLP and pays its share of
// the pool in tokenOut to receiver. It fails while the manager is in private
// mode.
func (m *Manager) RemoveLiquidity(ctx context.Context, caller, tokenOut common.Address, klpAmount, minOut fixed.Amount, receiver common.Address) (fixed.Amount, error) {
	return chain.Do(ctx, m.state, func(ctx context.Context) (fixed.Amount, error) {
		if m.gov.Config().Klp.InPrivateMode {
			return fixed.Zero, m.gov.Err(errs.KlpActionNotEnabled)
		}
		return m.removeLiquidity(ctx, caller, tokenOut, klpAmount, minOut, receiver)
	})
}

func (m *Manager) RemoveLiquidityForAccount(ctx context.Context, caller, account, tokenOut common.Address, klpAmount, minOut fixed.Amount, receiver common.Address) (fixed.Amount, error) {
	return chain.Do(ctx, m.state, func(ctx context.Context) (fixed.Amount, error) {
		if !m.IsHandler(caller) {
			return fixed.Zero, m.gov.Err(errs.KlpForbidden)
		}
		return m.removeLiquidity(ctx, account, tokenOut, klpAmount, minOut, receiver)
	})
}

func (m *Manager) removeLiquidity(ctx context.Context, account, tokenOut common.Address, klpAmount, minOut fixed.Amount, receiver common.Address) (fixed.Amount, error) {
	if klpAmount.IsZero() {
		return fixed.Zero, m.gov.Err(errs.KlpInvalidAmount)
	}
	cfg := m.gov.Config()
	if m.lastAddedAt.Get(account)+gov.Seconds(cfg.Klp.CooldownDuration) > m.state.Block().Time {
		return fixed.Zero, m.gov.Err(errs.KlpCooldownNotPassed)
	}

	aumInUsdg, err := m.GetAumInUsdg(false)
	if err != nil {
		return fixed.Zero, err
	}
	supply := m.ledger.TotalSupply(m.klp)
	usdgAmount := klpAmount.MulDiv(aumInUsdg, supply)

	usdg := m.vault.USDG()
	if held := m.ledger.BalanceOf(usdg, m.self); usdgAmount.Gt(held) {
		if err := m.ledger.Mint(ctx, m.self, usdg, m.self, usdgAmount.Sub(held)); err != nil {
			return fixed.Zero, err
		}
	}

	if err := m.ledger.Destroy(m.klp, account, klpAmount); err != nil {
		return fixed.Zero, err
	}
	if err := m.ledger.Move(usdg, m.self, m.vault.Address(), usdgAmount); err != nil {
		return fixed.Zero, err
	}
	amountOut, err := m.vault.SellUSDG(ctx, m.self, tokenOut, receiver)
	if err != nil {
		return fixed.Zero, err
	}
	if amountOut.Lt(minOut) {
		return fixed.Zero, m.gov.Err(errs.KlpInsufficientOutput)
	}

	m.state.Emit(TopicRemoveLiquidity, RemoveLiquidity{
		Account: account, Token: tokenOut, KlpAmount: klpAmount, AumInUsdg: aumInUsdg,
		KlpSupply: supply, UsdgAmount: usdgAmount, AmountOut: amountOut,
	})
	return amountOut, nil
}

func (m *Manager) SetInPrivateMode(ctx context.Context, caller common.Address, enabled bool) error {
	return m.gov.Update(ctx, caller, func(c *gov.Config) error {
		c.Klp.InPrivateMode = enabled
		return nil
	})
}

// SetHandler grants or revokes the right to add and remove liquidity for
// other accounts.
func (m *Manager) SetHandler(ctx context.Context, caller, handler common.Address, enabled bool) error {
	return m.gov.SetRole(ctx, caller, gov.RoleHandler, handler, enabled)
}

// SetCooldownDuration bounds how soon a deposit can be redeemed. It may not
// exceed 48 hours.
func (m *Manager) SetCooldownDuration(ctx context.Context, caller common.Address, d time.Duration) error {
	return m.gov.Update(ctx, caller, func(c *gov.Config) error {
		c.Klp.CooldownDuration = d
		return nil
	})
}

func (m *Manager) SetAumAdjustment(ctx context.Context, caller common.Address, addition, deduction fixed.Amount) error {
	return m.gov.Update(ctx, caller, func(c *gov.Config) error {
		c.Klp.AumAddition = addition
		c.Klp.AumDeduction = deduction
		return nil
	})
}
