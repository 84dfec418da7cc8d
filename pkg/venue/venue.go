// Package venue assembles the ledger, oracle, vault, routers and liquidity
// manager into one running venue sharing a single chain state.
package venue

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/luxfi/log"
	"golang.org/x/crypto/sha3"

	"github.com/luxfi/klp/pkg/chain"
	"github.com/luxfi/klp/pkg/errs"
	"github.com/luxfi/klp/pkg/fixed"
	"github.com/luxfi/klp/pkg/gov"
	"github.com/luxfi/klp/pkg/klp"
	"github.com/luxfi/klp/pkg/oracle"
	"github.com/luxfi/klp/pkg/router"
	"github.com/luxfi/klp/pkg/token"
	"github.com/luxfi/klp/pkg/vault"
)

// Addresses are the identities of the venue components and the governance account.
type Addresses struct {
	Gov            common.Address `yaml:"gov" json:"gov"`
	Vault          common.Address `yaml:"vault" json:"vault"`
	USDG           common.Address `yaml:"usdg" json:"usdg"`
	Router         common.Address `yaml:"router" json:"router"`
	PositionRouter common.Address `yaml:"position_router" json:"positionRouter"`
	OrderBook      common.Address `yaml:"order_book" json:"orderBook"`
	FastPriceFeed  common.Address `yaml:"fast_price_feed" json:"fastPriceFeed"`
	KlpManager     common.Address `yaml:"klp_manager" json:"klpManager"`
	KLP            common.Address `yaml:"klp" json:"klp"`
	Wrapped        common.Address `yaml:"wrapped" json:"wrapped"`
}

// ComponentAddress derives a stable address for a named component.
func ComponentAddress(name string) common.Address {
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte("klp/" + name))
	return common.BytesToAddress(h.Sum(nil)[12:])
}

// DefaultAddresses derives every component address and leaves Gov unset.
func DefaultAddresses() Addresses {
	return Addresses{
		Vault:          ComponentAddress("vault"),
		USDG:           ComponentAddress("usdg"),
		Router:         ComponentAddress("router"),
		PositionRouter: ComponentAddress("position_router"),
		OrderBook:      ComponentAddress("order_book"),
		FastPriceFeed:  ComponentAddress("fast_price_feed"),
		KlpManager:     ComponentAddress("klp_manager"),
		KLP:            ComponentAddress("klp"),
		Wrapped:        ComponentAddress("wrapped_native"),
	}
}

// Roles lists the accounts granted each role at startup.
type Roles struct {
	Keepers       []common.Address `yaml:"keepers" json:"keepers"`
	Liquidators   []common.Address `yaml:"liquidators" json:"liquidators"`
	Updaters      []common.Address `yaml:"updaters" json:"updaters"`
	Signers       []common.Address `yaml:"signers" json:"signers"`
	Reporters     []common.Address `yaml:"reporters" json:"reporters"`
	Handlers      []common.Address `yaml:"handlers" json:"handlers"`
	TokenManagers []common.Address `yaml:"token_managers" json:"tokenManagers"`
}

type Options struct {
	Config    *gov.Config
	Addresses Addresses
	Roles     Roles
	Clock     chain.Clock
	Errors    *errs.Table
	Logger    log.Logger
}

// Venue holds every component. Fields are exported for the API layers; all of
// them share State.
type Venue struct {
	State          *chain.State
	Gov            *gov.Governor
	Ledger         *token.Ledger
	Reference      *oracle.ReferenceFeed
	FastPrice      *oracle.FastPriceFeed
	Prices         *oracle.PriceFeed
	Vault          *vault.Vault
	Router         *router.Router
	PositionRouter *router.PositionRouter
	OrderBook      *router.OrderBook
	ComplexRouter  *router.ComplexOrderRouter
	Klp            *klp.Manager

	addrs  Addresses
	logger log.Logger
}

// New builds and wires a venue. Setup runs as the governance account.
func New(opts Options) (*Venue, error) {
	a := opts.Addresses
	if a.Gov == (common.Address{}) {
		return nil, fmt.Errorf("venue: governance address is required")
	}
	cfg := opts.Config
	if cfg == nil {
		cfg = gov.DefaultConfig()
	}
	logger := opts.Logger

	state := chain.NewState(opts.Clock, logger)
	g, err := gov.New(state, a.Gov, cfg, opts.Errors, logger)
	if err != nil {
		return nil, fmt.Errorf("venue: invalid governance config: %w", err)
	}

	ledger := token.NewLedger(g, a.Wrapped, logger)
	ledger.Register(token.Meta{Address: token.Native, Symbol: "LUX", Decimals: 18})
	for _, tc := range cfg.Tokens {
		ledger.Register(token.Meta{Address: tc.Address, Symbol: tc.Symbol, Decimals: tc.Decimals})
	}

	ref := oracle.NewReferenceFeed(g, logger)
	fast := oracle.NewFastPriceFeed(g, a.FastPriceFeed, logger)
	prices := oracle.NewPriceFeed(g, ref, fast)
	v := vault.New(g, ledger, prices, a.Vault, a.USDG, logger)
	r := router.NewRouter(g, ledger, v, a.Router, logger)
	pr := router.NewPositionRouter(g, ledger, v, r, a.PositionRouter, logger)
	fast.SetExecutor(pr)
	ob := router.NewOrderBook(g, ledger, v, r, a.OrderBook, logger)
	cr := router.NewComplexOrderRouter(g, ob, pr, logger)
	m := klp.NewManager(g, ledger, v, a.KlpManager, a.KLP, logger)

	ven := &Venue{
		State:          state,
		Gov:            g,
		Ledger:         ledger,
		Reference:      ref,
		FastPrice:      fast,
		Prices:         prices,
		Vault:          v,
		Router:         r,
		PositionRouter: pr,
		OrderBook:      ob,
		ComplexRouter:  cr,
		Klp:            m,
		addrs:          a,
		logger:         logger,
	}
	if err := ven.wire(context.Background(), cfg, opts.Roles); err != nil {
		return nil, err
	}
	logger.Info("Venue ready",
		"tokens", len(cfg.Tokens),
		"configVersion", g.Config().Version,
		"vault", a.Vault.Hex(),
		"positionRouter", a.PositionRouter.Hex(),
		"orderBook", a.OrderBook.Hex())
	return ven, nil
}

// wire grants the cross-component permissions and the configured roles in
// one call, so a failure leaves the venue untouched.
func (v *Venue) wire(ctx context.Context, cfg *gov.Config, roles Roles) error {
	a := v.addrs
	gv := a.Gov
	err := v.State.Atomic(ctx, func(ctx context.Context) error {
		steps := []struct {
			name string
			fn   func() error
		}{
			{"vault router", func() error { return v.Vault.SetRouter(ctx, gv, a.Router) }},
			{"position router plugin", func() error { return v.Router.AddPlugin(ctx, gv, a.PositionRouter) }},
			{"order book plugin", func() error { return v.Router.AddPlugin(ctx, gv, a.OrderBook) }},
			{"fast price keeper", func() error { return v.Gov.SetRole(ctx, gv, gov.RoleKeeper, a.FastPriceFeed, true) }},
			{"klp manager role", func() error { return v.Gov.SetRole(ctx, gv, gov.RoleManager, a.KlpManager, true) }},
			{"klp minter", func() error { return v.Ledger.SetMinter(ctx, gv, a.KLP, a.KlpManager, true) }},
			{"usdg minter", func() error { return v.Ledger.SetMinter(ctx, gv, a.USDG, a.KlpManager, true) }},
			{"klp private transfers", func() error { return v.Ledger.SetInPrivateTransferMode(ctx, gv, a.KLP, true) }},
			{"fast price signers", func() error {
				return v.FastPrice.Initialize(ctx, gv, cfg.FastPrice.MinAuthorizations, roles.Signers, roles.Updaters)
			}},
		}
		for _, s := range steps {
			if err := s.fn(); err != nil {
				return fmt.Errorf("venue: %s: %w", s.name, err)
			}
		}

		grants := []struct {
			role     gov.Role
			accounts []common.Address
		}{
			{gov.RoleKeeper, roles.Keepers},
			{gov.RoleLiquidator, roles.Liquidators},
			{gov.RoleReporter, roles.Reporters},
			{gov.RoleHandler, roles.Handlers},
			{gov.RoleTokenManager, roles.TokenManagers},
		}
		for _, gr := range grants {
			for _, acct := range gr.accounts {
				if err := v.Gov.SetRole(ctx, gv, gr.role, acct, true); err != nil {
					return fmt.Errorf("venue: grant %s to %s: %w", gr.role, acct.Hex(), err)
				}
			}
		}
		return nil
	})
	return err
}

func (v *Venue) Addresses() Addresses { return v.addrs }

// Report posts reference prices as the governance account. Prices are human
// readable decimals converted to each token's feed decimals.
func (v *Venue) Report(ctx context.Context, prices map[common.Address]string) error {
	return v.State.Atomic(ctx, func(ctx context.Context) error {
		cfg := v.Gov.Config()
		for tok, s := range prices {
			tc, ok := cfg.Token(tok)
			if !ok {
				return fmt.Errorf("venue: price for unknown token %s", tok.Hex())
			}
			answer, err := fixed.Parse(s, tc.PriceDecimals)
			if err != nil {
				return err
			}
			if err := v.Reference.Report(ctx, v.addrs.Gov, tok, answer); err != nil {
				return fmt.Errorf("venue: report %s: %w", tc.Symbol, err)
			}
		}
		return nil
	})
}
