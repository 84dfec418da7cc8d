// Package router holds the user-facing entry points to the vault: the plugin
// Router that moves approved funds on an account's behalf, the PositionRouter
// that queues position changes for delayed keeper execution, and the OrderBook
// of trigger orders with the ComplexOrderRouter that places entries and exits
// together.
package router

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/luxfi/log"

	"github.com/luxfi/klp/pkg/chain"
	"github.com/luxfi/klp/pkg/errs"
	"github.com/luxfi/klp/pkg/fixed"
	"github.com/luxfi/klp/pkg/gov"
	"github.com/luxfi/klp/pkg/token"
	"github.com/luxfi/klp/pkg/vault"
)

const TopicPlugin = "router.plugin"

// PluginChange is emitted when governance lists or delists a plugin.
type PluginChange struct {
	Plugin  common.Address `json:"plugin"`
	Enabled bool           `json:"enabled"`
}

// Router lets listed plugins spend an account's tokens and manage its
// positions once the account has approved them.
type Router struct {
	state  *chain.State
	gov    *gov.Governor
	ledger *token.Ledger
	vault  *vault.Vault
	logger log.Logger

	self     common.Address
	plugins  *chain.Map[common.Address, bool]
	approved *chain.Map[[2]common.Address, bool]
	swaps    swapper
}

func NewRouter(g *gov.Governor, ledger *token.Ledger, v *vault.Vault, self common.Address, logger log.Logger) *Router {
	s := g.State()
	return &Router{
		state:    s,
		gov:      g,
		ledger:   ledger,
		vault:    v,
		logger:   logger,
		self:     self,
		plugins:  chain.NewMap[common.Address, bool](s),
		approved: chain.NewMap[[2]common.Address, bool](s),
		swaps:    swapper{gov: g, ledger: ledger, vault: v, hold: self},
	}
}

func (r *Router) Address() common.Address { return r.self }

func (r *Router) AddPlugin(ctx context.Context, caller, plugin common.Address) error {
	return r.setPlugin(ctx, caller, plugin, true)
}

func (r *Router) RemovePlugin(ctx context.Context, caller, plugin common.Address) error {
	return r.setPlugin(ctx, caller, plugin, false)
}

func (r *Router) setPlugin(ctx context.Context, caller, plugin common.Address, enabled bool) error {
	return r.state.Atomic(ctx, func(ctx context.Context) error {
		if err := r.gov.RequireGov(caller); err != nil {
			return err
		}
		if enabled {
			r.plugins.Set(plugin, true)
		} else {
			r.plugins.Delete(plugin)
		}
		r.state.Emit(TopicPlugin, PluginChange{Plugin: plugin, Enabled: enabled})
		return nil
	})
}

// ApprovePlugin lets plugin act for the caller.
func (r *Router) ApprovePlugin(ctx context.Context, caller, plugin common.Address) error {
	return r.state.Atomic(ctx, func(ctx context.Context) error {
		r.approved.Set([2]common.Address{caller, plugin}, true)
		return nil
	})
}

func (r *Router) DenyPlugin(ctx context.Context, caller, plugin common.Address) error {
	return r.state.Atomic(ctx, func(ctx context.Context) error {
		r.approved.Delete([2]common.Address{caller, plugin})
		return nil
	})
}

func (r *Router) IsPlugin(plugin common.Address) bool { return r.plugins.Get(plugin) }

func (r *Router) IsApproved(account, plugin common.Address) bool {
	return r.approved.Get([2]common.Address{account, plugin})
}

// ValidatePlugin checks that plugin is registered and that account has
// approved it to spend through the router.
func (r *Router) ValidatePlugin(plugin, account common.Address) error {
	if !r.plugins.Get(plugin) {
		return r.gov.Err(errs.RouterInvalidPlugin)
	}
	if !r.approved.Get([2]common.Address{account, plugin}) {
		return r.gov.Err(errs.RouterPluginNotApproved)
	}
	return nil
}

// PluginTransfer moves account's tokens to receiver out of the allowance the
// account gave the router.
func (r *Router) PluginTransfer(ctx context.Context, caller, tok, account, receiver common.Address, amount fixed.Amount) error {
	return r.state.Atomic(ctx, func(ctx context.Context) error {
		if err := r.ValidatePlugin(caller, account); err != nil {
			return err
		}
		return r.ledger.TransferFrom(ctx, r.self, tok, account, receiver, amount)
	})
}

func (r *Router) PluginIncreasePosition(ctx context.Context, caller, account, collateral, index common.Address, sizeDelta fixed.Amount, isLong bool) error {
	return r.state.Atomic(ctx, func(ctx context.Context) error {
		if err := r.ValidatePlugin(caller, account); err != nil {
			return err
		}
		return r.vault.IncreasePosition(ctx, r.self, account, collateral, index, sizeDelta, isLong)
	})
}

func (r *Router) PluginDecreasePosition(ctx context.Context, caller, account, collateral, index common.Address, collateralDelta, sizeDelta fixed.Amount, isLong bool, receiver common.Address) (fixed.Amount, error) {
	return chain.Do(ctx, r.state, func(ctx context.Context) (fixed.Amount, error) {
		if err := r.ValidatePlugin(caller, account); err != nil {
			return fixed.Zero, err
		}
		return r.vault.DecreasePosition(ctx, r.self, account, collateral, index, collateralDelta, sizeDelta, isLong, receiver)
	})
}

// Swap sells amountIn of path[0] from the caller along path and pays at least
// minOut of the last token to receiver.
func (r *Router) Swap(ctx context.Context, caller common.Address, path []common.Address, amountIn, minOut fixed.Amount, receiver common.Address) (fixed.Amount, error) {
	return chain.Do(ctx, r.state, func(ctx context.Context) (fixed.Amount, error) {
		if len(path) < 2 || len(path) > 3 {
			return fixed.Zero, r.gov.Err(errs.RouterInvalidPathLength)
		}
		if err := r.ledger.TransferFrom(ctx, r.self, path[0], caller, r.vault.Address(), amountIn); err != nil {
			return fixed.Zero, err
		}
		return r.swaps.swap(ctx, path, minOut, receiver)
	})
}

// SwapETHToTokens wraps value of the caller's native coin and swaps it along
// path, which must start at the wrapped token.
func (r *Router) SwapETHToTokens(ctx context.Context, caller common.Address, value fixed.Amount, path []common.Address, minOut fixed.Amount, receiver common.Address) (fixed.Amount, error) {
	return chain.Do(ctx, r.state, func(ctx context.Context) (fixed.Amount, error) {
		if len(path) < 2 || len(path) > 3 {
			return fixed.Zero, r.gov.Err(errs.RouterInvalidPathLength)
		}
		if path[0] != r.ledger.Wrapped() {
			return fixed.Zero, r.gov.Err(errs.RouterInvalidPath)
		}
		if err := r.ledger.Wrap(caller, r.vault.Address(), value); err != nil {
			return fixed.Zero, err
		}
		return r.swaps.swap(ctx, path, minOut, receiver)
	})
}

// SwapTokensToETH swaps along path, which must end at the wrapped token, and
// pays receiver in native coin.
func (r *Router) SwapTokensToETH(ctx context.Context, caller common.Address, path []common.Address, amountIn, minOut fixed.Amount, receiver common.Address) (fixed.Amount, error) {
	return chain.Do(ctx, r.state, func(ctx context.Context) (fixed.Amount, error) {
		if len(path) < 2 || len(path) > 3 {
			return fixed.Zero, r.gov.Err(errs.RouterInvalidPathLength)
		}
		if path[len(path)-1] != r.ledger.Wrapped() {
			return fixed.Zero, r.gov.Err(errs.RouterInvalidPath)
		}
		if err := r.ledger.TransferFrom(ctx, r.self, path[0], caller, r.vault.Address(), amountIn); err != nil {
			return fixed.Zero, err
		}
		out, err := r.swaps.swap(ctx, path, minOut, r.self)
		if err != nil {
			return fixed.Zero, err
		}
		return out, r.ledger.Unwrap(r.self, receiver, out)
	})
}

// DirectPoolDeposit donates amount of tok from the caller to the vault pool.
func (r *Router) DirectPoolDeposit(ctx context.Context, caller, tok common.Address, amount fixed.Amount) error {
	return r.state.Atomic(ctx, func(ctx context.Context) error {
		if err := r.ledger.TransferFrom(ctx, r.self, tok, caller, r.vault.Address(), amount); err != nil {
			return err
		}
		return r.vault.DirectPoolDeposit(ctx, tok)
	})
}
