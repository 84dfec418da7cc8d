// Package token is the balance ledger for every asset the venue touches: pool
// assets, the native coin, its wrapped form, USDG and KLP.
//
// Components move balances through the unchecked Move, Issue and Destroy
// helpers from inside a call. Accounts act through Transfer, Approve,
// TransferFrom, Deposit and Withdraw, which carry the usual allowance, minter and
// private-transfer checks.
package token

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/luxfi/log"

	"github.com/luxfi/klp/pkg/chain"
	"github.com/luxfi/klp/pkg/errs"
	"github.com/luxfi/klp/pkg/fixed"
	"github.com/luxfi/klp/pkg/gov"
)

// Native is the address under which native coin balances are kept.
var Native = common.Address{}

const (
	TopicTransfer = "token.transfer"
	TopicApproval = "token.approval"
)

type Transfer struct {
	Token  common.Address `json:"token"`
	From   common.Address `json:"from"`
	To     common.Address `json:"to"`
	Amount fixed.Amount   `json:"amount"`
}

type Approval struct {
	Token   common.Address `json:"token"`
	Owner   common.Address `json:"owner"`
	Spender common.Address `json:"spender"`
	Amount  fixed.Amount   `json:"amount"`
}

// Meta describes a token known to the ledger.
type Meta struct {
	Address  common.Address `json:"address"`
	Symbol   string         `json:"symbol"`
	Decimals int            `json:"decimals"`
}

type holding struct {
	token   common.Address
	account common.Address
}

type allowance struct {
	token   common.Address
	owner   common.Address
	spender common.Address
}

type Ledger struct {
	state  *chain.State
	gov    *gov.Governor
	logger log.Logger

	wrapped common.Address

	meta       *chain.Map[common.Address, Meta]
	balances   *chain.Map[holding, fixed.Amount]
	supply     *chain.Map[common.Address, fixed.Amount]
	allowances *chain.Map[allowance, fixed.Amount]
	minters    *chain.Map[holding, bool]
	handlers   *chain.Map[holding, bool]
	private    *chain.Map[common.Address, bool]
}

// NewLedger builds a ledger whose wrapped-native token lives at wrapped.
func NewLedger(g *gov.Governor, wrapped common.Address, logger log.Logger) *Ledger {
	s := g.State()
	l := &Ledger{
		state:      s,
		gov:        g,
		logger:     logger,
		wrapped:    wrapped,
		meta:       chain.NewMap[common.Address, Meta](s),
		balances:   chain.NewMap[holding, fixed.Amount](s),
		supply:     chain.NewMap[common.Address, fixed.Amount](s),
		allowances: chain.NewMap[allowance, fixed.Amount](s),
		minters:    chain.NewMap[holding, bool](s),
		handlers:   chain.NewMap[holding, bool](s),
		private:    chain.NewMap[common.Address, bool](s),
	}
	l.meta.Set(Native, Meta{Address: Native, Symbol: "LUX", Decimals: 18})
	l.meta.Set(wrapped, Meta{Address: wrapped, Symbol: "WLUX", Decimals: 18})
	return l
}

// Register records the metadata of a token.
func (l *Ledger) Register(m Meta) { l.meta.Set(m.Address, m) }

func (l *Ledger) Meta(token common.Address) (Meta, bool) { return l.meta.Lookup(token) }

// Wrapped returns the address of the wrapped native token.
func (l *Ledger) Wrapped() common.Address { return l.wrapped }

func (l *Ledger) BalanceOf(token, account common.Address) fixed.Amount {
	return l.balances.Get(holding{token, account})
}

func (l *Ledger) TotalSupply(token common.Address) fixed.Amount {
	return l.supply.Get(token)
}

func (l *Ledger) Allowance(token, owner, spender common.Address) fixed.Amount {
	return l.allowances.Get(allowance{token, owner, spender})
}

// Move transfers amount without authorization checks. Callers must be inside a call.
func (l *Ledger) Move(token, from, to common.Address, amount fixed.Amount) error {
	if amount.IsZero() || from == to {
		return nil
	}
	bal := l.balances.Get(holding{token, from})
	if bal.Lt(amount) {
		return l.gov.Err(errs.TokenInsufficientBalance)
	}
	l.balances.Set(holding{token, from}, bal.Sub(amount))
	l.balances.Update(holding{token, to}, func(b fixed.Amount) fixed.Amount { return b.Add(amount) })
	l.state.Emit(TopicTransfer, Transfer{Token: token, From: from, To: to, Amount: amount})
	return nil
}

// Issue mints amount to account without authorization checks.
func (l *Ledger) Issue(token, to common.Address, amount fixed.Amount) {
	if amount.IsZero() {
		return
	}
	l.supply.Set(token, l.supply.Get(token).Add(amount))
	l.balances.Update(holding{token, to}, func(b fixed.Amount) fixed.Amount { return b.Add(amount) })
	l.state.Emit(TopicTransfer, Transfer{Token: token, To: to, Amount: amount})
}

// Destroy burns amount from account without authorization checks.
func (l *Ledger) Destroy(token, from common.Address, amount fixed.Amount) error {
	if amount.IsZero() {
		return nil
	}
	bal := l.balances.Get(holding{token, from})
	if bal.Lt(amount) {
		return l.gov.Err(errs.TokenInsufficientBalance)
	}
	l.balances.Set(holding{token, from}, bal.Sub(amount))
	l.supply.Set(token, l.supply.Get(token).Sub(amount))
	l.state.Emit(TopicTransfer, Transfer{Token: token, From: from, Amount: amount})
	return nil
}

// Transfer moves the caller's own tokens.
func (l *Ledger) Transfer(ctx context.Context, caller, token, to common.Address, amount fixed.Amount) error {
	return l.state.Atomic(ctx, func(ctx context.Context) error {
		if err := l.checkPrivate(token, caller); err != nil {
			return err
		}
		return l.Move(token, caller, to, amount)
	})
}

func (l *Ledger) Approve(ctx context.Context, caller, token, spender common.Address, amount fixed.Amount) error {
	return l.state.Atomic(ctx, func(ctx context.Context) error {
		l.allowances.Set(allowance{token, caller, spender}, amount)
		l.state.Emit(TopicApproval, Approval{Token: token, Owner: caller, Spender: spender, Amount: amount})
		return nil
	})
}

// TransferFrom spends the caller's allowance over from's tokens. Handlers of the
// token skip the allowance check.
func (l *Ledger) TransferFrom(ctx context.Context, caller, token, from, to common.Address, amount fixed.Amount) error {
	return l.state.Atomic(ctx, func(ctx context.Context) error {
		if err := l.checkPrivate(token, caller); err != nil {
			return err
		}
		if !l.handlers.Get(holding{token, caller}) {
			k := allowance{token, from, caller}
			allowed := l.allowances.Get(k)
			if allowed.Lt(amount) {
				return l.gov.Err(errs.TokenInsufficientAllowance)
			}
			l.allowances.Set(k, allowed.Sub(amount))
		}
		return l.Move(token, from, to, amount)
	})
}

func (l *Ledger) checkPrivate(token, caller common.Address) error {
	if l.private.Get(token) && !l.handlers.Get(holding{token, caller}) {
		return l.gov.Err(errs.TokenNotWhitelisted)
	}
	return nil
}

// Mint creates tokens on behalf of a registered minter.
func (l *Ledger) Mint(ctx context.Context, caller, token, to common.Address, amount fixed.Amount) error {
	return l.state.Atomic(ctx, func(ctx context.Context) error {
		if !l.minters.Get(holding{token, caller}) {
			return l.gov.Err(errs.TokenForbidden)
		}
		l.Issue(token, to, amount)
		return nil
	})
}

// Deposit wraps native coin one to one.
func (l *Ledger) Deposit(ctx context.Context, caller common.Address, amount fixed.Amount) error {
	return l.state.Atomic(ctx, func(ctx context.Context) error {
		return l.Wrap(caller, caller, amount)
	})
}

// Withdraw unwraps to native coin one to one.
func (l *Ledger) Withdraw(ctx context.Context, caller common.Address, amount fixed.Amount) error {
	return l.state.Atomic(ctx, func(ctx context.Context) error {
		return l.Unwrap(caller, caller, amount)
	})
}

// Wrap converts from's native coin into wrapped tokens credited to to. The
// native backing is held at the wrapped token's address.
func (l *Ledger) Wrap(from, to common.Address, amount fixed.Amount) error {
	if err := l.Move(Native, from, l.wrapped, amount); err != nil {
		return err
	}
	l.Issue(l.wrapped, to, amount)
	return nil
}

// Unwrap burns from's wrapped tokens and releases the native backing to to.
func (l *Ledger) Unwrap(from, to common.Address, amount fixed.Amount) error {
	if err := l.Destroy(l.wrapped, from, amount); err != nil {
		return err
	}
	return l.Move(Native, l.wrapped, to, amount)
}

// SetMinter grants or revokes the right to Mint token. Only governance may call it.
func (l *Ledger) SetMinter(ctx context.Context, caller, token, minter common.Address, enabled bool) error {
	return l.state.Atomic(ctx, func(ctx context.Context) error {
		if err := l.gov.RequireGov(caller); err != nil {
			return err
		}
		l.minters.Set(holding{token, minter}, enabled)
		return nil
	})
}

// SetHandler whitelists an account for allowance-free and private-mode transfers.
func (l *Ledger) SetHandler(ctx context.Context, caller, token, handler common.Address, enabled bool) error {
	return l.state.Atomic(ctx, func(ctx context.Context) error {
		if err := l.gov.RequireGov(caller); err != nil {
			return err
		}
		l.handlers.Set(holding{token, handler}, enabled)
		return nil
	})
}

func (l *Ledger) IsHandler(token, account common.Address) bool {
	return l.handlers.Get(holding{token, account})
}

// SetInPrivateTransferMode restricts transfers of token to its handlers.
func (l *Ledger) SetInPrivateTransferMode(ctx context.Context, caller, token common.Address, enabled bool) error {
	return l.state.Atomic(ctx, func(ctx context.Context) error {
		if err := l.gov.RequireGov(caller); err != nil {
			return err
		}
		l.private.Set(token, enabled)
		l.logger.Info("Private transfer mode changed", "token", token, "enabled", enabled)
		return nil
	})
}

func (l *Ledger) InPrivateTransferMode(token common.Address) bool { return l.private.Get(token) }
