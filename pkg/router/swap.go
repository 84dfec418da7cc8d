package router

import (
	"context"

	"github.com/ethereum/go-ethereum/common"

	"github.com/luxfi/klp/pkg/errs"
	"github.com/luxfi/klp/pkg/fixed"
	"github.com/luxfi/klp/pkg/gov"
	"github.com/luxfi/klp/pkg/token"
	"github.com/luxfi/klp/pkg/vault"
)

// swapper routes a swap along a path of two or three tokens through the vault.
// The input must already sit in the vault. Intermediate outputs are parked at
// hold before being sent back in for the next leg.
type swapper struct {
	gov    *gov.Governor
	ledger *token.Ledger
	vault  *vault.Vault
	hold   common.Address
}

func (s swapper) swap(ctx context.Context, path []common.Address, minOut fixed.Amount, receiver common.Address) (fixed.Amount, error) {
	switch len(path) {
	case 2:
		return s.leg(ctx, path[0], path[1], minOut, receiver)
	case 3:
		mid, err := s.leg(ctx, path[0], path[1], fixed.Zero, s.hold)
		if err != nil {
			return fixed.Zero, err
		}
		if err := s.ledger.Move(path[1], s.hold, s.vault.Address(), mid); err != nil {
			return fixed.Zero, err
		}
		return s.leg(ctx, path[1], path[2], minOut, receiver)
	}
	return fixed.Zero, s.gov.Err(errs.RouterInvalidPathLength)
}

// leg swaps one hop. Hops into or out of USDG mint or burn it.
func (s swapper) leg(ctx context.Context, in, out common.Address, minOut fixed.Amount, receiver common.Address) (fixed.Amount, error) {
	var (
		amount fixed.Amount
		err    error
	)
	switch {
	case out == s.vault.USDG():
		amount, err = s.vault.BuyUSDG(ctx, s.hold, in, receiver)
	case in == s.vault.USDG():
		amount, err = s.vault.SellUSDG(ctx, s.hold, out, receiver)
	default:
		amount, err = s.vault.Swap(ctx, s.hold, in, out, receiver)
	}
	if err != nil {
		return fixed.Zero, err
	}
	if amount.Lt(minOut) {
		return fixed.Zero, s.gov.Err(errs.RouterInsufficientAmountOut)
	}
	return amount, nil
}
