package vault

import (
	"context"

	"github.com/ethereum/go-ethereum/common"

	"github.com/luxfi/klp/pkg/chain"
	"github.com/luxfi/klp/pkg/errs"
	"github.com/luxfi/klp/pkg/fixed"
)

type BuyUSDG struct {
	Account     common.Address `json:"account"`
	Token       common.Address `json:"token"`
	TokenAmount fixed.Amount   `json:"tokenAmount"`
	UsdgAmount  fixed.Amount   `json:"usdgAmount"`
	FeeBps      uint64         `json:"feeBasisPoints"`
}

type SellUSDG struct {
	Account     common.Address `json:"account"`
	Token       common.Address `json:"token"`
	UsdgAmount  fixed.Amount   `json:"usdgAmount"`
	TokenAmount fixed.Amount   `json:"tokenAmount"`
	FeeBps      uint64         `json:"feeBasisPoints"`
}

type Swap struct {
	Account           common.Address `json:"account"`
	TokenIn           common.Address `json:"tokenIn"`
	TokenOut          common.Address `json:"tokenOut"`
	AmountIn          fixed.Amount   `json:"amountIn"`
	AmountOut         fixed.Amount   `json:"amountOut"`
	AmountOutAfterFee fixed.Amount   `json:"amountOutAfterFees"`
	FeeBps            uint64         `json:"feeBasisPoints"`
}

// BuyUSDG mints USDG to receiver against the tokens sent to the vault, valued
// at the min price less the mint fee.
func (v *Vault) BuyUSDG(ctx context.Context, caller, tok, receiver common.Address) (fixed.Amount, error) {
	return chain.Do(ctx, v.state, func(ctx context.Context) (fixed.Amount, error) {
		cfg := v.gov.Config()
		if err := v.validateManager(cfg, caller); err != nil {
			return fixed.Zero, err
		}
		q, err := v.quote(cfg, tok)
		if err != nil {
			return fixed.Zero, err
		}

		tokenAmount := v.transferIn(tok)
		if tokenAmount.IsZero() {
			return fixed.Zero, v.gov.Err(errs.VaultInvalidTokenAmount)
		}
		v.updateCumulativeFundingRate(cfg, tok, tok)

		usdgAmount := adjustForDecimals(tokenAmount.MulDiv(q.min, fixed.PricePrecision), q.decimals, fixed.USDGDecimals)
		if usdgAmount.IsZero() {
			return fixed.Zero, v.gov.Err(errs.VaultInvalidUsdgAmount)
		}

		feeBps := v.buyUsdgFeeBasisPoints(cfg, tok, usdgAmount)
		afterFees := v.collectSwapFees(q, tok, tokenAmount, feeBps)
		mintAmount := adjustForDecimals(afterFees.MulDiv(q.min, fixed.PricePrecision), q.decimals, fixed.USDGDecimals)

		if err := v.increaseUsdgAmount(cfg, tok, mintAmount); err != nil {
			return fixed.Zero, err
		}
		if err := v.increasePoolAmount(tok, afterFees); err != nil {
			return fixed.Zero, err
		}
		v.ledger.Issue(v.usdg, receiver, mintAmount)

		v.state.Emit(TopicBuyUSDG, BuyUSDG{Account: receiver, Token: tok, TokenAmount: tokenAmount, UsdgAmount: mintAmount, FeeBps: feeBps})
		return mintAmount, nil
	})
}

// SellUSDG burns the USDG sent to the vault and pays receiver the redemption
// amount of tok, valued at the max price less the burn fee.
func (v *Vault) SellUSDG(ctx context.Context, caller, tok, receiver common.Address) (fixed.Amount, error) {
	return chain.Do(ctx, v.state, func(ctx context.Context) (fixed.Amount, error) {
		cfg := v.gov.Config()
		if err := v.validateManager(cfg, caller); err != nil {
			return fixed.Zero, err
		}
		q, err := v.quote(cfg, tok)
		if err != nil {
			return fixed.Zero, err
		}

		usdgAmount := v.transferIn(v.usdg)
		if usdgAmount.IsZero() {
			return fixed.Zero, v.gov.Err(errs.VaultInvalidUsdgAmount)
		}
		v.updateCumulativeFundingRate(cfg, tok, tok)

		redemption := redemptionAmount(q, usdgAmount)
		if redemption.IsZero() {
			return fixed.Zero, v.gov.Err(errs.VaultInvalidRedemptionAmount)
		}
		if err := v.decreaseUsdgAmount(tok, usdgAmount); err != nil {
			return fixed.Zero, err
		}
		if err := v.decreasePoolAmount(tok, redemption); err != nil {
			return fixed.Zero, err
		}
		if err := v.validateBufferAmount(cfg, tok); err != nil {
			return fixed.Zero, err
		}
		if err := v.ledger.Destroy(v.usdg, v.self, usdgAmount); err != nil {
			return fixed.Zero, err
		}
		v.updateTokenBalance(v.usdg)

		feeBps := v.sellUsdgFeeBasisPoints(cfg, tok, usdgAmount)
		amountOut := v.collectSwapFees(q, tok, redemption, feeBps)
		if amountOut.IsZero() {
			return fixed.Zero, v.gov.Err(errs.VaultInvalidAmountOut)
		}
		if err := v.transferOut(tok, amountOut, receiver); err != nil {
			return fixed.Zero, err
		}

		v.state.Emit(TopicSellUSDG, SellUSDG{Account: receiver, Token: tok, UsdgAmount: usdgAmount, TokenAmount: amountOut, FeeBps: feeBps})
		return amountOut, nil
	})
}

// Swap converts the tokenIn sent to the vault into tokenOut at oracle prices:
// tokenIn at its min price and tokenOut at its max price, less the swap fee.
func (v *Vault) Swap(ctx context.Context, caller, tokenIn, tokenOut, receiver common.Address) (fixed.Amount, error) {
	return chain.Do(ctx, v.state, func(ctx context.Context) (fixed.Amount, error) {
		cfg := v.gov.Config()
		if !cfg.Vault.IsSwapEnabled {
			return fixed.Zero, v.gov.Err(errs.VaultSwapsNotEnabled)
		}
		if tokenIn == tokenOut {
			return fixed.Zero, v.gov.Err(errs.VaultInvalidTokens)
		}
		qIn, err := v.quote(cfg, tokenIn)
		if err != nil {
			return fixed.Zero, err
		}
		qOut, err := v.quote(cfg, tokenOut)
		if err != nil {
			return fixed.Zero, err
		}
		v.updateCumulativeFundingRate(cfg, tokenIn, tokenIn)
		v.updateCumulativeFundingRate(cfg, tokenOut, tokenOut)

		amountIn := v.transferIn(tokenIn)
		if amountIn.IsZero() {
			return fixed.Zero, v.gov.Err(errs.VaultInvalidAmountIn)
		}

		amountOut := adjustForDecimals(amountIn.MulDiv(qIn.min, qOut.max), qIn.decimals, qOut.decimals)
		usdgAmount := adjustForDecimals(amountIn.MulDiv(qIn.min, fixed.PricePrecision), qIn.decimals, fixed.USDGDecimals)
		feeBps := v.swapFeeBasisPoints(cfg, tokenIn, tokenOut, usdgAmount)
		afterFees := v.collectSwapFees(qOut, tokenOut, amountOut, feeBps)

		if err := v.increaseUsdgAmount(cfg, tokenIn, usdgAmount); err != nil {
			return fixed.Zero, err
		}
		if err := v.decreaseUsdgAmount(tokenOut, usdgAmount); err != nil {
			return fixed.Zero, err
		}
		if err := v.increasePoolAmount(tokenIn, amountIn); err != nil {
			return fixed.Zero, err
		}
		if err := v.decreasePoolAmount(tokenOut, amountOut); err != nil {
			return fixed.Zero, err
		}
		if err := v.validateBufferAmount(cfg, tokenOut); err != nil {
			return fixed.Zero, err
		}
		if err := v.transferOut(tokenOut, afterFees, receiver); err != nil {
			return fixed.Zero, err
		}

		v.state.Emit(TopicSwap, Swap{
			Account: receiver, TokenIn: tokenIn, TokenOut: tokenOut,
			AmountIn: amountIn, AmountOut: amountOut, AmountOutAfterFee: afterFees, FeeBps: feeBps,
		})
		return afterFees, nil
	})
}

// DirectPoolDeposit adds the tokens sent to the vault to the pool without
// minting USDG.
func (v *Vault) DirectPoolDeposit(ctx context.Context, tok common.Address) error {
	return v.state.Atomic(ctx, func(ctx context.Context) error {
		if _, err := v.tokenConfig(v.gov.Config(), tok); err != nil {
			return err
		}
		amount := v.transferIn(tok)
		if amount.IsZero() {
			return v.gov.Err(errs.VaultInvalidTokenAmount)
		}
		return v.increasePoolAmount(tok, amount)
	})
}
