package router

import (
	"context"
	"encoding/binary"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/luxfi/log"
	"golang.org/x/crypto/sha3"

	"github.com/luxfi/klp/pkg/chain"
	"github.com/luxfi/klp/pkg/errs"
	"github.com/luxfi/klp/pkg/fixed"
	"github.com/luxfi/klp/pkg/gov"
	"github.com/luxfi/klp/pkg/token"
	"github.com/luxfi/klp/pkg/vault"
)

// Event topics
const (
	TopicCreateIncrease  = "router.create_increase_position"
	TopicExecuteIncrease = "router.execute_increase_position"
	TopicCancelIncrease  = "router.cancel_increase_position"
	TopicCreateDecrease  = "router.create_decrease_position"
	TopicExecuteDecrease = "router.execute_decrease_position"
	TopicCancelDecrease  = "router.cancel_decrease_position"
)

// IncreaseRequest is a queued position increase. AmountIn of Path[0] and the
// execution fee are escrowed at the position router until it is processed.
type IncreaseRequest struct {
	Account            common.Address   `json:"account"`
	Path               []common.Address `json:"path"`
	IndexToken         common.Address   `json:"indexToken"`
	AmountIn           fixed.Amount     `json:"amountIn"`
	MinOut             fixed.Amount     `json:"minOut"`
	SizeDelta          fixed.Amount     `json:"sizeDelta"`
	IsLong             bool             `json:"isLong"`
	AcceptablePrice    fixed.Amount     `json:"acceptablePrice"`
	ExecutionFee       fixed.Amount     `json:"executionFee"`
	BlockNumber        uint64           `json:"blockNumber"`
	BlockTime          uint64           `json:"blockTime"`
	HasCollateralInETH bool             `json:"hasCollateralInETH"`
	QueueIndex         uint64           `json:"queueIndex"`
}

// DecreaseRequest is a queued position decrease. Only the execution fee is
// escrowed.
type DecreaseRequest struct {
	Account         common.Address   `json:"account"`
	Path            []common.Address `json:"path"`
	IndexToken      common.Address   `json:"indexToken"`
	CollateralDelta fixed.Amount     `json:"collateralDelta"`
	SizeDelta       fixed.Amount     `json:"sizeDelta"`
	IsLong          bool             `json:"isLong"`
	Receiver        common.Address   `json:"receiver"`
	AcceptablePrice fixed.Amount     `json:"acceptablePrice"`
	MinOut          fixed.Amount     `json:"minOut"`
	ExecutionFee    fixed.Amount     `json:"executionFee"`
	BlockNumber     uint64           `json:"blockNumber"`
	BlockTime       uint64           `json:"blockTime"`
	WithdrawETH     bool             `json:"withdrawETH"`
	QueueIndex      uint64           `json:"queueIndex"`
}

// RequestEvent is emitted for every create, execute and cancel.
type RequestEvent struct {
	Key          common.Hash    `json:"key"`
	Account      common.Address `json:"account"`
	IndexToken   common.Address `json:"indexToken"`
	SizeDelta    fixed.Amount   `json:"sizeDelta"`
	IsLong       bool           `json:"isLong"`
	ExecutionFee fixed.Amount   `json:"executionFee"`
	BlockGap     uint64         `json:"blockGap"`
	TimeGap      uint64         `json:"timeGap"`
	Expired      bool           `json:"expired,omitempty"`
}

// gate is the outcome of the execution delay check.
type gate int

const (
	notReady gate = iota
	ready
	expired
)

// PositionRouter escrows position requests and applies them to the vault
// once a keeper or, later, anyone executes them.
type PositionRouter struct {
	state  *chain.State
	gov    *gov.Governor
	ledger *token.Ledger
	vault  *vault.Vault
	router *Router
	logger log.Logger

	self      common.Address
	increases *chain.Map[common.Hash, IncreaseRequest]
	decreases *chain.Map[common.Hash, DecreaseRequest]
	incIndex  *chain.Map[common.Address, uint64]
	decIndex  *chain.Map[common.Address, uint64]
	incQueue  *queue
	decQueue  *queue
	fees      *chain.Map[common.Address, fixed.Amount]
	swaps     swapper
}

func NewPositionRouter(g *gov.Governor, ledger *token.Ledger, v *vault.Vault, r *Router, self common.Address, logger log.Logger) *PositionRouter {
	s := g.State()
	return &PositionRouter{
		state:     s,
		gov:       g,
		ledger:    ledger,
		vault:     v,
		router:    r,
		logger:    logger,
		self:      self,
		increases: chain.NewMap[common.Hash, IncreaseRequest](s),
		decreases: chain.NewMap[common.Hash, DecreaseRequest](s),
		incIndex:  chain.NewMap[common.Address, uint64](s),
		decIndex:  chain.NewMap[common.Address, uint64](s),
		incQueue:  newQueue(s),
		decQueue:  newQueue(s),
		fees:      chain.NewMap[common.Address, fixed.Amount](s),
		swaps:     swapper{gov: g, ledger: ledger, vault: v, hold: self},
	}
}

func (p *PositionRouter) Address() common.Address { return p.self }

// GetRequestKey is keccak256 of the packed account address and the 32-byte
// big-endian request index.
func GetRequestKey(account common.Address, index uint64) common.Hash {
	var word [32]byte
	binary.BigEndian.PutUint64(word[24:], index)
	h := sha3.NewLegacyKeccak256()
	h.Write(account[:])
	h.Write(word[:])
	var out common.Hash
	h.Sum(out[:0])
	return out
}

func (p *PositionRouter) IncreaseRequest(key common.Hash) (IncreaseRequest, bool) {
	return p.increases.Lookup(key)
}

func (p *PositionRouter) DecreaseRequest(key common.Hash) (DecreaseRequest, bool) {
	return p.decreases.Lookup(key)
}

// IncreasePositionsIndex is the number of increase requests account has created.
func (p *PositionRouter) IncreasePositionsIndex(account common.Address) uint64 {
	return p.incIndex.Get(account)
}

func (p *PositionRouter) DecreasePositionsIndex(account common.Address) uint64 {
	return p.decIndex.Get(account)
}

// GetRequestQueueLengths returns the start and end of the increase queue
// followed by those of the decrease queue.
func (p *PositionRouter) GetRequestQueueLengths() (uint64, uint64, uint64, uint64) {
	is, ie := p.incQueue.bounds()
	ds, de := p.decQueue.bounds()
	return is, ie, ds, de
}

// PendingIncreaseKeys lists the increase requests still queued, oldest first.
func (p *PositionRouter) PendingIncreaseKeys() []common.Hash { return p.incQueue.pending() }

func (p *PositionRouter) PendingDecreaseKeys() []common.Hash { return p.decQueue.pending() }

func (p *PositionRouter) FeeReserve(tok common.Address) fixed.Amount { return p.fees.Get(tok) }

// CreateIncreasePosition escrows amountIn of path[0] from the caller, through
// the router plugin allowance, plus value of native coin as the execution fee.
func (p *PositionRouter) CreateIncreasePosition(ctx context.Context, caller common.Address, path []common.Address, index common.Address, amountIn, minOut, sizeDelta fixed.Amount, isLong bool, acceptablePrice, executionFee, value fixed.Amount) (common.Hash, error) {
	return chain.Do(ctx, p.state, func(ctx context.Context) (common.Hash, error) {
		if err := p.validateFee(executionFee, value, true); err != nil {
			return common.Hash{}, err
		}
		if err := p.router.ValidatePlugin(p.self, caller); err != nil {
			return common.Hash{}, err
		}
		if len(path) != 1 && len(path) != 2 {
			return common.Hash{}, p.gov.Err(errs.RouterInvalidPathLength)
		}
		if err := p.ledger.Wrap(caller, p.self, value); err != nil {
			return common.Hash{}, err
		}
		if !amountIn.IsZero() {
			if err := p.router.PluginTransfer(ctx, p.self, path[0], caller, p.self, amountIn); err != nil {
				return common.Hash{}, err
			}
		}
		return p.createIncrease(caller, path, index, amountIn, minOut, sizeDelta, isLong, acceptablePrice, executionFee, false), nil
	})
}

// CreateIncreasePositionETH wraps value of native coin and escrows all but
// the execution fee as collateral. path must start at the wrapped token.
func (p *PositionRouter) CreateIncreasePositionETH(ctx context.Context, caller common.Address, path []common.Address, index common.Address, minOut, sizeDelta fixed.Amount, isLong bool, acceptablePrice, executionFee, value fixed.Amount) (common.Hash, error) {
	return chain.Do(ctx, p.state, func(ctx context.Context) (common.Hash, error) {
		if err := p.validateFee(executionFee, value, false); err != nil {
			return common.Hash{}, err
		}
		if err := p.router.ValidatePlugin(p.self, caller); err != nil {
			return common.Hash{}, err
		}
		if len(path) != 1 && len(path) != 2 {
			return common.Hash{}, p.gov.Err(errs.RouterInvalidPathLength)
		}
		if path[0] != p.ledger.Wrapped() {
			return common.Hash{}, p.gov.Err(errs.RouterInvalidPath)
		}
		if err := p.ledger.Wrap(caller, p.self, value); err != nil {
			return common.Hash{}, err
		}
		amountIn := value.Sub(executionFee)
		return p.createIncrease(caller, path, index, amountIn, minOut, sizeDelta, isLong, acceptablePrice, executionFee, true), nil
	})
}

// validateFee checks the fee against the minimum and that value covers it.
// With exact set, value must pay the fee and nothing more.
func (p *PositionRouter) validateFee(executionFee, value fixed.Amount, exact bool) error {
	if executionFee.Lt(p.gov.Config().Router.MinExecutionFee) {
		return p.gov.Err(errs.RouterInvalidExecutionFee)
	}
	if exact && !value.Eq(executionFee) {
		return p.gov.Err(errs.RouterInvalidValue)
	}
	if value.Lt(executionFee) {
		return p.gov.Err(errs.RouterInvalidValue)
	}
	return nil
}

func (p *PositionRouter) createIncrease(account common.Address, path []common.Address, index common.Address, amountIn, minOut, sizeDelta fixed.Amount, isLong bool, acceptablePrice, executionFee fixed.Amount, inETH bool) common.Hash {
	b := p.state.Block()
	n := p.incIndex.Get(account) + 1
	p.incIndex.Set(account, n)
	key := GetRequestKey(account, n)

	req := IncreaseRequest{
		Account:            account,
		Path:               append([]common.Address(nil), path...),
		IndexToken:         index,
		AmountIn:           amountIn,
		MinOut:             minOut,
		SizeDelta:          sizeDelta,
		IsLong:             isLong,
		AcceptablePrice:    acceptablePrice,
		ExecutionFee:       executionFee,
		BlockNumber:        b.Number,
		BlockTime:          b.Time,
		HasCollateralInETH: inETH,
	}
	req.QueueIndex = p.incQueue.push(key)
	p.increases.Set(key, req)
	p.state.Emit(TopicCreateIncrease, RequestEvent{
		Key: key, Account: account, IndexToken: index, SizeDelta: sizeDelta, IsLong: isLong, ExecutionFee: executionFee,
	})
	return key
}

// CreateDecreasePosition queues a decrease paying out along path to receiver.
// With withdrawETH the output is unwrapped, so path must end at the wrapped token.
func (p *PositionRouter) CreateDecreasePosition(ctx context.Context, caller common.Address, path []common.Address, index common.Address, collateralDelta, sizeDelta fixed.Amount, isLong bool, receiver common.Address, acceptablePrice, minOut, executionFee, value fixed.Amount, withdrawETH bool) (common.Hash, error) {
	return chain.Do(ctx, p.state, func(ctx context.Context) (common.Hash, error) {
		if err := p.validateFee(executionFee, value, true); err != nil {
			return common.Hash{}, err
		}
		if err := p.router.ValidatePlugin(p.self, caller); err != nil {
			return common.Hash{}, err
		}
		if len(path) != 1 && len(path) != 2 {
			return common.Hash{}, p.gov.Err(errs.RouterInvalidPathLength)
		}
		if withdrawETH && path[len(path)-1] != p.ledger.Wrapped() {
			return common.Hash{}, p.gov.Err(errs.RouterInvalidPath)
		}
		if receiver == (common.Address{}) {
			return common.Hash{}, p.gov.Err(errs.RouterInvalidReceiver)
		}
		if err := p.ledger.Wrap(caller, p.self, value); err != nil {
			return common.Hash{}, err
		}

		b := p.state.Block()
		n := p.decIndex.Get(caller) + 1
		p.decIndex.Set(caller, n)
		key := GetRequestKey(caller, n)
		req := DecreaseRequest{
			Account:         caller,
			Path:            append([]common.Address(nil), path...),
			IndexToken:      index,
			CollateralDelta: collateralDelta,
			SizeDelta:       sizeDelta,
			IsLong:          isLong,
			Receiver:        receiver,
			AcceptablePrice: acceptablePrice,
			MinOut:          minOut,
			ExecutionFee:    executionFee,
			BlockNumber:     b.Number,
			BlockTime:       b.Time,
			WithdrawETH:     withdrawETH,
		}
		req.QueueIndex = p.decQueue.push(key)
		p.decreases.Set(key, req)
		p.state.Emit(TopicCreateDecrease, RequestEvent{
			Key: key, Account: caller, IndexToken: index, SizeDelta: sizeDelta, IsLong: isLong, ExecutionFee: executionFee,
		})
		return key, nil
	})
}

// gate applies the delay rules. Keepers, and the router itself during a
// sweep, wait minBlockDelayKeeper blocks; everyone else waits
// minBlockDelayPublic. Requests older than the validity window are expired.
func (p *PositionRouter) gate(cfg *gov.Config, caller common.Address, blockNumber, blockTime uint64) (gate, error) {
	b := p.state.Block()
	if blockTime+gov.Seconds(cfg.Router.MaxExecutionValidity) <= b.Time {
		return expired, nil
	}
	keeper := caller == p.self || p.gov.HasRole(gov.RoleKeeper, caller)
	if !keeper && !cfg.Vault.IsLeverageEnabled {
		return notReady, p.gov.Err(errs.RouterLeverageDisabled)
	}
	delay := cfg.Router.MinBlockDelayPublic
	if keeper {
		delay = cfg.Router.MinBlockDelayKeeper
	}
	if blockNumber+delay > b.Number {
		return notReady, nil
	}
	return ready, nil
}

// ExecuteIncreasePosition applies a queued increase. It reports false without
// error while the caller's delay has not passed, and true once the request is
// gone, whether executed now, auto-cancelled on expiry or processed before.
func (p *PositionRouter) ExecuteIncreasePosition(ctx context.Context, caller common.Address, key common.Hash, feeReceiver common.Address) (bool, error) {
	return chain.Do(ctx, p.state, func(ctx context.Context) (bool, error) {
		req, ok := p.increases.Lookup(key)
		if !ok {
			return true, nil
		}
		cfg := p.gov.Config()
		g, err := p.gate(cfg, caller, req.BlockNumber, req.BlockTime)
		if err != nil || g == notReady {
			return false, err
		}
		if g == expired {
			return true, p.cancelIncrease(key, req, true)
		}

		p.increases.Delete(key)
		p.incQueue.clear(req.QueueIndex)
		p.incQueue.advance()

		if !req.AmountIn.IsZero() {
			amountIn := req.AmountIn
			if len(req.Path) > 1 {
				if err := p.ledger.Move(req.Path[0], p.self, p.vault.Address(), amountIn); err != nil {
					return false, err
				}
				if amountIn, err = p.swaps.swap(ctx, req.Path, req.MinOut, p.self); err != nil {
					return false, err
				}
			}
			collateral := req.Path[len(req.Path)-1]
			afterFee, err := p.collectFees(cfg, req.Account, collateral, req.IndexToken, amountIn, req.SizeDelta, req.IsLong)
			if err != nil {
				return false, err
			}
			if err := p.ledger.Move(collateral, p.self, p.vault.Address(), afterFee); err != nil {
				return false, err
			}
		}

		if err := p.increasePosition(ctx, req); err != nil {
			return false, err
		}
		if err := p.ledger.Unwrap(p.self, feeReceiver, req.ExecutionFee); err != nil {
			return false, err
		}

		b := p.state.Block()
		p.state.Emit(TopicExecuteIncrease, RequestEvent{
			Key: key, Account: req.Account, IndexToken: req.IndexToken, SizeDelta: req.SizeDelta, IsLong: req.IsLong,
			ExecutionFee: req.ExecutionFee, BlockGap: b.Number - req.BlockNumber, TimeGap: b.Time - req.BlockTime,
		})
		return true, nil
	})
}

func (p *PositionRouter) increasePosition(ctx context.Context, req IncreaseRequest) error {
	collateral := req.Path[len(req.Path)-1]
	if req.IsLong {
		mark, err := p.vault.GetMaxPrice(req.IndexToken)
		if err != nil {
			return err
		}
		if mark.Gt(req.AcceptablePrice) {
			return p.gov.Err(errs.RouterMarkPriceAboveLimit)
		}
	} else {
		mark, err := p.vault.GetMinPrice(req.IndexToken)
		if err != nil {
			return err
		}
		if mark.Lt(req.AcceptablePrice) {
			return p.gov.Err(errs.RouterMarkPriceBelowLimit)
		}
	}
	return p.router.PluginIncreasePosition(ctx, p.self, req.Account, collateral, req.IndexToken, req.SizeDelta, req.IsLong)
}

// collectFees takes the deposit fee from longs that add collateral without
// raising leverage. A leverage drop of up to increasePositionBufferBps is
// tolerated to absorb swap fees.
func (p *PositionRouter) collectFees(cfg *gov.Config, account, collateral, index common.Address, amountIn, sizeDelta fixed.Amount, isLong bool) (fixed.Amount, error) {
	deduct, err := p.shouldDeductFee(cfg, account, collateral, index, amountIn, sizeDelta, isLong)
	if err != nil || !deduct {
		return amountIn, err
	}
	after := amountIn.ApplyBPS(fixed.BasisPointsDivisor - cfg.Router.DepositFeeBps)
	p.fees.Set(collateral, p.fees.Get(collateral).Add(amountIn.Sub(after)))
	return after, nil
}

func (p *PositionRouter) shouldDeductFee(cfg *gov.Config, account, collateral, index common.Address, amountIn, sizeDelta fixed.Amount, isLong bool) (bool, error) {
	if !isLong {
		return false, nil
	}
	if sizeDelta.IsZero() {
		return true, nil
	}
	pos, ok := p.vault.GetPosition(account, collateral, index, isLong)
	if !ok || pos.Size.IsZero() {
		return false, nil
	}
	collateralDelta, err := p.vault.TokenToUsdMin(collateral, amountIn)
	if err != nil {
		return false, err
	}
	nextSize := pos.Size.Add(sizeDelta)
	nextCollateral := pos.Collateral.Add(collateralDelta)
	prevLeverage := pos.Size.MulDiv(fixed.BPS, pos.Collateral)
	nextLeverage := nextSize.MulDiv(fixed.FromUint64(fixed.BasisPointsDivisor+cfg.Router.IncreasePositionBufferBps), nextCollateral)
	return nextLeverage.Lt(prevLeverage), nil
}

// CancelIncreasePosition refunds a queued increase to its account under the
// same delay rules as execution.
func (p *PositionRouter) CancelIncreasePosition(ctx context.Context, caller common.Address, key common.Hash) (bool, error) {
	return chain.Do(ctx, p.state, func(ctx context.Context) (bool, error) {
		req, ok := p.increases.Lookup(key)
		if !ok {
			return true, nil
		}
		g, err := p.gate(p.gov.Config(), caller, req.BlockNumber, req.BlockTime)
		if err != nil || g == notReady {
			return false, err
		}
		return true, p.cancelIncrease(key, req, g == expired)
	})
}

func (p *PositionRouter) cancelIncrease(key common.Hash, req IncreaseRequest, isExpired bool) error {
	p.increases.Delete(key)
	p.incQueue.clear(req.QueueIndex)
	p.incQueue.advance()

	if req.HasCollateralInETH {
		if err := p.ledger.Unwrap(p.self, req.Account, req.AmountIn); err != nil {
			return err
		}
	} else if err := p.ledger.Move(req.Path[0], p.self, req.Account, req.AmountIn); err != nil {
		return err
	}
	if err := p.ledger.Unwrap(p.self, req.Account, req.ExecutionFee); err != nil {
		return err
	}

	b := p.state.Block()
	p.state.Emit(TopicCancelIncrease, RequestEvent{
		Key: key, Account: req.Account, IndexToken: req.IndexToken, SizeDelta: req.SizeDelta, IsLong: req.IsLong,
		ExecutionFee: req.ExecutionFee, BlockGap: b.Number - req.BlockNumber, TimeGap: b.Time - req.BlockTime, Expired: isExpired,
	})
	return nil
}

// ExecuteDecreasePosition applies a queued decrease, with the same return
// conventions as ExecuteIncreasePosition.
func (p *PositionRouter) ExecuteDecreasePosition(ctx context.Context, caller common.Address, key common.Hash, feeReceiver common.Address) (bool, error) {
	return chain.Do(ctx, p.state, func(ctx context.Context) (bool, error) {
		req, ok := p.decreases.Lookup(key)
		if !ok {
			return true, nil
		}
		g, err := p.gate(p.gov.Config(), caller, req.BlockNumber, req.BlockTime)
		if err != nil || g == notReady {
			return false, err
		}
		if g == expired {
			return true, p.cancelDecrease(key, req, true)
		}

		p.decreases.Delete(key)
		p.decQueue.clear(req.QueueIndex)
		p.decQueue.advance()

		if req.IsLong {
			mark, err := p.vault.GetMinPrice(req.IndexToken)
			if err != nil {
				return false, err
			}
			if mark.Lt(req.AcceptablePrice) {
				return false, p.gov.Err(errs.RouterMarkPriceBelowLimit)
			}
		} else {
			mark, err := p.vault.GetMaxPrice(req.IndexToken)
			if err != nil {
				return false, err
			}
			if mark.Gt(req.AcceptablePrice) {
				return false, p.gov.Err(errs.RouterMarkPriceAboveLimit)
			}
		}

		amountOut, err := p.router.PluginDecreasePosition(ctx, p.self, req.Account, req.Path[0], req.IndexToken, req.CollateralDelta, req.SizeDelta, req.IsLong, p.self)
		if err != nil {
			return false, err
		}
		if !amountOut.IsZero() {
			if len(req.Path) > 1 {
				if err := p.ledger.Move(req.Path[0], p.self, p.vault.Address(), amountOut); err != nil {
					return false, err
				}
				if amountOut, err = p.swaps.swap(ctx, req.Path, req.MinOut, p.self); err != nil {
					return false, err
				}
			} else if amountOut.Lt(req.MinOut) {
				return false, p.gov.Err(errs.RouterInsufficientAmountOut)
			}
			out := req.Path[len(req.Path)-1]
			if req.WithdrawETH {
				err = p.ledger.Unwrap(p.self, req.Receiver, amountOut)
			} else {
				err = p.ledger.Move(out, p.self, req.Receiver, amountOut)
			}
			if err != nil {
				return false, err
			}
		}
		if err := p.ledger.Unwrap(p.self, feeReceiver, req.ExecutionFee); err != nil {
			return false, err
		}

		b := p.state.Block()
		p.state.Emit(TopicExecuteDecrease, RequestEvent{
			Key: key, Account: req.Account, IndexToken: req.IndexToken, SizeDelta: req.SizeDelta, IsLong: req.IsLong,
			ExecutionFee: req.ExecutionFee, BlockGap: b.Number - req.BlockNumber, TimeGap: b.Time - req.BlockTime,
		})
		return true, nil
	})
}

func (p *PositionRouter) CancelDecreasePosition(ctx context.Context, caller common.Address, key common.Hash) (bool, error) {
	return chain.Do(ctx, p.state, func(ctx context.Context) (bool, error) {
		req, ok := p.decreases.Lookup(key)
		if !ok {
			return true, nil
		}
		g, err := p.gate(p.gov.Config(), caller, req.BlockNumber, req.BlockTime)
		if err != nil || g == notReady {
			return false, err
		}
		return true, p.cancelDecrease(key, req, g == expired)
	})
}

func (p *PositionRouter) cancelDecrease(key common.Hash, req DecreaseRequest, isExpired bool) error {
	p.decreases.Delete(key)
	p.decQueue.clear(req.QueueIndex)
	p.decQueue.advance()
	if err := p.ledger.Unwrap(p.self, req.Account, req.ExecutionFee); err != nil {
		return err
	}
	b := p.state.Block()
	p.state.Emit(TopicCancelDecrease, RequestEvent{
		Key: key, Account: req.Account, IndexToken: req.IndexToken, SizeDelta: req.SizeDelta, IsLong: req.IsLong,
		ExecutionFee: req.ExecutionFee, BlockGap: b.Number - req.BlockNumber, TimeGap: b.Time - req.BlockTime, Expired: isExpired,
	})
	return nil
}

// ExecuteIncreasePositions sweeps the increase queue from start up to
// endIndex. A request that fails is cancelled instead; the sweep stops at the
// first request that is not yet executable.
func (p *PositionRouter) ExecuteIncreasePositions(ctx context.Context, caller common.Address, endIndex uint64, feeReceiver common.Address) error {
	return p.sweep(ctx, caller, p.incQueue, endIndex,
		func(ctx context.Context, key common.Hash) (bool, error) {
			return p.ExecuteIncreasePosition(ctx, p.self, key, feeReceiver)
		},
		func(ctx context.Context, key common.Hash) (bool, error) {
			return p.CancelIncreasePosition(ctx, p.self, key)
		})
}

func (p *PositionRouter) ExecuteDecreasePositions(ctx context.Context, caller common.Address, endIndex uint64, feeReceiver common.Address) error {
	return p.sweep(ctx, caller, p.decQueue, endIndex,
		func(ctx context.Context, key common.Hash) (bool, error) {
			return p.ExecuteDecreasePosition(ctx, p.self, key, feeReceiver)
		},
		func(ctx context.Context, key common.Hash) (bool, error) {
			return p.CancelDecreasePosition(ctx, p.self, key)
		})
}

type step func(ctx context.Context, key common.Hash) (bool, error)

func (p *PositionRouter) sweep(ctx context.Context, caller common.Address, q *queue, endIndex uint64, execute, cancel step) error {
	return p.state.Atomic(ctx, func(ctx context.Context) error {
		if !p.gov.HasRole(gov.RoleKeeper, caller) {
			return p.gov.Err(errs.RouterForbidden)
		}
		start, end := q.bounds()
		if endIndex > end {
			endIndex = end
		}

		i := start
		for ; i < endIndex; i++ {
			key, ok := q.at(i)
			if !ok {
				continue
			}
			done, err := execute(ctx, key)
			if err != nil {
				p.logger.Debug("Request execution failed, cancelling", "key", key, "error", err)
				done, err = cancel(ctx, key)
				if err != nil {
					p.logger.Warn("Request cancellation failed", "key", key, "error", err)
					done = true
				}
			}
			if !done {
				break
			}
			q.clear(i)
		}
		if i > q.start.Get() {
			q.start.Set(i)
		}
		return nil
	})
}

// WithdrawFees sends the deposit fees collected in tok to receiver.
func (p *PositionRouter) WithdrawFees(ctx context.Context, caller, tok, receiver common.Address) (fixed.Amount, error) {
	return chain.Do(ctx, p.state, func(ctx context.Context) (fixed.Amount, error) {
		if err := p.gov.RequireGov(caller); err != nil {
			return fixed.Zero, err
		}
		amount := p.fees.Get(tok)
		if amount.IsZero() {
			return fixed.Zero, nil
		}
		p.fees.Delete(tok)
		if err := p.ledger.Move(tok, p.self, receiver, amount); err != nil {
			return fixed.Zero, err
		}
		return amount, nil
	})
}

// SetDelayValues updates the keeper and public block delays and the request
// validity window.
func (p *PositionRouter) SetDelayValues(ctx context.Context, caller common.Address, keeperBlocks, publicBlocks uint64, validity time.Duration) error {
	return p.gov.Update(ctx, caller, func(c *gov.Config) error {
		c.Router.MinBlockDelayKeeper = keeperBlocks
		c.Router.MinBlockDelayPublic = publicBlocks
		c.Router.MaxExecutionValidity = validity
		return nil
	})
}

func (p *PositionRouter) SetMinExecutionFee(ctx context.Context, caller common.Address, fee fixed.Amount) error {
	return p.gov.Update(ctx, caller, func(c *gov.Config) error {
		c.Router.MinExecutionFee = fee
		return nil
	})
}

func (p *PositionRouter) SetDepositFee(ctx context.Context, caller common.Address, bps uint64) error {
	return p.gov.Update(ctx, caller, func(c *gov.Config) error {
		c.Router.DepositFeeBps = bps
		return nil
	})
}

func (p *PositionRouter) SetIncreasePositionBufferBps(ctx context.Context, caller common.Address, bps uint64) error {
	return p.gov.Update(ctx, caller, func(c *gov.Config) error {
		c.Router.IncreasePositionBufferBps = bps
		return nil
	})
}
