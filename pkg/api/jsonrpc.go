package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/luxfi/log"

	"github.com/luxfi/klp/pkg/chain"
	"github.com/luxfi/klp/pkg/errs"
	"github.com/luxfi/klp/pkg/fixed"
	"github.com/luxfi/klp/pkg/marketdata"
	"github.com/luxfi/klp/pkg/router"
	"github.com/luxfi/klp/pkg/store"
	"github.com/luxfi/klp/pkg/vault"
	"github.com/luxfi/klp/pkg/venue"
)

// Version is reported by klp_getInfo.
const Version = "1.0.0"

const (
	defaultEventLimit  = 100
	maxEventLimit      = 1000
	defaultCandleLimit = 100
	maxCandleLimit     = 1000
)

// EventSource serves the persisted event stream.
type EventSource interface {
	Events(from uint64, limit int) ([]store.Record, error)
	LastSeq() uint64
}

// CandleSource serves price candles.
type CandleSource interface {
	GetCandles(token common.Address, interval marketdata.Interval, limit int) ([]*marketdata.Candle, error)
}

// JSONRPCServer handles JSON-RPC 2.0 requests against a venue. Mutating
// methods act as the "from" account of their params; the node does not check
// signatures, so the endpoint belongs on a trusted network.
type JSONRPCServer struct {
	venue  *venue.Venue
	events  EventSource
	candles CandleSource
	logger  log.Logger
}

// NewJSONRPCServer creates a new JSON-RPC server. events may be nil.
func NewJSONRPCServer(v *venue.Venue, events EventSource, logger log.Logger) *JSONRPCServer {
	return &JSONRPCServer{
		venue:  v,
		events: events,
		logger: logger,
	}
}

// SetCandleSource enables klp_getCandles.
func (s *JSONRPCServer) SetCandleSource(c CandleSource) {
	s.candles = c
}

// JSONRPCRequest represents a JSON-RPC 2.0 request
type JSONRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	ID      interface{}     `json:"id"`
}

// JSONRPCResponse represents a JSON-RPC 2.0 response
type JSONRPCResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
	ID      interface{} `json:"id"`
}

// RPCError represents a JSON-RPC error
type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Error implements error interface
func (e *RPCError) Error() string {
	return fmt.Sprintf("RPC Error %d: %s", e.Code, e.Message)
}

// Standard JSON-RPC error codes
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603
)

// Venue rejections, one code per failure category.
const (
	ExecutionReverted     = -32000
	Unauthorized          = -32001
	RejectedParameter     = -32002
	InsufficientLiquidity = -32003
	PriceUnavailable      = -32004
	CooldownActive        = -32005
	SlippageExceeded      = -32006
	LeverageExceeded      = -32007
	NotFound              = -32010
)

var categoryCodes = map[errs.Category]int{
	errs.Authorization:         Unauthorized,
	errs.InvalidParameter:      RejectedParameter,
	errs.InsufficientLiquidity: InsufficientLiquidity,
	errs.StalePrice:            PriceUnavailable,
	errs.Deviation:             PriceUnavailable,
	errs.CooldownNotElapsed:    CooldownActive,
	errs.Slippage:              SlippageExceeded,
	errs.Leverage:              LeverageExceeded,
}

// ErrorData carries the venue failure code of a rejected call.
type ErrorData struct {
	Code     errs.Code `json:"code"`
	Category string    `json:"category"`
}

// toRPCError maps a handler error to its wire form.
func toRPCError(err error) *RPCError {
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		return rpcErr
	}
	var venueErr *errs.Error
	if errors.As(err, &venueErr) {
		code, ok := categoryCodes[venueErr.Category]
		if !ok {
			code = ExecutionReverted
		}
		return &RPCError{
			Code:    code,
			Message: venueErr.Message,
			Data:    ErrorData{Code: venueErr.Code, Category: venueErr.Category.String()},
		}
	}
	return &RPCError{Code: ExecutionReverted, Message: err.Error()}
}

func invalidParams(err error) *RPCError {
	return &RPCError{Code: InvalidParams, Message: "Invalid params", Data: err.Error()}
}

// ServeHTTP implements http.Handler
func (s *JSONRPCServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != "POST" {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req JSONRPCRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, nil, &RPCError{Code: ParseError, Message: "Parse error"})
		return
	}

	if req.JSONRPC != "2.0" {
		s.sendError(w, req.ID, &RPCError{Code: InvalidRequest, Message: "Invalid Request"})
		return
	}

	result, err := s.handleMethod(r.Context(), req.Method, req.Params)
	if err != nil {
		rpcErr := toRPCError(err)
		if rpcErr.Code == ExecutionReverted || rpcErr.Code == InternalError {
			s.logger.Warn("JSON-RPC call failed", "method", req.Method, "error", err)
		}
		s.sendError(w, req.ID, rpcErr)
		return
	}

	resp := JSONRPCResponse{
		JSONRPC: "2.0",
		Result:  result,
		ID:      req.ID,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (s *JSONRPCServer) handleMethod(ctx context.Context, method string, params json.RawMessage) (interface{}, error) {
	switch method {
	// Info methods
	case "klp_ping":
		return "pong", nil
	case "klp_getInfo":
		return s.getInfo(ctx)
	case "klp_getSnapshot":
		return s.venue.Snapshot(ctx)
	case "klp_getQueues":
		return s.venue.Queues(ctx)
	case "klp_getEvents":
		return s.getEvents(params)
	case "klp_getCandles":
		return s.getCandles(params)

	// Vault reads
	case "klp_getPool":
		return s.getPool(ctx, params)
	case "klp_getPrices":
		return s.getPrices(ctx, params)
	case "klp_getPosition":
		return s.getPosition(ctx, params)
	case "klp_getPositions":
		return s.getPositions(ctx, params)
	case "klp_getAum":
		return s.getAum(ctx)
	case "klp_getBalance":
		return s.getBalance(ctx, params)

	// Position requests
	case "klp_getIncreaseRequest":
		return s.getIncreaseRequest(ctx, params)
	case "klp_getDecreaseRequest":
		return s.getDecreaseRequest(ctx, params)
	case "klp_createIncreasePosition":
		return s.createIncreasePosition(ctx, params)
	case "klp_createDecreasePosition":
		return s.createDecreasePosition(ctx, params)
	case "klp_executeIncreasePosition":
		return s.executeRequest(ctx, params, s.venue.PositionRouter.ExecuteIncreasePosition)
	case "klp_executeDecreasePosition":
		return s.executeRequest(ctx, params, s.venue.PositionRouter.ExecuteDecreasePosition)
	case "klp_cancelIncreasePosition":
		return s.cancelRequest(ctx, params, s.venue.PositionRouter.CancelIncreasePosition)
	case "klp_cancelDecreasePosition":
		return s.cancelRequest(ctx, params, s.venue.PositionRouter.CancelDecreasePosition)
	case "klp_executeQueues":
		return s.executeQueues(ctx, params)
	case "klp_liquidatePosition":
		return s.liquidatePosition(ctx, params)

	// Trigger orders
	case "klp_getOrders":
		return s.venue.Orders(ctx)
	case "klp_getIncreaseOrder":
		return s.getOrder(ctx, params, true)
	case "klp_getDecreaseOrder":
		return s.getOrder(ctx, params, false)
	case "klp_createIncreaseOrder":
		return s.createIncreaseOrder(ctx, params)
	case "klp_createDecreaseOrder":
		return s.createDecreaseOrder(ctx, params)
	case "klp_cancelIncreaseOrder":
		return s.cancelOrder(ctx, params, s.venue.OrderBook.CancelIncreaseOrder)
	case "klp_cancelDecreaseOrder":
		return s.cancelOrder(ctx, params, s.venue.OrderBook.CancelDecreaseOrder)
	case "klp_executeIncreaseOrder":
		return s.executeOrder(ctx, params, s.venue.OrderBook.ExecuteIncreaseOrder)
	case "klp_executeDecreaseOrder":
		return s.executeOrder(ctx, params, s.venue.OrderBook.ExecuteDecreaseOrder)
	case "klp_createComplexOrder":
		return s.createComplexOrder(ctx, params)

	// Tokens and liquidity
	case "klp_approve":
		return s.approve(ctx, params)
	case "klp_approvePlugin":
		return s.approvePlugin(ctx, params)
	case "klp_deposit":
		return s.deposit(ctx, params)
	case "klp_swap":
		return s.swap(ctx, params)
	case "klp_addLiquidity":
		return s.addLiquidity(ctx, params)
	case "klp_removeLiquidity":
		return s.removeLiquidity(ctx, params)

	// Prices
	case "klp_reportPrice":
		return s.reportPrice(ctx, params)
	case "klp_setPricesWithBits":
		return s.setPricesWithBits(ctx, params)

	default:
		return nil, &RPCError{Code: MethodNotFound, Message: "Method not found"}
	}
}

func decodeParams(params json.RawMessage, out interface{}) error {
	if len(params) == 0 {
		return invalidParams(errors.New("missing params"))
	}
	if err := json.Unmarshal(params, out); err != nil {
		return invalidParams(err)
	}
	return nil
}

// Info is the node summary.
type Info struct {
	Version       string          `json:"version"`
	Block         chain.Block     `json:"block"`
	ConfigVersion uint64          `json:"configVersion"`
	Addresses     venue.Addresses `json:"addresses"`
	LastEvent     uint64          `json:"lastEvent"`
	Timestamp     int64           `json:"timestamp"`
}

func (s *JSONRPCServer) getInfo(ctx context.Context) (interface{}, error) {
	info := Info{
		Version:   Version,
		Addresses: s.venue.Addresses(),
		Timestamp: time.Now().Unix(),
	}
	err := s.venue.State.Atomic(ctx, func(ctx context.Context) error {
		info.Block = s.venue.State.Block()
		info.ConfigVersion = s.venue.Gov.Config().Version
		return nil
	})
	if s.events != nil {
		info.LastEvent = s.events.LastSeq()
	}
	return info, err
}

func (s *JSONRPCServer) getEvents(params json.RawMessage) (interface{}, error) {
	if s.events == nil {
		return nil, &RPCError{Code: InternalError, Message: "Event journal not enabled"}
	}
	p := struct {
		From  uint64 `json:"from"`
		Limit int    `json:"limit"`
	}{Limit: defaultEventLimit}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, invalidParams(err)
		}
	}
	if p.Limit <= 0 || p.Limit > maxEventLimit {
		p.Limit = maxEventLimit
	}
	records, err := s.events.Events(p.From, p.Limit)
	if err != nil {
		return nil, &RPCError{Code: InternalError, Message: err.Error()}
	}
	if records == nil {
		records = []store.Record{}
	}
	return records, nil
}

func (s *JSONRPCServer) getCandles(params json.RawMessage) (interface{}, error) {
	if s.candles == nil {
		return nil, &RPCError{Code: InternalError, Message: "Market data not enabled"}
	}
	p := struct {
		Token    common.Address `json:"token"`
		Interval string         `json:"interval"`
		Limit    int            `json:"limit"`
	}{Interval: string(marketdata.Interval1m), Limit: defaultCandleLimit}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	interval, err := marketdata.ParseInterval(p.Interval)
	if err != nil {
		return nil, invalidParams(err)
	}
	if p.Limit <= 0 || p.Limit > maxCandleLimit {
		p.Limit = maxCandleLimit
	}
	candles, err := s.candles.GetCandles(p.Token, interval, p.Limit)
	if err != nil {
		return nil, &RPCError{Code: InternalError, Message: err.Error()}
	}
	return candles, nil
}

type tokenParams struct {
	Token common.Address `json:"token"`
}

func (s *JSONRPCServer) getPool(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p tokenParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	return chain.Read(ctx, s.venue.State, func(ctx context.Context) (interface{}, error) {
		if !s.venue.Gov.Config().IsWhitelisted(p.Token) {
			return nil, invalidParams(fmt.Errorf("token %s is not whitelisted", p.Token.Hex()))
		}
		return map[string]interface{}{
			"token":         p.Token,
			"pool":          s.venue.Vault.GetPoolState(p.Token),
			"utilisation":   s.venue.Vault.GetUtilisation(p.Token),
			"targetUsdg":    s.venue.Vault.GetTargetUsdgAmount(p.Token),
			"fundingRate":   s.venue.Vault.CumulativeFundingRate(p.Token),
			"nextFunding":   s.venue.Vault.GetNextFundingRate(p.Token),
			"routerFeeHeld": s.venue.PositionRouter.FeeReserve(p.Token),
		}, nil
	})
}

// PriceInfo is the oracle view of one token.
type PriceInfo struct {
	Token     common.Address `json:"token"`
	MinPrice  fixed.Amount   `json:"minPrice"`
	MaxPrice  fixed.Amount   `json:"maxPrice"`
	FastPrice fixed.Amount   `json:"fastPrice"`
	Reference interface{}    `json:"reference,omitempty"`
}

func (s *JSONRPCServer) getPrices(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p tokenParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	return chain.Read(ctx, s.venue.State, func(ctx context.Context) (PriceInfo, error) {
		lo, err := s.venue.Vault.GetMinPrice(p.Token)
		if err != nil {
			return PriceInfo{}, err
		}
		hi, err := s.venue.Vault.GetMaxPrice(p.Token)
		if err != nil {
			return PriceInfo{}, err
		}
		info := PriceInfo{Token: p.Token, MinPrice: lo, MaxPrice: hi, FastPrice: s.venue.FastPrice.Price(p.Token)}
		if ans, ok := s.venue.Reference.Latest(p.Token); ok {
			info.Reference = ans
		}
		return info, nil
	})
}

type positionParams struct {
	Account         common.Address `json:"account"`
	CollateralToken common.Address `json:"collateralToken"`
	IndexToken      common.Address `json:"indexToken"`
	IsLong          bool           `json:"isLong"`
}

// PositionInfo is a position with its current profit or loss.
type PositionInfo struct {
	vault.Position
	Key       common.Hash  `json:"key"`
	HasProfit bool         `json:"hasProfit"`
	Delta     fixed.Amount `json:"delta"`
	Leverage  uint64       `json:"leverage"`
}

func (s *JSONRPCServer) positionInfo(pos vault.Position) PositionInfo {
	info := PositionInfo{
		Position: pos,
		Key:      vault.PositionKey(pos.Account, pos.CollateralToken, pos.IndexToken, pos.IsLong),
	}
	if hasProfit, delta, err := s.venue.Vault.GetPositionDelta(pos.Account, pos.CollateralToken, pos.IndexToken, pos.IsLong); err == nil {
		info.HasProfit, info.Delta = hasProfit, delta
	}
	if lev, err := s.venue.Vault.GetPositionLeverage(pos.Account, pos.CollateralToken, pos.IndexToken, pos.IsLong); err == nil {
		info.Leverage = lev
	}
	return info
}

func (s *JSONRPCServer) getPosition(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p positionParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	return chain.Read(ctx, s.venue.State, func(ctx context.Context) (interface{}, error) {
		pos, ok := s.venue.Vault.GetPosition(p.Account, p.CollateralToken, p.IndexToken, p.IsLong)
		if !ok {
			return nil, &RPCError{Code: NotFound, Message: "Position not found"}
		}
		return s.positionInfo(pos), nil
	})
}

func (s *JSONRPCServer) getPositions(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p struct {
		Account *common.Address `json:"account"`
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, invalidParams(err)
		}
	}
	return chain.Read(ctx, s.venue.State, func(ctx context.Context) ([]PositionInfo, error) {
		out := []PositionInfo{}
		for _, pos := range s.venue.Vault.Positions() {
			if p.Account != nil && pos.Account != *p.Account {
				continue
			}
			out = append(out, s.positionInfo(pos))
		}
		return out, nil
	})
}

func (s *JSONRPCServer) getAum(ctx context.Context) (interface{}, error) {
	return chain.Read(ctx, s.venue.State, func(ctx context.Context) (interface{}, error) {
		aums, err := s.venue.Klp.GetAums()
		if err != nil {
			return nil, err
		}
		resp := map[string]interface{}{
			"aumMax":    aums[0],
			"aumMin":    aums[1],
			"klpSupply": s.venue.Ledger.TotalSupply(s.venue.Klp.KLP()),
		}
		if price, err := s.venue.Klp.GetPrice(true); err == nil {
			resp["klpPriceMax"] = price
		}
		if price, err := s.venue.Klp.GetPrice(false); err == nil {
			resp["klpPriceMin"] = price
		}
		return resp, nil
	})
}

func (s *JSONRPCServer) getBalance(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p struct {
		Token   common.Address `json:"token"`
		Account common.Address `json:"account"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	return chain.Read(ctx, s.venue.State, func(ctx context.Context) (interface{}, error) {
		return map[string]interface{}{
			"token":   p.Token,
			"account": p.Account,
			"balance": s.venue.Ledger.BalanceOf(p.Token, p.Account),
		}, nil
	})
}

type keyParams struct {
	From        common.Address `json:"from"`
	Key         common.Hash    `json:"key"`
	FeeReceiver common.Address `json:"feeReceiver"`
}

func (s *JSONRPCServer) getIncreaseRequest(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p keyParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	return chain.Read(ctx, s.venue.State, func(ctx context.Context) (interface{}, error) {
		req, ok := s.venue.PositionRouter.IncreaseRequest(p.Key)
		if !ok {
			return nil, &RPCError{Code: NotFound, Message: "Request not found"}
		}
		return req, nil
	})
}

func (s *JSONRPCServer) getDecreaseRequest(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p keyParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	return chain.Read(ctx, s.venue.State, func(ctx context.Context) (interface{}, error) {
		req, ok := s.venue.PositionRouter.DecreaseRequest(p.Key)
		if !ok {
			return nil, &RPCError{Code: NotFound, Message: "Request not found"}
		}
		return req, nil
	})
}

type increaseParams struct {
	From            common.Address   `json:"from"`
	Path            []common.Address `json:"path"`
	IndexToken      common.Address   `json:"indexToken"`
	AmountIn        fixed.Amount     `json:"amountIn"`
	MinOut          fixed.Amount     `json:"minOut"`
	SizeDelta       fixed.Amount     `json:"sizeDelta"`
	IsLong          bool             `json:"isLong"`
	AcceptablePrice fixed.Amount     `json:"acceptablePrice"`
	ExecutionFee    fixed.Amount     `json:"executionFee"`
	Value           fixed.Amount     `json:"value"`
	// CollateralInNative funds the collateral from value instead of AmountIn.
	CollateralInNative bool `json:"collateralInNative"`
}

func (s *JSONRPCServer) createIncreasePosition(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p increaseParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	pr := s.venue.PositionRouter
	var (
		key common.Hash
		err error
	)
	if p.CollateralInNative {
		key, err = pr.CreateIncreasePositionETH(ctx, p.From, p.Path, p.IndexToken, p.MinOut, p.SizeDelta, p.IsLong, p.AcceptablePrice, p.ExecutionFee, p.Value)
	} else {
		key, err = pr.CreateIncreasePosition(ctx, p.From, p.Path, p.IndexToken, p.AmountIn, p.MinOut, p.SizeDelta, p.IsLong, p.AcceptablePrice, p.ExecutionFee, p.Value)
	}
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"key": key, "status": "queued"}, nil
}

type decreaseParams struct {
	From            common.Address   `json:"from"`
	Path            []common.Address `json:"path"`
	IndexToken      common.Address   `json:"indexToken"`
	CollateralDelta fixed.Amount     `json:"collateralDelta"`
	SizeDelta       fixed.Amount     `json:"sizeDelta"`
	IsLong          bool             `json:"isLong"`
	Receiver        common.Address   `json:"receiver"`
	AcceptablePrice fixed.Amount     `json:"acceptablePrice"`
	MinOut          fixed.Amount     `json:"minOut"`
	ExecutionFee    fixed.Amount     `json:"executionFee"`
	Value           fixed.Amount     `json:"value"`
	WithdrawNative  bool             `json:"withdrawNative"`
}

func (s *JSONRPCServer) createDecreasePosition(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p decreaseParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	key, err := s.venue.PositionRouter.CreateDecreasePosition(ctx, p.From, p.Path, p.IndexToken, p.CollateralDelta, p.SizeDelta,
		p.IsLong, p.Receiver, p.AcceptablePrice, p.MinOut, p.ExecutionFee, p.Value, p.WithdrawNative)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"key": key, "status": "queued"}, nil
}

type orderParams struct {
	From        common.Address `json:"from"`
	Account     common.Address `json:"account"`
	Index       uint64         `json:"index"`
	FeeReceiver common.Address `json:"feeReceiver"`
}

func (s *JSONRPCServer) getOrder(ctx context.Context, params json.RawMessage, increase bool) (interface{}, error) {
	var p orderParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	return chain.Read(ctx, s.venue.State, func(ctx context.Context) (interface{}, error) {
		var (
			order interface{}
			ok    bool
		)
		if increase {
			order, ok = s.venue.OrderBook.IncreaseOrder(p.Account, p.Index)
		} else {
			order, ok = s.venue.OrderBook.DecreaseOrder(p.Account, p.Index)
		}
		if !ok {
			return nil, &RPCError{Code: NotFound, Message: "Order not found"}
		}
		return order, nil
	})
}

type orderCreateParams struct {
	From                  common.Address   `json:"from"`
	Path                  []common.Address `json:"path"`
	AmountIn              fixed.Amount     `json:"amountIn"`
	IndexToken            common.Address   `json:"indexToken"`
	MinOut                fixed.Amount     `json:"minOut"`
	SizeDelta             fixed.Amount     `json:"sizeDelta"`
	CollateralToken       common.Address   `json:"collateralToken"`
	CollateralDelta       fixed.Amount     `json:"collateralDelta"`
	IsLong                bool             `json:"isLong"`
	TriggerPrice          fixed.Amount     `json:"triggerPrice"`
	TriggerAboveThreshold bool             `json:"triggerAboveThreshold"`
	ExecutionFee          fixed.Amount     `json:"executionFee"`
	Value                 fixed.Amount     `json:"value"`
	CollateralInNative    bool             `json:"collateralInNative"`
}

func (s *JSONRPCServer) createIncreaseOrder(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p orderCreateParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	index, err := s.venue.OrderBook.CreateIncreaseOrder(ctx, p.From, router.IncreaseOrderParams{
		Path:                  p.Path,
		AmountIn:              p.AmountIn,
		IndexToken:            p.IndexToken,
		MinOut:                p.MinOut,
		SizeDelta:             p.SizeDelta,
		CollateralToken:       p.CollateralToken,
		IsLong:                p.IsLong,
		TriggerPrice:          p.TriggerPrice,
		TriggerAboveThreshold: p.TriggerAboveThreshold,
		ExecutionFee:          p.ExecutionFee,
		ShouldWrap:            p.CollateralInNative,
	}, p.Value)
	if err != nil {
		return nil, err
	}
	return router.OrderRef{Account: p.From, Index: index}, nil
}

func (s *JSONRPCServer) createDecreaseOrder(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p orderCreateParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	index, err := s.venue.OrderBook.CreateDecreaseOrder(ctx, p.From, router.DecreaseOrderParams{
		IndexToken:            p.IndexToken,
		SizeDelta:             p.SizeDelta,
		CollateralToken:       p.CollateralToken,
		CollateralDelta:       p.CollateralDelta,
		IsLong:                p.IsLong,
		TriggerPrice:          p.TriggerPrice,
		TriggerAboveThreshold: p.TriggerAboveThreshold,
	}, p.Value)
	if err != nil {
		return nil, err
	}
	return router.OrderRef{Account: p.From, Index: index}, nil
}

func (s *JSONRPCServer) cancelOrder(ctx context.Context, params json.RawMessage, cancel func(context.Context, common.Address, uint64) error) (interface{}, error) {
	var p orderParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if err := cancel(ctx, p.From, p.Index); err != nil {
		return nil, err
	}
	return map[string]interface{}{"cancelled": true}, nil
}

func (s *JSONRPCServer) executeOrder(ctx context.Context, params json.RawMessage, exec func(context.Context, common.Address, common.Address, uint64, common.Address) error) (interface{}, error) {
	var p orderParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.FeeReceiver == (common.Address{}) {
		p.FeeReceiver = p.From
	}
	if err := exec(ctx, p.From, p.Account, p.Index, p.FeeReceiver); err != nil {
		return nil, err
	}
	return map[string]interface{}{"executed": true}, nil
}

type complexParams struct {
	From         common.Address   `json:"from"`
	Path         []common.Address `json:"path"`
	AmountIn     fixed.Amount     `json:"amountIn"`
	MinOut       fixed.Amount     `json:"minOut"`
	IsLong       bool             `json:"isLong"`
	SizeDelta    []fixed.Amount   `json:"sizeDelta"`
	Price        []fixed.Amount   `json:"price"`
	Token        []common.Address `json:"token"`
	ExecutionFee []fixed.Amount   `json:"executionFee"`
	Value        fixed.Amount     `json:"value"`
	// Limit places the entry as an increase order triggered at Price[0]
	// in the TriggerAboveThreshold direction.
	Limit                 bool `json:"limit"`
	TriggerAboveThreshold bool `json:"triggerAboveThreshold"`
	CollateralInNative    bool `json:"collateralInNative"`
}

func (s *JSONRPCServer) createComplexOrder(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p complexParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	c := s.venue.ComplexRouter
	cp := router.ComplexOrderParams{
		Path:         p.Path,
		AmountIn:     p.AmountIn,
		MinOut:       p.MinOut,
		IsLong:       p.IsLong,
		SizeDelta:    p.SizeDelta,
		Price:        p.Price,
		Token:        p.Token,
		ExecutionFee: p.ExecutionFee,
	}
	switch {
	case p.Limit && p.CollateralInNative:
		return c.CreateComplexLimitOrderETH(ctx, p.From, cp, p.TriggerAboveThreshold, p.Value)
	case p.Limit:
		return c.CreateComplexLimitOrder(ctx, p.From, cp, p.TriggerAboveThreshold, p.Value)
	case p.CollateralInNative:
		return c.CreateComplexOrderETH(ctx, p.From, cp, p.Value)
	default:
		return c.CreateComplexOrder(ctx, p.From, cp, p.Value)
	}
}

type requestStep func(ctx context.Context, caller common.Address, key common.Hash, feeReceiver common.Address) (bool, error)

func (s *JSONRPCServer) executeRequest(ctx context.Context, params json.RawMessage, step requestStep) (interface{}, error) {
	var p keyParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.FeeReceiver == (common.Address{}) {
		p.FeeReceiver = p.From
	}
	done, err := step(ctx, p.From, p.Key, p.FeeReceiver)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"key": p.Key, "executed": done}, nil
}

func (s *JSONRPCServer) cancelRequest(ctx context.Context, params json.RawMessage, step func(context.Context, common.Address, common.Hash) (bool, error)) (interface{}, error) {
	var p keyParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	done, err := step(ctx, p.From, p.Key)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"key": p.Key, "cancelled": done}, nil
}

func (s *JSONRPCServer) executeQueues(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p struct {
		From                common.Address `json:"from"`
		EndIndexForIncrease uint64         `json:"endIndexForIncrease"`
		EndIndexForDecrease uint64         `json:"endIndexForDecrease"`
		FeeReceiver         common.Address `json:"feeReceiver"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.FeeReceiver == (common.Address{}) {
		p.FeeReceiver = p.From
	}
	pr := s.venue.PositionRouter
	err := s.venue.State.Atomic(ctx, func(ctx context.Context) error {
		if err := pr.ExecuteIncreasePositions(ctx, p.From, p.EndIndexForIncrease, p.FeeReceiver); err != nil {
			return err
		}
		return pr.ExecuteDecreasePositions(ctx, p.From, p.EndIndexForDecrease, p.FeeReceiver)
	})
	if err != nil {
		return nil, err
	}
	return s.venue.Queues(ctx)
}

func (s *JSONRPCServer) liquidatePosition(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p struct {
		positionParams
		From        common.Address `json:"from"`
		FeeReceiver common.Address `json:"feeReceiver"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.FeeReceiver == (common.Address{}) {
		p.FeeReceiver = p.From
	}
	if err := s.venue.Vault.LiquidatePosition(ctx, p.From, p.Account, p.CollateralToken, p.IndexToken, p.IsLong, p.FeeReceiver); err != nil {
		return nil, err
	}
	return map[string]interface{}{"status": "liquidated"}, nil
}

func (s *JSONRPCServer) approve(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p struct {
		From    common.Address `json:"from"`
		Token   common.Address `json:"token"`
		Spender common.Address `json:"spender"`
		Amount  fixed.Amount   `json:"amount"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if err := s.venue.Ledger.Approve(ctx, p.From, p.Token, p.Spender, p.Amount); err != nil {
		return nil, err
	}
	return map[string]interface{}{"status": "approved"}, nil
}

func (s *JSONRPCServer) approvePlugin(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p struct {
		From   common.Address `json:"from"`
		Plugin common.Address `json:"plugin"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if err := s.venue.Router.ApprovePlugin(ctx, p.From, p.Plugin); err != nil {
		return nil, err
	}
	return map[string]interface{}{"status": "approved"}, nil
}

func (s *JSONRPCServer) deposit(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p struct {
		From   common.Address `json:"from"`
		Amount fixed.Amount   `json:"amount"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if err := s.venue.Ledger.Deposit(ctx, p.From, p.Amount); err != nil {
		return nil, err
	}
	return map[string]interface{}{"token": s.venue.Ledger.Wrapped(), "amount": p.Amount}, nil
}

func (s *JSONRPCServer) swap(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p struct {
		From     common.Address   `json:"from"`
		Path     []common.Address `json:"path"`
		AmountIn fixed.Amount     `json:"amountIn"`
		MinOut   fixed.Amount     `json:"minOut"`
		Receiver common.Address   `json:"receiver"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.Receiver == (common.Address{}) {
		p.Receiver = p.From
	}
	out, err := s.venue.Router.Swap(ctx, p.From, p.Path, p.AmountIn, p.MinOut, p.Receiver)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"amountOut": out}, nil
}

func (s *JSONRPCServer) addLiquidity(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p struct {
		From    common.Address `json:"from"`
		Token   common.Address `json:"token"`
		Amount  fixed.Amount   `json:"amount"`
		MinUsdg fixed.Amount   `json:"minUsdg"`
		MinKlp  fixed.Amount   `json:"minKlp"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	minted, err := s.venue.Klp.AddLiquidity(ctx, p.From, p.Token, p.Amount, p.MinUsdg, p.MinKlp)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"klpAmount": minted}, nil
}

func (s *JSONRPCServer) removeLiquidity(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p struct {
		From      common.Address `json:"from"`
		TokenOut  common.Address `json:"tokenOut"`
		KlpAmount fixed.Amount   `json:"klpAmount"`
		MinOut    fixed.Amount   `json:"minOut"`
		Receiver  common.Address `json:"receiver"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.Receiver == (common.Address{}) {
		p.Receiver = p.From
	}
	out, err := s.venue.Klp.RemoveLiquidity(ctx, p.From, p.TokenOut, p.KlpAmount, p.MinOut, p.Receiver)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"amountOut": out}, nil
}

func (s *JSONRPCServer) reportPrice(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p struct {
		From   common.Address `json:"from"`
		Token  common.Address `json:"token"`
		Answer fixed.Amount   `json:"answer"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if err := s.venue.Reference.Report(ctx, p.From, p.Token, p.Answer); err != nil {
		return nil, err
	}
	return map[string]interface{}{"round": s.venue.Reference.LatestRound(p.Token)}, nil
}

func (s *JSONRPCServer) setPricesWithBits(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p struct {
		From                common.Address `json:"from"`
		PriceBits           fixed.Amount   `json:"priceBits"`
		Timestamp           uint64         `json:"timestamp"`
		EndIndexForIncrease *uint64        `json:"endIndexForIncrease"`
		EndIndexForDecrease *uint64        `json:"endIndexForDecrease"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	fast := s.venue.FastPrice
	var err error
	if p.EndIndexForIncrease != nil || p.EndIndexForDecrease != nil {
		var inc, dec uint64
		if p.EndIndexForIncrease != nil {
			inc = *p.EndIndexForIncrease
		}
		if p.EndIndexForDecrease != nil {
			dec = *p.EndIndexForDecrease
		}
		err = fast.SetPricesWithBitsAndExecute(ctx, p.From, p.PriceBits, p.Timestamp, inc, dec)
	} else {
		err = fast.SetPricesWithBits(ctx, p.From, p.PriceBits, p.Timestamp)
	}
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"lastUpdatedAt": fast.LastUpdatedAt(), "breaker": fast.Breaker().String()}, nil
}

func (s *JSONRPCServer) sendError(w http.ResponseWriter, id interface{}, rpcErr *RPCError) {
	resp := JSONRPCResponse{
		JSONRPC: "2.0",
		Error:   rpcErr,
		ID:      id,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// StartJSONRPCServer serves s on addr until ctx is cancelled.
func StartJSONRPCServer(ctx context.Context, addr string, s *JSONRPCServer, logger log.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/", s)

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		httpServer.Shutdown(shutdownCtx)
	}()

	logger.Info("JSON-RPC server started", "addr", addr)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
