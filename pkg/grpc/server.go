package grpc

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/luxfi/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/luxfi/klp/pkg/chain"
	"github.com/luxfi/klp/pkg/errs"
	"github.com/luxfi/klp/pkg/fixed"
	"github.com/luxfi/klp/pkg/vault"
	"github.com/luxfi/klp/pkg/venue"
)

const (
	minStreamInterval     = 100 * time.Millisecond
	defaultStreamInterval = time.Second
)

// Server implements KLPServiceServer over a venue.
type Server struct {
	venue   *venue.Venue
	logger  log.Logger
	nodeID  string
	version string
	network string
}

// NewServer creates a new gRPC server
func NewServer(v *venue.Venue, logger log.Logger, nodeID, version, network string) *Server {
	return &Server{
		venue:   v,
		logger:  logger,
		nodeID:  nodeID,
		version: version,
		network: network,
	}
}

// Ping answers with the server time.
func (s *Server) Ping(ctx context.Context, req *PingRequest) (*PingResponse, error) {
	return &PingResponse{Timestamp: time.Now().UnixNano()}, nil
}

// GetNodeInfo returns node information
func (s *Server) GetNodeInfo(ctx context.Context, req *NodeInfoRequest) (*NodeInfo, error) {
	info := &NodeInfo{
		NodeID:    s.nodeID,
		Version:   s.version,
		Network:   s.network,
		Addresses: s.venue.Addresses(),
	}
	err := s.venue.State.Atomic(ctx, func(ctx context.Context) error {
		info.Block = s.venue.State.Block()
		info.ConfigVersion = s.venue.Gov.Config().Version
		return nil
	})
	if err != nil {
		return nil, toStatus(err)
	}
	return info, nil
}

func (s *Server) GetSnapshot(ctx context.Context, req *SnapshotRequest) (*venue.Snapshot, error) {
	snap, err := s.venue.Snapshot(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	return &snap, nil
}

func (s *Server) GetQueues(ctx context.Context, req *QueuesRequest) (*venue.QueueSnapshot, error) {
	q, err := s.venue.Queues(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	return &q, nil
}

// GetPosition returns one position or NotFound.
func (s *Server) GetPosition(ctx context.Context, req *PositionRequest) (*vault.Position, error) {
	pos, err := chain.Read(ctx, s.venue.State, func(ctx context.Context) (vault.Position, error) {
		pos, ok := s.venue.Vault.GetPosition(req.Account, req.CollateralToken, req.IndexToken, req.IsLong)
		if !ok {
			return pos, status.Errorf(codes.NotFound, "position not found")
		}
		return pos, nil
	})
	if err != nil {
		return nil, toStatus(err)
	}
	return &pos, nil
}

// GetPositions returns open positions, optionally for one account.
func (s *Server) GetPositions(ctx context.Context, req *PositionsRequest) (*PositionsResponse, error) {
	positions, err := chain.Read(ctx, s.venue.State, func(ctx context.Context) ([]vault.Position, error) {
		out := []vault.Position{}
		for _, pos := range s.venue.Vault.Positions() {
			if req.Account != nil && pos.Account != *req.Account {
				continue
			}
			out = append(out, pos)
		}
		return out, nil
	})
	if err != nil {
		return nil, toStatus(err)
	}
	return &PositionsResponse{Positions: positions}, nil
}

func (s *Server) GetBalance(ctx context.Context, req *BalanceRequest) (*Balance, error) {
	amount, err := chain.Read(ctx, s.venue.State, func(ctx context.Context) (fixed.Amount, error) {
		return s.venue.Ledger.BalanceOf(req.Token, req.Account), nil
	})
	if err != nil {
		return nil, toStatus(err)
	}
	return &Balance{Token: req.Token, Account: req.Account, Amount: amount}, nil
}

func (s *Server) GetPrices(ctx context.Context, req *PricesRequest) (*Prices, error) {
	p, err := chain.Read(ctx, s.venue.State, func(ctx context.Context) (Prices, error) {
		lo, err := s.venue.Vault.GetMinPrice(req.Token)
		if err != nil {
			return Prices{}, err
		}
		hi, err := s.venue.Vault.GetMaxPrice(req.Token)
		if err != nil {
			return Prices{}, err
		}
		return Prices{Token: req.Token, MinPrice: lo, MaxPrice: hi}, nil
	})
	if err != nil {
		return nil, toStatus(err)
	}
	return &p, nil
}

// StreamSnapshots sends a venue snapshot every interval until the client
// goes away.
func (s *Server) StreamSnapshots(req *StreamRequest, stream grpc.ServerStream) error {
	interval := time.Duration(req.IntervalMs) * time.Millisecond
	if interval == 0 {
		interval = defaultStreamInterval
	}
	if interval < minStreamInterval {
		interval = minStreamInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	ctx := stream.Context()
	for {
		snap, err := s.venue.Snapshot(ctx)
		if err != nil {
			return toStatus(err)
		}
		if err := stream.SendMsg(&snap); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

var categoryCodes = map[errs.Category]codes.Code{
	errs.Authorization:         codes.PermissionDenied,
	errs.InvalidParameter:      codes.InvalidArgument,
	errs.InsufficientLiquidity: codes.ResourceExhausted,
	errs.StalePrice:            codes.Unavailable,
	errs.Deviation:             codes.FailedPrecondition,
	errs.CooldownNotElapsed:    codes.FailedPrecondition,
	errs.Slippage:              codes.Aborted,
	errs.Leverage:              codes.FailedPrecondition,
}

// toStatus maps venue rejections to gRPC status codes. Errors that already
// carry a status pass through.
func toStatus(err error) error {
	if _, ok := status.FromError(err); ok {
		return err
	}
	var venueErr *errs.Error
	if errors.As(err, &venueErr) {
		code, ok := categoryCodes[venueErr.Category]
		if !ok {
			code = codes.Unknown
		}
		return status.Error(code, venueErr.Message)
	}
	return status.Error(codes.Internal, err.Error())
}

// logCalls logs failed unary calls.
func (s *Server) logCalls(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	if err != nil {
		s.logger.Debug("gRPC call failed", "method", info.FullMethod, "duration", time.Since(start), "error", err)
	}
	return resp, err
}

// StartGRPCServer serves s on addr until ctx is cancelled.
func StartGRPCServer(ctx context.Context, addr string, s *Server, logger log.Logger) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return Serve(ctx, lis, s, logger)
}

// Serve runs a gRPC server for s on lis until ctx is cancelled.
func Serve(ctx context.Context, lis net.Listener, s *Server, logger log.Logger) error {
	grpcServer := grpc.NewServer(grpc.UnaryInterceptor(s.logCalls))
	RegisterKLPServiceServer(grpcServer, s)

	go func() {
		<-ctx.Done()
		grpcServer.GracefulStop()
	}()

	logger.Info("gRPC server started", "addr", lis.Addr().String())
	if err := grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}
