package grpc

import (
	"context"
	"encoding/json"

	"github.com/ethereum/go-ethereum/common"
	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"

	"github.com/luxfi/klp/pkg/chain"
	"github.com/luxfi/klp/pkg/fixed"
	"github.com/luxfi/klp/pkg/vault"
	"github.com/luxfi/klp/pkg/venue"
)

// ServiceName is the full gRPC service name.
const ServiceName = "klp.v1.KLPService"

// CodecName is the content subtype of the service. Messages are JSON, the
// same encoding the JSON-RPC and websocket APIs use.
const CodecName = "json"

type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v interface{}) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                               { return CodecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

type PingRequest struct{}

type PingResponse struct {
	Timestamp int64 `json:"timestamp"`
}

type NodeInfoRequest struct{}

type NodeInfo struct {
	NodeID        string          `json:"nodeId"`
	Version       string          `json:"version"`
	Network       string          `json:"network"`
	Block         chain.Block     `json:"block"`
	ConfigVersion uint64          `json:"configVersion"`
	Addresses     venue.Addresses `json:"addresses"`
}

type SnapshotRequest struct{}

type QueuesRequest struct{}

type PositionRequest struct {
	Account         common.Address `json:"account"`
	CollateralToken common.Address `json:"collateralToken"`
	IndexToken      common.Address `json:"indexToken"`
	IsLong          bool           `json:"isLong"`
}

type PositionsRequest struct {
	Account *common.Address `json:"account,omitempty"`
}

type PositionsResponse struct {
	Positions []vault.Position `json:"positions"`
}

type BalanceRequest struct {
	Token   common.Address `json:"token"`
	Account common.Address `json:"account"`
}

type Balance struct {
	Token   common.Address `json:"token"`
	Account common.Address `json:"account"`
	Amount  fixed.Amount   `json:"amount"`
}

type PricesRequest struct {
	Token common.Address `json:"token"`
}

type Prices struct {
	Token    common.Address `json:"token"`
	MinPrice fixed.Amount   `json:"minPrice"`
	MaxPrice fixed.Amount   `json:"maxPrice"`
}

type StreamRequest struct {
	IntervalMs int64 `json:"intervalMs"`
}

// KLPServiceServer is the server API of the service.
type KLPServiceServer interface {
	Ping(context.Context, *PingRequest) (*PingResponse, error)
	GetNodeInfo(context.Context, *NodeInfoRequest) (*NodeInfo, error)
	GetSnapshot(context.Context, *SnapshotRequest) (*venue.Snapshot, error)
	GetQueues(context.Context, *QueuesRequest) (*venue.QueueSnapshot, error)
	GetPosition(context.Context, *PositionRequest) (*vault.Position, error)
	GetPositions(context.Context, *PositionsRequest) (*PositionsResponse, error)
	GetBalance(context.Context, *BalanceRequest) (*Balance, error)
	GetPrices(context.Context, *PricesRequest) (*Prices, error)
	StreamSnapshots(*StreamRequest, grpc.ServerStream) error
}

func unary[Req, Resp any](name string, call func(KLPServiceServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			s := srv.(KLPServiceServer)
			if interceptor == nil {
				return call(s, ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + name}
			return interceptor(ctx, in, info, func(ctx context.Context, req interface{}) (interface{}, error) {
				return call(s, ctx, req.(*Req))
			})
		},
	}
}

// ServiceDesc describes the service for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*KLPServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("Ping", KLPServiceServer.Ping),
		unary("GetNodeInfo", KLPServiceServer.GetNodeInfo),
		unary("GetSnapshot", KLPServiceServer.GetSnapshot),
		unary("GetQueues", KLPServiceServer.GetQueues),
		unary("GetPosition", KLPServiceServer.GetPosition),
		unary("GetPositions", KLPServiceServer.GetPositions),
		unary("GetBalance", KLPServiceServer.GetBalance),
		unary("GetPrices", KLPServiceServer.GetPrices),
	},
	Streams: []grpc.StreamDesc{{
		StreamName:    "StreamSnapshots",
		ServerStreams: true,
		Handler: func(srv interface{}, stream grpc.ServerStream) error {
			in := new(StreamRequest)
			if err := stream.RecvMsg(in); err != nil {
				return err
			}
			return srv.(KLPServiceServer).StreamSnapshots(in, stream)
		},
	}},
}

func RegisterKLPServiceServer(s grpc.ServiceRegistrar, srv KLPServiceServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// Client calls the service over a connection.
type Client struct {
	cc grpc.ClientConnInterface
}

func NewClient(cc grpc.ClientConnInterface) *Client { return &Client{cc: cc} }

func invoke[Resp any](ctx context.Context, c *Client, method string, req interface{}) (*Resp, error) {
	out := new(Resp)
	err := c.cc.Invoke(ctx, "/"+ServiceName+"/"+method, req, out, grpc.CallContentSubtype(CodecName))
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Ping(ctx context.Context) (*PingResponse, error) {
	return invoke[PingResponse](ctx, c, "Ping", &PingRequest{})
}

func (c *Client) GetNodeInfo(ctx context.Context) (*NodeInfo, error) {
	return invoke[NodeInfo](ctx, c, "GetNodeInfo", &NodeInfoRequest{})
}

func (c *Client) GetSnapshot(ctx context.Context) (*venue.Snapshot, error) {
	return invoke[venue.Snapshot](ctx, c, "GetSnapshot", &SnapshotRequest{})
}

func (c *Client) GetQueues(ctx context.Context) (*venue.QueueSnapshot, error) {
	return invoke[venue.QueueSnapshot](ctx, c, "GetQueues", &QueuesRequest{})
}

func (c *Client) GetPosition(ctx context.Context, req *PositionRequest) (*vault.Position, error) {
	return invoke[vault.Position](ctx, c, "GetPosition", req)
}

func (c *Client) GetPositions(ctx context.Context, req *PositionsRequest) (*PositionsResponse, error) {
	return invoke[PositionsResponse](ctx, c, "GetPositions", req)
}

func (c *Client) GetBalance(ctx context.Context, req *BalanceRequest) (*Balance, error) {
	return invoke[Balance](ctx, c, "GetBalance", req)
}

func (c *Client) GetPrices(ctx context.Context, req *PricesRequest) (*Prices, error) {
	return invoke[Prices](ctx, c, "GetPrices", req)
}

// StreamSnapshots opens a snapshot stream. Call Recv until it fails.
func (c *Client) StreamSnapshots(ctx context.Context, req *StreamRequest) (*SnapshotStream, error) {
	stream, err := c.cc.NewStream(ctx, &ServiceDesc.Streams[0], "/"+ServiceName+"/StreamSnapshots", grpc.CallContentSubtype(CodecName))
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(req); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return &SnapshotStream{stream: stream}, nil
}

type SnapshotStream struct {
	stream grpc.ClientStream
}

func (s *SnapshotStream) Recv() (*venue.Snapshot, error) {
	snap := new(venue.Snapshot)
	if err := s.stream.RecvMsg(snap); err != nil {
		return nil, err
	}
	return snap, nil
}
