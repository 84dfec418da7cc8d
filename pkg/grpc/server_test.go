package grpc

import (
	"context"
	"net"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/luxfi/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/luxfi/klp/pkg/chain"
	"github.com/luxfi/klp/pkg/errs"
	"github.com/luxfi/klp/pkg/fixed"
	"github.com/luxfi/klp/pkg/gov"
	"github.com/luxfi/klp/pkg/venue"
)

var (
	govAddr = common.HexToAddress("0x01")
	user0   = common.HexToAddress("0x02")
	bnb     = common.HexToAddress("0x10")
	dai     = common.HexToAddress("0x11")
)

func newTestClient(t *testing.T) (*Client, *venue.Venue) {
	t.Helper()
	level, _ := log.ToLevel("error")
	logger := log.NewTestLogger(level)

	cfg := gov.DefaultConfig()
	cfg.SetToken(gov.TokenConfig{Address: dai, Symbol: "DAI", Decimals: 18, PriceDecimals: 8, Weight: 10000, IsStable: true})
	cfg.SetToken(gov.TokenConfig{Address: bnb, Symbol: "BNB", Decimals: 18, PriceDecimals: 8, Weight: 10000, IsShortable: true})
	addrs := venue.DefaultAddresses()
	addrs.Gov = govAddr
	addrs.Wrapped = bnb
	v, err := venue.New(venue.Options{
		Config:    cfg,
		Addresses: addrs,
		Clock:     chain.NewManualClock(5, 1_700_000_000),
		Logger:    logger,
	})
	require.NoError(t, err)
	require.NoError(t, v.Report(context.Background(), map[common.Address]string{dai: "1", bnb: "300"}))

	lis := bufconn.Listen(1 << 20)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Serve(ctx, lis, NewServer(v, logger, "node-1", "1.0.0", "devnet"), logger) }()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() {
		conn.Close()
		cancel()
		assert.NoError(t, <-done)
	})
	return NewClient(conn), v
}

func TestUnaryCalls(t *testing.T) {
	client, v := newTestClient(t)
	ctx := context.Background()

	pong, err := client.Ping(ctx)
	require.NoError(t, err)
	assert.NotZero(t, pong.Timestamp)

	info, err := client.GetNodeInfo(ctx)
	require.NoError(t, err)
	assert.Equal(t, "node-1", info.NodeID)
	assert.Equal(t, "devnet", info.Network)
	assert.Equal(t, uint64(5), info.Block.Number)
	assert.Equal(t, v.Addresses().PositionRouter, info.Addresses.PositionRouter)

	snap, err := client.GetSnapshot(ctx)
	require.NoError(t, err)
	require.Len(t, snap.Pools, 2)
	assert.Equal(t, "active", snap.FastPriceBreaker)

	prices, err := client.GetPrices(ctx, &PricesRequest{Token: bnb})
	require.NoError(t, err)
	assert.Equal(t, fixed.USD(300), prices.MaxPrice)

	v.Ledger.Issue(dai, user0, fixed.Expand(5, 18))
	bal, err := client.GetBalance(ctx, &BalanceRequest{Token: dai, Account: user0})
	require.NoError(t, err)
	assert.Equal(t, fixed.Expand(5, 18), bal.Amount)

	queues, err := client.GetQueues(ctx)
	require.NoError(t, err)
	assert.Empty(t, queues.Increases)

	positions, err := client.GetPositions(ctx, &PositionsRequest{Account: &user0})
	require.NoError(t, err)
	assert.Empty(t, positions.Positions)

	_, err = client.GetPosition(ctx, &PositionRequest{Account: user0, CollateralToken: bnb, IndexToken: bnb, IsLong: true})
	assert.Equal(t, codes.NotFound, status.Code(err))
}

func TestStreamSnapshots(t *testing.T) {
	client, _ := newTestClient(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, err := client.StreamSnapshots(ctx, &StreamRequest{IntervalMs: 1})
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		snap, err := stream.Recv()
		require.NoError(t, err)
		assert.Equal(t, uint64(5), snap.Block.Number)
	}
}

func TestToStatus(t *testing.T) {
	assert.Equal(t, codes.PermissionDenied, status.Code(toStatus(errs.New(errs.RouterForbidden))))
	assert.Equal(t, codes.FailedPrecondition, status.Code(toStatus(errs.New(errs.KlpCooldownNotPassed))))
	assert.Equal(t, codes.Internal, status.Code(toStatus(assert.AnError)))

	st := status.Error(codes.NotFound, "x")
	assert.Equal(t, st, toStatus(st))
}
