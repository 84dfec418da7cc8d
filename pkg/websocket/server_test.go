package websocket

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/luxfi/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/klp/pkg/chain"
)

func newTestServer(t *testing.T, snapshot SnapshotFunc) (*Server, *websocket.Conn) {
	t.Helper()
	level, _ := log.ToLevel("error")
	s := NewServer(log.NewTestLogger(level), DefaultConfig(), snapshot)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		_ = s.Stop(context.Background())
		ts.Close()
	})

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	welcome := read(t, conn)
	require.Equal(t, "welcome", welcome.Type)
	return s, conn
}

func read(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg Message
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func subscribe(t *testing.T, conn *websocket.Conn, channels ...string) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(SubscribeRequest{Type: "subscribe", Channels: channels}))
	ack := read(t, conn)
	require.Equal(t, "subscribed", ack.Type)
}

func TestEventsReachPrefixSubscribers(t *testing.T) {
	s, conn := newTestServer(t, nil)
	subscribe(t, conn, "router")

	s.Deliver([]chain.Event{
		{Seq: 1, Topic: "vault.swap"},
		{Seq: 2, Topic: "router.execute_increase_position", Block: chain.Block{Number: 9, Time: 100}},
	})

	msg := read(t, conn)
	assert.Equal(t, "event", msg.Type)
	assert.Equal(t, "router", msg.Channel)
	assert.Equal(t, "router.execute_increase_position", msg.Topic)
	assert.Equal(t, uint64(2), msg.Sequence)
	assert.Equal(t, uint64(9), msg.Block)
}

func TestOverlappingChannelsDeliverOnce(t *testing.T) {
	s, conn := newTestServer(t, nil)
	subscribe(t, conn, AllEvents, "klp", "klp.add_liquidity")

	s.Deliver([]chain.Event{{Seq: 1, Topic: "klp.add_liquidity"}, {Seq: 2, Topic: "gov.role_updated"}})

	first := read(t, conn)
	assert.Equal(t, uint64(1), first.Sequence)
	assert.Equal(t, "klp.add_liquidity", first.Channel)
	second := read(t, conn)
	assert.Equal(t, uint64(2), second.Sequence)
	assert.Equal(t, AllEvents, second.Channel)
}

func TestSnapshotOnSubscribe(t *testing.T) {
	_, conn := newTestServer(t, func(channel string) (any, bool) {
		if channel != "klp" {
			return nil, false
		}
		return map[string]string{"aum": "498.5"}, true
	})
	subscribe(t, conn, "klp", "vault")

	msg := read(t, conn)
	assert.Equal(t, "snapshot", msg.Type)
	assert.Equal(t, "klp", msg.Channel)
	assert.Equal(t, map[string]any{"aum": "498.5"}, msg.Data)
}

func TestUnknownMessageType(t *testing.T) {
	_, conn := newTestServer(t, nil)
	require.NoError(t, conn.WriteJSON(SubscribeRequest{Type: "trade"}))
	msg := read(t, conn)
	assert.Equal(t, "error", msg.Type)

	require.NoError(t, conn.WriteJSON(SubscribeRequest{Type: "ping"}))
	assert.Equal(t, "pong", read(t, conn).Type)
}

func TestChannelsFor(t *testing.T) {
	assert.ElementsMatch(t, []string{"vault.swap", "vault", AllEvents}, channelsFor("vault.swap"))
	assert.ElementsMatch(t, []string{"plain", AllEvents}, channelsFor("plain"))
}
