package events

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/luxfi/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/klp/pkg/chain"
)

type message struct {
	subject string
	data    []byte
}

type fakeConn struct {
	sent    []message
	fail    map[string]bool
	flushed bool
	closed  bool
}

func (c *fakeConn) Publish(subj string, data []byte) error {
	if c.fail[subj] {
		return errors.New("nats: connection closed")
	}
	c.sent = append(c.sent, message{subj, data})
	return nil
}

func (c *fakeConn) Flush() error { c.flushed = true; return nil }
func (c *fakeConn) Close()       { c.closed = true }

func testLogger() log.Logger {
	level, _ := log.ToLevel("error")
	return log.NewTestLogger(level)
}

func TestPublisherSubjects(t *testing.T) {
	conn := &fakeConn{}
	p := NewPublisher(conn, testLogger())

	p.Deliver([]chain.Event{
		{Seq: 1, Topic: "vault.increase_position", Data: map[string]string{"key": "0x01"}},
		{Seq: 2, Topic: "klp.add_liquidity"},
	})

	require.Len(t, conn.sent, 2)
	assert.Equal(t, "klp.vault.increase_position", conn.sent[0].subject)
	assert.Equal(t, "klp.klp.add_liquidity", conn.sent[1].subject)

	var ev struct {
		Seq   uint64            `json:"seq"`
		Topic string            `json:"topic"`
		Data  map[string]string `json:"data"`
	}
	require.NoError(t, json.Unmarshal(conn.sent[0].data, &ev))
	assert.Equal(t, uint64(1), ev.Seq)
	assert.Equal(t, "0x01", ev.Data["key"])
}

func TestPublisherContinuesAfterFailure(t *testing.T) {
	conn := &fakeConn{fail: map[string]bool{"klp.a": true}}
	p := NewPublisher(conn, testLogger())

	var outcomes []error
	p.OnPublish(func(err error) { outcomes = append(outcomes, err) })
	p.Deliver([]chain.Event{{Topic: "a"}, {Topic: "b"}})

	require.Len(t, conn.sent, 1)
	assert.Equal(t, "klp.b", conn.sent[0].subject)
	require.Len(t, outcomes, 2)
	assert.Error(t, outcomes[0])
	assert.NoError(t, outcomes[1])
}

func TestPublisherClose(t *testing.T) {
	conn := &fakeConn{}
	NewPublisher(conn, testLogger()).Close()
	assert.True(t, conn.flushed)
	assert.True(t, conn.closed)
}
