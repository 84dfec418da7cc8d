package store

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/luxfi/database"
	"github.com/luxfi/database/manager"
	"github.com/luxfi/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/klp/pkg/chain"
	"github.com/luxfi/klp/pkg/fixed"
	"github.com/luxfi/klp/pkg/gov"
)

func testLogger() log.Logger {
	level, _ := log.ToLevel("error")
	return log.NewTestLogger(level)
}

func newMemDB(t *testing.T) database.Database {
	t.Helper()
	db, err := manager.NewManager(t.TempDir(), nil).New(manager.DefaultMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

type transfer struct {
	Amount fixed.Amount `json:"amount"`
}

func TestJournalPersistsCommittedEvents(t *testing.T) {
	db := newMemDB(t)
	j, err := Open(db, testLogger())
	require.NoError(t, err)

	state := chain.NewState(chain.NewManualClock(10, 1_700_000_000), testLogger())
	state.AddSink(j)

	require.NoError(t, state.Atomic(context.Background(), func(ctx context.Context) error {
		state.Emit("token.transfer", transfer{Amount: fixed.FromUint64(7)})
		state.Emit("token.transfer", transfer{Amount: fixed.FromUint64(9)})
		return nil
	}))
	assert.Equal(t, uint64(2), j.LastSeq())

	r, err := j.Event(2)
	require.NoError(t, err)
	assert.Equal(t, "token.transfer", r.Topic)
	assert.Equal(t, uint64(10), r.Block.Number)
	var got transfer
	require.NoError(t, json.Unmarshal(r.Data, &got))
	assert.Equal(t, fixed.FromUint64(9), got.Amount)

	// a reverted call writes nothing
	_ = state.Atomic(context.Background(), func(ctx context.Context) error {
		state.Emit("token.transfer", transfer{})
		return assert.AnError
	})
	assert.Equal(t, uint64(2), j.LastSeq())

	_, err = j.Event(3)
	assert.ErrorIs(t, err, database.ErrNotFound)
}

func TestJournalResumesAfterReopen(t *testing.T) {
	db := newMemDB(t)
	j, err := Open(db, testLogger())
	require.NoError(t, err)
	j.Deliver([]chain.Event{{Topic: "a"}, {Topic: "b"}, {Topic: "c"}})

	reopened, err := Open(db, testLogger())
	require.NoError(t, err)
	assert.Equal(t, uint64(3), reopened.LastSeq())

	reopened.Deliver([]chain.Event{{Topic: "d"}})
	records, err := reopened.Events(2, 10)
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, "b", records[0].Topic)
	assert.Equal(t, uint64(4), records[2].Seq)
	assert.Equal(t, "d", records[2].Topic)

	records, err = reopened.Events(0, 2)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "a", records[0].Topic)
}

func TestJournalRejectsCorruptHead(t *testing.T) {
	db := newMemDB(t)
	require.NoError(t, db.Put(keyLastEvent, []byte{1, 2, 3}))
	_, err := Open(db, testLogger())
	assert.Error(t, err)
}

func TestBlockHead(t *testing.T) {
	j, err := Open(newMemDB(t), testLogger())
	require.NoError(t, err)

	_, ok, err := j.LastBlock()
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, j.PutBlock(chain.Block{Number: 42, Time: 1_700_000_420}))
	b, ok, err := j.LastBlock()
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, chain.Block{Number: 42, Time: 1_700_000_420}, b)
}

func TestConfigRoundTrip(t *testing.T) {
	j, err := Open(newMemDB(t), testLogger())
	require.NoError(t, err)

	_, ok, err := j.LoadConfig()
	require.NoError(t, err)
	assert.False(t, ok)

	cfg := gov.DefaultConfig()
	cfg.Version = 7
	cfg.Klp.AumAddition = fixed.USD(12)
	cfg.SetToken(gov.TokenConfig{Symbol: "DAI", Decimals: 18, Weight: 10000, IsStable: true})
	require.NoError(t, j.SaveConfig(cfg))

	loaded, ok, err := j.LoadConfig()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(7), loaded.Version)
	assert.Equal(t, fixed.USD(12), loaded.Klp.AumAddition)
	assert.Equal(t, cfg.Router.MaxExecutionValidity, loaded.Router.MaxExecutionValidity)
	require.Len(t, loaded.Tokens, 1)
	assert.Equal(t, "DAI", loaded.Tokens[0].Symbol)
}
