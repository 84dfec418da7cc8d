// Package store persists the venue's committed event stream, its block head
// and its governance config in a luxfi/database key-value store.
package store

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/luxfi/database"
	"github.com/luxfi/log"

	"github.com/luxfi/klp/pkg/chain"
	"github.com/luxfi/klp/pkg/gov"
)

var (
	keyLastEvent = []byte("last_event")
	keyLastBlock = []byte("last_block")
	keyConfig    = []byte("config")
)

func eventKey(seq uint64) []byte { return []byte(fmt.Sprintf("event:%020d", seq)) }

// Record is a stored event. Seq numbers the journal across restarts and is
// independent of the in-process event sequence.
type Record struct {
	Seq   uint64          `json:"seq"`
	Topic string          `json:"topic"`
	Block chain.Block     `json:"block"`
	Data  json.RawMessage `json:"data"`
}

// Journal appends committed events to the database. It is a chain.Sink.
type Journal struct {
	db     database.Database
	logger log.Logger

	mu   sync.Mutex
	last uint64
}

// Open resumes the journal kept in db.
func Open(db database.Database, logger log.Logger) (*Journal, error) {
	j := &Journal{db: db, logger: logger}
	val, err := db.Get(keyLastEvent)
	switch {
	case errors.Is(err, database.ErrNotFound):
	case err != nil:
		return nil, fmt.Errorf("failed to read journal head: %w", err)
	case len(val) == 8:
		j.last = binary.BigEndian.Uint64(val)
	default:
		return nil, fmt.Errorf("corrupt journal head: %d bytes", len(val))
	}
	return j, nil
}

// LastSeq is the sequence number of the newest stored record.
func (j *Journal) LastSeq() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.last
}

// Deliver writes events in one batch together with the new head. A failed
// write is logged and the batch dropped; the head only moves on success.
func (j *Journal) Deliver(events []chain.Event) {
	if err := j.append(events); err != nil {
		j.logger.Error("Failed to persist events", "count", len(events), "error", err)
	}
}

func (j *Journal) append(events []chain.Event) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	batch := j.db.NewBatch()
	defer batch.Reset()

	seq := j.last
	for _, ev := range events {
		data, err := json.Marshal(ev.Data)
		if err != nil {
			return fmt.Errorf("failed to encode %s event: %w", ev.Topic, err)
		}
		seq++
		value, err := json.Marshal(Record{Seq: seq, Topic: ev.Topic, Block: ev.Block, Data: data})
		if err != nil {
			return err
		}
		if err := batch.Put(eventKey(seq), value); err != nil {
			return err
		}
	}
	head := make([]byte, 8)
	binary.BigEndian.PutUint64(head, seq)
	if err := batch.Put(keyLastEvent, head); err != nil {
		return err
	}
	if err := batch.Write(); err != nil {
		return err
	}
	j.last = seq
	return nil
}

// Event loads the record numbered seq.
func (j *Journal) Event(seq uint64) (Record, error) {
	var r Record
	val, err := j.db.Get(eventKey(seq))
	if err != nil {
		return r, err
	}
	if err := json.Unmarshal(val, &r); err != nil {
		return r, fmt.Errorf("corrupt event %d: %w", seq, err)
	}
	return r, nil
}

// Events returns up to limit records starting at seq from.
func (j *Journal) Events(from uint64, limit int) ([]Record, error) {
	if from == 0 {
		from = 1
	}
	last := j.LastSeq()
	var out []Record
	for seq := from; seq <= last && len(out) < limit; seq++ {
		r, err := j.Event(seq)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

// PutBlock records b as the newest produced block.
func (j *Journal) PutBlock(b chain.Block) error {
	value := make([]byte, 16)
	binary.BigEndian.PutUint64(value[:8], b.Number)
	binary.BigEndian.PutUint64(value[8:], b.Time)
	return j.db.Put(keyLastBlock, value)
}

// LastBlock returns the newest recorded block, if any.
func (j *Journal) LastBlock() (chain.Block, bool, error) {
	val, err := j.db.Get(keyLastBlock)
	if errors.Is(err, database.ErrNotFound) {
		return chain.Block{}, false, nil
	}
	if err != nil {
		return chain.Block{}, false, err
	}
	if len(val) != 16 {
		return chain.Block{}, false, fmt.Errorf("corrupt block head: %d bytes", len(val))
	}
	return chain.Block{
		Number: binary.BigEndian.Uint64(val[:8]),
		Time:   binary.BigEndian.Uint64(val[8:]),
	}, true, nil
}

// SaveConfig stores the current governance config.
func (j *Journal) SaveConfig(cfg *gov.Config) error {
	value, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	return j.db.Put(keyConfig, value)
}

// LoadConfig returns the stored governance config, if any.
func (j *Journal) LoadConfig() (*gov.Config, bool, error) {
	val, err := j.db.Get(keyConfig)
	if errors.Is(err, database.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	cfg := &gov.Config{}
	if err := json.Unmarshal(val, cfg); err != nil {
		return nil, false, fmt.Errorf("corrupt config: %w", err)
	}
	return cfg, true, nil
}
