package router

import (
	"github.com/ethereum/go-ethereum/common"

	"github.com/luxfi/klp/pkg/chain"
)

// queue is an append-only arena of request keys. Entries below start have
// been processed; processed entries above start are cleared in place and
// skipped when start catches up.
type queue struct {
	keys  *chain.Map[uint64, common.Hash]
	start *chain.Value[uint64]
	end   *chain.Value[uint64]
}

func newQueue(s *chain.State) *queue {
	return &queue{
		keys:  chain.NewMap[uint64, common.Hash](s),
		start: chain.NewValue[uint64](s, 0),
		end:   chain.NewValue[uint64](s, 0),
	}
}

func (q *queue) push(key common.Hash) uint64 {
	i := q.end.Get()
	q.keys.Set(i, key)
	q.end.Set(i + 1)
	return i
}

func (q *queue) at(i uint64) (common.Hash, bool) { return q.keys.Lookup(i) }

func (q *queue) clear(i uint64) { q.keys.Delete(i) }

// advance moves start past cleared entries at the head.
func (q *queue) advance() {
	i, end := q.start.Get(), q.end.Get()
	for i < end {
		if _, ok := q.keys.Lookup(i); ok {
			break
		}
		i++
	}
	q.start.Set(i)
}

func (q *queue) bounds() (uint64, uint64) { return q.start.Get(), q.end.Get() }

// pending lists the keys from start to end that are still queued.
func (q *queue) pending() []common.Hash {
	start, end := q.bounds()
	out := make([]common.Hash, 0, end-start)
	for i := start; i < end; i++ {
		if k, ok := q.keys.Lookup(i); ok {
			out = append(out, k)
		}
	}
	return out
}
