package chain

import (
	"sync"
	"time"
)

// Block is the height and unix time every call observes for its whole duration.
type Block struct {
	Number uint64 `json:"number"`
	Time   uint64 `json:"time"`
}

// Clock supplies the current block.
type Clock interface {
	Current() Block
}

// ManualClock is advanced explicitly. Tests drive it directly and the daemon's
// block producer mines on a ticker.
type ManualClock struct {
	mu sync.RWMutex
	b  Block
}

func NewManualClock(number, unix uint64) *ManualClock {
	return &ManualClock{b: Block{Number: number, Time: unix}}
}

func (c *ManualClock) Current() Block {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.b
}

// Mine advances the height by n blocks and the time by n*spacing.
func (c *ManualClock) Mine(n uint64, spacing time.Duration) Block {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.b.Number += n
	c.b.Time += n * uint64(spacing/time.Second)
	return c.b
}

// Advance moves time forward without producing a block.
func (c *ManualClock) Advance(d time.Duration) Block {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.b.Time += uint64(d / time.Second)
	return c.b
}

// MineAt produces one block stamped with the given wall time. Time never moves
// backwards.
func (c *ManualClock) MineAt(t time.Time) Block {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.b.Number++
	if unix := uint64(t.Unix()); unix > c.b.Time {
		c.b.Time = unix
	}
	return c.b
}

func (c *ManualClock) Set(b Block) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.b = b
}
