// Package chain is the execution environment shared by every venue component.
//
// A State serializes calls, pins the block each call observes, keeps an undo
// journal so a failed call leaves no trace, and holds back events until the
// outermost call commits. Components keep their storage in journaled Map and
// Value containers bound to the same State.
package chain

import (
	"context"
	"errors"
	"sync"

	"github.com/luxfi/log"

	"github.com/luxfi/klp/pkg/fixed"
)

// Event is a notification raised inside a call and delivered after it commits.
type Event struct {
	Seq   uint64 `json:"seq"`
	Topic string `json:"topic"`
	Block Block  `json:"block"`
	Data  any    `json:"data"`
}

// Sink receives committed events in order.
type Sink interface {
	Deliver(events []Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(events []Event)

func (f SinkFunc) Deliver(events []Event) { f(events) }

type txKey struct{ s *State }

// State is the serialized, journaled execution context.
type State struct {
	mu      sync.Mutex
	clock   Clock
	logger  log.Logger
	journal []func()
	pending []Event
	seq     uint64

	// blockMu guards cur and active. It is separate from mu so readers
	// outside a call do not wait for the call to finish.
	blockMu sync.RWMutex
	cur     Block
	active  bool

	sinkMu sync.RWMutex
	sinks  []Sink
}

func NewState(clock Clock, logger log.Logger) *State {
	return &State{clock: clock, logger: logger}
}

// AddSink registers a receiver for committed events.
func (s *State) AddSink(sink Sink) {
	s.sinkMu.Lock()
	defer s.sinkMu.Unlock()
	s.sinks = append(s.sinks, sink)
}

// Block returns the block pinned by the running call, or the clock's current
// block when no call is running. It is safe for concurrent use.
func (s *State) Block() Block {
	if b, ok := s.pinned(); ok {
		return b
	}
	return s.clock.Current()
}

func (s *State) pinned() (Block, bool) {
	s.blockMu.RLock()
	defer s.blockMu.RUnlock()
	return s.cur, s.active
}

func (s *State) pin(b Block, active bool) {
	s.blockMu.Lock()
	s.cur, s.active = b, active
	s.blockMu.Unlock()
}

func (s *State) Clock() Clock { return s.clock }

// InCall reports whether ctx belongs to a call running on s.
func (s *State) InCall(ctx context.Context) bool {
	return ctx.Value(txKey{s}) != nil
}

// Atomic runs fn as one call. A call made with a ctx that already belongs to a
// call on s nests: it gets its own savepoint and only its own effects are undone
// when it fails, leaving the caller free to recover. Arithmetic panics from
// package fixed become errors.
func (s *State) Atomic(ctx context.Context, fn func(ctx context.Context) error) error {
	if s.InCall(ctx) {
		return s.savepoint(ctx, fn)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	events, err := s.run(ctx, fn)
	if err != nil {
		return err
	}
	s.deliver(events)
	return nil
}

func (s *State) run(ctx context.Context, fn func(ctx context.Context) error) (events []Event, err error) {
	s.mu.Lock()
	defer func() {
		s.journal = s.journal[:0]
		s.pending = nil
		s.pin(Block{}, false)
		s.mu.Unlock()
	}()

	b := s.clock.Current()
	s.pin(b, true)
	if err = s.savepoint(context.WithValue(ctx, txKey{s}, struct{}{}), fn); err != nil {
		s.logger.Debug("call reverted", "block", b.Number, "error", err)
		return nil, err
	}
	for i := range s.pending {
		s.seq++
		s.pending[i].Seq = s.seq
	}
	return s.pending, nil
}

func (s *State) savepoint(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	mark, evMark := len(s.journal), len(s.pending)
	defer func() {
		if r := recover(); r != nil {
			e, ok := r.(error)
			if !ok || !errors.Is(e, fixed.ErrArithmetic) {
				s.revert(mark, evMark)
				panic(r)
			}
			err = e
		}
		if err != nil {
			s.revert(mark, evMark)
		}
	}()
	return fn(ctx)
}

func (s *State) revert(mark, evMark int) {
	for i := len(s.journal) - 1; i >= mark; i-- {
		s.journal[i]()
	}
	s.journal = s.journal[:mark]
	s.pending = s.pending[:evMark]
}

func (s *State) record(undo func()) {
	if _, active := s.pinned(); active {
		s.journal = append(s.journal, undo)
	}
}

// Emit queues an event for delivery after the outermost call commits. Outside a
// call the event is delivered immediately.
func (s *State) Emit(topic string, data any) {
	b, active := s.pinned()
	if !active {
		b = s.clock.Current()
	}
	ev := Event{Topic: topic, Block: b, Data: data}
	if active {
		s.pending = append(s.pending, ev)
		return
	}
	s.seq++
	ev.Seq = s.seq
	s.deliver([]Event{ev})
}

func (s *State) deliver(events []Event) {
	if len(events) == 0 {
		return
	}
	s.sinkMu.RLock()
	sinks := append([]Sink(nil), s.sinks...)
	s.sinkMu.RUnlock()
	for _, sink := range sinks {
		sink.Deliver(events)
	}
}

// Read runs a read-only fn under the call lock and returns its result.
func Read[T any](ctx context.Context, s *State, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := s.Atomic(ctx, func(ctx context.Context) error {
		var err error
		out, err = fn(ctx)
		return err
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return out, nil
}

// Do runs fn as a call and returns its result. It is Atomic for functions that
// produce a value.
func Do[T any](ctx context.Context, s *State, fn func(ctx context.Context) (T, error)) (T, error) {
	return Read(ctx, s, fn)
}
