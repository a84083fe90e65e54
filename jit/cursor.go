// Package jit implements the lazy result cursor: a finite, single-producer
// sequence that fills in the background while consumers read it.
//
// Items are buffered for the cursor's lifetime so every consumer traverses the
// full sequence in push order, independently of the others. A failure recorded
// with Fail reaches a consumer only once it has read every item pushed before
// the failure.
package jit

import (
	"context"
	"sync"

	"github.com/goliatone/go-relational-cache/errors"
)

// ErrTerminated is returned when the producer touches a finished cursor.
var ErrTerminated = errors.New(errors.Transaction, "cursor already terminated")

// Filter decides whether a pushed item is kept. Rejected items never become
// visible to consumers.
type Filter[T any] func(item T) bool

// Cursor is written by exactly one producer and read by any number of
// consumers.
type Cursor[T any] struct {
	entity string
	filter Filter[T]

	mu      sync.Mutex
	items   []T
	closed  bool
	err     error
	changed chan struct{}
	done    chan struct{}
}

// Option configures a Cursor.
type Option[T any] func(*Cursor[T])

// WithFilter drops pushed items for which f returns false.
func WithFilter[T any](f Filter[T]) Option[T] {
	return func(c *Cursor[T]) {
		c.filter = f
	}
}

// WithEntity labels the cursor with the entity it resolves.
func WithEntity[T any](entity string) Option[T] {
	return func(c *Cursor[T]) {
		c.entity = entity
	}
}

// NewCursor returns an empty cursor in the filling state.
func NewCursor[T any](opts ...Option[T]) *Cursor[T] {
	c := &Cursor[T]{
		changed: make(chan struct{}),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Push appends item to the tail and wakes waiting consumers.
func (c *Cursor[T]) Push(item T) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrTerminated
	}
	if c.filter != nil && !c.filter(item) {
		return nil
	}
	c.items = append(c.items, item)
	c.broadcast()
	return nil
}

// Complete marks the sequence exhausted.
func (c *Cursor[T]) Complete() error {
	return c.terminate(nil)
}

// Fail terminates the sequence with err. Consumers see err after the items
// already pushed.
func (c *Cursor[T]) Fail(err error) error {
	if err == nil {
		err = errors.New(errors.Store, "cursor failed")
	}
	return c.terminate(err)
}

func (c *Cursor[T]) terminate(err error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrTerminated
	}
	c.closed = true
	c.err = err
	c.broadcast()
	close(c.done)
	return nil
}

// broadcast wakes every waiter by closing the current channel. Callers hold c.mu.
func (c *Cursor[T]) broadcast() {
	close(c.changed)
	if !c.closed {
		c.changed = make(chan struct{})
	}
}

// Done is closed once the cursor has completed or failed.
func (c *Cursor[T]) Done() <-chan struct{} {
	return c.done
}

// Err is the recorded failure, nil while filling or after a normal completion.
func (c *Cursor[T]) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Buffered is the number of items pushed so far.
func (c *Cursor[T]) Buffered() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Entity is the label given with WithEntity.
func (c *Cursor[T]) Entity() string {
	return c.entity
}

// Iterator returns a new consumer positioned before the first item.
func (c *Cursor[T]) Iterator() *Iterator[T] {
	return &Iterator[T]{c: c}
}

// at returns the item at pos, or the terminal state, or a channel to wait on.
func (c *Cursor[T]) at(pos int) (item T, ok bool, finished bool, err error, wait <-chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if pos < len(c.items) {
		return c.items[pos], true, false, nil, nil
	}
	if c.closed {
		return item, false, true, c.err, nil
	}
	return item, false, false, nil, c.changed
}

// Iterator is a forward-only consumer. It is not safe for concurrent use; give
// each goroutine its own.
type Iterator[T any] struct {
	c        *Cursor[T]
	pos      int
	cur      T
	err      error
	finished bool
}

// Next blocks until an item is available, the sequence ends, or ctx is done.
// It returns false at the end; Err then tells whether the end was a failure.
func (it *Iterator[T]) Next(ctx context.Context) bool {
	if it.finished {
		return false
	}
	for {
		item, ok, finished, err, wait := it.c.at(it.pos)
		if ok {
			it.cur = item
			it.pos++
			it.err = nil
			return true
		}
		if finished {
			it.finished = true
			it.err = err
			var zero T
			it.cur = zero
			return false
		}
		select {
		case <-wait:
		case <-ctx.Done():
			it.err = ctx.Err()
			return false
		}
	}
}

// Value is the item the last successful Next moved to.
func (it *Iterator[T]) Value() T {
	return it.cur
}

// Err is the failure that ended the iteration, or the context error that
// interrupted the last Next.
func (it *Iterator[T]) Err() error {
	return it.err
}

// Position is the number of items consumed.
func (it *Iterator[T]) Position() int {
	return it.pos
}
