package jit

import (
	"context"
	"iter"
)

// Collection is the read-only view handed to callers. It wraps exactly one
// Cursor; every traversal starts from the first buffered item.
type Collection[T any] struct {
	cursor *Cursor[T]
}

// NewCollection wraps c.
func NewCollection[T any](c *Cursor[T]) *Collection[T] {
	return &Collection[T]{cursor: c}
}

// Completed returns a collection already holding items and finished.
func Completed[T any](items ...T) *Collection[T] {
	c := NewCursor[T]()
	for _, item := range items {
		c.Push(item)
	}
	c.Complete()
	return NewCollection(c)
}

// Failed returns an empty collection that fails with err on the first advance.
func Failed[T any](err error) *Collection[T] {
	c := NewCursor[T]()
	c.Fail(err)
	return NewCollection(c)
}

// Iterator returns a fresh consumer.
func (col *Collection[T]) Iterator() *Iterator[T] {
	return col.cursor.Iterator()
}

// All ranges over the items. A failure is yielded last, with a zero item.
//
//	for user, err := range users.All(ctx) {
//		if err != nil {
//			return err
//		}
//		...
//	}
func (col *Collection[T]) All(ctx context.Context) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		it := col.cursor.Iterator()
		for it.Next(ctx) {
			if !yield(it.Value(), nil) {
				return
			}
		}
		if err := it.Err(); err != nil {
			var zero T
			yield(zero, err)
		}
	}
}

// Slice waits for the cursor to finish and returns every item. On failure it
// returns the items before the failure together with the error.
func (col *Collection[T]) Slice(ctx context.Context) ([]T, error) {
	var out []T
	it := col.cursor.Iterator()
	for it.Next(ctx) {
		out = append(out, it.Value())
	}
	return out, it.Err()
}

// First returns the first item. ok is false when the sequence is empty.
func (col *Collection[T]) First(ctx context.Context) (item T, ok bool, err error) {
	it := col.cursor.Iterator()
	if it.Next(ctx) {
		return it.Value(), true, nil
	}
	return item, false, it.Err()
}

// Len waits for the cursor to finish and returns the number of items.
func (col *Collection[T]) Len(ctx context.Context) (int, error) {
	select {
	case <-col.cursor.Done():
	case <-ctx.Done():
		return col.cursor.Buffered(), ctx.Err()
	}
	return col.cursor.Buffered(), col.cursor.Err()
}

// Done is closed once population has finished, successfully or not.
func (col *Collection[T]) Done() <-chan struct{} {
	return col.cursor.Done()
}

// Err is the population failure, if any, once Done is closed.
func (col *Collection[T]) Err() error {
	return col.cursor.Err()
}

// Entity is the entity name the collection resolves.
func (col *Collection[T]) Entity() string {
	return col.cursor.Entity()
}
