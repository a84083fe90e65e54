package jit

import (
	"context"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestEmptyCursorCompletesImmediately(t *testing.T) {
	c := NewCursor[int]()
	if err := c.Complete(); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	items, err := NewCollection(c).Slice(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(items) != 0 {
		t.Fatalf("expected no items, got %v", items)
	}
}

func TestConsumersSeePushOrder(t *testing.T) {
	c := NewCursor[int]()
	col := NewCollection(c)

	const n = 100
	const consumers = 4

	var wg sync.WaitGroup
	results := make([][]int, consumers)
	errs := make([]error, consumers)
	for i := 0; i < consumers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = col.Slice(context.Background())
		}(i)
	}

	want := make([]int, 0, n)
	for i := 0; i < n; i++ {
		want = append(want, i)
		if err := c.Push(i); err != nil {
			t.Fatalf("Push: %v", err)
		}
	}
	c.Complete()
	wg.Wait()

	for i := 0; i < consumers; i++ {
		if errs[i] != nil {
			t.Fatalf("consumer %d: %v", i, errs[i])
		}
		if diff := cmp.Diff(want, results[i]); diff != "" {
			t.Fatalf("consumer %d order mismatch (-want +got):\n%s", i, diff)
		}
	}

	again, _ := col.Slice(context.Background())
	if diff := cmp.Diff(want, again); diff != "" {
		t.Fatalf("re-traversal mismatch (-want +got):\n%s", diff)
	}
}

func TestFailureSurfacesAfterBufferedItems(t *testing.T) {
	boom := stderrors.New("invalid email")
	c := NewCursor[string]()
	c.Push("a")
	c.Push("b")
	c.Fail(boom)

	it := c.Iterator()
	var got []string
	for it.Next(context.Background()) {
		got = append(got, it.Value())
		if it.Err() != nil {
			t.Fatal("error visible before reaching the failure position")
		}
	}
	if diff := cmp.Diff([]string{"a", "b"}, got); diff != "" {
		t.Fatalf("items mismatch (-want +got):\n%s", diff)
	}
	if !stderrors.Is(it.Err(), boom) {
		t.Fatalf("expected boom, got %v", it.Err())
	}
	if it.Next(context.Background()) {
		t.Fatal("Next after failure should stay false")
	}
}

func TestConsumerWaitsForProducer(t *testing.T) {
	c := NewCursor[int]()
	it := c.Iterator()

	go func() {
		time.Sleep(10 * time.Millisecond)
		c.Push(7)
		c.Complete()
	}()

	if !it.Next(context.Background()) {
		t.Fatalf("expected an item, err=%v", it.Err())
	}
	if it.Value() != 7 {
		t.Fatalf("expected 7, got %d", it.Value())
	}
	if it.Next(context.Background()) {
		t.Fatal("expected end of sequence")
	}
	if it.Err() != nil {
		t.Fatalf("unexpected error: %v", it.Err())
	}
}

func TestNextHonoursContext(t *testing.T) {
	c := NewCursor[int]()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()

	it := c.Iterator()
	if it.Next(ctx) {
		t.Fatal("expected no item")
	}
	if !stderrors.Is(it.Err(), context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", it.Err())
	}

	c.Push(1)
	c.Complete()
	if !it.Next(context.Background()) || it.Value() != 1 {
		t.Fatal("iterator should resume after an interrupted wait")
	}
}

func TestProducerCannotWriteAfterTermination(t *testing.T) {
	c := NewCursor[int]()
	c.Complete()

	if err := c.Push(1); !stderrors.Is(err, ErrTerminated) {
		t.Fatalf("Push after complete: %v", err)
	}
	if err := c.Fail(stderrors.New("x")); !stderrors.Is(err, ErrTerminated) {
		t.Fatalf("Fail after complete: %v", err)
	}
	if err := c.Complete(); !stderrors.Is(err, ErrTerminated) {
		t.Fatalf("second Complete: %v", err)
	}
}

func TestFilterDropsItems(t *testing.T) {
	c := NewCursor(WithFilter[int](func(n int) bool { return n%2 == 0 }))
	for i := 0; i < 6; i++ {
		c.Push(i)
	}
	c.Complete()

	got, err := NewCollection(c).Slice(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if diff := cmp.Diff([]int{0, 2, 4}, got); diff != "" {
		t.Fatalf("filtered mismatch (-want +got):\n%s", diff)
	}
}
