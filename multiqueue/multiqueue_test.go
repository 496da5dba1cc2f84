package multiqueue

import (
	"errors"
	"sync"
	"testing"
	"time"
)

func mustQueue[T any](t *testing.T, m *Multi[T]) *Queue[T] {
	t.Helper()

	q, err := m.NewQueue()
	if err != nil {
		t.Fatal(err)
	}
	return q
}

func TestFairRoundRobin(t *testing.T) {
	const queueNo = 4

	m := NewFair[int](nil)
	var queues [queueNo]*Queue[int]
	for i := 0; i < queueNo; i++ {
		queues[i] = mustQueue(t, m)
		for j := 0; j < 3; j++ {
			if err := queues[i].Add(i); err != nil {
				t.Fatal(err)
			}
		}
	}

	// With every sub-queue continuously non-empty, a round of Gets must serve
	// each sub-queue exactly once before any is served twice.
	for round := 0; round < 3; round++ {
		var seen [queueNo]bool
		for i := 0; i < queueNo; i++ {
			item, err := m.Get()
			if err != nil {
				t.Fatal(err)
			}
			if seen[item] {
				t.Fatalf("sub-queue %d served twice in round %d", item, round)
			}
			seen[item] = true
		}
	}
}

func TestUnfairDrainsInCreationOrder(t *testing.T) {
	m := NewUnfair[string](nil)

	first := mustQueue(t, m)
	second := mustQueue(t, m)

	for i := 0; i < 2; i++ {
		if err := first.Add("first"); err != nil {
			t.Fatal(err)
		}
		if err := second.Add("second"); err != nil {
			t.Fatal(err)
		}
	}

	want := []string{"first", "first", "second", "second"}
	for i, expect := range want {
		item, err := m.Get()
		if err != nil {
			t.Fatal(err)
		}
		if item != expect {
			t.Fatalf("item %d: got %q, expected %q", i, item, expect)
		}
	}
}

func TestShutdownWakesBlockedGets(t *testing.T) {
	const waiterNo = 8

	m := NewFair[int](nil)
	q := mustQueue(t, m)

	var wg sync.WaitGroup
	errCh := make(chan error, 2*waiterNo)

	for i := 0; i < waiterNo; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, err := m.Get()
			errCh <- err
		}()
		go func() {
			defer wg.Done()
			_, err := q.Get()
			errCh <- err
		}()
	}

	time.Sleep(50 * time.Millisecond)
	m.Shutdown()
	m.Shutdown() // idempotent

	wg.Wait()
	close(errCh)
	for err := range errCh {
		if !errors.Is(err, ErrShutdown) {
			t.Fatalf("expected ErrShutdown, got %v", err)
		}
	}

	if err := q.Add(23); !errors.Is(err, ErrShutdown) {
		t.Fatalf("Add after Shutdown: got %v", err)
	}
	if _, err := m.NewQueue(); !errors.Is(err, ErrShutdown) {
		t.Fatalf("NewQueue after Shutdown: got %v", err)
	}
}

func TestDisableRemoveUnblocksGet(t *testing.T) {
	m := NewFair[int](nil)
	mustQueue(t, m)

	errCh := make(chan error)
	go func() {
		_, err := m.Get()
		errCh <- err
	}()

	time.Sleep(50 * time.Millisecond)
	if err := m.Disable(OpRemove); err != nil {
		t.Fatal(err)
	}

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrDisabled) {
			t.Fatalf("expected ErrDisabled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("blocked Get was not woken by Disable")
	}

	if err := m.Enable(OpRemove); err != nil {
		t.Fatal(err)
	}
	m.Shutdown()
}

func TestDisableAdd(t *testing.T) {
	m := NewUnfair[int](nil)
	q := mustQueue(t, m)

	if err := m.Disable(OpAdd); err != nil {
		t.Fatal(err)
	}
	if err := q.Add(4); !errors.Is(err, ErrDisabled) {
		t.Fatalf("Add on add-disabled Multi: got %v", err)
	}
	if _, err := m.NewQueue(); !errors.Is(err, ErrDisabled) {
		t.Fatalf("NewQueue on add-disabled Multi: got %v", err)
	}

	if err := m.Enable(OpAdd); err != nil {
		t.Fatal(err)
	}
	if err := q.Add(4); err != nil {
		t.Fatal(err)
	}
}

func TestQueueDisableRemoveIsSkippedByMultiGet(t *testing.T) {
	m := NewFair[int](nil)
	blocked := mustQueue(t, m)
	open := mustQueue(t, m)

	if err := blocked.Add(1); err != nil {
		t.Fatal(err)
	}
	if err := open.Add(2); err != nil {
		t.Fatal(err)
	}
	if err := blocked.Disable(OpRemove); err != nil {
		t.Fatal(err)
	}

	item, err := m.Get()
	if err != nil {
		t.Fatal(err)
	}
	if item != 2 {
		t.Fatalf("Get served the remove-disabled sub-queue: got %d", item)
	}

	if _, err := blocked.Get(); !errors.Is(err, ErrDisabled) {
		t.Fatalf("Get on remove-disabled sub-queue: got %v", err)
	}

	// Re-enabling must wake a Get blocked on the Multi.
	errCh := make(chan error)
	itemCh := make(chan int)
	go func() {
		item, err := m.Get()
		errCh <- err
		itemCh <- item
	}()

	time.Sleep(50 * time.Millisecond)
	if err := blocked.Enable(OpRemove); err != nil {
		t.Fatal(err)
	}
	if err := <-errCh; err != nil {
		t.Fatal(err)
	}
	if item := <-itemCh; item != 1 {
		t.Fatalf("expected item 1 after Enable, got %d", item)
	}
}

func TestCountInvariant(t *testing.T) {
	check := func(m *Multi[int], queues ...*Queue[int]) {
		t.Helper()

		var sum uint64
		for _, q := range queues {
			sum += q.Count()
		}
		if total := m.Count(); total != sum {
			t.Fatalf("Multi count %d != sum of sub-queue counts %d", total, sum)
		}
	}

	m := NewFair[int](nil)
	a := mustQueue(t, m)
	b := mustQueue(t, m)

	for i := 0; i < 10; i++ {
		if err := a.Add(i); err != nil {
			t.Fatal(err)
		}
		check(m, a, b)
	}
	for i := 0; i < 5; i++ {
		if err := b.Add(i); err != nil {
			t.Fatal(err)
		}
		if _, err := m.Get(); err != nil {
			t.Fatal(err)
		}
		check(m, a, b)
	}

	b.Destroy()
	check(m, a)

	if err := m.PushBack(42); err != nil {
		t.Fatal(err)
	}
	check(m, a)
	if item, err := m.Get(); err != nil || item != 42 {
		t.Fatalf("PushBack item not returned first: %d, %v", item, err)
	}
}

func TestMovePreservesItems(t *testing.T) {
	src := NewFair[int](nil)
	dst := NewFair[int](nil)

	q := mustQueue(t, src)
	other := mustQueue(t, src)
	for i := 0; i < 7; i++ {
		if err := q.Add(i); err != nil {
			t.Fatal(err)
		}
	}
	if err := other.Add(100); err != nil {
		t.Fatal(err)
	}

	if err := dst.Move(q); err != nil {
		t.Fatal(err)
	}

	if count := src.Count(); count != 1 {
		t.Fatalf("source count after Move: got %d, expected 1", count)
	}
	if count := dst.Count(); count != 7 {
		t.Fatalf("destination count after Move: got %d, expected 7", count)
	}

	for i := 0; i < 7; i++ {
		item, err := dst.Get()
		if err != nil {
			t.Fatal(err)
		}
		if item != i {
			t.Fatalf("item %d: got %d", i, item)
		}
	}

	// Moving onto the current owner is a no-op.
	if err := dst.Move(q); err != nil {
		t.Fatal(err)
	}
}

func TestMoveRejectsForeignDrop(t *testing.T) {
	src := NewFair(func(int) {})
	dst := NewFair(func(int) {})

	q := mustQueue(t, src)
	if err := dst.Move(q); !errors.Is(err, ErrIllegal) {
		t.Fatalf("Move between incompatible Multis: got %v", err)
	}
}

func TestMoveWakesQueueWaiter(t *testing.T) {
	src := NewFair[int](nil)
	dst := NewFair[int](nil)
	q := mustQueue(t, src)

	itemCh := make(chan int)
	go func() {
		item, err := q.Get()
		if err != nil {
			itemCh <- -1
			return
		}
		itemCh <- item
	}()

	time.Sleep(50 * time.Millisecond)
	if err := dst.Move(q); err != nil {
		t.Fatal(err)
	}
	if err := q.Add(7); err != nil {
		t.Fatal(err)
	}

	select {
	case item := <-itemCh:
		if item != 7 {
			t.Fatalf("waiter got %d, expected 7", item)
		}
	case <-time.After(time.Second):
		t.Fatal("sub-queue waiter did not follow the Move")
	}
}

func TestDestroyDropsItems(t *testing.T) {
	dropped := make(map[int]bool)
	m := NewUnfair(func(i int) { dropped[i] = true })

	q := mustQueue(t, m)
	for i := 0; i < 3; i++ {
		if err := q.Add(i); err != nil {
			t.Fatal(err)
		}
	}

	m.Shutdown()
	m.Destroy()

	for i := 0; i < 3; i++ {
		if !dropped[i] {
			t.Fatalf("item %d was not dropped on Destroy", i)
		}
	}
}

func TestPushBackWithoutQueues(t *testing.T) {
	m := NewFair[int](nil)
	if err := m.PushBack(1); !errors.Is(err, ErrIllegal) {
		t.Fatalf("PushBack on empty Multi: got %v", err)
	}
}

func TestConcurrentProducersConsumers(t *testing.T) {
	const (
		queueNo = 8
		itemNo  = 200
	)

	m := NewFair[int](nil)
	var queues [queueNo]*Queue[int]
	for i := range queues {
		queues[i] = mustQueue(t, m)
	}

	var wg sync.WaitGroup
	for i := range queues {
		wg.Add(1)
		go func(q *Queue[int]) {
			defer wg.Done()
			for j := 0; j < itemNo; j++ {
				if err := q.Add(j); err != nil {
					t.Error(err)
					return
				}
			}
		}(queues[i])
	}

	got := make(chan struct{}, queueNo*itemNo)
	var consumers sync.WaitGroup
	for i := 0; i < 4; i++ {
		consumers.Add(1)
		go func() {
			defer consumers.Done()
			for {
				if _, err := m.Get(); err != nil {
					return
				}
				got <- struct{}{}
			}
		}()
	}

	wg.Wait()
	for i := 0; i < queueNo*itemNo; i++ {
		select {
		case <-got:
		case <-time.After(5 * time.Second):
			t.Fatal("consumers stalled")
		}
	}

	m.Shutdown()
	consumers.Wait()

	if count := m.Count(); count != 0 {
		t.Fatalf("count after draining: got %d", count)
	}
}
