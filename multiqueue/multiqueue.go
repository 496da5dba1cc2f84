// Package multiqueue implements sets of sub-queues that work together as a
// single queue. Sub-queues can be created, destroyed and moved between
// multiqueues at runtime, while producers and consumers stay blocked on
// whatever end they are working on.
package multiqueue

import (
	"errors"
	"reflect"
	"sync"
	"sync/atomic"
)

var (
	// ErrShutdown is returned when the multiqueue was shut down.
	ErrShutdown = errors.New("multiqueue: shut down")

	// ErrDisabled is returned when the requested operation is administratively disabled.
	ErrDisabled = errors.New("multiqueue: operation disabled")

	// ErrIllegal is returned on caller misuse, e.g., moving a sub-queue between
	// multiqueues with different drop functions.
	ErrIllegal = errors.New("multiqueue: illegal operation")
)

// Op selects which part of a multiqueue's or sub-queue's functionality an
// Enable or Disable call applies to.
type Op int

const (
	OpAdd Op = 1 << iota
	OpRemove

	OpBoth = OpAdd | OpRemove
)

// seqCounter creates the stable ordering used to lock two Multis at once.
var seqCounter uint64

// Multi is a queue of sub-queues. All sub-queues share their owner's lock and
// condition; a fair Multi serves its sub-queues round-robin, an unfair one in
// their creation order.
type Multi[T any] struct {
	mu   sync.Mutex
	cond *sync.Cond
	seq  uint64

	count  uint64
	queues []*Queue[T]
	drop   func(T)

	disableAdd    bool
	disableRemove bool
	shutdown      bool
	fair          bool
}

// Queue is a single sub-queue. It is owned by exactly one Multi at a time and
// every mutation happens under the current owner's lock.
type Queue[T any] struct {
	owner atomic.Pointer[Multi[T]]

	count uint64
	items []T

	disableAdd    bool
	disableRemove bool
}

func newMulti[T any](drop func(T), fair bool) *Multi[T] {
	m := &Multi[T]{
		drop: drop,
		fair: fair,
		seq:  atomic.AddUint64(&seqCounter, 1),
	}
	m.cond = sync.NewCond(&m.mu)
	return m
}

// NewFair creates a fair Multi which drains its sub-queues in a round-robin
// fashion. The drop function is used to dispose of items still enqueued when a
// sub-queue or the Multi itself is destroyed; it may be nil.
func NewFair[T any](drop func(T)) *Multi[T] {
	return newMulti(drop, true)
}

// NewUnfair creates an unfair Multi which drains all items from its first
// sub-queue before draining items from subsequent sub-queues.
func NewUnfair[T any](drop func(T)) *Multi[T] {
	return newMulti(drop, false)
}

// Shutdown unblocks all operations on this Multi and makes it unusable.
// Generally a prelude to Destroy. Shutdown is idempotent and irreversible.
func (m *Multi[T]) Shutdown() {
	m.mu.Lock()
	if !m.shutdown {
		m.shutdown = true
		m.cond.Broadcast()
	}
	m.mu.Unlock()
}

// Disable turns off parts of this Multi's functionality. Disabling OpAdd also
// refuses new sub-queues; disabling OpRemove unblocks Get calls on this Multi,
// but not on its sub-queues.
func (m *Multi[T]) Disable(which Op) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.shutdown {
		return ErrShutdown
	}
	if which&OpAdd != 0 {
		m.disableAdd = true
	}
	if which&OpRemove != 0 && !m.disableRemove {
		m.disableRemove = true
		m.cond.Broadcast()
	}
	return nil
}

// Enable reinstates functionality previously turned off with Disable.
func (m *Multi[T]) Enable(which Op) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.shutdown {
		return ErrShutdown
	}
	if which&OpAdd != 0 {
		m.disableAdd = false
	}
	if which&OpRemove != 0 && m.disableRemove {
		m.disableRemove = false
		if m.count != 0 {
			m.cond.Broadcast()
		}
	}
	return nil
}

// Destroy releases this Multi and all owned sub-queues, dropping any items
// still enqueued. The Multi must have been shut down before.
func (m *Multi[T]) Destroy() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.shutdown {
		panic("multiqueue: Destroy without Shutdown")
	}
	for _, q := range m.queues {
		q.dropAll(m.drop)
	}
	m.queues = nil
	m.count = 0
}

// NewQueue creates a new sub-queue owned by this Multi.
func (m *Multi[T]) NewQueue() (*Queue[T], error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.shutdown {
		return nil, ErrShutdown
	}
	if m.disableAdd {
		return nil, ErrDisabled
	}

	q := &Queue[T]{}
	q.owner.Store(m)
	m.queues = append(m.queues, q)
	return q, nil
}

// Get removes the oldest item from the first non-empty sub-queue in scan
// order, blocking while no item is available. Sub-queues whose remove side is
// disabled are skipped. On a fair Multi the serving sub-queue is rotated to
// the back of the scan order.
func (m *Multi[T]) Get() (item T, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for {
		if m.shutdown {
			err = ErrShutdown
			return
		}
		if m.disableRemove {
			err = ErrDisabled
			return
		}

		for i, q := range m.queues {
			if q.count == 0 || q.disableRemove {
				continue
			}
			item = q.pop()
			m.count--
			if m.fair {
				m.queues = append(append(m.queues[:i:i], m.queues[i+1:]...), q)
			}
			return
		}

		m.cond.Wait()
	}
}

// PushBack puts an item onto the sub-queue at the front of the scan order,
// such that it will be the next item returned by Get. It fails with ErrIllegal
// if the Multi has no sub-queues.
func (m *Multi[T]) PushBack(item T) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.shutdown {
		return ErrShutdown
	}
	if len(m.queues) == 0 {
		return ErrIllegal
	}

	q := m.queues[0]
	if m.disableAdd || q.disableAdd {
		return ErrDisabled
	}

	q.pushFront(item)
	if q.count == 1 {
		m.cond.Broadcast()
	}
	m.count++
	return nil
}

// Count reports the total number of items over all sub-queues.
func (m *Multi[T]) Count() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.count
}

// Move reparents the sub-queue q from its current Multi to m, transferring its
// pending items. Both Multis must share the same drop function. Moving a
// sub-queue onto its current owner is a no-op.
func (m *Multi[T]) Move(q *Queue[T]) error {
	var om *Multi[T]

	// Locks are taken in creation-sequence order to avoid deadlocking against
	// a concurrent Move in the opposite direction. The owner is re-validated
	// after acquisition; when it changed in between, start over.
	for {
		om = q.owner.Load()
		if om == m {
			return nil
		}

		first, second := om, m
		if first.seq > second.seq {
			first, second = second, first
		}
		first.mu.Lock()
		second.mu.Lock()

		if q.owner.Load() == om {
			break
		}
		second.mu.Unlock()
		first.mu.Unlock()
	}
	defer om.mu.Unlock()
	defer m.mu.Unlock()

	if !sameDrop(m.drop, om.drop) {
		return ErrIllegal
	}

	for i, found := range om.queues {
		if found == q {
			om.queues = append(om.queues[:i:i], om.queues[i+1:]...)
			break
		}
	}
	om.count -= q.count

	if m.count == 0 && q.count != 0 {
		m.cond.Broadcast()
	}
	m.count += q.count
	m.queues = append(m.queues, q)
	q.owner.Store(m)

	// Waiters blocked on the old owner must observe the ownership change.
	om.cond.Broadcast()

	return nil
}

// sameDrop reports whether two drop functions are the same capability.
func sameDrop[T any](a, b func(T)) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return reflect.ValueOf(a).Pointer() == reflect.ValueOf(b).Pointer()
}

// lockOwner locks the sub-queue's current owner, re-validating ownership after
// acquisition as the owner can change concurrently through Move.
func (q *Queue[T]) lockOwner() *Multi[T] {
	for {
		m := q.owner.Load()
		m.mu.Lock()
		if q.owner.Load() == m {
			return m
		}
		m.mu.Unlock()
	}
}

func (q *Queue[T]) pop() (item T) {
	item = q.items[0]
	var zero T
	q.items[0] = zero
	q.items = q.items[1:]
	q.count--
	return
}

func (q *Queue[T]) pushFront(item T) {
	q.items = append([]T{item}, q.items...)
	q.count++
}

func (q *Queue[T]) dropAll(drop func(T)) {
	if drop != nil {
		for _, item := range q.items {
			drop(item)
		}
	}
	q.items = nil
	q.count = 0
}

// Disable turns off parts of this sub-queue's functionality. Disabling
// OpRemove unblocks Get calls on this sub-queue.
func (q *Queue[T]) Disable(which Op) error {
	m := q.lockOwner()
	defer m.mu.Unlock()

	if m.shutdown {
		return ErrShutdown
	}
	if which&OpAdd != 0 {
		q.disableAdd = true
	}
	if which&OpRemove != 0 && !q.disableRemove {
		q.disableRemove = true
		m.cond.Broadcast()
	}
	return nil
}

// Enable reinstates functionality previously turned off with Disable.
func (q *Queue[T]) Enable(which Op) error {
	m := q.lockOwner()
	defer m.mu.Unlock()

	if m.shutdown {
		return ErrShutdown
	}
	if which&OpAdd != 0 {
		q.disableAdd = false
	}
	if which&OpRemove != 0 && q.disableRemove {
		q.disableRemove = false
		if q.count != 0 {
			m.cond.Broadcast()
		}
	}
	return nil
}

// Destroy removes this sub-queue from its owning Multi, dropping any items
// still enqueued. The sub-queue must not be used afterwards.
func (q *Queue[T]) Destroy() {
	m := q.lockOwner()
	defer m.mu.Unlock()

	for i, found := range m.queues {
		if found == q {
			m.queues = append(m.queues[:i:i], m.queues[i+1:]...)
			break
		}
	}
	m.count -= q.count
	q.dropAll(m.drop)
}

func (q *Queue[T]) add(item T, front bool) error {
	m := q.lockOwner()
	defer m.mu.Unlock()

	if m.shutdown {
		return ErrShutdown
	}
	if m.disableAdd || q.disableAdd {
		return ErrDisabled
	}

	if front {
		q.pushFront(item)
	} else {
		q.items = append(q.items, item)
		q.count++
	}
	if q.count == 1 {
		m.cond.Broadcast()
	}
	m.count++
	return nil
}

// Add enqueues an item at the tail of this sub-queue.
func (q *Queue[T]) Add(item T) error {
	return q.add(item, false)
}

// PushBack puts an item back at the head of this sub-queue, such that the next
// Get on the sub-queue or its Multi will return it.
func (q *Queue[T]) PushBack(item T) error {
	return q.add(item, true)
}

// Get removes the oldest item from this sub-queue, blocking while the
// sub-queue is empty. A Get on a sub-queue is unblocked by per-queue or global
// shutdown and by disabling the sub-queue's remove side, but not by disabling
// the owning Multi's.
func (q *Queue[T]) Get() (item T, err error) {
	var m *Multi[T]

reacquire:
	for {
		m = q.lockOwner()

		for !m.shutdown && !q.disableRemove && q.count == 0 {
			m.cond.Wait()

			// The sub-queue may have moved to a different Multi while
			// waiting; if so, chase it.
			if q.owner.Load() != m {
				m.mu.Unlock()
				continue reacquire
			}
		}
		break
	}
	defer m.mu.Unlock()

	if m.shutdown {
		err = ErrShutdown
		return
	}
	if q.disableRemove {
		err = ErrDisabled
		return
	}

	item = q.pop()
	m.count--
	if m.fair {
		for i, found := range m.queues {
			if found == q {
				m.queues = append(append(m.queues[:i:i], m.queues[i+1:]...), q)
				break
			}
		}
	}
	return
}

// Count reports the number of items in this sub-queue.
func (q *Queue[T]) Count() uint64 {
	m := q.lockOwner()
	defer m.mu.Unlock()
	return q.count
}
