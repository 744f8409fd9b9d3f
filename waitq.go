package ksched

import (
	"slices"
)

// WaitQueue is a FIFO of blocked threads, with no policy of its own. The
// zero value is an empty, unnamed queue. A thread is in at most one queue at
// a time, including the ready queues.
type WaitQueue struct {
	name  string
	ids   []ThreadID
	ready bool // one of the kernel's ready queues
}

// NewWaitQueue returns an empty queue. The name is informational.
func NewWaitQueue(name string) *WaitQueue {
	return &WaitQueue{name: name}
}

// Init (re)initializes the name of the zero value. It must be empty.
func (q *WaitQueue) Init(name string) {
	q.name = name
}

func (q *WaitQueue) Name() string {
	if q == nil {
		return ""
	}
	return q.name
}

// Len returns the number of queued threads.
func (q *WaitQueue) Len() int { return len(q.ids) }

// Threads returns a copy of the queued handles, head first.
func (q *WaitQueue) Threads() []ThreadID { return slices.Clone(q.ids) }

func (q *WaitQueue) push(id ThreadID, pos Position) {
	if pos == First {
		q.ids = slices.Insert(q.ids, 0, id)
	} else {
		q.ids = append(q.ids, id)
	}
}

func (q *WaitQueue) peek() (ThreadID, bool) {
	if len(q.ids) == 0 {
		return 0, false
	}
	return q.ids[0], true
}

func (q *WaitQueue) remove(id ThreadID) bool {
	i := slices.Index(q.ids, id)
	if i < 0 {
		return false
	}
	q.ids = slices.Delete(q.ids, i, i+1)
	return true
}

func (k *Kernel) mustThread(id ThreadID) *Thread {
	t := k.Thread(id)
	k.assert(t != nil, "stale thread handle %s", id)
	return t
}

func (k *Kernel) qInsert(q *WaitQueue, t *Thread, pos Position) {
	k.assert(t.queue == nil, "queue: thread %s is already in %s", t.id, t.queue.Name())
	q.push(t.id, pos)
	t.queue = q
}

func (k *Kernel) qRemove(t *Thread) {
	q := t.queue
	k.assert(q != nil, "queue: thread %s is not queued", t.id)
	k.assert(q.remove(t.id), "queue: thread %s missing from %s", t.id, q.name)
	t.queue = nil
}

// qPop removes and returns the head of q, or nil.
func (k *Kernel) qPop(q *WaitQueue) *Thread {
	id, ok := q.peek()
	if !ok {
		return nil
	}
	t := k.mustThread(id)
	k.assert(t.queue == q, "queue: thread %s back reference mismatch for %s", t.id, q.name)
	k.qRemove(t)
	return t
}

// Enqueue blocks t (nil for the caller) in q, in the Wait state. If
// interruptible, a signal may release it early, calling h (or, if nil, a
// handler that just dequeues it). Non-interruptible threads still have h
// called, if they exit while blocked. Blocking a thread that is already
// waiting moves it to q. The caller must reschedule.
func (k *Kernel) Enqueue(t *Thread, q *WaitQueue, interruptible bool, h InterruptHandler, param any) {
	cur := k.current()
	if t == nil {
		t = cur
	}
	k.enqueue(t, q, interruptible, h, param)
}

func (k *Kernel) enqueue(t *Thread, q *WaitQueue, interruptible bool, h InterruptHandler, param any) {
	k.assert(!q.ready, "enqueue: %s is a ready queue", q.name)
	switch t.state {
	case StateReady:
		k.removeFromReady(t)
	case StateActive:
	case StateWait:
		k.qRemove(t)
	default:
		k.fatalf("enqueue: thread %s is %s", t.id, t.state)
	}
	t.state = StateWait
	k.qInsert(q, t, Last)
	if h == nil && interruptible {
		h = dequeueInterrupt
	}
	t.interrupt = h
	t.interruptParam = param
	t.noInterrupt = !interruptible
	t.top().errno = 0
}

// dequeueInterrupt is the default interrupt handler.
func dequeueInterrupt(t *Thread, _ any) {
	if t.queue != nil && !t.queue.ready {
		t.k.qRemove(t)
	}
}

// Dequeue removes a Wait thread from its queue, without changing its state,
// for use by interrupt handlers.
func (k *Kernel) Dequeue(t *Thread) {
	if t.queue != nil && !t.queue.ready {
		k.qRemove(t)
	}
}

// Release wakes the oldest thread in q, returning it, or nil if q is empty.
// The caller must reschedule.
func (k *Kernel) Release(q *WaitQueue) *Thread {
	k.current()
	t := k.qPop(q)
	if t == nil {
		return nil
	}
	k.assert(t.state == StateWait, "release: thread %s is %s", t.id, t.state)
	k.wake(t)
	return t
}

// ReleaseAll wakes every thread in q, returning the number woken. The caller
// must reschedule.
func (k *Kernel) ReleaseAll(q *WaitQueue) int {
	var n int
	for k.Release(q) != nil {
		n++
	}
	return n
}

// Wake releases a specific blocked (Wait or Suspended) thread, removing it
// from its queue, without calling its interrupt handler, e.g. on a timeout.
// The caller must reschedule.
func (k *Kernel) Wake(t *Thread) {
	k.current()
	k.assert(t.state == StateWait || t.state == StateSuspended, "wake: thread %s is %s", t.id, t.state)
	k.Dequeue(t)
	k.wake(t)
}

// SetInterruptHandler replaces the interrupt handler of a blocked thread.
func (k *Kernel) SetInterruptHandler(t *Thread, h InterruptHandler, param any) {
	t.interrupt = h
	t.interruptParam = param
}

// SetInterruptible overrides whether a blocked thread may be interrupted by
// signals, e.g. for the critical section of a wake up. Release restores it.
func (k *Kernel) SetInterruptible(t *Thread, interruptible bool) {
	t.noInterrupt = !interruptible
}

// canInterrupt reports whether a signal may be delivered to t now.
func (k *Kernel) canInterrupt(t *Thread) bool {
	switch t.state {
	case StateActive, StateReady:
		return true
	case StateWait, StateSuspended:
		return t.interrupt != nil && !t.noInterrupt
	default:
		return false
	}
}
