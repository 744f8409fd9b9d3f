package ksync

import (
	"slices"
	"time"

	"github.com/joeycumines/go-ksched"
)

type (
	// MsgQueue is a bounded message queue, ordered by message priority
	// (highest first), then arrival order.
	MsgQueue struct {
		k         *ksched.Kernel
		senders   ksched.WaitQueue
		receivers ksched.WaitQueue
		msgs      []Message
		capacity  int
		// NonBlocking makes Send and Receive return EAGAIN rather than
		// block, while the queue is full or empty, respectively.
		NonBlocking bool
	}

	// Message is a queued message.
	Message struct {
		Data     any
		Priority int
	}
)

// NewMsgQueue returns an empty queue, holding at most capacity messages,
// which must be positive.
func NewMsgQueue(k *ksched.Kernel, capacity int) *MsgQueue {
	if capacity <= 0 {
		panic(`ksync: invalid message queue capacity`)
	}
	q := &MsgQueue{k: k, capacity: capacity}
	q.senders.Init("msgq-send")
	q.receivers.Init("msgq-receive")
	return q
}

// Send enqueues a message, blocking while the queue is full.
func (q *MsgQueue) Send(data any, priority int) error {
	return q.send(Message{Data: data, Priority: priority}, -1)
}

// TimedSend is [MsgQueue.Send], returning ETIMEDOUT if the message is not
// enqueued within timeout.
func (q *MsgQueue) TimedSend(data any, priority int, timeout time.Duration) error {
	if timeout < 0 {
		return ksched.EINVAL
	}
	return q.send(Message{Data: data, Priority: priority}, timeout)
}

func (q *MsgQueue) send(msg Message, timeout time.Duration) error {
	q.k.Current()

	if w := release(q.k, &q.receivers); w != nil {
		// receivers only wait while the queue is empty
		w.value = msg
		q.k.Schedule()
		return nil
	}

	if len(q.msgs) < q.capacity {
		q.insert(msg)
		return nil
	}

	switch {
	case q.NonBlocking:
		return ksched.EAGAIN
	case timeout == 0:
		return ksched.ETIMEDOUT
	}
	// the receiver that releases this sender enqueues msg on its behalf
	_, err := block(q.k, &q.senders, timeout, msg)
	return err
}

// Receive dequeues the highest priority message, blocking while the queue is
// empty.
func (q *MsgQueue) Receive() (Message, error) {
	return q.receive(-1)
}

// TimedReceive is [MsgQueue.Receive], returning ETIMEDOUT if no message
// arrives within timeout.
func (q *MsgQueue) TimedReceive(timeout time.Duration) (Message, error) {
	if timeout < 0 {
		return Message{}, ksched.EINVAL
	}
	return q.receive(timeout)
}

func (q *MsgQueue) receive(timeout time.Duration) (Message, error) {
	q.k.Current()

	if len(q.msgs) != 0 {
		msg := q.msgs[0]
		q.msgs = slices.Delete(q.msgs, 0, 1)
		if w := release(q.k, &q.senders); w != nil {
			q.insert(w.value.(Message))
			q.k.Schedule()
		}
		return msg, nil
	}

	switch {
	case q.NonBlocking:
		return Message{}, ksched.EAGAIN
	case timeout == 0:
		return Message{}, ksched.ETIMEDOUT
	}
	w, err := block(q.k, &q.receivers, timeout, nil)
	if err != nil {
		return Message{}, err
	}
	return w.value.(Message), nil
}

func (q *MsgQueue) insert(msg Message) {
	i := slices.IndexFunc(q.msgs, func(m Message) bool { return m.Priority < msg.Priority })
	if i < 0 {
		i = len(q.msgs)
	}
	q.msgs = slices.Insert(q.msgs, i, msg)
}

// Len returns the number of queued messages.
func (q *MsgQueue) Len() int { return len(q.msgs) }

// Cap returns the capacity.
func (q *MsgQueue) Cap() int { return q.capacity }
