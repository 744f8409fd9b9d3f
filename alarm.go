package ksched

import (
	"container/heap"
	"time"
)

// Alarm is a reusable, in-order alarm, owned by a single [Kernel].
//
// Alarms fire at kernel entry points ([Kernel.Work], the idle thread, and
// [Kernel.Tick]), in order of their deadline, with ties broken by the order
// they were armed. The callback runs on the goroutine of whichever thread
// happened to enter the kernel, with the same serialization as any other
// kernel operation. Callbacks must not block, but may make threads ready,
// and request a reschedule by calling [Kernel.Schedule] (the switch is
// deferred until every due alarm has fired).
//
// All methods must be called from kernel context.
type Alarm struct {
	k      *Kernel
	fn     func()
	when   time.Time
	period time.Duration
	seq    uint64
	index  int // position in the alarm heap, or -1 if disarmed
}

// NewAlarm allocates a disarmed alarm that calls fn when it fires.
func (k *Kernel) NewAlarm(fn func()) *Alarm {
	if fn == nil {
		panic(`ksched: nil alarm callback`)
	}
	return &Alarm{k: k, fn: fn, index: -1}
}

// Arm (re)arms the alarm as a one-shot, to fire after d.
func (a *Alarm) Arm(d time.Duration) {
	a.ArmAt(a.k.clock.Now().Add(d))
}

// ArmAt (re)arms the alarm as a one-shot, to fire at t.
func (a *Alarm) ArmAt(t time.Time) {
	a.arm(t, 0)
}

// ArmPeriodic (re)arms the alarm to fire after first, then every period.
func (a *Alarm) ArmPeriodic(first, period time.Duration) {
	if period <= 0 {
		panic(`ksched: invalid alarm period`)
	}
	a.arm(a.k.clock.Now().Add(first), period)
}

func (a *Alarm) arm(when time.Time, period time.Duration) {
	a.Disarm()
	a.when = when
	a.period = period
	a.k.alarmSeq++
	a.seq = a.k.alarmSeq
	heap.Push(&a.k.alarms, a)
}

// Disarm cancels the alarm, returning true if it was armed.
func (a *Alarm) Disarm() bool {
	if a.index < 0 {
		return false
	}
	heap.Remove(&a.k.alarms, a.index)
	return true
}

// Armed reports whether the alarm is pending.
func (a *Alarm) Armed() bool { return a.index >= 0 }

// When returns the time the alarm will next fire, if it is armed.
func (a *Alarm) When() time.Time { return a.when }

// alarmHeap is a min-heap of alarms, ordered by deadline then arm order.
type alarmHeap []*Alarm

func (h alarmHeap) Len() int { return len(h) }

func (h alarmHeap) Less(i, j int) bool {
	if h[i].when.Equal(h[j].when) {
		return h[i].seq < h[j].seq
	}
	return h[i].when.Before(h[j].when)
}

func (h alarmHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *alarmHeap) Push(x any) {
	a := x.(*Alarm)
	a.index = len(*h)
	*h = append(*h, a)
}

func (h *alarmHeap) Pop() any {
	old := *h
	n := len(old)
	a := old[n-1]
	old[n-1] = nil
	a.index = -1
	*h = old[:n-1]
	return a
}

// nextAlarm returns the deadline of the earliest armed alarm.
func (k *Kernel) nextAlarm() (time.Time, bool) {
	if len(k.alarms) == 0 {
		return time.Time{}, false
	}
	return k.alarms[0].when, true
}

// fireAlarms runs the callbacks of all due alarms, in order, then performs
// any reschedule they requested. This is the kernel's interrupt path.
func (k *Kernel) fireAlarms() {
	if k.inInterrupt {
		return
	}
	k.inInterrupt = true
	now := k.clock.Now()
	for len(k.alarms) > 0 && !k.alarms[0].when.After(now) {
		a := heap.Pop(&k.alarms).(*Alarm)
		if a.period > 0 {
			a.when = a.when.Add(a.period)
			k.alarmSeq++
			a.seq = k.alarmSeq
			heap.Push(&k.alarms, a)
		}
		if k.metrics != nil {
			k.metrics.AlarmsFired++
		}
		a.fn()
	}
	k.inInterrupt = false
	if k.reschedule {
		k.reschedule = false
		k.schedule()
	}
}
