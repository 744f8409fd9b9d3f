package ksched

import (
	"time"
)

// RoundRobin time slices threads of equal priority. A single alarm bounds
// the slice of whichever Round-Robin thread is Active.
type RoundRobin struct {
	k      *Kernel
	alarm  *Alarm
	active *Thread
}

type rrParams struct {
	start     time.Time
	remaining time.Duration
}

var _ Scheduler = (*RoundRobin)(nil)

func (x *RoundRobin) Init(k *Kernel) {
	x.k = k
	x.alarm = k.NewAlarm(x.expired)
}

func (x *RoundRobin) ThreadAdd(t *Thread, _ int, _ *SchedParam) error {
	t.params = &rrParams{remaining: x.k.timeSlice}
	return nil
}

func (x *RoundRobin) ThreadRemove(t *Thread) {
	if x.active == t {
		x.alarm.Disarm()
		x.active = nil
	}
	t.params = nil
}

func (x *RoundRobin) ThreadActivate(t *Thread) {
	p := t.params.(*rrParams)
	if p.remaining <= x.k.minTimeSlice {
		p.remaining = x.k.timeSlice
	}
	p.start = x.k.clock.Now()
	x.active = t
	x.alarm.Arm(p.remaining)
}

func (x *RoundRobin) ThreadDeactivate(t *Thread) {
	p := t.params.(*rrParams)
	if x.active == t {
		x.alarm.Disarm()
		x.active = nil
	}
	p.remaining -= x.k.clock.Now().Sub(p.start)
	if p.remaining >= x.k.minTimeSlice && t.state == StateActive {
		// preempted, resumes ahead of its peers, with the rest of its slice
		x.k.moveToReady(t, First)
	}
}

func (x *RoundRobin) SetParameters(*Thread, *SchedParam) error { return nil }

func (x *RoundRobin) GetParameters(t *Thread, param *SchedParam) {
	p := t.params.(*rrParams)
	param.RoundRobin = RRParam{Remaining: p.remaining, Slice: x.k.timeSlice}
	if x.active == t {
		param.RoundRobin.Remaining -= x.k.clock.Now().Sub(p.start)
	}
}

// expired is the alarm callback, fired when the active thread's slice is
// exhausted.
func (x *RoundRobin) expired() {
	t := x.active
	if t == nil {
		return
	}
	t.params.(*rrParams).remaining = 0
	if t.state == StateActive {
		x.k.moveToReady(t, Last)
		if x.k.metrics != nil {
			x.k.metrics.Preemptions++
		}
	}
	x.k.schedule()
}
