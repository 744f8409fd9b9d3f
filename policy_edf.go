package ksched

import (
	"time"
)

// EDF is the earliest deadline first policy. At most one EDF thread is
// released to the master scheduler at a time, the one with the earliest
// absolute deadline. The rest wait in the EDF ready queue, or, having
// finished their current job, in the EDF wait queue for their next period.
type EDF struct {
	k      *Kernel
	active *Thread
	ready  WaitQueue
	wait   WaitQueue
}

type edfParams struct {
	nextRun        time.Time
	activeDeadline time.Time
	periodAlarm    *Alarm
	deadlineAlarm  *Alarm
	period         time.Duration
	deadline       time.Duration
	overrunPolicy  OverrunPolicy
	overrun        bool
	skipped        bool
}

var _ Scheduler = (*EDF)(nil)

func (x *EDF) Init(k *Kernel) {
	x.k = k
	x.ready.Init("edf-ready")
	x.wait.Init("edf-wait")
}

func (x *EDF) ThreadAdd(t *Thread, _ int, param *SchedParam) error {
	if param == nil || !validEDF(&param.EDF) {
		return EINVAL
	}
	p := &edfParams{}
	p.periodAlarm = x.k.NewAlarm(func() { x.periodTick(t) })
	p.deadlineAlarm = x.k.NewAlarm(func() { x.deadlineTick(t) })
	t.params = p
	return nil
}

func validEDF(e *EDFParam) bool {
	return e.Period > 0 && e.Deadline > 0 && e.Deadline <= e.Period
}

func (x *EDF) ThreadRemove(t *Thread) {
	p := t.params.(*edfParams)
	p.periodAlarm.Disarm()
	p.deadlineAlarm.Disarm()
	if t.queue == &x.ready || t.queue == &x.wait {
		x.k.qRemove(t)
		if t.state == StateWait {
			x.k.wake(t)
		}
	}
	if x.active == t {
		x.active = nil
	}
	t.params = nil
	x.schedule()
}

func (*EDF) ThreadActivate(*Thread) {}

func (*EDF) ThreadDeactivate(*Thread) {}

func (x *EDF) SetParameters(t *Thread, param *SchedParam) error {
	switch param.EDF.Op {
	case EDFSet:
		return x.set(t, &param.EDF)
	case EDFWait:
		x.waitNext(t)
		return nil
	case EDFExit:
		return x.exit(t)
	default:
		return EINVAL
	}
}

func (x *EDF) GetParameters(t *Thread, param *SchedParam) {
	p := t.params.(*edfParams)
	param.EDF = EDFParam{
		NextRun:        p.nextRun,
		ActiveDeadline: p.activeDeadline,
		Period:         p.period,
		Deadline:       p.deadline,
		Overrun:        p.overrunPolicy,
	}
}

// set starts the first period of t, now.
func (x *EDF) set(t *Thread, e *EDFParam) error {
	if !validEDF(e) {
		return EINVAL
	}
	p := t.params.(*edfParams)
	if x.active == t {
		x.active = nil
	}
	now := x.k.clock.Now()
	p.period = e.Period
	p.deadline = e.Deadline
	p.overrunPolicy = e.Overrun
	p.overrun = false
	p.skipped = false
	p.nextRun = now
	p.activeDeadline = now.Add(p.deadline)
	p.periodAlarm.ArmPeriodic(p.period, p.period)
	p.deadlineAlarm.ArmAt(p.activeDeadline)

	logThread(x.k.log.Debug(), t).
		Dur(`period`, p.period).
		Dur(`deadline`, p.deadline).
		Stringer(`overrun`, p.overrunPolicy).
		Log(`edf: thread admitted`)

	x.k.enqueue(t, &x.ready, false, nil, nil)
	x.schedule()
	return nil
}

// waitNext finishes the current job of t, blocking it until the next period.
// A missed deadline is reported via errno, once t is next dispatched.
func (x *EDF) waitNext(t *Thread) {
	p := t.params.(*edfParams)
	now := x.k.clock.Now()

	missed := p.overrun || now.After(p.activeDeadline)
	p.overrun = false
	if missed && p.overrunPolicy == OverrunTerminate {
		x.terminate(t)
		return
	}

	// a skipped job already moved nextRun on
	if !p.skipped {
		p.nextRun = p.nextRun.Add(p.period)
	}
	p.skipped = false
	if missed && p.overrunPolicy == OverrunSkip {
		for p.nextRun.Before(now) {
			p.nextRun = p.nextRun.Add(p.period)
		}
	}
	p.activeDeadline = p.nextRun.Add(p.deadline)
	p.deadlineAlarm.ArmAt(p.activeDeadline)

	if x.active == t {
		x.active = nil
	}
	if p.nextRun.After(now) {
		x.k.enqueue(t, &x.wait, false, nil, nil)
	} else {
		x.k.enqueue(t, &x.ready, false, nil, nil)
	}
	if missed {
		t.top().errno = ETIMEDOUT
	}
	x.schedule()
}

// exit leaves the policy, returning ETIMEDOUT if the current job overran.
func (x *EDF) exit(t *Thread) error {
	p := t.params.(*edfParams)
	missed := p.overrun || x.k.clock.Now().After(p.activeDeadline)
	if err := x.k.changePolicy(t, PolicyFifo, nil); err != nil {
		return err
	}
	if missed {
		return ETIMEDOUT
	}
	return nil
}

// schedule releases the EDF thread with the earliest deadline to the master
// scheduler, demoting the previous one if it was released. The caller must
// reschedule.
func (x *EDF) schedule() {
	if a := x.active; a != nil && a.state != StateActive && a.state != StateReady {
		x.active = nil
	}

	var cand *Thread
	var candParams *edfParams
	for _, id := range x.ready.ids {
		t := x.k.mustThread(id)
		p := t.params.(*edfParams)
		if cand == nil || p.activeDeadline.Before(candParams.activeDeadline) {
			cand, candParams = t, p
		}
	}
	if cand == nil {
		return
	}

	if a := x.active; a != nil {
		if !candParams.activeDeadline.Before(a.params.(*edfParams).activeDeadline) {
			return
		}
		logThread(x.k.log.Trace(), a).
			Stringer(`by`, cand.id).
			Log(`edf: preempted by an earlier deadline`)
		x.k.enqueue(a, &x.ready, false, nil, nil)
	}

	x.k.qRemove(cand)
	x.k.moveToReady(cand, Last)
	x.active = cand
}

func (x *EDF) periodTick(t *Thread) {
	p := t.params.(*edfParams)
	if t.queue != &x.wait || p.nextRun.After(x.k.clock.Now()) {
		return
	}
	x.k.qRemove(t)
	x.k.qInsert(&x.ready, t, Last)
	x.schedule()
	x.k.schedule()
}

func (x *EDF) deadlineTick(t *Thread) {
	p := t.params.(*edfParams)
	p.overrun = true
	if x.k.metrics != nil {
		x.k.metrics.DeadlineOverruns++
	}
	logThread(x.k.log.Warning(), t).
		Time(`deadline`, p.activeDeadline).
		Stringer(`overrun`, p.overrunPolicy).
		Log(`edf: deadline missed`)
	switch p.overrunPolicy {
	case OverrunTerminate:
		x.terminate(t)
	case OverrunSkip:
		if t.queue != &x.wait {
			x.skip(t, p)
		}
	}
}

// skip abandons the overrun job of t, moving it to the first period that
// starts after now, so it competes with its next deadline.
func (x *EDF) skip(t *Thread, p *edfParams) {
	now := x.k.clock.Now()
	for !p.nextRun.After(now) {
		p.nextRun = p.nextRun.Add(p.period)
	}
	p.activeDeadline = p.nextRun.Add(p.deadline)
	p.deadlineAlarm.ArmAt(p.activeDeadline)
	p.skipped = true
	logThread(x.k.log.Debug(), t).
		Time(`deadline`, p.activeDeadline).
		Log(`edf: job skipped`)
	x.schedule()
	x.k.schedule()
}

// terminate force exits t, for missing its deadline. Exiting the caller
// does not return.
func (x *EDF) terminate(t *Thread) {
	self := t == x.k.active
	x.k.exitThread(t, ExitStatusTimedOut, true)
	if !self {
		x.k.schedule()
	}
}
