package ksched

import (
	"time"
)

// SchedPolicy identifies a secondary scheduling policy.
type SchedPolicy uint8

const (
	// PolicyFifo threads are governed by priority and arrival order alone.
	PolicyFifo SchedPolicy = iota
	// PolicyRoundRobin threads are time sliced, amongst peers of the same
	// priority.
	PolicyRoundRobin
	// PolicyEDF threads are periodic, and selected by earliest deadline.
	PolicyEDF

	numPolicies = iota
)

func (p SchedPolicy) String() string {
	switch p {
	case PolicyFifo:
		return "Fifo"
	case PolicyRoundRobin:
		return "RoundRobin"
	case PolicyEDF:
		return "EDF"
	default:
		return "Unknown"
	}
}

// EDFOp selects an EDF parameter setting sub-operation.
type EDFOp uint8

const (
	// EDFSet joins the policy.
	EDFSet EDFOp = iota + 1
	// EDFWait waits for the start of the next period.
	EDFWait
	// EDFExit leaves the policy, falling back to PolicyFifo.
	EDFExit
)

func (op EDFOp) String() string {
	switch op {
	case EDFSet:
		return "EDFSet"
	case EDFWait:
		return "EDFWait"
	case EDFExit:
		return "EDFExit"
	default:
		return "Unknown"
	}
}

// OverrunPolicy selects what happens when an EDF thread misses a deadline.
type OverrunPolicy uint8

const (
	// OverrunTerminate force exits the thread, with [ExitStatusTimedOut].
	OverrunTerminate OverrunPolicy = iota
	// OverrunContinue ignores the miss, which the next EDFWait reports.
	OverrunContinue
	// OverrunSkip advances to the next period immediately.
	OverrunSkip
)

func (p OverrunPolicy) String() string {
	switch p {
	case OverrunTerminate:
		return "Terminate"
	case OverrunContinue:
		return "Continue"
	case OverrunSkip:
		return "Skip"
	default:
		return "Unknown"
	}
}

type (
	// SchedParam is the parameter block for [Kernel.SetSchedParam] and
	// [Kernel.GetSchedParam].
	SchedParam struct {
		// EDF is only used by PolicyEDF.
		EDF EDFParam
		// RoundRobin is only used by PolicyRoundRobin, and is output only.
		RoundRobin RRParam
		// Priority is the master priority.
		Priority int
	}

	// EDFParam is the EDF specific part of a [SchedParam].
	EDFParam struct {
		// NextRun is the start of the next period (output only).
		NextRun time.Time
		// ActiveDeadline is the absolute deadline of the current period
		// (output only).
		ActiveDeadline time.Time
		// Period is how often the thread must run.
		Period time.Duration
		// Deadline is relative to the start of each period, in (0, Period].
		Deadline time.Duration
		// Op is the sub-operation.
		Op EDFOp
		// Overrun is the policy applied on a missed deadline.
		Overrun OverrunPolicy
	}

	// RRParam is the Round-Robin specific part of a [SchedParam].
	RRParam struct {
		// Remaining is the remaining time slice.
		Remaining time.Duration
		// Slice is the full time slice.
		Slice time.Duration
	}

	// Scheduler is a secondary scheduling policy, layered on the priority
	// based master scheduler. There is one instance per policy, per kernel.
	//
	// ThreadActivate and ThreadDeactivate are called exactly once per
	// transition to and from Active, respectively.
	Scheduler interface {
		Init(k *Kernel)
		ThreadAdd(t *Thread, priority int, param *SchedParam) error
		ThreadRemove(t *Thread)
		ThreadActivate(t *Thread)
		ThreadDeactivate(t *Thread)
		SetParameters(t *Thread, param *SchedParam) error
		GetParameters(t *Thread, param *SchedParam)
	}

	// Fifo is the no-op policy.
	Fifo struct{}
)

var _ Scheduler = (*Fifo)(nil)

func (*Fifo) Init(*Kernel) {}

func (*Fifo) ThreadAdd(*Thread, int, *SchedParam) error { return nil }

func (*Fifo) ThreadRemove(*Thread) {}

func (*Fifo) ThreadActivate(*Thread) {}

func (*Fifo) ThreadDeactivate(*Thread) {}

func (*Fifo) SetParameters(*Thread, *SchedParam) error { return nil }

func (*Fifo) GetParameters(*Thread, *SchedParam) {}

// SetSchedParam sets the master priority, and the secondary policy of t,
// then reschedules. The EDF sub-operations (see [EDFOp]) are only valid
// for the calling thread. EDFWait blocks until the next period begins,
// returning [ETIMEDOUT] if a deadline was missed.
func (k *Kernel) SetSchedParam(t *Thread, policy SchedPolicy, param *SchedParam) error {
	cur := k.current()
	switch {
	case t == nil:
		t = cur
	case t.state == StatePassive:
		return EALREADY
	}
	if param == nil {
		param = &SchedParam{Priority: t.priority}
	}
	if t == k.idle || param.Priority <= 0 || param.Priority >= len(k.ready) {
		return EINVAL
	}
	if policy >= numPolicies {
		return ENOTSUP
	}
	if policy == PolicyEDF {
		if t != cur {
			return ENOTSUP
		}
		if t.policy != PolicyEDF && param.EDF.Op != EDFSet {
			return EINVAL
		}
	}

	k.setPriority(t, param.Priority)

	var err error
	if policy != t.policy {
		err = k.changePolicy(t, policy, param)
	} else {
		err = k.policies[policy].SetParameters(t, param)
	}

	k.Schedule()

	if err == nil && policy == PolicyEDF && param.EDF.Op == EDFWait {
		// set if the deadline passed while waiting
		err = t.Errno().Err()
	}
	return err
}

// GetSchedParam returns the policy and parameters of t.
func (k *Kernel) GetSchedParam(t *Thread) (SchedPolicy, SchedParam) {
	param := SchedParam{Priority: t.priority}
	k.policies[t.policy].GetParameters(t, &param)
	return t.policy, param
}

func (k *Kernel) changePolicy(t *Thread, policy SchedPolicy, param *SchedParam) error {
	old := t.policy
	wasActive := t.policyActive
	t.policyActive = false
	k.policies[old].ThreadRemove(t)
	t.policy = policy
	t.params = nil
	if err := k.policies[policy].ThreadAdd(t, t.priority, param); err != nil {
		// restore
		t.policy = old
		k.assert(k.policies[old].ThreadAdd(t, t.priority, nil) == nil, "policy: failed to restore %s", old)
		if wasActive && t.state == StateActive {
			k.policyActivate(t)
		}
		return err
	}
	if wasActive && t.state == StateActive {
		k.policyActivate(t)
	}
	logThread(k.log.Debug(), t).
		Stringer(`from`, old).
		Stringer(`to`, policy).
		Log(`thread policy changed`)
	return k.policies[policy].SetParameters(t, param)
}
