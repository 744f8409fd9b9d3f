package ksched

import (
	"fmt"
	"math/bits"
	"slices"
	"strings"
	"time"
)

// NumSignals is the size of the signal number space. Valid signals are in
// [1, NumSignals).
const NumSignals = 32

// Signal is a signal number.
type Signal int

const (
	SigHup  Signal = 1
	SigInt  Signal = 2
	SigQuit Signal = 3
	// SigKill cannot be caught, blocked, or ignored, and force exits the
	// target with [ExitStatusKilled].
	SigKill Signal = 9
	SigUsr1 Signal = 10
	SigUsr2 Signal = 12
	SigAlrm Signal = 14
	SigTerm Signal = 15
	SigChld Signal = 17
)

var signalNames = map[Signal]string{
	SigHup:  "SIGHUP",
	SigInt:  "SIGINT",
	SigQuit: "SIGQUIT",
	SigKill: "SIGKILL",
	SigUsr1: "SIGUSR1",
	SigUsr2: "SIGUSR2",
	SigAlrm: "SIGALRM",
	SigTerm: "SIGTERM",
	SigChld: "SIGCHLD",
}

func (s Signal) String() string {
	if name, ok := signalNames[s]; ok {
		return name
	}
	return fmt.Sprintf("SIG%d", int(s))
}

func (s Signal) valid() bool { return s > 0 && s < NumSignals }

// SigSet is a set of signals, one bit per signal number.
type SigSet uint64

// SigSetOf returns the set containing sigs. Invalid signals are ignored.
func SigSetOf(sigs ...Signal) SigSet {
	var s SigSet
	for _, sig := range sigs {
		s = s.Add(sig)
	}
	return s
}

func (s SigSet) Has(sig Signal) bool {
	return sig.valid() && s&(1<<uint(sig)) != 0
}

func (s SigSet) Add(sig Signal) SigSet {
	if !sig.valid() {
		return s
	}
	return s | 1<<uint(sig)
}

func (s SigSet) Del(sig Signal) SigSet {
	if !sig.valid() {
		return s
	}
	return s &^ (1 << uint(sig))
}

// Signals returns the members, in ascending order.
func (s SigSet) Signals() []Signal {
	var sigs []Signal
	for v := uint64(s); v != 0; v &= v - 1 {
		sigs = append(sigs, Signal(bits.TrailingZeros64(v)))
	}
	return sigs
}

func (s SigSet) String() string {
	var b strings.Builder
	b.WriteByte('{')
	for i, sig := range s.Signals() {
		if i != 0 {
			b.WriteByte(',')
		}
		b.WriteString(sig.String())
	}
	b.WriteByte('}')
	return b.String()
}

// SigCode describes the origin of a signal.
type SigCode uint8

const (
	// SiUser signals were sent by [Kernel.Kill].
	SiUser SigCode = iota
	// SiQueue signals were sent by [Kernel.Sigqueue].
	SiQueue
	// SiKernel signals were raised by the kernel, e.g. from an alarm.
	SiKernel
)

// SigHow selects the operation performed by [Kernel.SigProcMask].
type SigHow uint8

const (
	SigBlock SigHow = iota
	SigUnblock
	SigSetMask
)

type (
	// SigInfo describes a signal instance. Handlers receive a copy.
	SigInfo struct {
		// Value is the value passed to [Kernel.Sigqueue].
		Value  any
		Signo  Signal
		Sender ThreadID
		Code   SigCode
	}

	// SigAction is the disposition of a signal, shared by every thread of a
	// kernel. With neither a Handler nor Ignore, the default action is to
	// discard the signal on delivery.
	SigAction struct {
		// Handler runs as a pushed state, on top of the interrupted flow of
		// the target thread.
		Handler func(SigInfo)
		// Mask is blocked, in addition to the signal itself, while Handler
		// runs.
		Mask SigSet
		// Ignore discards the signal when it is sent, even if it is blocked.
		Ignore bool
	}

	sigwaitState struct {
		alarm *Alarm
		info  SigInfo
		set   SigSet
		got   bool
	}
)

// Sigaction sets the action for sig, if act is non-nil, returning the
// previous action. Ignoring a signal discards any pending instances of it.
func (k *Kernel) Sigaction(sig Signal, act *SigAction) (SigAction, error) {
	if !sig.valid() || sig == SigKill {
		return SigAction{}, EINVAL
	}
	old := k.actions[sig]
	if act == nil {
		return old, nil
	}
	k.actions[sig] = *act
	if act.Ignore {
		for _, t := range k.threads.All() {
			t.pending = slices.DeleteFunc(t.pending, func(info SigInfo) bool {
				return info.Signo == sig
			})
		}
	}
	return old, nil
}

// SigProcMask changes the signal mask of the caller, returning the previous
// mask. SigKill is never blocked. Unblocked pending signals are delivered
// before it returns.
func (k *Kernel) SigProcMask(how SigHow, set SigSet) (SigSet, error) {
	t := k.current()
	old := t.mask
	switch how {
	case SigBlock:
		t.mask |= set
	case SigUnblock:
		t.mask &^= set
	case SigSetMask:
		t.mask = set
	default:
		return old, EINVAL
	}
	t.mask = t.mask.Del(SigKill)
	k.processPending(t)
	k.Schedule()
	return old, nil
}

// Kill sends sig to the thread. A zero sig only checks the thread exists.
func (k *Kernel) Kill(id ThreadID, sig Signal) error {
	return k.sendSignal(id, SigInfo{Signo: sig, Code: SiUser})
}

// Sigqueue sends sig to the thread, along with a value.
func (k *Kernel) Sigqueue(id ThreadID, sig Signal, value any) error {
	return k.sendSignal(id, SigInfo{Signo: sig, Code: SiQueue, Value: value})
}

func (k *Kernel) sendSignal(id ThreadID, info SigInfo) error {
	cur := k.current()
	if info.Signo != 0 && !info.Signo.valid() {
		return EINVAL
	}
	t := k.Thread(id)
	switch {
	case t == nil || t.state == StatePassive:
		return ESRCH
	case t == k.idle:
		return EPERM
	case info.Signo == 0:
		return nil
	}
	info.Sender = cur.id
	k.deliver(t, info)
	k.Schedule()
	return nil
}

// Raise sends a kernel originated signal to t, e.g. from an alarm callback.
// The caller must reschedule.
func (k *Kernel) Raise(t *Thread, sig Signal) {
	k.assert(sig.valid(), "raise: invalid signal %d", sig)
	k.deliver(t, SigInfo{Signo: sig, Code: SiKernel})
}

// deliver delivers info to t, or leaves it pending.
func (k *Kernel) deliver(t *Thread, info SigInfo) {
	if t.state == StatePassive {
		return
	}
	if info.Signo == SigKill {
		logThread(k.log.Debug(), t).
			Stringer(`sender`, info.Sender).
			Log(`thread killed`)
		k.exitThread(t, ExitStatusKilled, true)
		return
	}
	if k.actions[info.Signo].Ignore && (t.sigwait == nil || !t.sigwait.set.Has(info.Signo)) {
		return
	}
	if !k.tryDeliver(t, info) {
		t.pending = append(t.pending, info)
	}
}

// tryDeliver attempts delivery, returning false if info must remain pending.
func (k *Kernel) tryDeliver(t *Thread, info SigInfo) bool {
	if sw := t.sigwait; sw != nil && t.state == StateSuspended && sw.set.Has(info.Signo) {
		// direct hand off to SigTimedWait, no handler runs
		if sw.alarm != nil {
			sw.alarm.Disarm()
		}
		sw.info = info
		sw.got = true
		t.sigwait = nil
		k.wake(t)
		return true
	}

	if t.mask.Has(info.Signo) || !k.canInterrupt(t) {
		return false
	}

	act := k.actions[info.Signo]
	if act.Handler == nil {
		logThread(k.log.Trace(), t).
			Stringer(`signal`, info.Signo).
			Log(`signal discarded`)
		return true
	}

	if t.state == StateWait || t.state == StateSuspended {
		if h := t.interrupt; h != nil {
			t.interrupt = nil
			h(t, t.interruptParam)
		}
		k.Dequeue(t)
		t.sigwait = nil
		k.wake(t)
		t.top().errno = EINTR
	}

	k.pushState(t, act.Handler, info, act.Mask)

	if k.metrics != nil {
		k.metrics.SignalsDelivered++
	}
	logThread(k.log.Trace(), t).
		Stringer(`signal`, info.Signo).
		Int(`depth`, len(t.states)).
		Log(`signal delivered`)
	return true
}

// processPending re-attempts delivery of the pending signals of t.
func (k *Kernel) processPending(t *Thread) {
	if t == nil || len(t.pending) == 0 {
		return
	}
	pending := t.pending
	t.pending = nil
	for _, info := range pending {
		if t.state == StatePassive {
			return
		}
		if !k.tryDeliver(t, info) {
			t.pending = append(t.pending, info)
		}
	}
}

// PushState pushes an execution state onto t, which runs handler (with
// info) the next time t returns from a kernel operation, with mask and the
// signal itself blocked. The state is popped when the handler returns, see
// [Kernel.ExitThread].
func (k *Kernel) PushState(t *Thread, handler func(SigInfo), info SigInfo, mask SigSet) {
	k.current()
	k.assert(t.state != StatePassive, "push state: thread %s is not alive", t.id)
	k.assert(handler != nil, "push state: nil handler")
	k.pushState(t, handler, info, mask)
}

// PopState discards the most recently pushed state of t, if its handler
// has not started, restoring the signal mask.
func (k *Kernel) PopState(t *Thread) error {
	k.current()
	switch {
	case len(t.states) <= 1:
		return EINVAL
	case t.running >= len(t.states)-1:
		return EBUSY
	}
	k.popState(t)
	return nil
}

func (k *Kernel) pushState(t *Thread, handler func(SigInfo), info SigInfo, mask SigSet) {
	t.states = append(t.states, &execState{
		handler:   handler,
		info:      info,
		savedMask: t.mask,
	})
	t.mask = (t.mask | mask).Add(info.Signo).Del(SigKill)
}

func (k *Kernel) popState(t *Thread) {
	n := len(t.states) - 1
	s := t.states[n]
	t.states[n] = nil
	t.states = t.states[:n]
	if t.running > n-1 {
		t.running = n - 1
	}
	t.mask = s.savedMask
	k.processPending(t)
}

// runHandlers runs the pushed states of the active thread, innermost last.
// Each state is popped as its handler returns, resuming the state below.
func (k *Kernel) runHandlers() {
	t := k.active
	for t.running < len(t.states)-1 {
		t.running++
		depth := t.running
		s := t.states[depth]
		s.handler(s.info)
		// the handler may have already returned, via ExitThread, and popping
		// may deliver pending signals, which run next
		for len(t.states) > depth && slices.Contains(t.states[depth:], s) {
			k.exitThread(t, 0, false)
		}
		t.running = depth - 1
	}
}

// SigWaitInfo blocks the caller until a signal in set is pending, consuming
// and returning it, without running its handler.
func (k *Kernel) SigWaitInfo(set SigSet) (SigInfo, error) {
	return k.SigTimedWait(set, -1)
}

// SigTimedWait is [Kernel.SigWaitInfo] with a timeout, returning ETIMEDOUT
// once it elapses. A negative timeout waits indefinitely, and zero polls,
// returning EAGAIN if nothing is pending. Signals outside set may interrupt
// the wait, returning EINTR.
func (k *Kernel) SigTimedWait(set SigSet, timeout time.Duration) (SigInfo, error) {
	t := k.current()
	set = set.Del(SigKill)
	if set == 0 {
		return SigInfo{}, EINVAL
	}

	if i := slices.IndexFunc(t.pending, func(info SigInfo) bool { return set.Has(info.Signo) }); i >= 0 {
		info := t.pending[i]
		t.pending = slices.Delete(t.pending, i, i+1)
		return info, nil
	}
	if timeout == 0 {
		return SigInfo{}, EAGAIN
	}

	sw := &sigwaitState{set: set}
	if timeout > 0 {
		sw.alarm = k.NewAlarm(func() {
			if t.sigwait != sw {
				return
			}
			t.sigwait = nil
			k.wake(t)
			t.top().errno = ETIMEDOUT
			k.schedule()
		})
	}

	k.Suspend(t, sigwaitInterrupt, sw)
	t.sigwait = sw
	if sw.alarm != nil {
		sw.alarm.Arm(timeout)
	}
	k.Schedule()

	if sw.got {
		return sw.info, nil
	}
	if err := t.Errno().Err(); err != nil {
		return SigInfo{}, err
	}
	return SigInfo{}, EINTR
}

func sigwaitInterrupt(t *Thread, param any) {
	sw := param.(*sigwaitState)
	if sw.alarm != nil {
		sw.alarm.Disarm()
	}
	if t.sigwait == sw {
		t.sigwait = nil
	}
}
