package ksched

// MoveToReady makes t Ready, inserting it at pos in the ready queue for its
// priority. The thread must not be in any queue. The caller must reschedule.
func (k *Kernel) MoveToReady(t *Thread, pos Position) {
	k.current()
	k.moveToReady(t, pos)
}

// RemoveFromReady removes a Ready thread from its ready queue, leaving it in
// limbo, until it is made Active, blocked, or exits.
func (k *Kernel) RemoveFromReady(t *Thread) {
	k.current()
	k.removeFromReady(t)
}

func (k *Kernel) moveToReady(t *Thread, pos Position) {
	k.assert(t.state != StatePassive, "ready: thread %s is not alive", t.id)
	k.assert(t.queue == nil, "ready: thread %s is already in %s", t.id, t.queue.Name())
	t.state = StateReady
	t.interrupt = nil
	t.interruptParam = nil
	t.readySince = k.clock.Now()
	k.qInsert(&k.ready[t.priority], t, pos)
	k.readyMask.Set(t.priority)
}

func (k *Kernel) removeFromReady(t *Thread) {
	q := &k.ready[t.priority]
	k.assert(t.state == StateReady && t.queue == q, "ready: thread %s (%s) is not in %s", t.id, t.state, q.name)
	k.qRemove(t)
	if q.Len() == 0 {
		k.readyMask.Clear(t.priority)
	}
}

// pickHighestReady returns the head of the highest priority, non-empty
// ready queue, or nil.
func (k *Kernel) pickHighestReady() *Thread {
	p := k.readyMask.Highest()
	if p < 0 {
		return nil
	}
	id, ok := k.ready[p].peek()
	k.assert(ok, "ready: bitmap bit %d set for empty queue", p)
	return k.mustThread(id)
}

// Schedule selects the thread that should run, switching to it if it is
// not the caller. Every operation that may change which thread should run
// must be followed by Schedule. When the caller is eventually resumed, any
// signal handlers pushed onto it run before Schedule returns. Within an alarm
// callback, the reschedule is deferred until every due alarm has fired.
func (k *Kernel) Schedule() {
	k.current()
	k.schedule()
	if !k.inInterrupt {
		k.runHandlers()
	}
}

// Yield moves the caller to the back of its ready queue, then reschedules.
func (k *Kernel) Yield() {
	t := k.current()
	k.moveToReady(t, Last)
	k.Schedule()
}

func (k *Kernel) schedule() {
	if k.inInterrupt {
		// deferred until every due alarm has fired
		k.reschedule = true
		return
	}

	curr := k.active

	// the idle thread is always preemptible
	cooperative := !k.preemption && curr != nil && curr.state == StateActive && curr != k.idle

	if !cooperative {
		next := k.pickHighestReady()
		if curr == nil || curr.state != StateActive || (next != nil && next.priority > curr.priority) {
			if curr != nil {
				preempted := curr.state == StateActive
				k.policyDeactivate(curr)
				if curr.state == StateActive {
					k.moveToReady(curr, Last)
				}
				if preempted && k.metrics != nil {
					k.metrics.Preemptions++
				}
			}
			// deactivation may have changed the ready set
			next = k.pickHighestReady()
			k.assert(next != nil, "schedule: no ready thread")
			k.removeFromReady(next)
			next.state = StateActive
			k.active = next
			k.policyActivate(next)
		}
	}

	k.processPending(k.active)

	if next := k.active; next != curr {
		k.switchTo(curr, next)
	}
}

// switchTo performs the context switch. Nothing may follow it, in schedule,
// as the caller may not be resumed (or may not be a thread).
func (k *Kernel) switchTo(curr, next *Thread) {
	now := k.clock.Now()
	from := k.host
	if curr != nil {
		curr.cpu += now.Sub(curr.dispatched)
		from = curr.ctx
	}
	next.dispatched = now
	if k.metrics != nil {
		k.metrics.ContextSwitches++
		k.metrics.dispatch.observe(float64(now.Sub(next.readySince)))
	}
	if b := k.log.Trace(); b.Enabled() {
		if curr != nil {
			b = b.Stringer(`from`, curr.id).Stringer(`from_state`, curr.state)
		}
		b.Stringer(`to`, next.id).
			Str(`to_name`, next.name).
			Int(`to_priority`, next.priority).
			Log(`context switch`)
	}
	k.arch.Switch(from, next.ctx)
}

func (k *Kernel) policyActivate(t *Thread) {
	if t.policyActive {
		return
	}
	t.policyActive = true
	k.policies[t.policy].ThreadActivate(t)
}

func (k *Kernel) policyDeactivate(t *Thread) {
	if !t.policyActive {
		return
	}
	t.policyActive = false
	k.policies[t.policy].ThreadDeactivate(t)
}
