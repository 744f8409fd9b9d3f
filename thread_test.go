package ksched

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
)

func TestJoin(t *testing.T) {
	checkGoroutines(t)
	k := newTestKernel(t)
	k.CreateThread(func(any) int {
		self := k.Current()

		waited := k.CreateThread(func(arg any) int { return arg.(int) }, 7, &ThreadAttr{Priority: 1})
		status, err := k.Join(waited)
		assert.NoError(t, err)
		assert.Equal(t, 7, status)
		assert.Nil(t, k.Thread(waited))
		_, err = k.Join(waited)
		assert.Equal(t, ESRCH, err)

		// runs to completion on creation
		exited := k.CreateThread(func(any) int { return 3 }, nil, &ThreadAttr{Priority: 20})
		if th := k.Thread(exited); assert.NotNil(t, th) {
			assert.False(t, th.IsAlive())
			assert.Equal(t, StatePassive, th.State())
			assert.Equal(t, 3, th.ExitStatus())
		}
		status, err = k.Join(exited)
		assert.NoError(t, err)
		assert.Equal(t, 3, status)
		assert.Nil(t, k.Thread(exited))

		_, err = k.Join(self.ID())
		assert.Equal(t, EDEADLK, err)
		assert.Equal(t, EDEADLK, k.WaitThread(self, self))

		detached := k.CreateThread(func(any) int { return 0 }, nil, &ThreadAttr{Priority: 1, Detached: true})
		_, err = k.Join(detached)
		assert.Equal(t, EINVAL, err)
		assert.True(t, k.Thread(detached).Detached())
		return 0
	}, nil, nil)
	mustRun(t, k)
}

func TestDetach(t *testing.T) {
	checkGoroutines(t)
	k := newTestKernel(t)
	k.CreateThread(func(any) int {
		pending := k.CreateThread(func(any) int { return 0 }, nil, &ThreadAttr{Priority: 1})
		assert.NoError(t, k.Detach(pending))
		assert.Equal(t, EINVAL, k.Detach(pending))
		_, err := k.Join(pending)
		assert.Equal(t, EINVAL, err)

		exited := k.CreateThread(func(any) int { return 0 }, nil, &ThreadAttr{Priority: 20})
		assert.NotNil(t, k.Thread(exited))
		assert.NoError(t, k.Detach(exited))
		assert.Nil(t, k.Thread(exited))
		assert.Equal(t, ESRCH, k.Detach(exited))

		// let the detached thread run, after which it's freed
		assert.NoError(t, k.SetPriority(k.Current(), 1))
		k.Yield()
		assert.Nil(t, k.Thread(pending))
		return 0
	}, nil, nil)
	mustRun(t, k)
}

func TestJoin_joinerKilled(t *testing.T) {
	checkGoroutines(t)
	k := newTestKernel(t)
	k.CreateThread(func(any) int {
		target := k.CreateThread(func(any) int { return 0 }, nil, &ThreadAttr{Priority: 1})
		joiner := k.CreateThread(func(any) int {
			_, _ = k.Join(target)
			t.Error(`join returned`)
			return 0
		}, nil, &ThreadAttr{Priority: 20})
		assert.Equal(t, StateWait, k.Thread(joiner).State())

		// the joiner's reference goes with it
		assert.NoError(t, k.Kill(joiner, SigKill))
		status, err := k.Join(joiner)
		assert.NoError(t, err)
		assert.Equal(t, ExitStatusKilled, status)
		assert.NoError(t, k.Detach(target))

		assert.NoError(t, k.SetPriority(k.Current(), 1))
		k.Yield()
		assert.Nil(t, k.Thread(target))
		return 0
	}, nil, nil)
	mustRun(t, k)
}

func TestExitThread_other(t *testing.T) {
	checkGoroutines(t)
	k := newTestKernel(t, WithMetrics(true))
	k.CreateThread(func(any) int {
		victim := k.CreateThread(func(any) int {
			t.Error(`victim ran`)
			return 0
		}, nil, &ThreadAttr{Priority: 1})
		k.ExitThread(k.Thread(victim), 42, true)
		status, err := k.Join(victim)
		assert.NoError(t, err)
		assert.Equal(t, 42, status)
		return 0
	}, nil, nil)
	mustRun(t, k)
	m := k.Metrics()
	assert.Equal(t, uint64(2), m.ThreadsCreated)
	assert.Equal(t, uint64(2), m.ThreadsExited)
}

func TestExit_nested(t *testing.T) {
	checkGoroutines(t)
	k := newTestKernel(t)
	var rec recorder
	exit := func() {
		rec.add(`exiting`)
		k.Exit(9)
		rec.add(`returned`)
	}
	id := k.CreateThread(func(any) int {
		defer rec.add(`deferred`)
		exit()
		return 0
	}, nil, nil)
	mustRun(t, k)

	if diff := cmp.Diff([]string{`exiting`, `deferred`}, []string(rec)); diff != `` {
		t.Errorf("unexpected events (-want +got):\n%s", diff)
	}
	if th := k.Thread(id); assert.NotNil(t, th) {
		assert.Equal(t, 9, th.ExitStatus())
	}
}

func TestThread_slots(t *testing.T) {
	checkGoroutines(t)
	k := newTestKernel(t)
	k.CreateThread(func(any) int {
		self := k.Current()
		assert.Equal(t, `worker`, self.Name())
		assert.Contains(t, k.Threads(), self)
		assert.Equal(t, Errno(0), self.Errno())
		assert.NoError(t, self.Errno().Err())
		k.SetErrno(self, EAGAIN)
		assert.Equal(t, EAGAIN, self.Errno())
		k.SetRetval(self, `v`)
		assert.Equal(t, `v`, self.Retval())
		k.SetPrivate(self, 5)
		assert.Equal(t, 5, self.Private())
		return 0
	}, nil, &ThreadAttr{Name: `worker`})
	mustRun(t, k)
}

func TestWaitQueue_release(t *testing.T) {
	checkGoroutines(t)
	k := newTestKernel(t)
	var rec recorder
	q := NewWaitQueue(`q`)
	k.CreateThread(func(any) int {
		var ids []ThreadID
		for _, name := range []string{`w1`, `w2`} {
			ids = append(ids, k.CreateThread(func(any) int {
				k.Enqueue(nil, q, false, nil, nil)
				k.Schedule()
				rec.add(name)
				return 0
			}, nil, &ThreadAttr{Name: name, Priority: 20}))
		}
		assert.Equal(t, ids, q.Threads())
		assert.Equal(t, `q`, k.Thread(ids[0]).QueueName())
		assert.Equal(t, StateWait, k.Thread(ids[1]).State())

		if th := k.Release(q); assert.NotNil(t, th) {
			assert.Equal(t, ids[0], th.ID())
		}
		k.Schedule()
		rec.add(`main`)
		assert.Equal(t, 1, k.ReleaseAll(q))
		assert.Nil(t, k.Release(q))
		k.Schedule()
		return 0
	}, nil, nil)
	mustRun(t, k)

	if diff := cmp.Diff([]string{`w1`, `main`, `w2`}, []string(rec)); diff != `` {
		t.Errorf("unexpected order (-want +got):\n%s", diff)
	}
}
