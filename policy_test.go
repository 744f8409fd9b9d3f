package ksched

import (
	"fmt"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
)

func TestRoundRobin_fairness(t *testing.T) {
	checkGoroutines(t)
	k := newTestKernel(t, WithTimeSlice(10*time.Millisecond), WithMetrics(true))
	var rec recorder
	for _, name := range []string{`A`, `B`} {
		k.CreateThread(func(any) int {
			for i := 0; i < 20; i++ {
				rec.add(name)
				k.Work(time.Millisecond)
			}
			return 0
		}, nil, &ThreadAttr{Name: name, Policy: PolicyRoundRobin})
	}
	mustRun(t, k)

	var want []string
	for _, name := range []string{`A`, `B`, `A`, `B`} {
		for i := 0; i < 10; i++ {
			want = append(want, name)
		}
	}
	if diff := cmp.Diff(want, []string(rec)); diff != `` {
		t.Errorf("unexpected order (-want +got):\n%s", diff)
	}
	assert.Equal(t, uint64(4), k.Metrics().Preemptions)
}

func TestRoundRobin_preemptedKeepsSlice(t *testing.T) {
	checkGoroutines(t)
	k := newTestKernel(t, WithTimeSlice(10*time.Millisecond))
	var rec recorder
	var high ThreadID
	for _, name := range []string{`A`, `B`} {
		k.CreateThread(func(any) int {
			rec.add(name + ` start`)
			if name == `A` {
				k.Work(4 * time.Millisecond)
				// wakes the high priority thread, preempting A, which must
				// resume before B, with the remaining 6ms of its slice
				k.Resume(k.Thread(high))
				k.Schedule()
				_, param := k.GetSchedParam(k.Current())
				assert.Equal(t, RRParam{Remaining: 6 * time.Millisecond, Slice: 10 * time.Millisecond}, param.RoundRobin)
			}
			k.Work(5 * time.Millisecond)
			rec.add(name + ` end`)
			return 0
		}, nil, &ThreadAttr{Name: name, Policy: PolicyRoundRobin})
	}
	high = k.CreateThread(func(any) int {
		k.Suspend(nil, nil, nil)
		k.Schedule()
		rec.add(`high`)
		return 0
	}, nil, &ThreadAttr{Name: `high`, Priority: 20})
	mustRun(t, k)

	want := []string{`A start`, `high`, `A end`, `B start`, `B end`}
	if diff := cmp.Diff(want, []string(rec)); diff != `` {
		t.Errorf("unexpected order (-want +got):\n%s", diff)
	}
}

func TestRoundRobin_SetSchedParam(t *testing.T) {
	checkGoroutines(t)
	k := newTestKernel(t)
	k.CreateThread(func(any) int {
		self := k.Current()
		assert.Equal(t, PolicyFifo, self.Policy())
		assert.NoError(t, k.SetSchedParam(nil, PolicyRoundRobin, nil))
		policy, param := k.GetSchedParam(self)
		assert.Equal(t, PolicyRoundRobin, policy)
		assert.Equal(t, DefaultTimeSlice, param.RoundRobin.Slice)
		assert.Equal(t, ENOTSUP, k.SetSchedParam(nil, SchedPolicy(9), nil))
		assert.Equal(t, EINVAL, k.SetSchedParam(nil, PolicyFifo, &SchedParam{Priority: 0}))
		assert.NoError(t, k.SetSchedParam(nil, PolicyFifo, &SchedParam{Priority: 3}))
		assert.Equal(t, 3, self.Priority())
		assert.Equal(t, PolicyFifo, self.Policy())
		// the round-robin alarm went with the policy
		assert.Empty(t, k.alarms)
		return 0
	}, nil, nil)
	mustRun(t, k)
}

func edfParam(op EDFOp, period, deadline time.Duration, overrun OverrunPolicy) *SchedParam {
	return &SchedParam{
		Priority: DefaultPriorities / 2,
		EDF: EDFParam{
			Period:   period,
			Deadline: deadline,
			Op:       op,
			Overrun:  overrun,
		},
	}
}

func TestEDF_earliestDeadlineFirst(t *testing.T) {
	checkGoroutines(t)
	k := newTestKernel(t)
	var rec recorder
	k.CreateThread(func(any) int {
		assert.NoError(t, k.SetSchedParam(nil, PolicyEDF, edfParam(EDFSet, 20*time.Millisecond, 20*time.Millisecond, OverrunContinue)))
		rec.add(`A`)
		assert.NoError(t, k.SetSchedParam(nil, PolicyEDF, edfParam(EDFExit, 0, 0, 0)))
		return 0
	}, nil, &ThreadAttr{Name: `A`})
	k.CreateThread(func(any) int {
		assert.NoError(t, k.SetSchedParam(nil, PolicyEDF, edfParam(EDFSet, 10*time.Millisecond, 5*time.Millisecond, OverrunContinue)))
		rec.add(`B`)
		assert.NoError(t, k.SetSchedParam(nil, PolicyEDF, edfParam(EDFExit, 0, 0, 0)))
		rec.add(`B left edf`)
		return 0
	}, nil, &ThreadAttr{Name: `B`})
	mustRun(t, k)

	want := []string{`B`, `B left edf`, `A`}
	if diff := cmp.Diff(want, []string(rec)); diff != `` {
		t.Errorf("unexpected order (-want +got):\n%s", diff)
	}
}

func TestEDF_periodic(t *testing.T) {
	checkGoroutines(t)
	k := newTestKernel(t)
	start := k.Now()
	var rec recorder
	k.CreateThread(func(any) int {
		assert.NoError(t, k.SetSchedParam(nil, PolicyEDF, edfParam(EDFSet, 10*time.Millisecond, 5*time.Millisecond, OverrunContinue)))
		for i := 0; i < 3; i++ {
			rec.add(fmt.Sprint(k.Now().Sub(start)))
			k.Work(2 * time.Millisecond)
			_, param := k.GetSchedParam(k.Current())
			assert.Equal(t, start.Add(time.Duration(i)*10*time.Millisecond+5*time.Millisecond), param.EDF.ActiveDeadline)
			assert.NoError(t, k.SetSchedParam(nil, PolicyEDF, edfParam(EDFWait, 0, 0, 0)))
		}
		assert.NoError(t, k.SetSchedParam(nil, PolicyEDF, edfParam(EDFExit, 0, 0, 0)))
		return 0
	}, nil, nil)
	mustRun(t, k)

	if diff := cmp.Diff([]string{`0s`, `10ms`, `20ms`}, []string(rec)); diff != `` {
		t.Errorf("unexpected release times (-want +got):\n%s", diff)
	}
}

func TestEDF_overrunContinue(t *testing.T) {
	checkGoroutines(t)
	k := newTestKernel(t, WithMetrics(true))
	k.CreateThread(func(any) int {
		assert.NoError(t, k.SetSchedParam(nil, PolicyEDF, edfParam(EDFSet, 10*time.Millisecond, 5*time.Millisecond, OverrunContinue)))
		k.Work(7 * time.Millisecond)
		// reported once, on the following wait
		assert.Equal(t, ETIMEDOUT, k.SetSchedParam(nil, PolicyEDF, edfParam(EDFWait, 0, 0, 0)))
		k.Work(time.Millisecond)
		assert.NoError(t, k.SetSchedParam(nil, PolicyEDF, edfParam(EDFWait, 0, 0, 0)))
		assert.NoError(t, k.SetSchedParam(nil, PolicyEDF, edfParam(EDFExit, 0, 0, 0)))
		return 0
	}, nil, nil)
	mustRun(t, k)
	assert.Equal(t, uint64(1), k.Metrics().DeadlineOverruns)
}

func TestEDF_overrunTerminate(t *testing.T) {
	checkGoroutines(t)
	k := newTestKernel(t, WithMetrics(true))
	var status int
	var alarms int
	edf := k.CreateThread(func(any) int {
		assert.NoError(t, k.SetSchedParam(nil, PolicyEDF, edfParam(EDFSet, 10*time.Millisecond, 5*time.Millisecond, OverrunTerminate)))
		k.Work(7 * time.Millisecond)
		t.Error(`survived a missed deadline`)
		return 0
	}, nil, &ThreadAttr{Name: `edf`, Priority: 20})
	k.CreateThread(func(any) int {
		var err error
		status, err = k.Join(edf)
		assert.NoError(t, err)
		alarms = len(k.alarms)
		// nothing else fires, e.g. the next period
		k.Work(50 * time.Millisecond)
		return 0
	}, nil, &ThreadAttr{Name: `joiner`, Priority: 10})
	mustRun(t, k)

	assert.Equal(t, ExitStatusTimedOut, status)
	assert.Equal(t, 0, alarms)
	assert.Equal(t, uint64(1), k.Metrics().DeadlineOverruns)
	assert.Equal(t, uint64(1), k.Metrics().AlarmsFired)
}

func TestEDF_invalid(t *testing.T) {
	checkGoroutines(t)
	k := newTestKernel(t)
	k.CreateThread(func(any) int {
		for _, tc := range [...]struct {
			name  string
			param *SchedParam
			want  error
		}{
			{`wait before set`, edfParam(EDFWait, 0, 0, 0), EINVAL},
			{`zero period`, edfParam(EDFSet, 0, 0, 0), EINVAL},
			{`deadline past period`, edfParam(EDFSet, time.Millisecond, 2*time.Millisecond, 0), EINVAL},
		} {
			assert.Equal(t, tc.want, k.SetSchedParam(nil, PolicyEDF, tc.param), tc.name)
			assert.Equal(t, PolicyFifo, k.Current().Policy(), tc.name)
		}
		return 0
	}, nil, nil)
	var other ThreadID
	k.CreateThread(func(any) int {
		assert.Equal(t, ENOTSUP, k.SetSchedParam(k.Thread(other), PolicyEDF, edfParam(EDFSet, time.Millisecond, time.Millisecond, 0)))
		return 0
	}, nil, &ThreadAttr{Priority: 3})
	other = k.CreateThread(func(any) int { return 0 }, nil, &ThreadAttr{Priority: 2})
	mustRun(t, k)
}

func TestEDF_overrunSkip(t *testing.T) {
	checkGoroutines(t)
	k := newTestKernel(t, WithMetrics(true))
	start := k.Now()
	var released time.Duration
	k.CreateThread(func(any) int {
		assert.NoError(t, k.SetSchedParam(nil, PolicyEDF, edfParam(EDFSet, 10*time.Millisecond, 5*time.Millisecond, OverrunSkip)))
		k.Work(5 * time.Millisecond)
		// moved on to the next period as soon as the deadline passed
		_, param := k.GetSchedParam(k.Current())
		assert.Equal(t, start.Add(10*time.Millisecond), param.EDF.NextRun)
		assert.Equal(t, start.Add(15*time.Millisecond), param.EDF.ActiveDeadline)
		k.Work(20 * time.Millisecond)
		// the periods at 10ms and 20ms are skipped
		assert.Equal(t, ETIMEDOUT, k.SetSchedParam(nil, PolicyEDF, edfParam(EDFWait, 0, 0, 0)))
		released = k.Now().Sub(start)
		_, param = k.GetSchedParam(k.Current())
		assert.Equal(t, start.Add(35*time.Millisecond), param.EDF.ActiveDeadline)
		assert.NoError(t, k.SetSchedParam(nil, PolicyEDF, edfParam(EDFExit, 0, 0, 0)))
		return 0
	}, nil, nil)
	mustRun(t, k)
	assert.Equal(t, 30*time.Millisecond, released)
	// at 5ms, 15ms and 25ms
	assert.Equal(t, uint64(3), k.Metrics().DeadlineOverruns)
}

func TestEDF_overrunSkip_preemptedByEarlierDeadline(t *testing.T) {
	checkGoroutines(t)
	k := newTestKernel(t, WithMetrics(true))
	start := k.Now()
	var rec recorder
	at := func(name string) { rec.add(fmt.Sprintf("%s@%s", name, k.Now().Sub(start))) }
	k.CreateThread(func(any) int {
		assert.NoError(t, k.SetSchedParam(nil, PolicyEDF, edfParam(EDFSet, 10*time.Millisecond, 5*time.Millisecond, OverrunSkip)))
		k.CreateThread(func(any) int {
			self := k.Current()
			k.NewAlarm(func() {
				k.Resume(self)
				k.Schedule()
			}).Arm(8 * time.Millisecond)
			k.Suspend(nil, nil, nil)
			k.Schedule()
			// absolute deadline 14ms, before A's skipped-to 15ms
			assert.NoError(t, k.SetSchedParam(nil, PolicyEDF, edfParam(EDFSet, 10*time.Millisecond, 6*time.Millisecond, OverrunContinue)))
			at(`B`)
			k.Work(time.Millisecond)
			assert.NoError(t, k.SetSchedParam(nil, PolicyEDF, edfParam(EDFExit, 0, 0, 0)))
			return 0
		}, nil, &ThreadAttr{Name: `B`, Priority: 20})
		k.Work(10 * time.Millisecond)
		at(`A`)
		assert.Equal(t, ETIMEDOUT, k.SetSchedParam(nil, PolicyEDF, edfParam(EDFWait, 0, 0, 0)))
		at(`A released`)
		assert.NoError(t, k.SetSchedParam(nil, PolicyEDF, edfParam(EDFExit, 0, 0, 0)))
		return 0
	}, nil, &ThreadAttr{Name: `A`})
	mustRun(t, k)

	want := []string{`B@8ms`, `A@11ms`, `A released@20ms`}
	if diff := cmp.Diff(want, []string(rec)); diff != `` {
		t.Errorf("unexpected order (-want +got):\n%s", diff)
	}
	assert.Equal(t, uint64(1), k.Metrics().DeadlineOverruns)
}
