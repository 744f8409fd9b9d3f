package ksched

import (
	"context"
	"errors"
	"math/rand/v2"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func TestKernel_priorityDominance(t *testing.T) {
	checkGoroutines(t)
	k := newTestKernel(t, WithPriorities(8))
	var rec recorder
	for _, spec := range [...]struct {
		name     string
		priority int
	}{
		{`low`, 1},
		{`mid`, 4},
		{`high`, 7},
	} {
		k.CreateThread(func(any) int {
			checkReadyQueues(t, k)
			rec.add(spec.name)
			return 0
		}, nil, &ThreadAttr{Name: spec.name, Priority: spec.priority})
	}
	mustRun(t, k)
	if diff := cmp.Diff([]string{`high`, `mid`, `low`}, []string(rec)); diff != `` {
		t.Errorf("unexpected order (-want +got):\n%s", diff)
	}
}

func TestKernel_fifoWithinPriority(t *testing.T) {
	checkGoroutines(t)
	k := newTestKernel(t)
	var rec recorder
	for _, name := range []string{`A`, `B`, `C`} {
		k.CreateThread(func(any) int {
			for i := 0; i < 3; i++ {
				rec.add(name)
				checkReadyQueues(t, k)
				k.Yield()
			}
			return 0
		}, nil, &ThreadAttr{Name: name})
	}
	mustRun(t, k)
	want := []string{`A`, `B`, `C`, `A`, `B`, `C`, `A`, `B`, `C`}
	if diff := cmp.Diff(want, []string(rec)); diff != `` {
		t.Errorf("unexpected order (-want +got):\n%s", diff)
	}
}

func TestKernel_CreateThread_preemption(t *testing.T) {
	for _, tc := range [...]struct {
		name       string
		preemption bool
		want       []string
	}{
		{`preemptive`, true, []string{`low before`, `high`, `low after`}},
		{`cooperative`, false, []string{`low before`, `low after`, `high`}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			checkGoroutines(t)
			k := newTestKernel(t, WithPreemption(tc.preemption))
			var rec recorder
			k.CreateThread(func(any) int {
				rec.add(`low before`)
				k.CreateThread(func(any) int {
					rec.add(`high`)
					return 0
				}, nil, &ThreadAttr{Name: `high`, Priority: 20})
				rec.add(`low after`)
				return 0
			}, nil, &ThreadAttr{Name: `low`, Priority: 10})
			mustRun(t, k)
			if diff := cmp.Diff(tc.want, []string(rec)); diff != `` {
				t.Errorf("unexpected order (-want +got):\n%s", diff)
			}
		})
	}
}

func TestKernel_SetPriority(t *testing.T) {
	checkGoroutines(t)
	k := newTestKernel(t)
	var rec recorder
	var other ThreadID
	k.CreateThread(func(any) int {
		th := k.Thread(other)
		assert.Equal(t, EINVAL, k.SetPriority(th, 0))
		assert.Equal(t, EINVAL, k.SetPriority(th, len(k.ready)))
		rec.add(`raising`)
		assert.NoError(t, k.SetPriority(th, 20))
		rec.add(`resumed`)
		assert.Equal(t, EALREADY, k.SetPriority(th, 5))
		return 0
	}, nil, &ThreadAttr{Name: `main`, Priority: 10})
	other = k.CreateThread(func(any) int {
		rec.add(`other`)
		return 0
	}, nil, &ThreadAttr{Name: `other`, Priority: 5})
	mustRun(t, k)
	if diff := cmp.Diff([]string{`raising`, `other`, `resumed`}, []string(rec)); diff != `` {
		t.Errorf("unexpected order (-want +got):\n%s", diff)
	}
}

func TestKernel_Run_deadlock(t *testing.T) {
	checkGoroutines(t)
	k := newTestKernel(t)
	k.CreateThread(func(any) int {
		k.Suspend(nil, nil, nil)
		k.Schedule()
		t.Error(`resumed`)
		return 0
	}, nil, &ThreadAttr{Name: `stuck`})
	if err := runKernel(t, k); !errors.Is(err, ErrDeadlock) {
		t.Fatalf("expected deadlock, got %v", err)
	}
	assert.Equal(t, KernelHalted, k.State())
}

func TestKernel_Run_contextCanceled(t *testing.T) {
	checkGoroutines(t)
	k := newTestKernel(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var n int
	k.CreateThread(func(any) int {
		for {
			k.Work(time.Millisecond)
			if n++; n == 10 {
				cancel()
			}
		}
	}, nil, nil)
	// a second thread, parked the whole time, must also be unwound
	k.CreateThread(func(any) int {
		t.Error(`lower priority thread ran`)
		return 0
	}, nil, &ThreadAttr{Priority: 1})
	err := k.Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context canceled, got %v", err)
	}
	assert.Equal(t, 10, n)
}

func TestKernel_Run_panic(t *testing.T) {
	checkGoroutines(t)
	k := newTestKernel(t)
	boom := errors.New(`boom`)
	id := k.CreateThread(func(any) int {
		k.Yield()
		panic(boom)
	}, nil, &ThreadAttr{Name: `bad`, Priority: 20})
	k.CreateThread(func(any) int {
		k.Suspend(nil, nil, nil)
		k.Schedule()
		return 0
	}, nil, &ThreadAttr{Name: `bystander`, Priority: 20})

	err := runKernel(t, k)
	var fatal *FatalError
	require.ErrorAs(t, err, &fatal)
	assert.Equal(t, id, fatal.Thread)
	assert.ErrorIs(t, err, boom)
	assert.NotEmpty(t, fatal.Stack)
	assert.Contains(t, err.Error(), `panic: boom`)
}

func TestKernel_Run_twice(t *testing.T) {
	k := newTestKernel(t)
	mustRun(t, k)
	assert.Equal(t, ErrKernelHalted, k.Run(context.Background()))
	assert.PanicsWithValue(t, ErrKernelHalted, func() {
		k.CreateThread(func(any) int { return 0 }, nil, nil)
	})
}

func TestKernel_CreateThread_invalidPriority(t *testing.T) {
	k := newTestKernel(t, WithPriorities(4))
	defer func() {
		r := recover()
		fatal, ok := r.(*FatalError)
		if !ok {
			t.Fatalf("expected a fatal error, got %v", r)
		}
		assert.Contains(t, fatal.Message, `invalid priority 4`)
	}()
	k.CreateThread(func(any) int { return 0 }, nil, &ThreadAttr{Priority: 4})
}

func TestKernel_CreateThread_tableExhausted(t *testing.T) {
	checkGoroutines(t)
	k := newTestKernel(t, WithMaxThreads(3))
	k.CreateThread(func(any) int {
		k.CreateThread(func(any) int { return 0 }, nil, &ThreadAttr{Priority: 1})
		t.Error(`created a fourth thread`)
		return 0
	}, nil, nil)
	k.CreateThread(func(any) int { return 0 }, nil, &ThreadAttr{Priority: 1})

	var fatal *FatalError
	require.ErrorAs(t, runKernel(t, k), &fatal)
	assert.Contains(t, fatal.Message, `thread table exhausted`)
}

func TestKernel_heapLimit(t *testing.T) {
	checkGoroutines(t)
	alloc := NewHeapAllocator(3 * 1024)
	k := newTestKernel(t, WithAllocator(alloc), WithStackSize(1024))
	k.CreateThread(func(any) int {
		assert.Equal(t, 2*1024, alloc.Used())
		k.CreateThread(func(any) int { return 0 }, nil, &ThreadAttr{StackSize: 4096})
		t.Error(`allocated past the limit`)
		return 0
	}, nil, nil)

	var fatal *FatalError
	require.ErrorAs(t, runKernel(t, k), &fatal)
	assert.Contains(t, fatal.Message, `out of memory`)
}

func TestKernel_Work_cpuTime(t *testing.T) {
	checkGoroutines(t)
	k := newTestKernel(t)
	var th *Thread
	start := k.Now()
	k.CreateThread(func(any) int {
		th = k.Current()
		k.Work(5 * time.Millisecond)
		assert.Equal(t, 5*time.Millisecond, th.CPUTime())
		k.Work(3 * time.Millisecond)
		return 0
	}, nil, nil)
	mustRun(t, k)
	assert.Equal(t, 8*time.Millisecond, th.CPUTime())
	assert.Equal(t, 8*time.Millisecond, k.Now().Sub(start))
}

func TestKernel_Dump(t *testing.T) {
	checkGoroutines(t)
	k := newTestKernel(t)
	var during strings.Builder
	k.CreateThread(func(any) int {
		assert.NoError(t, k.Dump(&during))
		return 3
	}, nil, &ThreadAttr{Name: `dumper`})
	k.CreateThread(func(any) int { return 0 }, nil, &ThreadAttr{Name: `waiting`, Priority: 1})
	mustRun(t, k)

	lines := strings.Split(strings.TrimSpace(during.String()), "\n")
	require.Len(t, lines, 4)
	assert.Regexp(t, `^ID\s+NAME\s+STATE\s+PRIO\s+POLICY\s+QUEUE\s+CPU\s+DEPTH\s+PENDING$`, lines[0])
	assert.Regexp(t, `\*\s+dumper\s+Active\s+16\s+Fifo\s+-\s`, lines[1])
	assert.Regexp(t, `\s+waiting\s+Ready\s+1\s+Fifo\s+ready\[1\]\s`, lines[2])
	assert.Regexp(t, `\s+idle\s+Ready\s+0\s+Fifo\s+ready\[0\]\s`, lines[3])

	var after strings.Builder
	require.NoError(t, k.Dump(&after))
	assert.NotContains(t, after.String(), `*`)
	assert.Regexp(t, `dumper\s+Passive`, after.String())
}

func TestKernel_Metrics(t *testing.T) {
	checkGoroutines(t)

	assert.Nil(t, newTestKernel(t).Metrics())

	k := newTestKernel(t, WithMetrics(true))
	for i := 1; i <= 3; i++ {
		k.CreateThread(func(any) int {
			k.Work(time.Millisecond)
			return 0
		}, nil, &ThreadAttr{Priority: i})
	}
	mustRun(t, k)

	m := k.Metrics()
	require.NotNil(t, m)
	assert.Equal(t, uint64(3), m.ThreadsCreated)
	assert.Equal(t, uint64(3), m.ThreadsExited)
	// three threads, then idle
	assert.Equal(t, uint64(4), m.ContextSwitches)
	assert.Equal(t, uint64(0), m.Preemptions)
	assert.Equal(t, 4, m.DispatchLatency.Count)
	assert.Equal(t, 3*time.Millisecond, m.DispatchLatency.Max)
}

func TestKernel_independent(t *testing.T) {
	checkGoroutines(t)
	var g errgroup.Group
	for i := 0; i < 8; i++ {
		g.Go(func() error {
			k := newTestKernel(t, WithMetrics(true))
			var rec recorder
			for j := 1; j <= 4; j++ {
				k.CreateThread(func(any) int {
					k.Work(time.Duration(j) * time.Millisecond)
					k.Yield()
					rec.add(string(rune('0' + j)))
					return j
				}, nil, &ThreadAttr{Priority: j})
			}
			if err := runKernel(t, k); err != nil {
				return err
			}
			if diff := cmp.Diff([]string{`4`, `3`, `2`, `1`}, []string(rec)); diff != `` {
				return errors.New(diff)
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
}

func TestKernel_readyQueues_randomized(t *testing.T) {
	checkGoroutines(t)
	k := newTestKernel(t)
	top := len(k.ready) - 1
	k.CreateThread(func(any) int {
		r := rand.New(rand.NewPCG(3, 4))
		var threads []*Thread
		for range 64 {
			id := k.CreateThread(func(any) int { return 0 }, nil, &ThreadAttr{Priority: 1 + r.IntN(top-1)})
			threads = append(threads, k.Thread(id))
		}

		// expected order of each ready queue, below the driver's priority
		model := make([][]ThreadID, top)
		for _, th := range threads {
			model[th.Priority()] = append(model[th.Priority()], th.ID())
		}
		remove := func(th *Thread) {
			p := th.Priority()
			model[p] = slices.DeleteFunc(model[p], func(id ThreadID) bool { return id == th.ID() })
		}
		check := func(step int) bool {
			checkReadyQueues(t, k)
			for p := 1; p < top; p++ {
				if !slices.Equal(model[p], k.ready[p].ids) {
					t.Errorf("step %d: priority %d: expected %v, got %v", step, p, model[p], k.ready[p].ids)
					return false
				}
			}
			return true
		}

		for step := range 2000 {
			th := threads[r.IntN(len(threads))]
			p := 1 + r.IntN(top-1)
			switch op := r.IntN(3); {
			case th.IsSuspended() && op == 0:
				assert.NoError(t, k.SetPriority(th, p))
			case th.IsSuspended() && op == 1:
				k.MoveToReady(th, First)
				model[th.Priority()] = append([]ThreadID{th.ID()}, model[th.Priority()]...)
			case th.IsSuspended():
				k.MoveToReady(th, Last)
				model[th.Priority()] = append(model[th.Priority()], th.ID())
			case op == 0:
				k.Suspend(th, nil, nil)
				remove(th)
			case op == 1:
				if p != th.Priority() {
					remove(th)
					model[p] = append(model[p], th.ID())
				}
				assert.NoError(t, k.SetPriority(th, p))
			default:
				k.RemoveFromReady(th)
				remove(th)
				if !check(step) {
					return 0
				}
				k.MoveToReady(th, Last)
				model[th.Priority()] = append(model[th.Priority()], th.ID())
			}
			if !check(step) {
				return 0
			}
		}

		for _, th := range threads {
			if th.IsSuspended() {
				k.Resume(th)
			}
		}
		return 0
	}, nil, &ThreadAttr{Name: `driver`, Priority: top})
	mustRun(t, k)
}
