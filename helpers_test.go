package ksched

import (
	"context"
	"runtime"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
)

// newTestKernel returns a kernel using virtual time.
func newTestKernel(t testing.TB, opts ...KernelOption) *Kernel {
	t.Helper()
	k, err := New(append([]KernelOption{WithClock(clock.NewMock())}, opts...)...)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	return k
}

// runKernel runs k, with a generous wall clock limit.
func runKernel(t testing.TB, k *Kernel) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return k.Run(ctx)
}

// mustRun runs k, failing the test if it doesn't halt cleanly.
func mustRun(t testing.TB, k *Kernel) {
	t.Helper()
	if err := runKernel(t, k); err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
}

// checkGoroutines fails the test if, once it completes, the number of
// goroutines doesn't settle back to what it was when called.
func checkGoroutines(t *testing.T) {
	t.Helper()
	baseline := runtime.NumGoroutine()
	t.Cleanup(func() {
		deadline := time.Now().Add(2 * time.Second)
		for {
			n := runtime.NumGoroutine()
			if n <= baseline {
				return
			}
			if time.Now().After(deadline) {
				t.Errorf("goroutine leak: %d goroutines, expected at most %d", n, baseline)
				return
			}
			time.Sleep(10 * time.Millisecond)
		}
	})
}

// checkReadyQueues verifies the ready bitmap mirrors the ready queues. Must
// be called from kernel context.
func checkReadyQueues(t testing.TB, k *Kernel) {
	t.Helper()
	for p := range k.ready {
		if set, n := k.readyMask.Test(p), k.ready[p].Len(); set != (n != 0) {
			t.Errorf("priority %d: bit set %v, but %d threads ready", p, set, n)
		}
		for _, id := range k.ready[p].ids {
			if th := k.mustThread(id); th.state != StateReady || th.priority != p {
				t.Errorf("priority %d: thread %s is %s at priority %d", p, id, th.state, th.priority)
			}
		}
	}
}

// recorder appends to a slice, from kernel threads only.
type recorder []string

func (x *recorder) add(s string) { *x = append(*x, s) }
