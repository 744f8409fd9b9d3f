package ksched

import (
	"time"
)

// Metrics is a snapshot of kernel statistics, see [WithMetrics].
//
// Example:
//
//	k, _ := ksched.New(ksched.WithMetrics(true))
//	_ = k.Run(ctx)
//	m := k.Metrics()
//	fmt.Printf("switches: %d, P99 dispatch latency: %v\n",
//		m.ContextSwitches, m.DispatchLatency.P99)
type Metrics struct {
	// DispatchLatency is the time threads spend Ready, before being
	// dispatched.
	DispatchLatency LatencyMetrics

	ContextSwitches uint64
	// Preemptions counts Active threads displaced by a higher priority
	// thread (or the end of a time slice).
	Preemptions      uint64
	AlarmsFired      uint64
	SignalsDelivered uint64
	DeadlineOverruns uint64
	ThreadsCreated   uint64
	ThreadsExited    uint64
}

// LatencyMetrics summarizes a latency distribution. Percentiles are
// streaming estimates.
type LatencyMetrics struct {
	P50   time.Duration
	P90   time.Duration
	P99   time.Duration
	Max   time.Duration
	Mean  time.Duration
	Count int
}

type kernelMetrics struct {
	dispatch *quantiles
	Metrics
}

func newKernelMetrics() *kernelMetrics {
	return &kernelMetrics{dispatch: newQuantiles(0.50, 0.90, 0.99)}
}

// Metrics returns a snapshot of the kernel's statistics, or nil if metrics
// are disabled. It must be called from a kernel thread, or after Run has
// returned.
func (k *Kernel) Metrics() *Metrics {
	if k.metrics == nil {
		return nil
	}
	m := k.metrics.Metrics
	if d := k.metrics.dispatch; d.count != 0 {
		m.DispatchLatency = LatencyMetrics{
			P50:   time.Duration(d.value(0)),
			P90:   time.Duration(d.value(1)),
			P99:   time.Duration(d.value(2)),
			Max:   time.Duration(d.max),
			Mean:  time.Duration(d.mean()),
			Count: d.count,
		}
	}
	return &m
}
