package main

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// collector exports the metrics of completed scenario runs, labeled by
// scenario name, file, and position on the command line, as the same file
// may be run more than once.
type collector struct {
	results []*result

	contextSwitches  *prometheus.Desc
	preemptions      *prometheus.Desc
	alarmsFired      *prometheus.Desc
	signalsDelivered *prometheus.Desc
	deadlineOverruns *prometheus.Desc
	threadsCreated   *prometheus.Desc
	threadsExited    *prometheus.Desc
	dispatchLatency  *prometheus.Desc
	failed           *prometheus.Desc
}

var _ prometheus.Collector = (*collector)(nil)

func newCollector(results []*result) *collector {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(
			prometheus.BuildFQName(`ksched`, ``, name),
			help,
			[]string{`scenario`, `file`, `run`},
			nil,
		)
	}
	return &collector{
		results:          results,
		contextSwitches:  desc(`context_switches_total`, `Context switches performed.`),
		preemptions:      desc(`preemptions_total`, `Active threads displaced before blocking or yielding.`),
		alarmsFired:      desc(`alarms_fired_total`, `Alarm callbacks run.`),
		signalsDelivered: desc(`signals_delivered_total`, `Signals delivered to a handler or sigwait.`),
		deadlineOverruns: desc(`deadline_overruns_total`, `EDF jobs that missed their deadline.`),
		threadsCreated:   desc(`threads_created_total`, `Threads created, excluding idle.`),
		threadsExited:    desc(`threads_exited_total`, `Threads that exited, or were killed.`),
		dispatchLatency:  desc(`dispatch_latency_seconds`, `Time threads spent ready, before being dispatched.`),
		failed:           desc(`scenario_failed`, `Whether the scenario ended in error.`),
	}
}

func (x *collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- x.contextSwitches
	ch <- x.preemptions
	ch <- x.alarmsFired
	ch <- x.signalsDelivered
	ch <- x.deadlineOverruns
	ch <- x.threadsCreated
	ch <- x.threadsExited
	ch <- x.dispatchLatency
	ch <- x.failed
}

func (x *collector) Collect(ch chan<- prometheus.Metric) {
	for i, res := range x.results {
		if res == nil {
			continue
		}
		idx := strconv.Itoa(i)

		var failed float64
		if res.err != nil {
			failed = 1
		}
		ch <- prometheus.MustNewConstMetric(x.failed, prometheus.GaugeValue, failed, res.name, res.path, idx)

		m := res.metrics
		if m == nil {
			continue
		}
		counter := func(desc *prometheus.Desc, v uint64) {
			ch <- prometheus.MustNewConstMetric(desc, prometheus.CounterValue, float64(v), res.name, res.path, idx)
		}
		counter(x.contextSwitches, m.ContextSwitches)
		counter(x.preemptions, m.Preemptions)
		counter(x.alarmsFired, m.AlarmsFired)
		counter(x.signalsDelivered, m.SignalsDelivered)
		counter(x.deadlineOverruns, m.DeadlineOverruns)
		counter(x.threadsCreated, m.ThreadsCreated)
		counter(x.threadsExited, m.ThreadsExited)

		d := m.DispatchLatency
		ch <- prometheus.MustNewConstSummary(
			x.dispatchLatency,
			uint64(d.Count),
			d.Mean.Seconds()*float64(d.Count),
			map[float64]float64{
				0.5:  d.P50.Seconds(),
				0.9:  d.P90.Seconds(),
				0.99: d.P99.Seconds(),
			},
			res.name,
			res.path,
			idx,
		)
	}
}
