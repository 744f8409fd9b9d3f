package ksched

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"
)

// Dump writes a table of every thread that has not been freed to w. The
// format is informational only. It must be called from a kernel thread, or
// after Run has returned.
func (k *Kernel) Dump(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tSTATE\tPRIO\tPOLICY\tQUEUE\tCPU\tDEPTH\tPENDING")
	for _, t := range k.threads.All() {
		marker := ""
		if t == k.active && k.state.Load() == KernelRunning {
			marker = "*"
		}
		queue := t.QueueName()
		if queue == "" {
			queue = "-"
		}
		var pending SigSet
		for _, info := range t.pending {
			pending = pending.Add(info.Signo)
		}
		fmt.Fprintf(tw, "%s%s\t%s\t%s\t%d\t%s\t%s\t%s\t%d\t%s\n",
			t.id, marker,
			t.name,
			t.state,
			t.priority,
			t.policy,
			queue,
			t.CPUTime().Round(time.Microsecond),
			len(t.states),
			pending,
		)
	}
	return tw.Flush()
}
