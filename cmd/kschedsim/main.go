// Command kschedsim runs scheduling scenarios, described in TOML, on
// simulated kernels, printing a trace of each.
//
// Usage:
//
//	kschedsim [flags] scenario.toml...
//
// Scenarios run concurrently (each on its own kernel), but their output is
// printed in argument order. The exit status is 1 if any scenario failed,
// e.g. deadlocked, or 2 on usage error.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/joeycumines/go-ksched"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
)

type flags struct {
	logLevel string
	config   string
	promOut  string
	timeout  time.Duration
	parallel int
	trace    bool
	dump     bool
	metrics  bool
	realTime bool
}

// lockedWriter serializes writes from concurrently running kernels.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (x *lockedWriter) Write(p []byte) (int, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.w.Write(p)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	var f flags
	fs := pflag.NewFlagSet(`kschedsim`, pflag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		_, _ = fmt.Fprintf(stderr, "usage: kschedsim [flags] scenario.toml...\n\nflags:\n")
		fs.PrintDefaults()
	}
	fs.StringVar(&f.logLevel, `log-level`, `err`, `kernel log level, written to stderr as JSON`)
	fs.StringVarP(&f.config, `config`, `c`, ``, `kernel config file, overriding each scenario's [kernel] table`)
	fs.StringVar(&f.promOut, `prom-out`, ``, `write metrics to this file, in the Prometheus text format (implies --metrics)`)
	fs.DurationVar(&f.timeout, `timeout`, time.Minute, `wall clock limit per scenario, 0 for none`)
	fs.IntVarP(&f.parallel, `parallel`, `p`, runtime.GOMAXPROCS(0), `maximum scenarios run at once`)
	fs.BoolVar(&f.trace, `trace`, true, `print the trace of each scenario`)
	fs.BoolVarP(&f.dump, `dump`, `d`, false, `print the thread table of each scenario, once halted`)
	fs.BoolVarP(&f.metrics, `metrics`, `m`, false, `collect and print kernel metrics`)
	fs.BoolVar(&f.realTime, `real-time`, false, `use the wall clock, rather than virtual time`)

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		return 2
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return 2
	}
	if f.parallel < 1 {
		_, _ = fmt.Fprintln(stderr, `kschedsim: --parallel must be at least 1`)
		return 2
	}
	if f.promOut != `` {
		f.metrics = true
	}

	level, err := ksched.ParseLevel(f.logLevel)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "kschedsim: %v\n", err)
		return 2
	}

	opts := runOptions{
		logger:   ksched.NewLogger(&lockedWriter{w: stderr}, level),
		realTime: f.realTime,
		metrics:  f.metrics,
	}
	if f.config != `` {
		if opts.config, err = ksched.LoadConfig(f.config); err != nil {
			_, _ = fmt.Fprintf(stderr, "kschedsim: %v\n", err)
			return 2
		}
	}

	scenarios := make([]*Scenario, fs.NArg())
	for i, path := range fs.Args() {
		if scenarios[i], err = LoadScenario(path); err != nil {
			_, _ = fmt.Fprintf(stderr, "kschedsim: %v\n", err)
			return 2
		}
	}

	results := make([]*result, len(scenarios))
	var g errgroup.Group
	g.SetLimit(f.parallel)
	for i, s := range scenarios {
		g.Go(func() error {
			results[i] = runScenario(ctx, s, fs.Arg(i), f.timeout, opts)
			return nil
		})
	}
	_ = g.Wait()

	code := 0
	for i, res := range results {
		if i != 0 {
			_, _ = fmt.Fprintln(stdout)
		}
		if res.err != nil {
			code = 1
		}
		printResult(stdout, res, f)
	}

	if f.promOut != `` {
		reg := prometheus.NewRegistry()
		reg.MustRegister(newCollector(results))
		if err := prometheus.WriteToTextfile(f.promOut, reg); err != nil {
			_, _ = fmt.Fprintf(stderr, "kschedsim: %v\n", err)
			return 1
		}
	}

	return code
}

func runScenario(ctx context.Context, s *Scenario, path string, timeout time.Duration, opts runOptions) *result {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	opts.logger = opts.logger.Clone().Str(`scenario`, s.Name).Logger()
	res, err := s.Run(ctx, opts)
	if err != nil {
		res = &result{name: s.Name, err: err}
	}
	res.path = path
	return res
}

func printResult(w io.Writer, res *result, f flags) {
	status := `ok`
	if res.err != nil {
		status = res.err.Error()
	}
	_, _ = fmt.Fprintf(w, "=== %s (%s): %s\n", res.name, res.path, status)

	if f.trace {
		for _, line := range res.trace {
			_, _ = fmt.Fprintln(w, line)
		}
	}

	if f.dump && res.dump != `` {
		_, _ = fmt.Fprintf(w, "--- threads\n%s", res.dump)
	}

	if m := res.metrics; f.metrics && m != nil {
		_, _ = fmt.Fprintf(w, "--- metrics\n"+
			"context switches:  %d\n"+
			"preemptions:       %d\n"+
			"alarms fired:      %d\n"+
			"signals delivered: %d\n"+
			"deadline overruns: %d\n"+
			"threads:           %d created, %d exited\n"+
			"dispatch latency:  p50=%v p90=%v p99=%v max=%v mean=%v (n=%d)\n",
			m.ContextSwitches,
			m.Preemptions,
			m.AlarmsFired,
			m.SignalsDelivered,
			m.DeadlineOverruns,
			m.ThreadsCreated, m.ThreadsExited,
			m.DispatchLatency.P50,
			m.DispatchLatency.P90,
			m.DispatchLatency.P99,
			m.DispatchLatency.Max,
			m.DispatchLatency.Mean,
			m.DispatchLatency.Count,
		)
	}
}
