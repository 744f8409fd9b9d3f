package main

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/benbjohnson/clock"
	"github.com/joeycumines/go-ksched"
	"github.com/joeycumines/go-ksched/ksync"
	"github.com/joeycumines/logiface"
)

type (
	// Scenario is a simulation, decoded from a TOML file.
	//
	// Example:
	//
	//	name = "priority inversion"
	//
	//	[kernel]
	//	priorities = 8
	//
	//	[[mutex]]
	//	name = "m"
	//
	//	[[thread]]
	//	name = "low"
	//	priority = 1
	//	ops = ["lock m", "work 10ms", "unlock m"]
	Scenario struct {
		Name     string         `toml:"name"`
		Kernel   ksched.Config  `toml:"kernel"`
		Mutexes  []ResourceSpec `toml:"mutex"`
		Sems     []ResourceSpec `toml:"sem"`
		Queues   []ResourceSpec `toml:"msgq"`
		Handlers []HandlerSpec  `toml:"handler"`
		Threads  []ThreadSpec   `toml:"thread"`
	}

	// ResourceSpec declares a named synchronization primitive. Value is the
	// initial value of a semaphore, or the capacity of a message queue.
	ResourceSpec struct {
		Name        string `toml:"name"`
		Value       int    `toml:"value"`
		Recursive   bool   `toml:"recursive"`
		NonBlocking bool   `toml:"non_blocking"`
	}

	// HandlerSpec installs a signal action, shared by every thread.
	HandlerSpec struct {
		Signal string   `toml:"signal"`
		Ops    []string `toml:"ops"`
		Mask   []string `toml:"mask"`
		Ignore bool     `toml:"ignore"`
	}

	// ThreadSpec declares a thread, created before the kernel boots. Ops run
	// Repeat times (at least once). EDF threads wait for their next period
	// after each repetition.
	ThreadSpec struct {
		Name     string          `toml:"name"`
		Policy   string          `toml:"policy"`
		Overrun  string          `toml:"overrun"`
		Ops      []string        `toml:"ops"`
		Mask     []string        `toml:"mask"`
		Period   ksched.Duration `toml:"period"`
		Deadline ksched.Duration `toml:"deadline"`
		Priority int             `toml:"priority"`
		Repeat   int             `toml:"repeat"`
		Status   int             `toml:"status"`
		Detached bool            `toml:"detached"`
	}

	// op is a compiled scenario operation, run on a kernel thread.
	op func(r *runner) error

	// runner is the state of a single scenario run.
	runner struct {
		k       *ksched.Kernel
		start   time.Time
		ids     map[string]ksched.ThreadID
		mutexes map[string]*ksync.Mutex
		sems    map[string]*ksync.Sem
		queues  map[string]*ksync.MsgQueue
		trace   []string
	}

	// result is the outcome of a scenario run.
	result struct {
		err     error
		metrics *ksched.Metrics
		name    string
		path    string
		trace   []string
		dump    string
	}

	// runOptions are the scenario independent settings.
	runOptions struct {
		logger   *logiface.Logger[logiface.Event]
		config   *ksched.Config
		realTime bool
		metrics  bool
	}
)

var signalsByName = map[string]ksched.Signal{
	"SIGHUP":  ksched.SigHup,
	"SIGINT":  ksched.SigInt,
	"SIGQUIT": ksched.SigQuit,
	"SIGKILL": ksched.SigKill,
	"SIGUSR1": ksched.SigUsr1,
	"SIGUSR2": ksched.SigUsr2,
	"SIGALRM": ksched.SigAlrm,
	"SIGTERM": ksched.SigTerm,
	"SIGCHLD": ksched.SigChld,
}

// LoadScenario reads and decodes a scenario file. Unknown keys are an error.
func LoadScenario(path string) (*Scenario, error) {
	var s Scenario
	md, err := toml.DecodeFile(path, &s)
	if err != nil {
		return nil, err
	}
	if keys := md.Undecoded(); len(keys) != 0 {
		return nil, fmt.Errorf("%s: unknown keys: %v", path, keys)
	}
	if s.Name == "" {
		s.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return &s, nil
}

func parseSignal(s string) (ksched.Signal, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if !strings.HasPrefix(s, "SIG") {
		s = "SIG" + s
	}
	if sig, ok := signalsByName[s]; ok {
		return sig, nil
	}
	if n, err := strconv.Atoi(strings.TrimPrefix(s, "SIG")); err == nil && n > 0 && n < ksched.NumSignals {
		return ksched.Signal(n), nil
	}
	return 0, fmt.Errorf("unknown signal: %q", s)
}

func parseSigSet(names []string) (ksched.SigSet, error) {
	var set ksched.SigSet
	for _, name := range names {
		sig, err := parseSignal(name)
		if err != nil {
			return 0, err
		}
		set = set.Add(sig)
	}
	return set, nil
}

func parsePolicy(s string) (ksched.SchedPolicy, error) {
	switch strings.ToLower(s) {
	case "", "fifo":
		return ksched.PolicyFifo, nil
	case "rr", "roundrobin", "round-robin":
		return ksched.PolicyRoundRobin, nil
	case "edf":
		return ksched.PolicyEDF, nil
	default:
		return 0, fmt.Errorf("unknown policy: %q", s)
	}
}

func parseOverrun(s string) (ksched.OverrunPolicy, error) {
	switch strings.ToLower(s) {
	case "", "terminate":
		return ksched.OverrunTerminate, nil
	case "continue":
		return ksched.OverrunContinue, nil
	case "skip":
		return ksched.OverrunSkip, nil
	default:
		return 0, fmt.Errorf("unknown overrun policy: %q", s)
	}
}

// compile parses a list of operations, e.g. "work 5ms", or "kill b SIGUSR1".
func compile(ops []string) ([]op, error) {
	compiled := make([]op, 0, len(ops))
	for _, s := range ops {
		o, err := compileOp(s)
		if err != nil {
			return nil, fmt.Errorf("op %q: %w", s, err)
		}
		compiled = append(compiled, o)
	}
	return compiled, nil
}

func compileOp(s string) (op, error) {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return nil, errors.New("empty")
	}
	verb, args := fields[0], fields[1:]

	arity := func(n int) error {
		if len(args) != n {
			return fmt.Errorf("%s takes %d argument(s)", verb, n)
		}
		return nil
	}
	duration := func() (time.Duration, error) {
		if err := arity(1); err != nil {
			return 0, err
		}
		return time.ParseDuration(args[0])
	}

	switch verb {
	case "work":
		d, err := duration()
		if err != nil {
			return nil, err
		}
		return func(r *runner) error {
			r.k.Work(d)
			return nil
		}, nil

	case "yield":
		return func(r *runner) error {
			r.k.Yield()
			return nil
		}, nil

	case "sleep":
		d, err := duration()
		if err != nil {
			return nil, err
		}
		return func(r *runner) error {
			left, err := ksync.Nanosleep(r.k, d)
			if err != nil {
				r.tracef("sleep interrupted, %s remaining", left)
			}
			return err
		}, nil

	case "lock", "trylock", "unlock":
		if err := arity(1); err != nil {
			return nil, err
		}
		name := args[0]
		return func(r *runner) error {
			m, ok := r.mutexes[name]
			if !ok {
				return fmt.Errorf("no such mutex: %s", name)
			}
			switch verb {
			case "lock":
				return m.Lock()
			case "trylock":
				return m.TryLock()
			default:
				return m.Unlock()
			}
		}, nil

	case "wait", "trywait", "post":
		if err := arity(1); err != nil {
			return nil, err
		}
		name := args[0]
		return func(r *runner) error {
			sem, ok := r.sems[name]
			if !ok {
				return fmt.Errorf("no such semaphore: %s", name)
			}
			switch verb {
			case "wait":
				return sem.Wait()
			case "trywait":
				return sem.TryWait()
			default:
				sem.Post()
				return nil
			}
		}, nil

	case "send":
		if len(args) < 2 || len(args) > 3 {
			return nil, errors.New("send takes a queue, a value, and an optional priority")
		}
		name, value := args[0], args[1]
		var prio int
		if len(args) == 3 {
			var err error
			if prio, err = strconv.Atoi(args[2]); err != nil {
				return nil, err
			}
		}
		return func(r *runner) error {
			q, ok := r.queues[name]
			if !ok {
				return fmt.Errorf("no such queue: %s", name)
			}
			return q.Send(value, prio)
		}, nil

	case "recv":
		if err := arity(1); err != nil {
			return nil, err
		}
		name := args[0]
		return func(r *runner) error {
			q, ok := r.queues[name]
			if !ok {
				return fmt.Errorf("no such queue: %s", name)
			}
			msg, err := q.Receive()
			if err == nil {
				r.tracef("received %v (priority %d)", msg.Data, msg.Priority)
			}
			return err
		}, nil

	case "kill":
		if err := arity(2); err != nil {
			return nil, err
		}
		sig, err := parseSignal(args[1])
		if err != nil {
			return nil, err
		}
		name := args[0]
		return func(r *runner) error {
			id, ok := r.ids[name]
			if !ok {
				return fmt.Errorf("no such thread: %s", name)
			}
			return r.k.Kill(id, sig)
		}, nil

	case "join":
		if err := arity(1); err != nil {
			return nil, err
		}
		name := args[0]
		return func(r *runner) error {
			id, ok := r.ids[name]
			if !ok {
				return fmt.Errorf("no such thread: %s", name)
			}
			status, err := r.k.Join(id)
			if err == nil {
				r.tracef("joined %s, status %d", name, status)
			}
			return err
		}, nil

	case "sigwait":
		set, err := parseSigSet(args)
		if err != nil {
			return nil, err
		}
		return func(r *runner) error {
			info, err := r.k.SigWaitInfo(set)
			if err == nil {
				r.tracef("sigwait got %s", info.Signo)
			}
			return err
		}, nil

	case "block", "unblock":
		set, err := parseSigSet(args)
		if err != nil {
			return nil, err
		}
		how := ksched.SigBlock
		if verb == "unblock" {
			how = ksched.SigUnblock
		}
		return func(r *runner) error {
			_, err := r.k.SigProcMask(how, set)
			return err
		}, nil

	case "exit":
		if err := arity(1); err != nil {
			return nil, err
		}
		status, err := strconv.Atoi(args[0])
		if err != nil {
			return nil, err
		}
		return func(r *runner) error {
			r.k.Exit(status)
			return nil
		}, nil

	case "log":
		msg := strings.Join(args, " ")
		return func(r *runner) error {
			r.tracef("%s", msg)
			return nil
		}, nil

	default:
		return nil, fmt.Errorf("unknown operation: %s", verb)
	}
}

func (r *runner) tracef(format string, args ...any) {
	r.trace = append(r.trace, fmt.Sprintf("%10s  %-8s  %s",
		r.k.Now().Sub(r.start),
		r.k.Current().Name(),
		fmt.Sprintf(format, args...),
	))
}

func (r *runner) run(ops []op, label []string) {
	for i, o := range ops {
		if err := o(r); err != nil {
			r.tracef("%s: %v", label[i], err)
		}
	}
}

// Run runs the scenario on a new kernel, until every thread has exited, the
// kernel deadlocks, or ctx is done.
func (s *Scenario) Run(ctx context.Context, opts runOptions) (*result, error) {
	cfg := s.Kernel
	if opts.config != nil {
		cfg = mergeConfig(cfg, *opts.config)
	}

	var clk clock.Clock
	if opts.realTime {
		clk = clock.New()
	} else {
		clk = clock.NewMock()
	}

	kopts := []ksched.KernelOption{
		ksched.WithConfig(&cfg),
		ksched.WithClock(clk),
		ksched.WithLogger(opts.logger),
	}
	if opts.metrics {
		kopts = append(kopts, ksched.WithMetrics(true))
	}
	k, err := ksched.New(kopts...)
	if err != nil {
		return nil, err
	}

	r := &runner{
		k:       k,
		start:   clk.Now(),
		ids:     make(map[string]ksched.ThreadID),
		mutexes: make(map[string]*ksync.Mutex),
		sems:    make(map[string]*ksync.Sem),
		queues:  make(map[string]*ksync.MsgQueue),
	}

	for _, m := range s.Mutexes {
		typ := ksync.MutexErrorCheck
		if m.Recursive {
			typ = ksync.MutexRecursive
		}
		r.mutexes[m.Name] = ksync.NewMutex(k, typ)
	}
	for _, sem := range s.Sems {
		r.sems[sem.Name] = ksync.NewSem(k, sem.Value)
	}
	for _, q := range s.Queues {
		if q.Value <= 0 {
			return nil, fmt.Errorf("msgq %s: capacity must be positive", q.Name)
		}
		mq := ksync.NewMsgQueue(k, q.Value)
		mq.NonBlocking = q.NonBlocking
		r.queues[q.Name] = mq
	}

	for _, h := range s.Handlers {
		sig, err := parseSignal(h.Signal)
		if err != nil {
			return nil, err
		}
		mask, err := parseSigSet(h.Mask)
		if err != nil {
			return nil, err
		}
		ops, err := compile(h.Ops)
		if err != nil {
			return nil, fmt.Errorf("handler %s: %w", sig, err)
		}
		act := ksched.SigAction{Mask: mask, Ignore: h.Ignore}
		if !h.Ignore {
			act.Handler = func(info ksched.SigInfo) {
				r.tracef("handling %s", info.Signo)
				r.run(ops, h.Ops)
			}
		}
		if _, err := k.Sigaction(sig, &act); err != nil {
			return nil, fmt.Errorf("handler %s: %w", sig, err)
		}
	}

	for _, spec := range s.Threads {
		entry, attr, err := r.thread(spec)
		if err != nil {
			return nil, fmt.Errorf("thread %s: %w", spec.Name, err)
		}
		if _, ok := r.ids[spec.Name]; ok {
			return nil, fmt.Errorf("thread %s: duplicate name", spec.Name)
		}
		r.ids[spec.Name] = k.CreateThread(entry, nil, attr)
	}

	res := &result{name: s.Name}
	res.err = k.Run(ctx)
	res.trace = r.trace
	res.metrics = k.Metrics()
	var b strings.Builder
	if err := k.Dump(&b); err != nil {
		return nil, err
	}
	res.dump = b.String()
	return res, nil
}

// thread builds the entry point of a scenario thread.
func (r *runner) thread(spec ThreadSpec) (ksched.Entry, *ksched.ThreadAttr, error) {
	policy, err := parsePolicy(spec.Policy)
	if err != nil {
		return nil, nil, err
	}
	overrun, err := parseOverrun(spec.Overrun)
	if err != nil {
		return nil, nil, err
	}
	mask, err := parseSigSet(spec.Mask)
	if err != nil {
		return nil, nil, err
	}
	ops, err := compile(spec.Ops)
	if err != nil {
		return nil, nil, err
	}

	attr := &ksched.ThreadAttr{
		Name:     spec.Name,
		Priority: spec.Priority,
		SigMask:  mask,
		Detached: spec.Detached,
	}
	if policy == ksched.PolicyRoundRobin {
		attr.Policy = policy
	}

	repeat := max(spec.Repeat, 1)

	entry := func(any) int {
		r.tracef("start")

		var edf *ksched.SchedParam
		if policy == ksched.PolicyEDF {
			self := r.k.Current()
			edf = &ksched.SchedParam{
				Priority: self.Priority(),
				EDF: ksched.EDFParam{
					Period:   spec.Period.Duration,
					Deadline: spec.Deadline.Duration,
					Op:       ksched.EDFSet,
					Overrun:  overrun,
				},
			}
			if err := r.k.SetSchedParam(nil, ksched.PolicyEDF, edf); err != nil {
				r.tracef("edf set: %v", err)
				return -1
			}
		}

		for i := 0; i < repeat; i++ {
			r.run(ops, spec.Ops)
			if edf != nil {
				edf.EDF.Op = ksched.EDFWait
				if err := r.k.SetSchedParam(nil, ksched.PolicyEDF, edf); err != nil {
					r.tracef("edf wait: %v", err)
				}
			}
		}

		if edf != nil {
			edf.EDF.Op = ksched.EDFExit
			if err := r.k.SetSchedParam(nil, ksched.PolicyEDF, edf); err != nil {
				r.tracef("edf exit: %v", err)
			}
		}

		r.tracef("exit %d", spec.Status)
		return spec.Status
	}

	return entry, attr, nil
}

// mergeConfig overlays the non-zero fields of override onto base.
func mergeConfig(base, override ksched.Config) ksched.Config {
	if override.Preemption != nil {
		base.Preemption = override.Preemption
	}
	if override.LogLevel != "" {
		base.LogLevel = override.LogLevel
	}
	if override.TimeSlice.Duration != 0 {
		base.TimeSlice = override.TimeSlice
	}
	if override.MinTimeSlice.Duration != 0 {
		base.MinTimeSlice = override.MinTimeSlice
	}
	if override.Priorities != 0 {
		base.Priorities = override.Priorities
	}
	if override.MaxThreads != 0 {
		base.MaxThreads = override.MaxThreads
	}
	if override.StackSize != 0 {
		base.StackSize = override.StackSize
	}
	if override.HeapLimit != 0 {
		base.HeapLimit = override.HeapLimit
	}
	if override.Metrics {
		base.Metrics = true
	}
	return base
}
