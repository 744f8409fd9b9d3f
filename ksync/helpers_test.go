package ksync

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/go-test/deep"
	"github.com/joeycumines/go-ksched"
)

func newKernel(t *testing.T, opts ...ksched.KernelOption) *ksched.Kernel {
	t.Helper()
	k, err := ksched.New(append([]ksched.KernelOption{ksched.WithClock(clock.NewMock())}, opts...)...)
	if err != nil {
		t.Fatal(err)
	}
	return k
}

func run(t *testing.T, k *ksched.Kernel) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := k.Run(ctx); err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
}

// elapsed returns a func reporting the virtual time since it was created.
func elapsed(k *ksched.Kernel) func() time.Duration {
	start := k.Now()
	return func() time.Duration { return k.Now().Sub(start) }
}

// onSignal installs a handler for sig, that records name.
func onSignal(t *testing.T, k *ksched.Kernel, sig ksched.Signal, events *[]string, name string) {
	t.Helper()
	if _, err := k.Sigaction(sig, &ksched.SigAction{Handler: func(ksched.SigInfo) {
		*events = append(*events, name)
	}}); err != nil {
		t.Fatal(err)
	}
}

func checkEvents(t *testing.T, events, expected []string) {
	t.Helper()
	if diff := deep.Equal(events, expected); diff != nil {
		t.Errorf("unexpected events: %v\n%v", events, diff)
	}
}
