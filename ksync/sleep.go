package ksync

import (
	"time"

	"github.com/joeycumines/go-ksched"
)

// Nanosleep blocks the caller for d. If interrupted by a signal, it returns
// the time that remained, and EINTR.
func Nanosleep(k *ksched.Kernel, d time.Duration) (time.Duration, error) {
	if d < 0 {
		return 0, ksched.EINVAL
	}
	until := k.Now().Add(d)
	var q ksched.WaitQueue
	q.Init("sleep")
	_, err := block(k, &q, d, nil)
	switch err {
	case nil, ksched.ETIMEDOUT:
		return 0, nil
	default:
		return max(until.Sub(k.Now()), 0), err
	}
}
