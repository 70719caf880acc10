// Copyright (c) 2014-2019 Cesanta Software Limited
// All rights reserved
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package retry implements the bounded WAIT-retry policy spec.md §7
// specifies (K=5, exponential 100us -> 3ms), generalized from the ad hoc
// 5-iteration loop in the CMSIS-DAP client's Transfer method.
package retry

import (
	"context"
	"time"

	"github.com/juju/errors"

	"github.com/cesanta/mcudbg/errs"
)

const (
	// MaxAttempts is K from spec §7.
	MaxAttempts = 5

	minBackoff = 100 * time.Microsecond
	maxBackoff = 3 * time.Millisecond
)

// Backoff returns the delay before retry attempt n (0-based), doubling from
// minBackoff and capping at maxBackoff.
func Backoff(n int) time.Duration {
	d := minBackoff << uint(n)
	if d > maxBackoff || d <= 0 {
		return maxBackoff
	}
	return d
}

// Retryable is implemented by errors that indicate a transient condition
// (probe WAIT response, USB timeout under the transport's own max) worth
// retrying locally. Errors that don't implement it propagate immediately.
type Retryable interface {
	Retryable() bool
}

// Do runs fn up to MaxAttempts times, sleeping Backoff(n) between attempts
// as long as the error it returns is Retryable. It yields to the scheduler
// on every wait (time.Sleep always does), honoring the "never pin the CPU"
// rule in spec §5.
func Do(ctx context.Context, fn func() error) error {
	var lastErr error
	for n := 0; n < MaxAttempts; n++ {
		if err := ctx.Err(); err != nil {
			return errors.Trace(err)
		}
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		r, ok := lastErr.(Retryable)
		if !ok || !r.Retryable() {
			return errors.Trace(lastErr)
		}
		select {
		case <-ctx.Done():
			return errors.Trace(ctx.Err())
		case <-time.After(Backoff(n)):
		}
	}
	return errors.Annotatef(lastErr, "retry: exhausted %d attempts", MaxAttempts)
}

// Poll repeats fn until it returns true, ctx is done, or deadline elapses.
// intervalCap bounds the sleep between polls (spec §5: "must not exceed 1ms
// to keep latency low"); every iteration sleeps at least once so the CPU is
// never pinned (the historical "100% CPU" regression this guards against).
func Poll(ctx context.Context, timeout time.Duration, op string, fn func() (bool, error)) error {
	deadline := time.Now().Add(timeout)
	const intervalCap = time.Millisecond
	interval := 50 * time.Microsecond
	for {
		done, err := fn()
		if err != nil {
			return errors.Trace(err)
		}
		if done {
			return nil
		}
		if time.Now().After(deadline) {
			return &errs.Timeout{Op: op, Duration: timeout.String()}
		}
		select {
		case <-ctx.Done():
			return errors.Trace(ctx.Err())
		case <-time.After(interval):
		}
		if interval < intervalCap {
			interval *= 2
			if interval > intervalCap {
				interval = intervalCap
			}
		}
	}
}
