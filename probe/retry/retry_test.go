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

package retry

import (
	"context"
	"testing"
	"time"

	"github.com/cesanta/mcudbg/errs"
)

// retryableErr is a minimal error implementing Retryable, for exercising
// Do's retry-vs-propagate branch.
type retryableErr struct {
	msg       string
	retryable bool
}

func (e *retryableErr) Error() string    { return e.msg }
func (e *retryableErr) Retryable() bool  { return e.retryable }

func TestBackoffDoublesAndCaps(t *testing.T) {
	if got := Backoff(0); got != minBackoff {
		t.Errorf("Backoff(0) = %s, want %s", got, minBackoff)
	}
	if got := Backoff(1); got != 2*minBackoff {
		t.Errorf("Backoff(1) = %s, want %s", got, 2*minBackoff)
	}
	// By attempt 10 the doubling should have saturated at maxBackoff.
	if got := Backoff(10); got != maxBackoff {
		t.Errorf("Backoff(10) = %s, want %s (capped)", got, maxBackoff)
	}
}

func TestDoSucceedsWithoutRetry(t *testing.T) {
	calls := 0
	err := Do(context.Background(), func() error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("Do: %s", err)
	}
	if calls != 1 {
		t.Errorf("fn called %d times, want 1", calls)
	}
}

func TestDoRetriesRetryableErrorThenSucceeds(t *testing.T) {
	calls := 0
	err := Do(context.Background(), func() error {
		calls++
		if calls < 3 {
			return &retryableErr{msg: "wait", retryable: true}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do: %s", err)
	}
	if calls != 3 {
		t.Errorf("fn called %d times, want 3", calls)
	}
}

func TestDoGivesUpAfterMaxAttempts(t *testing.T) {
	calls := 0
	err := Do(context.Background(), func() error {
		calls++
		return &retryableErr{msg: "always busy", retryable: true}
	})
	if err == nil {
		t.Fatalf("expected an error after exhausting retries")
	}
	if calls != MaxAttempts {
		t.Errorf("fn called %d times, want %d", calls, MaxAttempts)
	}
}

func TestDoPropagatesNonRetryableImmediately(t *testing.T) {
	calls := 0
	err := Do(context.Background(), func() error {
		calls++
		return &retryableErr{msg: "fatal", retryable: false}
	})
	if err == nil {
		t.Fatalf("expected an error")
	}
	if calls != 1 {
		t.Errorf("fn called %d times, want 1 (non-retryable should not retry)", calls)
	}
}

func TestPollSucceedsOnceConditionIsTrue(t *testing.T) {
	n := 0
	err := Poll(context.Background(), time.Second, "test condition", func() (bool, error) {
		n++
		return n >= 3, nil
	})
	if err != nil {
		t.Fatalf("Poll: %s", err)
	}
	if n < 3 {
		t.Errorf("condition checked %d times, want >= 3", n)
	}
}

func TestPollTimesOut(t *testing.T) {
	err := Poll(context.Background(), 20*time.Millisecond, "never happens", func() (bool, error) {
		return false, nil
	})
	if err == nil {
		t.Fatalf("expected a timeout error")
	}
	if _, ok := err.(*errs.Timeout); !ok {
		t.Errorf("expected *errs.Timeout, got %T", err)
	}
}

func TestPollPropagatesFnError(t *testing.T) {
	sentinel := &retryableErr{msg: "read failed"}
	err := Poll(context.Background(), time.Second, "op", func() (bool, error) {
		return false, sentinel
	})
	if err == nil {
		t.Fatalf("expected an error")
	}
}

func TestPollRespectsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Poll(ctx, time.Second, "op", func() (bool, error) {
		return false, nil
	})
	if err == nil {
		t.Fatalf("expected context cancellation to surface as an error")
	}
}
