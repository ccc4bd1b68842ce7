package helpers

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/atomic_clock"
)

var ErrRetryExhausted = fmt.Errorf("retry attempts exhausted")

// Limited exponential backoff for retry delays.
// K=1 with Min=Max gives fixed delay.
// Update(false) or Failure() increases next delay by K.
// MaxAttempts=0 means unlimited Retry attempts.
type Backoff struct {
	next int64 // atomic align
	last atomic_clock.Clock

	Min         time.Duration
	Max         time.Duration
	K           float32
	Res         time.Duration // delay resolution for nice logs, default=1ms
	MaxAttempts int
}

func FixedBackoff(delay time.Duration, maxAttempts int) *Backoff {
	return &Backoff{Min: delay, Max: delay, K: 1, MaxAttempts: maxAttempts}
}

// Use scenario:
//
//	for {
//	  err := op()
//	  time.Sleep(backoff.DelayAfter(err==nil))
//	}
func (b *Backoff) DelayAfter(success bool) time.Duration {
	atomic.CompareAndSwapInt64(&b.next, 0, int64(b.Min))
	b.Update(success)
	return b.DelayBefore()
}

// Use scenario:
//
//	for {
//	  time.Sleep(backoff.DelayBefore())
//	  err := op()
//	  backoff.Update(err==nil)
//	}
func (b *Backoff) DelayBefore() time.Duration {
	next := time.Duration(atomic.LoadInt64(&b.next))
	if next == 0 {
		return 0
	}
	delay := b.limit(next)
	since := atomic_clock.Since(&b.last)
	if since >= delay {
		return 0
	}
	return b.round(delay - since)
}

// Increase next Delay()
func (b *Backoff) Failure() {
	next := time.Duration(atomic.LoadInt64(&b.next))
	next = time.Duration(float32(next) * b.K)
	next = b.limit(next)
	b.last.SetNow()
	atomic.StoreInt64(&b.next, int64(next))
}

func (b *Backoff) Reset() {
	b.last.SetNow()
	atomic.StoreInt64(&b.next, 0)
}

func (b *Backoff) Update(success bool) {
	if success {
		b.Reset()
	} else {
		b.Failure()
	}
}

// Retry calls op until it returns nil, sleeping DelayBefore() between attempts.
// Returns:
// - nil on success
// - ctx.Err() when context is done while waiting
// - ErrRetryExhausted (check with errors.Cause) after MaxAttempts failures
// attempt starts at 1.
func (b *Backoff) Retry(ctx context.Context, op func(attempt int) error) error {
	b.Reset()
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := op(attempt)
		if err == nil {
			b.Reset()
			return nil
		}
		if b.MaxAttempts > 0 && attempt >= b.MaxAttempts {
			return errors.Annotatef(ErrRetryExhausted, "attempts=%d last error: %v", attempt, err)
		}
		b.Failure()
		if err := Sleep(ctx, b.DelayBefore()); err != nil {
			return err
		}
	}
}

// Sleep returns ctx.Err() if context is done before d elapsed.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Backoff) limit(d time.Duration) time.Duration {
	if d < b.Min {
		d = b.Min
	}
	if b.Max != 0 && d > b.Max {
		d = b.Max
	}
	return b.round(d)
}

func (b *Backoff) round(d time.Duration) time.Duration {
	res := b.Res
	if res == 0 {
		res = 1 * time.Millisecond
	}
	return d / res * res
}
