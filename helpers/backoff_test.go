package helpers

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackoffDelay(t *testing.T) {
	t.Parallel()

	b := Backoff{Min: 10 * time.Millisecond, Max: 40 * time.Millisecond, K: 2}
	assert.Equal(t, time.Duration(0), b.DelayBefore())
	b.Failure()
	assert.InDelta(t, float64(10*time.Millisecond), float64(b.DelayBefore()), float64(2*time.Millisecond))
	b.Failure()
	b.Failure()
	b.Failure()
	assert.InDelta(t, float64(40*time.Millisecond), float64(b.DelayBefore()), float64(2*time.Millisecond))
	b.Reset()
	assert.Equal(t, time.Duration(0), b.DelayBefore())
}

func TestRetry(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name       string
		maxAtt     int
		failFirst  int
		ctxTimeout time.Duration
		expectErr  error
		expectCall int
	}{
		{"success-first", 0, 0, 0, nil, 1},
		{"eventual-success", 0, 7, 0, nil, 8},
		{"exhausted", 3, 100, 0, ErrRetryExhausted, 3},
		{"canceled", 0, 1 << 30, 30 * time.Millisecond, context.DeadlineExceeded, -1},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			if c.ctxTimeout != 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, c.ctxTimeout)
				defer cancel()
			}
			b := FixedBackoff(time.Millisecond, c.maxAtt)
			calls := 0
			err := b.Retry(ctx, func(attempt int) error {
				calls++
				assert.Equal(t, calls, attempt)
				if attempt <= c.failFirst {
					return fmt.Errorf("attempt=%d", attempt)
				}
				return nil
			})
			if c.expectErr == nil {
				require.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Equal(t, c.expectErr, errors.Cause(err))
			}
			if c.expectCall >= 0 {
				assert.Equal(t, c.expectCall, calls)
			}
		})
	}
}
