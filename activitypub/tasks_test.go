package activitypub

import (
	"context"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/deemkeen/stegofed/util"
	"github.com/stretchr/testify/assert"
)

func TestSchedulerBoundsConcurrency(t *testing.T) {
	s := NewScheduler(2, util.NewTestLogger(io.Discard))
	defer s.Close()

	var running, peak atomic.Int32
	for range 8 {
		s.Submit("work", func(ctx context.Context) {
			n := running.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			running.Add(-1)
		})
	}
	s.Wait()
	assert.LessOrEqual(t, peak.Load(), int32(2))
	assert.Equal(t, int32(0), running.Load())
}

func TestSchedulerDelay(t *testing.T) {
	s := NewScheduler(1, util.NewTestLogger(io.Discard))
	defer s.Close()

	start := time.Now()
	var ranAt atomic.Int64
	s.SubmitAfter("later", 50*time.Millisecond, func(ctx context.Context) {
		ranAt.Store(time.Since(start).Milliseconds())
	})
	s.Wait()
	assert.GreaterOrEqual(t, ranAt.Load(), int64(50))
}

func TestSchedulerCloseCancelsPending(t *testing.T) {
	s := NewScheduler(1, util.NewTestLogger(io.Discard))

	var ran atomic.Bool
	s.SubmitAfter("never", time.Hour, func(ctx context.Context) { ran.Store(true) })
	s.Close()
	assert.False(t, ran.Load())

	// submissions after close are dropped
	s.Submit("dropped", func(ctx context.Context) { ran.Store(true) })
	s.Wait()
	assert.False(t, ran.Load())
}

func TestSchedulerRecoversPanics(t *testing.T) {
	s := NewScheduler(1, util.NewTestLogger(io.Discard))
	defer s.Close()

	var after atomic.Bool
	s.Submit("boom", func(ctx context.Context) { panic("boom") })
	s.Submit("after", func(ctx context.Context) { after.Store(true) })
	s.Wait()
	assert.True(t, after.Load())
}
