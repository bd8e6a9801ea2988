package pipeline

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"
)

func TestFrameTimer_FiresEachPeriod(t *testing.T) {
	fc := clocktesting.NewFakeClock(time.Unix(0, 0))
	var fired atomic.Int64
	timer := NewFrameTimer(fc, 16*time.Millisecond, func() { fired.Add(1) })

	timer.Start()
	require.True(t, timer.Running())
	for i := int64(1); i <= 3; i++ {
		fc.Step(16 * time.Millisecond)
		require.Eventually(t, func() bool { return fired.Load() == i }, time.Second, time.Millisecond)
	}

	timer.Stop()
	assert.False(t, timer.Running())
	fc.Step(time.Second)
	assert.EqualValues(t, 3, fired.Load())
}

func TestFrameTimer_StopIsFinal(t *testing.T) {
	fc := clocktesting.NewFakeClock(time.Unix(0, 0))
	timer := NewFrameTimer(fc, 0, func() { t.Error("stopped timer fired") })

	timer.Stop()
	timer.Stop()
	timer.Start()
	assert.False(t, timer.Running())
	assert.False(t, fc.HasWaiters())
}

func TestFrameTimer_StartTwice(t *testing.T) {
	fc := clocktesting.NewFakeClock(time.Unix(0, 0))
	var fired atomic.Int64
	timer := NewFrameTimer(fc, 10*time.Millisecond, func() { fired.Add(1) })
	timer.Start()
	timer.Start()
	defer timer.Stop()

	fc.Step(10 * time.Millisecond)
	require.Eventually(t, func() bool { return fired.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	assert.EqualValues(t, 1, fired.Load())
}
