package codec

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	clocktesting "k8s.io/utils/clock/testing"
)

func TestFrameStamps_FollowWriteTime(t *testing.T) {
	clk := clocktesting.NewFakeClock(time.Unix(1_700_000_000, 0))
	s := newFrameStamps(clk, 30)

	// a source delivering 10 frames per second against a 30 fps format
	for i := 0; i < 3; i++ {
		s.mark()
		clk.Step(100 * time.Millisecond)
	}
	assert.EqualValues(t, 0, s.next())
	assert.EqualValues(t, 100_000, s.next())
	assert.EqualValues(t, 200_000, s.next())
	assert.EqualValues(t, 233_333, s.end())
}

func TestFrameStamps_NeverGoBackwards(t *testing.T) {
	clk := clocktesting.NewFakeClock(time.Unix(1_700_000_000, 0))
	s := newFrameStamps(clk, 25)

	s.mark()
	s.mark()
	assert.EqualValues(t, 0, s.next())
	assert.EqualValues(t, 1, s.next(), "same write time")
	assert.EqualValues(t, 40_001, s.next(), "unit without a recorded write")
}

func TestFrameStamps_EmptyStream(t *testing.T) {
	s := newFrameStamps(clocktesting.NewFakeClock(time.Now()), 0)
	assert.Zero(t, s.end())
}
