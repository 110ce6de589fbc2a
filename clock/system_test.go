package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestManualClockAdvance(t *testing.T) {
	require := require.New(t)
	start := time.UnixMilli(1700000000000)
	c := NewManual(start)
	require.Equal(uint64(1700000000000), c.CurrentTimeMs())

	c.Advance(1500 * time.Millisecond)
	require.Equal(uint64(1700000001500), c.CurrentTimeMs())
	require.True(c.Now().After(start))
}

func TestMsRoundTrip(t *testing.T) {
	require := require.New(t)
	ts := time.UnixMilli(1234567)
	require.Equal(ts, FromMs(ToMs(ts)))
}
