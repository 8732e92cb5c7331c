package perfstats

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMovingAverage(t *testing.T) {
	var m MovingAverage
	require.Equal(t, time.Duration(0), m.Average())
	m.Add(64 * time.Millisecond)
	require.Equal(t, 64*time.Millisecond, m.Average())
	m.Add(0)
	require.Equal(t, 63*time.Millisecond, m.Average())
}

func TestTimeAccumulator(t *testing.T) {
	a := TimeAccumulator{}
	require.Equal(t, time.Duration(0), a.Average())
	a.AddSample(10 * time.Millisecond)
	a.AddSample(30 * time.Millisecond)
	require.Equal(t, int64(2), a.Samples)
	require.Equal(t, 20*time.Millisecond, a.Average())
	require.Equal(t, 30*time.Millisecond, a.Max)
	a.Reset()
	require.Equal(t, int64(0), a.Samples)
}
