package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestCollect(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	c := NewCollector(time.Millisecond, zap.New(core), t.TempDir())
	require.Equal(t, 30*time.Second, c.interval, "intervals under a second fall back to the default")

	require.Nil(t, c.GetMetrics())
	c.collect()

	m := c.GetMetrics()
	require.NotNil(t, m)
	require.False(t, m.Timestamp.IsZero())
	require.Equal(t, 1, logs.FilterMessage("System metrics").Len())
}

func TestRunStops(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	stop := Run(context.Background(), time.Second, zap.New(core), "")
	stop()
	require.Equal(t, 1, logs.FilterMessage("Metrics collection stopped").Len())

	// disabled
	Run(context.Background(), 0, zap.New(core), "")()
}

func TestRate(t *testing.T) {
	require.Equal(t, "1.0 MiB/s", rate(1<<20))
	require.Equal(t, "0 B/s", rate(-1))
}
