package loadtest

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeLatencyStats(t *testing.T) {
	var durations []time.Duration
	for i := 100; i >= 1; i-- {
		durations = append(durations, time.Duration(i)*time.Millisecond)
	}

	stats := computeLatencyStats(durations)
	assert.Equal(t, 100, stats.Samples)
	assert.Equal(t, time.Millisecond, stats.Min)
	assert.Equal(t, 100*time.Millisecond, stats.Max)
	assert.Equal(t, 51*time.Millisecond, stats.P50)
	assert.Equal(t, 96*time.Millisecond, stats.P95)
	assert.Equal(t, 100*time.Millisecond, stats.P99)
	assert.Equal(t, 50500*time.Microsecond, stats.Mean)

	assert.Equal(t, 100*time.Millisecond, durations[0], "input is not reordered")
	assert.Equal(t, LatencyStats{}, computeLatencyStats(nil))
}

func TestRunDrain(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping drain in short mode")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	result, err := RunDrain(ctx, Options{
		DBPath:        filepath.Join(t.TempDir(), "drain.db"),
		Records:       40,
		Workers:       4,
		Callers:       5,
		UploadLatency: time.Millisecond,
		PayloadSize:   256,
	})
	require.NoError(t, err)

	assert.Equal(t, 40, result.Synced)
	assert.Equal(t, 40, result.Uploads, "each record uploads exactly once")
	assert.Equal(t, 40, result.Latency.Samples)
	assert.Zero(t, result.Latency.Errors)
	assert.LessOrEqual(t, result.Latency.P50, result.Latency.P99)
	assert.Greater(t, result.Throughput, 0.0)

	var out bytes.Buffer
	result.Print(&out)
	assert.Contains(t, out.String(), "P95:")
}

func TestRunDrain_RequiresDBPath(t *testing.T) {
	_, err := RunDrain(context.Background(), Options{})
	assert.Error(t, err)
}
