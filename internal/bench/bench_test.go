package bench

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHarnessRun(t *testing.T) {
	var seen []int
	h := &Harness{Mode: "baseline", OnBatch: func(r BatchResult) { seen = append(seen, r.Index) }}
	rep, err := h.Run(context.Background(), 3, func(_ context.Context, i int) (int, error) {
		time.Sleep(2 * time.Millisecond)
		return 10 * (i + 1), nil
	})
	require.NoError(t, err)
	assert.Equal(t, 60, rep.Tokens)
	assert.Len(t, rep.Batches, 3)
	assert.Equal(t, []int{0, 1, 2}, seen)
	assert.GreaterOrEqual(t, rep.Elapsed, 6*time.Millisecond)
	assert.Positive(t, rep.TokensPerSecond())
	for _, b := range rep.Batches {
		assert.LessOrEqual(t, b.Duration, rep.Elapsed)
	}
}

func TestHarnessStopsOnError(t *testing.T) {
	boom := errors.New("out of memory")
	h := &Harness{}
	rep, err := h.Run(context.Background(), 5, func(_ context.Context, i int) (int, error) {
		if i == 2 {
			return 0, boom
		}
		return 4, nil
	})
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "batch 2")
	assert.Equal(t, 8, rep.Tokens)
	assert.Len(t, rep.Batches, 2)
}

func TestHarnessCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	calls := 0
	_, err := (&Harness{}).Run(ctx, 3, func(context.Context, int) (int, error) {
		calls++
		return 1, nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, calls)
}

func TestReportOutput(t *testing.T) {
	rep := &Report{
		Mode:    "replay",
		Batches: []BatchResult{{Index: 0, Tokens: 64, Duration: 2 * time.Second}, {Index: 1, Tokens: 64, Duration: 2 * time.Second}},
		Tokens:  128,
		Elapsed: 4 * time.Second,
	}
	assert.Equal(t, "Throughput: 128 tokens/4.00 sec = 32.00 tokens/s", rep.Summary())

	var buf bytes.Buffer
	rep.Render(&buf)
	out := buf.String()
	assert.Contains(t, out, "TOKENS/S")
	assert.Contains(t, out, "32.00")
	assert.True(t, strings.HasSuffix(out, rep.Summary()+"\n"))

	buf.Reset()
	require.NoError(t, rep.WriteJSON(&buf))
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, 32.0, decoded["throughput_tokens_per_sec"])
	assert.Equal(t, 128.0, decoded["tokens_generated"])

	assert.Zero(t, (&Report{}).TokensPerSecond())
}
