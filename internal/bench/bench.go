// Package bench times batches of generation and reports throughput.
package bench

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/23skdu/longbow-offload/internal/logger"
	"github.com/23skdu/longbow-offload/internal/metrics"
)

// BatchFunc runs batch i and returns the number of tokens it generated.
type BatchFunc func(ctx context.Context, i int) (tokens int, err error)

type BatchResult struct {
	Index    int           `json:"index"`
	Tokens   int           `json:"tokens"`
	Duration time.Duration `json:"duration_ns"`
}

type Report struct {
	Mode    string        `json:"mode"`
	Batches []BatchResult `json:"batches"`
	Tokens  int           `json:"tokens_generated"`
	Elapsed time.Duration `json:"total_duration_ns"`
}

func (r *Report) TokensPerSecond() float64 {
	if r.Elapsed <= 0 {
		return 0
	}
	return float64(r.Tokens) / r.Elapsed.Seconds()
}

func (r *Report) Summary() string {
	return fmt.Sprintf("Throughput: %d tokens/%.2f sec = %.2f tokens/s", r.Tokens, r.Elapsed.Seconds(), r.TokensPerSecond())
}

// Render writes one row per batch followed by the summary line.
func (r *Report) Render(w io.Writer) {
	data := make([][]string, 0, len(r.Batches))
	for _, b := range r.Batches {
		tps := 0.0
		if b.Duration > 0 {
			tps = float64(b.Tokens) / b.Duration.Seconds()
		}
		data = append(data, []string{
			strconv.Itoa(b.Index),
			strconv.Itoa(b.Tokens),
			b.Duration.Round(time.Millisecond).String(),
			strconv.FormatFloat(tps, 'f', 2, 64),
		})
	}

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"BATCH", "TOKENS", "ELAPSED", "TOKENS/S"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	table.AppendBulk(data)
	table.Render()

	fmt.Fprintln(w, r.Summary())
}

type jsonSummary struct {
	*Report
	Throughput float64 `json:"throughput_tokens_per_sec"`
}

func (r *Report) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(jsonSummary{Report: r, Throughput: r.TokensPerSecond()})
}

// Harness runs batches sequentially and measures each one and the run as a
// whole.
type Harness struct {
	Mode string
	// OnBatch, when set, observes every finished batch.
	OnBatch func(BatchResult)
}

// Run executes fn for batches 0..n-1. A failing batch stops the run; the
// report covers the batches finished so far.
func (h *Harness) Run(ctx context.Context, n int, fn BatchFunc) (*Report, error) {
	rep := &Report{Mode: h.Mode}
	start := time.Now()
	defer func() {
		rep.Elapsed = time.Since(start)
		metrics.RecordThroughput(rep.TokensPerSecond())
	}()

	for i := 0; i < n; i++ {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		batchStart := time.Now()
		tokens, err := fn(ctx, i)
		if err != nil {
			return rep, fmt.Errorf("batch %d: %w", i, err)
		}
		res := BatchResult{Index: i, Tokens: tokens, Duration: time.Since(batchStart)}
		rep.Batches = append(rep.Batches, res)
		rep.Tokens += tokens
		metrics.RecordBatch(tokens, res.Duration)
		logger.Log.Info("batch done", "mode", h.Mode, "batch", i, "of", n, "tokens", tokens, "elapsed", res.Duration)
		if h.OnBatch != nil {
			h.OnBatch(res)
		}
	}
	return rep, nil
}
