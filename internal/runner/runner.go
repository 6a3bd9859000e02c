// Package runner wires configuration, model, expert buffer and benchmark
// harness together and executes one RunMode.
package runner

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/23skdu/longbow-offload/internal/bench"
	"github.com/23skdu/longbow-offload/internal/config"
	"github.com/23skdu/longbow-offload/internal/dataset"
	"github.com/23skdu/longbow-offload/internal/generate"
	"github.com/23skdu/longbow-offload/internal/gguf"
	"github.com/23skdu/longbow-offload/internal/logger"
	"github.com/23skdu/longbow-offload/internal/metrics"
	"github.com/23skdu/longbow-offload/internal/model"
	"github.com/23skdu/longbow-offload/internal/moe"
	"github.com/23skdu/longbow-offload/internal/monitoring"
	"github.com/23skdu/longbow-offload/internal/offload"
	"github.com/23skdu/longbow-offload/internal/pattern"
	"github.com/23skdu/longbow-offload/internal/replay"
	"github.com/23skdu/longbow-offload/internal/sample"
	"github.com/23skdu/longbow-offload/internal/tokenizer"
)

type Runner struct {
	Config  config.RunConfig
	Cluster config.ClusterConfig
	Mode    config.RunMode
	// Prompts, when set, replace the configured data sources.
	Prompts []string
	// Out receives the throughput report. Nil discards it.
	Out io.Writer
	// JSON renders the report as JSON instead of a table.
	JSON bool

	tok     tokenizer.Tokenizer
	geo     moe.Geometry
	buf     *offload.Buffer
	causal  model.CausalLM
	seq2seq model.Seq2SeqLM
	monitor *monitoring.HealthMonitor
	log     *logger.Logger
}

// Run prepares the model and buffer and benchmarks r.Mode.
func (r *Runner) Run(ctx context.Context) (*bench.Report, error) {
	if r.Mode == nil {
		return nil, fmt.Errorf("runner: no run mode")
	}
	r.log = logger.Log.With("rank", r.Cluster.Rank, "mode", r.Mode.String())
	if err := r.setup(); err != nil {
		return nil, err
	}
	if r.Config.Offload.OffloadPerLayer > 0 {
		warm := r.Config.Model.Experts - r.Config.Offload.OffloadPerLayer
		if warm > 0 {
			if err := r.buf.Warm(ctx, warm); err != nil {
				r.log.Warn("buffer warm-up incomplete", "err", err)
			}
		}
	}

	var (
		rep *bench.Report
		err error
	)
	switch m := r.Mode.(type) {
	case config.Baseline:
		rep, err = r.live(ctx, m.String(), nil, nil)
	case config.CapturePatterns:
		rep, err = r.capture(ctx, m)
	case config.ReplayPatterns:
		rep, err = r.replay(ctx, m)
	case config.ReplayWithPredictor:
		seed := uint64(0)
		if s := r.Config.Generation.Seed; s != nil {
			seed = *s
		}
		layers, experts := r.buf.Geometry()
		pred, perr := generate.NewPredictor(m.Predictor, moe.Geometry{Layers: layers, Experts: experts, TopK: r.geo.TopK}, seed)
		if perr != nil {
			return nil, perr
		}
		rep, err = r.live(ctx, m.String(), generate.PredictorPlanner{Predictor: pred}, nil)
	default:
		return nil, fmt.Errorf("unsupported run mode %T", r.Mode)
	}
	if r.monitor != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if serr := r.monitor.Stop(stopCtx); serr != nil {
			r.log.Warn("health monitor shutdown", "err", serr)
		}
		cancel()
	}
	if err != nil {
		return rep, err
	}

	st := r.buf.Stats()
	r.log.Info("run finished",
		"tokens", rep.Tokens,
		"elapsed", rep.Elapsed,
		"tokens_per_sec", rep.TokensPerSecond(),
		"hits", st.Hits,
		"misses", st.Misses,
		"evictions", st.Evictions,
		"overflows", st.Overflows,
		"stale", st.Stale,
	)
	if r.Out != nil {
		if r.JSON {
			err = rep.WriteJSON(r.Out)
		} else {
			rep.Render(r.Out)
		}
	}
	return rep, err
}

// setup probes the model file, validates the configuration and builds the
// tokenizer, buffer and simulated model.
func (r *Runner) setup() error {
	cfg := &r.Config
	r.tok = tokenizer.Byte{AddBOS: true}
	if cfg.Model.Path != "" {
		f, err := gguf.LoadFile(cfg.Model.Path)
		if err != nil {
			return fmt.Errorf("probe model: %w", err)
		}
		g, err := f.Geometry()
		if err != nil {
			return fmt.Errorf("probe model: %w", err)
		}
		cfg.Model.Layers, cfg.Model.Experts, cfg.Model.TopK = g.Layers, g.Experts, g.TopK
		if g.VocabSize > 0 {
			cfg.Model.VocabSize = g.VocabSize
		}
		if g.ExpertBytes > 0 {
			cfg.Model.ExpertBytes = g.ExpertBytes
		}
		if vocab, err := tokenizer.FromGGUF(f); err == nil {
			r.tok = vocab
		} else {
			r.log.Warn("model has no vocabulary, using byte tokenizer", "err", err)
		}
		r.log.Info("model probed", "arch", g.Architecture, "name", g.Name, "layers", g.Layers, "experts", g.Experts, "top_k", g.TopK)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if r.tok.VocabSize() > cfg.Model.VocabSize {
		return fmt.Errorf("tokenizer vocabulary (%d) exceeds model vocab_size (%d)", r.tok.VocabSize(), cfg.Model.VocabSize)
	}
	r.geo = moe.Geometry{Layers: cfg.Model.Layers, Experts: cfg.Model.Experts, TopK: cfg.Model.TopK}

	// encoder-decoder models keep encoder and decoder experts in one buffer
	bufLayers := r.geo.Layers
	if cfg.Model.Family == config.FamilySwitch {
		bufLayers *= 2
	}
	loader := offload.SimulatedLoader{
		ExpertBytes: cfg.Model.ExpertBytes,
		Bandwidth:   cfg.BandwidthBytes(),
		Latency:     cfg.Offload.Latency,
	}
	buf, err := offload.New(offload.Config{
		Layers:      bufLayers,
		Experts:     r.geo.Experts,
		BufferSize:  cfg.Offload.BufferSize,
		Parallelism: cfg.Offload.Parallelism,
		Timeout:     cfg.Offload.PrefetchTimeout,
	}, loader)
	if err != nil {
		return err
	}
	r.buf = buf

	seed := uint64(0)
	if cfg.Generation.Seed != nil {
		seed = *cfg.Generation.Seed
	}
	sim := model.SimConfig{
		Geometry:     r.geo,
		VocabSize:    cfg.Model.VocabSize,
		Seed:         seed,
		Experts:      buf,
		TokenLatency: cfg.Model.TokenLatency,
	}
	if cfg.Model.Family == config.FamilySwitch {
		r.seq2seq, err = model.NewSimulatedSeq2Seq(sim)
	} else {
		r.causal, err = model.NewSimulated(sim)
	}
	if err != nil {
		return err
	}

	mainSize, offloadSize := cfg.OffloadSplit()
	r.log.Info("expert buffer ready",
		"family", string(cfg.Model.Family),
		"layers", bufLayers,
		"buffer_size", cfg.Offload.BufferSize,
		"main_size", mainSize,
		"offload_size", offloadSize,
		"world_size", r.Cluster.WorldSize,
	)
	return nil
}

func (r *Runner) harness(mode string, batches int) *bench.Harness {
	h := &bench.Harness{Mode: mode}
	if r.Config.MetricsAddr != "" && r.monitor == nil {
		hm := monitoring.NewHealthMonitor(mode, batches)
		hm.Stats = r.buf.Stats
		hm.MinThroughput = r.Config.MinThroughput
		if err := hm.Start(r.Config.MetricsAddr); err != nil {
			r.log.Warn("health monitor disabled", "err", err)
		} else {
			r.monitor = hm
		}
	}
	if r.monitor != nil {
		h.OnBatch = r.monitor.RecordBatch
	}
	return h
}

func (r *Runner) promptBatches() ([]dataset.Batch, error) {
	prompts := r.Prompts
	if len(prompts) == 0 {
		var err error
		if prompts, err = dataset.Load(r.Config.Data.Sources); err != nil {
			return nil, err
		}
	}
	prompts = dataset.Order(prompts, r.Config.Data.Order, r.Config.Data.ShuffleSeed)
	groups := dataset.Split(prompts, r.Config.Data.BatchSize)
	out := make([]dataset.Batch, len(groups))
	for i, g := range groups {
		out[i] = dataset.Encode(r.tok, g, r.Config.Model.PadID)
	}
	return out, nil
}

func (r *Runner) sampler() generate.NucleusSampler {
	g := r.Config.Generation
	return generate.NucleusSampler{Nucleus: sample.New(sample.Config{Temperature: g.Temperature, TopP: g.TopP, Seed: g.Seed})}
}

// captured is called with every finished batch and its routing trace.
type captured func(b dataset.Batch, tr *moe.Trace, tokens, mask [][]int) error

// live generates from prompts with sampling. planner may be nil; onBatch,
// when set, receives each batch's trace.
func (r *Runner) live(ctx context.Context, mode string, planner generate.Planner, onBatch captured) (*bench.Report, error) {
	batches, err := r.promptBatches()
	if err != nil {
		return nil, err
	}
	n := r.Config.Generation.MaxNewTokens
	var pf offload.Prefetcher
	if planner != nil {
		pf = r.buf
	}
	sampler := r.sampler()

	h := r.harness(mode, len(batches))
	return h.Run(ctx, len(batches), func(ctx context.Context, i int) (int, error) {
		b := batches[i]
		if r.seq2seq != nil {
			g := &generate.Seq2SeqGenerator{
				Model:          r.seq2seq,
				Sampler:        sampler,
				MaxNewTokens:   n,
				DecoderStartID: r.Config.Model.DecoderStartID,
				Planner:        planner,
				Prefetcher:     pf,
			}
			res, err := g.Generate(ctx, b)
			if err != nil {
				return 0, err
			}
			if onBatch != nil {
				tr, tokens, mask, err := res.Flatten(b)
				if err != nil {
					return 0, err
				}
				if err := onBatch(b, tr, tokens, mask); err != nil {
					return 0, err
				}
			}
			return b.Size() * n, nil
		}

		g := &generate.Generator{
			Model:        r.causal,
			Sampler:      sampler,
			MaxNewTokens: n,
			Planner:      planner,
			Prefetcher:   pf,
		}
		res, err := g.Generate(ctx, b)
		if err != nil {
			return 0, err
		}
		r.log.Debug("batch shape", "batch", b.Size(), "prompt_len", b.PromptLen(), "sequence_len", len(res.Tokens[0]))
		if onBatch != nil {
			if err := onBatch(b, res.Trace, res.Tokens, res.Mask); err != nil {
				return 0, err
			}
		}
		return b.Size() * n, nil
	})
}

func (r *Runner) capture(ctx context.Context, m config.CapturePatterns) (*bench.Report, error) {
	c := pattern.NewCollector()
	rep, err := r.live(ctx, m.String(), nil, func(b dataset.Batch, tr *moe.Trace, tokens, mask [][]int) error {
		recs, err := pattern.Extract(tr, tokens, mask, b.Texts, r.geo.TopK)
		if err != nil {
			return err
		}
		c.Add(recs)
		metrics.RecordPatternRecords(len(recs))
		return nil
	})
	if err != nil {
		return rep, err
	}
	if !r.Cluster.IsPrimary() {
		r.log.Info("not rank 0, skipping pattern save")
		return rep, nil
	}

	f := c.File(pattern.NewHeader(string(r.Config.Model.Family), r.geo, r.Config.Generation.MaxNewTokens))
	if err := pattern.Save(m.Output, f); err != nil {
		return rep, err
	}
	r.log.Info("patterns saved", "path", m.Output, "records", c.Len(), "run_id", f.Header.RunID)

	if m.Columnar && !pattern.IsColumnar(m.Output) {
		mirror := ColumnarPath(m.Output)
		if err := pattern.Save(mirror, f); err != nil {
			return rep, err
		}
		r.log.Info("columnar mirror saved", "path", mirror)
	}
	if m.PublishAddr != "" {
		pub, err := pattern.Dial(m.PublishAddr)
		if err != nil {
			return rep, err
		}
		defer pub.Close()
		if _, err := pub.Publish(ctx, f); err != nil {
			return rep, err
		}
	}
	return rep, nil
}

// ColumnarPath is the Arrow mirror written next to a pattern file.
func ColumnarPath(path string) string {
	return strings.TrimSuffix(path, filepath.Ext(path)) + ".arrow"
}

func (r *Runner) replay(ctx context.Context, m config.ReplayPatterns) (*bench.Report, error) {
	f, err := pattern.Load(m.Input)
	if err != nil {
		return nil, fmt.Errorf("load patterns: %w", err)
	}
	d := &replay.Driver{
		Model:          r.causal,
		Seq2Seq:        r.seq2seq,
		Prefetcher:     r.buf,
		MaxNewTokens:   r.Config.Generation.MaxNewTokens,
		DecoderStartID: r.Config.Model.DecoderStartID,
	}
	if err := d.Check(f); err != nil {
		return nil, err
	}
	batches, err := replay.Batches(f, r.Config.Data.BatchSize, r.Config.Data.GroupByLength, r.Config.Model.PadID)
	if err != nil {
		return nil, err
	}
	r.log.Info("patterns loaded", "path", m.Input, "records", len(f.Records), "batches", len(batches), "run_id", f.Header.RunID)

	h := r.harness(m.String(), len(batches))
	return h.Run(ctx, len(batches), func(ctx context.Context, i int) (int, error) {
		got, err := d.Replay(ctx, batches[i])
		if err != nil {
			return 0, err
		}
		tokens := 0
		for _, row := range got {
			tokens += len(row)
		}
		return tokens, nil
	})
}

// Buffer exposes the expert buffer after Run, for inspection.
func (r *Runner) Buffer() *offload.Buffer { return r.buf }
