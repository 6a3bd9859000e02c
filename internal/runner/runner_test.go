package runner

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-offload/internal/config"
	"github.com/23skdu/longbow-offload/internal/gguf"
	"github.com/23skdu/longbow-offload/internal/pattern"
)

var prompts = []string{"hello world", "hi", "expert offloading", "moe"}

func smallConfig(family config.Family) config.RunConfig {
	cfg := config.Default(family)
	cfg.Model.Layers = 2
	cfg.Model.Experts = 4
	cfg.Model.TopK = 2
	cfg.Model.VocabSize = 300
	cfg.Model.ExpertBytes = 1024
	cfg.Offload.BufferSize = 2
	cfg.Offload.OffloadPerLayer = 2
	cfg.Data.BatchSize = 2
	cfg.Generation.MaxNewTokens = 3
	seed := uint64(17)
	cfg.Generation.Seed = &seed
	if family == config.FamilySwitch {
		cfg.Model.TopK = 1
	}
	return cfg
}

func primary() config.ClusterConfig {
	return config.ClusterConfig{WorldSize: 1}
}

func TestBaseline(t *testing.T) {
	var out bytes.Buffer
	r := &Runner{Config: smallConfig(config.FamilyMixtral), Cluster: primary(), Mode: config.Baseline{}, Prompts: prompts, Out: &out}
	rep, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, len(prompts)*3, rep.Tokens)
	assert.Len(t, rep.Batches, 2)
	assert.Contains(t, out.String(), "Throughput: 12 tokens/")

	for l := 0; l < 2; l++ {
		assert.LessOrEqual(t, len(r.Buffer().Resident(l)), 2)
	}
	assert.Positive(t, r.Buffer().Stats().Misses)
}

func TestCaptureThenReplay(t *testing.T) {
	for _, family := range []config.Family{config.FamilyMixtral, config.FamilySwitch} {
		t.Run(string(family), func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "pattern_matrices.pt")
			cfg := smallConfig(family)

			capture := &Runner{
				Config:  cfg,
				Cluster: primary(),
				Mode:    config.CapturePatterns{Output: path, Columnar: true},
				Prompts: prompts,
			}
			_, err := capture.Run(context.Background())
			require.NoError(t, err)

			f, err := pattern.Load(path)
			require.NoError(t, err)
			assert.Len(t, f.Records, len(prompts))
			assert.Equal(t, string(family), f.Header.Family)
			mirror, err := pattern.Load(ColumnarPath(path))
			require.NoError(t, err)
			assert.Equal(t, f.Records, mirror.Records)

			for _, idx := range f.Indices() {
				rec := f.Records[idx]
				assert.Len(t, rec.DecodePattern, 3)
				assert.Len(t, rec.PromptPattern, len(rec.PromptTokenIDs))
			}

			var out bytes.Buffer
			replayer := &Runner{Config: cfg, Cluster: primary(), Mode: config.ReplayPatterns{Input: path}, Out: &out, JSON: true}
			rep, err := replayer.Run(context.Background())
			require.NoError(t, err)
			assert.Equal(t, len(prompts)*3, rep.Tokens)
			assert.Contains(t, out.String(), "throughput_tokens_per_sec")
			assert.Positive(t, replayer.Buffer().Stats().Hits)
		})
	}
}

func TestReplayRejectsOtherGeometry(t *testing.T) {
	path := filepath.Join(t.TempDir(), "patterns.arrow")
	cfg := smallConfig(config.FamilyMixtral)
	_, err := (&Runner{Config: cfg, Cluster: primary(), Mode: config.CapturePatterns{Output: path}, Prompts: prompts}).Run(context.Background())
	require.NoError(t, err)

	cfg.Model.Layers = 3
	_, err = (&Runner{Config: cfg, Cluster: primary(), Mode: config.ReplayPatterns{Input: path}}).Run(context.Background())
	assert.ErrorIs(t, err, pattern.ErrIncompatible)
}

func TestCaptureOnlyPrimarySaves(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pattern_matrices.pt")
	r := &Runner{
		Config:  smallConfig(config.FamilyMixtral),
		Cluster: config.ClusterConfig{Rank: 1, WorldSize: 2, Launched: true},
		Mode:    config.CapturePatterns{Output: path},
		Prompts: prompts,
	}
	_, err := r.Run(context.Background())
	require.NoError(t, err)
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestPredictorMode(t *testing.T) {
	for _, family := range []config.Family{config.FamilyMixtral, config.FamilySwitch} {
		r := &Runner{Config: smallConfig(family), Cluster: primary(), Mode: config.ReplayWithPredictor{Predictor: "random"}, Prompts: prompts}
		rep, err := r.Run(context.Background())
		require.NoError(t, err, family)
		assert.Equal(t, len(prompts)*3, rep.Tokens)
	}

	r := &Runner{Config: smallConfig(config.FamilyMixtral), Cluster: primary(), Mode: config.ReplayWithPredictor{Predictor: "oracle"}, Prompts: prompts}
	_, err := r.Run(context.Background())
	assert.Error(t, err)
}

func TestRunRejectsBadConfig(t *testing.T) {
	cfg := smallConfig(config.FamilyMixtral)
	cfg.Model.VocabSize = 100
	_, err := (&Runner{Config: cfg, Cluster: primary(), Mode: config.Baseline{}, Prompts: prompts}).Run(context.Background())
	assert.ErrorContains(t, err, "vocab")

	cfg = smallConfig(config.FamilyMixtral)
	cfg.Offload.BufferSize = 1
	_, err = (&Runner{Config: cfg, Cluster: primary(), Mode: config.Baseline{}, Prompts: prompts}).Run(context.Background())
	assert.Error(t, err)
}

func TestColumnarPath(t *testing.T) {
	assert.Equal(t, "out/pattern_matrices.arrow", ColumnarPath("out/pattern_matrices.pt"))
	assert.Equal(t, "patterns.arrow", ColumnarPath("patterns"))
}

func TestProbeModelFile(t *testing.T) {
	tokens := []string{"<unk>", "<s>", "</s>"}
	for c := 'a'; c <= 'z'; c++ {
		tokens = append(tokens, string(c))
	}
	path := filepath.Join(t.TempDir(), "tiny.gguf")
	fx := gguf.MoEFixture{Arch: "llama", Name: "tiny", Layers: 3, Experts: 4, TopK: 2, Hidden: 8, FFN: 16, Tokens: tokens}
	require.NoError(t, fx.Build().WriteFile(path))

	cfg := smallConfig(config.FamilyMixtral)
	cfg.Model.Path = path
	r := &Runner{Config: cfg, Cluster: primary(), Mode: config.Baseline{}, Prompts: prompts}
	rep, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, len(prompts)*3, rep.Tokens)

	assert.Equal(t, 3, r.Config.Model.Layers)
	assert.Equal(t, len(tokens), r.Config.Model.VocabSize)
	assert.Equal(t, int64(3*8*16*2), r.Config.Model.ExpertBytes)
	layers, experts := r.Buffer().Geometry()
	assert.Equal(t, 3, layers)
	assert.Equal(t, 4, experts)

	cfg.Model.Path = filepath.Join(t.TempDir(), "missing.gguf")
	_, err = (&Runner{Config: cfg, Cluster: primary(), Mode: config.Baseline{}, Prompts: prompts}).Run(context.Background())
	assert.ErrorContains(t, err, "probe model")
}

func TestMonitorAndComputeCost(t *testing.T) {
	cfg := smallConfig(config.FamilyMixtral)
	cfg.MetricsAddr = "127.0.0.1:0"
	cfg.MinThroughput = 1e12
	cfg.Model.TokenLatency = 2 * time.Millisecond

	r := &Runner{Config: cfg, Cluster: primary(), Mode: config.Baseline{}, Prompts: prompts}
	rep, err := r.Run(context.Background())
	require.NoError(t, err)

	// 2 batches x 4 forward passes x at least 2 positions each
	assert.GreaterOrEqual(t, rep.Elapsed, 16*cfg.Model.TokenLatency)

	require.NotNil(t, r.monitor)
	st := r.monitor.Status()
	assert.Equal(t, "degraded", st.Status)
	require.NotEmpty(t, st.Alerts)
	assert.Equal(t, "run", st.Alerts[0].Component)
	assert.Equal(t, 2, st.Run.BatchesDone)
}
