package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Family selects the model architecture being benchmarked.
type Family string

const (
	FamilyMixtral Family = "mixtral"
	FamilySwitch  Family = "switch"
)

func ParseFamily(s string) (Family, error) {
	switch Family(strings.ToLower(s)) {
	case FamilyMixtral:
		return FamilyMixtral, nil
	case FamilySwitch:
		return FamilySwitch, nil
	}
	return "", fmt.Errorf("unknown model family %q (want mixtral or switch)", s)
}

// ModelConfig describes the MoE geometry. When Path names a GGUF file the
// geometry fields are filled from its metadata before validation.
type ModelConfig struct {
	Family         Family `yaml:"family"`
	Path           string `yaml:"path"`
	Layers         int    `yaml:"layers"`
	Experts        int    `yaml:"experts"`
	TopK           int    `yaml:"top_k"`
	VocabSize      int    `yaml:"vocab_size"`
	ExpertBytes    int64  `yaml:"expert_bytes"`
	PadID          int    `yaml:"pad_id"`
	DecoderStartID int    `yaml:"decoder_start_id"`
	// TokenLatency is the simulated compute cost of one position in a
	// forward pass.
	TokenLatency time.Duration `yaml:"token_latency"`
}

type OffloadConfig struct {
	BufferSize      int           `yaml:"buffer_size"`
	OffloadPerLayer int           `yaml:"offload_per_layer"`
	Parallelism     int           `yaml:"parallelism"`
	PrefetchTimeout time.Duration `yaml:"prefetch_timeout"`
	// BandwidthGBps and Latency drive the simulated host-to-device copy.
	BandwidthGBps float64       `yaml:"bandwidth_gbps"`
	Latency       time.Duration `yaml:"latency"`
}

type GenerationConfig struct {
	MaxNewTokens int     `yaml:"max_new_tokens"`
	Temperature  float64 `yaml:"temperature"`
	TopP         float64 `yaml:"top_p"`
	Seed         *uint64 `yaml:"seed"`
}

type SourceConfig struct {
	Path string `yaml:"path"`
	// Format is alpaca, jsonl or text.
	Format string `yaml:"format"`
	// Field names the jsonl key holding the prompt.
	Field    string `yaml:"field"`
	Template string `yaml:"template"`
	Limit    int    `yaml:"limit"`
}

type DataConfig struct {
	Sources   []SourceConfig `yaml:"sources"`
	BatchSize int            `yaml:"batch_size"`
	// Order is length, shuffle or none.
	Order         string `yaml:"order"`
	ShuffleSeed   uint64 `yaml:"shuffle_seed"`
	GroupByLength bool   `yaml:"group_by_length"`
}

type OutputConfig struct {
	// Columnar also writes an Arrow IPC mirror next to the pattern file.
	Columnar    bool   `yaml:"columnar"`
	PublishAddr string `yaml:"publish_addr"`
}

type RunConfig struct {
	Model      ModelConfig      `yaml:"model"`
	Offload    OffloadConfig    `yaml:"offload"`
	Generation GenerationConfig `yaml:"generation"`
	Data       DataConfig       `yaml:"data"`
	Output     OutputConfig     `yaml:"output"`

	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"`
	MetricsAddr string `yaml:"metrics_addr"`
	// MinThroughput (tokens/s) below which the run monitor raises an alert.
	MinThroughput float64 `yaml:"min_throughput"`
}

// Default returns the benchmark settings used for each model family.
func Default(family Family) RunConfig {
	cfg := RunConfig{
		Offload: OffloadConfig{
			Parallelism:     4,
			PrefetchTimeout: 2 * time.Second,
			BandwidthGBps:   16,
		},
		Data: DataConfig{
			Order: "length",
		},
		LogLevel:  "info",
		LogFormat: "console",
	}

	switch family {
	case FamilySwitch:
		cfg.Model = ModelConfig{
			Family:      FamilySwitch,
			Layers:      12,
			Experts:     16,
			TopK:        1,
			VocabSize:   32128,
			ExpertBytes: 2 * 768 * 3072 * 4,
		}
		cfg.Offload.BufferSize = 6
		cfg.Offload.OffloadPerLayer = 12
		cfg.Data.BatchSize = 8
		cfg.Generation = GenerationConfig{MaxNewTokens: 2, Temperature: 1, TopP: 1}
	default:
		cfg.Model = ModelConfig{
			Family:      FamilyMixtral,
			Layers:      32,
			Experts:     8,
			TopK:        2,
			VocabSize:   32000,
			ExpertBytes: 3 * 4096 * 14336 / 2,
		}
		cfg.Offload.BufferSize = 4
		cfg.Offload.OffloadPerLayer = 4
		cfg.Data.BatchSize = 16
		cfg.Generation = GenerationConfig{MaxNewTokens: 32, Temperature: 0.9, TopP: 0.9}
	}
	return cfg
}

// Load reads a YAML file over the defaults of the family it names. An
// empty path returns Default(family).
func Load(path string, family Family) (RunConfig, error) {
	if path == "" {
		return Default(family), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return RunConfig{}, fmt.Errorf("read config: %w", err)
	}
	return Parse(data, family)
}

// Parse decodes YAML over the defaults. A model.family key in the document
// takes precedence over the family argument.
func Parse(data []byte, family Family) (RunConfig, error) {
	var probe struct {
		Model struct {
			Family string `yaml:"family"`
		} `yaml:"model"`
	}
	if err := yaml.Unmarshal(data, &probe); err != nil {
		return RunConfig{}, fmt.Errorf("parse config: %w", err)
	}
	if probe.Model.Family != "" {
		f, err := ParseFamily(probe.Model.Family)
		if err != nil {
			return RunConfig{}, err
		}
		family = f
	}

	cfg := Default(family)
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return RunConfig{}, fmt.Errorf("parse config: %w", err)
	}
	cfg.Model.Family = family
	return cfg, nil
}

func (c *RunConfig) Validate() error {
	m := c.Model
	if m.Layers <= 0 {
		return fmt.Errorf("invalid layers: %d (must be positive)", m.Layers)
	}
	if m.Experts <= 0 {
		return fmt.Errorf("invalid experts: %d (must be positive)", m.Experts)
	}
	if m.TopK <= 0 {
		return fmt.Errorf("invalid top_k: %d (must be positive)", m.TopK)
	}
	if m.TopK > m.Experts {
		return fmt.Errorf("top_k (%d) > experts (%d)", m.TopK, m.Experts)
	}
	if m.VocabSize <= 0 {
		return fmt.Errorf("invalid vocab_size: %d (must be positive)", m.VocabSize)
	}
	if m.ExpertBytes < 0 {
		return fmt.Errorf("invalid expert_bytes: %d (must be non-negative)", m.ExpertBytes)
	}
	if m.TokenLatency < 0 {
		return fmt.Errorf("invalid token_latency: %s (must be non-negative)", m.TokenLatency)
	}

	o := c.Offload
	if o.BufferSize <= 0 {
		return fmt.Errorf("invalid buffer_size: %d (must be positive)", o.BufferSize)
	}
	if o.BufferSize > m.Experts {
		return fmt.Errorf("buffer_size (%d) > experts (%d)", o.BufferSize, m.Experts)
	}
	if o.BufferSize < m.TopK {
		return fmt.Errorf("buffer_size (%d) < top_k (%d)", o.BufferSize, m.TopK)
	}
	if o.OffloadPerLayer < 0 || o.OffloadPerLayer > m.Experts {
		return fmt.Errorf("invalid offload_per_layer: %d (must be in [0, %d])", o.OffloadPerLayer, m.Experts)
	}
	if o.Parallelism < 0 {
		return fmt.Errorf("invalid parallelism: %d (must be non-negative)", o.Parallelism)
	}
	if o.PrefetchTimeout < 0 {
		return fmt.Errorf("invalid prefetch_timeout: %s (must be non-negative)", o.PrefetchTimeout)
	}
	if o.BandwidthGBps < 0 {
		return fmt.Errorf("invalid bandwidth_gbps: %f (must be non-negative)", o.BandwidthGBps)
	}

	g := c.Generation
	if g.MaxNewTokens < 0 {
		return fmt.Errorf("invalid max_new_tokens: %d (must be non-negative)", g.MaxNewTokens)
	}
	if g.Temperature <= 0 {
		return fmt.Errorf("invalid temperature: %f (must be positive)", g.Temperature)
	}
	if g.TopP <= 0 || g.TopP > 1 {
		return fmt.Errorf("invalid top_p: %f (must be in (0, 1])", g.TopP)
	}

	if c.MinThroughput < 0 {
		return fmt.Errorf("invalid min_throughput: %f (must be non-negative)", c.MinThroughput)
	}

	if c.Data.BatchSize <= 0 {
		return fmt.Errorf("invalid batch_size: %d (must be positive)", c.Data.BatchSize)
	}
	switch c.Data.Order {
	case "length", "shuffle", "none":
	default:
		return fmt.Errorf("invalid order: %q (must be length, shuffle or none)", c.Data.Order)
	}
	for i, s := range c.Data.Sources {
		if s.Path == "" {
			return fmt.Errorf("data source %d: path is required", i)
		}
		if s.Limit < 0 {
			return fmt.Errorf("data source %d: invalid limit: %d (must be non-negative)", i, s.Limit)
		}
	}
	return nil
}

// OffloadSplit reports how many experts per layer stay in fast memory and
// how many are offloaded, across all layers.
func (c *RunConfig) OffloadSplit() (mainSize, offloadSize int) {
	return c.Model.Layers * (c.Model.Experts - c.Offload.OffloadPerLayer),
		c.Model.Layers * c.Offload.OffloadPerLayer
}

// BandwidthBytes converts BandwidthGBps to bytes per second.
func (c *RunConfig) BandwidthBytes() float64 {
	return c.Offload.BandwidthGBps * 1e9
}
