package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/23skdu/longbow-offload/internal/config"
	"github.com/23skdu/longbow-offload/internal/dataset"
	"github.com/23skdu/longbow-offload/internal/logger"
	"github.com/23skdu/longbow-offload/internal/ollama"
	"github.com/23skdu/longbow-offload/internal/runner"
)

type options struct {
	task        int
	patternPath string
	debugBreak  bool
	configPath  string
	family      string
	modelPath   string
	promptFiles []string
	prompts     []string
	batchSize   int
	maxNew      int
	bufferSize  int
	seed        uint64
	columnar    bool
	publishAddr string
	logLevel    string
	logFormat   string
	metricsAddr string
	jsonOut     bool
}

// env is what the command reads from the process. Tests replace it.
type env struct {
	lookup func(string) (string, bool)
	home   func() (string, error)
	pid    int
}

func processEnv() env {
	return env{lookup: os.LookupEnv, home: os.UserHomeDir, pid: os.Getpid()}
}

func NewCLI() *cobra.Command {
	return newRootCmd(processEnv())
}

func newRootCmd(e env) *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:   "moebench",
		Short: "Benchmark MoE expert offloading with live, captured or predicted routing",
		Long: `moebench runs fixed-length generation over a mixture-of-experts model and
measures throughput while an expert buffer stages weights ahead of use.

Tasks:
  0  baseline throughput run
  1  capture routing patterns and persist them
  2  replay a captured pattern file
  3  replay with a pluggable predictor`,
		SilenceUsage: true,
		Args:         cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, opts, e)
		},
	}

	f := cmd.Flags()
	f.IntVar(&opts.task, "task", 0, "Task to run: 0 baseline, 1 capture, 2 replay, 3 predictor")
	f.StringVar(&opts.patternPath, "pattern-matrices-path", "pattern_matrices.pt", "Pattern file written by task 1 and read by task 2 (.arrow selects the columnar format)")
	f.BoolVar(&opts.debugBreak, "break", false, "Log the PID and wait for Enter before running")
	f.StringVar(&opts.configPath, "config", "", "YAML run configuration")
	f.StringVar(&opts.family, "family", string(config.FamilyMixtral), "Model family: mixtral or switch")
	f.StringVar(&opts.modelPath, "model", "", "GGUF file or ollama model name to read the MoE geometry from")
	f.StringSliceVar(&opts.promptFiles, "prompts", nil, "Prompt files (.json alpaca, .jsonl, or text lines)")
	f.StringArrayVar(&opts.prompts, "prompt", nil, "Inline prompt (repeatable)")
	f.IntVar(&opts.batchSize, "batch-size", 0, "Prompts per batch")
	f.IntVar(&opts.maxNew, "max-new-tokens", 0, "Tokens generated per prompt")
	f.IntVar(&opts.bufferSize, "buffer-size", 0, "Resident expert slots per layer")
	f.Uint64Var(&opts.seed, "seed", 0, "Sampling and simulation seed")
	f.BoolVar(&opts.columnar, "columnar", false, "Also write an Arrow IPC mirror of captured patterns")
	f.StringVar(&opts.publishAddr, "publish", "", "Arrow Flight address to publish captured patterns to")
	f.StringVar(&opts.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	f.StringVar(&opts.logFormat, "log-format", "", "Log format (console or json)")
	f.StringVar(&opts.metricsAddr, "metrics-addr", "", "Serve /health, /status and /metrics on this address")
	f.BoolVar(&opts.jsonOut, "json", false, "Print the throughput report as JSON")
	return cmd
}

// buildConfig loads the configuration file and applies the flags that were
// set explicitly.
func buildConfig(cmd *cobra.Command, opts *options) (config.RunConfig, error) {
	family, err := config.ParseFamily(opts.family)
	if err != nil {
		return config.RunConfig{}, err
	}
	cfg, err := config.Load(opts.configPath, family)
	if err != nil {
		return config.RunConfig{}, err
	}

	f := cmd.Flags()
	if f.Changed("model") {
		cfg.Model.Path = opts.modelPath
	}
	for _, p := range opts.promptFiles {
		cfg.Data.Sources = append(cfg.Data.Sources, config.SourceConfig{Path: p, Format: dataset.FormatForPath(p)})
	}
	if f.Changed("batch-size") {
		cfg.Data.BatchSize = opts.batchSize
	}
	if f.Changed("max-new-tokens") {
		cfg.Generation.MaxNewTokens = opts.maxNew
	}
	if f.Changed("buffer-size") {
		cfg.Offload.BufferSize = opts.bufferSize
	}
	if f.Changed("seed") {
		seed := opts.seed
		cfg.Generation.Seed = &seed
		cfg.Data.ShuffleSeed = seed
	}
	if f.Changed("columnar") {
		cfg.Output.Columnar = opts.columnar
	}
	if f.Changed("publish") {
		cfg.Output.PublishAddr = opts.publishAddr
	}
	if opts.logLevel != "" {
		cfg.LogLevel = opts.logLevel
	}
	if opts.logFormat != "" {
		cfg.LogFormat = opts.logFormat
	}
	if opts.metricsAddr != "" {
		cfg.MetricsAddr = opts.metricsAddr
	}
	return cfg, nil
}

func run(cmd *cobra.Command, opts *options, e env) error {
	cfg, err := buildConfig(cmd, opts)
	if err != nil {
		return err
	}
	logger.Setup(cfg.LogLevel, cfg.LogFormat)

	cluster, err := config.ClusterFromLookup(e.lookup)
	if err != nil {
		return err
	}
	if cfg.Model.Path != "" {
		home, _ := e.home()
		store := ollama.DefaultStore(e.lookup, home)
		if cfg.Model.Path, err = store.ResolvePath(cfg.Model.Path); err != nil {
			return fmt.Errorf("resolve model: %w", err)
		}
	}
	mode, err := config.ModeFromTask(opts.task, opts.patternPath, cfg.Output)
	if err != nil {
		return err
	}

	if opts.debugBreak {
		waitForDebugger(cmd.InOrStdin(), e.pid)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Log.Info("starting run",
		"mode", mode.String(),
		"family", string(cfg.Model.Family),
		"rank", cluster.Rank,
		"world_size", cluster.WorldSize,
		"master", fmt.Sprintf("%s:%d", cluster.MasterAddr, cluster.MasterPort),
	)
	r := &runner.Runner{
		Config:  cfg,
		Cluster: cluster,
		Mode:    mode,
		Prompts: opts.prompts,
		Out:     cmd.OutOrStdout(),
		JSON:    opts.jsonOut,
	}
	_, err = r.Run(ctx)
	return err
}

func waitForDebugger(in io.Reader, pid int) {
	logger.Log.Info("waiting for debugger, press Enter to continue", "pid", pid)
	bufio.NewReader(in).ReadString('\n')
}

func main() {
	cobra.CheckErr(NewCLI().ExecuteContext(context.Background()))
}
