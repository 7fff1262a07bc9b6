// jsfuzz is a coverage-guided, multi-worker JavaScript engine fuzzer.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/fluxfuzzer/jsfuzz/internal/bytecode"
	"github.com/fluxfuzzer/jsfuzz/internal/config"
	"github.com/fluxfuzzer/jsfuzz/internal/coverage"
	"github.com/fluxfuzzer/jsfuzz/internal/display"
	"github.com/fluxfuzzer/jsfuzz/internal/generator"
	"github.com/fluxfuzzer/jsfuzz/internal/logging"
	"github.com/fluxfuzzer/jsfuzz/internal/master"
	"github.com/fluxfuzzer/jsfuzz/internal/netmode"
	"github.com/fluxfuzzer/jsfuzz/internal/protocol"
	"github.com/fluxfuzzer/jsfuzz/internal/telemetry"
	"github.com/fluxfuzzer/jsfuzz/internal/worker"
	"github.com/fluxfuzzer/jsfuzz/pkg/fuzz"
)

var version = "0.1.0-dev"

var (
	corpusDir     string
	outputDir     string
	timeoutMS     int
	numWorkers    int
	testMode      bool
	covMode       string
	networkWorker bool
	port          int
	configFile    string
	generatorPath string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "jsfuzz",
		Short: "Coverage-guided, multi-worker JavaScript engine fuzzer",
		RunE:  runFuzzer,
	}

	rootCmd.Flags().StringVar(&corpusDir, "corpus-dir", "corpus", "seed corpus directory")
	rootCmd.Flags().StringVar(&outputDir, "output-dir", "output", "output directory (corpus/crashes/stats)")
	rootCmd.Flags().IntVar(&timeoutMS, "timeout", 500, "per-execution timeout in milliseconds")
	rootCmd.Flags().IntVar(&numWorkers, "num-workers", 4, "number of fuzzing workers")
	rootCmd.Flags().BoolVar(&testMode, "test-mode", false, "use the in-memory fake coverage adapter instead of a real engine")
	rootCmd.Flags().StringVar(&covMode, "cov-mode", "edge", "coverage granularity: edge or path")
	rootCmd.Flags().BoolVar(&networkWorker, "network-worker", false, "also accept workers over HTTP, alongside the in-process workers")
	rootCmd.Flags().IntVar(&port, "port", 9100, "network-worker coordinator port")
	rootCmd.Flags().StringVar(&configFile, "config", "", "optional YAML config file")
	rootCmd.Flags().StringVar(&generatorPath, "generator", "", "path to the external test-case generator binary")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("jsfuzz version %s\n", version)
		},
	}
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runFuzzer(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}
	overlayFlags(cmd, cfg)
	cfg.ApplyEnv()

	if err := cfg.Validate(); err != nil {
		return err
	}

	if err := ensureLayout(cfg.OutputDir); err != nil {
		return err
	}

	log := logging.New(os.Stderr, "jsfuzz")
	status := telemetry.NewRegistry()
	counters := &telemetry.Counters{}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Infof("shutting down gracefully")
		cancel()
	}()

	var coord *netmode.Coordinator
	if cfg.NetworkWorker {
		coord = netmode.NewCoordinator(status, log)
		go func() {
			if err := coord.Listen(fmt.Sprintf(":%d", cfg.Port)); err != nil {
				log.Errorf("network coordinator: %v", err)
			}
		}()
		defer coord.Shutdown()
	}

	masterID := cfg.NumWorkers
	m, err := buildMaster(cfg, masterID, status, counters, log)
	if err != nil {
		return err
	}

	workers := make([]*worker.Worker, cfg.NumWorkers)
	toMaster := make([]chan protocol.WorkerMessage, cfg.NumWorkers)
	fromMasterChans := make([]chan protocol.MasterMessage, cfg.NumWorkers)

	for i := 0; i < cfg.NumWorkers; i++ {
		toMaster[i] = make(chan protocol.WorkerMessage, 64)
		fromMasterChans[i] = make(chan protocol.MasterMessage, 64)
		m.FromWorkers = append(m.FromWorkers, toMaster[i])
		m.ToWorkers = append(m.ToWorkers, fromMasterChans[i])

		w, err := buildWorker(cfg, i, m.Corpus, toMaster[i], fromMasterChans[i], status, counters, log)
		if err != nil {
			return err
		}
		workers[i] = w
	}

	if coord != nil {
		m.FromWorkers = append(m.FromWorkers, coord.FromWorkers())

		toCoord := make(chan protocol.MasterMessage, 64)
		m.ToWorkers = append(m.ToWorkers, toCoord)
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case msg := <-toCoord:
					coord.Broadcast(msg)
				}
			}
		}()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return m.Run(gctx) })
	for _, w := range workers {
		w := w
		g.Go(func() error { return w.Run(gctx) })
	}

	if display.Enabled() {
		model := display.NewModel(status, counters)
		program := tea.NewProgram(model)
		go func() {
			<-ctx.Done()
			program.Quit()
		}()
		if _, err := program.Run(); err != nil {
			log.Errorf("display: %v", err)
		}
	}

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

func overlayFlags(cmd *cobra.Command, cfg *config.Config) {
	if cmd.Flags().Changed("corpus-dir") {
		cfg.CorpusDir = corpusDir
	}
	if cmd.Flags().Changed("output-dir") {
		cfg.OutputDir = outputDir
	}
	if cmd.Flags().Changed("timeout") {
		cfg.Timeout = time.Duration(timeoutMS) * time.Millisecond
	}
	if cmd.Flags().Changed("num-workers") {
		cfg.NumWorkers = numWorkers
	}
	if cmd.Flags().Changed("test-mode") {
		cfg.TestMode = testMode
	}
	if cmd.Flags().Changed("cov-mode") {
		cfg.CovMode = covMode
	}
	if cmd.Flags().Changed("network-worker") {
		cfg.NetworkWorker = networkWorker
	}
	if cmd.Flags().Changed("port") {
		cfg.Port = port
	}
}

func ensureLayout(outputDir string) error {
	for _, dir := range []string{"corpus", "corpus_ir", "crashes", "remote_corpus"} {
		if err := os.MkdirAll(filepath.Join(outputDir, dir), 0o755); err != nil {
			return fmt.Errorf("jsfuzz: create %s: %w", dir, err)
		}
	}
	return nil
}

func buildBytecodeCollector() bytecode.Collector {
	return bytecode.NewTLSHCollector()
}

func buildGenerator(cfg *config.Config, workerID int, log *logging.Logger) generator.Generator {
	if cfg.Generator.Path == "" && generatorPath == "" {
		return nil
	}
	path := cfg.Generator.Path
	if generatorPath != "" {
		path = generatorPath
	}
	gen, err := generator.NewIPCGenerator(path, cfg.Generator.Args, workerID)
	if err != nil {
		log.Errorf("generator for replica %d: %v", workerID, err)
		return nil
	}
	return gen
}

func initAdapter(cfg *config.Config, id int) (coverage.ProfiledAdapter, error) {
	adapter := coverage.NewTargetAdapter(fuzz.Profile(cfg.Profile), cfg.TestMode)
	if err := adapter.Init(id); err != nil {
		return nil, fmt.Errorf("jsfuzz: init adapter %d: %w", id, err)
	}
	if err := adapter.Spawn(id); err != nil {
		return nil, fmt.Errorf("jsfuzz: spawn adapter %d: %w", id, err)
	}
	if err := adapter.FinishInitialization(id, true); err != nil {
		return nil, fmt.Errorf("jsfuzz: finish init adapter %d: %w", id, err)
	}
	return adapter, nil
}

// buildWorker clones masterCorpus (already seeded from cfg.CorpusDir) so
// every worker starts from the same seed corpus the master loaded, sharing
// no backing storage with the master's or any sibling worker's copy.
func buildWorker(cfg *config.Config, id int, masterCorpus *coverage.CorpusManager, toMaster chan<- protocol.WorkerMessage, fromMaster <-chan protocol.MasterMessage, status *telemetry.Registry, counters *telemetry.Counters, log *logging.Logger) (*worker.Worker, error) {
	adapter, err := initAdapter(cfg, id)
	if err != nil {
		return nil, err
	}

	corpusOpts := []coverage.CorpusManagerOption{coverage.WithOutputDir(cfg.OutputDir)}
	if cfg.BytecodeCollector {
		corpusOpts = append(corpusOpts, coverage.WithBytecodeCollector(buildBytecodeCollector()))
	}

	return &worker.Worker{
		ID:         id,
		Adapter:    adapter,
		Corpus:     masterCorpus.Clone(corpusOpts...),
		Generator:  buildGenerator(cfg, id, log),
		ToMaster:   toMaster,
		FromMaster: fromMaster,
		OutputDir:  cfg.OutputDir,
		TimeoutMS:  int(cfg.Timeout / time.Millisecond),
		Telemetry:  counters,
		Status:     status,
		Log:        log.With("worker_id", id),
	}, nil
}

// buildMaster loads the seed corpus from cfg.CorpusDir into the master's
// CorpusManager before returning it; buildWorker later clones this same
// manager into each worker so every replica starts from the same seeds.
func buildMaster(cfg *config.Config, id int, status *telemetry.Registry, counters *telemetry.Counters, log *logging.Logger) (*master.Master, error) {
	adapter, err := initAdapter(cfg, id)
	if err != nil {
		return nil, err
	}

	var minimizer master.Minimizer
	if gen := buildGenerator(cfg, id, log); gen != nil {
		minimizer = &master.GeneratorMinimizer{Gen: gen, OutputDir: cfg.OutputDir}
	}

	corpus := coverage.NewCorpusManager(coverage.WithOutputDir(cfg.OutputDir))
	loaded, err := corpus.LoadSeedDirectory(cfg.CorpusDir)
	if err != nil {
		return nil, fmt.Errorf("jsfuzz: load seed corpus %s: %w", cfg.CorpusDir, err)
	}
	log.Infof("loaded %d seed entries from %s", loaded, cfg.CorpusDir)

	return &master.Master{
		ID:        id,
		Adapter:   adapter,
		Corpus:    corpus,
		Minimizer: minimizer,
		ScratchAdapter: func(replicaID int) (coverage.ProfiledAdapter, error) {
			return initAdapter(cfg, replicaID)
		},
		OutputDir: cfg.OutputDir,
		TimeoutMS: int(cfg.Timeout / time.Millisecond),
		Telemetry: counters,
		Status:    status,
		Log:       log.With("role", "master"),
	}, nil
}
