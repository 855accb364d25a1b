package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"fracflow.ai/internal/persistence/indexdb"
	persistlog "fracflow.ai/internal/persistence/log"
	"fracflow.ai/internal/persistence/table"
	"fracflow.ai/internal/protocol"
	"fracflow.ai/internal/sim"
	"fracflow.ai/internal/sim/model"
	"fracflow.ai/internal/sim/recorder"
	"fracflow.ai/internal/sim/rng"
	"fracflow.ai/internal/sim/tuning"
	"fracflow.ai/internal/transport/metrics"
	"fracflow.ai/internal/transport/observer"
)

var (
	configPath     string
	logSegmentRows int
	disableLog     bool
	disableDB      bool
	indexPath      string
	listenAddr     string

	flagIterations int
	flagDeltaP     float64
	flagSMin       float64
	flagSMax       float64
	flagBatchSize  int
	flagSeed       uint64
	flagProfile    string
	flagOutputDir  string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a simulation until the avalanche target is reached",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		run, err := resolveRun(cmd)
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		opts := runOptions{
			Run:            run,
			LogSegmentRows: logSegmentRows,
			Listen:         listenAddr,
		}
		if !disableLog {
			opts.LogDir = filepath.Join(run.OutputDir, "log")
		}
		if !disableDB {
			opts.IndexPath = indexPath
			if opts.IndexPath == "" {
				opts.IndexPath = filepath.Join(run.OutputDir, "index.db")
			}
		}
		_, err = runSimulation(ctx, opts)
		return err
	},
}

func init() {
	d := tuning.Defaults()
	f := runCmd.Flags()
	f.StringVarP(&configPath, "config", "c", "", "YAML run file (flags override its values)")
	f.IntVar(&flagIterations, "iterations", d.Iterations, "number of avalanches to record")
	f.Float64Var(&flagDeltaP, "delta-p", d.DeltaP, "pressure at the invasion front, in (0, 1]")
	f.Float64Var(&flagSMin, "s-min", d.SMin, "lower bound of site strength")
	f.Float64Var(&flagSMax, "s-max", d.SMax, "upper bound of site strength")
	f.IntVar(&flagBatchSize, "batch-size", d.BatchSize, "avalanches per flushed batch")
	f.Uint64Var(&flagSeed, "seed", d.Seed, "random seed")
	f.StringVar(&flagProfile, "profile", d.Profile, "pressure profile: exponential, linear or inverse")
	f.StringVarP(&flagOutputDir, "output-dir", "o", d.OutputDir, "directory for TSV, log and index output")
	f.IntVar(&logSegmentRows, "log-segment-rows", 100000, "avalanches per JSONL+zstd log segment (0 = one segment)")
	f.BoolVar(&disableLog, "disable-log", false, "do not write the JSONL+zstd avalanche log")
	f.BoolVar(&disableDB, "disable-db", false, "do not index avalanches in SQLite")
	f.StringVar(&indexPath, "index", "", "SQLite index path (default: <output-dir>/index.db)")
	f.StringVar(&listenAddr, "listen", "", "serve the live feed (/v1/feed) and /metrics on this address, e.g. 127.0.0.1:8080")
}

// resolveRun layers defaults, the optional run file and explicitly set flags.
func resolveRun(cmd *cobra.Command) (tuning.Run, error) {
	run := tuning.Defaults()
	if configPath != "" {
		var err error
		if run, err = tuning.Load(configPath); err != nil {
			return run, err
		}
	}
	f := cmd.Flags()
	if f.Changed("iterations") {
		run.Iterations = flagIterations
	}
	if f.Changed("delta-p") {
		run.DeltaP = flagDeltaP
	}
	if f.Changed("s-min") {
		run.SMin = flagSMin
	}
	if f.Changed("s-max") {
		run.SMax = flagSMax
	}
	if f.Changed("batch-size") {
		run.BatchSize = flagBatchSize
	}
	if f.Changed("seed") {
		run.Seed = flagSeed
	}
	if f.Changed("profile") {
		run.Profile = flagProfile
	}
	if f.Changed("output-dir") {
		run.OutputDir = flagOutputDir
	}
	return run, run.Validate()
}

type runOptions struct {
	Run tuning.Run
	// LogDir is the JSONL+zstd log directory; empty disables the log.
	LogDir         string
	LogSegmentRows int
	// IndexPath is the SQLite index; empty disables it.
	IndexPath string
	// Listen is the feed and metrics address; empty disables the server.
	Listen string
}

type closer struct {
	name string
	fn   func() error
}

func runSimulation(ctx context.Context, opts runOptions) (model.Stats, error) {
	run := opts.Run
	start := time.Now()
	logger.Info("run starting",
		zap.Int("iterations", run.Iterations),
		zap.Float64("delta_p", run.DeltaP),
		zap.Float64("s_min", run.SMin),
		zap.Float64("s_max", run.SMax),
		zap.Int("batch_size", run.BatchSize),
		zap.Uint64("seed", run.Seed),
		zap.String("profile", run.Profile),
		zap.String("output_dir", run.OutputDir),
	)

	var (
		sinks   recorder.Multi
		closers []closer
	)
	closeAll := func() error {
		var errs []error
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i].fn(); err != nil {
				errs = append(errs, fmt.Errorf("close %s: %w", closers[i].name, err))
			}
		}
		closers = nil
		return errors.Join(errs...)
	}
	defer func() { _ = closeAll() }()

	tsvPath := table.PathFor(run.OutputDir, run.DeltaP, run.SMin, run.SMax)
	tsv, err := table.Open(tsvPath)
	if err != nil {
		return model.Stats{}, fmt.Errorf("open table: %w", err)
	}
	sinks = append(sinks, tsv)
	closers = append(closers, closer{"table", tsv.Close})

	if opts.LogDir != "" {
		if err := clearSegments(opts.LogDir); err != nil {
			return model.Stats{}, err
		}
		al := persistlog.NewAvalancheLogger(opts.LogDir, run, opts.LogSegmentRows)
		sinks = append(sinks, al)
		closers = append(closers, closer{"log", al.Close})
	}

	var idx *indexdb.SQLiteIndex
	if opts.IndexPath != "" {
		idx, err = indexdb.OpenSQLite(opts.IndexPath, run)
		if err != nil {
			return model.Stats{}, fmt.Errorf("open index: %w", err)
		}
		sinks = append(sinks, idx)
		closers = append(closers, closer{"index", idx.Close})
	}

	prom := metrics.New()
	sinks = append(sinks, prom)

	var obs *observer.Server
	if opts.Listen != "" {
		obs = observer.NewServer(runParams(run), logger.Named("observer"))
		sinks = append(sinks, obs)
		shutdown, err := serve(opts.Listen, obs, prom)
		if err != nil {
			return model.Stats{}, err
		}
		closers = append(closers, closer{"http", shutdown})
	}

	var m *model.Model
	fl := &flushLogger{next: sinks, stats: func() model.Stats { return m.Stats() }, prom: prom}
	m, err = model.New(run.ModelConfig(), rng.New(run.Seed), fl)
	if err != nil {
		return model.Stats{}, err
	}

	runErr := m.Run(ctx)
	st := m.Stats()
	prom.Observe(st)
	elapsed := time.Since(start)

	if obs != nil {
		done := protocol.DoneMsg{
			Events:    st.Events,
			Steps:     st.Steps,
			Invaded:   st.Invaded,
			LMax:      st.LMax,
			ElapsedMs: elapsed.Milliseconds(),
			Code:      outcomeCode(runErr),
		}
		obs.Finish(done)
	}
	closeErr := closeAll()

	fields := []zap.Field{
		zap.Int64("events", st.Events),
		zap.Int64("steps", st.Steps),
		zap.Int("invaded", st.Invaded),
		zap.Int("sites", st.Sites),
		zap.Int("l_max", st.LMax),
		zap.Int("flushes", st.Flushes),
		zap.String("table", tsvPath),
		zap.Duration("elapsed", elapsed),
	}
	if idx != nil {
		fields = append(fields, zap.Int64("run_id", idx.RunID()))
	}
	switch {
	case errors.Is(runErr, sim.ErrInvariant):
		logger.Error("run aborted: invariant violated", append(fields, zap.Error(runErr))...)
	case errors.Is(runErr, context.Canceled):
		logger.Warn("run interrupted", fields...)
	case runErr != nil:
		logger.Error("run failed", append(fields, zap.Error(runErr))...)
	default:
		logger.Info("run finished", fields...)
	}
	if runErr != nil {
		return st, runErr
	}
	return st, closeErr
}

func outcomeCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.Canceled):
		return protocol.ErrCancelled
	case errors.Is(err, sim.ErrInvariant):
		return protocol.ErrInvariant
	default:
		return protocol.ErrSink
	}
}

func runParams(r tuning.Run) protocol.RunParams {
	return protocol.RunParams{
		Iterations: r.Iterations,
		DeltaP:     r.DeltaP,
		SMin:       r.SMin,
		SMax:       r.SMax,
		BatchSize:  r.BatchSize,
		Seed:       r.Seed,
		Profile:    r.Profile,
	}
}

// clearSegments removes log segments of an earlier run in dir.
func clearSegments(dir string) error {
	files, err := persistlog.Segments(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	for _, f := range files {
		if err := os.Remove(f); err != nil {
			return err
		}
	}
	return nil
}

func serve(addr string, obs *observer.Server, prom *metrics.Sink) (func() error, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	mux := http.NewServeMux()
	mux.Handle("/v1/", obs.Handler())
	mux.Handle("/metrics", prom.Handler())
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", zap.Error(err))
		}
	}()
	logger.Info("listening", zap.String("addr", ln.Addr().String()))
	return func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(ctx)
	}, nil
}

// flushLogger wraps the sink chain and logs every flushed batch.
type flushLogger struct {
	next    recorder.Sink
	stats   func() model.Stats
	prom    *metrics.Sink
	flushes int
}

func (f *flushLogger) Append(batch []recorder.Avalanche) error {
	f.flushes++
	err := f.next.Append(batch)
	st := f.stats()
	if f.prom != nil {
		f.prom.Observe(st)
	}
	logger.Info("batch flushed",
		zap.Int("flush", f.flushes),
		zap.Int("rows", len(batch)),
		zap.Int64("events", st.Events),
		zap.Int64("steps", st.Steps),
		zap.Int("sites", st.Sites),
		zap.Int("frontier", st.Frontier),
		zap.Int("l_max", st.LMax),
	)
	if err != nil {
		return fmt.Errorf("flush %d: %w", f.flushes, err)
	}
	return nil
}
