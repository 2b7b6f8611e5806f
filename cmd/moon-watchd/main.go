// Package main — cmd/moon-watchd/main.go
//
// moon-watchd entrypoint: the background pipeline daemon that watches a
// MOON_HOME workspace and drives it through usage-probe, archive,
// index, embed, compaction-trigger, L1, L2, and retention each cycle.
//
// Startup sequence:
//  1. Load and validate config from -config (default $MOON_HOME/moon.config.yaml).
//  2. Initialise structured logger (zap).
//     (Root context with cancellation, between steps 2 and 3.)
//  3. Ensure the workspace directory layout exists.
//  4. Open the ledger and state stores and the audit channel.
//  5. Build every external collaborator (usage probe, session bytes
//     source, index backend, embed driver, host writer, compaction
//     trigger, L1 normaliser, L2 synthesiser) from config.
//  6. Start the Prometheus /metrics + /healthz server.
//  7. Start the operator Unix-socket server.
//  8. Start the fsnotify watch-path goroutine (daemon mode only).
//  9. Register SIGHUP handler for non-destructive config hot-reload.
// 10. Run the cycle loop until SIGINT/SIGTERM or an operator stop.
//
// Shutdown sequence (on SIGINT/SIGTERM/operator stop):
//  1. Cancel the root context (propagates to all goroutines).
//  2. Let an in-flight cycle finish its current stage.
//  3. Persisted state and released locks happen inside the cycle itself.
//  4. Flush the logger.
//  5. Exit 0 (one-shot: exit 2 if the cycle reported !OK).
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/octoreflex/moon-watchd/internal/archive"
	"github.com/octoreflex/moon-watchd/internal/audit"
	"github.com/octoreflex/moon-watchd/internal/clock"
	"github.com/octoreflex/moon-watchd/internal/compaction"
	"github.com/octoreflex/moon-watchd/internal/config"
	"github.com/octoreflex/moon-watchd/internal/contrib"
	"github.com/octoreflex/moon-watchd/internal/distill"
	"github.com/octoreflex/moon-watchd/internal/embed"
	"github.com/octoreflex/moon-watchd/internal/hostwrite"
	"github.com/octoreflex/moon-watchd/internal/index"
	"github.com/octoreflex/moon-watchd/internal/ledger"
	"github.com/octoreflex/moon-watchd/internal/observability"
	"github.com/octoreflex/moon-watchd/internal/operator"
	"github.com/octoreflex/moon-watchd/internal/paths"
	"github.com/octoreflex/moon-watchd/internal/recall"
	"github.com/octoreflex/moon-watchd/internal/retention"
	"github.com/octoreflex/moon-watchd/internal/state"
	"github.com/octoreflex/moon-watchd/internal/usageprobe"
	"github.com/octoreflex/moon-watchd/internal/watcher"
)

func main() {
	// ── Flags ─────────────────────────────────────────────────────────
	configPath := flag.String("config", defaultConfigPath(), "Path to moon.config.yaml")
	oneShot := flag.Bool("once", false, "Run exactly one cycle and exit")
	dryRun := flag.Bool("dry-run", false, "Plan one cycle without writing anything")
	version := flag.Bool("version", false, "Print version and exit")
	allowForeignCWD := flag.Bool("allow-foreign-cwd", false, "Skip the workspace CWD policy check (spec.md §5/§7)")
	flag.Parse()

	if *version {
		fmt.Printf("moon-watchd %s (commit=%s built=%s)\n",
			config.Version, config.GitCommit, config.BuildTime)
		os.Exit(0)
	}

	// ── Step 1: Load config ──────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: config load failed: %v\n", err)
		os.Exit(1)
	}

	// ── Step 2: Logger ───────────────────────────────────────────────
	log, err := buildLogger(cfg.Observability.LogLevel, cfg.Observability.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync() //nolint:errcheck

	log.Info("moon-watchd starting",
		zap.String("version", config.Version),
		zap.String("commit", config.GitCommit),
		zap.String("built", config.BuildTime),
		zap.String("moon_home", cfg.MoonHome),
		zap.String("config", *configPath),
	)

	tz := clock.LoadLocation(cfg.Timezone)

	// ── Root context ──────────────────────────────────────────────────
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Step 3: Workspace layout ──────────────────────────────────────
	root, err := filepath.Abs(cfg.MoonHome)
	if err != nil {
		log.Fatal("resolve moon_home", zap.Error(err))
	}
	reg := paths.New(root)
	for _, d := range reg.RequiredDirs() {
		if err := os.MkdirAll(d, 0o755); err != nil {
			log.Fatal("mkdir required dir", zap.String("dir", d), zap.Error(err))
		}
	}

	// ── Step 4: Ledger, state, audit ──────────────────────────────────
	ledgerStore := ledger.New(reg.LedgerFile())
	stateStore := state.New(reg.StateFile())

	// ── CWD policy check (spec.md §5, §7 item 4) ──────────────────────
	priorDoc, _ := stateStore.Load() // a quarantine or fresh-state error here is not fatal to this check
	cwd, err := os.Getwd()
	if err != nil {
		log.Fatal("resolve cwd", zap.Error(err))
	}
	if err := paths.ValidateCWD(cwd, priorDoc.WorkspaceRoot, *allowForeignCWD); err != nil {
		log.Fatal("workspace policy violation", zap.Error(err))
	}

	buildUUID := config.BuildUUID
	if buildUUID == "" || buildUUID == "dev" {
		buildUUID = uuid.NewString()
	}

	metrics := observability.NewMetrics()
	warnCounter := audit.NewCounter(metrics.Registry)
	auditChan := audit.New(reg.AuditLogFile(), log, warnCounter, false)

	// ── Step 5: External collaborators ────────────────────────────────
	probe := usageprobe.NewExecProbe(cfg.UsageProbe.BinaryPath, cfg.UsageProbe.Timeout)
	bytesSource := usageprobe.NewExecBytesSource(cfg.UsageProbe.BinaryPath, cfg.UsageProbe.Timeout)
	archiveStage := archive.NewStage(reg, ledgerStore)

	indexBackend := index.NewExecBackend(cfg.Index.BinaryPath, cfg.Index.Timeout)

	embedDriver := embed.New(indexBackend, embed.Policy{
		Cooldown:   cfg.Embed.Cooldown,
		MinPending: cfg.Embed.MinPending,
		MaxDocs:    cfg.Embed.MaxDocs,
		LockPath:   reg.EmbedLockFile(),
	})

	writer := hostwrite.NewExecWriter(cfg.HostWrite.BinaryPath, cfg.HostWrite.Timeout)
	compactionTrigger := &compaction.Trigger{Writer: writer}
	compactionPolicy := compaction.Policy{
		WindowMode:     compaction.WindowMode(cfg.Compaction.WindowMode),
		WindowTokens:   cfg.Compaction.WindowTokens,
		StartRatio:     cfg.Compaction.CompactionStartRatio,
		EmergencyRatio: cfg.Compaction.CompactionEmergencyRatio,
		Cooldown:       cfg.Compaction.Cooldown,
		Authority:      compaction.Authority(cfg.Compaction.Authority),
	}

	l1 := distill.NewNormaliser(reg.MemoryDir())

	synthClient, err := contrib.Build(cfg.L2.SynthesiserProvider, cfg.L2.SynthesiserOptions)
	if err != nil {
		log.Fatal("build L2 synthesiser client", zap.Error(err))
	}
	l2 := &distill.Synthesiser{
		Client:             synthClient,
		DurableMemoryPath:  reg.DurableMemoryFile(),
		ModelContextTokens: cfg.L2.ModelContextTokens,
		ChunkBytes:         cfg.L2.ChunkBytes,
		MaxChunks:          cfg.L2.MaxChunks,
	}

	retentionPolicy := retention.Policy{
		ActiveDays: cfg.Retention.ActiveDays,
		WarmDays:   cfg.Retention.WarmDays,
		ColdDays:   cfg.Retention.ColdDays,
	}

	cycle := &watcher.Cycle{
		Paths: reg,
		Clock: clock.System{},
		TZ:    tz,
		Log:   log,

		State:  stateStore,
		Ledger: ledgerStore,
		Audit:  auditChan,

		UsageProbe:  probe,
		BytesSource: bytesSource,

		Archive: archiveStage,

		Index:           indexBackend,
		IndexCollection: cfg.Index.Collection,
		IndexMask:       cfg.Index.Mask,

		Embed: embedDriver,

		CompactionPolicy:  compactionPolicy,
		CompactionTrigger: compactionTrigger,

		L1:                    l1,
		L1MaxPerCycle:         cfg.L1.MaxPerCycle,
		TopicDiscoveryEnabled: cfg.L1.TopicDiscoveryEnabled,

		L2: l2,

		RetentionPolicy: retentionPolicy,

		MaxConsecutivePanics: cfg.Daemon.MaxConsecutivePanics,

		BuildUUID:     buildUUID,
		WorkspaceRoot: root,
	}

	recaller := recall.New(indexBackend, ledgerStore, cfg.Index.Collection)

	// ── Step 6: Metrics server ────────────────────────────────────────
	go func() {
		if err := metrics.ServeMetrics(ctx, cfg.Observability.MetricsAddr); err != nil {
			log.Error("metrics server error", zap.Error(err))
		}
	}()
	log.Info("metrics server started", zap.String("addr", cfg.Observability.MetricsAddr))

	// ── Step 7: Operator socket ───────────────────────────────────────
	var opServer *operator.Server
	if cfg.Operator.Enabled {
		sockPath := cfg.Operator.SocketPath
		if sockPath == "" {
			sockPath = reg.OperatorSocketFile()
		}
		opServer = operator.New(sockPath, reg, stateStore, log)
		opServer.EmbedDrv = embedDriver
		opServer.Recaller = recaller
		opServer.RunL1 = func(runCtx context.Context) (operator.L1Summary, error) {
			return runManualL1(runCtx, cycle, tz)
		}
		opServer.Stop = cancel

		go func() {
			if err := opServer.ListenAndServe(ctx); err != nil {
				log.Error("operator server error", zap.Error(err))
			}
		}()
		log.Info("operator socket started", zap.String("path", sockPath))
	}

	// ── Determine mode ────────────────────────────────────────────────
	mode := watcher.ModeDaemon
	switch {
	case *dryRun:
		mode = watcher.ModeDryRun
	case *oneShot:
		mode = watcher.ModeOneShot
	}

	if mode != watcher.ModeDaemon {
		report, err := cycle.RunOnce(ctx, mode)
		if err != nil {
			log.Error("cycle failed", zap.Error(err))
			os.Exit(1)
		}
		if !report.OK {
			log.Warn("cycle completed with degraded stages", zap.Any("stages", report.Stages))
			os.Exit(2)
		}
		log.Info("cycle completed", zap.Any("stages", report.Stages))
		return
	}

	// ── Step 8: Watch-path fsnotify goroutine (daemon mode only) ──────
	wake := make(chan struct{}, 1)
	if len(cfg.Daemon.WatchPaths) > 0 {
		watchRunner, err := newWatchPathRunner(cfg.Daemon.WatchPaths, wake, log)
		if err != nil {
			log.Warn("fsnotify watcher init failed — continuing on poll interval alone", zap.Error(err))
		} else {
			go watchRunner.run(ctx)
			log.Info("fsnotify watch-path goroutine started", zap.Strings("paths", cfg.Daemon.WatchPaths))
		}
	}

	// ── Step 9: SIGHUP hot-reload ──────────────────────────────────────
	sighup := make(chan os.Signal, 1)
	signal.Notify(sighup, syscall.SIGHUP)
	go func() {
		for range sighup {
			log.Info("SIGHUP received — reloading config...")
			newCfg, err := config.Load(*configPath)
			if err != nil {
				log.Error("config hot-reload failed — retaining old config", zap.Error(err))
				continue
			}
			cycle.CompactionPolicy = compaction.Policy{
				WindowMode:     compaction.WindowMode(newCfg.Compaction.WindowMode),
				WindowTokens:   newCfg.Compaction.WindowTokens,
				StartRatio:     newCfg.Compaction.CompactionStartRatio,
				EmergencyRatio: newCfg.Compaction.CompactionEmergencyRatio,
				Cooldown:       newCfg.Compaction.Cooldown,
				Authority:      compaction.Authority(newCfg.Compaction.Authority),
			}
			cycle.L1MaxPerCycle = newCfg.L1.MaxPerCycle
			cycle.TopicDiscoveryEnabled = newCfg.L1.TopicDiscoveryEnabled
			cycle.MaxConsecutivePanics = newCfg.Daemon.MaxConsecutivePanics
			log.Info("config hot-reload applied (non-destructive fields only)")
		}
	}()

	// ── Step 10: Cycle loop ─────────────────────────────────────────────
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(cfg.Daemon.CycleInterval)
	defer ticker.Stop()

	log.Info("entering daemon cycle loop", zap.Duration("interval", cfg.Daemon.CycleInterval))
runLoop:
	for {
		report, err := cycle.RunOnce(ctx, watcher.ModeDaemon)
		if err != nil {
			log.Error("cycle failed", zap.Error(err))
			if report.Halted {
				log.Error("daemon halted: consecutive panic threshold reached")
				break runLoop
			}
		} else {
			log.Info("cycle completed", zap.Any("stages", report.Stages))
		}

		select {
		case <-ticker.C:
		case <-wake:
		case sig := <-sigCh:
			log.Info("shutdown signal received", zap.String("signal", sig.String()))
			break runLoop
		case <-ctx.Done():
			log.Info("operator requested shutdown")
			break runLoop
		}
	}

	cancel()
	log.Info("moon-watchd shutdown complete")
}

// runManualL1 runs one bounded L1 pass outside the normal cycle, reusing
// the same candidate-selection and entry-writing logic as the watcher's
// own L1 stage so a manual run can never diverge from what the daemon
// would have done for the same ledger state.
func runManualL1(ctx context.Context, c *watcher.Cycle, tz *time.Location) (operator.L1Summary, error) {
	today := clock.ResidentialDay(time.Now(), tz)
	records, err := ledger.ListPendingForStage(c.Ledger, ledger.StageDeleted, ledger.StageRank)
	if err != nil {
		return operator.L1Summary{}, fmt.Errorf("l1: list candidates: %w", err)
	}
	candidates := distill.SelectL1Candidates(records, c.L1MaxPerCycle)

	appended := 0
	for _, rec := range candidates {
		text, err := os.ReadFile(rec.ProjectionPath)
		if err != nil {
			continue
		}
		block := distill.EntryBlock(rec, string(text))
		if err := c.L1.AppendEntry(today, block); err != nil {
			continue
		}
		rec.Stage = ledger.StageDistilled
		rec.DistilledAt = c.Clock.UnixSeconds()
		if err := c.Ledger.Append(rec); err != nil {
			continue
		}
		appended++
	}
	return operator.L1Summary{EntriesAppended: appended}, nil
}

func defaultConfigPath() string {
	home := os.Getenv("MOON_HOME")
	if home == "" {
		if h, err := os.UserHomeDir(); err == nil {
			home = filepath.Join(h, ".moon")
		}
	}
	return filepath.Join(home, "moon.config.yaml")
}

func buildLogger(level, format string) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	var cfg zap.Config
	if format == "console" {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(zapLevel)

	return cfg.Build()
}

// watchPathRunner feeds wake on any fsnotify event under its watched
// paths, coalescing bursts so a flurry of writes wakes the cycle loop
// only once rather than once per event.
type watchPathRunner struct {
	watcher *fsnotify.Watcher
	wake    chan<- struct{}
	log     *zap.Logger
}

func newWatchPathRunner(watchPaths []string, wake chan<- struct{}, log *zap.Logger) (*watchPathRunner, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("fsnotify: new watcher: %w", err)
	}
	for _, p := range watchPaths {
		if err := w.Add(p); err != nil {
			w.Close()
			return nil, fmt.Errorf("fsnotify: watch %q: %w", p, err)
		}
	}
	return &watchPathRunner{watcher: w, wake: wake, log: log}, nil
}

func (r *watchPathRunner) run(ctx context.Context) {
	defer r.watcher.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			select {
			case r.wake <- struct{}{}:
			default:
			}
		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			if r.log != nil {
				r.log.Warn("fsnotify error", zap.Error(err))
			}
		}
	}
}
