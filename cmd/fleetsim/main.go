package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/signalsfoundry/fleet-simulator/internal/config"
	"github.com/signalsfoundry/fleet-simulator/internal/deliverylog"
	"github.com/signalsfoundry/fleet-simulator/internal/engine"
	"github.com/signalsfoundry/fleet-simulator/internal/logging"
	"github.com/signalsfoundry/fleet-simulator/internal/observability"
	"github.com/signalsfoundry/fleet-simulator/internal/taskfile"
	"github.com/signalsfoundry/fleet-simulator/model"
	"github.com/signalsfoundry/fleet-simulator/timectrl"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "load .env: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "fleetsim: %v\n", err)
		os.Exit(1)
	}
}

type options struct {
	configPath  string
	worldPath   string
	tasksPath   string
	duration    time.Duration
	accelerated bool
	metricsAddr string
}

func parseFlags(args []string) (options, error) {
	fset := flag.NewFlagSet("fleetsim", flag.ContinueOnError)
	var o options
	fset.StringVar(&o.configPath, "config", "", "path to a TOML config file")
	fset.StringVar(&o.worldPath, "world", "", "path to an ASCII world grid (overrides [world] path)")
	fset.StringVar(&o.tasksPath, "tasks", "", "path to a YAML task manifest (overrides [tasks] path)")
	fset.DurationVar(&o.duration, "duration", 0, "simulation time to run before stopping; 0 runs until interrupted")
	fset.BoolVar(&o.accelerated, "accelerated", false, "advance simulation time as fast as possible")
	fset.StringVar(&o.metricsAddr, "metrics-addr", "", "HTTP address for /metrics, /snapshot and /deliveries (overrides [metrics] addr; \"off\" disables)")
	if err := fset.Parse(args); err != nil {
		return options{}, err
	}
	return o, nil
}

// resolveConfig loads the config file, if any, and applies flag overrides.
func resolveConfig(o options) (config.Config, error) {
	cfg := config.Default()
	if o.configPath != "" {
		loaded, err := config.Load(o.configPath)
		if err != nil {
			return config.Config{}, err
		}
		cfg = loaded
	}
	if o.worldPath != "" {
		cfg.WorldPath = o.worldPath
	}
	if o.tasksPath != "" {
		cfg.TasksPath = o.tasksPath
	}
	if o.accelerated {
		cfg.Engine.Mode = timectrl.Accelerated
	}
	switch o.metricsAddr {
	case "":
	case "off":
		cfg.MetricsAddr = ""
	default:
		cfg.MetricsAddr = o.metricsAddr
	}
	cfg.Tracing = observability.TracingConfigFromEnv(cfg.Tracing)
	if cfg.WorldPath == "" {
		return config.Config{}, fmt.Errorf("%w: no world grid; set [world] path or -world", config.ErrInvalidConfig)
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func run(ctx context.Context, args []string, stdout io.Writer) error {
	o, err := parseFlags(args)
	if err != nil {
		return err
	}
	cfg, err := resolveConfig(o)
	if err != nil {
		return err
	}

	logCfg := logging.ConfigFromEnv(cfg.Log)
	logCfg.Output = stdout
	log := logging.New(logCfg)
	ctx, runID := logging.EnsureRunID(ctx)

	world, err := loadWorld(cfg.WorldPath)
	if err != nil {
		return err
	}

	cfg.Tracing.Output = stdout
	shutdownTracing, err := observability.InitTracing(ctx, cfg.Tracing, fleetResource(cfg, world, runID), log)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer observability.ShutdownWithTimeout(context.Background(), shutdownTracing, log)

	scheduled, err := loadTasks(cfg.TasksPath)
	if err != nil {
		return err
	}

	collector, err := observability.NewFleetCollector(prometheus.NewRegistry())
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}

	sink, closeSink, err := openSink(cfg.Sink, stdout)
	if err != nil {
		return err
	}
	defer closeSink()

	clock := timectrl.NewTimeController(time.Now().UTC(), cfg.Engine.Tick, cfg.Engine.Mode)
	eng, err := engine.New(world, cfg.AgentSpecs(),
		engine.WithConfig(cfg.Engine),
		engine.WithClock(clock),
		engine.WithLogger(log),
		engine.WithMetrics(collector),
		engine.WithSink(sink),
	)
	if err != nil {
		return err
	}

	submitNow, submitted := 0, make(chan struct{})
	var later []taskfile.Scheduled
	for _, s := range scheduled {
		if s.After > 0 {
			later = append(later, s)
			continue
		}
		if _, err := eng.Submit(s.Task); err != nil {
			log.Warn(ctx, "task rejected", logging.String("task_id", s.Task.ID), logging.Err(err))
			continue
		}
		submitNow++
	}

	metricsSrv := serveHTTP(cfg.MetricsAddr, newMux(eng, collector), log)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if err := eng.Start(runCtx); err != nil {
		return err
	}
	go submitLater(runCtx, clock, eng, later, log, submitted)

	log.Info(ctx, "simulation running",
		logging.String("world", cfg.WorldPath),
		logging.Int("agents", len(cfg.AgentSpecs())),
		logging.Int("tasks_submitted", submitNow),
		logging.Int("tasks_scheduled", len(later)),
		logging.String("mode", cfg.Engine.Mode.String()),
		logging.String("duration", o.duration.String()),
	)

	var deadline <-chan time.Time
	if o.duration > 0 {
		deadline = clock.After(o.duration)
	}
	select {
	case <-ctx.Done():
		log.Info(context.Background(), "interrupted")
	case <-deadline:
	case <-eng.Done():
	}
	cancel()
	<-submitted

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	stopErr := eng.Stop(stopCtx)

	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(stopCtx)
	}

	entries := eng.Export()
	summary := summarize(entries)
	log.Info(context.Background(), "simulation complete",
		logging.Int("completed_tasks", int(eng.CompletedTaskCount())),
		logging.Int("assignments", len(entries)),
		logging.Int("failed_legs", summary.failed),
		logging.Int("relay_legs", summary.relay),
		logging.Int("pending", len(eng.PendingTasks())),
		logging.Float("sim_seconds", clock.Now().Sub(clock.StartTime).Seconds()),
	)
	return stopErr
}

func loadWorld(path string) (*model.Grid, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open world: %w", err)
	}
	defer f.Close()
	g, err := model.ParseGrid(f)
	if err != nil {
		return nil, fmt.Errorf("parse world %s: %w", path, err)
	}
	return g, nil
}

// fleetResource describes the run for trace resource attributes.
func fleetResource(cfg config.Config, world model.World, runID string) observability.FleetResource {
	kinds := make(map[string]int)
	for _, spec := range cfg.AgentSpecs() {
		kinds[string(spec.Profile.Archetype)]++
	}
	return observability.FleetResource{
		RunID:      runID,
		Archetypes: kinds,
		GridWidth:  world.Width(),
		GridHeight: world.Height(),
		Mode:       cfg.Engine.Mode.String(),
	}
}

func loadTasks(path string) ([]taskfile.Scheduled, error) {
	if path == "" {
		return nil, nil
	}
	return taskfile.Load(path)
}

// openSink builds the configured delivery log sink. The returned close
// function is always safe to call.
func openSink(cfg config.SinkConfig, stdout io.Writer) (deliverylog.Sink, func(), error) {
	switch cfg.Kind {
	case config.SinkJSON:
		if cfg.Path == "" {
			return deliverylog.NewJSONSink(stdout), func() {}, nil
		}
		f, err := os.Create(cfg.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("open json sink: %w", err)
		}
		return deliverylog.NewJSONSink(f), func() { _ = f.Close() }, nil
	case config.SinkSQLite:
		s, err := deliverylog.OpenSQLiteSink(cfg.Path)
		if err != nil {
			return nil, nil, err
		}
		if err := s.InitSchema(); err != nil {
			_ = s.Close()
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil
	default:
		return nil, func() {}, nil
	}
}

// submitLater hands delayed manifest tasks to the engine as simulation time
// reaches them. done is closed on return.
func submitLater(ctx context.Context, clock *timectrl.TimeController, eng *engine.Engine, tasks []taskfile.Scheduled, log logging.Logger, done chan<- struct{}) {
	defer close(done)
	sort.SliceStable(tasks, func(i, j int) bool { return tasks[i].After < tasks[j].After })
	for _, s := range tasks {
		due := clock.StartTime.Add(s.After)
		wait := due.Sub(clock.Now())
		select {
		case <-ctx.Done():
			return
		case <-clock.After(wait):
		}
		if _, err := eng.Submit(s.Task); err != nil {
			log.Warn(ctx, "task rejected", logging.String("task_id", s.Task.ID), logging.Err(err))
		}
	}
}

type runSummary struct {
	failed int
	relay  int
}

func summarize(entries []deliverylog.Entry) runSummary {
	var s runSummary
	for _, e := range entries {
		if e.Status == deliverylog.StatusFailed {
			s.failed++
		}
		if e.OriginalTaskID != "" {
			s.relay++
		}
	}
	return s
}

func serveHTTP(addr string, handler http.Handler, log logging.Logger) *http.Server {
	if addr == "" {
		return nil
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warn(context.Background(), "monitor server exited", logging.Err(err))
		}
	}()

	log.Info(context.Background(), "serving metrics and monitor endpoints", logging.String("addr", addr))
	return srv
}
