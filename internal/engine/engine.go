// Package engine assembles the ashep components from configuration and runs
// the selected loops: worker, monitor, retention, and the inspection API.
package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ashep-ai/ashep/internal/agent"
	"github.com/ashep-ai/ashep/internal/agent/opencode"
	"github.com/ashep-ai/ashep/internal/config"
	"github.com/ashep-ai/ashep/internal/github"
	"github.com/ashep-ai/ashep/internal/httpapi"
	"github.com/ashep-ai/ashep/internal/logging"
	"github.com/ashep-ai/ashep/internal/messenger"
	"github.com/ashep-ai/ashep/internal/metrics"
	"github.com/ashep-ai/ashep/internal/monitor"
	"github.com/ashep-ai/ashep/internal/policy"
	"github.com/ashep-ai/ashep/internal/prompt"
	"github.com/ashep-ai/ashep/internal/registry"
	"github.com/ashep-ai/ashep/internal/retention"
	"github.com/ashep-ai/ashep/internal/runlog"
	"github.com/ashep-ai/ashep/internal/tracker"
	"github.com/ashep-ai/ashep/internal/validator"
	"github.com/ashep-ai/ashep/internal/worker"
)

// Options selects which loops Run starts.
type Options struct {
	Worker  bool
	Monitor bool
	UI      bool
	Cleanup bool
}

// Engine owns the assembled components and their lifecycles.
type Engine struct {
	cfg       *config.Config
	paths     config.Paths
	logger    logging.Logger
	store     *runlog.Store
	archive   *retention.ArchiveStore
	registry  *registry.Registry
	policies  *policy.Engine
	tracker   tracker.Gateway
	agents    agent.Gateway
	metrics   *metrics.Metrics
	gatherer  prometheus.Gatherer
	sizes     *retention.SizeMonitor
	retention *retention.Engine
	messenger *messenger.Messenger
	prompts   *prompt.Builder
	worker    *worker.Worker
	monitor   *monitor.Monitor
	api       *httpapi.Server

	closeOnce sync.Once
}

// New assembles an engine from loaded configuration. Policy validation runs
// in soft mode: findings are logged, only empty policy sets abort startup.
func New(ctx context.Context, cfg *config.Config, paths config.Paths, logger logging.Logger) (*Engine, error) {
	if logger == nil {
		logger = logging.Nop()
	}
	if err := paths.EnsureDirs(); err != nil {
		return nil, err
	}

	store, err := runlog.Open(runlog.Options{
		DBPath:           paths.RunDB(),
		RunsLogPath:      paths.RunsLog(),
		DecisionsLogPath: paths.DecisionsLog(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open run log: %w", err)
	}
	archive, err := retention.OpenArchive(paths.ArchiveDB())
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to open archive: %w", err)
	}

	e := &Engine{cfg: cfg, paths: paths, logger: logger, store: store, archive: archive}

	e.registry = registry.New(cfg.Fallback, logger)
	if err := e.registry.LoadAgents(paths.AgentsFile()); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logger.Warning("No agents file at %s, starting with an empty registry", paths.AgentsFile())
		} else {
			e.close()
			return nil, err
		}
	}

	file, err := policy.LoadFile(paths.PoliciesFile())
	if err != nil {
		e.close()
		return nil, fmt.Errorf("failed to load policies: %w", err)
	}
	e.policies = policy.NewEngine(file,
		policy.WithCounters(store),
		policy.WithLoopPrevention(cfg.LoopPrevention),
		policy.WithHITLRules(cfg.HITL.AllowedReasons),
		policy.WithLogger(logger),
	)

	report, err := validator.New(e.registry, cfg.Fallback).Validate(file, true)
	if err != nil {
		e.close()
		return nil, err
	}
	for _, f := range report.Findings {
		if f.Severity == validator.SeverityError {
			logger.Warning("Policy check: %s (%s/%s): %s", f.Kind, f.Policy, f.Phase, f.Message)
		} else {
			logger.Info("Policy check: %s (%s/%s): %s", f.Kind, f.Policy, f.Phase, f.Message)
		}
	}

	gateway, err := buildTrackerGateway(ctx, cfg, logger)
	if err != nil {
		e.close()
		return nil, err
	}
	e.tracker = gateway
	e.agents = opencode.New(cfg.Agents.Binary, opencode.WithLogger(logger))

	reg := prometheus.NewRegistry()
	e.metrics = metrics.MustNew(reg)
	e.gatherer = reg

	e.sizes = buildSizeMonitor(cfg, paths)
	e.retention = retention.New(store, archive, cfg.Retention, cfg.Cleanup, e.sizes, logger)
	e.messenger = messenger.New(store, paths.MessagesArchiveDir, logger)
	e.prompts = prompt.NewBuilder(cfg.Templates)

	e.worker = worker.New(worker.Deps{
		Config:    cfg,
		Tracker:   e.tracker,
		Agents:    e.agents,
		Registry:  e.registry,
		Policies:  e.policies,
		Store:     store,
		Prompts:   e.prompts,
		Messenger: e.messenger,
		Metrics:   e.metrics,
		Logger:    logger,
	})
	e.monitor = monitor.New(monitor.Deps{
		Config:   cfg,
		Tracker:  e.tracker,
		Agents:   e.agents,
		Policies: e.policies,
		Store:    store,
		Metrics:  e.metrics,
		Logger:   logger,
	})
	e.api = httpapi.New(httpapi.Deps{
		Config:    cfg,
		Policies:  e.policies,
		Store:     store,
		Retention: e.retention,
		Doctor:    retention.NewDoctor(store, archive),
		Sizes:     e.sizes,
		Gatherer:  reg,
		Logger:    logger,
	})
	return e, nil
}

// buildTrackerGateway wires app auth when an app id is configured, else the
// plain token-from-environment flow the tracker binary already handles.
func buildTrackerGateway(ctx context.Context, cfg *config.Config, logger logging.Logger) (tracker.Gateway, error) {
	opts := []tracker.Option{tracker.WithLogger(logger)}
	app := cfg.Tracker.Auth.App
	if app.AppID != 0 {
		loadKey, err := github.KeyLoaderFromConfig(app)
		if err != nil {
			return nil, err
		}
		auth, err := github.NewAppAuth(ctx, app.AppID, app.InstallationID, loadKey)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize app auth: %w", err)
		}
		opts = append(opts, tracker.WithTokenSource(auth))
	}
	return tracker.NewCLIGateway(cfg.Tracker, opts...), nil
}

// buildSizeMonitor watches the store files against the tightest configured
// size limit. Without a limit, sampling still feeds the trend history.
func buildSizeMonitor(cfg *config.Config, paths config.Paths) *retention.SizeMonitor {
	limitMB, warn, crit, emerg := 0, 70, 85, 95
	for _, p := range cfg.Retention.Policies {
		if p.MaxSizeMB > 0 && (limitMB == 0 || p.MaxSizeMB < limitMB) {
			limitMB = p.MaxSizeMB
			warn, crit, emerg = p.SizeWarningPercent, p.SizeCriticalPercent, p.SizeEmergencyPercent
		}
	}
	files := []string{paths.RunDB(), paths.RunsLog(), paths.DecisionsLog(), paths.ArchiveDB()}
	return retention.NewSizeMonitor(files, limitMB, warn, crit, emerg)
}

// Run starts the selected loops and blocks until a signal or the context
// ends, then shuts everything down and closes the stores.
func (e *Engine) Run(ctx context.Context, opts Options) error {
	ctx, cancel := signalContext(ctx, e.logger)
	defer cancel()

	var wg sync.WaitGroup
	errCh := make(chan error, 4)
	start := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil {
				e.logger.Error("%s loop failed: %v", name, err)
				errCh <- fmt.Errorf("%s: %w", name, err)
				cancel()
			}
		}()
	}

	if opts.Monitor {
		start("monitor", e.monitor.Run)
	}
	if opts.Worker {
		start("worker", e.worker.Run)
	}
	if opts.Cleanup && e.cfg.Cleanup.Enabled {
		start("retention", e.retention.Start)
	}
	if opts.UI {
		start("api", e.api.Run)
	}

	wg.Wait()
	e.close()

	select {
	case err := <-errCh:
		return err
	default:
		return nil
	}
}

// ProcessIssue runs one dispatch cycle for a single issue, the `work`
// command's entry point.
func (e *Engine) ProcessIssue(ctx context.Context, issueID string) error {
	issue, err := e.tracker.Get(ctx, issueID)
	if err != nil {
		return err
	}
	return e.worker.ProcessIssue(ctx, issue)
}

// Components the CLI needs direct access to.

func (e *Engine) Registry() *registry.Registry { return e.registry }
func (e *Engine) Policies() *policy.Engine     { return e.policies }
func (e *Engine) Agents() agent.Gateway        { return e.agents }
func (e *Engine) Retention() *retention.Engine { return e.retention }
func (e *Engine) Store() *runlog.Store         { return e.store }

// Close releases the stores. Safe to call more than once.
func (e *Engine) Close() { e.close() }

func (e *Engine) close() {
	e.closeOnce.Do(func() {
		if e.store != nil {
			if err := e.store.Close(); err != nil {
				e.logger.Warning("Failed to close run log: %v", err)
			}
		}
		if e.archive != nil {
			if err := e.archive.Close(); err != nil {
				e.logger.Warning("Failed to close archive: %v", err)
			}
		}
	})
}

// signalContext cancels the returned context on SIGINT or SIGTERM.
func signalContext(ctx context.Context, logger logging.Logger) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigCh:
			logger.Info("Received %v, shutting down", sig)
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()
	return ctx, cancel
}
