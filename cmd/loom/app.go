package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/haasonsaas/loom/internal/agent"
	"github.com/haasonsaas/loom/internal/auth"
	"github.com/haasonsaas/loom/internal/config"
	"github.com/haasonsaas/loom/internal/cron"
	"github.com/haasonsaas/loom/internal/delivery"
	"github.com/haasonsaas/loom/internal/heartbeat"
	"github.com/haasonsaas/loom/internal/metrics"
	"github.com/haasonsaas/loom/internal/sessions"
	"github.com/haasonsaas/loom/internal/subagent"
	"github.com/haasonsaas/loom/internal/tools"
	"github.com/haasonsaas/loom/internal/tools/policy"
)

// app wires the full runtime: storage, credentials, tools, the orchestrator,
// and the background loops.
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	store   *sessions.SQLiteStore
	runs    *sessions.RunTracker
	creds   *auth.Store
	deliver delivery.Deliverer
	orch    *agent.Orchestrator
	subs    *subagent.Manager
	jobs    cron.JobStore
	sched   *cron.Scheduler
	hb      *heartbeat.Runner
	metrics *metrics.Metrics
}

// newApp assembles the runtime from configuration. Call close when done.
func newApp(cfg *config.Config) (*app, error) {
	logger := slog.Default()

	store, err := sessions.NewSQLiteStore(cfg.Storage.Path)
	if err != nil {
		return nil, fmt.Errorf("open session store: %w", err)
	}

	creds, err := auth.LoadStore(cfg.Storage.StateDir)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("load credential store: %w", err)
	}
	for id, profile := range cfg.Auth.Profiles {
		creds.AddProfile(id, profile.Credential())
	}
	for provider, order := range cfg.Auth.Order {
		creds.SetOrder(provider, order)
	}

	a := &app{
		cfg:     cfg,
		logger:  logger,
		store:   store,
		runs:    sessions.NewRunTracker(),
		creds:   creds,
		deliver: delivery.NewLogDeliverer(logger),
		metrics: metrics.NewMetrics(nil),
	}

	registry := tools.NewRegistry()
	engine := policy.NewEngine(policy.DefaultRules())

	a.orch = agent.New(registry, engine, creds, store, a.runs,
		agent.WithLogger(logger.With("component", "agent")),
		agent.WithContextWindow(cfg.Agent.ContextWindow, cfg.Agent.ReserveTokens),
		agent.WithToolTimeout(cfg.Tools.ExecTimeout),
		agent.WithObserver(a.observeTurn),
		agent.WithRotationObserver(func(provider, profileID, reason string) {
			a.metrics.RecordRotation(provider, reason)
		}),
		agent.WithToolObserver(func(tool, status string, elapsed time.Duration) {
			a.metrics.RecordToolExecution(tool, status, elapsed.Seconds())
		}),
	)

	a.subs = subagent.NewManager(cfg.Agent.ID, a.orch, store, a.deliver,
		subagent.WithLogger(logger),
		subagent.WithModel(cfg.Agent.Provider, cfg.Agent.Model),
		subagent.WithProfile(policy.Profile(cfg.Subagents.Profile)),
		subagent.WithMaxActive(cfg.Subagents.MaxActive),
		subagent.WithDefaultTimeout(cfg.Subagents.Timeout),
		subagent.WithDefaultCleanup(subagent.CleanupPolicy(cfg.Subagents.Cleanup)),
		subagent.WithObserver(a.observeSubagent),
	)

	// The spawn tool sits in the scheduling group, which the default
	// subagent deny rules strip, so children cannot spawn children.
	if err := registry.Register(subagent.NewSpawnTool(a.subs), "scheduling"); err != nil {
		store.Close()
		return nil, err
	}
	if err := registry.Register(subagent.NewStatusTool(a.subs), "scheduling"); err != nil {
		store.Close()
		return nil, err
	}
	registry.Seal()

	jobs, err := cron.NewSQLiteJobStoreOn(store.DB())
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("open job store: %w", err)
	}
	a.jobs = jobs
	a.sched = cron.NewScheduler(a.jobs, store, a.runs, a.orch, a.deliver, cfg.Agent.ID,
		cron.WithLogger(logger),
		cron.WithModel(cfg.Agent.Provider, cfg.Agent.Model),
		cron.WithPolicy(a.basePolicy(policy.SessionMain)),
		cron.WithObserver(func(job *cron.Job, status cron.RunStatus, _ time.Duration) {
			a.metrics.RecordCronRun(string(status))
		}),
	)
	if err := a.installConfigJobs(context.Background()); err != nil {
		store.Close()
		return nil, err
	}

	a.hb = heartbeat.NewRunner(cfg.Heartbeat, cfg.Agent.ID, a.orch, store, a.runs, a.deliver,
		heartbeat.WithLogger(logger),
		heartbeat.WithModel(cfg.Agent.Provider, cfg.Agent.Model),
		heartbeat.WithSystemPrompt(cfg.Agent.SystemPrompt),
		heartbeat.WithPolicy(a.basePolicy(policy.SessionMain)),
		heartbeat.WithObserver(func(res heartbeat.TickResult) {
			a.metrics.RecordHeartbeat(string(res.Status))
		}),
	)

	return a, nil
}

func (a *app) close() error {
	if err := a.creds.Save(a.cfg.Storage.StateDir); err != nil {
		a.logger.Warn("credential store save failed", "error", err)
	}
	return a.store.Close()
}

// basePolicy is the policy context for operator-configured turns.
func (a *app) basePolicy(sessionType policy.SessionType) policy.Context {
	return policy.Context{
		Profile:     policy.Profile(a.cfg.Tools.Profile),
		Provider:    a.cfg.Agent.Provider,
		Model:       a.cfg.Agent.Model,
		SessionType: sessionType,
		GlobalAllow: a.cfg.Tools.Allow,
		GlobalDeny:  a.cfg.Tools.Deny,
	}
}

func (a *app) observeTurn(req *agent.TurnRequest, res *agent.TurnResult, err error, elapsed time.Duration) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	a.metrics.RecordTurn(req.Source, status, elapsed.Seconds())
	if res != nil {
		a.metrics.RecordTokens(req.Provider, req.Model, res.InputTokens, res.OutputTokens)
		if res.Compacted {
			a.metrics.RecordCompaction("pre-turn", "ok")
		}
	}
}

func (a *app) observeSubagent(h *subagent.Handle) {
	a.metrics.RecordSubagent(string(h.Outcome()))
	a.metrics.ActiveSubagents.Set(float64(a.subs.ActiveCount()))
}

// installConfigJobs adds config-declared jobs that are not yet in the
// store. Existing jobs keep their persisted state so operator edits and
// run history survive restarts.
func (a *app) installConfigJobs(ctx context.Context) error {
	for _, entry := range a.cfg.Cron.Jobs {
		if _, err := a.sched.Get(ctx, entry.ID); err == nil {
			continue
		} else if !errors.Is(err, cron.ErrJobNotFound) {
			return fmt.Errorf("cron job %s: %w", entry.ID, err)
		}
		if err := a.sched.Add(ctx, entry.Job()); err != nil {
			return fmt.Errorf("cron job %s: %w", entry.ID, err)
		}
	}
	return nil
}

// run starts the background loops and blocks until ctx is cancelled.
func (a *app) run(ctx context.Context) error {
	if err := a.sched.Start(ctx); err != nil {
		return err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.sched.Stop(stopCtx); err != nil {
			a.logger.Warn("scheduler stop failed", "error", err)
		}
	}()

	if a.cfg.Heartbeat.Enabled {
		go a.hb.Start(ctx)
	}

	var metricsSrv *http.Server
	if a.cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", a.metrics.Handler())
		metricsSrv = &http.Server{Addr: a.cfg.Metrics.Addr, Handler: mux}
		go func() {
			a.logger.Info("metrics endpoint listening", "addr", a.cfg.Metrics.Addr)
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.logger.Error("metrics server failed", "error", err)
			}
		}()
	}

	a.logger.Info("loom running",
		"agent_id", a.cfg.Agent.ID,
		"provider", a.cfg.Agent.Provider,
		"model", a.cfg.Agent.Model,
		"heartbeat", a.cfg.Heartbeat.Enabled)

	<-ctx.Done()

	if metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			a.logger.Warn("metrics server shutdown failed", "error", err)
		}
	}
	return nil
}
