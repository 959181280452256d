package heartbeat

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/haasonsaas/loom/internal/agent"
	"github.com/haasonsaas/loom/internal/delivery"
	"github.com/haasonsaas/loom/internal/sessions"
	"github.com/haasonsaas/loom/internal/tools/policy"
)

// TurnRunner executes one agent turn. *agent.Orchestrator satisfies it.
type TurnRunner interface {
	RunTurn(ctx context.Context, req *agent.TurnRequest) (*agent.TurnResult, error)
}

// TickResult records the outcome of one heartbeat tick.
type TickResult struct {
	Status    Status
	SessionID string
	// Text is what was delivered, when Status is StatusSent.
	Text     string
	Err      error
	At       time.Time
	Duration time.Duration
}

// Runner drives the heartbeat loop for one agent.
type Runner struct {
	cfg     Config
	agentID string

	turns   TurnRunner
	store   sessions.Store
	runs    *sessions.RunTracker
	deliver delivery.Deliverer
	content ContentSource
	dedup   *Deduper
	logger  *slog.Logger
	now     func() time.Time

	provider string
	model    string
	system   string
	policy   policy.Context
	observer func(TickResult)

	mu   sync.Mutex
	last *TickResult
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets the runner's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runner) {
		if logger != nil {
			r.logger = logger.With("component", "heartbeat")
		}
	}
}

// WithContentSource overrides the file-based content source.
func WithContentSource(src ContentSource) Option {
	return func(r *Runner) { r.content = src }
}

// WithModel sets the provider and model heartbeat turns run on.
func WithModel(provider, model string) Option {
	return func(r *Runner) {
		r.provider = provider
		r.model = model
	}
}

// WithSystemPrompt sets the system prompt for heartbeat turns.
func WithSystemPrompt(system string) Option {
	return func(r *Runner) { r.system = system }
}

// WithPolicy sets the tool policy context heartbeat turns run under.
func WithPolicy(pc policy.Context) Option {
	return func(r *Runner) { r.policy = pc }
}

// WithObserver installs a tick observer, used for metrics.
func WithObserver(fn func(TickResult)) Option {
	return func(r *Runner) { r.observer = fn }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Runner) {
		if now != nil {
			r.now = now
			r.dedup.now = now
		}
	}
}

// NewRunner wires a heartbeat runner for one agent.
func NewRunner(cfg Config, agentID string, turns TurnRunner, store sessions.Store, runs *sessions.RunTracker, deliver delivery.Deliverer, opts ...Option) *Runner {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.MaxAckChars <= 0 {
		cfg.MaxAckChars = DefaultMaxAckChars
	}
	if cfg.Target == "" {
		cfg.Target = "main"
	}

	r := &Runner{
		cfg:     cfg,
		agentID: agentID,
		turns:   turns,
		store:   store,
		runs:    runs,
		deliver: deliver,
		content: &FileSource{Path: cfg.ContentPath},
		dedup:   NewDeduper(DedupWindow),
		logger:  slog.Default().With("component", "heartbeat"),
		now:     time.Now,
		policy:  policy.Context{Profile: policy.ProfileFull, SessionType: policy.SessionMain},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start runs the tick loop until ctx is cancelled.
func (r *Runner) Start(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	r.logger.Info("heartbeat loop started",
		"agent_id", r.agentID,
		"interval", r.cfg.Interval,
		"enabled", r.cfg.Enabled)

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("heartbeat loop stopped", "agent_id", r.agentID)
			return
		case <-ticker.C:
			res := r.Tick(ctx)
			if res.Err != nil {
				r.logger.Warn("heartbeat tick failed",
					"status", res.Status,
					"session_id", res.SessionID,
					"error", res.Err)
			}
		}
	}
}

// LastResult returns the most recent tick outcome, if any.
func (r *Runner) LastResult() *TickResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.last == nil {
		return nil
	}
	out := *r.last
	return &out
}

// Tick runs one heartbeat pass through the skip chain and, when nothing
// skips it, a full agent turn.
func (r *Runner) Tick(ctx context.Context) TickResult {
	started := r.now()
	res := r.tick(ctx, started)
	res.At = started
	res.Duration = r.now().Sub(started)

	r.mu.Lock()
	copied := res
	r.last = &copied
	r.mu.Unlock()

	if r.observer != nil {
		r.observer(res)
	}

	r.logger.Debug("heartbeat tick",
		"status", res.Status,
		"session_id", res.SessionID,
		"duration", res.Duration)
	return res
}

func (r *Runner) tick(ctx context.Context, now time.Time) TickResult {
	if !r.cfg.Enabled {
		return TickResult{Status: StatusSkippedDisabled}
	}

	active, err := r.cfg.ActiveHours.Contains(now, r.cfg.UserTimezone)
	if err != nil {
		return TickResult{Status: StatusError, Err: err}
	}
	if !active {
		return TickResult{Status: StatusSkippedInactive}
	}

	session, err := r.resolveSession(ctx)
	if err != nil {
		return TickResult{Status: StatusError, Err: err}
	}

	if r.runs.InFlight(session.ID) {
		return TickResult{Status: StatusSkippedInFlight, SessionID: session.ID}
	}

	content, err := r.content.Load(ctx)
	if err != nil {
		return TickResult{Status: StatusError, SessionID: session.ID, Err: err}
	}
	if !IsActionable(content) {
		return TickResult{Status: StatusOKEmpty, SessionID: session.ID}
	}

	result, err := r.turns.RunTurn(ctx, &agent.TurnRequest{
		SessionID: session.ID,
		AgentID:   r.agentID,
		Input:     ResolvePrompt(r.cfg.Prompt),
		Source:    "heartbeat",
		System:    r.system,
		Provider:  r.provider,
		Model:     r.model,
		Policy:    r.policy,
	})
	if err != nil {
		switch {
		case errors.Is(err, sessions.ErrRunActive):
			return TickResult{Status: StatusSkippedInFlight, SessionID: session.ID}
		case ctx.Err() != nil:
			return TickResult{Status: StatusSkippedAborted, SessionID: session.ID, Err: err}
		default:
			return TickResult{Status: StatusError, SessionID: session.ID, Err: err}
		}
	}

	stripped := StripToken(result.Text, r.cfg.MaxAckChars)
	if stripped.ShouldSkip {
		if stripped.DidStrip {
			return TickResult{Status: StatusOKToken, SessionID: session.ID}
		}
		return TickResult{Status: StatusOKEmpty, SessionID: session.ID}
	}

	if r.dedup.Seen(stripped.Text) {
		return TickResult{Status: StatusSkippedDuplicate, SessionID: session.ID}
	}

	if err := r.deliver.Deliver(ctx, session.ID, r.cfg.DeliveryTarget, stripped.Text); err != nil {
		return TickResult{
			Status:    StatusError,
			SessionID: session.ID,
			Err:       &delivery.Error{Target: r.cfg.DeliveryTarget, Err: err},
		}
	}
	r.dedup.Remember(stripped.Text)

	return TickResult{Status: StatusSent, SessionID: session.ID, Text: stripped.Text}
}

// resolveSession picks the session the heartbeat turn runs against.
// Target "main" uses the agent's main session, creating it if needed;
// "last" prefers the most recently updated main session.
func (r *Runner) resolveSession(ctx context.Context) (*sessions.Session, error) {
	if r.cfg.Target == "last" {
		list, err := r.store.List(ctx, r.agentID, sessions.ListOptions{Kind: sessions.KindMain})
		if err != nil {
			return nil, err
		}
		var latest *sessions.Session
		for _, s := range list {
			if latest == nil || s.UpdatedAt.After(latest.UpdatedAt) {
				latest = s
			}
		}
		if latest != nil {
			return latest, nil
		}
	}
	key := sessions.SessionKey(r.agentID, sessions.KindMain, "main")
	return r.store.GetOrCreate(ctx, key, r.agentID, sessions.KindMain)
}
