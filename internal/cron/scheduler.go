package cron

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/haasonsaas/loom/internal/agent"
	"github.com/haasonsaas/loom/internal/delivery"
	"github.com/haasonsaas/loom/internal/sessions"
	"github.com/haasonsaas/loom/internal/tools/policy"
)

const (
	// DefaultTickInterval is how often the scheduler scans for due jobs.
	DefaultTickInterval = time.Second
	// DefaultTurnTimeout bounds agentTurn payloads with no explicit timeout.
	DefaultTurnTimeout = 5 * time.Minute
)

// Scheduler runs the job loop: every tick it finds due jobs, executes
// them, records status and duration, and persists the next run time.
type Scheduler struct {
	store    JobStore
	sessions sessions.Store
	runs     *sessions.RunTracker
	turns    TurnRunner
	deliver  delivery.Deliverer
	logger   *slog.Logger
	now      func() time.Time

	agentID      string
	provider     string
	model        string
	policy       policy.Context
	tickInterval time.Duration
	observer     RunObserver

	mu      sync.Mutex
	started bool
	wake    chan struct{}
	wg      sync.WaitGroup
}

// Option configures the scheduler.
type Option func(*Scheduler)

// WithLogger sets the scheduler logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger.With("component", "cron")
		}
	}
}

// WithModel sets the provider and model agentTurn jobs run on.
func WithModel(provider, model string) Option {
	return func(s *Scheduler) {
		s.provider = provider
		s.model = model
	}
}

// WithPolicy sets the tool policy context agentTurn jobs run under.
func WithPolicy(pc policy.Context) Option {
	return func(s *Scheduler) { s.policy = pc }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// WithTickInterval overrides the scan interval. Values above one second
// are clamped so due jobs are found within a second of falling due.
func WithTickInterval(interval time.Duration) Option {
	return func(s *Scheduler) {
		if interval > 0 && interval <= time.Second {
			s.tickInterval = interval
		}
	}
}

// RunObserver is notified after every job execution, used for metrics.
type RunObserver func(job *Job, status RunStatus, elapsed time.Duration)

// WithObserver installs a run observer.
func WithObserver(fn RunObserver) Option {
	return func(s *Scheduler) { s.observer = fn }
}

// NewScheduler wires a job scheduler for one agent.
func NewScheduler(store JobStore, sessionStore sessions.Store, runs *sessions.RunTracker, turns TurnRunner, deliver delivery.Deliverer, agentID string, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:        store,
		sessions:     sessionStore,
		runs:         runs,
		turns:        turns,
		deliver:      deliver,
		logger:       slog.Default().With("component", "cron"),
		now:          time.Now,
		agentID:      agentID,
		policy:       policy.Context{Profile: policy.ProfileFull},
		tickInterval: DefaultTickInterval,
		wake:         make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Add validates and stores a new job, computing its first run time.
// Definitions violating the target/payload pairing are rejected with a
// *ValidationError before they are stored.
func (s *Scheduler) Add(ctx context.Context, job *Job) error {
	if err := job.Validate(); err != nil {
		return err
	}
	if _, err := s.store.Get(ctx, job.ID); err == nil {
		return &ValidationError{Field: "id", Reason: fmt.Sprintf("job %q already exists", job.ID)}
	} else if !errors.Is(err, ErrJobNotFound) {
		return err
	}

	now := s.now()
	next, ok, err := job.Schedule.Next(now)
	if err != nil {
		return &ValidationError{Field: "schedule", Reason: err.Error()}
	}
	if !ok {
		return &ValidationError{Field: "schedule", Reason: "schedule has no future run"}
	}
	job.State = JobState{NextRun: next}
	if err := s.store.Put(ctx, job); err != nil {
		return err
	}
	s.logger.Info("cron job added", "id", job.ID, "kind", job.Schedule.Kind, "next_run", next)
	return nil
}

// Update replaces an existing job definition, recomputing its next run.
func (s *Scheduler) Update(ctx context.Context, job *Job) error {
	if err := job.Validate(); err != nil {
		return err
	}
	existing, err := s.store.Get(ctx, job.ID)
	if err != nil {
		return err
	}

	next, ok, nextErr := job.Schedule.Next(s.now())
	if nextErr != nil {
		return &ValidationError{Field: "schedule", Reason: nextErr.Error()}
	}
	if !ok {
		return &ValidationError{Field: "schedule", Reason: "schedule has no future run"}
	}
	job.CreatedAt = existing.CreatedAt
	job.State = existing.State
	job.State.NextRun = next
	return s.store.Put(ctx, job)
}

// Remove deletes a job.
func (s *Scheduler) Remove(ctx context.Context, id string) error {
	if err := s.store.Delete(ctx, id); err != nil {
		return err
	}
	s.logger.Info("cron job removed", "id", id)
	return nil
}

// Get returns one job by id.
func (s *Scheduler) Get(ctx context.Context, id string) (*Job, error) {
	return s.store.Get(ctx, id)
}

// List returns all jobs.
func (s *Scheduler) List(ctx context.Context) ([]*Job, error) {
	return s.store.List(ctx)
}

// RunJob executes a job immediately. With force=false the job only runs
// if due; force bypasses the due-check but still respects the
// in-flight-turn guard. Returns the recorded status.
func (s *Scheduler) RunJob(ctx context.Context, id string, force bool) (RunStatus, error) {
	job, err := s.store.Get(ctx, id)
	if err != nil {
		return "", err
	}
	now := s.now()
	if !force {
		if !job.Enabled {
			return "", fmt.Errorf("job %q is disabled", id)
		}
		if job.State.NextRun.IsZero() || now.Before(job.State.NextRun) {
			return "", fmt.Errorf("job %q is not due until %v", id, job.State.NextRun)
		}
	}
	return s.execute(ctx, job, now)
}

// Wake nudges the scheduler loop to scan for due jobs without waiting
// for the next tick. At most one wake is queued.
func (s *Scheduler) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Start runs the tick loop until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.tickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.RunDue(ctx)
			case <-s.wake:
				s.RunDue(ctx)
			}
		}
	}()
	return nil
}

// Stop waits for the scheduler loop to exit.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunDue executes every enabled job whose next run is at or before now,
// and returns how many jobs ran.
func (s *Scheduler) RunDue(ctx context.Context) int {
	now := s.now()
	jobs, err := s.store.List(ctx)
	if err != nil {
		s.logger.Warn("cron job scan failed", "error", err)
		return 0
	}

	count := 0
	for _, job := range jobs {
		if !job.Enabled || job.State.NextRun.IsZero() || now.Before(job.State.NextRun) {
			continue
		}
		if _, err := s.execute(ctx, job, now); err != nil {
			s.logger.Warn("cron job failed", "id", job.ID, "error", err)
		}
		count++
		if ctx.Err() != nil {
			break
		}
	}
	return count
}

// execute runs one job, records its outcome, and persists the next run.
func (s *Scheduler) execute(ctx context.Context, job *Job, now time.Time) (RunStatus, error) {
	started := s.now()
	status, runErr := s.dispatch(ctx, job)

	job.State.LastRun = now
	job.State.LastStatus = status
	job.State.LastDuration = s.now().Sub(started)
	if s.observer != nil {
		s.observer(job, status, job.State.LastDuration)
	}
	if runErr != nil {
		job.State.LastError = runErr.Error()
	} else {
		job.State.LastError = ""
	}

	// A skipped run is not consumed: one-shot jobs stay scheduled so the
	// in-flight guard cannot silently swallow them.
	consumed := status != RunSkippedInFlight
	if job.Schedule.Kind == KindAt && consumed {
		if job.DeleteAfterRun {
			if err := s.store.Delete(ctx, job.ID); err != nil && !errors.Is(err, ErrJobNotFound) {
				s.logger.Warn("cron job cleanup failed", "id", job.ID, "error", err)
			}
			return status, runErr
		}
		job.Enabled = false
		job.State.NextRun = time.Time{}
	} else if consumed {
		next, ok, nextErr := job.Schedule.Next(now)
		switch {
		case nextErr != nil:
			job.State.LastError = nextErr.Error()
			job.State.NextRun = time.Time{}
			job.Enabled = false
		case ok:
			job.State.NextRun = next
		default:
			job.State.NextRun = time.Time{}
			job.Enabled = false
		}
	}

	if err := s.store.Put(ctx, job); err != nil {
		s.logger.Warn("cron job state persist failed", "id", job.ID, "error", err)
	}
	s.logger.Debug("cron job executed",
		"id", job.ID,
		"status", status,
		"duration", job.State.LastDuration,
		"next_run", job.State.NextRun)
	return status, runErr
}

func (s *Scheduler) dispatch(ctx context.Context, job *Job) (RunStatus, error) {
	switch job.Payload.Kind {
	case PayloadSystemEvent:
		return s.injectSystemEvent(ctx, job)
	case PayloadAgentTurn:
		return s.runAgentTurn(ctx, job)
	default:
		return RunError, fmt.Errorf("unknown payload kind %q", job.Payload.Kind)
	}
}

// injectSystemEvent appends the job's text to the agent's main session.
// No model call is made; the text surfaces on the next turn.
func (s *Scheduler) injectSystemEvent(ctx context.Context, job *Job) (RunStatus, error) {
	key := sessions.SessionKey(s.agentID, sessions.KindMain, "main")
	session, err := s.sessions.GetOrCreate(ctx, key, s.agentID, sessions.KindMain)
	if err != nil {
		return RunError, err
	}
	err = s.sessions.AppendMessage(ctx, session.ID, &sessions.Message{
		Role:    "system",
		Content: job.Payload.Text,
		Metadata: map[string]any{
			"source": "cron",
			"job_id": job.ID,
		},
	})
	if err != nil {
		return RunError, err
	}
	return RunOK, nil
}

// runAgentTurn runs the job's message as a full turn in the job's
// isolated session, bounded by the payload timeout.
func (s *Scheduler) runAgentTurn(ctx context.Context, job *Job) (RunStatus, error) {
	key := sessions.SessionKey(s.agentID, sessions.KindIsolated, "cron:"+job.ID)
	session, err := s.sessions.GetOrCreate(ctx, key, s.agentID, sessions.KindIsolated)
	if err != nil {
		return RunError, err
	}
	if s.runs.InFlight(session.ID) {
		return RunSkippedInFlight, nil
	}

	timeout := job.Payload.Timeout
	if timeout <= 0 {
		timeout = DefaultTurnTimeout
	}
	turnCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, err := s.turns.RunTurn(turnCtx, &agent.TurnRequest{
		SessionID: session.ID,
		AgentID:   s.agentID,
		Input:     job.Payload.Message,
		Source:    "cron",
		Provider:  s.provider,
		Model:     s.model,
		Policy:    s.policy,
	})
	if err != nil {
		switch {
		case errors.Is(err, sessions.ErrRunActive):
			return RunSkippedInFlight, nil
		case ctx.Err() != nil:
			return RunSkippedAborted, err
		default:
			return RunError, err
		}
	}

	if job.Payload.DeliveryTarget != "" && result.Text != "" {
		if err := s.deliver.Deliver(ctx, session.ID, job.Payload.DeliveryTarget, result.Text); err != nil {
			// The turn itself succeeded; a lost delivery must not mark the
			// run failed or roll back session state.
			derr := &delivery.Error{Target: job.Payload.DeliveryTarget, Err: err}
			s.logger.Error("cron delivery failed", "job", job.ID, "target", job.Payload.DeliveryTarget, "error", derr)
		}
	}
	return RunOK, nil
}
