package subagent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/loom/internal/agent"
	"github.com/haasonsaas/loom/internal/delivery"
	"github.com/haasonsaas/loom/internal/sessions"
	"github.com/haasonsaas/loom/internal/tools/policy"
)

const (
	// DefaultTimeout bounds child runs with no explicit timeout.
	DefaultTimeout = 10 * time.Minute
	// DefaultMaxActive caps concurrently running children.
	DefaultMaxActive = 5
)

// TurnRunner executes agent turns. *agent.Orchestrator satisfies it.
type TurnRunner interface {
	RunTurn(ctx context.Context, req *agent.TurnRequest) (*agent.TurnResult, error)
}

// SpawnParams describes one child run.
type SpawnParams struct {
	// Task is what the child should do. Required.
	Task string

	// Label is a short human name used in announcements.
	Label string

	// ParentSessionID is the session the announcement goes to. Required.
	ParentSessionID string

	// Timeout bounds the child run. Zero means DefaultTimeout.
	Timeout time.Duration

	// Cleanup decides the child session's fate. Empty means delete.
	Cleanup CleanupPolicy

	// DeliveryTarget routes the parent's announcement reply to a channel.
	DeliveryTarget string
}

// Manager owns the subagent lifecycle.
type Manager struct {
	store   sessions.Store
	turns   TurnRunner
	deliver delivery.Deliverer
	logger  *slog.Logger
	now     func() time.Time

	agentID    string
	provider   string
	model      string
	profile    policy.Profile
	maxActive  int
	defTimeout time.Duration
	defCleanup CleanupPolicy
	observer   func(*Handle)

	mu      sync.Mutex
	handles map[string]*Handle
	done    map[string]chan struct{}
	active  int
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the manager's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger.With("component", "subagent")
		}
	}
}

// WithModel sets the provider and model child runs use.
func WithModel(provider, model string) Option {
	return func(m *Manager) {
		m.provider = provider
		m.model = model
	}
}

// WithProfile sets the tool profile children run under.
func WithProfile(profile policy.Profile) Option {
	return func(m *Manager) { m.profile = profile }
}

// WithMaxActive caps concurrent child runs.
func WithMaxActive(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.maxActive = n
		}
	}
}

// WithDefaultTimeout sets the timeout applied to spawns that carry none.
func WithDefaultTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.defTimeout = d
		}
	}
}

// WithDefaultCleanup sets the cleanup policy applied to spawns that
// carry none.
func WithDefaultCleanup(p CleanupPolicy) Option {
	return func(m *Manager) {
		if p == CleanupDelete || p == CleanupKeep {
			m.defCleanup = p
		}
	}
}

// WithObserver installs a lifecycle observer called with a snapshot when
// a child run finishes, used for metrics.
func WithObserver(fn func(*Handle)) Option {
	return func(m *Manager) { m.observer = fn }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// NewManager wires a subagent manager for one agent.
func NewManager(agentID string, turns TurnRunner, store sessions.Store, deliver delivery.Deliverer, opts ...Option) *Manager {
	m := &Manager{
		store:      store,
		turns:      turns,
		deliver:    deliver,
		logger:     slog.Default().With("component", "subagent"),
		now:        time.Now,
		agentID:    agentID,
		profile:    policy.ProfileCoding,
		maxActive:  DefaultMaxActive,
		defTimeout: DefaultTimeout,
		defCleanup: CleanupDelete,
		handles:    make(map[string]*Handle),
		done:       make(map[string]chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Spawn creates the child session and starts the run in the background.
// The returned handle is a snapshot; poll Get or block on Wait for the
// final state.
func (m *Manager) Spawn(ctx context.Context, params SpawnParams) (*Handle, error) {
	if strings.TrimSpace(params.Task) == "" {
		return nil, errors.New("task is required")
	}
	if params.ParentSessionID == "" {
		return nil, errors.New("parent session id is required")
	}
	if params.Timeout <= 0 {
		params.Timeout = m.defTimeout
	}
	if params.Cleanup == "" {
		params.Cleanup = m.defCleanup
	}
	if params.Cleanup != CleanupDelete && params.Cleanup != CleanupKeep {
		return nil, fmt.Errorf("unknown cleanup policy %q", params.Cleanup)
	}

	m.mu.Lock()
	if m.active >= m.maxActive {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w (max %d)", ErrTooManyActive, m.maxActive)
	}
	m.active++
	m.mu.Unlock()

	id := uuid.NewString()
	key := sessions.SessionKey(m.agentID, sessions.KindSubagent, id)
	child, err := m.store.GetOrCreate(ctx, key, m.agentID, sessions.KindSubagent)
	if err != nil {
		m.mu.Lock()
		m.active--
		m.mu.Unlock()
		return nil, fmt.Errorf("create child session: %w", err)
	}

	h := &Handle{
		ID:              id,
		ParentSessionID: params.ParentSessionID,
		ChildSessionID:  child.ID,
		ChildSessionKey: key,
		Label:           params.Label,
		Task:            params.Task,
		Status:          StatusSpawned,
		Cleanup:         params.Cleanup,
		Timeout:         params.Timeout,
		StartedAt:       m.now(),
	}

	m.mu.Lock()
	m.handles[id] = h
	m.done[id] = make(chan struct{})
	m.mu.Unlock()

	m.logger.Info("subagent spawned",
		"id", id,
		"parent_session", params.ParentSessionID,
		"timeout", params.Timeout)

	// The child runs detached from the spawning turn's context so the
	// parent can finish its own turn while the child works.
	go m.run(context.Background(), h, params.DeliveryTarget)

	return m.snapshot(id)
}

// Get returns a snapshot of a handle.
func (m *Manager) Get(id string) (*Handle, error) {
	return m.snapshot(id)
}

// List returns snapshots of all handles.
func (m *Manager) List() []*Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Handle, 0, len(m.handles))
	for _, h := range m.handles {
		copied := *h
		out = append(out, &copied)
	}
	return out
}

// Wait blocks until the lifecycle finishes (announced and cleaned up) or
// ctx is cancelled, and returns the final handle.
func (m *Manager) Wait(ctx context.Context, id string) (*Handle, error) {
	m.mu.Lock()
	ch, ok := m.done[id]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	select {
	case <-ch:
		return m.snapshot(id)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ActiveCount returns the number of children still running.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

func (m *Manager) snapshot(id string) (*Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.handles[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	copied := *h
	return &copied, nil
}

func (m *Manager) setStatus(id string, status Status, mutate func(*Handle)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.handles[id]
	if !ok {
		return
	}
	h.Status = status
	if mutate != nil {
		mutate(h)
	}
}

type childResult struct {
	res *agent.TurnResult
	err error
}

// run drives one child through the whole lifecycle.
func (m *Manager) run(ctx context.Context, h *Handle, deliveryTarget string) {
	defer func() {
		m.mu.Lock()
		m.active--
		ch := m.done[h.ID]
		m.mu.Unlock()
		if ch != nil {
			close(ch)
		}
	}()

	m.setStatus(h.ID, StatusRunning, nil)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan childResult, 1)
	go func() {
		res, err := m.turns.RunTurn(runCtx, &agent.TurnRequest{
			SessionID: h.ChildSessionID,
			AgentID:   m.agentID,
			Input:     h.Task,
			Source:    "subagent",
			System:    BuildSystemPrompt(h.Task, h.Label, h.ChildSessionKey),
			Provider:  m.provider,
			Model:     m.model,
			Policy: policy.Context{
				Profile:     m.profile,
				Provider:    m.provider,
				Model:       m.model,
				SessionType: policy.SessionSubagent,
				IsSubagent:  true,
			},
		})
		results <- childResult{res: res, err: err}
	}()

	timer := time.NewTimer(h.Timeout)
	defer timer.Stop()

	select {
	case out := <-results:
		m.finishRun(h.ID, out)
	case <-timer.C:
		// Mark the timeout now and announce; the child goroutine winds
		// down asynchronously once its context cancellation propagates.
		cancel()
		m.setStatus(h.ID, StatusTimedOut, func(h *Handle) {
			h.CompletedAt = m.now()
			h.Error = ErrTimeout.Error()
			h.Result = m.lastChildReply(ctx, h.ChildSessionID)
		})
	}

	if m.observer != nil {
		if snap, err := m.snapshot(h.ID); err == nil {
			m.observer(snap)
		}
	}

	m.announce(ctx, h.ID, deliveryTarget)
	m.cleanup(ctx, h.ID)
}

func (m *Manager) finishRun(id string, out childResult) {
	completed := m.now()
	if out.err != nil {
		m.setStatus(id, StatusErrored, func(h *Handle) {
			h.CompletedAt = completed
			h.Error = out.err.Error()
		})
		return
	}
	m.setStatus(id, StatusCompleted, func(h *Handle) {
		h.CompletedAt = completed
		h.Result = out.res.Text
		h.InputTokens = out.res.InputTokens
		h.OutputTokens = out.res.OutputTokens
	})
}

// lastChildReply reads the child's most recent assistant message, for
// timeouts where no turn result came back.
func (m *Manager) lastChildReply(ctx context.Context, childSessionID string) string {
	history, err := m.store.GetHistory(ctx, childSessionID, 0)
	if err != nil {
		return ""
	}
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == "assistant" && history[i].Content != "" {
			return history[i].Content
		}
	}
	return ""
}

// announce reports the outcome to the parent session as a new turn input.
// If the parent has a turn in flight, the announcement is appended to its
// transcript instead so it surfaces on the next turn.
func (m *Manager) announce(ctx context.Context, id, deliveryTarget string) {
	h, err := m.snapshot(id)
	if err != nil {
		return
	}
	message := BuildAnnouncement(h)

	result, err := m.turns.RunTurn(ctx, &agent.TurnRequest{
		SessionID: h.ParentSessionID,
		AgentID:   m.agentID,
		Input:     message,
		Source:    "subagent",
		Provider:  m.provider,
		Model:     m.model,
		Policy:    policy.Context{Profile: policy.ProfileFull},
	})
	if err != nil {
		if errors.Is(err, sessions.ErrRunActive) {
			appendErr := m.store.AppendMessage(ctx, h.ParentSessionID, &sessions.Message{
				Role:    "system",
				Content: message,
				Metadata: map[string]any{
					"source":      "subagent",
					"subagent_id": h.ID,
				},
			})
			if appendErr != nil {
				m.logger.Warn("subagent announcement fallback failed", "id", h.ID, "error", appendErr)
			}
		} else {
			m.logger.Warn("subagent announcement turn failed", "id", h.ID, "error", err)
		}
		m.setStatus(id, StatusAnnounced, nil)
		return
	}

	reply := strings.TrimSpace(result.Text)
	if reply != "" && reply != NoReplyToken && m.deliver != nil {
		if err := m.deliver.Deliver(ctx, h.ParentSessionID, deliveryTarget, reply); err != nil {
			m.logger.Warn("subagent announcement delivery failed", "id", h.ID, "error", err)
		}
	}
	m.setStatus(id, StatusAnnounced, nil)
}

// cleanup applies the handle's cleanup policy to the child session.
func (m *Manager) cleanup(ctx context.Context, id string) {
	h, err := m.snapshot(id)
	if err != nil {
		return
	}
	if h.Cleanup == CleanupDelete {
		if err := m.store.Delete(ctx, h.ChildSessionID); err != nil && !errors.Is(err, sessions.ErrNotFound) {
			m.logger.Warn("subagent session cleanup failed", "id", id, "error", err)
		}
		m.setStatus(id, StatusDeleted, nil)
		return
	}
	m.setStatus(id, StatusKept, nil)
}
