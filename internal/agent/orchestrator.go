// Package agent runs single agent turns: it resolves credentials, filters
// the tool surface, keeps the transcript inside the context window, and
// drives the model/tool loop until the model produces a final reply.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/haasonsaas/loom/internal/auth"
	"github.com/haasonsaas/loom/internal/compaction"
	"github.com/haasonsaas/loom/internal/providers"
	"github.com/haasonsaas/loom/internal/sessions"
	"github.com/haasonsaas/loom/internal/tools"
	"github.com/haasonsaas/loom/internal/tools/policy"
)

const (
	// DefaultMaxIterations bounds the model/tool loop within one turn.
	DefaultMaxIterations = 20

	// DefaultContextWindow is assumed when the model's window is unknown.
	DefaultContextWindow = 200000

	// DefaultReserveTokens is held back from the window for the reply.
	DefaultReserveTokens = 8192

	// DefaultToolTimeout bounds a single tool execution.
	DefaultToolTimeout = 60 * time.Second
)

// ProviderFactory builds a provider client for one credential.
type ProviderFactory func(provider string, cfg providers.Config) (providers.Provider, error)

// Orchestrator coordinates the subsystems that make up one agent turn.
type Orchestrator struct {
	registry *tools.Registry
	policy   *policy.Engine
	creds    *auth.Store
	store    sessions.Store
	runs     *sessions.RunTracker
	logger   *slog.Logger

	factory         ProviderFactory
	maxIterations   int
	contextWindow   int
	reserveTokens   int
	maxReplyTokens  int
	toolTimeout     time.Duration
	compactionParts int
	observer        TurnObserver
	rotationObs     RotationObserver
	toolObs         ToolObserver
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithProviderFactory overrides how provider clients are built.
func WithProviderFactory(f ProviderFactory) Option {
	return func(o *Orchestrator) {
		if f != nil {
			o.factory = f
		}
	}
}

// WithMaxIterations bounds the model/tool loop.
func WithMaxIterations(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.maxIterations = n
		}
	}
}

// WithContextWindow sets the assumed model context window in tokens.
func WithContextWindow(window, reserve int) Option {
	return func(o *Orchestrator) {
		if window > 0 {
			o.contextWindow = window
		}
		if reserve > 0 {
			o.reserveTokens = reserve
		}
	}
}

// WithToolTimeout bounds a single tool execution.
func WithToolTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.toolTimeout = d
		}
	}
}

// TurnObserver is notified after every turn, successful or not.
type TurnObserver func(req *TurnRequest, res *TurnResult, err error, elapsed time.Duration)

// WithObserver installs a turn observer, used for metrics.
func WithObserver(fn TurnObserver) Option {
	return func(o *Orchestrator) { o.observer = fn }
}

// RotationObserver is notified each time a failing credential profile is
// rotated out during a turn.
type RotationObserver func(provider, profileID, reason string)

// WithRotationObserver installs a rotation observer, used for metrics.
func WithRotationObserver(fn RotationObserver) Option {
	return func(o *Orchestrator) { o.rotationObs = fn }
}

// ToolObserver is notified after every tool call the loop dispatches,
// including policy violations and handler failures.
type ToolObserver func(tool, status string, elapsed time.Duration)

// WithToolObserver installs a tool observer, used for metrics.
func WithToolObserver(fn ToolObserver) Option {
	return func(o *Orchestrator) { o.toolObs = fn }
}

// New creates an Orchestrator.
func New(registry *tools.Registry, policyEngine *policy.Engine, creds *auth.Store, store sessions.Store, runs *sessions.RunTracker, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		registry:      registry,
		policy:        policyEngine,
		creds:         creds,
		store:         store,
		runs:          runs,
		logger:        slog.Default().With("component", "agent"),
		factory:       func(provider string, cfg providers.Config) (providers.Provider, error) { return providers.New(provider, cfg) },
		maxIterations: DefaultMaxIterations,
		contextWindow: DefaultContextWindow,
		reserveTokens: DefaultReserveTokens,
		toolTimeout:   DefaultToolTimeout,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// TurnRequest describes one agent turn.
type TurnRequest struct {
	// SessionID is the session whose transcript the turn extends.
	SessionID string

	// AgentID identifies the agent for logging and session keys.
	AgentID string

	// Input is the new user-side input. Empty means rerun on existing history.
	Input string

	// Source labels who triggered the turn ("user", "heartbeat", "cron", "subagent").
	Source string

	// System is the system prompt for the turn.
	System string

	// Provider and Model select the LLM backend.
	Provider string
	Model    string

	// Profile optionally pins a preferred credential profile.
	Profile string

	// Policy is the tool policy context for the turn.
	Policy policy.Context
}

// TurnResult is the outcome of one completed turn.
type TurnResult struct {
	// Text is the model's final reply.
	Text string

	// ProfileID is the credential profile that served the turn.
	ProfileID string

	// Compacted reports whether the transcript was compacted during the turn.
	Compacted bool

	// Iterations is how many model calls the tool loop took.
	Iterations int

	// Violations counts tool calls rejected by policy during the turn.
	Violations int

	InputTokens  int
	OutputTokens int
}

// RunTurn executes one agent turn end to end. Turns are serialized per
// session: a second caller gets sessions.ErrRunActive instead of queueing.
func (o *Orchestrator) RunTurn(ctx context.Context, req *TurnRequest) (*TurnResult, error) {
	start := time.Now()
	res, err := o.runTurn(ctx, req)
	if o.observer != nil {
		o.observer(req, res, err, time.Since(start))
	}
	return res, err
}

func (o *Orchestrator) runTurn(ctx context.Context, req *TurnRequest) (*TurnResult, error) {
	if req == nil || req.SessionID == "" {
		return nil, fmt.Errorf("session id is required")
	}
	if req.Provider == "" {
		return nil, ErrNoProvider
	}

	release, err := o.runs.Begin(req.SessionID, req.Source)
	if err != nil {
		return nil, fmt.Errorf("session %s: %w", req.SessionID, err)
	}
	defer release()

	if req.Input != "" {
		if err := o.store.AppendMessage(ctx, req.SessionID, &sessions.Message{
			Role:    "user",
			Content: req.Input,
		}); err != nil {
			return nil, fmt.Errorf("failed to record input: %w", err)
		}
	}

	history, err := o.store.GetHistory(ctx, req.SessionID, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}

	allowed := o.policy.Filter(o.registry.Descriptors(), req.Policy)
	toolDefs, allowedSet := o.buildToolDefs(allowed)
	o.logger.Debug("turn starting",
		"session_id", req.SessionID,
		"source", req.Source,
		"provider", req.Provider,
		"tools", len(toolDefs))

	order, err := o.creds.OrderFor(req.Provider, req.Profile)
	if err != nil {
		return nil, fmt.Errorf("%w for %s: %v", ErrAuthExhausted, req.Provider, err)
	}

	turn := &turnState{
		req:        req,
		history:    history,
		toolDefs:   toolDefs,
		allowedSet: allowedSet,
	}

	var lastErr error
	for _, profileID := range order {
		cred, err := o.creds.GetProfile(profileID)
		if err != nil {
			continue
		}
		prov, err := o.factory(req.Provider, providers.Config{
			APIKey:       cred.Secret(),
			DefaultModel: req.Model,
		})
		if err != nil {
			return nil, err
		}

		result, err := o.runWithProvider(ctx, prov, profileID, turn)
		if err == nil {
			o.creds.MarkSuccess(profileID)
			if appendErr := o.store.AppendMessage(ctx, req.SessionID, &sessions.Message{
				Role:    "assistant",
				Content: result.Text,
			}); appendErr != nil {
				o.logger.Warn("failed to record reply", "session_id", req.SessionID, "error", appendErr)
			}
			result.ProfileID = profileID
			result.Compacted = turn.compacted
			return result, nil
		}

		lastErr = err
		if reason, rotate := rotationReason(err); rotate {
			o.creds.MarkFailure(profileID, reason)
			if o.rotationObs != nil {
				o.rotationObs(req.Provider, profileID, reason)
			}
			o.logger.Warn("rotating credential profile",
				"session_id", req.SessionID,
				"profile", profileID,
				"reason", reason)
			continue
		}
		return nil, err
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("no usable profiles for %s", req.Provider)
	}
	return nil, fmt.Errorf("%w: %v", ErrAuthExhausted, lastErr)
}

// turnState carries per-turn data across rotation attempts so a compacted
// transcript is not recomputed for every profile.
type turnState struct {
	req        *TurnRequest
	history    []*sessions.Message
	toolDefs   []providers.ToolDef
	allowedSet map[string]bool
	compacted  bool
}

// runWithProvider runs the tool loop on one provider client, compacting
// the transcript first if the estimate says it will not fit, and once
// more if the provider reports an overflow anyway.
func (o *Orchestrator) runWithProvider(ctx context.Context, prov providers.Provider, profileID string, turn *turnState) (*TurnResult, error) {
	msgs := toCompactionMessages(turn.history)
	if compaction.OverBudget(msgs, o.contextWindow, o.reserveTokens) {
		if err := o.compactHistory(ctx, prov, turn, o.contextWindow); err != nil {
			return nil, err
		}
	}

	result, err := o.executeLoop(ctx, prov, turn)
	if err == nil || !providers.IsContextOverflow(err) {
		return result, err
	}
	if turn.compacted {
		return nil, fmt.Errorf("%w: %v", ErrContextOverflow, err)
	}

	// Token estimates undershoot; the provider is the authority. Compact
	// against the estimated total so the budget check cannot pass vacuously.
	o.logger.Info("compaction retry after overflow",
		"session_id", turn.req.SessionID,
		"profile", profileID)
	estimated := compaction.TotalTokens(toCompactionMessages(turn.history))
	if err := o.compactHistory(ctx, prov, turn, estimated); err != nil {
		return nil, err
	}

	result, err = o.executeLoop(ctx, prov, turn)
	if err != nil && providers.IsContextOverflow(err) {
		return nil, fmt.Errorf("%w: %v", ErrContextOverflow, err)
	}
	return result, err
}

// executeLoop drives model calls and tool executions until the model stops
// asking for tools or the iteration cap is hit.
func (o *Orchestrator) executeLoop(ctx context.Context, prov providers.Provider, turn *turnState) (*TurnResult, error) {
	system, conv := toProviderMessages(turn.req.System, turn.history)
	result := &TurnResult{}

	for iter := 1; iter <= o.maxIterations; iter++ {
		resp, err := prov.Complete(ctx, &providers.Request{
			Model:     turn.req.Model,
			System:    system,
			Messages:  conv,
			Tools:     turn.toolDefs,
			MaxTokens: o.maxReplyTokens,
		})
		if err != nil {
			return nil, err
		}
		result.Iterations = iter
		result.InputTokens += resp.InputTokens
		result.OutputTokens += resp.OutputTokens

		if len(resp.ToolCalls) == 0 {
			result.Text = resp.Text
			return result, nil
		}

		conv = append(conv, providers.Message{
			Role:      "assistant",
			Content:   resp.Text,
			ToolCalls: resp.ToolCalls,
		})
		for _, call := range resp.ToolCalls {
			content, isErr := o.executeTool(ctx, call, turn, result)
			conv = append(conv, providers.Message{
				Role:       "tool",
				Content:    content,
				ToolCallID: call.ID,
				IsError:    isErr,
			})
		}
	}

	return nil, fmt.Errorf("%w (%d)", ErrMaxIterations, o.maxIterations)
}

// executeTool runs one tool call, enforcing the allowed set. Failures are
// fed back to the model as error results rather than aborting the turn.
func (o *Orchestrator) executeTool(ctx context.Context, call providers.ToolCall, turn *turnState, result *TurnResult) (string, bool) {
	start := time.Now()
	content, isErr, status := o.dispatchTool(ctx, call, turn, result)
	if o.toolObs != nil {
		o.toolObs(call.Name, status, time.Since(start))
	}
	return content, isErr
}

func (o *Orchestrator) dispatchTool(ctx context.Context, call providers.ToolCall, turn *turnState, result *TurnResult) (content string, isErr bool, status string) {
	if !turn.allowedSet[call.Name] {
		result.Violations++
		violation := &PolicyViolationError{
			Tool:    call.Name,
			Profile: string(turn.req.Policy.Profile),
		}
		o.logger.Warn("tool policy violation",
			"session_id", turn.req.SessionID,
			"tool", call.Name,
			"profile", turn.req.Policy.Profile)
		return violation.Error(), true, "violation"
	}

	handler, err := o.registry.Get(call.Name)
	if err != nil {
		return err.Error(), true, "unknown"
	}

	toolCtx, cancel := context.WithTimeout(tools.WithSession(ctx, turn.req.SessionID), o.toolTimeout)
	defer cancel()
	out, err := handler.Execute(toolCtx, call.Input)
	if err != nil {
		return fmt.Sprintf("tool %s failed: %v", call.Name, err), true, "error"
	}
	return out, false, "ok"
}

// compactHistory summarizes older transcript segments and persists the
// compacted transcript.
func (o *Orchestrator) compactHistory(ctx context.Context, prov providers.Provider, turn *turnState, windowTokens int) error {
	var opts []compaction.Option
	if o.compactionParts > 0 {
		opts = append(opts, compaction.WithParts(o.compactionParts))
	}
	engine := compaction.NewEngine(o.summarizer(prov, turn.req.Model), opts...)

	msgs := toCompactionMessages(turn.history)
	compacted, err := engine.Compact(ctx, msgs, windowTokens, o.reserveTokens)
	if err != nil {
		return fmt.Errorf("compaction failed: %w", err)
	}
	if len(compacted) == len(msgs) {
		return nil
	}

	replacement := fromCompactionMessages(compacted)
	if err := o.store.ReplaceHistory(ctx, turn.req.SessionID, replacement); err != nil {
		return fmt.Errorf("failed to persist compacted history: %w", err)
	}
	o.logger.Info("transcript compacted",
		"session_id", turn.req.SessionID,
		"before", len(msgs),
		"after", len(compacted))
	turn.history = replacement
	turn.compacted = true
	return nil
}

// summarizer adapts the turn's provider into a compaction.Summarizer.
func (o *Orchestrator) summarizer(prov providers.Provider, model string) compaction.Summarizer {
	return compaction.SummarizerFunc(func(ctx context.Context, messages []*compaction.Message, instructions string) (string, error) {
		resp, err := prov.Complete(ctx, &providers.Request{
			Model:  model,
			System: instructions,
			Messages: []providers.Message{
				{Role: "user", Content: compaction.FormatForSummary(messages)},
			},
		})
		if err != nil {
			return "", err
		}
		return resp.Text, nil
	})
}

func (o *Orchestrator) buildToolDefs(allowed []tools.Descriptor) ([]providers.ToolDef, map[string]bool) {
	defs := make([]providers.ToolDef, 0, len(allowed))
	set := make(map[string]bool, len(allowed))
	for _, d := range allowed {
		handler, err := o.registry.Get(d.Name)
		if err != nil {
			continue
		}
		defs = append(defs, providers.ToolDef{
			Name:        handler.Name(),
			Description: handler.Description(),
			Schema:      handler.Schema(),
		})
		set[d.Name] = true
	}
	return defs, set
}

func toCompactionMessages(history []*sessions.Message) []*compaction.Message {
	out := make([]*compaction.Message, 0, len(history))
	for _, msg := range history {
		out = append(out, &compaction.Message{
			Role:        msg.Role,
			Content:     msg.Content,
			TimestampMs: msg.CreatedAt.UnixMilli(),
			Summary:     msg.Summary,
		})
	}
	return out
}

func fromCompactionMessages(msgs []*compaction.Message) []*sessions.Message {
	out := make([]*sessions.Message, 0, len(msgs))
	for _, msg := range msgs {
		entry := &sessions.Message{
			Role:    msg.Role,
			Content: msg.Content,
			Summary: msg.Summary,
		}
		if msg.TimestampMs > 0 {
			entry.CreatedAt = time.UnixMilli(msg.TimestampMs)
		}
		out = append(out, entry)
	}
	return out
}

// toProviderMessages converts the transcript for the wire. Summary and
// system entries fold into the system prompt since chat APIs only accept
// user/assistant turns in the messages array.
func toProviderMessages(system string, history []*sessions.Message) (string, []providers.Message) {
	conv := make([]providers.Message, 0, len(history))
	for _, msg := range history {
		if msg.Summary || msg.Role == "system" {
			if system != "" {
				system += "\n\n"
			}
			system += msg.Content
			continue
		}
		conv = append(conv, providers.Message{
			Role:    msg.Role,
			Content: msg.Content,
		})
	}
	return system, conv
}

// rotationReason reports whether an error should advance to the next
// credential profile, and the reason recorded against the failing one.
func rotationReason(err error) (string, bool) {
	if providerErr, ok := providers.GetError(err); ok {
		if providerErr.Reason.ShouldRotate() {
			return string(providerErr.Reason), true
		}
		return "", false
	}
	if providers.ShouldRotate(err) {
		return string(providers.ClassifyError(err)), true
	}
	return "", false
}
