// Package policy computes the tool set an agent may use for a single turn.
// Filtering is a pure function over descriptors: nine ordered stages, the
// first eight only ever narrowing the set, the last merging plugin tools in.
package policy

import (
	"strings"

	"github.com/haasonsaas/loom/internal/tools"
)

// Profile is a pre-configured tool access level.
type Profile string

const (
	// ProfileMinimal allows only status tools.
	ProfileMinimal Profile = "minimal"

	// ProfileCoding allows filesystem, runtime, web, and memory tools.
	ProfileCoding Profile = "coding"

	// ProfileMessaging allows messaging tools.
	ProfileMessaging Profile = "messaging"

	// ProfileFull allows every registered tool.
	ProfileFull Profile = "full"
)

// SessionType identifies the kind of session a turn runs in.
type SessionType string

const (
	SessionMain     SessionType = "main"
	SessionGroup    SessionType = "group"
	SessionDM       SessionType = "dm"
	SessionTopic    SessionType = "topic"
	SessionSubagent SessionType = "subagent"
)

// Wildcard expands to every registered tool in allow lists.
const Wildcard = "*"

// Context carries the execution context a filter decision depends on.
// Constructed fresh per turn and never mutated afterwards.
type Context struct {
	Profile     Profile
	Provider    string
	Model       string
	SessionType SessionType
	Channel     string
	Sandbox     bool
	IsSubagent  bool

	// GlobalAllow, when non-empty, intersects the set after GlobalDeny.
	GlobalAllow []string
	GlobalDeny  []string

	// AgentType feeds the reserved stage-5 adjustment hook.
	AgentType string

	// PluginTools are merged in at stage 9, after the narrowing chain.
	PluginTools []tools.Descriptor
}

// AdjustFunc is the stage-5 agent-type hook. It must return a subset of its
// input; a nil hook is the identity.
type AdjustFunc func(ctx Context, in []tools.Descriptor) []tools.Descriptor

// Rules holds the deny tables the engine filters against. Values in the
// tables are tool names or group tags; unknown names are ignored.
type Rules struct {
	ProfileAllow map[Profile][]string
	ProviderDeny map[string][]string
	ModelDeny    map[string][]string
	SessionDeny  map[SessionType][]string
	ChannelDeny  map[string][]string
	SandboxDeny  []string
	SubagentDeny []string
	AgentAdjust  AdjustFunc
}

// DefaultRules returns the built-in rule tables.
func DefaultRules() Rules {
	return Rules{
		ProfileAllow: map[Profile][]string{
			ProfileMinimal:   {"status"},
			ProfileCoding:    {"filesystem", "runtime", "web", "memory", "sessions", "scheduling", "status"},
			ProfileMessaging: {"messaging", "status"},
			ProfileFull:      {Wildcard},
		},
		ProviderDeny: map[string][]string{},
		ModelDeny:    map[string][]string{},
		SessionDeny: map[SessionType][]string{
			// Shared sessions strip mutating tools.
			SessionGroup: {"filesystem", "runtime", "sessions", "scheduling"},
			SessionTopic: {"filesystem", "runtime", "sessions", "scheduling"},
		},
		ChannelDeny: map[string][]string{},
		SandboxDeny: []string{"filesystem", "runtime"},
		// Subagents must not manage sessions, schedule work, or touch
		// long-term memory; this is what prevents recursive spawning.
		SubagentDeny: []string{"sessions", "scheduling", "memory"},
	}
}

// Engine applies the nine-stage filter chain.
type Engine struct {
	rules Rules
}

// NewEngine creates an engine with the given rules. Zero-value tables fall
// back to DefaultRules.
func NewEngine(rules Rules) *Engine {
	def := DefaultRules()
	if rules.ProfileAllow == nil {
		rules.ProfileAllow = def.ProfileAllow
	}
	if rules.ProviderDeny == nil {
		rules.ProviderDeny = def.ProviderDeny
	}
	if rules.ModelDeny == nil {
		rules.ModelDeny = def.ModelDeny
	}
	if rules.SessionDeny == nil {
		rules.SessionDeny = def.SessionDeny
	}
	if rules.ChannelDeny == nil {
		rules.ChannelDeny = def.ChannelDeny
	}
	if rules.SandboxDeny == nil {
		rules.SandboxDeny = def.SandboxDeny
	}
	if rules.SubagentDeny == nil {
		rules.SubagentDeny = def.SubagentDeny
	}
	return &Engine{rules: rules}
}

// Filter computes the allowed tool set for the given context. Stages 1-8
// each produce a subset of the previous stage's output; stage 9 (plugin
// merge) is the only stage that may add tools. An empty result is valid.
func (e *Engine) Filter(in []tools.Descriptor, ctx Context) []tools.Descriptor {
	// Stage 1: profile allow-list.
	out := keep(in, e.rules.ProfileAllow[ctx.Profile])

	// Stage 2: provider capability deny-list.
	out = drop(out, e.rules.ProviderDeny[normalize(ctx.Provider)])

	// Stage 3: model-specific deny-list.
	out = drop(out, e.rules.ModelDeny[normalize(ctx.Model)])

	// Stage 4: global deny, then global allow as an intersection.
	out = drop(out, ctx.GlobalDeny)
	if len(ctx.GlobalAllow) > 0 {
		out = keep(out, ctx.GlobalAllow)
	}

	// Stage 5: agent-type adjustment (identity unless a hook is set).
	if e.rules.AgentAdjust != nil {
		out = e.rules.AgentAdjust(ctx, out)
	}

	// Stage 6: session-type and channel deny-lists.
	out = drop(out, e.rules.SessionDeny[ctx.SessionType])
	out = drop(out, e.rules.ChannelDeny[normalize(ctx.Channel)])

	// Stage 7: sandbox-mode deny-list.
	if ctx.Sandbox {
		out = drop(out, e.rules.SandboxDeny)
	}

	// Stage 8: subagent deny-list.
	if ctx.IsSubagent || ctx.SessionType == SessionSubagent {
		out = drop(out, e.rules.SubagentDeny)
	}

	// Stage 9: plugin merge. Union, outside the narrowing chain.
	out = merge(out, ctx.PluginTools)

	return out
}

// matches reports whether a descriptor is named by an allow/deny entry,
// either directly, via a group tag, or via the wildcard.
func matches(d tools.Descriptor, entry string) bool {
	if entry == Wildcard {
		return true
	}
	if normalize(d.Name) == entry {
		return true
	}
	for _, g := range d.Groups {
		if normalize(g) == entry {
			return true
		}
	}
	return false
}

// keep returns descriptors matching at least one entry. Unknown entries
// match nothing and are silently ignored.
func keep(in []tools.Descriptor, entries []string) []tools.Descriptor {
	if len(entries) == 0 {
		return nil
	}
	normalized := normalizeAll(entries)
	out := make([]tools.Descriptor, 0, len(in))
	for _, d := range in {
		for _, entry := range normalized {
			if matches(d, entry) {
				out = append(out, d)
				break
			}
		}
	}
	return out
}

// drop returns descriptors matching none of the entries.
func drop(in []tools.Descriptor, entries []string) []tools.Descriptor {
	if len(entries) == 0 {
		return in
	}
	normalized := normalizeAll(entries)
	out := make([]tools.Descriptor, 0, len(in))
	for _, d := range in {
		denied := false
		for _, entry := range normalized {
			if matches(d, entry) {
				denied = true
				break
			}
		}
		if !denied {
			out = append(out, d)
		}
	}
	return out
}

// merge unions plugin descriptors into the set, deduplicating by name.
func merge(in []tools.Descriptor, plugins []tools.Descriptor) []tools.Descriptor {
	if len(plugins) == 0 {
		return in
	}
	seen := make(map[string]bool, len(in))
	for _, d := range in {
		seen[normalize(d.Name)] = true
	}
	out := in
	for _, p := range plugins {
		name := normalize(p.Name)
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		out = append(out, p)
	}
	return out
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func normalizeAll(entries []string) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		if n := normalize(e); n != "" {
			out = append(out, n)
		}
	}
	return out
}
