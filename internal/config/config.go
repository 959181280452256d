// Package config loads and validates the loom configuration file. Files are
// YAML with environment variable expansion and $include composition; decoding
// is strict, so unknown keys fail loudly instead of being dropped.
package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/haasonsaas/loom/internal/auth"
	"github.com/haasonsaas/loom/internal/cron"
	"github.com/haasonsaas/loom/internal/heartbeat"
	"github.com/haasonsaas/loom/internal/subagent"
	"github.com/haasonsaas/loom/internal/tools/policy"
)

// Config is the root configuration.
type Config struct {
	Agent     AgentConfig      `yaml:"agent"`
	Auth      AuthConfig       `yaml:"auth"`
	Tools     ToolsConfig      `yaml:"tools"`
	Heartbeat heartbeat.Config `yaml:"heartbeat"`
	Cron      CronConfig       `yaml:"cron"`
	Subagents SubagentsConfig  `yaml:"subagents"`
	Storage   StorageConfig    `yaml:"storage"`
	Metrics   MetricsConfig    `yaml:"metrics"`
	Logging   LoggingConfig    `yaml:"logging"`
}

// AgentConfig identifies the agent and its model budget.
type AgentConfig struct {
	ID           string `yaml:"id"`
	Provider     string `yaml:"provider"`
	Model        string `yaml:"model"`
	SystemPrompt string `yaml:"system_prompt"`

	// ContextWindow and ReserveTokens bound the conversation budget used
	// by compaction and overflow handling.
	ContextWindow int `yaml:"context_window"`
	ReserveTokens int `yaml:"reserve_tokens"`
}

// AuthConfig declares credential profiles and per-provider preference.
type AuthConfig struct {
	// Preferred maps provider name to the profile tried first.
	Preferred map[string]string `yaml:"preferred"`

	// Order pins an explicit rotation order per provider. When set it
	// replaces the usage-based ordering for that provider entirely.
	Order map[string][]string `yaml:"order"`

	Profiles map[string]AuthProfile `yaml:"profiles"`
}

// AuthProfile is the config-file form of one credential.
type AuthProfile struct {
	Provider string `yaml:"provider"`
	Type     string `yaml:"type"`

	Key     string `yaml:"key,omitempty"`
	Token   string `yaml:"token,omitempty"`
	Access  string `yaml:"access,omitempty"`
	Refresh string `yaml:"refresh,omitempty"`
	Expires int64  `yaml:"expires,omitempty"`
	Email   string `yaml:"email,omitempty"`
}

// Credential converts the profile into the auth store's form.
func (p AuthProfile) Credential() auth.Credential {
	return auth.Credential{
		Type:     auth.CredentialType(p.Type),
		Provider: p.Provider,
		Key:      p.Key,
		Token:    p.Token,
		Access:   p.Access,
		Refresh:  p.Refresh,
		Expires:  p.Expires,
		Email:    p.Email,
	}
}

// ToolsConfig tunes the tool layer.
type ToolsConfig struct {
	// Profile is the default tool access level for main-session turns.
	Profile string `yaml:"profile"`

	// Allow and Deny are operator overrides applied on top of the
	// profile (tool or group names).
	Allow []string `yaml:"allow,omitempty"`
	Deny  []string `yaml:"deny,omitempty"`

	// ExecTimeout bounds a single tool call.
	ExecTimeout time.Duration `yaml:"exec_timeout"`
}

// CronConfig declares jobs installed at startup.
type CronConfig struct {
	Jobs []CronJob `yaml:"jobs,omitempty"`
}

// CronJob is the config-file form of one scheduled job.
type CronJob struct {
	ID             string        `yaml:"id"`
	Name           string        `yaml:"name,omitempty"`
	Schedule       cron.Schedule `yaml:"schedule"`
	Target         string        `yaml:"target"`
	Payload        cron.Payload  `yaml:"payload"`
	Disabled       bool          `yaml:"disabled,omitempty"`
	DeleteAfterRun bool          `yaml:"delete_after_run,omitempty"`
}

// Job converts the entry into a scheduler job.
func (j CronJob) Job() *cron.Job {
	return &cron.Job{
		ID:             j.ID,
		Name:           j.Name,
		Schedule:       j.Schedule,
		Target:         cron.SessionTarget(j.Target),
		Payload:        j.Payload,
		Enabled:        !j.Disabled,
		DeleteAfterRun: j.DeleteAfterRun,
	}
}

// SubagentsConfig tunes child runs.
type SubagentsConfig struct {
	MaxActive int           `yaml:"max_active"`
	Timeout   time.Duration `yaml:"timeout"`
	Cleanup   string        `yaml:"cleanup"`
	Profile   string        `yaml:"profile"`
}

// StorageConfig locates persistent state.
type StorageConfig struct {
	// Path is the sqlite database holding sessions and job state.
	Path string `yaml:"path"`

	// StateDir holds the credential store and other flat state files.
	StateDir string `yaml:"state_dir"`
}

// MetricsConfig exposes the prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// LoggingConfig tunes slog output.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// SlogLevel maps the configured level name onto slog.
func (l LoggingConfig) SlogLevel() slog.Level {
	switch strings.ToLower(l.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Agent.ID == "" {
		cfg.Agent.ID = "loom"
	}
	if cfg.Agent.Provider == "" {
		cfg.Agent.Provider = "anthropic"
	}
	if cfg.Agent.ContextWindow == 0 {
		cfg.Agent.ContextWindow = 200_000
	}
	if cfg.Agent.ReserveTokens == 0 {
		cfg.Agent.ReserveTokens = 20_000
	}
	if cfg.Tools.Profile == "" {
		cfg.Tools.Profile = string(policy.ProfileFull)
	}
	if cfg.Tools.ExecTimeout == 0 {
		cfg.Tools.ExecTimeout = 2 * time.Minute
	}
	if cfg.Heartbeat.Interval == 0 {
		cfg.Heartbeat.Interval = heartbeat.DefaultInterval
	}
	if cfg.Heartbeat.MaxAckChars == 0 {
		cfg.Heartbeat.MaxAckChars = heartbeat.DefaultMaxAckChars
	}
	if cfg.Heartbeat.Target == "" {
		cfg.Heartbeat.Target = "main"
	}
	if cfg.Subagents.MaxActive == 0 {
		cfg.Subagents.MaxActive = subagent.DefaultMaxActive
	}
	if cfg.Subagents.Timeout == 0 {
		cfg.Subagents.Timeout = subagent.DefaultTimeout
	}
	if cfg.Subagents.Cleanup == "" {
		cfg.Subagents.Cleanup = string(subagent.CleanupDelete)
	}
	if cfg.Subagents.Profile == "" {
		cfg.Subagents.Profile = string(policy.ProfileCoding)
	}
	if cfg.Storage.Path == "" {
		cfg.Storage.Path = "loom.db"
	}
	if cfg.Storage.StateDir == "" {
		cfg.Storage.StateDir = "."
	}
	if cfg.Metrics.Addr == "" {
		cfg.Metrics.Addr = ":9090"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
}

var knownProviders = map[string]bool{
	"anthropic": true,
	"openai":    true,
}

var knownProfiles = map[string]bool{
	string(policy.ProfileMinimal):   true,
	string(policy.ProfileCoding):    true,
	string(policy.ProfileMessaging): true,
	string(policy.ProfileFull):      true,
}

// Validate checks cross-field constraints after defaults are applied.
func (cfg *Config) Validate() error {
	if !knownProviders[cfg.Agent.Provider] {
		return fmt.Errorf("agent.provider: unknown provider %q", cfg.Agent.Provider)
	}
	if cfg.Agent.ReserveTokens >= cfg.Agent.ContextWindow {
		return fmt.Errorf("agent.reserve_tokens (%d) must be below agent.context_window (%d)",
			cfg.Agent.ReserveTokens, cfg.Agent.ContextWindow)
	}

	for id, profile := range cfg.Auth.Profiles {
		if err := validateAuthProfile(id, profile); err != nil {
			return err
		}
	}
	for provider, id := range cfg.Auth.Preferred {
		profile, ok := cfg.Auth.Profiles[id]
		if !ok {
			return fmt.Errorf("auth.preferred.%s: unknown profile %q", provider, id)
		}
		if auth.NormalizeProvider(profile.Provider) != auth.NormalizeProvider(provider) {
			return fmt.Errorf("auth.preferred.%s: profile %q belongs to provider %q", provider, id, profile.Provider)
		}
	}
	for provider, order := range cfg.Auth.Order {
		for _, id := range order {
			profile, ok := cfg.Auth.Profiles[id]
			if !ok {
				return fmt.Errorf("auth.order.%s: unknown profile %q", provider, id)
			}
			if auth.NormalizeProvider(profile.Provider) != auth.NormalizeProvider(provider) {
				return fmt.Errorf("auth.order.%s: profile %q belongs to provider %q", provider, id, profile.Provider)
			}
		}
	}

	if !knownProfiles[cfg.Tools.Profile] {
		return fmt.Errorf("tools.profile: unknown profile %q", cfg.Tools.Profile)
	}

	if cfg.Heartbeat.Target != "main" && cfg.Heartbeat.Target != "last" {
		return fmt.Errorf("heartbeat.target: must be \"main\" or \"last\", got %q", cfg.Heartbeat.Target)
	}
	if err := cfg.Heartbeat.ActiveHours.Validate(cfg.Heartbeat.UserTimezone); err != nil {
		return fmt.Errorf("heartbeat.active_hours: %w", err)
	}

	seen := map[string]bool{}
	for i, entry := range cfg.Cron.Jobs {
		if seen[entry.ID] {
			return fmt.Errorf("cron.jobs[%d]: duplicate id %q", i, entry.ID)
		}
		seen[entry.ID] = true
		if err := entry.Job().Validate(); err != nil {
			return fmt.Errorf("cron.jobs[%d]: %w", i, err)
		}
	}

	if !knownProfiles[cfg.Subagents.Profile] {
		return fmt.Errorf("subagents.profile: unknown profile %q", cfg.Subagents.Profile)
	}
	switch subagent.CleanupPolicy(cfg.Subagents.Cleanup) {
	case subagent.CleanupDelete, subagent.CleanupKeep:
	default:
		return fmt.Errorf("subagents.cleanup: must be \"delete\" or \"keep\", got %q", cfg.Subagents.Cleanup)
	}
	if cfg.Subagents.Timeout < 0 {
		return fmt.Errorf("subagents.timeout: must be positive")
	}

	switch strings.ToLower(cfg.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("logging.level: unknown level %q", cfg.Logging.Level)
	}
	switch cfg.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format: must be \"text\" or \"json\", got %q", cfg.Logging.Format)
	}

	return nil
}

func validateAuthProfile(id string, p AuthProfile) error {
	if p.Provider == "" {
		return fmt.Errorf("auth.profiles.%s: provider is required", id)
	}
	switch auth.CredentialType(p.Type) {
	case auth.CredentialAPIKey:
		if p.Key == "" {
			return fmt.Errorf("auth.profiles.%s: api_key credential needs key", id)
		}
	case auth.CredentialOAuth:
		if p.Access == "" {
			return fmt.Errorf("auth.profiles.%s: oauth credential needs access token", id)
		}
	case auth.CredentialToken:
		if p.Token == "" {
			return fmt.Errorf("auth.profiles.%s: token credential needs token", id)
		}
	default:
		return fmt.Errorf("auth.profiles.%s: unknown credential type %q", id, p.Type)
	}
	return nil
}
