// Package auth manages credential profiles for model providers, with
// least-recently-used rotation and exponential failure cooldowns.
package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	profilesFilename = "auth-profiles.json"
	profilesVersion  = 1

	// cooldownBase is the cooldown after the first failure.
	cooldownBase = 60 * time.Second

	// cooldownFactor multiplies the cooldown per additional failure.
	cooldownFactor = 5

	// cooldownCap bounds the failure cooldown.
	cooldownCap = time.Hour
)

var (
	// ErrNoProfiles indicates no profiles are configured for a provider.
	ErrNoProfiles = errors.New("no profiles configured for provider")

	// ErrProfileNotFound indicates the profile id is unknown.
	ErrProfileNotFound = errors.New("profile not found")
)

// CredentialType identifies the kind of credential a profile holds.
type CredentialType string

const (
	CredentialAPIKey CredentialType = "api_key"
	CredentialOAuth  CredentialType = "oauth"
	CredentialToken  CredentialType = "token"
)

// Credential holds the secret material for one profile.
type Credential struct {
	Type     CredentialType `json:"type"`
	Provider string         `json:"provider"`

	// Key is set for api_key credentials.
	Key string `json:"key,omitempty"`

	// Access/Refresh/Expires are set for oauth credentials. Expires is a
	// Unix timestamp; zero means no expiry.
	Access  string `json:"access,omitempty"`
	Refresh string `json:"refresh,omitempty"`
	Expires int64  `json:"expires,omitempty"`

	// Token is set for bearer-token credentials.
	Token string `json:"token,omitempty"`

	Email string `json:"email,omitempty"`
}

// Valid reports whether the credential can currently authenticate.
// OAuth credentials expire; a 60-second grace margin avoids handing out
// tokens about to lapse mid-request.
func (c Credential) Valid(now time.Time) bool {
	switch c.Type {
	case CredentialAPIKey:
		return strings.TrimSpace(c.Key) != ""
	case CredentialOAuth:
		if strings.TrimSpace(c.Access) == "" {
			return false
		}
		if c.Expires == 0 {
			return true
		}
		return now.Unix() < c.Expires-60
	case CredentialToken:
		return strings.TrimSpace(c.Token) != ""
	default:
		return false
	}
}

// Secret returns the material used to authenticate.
func (c Credential) Secret() string {
	switch c.Type {
	case CredentialAPIKey:
		return c.Key
	case CredentialOAuth:
		return c.Access
	case CredentialToken:
		return c.Token
	default:
		return ""
	}
}

// UsageStats tracks rotation state for one profile. Mutated only through
// MarkSuccess and MarkFailure.
type UsageStats struct {
	LastUsed            int64          `json:"last_used,omitempty"`
	ErrorCount          int            `json:"error_count,omitempty"`
	CooldownUntil       int64          `json:"cooldown_until,omitempty"`
	FailureReasonCounts map[string]int `json:"failure_reason_counts,omitempty"`
}

// Store manages credential profiles with rotation support. All mutation
// goes through MarkSuccess/MarkFailure so cooldown invariants stay in one
// place; a write-write race on the same profile cannot corrupt stats.
type Store struct {
	mu         sync.RWMutex
	now        func() time.Time
	Version    int                   `json:"version"`
	Profiles   map[string]Credential `json:"profiles"`
	Order      map[string][]string   `json:"order,omitempty"` // provider -> explicit profile order
	UsageStats map[string]UsageStats `json:"usage_stats,omitempty"`
}

// NewStore creates an empty profile store.
func NewStore() *Store {
	return &Store{
		now:        time.Now,
		Version:    profilesVersion,
		Profiles:   make(map[string]Credential),
		Order:      make(map[string][]string),
		UsageStats: make(map[string]UsageStats),
	}
}

// LoadStore loads auth profiles from disk. A missing file yields an empty
// store.
func LoadStore(stateDir string) (*Store, error) {
	path := filepath.Join(stateDir, profilesFilename)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return NewStore(), nil
		}
		return nil, err
	}

	store := &Store{}
	if err := json.Unmarshal(data, store); err != nil {
		return nil, fmt.Errorf("parse %s: %w", profilesFilename, err)
	}
	store.now = time.Now
	store.initMaps()
	return store, nil
}

// Save persists the store to disk.
func (s *Store) Save(stateDir string) error {
	if s == nil {
		return nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(stateDir, profilesFilename), data, 0o600)
}

// SetClock overrides the clock for tests.
func (s *Store) SetClock(now func() time.Time) {
	if now == nil {
		return
	}
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

// NormalizeProvider canonicalizes a provider identifier.
func NormalizeProvider(provider string) string {
	return strings.ToLower(strings.TrimSpace(provider))
}

// OrderFor returns profile ids for the provider in rotation order: available
// profiles sorted ascending by last use (never-used first), then profiles
// in cooldown sorted by soonest recovery. Invalid credentials are dropped.
// If preferred is present in the result it moves to the front.
func (s *Store) OrderFor(provider, preferred string) ([]string, error) {
	if s == nil {
		return nil, ErrNoProfiles
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	provider = NormalizeProvider(provider)
	now := s.now()

	candidates := s.candidatesLocked(provider)
	if len(candidates) == 0 {
		return nil, ErrNoProfiles
	}

	var available, cooling []string
	for _, id := range candidates {
		cred := s.Profiles[id]
		if !cred.Valid(now) {
			continue
		}
		stats := s.UsageStats[id]
		if stats.CooldownUntil > now.Unix() {
			cooling = append(cooling, id)
		} else {
			available = append(available, id)
		}
	}

	sort.SliceStable(available, func(i, j int) bool {
		return s.UsageStats[available[i]].LastUsed < s.UsageStats[available[j]].LastUsed
	})
	sort.SliceStable(cooling, func(i, j int) bool {
		return s.UsageStats[cooling[i]].CooldownUntil < s.UsageStats[cooling[j]].CooldownUntil
	})

	result := append(available, cooling...)
	if len(result) == 0 {
		return nil, ErrNoProfiles
	}

	if preferred != "" {
		for i, id := range result {
			if id == preferred {
				copy(result[1:i+1], result[:i])
				result[0] = id
				break
			}
		}
	}
	return result, nil
}

// CalculateCooldown computes the failure cooldown for the given error
// count: 60s, 300s, 1500s, then capped at one hour.
func CalculateCooldown(errorCount int) time.Duration {
	if errorCount < 1 {
		errorCount = 1
	}
	cooldown := cooldownBase
	for i := 1; i < errorCount; i++ {
		cooldown *= cooldownFactor
		if cooldown >= cooldownCap {
			return cooldownCap
		}
	}
	if cooldown > cooldownCap {
		return cooldownCap
	}
	return cooldown
}

// MarkFailure records a failed auth attempt: bumps the error count, sets
// the cooldown, and counts the failure reason.
func (s *Store) MarkFailure(profileID, reason string) {
	if s == nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stats := s.UsageStats[profileID]
	stats.ErrorCount++
	stats.CooldownUntil = s.now().Add(CalculateCooldown(stats.ErrorCount)).Unix()
	if reason != "" {
		if stats.FailureReasonCounts == nil {
			stats.FailureReasonCounts = make(map[string]int)
		}
		stats.FailureReasonCounts[reason]++
	}
	s.UsageStats[profileID] = stats
}

// MarkSuccess records a successful use: resets the error count, clears
// the cooldown, and stamps last use.
func (s *Store) MarkSuccess(profileID string) {
	if s == nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stats := s.UsageStats[profileID]
	stats.ErrorCount = 0
	stats.CooldownUntil = 0
	stats.LastUsed = s.now().Unix()
	s.UsageStats[profileID] = stats
}

// AddProfile adds or updates a profile credential.
func (s *Store) AddProfile(profileID string, cred Credential) {
	if s == nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.initMaps()
	cred.Provider = NormalizeProvider(cred.Provider)
	s.Profiles[profileID] = cred
}

// RemoveProfile removes a profile and its stats.
func (s *Store) RemoveProfile(profileID string) {
	if s == nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cred, ok := s.Profiles[profileID]
	if !ok {
		return
	}
	delete(s.Profiles, profileID)
	delete(s.UsageStats, profileID)

	if order, ok := s.Order[cred.Provider]; ok {
		kept := make([]string, 0, len(order))
		for _, id := range order {
			if id != profileID {
				kept = append(kept, id)
			}
		}
		if len(kept) > 0 {
			s.Order[cred.Provider] = kept
		} else {
			delete(s.Order, cred.Provider)
		}
	}
}

// SetOrder pins an explicit rotation order for a provider. An explicit
// order wins over automatic matching in OrderFor.
func (s *Store) SetOrder(provider string, order []string) {
	if s == nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.initMaps()
	provider = NormalizeProvider(provider)
	if len(order) == 0 {
		delete(s.Order, provider)
		return
	}
	s.Order[provider] = append([]string(nil), order...)
}

// GetProfile returns a profile by id.
func (s *Store) GetProfile(profileID string) (Credential, error) {
	if s == nil {
		return Credential{}, ErrProfileNotFound
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	cred, ok := s.Profiles[profileID]
	if !ok {
		return Credential{}, ErrProfileNotFound
	}
	return cred, nil
}

// GetStats returns a copy of the usage stats for a profile.
func (s *Store) GetStats(profileID string) UsageStats {
	if s == nil {
		return UsageStats{}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := s.UsageStats[profileID]
	if stats.FailureReasonCounts != nil {
		counts := make(map[string]int, len(stats.FailureReasonCounts))
		for k, v := range stats.FailureReasonCounts {
			counts[k] = v
		}
		stats.FailureReasonCounts = counts
	}
	return stats
}

// ListProviders returns all providers with at least one profile.
func (s *Store) ListProviders() []string {
	if s == nil {
		return nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	set := make(map[string]struct{})
	for _, cred := range s.Profiles {
		set[cred.Provider] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// ListProfiles returns all profile ids for a provider, sorted.
func (s *Store) ListProfiles(provider string) []string {
	if s == nil {
		return nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	provider = NormalizeProvider(provider)
	var out []string
	for id, cred := range s.Profiles {
		if cred.Provider == provider {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// candidatesLocked returns profile ids matching the provider, honoring an
// explicit order list when one is configured (must hold lock).
func (s *Store) candidatesLocked(provider string) []string {
	if order, ok := s.Order[provider]; ok && len(order) > 0 {
		out := make([]string, 0, len(order))
		for _, id := range order {
			if cred, ok := s.Profiles[id]; ok && cred.Provider == provider {
				out = append(out, id)
			}
		}
		return out
	}

	var out []string
	for id, cred := range s.Profiles {
		if cred.Provider == provider {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

func (s *Store) initMaps() {
	if s.Profiles == nil {
		s.Profiles = make(map[string]Credential)
	}
	if s.Order == nil {
		s.Order = make(map[string][]string)
	}
	if s.UsageStats == nil {
		s.UsageStats = make(map[string]UsageStats)
	}
	if s.now == nil {
		s.now = time.Now
	}
}
