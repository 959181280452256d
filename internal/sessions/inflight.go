package sessions

import (
	"errors"
	"sync"
	"time"
)

// ErrRunActive is returned when a session already has a run in flight.
var ErrRunActive = errors.New("session run already in flight")

// RunTracker records which sessions have an agent turn in flight.
// Schedulers consult it to skip triggers that would overlap live work,
// and the orchestrator uses it to serialize turns per session.
//
// Thread Safety:
// RunTracker is safe for concurrent use.
type RunTracker struct {
	mu   sync.Mutex
	runs map[string]runInfo
}

type runInfo struct {
	holder  string
	started time.Time
}

// NewRunTracker creates an empty run tracker.
func NewRunTracker() *RunTracker {
	return &RunTracker{runs: make(map[string]runInfo)}
}

// Begin marks a run as in flight for the session. It returns a release
// function on success, or ErrRunActive if a run is already in flight.
func (t *RunTracker) Begin(sessionID, holder string) (func(), error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.runs[sessionID]; ok {
		return nil, ErrRunActive
	}
	t.runs[sessionID] = runInfo{holder: holder, started: time.Now()}

	var once sync.Once
	release := func() {
		once.Do(func() {
			t.mu.Lock()
			delete(t.runs, sessionID)
			t.mu.Unlock()
		})
	}
	return release, nil
}

// InFlight reports whether the session currently has a run in flight.
func (t *RunTracker) InFlight(sessionID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.runs[sessionID]
	return ok
}

// Active returns how many runs are currently in flight.
func (t *RunTracker) Active() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.runs)
}

// Info returns the holder and start time of the in-flight run, if any.
func (t *RunTracker) Info(sessionID string) (holder string, since time.Time, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	info, ok := t.runs[sessionID]
	return info.holder, info.started, ok
}
