package heartbeat

import (
	"strings"
	"sync"
	"time"
)

// DedupWindow is how long a delivered heartbeat reply suppresses
// identical follow-ups.
const DedupWindow = 24 * time.Hour

// Deduper suppresses heartbeat replies that repeat a recent delivery.
// Matching is exact on a normalized form (lowercased, whitespace
// collapsed); fuzzier similarity is deliberately out of scope so the
// behavior stays predictable.
type Deduper struct {
	window time.Duration
	now    func() time.Time

	mu      sync.Mutex
	entries []dedupEntry
}

type dedupEntry struct {
	norm string
	at   time.Time
}

// NewDeduper creates a deduper with the given suppression window.
// A non-positive window falls back to DedupWindow.
func NewDeduper(window time.Duration) *Deduper {
	if window <= 0 {
		window = DedupWindow
	}
	return &Deduper{window: window, now: time.Now}
}

func normalizeForDedup(text string) string {
	return strings.Join(strings.Fields(strings.ToLower(text)), " ")
}

// Seen reports whether an equivalent text was remembered inside the window.
func (d *Deduper) Seen(text string) bool {
	norm := normalizeForDedup(text)
	if norm == "" {
		return false
	}
	now := d.now()

	d.mu.Lock()
	defer d.mu.Unlock()
	d.prune(now)
	for _, e := range d.entries {
		if e.norm == norm {
			return true
		}
	}
	return false
}

// Remember records a delivered text so later duplicates are suppressed.
func (d *Deduper) Remember(text string) {
	norm := normalizeForDedup(text)
	if norm == "" {
		return
	}
	now := d.now()

	d.mu.Lock()
	defer d.mu.Unlock()
	d.prune(now)
	d.entries = append(d.entries, dedupEntry{norm: norm, at: now})
}

// prune drops entries older than the window. Caller holds the lock.
func (d *Deduper) prune(now time.Time) {
	cutoff := now.Add(-d.window)
	kept := d.entries[:0]
	for _, e := range d.entries {
		if e.at.After(cutoff) {
			kept = append(kept, e)
		}
	}
	d.entries = kept
}
