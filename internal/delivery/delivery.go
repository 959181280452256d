// Package delivery abstracts how agent output reaches the outside world.
// The orchestration core never talks to a transport directly; it hands
// finished text to a Deliverer and treats failures as DeliveryError.
package delivery

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Deliverer sends agent output to its destination.
type Deliverer interface {
	// Deliver sends text on behalf of a session. The target is a
	// transport-specific address; empty means the default destination.
	Deliver(ctx context.Context, sessionID, target, text string) error
}

// Error wraps a transport failure so callers can surface it without
// aborting the turn that produced the output.
type Error struct {
	Target string
	Err    error
}

func (e *Error) Error() string {
	if e.Target == "" {
		return fmt.Sprintf("delivery failed: %v", e.Err)
	}
	return fmt.Sprintf("delivery to %s failed: %v", e.Target, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// LogDeliverer writes deliveries to the structured log. It is the default
// when no transport is configured, and doubles as a capture sink in tests.
type LogDeliverer struct {
	logger *slog.Logger

	mu   sync.Mutex
	sent []Record
}

// Record is one captured delivery.
type Record struct {
	SessionID string
	Target    string
	Text      string
	At        time.Time
}

// NewLogDeliverer creates a deliverer that logs instead of sending.
func NewLogDeliverer(logger *slog.Logger) *LogDeliverer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogDeliverer{logger: logger.With("component", "delivery")}
}

func (d *LogDeliverer) Deliver(ctx context.Context, sessionID, target, text string) error {
	d.mu.Lock()
	d.sent = append(d.sent, Record{
		SessionID: sessionID,
		Target:    target,
		Text:      text,
		At:        time.Now(),
	})
	d.mu.Unlock()

	preview := text
	if len(preview) > 120 {
		preview = preview[:117] + "..."
	}
	d.logger.Info("delivering output",
		"session_id", sessionID,
		"target", target,
		"chars", len(text),
		"preview", strings.ReplaceAll(preview, "\n", " "))
	return nil
}

// Sent returns a copy of all captured deliveries.
func (d *LogDeliverer) Sent() []Record {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Record, len(d.sent))
	copy(out, d.sent)
	return out
}
