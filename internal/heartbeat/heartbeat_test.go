package heartbeat

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/haasonsaas/loom/internal/agent"
	"github.com/haasonsaas/loom/internal/delivery"
	"github.com/haasonsaas/loom/internal/sessions"
)

func TestStripToken(t *testing.T) {
	tests := []struct {
		name       string
		raw        string
		maxAck     int
		shouldSkip bool
		didStrip   bool
		text       string
	}{
		{
			name:       "bare token",
			raw:        "HEARTBEAT_OK",
			maxAck:     300,
			shouldSkip: true,
			didStrip:   true,
		},
		{
			name:       "token with short ack",
			raw:        "HEARTBEAT_OK all quiet",
			maxAck:     300,
			shouldSkip: true,
			didStrip:   true,
		},
		{
			name:     "token with long report",
			raw:      "HEARTBEAT_OK " + strings.Repeat("the build is red and needs attention ", 20),
			maxAck:   100,
			didStrip: true,
			text:     strings.TrimSpace(strings.Repeat("the build is red and needs attention ", 20)),
		},
		{
			name:       "token wrapped in markup",
			raw:        "**HEARTBEAT_OK**",
			maxAck:     300,
			shouldSkip: true,
			didStrip:   true,
		},
		{
			name:       "token inside html",
			raw:        "<p>HEARTBEAT_OK</p>",
			maxAck:     300,
			shouldSkip: true,
			didStrip:   true,
		},
		{
			name:   "token embedded mid sentence",
			raw:    "the phrase HEARTBEAT_OK appears in the docs",
			maxAck: 300,
			text:   "the phrase HEARTBEAT_OK appears in the docs",
		},
		{
			name:       "empty reply",
			raw:        "   ",
			maxAck:     300,
			shouldSkip: true,
		},
		{
			name:   "plain reply without token",
			raw:    "deploy finished, two warnings in the log",
			maxAck: 300,
			text:   "deploy finished, two warnings in the log",
		},
		{
			name:       "token at both edges",
			raw:        "HEARTBEAT_OK\n\nHEARTBEAT_OK",
			maxAck:     300,
			shouldSkip: true,
			didStrip:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := StripToken(tt.raw, tt.maxAck)
			if got.ShouldSkip != tt.shouldSkip {
				t.Errorf("ShouldSkip = %v, want %v", got.ShouldSkip, tt.shouldSkip)
			}
			if got.DidStrip != tt.didStrip {
				t.Errorf("DidStrip = %v, want %v", got.DidStrip, tt.didStrip)
			}
			if got.Text != tt.text {
				t.Errorf("Text = %q, want %q", got.Text, tt.text)
			}
		})
	}
}

func TestResolvePrompt(t *testing.T) {
	if got := ResolvePrompt(""); got != DefaultPrompt {
		t.Errorf("ResolvePrompt(empty) = %q, want default", got)
	}
	if got := ResolvePrompt("  check the queue  "); got != "check the queue" {
		t.Errorf("ResolvePrompt() = %q", got)
	}
}

func TestIsActionable(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    bool
	}{
		{"empty", "", false},
		{"whitespace only", "  \n\t\n", false},
		{"heading only", "# notes\n\n", false},
		{"headings only", "# notes\n\n## later\n", false},
		{"html comment only", "<!-- check disk space\nweekly -->\n", false},
		{"heading plus comment", "# notes\n<!-- todo -->\n", false},
		{"real task", "# notes\n- check the failing cron job\n", true},
		{"plain sentence", "ping the on-call channel", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsActionable(tt.content); got != tt.want {
				t.Errorf("IsActionable(%q) = %v, want %v", tt.content, got, tt.want)
			}
		})
	}
}

type fakeTurner struct {
	calls   int
	lastReq *agent.TurnRequest
	text    string
	err     error
}

func (f *fakeTurner) RunTurn(ctx context.Context, req *agent.TurnRequest) (*agent.TurnResult, error) {
	f.calls++
	f.lastReq = req
	if f.err != nil {
		return nil, f.err
	}
	return &agent.TurnResult{Text: f.text}, nil
}

type failingDeliverer struct{ err error }

func (f *failingDeliverer) Deliver(ctx context.Context, sessionID, target, text string) error {
	return f.err
}

type tickFixture struct {
	runner  *Runner
	turner  *fakeTurner
	store   *sessions.MemoryStore
	runs    *sessions.RunTracker
	deliver *delivery.LogDeliverer
}

func newTickFixture(t *testing.T, cfg Config, turner *fakeTurner) *tickFixture {
	t.Helper()
	store := sessions.NewMemoryStore()
	runs := sessions.NewRunTracker()
	deliver := delivery.NewLogDeliverer(nil)
	runner := NewRunner(cfg, "agent-1", turner, store, runs, deliver,
		WithModel("anthropic", "claude-sonnet-4-20250514"),
		WithContentSource(StaticSource("- check the queue\n")))
	return &tickFixture{runner: runner, turner: turner, store: store, runs: runs, deliver: deliver}
}

func enabledConfig() Config {
	cfg := DefaultConfig()
	cfg.Enabled = true
	return cfg
}

func TestTickDisabled(t *testing.T) {
	f := newTickFixture(t, DefaultConfig(), &fakeTurner{text: Token})

	res := f.runner.Tick(context.Background())
	if res.Status != StatusSkippedDisabled {
		t.Fatalf("Status = %q, want %q", res.Status, StatusSkippedDisabled)
	}
	if f.turner.calls != 0 {
		t.Errorf("turner called %d times, want 0", f.turner.calls)
	}
}

func TestTickOutsideActiveHours(t *testing.T) {
	cfg := enabledConfig()
	cfg.ActiveHours = &ActiveHours{Start: "09:00", End: "17:00", Timezone: "utc"}
	f := newTickFixture(t, cfg, &fakeTurner{text: Token})

	night := time.Date(2026, 3, 10, 3, 0, 0, 0, time.UTC)
	WithClock(func() time.Time { return night })(f.runner)

	res := f.runner.Tick(context.Background())
	if res.Status != StatusSkippedInactive {
		t.Fatalf("Status = %q, want %q", res.Status, StatusSkippedInactive)
	}
	if f.turner.calls != 0 {
		t.Errorf("turner called %d times, want 0", f.turner.calls)
	}
}

func TestTickSkipsWhenTurnInFlight(t *testing.T) {
	f := newTickFixture(t, enabledConfig(), &fakeTurner{text: "update"})

	key := sessions.SessionKey("agent-1", sessions.KindMain, "main")
	session, err := f.store.GetOrCreate(context.Background(), key, "agent-1", sessions.KindMain)
	if err != nil {
		t.Fatalf("GetOrCreate() error = %v", err)
	}
	release, err := f.runs.Begin(session.ID, "user")
	if err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	defer release()

	res := f.runner.Tick(context.Background())
	if res.Status != StatusSkippedInFlight {
		t.Fatalf("Status = %q, want %q", res.Status, StatusSkippedInFlight)
	}
	if f.turner.calls != 0 {
		t.Errorf("turner called %d times, want 0", f.turner.calls)
	}
}

func TestTickCommentOnlyContentSkipsModelCall(t *testing.T) {
	f := newTickFixture(t, enabledConfig(), &fakeTurner{text: "should not run"})
	WithContentSource(StaticSource("# notes\n\n"))(f.runner)

	res := f.runner.Tick(context.Background())
	if res.Status != StatusOKEmpty {
		t.Fatalf("Status = %q, want %q", res.Status, StatusOKEmpty)
	}
	if f.turner.calls != 0 {
		t.Errorf("turner called %d times, want 0", f.turner.calls)
	}
	if len(f.deliver.Sent()) != 0 {
		t.Errorf("delivered %d messages, want 0", len(f.deliver.Sent()))
	}
}

func TestTickTokenReply(t *testing.T) {
	f := newTickFixture(t, enabledConfig(), &fakeTurner{text: "HEARTBEAT_OK"})

	res := f.runner.Tick(context.Background())
	if res.Status != StatusOKToken {
		t.Fatalf("Status = %q, want %q", res.Status, StatusOKToken)
	}
	if f.turner.calls != 1 {
		t.Errorf("turner called %d times, want 1", f.turner.calls)
	}
	if len(f.deliver.Sent()) != 0 {
		t.Errorf("delivered %d messages, want 0", len(f.deliver.Sent()))
	}
	if f.turner.lastReq.Source != "heartbeat" {
		t.Errorf("Source = %q, want heartbeat", f.turner.lastReq.Source)
	}
	if f.turner.lastReq.Input != DefaultPrompt {
		t.Errorf("Input = %q, want default prompt", f.turner.lastReq.Input)
	}
}

func TestTickDeliversAndSuppressesDuplicate(t *testing.T) {
	reply := "The nightly backup job failed twice; the disk on worker-3 is nearly full and the retry queue keeps growing. Someone should rotate the volume before the next run. " + strings.Repeat("More detail. ", 20)
	f := newTickFixture(t, enabledConfig(), &fakeTurner{text: reply})

	res := f.runner.Tick(context.Background())
	if res.Status != StatusSent {
		t.Fatalf("first Status = %q, want %q (err=%v)", res.Status, StatusSent, res.Err)
	}
	sent := f.deliver.Sent()
	if len(sent) != 1 {
		t.Fatalf("delivered %d messages, want 1", len(sent))
	}
	if sent[0].Text != strings.TrimSpace(reply) {
		t.Errorf("delivered text mismatch")
	}

	res = f.runner.Tick(context.Background())
	if res.Status != StatusSkippedDuplicate {
		t.Fatalf("second Status = %q, want %q", res.Status, StatusSkippedDuplicate)
	}
	if len(f.deliver.Sent()) != 1 {
		t.Errorf("delivered %d messages after duplicate, want 1", len(f.deliver.Sent()))
	}
}

func TestTickDeliveryFailure(t *testing.T) {
	reply := strings.Repeat("the staging cluster lost quorum and needs a manual restart ", 10)
	turner := &fakeTurner{text: reply}
	store := sessions.NewMemoryStore()
	runner := NewRunner(enabledConfig(), "agent-1", turner, store, sessions.NewRunTracker(),
		&failingDeliverer{err: errors.New("socket closed")},
		WithContentSource(StaticSource("- report anything broken\n")))

	res := runner.Tick(context.Background())
	if res.Status != StatusError {
		t.Fatalf("Status = %q, want %q", res.Status, StatusError)
	}
	var dErr *delivery.Error
	if !errors.As(res.Err, &dErr) {
		t.Fatalf("Err = %v, want *delivery.Error", res.Err)
	}

	// A failed delivery must not poison the dedup window.
	if runner.dedup.Seen(strings.TrimSpace(reply)) {
		t.Error("failed delivery was remembered for dedup")
	}
}

func TestTickTurnError(t *testing.T) {
	f := newTickFixture(t, enabledConfig(), &fakeTurner{err: errors.New("provider melted")})

	res := f.runner.Tick(context.Background())
	if res.Status != StatusError {
		t.Fatalf("Status = %q, want %q", res.Status, StatusError)
	}
	if res.Err == nil {
		t.Fatal("Err is nil")
	}
}

func TestTickLastResultRecorded(t *testing.T) {
	f := newTickFixture(t, DefaultConfig(), &fakeTurner{})

	if f.runner.LastResult() != nil {
		t.Fatal("LastResult() before any tick should be nil")
	}
	f.runner.Tick(context.Background())
	last := f.runner.LastResult()
	if last == nil || last.Status != StatusSkippedDisabled {
		t.Fatalf("LastResult() = %+v, want skipped-disabled", last)
	}
}
