package cron

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/haasonsaas/loom/internal/agent"
	"github.com/haasonsaas/loom/internal/delivery"
	"github.com/haasonsaas/loom/internal/sessions"
)

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

type schedFixture struct {
	sched    *Scheduler
	jobs     *MemoryJobStore
	sessions *sessions.MemoryStore
	runs     *sessions.RunTracker
	turner   *fakeTurner
	deliver  *delivery.LogDeliverer
	now      time.Time
}

func newSchedFixture(t *testing.T) *schedFixture {
	t.Helper()
	f := &schedFixture{
		jobs:     NewMemoryJobStore(),
		sessions: sessions.NewMemoryStore(),
		runs:     sessions.NewRunTracker(),
		turner:   &fakeTurner{text: "done"},
		deliver:  delivery.NewLogDeliverer(nil),
		now:      time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC),
	}
	f.sched = NewScheduler(f.jobs, f.sessions, f.runs, f.turner, f.deliver, "agent-1",
		WithModel("anthropic", "claude-sonnet-4-20250514"),
		WithClock(func() time.Time { return f.now }))
	return f
}

func systemEventJob(id string, sched Schedule) *Job {
	return &Job{
		ID:       id,
		Schedule: sched,
		Target:   TargetMain,
		Payload:  Payload{Kind: PayloadSystemEvent, Text: "check the queue"},
		Enabled:  true,
	}
}

func agentTurnJob(id string, sched Schedule) *Job {
	return &Job{
		ID:       id,
		Schedule: sched,
		Target:   TargetIsolated,
		Payload:  Payload{Kind: PayloadAgentTurn, Message: "summarize the inbox"},
		Enabled:  true,
	}
}

func TestJobValidatePairing(t *testing.T) {
	tests := []struct {
		name    string
		target  SessionTarget
		kind    PayloadKind
		wantErr bool
	}{
		{"main with systemEvent", TargetMain, PayloadSystemEvent, false},
		{"isolated with agentTurn", TargetIsolated, PayloadAgentTurn, false},
		{"main with agentTurn", TargetMain, PayloadAgentTurn, true},
		{"isolated with systemEvent", TargetIsolated, PayloadSystemEvent, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			job := &Job{
				ID:       "job-1",
				Schedule: Every(time.Hour),
				Target:   tt.target,
				Payload:  Payload{Kind: tt.kind, Text: "event", Message: "turn"},
				Enabled:  true,
			}
			err := job.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr && !IsValidationError(err) {
				t.Errorf("error %v is not a ValidationError", err)
			}
		})
	}
}

func TestJobValidateRequiredFields(t *testing.T) {
	missing := &Job{Schedule: Every(time.Hour), Target: TargetMain, Payload: Payload{Kind: PayloadSystemEvent, Text: "x"}}
	if err := missing.Validate(); err == nil {
		t.Error("expected error for missing id")
	}
	noText := systemEventJob("job-1", Every(time.Hour))
	noText.Payload.Text = ""
	if err := noText.Validate(); err == nil {
		t.Error("expected error for systemEvent without text")
	}
	noMsg := agentTurnJob("job-2", Every(time.Hour))
	noMsg.Payload.Message = ""
	if err := noMsg.Validate(); err == nil {
		t.Error("expected error for agentTurn without message")
	}
}

func TestAddRejectsMismatchedPayload(t *testing.T) {
	f := newSchedFixture(t)
	job := &Job{
		ID:       "bad-job",
		Schedule: Every(time.Hour),
		Target:   TargetMain,
		Payload:  Payload{Kind: PayloadAgentTurn, Message: "run this"},
		Enabled:  true,
	}
	err := f.sched.Add(context.Background(), job)
	if !IsValidationError(err) {
		t.Fatalf("Add() error = %v, want ValidationError", err)
	}
	if _, getErr := f.jobs.Get(context.Background(), "bad-job"); !errors.Is(getErr, ErrJobNotFound) {
		t.Error("rejected job must not be stored")
	}
}

func TestAddComputesNextRun(t *testing.T) {
	f := newSchedFixture(t)
	job := systemEventJob("job-1", Every(time.Hour))
	if err := f.sched.Add(context.Background(), job); err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	stored, err := f.jobs.Get(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if want := f.now.Add(time.Hour); !stored.State.NextRun.Equal(want) {
		t.Errorf("NextRun = %v, want %v", stored.State.NextRun, want)
	}
}

func TestAddDuplicateID(t *testing.T) {
	f := newSchedFixture(t)
	if err := f.sched.Add(context.Background(), systemEventJob("job-1", Every(time.Hour))); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	err := f.sched.Add(context.Background(), systemEventJob("job-1", Every(time.Minute)))
	if !IsValidationError(err) {
		t.Fatalf("Add() duplicate error = %v, want ValidationError", err)
	}
}

func TestAddRejectsExpiredOneShot(t *testing.T) {
	f := newSchedFixture(t)
	job := systemEventJob("past-job", At(f.now.Add(-time.Hour)))
	if err := f.sched.Add(context.Background(), job); !IsValidationError(err) {
		t.Fatalf("Add() error = %v, want ValidationError", err)
	}
}

func TestRunDueSystemEvent(t *testing.T) {
	f := newSchedFixture(t)
	ctx := context.Background()
	if err := f.sched.Add(ctx, systemEventJob("job-1", Every(time.Hour))); err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	if n := f.sched.RunDue(ctx); n != 0 {
		t.Fatalf("RunDue() before due = %d, want 0", n)
	}

	f.now = f.now.Add(time.Hour)
	if n := f.sched.RunDue(ctx); n != 1 {
		t.Fatalf("RunDue() = %d, want 1", n)
	}

	// systemEvent injects text with no model call.
	if f.turner.calls != 0 {
		t.Errorf("turner called %d times, want 0", f.turner.calls)
	}
	key := sessions.SessionKey("agent-1", sessions.KindMain, "main")
	session, err := f.sessions.GetByKey(ctx, key)
	if err != nil {
		t.Fatalf("GetByKey() error = %v", err)
	}
	history, err := f.sessions.GetHistory(ctx, session.ID, 0)
	if err != nil {
		t.Fatalf("GetHistory() error = %v", err)
	}
	if len(history) != 1 || history[0].Role != "system" || history[0].Content != "check the queue" {
		t.Fatalf("history = %+v, want one system message", history)
	}

	stored, err := f.jobs.Get(ctx, "job-1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if stored.State.LastStatus != RunOK {
		t.Errorf("LastStatus = %q, want %q", stored.State.LastStatus, RunOK)
	}
	if want := f.now.Add(time.Hour); !stored.State.NextRun.Equal(want) {
		t.Errorf("NextRun = %v, want %v", stored.State.NextRun, want)
	}
}

func TestRunDueAgentTurnDelivers(t *testing.T) {
	f := newSchedFixture(t)
	ctx := context.Background()
	job := agentTurnJob("digest", Every(30*time.Minute))
	job.Payload.DeliveryTarget = "channel-9"
	if err := f.sched.Add(ctx, job); err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	f.now = f.now.Add(30 * time.Minute)
	if n := f.sched.RunDue(ctx); n != 1 {
		t.Fatalf("RunDue() = %d, want 1", n)
	}

	if f.turner.calls != 1 {
		t.Fatalf("turner called %d times, want 1", f.turner.calls)
	}
	if f.turner.lastReq.Source != "cron" {
		t.Errorf("Source = %q, want cron", f.turner.lastReq.Source)
	}
	if f.turner.lastReq.Input != "summarize the inbox" {
		t.Errorf("Input = %q", f.turner.lastReq.Input)
	}

	// The turn ran in the job's isolated session.
	key := sessions.SessionKey("agent-1", sessions.KindIsolated, "cron:digest")
	session, err := f.sessions.GetByKey(ctx, key)
	if err != nil {
		t.Fatalf("isolated session not created: %v", err)
	}
	if session.Kind != sessions.KindIsolated {
		t.Errorf("Kind = %q, want isolated", session.Kind)
	}

	sent := f.deliver.Sent()
	if len(sent) != 1 || sent[0].Text != "done" || sent[0].Target != "channel-9" {
		t.Fatalf("sent = %+v, want one delivery to channel-9", sent)
	}
}

func TestRunJobForceBypassesDueCheck(t *testing.T) {
	f := newSchedFixture(t)
	ctx := context.Background()
	if err := f.sched.Add(ctx, agentTurnJob("digest", Every(time.Hour))); err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	if _, err := f.sched.RunJob(ctx, "digest", false); err == nil {
		t.Fatal("RunJob(due) before due should fail")
	}
	status, err := f.sched.RunJob(ctx, "digest", true)
	if err != nil {
		t.Fatalf("RunJob(force) error = %v", err)
	}
	if status != RunOK {
		t.Errorf("status = %q, want %q", status, RunOK)
	}
	if f.turner.calls != 1 {
		t.Errorf("turner called %d times, want 1", f.turner.calls)
	}
}

func TestRunJobForceRespectsInFlightGuard(t *testing.T) {
	f := newSchedFixture(t)
	ctx := context.Background()
	if err := f.sched.Add(ctx, agentTurnJob("digest", Every(time.Hour))); err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	key := sessions.SessionKey("agent-1", sessions.KindIsolated, "cron:digest")
	session, err := f.sessions.GetOrCreate(ctx, key, "agent-1", sessions.KindIsolated)
	if err != nil {
		t.Fatalf("GetOrCreate() error = %v", err)
	}
	release, err := f.runs.Begin(session.ID, "user")
	if err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	defer release()

	status, err := f.sched.RunJob(ctx, "digest", true)
	if err != nil {
		t.Fatalf("RunJob(force) error = %v", err)
	}
	if status != RunSkippedInFlight {
		t.Errorf("status = %q, want %q", status, RunSkippedInFlight)
	}
	if f.turner.calls != 0 {
		t.Errorf("turner called %d times, want 0", f.turner.calls)
	}

	// The skipped run keeps its original schedule.
	stored, err := f.jobs.Get(ctx, "digest")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if want := f.now.Add(time.Hour); !stored.State.NextRun.Equal(want) {
		t.Errorf("NextRun = %v, want unchanged %v", stored.State.NextRun, want)
	}
}

func TestOneShotDeleteAfterRun(t *testing.T) {
	f := newSchedFixture(t)
	ctx := context.Background()
	job := systemEventJob("once", At(f.now.Add(time.Minute)))
	job.DeleteAfterRun = true
	if err := f.sched.Add(ctx, job); err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	f.now = f.now.Add(2 * time.Minute)
	if n := f.sched.RunDue(ctx); n != 1 {
		t.Fatalf("RunDue() = %d, want 1", n)
	}
	if _, err := f.jobs.Get(ctx, "once"); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("Get() after run error = %v, want ErrJobNotFound", err)
	}
}

func TestOneShotKeptButDisabled(t *testing.T) {
	f := newSchedFixture(t)
	ctx := context.Background()
	if err := f.sched.Add(ctx, systemEventJob("once", At(f.now.Add(time.Minute)))); err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	f.now = f.now.Add(2 * time.Minute)
	f.sched.RunDue(ctx)

	stored, err := f.jobs.Get(ctx, "once")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if stored.Enabled {
		t.Error("one-shot job should be disabled after running")
	}
	if !stored.State.NextRun.IsZero() {
		t.Errorf("NextRun = %v, want zero", stored.State.NextRun)
	}
	if stored.State.LastStatus != RunOK {
		t.Errorf("LastStatus = %q, want ok", stored.State.LastStatus)
	}
}

type failingDeliverer struct{ calls int }

func (d *failingDeliverer) Deliver(ctx context.Context, sessionID, target, text string) error {
	d.calls++
	return errors.New("webhook unreachable")
}

func TestDeliveryFailureKeepsRunOK(t *testing.T) {
	ctx := context.Background()
	jobs := NewMemoryJobStore()
	turner := &fakeTurner{text: "done"}
	deliver := &failingDeliverer{}
	now := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	sched := NewScheduler(jobs, sessions.NewMemoryStore(), sessions.NewRunTracker(), turner, deliver, "agent-1",
		WithModel("anthropic", "claude-sonnet-4-20250514"),
		WithClock(func() time.Time { return now }))

	job := agentTurnJob("digest", Every(30*time.Minute))
	job.Payload.DeliveryTarget = "channel-9"
	if err := sched.Add(ctx, job); err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	now = now.Add(30 * time.Minute)
	if n := sched.RunDue(ctx); n != 1 {
		t.Fatalf("RunDue() = %d, want 1", n)
	}
	if deliver.calls != 1 {
		t.Fatalf("deliverer called %d times, want 1", deliver.calls)
	}

	stored, err := jobs.Get(ctx, "digest")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if stored.State.LastStatus != RunOK {
		t.Errorf("LastStatus = %q, want ok despite delivery failure", stored.State.LastStatus)
	}
	if stored.State.LastError != "" {
		t.Errorf("LastError = %q, want empty", stored.State.LastError)
	}
}

func TestRunDueRecordsFailure(t *testing.T) {
	f := newSchedFixture(t)
	ctx := context.Background()
	f.turner.err = errors.New("provider unavailable")
	if err := f.sched.Add(ctx, agentTurnJob("digest", Every(time.Hour))); err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	f.now = f.now.Add(time.Hour)
	f.sched.RunDue(ctx)

	stored, err := f.jobs.Get(ctx, "digest")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if stored.State.LastStatus != RunError {
		t.Errorf("LastStatus = %q, want error", stored.State.LastStatus)
	}
	if stored.State.LastError == "" {
		t.Error("LastError is empty")
	}
	// Failed runs still reschedule.
	if want := f.now.Add(time.Hour); !stored.State.NextRun.Equal(want) {
		t.Errorf("NextRun = %v, want %v", stored.State.NextRun, want)
	}
}

func TestUpdateAndRemove(t *testing.T) {
	f := newSchedFixture(t)
	ctx := context.Background()
	if err := f.sched.Add(ctx, systemEventJob("job-1", Every(time.Hour))); err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	updated := systemEventJob("job-1", Every(30*time.Minute))
	if err := f.sched.Update(ctx, updated); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	stored, _ := f.jobs.Get(ctx, "job-1")
	if want := f.now.Add(30 * time.Minute); !stored.State.NextRun.Equal(want) {
		t.Errorf("NextRun after update = %v, want %v", stored.State.NextRun, want)
	}

	if err := f.sched.Update(ctx, systemEventJob("ghost", Every(time.Hour))); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("Update() missing job error = %v, want ErrJobNotFound", err)
	}

	if err := f.sched.Remove(ctx, "job-1"); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if err := f.sched.Remove(ctx, "job-1"); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("second Remove() error = %v, want ErrJobNotFound", err)
	}
}

func TestWakeTriggersScan(t *testing.T) {
	f := newSchedFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := f.sched.Add(ctx, systemEventJob("job-1", Every(time.Minute))); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	f.now = f.now.Add(2 * time.Minute)

	if err := f.sched.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	// Wake is coalescing and never blocks.
	f.sched.Wake()
	f.sched.Wake()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		stored, err := f.jobs.Get(ctx, "job-1")
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if stored.State.LastStatus == RunOK {
			cancel()
			if err := f.sched.Stop(context.Background()); err != nil {
				t.Fatalf("Stop() error = %v", err)
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("job did not run after Wake()")
}
