package cron

import (
	"testing"
	"time"
)

func TestScheduleNextEvery(t *testing.T) {
	now := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	sched := Every(time.Hour)

	next, ok, err := sched.Next(now)
	if err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	if !ok {
		t.Fatal("expected schedule to be valid")
	}
	if want := now.Add(time.Hour); !next.Equal(want) {
		t.Errorf("next = %v, want %v", next, want)
	}
}

func TestScheduleNextEveryAnchor(t *testing.T) {
	now := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	anchor := now.Add(30 * time.Minute)
	sched := Schedule{Kind: KindEvery, Every: time.Hour, Anchor: anchor}

	next, ok, err := sched.Next(now)
	if err != nil || !ok {
		t.Fatalf("Next() = %v, %v", ok, err)
	}
	if !next.Equal(anchor) {
		t.Errorf("next = %v, want anchor %v", next, anchor)
	}

	// Past anchors fall back to interval stepping.
	later := anchor.Add(2 * time.Hour)
	next, ok, err = sched.Next(later)
	if err != nil || !ok {
		t.Fatalf("Next() = %v, %v", ok, err)
	}
	if want := later.Add(time.Hour); !next.Equal(want) {
		t.Errorf("next = %v, want %v", next, want)
	}
}

func TestScheduleNextAt(t *testing.T) {
	at := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	sched := At(at)

	next, ok, err := sched.Next(at.Add(-time.Hour))
	if err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	if !ok || !next.Equal(at) {
		t.Errorf("next = %v (ok=%v), want %v", next, ok, at)
	}

	_, ok, err = sched.Next(at.Add(time.Hour))
	if err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	if ok {
		t.Error("expected exhausted one-shot schedule")
	}
}

func TestScheduleNextCron(t *testing.T) {
	now := time.Date(2026, 1, 1, 10, 30, 0, 0, time.UTC)
	sched := CronExpr("0 */2 * * *", "UTC")

	next, ok, err := sched.Next(now)
	if err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	if !ok {
		t.Fatal("expected next run")
	}
	want := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Errorf("next = %v, want %v", next, want)
	}
}

func TestScheduleNextCronTimezone(t *testing.T) {
	// 9 AM New York is 14:00 UTC in January.
	now := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	sched := CronExpr("0 9 * * *", "America/New_York")

	next, ok, err := sched.Next(now)
	if err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	if !ok {
		t.Fatal("expected next run")
	}
	want := time.Date(2026, 1, 1, 14, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Errorf("next = %v, want %v", next, want)
	}
}

func TestScheduleNextCronWithSeconds(t *testing.T) {
	now := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	sched := CronExpr("30 * * * * *", "UTC")

	next, ok, err := sched.Next(now)
	if err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	if !ok {
		t.Fatal("expected next run")
	}
	if next.Second() != 30 {
		t.Errorf("next = %v, want second 30", next)
	}
}

func TestScheduleValidate(t *testing.T) {
	tests := []struct {
		name    string
		sched   Schedule
		wantErr bool
	}{
		{"valid at", At(time.Now().Add(time.Hour)), false},
		{"valid every", Every(time.Minute), false},
		{"valid cron", CronExpr("*/5 * * * *", ""), false},
		{"valid descriptor", CronExpr("@hourly", ""), false},
		{"zero at", Schedule{Kind: KindAt}, true},
		{"zero every", Schedule{Kind: KindEvery}, true},
		{"negative every", Schedule{Kind: KindEvery, Every: -time.Minute}, true},
		{"empty cron", Schedule{Kind: KindCron}, true},
		{"bad cron expr", CronExpr("not a cron", ""), true},
		{"bad timezone", CronExpr("*/5 * * * *", "Mars/Olympus"), true},
		{"unknown kind", Schedule{Kind: "sometimes"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.sched.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestScheduleNextErrors(t *testing.T) {
	for _, sched := range []Schedule{
		{Kind: KindAt},
		{Kind: KindEvery},
		{Kind: KindCron},
		{Kind: "unknown"},
	} {
		if _, _, err := sched.Next(time.Now()); err == nil {
			t.Errorf("Next() for %+v expected error", sched)
		}
	}
}
