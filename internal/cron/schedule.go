package cron

import (
	"fmt"
	"strings"
	"time"

	cronparse "github.com/robfig/cron/v3"
)

// ScheduleKind tags the schedule union.
type ScheduleKind string

const (
	// KindAt fires once at a fixed timestamp.
	KindAt ScheduleKind = "at"
	// KindEvery fires on a fixed interval.
	KindEvery ScheduleKind = "every"
	// KindCron fires on a cron expression in a timezone.
	KindCron ScheduleKind = "cron"
)

var cronParser = cronparse.NewParser(
	cronparse.SecondOptional |
		cronparse.Minute |
		cronparse.Hour |
		cronparse.Dom |
		cronparse.Month |
		cronparse.Dow |
		cronparse.Descriptor,
)

// Schedule is the tagged union of the three supported schedule kinds.
// Exactly one of At, Every, Expr is meaningful depending on Kind.
type Schedule struct {
	Kind ScheduleKind `json:"kind" yaml:"kind"`

	// At is the one-shot fire time.
	At time.Time `json:"at,omitempty" yaml:"at,omitempty"`

	// Every is the interval between runs. Anchor, when set, is the
	// base for the first run.
	Every  time.Duration `json:"every,omitempty" yaml:"every,omitempty"`
	Anchor time.Time     `json:"anchor,omitempty" yaml:"anchor,omitempty"`

	// Expr is a cron expression (optional seconds field, descriptors
	// like @daily allowed), evaluated in Timezone.
	Expr     string `json:"expr,omitempty" yaml:"expr,omitempty"`
	Timezone string `json:"timezone,omitempty" yaml:"timezone,omitempty"`
}

// At returns a one-shot schedule.
func At(t time.Time) Schedule {
	return Schedule{Kind: KindAt, At: t}
}

// Every returns an interval schedule.
func Every(interval time.Duration) Schedule {
	return Schedule{Kind: KindEvery, Every: interval}
}

// CronExpr returns a cron-expression schedule in the given timezone.
func CronExpr(expr, timezone string) Schedule {
	return Schedule{Kind: KindCron, Expr: strings.TrimSpace(expr), Timezone: strings.TrimSpace(timezone)}
}

// Validate checks the schedule is well formed for its kind.
func (s Schedule) Validate() error {
	switch s.Kind {
	case KindAt:
		if s.At.IsZero() {
			return fmt.Errorf("at schedule missing timestamp")
		}
	case KindEvery:
		if s.Every <= 0 {
			return fmt.Errorf("every schedule requires a positive interval")
		}
	case KindCron:
		if s.Expr == "" {
			return fmt.Errorf("cron schedule missing expression")
		}
		if _, err := cronParser.Parse(s.Expr); err != nil {
			return fmt.Errorf("invalid cron expression: %w", err)
		}
		if s.Timezone != "" {
			if _, err := time.LoadLocation(s.Timezone); err != nil {
				return fmt.Errorf("invalid timezone %q: %w", s.Timezone, err)
			}
		}
	default:
		return fmt.Errorf("unknown schedule kind %q", s.Kind)
	}
	return nil
}

// Next returns the next run time strictly after now. ok=false with a nil
// error means the schedule is exhausted (a one-shot in the past).
func (s Schedule) Next(now time.Time) (time.Time, bool, error) {
	switch s.Kind {
	case KindAt:
		if s.At.IsZero() {
			return time.Time{}, false, fmt.Errorf("at schedule missing timestamp")
		}
		if now.After(s.At) {
			return time.Time{}, false, nil
		}
		return s.At, true, nil
	case KindEvery:
		if s.Every <= 0 {
			return time.Time{}, false, fmt.Errorf("every schedule requires a positive interval")
		}
		if !s.Anchor.IsZero() && s.Anchor.After(now) {
			return s.Anchor, true, nil
		}
		return now.Add(s.Every), true, nil
	case KindCron:
		if s.Expr == "" {
			return time.Time{}, false, fmt.Errorf("cron schedule missing expression")
		}
		parsed, err := cronParser.Parse(s.Expr)
		if err != nil {
			return time.Time{}, false, fmt.Errorf("parse cron expression: %w", err)
		}
		loc := now.Location()
		if s.Timezone != "" {
			tz, err := time.LoadLocation(s.Timezone)
			if err != nil {
				return time.Time{}, false, fmt.Errorf("invalid timezone %q: %w", s.Timezone, err)
			}
			loc = tz
		}
		next := parsed.Next(now.In(loc))
		return next, !next.IsZero(), nil
	default:
		return time.Time{}, false, fmt.Errorf("unknown schedule kind %q", s.Kind)
	}
}
