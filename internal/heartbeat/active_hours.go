package heartbeat

import (
	"fmt"
	"regexp"
	"time"
)

// ActiveHours restricts heartbeat ticks to a daily window. A nil
// ActiveHours means no restriction. Windows may cross midnight
// (Start "22:00", End "06:00").
type ActiveHours struct {
	// Start of the window, "HH:MM".
	Start string `json:"start" yaml:"start"`

	// End of the window, "HH:MM". "24:00" means end of day.
	End string `json:"end" yaml:"end"`

	// Timezone is an IANA name, or one of the aliases "local", "user",
	// "utc". Empty means local.
	Timezone string `json:"timezone" yaml:"timezone"`

	// Days of week the window applies to (0=Sunday..6=Saturday).
	// Empty means every day.
	Days []int `json:"days,omitempty" yaml:"days,omitempty"`
}

var clockPattern = regexp.MustCompile(`^([01]\d|2[0-3]|24):([0-5]\d)$`)

// parseClock converts "HH:MM" to minutes since midnight. "24:00" is
// accepted only when allowMidnightEnd is set.
func parseClock(s string, allowMidnightEnd bool) (int, error) {
	if !clockPattern.MatchString(s) {
		return 0, fmt.Errorf("invalid time %q (expected HH:MM)", s)
	}
	var hour, minute int
	if _, err := fmt.Sscanf(s, "%d:%d", &hour, &minute); err != nil {
		return 0, err
	}
	if hour == 24 {
		if !allowMidnightEnd || minute != 0 {
			return 0, fmt.Errorf("24:00 is only valid as an end time")
		}
		return 24 * 60, nil
	}
	return hour*60 + minute, nil
}

// resolveLocation maps a timezone setting to a *time.Location. The
// "user" alias falls back to local when no user timezone is known.
func resolveLocation(tz, userTz string) (*time.Location, error) {
	switch tz {
	case "", "local":
		return time.Local, nil
	case "user":
		if userTz != "" {
			return time.LoadLocation(userTz)
		}
		return time.Local, nil
	case "utc", "UTC":
		return time.UTC, nil
	default:
		return time.LoadLocation(tz)
	}
}

// Validate checks the window's times and timezone without evaluating it.
func (a *ActiveHours) Validate(userTz string) error {
	if a == nil {
		return nil
	}
	if _, err := parseClock(a.Start, false); err != nil {
		return fmt.Errorf("active hours start: %w", err)
	}
	if _, err := parseClock(a.End, true); err != nil {
		return fmt.Errorf("active hours end: %w", err)
	}
	if _, err := resolveLocation(a.Timezone, userTz); err != nil {
		return fmt.Errorf("active hours timezone %q: %w", a.Timezone, err)
	}
	for _, d := range a.Days {
		if d < 0 || d > 6 {
			return fmt.Errorf("active hours day %d out of range 0-6", d)
		}
	}
	return nil
}

// Contains reports whether t falls inside the window.
func (a *ActiveHours) Contains(t time.Time, userTz string) (bool, error) {
	if a == nil {
		return true, nil
	}
	loc, err := resolveLocation(a.Timezone, userTz)
	if err != nil {
		return false, fmt.Errorf("active hours timezone %q: %w", a.Timezone, err)
	}
	local := t.In(loc)

	if len(a.Days) > 0 {
		weekday := int(local.Weekday())
		dayOK := false
		for _, d := range a.Days {
			if d == weekday {
				dayOK = true
				break
			}
		}
		if !dayOK {
			return false, nil
		}
	}

	start, err := parseClock(a.Start, false)
	if err != nil {
		return false, fmt.Errorf("active hours start: %w", err)
	}
	end, err := parseClock(a.End, true)
	if err != nil {
		return false, fmt.Errorf("active hours end: %w", err)
	}

	current := local.Hour()*60 + local.Minute()
	if start <= end {
		return current >= start && current < end, nil
	}
	// Window crosses midnight, e.g. 22:00-06:00.
	return current >= start || current < end, nil
}

// NextStart returns the next moment at or after t when the window opens.
// If t is already inside the window it is returned unchanged.
func (a *ActiveHours) NextStart(t time.Time, userTz string) (time.Time, error) {
	if a == nil {
		return t, nil
	}
	active, err := a.Contains(t, userTz)
	if err != nil {
		return t, err
	}
	if active {
		return t, nil
	}

	loc, err := resolveLocation(a.Timezone, userTz)
	if err != nil {
		return t, err
	}
	start, err := parseClock(a.Start, false)
	if err != nil {
		return t, err
	}

	local := t.In(loc)
	for offset := 0; offset < 8; offset++ {
		day := local.AddDate(0, 0, offset)
		candidate := time.Date(day.Year(), day.Month(), day.Day(),
			start/60, start%60, 0, 0, loc)
		if candidate.Before(t) {
			continue
		}
		if len(a.Days) > 0 {
			weekday := int(candidate.Weekday())
			dayOK := false
			for _, d := range a.Days {
				if d == weekday {
					dayOK = true
					break
				}
			}
			if !dayOK {
				continue
			}
		}
		return candidate, nil
	}
	return t, fmt.Errorf("no active window within 7 days")
}
