package campaign

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// CadenceKind describes how often a campaign fires.
type CadenceKind string

const (
	CadenceOnce     CadenceKind = "once"
	CadenceDaily    CadenceKind = "daily"
	CadenceWeekly   CadenceKind = "weekly"
	CadenceHourly   CadenceKind = "hourly"
	CadenceInterval CadenceKind = "interval"
)

// DefaultInterval is the fallback cadence used when an interval string cannot
// be parsed. A misconfigured campaign keeps firing on this safe default
// instead of being lost; the scheduler logs a warning when it applies it.
const DefaultInterval = 10 * time.Minute

// Cadence is a campaign's declared firing cadence.
//
//   - once/daily: At ("HH:MM")
//   - weekly: At + Weekday ("mon".."sun")
//   - hourly: no parameters, fires every hour from registration
//   - interval: Interval, a human string ("every 15 minutes", "2h", "45")
type Cadence struct {
	Kind     CadenceKind `json:"kind"`
	At       string      `json:"at,omitempty"`
	Weekday  string      `json:"weekday,omitempty"`
	Interval string      `json:"interval,omitempty"`
}

// FiringKind is the normalized trigger form a cadence resolves to.
type FiringKind int

const (
	FireCron FiringKind = iota
	FireEvery
	FireOnce
)

// Firing is a resolved cadence: either a 5-field cron spec, a fixed interval,
// or a single future instant.
type Firing struct {
	Kind  FiringKind
	Cron  string
	Every time.Duration
	At    time.Time
}

// Resolve maps a cadence to its concrete trigger. Interval parse failures are
// returned as ErrBadInterval together with a usable fallback firing; callers
// decide whether to log and keep going.
func (c Cadence) Resolve(now time.Time) (Firing, error) {
	switch c.Kind {
	case CadenceDaily:
		h, m, err := ParseHHMM(c.At)
		if err != nil {
			return Firing{}, err
		}
		return Firing{Kind: FireCron, Cron: fmt.Sprintf("%d %d * * *", m, h)}, nil

	case CadenceWeekly:
		h, m, err := ParseHHMM(c.At)
		if err != nil {
			return Firing{}, err
		}
		wd, err := ParseWeekday(c.Weekday)
		if err != nil {
			return Firing{}, err
		}
		return Firing{Kind: FireCron, Cron: fmt.Sprintf("%d %d * * %d", m, h, int(wd))}, nil

	case CadenceHourly:
		return Firing{Kind: FireEvery, Every: time.Hour}, nil

	case CadenceInterval:
		every, err := ParseInterval(c.Interval)
		if err != nil {
			return Firing{Kind: FireEvery, Every: DefaultInterval}, fmt.Errorf("%w: %v", ErrBadInterval, err)
		}
		return Firing{Kind: FireEvery, Every: every}, nil

	case CadenceOnce:
		h, m, err := ParseHHMM(c.At)
		if err != nil {
			return Firing{}, err
		}
		at := time.Date(now.Year(), now.Month(), now.Day(), h, m, 0, 0, now.Location())
		if !at.After(now) {
			at = at.Add(24 * time.Hour)
		}
		return Firing{Kind: FireOnce, At: at}, nil

	default:
		return Firing{}, fmt.Errorf("unknown cadence kind %q", c.Kind)
	}
}

// ErrBadInterval marks an interval string that fell back to DefaultInterval.
var ErrBadInterval = fmt.Errorf("unparseable interval")

var reEveryN = regexp.MustCompile(`^every\s+(\d+)\s*(minutes?|mins?|m|hours?|hrs?|h)$`)

// ParseInterval parses a human interval string.
//
// Supported forms:
//   - "every N minutes" / "every N hours" (and short unit spellings)
//   - a bare integer, interpreted as minutes
//   - a Go duration ("45m", "2h30m")
func ParseInterval(raw string) (time.Duration, error) {
	s := strings.ToLower(strings.TrimSpace(raw))
	if s == "" {
		return 0, fmt.Errorf("interval required")
	}

	if m := reEveryN.FindStringSubmatch(s); m != nil {
		n, err := strconv.Atoi(m[1])
		if err != nil || n <= 0 {
			return 0, fmt.Errorf("invalid interval count in %q", raw)
		}
		unit := time.Minute
		if strings.HasPrefix(m[2], "h") {
			unit = time.Hour
		}
		return time.Duration(n) * unit, nil
	}

	// Bare integer means minutes.
	if n, err := strconv.Atoi(s); err == nil {
		if n <= 0 {
			return 0, fmt.Errorf("interval must be > 0")
		}
		return time.Duration(n) * time.Minute, nil
	}

	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid interval %q (use 'every N minutes', a bare minute count, or a Go duration)", raw)
	}
	if d <= 0 {
		return 0, fmt.Errorf("interval must be > 0")
	}
	return d, nil
}

// ParseHHMM parses a "HH:MM" time of day.
func ParseHHMM(s string) (hour int, minute int, err error) {
	s = strings.TrimSpace(s)
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid time %q, expected HH:MM", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", s)
	}
	return h, m, nil
}

// ParseWeekday parses a weekday name ("mon", "monday", ...). Sunday is 0.
func ParseWeekday(s string) (time.Weekday, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "sun", "sunday":
		return time.Sunday, nil
	case "mon", "monday":
		return time.Monday, nil
	case "tue", "tues", "tuesday":
		return time.Tuesday, nil
	case "wed", "wednesday":
		return time.Wednesday, nil
	case "thu", "thur", "thurs", "thursday":
		return time.Thursday, nil
	case "fri", "friday":
		return time.Friday, nil
	case "sat", "saturday":
		return time.Saturday, nil
	default:
		return 0, fmt.Errorf("invalid weekday %q", s)
	}
}
