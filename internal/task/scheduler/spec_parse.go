package scheduler

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

type SpecKind int

const (
	SpecCron SpecKind = iota
	SpecInterval
)

// ParsedSpec is a schedule string sorted into cron or interval form.
type ParsedSpec struct {
	Kind  SpecKind
	Cron  string        // SpecCron: the expression as written
	Every time.Duration // SpecInterval: the period
}

// Expr is the text handed to the cron parser. Intervals become "@every <d>".
func (p ParsedSpec) Expr() string {
	if p.Kind == SpecInterval {
		return "@every " + p.Every.String()
	}
	return p.Cron
}

// "02:30" is an interval of two and a half hours, not a time of day.
var reHHMM = regexp.MustCompile(`^(\d{1,3}):([0-5]\d)$`)

// ParseSchedule accepts a job's cron field:
//
//	"*/5 * * * *", "30 */5 * * * *", "@daily", "@every 55m"  cron
//	"55m", "2h30m", "02:30"                                   interval
//
// "cron:" and "every:" prefixes force the kind. Time zones are not part of
// the schedule: a CRON_TZ= or TZ= prefix is rejected, the job's time zone
// field carries it instead. Errors wrap ErrInvalidCron.
func ParseSchedule(raw string) (ParsedSpec, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ParsedSpec{}, fmt.Errorf("%w: empty schedule", ErrInvalidCron)
	}
	upper := strings.ToUpper(s)
	if strings.HasPrefix(upper, "CRON_TZ=") || strings.HasPrefix(upper, "TZ=") {
		return ParsedSpec{}, fmt.Errorf("%w: %q: set the job's time zone instead of an inline zone", ErrInvalidCron, raw)
	}

	if kind, rest, ok := cutKind(s); ok {
		if rest == "" {
			return ParsedSpec{}, fmt.Errorf("%w: %q: nothing after prefix", ErrInvalidCron, raw)
		}
		if kind == SpecCron {
			return ParsedSpec{Kind: SpecCron, Cron: rest}, nil
		}
		return parseInterval(raw, rest)
	}

	if strings.HasPrefix(s, "@") || len(strings.Fields(s)) > 1 {
		return ParsedSpec{Kind: SpecCron, Cron: s}, nil
	}
	return parseInterval(raw, s)
}

func cutKind(s string) (SpecKind, string, bool) {
	low := strings.ToLower(s)
	for prefix, kind := range map[string]SpecKind{"cron:": SpecCron, "every:": SpecInterval, "interval:": SpecInterval} {
		if strings.HasPrefix(low, prefix) {
			return kind, strings.TrimSpace(s[len(prefix):]), true
		}
	}
	return 0, "", false
}

func parseInterval(raw, v string) (ParsedSpec, error) {
	var d time.Duration
	if m := reHHMM.FindStringSubmatch(v); m != nil {
		hh, _ := strconv.Atoi(m[1])
		mm, _ := strconv.Atoi(m[2])
		d = time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute
	} else {
		var err error
		if d, err = time.ParseDuration(v); err != nil {
			return ParsedSpec{}, fmt.Errorf("%w: %q: want a cron expression, HH:MM or a duration like 55m", ErrInvalidCron, raw)
		}
	}
	if d <= 0 {
		return ParsedSpec{}, fmt.Errorf("%w: %q: interval must be positive", ErrInvalidCron, raw)
	}
	return ParsedSpec{Kind: SpecInterval, Every: d}, nil
}
