package scheduler

import (
	"fmt"
	"hash/fnv"
	"math/rand"
	"strings"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
)

// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// maxStartupSpread caps the random delay added to the first run of @every schedules.
const maxStartupSpread = 30 * time.Second

// Compiled is a validated schedule.
type Compiled struct {
	Spec     string // normalized cron / @every form
	TimeZone string // "Local" or a loadable IANA id
	Schedule cron.Schedule
}

// Compile validates spec in timeZone.
//
// spec accepts everything ParseSchedule does. timeZone "" and "Local" leave
// the zone to the cron runner, which evaluates such schedules in the
// scheduler's configured zone.
func Compile(spec, timeZone string) (Compiled, error) {
	ps, err := ParseSchedule(spec)
	if err != nil {
		return Compiled{}, err
	}
	norm := ps.Expr()

	tz, err := normalizeZone(timeZone)
	if err != nil {
		return Compiled{}, err
	}

	raw := norm
	if tz != LocalZone {
		raw = "CRON_TZ=" + tz + " " + norm
	}
	sched, err := cronParser.Parse(raw)
	if err != nil {
		return Compiled{}, fmt.Errorf("%w: %q: %v", ErrInvalidCron, spec, err)
	}
	return Compiled{Spec: norm, TimeZone: tz, Schedule: sched}, nil
}

func normalizeZone(timeZone string) (string, error) {
	tz := strings.TrimSpace(timeZone)
	if tz == "" || strings.EqualFold(tz, LocalZone) {
		return LocalZone, nil
	}
	if _, err := time.LoadLocation(tz); err != nil {
		return "", fmt.Errorf("%w: %q: %v", ErrInvalidTimeZone, tz, err)
	}
	return tz, nil
}

// startupSpreadSchedule overrides the first run time of an interval schedule
// and then delegates to it.
type startupSpreadSchedule struct {
	base  cron.Schedule
	first time.Time
}

func (s *startupSpreadSchedule) Next(t time.Time) time.Time {
	if !s.first.IsZero() && t.Before(s.first) {
		return s.first
	}
	return s.base.Next(t)
}

var spreadSeq uint64

// withStartupSpread delays the first run of "@every" schedules by a random
// amount so many intervals registered at boot don't fire together.
func withStartupSpread(c Compiled, now time.Time) cron.Schedule {
	every, ok := c.Schedule.(cron.ConstantDelaySchedule)
	if !ok || every.Delay <= 0 {
		return c.Schedule
	}
	spread := every.Delay
	if spread > maxStartupSpread {
		spread = maxStartupSpread
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(c.Spec))
	seed := now.UnixNano() ^ int64(atomic.AddUint64(&spreadSeq, 1)) ^ int64(h.Sum64())
	jitter := time.Duration(rand.New(rand.NewSource(seed)).Int63n(int64(spread)))
	return &startupSpreadSchedule{base: every, first: now.Add(every.Delay + jitter)}
}

// previewNext lists the next n run times of sched, formatted in loc.
func previewNext(sched cron.Schedule, loc *time.Location, n int) string {
	t := time.Now().In(loc)
	var b strings.Builder
	for i := 0; i < n; i++ {
		t = sched.Next(t)
		if t.IsZero() {
			break
		}
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(t.Format("2006-01-02 15:04:05 MST"))
	}
	return b.String()
}
