package logx

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/coreos/go-systemd/v22/journal"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

type journalItem struct {
	msg  string
	prio journal.Priority
	vars map[string]string
}

// journalSink forwards zerolog JSON lines to journald.
//
// Writes never block the caller: entries go through a bounded queue drained by
// one goroutine, and entries over the rate limit are dropped.
type journalSink struct {
	mu       sync.Mutex
	limiter  *rate.Limiter
	minLevel zerolog.Level

	queue  chan journalItem
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// send is swapped in tests.
	send func(msg string, prio journal.Priority, vars map[string]string) error
}

func newJournalSink() *journalSink {
	ctx, cancel := context.WithCancel(context.Background())
	j := &journalSink{
		queue:  make(chan journalItem, 256),
		cancel: cancel,
		send:   journal.Send,
	}
	j.apply(JournalConfig{})
	j.wg.Add(1)
	go func() {
		defer j.wg.Done()
		j.run(ctx)
	}()
	return j
}

func (j *journalSink) available() bool { return journal.Enabled() }

func (j *journalSink) apply(cfg JournalConfig) {
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 20
	}
	j.mu.Lock()
	j.minLevel = parseLevel(cfg.MinLevel, zerolog.InfoLevel)
	j.limiter = rate.NewLimiter(rate.Limit(rps), rps)
	j.mu.Unlock()
}

func (j *journalSink) close() {
	j.cancel()
	j.wg.Wait()
}

func (j *journalSink) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case it := <-j.queue:
			_ = j.send(it.msg, it.prio, it.vars)
		}
	}
}

func (j *journalSink) Write(p []byte) (int, error) {
	return j.WriteLevel(zerolog.InfoLevel, p)
}

func (j *journalSink) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	j.mu.Lock()
	lim := j.limiter
	min := j.minLevel
	j.mu.Unlock()

	if level < min {
		return len(p), nil
	}
	if lim != nil && !lim.Allow() {
		return len(p), nil
	}

	msg, vars := decodeJournalEntry(p)
	if msg == "" {
		return len(p), nil
	}
	select {
	case j.queue <- journalItem{msg: msg, prio: journalPriority(level), vars: vars}:
	default:
		// drop
	}
	return len(p), nil
}

// decodeJournalEntry splits a zerolog JSON line into the message and
// journald fields (upper-cased keys, values stringified).
func decodeJournalEntry(p []byte) (string, map[string]string) {
	var m map[string]any
	if err := json.Unmarshal(p, &m); err != nil {
		return strings.TrimSpace(string(p)), nil
	}
	msg, _ := m[zerolog.MessageFieldName].(string)
	vars := make(map[string]string, len(m))
	for k, v := range m {
		switch k {
		case zerolog.MessageFieldName, zerolog.LevelFieldName, zerolog.TimestampFieldName:
			continue
		}
		name := journalFieldName(k)
		if name == "" {
			continue
		}
		vars[name] = fmt.Sprint(v)
	}
	return msg, vars
}

// journalFieldName maps a log key to a valid journald field name:
// upper-case ASCII letters, digits and underscores, not starting with '_'.
func journalFieldName(k string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(k) {
		switch {
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	name := strings.TrimLeft(b.String(), "_")
	if name == "" || (name[0] >= '0' && name[0] <= '9') {
		return ""
	}
	return name
}

func journalPriority(level zerolog.Level) journal.Priority {
	switch level {
	case zerolog.TraceLevel, zerolog.DebugLevel:
		return journal.PriDebug
	case zerolog.InfoLevel:
		return journal.PriInfo
	case zerolog.WarnLevel:
		return journal.PriWarning
	case zerolog.ErrorLevel:
		return journal.PriErr
	case zerolog.FatalLevel:
		return journal.PriCrit
	case zerolog.PanicLevel:
		return journal.PriEmerg
	default:
		return journal.PriNotice
	}
}
