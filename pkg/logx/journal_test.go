package logx

import (
	"testing"

	"github.com/coreos/go-systemd/v22/journal"
	"github.com/rs/zerolog"
)

func TestJournalFieldName(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		want string
	}{
		{in: "comp", want: "COMP"},
		{in: "job.id", want: "JOB_ID"},
		{in: "_private", want: "PRIVATE"},
		{in: "9lives", want: ""},
		{in: "___", want: ""},
	}
	for _, tt := range tests {
		if got := journalFieldName(tt.in); got != tt.want {
			t.Fatalf("journalFieldName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestDecodeJournalEntry(t *testing.T) {
	t.Parallel()
	msg, vars := decodeJournalEntry([]byte(`{"level":"warn","time":"x","message":"job failed","job":"Heartbeat.Beat","attempts":3}`))
	if msg != "job failed" {
		t.Fatalf("msg = %q", msg)
	}
	if vars["JOB"] != "Heartbeat.Beat" || vars["ATTEMPTS"] != "3" {
		t.Fatalf("unexpected vars: %#v", vars)
	}
	if _, ok := vars["LEVEL"]; ok {
		t.Fatalf("level must not be forwarded as a field")
	}
}

func TestJournalSinkFiltersByLevel(t *testing.T) {
	got := make(chan journal.Priority, 4)
	j := newJournalSink()
	j.send = func(msg string, prio journal.Priority, vars map[string]string) error {
		got <- prio
		return nil
	}
	t.Cleanup(j.close)
	j.apply(JournalConfig{Enabled: true, MinLevel: "warn", RatePerSec: 100})

	_, _ = j.WriteLevel(zerolog.InfoLevel, []byte(`{"message":"ignored"}`))
	_, _ = j.WriteLevel(zerolog.ErrorLevel, []byte(`{"message":"kept"}`))

	if p := <-got; p != journal.PriErr {
		t.Fatalf("priority = %v, want %v", p, journal.PriErr)
	}
	select {
	case p := <-got:
		t.Fatalf("unexpected extra entry with priority %v", p)
	default:
	}
}
