package scheduler

import (
	"errors"
	"testing"
	"time"
)

func TestParseScheduleVariants(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		raw  string
		kind SpecKind
		expr string
	}{
		{name: "cron", raw: "*/5 * * * *", kind: SpecCron, expr: "*/5 * * * *"},
		{name: "descriptor", raw: "@daily", kind: SpecCron, expr: "@daily"},
		{name: "every descriptor", raw: "@every 90s", kind: SpecCron, expr: "@every 90s"},
		{name: "prefixed cron", raw: "cron: 0 0 * * *", kind: SpecCron, expr: "0 0 * * *"},
		{name: "duration", raw: "10m", kind: SpecInterval, expr: "@every 10m0s"},
		{name: "prefixed interval", raw: "every:45s", kind: SpecInterval, expr: "@every 45s"},
		{name: "hhmm", raw: " 01:30 ", kind: SpecInterval, expr: "@every 1h30m0s"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseSchedule(tt.raw)
			if err != nil {
				t.Fatalf("ParseSchedule(%q) error: %v", tt.raw, err)
			}
			if got.Kind != tt.kind {
				t.Fatalf("Kind = %v, want %v", got.Kind, tt.kind)
			}
			if got.Expr() != tt.expr {
				t.Fatalf("Expr = %q, want %q", got.Expr(), tt.expr)
			}
		})
	}
	if got, _ := ParseSchedule("02:30"); got.Every != 150*time.Minute {
		t.Fatalf("Every = %v, want 2h30m", got.Every)
	}
}

func TestParseScheduleInvalid(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{"", "not-a-schedule", "interval:-5m", "00:00", "01:75", "cron:", "CRON_TZ=UTC 0 3 * * *", "tz=UTC @daily"} {
		if _, err := ParseSchedule(raw); !errors.Is(err, ErrInvalidCron) {
			t.Fatalf("ParseSchedule(%q) = %v, want ErrInvalidCron", raw, err)
		}
	}
}
