package session

import (
	"testing"
	"time"

	"github.com/dyzdyz010/clawd/internal/config"
)

func TestEvaluateDailyBoundary(t *testing.T) {
	policy := ResetPolicy{Mode: config.ResetModeDaily, DailyHourUTC: 4}

	// Last active yesterday 03:00, now 05:00: the 04:00 boundary passed.
	last := time.Date(2026, 3, 9, 3, 0, 0, 0, time.UTC)
	now := time.Date(2026, 3, 10, 5, 0, 0, 0, time.UTC)
	d := policy.Evaluate(last, now)
	if !d.Reset || d.Reason != ReasonDailyReset {
		t.Fatalf("expected daily reset, got %+v", d)
	}

	// Both sides of the boundary on the same day: no expiry.
	last = time.Date(2026, 3, 10, 4, 30, 0, 0, time.UTC)
	now = time.Date(2026, 3, 10, 23, 0, 0, 0, time.UTC)
	if d := policy.Evaluate(last, now); d.Reset {
		t.Fatalf("same window should not reset, got %+v", d)
	}

	// Before today's boundary with now also before it: yesterday's
	// boundary governs.
	last = time.Date(2026, 3, 10, 1, 0, 0, 0, time.UTC)
	now = time.Date(2026, 3, 10, 3, 0, 0, 0, time.UTC)
	if d := policy.Evaluate(last, now); d.Reset {
		t.Fatalf("pre-boundary window should not reset, got %+v", d)
	}

	// Activity exactly at the boundary counts as the new window.
	last = time.Date(2026, 3, 10, 4, 0, 0, 0, time.UTC)
	now = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	if d := policy.Evaluate(last, now); d.Reset {
		t.Fatalf("boundary-aligned activity should not reset, got %+v", d)
	}
}

func TestEvaluateDailyBeforeIdle(t *testing.T) {
	policy := ResetPolicy{
		Mode:         config.ResetModeDaily,
		DailyHourUTC: 4,
		IdleTimeout:  30 * time.Minute,
	}
	// Both conditions hold; daily wins because it is checked first.
	last := time.Date(2026, 3, 9, 3, 0, 0, 0, time.UTC)
	now := time.Date(2026, 3, 10, 5, 0, 0, 0, time.UTC)
	d := policy.Evaluate(last, now)
	if d.Reason != ReasonDailyReset {
		t.Fatalf("daily should be checked before idle, got %+v", d)
	}

	// Only the idle condition holds.
	last = time.Date(2026, 3, 10, 5, 0, 0, 0, time.UTC)
	now = time.Date(2026, 3, 10, 6, 0, 0, 0, time.UTC)
	d = policy.Evaluate(last, now)
	if d.Reason != ReasonIdleTimeout {
		t.Fatalf("expected idle timeout, got %+v", d)
	}
}

func TestEvaluateIdleMode(t *testing.T) {
	policy := ResetPolicy{Mode: config.ResetModeIdle, IdleTimeout: 30 * time.Minute}
	base := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	if d := policy.Evaluate(base, base.Add(29*time.Minute)); d.Reset {
		t.Fatalf("under threshold should not reset, got %+v", d)
	}
	if d := policy.Evaluate(base, base.Add(31*time.Minute)); !d.Reset || d.Reason != ReasonIdleTimeout {
		t.Fatalf("over threshold should reset, got %+v", d)
	}

	// Idle mode with no threshold configured never expires.
	none := ResetPolicy{Mode: config.ResetModeIdle}
	if d := none.Evaluate(base, base.Add(72*time.Hour)); d.Reset {
		t.Fatalf("unset idle threshold should not reset, got %+v", d)
	}
}

func TestEvaluateManualNeverExpires(t *testing.T) {
	policy := ResetPolicy{
		Mode:         config.ResetModeManual,
		DailyHourUTC: 4,
		IdleTimeout:  time.Minute,
	}
	last := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	now := time.Date(2026, 3, 10, 5, 0, 0, 0, time.UTC)
	if d := policy.Evaluate(last, now); d.Reset {
		t.Fatalf("manual mode must not expire, got %+v", d)
	}
}

func TestMatchTrigger(t *testing.T) {
	policy := ResetPolicy{Triggers: []string{"/new", "/reset"}}

	cases := []struct {
		input   string
		matched bool
		rest    string
	}{
		{"/new", true, ""},
		{"  /New  ", true, ""},
		{"/RESET now do X", true, "now do X"},
		{"/reset\tplease", true, "please"},
		{"/newish idea", false, ""},
		{"tell me about /new", false, ""},
		{"hello", false, ""},
		{"", false, ""},
	}
	for _, tc := range cases {
		matched, rest := policy.MatchTrigger(tc.input)
		if matched != tc.matched || rest != tc.rest {
			t.Errorf("MatchTrigger(%q) = (%v, %q), want (%v, %q)",
				tc.input, matched, rest, tc.matched, tc.rest)
		}
	}
}
