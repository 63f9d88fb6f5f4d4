package session

import (
	"strings"
	"time"

	"github.com/dyzdyz010/clawd/internal/config"
)

// Reset reasons reported by Evaluate.
const (
	ReasonDailyReset  = "daily_reset"
	ReasonIdleTimeout = "idle_timeout"
	ReasonTrigger     = "trigger"
)

// ResetPolicy decides whether a session must be wiped before a new
// message is processed. It is pure: no inputs besides configuration,
// the session's last activity, and the clock.
type ResetPolicy struct {
	Mode         config.ResetMode
	DailyHourUTC int
	IdleTimeout  time.Duration // 0 disables the idle check
	Triggers     []string      // lowercased literal prefixes
}

// Decision is the outcome of a policy evaluation.
type Decision struct {
	Reset  bool
	Reason string
}

// Evaluate checks expiry in fixed order: daily before idle. Manual mode
// never expires automatically.
func (p ResetPolicy) Evaluate(lastActivity, now time.Time) Decision {
	switch p.Mode {
	case config.ResetModeManual:
		return Decision{}
	case config.ResetModeDaily:
		if lastActivity.Before(p.dailyBoundary(now)) {
			return Decision{Reset: true, Reason: ReasonDailyReset}
		}
	}
	if p.IdleTimeout > 0 && p.Mode != config.ResetModeManual {
		if now.Sub(lastActivity) > p.IdleTimeout {
			return Decision{Reset: true, Reason: ReasonIdleTimeout}
		}
	}
	return Decision{}
}

// dailyBoundary returns the most recent boundary at or before now for
// the configured UTC hour.
func (p ResetPolicy) dailyBoundary(now time.Time) time.Time {
	now = now.UTC()
	boundary := time.Date(now.Year(), now.Month(), now.Day(), p.DailyHourUTC, 0, 0, 0, time.UTC)
	if boundary.After(now) {
		boundary = boundary.AddDate(0, 0, -1)
	}
	return boundary
}

// MatchTrigger reports whether the trimmed, case-folded input starts
// with one of the configured trigger literals. The remainder after the
// trigger is returned so it can run as the session's first fresh
// message; it is empty for a bare trigger.
func (p ResetPolicy) MatchTrigger(input string) (bool, string) {
	trimmed := strings.TrimSpace(input)
	folded := strings.ToLower(trimmed)
	for _, trigger := range p.Triggers {
		if trigger == "" || !strings.HasPrefix(folded, trigger) {
			continue
		}
		rest := trimmed[len(trigger):]
		// The trigger must be a whole token: "/newish" is not "/new".
		if rest != "" && !strings.HasPrefix(rest, " ") && !strings.HasPrefix(rest, "\t") {
			continue
		}
		return true, strings.TrimSpace(rest)
	}
	return false, ""
}
