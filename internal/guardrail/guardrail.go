// Package guardrail decides whether a vendor may be contacted right now.
//
// Rules are evaluated in a fixed order and the first failing rule wins:
// missing data, do-not-call, weekly attempt cap, contact window.
package guardrail

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"ar-collect/internal/repo"
)

// Rule identifies which check produced a decision.
type Rule string

const (
	RuleNone          Rule = "none"
	RuleInvalidData   Rule = "invalid_data"
	RuleDoNotCall     Rule = "do_not_call"
	RuleAttemptCap    Rule = "attempt_cap"
	RuleContactWindow Rule = "contact_window"
)

// Decision is the outcome of a contact policy evaluation. A blocked decision is
// a normal value, not an error.
type Decision struct {
	Allowed           bool   `json:"allowed"`
	Reason            string `json:"reason,omitempty"`
	Rule              Rule   `json:"rule"`
	AttemptsRemaining int    `json:"attemptsRemaining,omitempty"`
}

func blocked(rule Rule, reason string) Decision {
	return Decision{Allowed: false, Rule: rule, Reason: reason}
}

// Evaluate applies the contact policy for vendor on behalf of user at instant now.
// state may be nil when the vendor has never been contacted.
func Evaluate(user *repo.AppUser, vendor *repo.Vendor, state *repo.VendorState, now time.Time) Decision {
	if user == nil || vendor == nil {
		return blocked(RuleInvalidData, "Invalid data")
	}

	if vendor.DoNotCall {
		return blocked(RuleDoNotCall, "Vendor on Do Not Call list")
	}

	attempts := 0
	if state != nil {
		attempts = state.AttemptsThisWeek
	}
	if attempts >= user.MaxAttemptsPerWeek {
		return blocked(RuleAttemptCap, fmt.Sprintf("Already attempted %d times this week", attempts))
	}

	start, end := Window(user, vendor)
	startHour, err := parseHour(start)
	if err != nil {
		return blocked(RuleInvalidData, "Invalid contact window")
	}
	endHour, err := parseHour(end)
	if err != nil {
		return blocked(RuleInvalidData, "Invalid contact window")
	}

	hour := now.In(location(user.Timezone)).Hour()
	if hour < startHour || hour >= endHour {
		return blocked(RuleContactWindow, fmt.Sprintf("Outside contact hours (%s-%s)", start, end))
	}

	return Decision{
		Allowed:           true,
		Rule:              RuleNone,
		AttemptsRemaining: user.MaxAttemptsPerWeek - attempts,
	}
}

// Window returns the effective contact window. A vendor override applies only
// when both bounds are set.
func Window(user *repo.AppUser, vendor *repo.Vendor) (string, string) {
	if vendor != nil && vendor.ContactWindowStart != nil && vendor.ContactWindowEnd != nil &&
		*vendor.ContactWindowStart != "" && *vendor.ContactWindowEnd != "" {
		return *vendor.ContactWindowStart, *vendor.ContactWindowEnd
	}
	return user.ContactWindowStart, user.ContactWindowEnd
}

// parseHour extracts the hour from an "HH:MM" string.
func parseHour(hhmm string) (int, error) {
	hourPart, _, _ := strings.Cut(strings.TrimSpace(hhmm), ":")
	hour, err := strconv.Atoi(hourPart)
	if err != nil {
		return 0, fmt.Errorf("parse hour %q: %w", hhmm, err)
	}
	if hour < 0 || hour > 24 {
		return 0, fmt.Errorf("hour out of range in %q", hhmm)
	}
	return hour, nil
}

func location(tz string) *time.Location {
	if tz == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.UTC
	}
	return loc
}
