package cron

import (
	"fmt"
	"strings"
	"time"

	"github.com/adhocore/gronx"
)

// RebootSchedule fires once when the scheduler starts. gronx does not
// match it, so the service special-cases it.
const RebootSchedule = "@reboot"

// maxLookahead caps next-occurrence computation so a pathological
// expression cannot spin forever.
const maxLookahead = 4 * 365 * 24 * time.Hour

// ValidateSchedule rejects malformed expressions at job-creation time.
func ValidateSchedule(expr string) error {
	expr = strings.TrimSpace(expr)
	if expr == RebootSchedule {
		return nil
	}
	if !gronx.New().IsValid(expr) {
		return fmt.Errorf("invalid cron expression: %q", expr)
	}
	return nil
}

// NextRun computes the first occurrence strictly after from. @reboot
// never recurs, reported as the zero time.
func NextRun(expr string, from time.Time) (time.Time, error) {
	expr = strings.TrimSpace(expr)
	if expr == RebootSchedule {
		return time.Time{}, nil
	}

	next, err := gronx.NextTickAfter(expr, from, false)
	if err != nil {
		return time.Time{}, fmt.Errorf("next run for %q: %w", expr, err)
	}
	if next.Sub(from) > maxLookahead {
		return time.Time{}, fmt.Errorf("next run for %q is more than 4 years out", expr)
	}
	return next, nil
}
