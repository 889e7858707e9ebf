// Package scheduler runs the weekly attempt-counter reset in process.
package scheduler

import (
	"context"
	"log/slog"
	"time"
)

// Resetter zeroes every vendor's weekly attempt counter.
type Resetter interface {
	ResetWeeklyAttempts(ctx context.Context) (int64, error)
}

// NextBoundary returns the first instant strictly after now that falls on weekday at
// hour:00 UTC.
func NextBoundary(now time.Time, weekday time.Weekday, hour int) time.Time {
	now = now.UTC()
	y, m, d := now.Date()
	next := time.Date(y, m, d, hour, 0, 0, 0, time.UTC)
	days := (int(weekday) - int(now.Weekday()) + 7) % 7
	next = next.AddDate(0, 0, days)
	if !next.After(now) {
		next = next.AddDate(0, 0, 7)
	}
	return next
}

// Weekly fires a reset at a fixed weekday and hour.
type Weekly struct {
	resetter Resetter
	weekday  time.Weekday
	hour     int
	logger   *slog.Logger
	now      func() time.Time
}

// NewWeekly builds a weekly reset schedule.
func NewWeekly(resetter Resetter, weekday time.Weekday, hour int, logger *slog.Logger) *Weekly {
	return &Weekly{
		resetter: resetter,
		weekday:  weekday,
		hour:     hour,
		logger:   logger.With("component", "scheduler"),
		now:      time.Now,
	}
}

// Run blocks until ctx is cancelled, resetting counters at every boundary.
func (w *Weekly) Run(ctx context.Context) {
	for {
		next := NextBoundary(w.now(), w.weekday, w.hour)
		w.logger.Info("next weekly attempt reset scheduled", "at", next)

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		w.fire(ctx)
	}
}

func (w *Weekly) fire(ctx context.Context) {
	n, err := w.resetter.ResetWeeklyAttempts(ctx)
	if err != nil {
		w.logger.Error("weekly attempt reset failed", "error", err)
		return
	}
	w.logger.Info("weekly attempt counters reset", "vendors", n)
}
