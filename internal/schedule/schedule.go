// Package schedule decides when each cadence is due and runs the bound
// jobs from a single-instance daemon loop.
package schedule

import (
	"fmt"
	"time"

	"github.com/lisadonlon/RegulatoryKB/internal/config"
	"github.com/lisadonlon/RegulatoryKB/internal/database"
)

// Cadence names a recurring job. The value is its scheduler_runs key.
type Cadence string

const (
	Daily     Cadence = "daily"
	Weekly    Cadence = "weekly"
	Monthly   Cadence = "monthly"
	ReplyPoll Cadence = "reply_poll"
)

// Order is the sequence due cadences run in within one tick.
var Order = []Cadence{Monthly, Weekly, Daily, ReplyPoll}

type clock struct{ hour, minute int }

func (c clock) on(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), c.hour, c.minute, 0, 0, t.Location())
}

// Scheduler answers "is this cadence due" from durable last-run times.
// Slots are computed in the location of the time passed in.
type Scheduler struct {
	db           *database.DB
	daily        clock
	weekly       clock
	weekday      time.Weekday
	monthDay     int
	pollInterval time.Duration
}

// New validates the schedule settings. pollInterval paces reply_poll.
func New(db *database.DB, cfg config.Schedule, pollInterval time.Duration) (*Scheduler, error) {
	s := &Scheduler{db: db, monthDay: cfg.MonthlyDay, pollInterval: pollInterval}
	var err error
	if s.daily.hour, s.daily.minute, err = config.ParseClock(cfg.DailyTime); err != nil {
		return nil, fmt.Errorf("daily_time: %w", err)
	}
	if s.weekly.hour, s.weekly.minute, err = config.ParseClock(cfg.WeeklyTime); err != nil {
		return nil, fmt.Errorf("weekly_time: %w", err)
	}
	if s.weekday, err = config.ParseWeekday(cfg.WeeklyDay); err != nil {
		return nil, fmt.Errorf("weekly_day: %w", err)
	}
	if s.monthDay < 1 || s.monthDay > 28 {
		return nil, fmt.Errorf("monthly_day must be 1-28, got %d", s.monthDay)
	}
	if s.pollInterval <= 0 {
		s.pollInterval = 30 * time.Minute
	}
	return s, nil
}

// Slot returns the most recent scheduled time at or before now. reply_poll
// has no fixed slots and reports false.
func (s *Scheduler) Slot(c Cadence, now time.Time) (time.Time, bool) {
	switch c {
	case Daily:
		slot := s.daily.on(now)
		if slot.After(now) {
			slot = s.daily.on(now.AddDate(0, 0, -1))
		}
		return slot, true
	case Weekly:
		back := (int(now.Weekday()) - int(s.weekday) + 7) % 7
		slot := s.weekly.on(now.AddDate(0, 0, -back))
		if slot.After(now) {
			slot = slot.AddDate(0, 0, -7)
		}
		return slot, true
	case Monthly:
		slot := s.weekly.on(time.Date(now.Year(), now.Month(), s.monthDay, 0, 0, 0, 0, now.Location()))
		if slot.After(now) {
			slot = slot.AddDate(0, -1, 0)
		}
		return slot, true
	}
	return time.Time{}, false
}

// Next returns when c is next due after now, given its last run.
func (s *Scheduler) Next(c Cadence, last *time.Time, now time.Time) time.Time {
	switch c {
	case Daily:
		slot, _ := s.Slot(c, now)
		return slot.AddDate(0, 0, 1)
	case Weekly:
		slot, _ := s.Slot(c, now)
		return slot.AddDate(0, 0, 7)
	case Monthly:
		slot, _ := s.Slot(c, now)
		return slot.AddDate(0, 1, 0)
	}
	if last == nil {
		return now
	}
	return last.Add(s.pollInterval)
}

// ShouldRun reports whether c never ran or last ran before its latest slot.
// A cadence whose slots were missed while the process was down is due
// exactly once.
func (s *Scheduler) ShouldRun(c Cadence, now time.Time) (bool, error) {
	last, err := s.db.GetLastRun(string(c))
	if err != nil {
		return false, fmt.Errorf("reading last %s run: %w", c, err)
	}
	return s.due(c, last, now), nil
}

func (s *Scheduler) due(c Cadence, last *time.Time, now time.Time) bool {
	if last == nil {
		return true
	}
	if slot, ok := s.Slot(c, now); ok {
		return last.Before(slot)
	}
	return !now.Before(last.Add(s.pollInterval))
}

// MarkRun records a completed run of c.
func (s *Scheduler) MarkRun(c Cadence, at time.Time) error {
	return s.db.SetLastRun(string(c), at)
}

// CadenceStatus describes one cadence for display.
type CadenceStatus struct {
	Cadence Cadence
	LastRun *time.Time
	Due     bool
	Next    time.Time
}

// Status reports every cadence in run order.
func (s *Scheduler) Status(now time.Time) ([]CadenceStatus, error) {
	runs, err := s.db.ListLastRuns()
	if err != nil {
		return nil, err
	}
	out := make([]CadenceStatus, 0, len(Order))
	for _, c := range Order {
		st := CadenceStatus{Cadence: c}
		if t, ok := runs[string(c)]; ok {
			t = t.In(now.Location())
			st.LastRun = &t
		}
		st.Due = s.due(c, st.LastRun, now)
		st.Next = s.Next(c, st.LastRun, now)
		out = append(out, st)
	}
	return out, nil
}
