package schedule

import (
	"context"
	"errors"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/lisadonlon/RegulatoryKB/internal/config"
	"github.com/lisadonlon/RegulatoryKB/internal/database"
	"github.com/lisadonlon/RegulatoryKB/internal/logging"
)

func openTestDB(t *testing.T) *database.DB {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

var testSchedule = config.Schedule{
	DailyTime:  "09:00",
	WeeklyDay:  "monday",
	WeeklyTime: "08:00",
	MonthlyDay: 1,
	Tick:       time.Minute,
}

func at(day, hour, minute int) time.Time {
	return time.Date(2026, 3, day, hour, minute, 0, 0, time.UTC)
}

func newTestScheduler(t *testing.T) *Scheduler {
	t.Helper()
	s, err := New(openTestDB(t), testSchedule, 30*time.Minute)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestSlot(t *testing.T) {
	s := newTestScheduler(t)
	tests := []struct {
		name    string
		cadence Cadence
		now     time.Time
		want    time.Time
	}{
		{"daily after time", Daily, at(10, 9, 30), at(10, 9, 0)},
		{"daily before time", Daily, at(10, 8, 59), at(9, 9, 0)},
		{"daily exactly at time", Daily, at(10, 9, 0), at(10, 9, 0)},
		{"weekly on the day", Weekly, at(9, 8, 0), at(9, 8, 0)},
		{"weekly later in week", Weekly, at(12, 7, 0), at(9, 8, 0)},
		{"weekly same day before time", Weekly, at(16, 7, 0), at(9, 8, 0)},
		{"monthly this month", Monthly, at(10, 12, 0), at(1, 8, 0)},
		{"monthly before time rolls back", Monthly, at(1, 7, 0), time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := s.Slot(tt.cadence, tt.now)
			if !ok || !got.Equal(tt.want) {
				t.Errorf("Slot(%s, %v) = %v, want %v", tt.cadence, tt.now, got, tt.want)
			}
		})
	}
	if _, ok := s.Slot(ReplyPoll, at(10, 0, 0)); ok {
		t.Error("reply_poll should have no fixed slot")
	}
}

func TestShouldRun(t *testing.T) {
	s := newTestScheduler(t)

	due, err := s.ShouldRun(Daily, at(10, 9, 30))
	if err != nil || !due {
		t.Fatalf("never-run cadence should be due: %v %v", due, err)
	}

	if err := s.MarkRun(Daily, at(10, 9, 30)); err != nil {
		t.Fatal(err)
	}
	if due, _ := s.ShouldRun(Daily, at(10, 18, 0)); due {
		t.Error("daily already ran today")
	}
	if due, _ := s.ShouldRun(Daily, at(11, 9, 0)); !due {
		t.Error("daily due at the next slot")
	}

	// A restart days later runs the missed cadence once.
	if due, _ := s.ShouldRun(Daily, at(14, 12, 0)); !due {
		t.Error("missed daily should be due")
	}
	s.MarkRun(Daily, at(14, 12, 0))
	if due, _ := s.ShouldRun(Daily, at(14, 12, 1)); due {
		t.Error("missed slots must not run twice")
	}
}

func TestShouldRunReplyPoll(t *testing.T) {
	s := newTestScheduler(t)
	s.MarkRun(ReplyPoll, at(10, 9, 0))

	if due, _ := s.ShouldRun(ReplyPoll, at(10, 9, 29)); due {
		t.Error("poll not due before the interval")
	}
	if due, _ := s.ShouldRun(ReplyPoll, at(10, 9, 30)); !due {
		t.Error("poll due after the interval")
	}
}

func TestNewRejectsBadSettings(t *testing.T) {
	bad := testSchedule
	bad.WeeklyDay = "someday"
	if _, err := New(openTestDB(t), bad, time.Minute); err == nil {
		t.Error("expected weekday error")
	}
	bad = testSchedule
	bad.DailyTime = "25:00"
	if _, err := New(openTestDB(t), bad, time.Minute); err == nil {
		t.Error("expected time error")
	}
}

func TestStatus(t *testing.T) {
	s := newTestScheduler(t)
	s.MarkRun(Weekly, at(9, 8, 5))

	got, err := s.Status(at(10, 10, 0))
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 4 || got[0].Cadence != Monthly || got[3].Cadence != ReplyPoll {
		t.Fatalf("unexpected order: %+v", got)
	}
	weekly := got[1]
	if weekly.Due || weekly.LastRun == nil || !weekly.Next.Equal(at(16, 8, 0)) {
		t.Errorf("weekly = %+v", weekly)
	}
	if !got[0].Due || !got[2].Due {
		t.Error("never-run cadences should be due")
	}
}

func TestRunDue(t *testing.T) {
	s := newTestScheduler(t)
	r := NewRunner(s, filepath.Join(t.TempDir(), "scheduler.lock"), time.Minute, logging.NewNop())
	r.now = func() time.Time { return at(10, 9, 30) }

	var order []Cadence
	bind := func(c Cadence, err error) {
		r.Bind(c, func(context.Context) error {
			order = append(order, c)
			return err
		})
	}
	bind(Daily, nil)
	bind(Weekly, errors.New("smtp down"))
	bind(Monthly, nil)
	bind(ReplyPoll, nil)

	ran, err := r.RunDue(context.Background())
	if err == nil {
		t.Error("expected weekly failure to be reported")
	}
	if want := []Cadence{Monthly, Weekly, Daily, ReplyPoll}; !reflect.DeepEqual(order, want) {
		t.Errorf("order = %v, want %v", order, want)
	}
	if want := []Cadence{Monthly, Daily, ReplyPoll}; !reflect.DeepEqual(ran, want) {
		t.Errorf("ran = %v, want %v", ran, want)
	}

	order = nil
	r.now = func() time.Time { return at(10, 9, 40) }
	ran, _ = r.RunDue(context.Background())
	if !reflect.DeepEqual(ran, []Cadence(nil)) || !reflect.DeepEqual(order, []Cadence{Weekly}) {
		t.Errorf("second tick ran %v (attempted %v), want only a weekly retry", ran, order)
	}
}

func TestRunSingleInstance(t *testing.T) {
	s := newTestScheduler(t)
	lock := filepath.Join(t.TempDir(), "scheduler.lock")

	first := NewRunner(s, lock, time.Hour, logging.NewNop())
	started := make(chan struct{})
	first.Bind(ReplyPoll, func(context.Context) error {
		close(started)
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- first.Run(ctx) }()
	<-started

	second := NewRunner(s, lock, time.Hour, logging.NewNop())
	if err := second.Run(context.Background()); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("expected ErrAlreadyRunning, got %v", err)
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run returned %v", err)
	}
}
