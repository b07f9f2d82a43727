package schedule

import (
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/techops-services/keeperhub-sub010/engine/core"
)

// ErrNotFound is returned when a schedule does not exist.
var ErrNotFound = errors.New("schedule not found")

// minInterval is the smallest accepted interval expression. Anything tighter
// belongs on a cron schedule, and sub-minute polling multiplies trigger
// volume past what the pipeline is sized for.
const minInterval = time.Minute

// cronParser is the standard 5-field parser (minute hour dom month dow)
// with @daily-style descriptors. Precompiled once.
var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Kind selects how a schedule expression is interpreted.
type Kind string

const (
	KindCron     Kind = "cron"
	KindInterval Kind = "interval"
)

func (k Kind) IsValid() bool {
	return k == KindCron || k == KindInterval
}

// Schedule binds a recurrence expression to one workflow. Schedules are
// created and edited by the platform UI; this worker only reads and
// validates them.
type Schedule struct {
	ID         string    `json:"id"          db:"id"`
	WorkflowID string    `json:"workflow_id" db:"workflow_id"`
	Kind       Kind      `json:"kind"        db:"kind"`
	Expr       string    `json:"expr"        db:"expr"`
	Disabled   bool      `json:"disabled"    db:"disabled"`
	CreatedAt  time.Time `json:"created_at"  db:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"  db:"updated_at"`
}

// Validate checks the schedule's identity and that its expression parses
// for its kind. Interval expressions accept humanized durations ("1d12h",
// "90 minutes") and must be at least one minute.
func (s *Schedule) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("schedule id is required")
	}
	if s.WorkflowID == "" {
		return fmt.Errorf("schedule %s: workflow id is required", s.ID)
	}
	switch s.Kind {
	case KindCron:
		if _, err := cronParser.Parse(s.Expr); err != nil {
			return fmt.Errorf("schedule %s: invalid cron expression %q: %w", s.ID, s.Expr, err)
		}
	case KindInterval:
		interval, err := core.ParseHumanDuration(s.Expr)
		if err != nil {
			return fmt.Errorf("schedule %s: invalid interval expression %q: %w", s.ID, s.Expr, err)
		}
		if interval < minInterval {
			return fmt.Errorf("schedule %s: interval %q is below the %s minimum", s.ID, s.Expr, minInterval)
		}
	default:
		return fmt.Errorf("schedule %s: unknown kind %q", s.ID, s.Kind)
	}
	return nil
}

// NextAfter returns the first tick strictly after t. Interval schedules
// tick on a fixed grid anchored at CreatedAt; with no anchor recorded the
// interval is counted from t itself.
func (s *Schedule) NextAfter(t time.Time) (time.Time, error) {
	switch s.Kind {
	case KindCron:
		sched, err := cronParser.Parse(s.Expr)
		if err != nil {
			return time.Time{}, fmt.Errorf("schedule %s: invalid cron expression %q: %w", s.ID, s.Expr, err)
		}
		return sched.Next(t), nil
	case KindInterval:
		interval, err := core.ParseHumanDuration(s.Expr)
		if err != nil {
			return time.Time{}, fmt.Errorf("schedule %s: invalid interval expression %q: %w", s.ID, s.Expr, err)
		}
		anchor := s.CreatedAt
		if anchor.IsZero() {
			return t.Add(interval), nil
		}
		if !t.After(anchor) {
			return anchor.Add(interval), nil
		}
		steps := t.Sub(anchor)/interval + 1
		return anchor.Add(steps * interval), nil
	default:
		return time.Time{}, fmt.Errorf("schedule %s: unknown kind %q", s.ID, s.Kind)
	}
}
