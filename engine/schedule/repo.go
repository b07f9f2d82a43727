package schedule

import "context"

// Repository provides read access to schedule records.
type Repository interface {
	// GetSchedule returns the schedule with the given id.
	// Returns ErrNotFound when no such schedule exists.
	GetSchedule(ctx context.Context, id string) (*Schedule, error)
}
