package core

import (
	"encoding/json"
	"fmt"
	"reflect"
)

// -----------------------------------------------------------------------------
// Status
// -----------------------------------------------------------------------------

type StatusType string

const (
	StatusPending  StatusType = "PENDING"
	StatusRunning  StatusType = "RUNNING"
	StatusSuccess  StatusType = "SUCCESS"
	StatusFailed   StatusType = "FAILED"
	StatusCanceled StatusType = "CANCELED"
	StatusSkipped  StatusType = "SKIPPED"
)

func (s StatusType) String() string {
	return string(s)
}

// IsTerminal reports whether the status is final. Terminal statuses are
// never revisited.
func (s StatusType) IsTerminal() bool {
	switch s {
	case StatusSuccess, StatusFailed, StatusCanceled, StatusSkipped:
		return true
	default:
		return false
	}
}

// -----------------------------------------------------------------------------
// Trigger Type
// -----------------------------------------------------------------------------

type TriggerType string

const (
	TriggerSchedule TriggerType = "schedule"
	TriggerManual   TriggerType = "manual"
)

func (t TriggerType) String() string {
	return string(t)
}

// -----------------------------------------------------------------------------
// Input / Output
// -----------------------------------------------------------------------------

type Input map[string]any

type Output map[string]any

func (i Input) AsMap() map[string]any {
	return map[string]any(i)
}

func (o Output) AsMap() map[string]any {
	return map[string]any(o)
}

// -----------------------------------------------------------------------------
// JSONB helpers
// -----------------------------------------------------------------------------

// ToJSONB marshals v for storage in a JSONB column. Nil values marshal to
// SQL-friendly nil rather than the string "null".
func ToJSONB(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	// Typed nils ((*Error)(nil), Input(nil)) must also become SQL NULL.
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Ptr, reflect.Map, reflect.Slice:
		if rv.IsNil() {
			return nil, nil
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal value to JSONB: %w", err)
	}
	return data, nil
}

// FromJSONB unmarshals a JSONB column into dst. Empty input leaves dst
// untouched.
func FromJSONB(data []byte, dst any) error {
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("failed to unmarshal JSONB value: %w", err)
	}
	return nil
}
