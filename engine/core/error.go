package core

import (
	"encoding/json"
	"fmt"
)

// Error is the structured form persisted on failed executions and step
// results. It carries enough detail to reconstruct the failure (which
// error class, which component) without re-running.
type Error struct {
	Message string         `json:"message"           db:"message"`
	Code    string         `json:"code,omitempty"    db:"code"`
	Details map[string]any `json:"details,omitempty" db:"details"`
}

// NewError builds a structured error from err, classified by code.
// Details may be nil.
func NewError(err error, code string, details map[string]any) *Error {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return &Error{
		Message: msg,
		Code:    code,
		Details: details,
	}
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return e.Message
}

// AsMap returns the error as a plain map, the shape exposed to template
// resolution and API payloads.
func (e *Error) AsMap() map[string]any {
	if e == nil {
		return nil
	}
	out := map[string]any{"message": e.Message}
	if e.Code != "" {
		out["code"] = e.Code
	}
	if len(e.Details) > 0 {
		out["details"] = e.Details
	}
	return out
}

func (e *Error) String() string {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Sprintf("Error{Message: %s, Code: %s}", e.Message, e.Code)
	}
	return string(data)
}
