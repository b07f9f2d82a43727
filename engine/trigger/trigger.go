package trigger

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/techops-services/keeperhub-sub010/engine/core"
)

// ErrMalformedMessage is returned by Parse for bodies that cannot be decoded
// into a Message. Callers acknowledge such messages immediately; redelivering
// them can never succeed.
var ErrMalformedMessage = errors.New("malformed trigger message")

// workflowIDPattern matches valid workflow ID formats:
// - UUIDs (with or without hyphens)
// - Alphanumeric with hyphens and underscores
var workflowIDPattern = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9_-]*[a-zA-Z0-9])?$`)

// Message is the wire envelope dropped on the trigger queue by the
// platform's scheduler tick (and by manual-run requests). The
// (workflowId, scheduleId, triggerTime) tuple is the idempotency key.
type Message struct {
	WorkflowID  string           `json:"workflowId"`
	ScheduleID  *string          `json:"scheduleId,omitempty"`
	TriggerTime time.Time        `json:"triggerTime"`
	TriggerType core.TriggerType `json:"triggerType"`
}

// wireMessage keeps triggerTime raw so parse failures name the field instead
// of leaking encoding/json internals. Unknown fields are ignored.
type wireMessage struct {
	WorkflowID  string  `json:"workflowId"`
	ScheduleID  *string `json:"scheduleId"`
	TriggerTime string  `json:"triggerTime"`
	TriggerType string  `json:"triggerType"`
}

// Parse decodes a queue body into a Message. It checks shape only; Validate
// covers the per-type field rules.
func Parse(data []byte) (*Message, error) {
	var raw wireMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if raw.TriggerTime == "" {
		return nil, fmt.Errorf("%w: triggerTime is required", ErrMalformedMessage)
	}
	triggerTime, err := time.Parse(time.RFC3339, raw.TriggerTime)
	if err != nil {
		return nil, fmt.Errorf("%w: triggerTime %q is not RFC 3339", ErrMalformedMessage, raw.TriggerTime)
	}
	return &Message{
		WorkflowID:  raw.WorkflowID,
		ScheduleID:  raw.ScheduleID,
		TriggerTime: triggerTime,
		TriggerType: core.TriggerType(raw.TriggerType),
	}, nil
}

// Validate enforces the per-type field rules: schedule triggers name the
// schedule that fired, manual triggers must not carry one.
func (m *Message) Validate() error {
	if err := validateWorkflowID(m.WorkflowID); err != nil {
		return err
	}
	if m.TriggerTime.IsZero() {
		return fmt.Errorf("triggerTime is required")
	}
	switch m.TriggerType {
	case core.TriggerSchedule:
		if m.ScheduleID == nil || *m.ScheduleID == "" {
			return fmt.Errorf("scheduleId is required for schedule triggers")
		}
	case core.TriggerManual:
		if m.ScheduleID != nil {
			return fmt.Errorf("scheduleId must not be set for manual triggers")
		}
	default:
		return fmt.Errorf("unknown triggerType %q", m.TriggerType)
	}
	return nil
}

// Envelope returns the trigger fields as the execution input. The runner
// also records it as every trigger node's output so that
// {{@<trigger-node>:...}} references resolve.
func (m *Message) Envelope() core.Input {
	envelope := core.Input{
		"workflowId":  m.WorkflowID,
		"triggerTime": m.TriggerTime.Format(time.RFC3339),
		"triggerType": string(m.TriggerType),
	}
	if m.ScheduleID != nil {
		envelope["scheduleId"] = *m.ScheduleID
	}
	return envelope
}

func validateWorkflowID(id string) error {
	if id == "" {
		return fmt.Errorf("workflowId is required")
	}
	if len(id) < 3 || len(id) > 100 {
		return fmt.Errorf("workflowId %q must be between 3 and 100 characters", id)
	}
	if strings.Contains(id, "--") || strings.Contains(id, "__") {
		return fmt.Errorf("workflowId %q must not contain repeated separators", id)
	}
	if !workflowIDPattern.MatchString(id) {
		return fmt.Errorf("workflowId %q has an invalid format", id)
	}
	return nil
}
