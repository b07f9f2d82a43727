package trigger

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/techops-services/keeperhub-sub010/engine/core"
)

func strPtr(s string) *string {
	return &s
}

func TestParse(t *testing.T) {
	t.Run("Should parse a schedule trigger", func(t *testing.T) {
		body := []byte(`{
			"workflowId": "wf-order-sync",
			"scheduleId": "sched-1",
			"triggerTime": "2025-06-01T12:00:00Z",
			"triggerType": "schedule"
		}`)
		msg, err := Parse(body)
		require.NoError(t, err)
		assert.Equal(t, "wf-order-sync", msg.WorkflowID)
		require.NotNil(t, msg.ScheduleID)
		assert.Equal(t, "sched-1", *msg.ScheduleID)
		assert.Equal(t, time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC), msg.TriggerTime)
		assert.Equal(t, core.TriggerSchedule, msg.TriggerType)
	})

	t.Run("Should parse a manual trigger without a schedule", func(t *testing.T) {
		body := []byte(`{"workflowId":"wf-order-sync","triggerTime":"2025-06-01T12:00:00Z","triggerType":"manual"}`)
		msg, err := Parse(body)
		require.NoError(t, err)
		assert.Nil(t, msg.ScheduleID)
		assert.Equal(t, core.TriggerManual, msg.TriggerType)
	})

	t.Run("Should ignore unknown fields", func(t *testing.T) {
		body := []byte(`{
			"workflowId": "wf-order-sync",
			"scheduleId": "sched-1",
			"triggerTime": "2025-06-01T12:00:00Z",
			"triggerType": "schedule",
			"attempt": 4,
			"publisher": "scheduler-tick"
		}`)
		msg, err := Parse(body)
		require.NoError(t, err)
		assert.Equal(t, "wf-order-sync", msg.WorkflowID)
	})

	t.Run("Should accept an offset timestamp", func(t *testing.T) {
		body := []byte(`{"workflowId":"wf-order-sync","triggerTime":"2025-06-01T14:00:00+02:00","triggerType":"manual"}`)
		msg, err := Parse(body)
		require.NoError(t, err)
		assert.True(t, msg.TriggerTime.Equal(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)))
	})

	t.Run("Should reject a body that is not JSON", func(t *testing.T) {
		_, err := Parse([]byte(`not a trigger`))
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrMalformedMessage)
	})

	t.Run("Should reject a missing trigger time", func(t *testing.T) {
		_, err := Parse([]byte(`{"workflowId":"wf-order-sync","triggerType":"manual"}`))
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrMalformedMessage)
		assert.Contains(t, err.Error(), "triggerTime is required")
	})

	t.Run("Should reject a trigger time that is not RFC 3339", func(t *testing.T) {
		_, err := Parse([]byte(`{"workflowId":"wf-order-sync","triggerTime":"06/01/2025 12:00","triggerType":"manual"}`))
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrMalformedMessage)
		assert.Contains(t, err.Error(), "triggerTime")
	})
}

func TestMessageValidate(t *testing.T) {
	validTime := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	t.Run("Should accept a schedule trigger with a schedule", func(t *testing.T) {
		msg := &Message{
			WorkflowID:  "wf-order-sync",
			ScheduleID:  strPtr("sched-1"),
			TriggerTime: validTime,
			TriggerType: core.TriggerSchedule,
		}
		assert.NoError(t, msg.Validate())
	})

	t.Run("Should accept a manual trigger without a schedule", func(t *testing.T) {
		msg := &Message{
			WorkflowID:  "wf-order-sync",
			TriggerTime: validTime,
			TriggerType: core.TriggerManual,
		}
		assert.NoError(t, msg.Validate())
	})

	t.Run("Should require a schedule on schedule triggers", func(t *testing.T) {
		msg := &Message{WorkflowID: "wf-order-sync", TriggerTime: validTime, TriggerType: core.TriggerSchedule}
		err := msg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "scheduleId is required")

		msg.ScheduleID = strPtr("")
		assert.Error(t, msg.Validate())
	})

	t.Run("Should reject a schedule on manual triggers", func(t *testing.T) {
		msg := &Message{
			WorkflowID:  "wf-order-sync",
			ScheduleID:  strPtr("sched-1"),
			TriggerTime: validTime,
			TriggerType: core.TriggerManual,
		}
		err := msg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "must not be set")
	})

	t.Run("Should reject an unknown trigger type", func(t *testing.T) {
		msg := &Message{WorkflowID: "wf-order-sync", TriggerTime: validTime, TriggerType: "webhook"}
		err := msg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unknown triggerType")
	})

	t.Run("Should reject a zero trigger time", func(t *testing.T) {
		msg := &Message{WorkflowID: "wf-order-sync", TriggerType: core.TriggerManual}
		assert.Error(t, msg.Validate())
	})

	t.Run("Should validate the workflow ID format", func(t *testing.T) {
		cases := []struct {
			name       string
			workflowID string
			wantErr    string
		}{
			{"empty", "", "workflowId is required"},
			{"too short", "wf", "between 3 and 100"},
			{"repeated separators", "wf--order", "repeated separators"},
			{"leading separator", "-wf-order", "invalid format"},
			{"trailing separator", "wf-order_", "invalid format"},
			{"illegal characters", "wf order!", "invalid format"},
		}
		for _, tc := range cases {
			msg := &Message{WorkflowID: tc.workflowID, TriggerTime: validTime, TriggerType: core.TriggerManual}
			err := msg.Validate()
			require.Error(t, err, tc.name)
			assert.Contains(t, err.Error(), tc.wantErr, tc.name)
		}
	})

	t.Run("Should accept UUID workflow IDs", func(t *testing.T) {
		msg := &Message{
			WorkflowID:  "3f2c9a4e-8b1d-4f6a-9c3e-2d7b5a1e0f48",
			TriggerTime: validTime,
			TriggerType: core.TriggerManual,
		}
		assert.NoError(t, msg.Validate())
	})
}

func TestMessageEnvelope(t *testing.T) {
	t.Run("Should carry every trigger field", func(t *testing.T) {
		msg := &Message{
			WorkflowID:  "wf-order-sync",
			ScheduleID:  strPtr("sched-1"),
			TriggerTime: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
			TriggerType: core.TriggerSchedule,
		}
		assert.Equal(t, core.Input{
			"workflowId":  "wf-order-sync",
			"scheduleId":  "sched-1",
			"triggerTime": "2025-06-01T12:00:00Z",
			"triggerType": "schedule",
		}, msg.Envelope())
	})

	t.Run("Should omit the schedule for manual runs", func(t *testing.T) {
		msg := &Message{
			WorkflowID:  "wf-order-sync",
			TriggerTime: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
			TriggerType: core.TriggerManual,
		}
		envelope := msg.Envelope()
		_, ok := envelope["scheduleId"]
		assert.False(t, ok)
	})
}
