package jobs

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskTypeSendEmail is the task type for sending member emails.
	TaskTypeSendEmail = "mail:send"
	// TaskTypePenaltySweep applies product credit penalties across all members.
	TaskTypePenaltySweep = "credit:penalty_sweep"
	// TaskTypeInterestSweep accrues interest across all members.
	TaskTypeInterestSweep = "credit:interest_sweep"
	// TaskTypeLateFeeSweep processes member-level late fees.
	TaskTypeLateFeeSweep = "credit:late_fee_sweep"
)

// SendEmailPayload describes the information required to send an email.
type SendEmailPayload struct {
	From    string `json:"from,omitempty"`
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// NewSendEmailTask constructs an Asynq task.
func NewSendEmailTask(payload SendEmailPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeSendEmail, data), nil
}

// HandleSendEmailTask processes TaskTypeSendEmail tasks.
func HandleSendEmailTask(ctx context.Context, t *asynq.Task) error {
	var payload SendEmailPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	// Placeholder: SMTP delivery is wired per deployment.
	fmt.Printf("[jobs] send email to %s subject=%s\n", payload.To, payload.Subject)
	return nil
}

// SweepPayload parameterises a ledger sweep. AsOf is RFC3339 or empty for now;
// ReminderDays controls the due-soon reminder window for the penalty sweep.
type SweepPayload struct {
	AsOf         string `json:"as_of,omitempty"`
	ReminderDays int    `json:"reminder_days,omitempty"`
}

// NewPenaltySweepTask constructs the product penalty sweep task.
func NewPenaltySweepTask(payload SweepPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypePenaltySweep, data), nil
}

// NewInterestSweepTask constructs the interest accrual sweep task.
func NewInterestSweepTask(payload SweepPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeInterestSweep, data), nil
}

// NewLateFeeSweepTask constructs the late fee sweep task.
func NewLateFeeSweepTask(payload SweepPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeLateFeeSweep, data), nil
}
