/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package model

import "time"

type EventKind string

const (
	EventCreated         EventKind = "created"
	EventSubmitRequested EventKind = "submit_requested"
	EventVendorAccepted  EventKind = "vendor_accepted"
	EventVendorCompleted EventKind = "vendor_completed"
	EventVendorFailed    EventKind = "vendor_failed"
	EventSubmitFailed    EventKind = "submit_failed"
	EventVendorTimedOut  EventKind = "vendor_timed_out"
	EventSlotAssigned    EventKind = "slot_assigned"
	EventOperatorRetry   EventKind = "operator_retry"
	EventOperatorCancel  EventKind = "operator_cancel"
)

// EventSource records which component produced an event.
type EventSource string

const (
	SourceWebhook    EventSource = "webhook"
	SourceReconciler EventSource = "reconciler"
	SourceWorker     EventSource = "worker"
	SourceScheduler  EventSource = "scheduler"
	SourceOperator   EventSource = "operator"
	SourceIntake     EventSource = "intake"
)

// Event is an input to the state machine. Only the fields relevant to Kind
// are read.
type Event struct {
	Kind         EventKind   `json:"kind"`
	Step         Step        `json:"step,omitempty"`
	ExternalID   string      `json:"external_id,omitempty"`
	ResultURL    string      `json:"result_url,omitempty"`
	Reason       string      `json:"reason,omitempty"`
	ErrorKind    ErrorKind   `json:"error_kind,omitempty"`
	ScheduledFor time.Time   `json:"scheduled_for,omitempty"`
	Source       EventSource `json:"source"`
}

type SideEffectKind string

const (
	EffectNone     SideEffectKind = ""
	EffectSubmit   SideEffectKind = "submit"
	EffectSchedule SideEffectKind = "schedule"
	EffectNotify   SideEffectKind = "notify"
)

// SideEffect is the work the orchestrator must start after a transition is
// persisted.
type SideEffect struct {
	Kind           SideEffectKind `json:"kind"`
	Step           Step           `json:"step,omitempty"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
	NotBefore      *time.Time     `json:"not_before,omitempty"`
	Notice         string         `json:"notice,omitempty"`
}

func (s SideEffect) IsNone() bool { return s.Kind == EffectNone }

// TransitionRecord is the audit row written alongside every persisted
// transition.
type TransitionRecord struct {
	WorkflowID string      `json:"workflow_id"`
	Brand      string      `json:"brand"`
	FromStage  Stage       `json:"from_stage"`
	ToStage    Stage       `json:"to_stage"`
	EventKind  EventKind   `json:"event_kind"`
	Step       Step        `json:"step,omitempty"`
	Source     EventSource `json:"source"`
	Rollback   bool        `json:"rollback"`
	Note       string      `json:"note,omitempty"`
	CreatedAt  time.Time   `json:"created_at"`
}

// Notice names used in lifecycle notifications.
const (
	NoticeCompleted  = "workflow.completed"
	NoticeFailed     = "workflow.failed"
	NoticeRolledBack = "workflow.rolled_back"
)
