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

package reelflow

import (
	"fmt"
	"time"

	"github.com/reelflow/reelflow/model"
)

// Outcome says what Advance did with an event.
type Outcome string

const (
	// OutcomeApplied means the item changed or an effect must be issued.
	OutcomeApplied Outcome = "applied"
	// OutcomeReplayed means the event describes something already recorded.
	OutcomeReplayed Outcome = "replayed"
	// OutcomeIgnored means the event does not apply to the item's stage.
	OutcomeIgnored Outcome = "ignored"
)

const DefaultRetryBudget = 3

// Policy carries the per-step retry budgets of a brand.
type Policy struct {
	RetryBudgets map[model.Step]int
}

func (p Policy) RetryBudget(step model.Step) int {
	if b, ok := p.RetryBudgets[step]; ok {
		return b
	}
	return DefaultRetryBudget
}

// Transition is the result of applying one event to one item. Item is always
// a copy; the input item is never modified.
type Transition struct {
	Item     *model.WorkflowItem
	Effect   model.SideEffect
	Outcome  Outcome
	Changed  bool
	Rollback bool
	Note     string
}

// Advance computes the next state of item for event ev. It performs no I/O
// and is the only place stage changes are decided.
func Advance(item *model.WorkflowItem, ev model.Event, policy Policy, now time.Time) (Transition, error) {
	if item == nil {
		return Transition{}, fmt.Errorf("%w: nil item", ErrInvalidEvent)
	}
	now = now.UTC()
	t := Transition{Item: item.Clone(), Outcome: OutcomeIgnored}

	if item.Stage.IsTerminal() && !(item.Stage == model.StageFailed && ev.Kind == model.EventOperatorRetry) {
		t.Note = fmt.Sprintf("item is %s", item.Stage)
		return t, nil
	}

	switch ev.Kind {
	case model.EventSubmitRequested, model.EventVendorAccepted, model.EventVendorCompleted,
		model.EventVendorFailed, model.EventSubmitFailed, model.EventVendorTimedOut:
		if !ev.Step.Valid() {
			return t, fmt.Errorf("%w: %s needs a valid step, got %q", ErrInvalidEvent, ev.Kind, ev.Step)
		}
	}

	var err error
	switch ev.Kind {
	case model.EventSubmitRequested:
		submitRequested(&t, item, ev, now)
	case model.EventVendorAccepted:
		err = vendorAccepted(&t, item, ev, now)
	case model.EventVendorCompleted:
		err = vendorCompleted(&t, item, ev, now)
	case model.EventVendorFailed:
		err = vendorFailed(&t, item, ev, policy, now)
	case model.EventSubmitFailed:
		submitFailed(&t, item, ev, policy, now)
	case model.EventVendorTimedOut:
		vendorTimedOut(&t, item, ev, policy, now)
	case model.EventSlotAssigned:
		err = slotAssigned(&t, item, ev, now)
	case model.EventOperatorRetry:
		err = operatorRetry(&t, item, ev, now)
	case model.EventOperatorCancel:
		operatorCancel(&t, item, ev, now)
	default:
		return t, fmt.Errorf("%w: unknown kind %q", ErrInvalidEvent, ev.Kind)
	}
	if err != nil {
		return t, err
	}
	if t.Changed {
		t.Item.UpdatedAt = now
	}
	return t, nil
}

// PendingEffect returns the effect an item resting in stage is waiting on:
// the next submission, a slot assignment, or the release of a due post.
func PendingEffect(item *model.WorkflowItem, now time.Time) (model.SideEffect, bool) {
	switch item.Stage {
	case model.StageStorageDone:
		if item.ScheduledFor != nil {
			return model.SideEffect{}, false
		}
		return model.SideEffect{Kind: model.EffectSchedule, Step: model.StepPosting}, true
	case model.StageReadyToPost:
		if item.ScheduledFor == nil || now.Before(*item.ScheduledFor) || item.ExternalRef(model.StepPosting) != "" {
			return model.SideEffect{}, false
		}
		return submitEffect(item, model.StepPosting), true
	}
	step, ok := model.PendingStep(item.Stage)
	if !ok || item.ExternalRef(step) != "" {
		return model.SideEffect{}, false
	}
	return submitEffect(item, step), true
}

func submitEffect(item *model.WorkflowItem, step model.Step) model.SideEffect {
	e := model.SideEffect{Kind: model.EffectSubmit, Step: step, IdempotencyKey: item.SubmitKey(step)}
	if step == model.StepPosting && item.ScheduledFor != nil {
		at := *item.ScheduledFor
		e.NotBefore = &at
	}
	return e
}

func notifyEffect(notice string) model.SideEffect {
	return model.SideEffect{Kind: model.EffectNotify, Notice: notice}
}

func submitRequested(t *Transition, item *model.WorkflowItem, ev model.Event, now time.Time) {
	step := ev.Step
	if item.Stage != step.PreStage() || item.ExternalRef(step) != "" {
		t.Note = fmt.Sprintf("%s cannot be submitted from %s", step, item.Stage)
		return
	}
	if step == model.StepPosting {
		if item.ScheduledFor == nil {
			t.Note = "no posting slot assigned"
			return
		}
		if now.Before(*item.ScheduledFor) {
			t.Note = fmt.Sprintf("posting slot %s not reached", item.ScheduledFor.Format(time.RFC3339))
			return
		}
	}
	t.Outcome = OutcomeApplied
	t.Effect = submitEffect(item, step)
}

func vendorAccepted(t *Transition, item *model.WorkflowItem, ev model.Event, now time.Time) error {
	step := ev.Step
	if ev.ExternalID == "" {
		return fmt.Errorf("%w: vendor_accepted without external id", ErrInvalidEvent)
	}
	if current := item.ExternalRef(step); current != "" {
		if current == ev.ExternalID && item.Stage.Index() >= step.SubmittedStage().Index() {
			t.Outcome = OutcomeReplayed
			return nil
		}
		return fmt.Errorf("%w: %s holds %s, got %s", ErrAlreadySubmitted, step, current, ev.ExternalID)
	}
	if item.Stage != step.PreStage() {
		t.Note = fmt.Sprintf("%s not expected at %s", ev.Kind, item.Stage)
		return nil
	}

	next := t.Item
	next.Stage = step.SubmittedStage()
	next.ExternalRefs[step] = ev.ExternalID
	t.Outcome, t.Changed = OutcomeApplied, true
	return nil
}

func checkCorrelation(item *model.WorkflowItem, step model.Step, externalID string) error {
	stored := item.ExternalRef(step)
	if item.Stage != step.SubmittedStage() || stored == "" || stored != externalID {
		return fmt.Errorf("%w: %s at %s holds %q, event carries %q", ErrCorrelation, step, item.Stage, stored, externalID)
	}
	return nil
}

func vendorCompleted(t *Transition, item *model.WorkflowItem, ev model.Event, now time.Time) error {
	step := ev.Step
	if item.Stage.Index() >= step.DoneStage().Index() {
		t.Outcome = OutcomeReplayed
		return nil
	}
	if err := checkCorrelation(item, step, ev.ExternalID); err != nil {
		return err
	}
	if ev.ResultURL == "" && step != model.StepPosting {
		return fmt.Errorf("%w: %s completed without a result url", ErrInvalidEvent, step)
	}

	next := t.Item
	next.Stage = step.DoneStage()
	next.PayloadURLs[step] = ev.ResultURL
	// the retry budget is per step
	next.RetryCount = 0
	t.Outcome, t.Changed = OutcomeApplied, true

	switch step {
	case model.StepSynthesis, model.StepCaption:
		t.Effect = submitEffect(next, step.Next())
	case model.StepStorage:
		t.Effect = model.SideEffect{Kind: model.EffectSchedule, Step: model.StepPosting}
	case model.StepPosting:
		t.Effect = notifyEffect(model.NoticeCompleted)
	}
	return nil
}

func vendorFailed(t *Transition, item *model.WorkflowItem, ev model.Event, policy Policy, now time.Time) error {
	step := ev.Step
	if item.Stage.Index() >= step.DoneStage().Index() {
		t.Outcome = OutcomeReplayed
		return nil
	}
	if err := checkCorrelation(item, step, ev.ExternalID); err != nil {
		return err
	}
	if ev.ErrorKind == model.ErrorPermanent {
		fail(t, step, model.ErrorPermanent, ev.Reason, now)
		return nil
	}
	retryOrFail(t, step, model.ErrorTransient, ev.Reason, policy, now)
	return nil
}

// submitFailed handles a submit call that never produced a vendor id. A
// transient failure is retried by redelivering the same task with the same
// key, so the stage does not move.
func submitFailed(t *Transition, item *model.WorkflowItem, ev model.Event, policy Policy, now time.Time) {
	step := ev.Step
	if item.Stage != step.PreStage() || item.ExternalRef(step) != "" {
		t.Note = fmt.Sprintf("submit failure for %s is stale at %s", step, item.Stage)
		return
	}
	if ev.ErrorKind == model.ErrorPermanent {
		fail(t, step, model.ErrorPermanent, ev.Reason, now)
		return
	}

	budget := policy.RetryBudget(step)
	next := t.Item
	if next.RetryCount >= budget {
		fail(t, step, model.ErrorTransient, ev.Reason, now)
		return
	}
	next.RetryCount++
	next.LastRetryAt = &now
	t.Outcome, t.Changed = OutcomeApplied, true
	t.Note = fmt.Sprintf("%s submit retry %d of %d: %s", step, next.RetryCount, budget, ev.Reason)
}

func vendorTimedOut(t *Transition, item *model.WorkflowItem, ev model.Event, policy Policy, now time.Time) {
	step := ev.Step
	if item.Stage.Index() >= step.DoneStage().Index() {
		t.Outcome = OutcomeReplayed
		return
	}
	if checkCorrelation(item, step, ev.ExternalID) != nil {
		t.Note = "timeout no longer matches the stored ref"
		return
	}
	reason := ev.Reason
	if reason == "" {
		reason = fmt.Sprintf("no result for %s ref %s", step, ev.ExternalID)
	}
	retryOrFail(t, step, model.ErrorStageTimeout, reason, policy, now)
}

// retryOrFail rolls a submitted step back to its pre stage for a fresh
// submission while the budget allows, and fails the item otherwise.
func retryOrFail(t *Transition, step model.Step, kind model.ErrorKind, reason string, policy Policy, now time.Time) {
	budget := policy.RetryBudget(step)
	next := t.Item
	if next.RetryCount >= budget {
		fail(t, step, kind, fmt.Sprintf("retry budget of %d exhausted: %s", budget, reason), now)
		return
	}

	abandoned := next.ExternalRef(step)
	next.RetryCount++
	next.LastRetryAt = &now
	next.Generation++
	next.Stage = step.PreStage()
	delete(next.ExternalRefs, step)

	t.Outcome, t.Changed, t.Rollback = OutcomeApplied, true, true
	t.Note = fmt.Sprintf("%s retry %d of %d, abandoned %s: %s", step, next.RetryCount, budget, abandoned, reason)
	t.Effect = submitEffect(next, step)
}

func fail(t *Transition, step model.Step, kind model.ErrorKind, reason string, now time.Time) {
	next := t.Item
	next.Stage = model.StageFailed
	next.Error = &model.WorkflowError{Kind: kind, Message: reason, Step: step, At: now}
	// a slot that has not come up yet goes back to the cadence
	if next.ScheduledFor != nil && next.ScheduledFor.After(now) {
		next.ScheduledFor = nil
	}
	t.Outcome, t.Changed = OutcomeApplied, true
	t.Note = fmt.Sprintf("%s failed (%s): %s", step, kind, reason)
	t.Effect = notifyEffect(model.NoticeFailed)
}

func slotAssigned(t *Transition, item *model.WorkflowItem, ev model.Event, now time.Time) error {
	if item.ScheduledFor != nil {
		t.Outcome = OutcomeReplayed
		return nil
	}
	if item.Stage != model.StageStorageDone {
		t.Note = fmt.Sprintf("slot not expected at %s", item.Stage)
		return nil
	}
	if ev.ScheduledFor.IsZero() {
		return fmt.Errorf("%w: slot_assigned without a time", ErrInvalidEvent)
	}

	at := ev.ScheduledFor.UTC()
	next := t.Item
	next.Stage = model.StageReadyToPost
	next.ScheduledFor = &at
	t.Outcome, t.Changed = OutcomeApplied, true
	t.Effect = submitEffect(next, model.StepPosting)
	return nil
}

// firstPendingStep is the earliest step without a recorded result.
func firstPendingStep(item *model.WorkflowItem) model.Step {
	for _, step := range model.Steps {
		if _, ok := item.PayloadURLs[step]; !ok {
			return step
		}
	}
	return ""
}

func operatorRetry(t *Transition, item *model.WorkflowItem, ev model.Event, now time.Time) error {
	if item.Stage != model.StageFailed {
		return fmt.Errorf("%w: item is %s", ErrNotRetryable, item.Stage)
	}
	step := firstPendingStep(item)
	if step == "" {
		return fmt.Errorf("%w: every step has completed", ErrNotRetryable)
	}
	if ev.Step != "" && ev.Step != step {
		return fmt.Errorf("%w: %s cannot be retried, %s is the first incomplete step", ErrNotRetryable, ev.Step, step)
	}

	next := t.Item
	next.Error = nil
	next.RetryCount = 0
	next.Generation++
	next.LastRetryAt = &now
	delete(next.ExternalRefs, step)
	t.Outcome, t.Changed, t.Rollback = OutcomeApplied, true, true

	if step == model.StepPosting && next.ScheduledFor == nil {
		next.Stage = model.StageStorageDone
		t.Effect = model.SideEffect{Kind: model.EffectSchedule, Step: model.StepPosting}
	} else {
		next.Stage = step.PreStage()
		t.Effect = submitEffect(next, step)
	}
	t.Note = fmt.Sprintf("operator retry resumes at %s", step)
	return nil
}

func operatorCancel(t *Transition, item *model.WorkflowItem, ev model.Event, now time.Time) {
	step, ok := model.StepForSubmitted(item.Stage)
	if !ok {
		step = firstPendingStep(item)
	}
	reason := ev.Reason
	if reason == "" {
		reason = "cancelled by operator"
	}
	fail(t, step, model.ErrorCancelled, reason, now)
}
