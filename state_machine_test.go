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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reelflow/reelflow/model"
)

var smNow = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

func testItem(stage model.Stage) *model.WorkflowItem {
	item := model.NewWorkflowItem("acme", model.Content{
		Type:     model.ContentArticle,
		SourceID: "post-1",
		Title:    "Weekly roundup",
		Script:   "Here is what happened this week.",
	}, smNow.Add(-time.Hour))
	item.WorkflowID = "wf_1"
	item.Stage = stage
	return item
}

// apply runs Advance and folds the result back so scenarios read as a
// sequence of events.
func apply(t *testing.T, item *model.WorkflowItem, ev model.Event, policy Policy) (*model.WorkflowItem, Transition) {
	t.Helper()
	tr, err := Advance(item, ev, policy, smNow)
	require.NoError(t, err)
	return tr.Item, tr
}

func completed(step model.Step, id, url string) model.Event {
	return model.Event{Kind: model.EventVendorCompleted, Step: step, ExternalID: id, ResultURL: url, Source: model.SourceWebhook}
}

func accepted(step model.Step, id string) model.Event {
	return model.Event{Kind: model.EventVendorAccepted, Step: step, ExternalID: id, Source: model.SourceWorker}
}

func TestAdvanceHappyPath(t *testing.T) {
	item := testItem(model.StageCreated)
	policy := Policy{}
	slot := smNow.Add(-time.Minute)

	effect, ok := PendingEffect(item, smNow)
	require.True(t, ok)
	assert.Equal(t, model.EffectSubmit, effect.Kind)
	assert.Equal(t, "acme:wf_1:synthesis:g0", effect.IdempotencyKey)

	item, tr := apply(t, item, accepted(model.StepSynthesis, "vid_1"), policy)
	assert.Equal(t, model.StageSynthesisSubmitted, item.Stage)
	assert.True(t, tr.Changed)
	assert.True(t, tr.Effect.IsNone())

	item, tr = apply(t, item, completed(model.StepSynthesis, "vid_1", "https://cdn/vid_1.mp4"), policy)
	assert.Equal(t, model.StageSynthesisDone, item.Stage)
	assert.Equal(t, model.EffectSubmit, tr.Effect.Kind)
	assert.Equal(t, model.StepCaption, tr.Effect.Step)

	item, _ = apply(t, item, accepted(model.StepCaption, "cap_1"), policy)
	item, _ = apply(t, item, completed(model.StepCaption, "cap_1", "https://cdn/cap_1.mp4"), policy)
	item, _ = apply(t, item, accepted(model.StepStorage, "acme/wf_1.mp4"), policy)
	item, tr = apply(t, item, completed(model.StepStorage, "acme/wf_1.mp4", "https://media/acme/wf_1.mp4"), policy)
	assert.Equal(t, model.StageStorageDone, item.Stage)
	assert.Equal(t, model.EffectSchedule, tr.Effect.Kind)

	item, tr = apply(t, item, model.Event{Kind: model.EventSlotAssigned, ScheduledFor: slot, Source: model.SourceScheduler}, policy)
	assert.Equal(t, model.StageReadyToPost, item.Stage)
	require.NotNil(t, tr.Effect.NotBefore)
	assert.True(t, tr.Effect.NotBefore.Equal(slot))

	item, _ = apply(t, item, accepted(model.StepPosting, "post_1"), policy)
	assert.Equal(t, model.StagePosting, item.Stage)
	item, tr = apply(t, item, completed(model.StepPosting, "post_1", ""), policy)
	assert.Equal(t, model.StageCompleted, item.Stage)
	assert.Equal(t, model.NoticeCompleted, tr.Effect.Notice)
	assert.Len(t, item.ExternalRefs, 4)
	assert.Nil(t, item.Error)
}

func TestAdvanceDoesNotMutateInput(t *testing.T) {
	item := testItem(model.StageCreated)
	_, tr := apply(t, item, accepted(model.StepSynthesis, "vid_1"), Policy{})
	assert.Equal(t, model.StageCreated, item.Stage)
	assert.Empty(t, item.ExternalRefs)
	assert.Equal(t, smNow, tr.Item.UpdatedAt)
}

func TestAdvanceDuplicateWebhookIsReplayed(t *testing.T) {
	item := testItem(model.StageSynthesisSubmitted)
	item.ExternalRefs[model.StepSynthesis] = "vid_1"

	item, tr := apply(t, item, completed(model.StepSynthesis, "vid_1", "https://cdn/vid_1.mp4"), Policy{})
	require.Equal(t, OutcomeApplied, tr.Outcome)

	again, tr := apply(t, item, completed(model.StepSynthesis, "vid_1", "https://cdn/vid_1.mp4"), Policy{})
	assert.Equal(t, OutcomeReplayed, tr.Outcome)
	assert.False(t, tr.Changed)
	assert.True(t, tr.Effect.IsNone())
	assert.Equal(t, item.Stage, again.Stage)
}

func TestAdvanceCorrelationMismatch(t *testing.T) {
	item := testItem(model.StageCaptionSubmitted)
	item.ExternalRefs[model.StepCaption] = "cap_2"

	_, err := Advance(item, completed(model.StepCaption, "cap_1", "https://cdn/old.mp4"), Policy{}, smNow)
	assert.ErrorIs(t, err, ErrCorrelation)

	_, err = Advance(item, model.Event{Kind: model.EventVendorFailed, Step: model.StepCaption, ExternalID: "cap_1"}, Policy{}, smNow)
	assert.ErrorIs(t, err, ErrCorrelation)
}

func TestAdvanceVendorAccepted(t *testing.T) {
	t.Run("second id is rejected", func(t *testing.T) {
		item := testItem(model.StageSynthesisSubmitted)
		item.ExternalRefs[model.StepSynthesis] = "vid_1"
		_, err := Advance(item, accepted(model.StepSynthesis, "vid_2"), Policy{}, smNow)
		assert.ErrorIs(t, err, ErrAlreadySubmitted)
	})

	t.Run("same id is replayed", func(t *testing.T) {
		item := testItem(model.StageSynthesisSubmitted)
		item.ExternalRefs[model.StepSynthesis] = "vid_1"
		_, tr := apply(t, item, accepted(model.StepSynthesis, "vid_1"), Policy{})
		assert.Equal(t, OutcomeReplayed, tr.Outcome)
	})

	t.Run("missing id", func(t *testing.T) {
		_, err := Advance(testItem(model.StageCreated), accepted(model.StepSynthesis, ""), Policy{}, smNow)
		assert.ErrorIs(t, err, ErrInvalidEvent)
	})

	t.Run("wrong stage is ignored", func(t *testing.T) {
		_, tr := apply(t, testItem(model.StageCreated), accepted(model.StepCaption, "cap_1"), Policy{})
		assert.Equal(t, OutcomeIgnored, tr.Outcome)
		assert.False(t, tr.Changed)
	})
}

func TestAdvanceSubmitRequested(t *testing.T) {
	item := testItem(model.StageSynthesisDone)
	_, tr := apply(t, item, model.Event{Kind: model.EventSubmitRequested, Step: model.StepCaption}, Policy{})
	assert.Equal(t, OutcomeApplied, tr.Outcome)
	assert.False(t, tr.Changed)
	assert.Equal(t, "acme:wf_1:caption:g0", tr.Effect.IdempotencyKey)

	item = testItem(model.StageCaptionSubmitted)
	item.ExternalRefs[model.StepCaption] = "cap_1"
	_, tr = apply(t, item, model.Event{Kind: model.EventSubmitRequested, Step: model.StepCaption}, Policy{})
	assert.Equal(t, OutcomeIgnored, tr.Outcome)
	assert.True(t, tr.Effect.IsNone())

	future := smNow.Add(time.Hour)
	item = testItem(model.StageReadyToPost)
	item.ScheduledFor = &future
	_, tr = apply(t, item, model.Event{Kind: model.EventSubmitRequested, Step: model.StepPosting}, Policy{})
	assert.Equal(t, OutcomeIgnored, tr.Outcome)

	_, err := Advance(item, model.Event{Kind: model.EventSubmitRequested}, Policy{}, smNow)
	assert.ErrorIs(t, err, ErrInvalidEvent)
}

func TestAdvanceTimeoutRollsBack(t *testing.T) {
	item := testItem(model.StageCaptionSubmitted)
	item.ExternalRefs[model.StepSynthesis] = "vid_1"
	item.PayloadURLs[model.StepSynthesis] = "https://cdn/vid_1.mp4"
	item.ExternalRefs[model.StepCaption] = "cap_1"

	ev := model.Event{Kind: model.EventVendorTimedOut, Step: model.StepCaption, ExternalID: "cap_1", Source: model.SourceReconciler}
	item, tr := apply(t, item, ev, Policy{})
	assert.Equal(t, model.StageSynthesisDone, item.Stage)
	assert.True(t, tr.Rollback)
	assert.Equal(t, 1, item.RetryCount)
	assert.Equal(t, 1, item.Generation)
	assert.Empty(t, item.ExternalRef(model.StepCaption))
	assert.Equal(t, "vid_1", item.ExternalRef(model.StepSynthesis))
	assert.Equal(t, "acme:wf_1:caption:g1", tr.Effect.IdempotencyKey)
	require.NotNil(t, item.LastRetryAt)

	// the abandoned job reporting late no longer matches
	_, err := Advance(item, completed(model.StepCaption, "cap_1", "https://cdn/late.mp4"), Policy{}, smNow)
	assert.ErrorIs(t, err, ErrCorrelation)

	// a stale timeout is dropped
	_, tr = apply(t, item, ev, Policy{})
	assert.Equal(t, OutcomeIgnored, tr.Outcome)
}

func TestAdvanceRetryBudgetExhausted(t *testing.T) {
	policy := Policy{RetryBudgets: map[model.Step]int{model.StepSynthesis: 1}}
	item := testItem(model.StageCreated)

	item, _ = apply(t, item, accepted(model.StepSynthesis, "vid_1"), policy)
	item, tr := apply(t, item, model.Event{Kind: model.EventVendorFailed, Step: model.StepSynthesis, ExternalID: "vid_1", ErrorKind: model.ErrorTransient, Reason: "render node lost"}, policy)
	require.True(t, tr.Rollback)
	assert.Equal(t, model.StageCreated, item.Stage)

	item, _ = apply(t, item, accepted(model.StepSynthesis, "vid_2"), policy)
	item, tr = apply(t, item, model.Event{Kind: model.EventVendorTimedOut, Step: model.StepSynthesis, ExternalID: "vid_2"}, policy)
	assert.Equal(t, model.StageFailed, item.Stage)
	assert.False(t, tr.Rollback)
	require.NotNil(t, item.Error)
	assert.Equal(t, model.ErrorStageTimeout, item.Error.Kind)
	assert.Equal(t, model.StepSynthesis, item.Error.Step)
	assert.Equal(t, model.NoticeFailed, tr.Effect.Notice)
}

func TestAdvanceZeroBudgetFailsImmediately(t *testing.T) {
	policy := Policy{RetryBudgets: map[model.Step]int{model.StepCaption: 0}}
	item := testItem(model.StageCaptionSubmitted)
	item.ExternalRefs[model.StepCaption] = "cap_1"

	item, _ = apply(t, item, model.Event{Kind: model.EventVendorTimedOut, Step: model.StepCaption, ExternalID: "cap_1"}, policy)
	assert.Equal(t, model.StageFailed, item.Stage)
}

func TestAdvancePermanentFailure(t *testing.T) {
	item := testItem(model.StageCaptionSubmitted)
	item.ExternalRefs[model.StepCaption] = "cap_1"

	item, tr := apply(t, item, model.Event{Kind: model.EventVendorFailed, Step: model.StepCaption, ExternalID: "cap_1", ErrorKind: model.ErrorPermanent, Reason: "invalid_media"}, Policy{})
	assert.Equal(t, model.StageFailed, item.Stage)
	assert.Equal(t, model.ErrorPermanent, item.Error.Kind)
	assert.Equal(t, "invalid_media", item.Error.Message)
	assert.Equal(t, 0, item.RetryCount)
	assert.Equal(t, model.EffectNotify, tr.Effect.Kind)

	// late results are discarded once failed
	_, tr = apply(t, item, completed(model.StepCaption, "cap_1", "https://cdn/cap_1.mp4"), Policy{})
	assert.Equal(t, OutcomeIgnored, tr.Outcome)
}

func TestAdvanceSubmitFailed(t *testing.T) {
	policy := Policy{RetryBudgets: map[model.Step]int{model.StepSynthesis: 1}}
	item := testItem(model.StageCreated)
	ev := model.Event{Kind: model.EventSubmitFailed, Step: model.StepSynthesis, ErrorKind: model.ErrorTransient, Reason: "503"}

	item, tr := apply(t, item, ev, policy)
	assert.Equal(t, model.StageCreated, item.Stage)
	assert.Equal(t, 1, item.RetryCount)
	assert.Equal(t, 0, item.Generation)
	assert.True(t, tr.Changed)
	assert.True(t, tr.Effect.IsNone())

	item, _ = apply(t, item, ev, policy)
	assert.Equal(t, model.StageFailed, item.Stage)

	item = testItem(model.StageCreated)
	item, _ = apply(t, item, model.Event{Kind: model.EventSubmitFailed, Step: model.StepSynthesis, ErrorKind: model.ErrorPermanent, Reason: "empty script"}, policy)
	assert.Equal(t, model.StageFailed, item.Stage)
	assert.Equal(t, model.ErrorPermanent, item.Error.Kind)
}

func TestAdvanceCompletionResetsRetryCount(t *testing.T) {
	item := testItem(model.StageSynthesisSubmitted)
	item.ExternalRefs[model.StepSynthesis] = "vid_3"
	item.RetryCount = 2

	item, _ = apply(t, item, completed(model.StepSynthesis, "vid_3", "https://cdn/vid_3.mp4"), Policy{})
	assert.Equal(t, 0, item.RetryCount)

	_, err := Advance(testItemWithRef(model.StageSynthesisSubmitted, model.StepSynthesis, "vid_4"), completed(model.StepSynthesis, "vid_4", ""), Policy{}, smNow)
	assert.ErrorIs(t, err, ErrInvalidEvent)
}

func testItemWithRef(stage model.Stage, step model.Step, ref string) *model.WorkflowItem {
	item := testItem(stage)
	item.ExternalRefs[step] = ref
	return item
}

func TestAdvanceSlotAssigned(t *testing.T) {
	slot := smNow.Add(2 * time.Hour)
	item := testItem(model.StageStorageDone)

	item, tr := apply(t, item, model.Event{Kind: model.EventSlotAssigned, ScheduledFor: slot}, Policy{})
	assert.Equal(t, model.StageReadyToPost, item.Stage)
	assert.True(t, item.ScheduledFor.Equal(slot))
	assert.Equal(t, model.StepPosting, tr.Effect.Step)

	_, tr = apply(t, item, model.Event{Kind: model.EventSlotAssigned, ScheduledFor: slot.Add(time.Hour)}, Policy{})
	assert.Equal(t, OutcomeReplayed, tr.Outcome)

	_, err := Advance(testItem(model.StageStorageDone), model.Event{Kind: model.EventSlotAssigned}, Policy{}, smNow)
	assert.ErrorIs(t, err, ErrInvalidEvent)

	_, tr = apply(t, testItem(model.StageCaptionDone), model.Event{Kind: model.EventSlotAssigned, ScheduledFor: slot}, Policy{})
	assert.Equal(t, OutcomeIgnored, tr.Outcome)
}

func TestAdvanceOperatorRetry(t *testing.T) {
	item := testItem(model.StageCaptionSubmitted)
	item.PayloadURLs[model.StepSynthesis] = "https://cdn/vid_1.mp4"
	item.ExternalRefs[model.StepSynthesis] = "vid_1"
	item.ExternalRefs[model.StepCaption] = "cap_1"
	item, _ = apply(t, item, model.Event{Kind: model.EventVendorFailed, Step: model.StepCaption, ExternalID: "cap_1", ErrorKind: model.ErrorPermanent, Reason: "unsupported_format"}, Policy{})
	require.Equal(t, model.StageFailed, item.Stage)

	_, err := Advance(item, model.Event{Kind: model.EventOperatorRetry, Step: model.StepSynthesis}, Policy{}, smNow)
	assert.ErrorIs(t, err, ErrNotRetryable)

	retried, tr := apply(t, item, model.Event{Kind: model.EventOperatorRetry, Source: model.SourceOperator}, Policy{})
	assert.Equal(t, model.StageSynthesisDone, retried.Stage)
	assert.Nil(t, retried.Error)
	assert.Equal(t, 0, retried.RetryCount)
	assert.Equal(t, 1, retried.Generation)
	assert.Empty(t, retried.ExternalRef(model.StepCaption))
	assert.Equal(t, "acme:wf_1:caption:g1", tr.Effect.IdempotencyKey)
	assert.NotEqual(t, item.SubmitKey(model.StepCaption), tr.Effect.IdempotencyKey)

	_, err = Advance(testItem(model.StageCaptionDone), model.Event{Kind: model.EventOperatorRetry}, Policy{}, smNow)
	assert.ErrorIs(t, err, ErrNotRetryable)
}

func TestAdvanceOperatorRetryPostingWithoutSlot(t *testing.T) {
	item := testItem(model.StageFailed)
	for _, step := range []model.Step{model.StepSynthesis, model.StepCaption, model.StepStorage} {
		item.PayloadURLs[step] = "https://cdn/" + string(step)
	}
	item.Error = &model.WorkflowError{Kind: model.ErrorCancelled, Step: model.StepPosting}

	item, tr := apply(t, item, model.Event{Kind: model.EventOperatorRetry}, Policy{})
	assert.Equal(t, model.StageStorageDone, item.Stage)
	assert.Equal(t, model.EffectSchedule, tr.Effect.Kind)
}

func TestAdvanceCancelGivesBackFutureSlot(t *testing.T) {
	future := smNow.Add(6 * time.Hour)
	item := testItem(model.StageReadyToPost)
	for _, step := range []model.Step{model.StepSynthesis, model.StepCaption, model.StepStorage} {
		item.PayloadURLs[step] = "https://cdn/" + string(step)
	}
	item.ScheduledFor = &future

	item, tr := apply(t, item, model.Event{Kind: model.EventOperatorCancel, Source: model.SourceOperator}, Policy{})
	assert.Equal(t, model.StageFailed, item.Stage)
	assert.Equal(t, model.StepPosting, item.Error.Step)
	assert.Nil(t, item.ScheduledFor)
	assert.Equal(t, model.NoticeFailed, tr.Effect.Notice)

	// retry goes back through slot assignment
	item, tr = apply(t, item, model.Event{Kind: model.EventOperatorRetry}, Policy{})
	assert.Equal(t, model.StageStorageDone, item.Stage)
	assert.Equal(t, model.EffectSchedule, tr.Effect.Kind)

	past := smNow.Add(-time.Hour)
	posted := testItem(model.StagePosting)
	posted.ScheduledFor = &past
	posted.ExternalRefs[model.StepPosting] = "post_1"
	posted, _ = apply(t, posted, model.Event{Kind: model.EventOperatorCancel}, Policy{})
	require.NotNil(t, posted.ScheduledFor)
	assert.True(t, posted.ScheduledFor.Equal(past))
}

func TestAdvanceOperatorCancel(t *testing.T) {
	item := testItem(model.StageStorageSubmitted)
	item.ExternalRefs[model.StepStorage] = "acme/wf_1.mp4"

	item, tr := apply(t, item, model.Event{Kind: model.EventOperatorCancel, Source: model.SourceOperator}, Policy{})
	assert.Equal(t, model.StageFailed, item.Stage)
	assert.Equal(t, model.ErrorCancelled, item.Error.Kind)
	assert.Equal(t, model.StepStorage, item.Error.Step)
	assert.Equal(t, model.NoticeFailed, tr.Effect.Notice)

	_, tr = apply(t, item, model.Event{Kind: model.EventOperatorCancel}, Policy{})
	assert.Equal(t, OutcomeIgnored, tr.Outcome)
}

func TestAdvanceStagesOnlyMoveForward(t *testing.T) {
	item := testItem(model.StageCaptionDone)
	item.PayloadURLs[model.StepSynthesis] = "https://cdn/vid_1.mp4"
	item.PayloadURLs[model.StepCaption] = "https://cdn/cap_1.mp4"

	for _, ev := range []model.Event{
		accepted(model.StepSynthesis, "vid_9"),
		completed(model.StepSynthesis, "vid_9", "https://cdn/vid_9.mp4"),
		{Kind: model.EventVendorTimedOut, Step: model.StepSynthesis, ExternalID: "vid_9"},
		{Kind: model.EventSubmitRequested, Step: model.StepSynthesis},
	} {
		tr, err := Advance(item, ev, Policy{}, smNow)
		if err != nil {
			continue
		}
		assert.GreaterOrEqual(t, tr.Item.Stage.Index(), item.Stage.Index(), string(ev.Kind))
	}
}

func TestPendingEffect(t *testing.T) {
	_, ok := PendingEffect(testItemWithRef(model.StageSynthesisSubmitted, model.StepSynthesis, "vid_1"), smNow)
	assert.False(t, ok)

	effect, ok := PendingEffect(testItem(model.StageStorageDone), smNow)
	require.True(t, ok)
	assert.Equal(t, model.EffectSchedule, effect.Kind)

	item := testItem(model.StageReadyToPost)
	future := smNow.Add(time.Minute)
	item.ScheduledFor = &future
	_, ok = PendingEffect(item, smNow)
	assert.False(t, ok)

	past := smNow.Add(-time.Minute)
	item.ScheduledFor = &past
	effect, ok = PendingEffect(item, smNow)
	require.True(t, ok)
	assert.Equal(t, model.StepPosting, effect.Step)

	_, ok = PendingEffect(testItem(model.StageCompleted), smNow)
	assert.False(t, ok)
}
