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
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reelflow/reelflow/database"
	"github.com/reelflow/reelflow/internal/apierror"
	"github.com/reelflow/reelflow/internal/stages"
	"github.com/reelflow/reelflow/model"
)

func TestPipelineHappyPath(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	created, err := h.rf.CreateWorkflow(ctx, "acme", sampleContent("article-1"))
	require.NoError(t, err)
	id := created.WorkflowID
	assert.Equal(t, []string{"acme:" + id + ":synthesis:g0"}, h.queue.pendingKeys())

	h.runSubmits(t)
	assert.Equal(t, model.StageSynthesisSubmitted, h.item(t, id).Stage)
	reqs := h.clients[model.StepSynthesis].submitted()
	require.Len(t, reqs, 1)
	assert.Equal(t, "Prices moved this week.", reqs[0].Content.Script)
	assert.Equal(t, "avatar-key", reqs[0].Credentials.AvatarAPIKey)

	res, err := h.webhook(t, "avatar", fakeWebhook{ID: "synthesis_1", Status: stages.StatusDone, URL: "https://cdn.test/vid.mp4"})
	require.NoError(t, err)
	assert.Equal(t, IngestApplied, res.Status)
	assert.Equal(t, model.StageSynthesisDone, res.Stage)

	h.runSubmits(t)
	capReqs := h.clients[model.StepCaption].submitted()
	require.Len(t, capReqs, 1)
	assert.Equal(t, "https://cdn.test/vid.mp4", capReqs[0].InputURL)

	_, err = h.webhook(t, "captions", fakeWebhook{ID: "caption_1", Status: stages.StatusDone, URL: "https://cdn.test/cap.mp4"})
	require.NoError(t, err)

	h.runSubmits(t)
	item := h.item(t, id)
	assert.Equal(t, model.StageStorageDone, item.Stage)
	assert.Equal(t, "https://media.test/acme/"+id+".mp4", item.PayloadURLs[model.StepStorage])

	h.runSchedules(t)
	item = h.item(t, id)
	require.Equal(t, model.StageReadyToPost, item.Stage)
	assert.Equal(t, time.Date(2026, 3, 2, 18, 0, 0, 0, time.UTC), *item.ScheduledFor)

	// held until the slot
	h.runSubmits(t)
	assert.Empty(t, h.clients[model.StepPosting].submitted())

	h.advance(8*time.Hour + time.Minute)
	h.runSubmits(t)
	postReqs := h.clients[model.StepPosting].submitted()
	require.Len(t, postReqs, 1)
	assert.Equal(t, "https://media.test/acme/"+id+".mp4", postReqs[0].InputURL)

	res, err = h.webhook(t, "social", fakeWebhook{ID: "posting_1", Status: stages.StatusDone})
	require.NoError(t, err)
	assert.Equal(t, model.StageCompleted, res.Stage)

	item = h.item(t, id)
	assert.Nil(t, item.Error)
	assert.Contains(t, h.queue.notices(), model.NoticeCompleted)

	records, err := h.rf.ListTransitions(ctx, "acme", id)
	require.NoError(t, err)
	assert.Len(t, records, 9)
	for i := 1; i < len(records); i++ {
		assert.GreaterOrEqual(t, records[i].ToStage.Index(), records[i-1].ToStage.Index())
	}
}

func TestCreateWorkflowRejectsDuplicateSource(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.rf.CreateWorkflow(ctx, "acme", sampleContent("article-1"))
	require.NoError(t, err)
	_, err = h.rf.CreateWorkflow(ctx, "acme", sampleContent("article-1"))
	assert.True(t, apierror.IsCode(err, apierror.ErrConflict))

	// another brand may use the same source id
	_, err = h.rf.CreateWorkflow(ctx, "globex", sampleContent("article-1"))
	assert.NoError(t, err)

	_, err = h.rf.CreateWorkflow(ctx, "initech", sampleContent("article-1"))
	assert.ErrorIs(t, err, ErrUnknownBrand)
}

func TestCreateWorkflowSurvivesQueueOutage(t *testing.T) {
	h := newHarness(t)
	h.queue.err = errors.New("redis down")

	item, err := h.rf.CreateWorkflow(context.Background(), "acme", sampleContent("article-1"))
	require.NoError(t, err)
	assert.Equal(t, model.StageCreated, h.item(t, item.WorkflowID).Stage)

	// the reconciler resumes it after the handoff TTL
	h.queue.err = nil
	h.advance(6 * time.Minute)
	report, err := h.rf.Reconcile(context.Background(), "acme")
	require.NoError(t, err)
	assert.Equal(t, 1, report.Resumed)
	assert.Len(t, h.queue.pendingKeys(), 1)
}

func TestApplyEventRetriesVersionConflicts(t *testing.T) {
	h := newHarness(t)
	item := model.NewWorkflowItem("acme", sampleContent("a"), harnessStart)
	h.ds.put(item)
	h.ds.conflicts = 2

	res, err := h.rf.ApplyEvent(context.Background(), "acme", item.WorkflowID, model.Event{
		Kind: model.EventVendorAccepted, Step: model.StepSynthesis, ExternalID: "vid_1", Source: model.SourceWorker,
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, res.Outcome)
	assert.Equal(t, int64(2), h.item(t, item.WorkflowID).Version)
}

func TestApplyEventGivesUpOnPersistentConflict(t *testing.T) {
	h := newHarness(t)
	item := model.NewWorkflowItem("acme", sampleContent("a"), harnessStart)
	h.ds.put(item)
	h.ds.conflicts = maxConflictRetries + 1

	_, err := h.rf.ApplyEvent(context.Background(), "acme", item.WorkflowID, model.Event{
		Kind: model.EventVendorAccepted, Step: model.StepSynthesis, ExternalID: "vid_1",
	})
	assert.ErrorIs(t, err, database.ErrVersionConflict)
	assert.Equal(t, model.StageCreated, h.item(t, item.WorkflowID).Stage)
}

func TestApplyEventCorrelationErrorIsNotPersisted(t *testing.T) {
	h := newHarness(t)
	item := model.NewWorkflowItem("acme", sampleContent("a"), harnessStart)
	item.Stage = model.StageSynthesisSubmitted
	item.ExternalRefs[model.StepSynthesis] = "vid_2"
	h.ds.put(item)

	_, err := h.rf.ApplyEvent(context.Background(), "acme", item.WorkflowID, model.Event{
		Kind: model.EventVendorCompleted, Step: model.StepSynthesis, ExternalID: "vid_1", ResultURL: "https://cdn.test/old.mp4",
	})
	assert.ErrorIs(t, err, ErrCorrelation)
	stored := h.item(t, item.WorkflowID)
	assert.Equal(t, int64(1), stored.Version)
	assert.Empty(t, stored.PayloadURLs)
}

func TestRetryWorkflow(t *testing.T) {
	ctx := context.Background()

	t.Run("failed item resumes at the failed step", func(t *testing.T) {
		h := newHarness(t)
		item := model.NewWorkflowItem("acme", sampleContent("a"), harnessStart)
		item.Stage = model.StageFailed
		item.PayloadURLs[model.StepSynthesis] = "https://cdn.test/vid.mp4"
		item.Error = &model.WorkflowError{Kind: model.ErrorPermanent, Step: model.StepCaption, Message: "invalid_media"}
		h.ds.put(item)

		retried, err := h.rf.RetryWorkflow(ctx, "acme", item.WorkflowID)
		require.NoError(t, err)
		assert.Equal(t, model.StageSynthesisDone, retried.Stage)
		assert.Nil(t, retried.Error)
		assert.Equal(t, []string{"acme:" + item.WorkflowID + ":caption:g1"}, h.queue.pendingKeys())
		assert.Contains(t, h.queue.notices(), model.NoticeRolledBack)
	})

	t.Run("healthy item is not retryable", func(t *testing.T) {
		h := newHarness(t)
		item := model.NewWorkflowItem("acme", sampleContent("a"), harnessStart)
		item.Stage = model.StageCaptionSubmitted
		item.ExternalRefs[model.StepCaption] = "cap_1"
		h.ds.put(item)

		_, err := h.rf.RetryWorkflow(ctx, "acme", item.WorkflowID)
		assert.ErrorIs(t, err, ErrNotRetryable)
	})

	t.Run("stuck item is rechecked", func(t *testing.T) {
		h := newHarness(t)
		item := model.NewWorkflowItem("acme", sampleContent("a"), harnessStart)
		item.Stage = model.StageCaptionSubmitted
		item.ExternalRefs[model.StepCaption] = "cap_1"
		h.ds.put(item)
		h.clients[model.StepCaption].polls["cap_1"] = &stages.PollResult{Status: stages.StatusDone, ResultURL: "https://cdn.test/cap.mp4"}
		h.advance(11 * time.Minute)

		rechecked, err := h.rf.RetryWorkflow(ctx, "acme", item.WorkflowID)
		require.NoError(t, err)
		assert.Equal(t, model.StageCaptionDone, rechecked.Stage)
	})

	t.Run("unknown item", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.rf.RetryWorkflow(ctx, "acme", "wf_missing")
		assert.True(t, apierror.IsCode(err, apierror.ErrNotFound))
	})
}

func TestCancelWorkflow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	item := model.NewWorkflowItem("acme", sampleContent("a"), harnessStart)
	item.Stage = model.StageStorageDone
	h.ds.put(item)

	cancelled, err := h.rf.CancelWorkflow(ctx, "acme", item.WorkflowID, "wrong brand voice")
	require.NoError(t, err)
	assert.Equal(t, model.StageFailed, cancelled.Stage)
	assert.Equal(t, model.ErrorCancelled, cancelled.Error.Kind)
	assert.Equal(t, "wrong brand voice", cancelled.Error.Message)
	assert.Contains(t, h.queue.notices(), model.NoticeFailed)

	_, err = h.rf.CancelWorkflow(ctx, "acme", item.WorkflowID, "")
	assert.ErrorIs(t, err, ErrAlreadyTerminal)
}

func TestListWorkflows(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	for _, src := range []string{"a", "b", "c"} {
		_, err := h.rf.CreateWorkflow(ctx, "acme", sampleContent(src))
		require.NoError(t, err)
	}
	items, err := h.rf.ListWorkflows(ctx, "acme", model.StageCreated, 2, 0)
	require.NoError(t, err)
	assert.Len(t, items, 2)

	items, err = h.rf.ListWorkflows(ctx, "acme", model.StageCompleted, 10, 0)
	require.NoError(t, err)
	assert.Empty(t, items)

	_, err = h.rf.ListWorkflows(ctx, "initech", "", 10, 0)
	assert.ErrorIs(t, err, ErrUnknownBrand)
}
