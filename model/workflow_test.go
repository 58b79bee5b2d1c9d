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

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStageOrder(t *testing.T) {
	assert.Less(t, StageCreated.Index(), StageSynthesisSubmitted.Index())
	assert.Less(t, StageStorageDone.Index(), StageReadyToPost.Index())
	assert.Less(t, StagePosting.Index(), StageCompleted.Index())
	assert.Equal(t, -1, StageFailed.Index())

	assert.True(t, StageCompleted.IsTerminal())
	assert.True(t, StageFailed.IsTerminal())
	assert.False(t, StagePosting.IsTerminal())
}

func TestStepStages(t *testing.T) {
	for _, step := range Steps {
		pre, sub, done := step.PreStage(), step.SubmittedStage(), step.DoneStage()
		assert.Equal(t, pre.Index()+1, sub.Index(), step)
		assert.Less(t, sub.Index(), done.Index(), step)

		got, ok := StepForSubmitted(sub)
		require.True(t, ok)
		assert.Equal(t, step, got)
		assert.True(t, sub.IsSubmitted())
	}

	assert.Equal(t, StepCaption, StepSynthesis.Next())
	assert.Equal(t, Step(""), StepPosting.Next())

	_, ok := PendingStep(StageStorageDone)
	assert.False(t, ok)
	step, ok := PendingStep(StageReadyToPost)
	assert.True(t, ok)
	assert.Equal(t, StepPosting, step)
}

func TestParseStage(t *testing.T) {
	s, err := ParseStage("caption_done")
	assert.NoError(t, err)
	assert.Equal(t, StageCaptionDone, s)

	_, err = ParseStage("stage_9")
	assert.Error(t, err)
}

func TestCloneIsDeep(t *testing.T) {
	now := time.Now()
	item := NewWorkflowItem("acme", Content{Type: ContentArticle, SourceID: "a-1"}, now)
	item.ExternalRefs[StepSynthesis] = "vid_1"
	item.ScheduledFor = &now

	c := item.Clone()
	c.ExternalRefs[StepSynthesis] = "vid_2"
	*c.ScheduledFor = now.Add(time.Hour)

	assert.Equal(t, "vid_1", item.ExternalRef(StepSynthesis))
	assert.Equal(t, now, *item.ScheduledFor)
	assert.True(t, strings.HasPrefix(item.WorkflowID, "wf_"))
}

func TestLastDoneStep(t *testing.T) {
	item := NewWorkflowItem("acme", Content{}, time.Now())
	assert.Equal(t, Step(""), item.LastDoneStep())

	item.PayloadURLs[StepSynthesis] = "https://cdn/v.mp4"
	item.PayloadURLs[StepCaption] = "https://cdn/c.mp4"
	assert.Equal(t, StepCaption, item.LastDoneStep())
}

func TestIdempotencyKey(t *testing.T) {
	assert.Equal(t, "acme:wf_1:caption:g0", IdempotencyKey("acme", "wf_1", StepCaption, 0))
	assert.NotEqual(t,
		IdempotencyKey("acme", "wf_1", StepCaption, 0),
		IdempotencyKey("acme", "wf_1", StepCaption, 1))

	item := &WorkflowItem{Brand: "acme", WorkflowID: "wf_1", Generation: 2}
	assert.Equal(t, "acme:wf_1:posting:g2", item.SubmitKey(StepPosting))
}
