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

import "fmt"

// Stage is the lifecycle position of a workflow item.
type Stage string

const (
	StageCreated            Stage = "created"
	StageSynthesisSubmitted Stage = "synthesis_submitted"
	StageSynthesisDone      Stage = "synthesis_done"
	StageCaptionSubmitted   Stage = "caption_submitted"
	StageCaptionDone        Stage = "caption_done"
	StageStorageSubmitted   Stage = "storage_submitted"
	StageStorageDone        Stage = "storage_done"
	StageReadyToPost        Stage = "ready_to_post"
	StagePosting            Stage = "posting"
	StageCompleted          Stage = "completed"
	StageFailed             Stage = "failed"
)

// stageOrder is the forward order of the pipeline. Failed sits outside it.
var stageOrder = []Stage{
	StageCreated,
	StageSynthesisSubmitted,
	StageSynthesisDone,
	StageCaptionSubmitted,
	StageCaptionDone,
	StageStorageSubmitted,
	StageStorageDone,
	StageReadyToPost,
	StagePosting,
	StageCompleted,
}

// Index returns the position of the stage in the forward order, or -1 for
// failed and unknown stages.
func (s Stage) Index() int {
	for i, st := range stageOrder {
		if st == s {
			return i
		}
	}
	return -1
}

func (s Stage) IsTerminal() bool {
	return s == StageCompleted || s == StageFailed
}

// IsSubmitted reports whether the stage is waiting on a vendor result.
func (s Stage) IsSubmitted() bool {
	_, ok := submittedSteps[s]
	return ok
}

func (s Stage) Valid() bool {
	return s == StageFailed || s.Index() >= 0
}

// ParseStage converts a raw string into a Stage.
func ParseStage(raw string) (Stage, error) {
	s := Stage(raw)
	if !s.Valid() {
		return "", fmt.Errorf("unknown stage %q", raw)
	}
	return s, nil
}

// Step names a vendor stage of the pipeline.
type Step string

const (
	StepSynthesis Step = "synthesis"
	StepCaption   Step = "caption"
	StepStorage   Step = "storage"
	StepPosting   Step = "posting"
)

// Steps lists the vendor steps in pipeline order.
var Steps = []Step{StepSynthesis, StepCaption, StepStorage, StepPosting}

type stepStages struct {
	pre, submitted, done Stage
}

var stepTable = map[Step]stepStages{
	StepSynthesis: {StageCreated, StageSynthesisSubmitted, StageSynthesisDone},
	StepCaption:   {StageSynthesisDone, StageCaptionSubmitted, StageCaptionDone},
	StepStorage:   {StageCaptionDone, StageStorageSubmitted, StageStorageDone},
	StepPosting:   {StageReadyToPost, StagePosting, StageCompleted},
}

var submittedSteps = map[Stage]Step{
	StageSynthesisSubmitted: StepSynthesis,
	StageCaptionSubmitted:   StepCaption,
	StageStorageSubmitted:   StepStorage,
	StagePosting:            StepPosting,
}

func (s Step) Valid() bool {
	_, ok := stepTable[s]
	return ok
}

// PreStage is the stage a step is submitted from. Rollbacks return here.
func (s Step) PreStage() Stage { return stepTable[s].pre }

// SubmittedStage is the stage held while the vendor works on the step.
func (s Step) SubmittedStage() Stage { return stepTable[s].submitted }

// DoneStage is the stage reached when the step's result has been recorded.
func (s Step) DoneStage() Stage { return stepTable[s].done }

// Next returns the step following s, or "" after posting.
func (s Step) Next() Step {
	for i, st := range Steps {
		if st == s && i+1 < len(Steps) {
			return Steps[i+1]
		}
	}
	return ""
}

// StepForSubmitted returns the step a submitted stage is waiting on.
func StepForSubmitted(stage Stage) (Step, bool) {
	step, ok := submittedSteps[stage]
	return step, ok
}

// PendingStep returns the step that should be submitted next from a resting
// stage. ready_to_post maps to posting; storage_done has no pending submit
// because it waits for a slot.
func PendingStep(stage Stage) (Step, bool) {
	for _, step := range Steps {
		if step.PreStage() == stage {
			return step, true
		}
	}
	return "", false
}

// SubmittedStages lists the stages that wait on a vendor.
func SubmittedStages() []Stage {
	return []Stage{StageSynthesisSubmitted, StageCaptionSubmitted, StageStorageSubmitted, StagePosting}
}

// RestingStages lists the stages where an item waits for the pipeline to
// issue its next side effect.
func RestingStages() []Stage {
	return []Stage{StageCreated, StageSynthesisDone, StageCaptionDone, StageStorageDone, StageReadyToPost}
}
