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
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"github.com/reelflow/reelflow/config"
	"github.com/reelflow/reelflow/internal/apierror"
	"github.com/reelflow/reelflow/internal/stages"
	"github.com/reelflow/reelflow/model"
)

// RegisterHandlers binds the workflow task handlers to their queues.
func (r *Reelflow) RegisterHandlers(mux *asynq.ServeMux, conf config.QueueConfig) {
	mux.HandleFunc(conf.SubmitQueue, r.ProcessSubmitTask)
	mux.HandleFunc(conf.ScheduleQueue, r.ProcessScheduleTask)
	mux.HandleFunc(conf.NotifyQueue, r.ProcessNotifyTask)
}

func decodeTask(task *asynq.Task) (WorkflowTask, error) {
	var p WorkflowTask
	if err := json.Unmarshal(task.Payload(), &p); err != nil {
		return p, fmt.Errorf("decoding %s payload: %v: %w", task.Type(), err, asynq.SkipRetry)
	}
	if p.Brand == "" || p.WorkflowID == "" {
		return p, fmt.Errorf("%s payload without brand or workflow id: %w", task.Type(), asynq.SkipRetry)
	}
	return p, nil
}

// skipMissing stops redelivery of tasks whose brand or item no longer exists.
func skipMissing(err error) error {
	if errors.Is(err, ErrUnknownBrand) || apierror.IsCode(err, apierror.ErrNotFound) {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	return err
}

// ProcessSubmitTask handles one queued vendor submission.
func (r *Reelflow) ProcessSubmitTask(ctx context.Context, task *asynq.Task) error {
	p, err := decodeTask(task)
	if err != nil {
		return err
	}
	return skipMissing(r.Submit(ctx, p))
}

// Submit calls the vendor for one step of one item. It re-checks the item
// first, so a task that outlived its purpose (the step was already
// submitted, or the item was rolled back to a newer generation) does
// nothing. A transient failure is returned so the queue redelivers the same
// task with the same idempotency key.
//
// Parameters:
// - ctx context.Context: The context for the operation.
// - p WorkflowTask: The queued submission.
//
// Returns:
// - error: An error when the task should be redelivered.
func (r *Reelflow) Submit(ctx context.Context, p WorkflowTask) error {
	ctx, span := tracer.Start(ctx, "Submit")
	defer span.End()

	brandCfg, err := r.brand(p.Brand)
	if err != nil {
		return err
	}
	item, err := r.datasource.GetWorkflow(ctx, p.Brand, p.WorkflowID)
	if err != nil {
		return err
	}

	log := logrus.WithFields(logrus.Fields{"brand": p.Brand, "workflow_id": p.WorkflowID, "step": p.Step, "key": p.IdempotencyKey})
	t, err := Advance(item, model.Event{Kind: model.EventSubmitRequested, Step: p.Step, Source: model.SourceWorker}, PolicyFor(brandCfg), r.now())
	if err != nil {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	if t.Outcome != OutcomeApplied {
		log.Debugf("submit skipped: %s", t.Note)
		return nil
	}
	if t.Effect.IdempotencyKey != p.IdempotencyKey {
		log.Debugf("submit skipped: item moved to key %s", t.Effect.IdempotencyKey)
		return nil
	}

	client, ok := r.stages.Client(p.Step)
	if !ok {
		return fmt.Errorf("no client for step %s: %w", p.Step, asynq.SkipRetry)
	}

	release, err := r.limiter.acquire(ctx, p.Brand, brandCfg.MaxConcurrency)
	if err != nil {
		return err
	}
	defer release()

	req := stages.SubmitRequest{
		Brand:          p.Brand,
		WorkflowID:     p.WorkflowID,
		Step:           p.Step,
		IdempotencyKey: p.IdempotencyKey,
		Content:        item.Content,
		InputURL:       inputURL(item, p.Step),
		ScheduledFor:   item.ScheduledFor,
		Credentials:    brandCfg.Credentials,
	}
	start := time.Now()
	res, err := client.Submit(ctx, req)
	if err != nil {
		submitDuration.WithLabelValues(string(p.Step), "error").Observe(time.Since(start).Seconds())
		return r.submitFailed(ctx, p, err)
	}
	submitDuration.WithLabelValues(string(p.Step), "ok").Observe(time.Since(start).Seconds())
	log.WithField("external_id", res.ExternalID).Info("submitted to vendor")

	_, err = r.ApplyEvent(ctx, p.Brand, p.WorkflowID, model.Event{
		Kind:       model.EventVendorAccepted,
		Step:       p.Step,
		ExternalID: res.ExternalID,
		Source:     model.SourceWorker,
	})
	if errors.Is(err, ErrAlreadySubmitted) {
		log.Warn(err)
		return nil
	}
	if err != nil {
		return err
	}
	if !res.Done {
		return nil
	}
	_, err = r.ApplyEvent(ctx, p.Brand, p.WorkflowID, model.Event{
		Kind:       model.EventVendorCompleted,
		Step:       p.Step,
		ExternalID: res.ExternalID,
		ResultURL:  res.ResultURL,
		Source:     model.SourceWorker,
	})
	return err
}

func (r *Reelflow) submitFailed(ctx context.Context, p WorkflowTask, callErr error) error {
	kind := stages.KindOf(callErr)
	logrus.WithFields(logrus.Fields{
		"brand": p.Brand, "workflow_id": p.WorkflowID, "step": p.Step, "kind": kind,
	}).Warnf("vendor submit failed: %v", callErr)

	res, err := r.ApplyEvent(ctx, p.Brand, p.WorkflowID, model.Event{
		Kind:      model.EventSubmitFailed,
		Step:      p.Step,
		Reason:    callErr.Error(),
		ErrorKind: kind,
		Source:    model.SourceWorker,
	})
	if err != nil {
		return err
	}
	if res.Outcome == OutcomeApplied && res.Item.Stage != model.StageFailed {
		return callErr
	}
	return nil
}

// inputURL is the artifact a step consumes: the result of the step before it.
func inputURL(item *model.WorkflowItem, step model.Step) string {
	switch step {
	case model.StepCaption:
		return item.PayloadURLs[model.StepSynthesis]
	case model.StepStorage:
		return item.PayloadURLs[model.StepCaption]
	case model.StepPosting:
		return item.PayloadURLs[model.StepStorage]
	}
	return ""
}

// ProcessScheduleTask assigns a posting slot to an item.
func (r *Reelflow) ProcessScheduleTask(ctx context.Context, task *asynq.Task) error {
	p, err := decodeTask(task)
	if err != nil {
		return err
	}
	_, err = r.AssignSlot(ctx, p.Brand, p.WorkflowID)
	if errors.Is(err, ErrNoSlotAvailable) {
		// retried by the reconciler once the horizon moves
		logrus.WithFields(logrus.Fields{"brand": p.Brand, "workflow_id": p.WorkflowID}).Warn(err)
		return nil
	}
	return skipMissing(err)
}
