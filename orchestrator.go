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
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/reelflow/reelflow/database"
	"github.com/reelflow/reelflow/internal/notification"
	"github.com/reelflow/reelflow/model"
)

var tracer = otel.Tracer("reelflow")

const maxConflictRetries = 5

// ApplyResult reports what ApplyEvent did.
type ApplyResult struct {
	Item     *model.WorkflowItem `json:"item"`
	Outcome  Outcome             `json:"outcome"`
	Effect   model.SideEffect    `json:"effect"`
	Rollback bool                `json:"rollback"`
	Note     string              `json:"note,omitempty"`
}

// ApplyEvent reads an item, advances it with ev and persists the result with
// a version check. On a version conflict the whole read-advance-write cycle is
// repeated against the fresh row. The transition's side effect is dispatched
// only after the write succeeds.
//
// Parameters:
// - ctx context.Context: The context for the operation.
// - brand string: The brand that owns the item.
// - workflowID string: The item to advance.
// - ev model.Event: The event to apply.
//
// Returns:
// - *ApplyResult: The stored item and what happened to it.
// - error: ErrCorrelation, ErrInvalidEvent or a storage error.
func (r *Reelflow) ApplyEvent(ctx context.Context, brand, workflowID string, ev model.Event) (*ApplyResult, error) {
	ctx, span := tracer.Start(ctx, "ApplyEvent")
	defer span.End()
	span.SetAttributes(
		attribute.String("brand", brand),
		attribute.String("workflow.id", workflowID),
		attribute.String("event.kind", string(ev.Kind)),
		attribute.String("event.step", string(ev.Step)),
	)

	brandCfg, err := r.brand(brand)
	if err != nil {
		return nil, err
	}
	policy := PolicyFor(brandCfg)

	var (
		result *ApplyResult
		from   model.Stage
		slot   *time.Time
	)
	op := func() error {
		item, err := r.datasource.GetWorkflow(ctx, brand, workflowID)
		if err != nil {
			return backoff.Permanent(err)
		}
		t, err := Advance(item, ev, policy, r.now())
		if err != nil {
			return backoff.Permanent(err)
		}
		from, slot = item.Stage, item.ScheduledFor
		result = &ApplyResult{Item: t.Item, Outcome: t.Outcome, Effect: t.Effect, Rollback: t.Rollback, Note: t.Note}
		if !t.Changed {
			return nil
		}

		record := model.TransitionRecord{
			WorkflowID: workflowID,
			Brand:      brand,
			FromStage:  item.Stage,
			ToStage:    t.Item.Stage,
			EventKind:  ev.Kind,
			Step:       ev.Step,
			Source:     ev.Source,
			Rollback:   t.Rollback,
			Note:       t.Note,
			CreatedAt:  t.Item.UpdatedAt,
		}
		err = r.datasource.UpdateWorkflow(ctx, t.Item, item.Version, record)
		if errors.Is(err, database.ErrVersionConflict) {
			versionConflicts.Inc()
			logrus.Debugf("version conflict on %s, retrying %s", workflowID, ev.Kind)
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}

	b := backoff.WithContext(backoff.WithMaxRetries(conflictBackoff(), maxConflictRetries), ctx)
	if err := backoff.Retry(op, b); err != nil {
		outcome := "rejected"
		if errors.Is(err, ErrCorrelation) {
			outcome = "correlation_mismatch"
			correlationMismatches.WithLabelValues(brand, string(ev.Step)).Inc()
			logrus.WithFields(logrus.Fields{
				"brand":       brand,
				"workflow_id": workflowID,
				"step":        ev.Step,
				"external_id": ev.ExternalID,
				"source":      ev.Source,
			}).Warn(err)
		}
		eventsTotal.WithLabelValues(brand, string(ev.Kind), outcome).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	eventsTotal.WithLabelValues(brand, string(ev.Kind), string(result.Outcome)).Inc()
	span.SetAttributes(attribute.String("outcome", string(result.Outcome)))
	if result.Outcome != OutcomeApplied {
		logrus.WithFields(logrus.Fields{
			"brand": brand, "workflow_id": workflowID, "event": ev.Kind, "outcome": result.Outcome,
		}).Debug(result.Note)
		return result, nil
	}

	if from != result.Item.Stage {
		transitionsTotal.WithLabelValues(brand, string(ev.Kind), string(result.Item.Stage)).Inc()
		logrus.WithFields(logrus.Fields{
			"brand":       brand,
			"workflow_id": workflowID,
			"event":       ev.Kind,
			"source":      ev.Source,
			"from":        from,
			"to":          result.Item.Stage,
		}).Info("workflow transition")
	}
	if slot != nil && result.Item.ScheduledFor == nil {
		r.releaseSlot(ctx, brand, *slot, workflowID)
	}
	if result.Rollback {
		rollbacksTotal.WithLabelValues(brand, string(ev.Step)).Inc()
		logrus.WithFields(logrus.Fields{"brand": brand, "workflow_id": workflowID}).Warn(result.Note)
		r.dispatch(ctx, result.Item, notifyEffect(model.NoticeRolledBack))
	}
	r.dispatch(ctx, result.Item, result.Effect)
	return result, nil
}

func conflictBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Millisecond
	b.MaxInterval = 200 * time.Millisecond
	return b
}

// dispatch starts a persisted side effect. A failure is reported and
// returned; the item stays resting in its stage, where the reconciler
// resumes it after the handoff TTL.
func (r *Reelflow) dispatch(ctx context.Context, item *model.WorkflowItem, effect model.SideEffect) error {
	if effect.IsNone() {
		return nil
	}
	task := WorkflowTask{Brand: item.Brand, WorkflowID: item.WorkflowID, Step: effect.Step}

	var err error
	switch effect.Kind {
	case model.EffectSubmit:
		task.IdempotencyKey = effect.IdempotencyKey
		err = r.queue.EnqueueSubmit(ctx, task, effect.NotBefore)
	case model.EffectSchedule:
		err = r.queue.EnqueueSchedule(ctx, task)
	case model.EffectNotify:
		task.Notice = effect.Notice
		task.Version = item.Version
		err = r.queue.EnqueueNotify(ctx, task)
	}
	if err != nil {
		err = fmt.Errorf("dispatching %s for %s/%s: %w", effect.Kind, item.Brand, item.WorkflowID, err)
		notification.NotifyError(err)
	}
	return err
}

// CreateWorkflow records a new item for a brand and queues its first
// submission.
func (r *Reelflow) CreateWorkflow(ctx context.Context, brand string, content model.Content) (*model.WorkflowItem, error) {
	ctx, span := tracer.Start(ctx, "CreateWorkflow")
	defer span.End()

	if _, err := r.brand(brand); err != nil {
		return nil, err
	}
	item := model.NewWorkflowItem(brand, content, r.now())
	created, err := r.datasource.CreateWorkflow(ctx, item)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	logrus.WithFields(logrus.Fields{"brand": brand, "workflow_id": created.WorkflowID, "source_id": content.SourceID}).Info("workflow created")

	if effect, ok := PendingEffect(created, r.now()); ok {
		r.dispatch(ctx, created, effect)
	}
	return created, nil
}

func (r *Reelflow) GetWorkflow(ctx context.Context, brand, workflowID string) (*model.WorkflowItem, error) {
	if _, err := r.brand(brand); err != nil {
		return nil, err
	}
	return r.datasource.GetWorkflow(ctx, brand, workflowID)
}

// ListWorkflows pages through a brand's items, optionally in one stage.
func (r *Reelflow) ListWorkflows(ctx context.Context, brand string, stage model.Stage, limit, offset int) ([]*model.WorkflowItem, error) {
	if _, err := r.brand(brand); err != nil {
		return nil, err
	}
	return r.datasource.ListWorkflows(ctx, brand, stage, limit, offset)
}

func (r *Reelflow) ListTransitions(ctx context.Context, brand, workflowID string) ([]model.TransitionRecord, error) {
	if _, err := r.GetWorkflow(ctx, brand, workflowID); err != nil {
		return nil, err
	}
	return r.datasource.ListTransitions(ctx, brand, workflowID)
}

// RetryWorkflow restarts a failed item from its first incomplete step, or
// rechecks a stuck one immediately. Anything else is ErrNotRetryable.
func (r *Reelflow) RetryWorkflow(ctx context.Context, brand, workflowID string) (*model.WorkflowItem, error) {
	ctx, span := tracer.Start(ctx, "RetryWorkflow")
	defer span.End()

	brandCfg, err := r.brand(brand)
	if err != nil {
		return nil, err
	}
	item, err := r.datasource.GetWorkflow(ctx, brand, workflowID)
	if err != nil {
		return nil, err
	}

	switch {
	case item.Stage == model.StageFailed:
		res, err := r.ApplyEvent(ctx, brand, workflowID, model.Event{Kind: model.EventOperatorRetry, Source: model.SourceOperator})
		if err != nil {
			return nil, err
		}
		return res.Item, nil
	case r.IsStuck(item, brandCfg):
		return r.RecheckWorkflow(ctx, brand, workflowID)
	default:
		return nil, fmt.Errorf("%w: %s is %s", ErrNotRetryable, workflowID, item.Stage)
	}
}

// CancelWorkflow fails a non-terminal item with kind cancelled.
func (r *Reelflow) CancelWorkflow(ctx context.Context, brand, workflowID, reason string) (*model.WorkflowItem, error) {
	item, err := r.GetWorkflow(ctx, brand, workflowID)
	if err != nil {
		return nil, err
	}
	if item.Stage.IsTerminal() {
		return nil, fmt.Errorf("%w: %s is %s", ErrAlreadyTerminal, workflowID, item.Stage)
	}
	res, err := r.ApplyEvent(ctx, brand, workflowID, model.Event{Kind: model.EventOperatorCancel, Reason: reason, Source: model.SourceOperator})
	if err != nil {
		return nil, err
	}
	if res.Outcome != OutcomeApplied {
		return nil, fmt.Errorf("%w: %s is %s", ErrAlreadyTerminal, workflowID, res.Item.Stage)
	}
	return res.Item, nil
}
