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
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/reelflow/reelflow/internal/cadence"
	redlock "github.com/reelflow/reelflow/internal/lock"
	"github.com/reelflow/reelflow/model"
)

const (
	maxSlotCandidates = 500
	slotLockWait      = 5 * time.Second
)

// AssignSlot gives an item the earliest free posting slot of its brand's
// cadence. Slots are claimed under a per-brand lock and a primary key on
// (brand, slot_at), so two items never share one. An item that already has
// a slot keeps it.
//
// Parameters:
// - ctx context.Context: The context for the operation.
// - brand string: The brand that owns the item.
// - workflowID string: The item to schedule.
//
// Returns:
// - time.Time: The assigned slot.
// - error: ErrNoSlotAvailable when the cadence horizon is full.
func (r *Reelflow) AssignSlot(ctx context.Context, brand, workflowID string) (time.Time, error) {
	ctx, span := tracer.Start(ctx, "AssignSlot")
	defer span.End()

	brandCfg, err := r.brand(brand)
	if err != nil {
		return time.Time{}, err
	}
	item, err := r.datasource.GetWorkflow(ctx, brand, workflowID)
	if err != nil {
		return time.Time{}, err
	}
	if item.ScheduledFor != nil {
		return *item.ScheduledFor, nil
	}
	if item.Stage != model.StageStorageDone {
		return time.Time{}, fmt.Errorf("%w: %s is %s, not ready for scheduling", ErrInvalidEvent, workflowID, item.Stage)
	}

	cad, err := cadence.New(brandCfg.Cadence)
	if err != nil {
		return time.Time{}, err
	}
	if cad.Empty() {
		return time.Time{}, fmt.Errorf("%w: brand %s has no cadence slots", ErrNoSlotAvailable, brand)
	}

	locker := redlock.NewBrandLocker(r.redis, "slots", brand)
	if err := locker.WaitLock(ctx, r.lockTTL(), slotLockWait); err != nil {
		return time.Time{}, err
	}
	defer func() {
		if err := locker.Unlock(context.Background()); err != nil {
			logrus.WithField("brand", brand).Warn(err)
		}
	}()

	now := r.now()
	slotAt, err := r.claimSlot(ctx, cad, brand, workflowID, now)
	if err != nil {
		return time.Time{}, err
	}

	res, err := r.ApplyEvent(ctx, brand, workflowID, model.Event{Kind: model.EventSlotAssigned, ScheduledFor: slotAt, Source: model.SourceScheduler})
	if err != nil {
		r.releaseSlot(ctx, brand, slotAt, workflowID)
		return time.Time{}, err
	}
	if res.Outcome != OutcomeApplied {
		r.releaseSlot(ctx, brand, slotAt, workflowID)
		if res.Item.ScheduledFor != nil {
			return *res.Item.ScheduledFor, nil
		}
		return time.Time{}, fmt.Errorf("%w: slot not applied: %s", ErrInvalidEvent, res.Note)
	}

	logrus.WithFields(logrus.Fields{"brand": brand, "workflow_id": workflowID, "slot": slotAt}).Info("posting slot assigned")
	return slotAt, nil
}

// claimSlot reuses a claim left by an earlier attempt when it is still in
// the future, otherwise walks the cadence for the first free slot.
func (r *Reelflow) claimSlot(ctx context.Context, cad *cadence.Cadence, brand, workflowID string, now time.Time) (time.Time, error) {
	held, err := r.datasource.FindSlotClaim(ctx, brand, workflowID)
	if err != nil {
		return time.Time{}, err
	}
	if held != nil {
		if held.After(now) {
			return *held, nil
		}
		r.releaseSlot(ctx, brand, *held, workflowID)
	}

	for _, candidate := range cad.Next(now, maxSlotCandidates) {
		ok, err := r.datasource.ClaimSlot(ctx, brand, candidate, workflowID)
		if err != nil {
			return time.Time{}, err
		}
		if ok {
			return candidate, nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: brand %s", ErrNoSlotAvailable, brand)
}

func (r *Reelflow) releaseSlot(ctx context.Context, brand string, slotAt time.Time, workflowID string) {
	if err := r.datasource.ReleaseSlot(ctx, brand, slotAt, workflowID); err != nil {
		logrus.WithFields(logrus.Fields{"brand": brand, "workflow_id": workflowID}).Warnf("releasing slot %s: %v", slotAt, err)
	}
}

// ReleaseDue issues the posting submission of every ready_to_post item whose
// slot has arrived. The delayed submit task normally gets there first; the
// shared task id makes this a no-op in that case.
func (r *Reelflow) ReleaseDue(ctx context.Context, brand string) (int, error) {
	if _, err := r.brand(brand); err != nil {
		return 0, err
	}
	now := r.now()
	items, err := r.datasource.ListDuePosts(ctx, brand, now, r.batchSize())
	if err != nil {
		return 0, err
	}
	released := 0
	for _, item := range items {
		if effect, ok := PendingEffect(item, now); ok {
			if err := r.dispatch(ctx, item, effect); err != nil {
				continue
			}
			released++
		}
	}
	if released > 0 {
		logrus.WithField("brand", brand).Infof("released %d due posts", released)
	}
	return released, nil
}
