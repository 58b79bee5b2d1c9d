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
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/reelflow/reelflow/config"
	redlock "github.com/reelflow/reelflow/internal/lock"
	"github.com/reelflow/reelflow/internal/stages"
	"github.com/reelflow/reelflow/model"
)

// ReconcileReport summarizes one sweep of one brand.
type ReconcileReport struct {
	Brand      string    `json:"brand"`
	Scanned    int       `json:"scanned"`
	Advanced   int       `json:"advanced"`
	Retried    int       `json:"retried"`
	Failed     int       `json:"failed"`
	Resumed    int       `json:"resumed"`
	Skipped    bool      `json:"skipped,omitempty"`
	Errors     []string  `json:"errors,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`

	mu sync.Mutex
}

func (rep *ReconcileReport) record(action string, err error) {
	rep.mu.Lock()
	defer rep.mu.Unlock()
	if err != nil {
		rep.Errors = append(rep.Errors, err.Error())
		reconcileActions.WithLabelValues(rep.Brand, "error").Inc()
		return
	}
	switch action {
	case "advanced":
		rep.Advanced++
	case "retried":
		rep.Retried++
	case "failed":
		rep.Failed++
	case "resumed":
		rep.Resumed++
	default:
		return
	}
	reconcileActions.WithLabelValues(rep.Brand, action).Inc()
}

type reconcileJob struct {
	item      *model.WorkflowItem
	submitted bool
}

// ReconcileAll sweeps every configured brand in turn.
func (r *Reelflow) ReconcileAll(ctx context.Context) ([]*ReconcileReport, error) {
	reports := make([]*ReconcileReport, 0, len(r.config.Brands))
	for _, brand := range r.config.BrandNames() {
		if err := ctx.Err(); err != nil {
			return reports, err
		}
		report, err := r.Reconcile(ctx, brand)
		if err != nil {
			report = &ReconcileReport{Brand: brand, Errors: []string{err.Error()}}
		}
		reports = append(reports, report)
	}
	return reports, nil
}

// Reconcile sweeps one brand under a Redis lock. Submitted items past their
// step TTL are polled; items resting in a stage past the handoff TTL get
// their pending effect issued again. A sweep already running elsewhere is
// reported as skipped.
//
// Parameters:
// - ctx context.Context: The context for the operation.
// - brand string: The brand to sweep.
//
// Returns:
// - *ReconcileReport: Counts of what the sweep did.
// - error: An error if the brand is unknown or the lock backend fails.
func (r *Reelflow) Reconcile(ctx context.Context, brand string) (*ReconcileReport, error) {
	ctx, span := tracer.Start(ctx, "Reconcile")
	defer span.End()

	brandCfg, err := r.brand(brand)
	if err != nil {
		return nil, err
	}
	report := &ReconcileReport{Brand: brand, StartedAt: r.now()}

	locker := redlock.NewBrandLocker(r.redis, "reconcile", brand)
	if err := locker.Lock(ctx, r.lockTTL()); err != nil {
		if errors.Is(err, redlock.ErrLockHeld) {
			logrus.WithField("brand", brand).Info("reconcile already running, skipping")
			report.Skipped = true
			report.FinishedAt = r.now()
			return report, nil
		}
		return nil, err
	}
	defer func() {
		if err := locker.Unlock(context.Background()); err != nil {
			logrus.WithField("brand", brand).Warn(err)
		}
	}()

	now := r.now()
	jobs := r.collectJobs(ctx, brandCfg, now, report)
	report.Scanned = len(jobs)

	maxWorkers := r.config.Reconciler.MaxWorkers
	if maxWorkers <= 0 {
		maxWorkers = 1
	}
	sem := make(chan struct{}, maxWorkers)
	var wg sync.WaitGroup
	for _, job := range jobs {
		sem <- struct{}{}
		wg.Add(1)
		go func(job reconcileJob) {
			defer wg.Done()
			defer func() { <-sem }()
			if job.submitted {
				report.record(r.reconcileSubmitted(ctx, brandCfg, job.item, now))
				return
			}
			if effect, ok := PendingEffect(job.item, now); ok {
				report.record("resumed", r.dispatch(ctx, job.item, effect))
			}
		}(job)
	}
	wg.Wait()

	report.FinishedAt = r.now()
	logrus.WithFields(logrus.Fields{
		"brand":    brand,
		"scanned":  report.Scanned,
		"advanced": report.Advanced,
		"retried":  report.Retried,
		"failed":   report.Failed,
		"resumed":  report.Resumed,
		"errors":   len(report.Errors),
	}).Info("reconcile sweep finished")
	return report, nil
}

func (r *Reelflow) collectJobs(ctx context.Context, brandCfg *config.BrandConfig, now time.Time, report *ReconcileReport) []reconcileJob {
	var jobs []reconcileJob
	for _, stage := range model.SubmittedStages() {
		step, _ := model.StepForSubmitted(stage)
		ttl := brandCfg.StepPolicy(string(step)).TTL()
		items, err := r.datasource.ListWorkflowsByStage(ctx, brandCfg.Name, stage, now.Add(-ttl), r.batchSize())
		if err != nil {
			report.record("", fmt.Errorf("listing %s: %w", stage, err))
			continue
		}
		for _, item := range items {
			jobs = append(jobs, reconcileJob{item: item, submitted: true})
		}
	}
	for _, stage := range model.RestingStages() {
		items, err := r.datasource.ListWorkflowsByStage(ctx, brandCfg.Name, stage, now.Add(-r.handoffTTL()), r.batchSize())
		if err != nil {
			report.record("", fmt.Errorf("listing %s: %w", stage, err))
			continue
		}
		for _, item := range items {
			jobs = append(jobs, reconcileJob{item: item})
		}
	}
	return jobs
}

// reconcileSubmitted polls the vendor for a submitted item and applies what
// it reports. A job still pending past ttl × grace is timed out.
func (r *Reelflow) reconcileSubmitted(ctx context.Context, brandCfg *config.BrandConfig, item *model.WorkflowItem, now time.Time) (string, error) {
	step, ok := model.StepForSubmitted(item.Stage)
	if !ok {
		return "", nil
	}
	ref := item.ExternalRef(step)
	if ref == "" {
		return "", fmt.Errorf("%s is %s without a %s ref", item.WorkflowID, item.Stage, step)
	}
	client, ok := r.stages.Client(step)
	if !ok {
		return "", fmt.Errorf("no client for step %s", step)
	}

	log := logrus.WithFields(logrus.Fields{"brand": item.Brand, "workflow_id": item.WorkflowID, "step": step, "external_id": ref})
	timedOut := now.Sub(item.UpdatedAt) > brandCfg.StepPolicy(string(step)).Deadline()
	ev := model.Event{Step: step, ExternalID: ref, Source: model.SourceReconciler}

	poll, err := client.PollStatus(ctx, brandCfg.Credentials, ref)
	switch {
	case err != nil:
		if !timedOut || stages.KindOf(err) != model.ErrorPermanent {
			log.Warnf("poll failed, retrying next sweep: %v", err)
			return "", fmt.Errorf("polling %s %s: %w", step, ref, err)
		}
		ev.Kind = model.EventVendorTimedOut
		ev.Reason = err.Error()
	case poll.Status == stages.StatusDone:
		ev.Kind = model.EventVendorCompleted
		ev.ResultURL = poll.ResultURL
	case poll.Status == stages.StatusFailed:
		ev.Kind = model.EventVendorFailed
		ev.Reason = poll.Reason
		ev.ErrorKind = poll.ErrorKind
		if ev.ErrorKind == "" {
			ev.ErrorKind = model.ErrorTransient
		}
	default:
		if !timedOut {
			return "", nil
		}
		ev.Kind = model.EventVendorTimedOut
	}

	res, err := r.ApplyEvent(ctx, item.Brand, item.WorkflowID, ev)
	if errors.Is(err, ErrCorrelation) {
		// the item moved on since it was listed
		return "", nil
	}
	if err != nil {
		return "", err
	}
	log.Infof("reconciled with %s", ev.Kind)
	return actionFor(res), nil
}

func actionFor(res *ApplyResult) string {
	switch {
	case res.Outcome != OutcomeApplied:
		return ""
	case res.Item.Stage == model.StageFailed:
		return "failed"
	case res.Rollback:
		return "retried"
	default:
		return "advanced"
	}
}

// RecheckWorkflow runs the reconciler against one item now, regardless of
// how long it has been in its stage.
func (r *Reelflow) RecheckWorkflow(ctx context.Context, brand, workflowID string) (*model.WorkflowItem, error) {
	brandCfg, err := r.brand(brand)
	if err != nil {
		return nil, err
	}
	item, err := r.datasource.GetWorkflow(ctx, brand, workflowID)
	if err != nil {
		return nil, err
	}
	now := r.now()
	if item.Stage.IsSubmitted() {
		if _, err := r.reconcileSubmitted(ctx, brandCfg, item, now); err != nil {
			return nil, err
		}
	} else if effect, ok := PendingEffect(item, now); ok {
		if err := r.dispatch(ctx, item, effect); err != nil {
			return nil, err
		}
	}
	return r.datasource.GetWorkflow(ctx, brand, workflowID)
}

// IsStuck reports whether an item has sat in its stage past the point where
// the reconciler acts on it.
func (r *Reelflow) IsStuck(item *model.WorkflowItem, brandCfg *config.BrandConfig) bool {
	now := r.now()
	age := now.Sub(item.UpdatedAt)
	if step, ok := model.StepForSubmitted(item.Stage); ok {
		return age > brandCfg.StepPolicy(string(step)).TTL()
	}
	if _, ok := PendingEffect(item, now); ok {
		return age > r.handoffTTL()
	}
	return false
}
