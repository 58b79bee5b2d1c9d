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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	transitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reelflow_transitions_total",
		Help: "Persisted workflow transitions.",
	}, []string{"brand", "event", "to_stage"})

	eventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reelflow_events_total",
		Help: "Events applied to workflow items by outcome.",
	}, []string{"brand", "event", "outcome"}) // outcome: applied, replayed, ignored, rejected

	rollbacksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reelflow_rollbacks_total",
		Help: "Steps rolled back for a fresh submission.",
	}, []string{"brand", "step"})

	correlationMismatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reelflow_correlation_errors_total",
		Help: "Vendor results that did not match the stored external ref.",
	}, []string{"brand", "step"})

	versionConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "reelflow_version_conflicts_total",
		Help: "Optimistic concurrency conflicts on workflow updates.",
	})

	webhooksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reelflow_webhooks_total",
		Help: "Inbound vendor webhooks by result.",
	}, []string{"vendor", "result"})

	submitDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "reelflow_submit_duration_seconds",
		Help:    "Duration of vendor submit calls.",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
	}, []string{"step", "status"})

	reconcileActions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reelflow_reconcile_actions_total",
		Help: "Reconciler actions per brand.",
	}, []string{"brand", "action"}) // action: advanced, retried, failed, resumed, error
)
