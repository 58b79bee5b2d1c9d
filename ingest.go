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
	"net/http"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"

	"github.com/reelflow/reelflow/internal/apierror"
	"github.com/reelflow/reelflow/internal/stages"
	"github.com/reelflow/reelflow/model"
)

// IngestStatus is what a webhook delivery led to.
type IngestStatus string

const (
	IngestApplied  IngestStatus = "applied"
	IngestReplayed IngestStatus = "replayed"
	IngestIgnored  IngestStatus = "ignored"
	IngestPending  IngestStatus = "pending"
)

// IngestResult is returned to the vendor with the acknowledgement.
type IngestResult struct {
	Status     IngestStatus `json:"status"`
	WorkflowID string       `json:"workflow_id,omitempty"`
	Stage      model.Stage  `json:"stage,omitempty"`
}

// IngestWebhook authenticates a vendor callback, resolves the item that owns
// the vendor id and applies the result. Only authentication, parse and
// storage failures are returned as errors; anything the pipeline chooses not
// to apply is acknowledged as ignored so the vendor stops redelivering.
//
// Parameters:
// - ctx context.Context: The context for the operation.
// - vendor string: The vendor named in the callback URL.
// - brand string: The brand named in the callback URL.
// - header http.Header: The request headers carrying the signature.
// - body []byte: The raw request body.
//
// Returns:
// - *IngestResult: What happened to the callback.
// - error: ErrUnknownBrand, ErrUnknownVendor, ErrUnauthorized, ErrInvalidEvent or a storage error.
func (r *Reelflow) IngestWebhook(ctx context.Context, vendor, brand string, header http.Header, body []byte) (*IngestResult, error) {
	ctx, span := tracer.Start(ctx, "IngestWebhook")
	defer span.End()
	span.SetAttributes(attribute.String("vendor", vendor), attribute.String("brand", brand))

	brandCfg, err := r.brand(brand)
	if err != nil {
		return nil, err
	}
	source, ok := r.stages.Webhook(vendor)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownVendor, vendor)
	}
	if err := source.VerifyWebhook(header, body, stages.SecretFor(brandCfg.WebhookSecrets, vendor)); err != nil {
		webhooksTotal.WithLabelValues(vendor, "unauthorized").Inc()
		return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}

	res, err := source.ParseWebhook(body)
	if err != nil {
		webhooksTotal.WithLabelValues(vendor, "invalid").Inc()
		return nil, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	if res.Status == stages.StatusPending {
		webhooksTotal.WithLabelValues(vendor, string(IngestPending)).Inc()
		return &IngestResult{Status: IngestPending}, nil
	}

	step := source.Step()
	log := logrus.WithFields(logrus.Fields{"vendor": vendor, "brand": brand, "step": step, "external_id": res.ExternalID})

	item, err := r.datasource.FindWorkflowByExternalRef(ctx, step, res.ExternalID)
	if err != nil {
		if apierror.IsCode(err, apierror.ErrNotFound) {
			log.Info("no workflow holds this ref, ignoring")
			webhooksTotal.WithLabelValues(vendor, string(IngestIgnored)).Inc()
			return &IngestResult{Status: IngestIgnored}, nil
		}
		return nil, err
	}
	if item.Brand != brand {
		correlationMismatches.WithLabelValues(brand, string(step)).Inc()
		log.WithField("owner_brand", item.Brand).Warn("webhook brand does not own the ref, ignoring")
		webhooksTotal.WithLabelValues(vendor, string(IngestIgnored)).Inc()
		return &IngestResult{Status: IngestIgnored}, nil
	}

	ev := model.Event{Step: step, ExternalID: res.ExternalID, Source: model.SourceWebhook}
	switch res.Status {
	case stages.StatusDone:
		ev.Kind = model.EventVendorCompleted
		ev.ResultURL = res.ResultURL
	case stages.StatusFailed:
		ev.Kind = model.EventVendorFailed
		ev.Reason = res.ErrorMessage
		ev.ErrorKind = res.ErrorKind
		if ev.ErrorKind == "" {
			ev.ErrorKind = model.ErrorTransient
		}
	default:
		return nil, fmt.Errorf("%w: status %q", ErrInvalidEvent, res.Status)
	}

	applied, err := r.ApplyEvent(ctx, brand, item.WorkflowID, ev)
	if errors.Is(err, ErrCorrelation) {
		webhooksTotal.WithLabelValues(vendor, string(IngestIgnored)).Inc()
		return &IngestResult{Status: IngestIgnored, WorkflowID: item.WorkflowID}, nil
	}
	if err != nil {
		return nil, err
	}

	status := IngestApplied
	switch applied.Outcome {
	case OutcomeReplayed:
		status = IngestReplayed
	case OutcomeIgnored:
		status = IngestIgnored
	}
	webhooksTotal.WithLabelValues(vendor, string(status)).Inc()
	return &IngestResult{Status: status, WorkflowID: item.WorkflowID, Stage: applied.Item.Stage}, nil
}
