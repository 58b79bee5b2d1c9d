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

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"github.com/reelflow/reelflow/internal/apierror"
	"github.com/reelflow/reelflow/internal/notification"
	"github.com/reelflow/reelflow/internal/request"
	"github.com/reelflow/reelflow/model"
)

// NewWebhook represents the structure of a webhook notification.
// It includes an event type and associated payload data.
type NewWebhook struct {
	Event   string      `json:"event"` // The event type that triggered the webhook.
	SentAt  time.Time   `json:"sent_at"`
	Payload interface{} `json:"data"` // The data associated with the event.
}

// sendWebhook posts a notification to the configured outbound URL. It is a
// no-op when no URL is configured.
//
// Parameters:
// - ctx context.Context: The context for the operation.
// - data NewWebhook: The webhook notification data to send.
//
// Returns:
// - error: An error if the request fails or the receiver answers non 2xx.
func (r *Reelflow) sendWebhook(ctx context.Context, data NewWebhook) error {
	hook := r.config.Notification.Webhook
	if hook.Url == "" {
		return nil
	}
	status, err := request.PostJSON(ctx, hook.Url, hook.Headers, data)
	if err != nil {
		return err
	}
	logrus.Debugf("webhook %s delivered with status %d", data.Event, status)
	return nil
}

// SystemWebhookSender adapts sendWebhook for the notification package.
func (r *Reelflow) SystemWebhookSender() notification.WebhookSender {
	return func(event string, payload interface{}) error {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return r.sendWebhook(ctx, NewWebhook{Event: event, SentAt: r.now(), Payload: payload})
	}
}

// ProcessNotifyTask delivers a lifecycle notice for an item. Failed items are
// also reported to Slack.
//
// Parameters:
// - ctx context.Context: The context for the operation.
// - task *asynq.Task: The task containing the notice.
//
// Returns:
// - error: An error if delivery failed and should be retried.
func (r *Reelflow) ProcessNotifyTask(ctx context.Context, task *asynq.Task) error {
	p, err := decodeTask(task)
	if err != nil {
		return err
	}
	item, err := r.datasource.GetWorkflow(ctx, p.Brand, p.WorkflowID)
	if err != nil {
		if apierror.IsCode(err, apierror.ErrNotFound) {
			return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
		}
		return err
	}

	if p.Notice == model.NoticeFailed && item.Error != nil && firstAttempt(ctx) {
		notification.NotifyWorkflowFailed(ctx, item.Brand, item.WorkflowID, string(item.Error.Step), string(item.Error.Kind), item.Error.Message)
	}

	err = r.sendWebhook(ctx, NewWebhook{Event: p.Notice, SentAt: r.now(), Payload: item})
	if err != nil {
		logrus.WithFields(logrus.Fields{"brand": p.Brand, "workflow_id": p.WorkflowID, "notice": p.Notice}).Warnf("webhook delivery failed: %v", err)
		return err
	}
	return nil
}

// firstAttempt is false on queue redeliveries, so Slack hears about a
// failure once.
func firstAttempt(ctx context.Context) bool {
	n, ok := asynq.GetRetryCount(ctx)
	return !ok || n == 0
}
