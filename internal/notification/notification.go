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

package notification

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/reelflow/reelflow/config"
	"github.com/reelflow/reelflow/internal/request"
	"github.com/sirupsen/logrus"
)

// WebhookSender delivers a lifecycle event to the outbound webhook.
type WebhookSender func(event string, payload interface{}) error

var (
	senderMu      sync.RWMutex
	webhookSender WebhookSender
)

// RegisterWebhookSender sets the sender used to forward system errors as
// webhook events. The last registration wins.
func RegisterWebhookSender(sender WebhookSender) {
	senderMu.Lock()
	defer senderMu.Unlock()
	webhookSender = sender
}

func currentSender() WebhookSender {
	senderMu.RLock()
	defer senderMu.RUnlock()
	return webhookSender
}

func slackBlocks(title, body string, at time.Time) map[string]interface{} {
	section := func(text string) map[string]interface{} {
		return map[string]interface{}{
			"type":   "section",
			"fields": []map[string]string{{"type": "mrkdwn", "text": text}},
		}
	}
	return map[string]interface{}{
		"blocks": []interface{}{
			map[string]interface{}{
				"type": "header",
				"text": map[string]interface{}{"type": "plain_text", "text": title, "emoji": true},
			},
			section(body),
			section(fmt.Sprintf("*Time:*\n%v", at.Format(time.RFC822))),
		},
	}
}

// SlackNotification posts a message to the configured Slack webhook.
func SlackNotification(ctx context.Context, title, body string) {
	conf, err := config.Fetch()
	if err != nil {
		logrus.Error(err)
		return
	}
	if conf.Notification.Slack.WebhookUrl == "" {
		return
	}

	_, err = request.PostJSON(ctx, conf.Notification.Slack.WebhookUrl, nil, slackBlocks(title, body, time.Now()))
	if err != nil {
		logrus.WithError(err).Warn("slack notification failed")
	}
}

// NotifyError reports an unexpected system error to Slack and, when a sender
// is registered, as a system.error webhook event. It never blocks the caller.
func NotifyError(systemError error) {
	go func(systemError error) {
		logrus.Error(systemError)
		SlackNotification(context.Background(), "Error From Reelflow 🐞", fmt.Sprintf("*Error:*\n%v", systemError))

		if sender := currentSender(); sender != nil {
			if err := sender("system.error", map[string]string{"error": systemError.Error()}); err != nil {
				logrus.WithError(err).Warn("failed to forward system error webhook")
			}
		}
	}(systemError)
}

// NotifyWorkflowFailed tells operators a workflow reached the failed stage.
func NotifyWorkflowFailed(ctx context.Context, brand, workflowID, step, kind, message string) {
	body := fmt.Sprintf("*Brand:* %s\n*Workflow:* %s\n*Step:* %s\n*Kind:* %s\n*Error:* %s", brand, workflowID, step, kind, message)
	SlackNotification(ctx, "Workflow Failed 🎬", body)
}
