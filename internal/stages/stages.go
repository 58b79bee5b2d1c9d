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

// Package stages holds the vendor adapters for each pipeline step. Every
// adapter classifies its own failures so only transient or permanent
// outcomes reach the orchestrator.
package stages

import (
	"context"
	"net/http"
	"time"

	"github.com/reelflow/reelflow/config"
	"github.com/reelflow/reelflow/model"
)

// Status is the normalized state of a vendor job.
type Status string

const (
	StatusPending Status = "pending"
	StatusDone    Status = "done"
	StatusFailed  Status = "failed"
)

// SubmitRequest carries everything a vendor needs to start a step for one
// item. InputURL is the artifact produced by the previous step.
type SubmitRequest struct {
	Brand          string
	WorkflowID     string
	Step           model.Step
	IdempotencyKey string
	Content        model.Content
	InputURL       string
	ScheduledFor   *time.Time
	Credentials    config.BrandCredentials
}

// SubmitResult is returned once the vendor has accepted a job. Synchronous
// vendors set Done and ResultURL in the same call.
type SubmitResult struct {
	ExternalID string
	Done       bool
	ResultURL  string
}

// PollResult is the vendor's view of a job.
type PollResult struct {
	Status    Status
	ResultURL string
	Reason    string
	ErrorKind model.ErrorKind
}

// WebhookResult is a vendor callback normalized to the fields the pipeline
// reads.
type WebhookResult struct {
	ExternalID   string
	Status       Status
	ResultURL    string
	ErrorMessage string
	ErrorKind    model.ErrorKind
}

// Client is a vendor adapter for one step.
type Client interface {
	Step() model.Step
	Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error)
	PollStatus(ctx context.Context, creds config.BrandCredentials, externalID string) (*PollResult, error)
}

// WebhookSource is implemented by vendors that call back over HTTP.
type WebhookSource interface {
	Vendor() string
	Step() model.Step
	VerifyWebhook(header http.Header, body []byte, secret string) error
	ParseWebhook(body []byte) (*WebhookResult, error)
}

// Registry maps steps to clients and vendor names to webhook sources.
type Registry struct {
	clients  map[model.Step]Client
	webhooks map[string]WebhookSource
}

func NewRegistry(clients ...Client) *Registry {
	r := &Registry{
		clients:  make(map[model.Step]Client),
		webhooks: make(map[string]WebhookSource),
	}
	for _, c := range clients {
		r.clients[c.Step()] = c
		if ws, ok := c.(WebhookSource); ok {
			r.webhooks[ws.Vendor()] = ws
		}
	}
	return r
}

func (r *Registry) Client(step model.Step) (Client, bool) {
	c, ok := r.clients[step]
	return c, ok
}

func (r *Registry) Webhook(vendor string) (WebhookSource, bool) {
	ws, ok := r.webhooks[vendor]
	return ws, ok
}

// SecretFor returns the brand's webhook secret for a vendor.
func SecretFor(secrets config.WebhookSecrets, vendor string) string {
	switch vendor {
	case "avatar":
		return secrets.Avatar
	case "captions":
		return secrets.Captions
	case "social":
		return secrets.Social
	}
	return ""
}
