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

// Package captions adapts the caption overlay vendor.
package captions

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/reelflow/reelflow/config"
	"github.com/reelflow/reelflow/internal/stages"
	"github.com/reelflow/reelflow/model"
)

const (
	VendorName   = "captions"
	SecretHeader = "X-Webhook-Secret"
)

type Client struct {
	http *stages.HTTPClient
}

func New(cfg config.VendorConfig) *Client {
	return &Client{http: stages.NewHTTPClient(VendorName, cfg)}
}

func (c *Client) HTTP() *stages.HTTPClient { return c.http }

func (c *Client) Step() model.Step { return model.StepCaption }

func (c *Client) Vendor() string { return VendorName }

type projectRequest struct {
	Title        string `json:"title"`
	VideoURL     string `json:"videoUrl"`
	TemplateName string `json:"templateName,omitempty"`
	Language     string `json:"language"`
}

type project struct {
	ID            string `json:"id"`
	Status        string `json:"status"`
	DownloadURL   string `json:"downloadUrl"`
	FailureReason string `json:"failureReason"`
	FailureCode   string `json:"failureCode"`
}

func headers(creds config.BrandCredentials) map[string]string {
	return map[string]string{"x-api-key": creds.CaptionsAPIKey}
}

func (c *Client) Submit(ctx context.Context, req stages.SubmitRequest) (*stages.SubmitResult, error) {
	if req.InputURL == "" {
		return nil, stages.NewPermanentError("no synthesized video to caption")
	}
	h := headers(req.Credentials)
	h["Idempotency-Key"] = req.IdempotencyKey

	var resp project
	err := c.http.Call(ctx, http.MethodPost, "/v1/projects", h, projectRequest{
		Title:        req.Content.Title,
		VideoURL:     req.InputURL,
		TemplateName: req.Credentials.CaptionsTemplate,
		Language:     "en",
	}, &resp)
	if err != nil {
		return nil, err
	}
	if resp.ID == "" {
		return nil, stages.NewStatusError(http.StatusBadGateway, "project response carried no id")
	}
	return &stages.SubmitResult{ExternalID: resp.ID}, nil
}

func (c *Client) PollStatus(ctx context.Context, creds config.BrandCredentials, externalID string) (*stages.PollResult, error) {
	var resp project
	if err := c.http.Call(ctx, http.MethodGet, "/v1/projects/"+url.PathEscape(externalID), headers(creds), nil, &resp); err != nil {
		return nil, err
	}
	return pollResult(resp), nil
}

func pollResult(p project) *stages.PollResult {
	switch strings.ToLower(p.Status) {
	case "completed":
		return &stages.PollResult{Status: stages.StatusDone, ResultURL: p.DownloadURL}
	case "failed":
		return &stages.PollResult{Status: stages.StatusFailed, Reason: p.FailureReason, ErrorKind: kindFor(p.FailureCode)}
	}
	return &stages.PollResult{Status: stages.StatusPending}
}

func (c *Client) VerifyWebhook(header http.Header, _ []byte, secret string) error {
	return stages.VerifySharedSecret(header.Get(SecretHeader), secret)
}

func (c *Client) ParseWebhook(body []byte) (*stages.WebhookResult, error) {
	var p struct {
		ProjectID string `json:"projectId"`
		project
	}
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("decode captions webhook: %w", err)
	}
	id := p.ProjectID
	if id == "" {
		id = p.ID
	}
	if id == "" {
		return nil, fmt.Errorf("captions webhook has no project id")
	}
	poll := pollResult(p.project)
	return &stages.WebhookResult{
		ExternalID:   id,
		Status:       poll.Status,
		ResultURL:    poll.ResultURL,
		ErrorMessage: poll.Reason,
		ErrorKind:    poll.ErrorKind,
	}, nil
}

// Rejected media and unsupported formats never succeed on resubmission.
func kindFor(code string) model.ErrorKind {
	switch strings.ToLower(code) {
	case "invalid_media", "unsupported_format", "video_too_long", "quota_exceeded":
		return model.ErrorPermanent
	}
	return model.ErrorTransient
}
