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

// Package social adapts the social post scheduling vendor.
package social

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
	VendorName      = "social"
	SignatureHeader = "X-Social-Signature"
)

type Client struct {
	http *stages.HTTPClient
}

func New(cfg config.VendorConfig) *Client {
	return &Client{http: stages.NewHTTPClient(VendorName, cfg)}
}

func (c *Client) HTTP() *stages.HTTPClient { return c.http }

func (c *Client) Step() model.Step { return model.StepPosting }

func (c *Client) Vendor() string { return VendorName }

type postRequest struct {
	Text       string   `json:"text"`
	MediaURLs  []string `json:"mediaUrls"`
	AccountIDs []string `json:"accountIds"`
	Reference  string   `json:"reference"`
}

type post struct {
	ID      string `json:"id"`
	Status  string `json:"status"`
	PostURL string `json:"postUrl"`
	Error   string `json:"error"`
	Code    string `json:"code"`
}

func headers(creds config.BrandCredentials) map[string]string {
	return map[string]string{"Authorization": "Bearer " + creds.SocialAPIKey}
}

// Submit publishes immediately; slot timing is enforced before the task runs.
func (c *Client) Submit(ctx context.Context, req stages.SubmitRequest) (*stages.SubmitResult, error) {
	if req.InputURL == "" {
		return nil, stages.NewPermanentError("no stored video to post")
	}
	if len(req.Credentials.SocialAccountIDs) == 0 {
		return nil, stages.NewPermanentError("brand has no social accounts configured")
	}
	text := req.Content.Caption
	if text == "" {
		text = req.Content.Title
	}
	h := headers(req.Credentials)
	h["Idempotency-Key"] = req.IdempotencyKey

	var resp post
	err := c.http.Call(ctx, http.MethodPost, "/v1/posts", h, postRequest{
		Text:       text,
		MediaURLs:  []string{req.InputURL},
		AccountIDs: req.Credentials.SocialAccountIDs,
		Reference:  req.IdempotencyKey,
	}, &resp)
	if err != nil {
		return nil, err
	}
	if resp.ID == "" {
		return nil, stages.NewStatusError(http.StatusBadGateway, "post response carried no id")
	}
	return &stages.SubmitResult{ExternalID: resp.ID}, nil
}

func (c *Client) PollStatus(ctx context.Context, creds config.BrandCredentials, externalID string) (*stages.PollResult, error) {
	var resp post
	if err := c.http.Call(ctx, http.MethodGet, "/v1/posts/"+url.PathEscape(externalID), headers(creds), nil, &resp); err != nil {
		return nil, err
	}
	return pollResult(resp), nil
}

func pollResult(p post) *stages.PollResult {
	switch strings.ToLower(p.Status) {
	case "published":
		return &stages.PollResult{Status: stages.StatusDone, ResultURL: p.PostURL}
	case "failed", "rejected":
		kind := model.ErrorTransient
		if strings.ToLower(p.Status) == "rejected" || p.Code == "policy_violation" || p.Code == "account_disconnected" {
			kind = model.ErrorPermanent
		}
		return &stages.PollResult{Status: stages.StatusFailed, Reason: p.Error, ErrorKind: kind}
	}
	return &stages.PollResult{Status: stages.StatusPending}
}

func (c *Client) VerifyWebhook(header http.Header, body []byte, secret string) error {
	return stages.VerifyHMAC(body, header.Get(SignatureHeader), secret)
}

func (c *Client) ParseWebhook(body []byte) (*stages.WebhookResult, error) {
	var p struct {
		PostID string `json:"postId"`
		post
	}
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("decode social webhook: %w", err)
	}
	if p.PostID == "" {
		p.PostID = p.ID
	}
	if p.PostID == "" {
		return nil, fmt.Errorf("social webhook has no post id")
	}
	poll := pollResult(p.post)
	return &stages.WebhookResult{
		ExternalID:   p.PostID,
		Status:       poll.Status,
		ResultURL:    poll.ResultURL,
		ErrorMessage: poll.Reason,
		ErrorKind:    poll.ErrorKind,
	}, nil
}
