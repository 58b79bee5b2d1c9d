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

// Package avatar adapts the avatar video synthesis vendor.
package avatar

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
	VendorName      = "avatar"
	SignatureHeader = "X-Signature"
)

// Failure codes that will not succeed on resubmission.
var permanentCodes = map[string]bool{
	"content_rejected":     true,
	"moderation_rejected":  true,
	"invalid_avatar":       true,
	"invalid_voice":        true,
	"insufficient_credit":  true,
	"script_too_long":      true,
	"unauthorized_request": true,
}

type Client struct {
	http *stages.HTTPClient
}

func New(cfg config.VendorConfig) *Client {
	return &Client{http: stages.NewHTTPClient(VendorName, cfg)}
}

// HTTP exposes the transport for tests.
func (c *Client) HTTP() *stages.HTTPClient { return c.http }

func (c *Client) Step() model.Step { return model.StepSynthesis }

func (c *Client) Vendor() string { return VendorName }

type generateRequest struct {
	AvatarID   string `json:"avatar_id"`
	VoiceID    string `json:"voice_id"`
	Title      string `json:"title"`
	Script     string `json:"script"`
	CallbackID string `json:"callback_id"`
}

type generateResponse struct {
	Data struct {
		VideoID string `json:"video_id"`
	} `json:"data"`
}

type statusResponse struct {
	Data struct {
		ID       string `json:"id"`
		Status   string `json:"status"`
		VideoURL string `json:"video_url"`
		Error    *struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	} `json:"data"`
}

func authHeaders(creds config.BrandCredentials) map[string]string {
	return map[string]string{"X-Api-Key": creds.AvatarAPIKey}
}

func (c *Client) Submit(ctx context.Context, req stages.SubmitRequest) (*stages.SubmitResult, error) {
	if strings.TrimSpace(req.Content.Script) == "" {
		return nil, stages.NewPermanentError("script is empty")
	}
	headers := authHeaders(req.Credentials)
	headers["Idempotency-Key"] = req.IdempotencyKey

	var resp generateResponse
	err := c.http.Call(ctx, http.MethodPost, "/v2/video/generate", headers, generateRequest{
		AvatarID:   req.Credentials.AvatarID,
		VoiceID:    req.Credentials.VoiceID,
		Title:      req.Content.Title,
		Script:     req.Content.Script,
		CallbackID: req.IdempotencyKey,
	}, &resp)
	if err != nil {
		return nil, err
	}
	if resp.Data.VideoID == "" {
		return nil, stages.NewStatusError(http.StatusBadGateway, "generate response carried no video id")
	}
	return &stages.SubmitResult{ExternalID: resp.Data.VideoID}, nil
}

func (c *Client) PollStatus(ctx context.Context, creds config.BrandCredentials, externalID string) (*stages.PollResult, error) {
	var resp statusResponse
	path := "/v1/video_status.get?video_id=" + url.QueryEscape(externalID)
	if err := c.http.Call(ctx, http.MethodGet, path, authHeaders(creds), nil, &resp); err != nil {
		return nil, err
	}

	switch resp.Data.Status {
	case "completed":
		return &stages.PollResult{Status: stages.StatusDone, ResultURL: resp.Data.VideoURL}, nil
	case "failed":
		code, msg := "", "video generation failed"
		if resp.Data.Error != nil {
			code, msg = resp.Data.Error.Code, resp.Data.Error.Message
		}
		return &stages.PollResult{Status: stages.StatusFailed, Reason: msg, ErrorKind: kindForCode(code)}, nil
	default:
		return &stages.PollResult{Status: stages.StatusPending}, nil
	}
}

func (c *Client) VerifyWebhook(header http.Header, body []byte, secret string) error {
	return stages.VerifyHMAC(body, header.Get(SignatureHeader), secret)
}

type webhookPayload struct {
	EventType string `json:"event_type"`
	EventData struct {
		VideoID    string `json:"video_id"`
		URL        string `json:"url"`
		Code       string `json:"code"`
		Msg        string `json:"msg"`
		CallbackID string `json:"callback_id"`
	} `json:"event_data"`
}

func (c *Client) ParseWebhook(body []byte) (*stages.WebhookResult, error) {
	var p webhookPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("decode avatar webhook: %w", err)
	}
	if p.EventData.VideoID == "" {
		return nil, fmt.Errorf("avatar webhook has no video id")
	}

	res := &stages.WebhookResult{ExternalID: p.EventData.VideoID}
	switch p.EventType {
	case "avatar_video.success":
		res.Status = stages.StatusDone
		res.ResultURL = p.EventData.URL
	case "avatar_video.fail":
		res.Status = stages.StatusFailed
		res.ErrorMessage = p.EventData.Msg
		res.ErrorKind = kindForCode(p.EventData.Code)
	default:
		res.Status = stages.StatusPending
	}
	return res, nil
}

func kindForCode(code string) model.ErrorKind {
	if permanentCodes[strings.ToLower(code)] {
		return model.ErrorPermanent
	}
	return model.ErrorTransient
}
