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

// Package storage copies finished videos into the brand's object store. The
// copy completes within the submit call, so the step never waits on a
// webhook.
package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"
	"github.com/reelflow/reelflow/config"
	"github.com/reelflow/reelflow/internal/stages"
	"github.com/reelflow/reelflow/model"
)

const maxObjectBytes = 512 << 20

type Client struct {
	store    ObjectStorage
	download *resty.Client
	prefix   string
}

func New(store ObjectStorage, keyPrefix string) *Client {
	return &Client{
		store:    store,
		download: resty.New().SetTimeout(5 * time.Minute),
		prefix:   strings.Trim(keyPrefix, "/"),
	}
}

// Downloader exposes the download client for tests.
func (c *Client) Downloader() *resty.Client { return c.download }

func (c *Client) Step() model.Step { return model.StepStorage }

// ObjectKey is deterministic per item so a repeated upload overwrites the
// same object.
func (c *Client) ObjectKey(brand, workflowID string) string {
	return path.Join(c.prefix, brand, workflowID+".mp4")
}

func (c *Client) Submit(ctx context.Context, req stages.SubmitRequest) (*stages.SubmitResult, error) {
	if req.InputURL == "" {
		return nil, stages.NewPermanentError("no captioned video to store")
	}

	resp, err := c.download.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		Get(req.InputURL)
	if err != nil {
		return nil, stages.NewTransportError(errors.Wrap(err, "download captioned video"))
	}
	body := resp.RawBody()
	defer body.Close()

	if resp.StatusCode() >= http.StatusBadRequest {
		return nil, stages.NewStatusError(resp.StatusCode(), "download captioned video")
	}

	data, err := io.ReadAll(io.LimitReader(body, maxObjectBytes+1))
	if err != nil {
		return nil, stages.NewTransportError(errors.Wrap(err, "read captioned video"))
	}
	if len(data) > maxObjectBytes {
		return nil, stages.NewPermanentError(fmt.Sprintf("video exceeds %d bytes", maxObjectBytes))
	}

	contentType := resp.Header().Get("Content-Type")
	if contentType == "" {
		contentType = "video/mp4"
	}

	key := c.ObjectKey(req.Brand, req.WorkflowID)
	if err := c.store.Upload(ctx, key, bytes.NewReader(data), int64(len(data)), contentType); err != nil {
		return nil, stages.NewTransportError(err)
	}

	return &stages.SubmitResult{ExternalID: key, Done: true, ResultURL: c.store.GetURL(key)}, nil
}

// PollStatus reports done once the object is present.
func (c *Client) PollStatus(ctx context.Context, _ config.BrandCredentials, externalID string) (*stages.PollResult, error) {
	ok, err := c.store.Exists(ctx, externalID)
	if err != nil {
		return nil, stages.NewTransportError(err)
	}
	if !ok {
		return &stages.PollResult{Status: stages.StatusPending}, nil
	}
	return &stages.PollResult{Status: stages.StatusDone, ResultURL: c.store.GetURL(externalID)}, nil
}
