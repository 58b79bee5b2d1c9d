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

package social

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/jarcoal/httpmock"
	"github.com/reelflow/reelflow/config"
	"github.com/reelflow/reelflow/internal/stages"
	"github.com/reelflow/reelflow/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubmit(t *testing.T) {
	c := New(config.VendorConfig{BaseURL: "https://social.test", RequestsPerSecond: 100, Burst: 10})
	httpmock.ActivateNonDefault(c.HTTP().Resty().GetClient())
	defer httpmock.DeactivateAndReset()

	httpmock.RegisterResponder("POST", "https://social.test/v1/posts", func(req *http.Request) (*http.Response, error) {
		assert.Equal(t, "Bearer sk", req.Header.Get("Authorization"))
		assert.Equal(t, "acme:wf_1:posting:r0", req.Header.Get("Idempotency-Key"))
		var body postRequest
		require.NoError(t, json.NewDecoder(req.Body).Decode(&body))
		assert.Equal(t, "Fresh listing", body.Text)
		assert.Equal(t, []string{"https://cdn.test/acme/wf_1.mp4"}, body.MediaURLs)
		return httpmock.NewJsonResponse(200, map[string]string{"id": "post_1", "status": "pending"})
	})

	res, err := c.Submit(context.Background(), stages.SubmitRequest{
		IdempotencyKey: "acme:wf_1:posting:r0",
		InputURL:       "https://cdn.test/acme/wf_1.mp4",
		Content:        model.Content{Title: "Fresh listing"},
		Credentials:    config.BrandCredentials{SocialAPIKey: "sk", SocialAccountIDs: []string{"tt_1"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "post_1", res.ExternalID)
}

func TestSubmit_NoAccounts(t *testing.T) {
	c := New(config.VendorConfig{})
	_, err := c.Submit(context.Background(), stages.SubmitRequest{InputURL: "https://cdn.test/x.mp4"})
	assert.Equal(t, model.ErrorPermanent, stages.KindOf(err))
}

func TestWebhook(t *testing.T) {
	c := New(config.VendorConfig{})
	body := []byte(`{"postId":"post_1","status":"published","postUrl":"https://tiktok.test/p/1"}`)
	header := http.Header{}
	header.Set(SignatureHeader, stages.Sign(body, "sig"))

	require.NoError(t, c.VerifyWebhook(header, body, "sig"))

	res, err := c.ParseWebhook(body)
	require.NoError(t, err)
	assert.Equal(t, stages.StatusDone, res.Status)
	assert.Equal(t, "https://tiktok.test/p/1", res.ResultURL)

	res, err = c.ParseWebhook([]byte(`{"postId":"post_2","status":"rejected","error":"policy"}`))
	require.NoError(t, err)
	assert.Equal(t, stages.StatusFailed, res.Status)
	assert.Equal(t, model.ErrorPermanent, res.ErrorKind)
}
