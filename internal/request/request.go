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

package request

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
)

// defaultClient is shared by outbound notification calls.
var defaultClient = resty.New().SetTimeout(10 * time.Second)

// Client returns the shared resty client. Tests activate httpmock on its
// transport.
func Client() *resty.Client {
	return defaultClient
}

// PostJSON sends body as JSON to url with the given headers. A non 2xx
// response is returned as an error carrying the status code.
func PostJSON(ctx context.Context, url string, headers map[string]string, body interface{}) (int, error) {
	resp, err := defaultClient.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetHeaders(headers).
		SetBody(body).
		Post(url)
	if err != nil {
		return 0, err
	}
	if resp.IsError() {
		return resp.StatusCode(), fmt.Errorf("POST %s returned %d: %s", url, resp.StatusCode(), resp.String())
	}
	return resp.StatusCode(), nil
}
