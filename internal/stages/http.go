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

package stages

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"
	"github.com/reelflow/reelflow/config"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// HTTPClient is the shared transport for JSON vendor APIs. Calls wait on a
// per-vendor rate limiter and transient failures are retried with
// exponential backoff.
type HTTPClient struct {
	vendor     string
	rest       *resty.Client
	limiter    *rate.Limiter
	maxRetries int
	interval   time.Duration
}

func NewHTTPClient(vendor string, cfg config.VendorConfig) *HTTPClient {
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 5
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	timeout := time.Duration(cfg.TimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	rest := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")

	return &HTTPClient{
		vendor:     vendor,
		rest:       rest,
		limiter:    rate.NewLimiter(rate.Limit(rps), burst),
		maxRetries: cfg.MaxRetries,
		interval:   500 * time.Millisecond,
	}
}

// Resty exposes the underlying client so tests can mount a mock transport.
func (c *HTTPClient) Resty() *resty.Client {
	return c.rest
}

// SetRetryInterval changes the initial backoff interval.
func (c *HTTPClient) SetRetryInterval(d time.Duration) {
	c.interval = d
}

// Call performs one logical request. result is decoded on 2xx; vendor
// errors are classified and only transient ones are retried.
func (c *HTTPClient) Call(ctx context.Context, method, path string, headers map[string]string, body, result interface{}) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.interval
	policy.MaxInterval = 10 * time.Second
	policy.MaxElapsedTime = 2 * time.Minute

	var b backoff.BackOff = policy
	if c.maxRetries >= 0 {
		b = backoff.WithMaxRetries(policy, uint64(c.maxRetries))
	}
	b = backoff.WithContext(b, ctx)

	attempt := 0
	operation := func() error {
		attempt++
		if err := c.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(NewTransportError(err))
		}

		req := c.rest.R().SetContext(ctx).SetHeaders(headers)
		if body != nil {
			req.SetBody(body)
		}
		if result != nil {
			req.SetResult(result)
		}
		resp, err := req.Execute(method, path)
		if err != nil {
			return NewTransportError(errors.Wrapf(err, "%s %s %s", c.vendor, method, path))
		}
		if resp.IsError() {
			verr := NewStatusError(resp.StatusCode(), truncate(resp.String(), 512))
			if !verr.Transient() {
				return backoff.Permanent(verr)
			}
			return verr
		}
		return nil
	}

	notify := func(err error, wait time.Duration) {
		logrus.WithFields(logrus.Fields{
			"vendor":  c.vendor,
			"path":    path,
			"attempt": attempt,
			"wait":    wait.String(),
		}).WithError(err).Warn("vendor call failed, retrying")
	}

	err := backoff.RetryNotify(operation, b, notify)
	if err == nil {
		return nil
	}
	if IsVendorError(err) {
		return err
	}
	// context expiry while waiting between attempts
	return NewTransportError(err)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
