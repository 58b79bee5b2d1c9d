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

package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/reelflow/reelflow"
	"github.com/reelflow/reelflow/internal/apierror"
)

// statusFor maps service errors to HTTP status codes.
func statusFor(err error) int {
	var apiErr apierror.APIError
	switch {
	case errors.As(err, &apiErr):
		return apierror.MapErrorToHTTPStatus(apiErr)
	case errors.Is(err, reelflow.ErrUnknownBrand), errors.Is(err, reelflow.ErrUnknownVendor):
		return http.StatusNotFound
	case errors.Is(err, reelflow.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, reelflow.ErrNotRetryable), errors.Is(err, reelflow.ErrAlreadyTerminal):
		return http.StatusConflict
	case errors.Is(err, reelflow.ErrInvalidEvent):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func respondError(c *gin.Context, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		logrus.WithField("path", c.FullPath()).Error(err)
		c.JSON(status, gin.H{"error": "internal server error"})
		return
	}

	var apiErr apierror.APIError
	if errors.As(err, &apiErr) {
		c.JSON(status, gin.H{"error": apiErr.Message, "code": apiErr.Code})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
