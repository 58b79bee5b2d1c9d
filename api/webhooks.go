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
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// ReceiveWebhook accepts a vendor callback for a brand. The body is read
// raw so the signature is checked over the exact bytes sent. Anything the
// pipeline cannot use after authentication is still acknowledged with 200
// so the vendor stops retrying.
func (a Api) ReceiveWebhook(c *gin.Context) {
	vendor, brand := c.Param("vendor"), c.Param("brand")

	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "could not read body"})
		return
	}

	result, err := a.reelflow.IngestWebhook(c.Request.Context(), vendor, brand, c.Request.Header, body)
	if err != nil {
		logrus.WithFields(logrus.Fields{"vendor": vendor, "brand": brand}).Warnf("webhook rejected: %v", err)
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}
