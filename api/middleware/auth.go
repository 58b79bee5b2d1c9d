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

package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/reelflow/reelflow/config"
)

const (
	AuthHeader = "Authorization"
	RoleKey    = "role"
)

// pathToResource maps the first URL segment to the resource it protects.
var pathToResource = map[string]Resource{
	"workflow":  ResourceWorkflows,
	"reconcile": ResourceReconcile,
}

// getResourceFromPath determines the resource type from the URL path.
//
// Parameters:
// - path: The URL path to analyze.
//
// Returns:
// - Resource: The determined resource type, or empty string if not found.
func getResourceFromPath(path string) Resource {
	parts := strings.Split(strings.TrimPrefix(path, "/"), "/")
	if len(parts) == 0 {
		return ""
	}
	return pathToResource[parts[0]]
}

// Authenticate returns a middleware that resolves the bearer secret to a
// role and checks that role against the requested resource. The operator
// secret is server.secret_key; the reconciler secret is
// server.reconciler_token.
//
// Responses:
// - 401 Unauthorized: When the bearer secret is missing or unknown.
// - 403 Forbidden: When the role may not use the resource.
// - 500 Internal Server Error: When secure mode is on without a secret key.
func Authenticate() gin.HandlerFunc {
	return func(c *gin.Context) {
		conf, err := config.Fetch()
		if err != nil {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "configuration not loaded"})
			return
		}
		if !conf.Server.Secure {
			c.Set(RoleKey, RoleOperator)
			c.Next()
			return
		}
		if conf.Server.SecretKey == "" {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "Secret key is not configured"})
			return
		}

		key := extractBearer(c)
		if key == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Authentication required. Use Authorization: Bearer <secret>"})
			return
		}

		role, ok := resolveRole(conf.Server, key)
		if !ok {
			logrus.WithField("path", c.Request.URL.Path).Warn("rejected request with unknown secret")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid secret"})
			return
		}

		resource := getResourceFromPath(c.Request.URL.Path)
		if resource == "" || !RoleHasPermission(role, resource, c.Request.Method) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "Insufficient permissions for " + string(resource)})
			return
		}

		c.Set(RoleKey, role)
		c.Next()
	}
}

func resolveRole(server config.ServerConfig, key string) (Role, bool) {
	if secureCompare(server.SecretKey, key) {
		return RoleOperator, true
	}
	if server.ReconcilerToken != "" && secureCompare(server.ReconcilerToken, key) {
		return RoleReconciler, true
	}
	return "", false
}

// extractBearer retrieves the secret from an Authorization: Bearer header.
func extractBearer(c *gin.Context) string {
	header := c.GetHeader(AuthHeader)
	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}
