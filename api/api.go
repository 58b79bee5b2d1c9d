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
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/reelflow/reelflow"
	"github.com/reelflow/reelflow/api/middleware"
	"github.com/reelflow/reelflow/config"
)

// defaultMaxBodyBytes applies when server.max_body_bytes is unset.
const defaultMaxBodyBytes = 1 << 20

type Api struct {
	reelflow *reelflow.Reelflow
	router   *gin.Engine
}

// Router registers every route. Webhooks, health and metrics sit outside
// bearer auth; vendor webhooks are authenticated by their signature.
func (a Api) Router() *gin.Engine {
	router := a.router

	router.GET("/health", a.Health)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.POST("/webhooks/:vendor/:brand", a.ReceiveWebhook)

	secured := router.Group("/", middleware.Authenticate())
	secured.POST("/workflow/:brand", a.CreateWorkflow)
	secured.GET("/workflow/:brand", a.ListWorkflows)
	secured.GET("/workflow/:brand/:id", a.GetWorkflow)
	secured.GET("/workflow/:brand/:id/transitions", a.GetTransitions)
	secured.POST("/workflow/:brand/:id/retry", a.RetryWorkflow)
	secured.POST("/workflow/:brand/:id/cancel", a.CancelWorkflow)
	secured.POST("/reconcile", a.ReconcileAll)
	secured.POST("/reconcile/:brand", a.ReconcileBrand)

	return a.router
}

func NewAPI(r *reelflow.Reelflow) *Api {
	gin.SetMode(gin.ReleaseMode)
	conf := r.Config()

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(gin.Logger())
	if conf.EnableTelemetry {
		router.Use(otelgin.Middleware(conf.ProjectName))
	}
	router.Use(middleware.RateLimitMiddleware(conf))
	router.Use(middleware.MaxBodyBytes(maxBodyBytes(conf)))

	router.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, "server running...")
	})

	return &Api{reelflow: r, router: router}
}

func maxBodyBytes(conf *config.Configuration) int64 {
	if conf.Server.MaxBodyBytes > 0 {
		return conf.Server.MaxBodyBytes
	}
	return defaultMaxBodyBytes
}

func (a Api) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
