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

	apimodel "github.com/reelflow/reelflow/api/model"
	"github.com/reelflow/reelflow/model"
)

func (a Api) CreateWorkflow(c *gin.Context) {
	brand := c.Param("brand")

	var newWorkflow apimodel.CreateWorkflow
	if err := c.ShouldBindJSON(&newWorkflow); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}
	if err := newWorkflow.ValidateCreateWorkflow(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}

	item, err := a.reelflow.CreateWorkflow(c.Request.Context(), brand, newWorkflow.ToContent())
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, apimodel.ToWorkflowStatus(item))
}

func (a Api) GetWorkflow(c *gin.Context) {
	item, err := a.reelflow.GetWorkflow(c.Request.Context(), c.Param("brand"), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, apimodel.ToWorkflowStatus(item))
}

// ListWorkflows pages through a brand's items, newest activity last.
//
// Query:
// - stage: optional stage filter.
// - limit: page size, default 50, at most 200.
// - offset: items to skip.
func (a Api) ListWorkflows(c *gin.Context) {
	var query apimodel.ListWorkflows
	if err := c.ShouldBindQuery(&query); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}
	if err := query.ValidateListWorkflows(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}
	if query.Limit == 0 {
		query.Limit = model.DefaultListLimit
	}

	items, err := a.reelflow.ListWorkflows(c.Request.Context(), c.Param("brand"), model.Stage(query.Stage), query.Limit, query.Offset)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, apimodel.ToWorkflowStatuses(items))
}

func (a Api) GetTransitions(c *gin.Context) {
	records, err := a.reelflow.ListTransitions(c.Request.Context(), c.Param("brand"), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	if records == nil {
		records = []model.TransitionRecord{}
	}
	c.JSON(http.StatusOK, records)
}

// RetryWorkflow restarts a failed item or rechecks a stuck one. Items that
// are neither get 409.
func (a Api) RetryWorkflow(c *gin.Context) {
	item, err := a.reelflow.RetryWorkflow(c.Request.Context(), c.Param("brand"), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, apimodel.ToWorkflowStatus(item))
}

func (a Api) CancelWorkflow(c *gin.Context) {
	var req apimodel.CancelWorkflow
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
			return
		}
	}
	if err := req.ValidateCancelWorkflow(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}
	if req.Reason == "" {
		req.Reason = "cancelled by operator"
	}

	item, err := a.reelflow.CancelWorkflow(c.Request.Context(), c.Param("brand"), c.Param("id"), req.Reason)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, apimodel.ToWorkflowStatus(item))
}
