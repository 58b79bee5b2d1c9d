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

package model

import (
	"time"

	"github.com/reelflow/reelflow/model"
)

// CreateWorkflow is the body intake posts to start a workflow.
type CreateWorkflow struct {
	Type      string `json:"type"`
	SourceID  string `json:"source_id"`
	Title     string `json:"title"`
	Script    string `json:"script"`
	Caption   string `json:"caption,omitempty"`
	SourceURL string `json:"source_url,omitempty"`
}

// CancelWorkflow is the optional body of a cancel request.
type CancelWorkflow struct {
	Reason string `json:"reason"`
}

// ListWorkflows holds the query of a list request.
type ListWorkflows struct {
	Stage  string `form:"stage"`
	Limit  int    `form:"limit"`
	Offset int    `form:"offset"`
}

// WorkflowStatus is what the status endpoints return for an item.
type WorkflowStatus struct {
	WorkflowID   string                 `json:"workflow_id"`
	Brand        string                 `json:"brand"`
	Stage        model.Stage            `json:"stage"`
	Content      model.Content          `json:"content"`
	ExternalRefs map[model.Step]string  `json:"external_refs"`
	PayloadURLs  map[model.Step]string  `json:"payload_urls"`
	RetryCount   int                    `json:"retry_count"`
	ScheduledFor *time.Time             `json:"scheduled_for,omitempty"`
	Error        *model.WorkflowError   `json:"error,omitempty"`
	CreatedAt    time.Time              `json:"created_at"`
	UpdatedAt    time.Time              `json:"updated_at"`
	MetaData     map[string]interface{} `json:"meta_data,omitempty"`
}

func (c *CreateWorkflow) ToContent() model.Content {
	return model.Content{
		Type:      model.ContentType(c.Type),
		SourceID:  c.SourceID,
		Title:     c.Title,
		Script:    c.Script,
		Caption:   c.Caption,
		SourceURL: c.SourceURL,
	}
}

func ToWorkflowStatus(item *model.WorkflowItem) WorkflowStatus {
	return WorkflowStatus{
		WorkflowID:   item.WorkflowID,
		Brand:        item.Brand,
		Stage:        item.Stage,
		Content:      item.Content,
		ExternalRefs: item.ExternalRefs,
		PayloadURLs:  item.PayloadURLs,
		RetryCount:   item.RetryCount,
		ScheduledFor: item.ScheduledFor,
		Error:        item.Error,
		CreatedAt:    item.CreatedAt,
		UpdatedAt:    item.UpdatedAt,
		MetaData:     item.MetaData,
	}
}

func ToWorkflowStatuses(items []*model.WorkflowItem) []WorkflowStatus {
	out := make([]WorkflowStatus, 0, len(items))
	for _, item := range items {
		out = append(out, ToWorkflowStatus(item))
	}
	return out
}
