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
	"fmt"
	"time"

	"github.com/google/uuid"
)

type ContentType string

const (
	ContentArticle ContentType = "article"
	ContentListing ContentType = "listing"
	ContentSegment ContentType = "segment"
)

// Content is the input payload handed to the pipeline by intake.
type Content struct {
	Type      ContentType `json:"type"`
	SourceID  string      `json:"source_id"`
	Title     string      `json:"title"`
	Script    string      `json:"script"`
	Caption   string      `json:"caption,omitempty"`
	SourceURL string      `json:"source_url,omitempty"`
}

// Page bounds shared by the list API and the repository.
const (
	DefaultListLimit = 50
	MaxListLimit     = 200
)

type ErrorKind string

const (
	ErrorTransient    ErrorKind = "transient"
	ErrorPermanent    ErrorKind = "permanent"
	ErrorStageTimeout ErrorKind = "stage_timeout"
	ErrorCancelled    ErrorKind = "cancelled"
)

// WorkflowError describes why an item is failed and where it stopped.
type WorkflowError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
	Step    Step      `json:"step,omitempty"`
	At      time.Time `json:"at"`
}

// WorkflowItem is one unit of content moving through the pipeline for a brand.
type WorkflowItem struct {
	WorkflowID   string                 `json:"workflow_id"`
	Brand        string                 `json:"brand"`
	Content      Content                `json:"content"`
	Stage        Stage                  `json:"stage"`
	ExternalRefs map[Step]string        `json:"external_refs"`
	PayloadURLs  map[Step]string        `json:"payload_urls"`
	RetryCount   int                    `json:"retry_count"`
	Generation   int                    `json:"generation"`
	LastRetryAt  *time.Time             `json:"last_retry_at,omitempty"`
	ScheduledFor *time.Time             `json:"scheduled_for,omitempty"`
	Error        *WorkflowError         `json:"error,omitempty"`
	Version      int64                  `json:"version"`
	CreatedAt    time.Time              `json:"created_at"`
	UpdatedAt    time.Time              `json:"updated_at"`
	MetaData     map[string]interface{} `json:"meta_data,omitempty"`
}

// NewWorkflowItem returns an item in the created stage.
func NewWorkflowItem(brand string, content Content, now time.Time) *WorkflowItem {
	return &WorkflowItem{
		WorkflowID:   GenerateUUIDWithSuffix("wf"),
		Brand:        brand,
		Content:      content,
		Stage:        StageCreated,
		ExternalRefs: map[Step]string{},
		PayloadURLs:  map[Step]string{},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// Clone returns a deep copy so transitions never mutate the stored item.
func (w *WorkflowItem) Clone() *WorkflowItem {
	c := *w
	c.ExternalRefs = make(map[Step]string, len(w.ExternalRefs))
	for k, v := range w.ExternalRefs {
		c.ExternalRefs[k] = v
	}
	c.PayloadURLs = make(map[Step]string, len(w.PayloadURLs))
	for k, v := range w.PayloadURLs {
		c.PayloadURLs[k] = v
	}
	if w.LastRetryAt != nil {
		t := *w.LastRetryAt
		c.LastRetryAt = &t
	}
	if w.ScheduledFor != nil {
		t := *w.ScheduledFor
		c.ScheduledFor = &t
	}
	if w.Error != nil {
		e := *w.Error
		c.Error = &e
	}
	if w.MetaData != nil {
		c.MetaData = make(map[string]interface{}, len(w.MetaData))
		for k, v := range w.MetaData {
			c.MetaData[k] = v
		}
	}
	return &c
}

// ExternalRef returns the vendor id recorded for a step.
func (w *WorkflowItem) ExternalRef(step Step) string {
	if w.ExternalRefs == nil {
		return ""
	}
	return w.ExternalRefs[step]
}

// LastDoneStep is the latest step whose result has been recorded.
func (w *WorkflowItem) LastDoneStep() Step {
	var last Step
	for _, step := range Steps {
		if _, ok := w.PayloadURLs[step]; ok {
			last = step
		}
	}
	return last
}

// IdempotencyKey is the key sent to vendors and used as the task id for a
// submission. The generation is bumped on every rollback, so a resubmission
// gets a fresh vendor job while redeliveries of one submission share a key.
func IdempotencyKey(brand, workflowID string, step Step, generation int) string {
	return fmt.Sprintf("%s:%s:%s:g%d", brand, workflowID, step, generation)
}

// SubmitKey is the idempotency key for submitting step in the item's current
// generation.
func (w *WorkflowItem) SubmitKey(step Step) string {
	return IdempotencyKey(w.Brand, w.WorkflowID, step, w.Generation)
}

// GenerateUUIDWithSuffix generates a UUID prefixed with the module name.
func GenerateUUIDWithSuffix(module string) string {
	return fmt.Sprintf("%s_%s", module, uuid.New().String())
}
