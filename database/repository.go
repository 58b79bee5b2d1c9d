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

package database

import (
	"context"
	"time"

	"github.com/reelflow/reelflow/model"
)

// IDataSource defines the interface for data source operations, grouping related functionalities.
// Every query is partitioned by brand.
type IDataSource interface {
	workflow    // Workflow item storage and lookups
	transitions // Append only transition log
	slots       // Posting slot claims
}

type workflow interface {
	CreateWorkflow(ctx context.Context, item *model.WorkflowItem) (*model.WorkflowItem, error)                                          // Inserts a new item; 409 when an active item exists for the source
	GetWorkflow(ctx context.Context, brand, workflowID string) (*model.WorkflowItem, error)                                            // Reads one item
	UpdateWorkflow(ctx context.Context, item *model.WorkflowItem, expectedVersion int64, record model.TransitionRecord) error           // Conditional update plus transition record
	FindWorkflowByExternalRef(ctx context.Context, step model.Step, externalID string) (*model.WorkflowItem, error)                    // Reverse lookup of a vendor id
	ListWorkflowsByStage(ctx context.Context, brand string, stage model.Stage, updatedBefore time.Time, limit int) ([]*model.WorkflowItem, error) // Items resting in a stage since before a time
	ListDuePosts(ctx context.Context, brand string, now time.Time, limit int) ([]*model.WorkflowItem, error)                            // ready_to_post items whose slot has arrived
	ListWorkflows(ctx context.Context, brand string, stage model.Stage, limit, offset int) ([]*model.WorkflowItem, error)               // Paged listing, optional stage filter
	DeleteTerminalWorkflows(ctx context.Context, brand string, before time.Time) (int64, error)                                        // Retention cleanup
}

type transitions interface {
	ListTransitions(ctx context.Context, brand, workflowID string) ([]model.TransitionRecord, error)
}

type slots interface {
	ClaimSlot(ctx context.Context, brand string, slotAt time.Time, workflowID string) (bool, error) // false when the slot is taken
	ReleaseSlot(ctx context.Context, brand string, slotAt time.Time, workflowID string) error
	FindSlotClaim(ctx context.Context, brand, workflowID string) (*time.Time, error) // nil when the item holds no slot
}
