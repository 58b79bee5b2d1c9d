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
package mocks

import (
	"context"
	"time"

	"github.com/reelflow/reelflow/model"
	"github.com/stretchr/testify/mock"
)

// MockDataSource is a mock implementation of the IDataSource interface
type MockDataSource struct {
	mock.Mock
}

func workflowOrNil(v interface{}) *model.WorkflowItem {
	if v == nil {
		return nil
	}
	return v.(*model.WorkflowItem)
}

// Workflow methods

func (m *MockDataSource) CreateWorkflow(ctx context.Context, item *model.WorkflowItem) (*model.WorkflowItem, error) {
	args := m.Called(ctx, item)
	return workflowOrNil(args.Get(0)), args.Error(1)
}

func (m *MockDataSource) GetWorkflow(ctx context.Context, brand, workflowID string) (*model.WorkflowItem, error) {
	args := m.Called(ctx, brand, workflowID)
	return workflowOrNil(args.Get(0)), args.Error(1)
}

func (m *MockDataSource) UpdateWorkflow(ctx context.Context, item *model.WorkflowItem, expectedVersion int64, record model.TransitionRecord) error {
	args := m.Called(ctx, item, expectedVersion, record)
	return args.Error(0)
}

func (m *MockDataSource) FindWorkflowByExternalRef(ctx context.Context, step model.Step, externalID string) (*model.WorkflowItem, error) {
	args := m.Called(ctx, step, externalID)
	return workflowOrNil(args.Get(0)), args.Error(1)
}

func (m *MockDataSource) ListWorkflowsByStage(ctx context.Context, brand string, stage model.Stage, updatedBefore time.Time, limit int) ([]*model.WorkflowItem, error) {
	args := m.Called(ctx, brand, stage, updatedBefore, limit)
	return args.Get(0).([]*model.WorkflowItem), args.Error(1)
}

func (m *MockDataSource) ListDuePosts(ctx context.Context, brand string, now time.Time, limit int) ([]*model.WorkflowItem, error) {
	args := m.Called(ctx, brand, now, limit)
	return args.Get(0).([]*model.WorkflowItem), args.Error(1)
}

func (m *MockDataSource) ListWorkflows(ctx context.Context, brand string, stage model.Stage, limit, offset int) ([]*model.WorkflowItem, error) {
	args := m.Called(ctx, brand, stage, limit, offset)
	return args.Get(0).([]*model.WorkflowItem), args.Error(1)
}

func (m *MockDataSource) DeleteTerminalWorkflows(ctx context.Context, brand string, before time.Time) (int64, error) {
	args := m.Called(ctx, brand, before)
	return args.Get(0).(int64), args.Error(1)
}

// Transition methods

func (m *MockDataSource) ListTransitions(ctx context.Context, brand, workflowID string) ([]model.TransitionRecord, error) {
	args := m.Called(ctx, brand, workflowID)
	return args.Get(0).([]model.TransitionRecord), args.Error(1)
}

// Slot methods

func (m *MockDataSource) ClaimSlot(ctx context.Context, brand string, slotAt time.Time, workflowID string) (bool, error) {
	args := m.Called(ctx, brand, slotAt, workflowID)
	return args.Bool(0), args.Error(1)
}

func (m *MockDataSource) ReleaseSlot(ctx context.Context, brand string, slotAt time.Time, workflowID string) error {
	args := m.Called(ctx, brand, slotAt, workflowID)
	return args.Error(0)
}

func (m *MockDataSource) FindSlotClaim(ctx context.Context, brand, workflowID string) (*time.Time, error) {
	args := m.Called(ctx, brand, workflowID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*time.Time), args.Error(1)
}
