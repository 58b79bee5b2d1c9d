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
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/reelflow/reelflow/internal/apierror"
	"github.com/reelflow/reelflow/model"
	"go.opentelemetry.io/otel"
)

// ErrVersionConflict is returned when a conditional update finds the item at
// a different version than the caller read.
var ErrVersionConflict = errors.New("workflow was modified concurrently")

const refCacheTTL = 24 * time.Hour

const workflowColumns = `workflow_id, brand, content, stage, external_refs, payload_urls, retry_count, generation,
	last_retry_at, scheduled_for, error, version, created_at, updated_at, meta_data`

var tracer = otel.Tracer("reelflow.database")

type rowScanner interface {
	Scan(dest ...interface{}) error
}

type refEntry struct {
	Brand      string `json:"brand"`
	WorkflowID string `json:"workflow_id"`
}

func refCacheKey(step model.Step, externalID string) string {
	return fmt.Sprintf("reelflow:ref:%s:%s", step, externalID)
}

func nullTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return *t
}

func marshalNullable(v interface{}, isNil bool) ([]byte, error) {
	if isNil {
		return nil, nil
	}
	return json.Marshal(v)
}

type workflowJSON struct {
	content, refs, urls, errJSON, meta []byte
}

func encodeWorkflow(item *model.WorkflowItem) (workflowJSON, error) {
	var out workflowJSON
	var err error
	if out.content, err = json.Marshal(item.Content); err != nil {
		return out, err
	}
	if item.ExternalRefs == nil {
		item.ExternalRefs = map[model.Step]string{}
	}
	if out.refs, err = json.Marshal(item.ExternalRefs); err != nil {
		return out, err
	}
	if item.PayloadURLs == nil {
		item.PayloadURLs = map[model.Step]string{}
	}
	if out.urls, err = json.Marshal(item.PayloadURLs); err != nil {
		return out, err
	}
	if out.errJSON, err = marshalNullable(item.Error, item.Error == nil); err != nil {
		return out, err
	}
	if out.meta, err = marshalNullable(item.MetaData, item.MetaData == nil); err != nil {
		return out, err
	}
	return out, nil
}

func scanWorkflow(row rowScanner) (*model.WorkflowItem, error) {
	item := model.WorkflowItem{}
	var stage string
	var contentJSON, refsJSON, urlsJSON, errJSON, metaJSON []byte
	var lastRetry, scheduled sql.NullTime

	err := row.Scan(&item.WorkflowID, &item.Brand, &contentJSON, &stage, &refsJSON, &urlsJSON, &item.RetryCount,
		&item.Generation, &lastRetry, &scheduled, &errJSON, &item.Version, &item.CreatedAt, &item.UpdatedAt, &metaJSON)
	if err != nil {
		return nil, err
	}

	item.Stage = model.Stage(stage)
	if !item.Stage.Valid() {
		return nil, fmt.Errorf("workflow %s has unknown stage %q", item.WorkflowID, stage)
	}
	if err := json.Unmarshal(contentJSON, &item.Content); err != nil {
		return nil, fmt.Errorf("workflow %s content: %w", item.WorkflowID, err)
	}
	item.ExternalRefs = map[model.Step]string{}
	if len(refsJSON) > 0 {
		if err := json.Unmarshal(refsJSON, &item.ExternalRefs); err != nil {
			return nil, fmt.Errorf("workflow %s external refs: %w", item.WorkflowID, err)
		}
	}
	item.PayloadURLs = map[model.Step]string{}
	if len(urlsJSON) > 0 {
		if err := json.Unmarshal(urlsJSON, &item.PayloadURLs); err != nil {
			return nil, fmt.Errorf("workflow %s payload urls: %w", item.WorkflowID, err)
		}
	}
	if len(errJSON) > 0 {
		item.Error = &model.WorkflowError{}
		if err := json.Unmarshal(errJSON, item.Error); err != nil {
			return nil, fmt.Errorf("workflow %s error: %w", item.WorkflowID, err)
		}
	}
	if len(metaJSON) > 0 {
		if err := json.Unmarshal(metaJSON, &item.MetaData); err != nil {
			return nil, fmt.Errorf("workflow %s metadata: %w", item.WorkflowID, err)
		}
	}
	if lastRetry.Valid {
		t := lastRetry.Time
		item.LastRetryAt = &t
	}
	if scheduled.Valid {
		t := scheduled.Time
		item.ScheduledFor = &t
	}
	return &item, nil
}

func insertTransition(ctx context.Context, tx *sql.Tx, record model.TransitionRecord) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO reelflow.workflow_transitions (workflow_id, brand, from_stage, to_stage, event_kind, step, source, rollback, note, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, record.WorkflowID, record.Brand, string(record.FromStage), string(record.ToStage), string(record.EventKind),
		string(record.Step), string(record.Source), record.Rollback, record.Note, record.CreatedAt)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to record transition", err)
	}
	return nil
}

// CreateWorkflow inserts a new item in the created stage together with its
// first transition record.
func (d Datasource) CreateWorkflow(ctx context.Context, item *model.WorkflowItem) (*model.WorkflowItem, error) {
	ctx, span := tracer.Start(ctx, "Creating workflow")
	defer span.End()

	if item.Version == 0 {
		item.Version = 1
	}
	enc, err := encodeWorkflow(item)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to encode workflow", err)
	}

	tx, err := d.Conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrUnavailable, "Failed to begin transaction", err)
	}
	defer func(tx *sql.Tx) {
		_ = tx.Rollback()
	}(tx)

	_, err = tx.ExecContext(ctx, `
		INSERT INTO reelflow.workflows (workflow_id, brand, source_id, content, stage, external_refs, payload_urls,
			retry_count, generation, version, created_at, updated_at, meta_data)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`, item.WorkflowID, item.Brand, item.Content.SourceID, enc.content, string(item.Stage), enc.refs, enc.urls,
		item.RetryCount, item.Generation, item.Version, item.CreatedAt, item.UpdatedAt, enc.meta)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
			return nil, apierror.NewAPIError(apierror.ErrConflict,
				fmt.Sprintf("an active workflow already exists for source %s in brand %s", item.Content.SourceID, item.Brand), nil)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to create workflow", err)
	}

	err = insertTransition(ctx, tx, model.TransitionRecord{
		WorkflowID: item.WorkflowID,
		Brand:      item.Brand,
		FromStage:  model.StageCreated,
		ToStage:    model.StageCreated,
		EventKind:  model.EventCreated,
		Source:     model.SourceIntake,
		CreatedAt:  item.CreatedAt,
	})
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to commit workflow", err)
	}
	return item, nil
}

func (d Datasource) GetWorkflow(ctx context.Context, brand, workflowID string) (*model.WorkflowItem, error) {
	ctx, span := tracer.Start(ctx, "Fetching workflow")
	defer span.End()

	row := d.Conn.QueryRowContext(ctx, `
		SELECT `+workflowColumns+`
		FROM reelflow.workflows
		WHERE brand = $1 AND workflow_id = $2
	`, brand, workflowID)

	item, err := scanWorkflow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("workflow %s not found", workflowID), nil)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve workflow", err)
	}
	return item, nil
}

// UpdateWorkflow writes the item only if it is still at expectedVersion and
// appends the transition record in the same transaction. On success the
// item's version is advanced.
func (d Datasource) UpdateWorkflow(ctx context.Context, item *model.WorkflowItem, expectedVersion int64, record model.TransitionRecord) error {
	ctx, span := tracer.Start(ctx, "Updating workflow")
	defer span.End()

	enc, err := encodeWorkflow(item)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to encode workflow", err)
	}

	tx, err := d.Conn.BeginTx(ctx, nil)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrUnavailable, "Failed to begin transaction", err)
	}
	defer func(tx *sql.Tx) {
		_ = tx.Rollback()
	}(tx)

	result, err := tx.ExecContext(ctx, `
		UPDATE reelflow.workflows
		SET stage = $3, external_refs = $4, payload_urls = $5, retry_count = $6, generation = $7, last_retry_at = $8,
			scheduled_for = $9, error = $10, meta_data = $11, updated_at = $12, version = version + 1
		WHERE brand = $1 AND workflow_id = $2 AND version = $13
	`, item.Brand, item.WorkflowID, string(item.Stage), enc.refs, enc.urls, item.RetryCount, item.Generation,
		nullTime(item.LastRetryAt), nullTime(item.ScheduledFor), enc.errJSON, enc.meta, item.UpdatedAt, expectedVersion)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to update workflow", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to get rows affected", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("%w: workflow %s expected version %d", ErrVersionConflict, item.WorkflowID, expectedVersion)
	}

	if err := insertTransition(ctx, tx, record); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to commit workflow update", err)
	}

	item.Version = expectedVersion + 1
	return nil
}

// FindWorkflowByExternalRef resolves the item that currently owns a vendor id
// for a step. The cache only remembers which item a vendor id was issued to;
// the stored ref is always checked so a ref cleared by a rollback no longer
// resolves.
func (d Datasource) FindWorkflowByExternalRef(ctx context.Context, step model.Step, externalID string) (*model.WorkflowItem, error) {
	ctx, span := tracer.Start(ctx, "Resolving external ref")
	defer span.End()

	notFound := apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("no workflow owns %s ref %s", step, externalID), nil)

	if d.Cache != nil {
		var entry refEntry
		if err := d.Cache.Get(ctx, refCacheKey(step, externalID), &entry); err == nil && entry.WorkflowID != "" {
			item, err := d.GetWorkflow(ctx, entry.Brand, entry.WorkflowID)
			if err != nil {
				return nil, err
			}
			if item.ExternalRef(step) != externalID {
				return nil, notFound
			}
			return item, nil
		}
	}

	filter, err := json.Marshal(map[model.Step]string{step: externalID})
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to encode ref filter", err)
	}

	row := d.Conn.QueryRowContext(ctx, `
		SELECT `+workflowColumns+`
		FROM reelflow.workflows
		WHERE external_refs @> $1::jsonb
		ORDER BY updated_at DESC
		LIMIT 1
	`, filter)

	item, err := scanWorkflow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, notFound
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to resolve external ref", err)
	}

	if d.Cache != nil {
		_ = d.Cache.Set(ctx, refCacheKey(step, externalID), refEntry{Brand: item.Brand, WorkflowID: item.WorkflowID}, refCacheTTL)
	}
	return item, nil
}

func (d Datasource) queryWorkflows(ctx context.Context, query string, args ...interface{}) ([]*model.WorkflowItem, error) {
	rows, err := d.Conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to query workflows", err)
	}
	defer rows.Close()

	items := []*model.WorkflowItem{}
	for rows.Next() {
		item, err := scanWorkflow(rows)
		if err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan workflow", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Error occurred while iterating over workflows", err)
	}
	return items, nil
}

// ListWorkflowsByStage returns items of a brand resting in stage whose last
// update is older than updatedBefore, oldest first.
func (d Datasource) ListWorkflowsByStage(ctx context.Context, brand string, stage model.Stage, updatedBefore time.Time, limit int) ([]*model.WorkflowItem, error) {
	ctx, span := tracer.Start(ctx, "Listing workflows by stage")
	defer span.End()

	return d.queryWorkflows(ctx, `
		SELECT `+workflowColumns+`
		FROM reelflow.workflows
		WHERE brand = $1 AND stage = $2 AND updated_at < $3
		ORDER BY updated_at ASC
		LIMIT $4
	`, brand, string(stage), updatedBefore, limit)
}

func (d Datasource) ListDuePosts(ctx context.Context, brand string, now time.Time, limit int) ([]*model.WorkflowItem, error) {
	ctx, span := tracer.Start(ctx, "Listing due posts")
	defer span.End()

	return d.queryWorkflows(ctx, `
		SELECT `+workflowColumns+`
		FROM reelflow.workflows
		WHERE brand = $1 AND stage = 'ready_to_post' AND scheduled_for <= $2
		ORDER BY scheduled_for ASC
		LIMIT $3
	`, brand, now, limit)
}

func (d Datasource) ListWorkflows(ctx context.Context, brand string, stage model.Stage, limit, offset int) ([]*model.WorkflowItem, error) {
	if limit <= 0 {
		limit = model.DefaultListLimit
	}
	if limit > model.MaxListLimit {
		limit = model.MaxListLimit
	}
	if offset < 0 {
		offset = 0
	}
	if stage == "" {
		return d.queryWorkflows(ctx, `
			SELECT `+workflowColumns+`
			FROM reelflow.workflows
			WHERE brand = $1
			ORDER BY created_at DESC
			LIMIT $2 OFFSET $3
		`, brand, limit, offset)
	}
	return d.queryWorkflows(ctx, `
		SELECT `+workflowColumns+`
		FROM reelflow.workflows
		WHERE brand = $1 AND stage = $2
		ORDER BY created_at DESC
		LIMIT $3 OFFSET $4
	`, brand, string(stage), limit, offset)
}

// DeleteTerminalWorkflows removes completed and failed items last touched
// before the cutoff, with their transitions and slot claims.
func (d Datasource) DeleteTerminalWorkflows(ctx context.Context, brand string, before time.Time) (int64, error) {
	ctx, span := tracer.Start(ctx, "Deleting terminal workflows")
	defer span.End()

	var deleted int64
	err := d.Conn.QueryRowContext(ctx, `
		WITH doomed AS (
			DELETE FROM reelflow.workflows
			WHERE brand = $1 AND stage IN ('completed', 'failed') AND updated_at < $2
			RETURNING workflow_id
		), purged_transitions AS (
			DELETE FROM reelflow.workflow_transitions
			WHERE brand = $1 AND workflow_id IN (SELECT workflow_id FROM doomed)
		), purged_slots AS (
			DELETE FROM reelflow.posting_slots
			WHERE brand = $1 AND workflow_id IN (SELECT workflow_id FROM doomed)
		)
		SELECT COUNT(*) FROM doomed
	`, brand, before).Scan(&deleted)
	if err != nil {
		return 0, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to delete terminal workflows", err)
	}
	return deleted, nil
}
