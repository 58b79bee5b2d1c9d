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
	"errors"
	"time"

	"github.com/reelflow/reelflow/internal/apierror"
	"github.com/reelflow/reelflow/model"
)

// ClaimSlot records that workflowID posts at slotAt. The (brand, slot_at)
// primary key makes the claim atomic across instances; false means another
// item already holds the slot.
func (d Datasource) ClaimSlot(ctx context.Context, brand string, slotAt time.Time, workflowID string) (bool, error) {
	ctx, span := tracer.Start(ctx, "Claiming posting slot")
	defer span.End()

	result, err := d.Conn.ExecContext(ctx, `
		INSERT INTO reelflow.posting_slots (brand, slot_at, workflow_id)
		VALUES ($1, $2, $3)
		ON CONFLICT DO NOTHING
	`, brand, slotAt, workflowID)
	if err != nil {
		return false, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to claim posting slot", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to get rows affected", err)
	}
	return n == 1, nil
}

func (d Datasource) ReleaseSlot(ctx context.Context, brand string, slotAt time.Time, workflowID string) error {
	_, err := d.Conn.ExecContext(ctx, `
		DELETE FROM reelflow.posting_slots
		WHERE brand = $1 AND slot_at = $2 AND workflow_id = $3
	`, brand, slotAt, workflowID)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to release posting slot", err)
	}
	return nil
}

func (d Datasource) FindSlotClaim(ctx context.Context, brand, workflowID string) (*time.Time, error) {
	var slotAt time.Time
	err := d.Conn.QueryRowContext(ctx, `
		SELECT slot_at FROM reelflow.posting_slots
		WHERE brand = $1 AND workflow_id = $2
	`, brand, workflowID).Scan(&slotAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to look up posting slot", err)
	}
	return &slotAt, nil
}

func (d Datasource) ListTransitions(ctx context.Context, brand, workflowID string) ([]model.TransitionRecord, error) {
	ctx, span := tracer.Start(ctx, "Listing transitions")
	defer span.End()

	rows, err := d.Conn.QueryContext(ctx, `
		SELECT workflow_id, brand, from_stage, to_stage, event_kind, COALESCE(step, ''), source, rollback, COALESCE(note, ''), created_at
		FROM reelflow.workflow_transitions
		WHERE brand = $1 AND workflow_id = $2
		ORDER BY id ASC
	`, brand, workflowID)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve transitions", err)
	}
	defer rows.Close()

	records := []model.TransitionRecord{}
	for rows.Next() {
		var r model.TransitionRecord
		var from, to, kind, step, source string
		if err := rows.Scan(&r.WorkflowID, &r.Brand, &from, &to, &kind, &step, &source, &r.Rollback, &r.Note, &r.CreatedAt); err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan transition", err)
		}
		r.FromStage, r.ToStage = model.Stage(from), model.Stage(to)
		r.EventKind, r.Step, r.Source = model.EventKind(kind), model.Step(step), model.EventSource(source)
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Error occurred while iterating over transitions", err)
	}
	return records, nil
}
