package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/jackc/pgx/v5"

	"github.com/techops-services/keeperhub-sub010/engine/core"
	"github.com/techops-services/keeperhub-sub010/engine/workflow"
)

const selectWorkflowByID = "SELECT id, version, name, disabled, updated_at " +
	"FROM workflows WHERE id = $1"

const selectDefinitionByVersion = "SELECT definition " +
	"FROM workflows WHERE id = $1 AND version = $2"

// WorkflowRepo implements workflow.Repository. Workflows are written by the
// platform; this worker only reads them.
type WorkflowRepo struct {
	db DB
}

func NewWorkflowRepo(db DB) *WorkflowRepo {
	return &WorkflowRepo{db: db}
}

func (r *WorkflowRepo) GetWorkflow(ctx context.Context, id string) (*workflow.Workflow, error) {
	var wf workflow.Workflow
	if err := pgxscan.Get(ctx, r.db, &wf, selectWorkflowByID, id); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, workflow.ErrNotFound
		}
		return nil, fmt.Errorf("scanning workflow: %w", err)
	}
	return &wf, nil
}

// GetDefinition decodes the JSONB node graph of one workflow version.
// Versions are immutable, so only the current one is stored; asking for an
// older version reports ErrNotFound.
func (r *WorkflowRepo) GetDefinition(ctx context.Context, id string, version int) (*workflow.Definition, error) {
	var raw []byte
	if err := r.db.QueryRow(ctx, selectDefinitionByVersion, id, version).Scan(&raw); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, workflow.ErrNotFound
		}
		return nil, fmt.Errorf("scanning definition: %w", err)
	}
	var defn workflow.Definition
	if err := core.FromJSONB(raw, &defn); err != nil {
		return nil, fmt.Errorf("decoding definition %s@%d: %w", id, version, err)
	}
	return &defn, nil
}
