package workflow

import (
	"context"
	"time"
)

// Workflow is the platform-owned registry row for a workflow: identity,
// current version, and enablement. The full node graph for a version is
// fetched separately as a Definition.
type Workflow struct {
	ID        string    `json:"id"         db:"id"`
	Version   int       `json:"version"    db:"version"`
	Name      string    `json:"name"       db:"name"`
	Disabled  bool      `json:"disabled"   db:"disabled"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Repository provides read access to workflow records. Workflows are
// created and edited by the platform; this worker only reads them.
type Repository interface {
	// GetWorkflow returns the registry row for a workflow id.
	// Returns ErrNotFound when no such workflow exists.
	GetWorkflow(ctx context.Context, id string) (*Workflow, error)
	// GetDefinition returns the node graph of one immutable workflow
	// version. Returns ErrNotFound when the workflow or version is unknown.
	GetDefinition(ctx context.Context, id string, version int) (*Definition, error)
}
