package workflow

import "time"

// WorkflowVersion is a snapshot of a workflow definition taken before an
// update, so an edit can be rolled back. Records are unaffected by version
// changes; they reference the workflow by id only.
type WorkflowVersion struct {
	ID         string    `json:"id"`
	WorkflowID string    `json:"workflow_id"`
	Version    int       `json:"version"`
	Payload    Workflow  `json:"payload"`
	CreatedAt  time.Time `json:"created_at"`
}
