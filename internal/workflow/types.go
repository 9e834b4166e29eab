package workflow

import "time"

// RecordStatus is the lifecycle state of a workflow record. An entity's
// aggregate status (ComputeEntityStatus) reuses the same values.
type RecordStatus string

const (
	StatusNotStarted      RecordStatus = "not_started"
	StatusInProgress      RecordStatus = "in_progress"
	StatusPendingApproval RecordStatus = "pending_approval"
	StatusCompleted       RecordStatus = "completed"
)

// EntityType is the template for a class of entities: a short code prefix,
// display hints and the metadata schema entities of this type are validated
// against. Changing the schema does not re-validate existing entities.
type EntityType struct {
	ID             string         `json:"id"`
	Name           string         `json:"name"`
	Prefix         string         `json:"prefix"`
	Icon           string         `json:"icon,omitempty"`
	Color          string         `json:"color,omitempty"`
	MetadataSchema MetadataSchema `json:"metadata_schema"`
	CreatedAt      time.Time      `json:"created_at"`
}

// MetadataSchema is the JSON-Schema-like subset used for entity metadata and
// step forms: an object with typed properties and a required list.
type MetadataSchema struct {
	Properties map[string]PropertySchema `json:"properties,omitempty"`
	Required   []string                  `json:"required,omitempty"`
}

type PropertySchema struct {
	Type        string   `json:"type"`
	Enum        []string `json:"enum,omitempty"`
	Format      string   `json:"format,omitempty"`
	Title       string   `json:"title,omitempty"`
	Description string   `json:"description,omitempty"`
}

type Entity struct {
	ID           string         `json:"id"`
	EntityTypeID string         `json:"entity_type_id"`
	ParentID     string         `json:"parent_id,omitempty"`
	Name         string         `json:"name"`
	Code         string         `json:"code"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	CreatedBy    string         `json:"created_by,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// Workflow is an ordered sequence of steps plus the completion actions fired
// when a record of this workflow finishes its last step.
type Workflow struct {
	ID          string             `json:"id"`
	Name        string             `json:"name"`
	Description string             `json:"description,omitempty"`
	IsLoopable  bool               `json:"is_loopable,omitempty"`
	IsAutoStart bool               `json:"is_auto_start,omitempty"`
	Steps       []Step             `json:"steps"`
	OnComplete  []CompletionAction `json:"on_complete,omitempty"`
	CreatedAt   time.Time          `json:"created_at"`
}

// Step order is strict: OrderIndex is 0-based, contiguous and unique within
// a workflow. The engine never reorders steps.
type Step struct {
	ID               string `json:"id"`
	Name             string `json:"name"`
	OrderIndex       int    `json:"order_index"`
	RequiresApproval bool   `json:"requires_approval,omitempty"`
	Form             Form   `json:"form"`
}

type Form struct {
	ID     string         `json:"id"`
	Name   string         `json:"name,omitempty"`
	Schema MetadataSchema `json:"schema"`
}

// StepByID returns the step with the given id.
func (w Workflow) StepByID(id string) (Step, bool) {
	for _, s := range w.Steps {
		if s.ID == id {
			return s, true
		}
	}
	return Step{}, false
}

// StepByOrder returns the step at the given order index.
func (w Workflow) StepByOrder(index int) (Step, bool) {
	for _, s := range w.Steps {
		if s.OrderIndex == index {
			return s, true
		}
	}
	return Step{}, false
}

// Completion action types.
const (
	ActionCreateEntities = "create_entities"
	ActionStartWorkflow  = "start_workflow"
)

// CompletionAction is a tagged union: the config field matching Type is set,
// the other is nil. The processor switches on Type exhaustively.
type CompletionAction struct {
	Type           string                `json:"type"`
	CreateEntities *CreateEntitiesConfig `json:"create_entities,omitempty"`
	StartWorkflow  *StartWorkflowConfig  `json:"start_workflow,omitempty"`
}

type CreateEntitiesConfig struct {
	EntityTypeID string      `json:"entity_type_id"`
	CountSource  CountSource `json:"count_source"`
}

// Count source types.
const (
	CountFixed           = "fixed"
	CountSubmissionField = "submission_field"
)

// CountSource resolves how many entities a create_entities action produces.
// For submission_field sources, Value doubles as the fallback when the field
// is absent or not numeric.
type CountSource struct {
	Type      string `json:"type"`
	Value     int    `json:"value"`
	StepOrder int    `json:"step_order,omitempty"`
	FieldPath string `json:"field_path,omitempty"`
}

type StartWorkflowConfig struct {
	WorkflowID   string `json:"workflow_id"`
	EntityTypeID string `json:"entity_type_id"`
}

// Record is one entity's progress instance through one workflow.
//
// Invariants: Submissions holds at most one entry per step, in completion
// order; CurrentStepID is the lowest-order step not yet submitted, or empty
// once all steps are submitted; Status is completed iff CurrentStepID is
// empty and not_started iff Submissions is empty.
type Record struct {
	ID            string           `json:"id"`
	EntityID      string           `json:"entity_id"`
	WorkflowID    string           `json:"workflow_id"`
	CurrentStepID string           `json:"current_step_id,omitempty"`
	Status        RecordStatus     `json:"status"`
	Submissions   []StepSubmission `json:"step_submissions,omitempty"`
	ApprovedSteps []string         `json:"approved_steps,omitempty"`
	Warnings      []string         `json:"warnings,omitempty"`
	StartedAt     *time.Time       `json:"started_at,omitempty"`
	CompletedAt   *time.Time       `json:"completed_at,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

type StepSubmission struct {
	StepID      string         `json:"step_id"`
	Data        map[string]any `json:"data,omitempty"`
	SubmittedAt time.Time      `json:"submitted_at"`
}

// SubmissionFor returns the submission recorded for a step, if any.
func (r Record) SubmissionFor(stepID string) (StepSubmission, bool) {
	for _, s := range r.Submissions {
		if s.StepID == stepID {
			return s, true
		}
	}
	return StepSubmission{}, false
}

func (r Record) stepApproved(stepID string) bool {
	for _, id := range r.ApprovedSteps {
		if id == stepID {
			return true
		}
	}
	return false
}
