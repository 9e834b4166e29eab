package workflow

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
)

var prefixPattern = regexp.MustCompile(`^[A-Z0-9]{1,5}$`)

// Service is the application surface over the store and the engine: entity
// type, entity and workflow definition management, plus thin delegation to
// the engine for record transitions.
type Service struct {
	store  Store
	engine *Engine
	logger *zap.Logger
}

func NewService(store Store, engine *Engine, logger *zap.Logger) *Service {
	return &Service{store: store, engine: engine, logger: logger}
}

// CreateEntityType registers a new entity type. The prefix is uppercased
// and must be 1-5 alphanumeric characters; the metadata schema must
// compile.
func (s *Service) CreateEntityType(et EntityType) (EntityType, error) {
	if strings.TrimSpace(et.Name) == "" {
		return EntityType{}, fmt.Errorf("%w: entity type name is required", ErrInvalidDefinition)
	}
	et.Prefix = strings.ToUpper(strings.TrimSpace(et.Prefix))
	if !prefixPattern.MatchString(et.Prefix) {
		return EntityType{}, fmt.Errorf("%w: prefix must be 1-5 uppercase alphanumeric characters", ErrInvalidDefinition)
	}
	if err := vetSchema("", et.MetadataSchema); err != nil {
		return EntityType{}, fmt.Errorf("%w: %v", ErrInvalidDefinition, err)
	}
	if et.ID == "" {
		et.ID = newID("etype")
	}
	if et.CreatedAt.IsZero() {
		et.CreatedAt = time.Now().UTC()
	}
	return s.store.CreateEntityType(et), nil
}

func (s *Service) GetEntityType(id string) (EntityType, error) {
	return s.store.GetEntityType(id)
}

func (s *Service) ListEntityTypes() []EntityType {
	return s.store.ListEntityTypes()
}

// AssignWorkflow attaches a workflow to an entity type so new entities of
// that type are auto-enrolled in it (when the workflow is auto-start).
func (s *Service) AssignWorkflow(entityTypeID, workflowID string) error {
	return s.store.AssignWorkflow(entityTypeID, workflowID)
}

func (s *Service) AssignedWorkflowIDs(entityTypeID string) []string {
	return s.store.AssignedWorkflowIDs(entityTypeID)
}

// CreateWorkflow validates and stores a workflow definition. Steps are
// ordered by order_index and reindexed contiguously from zero; each step's
// form schema must compile; each completion action must carry the config
// matching its type.
func (s *Service) CreateWorkflow(w Workflow) (Workflow, error) {
	if err := normalizeWorkflow(&w); err != nil {
		return Workflow{}, err
	}
	if w.ID == "" {
		w.ID = newID("wf")
	}
	if w.CreatedAt.IsZero() {
		w.CreatedAt = time.Now().UTC()
	}
	return s.store.CreateWorkflow(w), nil
}

// UpdateWorkflow replaces a workflow definition, snapshotting the previous
// one as a version first. Existing records keep their recorded submissions;
// they are not re-validated.
func (s *Service) UpdateWorkflow(id string, w Workflow) (Workflow, error) {
	existing, err := s.store.GetWorkflow(id)
	if err != nil {
		return Workflow{}, err
	}
	w.ID = existing.ID
	w.CreatedAt = existing.CreatedAt
	if err := normalizeWorkflow(&w); err != nil {
		return Workflow{}, err
	}
	s.store.SaveVersion(existing)
	if err := s.store.UpdateWorkflow(w); err != nil {
		return Workflow{}, err
	}
	return w, nil
}

// RollbackWorkflow restores a previously saved version, snapshotting the
// current definition so the rollback itself can be undone.
func (s *Service) RollbackWorkflow(id string, version int) (Workflow, error) {
	current, err := s.store.GetWorkflow(id)
	if err != nil {
		return Workflow{}, err
	}
	restored, err := s.store.GetVersion(id, version)
	if err != nil {
		return Workflow{}, err
	}
	restored.ID = current.ID
	s.store.SaveVersion(current)
	if err := s.store.UpdateWorkflow(restored); err != nil {
		return Workflow{}, err
	}
	return restored, nil
}

func (s *Service) DeleteWorkflow(id string) error {
	return s.store.DeleteWorkflow(id)
}

func (s *Service) GetWorkflow(id string) (Workflow, error) {
	return s.store.GetWorkflow(id)
}

func (s *Service) ListWorkflows() []Workflow {
	return s.store.ListWorkflows()
}

func (s *Service) ListVersions(workflowID string) []WorkflowVersion {
	return s.store.ListVersions(workflowID)
}

type CreateEntityInput struct {
	EntityTypeID string         `json:"entity_type_id"`
	Name         string         `json:"name"`
	ParentID     string         `json:"parent_id,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	CreatedBy    string         `json:"created_by,omitempty"`
}

type UpdateEntityInput struct {
	Name     *string        `json:"name,omitempty"`
	ParentID *string        `json:"parent_id,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// CreateEntity validates the metadata against the type's schema, assigns
// the next code for the type's prefix and auto-enrolls the entity in its
// type's auto-start workflows, all in one transaction. A code collision
// under concurrent creation (surfaced by the store's unique constraint) is
// retried with a fresh read of the code pool.
func (s *Service) CreateEntity(ctx context.Context, input CreateEntityInput) (Entity, error) {
	var out Entity
	backoff := retry.WithMaxRetries(3, retry.NewConstant(50*time.Millisecond))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := s.store.Txn(ctx, func(tx Store) error {
			et, err := tx.GetEntityType(input.EntityTypeID)
			if err != nil {
				return fmt.Errorf("entity type %s: %w", input.EntityTypeID, err)
			}
			values, verrs := ValidateMetadata(et.MetadataSchema, input.Metadata)
			if verrs != nil {
				return verrs
			}
			if input.ParentID != "" {
				if _, err := tx.GetEntity(input.ParentID); err != nil {
					return fmt.Errorf("parent entity %s: %w", input.ParentID, err)
				}
			}

			now := time.Now().UTC()
			code := GenerateCode(et.Prefix, tx.ListCodesForPrefix(et.Prefix))
			name := strings.TrimSpace(input.Name)
			if name == "" {
				name = fmt.Sprintf("%s %s", et.Name, code)
			}
			ent := Entity{
				ID:           newID("ent"),
				EntityTypeID: et.ID,
				ParentID:     input.ParentID,
				Name:         name,
				Code:         code,
				Metadata:     values,
				CreatedBy:    input.CreatedBy,
				CreatedAt:    now,
				UpdatedAt:    now,
			}
			ent = tx.CreateEntity(ent)
			s.engine.enrollEntity(tx, ent, s.engine.newCascade())
			out = ent
			return nil
		})
		if isCodeConflict(err) {
			return retry.RetryableError(err)
		}
		return err
	})
	if err != nil {
		return Entity{}, err
	}
	return out, nil
}

func (s *Service) GetEntity(id string) (Entity, error) {
	return s.store.GetEntity(id)
}

func (s *Service) ListEntities() []Entity {
	return s.store.ListEntities()
}

// UpdateEntity mutates name, parent and/or metadata. Metadata, when
// provided, replaces the existing map and is validated against the type's
// current schema. The code never changes.
func (s *Service) UpdateEntity(ctx context.Context, id string, input UpdateEntityInput) (Entity, error) {
	var out Entity
	err := s.store.Txn(ctx, func(tx Store) error {
		ent, err := tx.GetEntity(id)
		if err != nil {
			return err
		}
		if input.Metadata != nil {
			et, err := tx.GetEntityType(ent.EntityTypeID)
			if err != nil {
				return fmt.Errorf("entity type %s: %w", ent.EntityTypeID, err)
			}
			values, verrs := ValidateMetadata(et.MetadataSchema, input.Metadata)
			if verrs != nil {
				return verrs
			}
			ent.Metadata = values
		}
		if input.Name != nil && strings.TrimSpace(*input.Name) != "" {
			ent.Name = strings.TrimSpace(*input.Name)
		}
		if input.ParentID != nil {
			if *input.ParentID != "" {
				if _, err := tx.GetEntity(*input.ParentID); err != nil {
					return fmt.Errorf("parent entity %s: %w", *input.ParentID, err)
				}
			}
			ent.ParentID = *input.ParentID
		}
		if err := tx.UpdateEntity(ent); err != nil {
			return err
		}
		out = ent
		return nil
	})
	if err != nil {
		return Entity{}, err
	}
	return out, nil
}

// DeleteEntity removes the entity and cascade-deletes its workflow records.
func (s *Service) DeleteEntity(ctx context.Context, id string) error {
	return s.store.Txn(ctx, func(tx Store) error {
		return tx.DeleteEntity(id)
	})
}

func (s *Service) GetRecord(id string) (Record, error) {
	return s.store.GetRecord(id)
}

func (s *Service) RecordsForEntity(entityID string) []Record {
	return s.store.RecordsForEntity(entityID)
}

// EntityStatus derives the entity's aggregate status from its records.
func (s *Service) EntityStatus(entityID string) (RecordStatus, error) {
	if _, err := s.store.GetEntity(entityID); err != nil {
		return "", err
	}
	return ComputeEntityStatus(s.store.RecordsForEntity(entityID)), nil
}

func (s *Service) StartRecord(ctx context.Context, entityID, workflowID string) (Record, error) {
	return s.engine.StartRecord(ctx, entityID, workflowID)
}

func (s *Service) SubmitStep(ctx context.Context, recordID, stepID string, data map[string]any) (Record, error) {
	return s.engine.SubmitStep(ctx, recordID, stepID, data)
}

func (s *Service) ApproveStep(ctx context.Context, recordID, stepID string) (Record, error) {
	return s.engine.Approve(ctx, recordID, stepID)
}

func (s *Service) RestartRecord(ctx context.Context, recordID string) (Record, error) {
	return s.engine.Restart(ctx, recordID)
}

func normalizeWorkflow(w *Workflow) error {
	if strings.TrimSpace(w.Name) == "" {
		return fmt.Errorf("%w: workflow name is required", ErrInvalidDefinition)
	}
	sort.SliceStable(w.Steps, func(i, j int) bool {
		return w.Steps[i].OrderIndex < w.Steps[j].OrderIndex
	})
	for i := range w.Steps {
		step := &w.Steps[i]
		step.OrderIndex = i
		if step.ID == "" {
			step.ID = newID("step")
		}
		if step.Form.ID == "" {
			step.Form.ID = newID("form")
		}
		if err := vetSchema(step.Form.ID+".json", step.Form.Schema); err != nil {
			return fmt.Errorf("%w: step %q: %v", ErrInvalidDefinition, step.Name, err)
		}
	}
	for i, action := range w.OnComplete {
		switch action.Type {
		case ActionCreateEntities:
			if action.CreateEntities == nil {
				return fmt.Errorf("%w: action %d is missing its create_entities config", ErrInvalidDefinition, i)
			}
			cs := action.CreateEntities.CountSource
			if cs.Type != CountFixed && cs.Type != CountSubmissionField {
				return fmt.Errorf("%w: action %d has unknown count source type %q", ErrInvalidDefinition, i, cs.Type)
			}
		case ActionStartWorkflow:
			if action.StartWorkflow == nil {
				return fmt.Errorf("%w: action %d is missing its start_workflow config", ErrInvalidDefinition, i)
			}
		default:
			return fmt.Errorf("%w: action %d has unknown type %q", ErrInvalidDefinition, i, action.Type)
		}
	}
	return nil
}
