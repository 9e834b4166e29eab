package workflow

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

// DefaultMaxCascadeDepth bounds how deep a completion cascade may recurse
// through entity creation and workflow chaining. Nothing in a workflow
// definition prevents a workflow from creating entities that auto-start the
// same workflow, so the engine enforces the bound itself.
const DefaultMaxCascadeDepth = 8

// Engine advances workflow records step by step and runs completion actions
// when a record finishes its last step. Every transition executes inside a
// single store transaction, so concurrent submissions against the same
// record serialize and the precondition check always observes committed
// state.
type Engine struct {
	store    Store
	notify   *Notifier
	logger   *zap.Logger
	maxDepth int
}

func NewEngine(store Store, notify *Notifier, logger *zap.Logger) *Engine {
	return &Engine{
		store:    store,
		notify:   notify,
		logger:   logger,
		maxDepth: DefaultMaxCascadeDepth,
	}
}

// SetMaxCascadeDepth overrides the completion cascade depth limit.
func (e *Engine) SetMaxCascadeDepth(n int) {
	if n > 0 {
		e.maxDepth = n
	}
}

// cascade tracks one synchronous completion chain: a depth counter for
// entity-creation fan-out and the set of workflow ids whose completion
// actions are on the processing stack.
type cascade struct {
	depth int
	limit int
	seen  map[string]bool
}

func (e *Engine) newCascade() *cascade {
	return &cascade{limit: e.maxDepth, seen: map[string]bool{}}
}

// SubmitStep records the data submitted for a record's current step and
// advances the record. Submitting any other step is rejected with an
// InvalidTransitionError and leaves the record unchanged, as does a
// validation failure (returned as ValidationErrors). Completing the last
// step runs the workflow's completion actions synchronously in the same
// transaction before returning.
func (e *Engine) SubmitStep(ctx context.Context, recordID, stepID string, data map[string]any) (Record, error) {
	var out Record
	err := e.store.Txn(ctx, func(tx Store) error {
		rec, err := tx.GetRecord(recordID)
		if err != nil {
			return err
		}
		wf, err := tx.GetWorkflow(rec.WorkflowID)
		if err != nil {
			return fmt.Errorf("workflow %s unknown: %w", rec.WorkflowID, err)
		}

		if rec.Status == StatusCompleted {
			return invalidTransition(recordID, stepID, "record is already completed")
		}
		if rec.CurrentStepID != stepID {
			if _, done := rec.SubmissionFor(stepID); done {
				return invalidTransition(recordID, stepID, "step has already been submitted")
			}
			return invalidTransition(recordID, stepID, "step is not the current step")
		}
		step, ok := wf.StepByID(stepID)
		if !ok {
			return fmt.Errorf("step %s: %w", stepID, ErrNotFound)
		}
		if step.RequiresApproval && !rec.stepApproved(stepID) {
			return invalidTransition(recordID, stepID, "step requires approval before submission")
		}

		values, verrs := ValidateMetadata(step.Form.Schema, data)
		if verrs != nil {
			return verrs
		}

		now := time.Now().UTC()
		rec.Submissions = append(rec.Submissions, StepSubmission{
			StepID:      stepID,
			Data:        values,
			SubmittedAt: now,
		})
		if rec.StartedAt == nil {
			rec.StartedAt = &now
		}

		if next, ok := wf.StepByOrder(step.OrderIndex + 1); ok {
			rec.CurrentStepID = next.ID
			if next.RequiresApproval && !rec.stepApproved(next.ID) {
				rec.Status = StatusPendingApproval
			} else {
				rec.Status = StatusInProgress
			}
		} else {
			rec.CurrentStepID = ""
			rec.Status = StatusCompleted
			rec.CompletedAt = &now
			e.runCompletionActions(tx, wf, &rec, e.newCascade())
		}

		if err := tx.UpdateRecord(rec); err != nil {
			return err
		}
		out = rec
		return nil
	})
	if err != nil {
		return Record{}, err
	}

	e.notify.RecordEvent(out, "record.step_submitted", stepID)
	if out.Status == StatusCompleted {
		e.notify.RecordEvent(out, "record.completed", "")
	}
	return out, nil
}

// Approve unblocks submission of the record's current step when that step
// requires approval. Approving a step twice is a no-op.
func (e *Engine) Approve(ctx context.Context, recordID, stepID string) (Record, error) {
	var out Record
	err := e.store.Txn(ctx, func(tx Store) error {
		rec, err := tx.GetRecord(recordID)
		if err != nil {
			return err
		}
		wf, err := tx.GetWorkflow(rec.WorkflowID)
		if err != nil {
			return fmt.Errorf("workflow %s unknown: %w", rec.WorkflowID, err)
		}
		if rec.Status == StatusCompleted {
			return invalidTransition(recordID, stepID, "record is already completed")
		}
		step, ok := wf.StepByID(stepID)
		if !ok {
			return fmt.Errorf("step %s: %w", stepID, ErrNotFound)
		}
		if rec.CurrentStepID != stepID {
			return invalidTransition(recordID, stepID, "step is not the current step")
		}
		if !step.RequiresApproval {
			return invalidTransition(recordID, stepID, "step does not require approval")
		}
		if rec.stepApproved(stepID) {
			out = rec
			return nil
		}

		rec.ApprovedSteps = append(rec.ApprovedSteps, stepID)
		if rec.Status == StatusPendingApproval {
			rec.Status = StatusInProgress
		}
		if err := tx.UpdateRecord(rec); err != nil {
			return err
		}
		out = rec
		return nil
	})
	if err != nil {
		return Record{}, err
	}
	e.notify.RecordEvent(out, "record.step_approved", stepID)
	return out, nil
}

// Restart is the external re-entry path for loopable workflows: it resets a
// completed record to not_started. The engine never resets a record on its
// own.
func (e *Engine) Restart(ctx context.Context, recordID string) (Record, error) {
	var out Record
	err := e.store.Txn(ctx, func(tx Store) error {
		rec, err := tx.GetRecord(recordID)
		if err != nil {
			return err
		}
		wf, err := tx.GetWorkflow(rec.WorkflowID)
		if err != nil {
			return fmt.Errorf("workflow %s unknown: %w", rec.WorkflowID, err)
		}
		if !wf.IsLoopable {
			return invalidTransition(recordID, "", "workflow is not loopable")
		}
		if rec.Status != StatusCompleted {
			return invalidTransition(recordID, "", "only completed records can be restarted")
		}

		rec.Submissions = nil
		rec.ApprovedSteps = nil
		rec.Warnings = nil
		rec.StartedAt = nil
		rec.CompletedAt = nil
		rec.Status = StatusNotStarted
		rec.CurrentStepID = ""
		if first, ok := wf.StepByOrder(0); ok {
			rec.CurrentStepID = first.ID
		} else {
			now := time.Now().UTC()
			rec.Status = StatusCompleted
			rec.CompletedAt = &now
			e.runCompletionActions(tx, wf, &rec, e.newCascade())
		}
		if err := tx.UpdateRecord(rec); err != nil {
			return err
		}
		out = rec
		return nil
	})
	if err != nil {
		return Record{}, err
	}
	e.notify.RecordEvent(out, "record.restarted", "")
	return out, nil
}

// StartRecord enrolls an entity in a workflow, creating a fresh record in
// its initial state. A zero-step workflow completes immediately and fires
// its completion actions.
func (e *Engine) StartRecord(ctx context.Context, entityID, workflowID string) (Record, error) {
	var out Record
	err := e.store.Txn(ctx, func(tx Store) error {
		if _, err := tx.GetEntity(entityID); err != nil {
			return fmt.Errorf("entity %s: %w", entityID, err)
		}
		wf, err := tx.GetWorkflow(workflowID)
		if err != nil {
			return fmt.Errorf("workflow %s: %w", workflowID, err)
		}
		out = e.startRecord(tx, wf, entityID, e.newCascade())
		return nil
	})
	if err != nil {
		return Record{}, err
	}
	e.notify.RecordEvent(out, "record.started", "")
	return out, nil
}

func (e *Engine) startRecord(tx Store, wf Workflow, entityID string, c *cascade) Record {
	now := time.Now().UTC()
	rec := Record{
		ID:         newID("rec"),
		EntityID:   entityID,
		WorkflowID: wf.ID,
		Status:     StatusNotStarted,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if first, ok := wf.StepByOrder(0); ok {
		rec.CurrentStepID = first.ID
		return tx.CreateRecord(rec)
	}

	// Zero steps: immediately completed.
	rec.Status = StatusCompleted
	rec.CompletedAt = &now
	rec = tx.CreateRecord(rec)
	e.runCompletionActions(tx, wf, &rec, c)
	_ = tx.UpdateRecord(rec)
	return rec
}

// enrollEntity creates not_started records for every workflow assigned to
// the entity's type with is_auto_start set. Dangling assignments are
// skipped.
func (e *Engine) enrollEntity(tx Store, ent Entity, c *cascade) {
	for _, wfID := range tx.AssignedWorkflowIDs(ent.EntityTypeID) {
		wf, err := tx.GetWorkflow(wfID)
		if err != nil {
			continue
		}
		if !wf.IsAutoStart {
			continue
		}
		e.startRecord(tx, wf, ent.ID, c)
	}
}

// runCompletionActions evaluates the workflow's on_complete actions in
// declared order. A failed action is recorded as a warning on the record
// and reported; sibling actions still run and the record stays completed.
func (e *Engine) runCompletionActions(tx Store, wf Workflow, rec *Record, c *cascade) {
	if len(wf.OnComplete) == 0 {
		return
	}
	if c.seen[wf.ID] {
		rec.Warnings = append(rec.Warnings,
			fmt.Sprintf("completion actions for workflow %s skipped: cascade cycle detected", wf.ID))
		return
	}
	if c.depth >= c.limit {
		rec.Warnings = append(rec.Warnings,
			fmt.Sprintf("completion actions for workflow %s skipped: cascade depth limit %d reached", wf.ID, c.limit))
		return
	}
	c.seen[wf.ID] = true
	c.depth++
	defer func() {
		c.depth--
		delete(c.seen, wf.ID)
	}()

	for i, action := range wf.OnComplete {
		var err error
		switch action.Type {
		case ActionCreateEntities:
			if action.CreateEntities == nil {
				err = fmt.Errorf("missing create_entities config")
			} else {
				err = e.applyCreateEntities(tx, wf, rec, *action.CreateEntities, c)
			}
		case ActionStartWorkflow:
			if action.StartWorkflow == nil {
				err = fmt.Errorf("missing start_workflow config")
			} else {
				err = e.applyStartWorkflow(tx, rec, *action.StartWorkflow, c)
			}
		default:
			err = fmt.Errorf("unknown action type %q", action.Type)
		}
		if err != nil {
			actionErr := &ActionError{Index: i, Type: action.Type, Err: err}
			rec.Warnings = append(rec.Warnings, actionErr.Error())
			e.logger.Warn("completion action failed",
				zap.String("record_id", rec.ID),
				zap.String("workflow_id", wf.ID),
				zap.Int("action_index", i),
				zap.String("action_type", action.Type),
				zap.Error(err))
			e.notify.ActionEvent(*rec, action.Type, err)
		}
	}
}

// applyCreateEntities resolves everything fallible (type, owner, count)
// before creating anything, so a failure aborts the action without leaving
// partial entities behind. Created entities are parented to the entity that
// owns the completing record and auto-enrolled in their type's workflows.
func (e *Engine) applyCreateEntities(tx Store, wf Workflow, rec *Record, cfg CreateEntitiesConfig, c *cascade) error {
	et, err := tx.GetEntityType(cfg.EntityTypeID)
	if err != nil {
		return fmt.Errorf("entity type %s: %w", cfg.EntityTypeID, err)
	}
	owner, err := tx.GetEntity(rec.EntityID)
	if err != nil {
		return fmt.Errorf("owning entity %s: %w", rec.EntityID, err)
	}
	count, err := resolveCount(wf, *rec, cfg.CountSource)
	if err != nil {
		return err
	}

	for i := 0; i < count; i++ {
		now := time.Now().UTC()
		ent := Entity{
			ID:           newID("ent"),
			EntityTypeID: et.ID,
			ParentID:     owner.ID,
			Name:         fmt.Sprintf("%s %d", et.Name, i+1),
			Code:         GenerateCode(et.Prefix, tx.ListCodesForPrefix(et.Prefix)),
			Metadata:     map[string]any{},
			CreatedBy:    owner.CreatedBy,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		ent = tx.CreateEntity(ent)
		e.enrollEntity(tx, ent, c)
	}
	return nil
}

// applyStartWorkflow creates a fresh record of the target workflow for the
// completing record's own entity. A target entity type that does not match
// the entity makes the action a no-op reported as a warning.
func (e *Engine) applyStartWorkflow(tx Store, rec *Record, cfg StartWorkflowConfig, c *cascade) error {
	wf, err := tx.GetWorkflow(cfg.WorkflowID)
	if err != nil {
		return fmt.Errorf("workflow %s: %w", cfg.WorkflowID, err)
	}
	owner, err := tx.GetEntity(rec.EntityID)
	if err != nil {
		return fmt.Errorf("owning entity %s: %w", rec.EntityID, err)
	}
	if cfg.EntityTypeID != "" && cfg.EntityTypeID != owner.EntityTypeID {
		return fmt.Errorf("target entity type %s does not match entity type %s, action skipped",
			cfg.EntityTypeID, owner.EntityTypeID)
	}
	e.startRecord(tx, wf, owner.ID, c)
	return nil
}

// resolveCount evaluates a count source against the completing record's own
// submissions. A missing or non-numeric submission field falls back to the
// configured value; the result is clamped to be non-negative.
func resolveCount(wf Workflow, rec Record, src CountSource) (int, error) {
	var n int
	switch src.Type {
	case CountFixed:
		n = src.Value
	case CountSubmissionField:
		n = src.Value
		if step, ok := wf.StepByOrder(src.StepOrder); ok {
			if sub, ok := rec.SubmissionFor(step.ID); ok {
				if v, ok := lookupField(sub.Data, src.FieldPath); ok {
					if f, isNum := toFloat(v); isNum && f == float64(int64(f)) {
						n = int(f)
					}
				}
			}
		}
	default:
		return 0, fmt.Errorf("unknown count source type %q", src.Type)
	}
	if n < 0 {
		n = 0
	}
	return n, nil
}

// lookupField walks a dot-separated path through nested maps.
func lookupField(data map[string]any, path string) (any, bool) {
	if path == "" {
		return nil, false
	}
	parts := strings.Split(path, ".")
	var cur any = data
	for _, part := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}
