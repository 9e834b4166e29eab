package workflow

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testEngine() (*Engine, *MemoryStore) {
	store := NewMemoryStore()
	return NewEngine(store, nil, zap.NewNop()), store
}

func seedEntityType(store Store, id, name, prefix string) EntityType {
	return store.CreateEntityType(EntityType{
		ID: id, Name: name, Prefix: prefix, CreatedAt: time.Now().UTC(),
	})
}

func seedEntity(store Store, id, typeID, code string) Entity {
	now := time.Now().UTC()
	return store.CreateEntity(Entity{
		ID: id, EntityTypeID: typeID, Name: "Asset", Code: code,
		CreatedAt: now, UpdatedAt: now,
	})
}

func inspectionWorkflow(id string) Workflow {
	return Workflow{
		ID:   id,
		Name: "inspection",
		Steps: []Step{
			{ID: "step_a", Name: "intake", OrderIndex: 0, Form: Form{ID: "form_a", Schema: MetadataSchema{
				Properties: map[string]PropertySchema{"condition": {Type: "string"}},
				Required:   []string{"condition"},
			}}},
			{ID: "step_b", Name: "inspect", OrderIndex: 1, Form: Form{ID: "form_b", Schema: MetadataSchema{
				Properties: map[string]PropertySchema{"passed": {Type: "boolean"}},
			}}},
			{ID: "step_c", Name: "close", OrderIndex: 2, Form: Form{ID: "form_c"}},
		},
	}
}

func TestSubmitStepAdvancesThroughSteps(t *testing.T) {
	e, store := testEngine()
	ctx := context.Background()
	seedEntityType(store, "etype_1", "Asset", "AST")
	seedEntity(store, "ent_1", "etype_1", "AST-001")
	store.CreateWorkflow(inspectionWorkflow("wf_1"))

	rec, err := e.StartRecord(ctx, "ent_1", "wf_1")
	require.NoError(t, err)
	require.Equal(t, StatusNotStarted, rec.Status)
	require.Equal(t, "step_a", rec.CurrentStepID)

	rec, err = e.SubmitStep(ctx, rec.ID, "step_a", map[string]any{"condition": "new"})
	require.NoError(t, err)
	assert.Equal(t, StatusInProgress, rec.Status)
	assert.Equal(t, "step_b", rec.CurrentStepID)
	require.NotNil(t, rec.StartedAt)

	rec, err = e.SubmitStep(ctx, rec.ID, "step_b", map[string]any{"passed": true})
	require.NoError(t, err)
	assert.Equal(t, "step_c", rec.CurrentStepID)

	rec, err = e.SubmitStep(ctx, rec.ID, "step_c", nil)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, rec.Status)
	assert.Empty(t, rec.CurrentStepID)
	assert.NotNil(t, rec.CompletedAt)
	assert.Len(t, rec.Submissions, 3)
}

func TestSubmitStepRejectsOutOfOrder(t *testing.T) {
	e, store := testEngine()
	ctx := context.Background()
	seedEntityType(store, "etype_1", "Asset", "AST")
	seedEntity(store, "ent_1", "etype_1", "AST-001")
	store.CreateWorkflow(inspectionWorkflow("wf_1"))

	rec, err := e.StartRecord(ctx, "ent_1", "wf_1")
	require.NoError(t, err)

	_, err = e.SubmitStep(ctx, rec.ID, "step_b", map[string]any{"passed": true})
	var ite *InvalidTransitionError
	require.ErrorAs(t, err, &ite)
	assert.Equal(t, "step is not the current step", ite.Reason)

	got, err := store.GetRecord(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusNotStarted, got.Status)
	assert.Empty(t, got.Submissions)
	assert.Equal(t, "step_a", got.CurrentStepID)
}

func TestSubmitStepRejectsReplay(t *testing.T) {
	e, store := testEngine()
	ctx := context.Background()
	seedEntityType(store, "etype_1", "Asset", "AST")
	seedEntity(store, "ent_1", "etype_1", "AST-001")
	store.CreateWorkflow(inspectionWorkflow("wf_1"))

	rec, err := e.StartRecord(ctx, "ent_1", "wf_1")
	require.NoError(t, err)
	rec, err = e.SubmitStep(ctx, rec.ID, "step_a", map[string]any{"condition": "new"})
	require.NoError(t, err)

	_, err = e.SubmitStep(ctx, rec.ID, "step_a", map[string]any{"condition": "used"})
	var ite *InvalidTransitionError
	require.ErrorAs(t, err, &ite)
	assert.Equal(t, "step has already been submitted", ite.Reason)

	got, _ := store.GetRecord(rec.ID)
	require.Len(t, got.Submissions, 1)
	assert.Equal(t, "new", got.Submissions[0].Data["condition"])
}

func TestSubmitStepRejectsCompletedRecord(t *testing.T) {
	e, store := testEngine()
	ctx := context.Background()
	seedEntityType(store, "etype_1", "Asset", "AST")
	seedEntity(store, "ent_1", "etype_1", "AST-001")
	wf := inspectionWorkflow("wf_1")
	wf.Steps = wf.Steps[:1]
	store.CreateWorkflow(wf)

	rec, err := e.StartRecord(ctx, "ent_1", "wf_1")
	require.NoError(t, err)
	rec, err = e.SubmitStep(ctx, rec.ID, "step_a", map[string]any{"condition": "new"})
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, rec.Status)

	_, err = e.SubmitStep(ctx, rec.ID, "step_a", map[string]any{"condition": "new"})
	var ite *InvalidTransitionError
	require.ErrorAs(t, err, &ite)
	assert.Equal(t, "record is already completed", ite.Reason)
}

func TestSubmitStepValidatesFormData(t *testing.T) {
	e, store := testEngine()
	ctx := context.Background()
	seedEntityType(store, "etype_1", "Asset", "AST")
	seedEntity(store, "ent_1", "etype_1", "AST-001")
	store.CreateWorkflow(inspectionWorkflow("wf_1"))

	rec, err := e.StartRecord(ctx, "ent_1", "wf_1")
	require.NoError(t, err)

	_, err = e.SubmitStep(ctx, rec.ID, "step_a", map[string]any{})
	var verrs ValidationErrors
	require.ErrorAs(t, err, &verrs)
	assert.Contains(t, verrs, "condition")

	got, _ := store.GetRecord(rec.ID)
	assert.Empty(t, got.Submissions)
	assert.Equal(t, StatusNotStarted, got.Status)
}

func TestApprovalGatesSubmission(t *testing.T) {
	e, store := testEngine()
	ctx := context.Background()
	seedEntityType(store, "etype_1", "Asset", "AST")
	seedEntity(store, "ent_1", "etype_1", "AST-001")
	wf := inspectionWorkflow("wf_1")
	wf.Steps[0].RequiresApproval = true
	store.CreateWorkflow(wf)

	rec, err := e.StartRecord(ctx, "ent_1", "wf_1")
	require.NoError(t, err)

	_, err = e.SubmitStep(ctx, rec.ID, "step_a", map[string]any{"condition": "new"})
	var ite *InvalidTransitionError
	require.ErrorAs(t, err, &ite)
	assert.Equal(t, "step requires approval before submission", ite.Reason)

	rec, err = e.Approve(ctx, rec.ID, "step_a")
	require.NoError(t, err)
	assert.Contains(t, rec.ApprovedSteps, "step_a")

	// Approving again is a no-op.
	rec, err = e.Approve(ctx, rec.ID, "step_a")
	require.NoError(t, err)
	assert.Len(t, rec.ApprovedSteps, 1)

	rec, err = e.SubmitStep(ctx, rec.ID, "step_a", map[string]any{"condition": "new"})
	require.NoError(t, err)
	assert.Equal(t, "step_b", rec.CurrentStepID)
}

func TestApproveRejectsNonApprovalStep(t *testing.T) {
	e, store := testEngine()
	ctx := context.Background()
	seedEntityType(store, "etype_1", "Asset", "AST")
	seedEntity(store, "ent_1", "etype_1", "AST-001")
	store.CreateWorkflow(inspectionWorkflow("wf_1"))

	rec, err := e.StartRecord(ctx, "ent_1", "wf_1")
	require.NoError(t, err)

	_, err = e.Approve(ctx, rec.ID, "step_a")
	var ite *InvalidTransitionError
	require.ErrorAs(t, err, &ite)
	assert.Equal(t, "step does not require approval", ite.Reason)
}

func TestAdvanceIntoApprovalStepSetsPendingApproval(t *testing.T) {
	e, store := testEngine()
	ctx := context.Background()
	seedEntityType(store, "etype_1", "Asset", "AST")
	seedEntity(store, "ent_1", "etype_1", "AST-001")
	wf := inspectionWorkflow("wf_1")
	wf.Steps[1].RequiresApproval = true
	store.CreateWorkflow(wf)

	rec, err := e.StartRecord(ctx, "ent_1", "wf_1")
	require.NoError(t, err)

	rec, err = e.SubmitStep(ctx, rec.ID, "step_a", map[string]any{"condition": "new"})
	require.NoError(t, err)
	assert.Equal(t, StatusPendingApproval, rec.Status)
	assert.Equal(t, "step_b", rec.CurrentStepID)

	rec, err = e.Approve(ctx, rec.ID, "step_b")
	require.NoError(t, err)
	assert.Equal(t, StatusInProgress, rec.Status)

	rec, err = e.SubmitStep(ctx, rec.ID, "step_b", map[string]any{"passed": true})
	require.NoError(t, err)
	assert.Equal(t, "step_c", rec.CurrentStepID)
}

func TestZeroStepWorkflowCompletesImmediately(t *testing.T) {
	e, store := testEngine()
	ctx := context.Background()
	seedEntityType(store, "etype_1", "Asset", "AST")
	seedEntityType(store, "etype_child", "Part", "PRT")
	seedEntity(store, "ent_1", "etype_1", "AST-001")
	store.CreateWorkflow(Workflow{
		ID:   "wf_zero",
		Name: "spawn parts",
		OnComplete: []CompletionAction{{
			Type: ActionCreateEntities,
			CreateEntities: &CreateEntitiesConfig{
				EntityTypeID: "etype_child",
				CountSource:  CountSource{Type: CountFixed, Value: 2},
			},
		}},
	})

	rec, err := e.StartRecord(ctx, "ent_1", "wf_zero")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, rec.Status)
	assert.NotNil(t, rec.CompletedAt)
	assert.Empty(t, rec.Warnings)

	var children []Entity
	for _, ent := range store.ListEntities() {
		if ent.EntityTypeID == "etype_child" {
			children = append(children, ent)
		}
	}
	require.Len(t, children, 2)
	for _, child := range children {
		assert.Equal(t, "ent_1", child.ParentID)
	}
}

func TestCreateEntitiesFixedCount(t *testing.T) {
	e, store := testEngine()
	ctx := context.Background()
	seedEntityType(store, "etype_1", "Crate", "CRT")
	seedEntityType(store, "etype_child", "Unit", "UNT")
	seedEntity(store, "ent_1", "etype_1", "CRT-001")
	wf := inspectionWorkflow("wf_1")
	wf.Steps = wf.Steps[:1]
	wf.OnComplete = []CompletionAction{{
		Type: ActionCreateEntities,
		CreateEntities: &CreateEntitiesConfig{
			EntityTypeID: "etype_child",
			CountSource:  CountSource{Type: CountFixed, Value: 3},
		},
	}}
	store.CreateWorkflow(wf)

	rec, err := e.StartRecord(ctx, "ent_1", "wf_1")
	require.NoError(t, err)
	rec, err = e.SubmitStep(ctx, rec.ID, "step_a", map[string]any{"condition": "new"})
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, rec.Status)

	var codes []string
	for _, ent := range store.ListEntities() {
		if ent.EntityTypeID == "etype_child" {
			codes = append(codes, ent.Code)
		}
	}
	assert.ElementsMatch(t, []string{"UNT-001", "UNT-002", "UNT-003"}, codes)
}

func TestCreateEntitiesCountFromSubmissionField(t *testing.T) {
	e, store := testEngine()
	ctx := context.Background()
	seedEntityType(store, "etype_1", "Delivery", "DLV")
	seedEntityType(store, "etype_child", "Unit", "UNT")
	seedEntity(store, "ent_1", "etype_1", "DLV-001")
	store.CreateWorkflow(Workflow{
		ID:   "wf_batch",
		Name: "batch receiving",
		Steps: []Step{
			{ID: "step_qty", Name: "delivery", OrderIndex: 0, Form: Form{ID: "form_qty", Schema: MetadataSchema{
				Properties: map[string]PropertySchema{"qty": {Type: "integer"}},
			}}},
		},
		OnComplete: []CompletionAction{{
			Type: ActionCreateEntities,
			CreateEntities: &CreateEntitiesConfig{
				EntityTypeID: "etype_child",
				CountSource:  CountSource{Type: CountSubmissionField, Value: 1, StepOrder: 0, FieldPath: "qty"},
			},
		}},
	})

	rec, err := e.StartRecord(ctx, "ent_1", "wf_batch")
	require.NoError(t, err)
	_, err = e.SubmitStep(ctx, rec.ID, "step_qty", map[string]any{"qty": 5})
	require.NoError(t, err)

	count := 0
	for _, ent := range store.ListEntities() {
		if ent.EntityTypeID == "etype_child" {
			count++
		}
	}
	assert.Equal(t, 5, count)
}

func TestCreateEntitiesCountFallsBackWhenFieldMissing(t *testing.T) {
	e, store := testEngine()
	ctx := context.Background()
	seedEntityType(store, "etype_1", "Delivery", "DLV")
	seedEntityType(store, "etype_child", "Unit", "UNT")
	seedEntity(store, "ent_1", "etype_1", "DLV-001")
	store.CreateWorkflow(Workflow{
		ID:   "wf_batch",
		Name: "batch receiving",
		Steps: []Step{
			{ID: "step_qty", Name: "delivery", OrderIndex: 0, Form: Form{ID: "form_qty", Schema: MetadataSchema{
				Properties: map[string]PropertySchema{"qty": {Type: "integer"}},
			}}},
		},
		OnComplete: []CompletionAction{{
			Type: ActionCreateEntities,
			CreateEntities: &CreateEntitiesConfig{
				EntityTypeID: "etype_child",
				CountSource:  CountSource{Type: CountSubmissionField, Value: 1, StepOrder: 0, FieldPath: "qty"},
			},
		}},
	})

	rec, err := e.StartRecord(ctx, "ent_1", "wf_batch")
	require.NoError(t, err)
	_, err = e.SubmitStep(ctx, rec.ID, "step_qty", map[string]any{})
	require.NoError(t, err)

	count := 0
	for _, ent := range store.ListEntities() {
		if ent.EntityTypeID == "etype_child" {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func TestStartWorkflowActionChainsRecords(t *testing.T) {
	e, store := testEngine()
	ctx := context.Background()
	seedEntityType(store, "etype_1", "Asset", "AST")
	seedEntity(store, "ent_1", "etype_1", "AST-001")
	next := inspectionWorkflow("wf_next")
	store.CreateWorkflow(next)
	first := inspectionWorkflow("wf_first")
	first.Steps = first.Steps[:1]
	first.OnComplete = []CompletionAction{{
		Type:          ActionStartWorkflow,
		StartWorkflow: &StartWorkflowConfig{WorkflowID: "wf_next"},
	}}
	store.CreateWorkflow(first)

	rec, err := e.StartRecord(ctx, "ent_1", "wf_first")
	require.NoError(t, err)
	rec, err = e.SubmitStep(ctx, rec.ID, "step_a", map[string]any{"condition": "new"})
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, rec.Status)

	records := store.RecordsForEntity("ent_1")
	require.Len(t, records, 2)
	var chained *Record
	for i := range records {
		if records[i].WorkflowID == "wf_next" {
			chained = &records[i]
		}
	}
	require.NotNil(t, chained)
	assert.Equal(t, StatusNotStarted, chained.Status)
	assert.Equal(t, "step_a", chained.CurrentStepID)
}

func TestStartWorkflowTypeMismatchIsWarnedNoOp(t *testing.T) {
	e, store := testEngine()
	ctx := context.Background()
	seedEntityType(store, "etype_1", "Asset", "AST")
	seedEntityType(store, "etype_other", "Site", "SIT")
	seedEntity(store, "ent_1", "etype_1", "AST-001")
	store.CreateWorkflow(inspectionWorkflow("wf_next"))
	first := inspectionWorkflow("wf_first")
	first.Steps = first.Steps[:1]
	first.OnComplete = []CompletionAction{{
		Type:          ActionStartWorkflow,
		StartWorkflow: &StartWorkflowConfig{WorkflowID: "wf_next", EntityTypeID: "etype_other"},
	}}
	store.CreateWorkflow(first)

	rec, err := e.StartRecord(ctx, "ent_1", "wf_first")
	require.NoError(t, err)
	rec, err = e.SubmitStep(ctx, rec.ID, "step_a", map[string]any{"condition": "new"})
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, rec.Status)
	require.Len(t, rec.Warnings, 1)
	assert.Contains(t, rec.Warnings[0], "does not match")
	assert.Len(t, store.RecordsForEntity("ent_1"), 1)
}

func TestCascadeCycleGuard(t *testing.T) {
	e, store := testEngine()
	ctx := context.Background()
	seedEntityType(store, "etype_1", "Asset", "AST")
	seedEntity(store, "ent_1", "etype_1", "AST-001")
	store.CreateWorkflow(Workflow{
		ID:   "wf_loop",
		Name: "self chain",
		OnComplete: []CompletionAction{{
			Type:          ActionStartWorkflow,
			StartWorkflow: &StartWorkflowConfig{WorkflowID: "wf_loop"},
		}},
	})

	_, err := e.StartRecord(ctx, "ent_1", "wf_loop")
	require.NoError(t, err)

	records := store.RecordsForEntity("ent_1")
	require.Len(t, records, 2)
	var warned bool
	for _, r := range records {
		for _, w := range r.Warnings {
			warned = warned || strings.Contains(w, "cascade cycle detected")
		}
	}
	assert.True(t, warned)
}

func TestCascadeDepthLimit(t *testing.T) {
	e, store := testEngine()
	e.SetMaxCascadeDepth(2)
	ctx := context.Background()
	seedEntityType(store, "etype_1", "Asset", "AST")
	seedEntity(store, "ent_1", "etype_1", "AST-001")
	chain := []string{"wf_a", "wf_b", "wf_c", "wf_d"}
	for i, id := range chain {
		wf := Workflow{ID: id, Name: id}
		if i+1 < len(chain) {
			wf.OnComplete = []CompletionAction{{
				Type:          ActionStartWorkflow,
				StartWorkflow: &StartWorkflowConfig{WorkflowID: chain[i+1]},
			}}
		}
		store.CreateWorkflow(wf)
	}

	_, err := e.StartRecord(ctx, "ent_1", "wf_a")
	require.NoError(t, err)

	records := store.RecordsForEntity("ent_1")
	require.Len(t, records, 3)
	var warned bool
	for _, r := range records {
		if r.WorkflowID == "wf_d" {
			t.Fatalf("record for wf_d should not exist")
		}
		if r.WorkflowID == "wf_c" {
			for _, w := range r.Warnings {
				warned = warned || strings.Contains(w, "depth limit")
			}
		}
	}
	assert.True(t, warned)
}

func TestFailedActionLeavesRecordCompleted(t *testing.T) {
	e, store := testEngine()
	ctx := context.Background()
	seedEntityType(store, "etype_1", "Asset", "AST")
	seedEntity(store, "ent_1", "etype_1", "AST-001")
	store.CreateWorkflow(Workflow{
		ID:   "wf_bad",
		Name: "broken action",
		OnComplete: []CompletionAction{
			{
				Type: ActionCreateEntities,
				CreateEntities: &CreateEntitiesConfig{
					EntityTypeID: "etype_missing",
					CountSource:  CountSource{Type: CountFixed, Value: 1},
				},
			},
			{
				Type: ActionCreateEntities,
				CreateEntities: &CreateEntitiesConfig{
					EntityTypeID: "etype_1",
					CountSource:  CountSource{Type: CountFixed, Value: 1},
				},
			},
		},
	})

	rec, err := e.StartRecord(ctx, "ent_1", "wf_bad")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, rec.Status)
	require.Len(t, rec.Warnings, 1)
	assert.Contains(t, rec.Warnings[0], "completion action 0")

	// The sibling action still ran.
	assert.Len(t, store.ListEntities(), 2)
}

func TestRestartLoopableRecord(t *testing.T) {
	e, store := testEngine()
	ctx := context.Background()
	seedEntityType(store, "etype_1", "Asset", "AST")
	seedEntity(store, "ent_1", "etype_1", "AST-001")
	wf := inspectionWorkflow("wf_audit")
	wf.Steps = wf.Steps[:1]
	wf.IsLoopable = true
	store.CreateWorkflow(wf)

	rec, err := e.StartRecord(ctx, "ent_1", "wf_audit")
	require.NoError(t, err)

	_, err = e.Restart(ctx, rec.ID)
	var ite *InvalidTransitionError
	require.ErrorAs(t, err, &ite)
	assert.Equal(t, "only completed records can be restarted", ite.Reason)

	rec, err = e.SubmitStep(ctx, rec.ID, "step_a", map[string]any{"condition": "new"})
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, rec.Status)

	rec, err = e.Restart(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusNotStarted, rec.Status)
	assert.Equal(t, "step_a", rec.CurrentStepID)
	assert.Empty(t, rec.Submissions)
	assert.Nil(t, rec.StartedAt)
	assert.Nil(t, rec.CompletedAt)
}

func TestRestartRejectsNonLoopable(t *testing.T) {
	e, store := testEngine()
	ctx := context.Background()
	seedEntityType(store, "etype_1", "Asset", "AST")
	seedEntity(store, "ent_1", "etype_1", "AST-001")
	wf := inspectionWorkflow("wf_once")
	wf.Steps = wf.Steps[:1]
	store.CreateWorkflow(wf)

	rec, err := e.StartRecord(ctx, "ent_1", "wf_once")
	require.NoError(t, err)
	rec, err = e.SubmitStep(ctx, rec.ID, "step_a", map[string]any{"condition": "new"})
	require.NoError(t, err)

	_, err = e.Restart(ctx, rec.ID)
	var ite *InvalidTransitionError
	require.ErrorAs(t, err, &ite)
	assert.Equal(t, "workflow is not loopable", ite.Reason)
}
