package workflow

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// Store is the injected persistence boundary for the engine. Implementations
// must make Txn atomic and serializable: concurrent transactions touching
// the same record observe each other's committed state, never interleaved
// partial writes.
type Store interface {
	// Txn runs fn as a single transaction. All reads and writes inside fn
	// must go through the store passed to it; writes are discarded when fn
	// returns an error.
	Txn(ctx context.Context, fn func(tx Store) error) error

	CreateEntityType(et EntityType) EntityType
	GetEntityType(id string) (EntityType, error)
	ListEntityTypes() []EntityType
	AssignWorkflow(entityTypeID, workflowID string) error
	AssignedWorkflowIDs(entityTypeID string) []string

	CreateWorkflow(w Workflow) Workflow
	UpdateWorkflow(w Workflow) error
	DeleteWorkflow(id string) error
	GetWorkflow(id string) (Workflow, error)
	ListWorkflows() []Workflow
	SaveVersion(w Workflow) WorkflowVersion
	ListVersions(workflowID string) []WorkflowVersion
	GetVersion(workflowID string, version int) (Workflow, error)

	CreateEntity(e Entity) Entity
	GetEntity(id string) (Entity, error)
	UpdateEntity(e Entity) error
	DeleteEntity(id string) error
	ListEntities() []Entity
	ListCodesForPrefix(prefix string) []string

	CreateRecord(r Record) Record
	GetRecord(id string) (Record, error)
	UpdateRecord(r Record) error
	RecordsForEntity(entityID string) []Record
}

// MemoryStore is the default in-process store. One mutex serializes
// transactions; a snapshot taken at transaction start is restored when the
// transaction function fails, so partial writes never become visible.
type MemoryStore struct {
	mu   sync.RWMutex
	data *memData
}

type memData struct {
	entityTypes map[string]EntityType
	entities    map[string]Entity
	workflows   map[string]Workflow
	versions    map[string][]WorkflowVersion
	records     map[string]Record
	assignments map[string][]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: &memData{
		entityTypes: map[string]EntityType{},
		entities:    map[string]Entity{},
		workflows:   map[string]Workflow{},
		versions:    map[string][]WorkflowVersion{},
		records:     map[string]Record{},
		assignments: map[string][]string{},
	}}
}

func (s *MemoryStore) Txn(ctx context.Context, fn func(tx Store) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	snapshot := s.data.clone()
	if err := fn(&memTxn{data: s.data}); err != nil {
		s.data = snapshot
		return err
	}
	return nil
}

func (d *memData) clone() *memData {
	c := &memData{
		entityTypes: make(map[string]EntityType, len(d.entityTypes)),
		entities:    make(map[string]Entity, len(d.entities)),
		workflows:   make(map[string]Workflow, len(d.workflows)),
		versions:    make(map[string][]WorkflowVersion, len(d.versions)),
		records:     make(map[string]Record, len(d.records)),
		assignments: make(map[string][]string, len(d.assignments)),
	}
	for k, v := range d.entityTypes {
		c.entityTypes[k] = v
	}
	for k, v := range d.entities {
		c.entities[k] = v
	}
	for k, v := range d.workflows {
		c.workflows[k] = v
	}
	for k, v := range d.versions {
		c.versions[k] = append([]WorkflowVersion(nil), v...)
	}
	for k, v := range d.records {
		c.records[k] = v
	}
	for k, v := range d.assignments {
		c.assignments[k] = append([]string(nil), v...)
	}
	return c
}

// memTxn exposes the raw data inside an already-locked transaction.
type memTxn struct {
	data *memData
}

func (t *memTxn) Txn(ctx context.Context, fn func(tx Store) error) error {
	// Already inside a transaction; run on the same view.
	return fn(t)
}

func (t *memTxn) CreateEntityType(et EntityType) EntityType { return t.data.createEntityType(et) }
func (t *memTxn) GetEntityType(id string) (EntityType, error) {
	return t.data.getEntityType(id)
}
func (t *memTxn) ListEntityTypes() []EntityType { return t.data.listEntityTypes() }
func (t *memTxn) AssignWorkflow(entityTypeID, workflowID string) error {
	return t.data.assignWorkflow(entityTypeID, workflowID)
}
func (t *memTxn) AssignedWorkflowIDs(entityTypeID string) []string {
	return t.data.assignedWorkflowIDs(entityTypeID)
}
func (t *memTxn) CreateWorkflow(w Workflow) Workflow   { return t.data.createWorkflow(w) }
func (t *memTxn) UpdateWorkflow(w Workflow) error      { return t.data.updateWorkflow(w) }
func (t *memTxn) DeleteWorkflow(id string) error       { return t.data.deleteWorkflow(id) }
func (t *memTxn) GetWorkflow(id string) (Workflow, error) {
	return t.data.getWorkflow(id)
}
func (t *memTxn) ListWorkflows() []Workflow            { return t.data.listWorkflows() }
func (t *memTxn) SaveVersion(w Workflow) WorkflowVersion {
	return t.data.saveVersion(w)
}
func (t *memTxn) ListVersions(workflowID string) []WorkflowVersion {
	return t.data.listVersions(workflowID)
}
func (t *memTxn) GetVersion(workflowID string, version int) (Workflow, error) {
	return t.data.getVersion(workflowID, version)
}
func (t *memTxn) CreateEntity(e Entity) Entity      { return t.data.createEntity(e) }
func (t *memTxn) GetEntity(id string) (Entity, error) {
	return t.data.getEntity(id)
}
func (t *memTxn) UpdateEntity(e Entity) error { return t.data.updateEntity(e) }
func (t *memTxn) DeleteEntity(id string) error { return t.data.deleteEntity(id) }
func (t *memTxn) ListEntities() []Entity       { return t.data.listEntities() }
func (t *memTxn) ListCodesForPrefix(prefix string) []string {
	return t.data.listCodesForPrefix(prefix)
}
func (t *memTxn) CreateRecord(r Record) Record { return t.data.createRecord(r) }
func (t *memTxn) GetRecord(id string) (Record, error) {
	return t.data.getRecord(id)
}
func (t *memTxn) UpdateRecord(r Record) error { return t.data.updateRecord(r) }
func (t *memTxn) RecordsForEntity(entityID string) []Record {
	return t.data.recordsForEntity(entityID)
}

func (s *MemoryStore) CreateEntityType(et EntityType) EntityType {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.createEntityType(et)
}

func (s *MemoryStore) GetEntityType(id string) (EntityType, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.getEntityType(id)
}

func (s *MemoryStore) ListEntityTypes() []EntityType {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.listEntityTypes()
}

func (s *MemoryStore) AssignWorkflow(entityTypeID, workflowID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.assignWorkflow(entityTypeID, workflowID)
}

func (s *MemoryStore) AssignedWorkflowIDs(entityTypeID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.assignedWorkflowIDs(entityTypeID)
}

func (s *MemoryStore) CreateWorkflow(w Workflow) Workflow {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.createWorkflow(w)
}

func (s *MemoryStore) UpdateWorkflow(w Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.updateWorkflow(w)
}

func (s *MemoryStore) DeleteWorkflow(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.deleteWorkflow(id)
}

func (s *MemoryStore) GetWorkflow(id string) (Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.getWorkflow(id)
}

func (s *MemoryStore) ListWorkflows() []Workflow {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.listWorkflows()
}

func (s *MemoryStore) SaveVersion(w Workflow) WorkflowVersion {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.saveVersion(w)
}

func (s *MemoryStore) ListVersions(workflowID string) []WorkflowVersion {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.listVersions(workflowID)
}

func (s *MemoryStore) GetVersion(workflowID string, version int) (Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.getVersion(workflowID, version)
}

func (s *MemoryStore) CreateEntity(e Entity) Entity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.createEntity(e)
}

func (s *MemoryStore) GetEntity(id string) (Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.getEntity(id)
}

func (s *MemoryStore) UpdateEntity(e Entity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.updateEntity(e)
}

func (s *MemoryStore) DeleteEntity(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.deleteEntity(id)
}

func (s *MemoryStore) ListEntities() []Entity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.listEntities()
}

func (s *MemoryStore) ListCodesForPrefix(prefix string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.listCodesForPrefix(prefix)
}

func (s *MemoryStore) CreateRecord(r Record) Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.createRecord(r)
}

func (s *MemoryStore) GetRecord(id string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.getRecord(id)
}

func (s *MemoryStore) UpdateRecord(r Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.updateRecord(r)
}

func (s *MemoryStore) RecordsForEntity(entityID string) []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.recordsForEntity(entityID)
}

func (d *memData) createEntityType(et EntityType) EntityType {
	d.entityTypes[et.ID] = et
	return et
}

func (d *memData) getEntityType(id string) (EntityType, error) {
	et, ok := d.entityTypes[id]
	if !ok {
		return EntityType{}, ErrNotFound
	}
	return et, nil
}

func (d *memData) listEntityTypes() []EntityType {
	out := make([]EntityType, 0, len(d.entityTypes))
	for _, et := range d.entityTypes {
		out = append(out, et)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (d *memData) assignWorkflow(entityTypeID, workflowID string) error {
	if _, ok := d.entityTypes[entityTypeID]; !ok {
		return ErrNotFound
	}
	if _, ok := d.workflows[workflowID]; !ok {
		return ErrNotFound
	}
	for _, id := range d.assignments[entityTypeID] {
		if id == workflowID {
			return nil
		}
	}
	d.assignments[entityTypeID] = append(d.assignments[entityTypeID], workflowID)
	return nil
}

func (d *memData) assignedWorkflowIDs(entityTypeID string) []string {
	return append([]string(nil), d.assignments[entityTypeID]...)
}

func (d *memData) createWorkflow(w Workflow) Workflow {
	d.workflows[w.ID] = w
	return w
}

func (d *memData) updateWorkflow(w Workflow) error {
	if _, ok := d.workflows[w.ID]; !ok {
		return ErrNotFound
	}
	d.workflows[w.ID] = w
	return nil
}

func (d *memData) deleteWorkflow(id string) error {
	if _, ok := d.workflows[id]; !ok {
		return ErrNotFound
	}
	delete(d.workflows, id)
	for et, ids := range d.assignments {
		kept := ids[:0]
		for _, wid := range ids {
			if wid != id {
				kept = append(kept, wid)
			}
		}
		d.assignments[et] = kept
	}
	return nil
}

func (d *memData) getWorkflow(id string) (Workflow, error) {
	w, ok := d.workflows[id]
	if !ok {
		return Workflow{}, ErrNotFound
	}
	return w, nil
}

func (d *memData) listWorkflows() []Workflow {
	out := make([]Workflow, 0, len(d.workflows))
	for _, w := range d.workflows {
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (d *memData) saveVersion(w Workflow) WorkflowVersion {
	v := WorkflowVersion{
		ID:         newID("wfver"),
		WorkflowID: w.ID,
		Version:    len(d.versions[w.ID]) + 1,
		Payload:    w,
		CreatedAt:  time.Now().UTC(),
	}
	d.versions[w.ID] = append(d.versions[w.ID], v)
	return v
}

func (d *memData) listVersions(workflowID string) []WorkflowVersion {
	return append([]WorkflowVersion(nil), d.versions[workflowID]...)
}

func (d *memData) getVersion(workflowID string, version int) (Workflow, error) {
	for _, v := range d.versions[workflowID] {
		if v.Version == version {
			return v.Payload, nil
		}
	}
	return Workflow{}, ErrNotFound
}

func (d *memData) createEntity(e Entity) Entity {
	d.entities[e.ID] = e
	return e
}

func (d *memData) getEntity(id string) (Entity, error) {
	e, ok := d.entities[id]
	if !ok {
		return Entity{}, ErrNotFound
	}
	return e, nil
}

func (d *memData) updateEntity(e Entity) error {
	if _, ok := d.entities[e.ID]; !ok {
		return ErrNotFound
	}
	e.UpdatedAt = time.Now().UTC()
	d.entities[e.ID] = e
	return nil
}

func (d *memData) deleteEntity(id string) error {
	if _, ok := d.entities[id]; !ok {
		return ErrNotFound
	}
	delete(d.entities, id)
	for rid, r := range d.records {
		if r.EntityID == id {
			delete(d.records, rid)
		}
	}
	return nil
}

func (d *memData) listEntities() []Entity {
	out := make([]Entity, 0, len(d.entities))
	for _, e := range d.entities {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (d *memData) listCodesForPrefix(prefix string) []string {
	var out []string
	for _, e := range d.entities {
		if strings.HasPrefix(e.Code, prefix+"-") {
			out = append(out, e.Code)
		}
	}
	return out
}

func (d *memData) createRecord(r Record) Record {
	d.records[r.ID] = r
	return r
}

func (d *memData) getRecord(id string) (Record, error) {
	r, ok := d.records[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return r, nil
}

func (d *memData) updateRecord(r Record) error {
	if _, ok := d.records[r.ID]; !ok {
		return ErrNotFound
	}
	r.UpdatedAt = time.Now().UTC()
	d.records[r.ID] = r
	return nil
}

func (d *memData) recordsForEntity(entityID string) []Record {
	var out []Record
	for _, r := range d.records {
		if r.EntityID == entityID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}
