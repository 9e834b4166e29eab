package workflow

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
)

// PGStore persists definitions, entities and records in PostgreSQL as JSON
// payload columns. Txn maps to a database transaction; record and entity
// reads inside a transaction take row locks so concurrent step submissions
// against the same record serialize, and the unique index on entity codes
// backs code generation under concurrency.
type PGStore struct {
	db *sql.DB
	pgQueries
}

func NewPGStore(dsn string) (*PGStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("dsn is empty")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	s := &PGStore{db: db, pgQueries: pgQueries{q: db, err: new(error)}}
	if err := s.migrate(context.Background()); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PGStore) Close() error { return s.db.Close() }

func (s *PGStore) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
create table if not exists assetflow_entity_types (
  id text primary key,
  prefix text not null,
  payload jsonb not null,
  created_at timestamptz not null
);
create table if not exists assetflow_workflows (
  id text primary key,
  payload jsonb not null,
  created_at timestamptz not null
);
create table if not exists assetflow_workflow_versions (
  id text primary key,
  workflow_id text not null,
  version int not null,
  payload jsonb not null,
  created_at timestamptz not null
);
create table if not exists assetflow_entities (
  id text primary key,
  entity_type_id text not null,
  code text not null,
  payload jsonb not null,
  created_at timestamptz not null,
  updated_at timestamptz not null
);
create unique index if not exists assetflow_entities_code_key on assetflow_entities (code);
create table if not exists assetflow_records (
  id text primary key,
  entity_id text not null,
  workflow_id text not null,
  status text not null,
  payload jsonb not null,
  created_at timestamptz not null,
  updated_at timestamptz not null
);
create index if not exists assetflow_records_entity_idx on assetflow_records (entity_id);
create table if not exists assetflow_assignments (
  entity_type_id text not null,
  workflow_id text not null,
  primary key (entity_type_id, workflow_id)
);
`)
	return err
}

func (s *PGStore) Txn(ctx context.Context, fn func(tx Store) error) error {
	dbtx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	t := &pgTxn{pgQueries{q: dbtx, forUpdate: true, err: new(error)}}
	if err := fn(t); err != nil {
		_ = dbtx.Rollback()
		return err
	}
	if writeErr := *t.err; writeErr != nil {
		_ = dbtx.Rollback()
		return writeErr
	}
	return dbtx.Commit()
}

type pgTxn struct {
	pgQueries
}

func (t *pgTxn) Txn(ctx context.Context, fn func(tx Store) error) error {
	// Already inside a transaction.
	return fn(t)
}

// isCodeConflict reports whether an error is the unique-violation raised by
// the entity code index, which the service retries with a fresh code.
func isCodeConflict(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

type rowQuerier interface {
	Exec(query string, args ...any) (sql.Result, error)
	Query(query string, args ...any) (*sql.Rows, error)
	QueryRow(query string, args ...any) *sql.Row
}

// pgQueries implements the Store methods over either the pool (autocommit)
// or an open transaction. The first failed write inside a transaction is
// remembered and fails the commit.
type pgQueries struct {
	q         rowQuerier
	forUpdate bool
	err       *error
}

func (p pgQueries) setErr(err error) {
	if err != nil && *p.err == nil {
		*p.err = err
	}
}

func (p pgQueries) lockSuffix() string {
	if p.forUpdate {
		return " for update"
	}
	return ""
}

func (p pgQueries) CreateEntityType(et EntityType) EntityType {
	b, _ := json.Marshal(et)
	_, err := p.q.Exec(`insert into assetflow_entity_types (id, prefix, payload, created_at) values ($1,$2,$3,$4)
on conflict (id) do update set prefix = excluded.prefix, payload = excluded.payload`,
		et.ID, et.Prefix, b, et.CreatedAt)
	p.setErr(err)
	return et
}

func (p pgQueries) GetEntityType(id string) (EntityType, error) {
	var raw []byte
	err := p.q.QueryRow(`select payload from assetflow_entity_types where id=$1`, id).Scan(&raw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return EntityType{}, ErrNotFound
		}
		return EntityType{}, err
	}
	var et EntityType
	if err := json.Unmarshal(raw, &et); err != nil {
		return EntityType{}, err
	}
	return et, nil
}

func (p pgQueries) ListEntityTypes() []EntityType {
	return scanPayloads[EntityType](p.q, `select payload from assetflow_entity_types order by created_at asc`)
}

func (p pgQueries) AssignWorkflow(entityTypeID, workflowID string) error {
	if _, err := p.GetEntityType(entityTypeID); err != nil {
		return err
	}
	if _, err := p.GetWorkflow(workflowID); err != nil {
		return err
	}
	_, err := p.q.Exec(`insert into assetflow_assignments (entity_type_id, workflow_id) values ($1,$2)
on conflict do nothing`, entityTypeID, workflowID)
	return err
}

func (p pgQueries) AssignedWorkflowIDs(entityTypeID string) []string {
	rows, err := p.q.Query(`select workflow_id from assetflow_assignments where entity_type_id=$1 order by workflow_id`, entityTypeID)
	if err != nil {
		return nil
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			continue
		}
		out = append(out, id)
	}
	return out
}

func (p pgQueries) CreateWorkflow(w Workflow) Workflow {
	b, _ := json.Marshal(w)
	_, err := p.q.Exec(`insert into assetflow_workflows (id, payload, created_at) values ($1,$2,$3)
on conflict (id) do update set payload = excluded.payload`, w.ID, b, w.CreatedAt)
	p.setErr(err)
	return w
}

func (p pgQueries) UpdateWorkflow(w Workflow) error {
	b, _ := json.Marshal(w)
	res, err := p.q.Exec(`update assetflow_workflows set payload=$2 where id=$1`, w.ID, b)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p pgQueries) DeleteWorkflow(id string) error {
	res, err := p.q.Exec(`delete from assetflow_workflows where id=$1`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	_, err = p.q.Exec(`delete from assetflow_assignments where workflow_id=$1`, id)
	return err
}

func (p pgQueries) GetWorkflow(id string) (Workflow, error) {
	var raw []byte
	err := p.q.QueryRow(`select payload from assetflow_workflows where id=$1`, id).Scan(&raw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Workflow{}, ErrNotFound
		}
		return Workflow{}, err
	}
	var w Workflow
	if err := json.Unmarshal(raw, &w); err != nil {
		return Workflow{}, err
	}
	return w, nil
}

func (p pgQueries) ListWorkflows() []Workflow {
	return scanPayloads[Workflow](p.q, `select payload from assetflow_workflows order by created_at asc`)
}

func (p pgQueries) SaveVersion(w Workflow) WorkflowVersion {
	var version int
	_ = p.q.QueryRow(`select coalesce(max(version),0)+1 from assetflow_workflow_versions where workflow_id=$1`, w.ID).Scan(&version)
	v := WorkflowVersion{
		ID:         newID("wfver"),
		WorkflowID: w.ID,
		Version:    version,
		Payload:    w,
		CreatedAt:  time.Now().UTC(),
	}
	b, _ := json.Marshal(w)
	_, err := p.q.Exec(`insert into assetflow_workflow_versions (id, workflow_id, version, payload, created_at) values ($1,$2,$3,$4,$5)`,
		v.ID, v.WorkflowID, v.Version, b, v.CreatedAt)
	p.setErr(err)
	return v
}

func (p pgQueries) ListVersions(workflowID string) []WorkflowVersion {
	rows, err := p.q.Query(`select id, version, payload, created_at from assetflow_workflow_versions where workflow_id=$1 order by version asc`, workflowID)
	if err != nil {
		return nil
	}
	defer rows.Close()
	var out []WorkflowVersion
	for rows.Next() {
		var (
			id      string
			version int
			raw     []byte
			created time.Time
		)
		if err := rows.Scan(&id, &version, &raw, &created); err != nil {
			continue
		}
		var w Workflow
		if err := json.Unmarshal(raw, &w); err != nil {
			continue
		}
		out = append(out, WorkflowVersion{
			ID:         id,
			WorkflowID: workflowID,
			Version:    version,
			Payload:    w,
			CreatedAt:  created,
		})
	}
	return out
}

func (p pgQueries) GetVersion(workflowID string, version int) (Workflow, error) {
	var raw []byte
	err := p.q.QueryRow(`select payload from assetflow_workflow_versions where workflow_id=$1 and version=$2`, workflowID, version).Scan(&raw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Workflow{}, ErrNotFound
		}
		return Workflow{}, err
	}
	var w Workflow
	if err := json.Unmarshal(raw, &w); err != nil {
		return Workflow{}, err
	}
	return w, nil
}

func (p pgQueries) CreateEntity(e Entity) Entity {
	b, _ := json.Marshal(e)
	_, err := p.q.Exec(`insert into assetflow_entities (id, entity_type_id, code, payload, created_at, updated_at) values ($1,$2,$3,$4,$5,$6)`,
		e.ID, e.EntityTypeID, e.Code, b, e.CreatedAt, e.UpdatedAt)
	p.setErr(err)
	return e
}

func (p pgQueries) GetEntity(id string) (Entity, error) {
	var raw []byte
	err := p.q.QueryRow(`select payload from assetflow_entities where id=$1`+p.lockSuffix(), id).Scan(&raw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Entity{}, ErrNotFound
		}
		return Entity{}, err
	}
	var e Entity
	if err := json.Unmarshal(raw, &e); err != nil {
		return Entity{}, err
	}
	return e, nil
}

func (p pgQueries) UpdateEntity(e Entity) error {
	e.UpdatedAt = time.Now().UTC()
	b, _ := json.Marshal(e)
	res, err := p.q.Exec(`update assetflow_entities set payload=$2, updated_at=$3 where id=$1`, e.ID, b, e.UpdatedAt)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p pgQueries) DeleteEntity(id string) error {
	res, err := p.q.Exec(`delete from assetflow_entities where id=$1`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	_, err = p.q.Exec(`delete from assetflow_records where entity_id=$1`, id)
	return err
}

func (p pgQueries) ListEntities() []Entity {
	return scanPayloads[Entity](p.q, `select payload from assetflow_entities order by created_at asc`)
}

func (p pgQueries) ListCodesForPrefix(prefix string) []string {
	rows, err := p.q.Query(`select code from assetflow_entities where code like $1 || '-%'`, prefix)
	if err != nil {
		return nil
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var code string
		if err := rows.Scan(&code); err != nil {
			continue
		}
		out = append(out, code)
	}
	return out
}

func (p pgQueries) CreateRecord(r Record) Record {
	b, _ := json.Marshal(r)
	_, err := p.q.Exec(`insert into assetflow_records (id, entity_id, workflow_id, status, payload, created_at, updated_at) values ($1,$2,$3,$4,$5,$6,$7)`,
		r.ID, r.EntityID, r.WorkflowID, r.Status, b, r.CreatedAt, r.UpdatedAt)
	p.setErr(err)
	return r
}

func (p pgQueries) GetRecord(id string) (Record, error) {
	var raw []byte
	err := p.q.QueryRow(`select payload from assetflow_records where id=$1`+p.lockSuffix(), id).Scan(&raw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, err
	}
	var r Record
	if err := json.Unmarshal(raw, &r); err != nil {
		return Record{}, err
	}
	return r, nil
}

func (p pgQueries) UpdateRecord(r Record) error {
	r.UpdatedAt = time.Now().UTC()
	b, _ := json.Marshal(r)
	res, err := p.q.Exec(`update assetflow_records set status=$2, payload=$3, updated_at=$4 where id=$1`,
		r.ID, r.Status, b, r.UpdatedAt)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p pgQueries) RecordsForEntity(entityID string) []Record {
	rows, err := p.q.Query(`select payload from assetflow_records where entity_id=$1 order by created_at asc`, entityID)
	if err != nil {
		return nil
	}
	defer rows.Close()
	var out []Record
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			continue
		}
		var r Record
		if err := json.Unmarshal(raw, &r); err != nil {
			continue
		}
		out = append(out, r)
	}
	return out
}

func scanPayloads[T any](q rowQuerier, query string) []T {
	rows, err := q.Query(query)
	if err != nil {
		return nil
	}
	defer rows.Close()
	var out []T
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			continue
		}
		var item T
		if err := json.Unmarshal(raw, &item); err != nil {
			continue
		}
		out = append(out, item)
	}
	return out
}
