package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/randalmurphal/workrun/internal/db"
	"github.com/randalmurphal/workrun/internal/db/driver"
	"github.com/randalmurphal/workrun/internal/errors"
	"github.com/randalmurphal/workrun/internal/ports"
	"github.com/randalmurphal/workrun/internal/run"
)

// SQLStore keeps aggregates in the workrun tables. Scalar columns used for
// lookups sit next to a JSON document holding the whole aggregate.
type SQLStore struct {
	db *db.DB
}

// NewSQLStore wraps an open, migrated database.
func NewSQLStore(d *db.DB) *SQLStore {
	return &SQLStore{db: d}
}

// Repositories returns every repository backed by the store.
func (s *SQLStore) Repositories() ports.Repositories {
	return ports.Repositories{
		Runs:        sqlRuns{s},
		Executions:  sqlExecutions{s},
		Checkpoints: sqlCheckpoints{s},
		WorkTrees:   sqlWorkTrees{s},
		Spaces:      sqlSpaces{s},
		Reports:     sqlReports{s},
		UoW:         sqlUoW{s},
	}
}

type txKey struct{}

// querier returns the transaction carried by ctx, or the database.
func (s *SQLStore) querier(ctx context.Context) driver.Querier {
	if tx, ok := ctx.Value(txKey{}).(driver.Tx); ok {
		return tx
	}
	return s.db.Driver()
}

func (s *SQLStore) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.querier(ctx).Exec(ctx, s.db.Rebind(query), args...)
}

func (s *SQLStore) getDoc(ctx context.Context, v any, query string, args ...any) (bool, error) {
	var doc []byte
	err := s.querier(ctx).QueryRow(ctx, s.db.Rebind(query), args...).Scan(&doc)
	if stderrors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(doc, v); err != nil {
		return false, fmt.Errorf("decode document: %w", err)
	}
	return true, nil
}

func sqlList[T any](ctx context.Context, s *SQLStore, query string, args ...any) ([]*T, error) {
	rows, err := s.querier(ctx).Query(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*T
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var v T
		if err := json.Unmarshal(doc, &v); err != nil {
			return nil, fmt.Errorf("decode document: %w", err)
		}
		out = append(out, &v)
	}
	return out, rows.Err()
}

func (s *SQLStore) exists(ctx context.Context, query string, args ...any) (bool, error) {
	var n int
	if err := s.querier(ctx).QueryRow(ctx, s.db.Rebind(query), args...).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

func encode(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode document: %w", err)
	}
	return string(data), nil
}

// --- unit of work ---

type sqlUoW struct{ s *SQLStore }

// Run executes fn inside a transaction. Nested calls join the outer one.
func (u sqlUoW) Run(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(driver.Tx); ok {
		return fn(ctx)
	}
	tx, err := u.s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// --- runs ---

type sqlRuns struct{ s *SQLStore }

func (r sqlRuns) FindByID(ctx context.Context, id string) (*run.WorkflowRun, error) {
	var wr run.WorkflowRun
	ok, err := r.s.getDoc(ctx, &wr, "SELECT doc FROM workflow_runs WHERE id = ?", id)
	if err != nil {
		return nil, fmt.Errorf("load workflow run %s: %w", id, err)
	}
	if !ok {
		return nil, errors.NotFound("workflow run", id)
	}
	return &wr, nil
}

// Save inserts a new run (version 0) or updates the row whose version still
// matches. Zero affected rows means another writer got there first.
func (r sqlRuns) Save(ctx context.Context, wr *run.WorkflowRun) error {
	next := *wr
	next.Version = wr.Version + 1
	doc, err := encode(&next)
	if err != nil {
		return err
	}

	var res sql.Result
	if wr.Version == 0 {
		res, err = r.s.exec(ctx, `
			INSERT INTO workflow_runs (id, workflow_id, status, version, updated_at, doc)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (id) DO NOTHING`,
			wr.ID, wr.WorkflowID, string(wr.Status), next.Version, wr.UpdatedAt.Unix(), doc)
	} else {
		res, err = r.s.exec(ctx, `
			UPDATE workflow_runs SET status = ?, version = ?, updated_at = ?, doc = ?
			WHERE id = ? AND version = ?`,
			string(wr.Status), next.Version, wr.UpdatedAt.Unix(), doc, wr.ID, wr.Version)
	}
	if err != nil {
		return fmt.Errorf("save workflow run %s: %w", wr.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("save workflow run %s: %w", wr.ID, err)
	}
	if n == 0 {
		return errors.Conflict("workflow run", wr.ID, wr.Version)
	}
	wr.MarkPersisted()
	return nil
}

func (r sqlRuns) Delete(ctx context.Context, id string) error {
	_, err := r.s.exec(ctx, "DELETE FROM workflow_runs WHERE id = ?", id)
	return err
}

func (r sqlRuns) Exists(ctx context.Context, id string) (bool, error) {
	return r.s.exists(ctx, "SELECT COUNT(*) FROM workflow_runs WHERE id = ?", id)
}

func (r sqlRuns) ListTerminal(ctx context.Context, updatedBefore time.Time) ([]*run.WorkflowRun, error) {
	return sqlList[run.WorkflowRun](ctx, r.s, `
		SELECT doc FROM workflow_runs
		WHERE status IN (?, ?) AND updated_at < ?
		ORDER BY updated_at`,
		string(run.StatusCompleted), string(run.StatusCancelled), updatedBefore.Unix())
}

func (r sqlRuns) ListByStatus(ctx context.Context, statuses ...run.Status) ([]*run.WorkflowRun, error) {
	if len(statuses) == 0 {
		return sqlList[run.WorkflowRun](ctx, r.s, "SELECT doc FROM workflow_runs ORDER BY updated_at")
	}
	args := make([]any, len(statuses))
	for i, st := range statuses {
		args[i] = string(st)
	}
	marks := strings.TrimSuffix(strings.Repeat("?, ", len(statuses)), ", ")
	return sqlList[run.WorkflowRun](ctx, r.s,
		"SELECT doc FROM workflow_runs WHERE status IN ("+marks+") ORDER BY updated_at", args...)
}

// --- executions ---

type sqlExecutions struct{ s *SQLStore }

func (r sqlExecutions) FindByID(ctx context.Context, id string) (*run.WorkExecution, error) {
	var e run.WorkExecution
	ok, err := r.s.getDoc(ctx, &e, "SELECT doc FROM work_executions WHERE id = ?", id)
	if err != nil {
		return nil, fmt.Errorf("load work execution %s: %w", id, err)
	}
	if !ok {
		return nil, errors.NotFound("work execution", id)
	}
	return &e, nil
}

func (r sqlExecutions) FindByWorkflowRunID(ctx context.Context, runID string) ([]*run.WorkExecution, error) {
	return sqlList[run.WorkExecution](ctx, r.s,
		"SELECT doc FROM work_executions WHERE workflow_run_id = ? ORDER BY sequence", runID)
}

func (r sqlExecutions) Save(ctx context.Context, e *run.WorkExecution) error {
	doc, err := encode(e)
	if err != nil {
		return err
	}
	_, err = r.s.exec(ctx, `
		INSERT INTO work_executions (id, workflow_run_id, sequence, doc) VALUES (?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET sequence = excluded.sequence, doc = excluded.doc`,
		e.ID, e.WorkflowRunID, e.Sequence, doc)
	if err != nil {
		return fmt.Errorf("save work execution %s: %w", e.ID, err)
	}
	return nil
}

func (r sqlExecutions) Delete(ctx context.Context, id string) error {
	_, err := r.s.exec(ctx, "DELETE FROM work_executions WHERE id = ?", id)
	return err
}

func (r sqlExecutions) DeleteByWorkflowRunID(ctx context.Context, runID string) error {
	_, err := r.s.exec(ctx, "DELETE FROM work_executions WHERE workflow_run_id = ?", runID)
	return err
}

func (r sqlExecutions) Exists(ctx context.Context, id string) (bool, error) {
	return r.s.exists(ctx, "SELECT COUNT(*) FROM work_executions WHERE id = ?", id)
}

// --- checkpoints ---

type sqlCheckpoints struct{ s *SQLStore }

func (r sqlCheckpoints) FindByID(ctx context.Context, id string) (*run.Checkpoint, error) {
	var cp run.Checkpoint
	ok, err := r.s.getDoc(ctx, &cp, "SELECT doc FROM checkpoints WHERE id = ?", id)
	if err != nil {
		return nil, fmt.Errorf("load checkpoint %s: %w", id, err)
	}
	if !ok {
		return nil, errors.NotFound("checkpoint", id)
	}
	return &cp, nil
}

func (r sqlCheckpoints) FindByWorkflowRunID(ctx context.Context, runID string) ([]*run.Checkpoint, error) {
	return sqlList[run.Checkpoint](ctx, r.s,
		"SELECT doc FROM checkpoints WHERE workflow_run_id = ? ORDER BY work_sequence", runID)
}

func (r sqlCheckpoints) Save(ctx context.Context, cp *run.Checkpoint) error {
	doc, err := encode(cp)
	if err != nil {
		return err
	}
	_, err = r.s.exec(ctx, `
		INSERT INTO checkpoints (id, workflow_run_id, work_sequence, doc) VALUES (?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`,
		cp.ID, cp.WorkflowRunID, cp.WorkSequence, doc)
	if err != nil {
		return fmt.Errorf("save checkpoint %s: %w", cp.ID, err)
	}
	return nil
}

func (r sqlCheckpoints) Delete(ctx context.Context, id string) error {
	_, err := r.s.exec(ctx, "DELETE FROM checkpoints WHERE id = ?", id)
	return err
}

func (r sqlCheckpoints) DeleteByWorkflowRunID(ctx context.Context, runID string) error {
	_, err := r.s.exec(ctx, "DELETE FROM checkpoints WHERE workflow_run_id = ?", runID)
	return err
}

func (r sqlCheckpoints) Exists(ctx context.Context, id string) (bool, error) {
	return r.s.exists(ctx, "SELECT COUNT(*) FROM checkpoints WHERE id = ?", id)
}

// --- worktrees ---

type sqlWorkTrees struct{ s *SQLStore }

func (r sqlWorkTrees) FindByWorkflowRunID(ctx context.Context, runID string) ([]*run.WorkTree, error) {
	return sqlList[run.WorkTree](ctx, r.s,
		"SELECT doc FROM work_trees WHERE workflow_run_id = ? ORDER BY git_id", runID)
}

func (r sqlWorkTrees) Save(ctx context.Context, wt *run.WorkTree) error {
	doc, err := encode(wt)
	if err != nil {
		return err
	}
	_, err = r.s.exec(ctx, `
		INSERT INTO work_trees (workflow_run_id, git_id, doc) VALUES (?, ?, ?)
		ON CONFLICT (workflow_run_id, git_id) DO UPDATE SET doc = excluded.doc`,
		wt.WorkflowRunID, wt.GitID, doc)
	if err != nil {
		return fmt.Errorf("save worktree %s/%s: %w", wt.WorkflowRunID, wt.GitID, err)
	}
	return nil
}

func (r sqlWorkTrees) Delete(ctx context.Context, runID, gitID string) error {
	_, err := r.s.exec(ctx, "DELETE FROM work_trees WHERE workflow_run_id = ? AND git_id = ?", runID, gitID)
	return err
}

func (r sqlWorkTrees) DeleteByWorkflowRunID(ctx context.Context, runID string) error {
	_, err := r.s.exec(ctx, "DELETE FROM work_trees WHERE workflow_run_id = ?", runID)
	return err
}

func (r sqlWorkTrees) Exists(ctx context.Context, runID, gitID string) (bool, error) {
	return r.s.exists(ctx, "SELECT COUNT(*) FROM work_trees WHERE workflow_run_id = ? AND git_id = ?", runID, gitID)
}

// --- spaces ---

type sqlSpaces struct{ s *SQLStore }

func (r sqlSpaces) FindByWorkflowRunID(ctx context.Context, runID string) (*run.WorkflowSpace, error) {
	var sp run.WorkflowSpace
	ok, err := r.s.getDoc(ctx, &sp, "SELECT doc FROM workflow_spaces WHERE workflow_run_id = ?", runID)
	if err != nil {
		return nil, fmt.Errorf("load workflow space %s: %w", runID, err)
	}
	if !ok {
		return nil, errors.NotFound("workflow space", runID)
	}
	return &sp, nil
}

func (r sqlSpaces) Save(ctx context.Context, sp *run.WorkflowSpace) error {
	doc, err := encode(sp)
	if err != nil {
		return err
	}
	_, err = r.s.exec(ctx, `
		INSERT INTO workflow_spaces (workflow_run_id, doc) VALUES (?, ?)
		ON CONFLICT (workflow_run_id) DO UPDATE SET doc = excluded.doc`,
		sp.WorkflowRunID, doc)
	if err != nil {
		return fmt.Errorf("save workflow space %s: %w", sp.WorkflowRunID, err)
	}
	return nil
}

func (r sqlSpaces) DeleteByWorkflowRunID(ctx context.Context, runID string) error {
	_, err := r.s.exec(ctx, "DELETE FROM workflow_spaces WHERE workflow_run_id = ?", runID)
	return err
}

func (r sqlSpaces) Exists(ctx context.Context, runID string) (bool, error) {
	return r.s.exists(ctx, "SELECT COUNT(*) FROM workflow_spaces WHERE workflow_run_id = ?", runID)
}

// --- reports ---

type sqlReports struct{ s *SQLStore }

func (r sqlReports) FindByID(ctx context.Context, id string) (*run.Report, error) {
	var rep run.Report
	ok, err := r.s.getDoc(ctx, &rep, "SELECT doc FROM reports WHERE id = ?", id)
	if err != nil {
		return nil, fmt.Errorf("load report %s: %w", id, err)
	}
	if !ok {
		return nil, errors.NotFound("report", id)
	}
	return &rep, nil
}

func (r sqlReports) FindByWorkflowRunID(ctx context.Context, runID string) ([]*run.Report, error) {
	out, err := sqlList[run.Report](ctx, r.s, "SELECT doc FROM reports WHERE workflow_run_id = ?", runID)
	if err != nil {
		return nil, err
	}
	sortReports(out)
	return out, nil
}

func (r sqlReports) FindByWorkExecutionID(ctx context.Context, executionID string) ([]*run.Report, error) {
	out, err := sqlList[run.Report](ctx, r.s, "SELECT doc FROM reports WHERE work_execution_id = ?", executionID)
	if err != nil {
		return nil, err
	}
	sortReports(out)
	return out, nil
}

func (r sqlReports) Save(ctx context.Context, rep *run.Report) error {
	doc, err := encode(rep)
	if err != nil {
		return err
	}
	_, err = r.s.exec(ctx, `
		INSERT INTO reports (id, workflow_run_id, work_execution_id, sequence, doc) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET doc = excluded.doc`,
		rep.ID, rep.WorkflowRunID, rep.WorkExecutionID, rep.Sequence, doc)
	if err != nil {
		return fmt.Errorf("save report %s: %w", rep.ID, err)
	}
	return nil
}

func (r sqlReports) Delete(ctx context.Context, id string) error {
	_, err := r.s.exec(ctx, "DELETE FROM reports WHERE id = ?", id)
	return err
}

func (r sqlReports) DeleteByWorkflowRunID(ctx context.Context, runID string) error {
	_, err := r.s.exec(ctx, "DELETE FROM reports WHERE workflow_run_id = ?", runID)
	return err
}
