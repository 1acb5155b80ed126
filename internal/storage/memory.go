// Package storage provides the repositories for workrun aggregates.
//
// Two implementations share the same semantics: MemoryStore keeps JSON
// documents in maps and SQLStore keeps them in the workrun tables. Both save
// runs with a compare-and-swap on the run's version.
package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/randalmurphal/workrun/internal/errors"
	"github.com/randalmurphal/workrun/internal/ports"
	"github.com/randalmurphal/workrun/internal/run"
)

type memTables struct {
	runs        map[string][]byte
	executions  map[string][]byte
	checkpoints map[string][]byte
	worktrees   map[string][]byte
	spaces      map[string][]byte
	reports     map[string][]byte
}

func newMemTables() memTables {
	return memTables{
		runs:        map[string][]byte{},
		executions:  map[string][]byte{},
		checkpoints: map[string][]byte{},
		worktrees:   map[string][]byte{},
		spaces:      map[string][]byte{},
		reports:     map[string][]byte{},
	}
}

// MemoryStore is an in-memory store for tests and single-process use.
// Documents are stored serialized so callers never share state with it.
type MemoryStore struct {
	mu     sync.Mutex
	tables memTables

	// uowMu serializes units of work. Writes outside a unit of work do not
	// take it.
	uowMu sync.Mutex
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tables: newMemTables()}
}

// Repositories returns every repository backed by the store.
func (s *MemoryStore) Repositories() ports.Repositories {
	return ports.Repositories{
		Runs:        memRuns{s},
		Executions:  memExecutions{s},
		Checkpoints: memCheckpoints{s},
		WorkTrees:   memWorkTrees{s},
		Spaces:      memSpaces{s},
		Reports:     memReports{s},
		UoW:         memUoW{s},
	}
}

type memUoWKey struct{}

type memUoW struct{ s *MemoryStore }

// memUndo is one write made inside a unit of work.
type memUndo struct {
	tbl     map[string][]byte
	key     string
	prev    []byte
	existed bool
	// written is the stored document, or nil for a delete.
	written []byte
}

// memJournal records the writes of one unit of work so a rollback undoes
// only those.
type memJournal struct {
	entries []memUndo
}

func journalFrom(ctx context.Context) *memJournal {
	j, _ := ctx.Value(memUoWKey{}).(*memJournal)
	return j
}

// record notes the value at key before a write. The caller holds the store
// lock.
func (j *memJournal) record(tbl map[string][]byte, key string, written []byte) {
	if j == nil {
		return
	}
	prev, existed := tbl[key]
	j.entries = append(j.entries, memUndo{tbl: tbl, key: key, prev: prev, existed: existed, written: written})
}

// rollback undoes the journal newest first. A key changed since by a write
// outside the unit of work keeps that write. The caller holds the store lock.
func (j *memJournal) rollback() {
	for i := len(j.entries) - 1; i >= 0; i-- {
		e := j.entries[i]
		cur, ok := e.tbl[e.key]
		if e.written == nil {
			if ok {
				continue
			}
		} else if !ok || !bytes.Equal(cur, e.written) {
			continue
		}
		if e.existed {
			e.tbl[e.key] = e.prev
		} else {
			delete(e.tbl, e.key)
		}
	}
}

// Run executes fn and undoes the writes fn made if it returns an error.
// Nested calls join the outer unit of work.
func (u memUoW) Run(ctx context.Context, fn func(ctx context.Context) error) error {
	if journalFrom(ctx) != nil {
		return fn(ctx)
	}
	u.s.uowMu.Lock()
	defer u.s.uowMu.Unlock()

	j := &memJournal{}
	if err := fn(context.WithValue(ctx, memUoWKey{}, j)); err != nil {
		u.s.mu.Lock()
		j.rollback()
		u.s.mu.Unlock()
		return err
	}
	return nil
}

func memPut(ctx context.Context, s *MemoryStore, pick func(memTables) map[string][]byte, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	tbl := pick(s.tables)
	journalFrom(ctx).record(tbl, key, data)
	tbl[key] = data
	return nil
}

func memGet[T any](s *MemoryStore, pick func(memTables) map[string][]byte, key string) (*T, bool, error) {
	s.mu.Lock()
	data, ok := pick(s.tables)[key]
	s.mu.Unlock()
	if !ok {
		return nil, false, nil
	}
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, false, fmt.Errorf("decode %s: %w", key, err)
	}
	return &v, true, nil
}

func memList[T any](s *MemoryStore, pick func(memTables) map[string][]byte, keep func(*T) bool) ([]*T, error) {
	s.mu.Lock()
	docs := make([][]byte, 0, len(pick(s.tables)))
	for _, d := range pick(s.tables) {
		docs = append(docs, d)
	}
	s.mu.Unlock()

	var out []*T
	for _, d := range docs {
		var v T
		if err := json.Unmarshal(d, &v); err != nil {
			return nil, fmt.Errorf("decode document: %w", err)
		}
		if keep(&v) {
			out = append(out, &v)
		}
	}
	return out, nil
}

func memDelete(ctx context.Context, s *MemoryStore, pick func(memTables) map[string][]byte, key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tbl := pick(s.tables)
	if _, ok := tbl[key]; !ok {
		return
	}
	journalFrom(ctx).record(tbl, key, nil)
	delete(tbl, key)
}

func memDeleteWhere[T any](ctx context.Context, s *MemoryStore, pick func(memTables) map[string][]byte, match func(*T) bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tbl := pick(s.tables)
	j := journalFrom(ctx)
	for k, d := range tbl {
		var v T
		if err := json.Unmarshal(d, &v); err != nil {
			return fmt.Errorf("decode %s: %w", k, err)
		}
		if match(&v) {
			j.record(tbl, k, nil)
			delete(tbl, k)
		}
	}
	return nil
}

func runsTable(t memTables) map[string][]byte        { return t.runs }
func executionsTable(t memTables) map[string][]byte  { return t.executions }
func checkpointsTable(t memTables) map[string][]byte { return t.checkpoints }
func worktreesTable(t memTables) map[string][]byte   { return t.worktrees }
func spacesTable(t memTables) map[string][]byte      { return t.spaces }
func reportsTable(t memTables) map[string][]byte     { return t.reports }

// --- runs ---

type memRuns struct{ s *MemoryStore }

func (m memRuns) FindByID(_ context.Context, id string) (*run.WorkflowRun, error) {
	r, ok, err := memGet[run.WorkflowRun](m.s, runsTable, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.NotFound("workflow run", id)
	}
	return r, nil
}

// Save holds the store lock across the version check and the write so the
// compare-and-swap is atomic.
func (m memRuns) Save(ctx context.Context, r *run.WorkflowRun) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()

	stored, exists := m.s.tables.runs[r.ID]
	if exists {
		var cur struct {
			Version int `json:"version"`
		}
		if err := json.Unmarshal(stored, &cur); err != nil {
			return fmt.Errorf("decode run %s: %w", r.ID, err)
		}
		if cur.Version != r.Version {
			return errors.Conflict("workflow run", r.ID, r.Version)
		}
	} else if r.Version != 0 {
		return errors.Conflict("workflow run", r.ID, r.Version)
	}

	next := *r
	next.Version = r.Version + 1
	data, err := json.Marshal(&next)
	if err != nil {
		return fmt.Errorf("encode run %s: %w", r.ID, err)
	}
	journalFrom(ctx).record(m.s.tables.runs, r.ID, data)
	m.s.tables.runs[r.ID] = data
	r.MarkPersisted()
	return nil
}

func (m memRuns) Delete(ctx context.Context, id string) error {
	memDelete(ctx, m.s, runsTable, id)
	return nil
}

func (m memRuns) Exists(_ context.Context, id string) (bool, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	_, ok := m.s.tables.runs[id]
	return ok, nil
}

func (m memRuns) ListTerminal(_ context.Context, updatedBefore time.Time) ([]*run.WorkflowRun, error) {
	out, err := memList(m.s, runsTable, func(r *run.WorkflowRun) bool {
		return r.Status.IsTerminal() && r.UpdatedAt.Before(updatedBefore)
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return out, nil
}

func (m memRuns) ListByStatus(_ context.Context, statuses ...run.Status) ([]*run.WorkflowRun, error) {
	out, err := memList(m.s, runsTable, func(r *run.WorkflowRun) bool {
		return len(statuses) == 0 || slices.Contains(statuses, r.Status)
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return out, nil
}

// --- executions ---

type memExecutions struct{ s *MemoryStore }

func (m memExecutions) FindByID(_ context.Context, id string) (*run.WorkExecution, error) {
	e, ok, err := memGet[run.WorkExecution](m.s, executionsTable, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.NotFound("work execution", id)
	}
	return e, nil
}

func (m memExecutions) FindByWorkflowRunID(_ context.Context, runID string) ([]*run.WorkExecution, error) {
	out, err := memList(m.s, executionsTable, func(e *run.WorkExecution) bool { return e.WorkflowRunID == runID })
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}

func (m memExecutions) Save(ctx context.Context, e *run.WorkExecution) error {
	return memPut(ctx, m.s, executionsTable, e.ID, e)
}

func (m memExecutions) Delete(ctx context.Context, id string) error {
	memDelete(ctx, m.s, executionsTable, id)
	return nil
}

func (m memExecutions) DeleteByWorkflowRunID(ctx context.Context, runID string) error {
	return memDeleteWhere(ctx, m.s, executionsTable, func(e *run.WorkExecution) bool { return e.WorkflowRunID == runID })
}

func (m memExecutions) Exists(_ context.Context, id string) (bool, error) {
	_, ok, err := memGet[run.WorkExecution](m.s, executionsTable, id)
	return ok, err
}

// --- checkpoints ---

type memCheckpoints struct{ s *MemoryStore }

func (m memCheckpoints) FindByID(_ context.Context, id string) (*run.Checkpoint, error) {
	cp, ok, err := memGet[run.Checkpoint](m.s, checkpointsTable, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.NotFound("checkpoint", id)
	}
	return cp, nil
}

func (m memCheckpoints) FindByWorkflowRunID(_ context.Context, runID string) ([]*run.Checkpoint, error) {
	out, err := memList(m.s, checkpointsTable, func(cp *run.Checkpoint) bool { return cp.WorkflowRunID == runID })
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WorkSequence < out[j].WorkSequence })
	return out, nil
}

func (m memCheckpoints) Save(ctx context.Context, cp *run.Checkpoint) error {
	return memPut(ctx, m.s, checkpointsTable, cp.ID, cp)
}

func (m memCheckpoints) Delete(ctx context.Context, id string) error {
	memDelete(ctx, m.s, checkpointsTable, id)
	return nil
}

func (m memCheckpoints) DeleteByWorkflowRunID(ctx context.Context, runID string) error {
	return memDeleteWhere(ctx, m.s, checkpointsTable, func(cp *run.Checkpoint) bool { return cp.WorkflowRunID == runID })
}

func (m memCheckpoints) Exists(_ context.Context, id string) (bool, error) {
	_, ok, err := memGet[run.Checkpoint](m.s, checkpointsTable, id)
	return ok, err
}

// --- worktrees ---

type memWorkTrees struct{ s *MemoryStore }

func worktreeKey(runID, gitID string) string { return runID + "/" + gitID }

func (m memWorkTrees) FindByWorkflowRunID(_ context.Context, runID string) ([]*run.WorkTree, error) {
	out, err := memList(m.s, worktreesTable, func(wt *run.WorkTree) bool { return wt.WorkflowRunID == runID })
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GitID < out[j].GitID })
	return out, nil
}

func (m memWorkTrees) Save(ctx context.Context, wt *run.WorkTree) error {
	return memPut(ctx, m.s, worktreesTable, worktreeKey(wt.WorkflowRunID, wt.GitID), wt)
}

func (m memWorkTrees) Delete(ctx context.Context, runID, gitID string) error {
	memDelete(ctx, m.s, worktreesTable, worktreeKey(runID, gitID))
	return nil
}

func (m memWorkTrees) DeleteByWorkflowRunID(ctx context.Context, runID string) error {
	return memDeleteWhere(ctx, m.s, worktreesTable, func(wt *run.WorkTree) bool { return wt.WorkflowRunID == runID })
}

func (m memWorkTrees) Exists(_ context.Context, runID, gitID string) (bool, error) {
	_, ok, err := memGet[run.WorkTree](m.s, worktreesTable, worktreeKey(runID, gitID))
	return ok, err
}

// --- spaces ---

type memSpaces struct{ s *MemoryStore }

func (m memSpaces) FindByWorkflowRunID(_ context.Context, runID string) (*run.WorkflowSpace, error) {
	sp, ok, err := memGet[run.WorkflowSpace](m.s, spacesTable, runID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.NotFound("workflow space", runID)
	}
	return sp, nil
}

func (m memSpaces) Save(ctx context.Context, sp *run.WorkflowSpace) error {
	return memPut(ctx, m.s, spacesTable, sp.WorkflowRunID, sp)
}

func (m memSpaces) DeleteByWorkflowRunID(ctx context.Context, runID string) error {
	memDelete(ctx, m.s, spacesTable, runID)
	return nil
}

func (m memSpaces) Exists(_ context.Context, runID string) (bool, error) {
	_, ok, err := memGet[run.WorkflowSpace](m.s, spacesTable, runID)
	return ok, err
}

// --- reports ---

type memReports struct{ s *MemoryStore }

func (m memReports) FindByID(_ context.Context, id string) (*run.Report, error) {
	r, ok, err := memGet[run.Report](m.s, reportsTable, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.NotFound("report", id)
	}
	return r, nil
}

func (m memReports) FindByWorkflowRunID(_ context.Context, runID string) ([]*run.Report, error) {
	return m.list(func(r *run.Report) bool { return r.WorkflowRunID == runID })
}

func (m memReports) FindByWorkExecutionID(_ context.Context, executionID string) ([]*run.Report, error) {
	return m.list(func(r *run.Report) bool { return r.WorkExecutionID == executionID })
}

func (m memReports) list(keep func(*run.Report) bool) ([]*run.Report, error) {
	out, err := memList(m.s, reportsTable, keep)
	if err != nil {
		return nil, err
	}
	sortReports(out)
	return out, nil
}

func sortReports(reports []*run.Report) {
	sort.Slice(reports, func(i, j int) bool {
		if reports[i].Sequence != reports[j].Sequence {
			return reports[i].Sequence < reports[j].Sequence
		}
		return reports[i].TaskOrder < reports[j].TaskOrder
	})
}

func (m memReports) Save(ctx context.Context, r *run.Report) error {
	return memPut(ctx, m.s, reportsTable, r.ID, r)
}

func (m memReports) Delete(ctx context.Context, id string) error {
	memDelete(ctx, m.s, reportsTable, id)
	return nil
}

func (m memReports) DeleteByWorkflowRunID(ctx context.Context, runID string) error {
	return memDeleteWhere(ctx, m.s, reportsTable, func(r *run.Report) bool { return r.WorkflowRunID == runID })
}
