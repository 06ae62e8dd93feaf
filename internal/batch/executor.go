// Package batch executes groups of context operations with
// sequential, parallel, stop-on-error and transactional policies.
//
// Transactional batches run sequentially and keep a compensation
// journal: each completed operation records how to undo itself
// (created contexts are deleted, updated and deleted contexts are
// restored from a pre-image snapshot). On the first failure the
// journal is replayed in reverse and every non-failing operation
// reports "Transaction rolled back".
package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/stratahq/strata/internal/cache"
	"github.com/stratahq/strata/internal/hierarchy"
	"github.com/stratahq/strata/internal/service"
	"github.com/stratahq/strata/internal/store"
)

// Operation types.
const (
	OpCreate = "create"
	OpUpdate = "update"
	OpDelete = "delete"
	OpUpsert = "upsert"
)

// RolledBackMessage marks operations voided by a batch abort: either
// never attempted after a stop, or undone by transactional rollback.
const RolledBackMessage = "Transaction rolled back"

// Operation is one step of a batch. UserID overrides the batch-level
// scope for this operation only; when empty the batch's default user
// applies.
type Operation struct {
	Type      string          `json:"type"`
	Level     hierarchy.Level `json:"level"`
	ID        string          `json:"context_id,omitempty"`
	UserID    string          `json:"user_id,omitempty"`
	Data      map[string]any  `json:"data,omitempty"`
	ProjectID string          `json:"project_id,omitempty"`
	BranchID  string          `json:"branch_id,omitempty"`
}

// Options control batch execution policy.
type Options struct {
	// Transaction makes the batch atomic: any failure rolls back every
	// completed operation. Implies sequential stop-on-error execution.
	Transaction bool
	// Parallel runs operations concurrently. Ignored when Transaction
	// is set; rollback ordering requires a serial journal.
	Parallel bool
	// StopOnError aborts the batch at the first failure instead of
	// continuing with the remaining operations.
	StopOnError bool
}

// Result reports the outcome of one operation. ExecutionTimeMs is
// fractional so sub-millisecond operations keep their timing instead
// of truncating to zero.
type Result struct {
	Index           int                `json:"index"`
	Type            string             `json:"type"`
	Level           hierarchy.Level    `json:"level"`
	ContextID       string             `json:"context_id,omitempty"`
	Success         bool               `json:"success"`
	Error           string             `json:"error,omitempty"`
	ExecutionTimeMs float64            `json:"execution_time_ms"`
	Context         *hierarchy.Context `json:"context,omitempty"`
}

// Summary aggregates a batch run.
type Summary struct {
	Results    []Result `json:"results"`
	Succeeded  int      `json:"succeeded"`
	Failed     int      `json:"failed"`
	RolledBack bool     `json:"rolled_back"`
}

// ContextService is the slice of the service surface batch operations
// drive. *service.Service implements it.
type ContextService interface {
	Create(ctx context.Context, scope hierarchy.Scope, p service.CreateParams) (*hierarchy.Context, error)
	Update(ctx context.Context, scope hierarchy.Scope, level hierarchy.Level, id string, data map[string]any, propagate bool) (*hierarchy.Context, error)
	Delete(ctx context.Context, scope hierarchy.Scope, level hierarchy.Level, id string) (bool, error)
}

// Executor runs batches against the context service.
type Executor struct {
	service ContextService
	store   *store.Store
	cache   *cache.Cache
	log     *slog.Logger

	workers   int
	opTimeout time.Duration
}

// New creates an Executor. workers caps parallel-mode concurrency;
// opTimeout bounds a single operation (0 disables the bound).
func New(svc ContextService, st *store.Store, ca *cache.Cache, workers int, opTimeout time.Duration, log *slog.Logger) *Executor {
	if workers <= 0 {
		workers = 1
	}
	if log == nil {
		log = slog.Default()
	}
	return &Executor{service: svc, store: st, cache: ca, log: log, workers: workers, opTimeout: opTimeout}
}

// undo reverses one completed operation.
type undo func(ctx context.Context) error

// Execute runs the batch under the given policy and returns one
// result per operation, in operation order.
func (e *Executor) Execute(ctx context.Context, scope hierarchy.Scope, ops []Operation, opts Options) (*Summary, error) {
	if len(ops) == 0 {
		return &Summary{Results: []Result{}}, nil
	}

	var summary *Summary
	switch {
	case opts.Transaction:
		summary = e.runTransactional(ctx, scope, ops)
	case opts.Parallel:
		summary = e.runParallel(ctx, scope, ops)
	default:
		summary = e.runSequential(ctx, scope, ops, opts.StopOnError)
	}

	for _, r := range summary.Results {
		if r.Success {
			summary.Succeeded++
		} else {
			summary.Failed++
		}
	}
	return summary, nil
}

func (e *Executor) runSequential(ctx context.Context, scope hierarchy.Scope, ops []Operation, stopOnError bool) *Summary {
	results := make([]Result, len(ops))
	for i, op := range ops {
		results[i], _ = e.runOne(ctx, scope, i, op, false)
		if !results[i].Success && stopOnError {
			for j := i + 1; j < len(ops); j++ {
				results[j] = skippedResult(j, ops[j])
			}
			break
		}
	}
	return &Summary{Results: results}
}

func (e *Executor) runTransactional(ctx context.Context, scope hierarchy.Scope, ops []Operation) *Summary {
	results := make([]Result, len(ops))
	var journal []undo

	failedAt := -1
	for i, op := range ops {
		res, compensate := e.runOne(ctx, scope, i, op, true)
		results[i] = res
		if !res.Success {
			failedAt = i
			for j := i + 1; j < len(ops); j++ {
				results[j] = skippedResult(j, ops[j])
			}
			break
		}
		if compensate != nil {
			journal = append(journal, compensate)
		}
	}
	if failedAt == -1 {
		return &Summary{Results: results}
	}

	// Replay the journal newest-first so earlier pre-images are not
	// clobbered by later undos.
	for i := len(journal) - 1; i >= 0; i-- {
		if err := journal[i](ctx); err != nil {
			e.log.Error("batch rollback step failed", "error", err)
		}
	}
	for i := range results {
		if i != failedAt && results[i].Success {
			results[i].Success = false
			results[i].Context = nil
			results[i].Error = RolledBackMessage
		}
	}
	return &Summary{Results: results, RolledBack: true}
}

func (e *Executor) runParallel(ctx context.Context, scope hierarchy.Scope, ops []Operation) *Summary {
	results := make([]Result, len(ops))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)
	var mu sync.Mutex
	for i, op := range ops {
		g.Go(func() error {
			res, _ := e.runOne(gctx, scope, i, op, false)
			mu.Lock()
			results[i] = res
			mu.Unlock()
			return nil
		})
	}
	g.Wait()
	return &Summary{Results: results}
}

// runOne executes a single operation, optionally capturing an undo
// closure for transactional batches. An operation carrying its own
// user id runs under that user's scope; the batch scope is only the
// default, so undos replay against the scope the write used.
func (e *Executor) runOne(ctx context.Context, scope hierarchy.Scope, index int, op Operation, journal bool) (Result, undo) {
	if op.UserID != "" {
		scope = hierarchy.NewScope(op.UserID)
	}
	if e.opTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.opTimeout)
		defer cancel()
	}

	start := time.Now()
	res := Result{Index: index, Type: op.Type, Level: op.Level, ContextID: op.ID}
	var compensate undo

	var err error
	switch op.Type {
	case OpCreate:
		var created *hierarchy.Context
		created, err = e.service.Create(ctx, scope, createParams(op))
		if err == nil {
			res.Context = created
			res.ContextID = created.ID
			if journal {
				compensate = e.undoCreate(scope, created.Level, created.ID)
			}
		}

	case OpUpdate:
		var snapshot *hierarchy.Context
		if journal {
			snapshot, err = e.snapshot(ctx, scope, op.Level, op.ID)
		}
		if err == nil {
			var updated *hierarchy.Context
			updated, err = e.service.Update(ctx, scope, op.Level, op.ID, op.Data, true)
			if err == nil {
				res.Context = updated
				if journal {
					compensate = e.undoWrite(scope, snapshot)
				}
			}
		}

	case OpDelete:
		var snapshot *hierarchy.Context
		if journal {
			snapshot, err = e.snapshot(ctx, scope, op.Level, op.ID)
			if errors.Is(err, hierarchy.ErrContextNotFound) {
				// Deleting a missing context is a no-op, not a failure.
				snapshot, err = nil, nil
			}
		}
		if err == nil {
			_, err = e.service.Delete(ctx, scope, op.Level, op.ID)
			if err == nil && journal && snapshot != nil {
				compensate = e.undoWrite(scope, snapshot)
			}
		}

	case OpUpsert:
		var snapshot *hierarchy.Context
		var exists bool
		exists, err = e.store.ContextExists(ctx, scope, op.Level, op.ID)
		if err == nil && exists {
			if journal {
				snapshot, err = e.snapshot(ctx, scope, op.Level, op.ID)
			}
			if err == nil {
				var updated *hierarchy.Context
				updated, err = e.service.Update(ctx, scope, op.Level, op.ID, op.Data, true)
				if err == nil {
					res.Context = updated
					if journal {
						compensate = e.undoWrite(scope, snapshot)
					}
				}
			}
		} else if err == nil {
			var created *hierarchy.Context
			created, err = e.service.Create(ctx, scope, createParams(op))
			if err == nil {
				res.Context = created
				res.ContextID = created.ID
				if journal {
					compensate = e.undoCreate(scope, created.Level, created.ID)
				}
			}
		}

	default:
		err = fmt.Errorf("%w: %q", hierarchy.ErrUnknownOperation, op.Type)
	}

	res.ExecutionTimeMs = float64(time.Since(start)) / float64(time.Millisecond)
	if err != nil {
		res.Error = err.Error()
		return res, nil
	}
	res.Success = true
	return res, compensate
}

func (e *Executor) snapshot(ctx context.Context, scope hierarchy.Scope, level hierarchy.Level, id string) (*hierarchy.Context, error) {
	c, err := e.store.GetContext(ctx, scope, level, id)
	if err != nil {
		return nil, err
	}
	return c.Clone(), nil
}

// undoCreate deletes a context the batch created.
func (e *Executor) undoCreate(scope hierarchy.Scope, level hierarchy.Level, id string) undo {
	return func(ctx context.Context) error {
		if _, err := e.store.DeleteContext(ctx, scope, level, id); err != nil {
			return err
		}
		e.cache.InvalidateInheritance(cache.NewKey(scope, level, id))
		return nil
	}
}

// undoWrite restores a context's pre-image, replacing whatever state
// the batch left behind.
func (e *Executor) undoWrite(scope hierarchy.Scope, snapshot *hierarchy.Context) undo {
	return func(ctx context.Context) error {
		if _, err := e.store.DeleteContext(ctx, scope, snapshot.Level, snapshot.ID); err != nil {
			return err
		}
		if err := e.store.InsertContext(ctx, snapshot); err != nil {
			return err
		}
		e.cache.InvalidateInheritance(cache.NewKey(scope, snapshot.Level, snapshot.ID))
		return nil
	}
}

func createParams(op Operation) service.CreateParams {
	return service.CreateParams{
		Level:     op.Level,
		ID:        op.ID,
		Data:      op.Data,
		ProjectID: op.ProjectID,
		BranchID:  op.BranchID,
	}
}

func skippedResult(index int, op Operation) Result {
	return Result{
		Index:     index,
		Type:      op.Type,
		Level:     op.Level,
		ContextID: op.ID,
		Error:     RolledBackMessage,
	}
}

// ─── Convenience bulk helpers ────────────────────────────────────────────────

// BulkCreate creates many contexts at one level, continuing past
// individual failures.
func (e *Executor) BulkCreate(ctx context.Context, scope hierarchy.Scope, level hierarchy.Level, items []map[string]any) (*Summary, error) {
	ops := make([]Operation, len(items))
	for i, data := range items {
		ops[i] = Operation{Type: OpCreate, Level: level, Data: data}
	}
	return e.Execute(ctx, scope, ops, Options{})
}

// BulkUpdate applies per-context data updates, continuing past
// individual failures.
func (e *Executor) BulkUpdate(ctx context.Context, scope hierarchy.Scope, level hierarchy.Level, updates map[string]map[string]any) (*Summary, error) {
	ops := make([]Operation, 0, len(updates))
	for id, data := range updates {
		ops = append(ops, Operation{Type: OpUpdate, Level: level, ID: id, Data: data})
	}
	return e.Execute(ctx, scope, ops, Options{})
}

// CopyContexts clones one branch's data onto another branch,
// optionally duplicating the source branch's task contexts under the
// target. A missing source branch yields an empty summary rather than
// an error.
func (e *Executor) CopyContexts(ctx context.Context, scope hierarchy.Scope, sourceBranch, targetBranch string, includeTasks bool) (*Summary, error) {
	source, err := e.store.GetContext(ctx, scope, hierarchy.LevelBranch, sourceBranch)
	if errors.Is(err, hierarchy.ErrContextNotFound) {
		return &Summary{Results: []Result{}}, nil
	}
	if err != nil {
		return nil, err
	}

	data := cloneForCopy(source.Data)
	ops := []Operation{{Type: OpUpsert, Level: hierarchy.LevelBranch, ID: targetBranch, Data: data, ProjectID: source.ParentID}}

	if includeTasks {
		tasks, err := e.store.ListChildren(ctx, scope, hierarchy.LevelBranch, sourceBranch)
		if err != nil {
			return nil, err
		}
		for _, task := range tasks {
			taskData := cloneForCopy(task.Data)
			taskData["branch_id"] = targetBranch
			ops = append(ops, Operation{
				Type:     OpCreate,
				Level:    hierarchy.LevelTask,
				ID:       uuid.NewString(),
				Data:     taskData,
				BranchID: targetBranch,
			})
		}
	}
	return e.Execute(ctx, scope, ops, Options{})
}

// cloneForCopy shallow-copies data and drops the source's parent ref
// so the copy does not accidentally point at the old parent.
func cloneForCopy(data map[string]any) map[string]any {
	out := hierarchy.MergeData(nil, data)
	delete(out, "project_id")
	delete(out, "branch_id")
	return out
}
