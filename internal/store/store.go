// Package store implements the persistence layer for the context
// hierarchy: one SQLite database holding contexts (all four levels),
// delegation records, and the audit log.
//
// Every row is scoped by user id. A lookup never returns a row owned
// by a different user, even when context ids collide — isolation is
// enforced by the primary key, not by callers remembering to filter.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/stratahq/strata/internal/hierarchy"
)

// openDB is a package-level var to allow test injection.
var openDB = sql.Open

// Store is the SQLite-backed persistence engine.
type Store struct {
	db *sql.DB
}

// Open creates the data directory if needed, opens the database with
// WAL mode, and runs migrations.
func Open(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("store: create data dir: %w", err)
	}

	dbPath := filepath.Join(dataDir, "strata.db")
	db, err := openDB("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("store: open database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return nil, fmt.Errorf("store: pragma %q: %w", p, err)
		}
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("store: migration: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
		CREATE TABLE IF NOT EXISTS contexts (
			user_id    TEXT NOT NULL,
			level      TEXT NOT NULL CHECK(level IN ('global','project','branch','task')),
			id         TEXT NOT NULL,
			parent_id  TEXT,
			data       TEXT NOT NULL DEFAULT '{}',
			insights   TEXT NOT NULL DEFAULT '[]',
			progress   TEXT NOT NULL DEFAULT '[]',
			version    INTEGER NOT NULL DEFAULT 1,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (user_id, level, id)
		);

		CREATE INDEX IF NOT EXISTS idx_contexts_parent
			ON contexts(user_id, level, parent_id);

		CREATE TABLE IF NOT EXISTS delegations (
			id           TEXT PRIMARY KEY,
			user_id      TEXT NOT NULL,
			source_level TEXT NOT NULL,
			source_id    TEXT NOT NULL,
			target_level TEXT NOT NULL,
			target_id    TEXT NOT NULL,
			data         TEXT NOT NULL DEFAULT '{}',
			reason       TEXT,
			status       TEXT NOT NULL DEFAULT 'pending'
				CHECK(status IN ('pending','applied','rejected')),
			created_at   TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_delegations_user
			ON delegations(user_id, created_at);

		CREATE TABLE IF NOT EXISTS audit_log (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id    TEXT NOT NULL,
			action     TEXT NOT NULL,
			level      TEXT NOT NULL,
			context_id TEXT NOT NULL,
			detail     TEXT,
			created_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_audit_user_time
			ON audit_log(user_id, created_at);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	return nil
}

// ─── Contexts ────────────────────────────────────────────────────────────────

// GetContext loads one context within the caller's scope. Returns
// hierarchy.ErrContextNotFound if absent.
func (s *Store) GetContext(ctx context.Context, scope hierarchy.Scope, level hierarchy.Level, id string) (*hierarchy.Context, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT user_id, level, id, parent_id, data, insights, progress, version, created_at, updated_at
		FROM contexts
		WHERE user_id = ? AND level = ? AND id = ?
	`, scope.UserID, level.String(), id)

	c, err := scanContext(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s %q", hierarchy.ErrContextNotFound, level, id)
	}
	if err != nil {
		return nil, fmt.Errorf("store: get context: %w", err)
	}
	return c, nil
}

// InsertContext persists a new context. Returns
// hierarchy.ErrContextAlreadyExists if (user, level, id) is taken.
func (s *Store) InsertContext(ctx context.Context, c *hierarchy.Context) error {
	data, insights, progress, err := marshalPayloads(c)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO contexts (user_id, level, id, parent_id, data, insights, progress, version, created_at, updated_at)
		VALUES (?, ?, ?, NULLIF(?, ''), ?, ?, ?, ?, ?, ?)
	`, c.UserID, c.Level.String(), c.ID, c.ParentID, data, insights, progress,
		c.Version, formatTime(c.CreatedAt), formatTime(c.UpdatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s %q", hierarchy.ErrContextAlreadyExists, c.Level, c.ID)
		}
		return fmt.Errorf("store: insert context: %w", err)
	}
	return nil
}

// UpdateContext writes back a modified context guarded by an
// optimistic version check: the row is only updated if its stored
// version still equals expectedVersion, and the write sets
// version = expectedVersion + 1. A lost race returns
// hierarchy.ErrConcurrentModification; a vanished row returns
// hierarchy.ErrContextNotFound.
func (s *Store) UpdateContext(ctx context.Context, c *hierarchy.Context, expectedVersion int64) error {
	data, insights, progress, err := marshalPayloads(c)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE contexts
		SET parent_id = NULLIF(?, ''), data = ?, insights = ?, progress = ?,
			version = ? + 1, updated_at = ?
		WHERE user_id = ? AND level = ? AND id = ? AND version = ?
	`, c.ParentID, data, insights, progress,
		expectedVersion, formatTime(c.UpdatedAt),
		c.UserID, c.Level.String(), c.ID, expectedVersion)
	if err != nil {
		return fmt.Errorf("store: update context: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: update rows affected: %w", err)
	}
	if affected == 1 {
		c.Version = expectedVersion + 1
		return nil
	}

	exists, err := s.ContextExists(ctx, hierarchy.NewScope(c.UserID), c.Level, c.ID)
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("%w: %s %q at version %d", hierarchy.ErrConcurrentModification, c.Level, c.ID, expectedVersion)
	}
	return fmt.Errorf("%w: %s %q", hierarchy.ErrContextNotFound, c.Level, c.ID)
}

// DeleteContext removes one context and reports whether a row
// existed. Descendants are left in place; their resolution skips the
// missing ancestor.
func (s *Store) DeleteContext(ctx context.Context, scope hierarchy.Scope, level hierarchy.Level, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM contexts WHERE user_id = ? AND level = ? AND id = ?
	`, scope.UserID, level.String(), id)
	if err != nil {
		return false, fmt.Errorf("store: delete context: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store: delete rows affected: %w", err)
	}
	return affected > 0, nil
}

// ContextExists reports whether a context exists within the scope.
func (s *Store) ContextExists(ctx context.Context, scope hierarchy.Scope, level hierarchy.Level, id string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `
		SELECT 1 FROM contexts WHERE user_id = ? AND level = ? AND id = ?
	`, scope.UserID, level.String(), id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("store: context exists: %w", err)
	}
	return true, nil
}

// ListFilter narrows ListContexts. Zero values match everything.
// Limit 0 means no limit.
type ListFilter struct {
	ParentID  string
	ProjectID string
	BranchID  string
	Status    string
	Limit     int
	Offset    int
}

// ListContexts returns all contexts at a level within the scope,
// newest first. Data-key filters (project_id, branch_id, status) are
// applied after scanning since data is an open JSON document.
func (s *Store) ListContexts(ctx context.Context, scope hierarchy.Scope, level hierarchy.Level, filter ListFilter) ([]*hierarchy.Context, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, level, id, parent_id, data, insights, progress, version, created_at, updated_at
		FROM contexts
		WHERE user_id = ? AND level = ?
		ORDER BY created_at DESC, id
	`, scope.UserID, level.String())
	if err != nil {
		return nil, fmt.Errorf("store: list contexts: %w", err)
	}
	defer rows.Close()

	var out []*hierarchy.Context
	skipped := 0
	for rows.Next() {
		c, err := scanContext(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan context: %w", err)
		}
		if !matchesFilter(c, filter) {
			continue
		}
		if skipped < filter.Offset {
			skipped++
			continue
		}
		out = append(out, c)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list rows: %w", err)
	}
	return out, nil
}

// ListChildren returns the contexts one level below parent that
// reference it, either via parent_id or via the conventional data key
// (project_id for branches, branch_id for tasks).
func (s *Store) ListChildren(ctx context.Context, scope hierarchy.Scope, parentLevel hierarchy.Level, parentID string) ([]*hierarchy.Context, error) {
	childLevel := parentLevel + 1
	if !childLevel.Valid() {
		return nil, nil
	}
	all, err := s.ListContexts(ctx, scope, childLevel, ListFilter{})
	if err != nil {
		return nil, err
	}
	var out []*hierarchy.Context
	for _, c := range all {
		if ParentRef(c) == parentID {
			out = append(out, c)
		}
	}
	return out, nil
}

// ParentRef extracts a context's parent reference: explicit parent_id
// first, then the conventional data key for its level.
func ParentRef(c *hierarchy.Context) string {
	if c.ParentID != "" {
		return c.ParentID
	}
	var key string
	switch c.Level {
	case hierarchy.LevelBranch:
		key = "project_id"
	case hierarchy.LevelTask:
		key = "branch_id"
	default:
		return ""
	}
	if v, ok := c.Data[key].(string); ok {
		return v
	}
	return ""
}

func matchesFilter(c *hierarchy.Context, f ListFilter) bool {
	if f.ParentID != "" && ParentRef(c) != f.ParentID {
		return false
	}
	if f.ProjectID != "" && dataString(c, "project_id") != f.ProjectID {
		return false
	}
	if f.BranchID != "" && dataString(c, "branch_id") != f.BranchID {
		return false
	}
	if f.Status != "" && dataString(c, "status") != f.Status {
		return false
	}
	return true
}

func dataString(c *hierarchy.Context, key string) string {
	if v, ok := c.Data[key].(string); ok {
		return v
	}
	return ""
}

// ─── Delegations ─────────────────────────────────────────────────────────────

// InsertDelegation persists a delegation record.
func (s *Store) InsertDelegation(ctx context.Context, d *hierarchy.Delegation) error {
	data, err := json.Marshal(d.Data)
	if err != nil {
		return fmt.Errorf("store: marshal delegation data: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO delegations (id, user_id, source_level, source_id, target_level, target_id, data, reason, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, NULLIF(?, ''), ?, ?)
	`, d.ID, d.UserID, d.SourceLevel.String(), d.SourceID,
		d.TargetLevel.String(), d.TargetID, string(data), d.Reason,
		string(d.Status), formatTime(d.CreatedAt))
	if err != nil {
		return fmt.Errorf("store: insert delegation: %w", err)
	}
	return nil
}

// UpdateDelegationStatus moves a delegation to a new lifecycle state.
func (s *Store) UpdateDelegationStatus(ctx context.Context, id string, status hierarchy.DelegationStatus) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE delegations SET status = ? WHERE id = ?
	`, string(status), id)
	if err != nil {
		return fmt.Errorf("store: update delegation status: %w", err)
	}
	return nil
}

// ListDelegations returns a user's delegations, newest first. An
// empty status matches all.
func (s *Store) ListDelegations(ctx context.Context, scope hierarchy.Scope, status hierarchy.DelegationStatus) ([]*hierarchy.Delegation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, source_level, source_id, target_level, target_id, data, COALESCE(reason, ''), status, created_at
		FROM delegations
		WHERE user_id = ? AND (? = '' OR status = ?)
		ORDER BY created_at DESC, id
	`, scope.UserID, string(status), string(status))
	if err != nil {
		return nil, fmt.Errorf("store: list delegations: %w", err)
	}
	defer rows.Close()

	var out []*hierarchy.Delegation
	for rows.Next() {
		var (
			d                      hierarchy.Delegation
			srcLevel, tgtLevel     string
			dataRaw, status, stamp string
		)
		if err := rows.Scan(&d.ID, &d.UserID, &srcLevel, &d.SourceID, &tgtLevel, &d.TargetID, &dataRaw, &d.Reason, &status, &stamp); err != nil {
			return nil, fmt.Errorf("store: scan delegation: %w", err)
		}
		if d.SourceLevel, err = hierarchy.ParseLevel(srcLevel); err != nil {
			return nil, err
		}
		if d.TargetLevel, err = hierarchy.ParseLevel(tgtLevel); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(dataRaw), &d.Data); err != nil {
			return nil, fmt.Errorf("store: delegation data: %w", err)
		}
		d.Status = hierarchy.DelegationStatus(status)
		d.CreatedAt = parseTime(stamp)
		out = append(out, &d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: delegation rows: %w", err)
	}
	return out, nil
}

// ─── Audit ───────────────────────────────────────────────────────────────────

// AppendAudit records one audit row. Audit failures are the caller's
// decision to tolerate; the store only reports them.
func (s *Store) AppendAudit(ctx context.Context, userID, action string, level hierarchy.Level, contextID, detail string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_log (user_id, action, level, context_id, detail, created_at)
		VALUES (?, ?, ?, ?, NULLIF(?, ''), ?)
	`, userID, action, level.String(), contextID, detail, formatTime(time.Now().UTC()))
	if err != nil {
		return fmt.Errorf("store: append audit: %w", err)
	}
	return nil
}

// AuditEntry is one recorded operation.
type AuditEntry struct {
	ID        int64     `json:"id"`
	UserID    string    `json:"user_id"`
	Action    string    `json:"action"`
	Level     string    `json:"level"`
	ContextID string    `json:"context_id"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// ListAudit returns a user's audit trail, newest first.
func (s *Store) ListAudit(ctx context.Context, scope hierarchy.Scope, limit int) ([]AuditEntry, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, action, level, context_id, COALESCE(detail, ''), created_at
		FROM audit_log
		WHERE user_id = ?
		ORDER BY id DESC
		LIMIT ?
	`, scope.UserID, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list audit: %w", err)
	}
	defer rows.Close()

	var out []AuditEntry
	for rows.Next() {
		var e AuditEntry
		var stamp string
		if err := rows.Scan(&e.ID, &e.UserID, &e.Action, &e.Level, &e.ContextID, &e.Detail, &stamp); err != nil {
			return nil, fmt.Errorf("store: scan audit: %w", err)
		}
		e.CreatedAt = parseTime(stamp)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: audit rows: %w", err)
	}
	return out, nil
}

// ─── Scanning helpers ────────────────────────────────────────────────────────

type rowLike interface {
	Scan(dest ...any) error
}

func scanContext(row rowLike) (*hierarchy.Context, error) {
	var (
		c                        hierarchy.Context
		level                    string
		parentID                 sql.NullString
		data, insights, progress string
		createdAt, updatedAt     string
	)
	if err := row.Scan(&c.UserID, &level, &c.ID, &parentID, &data, &insights, &progress, &c.Version, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	var err error
	if c.Level, err = hierarchy.ParseLevel(level); err != nil {
		return nil, err
	}
	c.ParentID = parentID.String
	if err := json.Unmarshal([]byte(data), &c.Data); err != nil {
		return nil, fmt.Errorf("data column: %w", err)
	}
	if err := json.Unmarshal([]byte(insights), &c.Insights); err != nil {
		return nil, fmt.Errorf("insights column: %w", err)
	}
	if err := json.Unmarshal([]byte(progress), &c.Progress); err != nil {
		return nil, fmt.Errorf("progress column: %w", err)
	}
	c.CreatedAt = parseTime(createdAt)
	c.UpdatedAt = parseTime(updatedAt)
	return &c, nil
}

func marshalPayloads(c *hierarchy.Context) (data, insights, progress string, err error) {
	d, err := json.Marshal(orEmptyMap(c.Data))
	if err != nil {
		return "", "", "", fmt.Errorf("store: marshal data: %w", err)
	}
	ins, err := json.Marshal(orEmptyInsights(c.Insights))
	if err != nil {
		return "", "", "", fmt.Errorf("store: marshal insights: %w", err)
	}
	prog, err := json.Marshal(orEmptyProgress(c.Progress))
	if err != nil {
		return "", "", "", fmt.Errorf("store: marshal progress: %w", err)
	}
	return string(d), string(ins), string(prog), nil
}

func orEmptyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func orEmptyInsights(s []hierarchy.Insight) []hierarchy.Insight {
	if s == nil {
		return []hierarchy.Insight{}
	}
	return s
}

func orEmptyProgress(s []hierarchy.ProgressEntry) []hierarchy.ProgressEntry {
	if s == nil {
		return []hierarchy.ProgressEntry{}
	}
	return s
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
