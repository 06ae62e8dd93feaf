package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stratahq/strata/internal/hierarchy"
	"github.com/stratahq/strata/internal/store"
)

// newTestStore creates a Store backed by a temp directory for isolation.
func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newContext(level hierarchy.Level, id, userID string, data map[string]any) *hierarchy.Context {
	now := time.Now().UTC()
	return &hierarchy.Context{
		Level:     level,
		ID:        id,
		UserID:    userID,
		Data:      data,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// ─── Insert / Get ────────────────────────────────────────────────────────────

func TestInsertContext_RoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	scope := hierarchy.NewScope("alice")

	in := newContext(hierarchy.LevelProject, "p1", "alice", map[string]any{
		"name":     "Proj",
		"settings": map[string]any{"theme": "dark"},
	})
	if err := s.InsertContext(ctx, in); err != nil {
		t.Fatalf("InsertContext error: %v", err)
	}

	got, err := s.GetContext(ctx, scope, hierarchy.LevelProject, "p1")
	if err != nil {
		t.Fatalf("GetContext error: %v", err)
	}
	if got.Data["name"] != "Proj" {
		t.Errorf("name = %v, want Proj", got.Data["name"])
	}
	settings, ok := got.Data["settings"].(map[string]any)
	if !ok || settings["theme"] != "dark" {
		t.Errorf("settings = %v, want nested map with theme=dark", got.Data["settings"])
	}
	if got.Version != 1 {
		t.Errorf("version = %d, want 1", got.Version)
	}
}

func TestInsertContext_Duplicate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	c := newContext(hierarchy.LevelTask, "t1", "alice", nil)
	if err := s.InsertContext(ctx, c); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	err := s.InsertContext(ctx, newContext(hierarchy.LevelTask, "t1", "alice", nil))
	if !errors.Is(err, hierarchy.ErrContextAlreadyExists) {
		t.Errorf("duplicate insert error = %v, want ErrContextAlreadyExists", err)
	}
}

func TestGetContext_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetContext(context.Background(), hierarchy.NewScope("alice"), hierarchy.LevelTask, "missing")
	if !errors.Is(err, hierarchy.ErrContextNotFound) {
		t.Errorf("error = %v, want ErrContextNotFound", err)
	}
}

// ─── User isolation ──────────────────────────────────────────────────────────

func TestUserIsolation_SameIDDifferentUsers(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := newContext(hierarchy.LevelProject, "shared", "alice", map[string]any{"owner": "alice"})
	b := newContext(hierarchy.LevelProject, "shared", "bob", map[string]any{"owner": "bob"})
	if err := s.InsertContext(ctx, a); err != nil {
		t.Fatal(err)
	}
	if err := s.InsertContext(ctx, b); err != nil {
		t.Fatalf("same id under a different user must not collide: %v", err)
	}

	got, err := s.GetContext(ctx, hierarchy.NewScope("bob"), hierarchy.LevelProject, "shared")
	if err != nil {
		t.Fatal(err)
	}
	if got.Data["owner"] != "bob" {
		t.Errorf("owner = %v, want bob (scope must isolate)", got.Data["owner"])
	}

	_, err = s.GetContext(ctx, hierarchy.NewScope("carol"), hierarchy.LevelProject, "shared")
	if !errors.Is(err, hierarchy.ErrContextNotFound) {
		t.Errorf("carol must not see other users' contexts, got %v", err)
	}
}

// ─── Update / optimistic concurrency ─────────────────────────────────────────

func TestUpdateContext_IncrementsVersion(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	scope := hierarchy.NewScope("alice")

	c := newContext(hierarchy.LevelBranch, "b1", "alice", map[string]any{"name": "main"})
	if err := s.InsertContext(ctx, c); err != nil {
		t.Fatal(err)
	}

	c.Data["name"] = "develop"
	c.UpdatedAt = time.Now().UTC()
	if err := s.UpdateContext(ctx, c, 1); err != nil {
		t.Fatalf("UpdateContext error: %v", err)
	}
	if c.Version != 2 {
		t.Errorf("in-memory version = %d, want 2", c.Version)
	}

	got, err := s.GetContext(ctx, scope, hierarchy.LevelBranch, "b1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Version != 2 {
		t.Errorf("stored version = %d, want 2", got.Version)
	}
	if got.Data["name"] != "develop" {
		t.Errorf("name = %v, want develop", got.Data["name"])
	}
}

func TestUpdateContext_StaleVersionRejected(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	c := newContext(hierarchy.LevelTask, "t1", "alice", nil)
	if err := s.InsertContext(ctx, c); err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateContext(ctx, c, 1); err != nil {
		t.Fatal(err)
	}

	// A second writer that read version 1 must lose.
	stale := newContext(hierarchy.LevelTask, "t1", "alice", map[string]any{"k": "v"})
	err := s.UpdateContext(ctx, stale, 1)
	if !errors.Is(err, hierarchy.ErrConcurrentModification) {
		t.Errorf("stale update error = %v, want ErrConcurrentModification", err)
	}
}

func TestUpdateContext_Missing(t *testing.T) {
	s := newTestStore(t)
	c := newContext(hierarchy.LevelTask, "ghost", "alice", nil)
	err := s.UpdateContext(context.Background(), c, 1)
	if !errors.Is(err, hierarchy.ErrContextNotFound) {
		t.Errorf("error = %v, want ErrContextNotFound", err)
	}
}

// ─── Delete ──────────────────────────────────────────────────────────────────

func TestDeleteContext(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	scope := hierarchy.NewScope("alice")

	if err := s.InsertContext(ctx, newContext(hierarchy.LevelTask, "t1", "alice", nil)); err != nil {
		t.Fatal(err)
	}

	existed, err := s.DeleteContext(ctx, scope, hierarchy.LevelTask, "t1")
	if err != nil {
		t.Fatalf("DeleteContext error: %v", err)
	}
	if !existed {
		t.Error("existed = false, want true")
	}

	existed, err = s.DeleteContext(ctx, scope, hierarchy.LevelTask, "t1")
	if err != nil {
		t.Fatal(err)
	}
	if existed {
		t.Error("second delete should report existed = false")
	}
}

// ─── List ────────────────────────────────────────────────────────────────────

func TestListContexts_Filters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	scope := hierarchy.NewScope("alice")

	tasks := []*hierarchy.Context{
		newContext(hierarchy.LevelTask, "t1", "alice", map[string]any{"branch_id": "b1", "status": "todo"}),
		newContext(hierarchy.LevelTask, "t2", "alice", map[string]any{"branch_id": "b1", "status": "done"}),
		newContext(hierarchy.LevelTask, "t3", "alice", map[string]any{"branch_id": "b2", "status": "todo"}),
	}
	for _, c := range tasks {
		if err := s.InsertContext(ctx, c); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.ListContexts(ctx, scope, hierarchy.LevelTask, store.ListFilter{BranchID: "b1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Errorf("branch b1 tasks = %d, want 2", len(got))
	}

	got, err = s.ListContexts(ctx, scope, hierarchy.LevelTask, store.ListFilter{BranchID: "b1", Status: "done"})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != "t2" {
		t.Errorf("ANDed filters returned %v, want exactly t2", got)
	}

	got, err = s.ListContexts(ctx, scope, hierarchy.LevelTask, store.ListFilter{Limit: 2})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Errorf("limit 2 returned %d rows", len(got))
	}
}

func TestListChildren(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	scope := hierarchy.NewScope("alice")

	branch := newContext(hierarchy.LevelBranch, "b1", "alice", map[string]any{"project_id": "p1"})
	other := newContext(hierarchy.LevelBranch, "b2", "alice", map[string]any{"project_id": "p2"})
	if err := s.InsertContext(ctx, branch); err != nil {
		t.Fatal(err)
	}
	if err := s.InsertContext(ctx, other); err != nil {
		t.Fatal(err)
	}

	got, err := s.ListChildren(ctx, scope, hierarchy.LevelProject, "p1")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != "b1" {
		t.Errorf("children of p1 = %v, want [b1]", got)
	}
}

// ─── Delegations / audit ─────────────────────────────────────────────────────

func TestDelegations_RoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	scope := hierarchy.NewScope("alice")

	d := &hierarchy.Delegation{
		ID:          "d1",
		UserID:      "alice",
		SourceLevel: hierarchy.LevelTask,
		SourceID:    "t1",
		TargetLevel: hierarchy.LevelProject,
		TargetID:    "p1",
		Data:        map[string]any{"pattern": "retry-with-backoff"},
		Reason:      "useful project-wide",
		Status:      hierarchy.DelegationApplied,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.InsertDelegation(ctx, d); err != nil {
		t.Fatalf("InsertDelegation error: %v", err)
	}

	got, err := s.ListDelegations(ctx, scope, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("delegations = %d, want 1", len(got))
	}
	if got[0].Data["pattern"] != "retry-with-backoff" {
		t.Errorf("data = %v", got[0].Data)
	}
	if got[0].Status != hierarchy.DelegationApplied {
		t.Errorf("status = %v, want applied", got[0].Status)
	}

	// Status filter.
	none, err := s.ListDelegations(ctx, scope, hierarchy.DelegationPending)
	if err != nil {
		t.Fatal(err)
	}
	if len(none) != 0 {
		t.Errorf("pending delegations = %d, want 0", len(none))
	}
}

func TestAudit_AppendAndList(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.AppendAudit(ctx, "alice", "create", hierarchy.LevelProject, "p1", ""); err != nil {
		t.Fatalf("AppendAudit error: %v", err)
	}
	if err := s.AppendAudit(ctx, "alice", "update", hierarchy.LevelProject, "p1", "fields=2"); err != nil {
		t.Fatal(err)
	}

	got, err := s.ListAudit(ctx, hierarchy.NewScope("alice"), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("audit rows = %d, want 2", len(got))
	}
	// Newest first.
	if got[0].Action != "update" {
		t.Errorf("first action = %q, want update", got[0].Action)
	}

	other, err := s.ListAudit(ctx, hierarchy.NewScope("bob"), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(other) != 0 {
		t.Errorf("bob sees %d audit rows, want 0", len(other))
	}
}
