// Package service implements the context engine's operation surface.
// It is the only component that mutates the store; the resolver and
// cache are read-side collaborators it coordinates. Every mutation
// synchronously invalidates the affected cached views before
// returning, publishes a change event, and records an audit row.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/stratahq/strata/internal/audit"
	"github.com/stratahq/strata/internal/bus"
	"github.com/stratahq/strata/internal/cache"
	"github.com/stratahq/strata/internal/hierarchy"
	"github.com/stratahq/strata/internal/resolver"
	"github.com/stratahq/strata/internal/store"
)

// Service orchestrates the store, resolver and cache.
type Service struct {
	store    *store.Store
	cache    *cache.Cache
	resolver *resolver.Resolver
	bus      *bus.Bus
	audit    *audit.Recorder
	log      *slog.Logger
}

// New wires a Service. bus and audit may be nil (events and audit
// rows are then skipped); a nil logger falls back to slog.Default.
func New(st *store.Store, ca *cache.Cache, res *resolver.Resolver, eventBus *bus.Bus, rec *audit.Recorder, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{store: st, cache: ca, resolver: res, bus: eventBus, audit: rec, log: log}
}

// CreateParams holds the input for Create.
type CreateParams struct {
	Level     hierarchy.Level
	ID        string // empty: user id for GLOBAL, a fresh UUID otherwise
	Data      map[string]any
	ProjectID string // conventional parent ref for BRANCH
	BranchID  string // conventional parent ref for TASK
}

// Create persists a new context. It is not idempotent: an existing
// (level, id) fails with ErrContextAlreadyExists. For non-GLOBAL
// levels the user's GLOBAL context is auto-created on first access —
// every user has their own global context. A parent reference that is
// explicitly supplied must exist.
func (s *Service) Create(ctx context.Context, scope hierarchy.Scope, p CreateParams) (*hierarchy.Context, error) {
	if !p.Level.Valid() {
		return nil, fmt.Errorf("%w: %d", hierarchy.ErrInvalidLevel, int(p.Level))
	}
	data := p.Data
	if data == nil {
		data = map[string]any{}
	}

	id := p.ID
	if id == "" {
		if p.Level == hierarchy.LevelGlobal {
			id = scope.UserID
		} else {
			id = uuid.NewString()
		}
	}

	parentID := ""
	switch p.Level {
	case hierarchy.LevelBranch:
		parentID = firstNonEmpty(p.ProjectID, stringField(data, "project_id"))
	case hierarchy.LevelTask:
		parentID = firstNonEmpty(p.BranchID, stringField(data, "branch_id"))
	}

	if p.Level != hierarchy.LevelGlobal {
		if err := s.ensureGlobal(ctx, scope); err != nil {
			return nil, err
		}
		if parentID != "" {
			parentLevel, _ := p.Level.Parent()
			exists, err := s.store.ContextExists(ctx, scope, parentLevel, parentID)
			if err != nil {
				return nil, err
			}
			if !exists {
				return nil, fmt.Errorf("%w: parent %s %q", hierarchy.ErrContextNotFound, parentLevel, parentID)
			}
		}
	}

	now := time.Now().UTC()
	c := &hierarchy.Context{
		Level:     p.Level,
		ID:        id,
		UserID:    scope.UserID,
		ParentID:  parentID,
		Data:      data,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.InsertContext(ctx, c); err != nil {
		return nil, err
	}

	// Descendants that resolved while this id was absent registered a
	// dependency on it; cascade so they pick up the new ancestor.
	s.cache.InvalidateInheritance(cache.NewKey(scope, p.Level, id))
	s.emit(ctx, scope, bus.TopicContextCreated, "create", c, "")
	return c, nil
}

// Get performs a direct, user-scoped store read of one context. For
// the inheritance-aware view use Resolve.
func (s *Service) Get(ctx context.Context, scope hierarchy.Scope, level hierarchy.Level, id string) (*hierarchy.Context, error) {
	if !level.Valid() {
		return nil, fmt.Errorf("%w: %d", hierarchy.ErrInvalidLevel, int(level))
	}
	return s.store.GetContext(ctx, scope, level, id)
}

// Resolve returns the fully resolved view of a context, consulting
// the cache unless forceRefresh is set. The epoch read before
// resolution guarantees an invalidation landing mid-resolve discards
// the populate rather than caching stale data.
//
// Every consulted ancestor becomes a cache dependency, including ones
// that were absent: creating a missing ancestor later must invalidate
// the views resolved without it.
func (s *Service) Resolve(ctx context.Context, scope hierarchy.Scope, level hierarchy.Level, id string, forceRefresh bool) (*hierarchy.ResolvedContext, error) {
	if !level.Valid() {
		return nil, fmt.Errorf("%w: %d", hierarchy.ErrInvalidLevel, int(level))
	}
	key := cache.NewKey(scope, level, id)
	if !forceRefresh {
		if hit, ok := s.cache.GetResolved(key); ok {
			return hit, nil
		}
	}

	epoch := s.cache.Epoch(key)
	resolved, chain, err := s.resolver.Resolve(ctx, scope, level, id)
	if err != nil {
		return nil, err
	}
	for _, link := range chain {
		ancestor := cache.NewKey(scope, link.Level, link.ID)
		if ancestor != key {
			s.cache.RegisterDependency(ancestor, key)
		}
	}
	s.cache.PutResolved(key, resolved, epoch, 0)
	return resolved, nil
}

// Update shallow-merges data into an existing context (one level
// deep, the same rule resolution uses), increments its version, and
// persists under an optimistic concurrency check.
//
// With propagate set, cached resolved views of this context and all
// its registered descendants are invalidated. Without it only this
// context's own entry is dropped — descendants keep their stale
// resolution until their own next write or TTL expiry, a documented
// performance/consistency tradeoff.
func (s *Service) Update(ctx context.Context, scope hierarchy.Scope, level hierarchy.Level, id string, data map[string]any, propagate bool) (*hierarchy.Context, error) {
	if !level.Valid() {
		return nil, fmt.Errorf("%w: %d", hierarchy.ErrInvalidLevel, int(level))
	}
	existing, err := s.store.GetContext(ctx, scope, level, id)
	if err != nil {
		return nil, err
	}

	existing.Data = hierarchy.MergeData(existing.Data, data)
	existing.UpdatedAt = time.Now().UTC()
	if err := s.store.UpdateContext(ctx, existing, existing.Version); err != nil {
		return nil, err
	}

	key := cache.NewKey(scope, level, id)
	if propagate {
		s.cache.InvalidateInheritance(key)
	} else {
		s.cache.InvalidateContext(key)
	}
	s.emit(ctx, scope, bus.TopicContextUpdated, "update", existing, "")
	return existing, nil
}

// Delete removes a context and reports whether it existed.
// Descendants are deliberately left in place (orphan-and-skip
// policy); their cached resolved views are invalidated since a
// missing ancestor changes what they resolve to.
func (s *Service) Delete(ctx context.Context, scope hierarchy.Scope, level hierarchy.Level, id string) (bool, error) {
	if !level.Valid() {
		return false, fmt.Errorf("%w: %d", hierarchy.ErrInvalidLevel, int(level))
	}
	existed, err := s.store.DeleteContext(ctx, scope, level, id)
	if err != nil {
		return false, err
	}
	s.cache.InvalidateInheritance(cache.NewKey(scope, level, id))
	if existed {
		ghost := &hierarchy.Context{Level: level, ID: id, UserID: scope.UserID}
		s.emit(ctx, scope, bus.TopicContextDeleted, "delete", ghost, "")
	}
	return existed, nil
}

// Delegate promotes data from a context to an ancestor level.
// Delegation is eager: the data is merged into the target context
// immediately (auto-creating it if needed) and the record is stored
// already applied — there is no separate approval step.
func (s *Service) Delegate(ctx context.Context, scope hierarchy.Scope, level hierarchy.Level, id string, delegateTo hierarchy.Level, data map[string]any, reason string) (*hierarchy.Delegation, error) {
	if !level.Valid() || !delegateTo.Valid() {
		return nil, fmt.Errorf("%w", hierarchy.ErrInvalidLevel)
	}
	if !delegateTo.IsAncestorOf(level) {
		return nil, fmt.Errorf("%w: cannot delegate %s → %s", hierarchy.ErrInvalidDelegationTarget, level, delegateTo)
	}

	source, err := s.store.GetContext(ctx, scope, level, id)
	if err != nil {
		return nil, err
	}
	targetID, err := s.ancestorID(ctx, scope, source, delegateTo)
	if err != nil {
		return nil, err
	}

	if err := s.mergeInto(ctx, scope, delegateTo, targetID, data); err != nil {
		return nil, err
	}

	d := &hierarchy.Delegation{
		ID:          uuid.NewString(),
		UserID:      scope.UserID,
		SourceLevel: level,
		SourceID:    id,
		TargetLevel: delegateTo,
		TargetID:    targetID,
		Data:        data,
		Reason:      reason,
		Status:      hierarchy.DelegationApplied,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.store.InsertDelegation(ctx, d); err != nil {
		return nil, err
	}

	s.cache.InvalidateInheritance(cache.NewKey(scope, delegateTo, targetID))
	if s.bus != nil {
		s.bus.Publish(bus.TopicContextDelegated, bus.ContextEvent{
			UserID: scope.UserID, Level: delegateTo.String(), ContextID: targetID, Action: "delegate",
		})
	}
	s.audit.Record(ctx, scope.UserID, "delegate", delegateTo, targetID,
		fmt.Sprintf("from %s %s", level, id))
	return d, nil
}

// AddInsight appends an immutable insight to a context. Insights do
// not participate in inheritance, so only this context's own cached
// entry is invalidated.
func (s *Service) AddInsight(ctx context.Context, scope hierarchy.Scope, level hierarchy.Level, id, content string, category hierarchy.InsightCategory, importance hierarchy.InsightImportance, agent string) (*hierarchy.Insight, error) {
	if !hierarchy.ValidCategory(category) {
		return nil, fmt.Errorf("%w: unknown insight category %q", hierarchy.ErrOperationFailed, category)
	}
	if !hierarchy.ValidImportance(importance) {
		return nil, fmt.Errorf("%w: unknown insight importance %q", hierarchy.ErrOperationFailed, importance)
	}
	existing, err := s.store.GetContext(ctx, scope, level, id)
	if err != nil {
		return nil, err
	}

	in := hierarchy.Insight{
		Content:    content,
		Category:   category,
		Importance: importance,
		Agent:      agent,
		CreatedAt:  time.Now().UTC(),
	}
	existing.Insights = append(existing.Insights, in)
	existing.UpdatedAt = in.CreatedAt
	if err := s.store.UpdateContext(ctx, existing, existing.Version); err != nil {
		return nil, err
	}

	s.cache.InvalidateContext(cache.NewKey(scope, level, id))
	s.emit(ctx, scope, bus.TopicContextUpdated, "add_insight", existing, content)
	return &in, nil
}

// AddProgress appends an immutable progress entry to a context.
func (s *Service) AddProgress(ctx context.Context, scope hierarchy.Scope, level hierarchy.Level, id, content, agent string) (*hierarchy.ProgressEntry, error) {
	existing, err := s.store.GetContext(ctx, scope, level, id)
	if err != nil {
		return nil, err
	}

	entry := hierarchy.ProgressEntry{
		Content:   content,
		Agent:     agent,
		CreatedAt: time.Now().UTC(),
	}
	existing.Progress = append(existing.Progress, entry)
	existing.UpdatedAt = entry.CreatedAt
	if err := s.store.UpdateContext(ctx, existing, existing.Version); err != nil {
		return nil, err
	}

	s.cache.InvalidateContext(cache.NewKey(scope, level, id))
	s.emit(ctx, scope, bus.TopicContextUpdated, "add_progress", existing, content)
	return &entry, nil
}

// List returns the caller's contexts at a level, ANDing any filters.
func (s *Service) List(ctx context.Context, scope hierarchy.Scope, level hierarchy.Level, filter store.ListFilter) ([]*hierarchy.Context, error) {
	if !level.Valid() {
		return nil, fmt.Errorf("%w: %d", hierarchy.ErrInvalidLevel, int(level))
	}
	return s.store.ListContexts(ctx, scope, level, filter)
}

// ListDelegations returns the caller's delegation records.
func (s *Service) ListDelegations(ctx context.Context, scope hierarchy.Scope, status hierarchy.DelegationStatus) ([]*hierarchy.Delegation, error) {
	return s.store.ListDelegations(ctx, scope, status)
}

// ─── Internals ───────────────────────────────────────────────────────────────

// ensureGlobal creates the user's GLOBAL context if it does not exist
// yet. Races with a concurrent first access are benign: the loser's
// duplicate insert is ignored.
func (s *Service) ensureGlobal(ctx context.Context, scope hierarchy.Scope) error {
	exists, err := s.store.ContextExists(ctx, scope, hierarchy.LevelGlobal, scope.UserID)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	now := time.Now().UTC()
	err = s.store.InsertContext(ctx, &hierarchy.Context{
		Level:     hierarchy.LevelGlobal,
		ID:        scope.UserID,
		UserID:    scope.UserID,
		Data:      map[string]any{},
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil && !isAlreadyExists(err) {
		return err
	}
	return nil
}

// ancestorID walks upward from source to find the id of its ancestor
// at the target level. GLOBAL is always the owning user's id.
func (s *Service) ancestorID(ctx context.Context, scope hierarchy.Scope, source *hierarchy.Context, target hierarchy.Level) (string, error) {
	if target == hierarchy.LevelGlobal {
		return scope.UserID, nil
	}
	cur := source
	for cur.Level != target {
		parentLevel, ok := cur.Level.Parent()
		if !ok {
			break
		}
		parentID := store.ParentRef(cur)
		if parentID == "" {
			return "", fmt.Errorf("%w: %s %q has no %s ancestor reference",
				hierarchy.ErrInvalidDelegationTarget, source.Level, source.ID, target)
		}
		if parentLevel == target {
			return parentID, nil
		}
		parent, err := s.store.GetContext(ctx, scope, parentLevel, parentID)
		if err != nil {
			return "", fmt.Errorf("%w: %s %q unreachable walking to %s",
				hierarchy.ErrInvalidDelegationTarget, parentLevel, parentID, target)
		}
		cur = parent
	}
	if cur.Level == target {
		return cur.ID, nil
	}
	return "", fmt.Errorf("%w: no %s ancestor of %s %q",
		hierarchy.ErrInvalidDelegationTarget, target, source.Level, source.ID)
}

// mergeInto merges data into the target context, creating it when
// absent.
func (s *Service) mergeInto(ctx context.Context, scope hierarchy.Scope, level hierarchy.Level, id string, data map[string]any) error {
	target, err := s.store.GetContext(ctx, scope, level, id)
	if err == nil {
		target.Data = hierarchy.MergeData(target.Data, data)
		target.UpdatedAt = time.Now().UTC()
		return s.store.UpdateContext(ctx, target, target.Version)
	}

	now := time.Now().UTC()
	return s.store.InsertContext(ctx, &hierarchy.Context{
		Level:     level,
		ID:        id,
		UserID:    scope.UserID,
		Data:      hierarchy.MergeData(nil, data),
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	})
}

func (s *Service) emit(ctx context.Context, scope hierarchy.Scope, topic, action string, c *hierarchy.Context, detail string) {
	if s.bus != nil {
		s.bus.Publish(topic, bus.ContextEvent{
			UserID:    scope.UserID,
			Level:     c.Level.String(),
			ContextID: c.ID,
			Action:    action,
			Version:   c.Version,
		})
	}
	s.audit.Record(ctx, scope.UserID, action, c.Level, c.ID, detail)
}

func stringField(data map[string]any, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func isAlreadyExists(err error) bool {
	return errors.Is(err, hierarchy.ErrContextAlreadyExists)
}
