// Package resolver produces fully resolved context views: the merged
// data of a context and all of its ancestors, innermost wins.
package resolver

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/stratahq/strata/internal/hierarchy"
	"github.com/stratahq/strata/internal/store"
)

// ContextLoader is the read-side store surface the resolver needs.
type ContextLoader interface {
	GetContext(ctx context.Context, scope hierarchy.Scope, level hierarchy.Level, id string) (*hierarchy.Context, error)
}

// ChainLink identifies one context consulted during a resolution.
// Missing marks an ancestor that was referenced but absent at
// resolution time. The service registers cache dependencies on every
// link, missing ones included, so that creating an absent ancestor
// later invalidates the views resolved without it.
type ChainLink struct {
	Level   hierarchy.Level
	ID      string
	Missing bool
}

// Resolver walks the hierarchy chain and merges data bottom-to-top.
type Resolver struct {
	loader ContextLoader
	log    *slog.Logger
}

// New creates a Resolver. A nil logger falls back to slog.Default.
func New(loader ContextLoader, log *slog.Logger) *Resolver {
	if log == nil {
		log = slog.Default()
	}
	return &Resolver{loader: loader, log: log}
}

// Resolve loads the context at (level, id), walks upward collecting
// ancestors, and merges data root-to-leaf so the innermost level wins
// on every key. The returned chain lists the merged contexts in
// root-to-leaf order, followed by any ancestors that were referenced
// but absent (marked Missing).
//
// A missing leaf is ErrContextNotFound. A missing or corrupt ancestor
// reference is not an error: the level is skipped (with a warning for
// corrupt references) and resolution continues with what remains.
func (r *Resolver) Resolve(ctx context.Context, scope hierarchy.Scope, level hierarchy.Level, id string) (*hierarchy.ResolvedContext, []ChainLink, error) {
	if !level.Valid() {
		return nil, nil, fmt.Errorf("%w: %d", hierarchy.ErrInvalidLevel, int(level))
	}

	leaf, err := r.loader.GetContext(ctx, scope, level, id)
	if err != nil {
		return nil, nil, err
	}

	// Collect the chain leaf-to-root. The leaf is always present;
	// ancestors are loaded via explicit nullable lookups and skipped
	// when absent.
	loaded := []*hierarchy.Context{leaf}
	var missing []ChainLink
	visited := map[ChainLink]bool{{Level: level, ID: id}: true}

	cur := leaf
	for cur != nil && cur.Level != hierarchy.LevelGlobal {
		parentLevel, _ := cur.Level.Parent()
		parentID := r.parentID(scope, cur)
		if parentID == "" {
			// No reference at all; GLOBAL is still reachable by
			// convention (one global context per user).
			break
		}
		link := ChainLink{Level: parentLevel, ID: parentID}
		if visited[link] {
			return nil, nil, fmt.Errorf("%w: %s %q revisited", hierarchy.ErrInheritanceCycle, parentLevel, parentID)
		}
		visited[link] = true

		parent := r.loadOptional(ctx, scope, parentLevel, parentID)
		if parent == nil {
			r.log.Warn("ancestor reference points to missing context; skipping level",
				"level", parentLevel.String(), "id", parentID,
				"child_level", cur.Level.String(), "child_id", cur.ID)
			// Still a link: the dependent's view must be invalidated if
			// this ancestor comes into existence later.
			missing = append(missing, ChainLink{Level: parentLevel, ID: parentID, Missing: true})
			break
		}
		loaded = append(loaded, parent)
		cur = parent
	}

	// The user's GLOBAL context anchors every chain unless the leaf
	// itself is GLOBAL or GLOBAL was already reached.
	if level != hierarchy.LevelGlobal && loaded[len(loaded)-1].Level != hierarchy.LevelGlobal {
		if g := r.loadOptional(ctx, scope, hierarchy.LevelGlobal, scope.UserID); g != nil {
			loaded = append(loaded, g)
		} else {
			missing = append(missing, ChainLink{Level: hierarchy.LevelGlobal, ID: scope.UserID, Missing: true})
		}
	}

	// Merge root-to-leaf: reverse the leaf-to-root collection.
	merged := map[string]any{}
	chain := make([]ChainLink, 0, len(loaded))
	levels := make([]hierarchy.Level, 0, len(loaded))
	for i := len(loaded) - 1; i >= 0; i-- {
		c := loaded[i]
		merged = hierarchy.MergeData(merged, c.Data)
		chain = append(chain, ChainLink{Level: c.Level, ID: c.ID})
		levels = append(levels, c.Level)
	}
	chain = append(chain, missing...)

	resolved := &hierarchy.ResolvedContext{
		Level:            level,
		ID:               id,
		UserID:           scope.UserID,
		Data:             merged,
		InheritanceChain: levels,
		ResolvedAt:       time.Now().UTC(),
	}
	return resolved, chain, nil
}

// parentID determines the ancestor reference for a context: explicit
// parent_id, then the conventional data key, then (for PROJECT) the
// owning user's GLOBAL context.
func (r *Resolver) parentID(scope hierarchy.Scope, c *hierarchy.Context) string {
	if c.Level == hierarchy.LevelProject {
		return scope.UserID
	}
	return store.ParentRef(c)
}

// loadOptional returns the context or nil when absent. Absence is a
// branch, not an exception: the skip-if-missing policy is visible
// here.
func (r *Resolver) loadOptional(ctx context.Context, scope hierarchy.Scope, level hierarchy.Level, id string) *hierarchy.Context {
	c, err := r.loader.GetContext(ctx, scope, level, id)
	if err != nil {
		return nil
	}
	return c
}
