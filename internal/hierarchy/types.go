package hierarchy

import "time"

// Scope is the user-isolation boundary. Every store and cache key is
// qualified by it; a context created under one scope is invisible to
// every other scope even when context ids collide. It is an explicit
// parameter on every call rather than hidden repository state.
type Scope struct {
	UserID string `json:"user_id"`
}

// NewScope returns a Scope for the given user id.
func NewScope(userID string) Scope {
	return Scope{UserID: userID}
}

// ─── Context ─────────────────────────────────────────────────────────────────

// Context is one node in the hierarchy: a bundle of structured data
// plus append-only insight and progress logs. The version field is an
// optimistic-concurrency marker incremented by exactly one on every
// successful update.
type Context struct {
	Level      Level           `json:"level"`
	ID         string          `json:"id"`
	UserID     string          `json:"user_id"`
	ParentID   string          `json:"parent_id,omitempty"`
	Data       map[string]any  `json:"data"`
	Insights   []Insight       `json:"insights,omitempty"`
	Progress   []ProgressEntry `json:"progress,omitempty"`
	Version    int64           `json:"version"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// Clone returns a deep-enough copy: the data map is copied one level
// deep (nested maps are copied too), slices are copied. Mutating the
// clone never aliases the original's containers.
func (c *Context) Clone() *Context {
	out := *c
	out.Data = cloneData(c.Data)
	out.Insights = append([]Insight(nil), c.Insights...)
	out.Progress = append([]ProgressEntry(nil), c.Progress...)
	return &out
}

// InsightCategory classifies an insight.
type InsightCategory string

const (
	CategoryTechnical   InsightCategory = "technical"
	CategoryBusiness    InsightCategory = "business"
	CategoryPerformance InsightCategory = "performance"
	CategoryRisk        InsightCategory = "risk"
	CategoryDiscovery   InsightCategory = "discovery"
)

// ValidCategory reports whether c is empty or one of the known
// insight categories.
func ValidCategory(c InsightCategory) bool {
	switch c {
	case "", CategoryTechnical, CategoryBusiness, CategoryPerformance, CategoryRisk, CategoryDiscovery:
		return true
	}
	return false
}

// InsightImportance ranks an insight.
type InsightImportance string

const (
	ImportanceLow      InsightImportance = "low"
	ImportanceMedium   InsightImportance = "medium"
	ImportanceHigh     InsightImportance = "high"
	ImportanceCritical InsightImportance = "critical"
)

// ValidImportance reports whether i is empty or a known importance.
func ValidImportance(i InsightImportance) bool {
	switch i {
	case "", ImportanceLow, ImportanceMedium, ImportanceHigh, ImportanceCritical:
		return true
	}
	return false
}

// Insight is an append-only note attached to a context. Immutable
// once appended.
type Insight struct {
	Content    string            `json:"content"`
	Category   InsightCategory   `json:"category,omitempty"`
	Importance InsightImportance `json:"importance,omitempty"`
	Agent      string            `json:"agent,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
}

// ProgressEntry is an append-only progress note attached to a
// context. Immutable once appended.
type ProgressEntry struct {
	Content   string    `json:"content"`
	Agent     string    `json:"agent,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// ─── Delegation ──────────────────────────────────────────────────────────────

// DelegationStatus tracks a delegation's lifecycle:
// created → applied | rejected.
type DelegationStatus string

const (
	DelegationPending  DelegationStatus = "pending"
	DelegationApplied  DelegationStatus = "applied"
	DelegationRejected DelegationStatus = "rejected"
)

// Delegation records a value promoted from a lower-level context into
// an ancestor context, with reason metadata.
type Delegation struct {
	ID          string           `json:"id"`
	UserID      string           `json:"user_id"`
	SourceLevel Level            `json:"source_level"`
	SourceID    string           `json:"source_id"`
	TargetLevel Level            `json:"target_level"`
	TargetID    string           `json:"target_id"`
	Data        map[string]any   `json:"data"`
	Reason      string           `json:"reason,omitempty"`
	Status      DelegationStatus `json:"status"`
	CreatedAt   time.Time        `json:"created_at"`
}

// ─── ResolvedContext ─────────────────────────────────────────────────────────

// ResolvedContext is the derived result of inheritance resolution:
// the merged data of a context and all its ancestors, innermost wins,
// plus the ordered list of levels that actually contributed. It is
// computed on demand and cached; it is never persisted.
type ResolvedContext struct {
	Level            Level          `json:"level"`
	ID               string         `json:"id"`
	UserID           string         `json:"user_id"`
	Data             map[string]any `json:"data"`
	InheritanceChain []Level        `json:"inheritance_chain"`
	ResolvedAt       time.Time      `json:"resolved_at"`
}

// Clone returns a copy whose data map does not alias the original.
func (r *ResolvedContext) Clone() *ResolvedContext {
	out := *r
	out.Data = cloneData(r.Data)
	out.InheritanceChain = append([]Level(nil), r.InheritanceChain...)
	return &out
}
