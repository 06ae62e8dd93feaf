// Package hierarchy defines the context hierarchy model: the four
// levels (GLOBAL → PROJECT → BRANCH → TASK), the entities attached to
// each node, the data-merge rule used by inheritance resolution, and
// the typed errors the rest of the system reports.
package hierarchy

import "fmt"

// Level identifies one tier of the context hierarchy. Levels are
// totally ordered: GLOBAL is the root, TASK is the leaf.
type Level int

const (
	LevelGlobal Level = iota
	LevelProject
	LevelBranch
	LevelTask
)

// Levels lists all levels in root-to-leaf order.
var Levels = []Level{LevelGlobal, LevelProject, LevelBranch, LevelTask}

// String returns the lowercase wire name of the level.
func (l Level) String() string {
	switch l {
	case LevelGlobal:
		return "global"
	case LevelProject:
		return "project"
	case LevelBranch:
		return "branch"
	case LevelTask:
		return "task"
	}
	return fmt.Sprintf("level(%d)", int(l))
}

// Valid reports whether l is one of the four recognized levels.
func (l Level) Valid() bool {
	return l >= LevelGlobal && l <= LevelTask
}

// Parent returns the level one step toward the root, and false for
// GLOBAL, which has no parent.
func (l Level) Parent() (Level, bool) {
	if l <= LevelGlobal || l > LevelTask {
		return LevelGlobal, false
	}
	return l - 1, true
}

// IsAncestorOf reports whether l sits strictly above other in the
// hierarchy (closer to GLOBAL).
func (l Level) IsAncestorOf(other Level) bool {
	return l < other
}

// ParseLevel converts a wire name into a Level. Unknown names return
// ErrInvalidLevel so callers can surface the bad input verbatim.
func ParseLevel(name string) (Level, error) {
	switch name {
	case "global":
		return LevelGlobal, nil
	case "project":
		return LevelProject, nil
	case "branch":
		return LevelBranch, nil
	case "task":
		return LevelTask, nil
	}
	return LevelGlobal, fmt.Errorf("%w: %q", ErrInvalidLevel, name)
}
