package hierarchy_test

import (
	"errors"
	"testing"

	"github.com/stratahq/strata/internal/hierarchy"
)

func TestParseLevel_RoundTrip(t *testing.T) {
	for _, l := range hierarchy.Levels {
		parsed, err := hierarchy.ParseLevel(l.String())
		if err != nil {
			t.Fatalf("ParseLevel(%q) error: %v", l.String(), err)
		}
		if parsed != l {
			t.Errorf("ParseLevel(%q) = %v, want %v", l.String(), parsed, l)
		}
	}
}

func TestParseLevel_Unknown(t *testing.T) {
	_, err := hierarchy.ParseLevel("epic")
	if !errors.Is(err, hierarchy.ErrInvalidLevel) {
		t.Errorf("ParseLevel(\"epic\") error = %v, want ErrInvalidLevel", err)
	}
}

func TestLevel_Parent(t *testing.T) {
	if _, ok := hierarchy.LevelGlobal.Parent(); ok {
		t.Error("GLOBAL should have no parent")
	}
	cases := []struct {
		child, parent hierarchy.Level
	}{
		{hierarchy.LevelProject, hierarchy.LevelGlobal},
		{hierarchy.LevelBranch, hierarchy.LevelProject},
		{hierarchy.LevelTask, hierarchy.LevelBranch},
	}
	for _, c := range cases {
		p, ok := c.child.Parent()
		if !ok {
			t.Fatalf("%v should have a parent", c.child)
		}
		if p != c.parent {
			t.Errorf("%v.Parent() = %v, want %v", c.child, p, c.parent)
		}
	}
}

func TestLevel_IsAncestorOf(t *testing.T) {
	if !hierarchy.LevelGlobal.IsAncestorOf(hierarchy.LevelTask) {
		t.Error("GLOBAL should be an ancestor of TASK")
	}
	if hierarchy.LevelTask.IsAncestorOf(hierarchy.LevelTask) {
		t.Error("a level is not its own ancestor")
	}
	if hierarchy.LevelBranch.IsAncestorOf(hierarchy.LevelProject) {
		t.Error("BRANCH is below PROJECT, not above")
	}
}

func TestLevel_Ordering(t *testing.T) {
	// Root-to-leaf order is the merge order; it must be stable.
	want := []string{"global", "project", "branch", "task"}
	for i, l := range hierarchy.Levels {
		if l.String() != want[i] {
			t.Errorf("Levels[%d] = %q, want %q", i, l.String(), want[i])
		}
	}
}
