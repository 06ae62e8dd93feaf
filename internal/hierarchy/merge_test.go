package hierarchy_test

import (
	"reflect"
	"testing"

	"github.com/stratahq/strata/internal/hierarchy"
)

func TestMergeData_InnermostWins(t *testing.T) {
	base := map[string]any{"standard": "v1", "owner": "global"}
	over := map[string]any{"standard": "v2"}

	got := hierarchy.MergeData(base, over)

	if got["standard"] != "v2" {
		t.Errorf("standard = %v, want v2 (overlay wins)", got["standard"])
	}
	if got["owner"] != "global" {
		t.Errorf("owner = %v, want global (base-only key preserved)", got["owner"])
	}
}

func TestMergeData_NestedMapsMergeOneLevelDeep(t *testing.T) {
	base := map[string]any{
		"settings": map[string]any{"theme": "dark", "lang": "en"},
	}
	over := map[string]any{
		"settings": map[string]any{"theme": "light"},
	}

	got := hierarchy.MergeData(base, over)

	settings, ok := got["settings"].(map[string]any)
	if !ok {
		t.Fatalf("settings is %T, want map", got["settings"])
	}
	if settings["theme"] != "light" {
		t.Errorf("settings.theme = %v, want light", settings["theme"])
	}
	if settings["lang"] != "en" {
		t.Errorf("settings.lang = %v, want en (merged, not replaced)", settings["lang"])
	}
}

func TestMergeData_DeeperNestingReplacedWholesale(t *testing.T) {
	base := map[string]any{
		"settings": map[string]any{
			"editor": map[string]any{"tabs": 4, "wrap": true},
		},
	}
	over := map[string]any{
		"settings": map[string]any{
			"editor": map[string]any{"tabs": 2},
		},
	}

	got := hierarchy.MergeData(base, over)

	editor := got["settings"].(map[string]any)["editor"].(map[string]any)
	if editor["tabs"] != 2 {
		t.Errorf("editor.tabs = %v, want 2", editor["tabs"])
	}
	if _, ok := editor["wrap"]; ok {
		t.Error("editor.wrap survived; second-level maps must be replaced wholesale")
	}
}

func TestMergeData_MapReplacedByScalar(t *testing.T) {
	base := map[string]any{"flags": map[string]any{"beta": true}}
	over := map[string]any{"flags": "none"}

	got := hierarchy.MergeData(base, over)
	if got["flags"] != "none" {
		t.Errorf("flags = %v, want \"none\" (type mismatch replaces)", got["flags"])
	}
}

func TestMergeData_DoesNotMutateInputs(t *testing.T) {
	base := map[string]any{"settings": map[string]any{"a": 1}}
	over := map[string]any{"settings": map[string]any{"b": 2}, "extra": "x"}
	baseCopy := map[string]any{"settings": map[string]any{"a": 1}}
	overCopy := map[string]any{"settings": map[string]any{"b": 2}, "extra": "x"}

	_ = hierarchy.MergeData(base, over)

	if !reflect.DeepEqual(base, baseCopy) {
		t.Errorf("base mutated: %v", base)
	}
	if !reflect.DeepEqual(over, overCopy) {
		t.Errorf("overlay mutated: %v", over)
	}
}

func TestMergeData_EmptyInputs(t *testing.T) {
	got := hierarchy.MergeData(nil, map[string]any{"k": "v"})
	if got["k"] != "v" {
		t.Errorf("merge over nil base lost key: %v", got)
	}
	got = hierarchy.MergeData(map[string]any{"k": "v"}, nil)
	if got["k"] != "v" {
		t.Errorf("merge of nil overlay lost key: %v", got)
	}
}
