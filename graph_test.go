package chunkrt

import (
	"sort"
	"testing"
)

func sortedIDs(ids []ModuleID) []ModuleID {
	out := append([]ModuleID(nil), ids...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func TestGraphTrackAndQuery(t *testing.T) {
	g := NewDependencyGraph()
	g.TrackImport("a", "b")
	g.TrackImport("a", "c")
	g.TrackImport("b", "c")
	g.TrackImport("a", "b") // duplicate edges collapse

	if got := sortedIDs(g.Children("a")); len(got) != 2 || got[0] != "b" || got[1] != "c" {
		t.Errorf("children(a) = %v", got)
	}
	if got := sortedIDs(g.Parents("c")); len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("parents(c) = %v", got)
	}
	if got := g.Parents("a"); len(got) != 0 {
		t.Errorf("parents(a) = %v, want none", got)
	}
}

func TestGraphDependentsTransitive(t *testing.T) {
	// app -> page -> widget; other is unrelated.
	g := NewDependencyGraph()
	g.TrackImport("app", "page")
	g.TrackImport("page", "widget")
	g.TrackImport("other", "page2")

	got := sortedIDs(g.Dependents([]ModuleID{"widget"}))
	want := []ModuleID{"app", "page", "widget"}
	if len(got) != len(want) {
		t.Fatalf("dependents = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("dependents = %v, want %v", got, want)
		}
	}
}

func TestGraphDependentsHandlesCycles(t *testing.T) {
	g := NewDependencyGraph()
	g.TrackImport("a", "b")
	g.TrackImport("b", "a")

	got := sortedIDs(g.Dependents([]ModuleID{"a"}))
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("dependents in cycle = %v", got)
	}
}

func TestGraphRemove(t *testing.T) {
	g := NewDependencyGraph()
	g.TrackImport("a", "b")
	g.TrackImport("b", "c")

	g.Remove("b")
	if got := g.Children("a"); len(got) != 0 {
		t.Errorf("children(a) after remove = %v", got)
	}
	if got := g.Parents("c"); len(got) != 0 {
		t.Errorf("parents(c) after remove = %v", got)
	}
	if got := g.Dependents([]ModuleID{"c"}); len(got) != 1 || got[0] != "c" {
		t.Errorf("dependents(c) after remove = %v", got)
	}
}
