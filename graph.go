package chunkrt

// DependencyGraph records directed importer→imported edges between
// modules, maintained only in development mode. Edges are recorded
// synchronously in line with instantiation, before the child's factory
// runs, so the graph is always consistent with the cache and a cyclic
// import still invalidates correctly. The graph is not necessarily
// acyclic.
//
// The invalidation *policy* (where a hot update stops propagating) is
// the hot-reload orchestrator's concern; the graph only answers
// reachability queries.
type DependencyGraph struct {
	children map[ModuleID]map[ModuleID]struct{}
	parents  map[ModuleID]map[ModuleID]struct{}
}

// NewDependencyGraph returns an empty graph.
func NewDependencyGraph() *DependencyGraph {
	return &DependencyGraph{
		children: make(map[ModuleID]map[ModuleID]struct{}),
		parents:  make(map[ModuleID]map[ModuleID]struct{}),
	}
}

// TrackImport records the edge parent→child. Recording is
// unconditional: the child need not be instantiated, or even
// registered, yet.
func (g *DependencyGraph) TrackImport(parent, child ModuleID) {
	if g.children[parent] == nil {
		g.children[parent] = make(map[ModuleID]struct{})
	}
	g.children[parent][child] = struct{}{}
	if g.parents[child] == nil {
		g.parents[child] = make(map[ModuleID]struct{})
	}
	g.parents[child][parent] = struct{}{}
}

// Parents returns the direct importers of id.
func (g *DependencyGraph) Parents(id ModuleID) []ModuleID {
	out := make([]ModuleID, 0, len(g.parents[id]))
	for p := range g.parents[id] {
		out = append(out, p)
	}
	return out
}

// Children returns the direct imports of id.
func (g *DependencyGraph) Children(id ModuleID) []ModuleID {
	out := make([]ModuleID, 0, len(g.children[id]))
	for c := range g.children[id] {
		out = append(out, c)
	}
	return out
}

// Dependents computes the transitive closure of importers of the
// changed set: every module whose cached instantiation observed,
// directly or indirectly, one of the changed modules. The changed ids
// themselves are included. Cycles are handled by the visited set.
func (g *DependencyGraph) Dependents(changed []ModuleID) []ModuleID {
	visited := make(map[ModuleID]bool, len(changed))
	queue := make([]ModuleID, 0, len(changed))
	for _, id := range changed {
		if !visited[id] {
			visited[id] = true
			queue = append(queue, id)
		}
	}
	for i := 0; i < len(queue); i++ {
		for p := range g.parents[queue[i]] {
			if !visited[p] {
				visited[p] = true
				queue = append(queue, p)
			}
		}
	}
	return queue
}

// Remove drops every edge touching id, in both directions. Called when
// a module is evicted; its edges are re-recorded on re-instantiation.
func (g *DependencyGraph) Remove(id ModuleID) {
	for c := range g.children[id] {
		delete(g.parents[c], id)
	}
	delete(g.children, id)
	for p := range g.parents[id] {
		delete(g.children[p], id)
	}
	delete(g.parents, id)
}
