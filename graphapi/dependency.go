package graphapi

// DependencyMap maps a node id to the ordered list of its direct
// predecessors - the nodes with an edge into it.  It is rebuilt fresh from
// the current node/edge list on every planning pass and never persisted.
type DependencyMap map[string][]string

// Clone returns a deep copy of the map.
func (m DependencyMap) Clone() DependencyMap {
	retv := make(DependencyMap, len(m))
	for id, deps := range m {
		retv[id] = append([]string{}, deps...)
	}
	return retv
}

// BuildDependencyGraph converts a node list and a directed edge list into a
// DependencyMap.  Every node gets an entry, possibly empty.  Predecessor
// order follows edge-list order.  Edges referencing unknown node ids and
// self-referential edges are ignored rather than erroring, since partial
// canvas states are expected mid-edit.  No cycle detection happens here;
// cycles are a scheduling concern, not a structural error.
func BuildDependencyGraph(nodes []*WorkflowNode, edges []*WorkflowEdge) DependencyMap {
	deps := make(DependencyMap, len(nodes))
	for _, n := range nodes {
		deps[n.ID] = []string{}
	}
	for _, e := range edges {
		if e == nil || e.Source == e.Target {
			continue
		}
		if _, ok := deps[e.Source]; !ok {
			continue
		}
		if _, ok := deps[e.Target]; !ok {
			continue
		}
		deps[e.Target] = append(deps[e.Target], e.Source)
	}
	return deps
}

// PruneAtPersistedBoundaries walks backward from targetID through deps and
// cuts the dependency list of every visited node that already carries a
// persisted result, so upstream work is not redundantly scheduled.  A cut
// node remains a dependency of whichever downstream nodes consume it, but
// its own predecessors are no longer reached through it.  The rule applies
// uniformly, including to the target itself; callers wanting to force a
// recompute of the target handle that outside this function.
//
// The returned map is a new map: every key of deps is present, every list
// is a subset of the corresponding input list, and deps is not mutated.
func PruneAtPersistedBoundaries(nodes []*WorkflowNode, deps DependencyMap, targetID string) DependencyMap {
	byID := make(map[string]*WorkflowNode, len(nodes))
	for _, n := range nodes {
		byID[n.ID] = n
	}

	retv := deps.Clone()
	if _, ok := deps[targetID]; !ok {
		return retv
	}

	visited := make(map[string]bool, len(deps))
	queue := []string{targetID}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if visited[id] {
			continue
		}
		visited[id] = true

		if n, ok := byID[id]; ok && n.HasPersistedResult() {
			// Cut here: this node's result stands in for its whole
			// upstream subgraph on this path.
			retv[id] = []string{}
			continue
		}
		queue = append(queue, deps[id]...)
	}
	return retv
}
