package domain

// Reachable reports whether target can be reached from start by following
// edges in the blocking → blocked direction. The walk covers the full
// transitive closure, so multi-hop chains are found as well.
func Reachable(edges []DependencyEdge, start, target string) bool {
	if start == target {
		return true
	}
	adjacency := make(map[string][]string, len(edges))
	for _, e := range edges {
		adjacency[e.BlockingTaskID] = append(adjacency[e.BlockingTaskID], e.BlockedTaskID)
	}

	visited := map[string]bool{start: true}
	frontier := []string{start}
	for len(frontier) > 0 {
		node := frontier[0]
		frontier = frontier[1:]
		for _, next := range adjacency[node] {
			if next == target {
				return true
			}
			if !visited[next] {
				visited[next] = true
				frontier = append(frontier, next)
			}
		}
	}
	return false
}

// WouldCycle reports whether inserting the edge blocking → blocked into the
// given edge set would close a directed cycle. That is the case exactly when
// blocking is already reachable from blocked.
func WouldCycle(edges []DependencyEdge, blocking, blocked string) bool {
	return Reachable(edges, blocked, blocking)
}
