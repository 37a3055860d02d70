package flow

import "sort"

// Edge is one connection viewed through the graph arena. ID is the edge's
// position in the arena and is stable for the lifetime of the graph; the
// scheduler uses it to track per-edge liveness.
type Edge struct {
	ID     int
	From   string
	Output string
	To     string
	Input  string
}

// Graph is the execution-time view of a definition: nodes and edges in
// contiguous arenas indexed by small integers, with adjacency lists kept in
// declaration order. Building validates structure; a Graph in hand is
// acyclic with all references resolved.
type Graph struct {
	nodes []*Node
	ids   []string
	index map[string]int
	edges []Edge
	out   [][]int
	in    [][]int
	depth []int
	// order holds node indices sorted ascending by (depth, id); Ready and
	// Roots iterate it so simultaneous readiness resolves deterministically.
	order []int
}

// BuildGraph validates a definition's structure and returns its dependency
// graph. Rejections are DefinitionErrors: duplicate node ids, connections
// referencing unknown nodes, self-loops, and cycles.
func BuildGraph(def *Definition) (*Graph, error) {
	if len(def.Nodes) == 0 {
		return nil, definitionErr(CodeEmptyWorkflow, "", "workflow has no nodes")
	}

	g := &Graph{
		nodes: make([]*Node, len(def.Nodes)),
		ids:   make([]string, len(def.Nodes)),
		index: make(map[string]int, len(def.Nodes)),
		out:   make([][]int, len(def.Nodes)),
		in:    make([][]int, len(def.Nodes)),
		depth: make([]int, len(def.Nodes)),
	}
	for i := range def.Nodes {
		n := &def.Nodes[i]
		if n.ID == "" {
			return nil, definitionErr(CodeUnknownNode, "", "node %d has an empty id", i)
		}
		if _, dup := g.index[n.ID]; dup {
			return nil, definitionErr(CodeDuplicateNode, n.ID, "node id declared twice")
		}
		g.index[n.ID] = i
		g.nodes[i] = n
		g.ids[i] = n.ID
	}

	g.edges = make([]Edge, 0, len(def.Connections))
	for _, c := range def.Connections {
		from, ok := g.index[c.From]
		if !ok {
			return nil, definitionErr(CodeUnknownNode, c.From, "connection source does not exist")
		}
		to, ok := g.index[c.To]
		if !ok {
			return nil, definitionErr(CodeUnknownNode, c.To, "connection target does not exist")
		}
		if from == to {
			return nil, definitionErr(CodeInvalidConnection, c.From, "connection loops back to its source")
		}
		id := len(g.edges)
		g.edges = append(g.edges, Edge{
			ID:     id,
			From:   c.From,
			Output: c.output(),
			To:     c.To,
			Input:  c.input(),
		})
		g.out[from] = append(g.out[from], id)
		g.in[to] = append(g.in[to], id)
	}

	if err := g.computeDepths(); err != nil {
		return nil, err
	}

	g.order = make([]int, len(g.nodes))
	for i := range g.order {
		g.order[i] = i
	}
	sort.Slice(g.order, func(a, b int) bool {
		ia, ib := g.order[a], g.order[b]
		if g.depth[ia] != g.depth[ib] {
			return g.depth[ia] < g.depth[ib]
		}
		return g.ids[ia] < g.ids[ib]
	})
	return g, nil
}

// computeDepths runs Kahn's algorithm, assigning each node its longest
// distance from a root. Any node left unprocessed sits on a cycle.
func (g *Graph) computeDepths() error {
	indeg := make([]int, len(g.nodes))
	for i := range g.in {
		indeg[i] = len(g.in[i])
	}
	queue := make([]int, 0, len(g.nodes))
	for i, d := range indeg {
		if d == 0 {
			queue = append(queue, i)
		}
	}
	processed := 0
	for len(queue) > 0 {
		u := queue[0]
		queue = queue[1:]
		processed++
		for _, eid := range g.out[u] {
			v := g.index[g.edges[eid].To]
			if g.depth[u]+1 > g.depth[v] {
				g.depth[v] = g.depth[u] + 1
			}
			indeg[v]--
			if indeg[v] == 0 {
				queue = append(queue, v)
			}
		}
	}
	if processed != len(g.nodes) {
		cyclic := make([]string, 0)
		for i, d := range indeg {
			if d > 0 {
				cyclic = append(cyclic, g.ids[i])
			}
		}
		sort.Strings(cyclic)
		return definitionErr(CodeCycle, "", "cycle through %v", cyclic)
	}
	return nil
}

// Len returns the node count.
func (g *Graph) Len() int { return len(g.nodes) }

// HasNode reports whether id exists in the graph.
func (g *Graph) HasNode(id string) bool {
	_, ok := g.index[id]
	return ok
}

// NodeByID returns the definition node for id, or nil.
func (g *Graph) NodeByID(id string) *Node {
	i, ok := g.index[id]
	if !ok {
		return nil
	}
	return g.nodes[i]
}

// Depth returns the node's longest distance from a root (-1 if unknown).
func (g *Graph) Depth(id string) int {
	i, ok := g.index[id]
	if !ok {
		return -1
	}
	return g.depth[i]
}

// Roots returns the ids of nodes with no inbound connections, in
// deterministic order. These are the trigger nodes.
func (g *Graph) Roots() []string {
	roots := make([]string, 0, 1)
	for _, i := range g.order {
		if len(g.in[i]) == 0 {
			roots = append(roots, g.ids[i])
		}
	}
	return roots
}

// Ready returns the ids of nodes not yet completed whose dependencies are
// all in completed, ascending by (depth, id). Callers exclude nodes they
// have already dispatched.
func (g *Graph) Ready(completed map[string]bool) []string {
	ready := make([]string, 0)
	for _, i := range g.order {
		id := g.ids[i]
		if completed[id] {
			continue
		}
		ok := true
		for _, eid := range g.in[i] {
			if !completed[g.edges[eid].From] {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, id)
		}
	}
	return ready
}

// Successors returns downstream node ids along the named output, or along
// every output when output is empty. Order follows connection declaration;
// duplicates are removed.
func (g *Graph) Successors(id string, output string) []string {
	i, ok := g.index[id]
	if !ok {
		return nil
	}
	seen := make(map[string]bool)
	succ := make([]string, 0, len(g.out[i]))
	for _, eid := range g.out[i] {
		e := g.edges[eid]
		if output != "" && e.Output != output {
			continue
		}
		if !seen[e.To] {
			seen[e.To] = true
			succ = append(succ, e.To)
		}
	}
	return succ
}

// Inbound returns the edges arriving at id in declaration order.
func (g *Graph) Inbound(id string) []Edge {
	i, ok := g.index[id]
	if !ok {
		return nil
	}
	edges := make([]Edge, 0, len(g.in[i]))
	for _, eid := range g.in[i] {
		edges = append(edges, g.edges[eid])
	}
	return edges
}

// Outbound returns the edges leaving id in declaration order.
func (g *Graph) Outbound(id string) []Edge {
	i, ok := g.index[id]
	if !ok {
		return nil
	}
	edges := make([]Edge, 0, len(g.out[i]))
	for _, eid := range g.out[i] {
		edges = append(edges, g.edges[eid])
	}
	return edges
}

// EdgeCount returns the arena edge count.
func (g *Graph) EdgeCount() int { return len(g.edges) }
