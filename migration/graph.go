package migration

import (
	"fmt"
	"sort"
	"strings"
)

// Symbolic revision references accepted by Resolve.
const (
	RefHead = "head"
	RefBase = "base"
)

type node struct {
	def      Definition
	parent   int // -1 for the root
	depth    int
	lineage  []int // root..self
	children []int
}

// Graph is an immutable index over a set of revisions forming one rooted
// tree. Nodes live in an arena; each carries its precomputed ancestor path
// so ancestry checks during planning are constant time.
type Graph struct {
	nodes []node
	index map[string]int
	root  int
}

// Build validates and indexes defs. It fails with a *GraphError when the
// revisions are empty, contain duplicate identifiers or invalid operations,
// reference unknown parents, have more than one root, or contain a cycle.
func Build(defs ...Definition) (*Graph, error) {
	if len(defs) == 0 {
		return nil, &GraphError{Kind: GraphEmpty}
	}

	g := &Graph{
		nodes: make([]node, len(defs)),
		index: make(map[string]int, len(defs)),
		root:  -1,
	}
	for i, def := range defs {
		id := def.RevisionID()
		if strings.TrimSpace(id) == "" {
			return nil, &GraphError{Kind: GraphInvalidRevision, Detail: fmt.Sprintf("revision %d has no identifier", i)}
		}
		if id == RefHead || id == RefBase {
			return nil, &GraphError{Kind: GraphInvalidRevision, Revisions: []string{id}, Detail: "identifier is reserved"}
		}
		if _, dup := g.index[id]; dup {
			return nil, &GraphError{Kind: GraphDuplicateID, Revisions: []string{id}}
		}
		if err := validateDefinition(def); err != nil {
			return nil, &GraphError{Kind: GraphInvalidRevision, Revisions: []string{id}, Err: err}
		}
		g.index[id] = i
		g.nodes[i] = node{def: def, parent: -1}
	}

	var roots []string
	for i := range g.nodes {
		def := g.nodes[i].def
		pid := def.ParentID()
		if pid == "" {
			roots = append(roots, def.RevisionID())
			g.root = i
			continue
		}
		p, ok := g.index[pid]
		if !ok {
			return nil, &GraphError{Kind: GraphUnresolvedParent, Revisions: []string{def.RevisionID(), pid}}
		}
		g.nodes[i].parent = p
		g.nodes[p].children = append(g.nodes[p].children, i)
	}
	switch {
	case len(roots) > 1:
		sort.Strings(roots)
		return nil, &GraphError{Kind: GraphMultipleRoots, Revisions: roots}
	case len(roots) == 0:
		// Every node has a parent, so every node sits on a cycle or hangs
		// off one.
		return nil, &GraphError{Kind: GraphCycle, Revisions: g.ids(allIndexes(len(g.nodes)))}
	}

	// Walk down from the root; anything not reached is on a cycle.
	seen := make([]bool, len(g.nodes))
	g.nodes[g.root].lineage = []int{g.root}
	queue := []int{g.root}
	seen[g.root] = true
	for len(queue) > 0 {
		i := queue[0]
		queue = queue[1:]
		sort.Slice(g.nodes[i].children, func(a, b int) bool {
			return g.nodes[g.nodes[i].children[a]].def.RevisionID() < g.nodes[g.nodes[i].children[b]].def.RevisionID()
		})
		for _, c := range g.nodes[i].children {
			lineage := make([]int, len(g.nodes[i].lineage)+1)
			copy(lineage, g.nodes[i].lineage)
			lineage[len(lineage)-1] = c
			g.nodes[c].lineage = lineage
			g.nodes[c].depth = g.nodes[i].depth + 1
			seen[c] = true
			queue = append(queue, c)
		}
	}
	var unreached []int
	for i, ok := range seen {
		if !ok {
			unreached = append(unreached, i)
		}
	}
	if len(unreached) > 0 {
		return nil, &GraphError{Kind: GraphCycle, Revisions: g.ids(unreached)}
	}
	return g, nil
}

func allIndexes(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}

func (g *Graph) ids(idx []int) []string {
	out := make([]string, len(idx))
	for i, n := range idx {
		out[i] = g.nodes[n].def.RevisionID()
	}
	sort.Strings(out)
	return out
}

// Len returns the number of revisions.
func (g *Graph) Len() int { return len(g.nodes) }

// Root returns the root revision.
func (g *Graph) Root() Definition { return g.nodes[g.root].def }

// Get returns the revision with the exact identifier id.
func (g *Graph) Get(id string) (Definition, bool) {
	i, ok := g.index[id]
	if !ok {
		return nil, false
	}
	return g.nodes[i].def, true
}

// Heads returns the revisions without children, sorted by identifier.
func (g *Graph) Heads() []Definition {
	var heads []Definition
	for _, n := range g.nodes {
		if len(n.children) == 0 {
			heads = append(heads, n.def)
		}
	}
	sort.Slice(heads, func(i, j int) bool { return heads[i].RevisionID() < heads[j].RevisionID() })
	return heads
}

// Head returns the single head, or ErrMultipleHeads.
func (g *Graph) Head() (Definition, error) {
	heads := g.Heads()
	if len(heads) != 1 {
		ids := make([]string, len(heads))
		for i, h := range heads {
			ids[i] = h.RevisionID()
		}
		return nil, fmt.Errorf("%w: %s", ErrMultipleHeads, strings.Join(ids, ", "))
	}
	return heads[0], nil
}

// Resolve turns a reference into a revision identifier. It accepts an exact
// identifier, a unique identifier prefix, "head" and "base". "base" and ""
// resolve to "", meaning no revision applied.
func (g *Graph) Resolve(ref string) (string, error) {
	switch ref {
	case "", RefBase:
		return "", nil
	case RefHead:
		h, err := g.Head()
		if err != nil {
			return "", err
		}
		return h.RevisionID(), nil
	}
	if _, ok := g.index[ref]; ok {
		return ref, nil
	}
	var matches []string
	for id := range g.index {
		if strings.HasPrefix(id, ref) {
			matches = append(matches, id)
		}
	}
	switch len(matches) {
	case 0:
		return "", fmt.Errorf("%w: %s", ErrUnknownRevision, ref)
	case 1:
		return matches[0], nil
	}
	sort.Strings(matches)
	return "", fmt.Errorf("%w: %s matches %s", ErrAmbiguousRevision, ref, strings.Join(matches, ", "))
}

// Lineage returns the ancestor path of id, root first and id last.
func (g *Graph) Lineage(id string) ([]Definition, error) {
	i, ok := g.index[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRevision, id)
	}
	out := make([]Definition, len(g.nodes[i].lineage))
	for k, n := range g.nodes[i].lineage {
		out[k] = g.nodes[n].def
	}
	return out, nil
}

// History returns every revision in topological order: breadth first from
// the root, siblings by identifier.
func (g *Graph) History() []Definition {
	out := make([]Definition, 0, len(g.nodes))
	queue := []int{g.root}
	for len(queue) > 0 {
		i := queue[0]
		queue = queue[1:]
		out = append(out, g.nodes[i].def)
		queue = append(queue, g.nodes[i].children...)
	}
	return out
}

// isAncestor reports whether a lies on the lineage of b (a == b counts).
func (g *Graph) isAncestor(a, b int) bool {
	lb := g.nodes[b].lineage
	da := g.nodes[a].depth
	return da < len(lb) && lb[da] == a
}
