package handle

import (
	"fmt"
	"iter"
	"sort"

	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"
	"gonum.org/v1/gonum/graph/traverse"
)

// ownership is a parent -> child edge. seq preserves insertion order for
// ChildrenOf.
type ownership struct {
	parent, child simple.Node
	seq           uint64
}

func (e ownership) From() graph.Node { return e.parent }
func (e ownership) To() graph.Node   { return e.child }
func (e ownership) ReversedEdge() graph.Edge {
	return ownership{parent: e.child, child: e.parent, seq: e.seq}
}

func node(h Handle) simple.Node { return simple.Node(int64(h)) }

// batch is the set of handles written by the last successful enumeration
// through one count storage location.
type batch struct {
	owner   Handle
	members []Handle
}

// Graph tracks ownership edges between handles of one Registry. It shares
// the registry lock so that registration, liveness checks and cascades are
// atomic with respect to each other.
type Graph struct {
	reg     *Registry
	g       *simple.DirectedGraph
	seq     uint64
	counts  map[Handle]*batch
	countOf map[Handle]Handle
}

// NewGraph creates a graph over reg.
func NewGraph(reg *Registry) *Graph {
	return &Graph{
		reg:     reg,
		g:       simple.NewDirectedGraph(),
		counts:  make(map[Handle]*batch),
		countOf: make(map[Handle]Handle),
	}
}

// Registry returns the registry the graph records liveness in.
func (g *Graph) Registry() *Registry {
	return g.reg
}

// AddDependent records parent -> child. Both handles must be live. Edges
// that already exist are accepted again without change.
func (g *Graph) AddDependent(parent, child Handle) error {
	g.reg.mu.Lock()
	defer g.reg.mu.Unlock()
	return g.addDependent(parent, child)
}

func (g *Graph) addDependent(parent, child Handle) error {
	if parent == child {
		return fmt.Errorf("%s -> %s: %w", parent, child, ErrCycle)
	}
	if !g.reg.isLive(parent) {
		return fmt.Errorf("%s: %w", parent, ErrParentNotLive)
	}
	ce, ok := g.reg.entries[child]
	if !ok || !ce.live {
		return fmt.Errorf("%s: %w", child, ErrNotLive)
	}
	if g.g.HasEdgeFromTo(int64(parent), int64(child)) {
		return nil
	}
	// A freshly registered child has no outgoing edges, so the path search
	// only runs for handles that already own something.
	if g.g.Node(int64(child)) != nil && g.g.From(int64(child)).Len() > 0 &&
		topo.PathExistsIn(g.g, node(child), node(parent)) {
		return fmt.Errorf("%s -> %s: %w", parent, child, ErrCycle)
	}
	g.seq++
	g.g.SetEdge(ownership{parent: node(parent), child: node(child), seq: g.seq})
	if !ce.hasParent {
		ce.parent, ce.hasParent = parent, true
	}
	return nil
}

// AddChild registers child as owned by parent and records the edge in one
// step. Nothing is recorded when parent is not live.
func (g *Graph) AddChild(parent, child Handle, typ Type) error {
	g.reg.mu.Lock()
	defer g.reg.mu.Unlock()
	if !g.reg.isLive(parent) {
		return fmt.Errorf("%s: %w", parent, ErrParentNotLive)
	}
	revived, err := g.reg.register(child, typ, parent, true, false)
	if err != nil {
		return fmt.Errorf("%s: %w", child, err)
	}
	if revived {
		g.detachIncoming(child)
	}
	return g.addDependent(parent, child)
}

// AddRoot registers h as a top-level handle.
func (g *Graph) AddRoot(h Handle, typ Type) error {
	g.reg.mu.Lock()
	defer g.reg.mu.Unlock()
	revived, err := g.reg.register(h, typ, Null, false, true)
	if err != nil {
		return fmt.Errorf("%s: %w", h, err)
	}
	if revived {
		g.detachIncoming(h)
	}
	return nil
}

// detachIncoming drops edges left over from a previous life of h.
func (g *Graph) detachIncoming(h Handle) {
	if g.g.Node(int64(h)) == nil {
		return
	}
	var parents []int64
	to := g.g.To(int64(h))
	for to.Next() {
		parents = append(parents, to.Node().ID())
	}
	for _, p := range parents {
		g.g.RemoveEdge(p, int64(h))
	}
}

// ChildrenOf returns a restartable sequence over the children of parent in
// insertion order. Each iteration takes a fresh snapshot.
func (g *Graph) ChildrenOf(parent Handle) iter.Seq[Handle] {
	return func(yield func(Handle) bool) {
		for _, c := range g.Children(parent) {
			if !yield(c) {
				return
			}
		}
	}
}

// Children returns a snapshot of the children of parent in insertion order.
func (g *Graph) Children(parent Handle) []Handle {
	g.reg.mu.RLock()
	defer g.reg.mu.RUnlock()
	return g.children(parent)
}

func (g *Graph) children(parent Handle) []Handle {
	pid := int64(parent)
	if g.g.Node(pid) == nil {
		return nil
	}
	type ordered struct {
		h   Handle
		seq uint64
	}
	var out []ordered
	from := g.g.From(pid)
	for from.Next() {
		cid := from.Node().ID()
		var seq uint64
		if e, ok := g.g.Edge(pid, cid).(ownership); ok {
			seq = e.seq
		}
		out = append(out, ordered{h: Handle(cid), seq: seq})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	hs := make([]Handle, len(out))
	for i, o := range out {
		hs[i] = o.h
	}
	return hs
}

// InvalidateSubtree invalidates root and every transitive descendant and
// removes their edges. A registry root keeps its own liveness; only its
// descendants are invalidated. The walk keeps a visited set, so cycles left
// by a misbehaving driver terminate. It returns the handles that went from
// live to dead.
func (g *Graph) InvalidateSubtree(root Handle) []Handle {
	g.reg.mu.Lock()
	defer g.reg.mu.Unlock()

	var invalidated []Handle
	keepRoot := false
	if e, ok := g.reg.entries[root]; ok && e.root {
		keepRoot = true
	}
	if !keepRoot && g.reg.invalidate(root) {
		invalidated = append(invalidated, root)
	}
	if g.g.Node(int64(root)) == nil {
		g.detachCount(root)
		return invalidated
	}

	var descendants []Handle
	bfs := traverse.BreadthFirst{
		Visit: func(n graph.Node) {
			if h := Handle(n.ID()); h != root {
				descendants = append(descendants, h)
			}
		},
	}
	bfs.Walk(g.g, node(root), nil)

	for _, h := range descendants {
		if g.reg.invalidate(h) {
			invalidated = append(invalidated, h)
		}
		g.detachCount(h)
		g.g.RemoveNode(int64(h))
	}
	if keepRoot {
		return invalidated
	}
	g.detachCount(root)
	g.g.RemoveNode(int64(root))
	return invalidated
}

// TrackEnumeration records the count storage as a dependent of each handle
// written by an enumeration of owner. It returns the handles of the previous
// batch through the same storage and owner that are still live but were not
// written this time.
func (g *Graph) TrackEnumeration(count, owner Handle, written []Handle) []Handle {
	if count == Null {
		return nil
	}
	g.reg.mu.Lock()
	defer g.reg.mu.Unlock()

	seen := make(map[Handle]struct{}, len(written))
	for _, h := range written {
		seen[h] = struct{}{}
	}
	var stale []Handle
	if old, ok := g.counts[count]; ok {
		for _, m := range old.members {
			if _, still := seen[m]; !still && old.owner == owner && g.reg.isLive(m) {
				stale = append(stale, m)
			}
			if g.countOf[m] == count {
				delete(g.countOf, m)
			}
		}
	}
	members := make([]Handle, 0, len(written))
	for _, h := range written {
		if prev, ok := g.countOf[h]; ok && prev != count {
			g.removeFromBatch(prev, h)
		}
		g.countOf[h] = count
		members = append(members, h)
	}
	g.counts[count] = &batch{owner: owner, members: members}
	return stale
}

// ForgetEnumeration drops the batch recorded through the count storage.
// Storage identities are addresses that the runtime may reuse once the
// caller's count is freed, so a batch only lives until the next count-only
// query through the same address.
func (g *Graph) ForgetEnumeration(count Handle) {
	if count == Null {
		return
	}
	g.reg.mu.Lock()
	defer g.reg.mu.Unlock()
	if old, ok := g.counts[count]; ok {
		for _, m := range old.members {
			if g.countOf[m] == count {
				delete(g.countOf, m)
			}
		}
		delete(g.counts, count)
	}
}

// CountDependents returns the handles whose last enumeration went through
// the count storage.
func (g *Graph) CountDependents(count Handle) []Handle {
	g.reg.mu.RLock()
	defer g.reg.mu.RUnlock()
	b, ok := g.counts[count]
	if !ok {
		return nil
	}
	return append([]Handle(nil), b.members...)
}

// CountOf returns the count storage h was last enumerated through.
func (g *Graph) CountOf(h Handle) (Handle, bool) {
	g.reg.mu.RLock()
	defer g.reg.mu.RUnlock()
	c, ok := g.countOf[h]
	return c, ok
}

func (g *Graph) detachCount(h Handle) {
	c, ok := g.countOf[h]
	if !ok {
		return
	}
	delete(g.countOf, h)
	g.removeFromBatch(c, h)
}

func (g *Graph) removeFromBatch(count, h Handle) {
	b, ok := g.counts[count]
	if !ok {
		return
	}
	for i, m := range b.members {
		if m == h {
			b.members = append(b.members[:i], b.members[i+1:]...)
			break
		}
	}
	if len(b.members) == 0 {
		delete(g.counts, count)
	}
}

// Orphans returns live non-root handles that cannot be reached from any live
// root through live handles, ordered by handle value.
func (g *Graph) Orphans() []Handle {
	g.reg.mu.RLock()
	defer g.reg.mu.RUnlock()

	reached := make(map[Handle]struct{})
	bfs := traverse.BreadthFirst{
		Traverse: func(e graph.Edge) bool {
			return g.reg.isLive(Handle(e.To().ID()))
		},
		Visit: func(n graph.Node) {
			reached[Handle(n.ID())] = struct{}{}
		},
	}
	for h, e := range g.reg.entries {
		if e.live && e.root && g.g.Node(int64(h)) != nil {
			bfs.Walk(g.g, node(h), nil)
		}
	}

	var orphans []Handle
	for h, e := range g.reg.entries {
		if !e.live || e.root {
			continue
		}
		if _, ok := reached[h]; !ok {
			orphans = append(orphans, h)
		}
	}
	sort.Slice(orphans, func(i, j int) bool { return orphans[i] < orphans[j] })
	return orphans
}

// Reset drops every handle, edge and count batch.
func (g *Graph) Reset() {
	g.reg.mu.Lock()
	defer g.reg.mu.Unlock()
	g.reg.entries = make(map[Handle]*entry)
	g.reg.live = 0
	g.g = simple.NewDirectedGraph()
	g.counts = make(map[Handle]*batch)
	g.countOf = make(map[Handle]Handle)
	g.seq = 0
}
