package deadlock

import (
	"github.com/signalsfoundry/railsim/internal/track"
	"github.com/signalsfoundry/railsim/internal/train"
)

type nodeKind uint8

const (
	trainNode nodeKind = iota
	trackNode
)

type node struct {
	kind nodeKind
	id   string
}

// WaitGraph is the transient waiting-for graph of one tick: an edge from a
// waiting train to the track it requested, and from each held track to its
// holder.
type WaitGraph struct {
	order []node
	edges map[node][]node
}

// BuildWaitGraph derives the graph from current train and registry state.
// trains must be sorted by ID so the search order is reproducible.
func BuildWaitGraph(reg *track.Registry, trains []*train.Train) *WaitGraph {
	g := &WaitGraph{edges: map[node][]node{}}
	for _, t := range trains {
		tn := node{trainNode, t.ID}
		g.order = append(g.order, tn)
		if t.Status.IsWaiting() && t.Requested != "" {
			g.edges[tn] = append(g.edges[tn], node{trackNode, t.Requested})
		}
	}
	for _, id := range reg.IDs() {
		if holder := reg.Holder(id); holder != "" {
			kn := node{trackNode, id}
			g.order = append(g.order, kn)
			g.edges[kn] = append(g.edges[kn], node{trainNode, holder})
		}
	}
	return g
}

// Cycle returns the train IDs of the first cycle found, in traversal order,
// or nil when the graph is acyclic.
func (g *WaitGraph) Cycle() []string {
	const (
		white = iota
		grey
		black
	)
	color := map[node]int{}
	var stack []node

	var visit func(n node) []node
	visit = func(n node) []node {
		color[n] = grey
		stack = append(stack, n)
		for _, next := range g.edges[n] {
			switch color[next] {
			case white:
				if c := visit(next); c != nil {
					return c
				}
			case grey:
				for i := len(stack) - 1; i >= 0; i-- {
					if stack[i] == next {
						return append([]node(nil), stack[i:]...)
					}
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[n] = black
		return nil
	}

	for _, n := range g.order {
		if color[n] != white {
			continue
		}
		if c := visit(n); c != nil {
			var ids []string
			for _, cn := range c {
				if cn.kind == trainNode {
					ids = append(ids, cn.id)
				}
			}
			return ids
		}
	}
	return nil
}

// FindCycle returns the trains of the first wait cycle, or nil.
func FindCycle(reg *track.Registry, trains []*train.Train) []*train.Train {
	ids := BuildWaitGraph(reg, trains).Cycle()
	if len(ids) == 0 {
		return nil
	}
	byID := make(map[string]*train.Train, len(trains))
	for _, t := range trains {
		byID[t.ID] = t
	}
	out := make([]*train.Train, 0, len(ids))
	for _, id := range ids {
		if t, ok := byID[id]; ok {
			out = append(out, t)
		}
	}
	return out
}
