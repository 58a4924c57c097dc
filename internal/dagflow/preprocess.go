package dagflow

import (
	"fmt"
	"strconv"
	"strings"
)

// graph is a small directed graph over node ids, used only to answer
// reachability queries during unreachable-task pruning: "is A connected
// to B", not "what can run next".
type graph struct {
	nodes map[string]struct{}
	edges map[string]map[string]struct{} // from -> set(to)
}

func newGraph() *graph {
	return &graph{nodes: map[string]struct{}{}, edges: map[string]map[string]struct{}{}}
}

func (g *graph) addNode(id string) {
	g.nodes[id] = struct{}{}
	if g.edges[id] == nil {
		g.edges[id] = map[string]struct{}{}
	}
}

func (g *graph) addEdge(from, to string) {
	g.addNode(from)
	g.addNode(to)
	g.edges[from][to] = struct{}{}
}

// connected reports whether b is reachable from a by following edges in
// either direction — mirrors the undirected is_connected query used to
// decide whether a node feeds into any return-producing node.
func (g *graph) connected(a, b string) bool {
	if a == b {
		return true
	}
	undirected := map[string]map[string]struct{}{}
	for from, tos := range g.edges {
		for to := range tos {
			if undirected[from] == nil {
				undirected[from] = map[string]struct{}{}
			}
			if undirected[to] == nil {
				undirected[to] = map[string]struct{}{}
			}
			undirected[from][to] = struct{}{}
			undirected[to][from] = struct{}{}
		}
	}
	visited := map[string]struct{}{a: {}}
	queue := []string{a}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for next := range undirected[cur] {
			if _, ok := visited[next]; ok {
				continue
			}
			if next == b {
				return true
			}
			visited[next] = struct{}{}
			queue = append(queue, next)
		}
	}
	return false
}

// ErrCyclicOrUnresolved signals a Top block whose children cannot be
// topologically ordered: a name dependency cycle, or a reference to a name
// nothing in scope provides.
type ErrCyclicOrUnresolved struct {
	Remaining int
}

func (e ErrCyclicOrUnresolved) Error() string {
	return fmt.Sprintf("unresolved dependencies or cycle among %d sibling tasks", e.Remaining)
}

// sortTasks orders subs so that every task appears after the tasks whose
// bound names it depends on, given that env is already resolvable. It is
// the stable dependency sort the generator relies on to hand Top's
// children to workers in an order that respects name-level edges.
func sortTasks(env map[string]struct{}, subs []Spec) ([]Spec, error) {
	remaining := append([]Spec(nil), subs...)
	visited := map[string]struct{}{}
	for k := range env {
		visited[k] = struct{}{}
	}
	var sorted []Spec
	for len(remaining) > 0 {
		var next []Spec
		progressed := false
		for _, sub := range remaining {
			free := sub.freeNames()
			ready := true
			for n := range free {
				if _, ok := visited[n]; !ok {
					ready = false
					break
				}
			}
			if ready {
				for n := range sub.boundNames() {
					visited[n] = struct{}{}
				}
				sorted = append(sorted, sub)
				progressed = true
			} else {
				next = append(next, sub)
			}
		}
		if !progressed {
			return nil, ErrCyclicOrUnresolved{Remaining: len(next)}
		}
		remaining = next
	}
	return sorted, nil
}

// dependencyGraph starts the static dependency graph: it holds only the
// synthetic "@input" node standing for the program's initial bindings, and
// the returned name map binds every input name to that node.
// buildDependencyGraph adds the spec's own nodes and edges.
func dependencyGraph(inputs map[string]struct{}) (*graph, map[string]string) {
	g := newGraph()
	g.addNode("@input")
	nodeMap := map[string]string{}
	for in := range inputs {
		nodeMap[in] = "@input"
	}
	return g, nodeMap
}

type graphBuilder struct {
	g       *graph
	nodeMap map[string]string
	retIDs  map[string]struct{}
}

// buildDependencyGraph walks spec, assigning each node a stable id built
// from its path from the root (joined with "@"), wiring edges from the
// producer of every free name to the consuming node, and recording which
// nodes can yield a Ret.
func buildDependencyGraph(inputs map[string]struct{}, spec Spec) (*graph, map[string]struct{}) {
	g, nodeMap := dependencyGraph(inputs)
	b := &graphBuilder{g: g, nodeMap: nodeMap, retIDs: map[string]struct{}{}}
	b.walk(spec, inputs, nil, "")
	return g, b.retIDs
}

func pathID(prefix []string) string {
	var parts []string
	for _, p := range prefix {
		if !strings.HasPrefix(p, "@") {
			continue
		}
		parts = append(parts, p)
	}
	return strings.Join(parts, "@")
}

func (b *graphBuilder) walk(spec Spec, env map[string]struct{}, prefix []string, parentID string) {
	nodeID := pathID(prefix)
	b.g.addNode(nodeID)
	spec.setNodeID(nodeID)
	if len(prefix) > 0 {
		b.g.addEdge(parentID, nodeID)
	}

	for name := range spec.boundNames() {
		b.nodeMap[name] = nodeID
	}

	switch s := spec.(type) {
	case *CallSpec:
		for _, p := range s.Params {
			if p.IsName() {
				b.g.addEdge(b.nodeMap[p.NameOf()], nodeID)
			}
		}
	case *MapSpec:
		if s.Coll.IsName() {
			b.g.addEdge(b.nodeMap[s.Coll.NameOf()], nodeID)
		}
		env2 := map[string]struct{}{}
		for k := range env {
			env2[k] = struct{}{}
		}
		env2[s.Var] = struct{}{}
		b.nodeMap[s.Var] = nodeID
		b.walk(s.Sub, env2, append(prefix, "@map"), nodeID)
	case *CondSpec:
		if s.On.IsName() {
			b.g.addEdge(b.nodeMap[s.On.NameOf()], nodeID)
		}
		b.walk(s.Then, env, append(prefix, "@then"), nodeID)
		b.walk(s.Else, env, append(prefix, "@else"), nodeID)
	case *LetSpec:
		if s.Obj.IsName() {
			b.g.addEdge(b.nodeMap[s.Obj.NameOf()], nodeID)
		}
	case *TopSpec:
		sorted, err := sortTasks(env, s.Sub)
		if err != nil {
			panic(err)
		}
		s.Sub = sorted
		env2 := map[string]struct{}{}
		for k := range env {
			env2[k] = struct{}{}
		}
		mergeSet(env2, boundNamesList(s.Sub))
		for i, task := range s.Sub {
			b.walk(task, env2, append(prefix, "@top"+strconv.Itoa(i)), nodeID)
		}
	case *SeqSpec:
		for name := range spec.freeNames() {
			b.g.addEdge(b.nodeMap[name], nodeID)
		}
		if HasRet(s) {
			b.retIDs[nodeID] = struct{}{}
		}
	case *RetSpec:
		if s.Obj.IsName() {
			b.g.addEdge(b.nodeMap[s.Obj.NameOf()], nodeID)
		}
		b.retIDs[nodeID] = struct{}{}
	default:
		panic(fmt.Sprintf("buildDependencyGraph: unsupported spec %T", spec))
	}
}

// removeUnreachableTasks replaces every node that is not connected in g to
// a return-producing node with NoOp. g links each node to its parent as
// well as producers to consumers, and connected ignores edge direction, so
// while spec contains any Ret every node counts as connected; only a spec
// with no Ret at all is pruned.
func removeUnreachableTasks(g *graph, retIDs map[string]struct{}, spec Spec) Spec {
	reachable := false
	for id := range retIDs {
		if spec.NodeID() == id || g.connected(spec.NodeID(), id) {
			reachable = true
			break
		}
	}
	if !reachable {
		return NoOp()
	}

	switch s := spec.(type) {
	case *CallSpec, *LetSpec, *RetSpec:
		return spec
	case *MapSpec:
		sub := removeUnreachableTasks(g, retIDs, s.Sub)
		if isNoOp(sub) {
			return NoOp()
		}
		s.Sub = sub
		return s
	case *CondSpec:
		then := removeUnreachableTasks(g, retIDs, s.Then)
		els := removeUnreachableTasks(g, retIDs, s.Else)
		if isNoOp(then) && isNoOp(els) {
			return NoOp()
		}
		s.Then, s.Else = then, els
		return s
	case *TopSpec:
		var kept []Spec
		for _, sub := range s.Sub {
			pruned := removeUnreachableTasks(g, retIDs, sub)
			if !isNoOp(pruned) {
				kept = append(kept, pruned)
			}
		}
		s.Sub = kept
		return s
	case *SeqSpec:
		return s
	default:
		panic(fmt.Sprintf("removeUnreachableTasks: unsupported spec %T", spec))
	}
}

// Preprocess runs the static analysis pass over a program before it is
// handed to the generator: it builds the dependency graph rooted at
// inputs, panicking with ErrCyclicOrUnresolved when a Top's children cannot
// be ordered, then prunes the spec with removeUnreachableTasks.
func Preprocess(inputs map[string]struct{}, spec Spec) Spec {
	g, retIDs := buildDependencyGraph(inputs, spec)
	return removeUnreachableTasks(g, retIDs, spec)
}
