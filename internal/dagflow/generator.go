package dagflow

import (
	"fmt"
	"strconv"
	"sync/atomic"
)

// scope tracks, during task generation, which names are bound to a task
// that has been generated but not yet run (top) as opposed to names whose
// value is already known (carried in the Env passed alongside scope).
type scope struct {
	top map[string]string // name -> producing task id
}

func newScope() *scope { return &scope{top: map[string]string{}} }

func (s *scope) child() *scope {
	c := newScope()
	for k, v := range s.top {
		c.top[k] = v
	}
	return c
}

// Generator turns a preprocessed Spec plus an initial data Env into queue
// entries, expanding Map/Cond eagerly when their shape is already known
// and deferring to a Dynamic* task when it depends on a value a task
// upstream hasn't produced yet.
type Generator struct{}

// NewGenerator returns a Generator. It is stateless; all per-run state
// lives in the scope/Env threaded through generateInto.
func NewGenerator() *Generator { return &Generator{} }

// Generate enqueues spec's tasks against queue, starting from data with an
// empty scope and ret prefix.
func (g *Generator) Generate(spec Spec, data Env, queue *DependentQueue) {
	g.generateInto(spec, data, newScope(), nil, queue, nil)
}

func (g *Generator) generateInto(spec Spec, data Env, sc *scope, retPrefix []string, queue *DependentQueue, hold map[string]struct{}) {
	switch s := spec.(type) {
	case *LetSpec:
		v, err := s.Obj.Resolve(data)
		if err != nil {
			// An identity call keeps the alias visible to the queue so a
			// downstream consumer can depend on it like any other name.
			g.enqueueAlias(s.Name, s.Obj, sc, data, retPrefix, queue, hold)
			return
		}
		data[s.Name] = v

	case *CallSpec:
		g.enqueueCall(s, sc, data, retPrefix, queue, hold)

	case *MapSpec:
		if s.Coll.IsName() {
			if producer, dynamic := sc.top[s.Coll.NameOf()]; dynamic {
				g.enqueueDynamicMap(producer, s, sc, data, retPrefix, queue, hold)
				return
			}
		}
		v, err := s.Coll.Resolve(data)
		if err != nil {
			panic(err)
		}
		if !v.IsOk() {
			g.enqueueFailure(v, retPrefix, queue, hold)
			return
		}
		coll, _ := v.Value().([]any)
		for i, row := range coll {
			data2 := cloneEnv(data)
			data2[s.Var] = Ok(row)
			g.generateInto(s.Sub, data2, sc.child(), appendTags(retPrefix, "@map", strconv.Itoa(i)), queue, hold)
		}

	case *CondSpec:
		if s.On.IsName() {
			if producer, dynamic := sc.top[s.On.NameOf()]; dynamic {
				g.enqueueDynamicGuard(producer, s, sc, data, retPrefix, queue, hold)
				return
			}
		}
		v, err := s.On.Resolve(data)
		if err != nil {
			panic(err)
		}
		if !v.IsOk() {
			g.enqueueFailure(v, retPrefix, queue, hold)
			return
		}
		branch := s.Else
		branchTag := "@else"
		if truthy(v.Value()) {
			branch = s.Then
			branchTag = "@then"
		}
		g.generateInto(branch, data, sc, appendTags(retPrefix, "@cond", branchTag), queue, hold)

	case *TopSpec:
		known := scopeNames(sc)
		for name := range data {
			known[name] = struct{}{}
		}
		sorted, err := sortTasks(known, s.Sub)
		if err != nil {
			panic(err)
		}
		child := sc.child()
		// @top only marks the outermost entry point: a Top nested inside a
		// Map/Cond/Seq already has a structural tag from its parent and
		// contributes none of its own.
		childPrefix := retPrefix
		if len(retPrefix) == 0 {
			childPrefix = appendTags(retPrefix, "@top")
		}
		for _, sub := range sorted {
			g.generateInto(sub, data, child, childPrefix, queue, hold)
		}

	case *SeqSpec:
		g.enqueueSeq(s, sc, data, retPrefix, queue, hold)

	case *RetSpec:
		if s.Obj.IsName() {
			if producer, dynamic := sc.top[s.Obj.NameOf()]; dynamic {
				task := &DynamicRetTask{ID: freshID("ret"), RetKey: retPath(retPrefix), ProducerK: s.Obj.NameOf()}
				dependsOn := map[string]map[string]struct{}{producer: set(s.Obj.NameOf())}
				mergeHold(dependsOn, hold)
				_, err := queue.Put(task.ID, task, dependsOn, nil, nil, false)
				if err != nil {
					panic(err)
				}
				return
			}
		}
		v, err := s.Obj.Resolve(data)
		if err != nil {
			panic(err)
		}
		task := &RetTask{ID: freshID("ret"), RetKey: retPath(retPrefix), Value: v}
		dependsOn := map[string]map[string]struct{}{}
		mergeHold(dependsOn, hold)
		if _, err := queue.Put(task.ID, task, dependsOn, nil, nil, false); err != nil {
			panic(err)
		}

	default:
		panic(fmt.Sprintf("generateInto: unsupported spec %T", spec))
	}
}

// enqueueFailure emits a RetTask carrying an already-known failure,
// short-circuiting whatever spec would otherwise have run at this prefix.
func (g *Generator) enqueueFailure(failure Result, retPrefix []string, queue *DependentQueue, hold map[string]struct{}) {
	task := &RetTask{ID: freshID("ret"), RetKey: retPath(retPrefix), Value: failure}
	dependsOn := map[string]map[string]struct{}{}
	mergeHold(dependsOn, hold)
	if _, err := queue.Put(task.ID, task, dependsOn, nil, nil, false); err != nil {
		panic(err)
	}
}

func (g *Generator) enqueueAlias(name string, obj Value, sc *scope, data Env, retPrefix []string, queue *DependentQueue, hold map[string]struct{}) {
	call := &CallSpec{Name: name, Mod: "", Func: "identity", Params: map[string]Value{"value": obj}}
	g.enqueueCall(call, sc, data, retPrefix, queue, hold)
}

func (g *Generator) enqueueCall(s *CallSpec, sc *scope, data Env, retPrefix []string, queue *DependentQueue, hold map[string]struct{}) {
	params := map[string]paramRef{}
	dependsOn := map[string]map[string]struct{}{}
	for k, v := range s.Params {
		if v.IsName() {
			if producer, ok := sc.top[v.NameOf()]; ok {
				params[k] = paramRef{isDep: true, depName: v.NameOf()}
				if dependsOn[producer] == nil {
					dependsOn[producer] = map[string]struct{}{}
				}
				dependsOn[producer][v.NameOf()] = struct{}{}
				continue
			}
		}
		r, err := v.Resolve(data)
		if err != nil {
			panic(err)
		}
		if !r.IsOk() {
			// A failed dependency collapses the whole call into a Ret of
			// that failure rather than attempting to run it.
			g.enqueueFailure(r, retPrefix, queue, hold)
			return
		}
		params[k] = paramRef{immediate: r.Value()}
	}
	mergeHold(dependsOn, hold)

	task := &CallTask{ID: freshID(s.Name), Name: s.Name, Mod: s.Mod, Func: s.Func, Params: params}
	sc.top[s.Name] = task.ID
	if _, err := queue.Put(task.ID, task, dependsOn, nil, set(s.Name), false); err != nil {
		panic(err)
	}
}

func (g *Generator) enqueueDynamicMap(producer string, s *MapSpec, sc *scope, data Env, retPrefix []string, queue *DependentQueue, hold map[string]struct{}) {
	subnodeNames := freeNamesExcept(s.Sub, s.Var, data)
	subnodeDepends := map[string]map[string]struct{}{}
	for name := range subnodeNames {
		if p, ok := sc.top[name]; ok {
			if subnodeDepends[p] == nil {
				subnodeDepends[p] = map[string]struct{}{}
			}
			subnodeDepends[p][name] = struct{}{}
		}
	}
	task := &DynamicMapTask{ID: freshID("dynmap"), CollK: s.Coll.NameOf(), Var: s.Var, Sub: s.Sub, Data: cloneEnv(data), RetPrefix: append([]string{}, retPrefix...)}
	dependsOn := map[string]map[string]struct{}{producer: set(s.Coll.NameOf())}
	mergeHold(dependsOn, hold)
	if _, err := queue.Put(task.ID, task, dependsOn, subnodeDepends, nil, false); err != nil {
		panic(err)
	}
}

func (g *Generator) enqueueDynamicGuard(producer string, s *CondSpec, sc *scope, data Env, retPrefix []string, queue *DependentQueue, hold map[string]struct{}) {
	subnodeNames := map[string]struct{}{}
	mergeSet(subnodeNames, s.Then.freeNames())
	mergeSet(subnodeNames, s.Else.freeNames())
	subnodeDepends := map[string]map[string]struct{}{}
	for name := range subnodeNames {
		if _, known := data[name]; known {
			continue
		}
		if p, ok := sc.top[name]; ok {
			if subnodeDepends[p] == nil {
				subnodeDepends[p] = map[string]struct{}{}
			}
			subnodeDepends[p][name] = struct{}{}
		}
	}
	task := &DynamicGuardTask{ID: freshID("dyncond"), OnK: s.On.NameOf(), Then: s.Then, Else: s.Else, Data: cloneEnv(data), RetPrefix: append([]string{}, retPrefix...)}
	dependsOn := map[string]map[string]struct{}{producer: set(s.On.NameOf())}
	mergeHold(dependsOn, hold)
	if _, err := queue.Put(task.ID, task, dependsOn, subnodeDepends, nil, false); err != nil {
		panic(err)
	}
}

func (g *Generator) enqueueSeq(s *SeqSpec, sc *scope, data Env, retPrefix []string, queue *DependentQueue, hold map[string]struct{}) {
	free := s.freeNames()
	dependsOn := map[string]map[string]struct{}{}
	depKeys := map[string]string{}
	baked := cloneEnv(data)
	for name := range free {
		if producer, ok := sc.top[name]; ok {
			if dependsOn[producer] == nil {
				dependsOn[producer] = map[string]struct{}{}
			}
			dependsOn[producer][name] = struct{}{}
			depKeys[name] = name
		}
	}
	mergeHold(dependsOn, hold)
	task := &SeqTask{ID: freshID("seq"), Sub: s.Sub, Data: baked, RetPrefix: appendTags(retPrefix, "@seq"), DepKeys: depKeys}
	if _, err := queue.Put(task.ID, task, dependsOn, nil, nil, false); err != nil {
		panic(err)
	}
}

// appendTags returns a copy of prefix with tags appended, never mutating
// the slice a caller still holds a reference to (sibling branches of the
// same Map/Cond/Top share one retPrefix backing array).
func appendTags(prefix []string, tags ...string) []string {
	out := make([]string, 0, len(prefix)+len(tags))
	out = append(out, prefix...)
	out = append(out, tags...)
	return out
}

// retPath is the @-joined structural tag identifying a Ret site: prefix
// plus the terminal @ret segment, dot-joined.
func retPath(prefix []string) string {
	return joinRetPrefix(appendTags(prefix, "@ret"))
}

func mergeHold(dependsOn map[string]map[string]struct{}, hold map[string]struct{}) {
	for id := range hold {
		if dependsOn[id] == nil {
			dependsOn[id] = map[string]struct{}{}
		}
	}
}

func scopeNames(sc *scope) map[string]struct{} {
	out := map[string]struct{}{}
	for k := range sc.top {
		out[k] = struct{}{}
	}
	return out
}

// freeNamesExcept returns spec's free names minus loopVar and minus any
// name already resolvable from data — the set a dynamically expanded
// subtree still needs fetched from an outer-scope producer.
func freeNamesExcept(spec Spec, loopVar string, data Env) map[string]struct{} {
	out := map[string]struct{}{}
	for name := range spec.freeNames() {
		if name == loopVar {
			continue
		}
		if _, known := data[name]; known {
			continue
		}
		out[name] = struct{}{}
	}
	return out
}

var idCounter uint64

// freshID mints a readable, unique task id. Uniqueness across a single
// run is all the queue requires; uuid would work as well but an atomic
// counter keeps generated ids stable and easy to read in logs/tests, and
// generation happens concurrently once dynamic tasks start expanding
// themselves from worker goroutines.
func freshID(prefix string) string {
	n := atomic.AddUint64(&idCounter, 1)
	return fmt.Sprintf("%s@%d", prefix, n)
}
