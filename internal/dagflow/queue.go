package dagflow

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// endOfQueue names the drained-and-closed state of the queue. Get does not
// hand it back: it reports that state by returning ok == false when it
// reaches the endOfQueueTask sentinel, which it re-inserts into the ready
// queue on each read so that every worker still blocked on Get observes it.
type endOfQueue struct{}

// EndOfQueue is the exported value of endOfQueue; Get never returns it.
var EndOfQueue = endOfQueue{}

type taskNode struct {
	id               string
	task             Task
	names            map[string]struct{}
	dependsOn        map[string]map[string]struct{} // producer node id -> names consumed
	subnodeDependsOn map[string]map[string]struct{}
}

type nodeMeta struct {
	refs           map[string]struct{}
	subnodeRefs    map[string]struct{}
	depends        int
	subnodeDepends int
}

// ErrDuplicateTask is a fatal, programming-error condition: two nodes were
// registered under the same id.
type ErrDuplicateTask struct{ ID string }

func (e ErrDuplicateTask) Error() string { return fmt.Sprintf("task %q already queued", e.ID) }

// ErrUnknownTask is a fatal, programming-error condition: Complete was
// called for an id the queue never registered.
type ErrUnknownTask struct{ ID string }

func (e ErrUnknownTask) Error() string { return fmt.Sprintf("task %q is not in the queue", e.ID) }

// Dequeued is what Get hands back to a worker: the task to run plus the
// already-resolved inputs it depends on.
type Dequeued struct {
	ID             string
	Task           Task
	Results        map[string]Result
	SubnodeResults map[string]Result
}

// DependentQueue schedules tasks by name-level dependency: a task becomes
// ready only once every task that produces a name it consumes has
// completed. It owns an ObjectStore to stage completed values between
// producer and consumer without holding them all in memory for the life of
// the run.
type DependentQueue struct {
	store ObjectStore

	mu    sync.Mutex
	nodes map[string]*taskNode
	meta  map[string]*nodeMeta

	readyMu sync.Mutex
	readyCV *sync.Cond
	ready   []*taskNode
	closed  bool
}

// NewDependentQueue creates an empty queue backed by store.
func NewDependentQueue(store ObjectStore) *DependentQueue {
	q := &DependentQueue{
		store: store,
		nodes: map[string]*taskNode{},
		meta:  map[string]*nodeMeta{},
	}
	q.readyCV = sync.NewCond(&q.readyMu)
	return q
}

// Put registers a task. dependsOn/subnodeDependsOn map a producing node id
// to the set of names this task consumes from it; names is the set of
// names this task itself will produce on completion. When hold is true the
// task is registered but withheld from the ready queue even if it has no
// pending dependencies — used while a sequence of sibling tasks is still
// being assembled so none of them can run before all are known.
func (q *DependentQueue) Put(id string, task Task, dependsOn, subnodeDependsOn map[string]map[string]struct{}, names map[string]struct{}, hold bool) (string, error) {
	if id == "" {
		id = uuid.NewString()
	}
	node := &taskNode{id: id, task: task, names: names, dependsOn: dependsOn, subnodeDependsOn: subnodeDependsOn}

	q.mu.Lock()
	if _, exists := q.nodes[id]; exists {
		q.mu.Unlock()
		return "", ErrDuplicateTask{ID: id}
	}
	q.nodes[id] = node
	meta := &nodeMeta{refs: map[string]struct{}{}, subnodeRefs: map[string]struct{}{}, depends: len(dependsOn), subnodeDepends: len(subnodeDependsOn)}
	q.meta[id] = meta
	for producer := range dependsOn {
		pm := q.ensureMeta(producer)
		pm.refs[id] = struct{}{}
	}
	for producer := range subnodeDependsOn {
		pm := q.ensureMeta(producer)
		pm.subnodeRefs[id] = struct{}{}
	}
	q.mu.Unlock()

	if !hold && len(dependsOn) == 0 && len(subnodeDependsOn) == 0 {
		q.pushReady(node)
	}
	return id, nil
}

func (q *DependentQueue) ensureMeta(id string) *nodeMeta {
	m, ok := q.meta[id]
	if !ok {
		m = &nodeMeta{refs: map[string]struct{}{}, subnodeRefs: map[string]struct{}{}}
		q.meta[id] = m
	}
	return m
}

func (q *DependentQueue) pushReady(node *taskNode) {
	q.readyMu.Lock()
	q.ready = append(q.ready, node)
	q.readyCV.Signal()
	q.readyMu.Unlock()
}

// Get blocks until a task is ready (or the queue is closed) and returns
// it along with the resolved values it depends on, pulled from the object
// store and released from the store's ref count as they are consumed.
func (q *DependentQueue) Get() (Dequeued, bool) {
	q.readyMu.Lock()
	for len(q.ready) == 0 {
		q.readyCV.Wait()
	}
	node := q.ready[0]
	q.ready = q.ready[1:]
	if _, isEnd := node.task.(endOfQueueTask); isEnd {
		q.ready = append(q.ready, node)
		q.readyCV.Signal()
		q.readyMu.Unlock()
		return Dequeued{}, false
	}
	q.readyMu.Unlock()

	results := q.retrieveAll(node.dependsOn)
	subResults := q.retrieveAll(node.subnodeDependsOn)
	return Dequeued{ID: node.id, Task: node.task, Results: results, SubnodeResults: subResults}, true
}

func (q *DependentQueue) retrieveAll(depends map[string]map[string]struct{}) map[string]Result {
	out := map[string]Result{}
	for producer, names := range depends {
		for name := range names {
			oid := objectKey(producer, name)
			v, err := q.store.Get(oid)
			if err != nil {
				panic(err)
			}
			out[name] = v.(Result)
			q.store.DecrementRef(oid)
		}
	}
	return out
}

// Complete records the result of node id, stages its produced values in
// the object store, and wakes any consumer whose last dependency this was.
// The store ref count for each produced oid is bumped before the
// dependents' counters are decremented, so a racing consumer can never
// drop the count to zero before every dependent has been accounted for.
func (q *DependentQueue) Complete(id string, result Result) error {
	q.mu.Lock()
	node, ok := q.nodes[id]
	if !ok {
		q.mu.Unlock()
		return ErrUnknownTask{ID: id}
	}
	meta := q.meta[id]
	refs := meta.refs
	subnodeRefs := meta.subnodeRefs
	q.mu.Unlock()

	oids := map[string]struct{}{}
	for name := range node.names {
		oid := objectKey(id, name)
		var perName Result
		if result.IsOk() {
			m, _ := result.Value().(map[string]any)
			perName = Ok(m[name])
		} else {
			perName = result
		}
		q.store.Put(oid, perName)
		oids[oid] = struct{}{}
	}
	// Ref counts are bumped before any dependent's depends counter is
	// decremented, so a racing consumer can never drop a count to zero
	// before every dependent has been wired in below.
	for oid := range oids {
		q.store.IncrementRef(oid)
	}

	refSet := map[string]struct{}{}
	for r := range refs {
		refSet[r] = struct{}{}
	}
	for r := range subnodeRefs {
		refSet[r] = struct{}{}
	}

	for ref := range refSet {
		q.mu.Lock()
		refMeta := q.meta[ref]
		refNode := q.nodes[ref]
		incr := map[string]int{}
		if _, isSub := subnodeRefs[ref]; isSub {
			for name := range refNode.subnodeDependsOn[id] {
				incr[objectKey(id, name)]++
			}
			refMeta.subnodeDepends--
		}
		if _, isDep := refs[ref]; isDep {
			for name := range refNode.dependsOn[id] {
				incr[objectKey(id, name)]++
			}
			refMeta.depends--
		}
		ready := refMeta.depends == 0 && refMeta.subnodeDepends == 0
		q.mu.Unlock()

		q.store.UpdateRefs(incr)
		if ready {
			q.pushReady(refNode)
		}
	}

	for oid := range oids {
		q.store.DecrementRef(oid)
	}

	q.mu.Lock()
	delete(q.nodes, id)
	delete(q.meta, id)
	empty := len(q.nodes) == 0
	q.mu.Unlock()
	if empty {
		q.Close()
	}
	return nil
}

// Close enqueues the end-of-queue sentinel; every subsequent Get returns it.
func (q *DependentQueue) Close() {
	q.pushReady(&taskNode{id: "end_of_queue@" + uuid.NewString(), task: endOfQueueTask{}})
}

// CloseIfEmpty closes the queue immediately if no node was ever registered
// (an entirely pruned program) — otherwise Complete's own empty check will
// close it once the last task finishes.
func (q *DependentQueue) CloseIfEmpty() {
	q.mu.Lock()
	empty := len(q.nodes) == 0
	q.mu.Unlock()
	if empty {
		q.Close()
	}
}

// endOfQueueTask is the Task that marks queue closure.
type endOfQueueTask struct{}

func (endOfQueueTask) isTask() {}
func (endOfQueueTask) Run(context.Context, *RunContext, map[string]Result, map[string]Result) (Result, map[string]Result) {
	return Result{}, nil
}
