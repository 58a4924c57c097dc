package dagflow

import (
	"context"
	"fmt"
)

// Task is the closed set of runtime task variants the worker pool can pull
// off the queue: a function call, a dynamic map/cond/ret whose shape only
// becomes known once an upstream value lands, a static return, a packaged
// sequence, and the internal hold/end-of-queue markers.
type Task interface {
	isTask()
	// Run executes the task given its resolved dependency and
	// subnode-dependency values. named is stored into the object store
	// under this task's produced names (may be nil); output, when
	// non-nil, is a finished program-output record to hand the sink.
	Run(ctx context.Context, rc *RunContext, deps, subnodeDeps map[string]Result) (named Result, output map[string]Result)
}

// RunContext is everything a task needs to run: the function registry for
// Call tasks and the queue/generator hooks dynamic tasks use to expand
// themselves once their shape is known.
type RunContext struct {
	Registry *FunctionRegistry
	Queue    *DependentQueue
	Gen      *Generator
	Runs     *RunRegistry
	RunID    string
}

// CallTask invokes a registered (mod, func) with resolved arguments and
// binds the result to Name.
type CallTask struct {
	ID     string
	Name   string
	Mod    string
	Func   string
	Params map[string]paramRef
}

func (*CallTask) isTask() {}

// paramRef is how a Call's parameter was resolved at generation time:
// either baked in (isDep false) or deferred to a producer task's output,
// looked up by depName in deps/subnodeDeps at run time.
type paramRef struct {
	immediate any
	isDep     bool
	depName   string
}

func (t *CallTask) Run(ctx context.Context, rc *RunContext, deps, subnodeDeps map[string]Result) (Result, map[string]Result) {
	args := map[string]any{}
	for k, ref := range t.Params {
		if !ref.isDep {
			args[k] = ref.immediate
			continue
		}
		r, ok := deps[ref.depName]
		if !ok {
			r, ok = subnodeDeps[ref.depName]
		}
		if !ok {
			return ErrFromError(fmt.Errorf("call %s: missing resolved param %q", t.Name, ref.depName), ""), nil
		}
		if !r.IsOk() {
			return r, nil
		}
		args[k] = r.Value()
	}
	v, err := rc.Registry.Invoke(ctx, t.Mod, t.Func, args)
	if err != nil {
		return ErrFromError(err, ""), nil
	}
	return Ok(map[string]any{t.Name: v}), nil
}

// RetTask yields a statically known value as the program's output under
// RetKey.
type RetTask struct {
	ID     string
	RetKey string
	Value  Result
}

func (*RetTask) isTask() {}

func (t *RetTask) Run(context.Context, *RunContext, map[string]Result, map[string]Result) (Result, map[string]Result) {
	return Result{}, map[string]Result{t.RetKey: t.Value}
}

// DynamicRetTask yields a value whose identity is only known once its
// producer task has run.
type DynamicRetTask struct {
	ID        string
	RetKey    string
	ProducerK string // the key this task looks up in deps
}

func (*DynamicRetTask) isTask() {}

func (t *DynamicRetTask) Run(_ context.Context, _ *RunContext, deps, _ map[string]Result) (Result, map[string]Result) {
	return Result{}, map[string]Result{t.RetKey: deps[t.ProducerK]}
}

// DynamicMapTask expands a Map whose collection is only known once an
// upstream task produces it. It holds the scheduler open with a Hold task
// while it enqueues one copy of Sub per element, then releases the hold.
type DynamicMapTask struct {
	ID        string
	CollK     string
	Var       string
	Sub       Spec
	Data      Env
	RetPrefix []string
}

func (*DynamicMapTask) isTask() {}

func (t *DynamicMapTask) Run(ctx context.Context, rc *RunContext, deps, subnodeDeps map[string]Result) (Result, map[string]Result) {
	collResult := deps[t.CollK]
	if !collResult.IsOk() {
		return Result{}, map[string]Result{retPath(appendTags(t.RetPrefix, "@map")): collResult}
	}
	coll, ok := collResult.Value().([]any)
	if !ok {
		return ErrFromError(fmt.Errorf("dynamic map: collection value is not a list"), ""), nil
	}
	base := cloneEnv(t.Data)
	for k, v := range subnodeDeps {
		base[k] = v
	}
	holdID, _ := rc.Queue.Put("", holdTask{}, nil, nil, nil, true)
	for i, row := range coll {
		data2 := cloneEnv(base)
		data2[t.Var] = Ok(row)
		rc.Gen.generateInto(t.Sub, data2, newScope(), appendTags(t.RetPrefix, "@map", fmt.Sprint(i)), rc.Queue, set(holdID))
	}
	_ = rc.Queue.Complete(holdID, Ok(nil))
	return Result{}, nil
}

// DynamicGuardTask expands a Cond whose test is only known once an
// upstream task produces it.
type DynamicGuardTask struct {
	ID        string
	OnK       string
	Then      Spec
	Else      Spec
	Data      Env
	RetPrefix []string
}

func (*DynamicGuardTask) isTask() {}

func (t *DynamicGuardTask) Run(ctx context.Context, rc *RunContext, deps, subnodeDeps map[string]Result) (Result, map[string]Result) {
	onResult := deps[t.OnK]
	if !onResult.IsOk() {
		return Result{}, map[string]Result{retPath(appendTags(t.RetPrefix, "@cond")): onResult}
	}
	base := cloneEnv(t.Data)
	for k, v := range subnodeDeps {
		base[k] = v
	}
	holdID, _ := rc.Queue.Put("", holdTask{}, nil, nil, nil, true)
	branch := t.Else
	branchTag := "@else"
	if truthy(onResult.Value()) {
		branch = t.Then
		branchTag = "@then"
	}
	rc.Gen.generateInto(branch, base, newScope(), appendTags(t.RetPrefix, "@cond", branchTag), rc.Queue, set(holdID))
	_ = rc.Queue.Complete(holdID, Ok(nil))
	return Result{}, nil
}

// holdTask is the internal placeholder Put(..., hold=true) registers while
// a dynamic expansion is still being assembled, so nothing downstream can
// become ready before every dynamically generated sibling is known.
type holdTask struct{}

func (holdTask) isTask() {}
func (holdTask) Run(context.Context, *RunContext, map[string]Result, map[string]Result) (Result, map[string]Result) {
	return Ok(nil), nil
}

// SeqTask packages a fixed sequence of sub-specs into a single runtime
// unit, executed in-process by one worker rather than split across the
// dependency graph — the same treatment the preprocessor gives Seq when it
// builds the static graph (see buildDependencyGraph's *SeqSpec case).
type SeqTask struct {
	ID        string
	Sub       []Spec
	Data      Env
	RetPrefix []string
	DepKeys   map[string]string // free name -> dependency lookup key
}

func (*SeqTask) isTask() {}

func (t *SeqTask) Run(ctx context.Context, rc *RunContext, deps, subnodeDeps map[string]Result) (Result, map[string]Result) {
	env := cloneEnv(t.Data)
	for name, key := range t.DepKeys {
		r, ok := deps[key]
		if !ok {
			r = subnodeDeps[key]
		}
		if !r.IsOk() {
			return Result{}, map[string]Result{retPath(t.RetPrefix): r}
		}
		env[name] = r
	}
	return runSeqInline(ctx, rc, t.Sub, env, t.RetPrefix)
}

// runSeqInline is a small synchronous interpreter for a Seq body: it
// resolves each sub-spec against env in order, threading any name it binds
// forward, and stops at the first Err or the first Ret it encounters.
func runSeqInline(ctx context.Context, rc *RunContext, subs []Spec, env Env, retPrefix []string) (Result, map[string]Result) {
	for _, sub := range subs {
		switch s := sub.(type) {
		case *LetSpec:
			v, err := s.Obj.Resolve(env)
			if err != nil {
				return Result{}, map[string]Result{retPath(retPrefix): ErrFromError(err, "")}
			}
			env[s.Name] = v
		case *CallSpec:
			args := map[string]any{}
			for k, v := range s.Params {
				r, err := v.Resolve(env)
				if err != nil {
					return Result{}, map[string]Result{retPath(retPrefix): ErrFromError(err, "")}
				}
				if !r.IsOk() {
					return Result{}, map[string]Result{retPath(retPrefix): r}
				}
				args[k] = r.Value()
			}
			out, err := rc.Registry.Invoke(ctx, s.Mod, s.Func, args)
			if err != nil {
				return Result{}, map[string]Result{retPath(retPrefix): ErrFromError(err, "")}
			}
			env[s.Name] = Ok(out)
		case *CondSpec:
			on, err := s.On.Resolve(env)
			if err != nil {
				return Result{}, map[string]Result{retPath(retPrefix): ErrFromError(err, "")}
			}
			if !on.IsOk() {
				return Result{}, map[string]Result{retPath(retPrefix): on}
			}
			branch := s.Else
			branchTag := "@else"
			if truthy(on.Value()) {
				branch = s.Then
				branchTag = "@then"
			}
			named, out := runSeqInline(ctx, rc, []Spec{branch}, env, appendTags(retPrefix, "@cond", branchTag))
			if out != nil {
				return named, out
			}
		case *RetSpec:
			v, err := s.Obj.Resolve(env)
			if err != nil {
				return Result{}, map[string]Result{retPath(retPrefix): ErrFromError(err, "")}
			}
			return Result{}, map[string]Result{retPath(retPrefix): v}
		default:
			return Result{}, map[string]Result{retPath(retPrefix): ErrFromError(fmt.Errorf("unsupported form %T inside a sequential block", sub), "")}
		}
	}
	return Ok(nil), nil
}

func joinRetPrefix(prefix []string) string {
	out := ""
	for i, p := range prefix {
		if i > 0 {
			out += "."
		}
		out += p
	}
	return out
}

func truthy(v any) bool {
	switch x := v.(type) {
	case bool:
		return x
	case nil:
		return false
	case string:
		return x != ""
	case float64:
		return x != 0
	case int:
		return x != 0
	case []any:
		return len(x) > 0
	default:
		return true
	}
}

func cloneEnv(e Env) Env {
	out := make(Env, len(e))
	for k, v := range e {
		out[k] = v
	}
	return out
}
