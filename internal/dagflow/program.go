package dagflow

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// Program is a parsed, not-yet-preprocessed specification plus the set of
// input names it expects to be bound at run time.
type Program struct {
	Spec   Spec
	Inputs map[string]struct{}
}

// ParseProgram decodes raw JSON into a Program, computing its input set
// from the decoded spec's own free names (anything free at the root must
// be supplied as input data).
func ParseProgram(raw []byte) (*Program, error) {
	spec, err := DecodeSpec(raw)
	if err != nil {
		return nil, err
	}
	return &Program{Spec: spec, Inputs: spec.freeNames()}, nil
}

// RunOptions configures a single execution of a Program.
type RunOptions struct {
	Workers   int
	Store     ObjectStore
	Sink      OutputSink
	Registry  *FunctionRegistry
	Runs      *RunRegistry
	ProgramID string
}

// ErrFatalScheduling wraps one of the scheduler's fatal, programming-error
// conditions (a cyclic or unresolved dependency graph, a duplicate or
// unknown task id) caught while generating or draining a run. Run aborts
// the run and returns this instead of letting the condition crash the
// process.
type ErrFatalScheduling struct {
	RunID string
	Cause error
}

func (e ErrFatalScheduling) Error() string {
	return fmt.Sprintf("run %s aborted: %v", e.RunID, e.Cause)
}

func (e ErrFatalScheduling) Unwrap() error { return e.Cause }

// Run preprocesses prog against data, drains it through a worker pool, and
// returns the accumulated output records once the queue closes. Any fatal
// scheduling error is reported through opts.Runs rather than propagated as
// a panic past this call.
func Run(ctx context.Context, prog *Program, data Env, opts RunOptions) (map[string]Result, error) {
	store := opts.Store
	if store == nil {
		store = NewMemoryStore()
	}
	sink := opts.Sink
	if sink == nil {
		sink = NewMemorySink()
	}
	registry := opts.Registry
	if registry == nil {
		registry = NewFunctionRegistry()
	}
	runs := opts.Runs
	if runs == nil {
		runs = NewRunRegistry()
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = 4
	}

	runID := uuid.NewString()
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	runs.Register(runID, opts.ProgramID, cancel)

	pruned, fatal := safePreprocess(prog.Inputs, prog.Spec)
	if fatal != nil {
		runs.Abort(ctx, runID, fatal)
		return nil, ErrFatalScheduling{RunID: runID, Cause: fatal}
	}

	queue := NewDependentQueue(store)
	rc := &RunContext{Registry: registry, Queue: queue, Gen: NewGenerator(), Runs: runs, RunID: runID}

	if fatal := safeGenerate(rc.Gen, pruned, data, queue); fatal != nil {
		runs.Abort(ctx, runID, fatal)
		return nil, ErrFatalScheduling{RunID: runID, Cause: fatal}
	}
	queue.CloseIfEmpty()

	pool := NewWorkerPool(rc, sink, workers)
	pool.Run(runCtx)

	if runCtx.Err() != nil {
		runs.Finish(runID, RunFailed)
		return sink.Snapshot(), ErrFatalScheduling{RunID: runID, Cause: runCtx.Err()}
	}
	runs.Finish(runID, RunComplete)
	return sink.Snapshot(), nil
}

// safePreprocess recovers the panic Preprocess raises on a cyclic or
// unresolved dependency graph and turns it into an ordinary error.
func safePreprocess(inputs map[string]struct{}, spec Spec) (result Spec, fatal error) {
	defer func() {
		if r := recover(); r != nil {
			fatal = panicToError(r)
		}
	}()
	return Preprocess(inputs, spec), nil
}

// safeGenerate recovers the panic Generate raises when the queue rejects a
// task id as a duplicate, turning it into an ordinary error.
func safeGenerate(gen *Generator, spec Spec, data Env, queue *DependentQueue) (fatal error) {
	defer func() {
		if r := recover(); r != nil {
			fatal = panicToError(r)
		}
	}()
	gen.Generate(spec, data, queue)
	return nil
}
