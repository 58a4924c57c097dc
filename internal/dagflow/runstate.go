package dagflow

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// RunStatus is the lifecycle state of one Run call as seen from outside the
// worker pool.
type RunStatus string

const (
	RunRunning  RunStatus = "running"
	RunComplete RunStatus = "complete"
	RunFailed   RunStatus = "failed"
	RunAborted  RunStatus = "aborted"
)

// trackedRun is a single execution's bookkeeping entry.
type trackedRun struct {
	id         string
	programID  string
	cancel     context.CancelFunc
	status     RunStatus
	abortCause error
	startedAt  time.Time
	endedAt    time.Time
}

// RunRegistry tracks in-flight and recently finished executions so a fatal,
// programming-error-grade failure inside the scheduler (a cyclic or
// unresolved dependency graph, a duplicate or unknown task id) can abort the
// one run it occurred in without taking the process down. There is
// deliberately no method here that cancels a run from outside: the only
// path that calls a run's context.CancelFunc is Abort, invoked from within
// the scheduler itself when it detects one of those fatal conditions.
// Everything else is read-only introspection.
type RunRegistry struct {
	mu   sync.RWMutex
	runs map[string]*trackedRun

	aborts metric.Int64Counter
	tracer trace.Tracer
}

// NewRunRegistry returns an empty registry.
func NewRunRegistry() *RunRegistry {
	meter := otel.Meter("dagflow")
	aborts, _ := meter.Int64Counter("dagflow_run_aborts_total")
	return &RunRegistry{
		runs:   map[string]*trackedRun{},
		aborts: aborts,
		tracer: otel.Tracer("dagflow"),
	}
}

// Register records a new run as running, associating it with the
// context.CancelFunc that stops its worker pool.
func (r *RunRegistry) Register(runID, programID string, cancel context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs[runID] = &trackedRun{
		id:        runID,
		programID: programID,
		cancel:    cancel,
		status:    RunRunning,
		startedAt: time.Now(),
	}
}

// Abort marks runID aborted and invokes its cancel func. It is called only
// from within the scheduler when a fatal error kind is observed; cause
// records what triggered the abort. Calling Abort on an unknown or already
// finished run is a no-op.
func (r *RunRegistry) Abort(ctx context.Context, runID string, cause error) {
	_, span := r.tracer.Start(ctx, "dagflow.run.abort", trace.WithAttributes(attribute.String("run.id", runID)))
	defer span.End()

	r.mu.Lock()
	run, ok := r.runs[runID]
	if !ok || run.status != RunRunning {
		r.mu.Unlock()
		return
	}
	run.status = RunAborted
	run.abortCause = cause
	run.endedAt = time.Now()
	cancel := run.cancel
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	r.aborts.Add(ctx, 1, metric.WithAttributes(attribute.String("program.id", run.programID)))
	span.AddEvent("aborted")
}

// Finish marks runID with its terminal status (RunComplete or RunFailed).
// A run already Aborted keeps its aborted status.
func (r *RunRegistry) Finish(runID string, status RunStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[runID]
	if !ok || run.status == RunAborted {
		return
	}
	run.status = status
	run.endedAt = time.Now()
}

// GetStatus reports whether runID is known and, if so, its current status.
func (r *RunRegistry) GetStatus(runID string) (RunStatus, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	run, ok := r.runs[runID]
	if !ok {
		return "", false
	}
	return run.status, true
}

// ActiveRun is the read-only view ListActive hands back.
type ActiveRun struct {
	ID        string
	ProgramID string
	StartedAt time.Time
}

// ListActive returns every run still in RunRunning status.
func (r *RunRegistry) ListActive() []ActiveRun {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ActiveRun, 0)
	for _, run := range r.runs {
		if run.status == RunRunning {
			out = append(out, ActiveRun{ID: run.id, ProgramID: run.programID, StartedAt: run.startedAt})
		}
	}
	return out
}

// Sweep drops finished runs older than retention, bounding memory for a
// long-lived process that runs many short programs.
func (r *RunRegistry) Sweep(retention time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	cleaned := 0
	for id, run := range r.runs {
		if run.status == RunRunning {
			continue
		}
		if !run.endedAt.IsZero() && now.Sub(run.endedAt) > retention {
			delete(r.runs, id)
			cleaned++
		}
	}
	return cleaned
}
