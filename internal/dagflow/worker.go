package dagflow

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// WorkerPool drains a DependentQueue with a fixed number of goroutines,
// running each task to completion, staging its named output back into the
// queue, and handing any finished program output to a sink. It exits once
// the queue's end-of-queue sentinel is observed by every worker.
type WorkerPool struct {
	rc    *RunContext
	sink  OutputSink
	size  int
	tasks metric.Int64Counter
	fails metric.Int64Counter
	dur   metric.Float64Histogram
	tr    trace.Tracer
}

// NewWorkerPool builds a pool of size goroutines that will pull from
// rc.Queue, run tasks through rc.Registry/rc.Gen, and write finished
// records to sink.
func NewWorkerPool(rc *RunContext, sink OutputSink, size int) *WorkerPool {
	if size <= 0 {
		size = 1
	}
	meter := otel.Meter("dagflow")
	tasks, _ := meter.Int64Counter("dagflow_tasks_completed_total")
	fails, _ := meter.Int64Counter("dagflow_tasks_failed_total")
	dur, _ := meter.Float64Histogram("dagflow_task_duration_seconds")
	return &WorkerPool{rc: rc, sink: sink, size: size, tasks: tasks, fails: fails, dur: dur, tr: otel.Tracer("dagflow")}
}

// Run blocks until the queue closes, running one goroutine per worker slot.
func (p *WorkerPool) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < p.size; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			p.loop(ctx, worker)
		}(i)
	}
	wg.Wait()
}

func (p *WorkerPool) loop(ctx context.Context, worker int) {
	for {
		dequeued, ok := p.rc.Queue.Get()
		if !ok {
			return
		}
		p.runOne(ctx, dequeued)
	}
}

func (p *WorkerPool) runOne(ctx context.Context, dq Dequeued) {
	start := time.Now()
	spanCtx, span := p.tr.Start(ctx, "dagflow.task", trace.WithAttributes(attribute.String("task.id", dq.ID)))
	defer span.End()

	named, output := p.runTaskSafely(spanCtx, dq)

	elapsed := time.Since(start).Seconds()
	p.dur.Record(spanCtx, elapsed)
	p.tasks.Add(spanCtx, 1)
	failed := named.isSet && !named.IsOk()
	if failed {
		p.fails.Add(spanCtx, 1)
		span.SetAttributes(attribute.Bool("task.failed", true))
	}

	if output != nil {
		for key, value := range output {
			p.sink.Accept(key, value)
		}
	}

	// Complete first: it pushes any now-ready dependents into the queue's
	// ready list. Only once those are queued do we close it below, so the
	// end-of-queue sentinel never overtakes work that is still pending.
	completeErr := p.rc.Queue.Complete(dq.ID, named)
	if completeErr != nil {
		slog.Error("task completion failed", "task_id", dq.ID, "error", completeErr)
		if p.rc.Runs != nil {
			p.rc.Runs.Abort(ctx, p.rc.RunID, completeErr)
		}
	}

	if failed {
		// The task body itself failed: record it under the reserved sink
		// key in addition to whatever Ret-path record already carries the
		// same failure, so a failure is visible even off a spec shape that
		// never routes it through a Ret.
		p.sink.Accept(":error:", named)
	}

	if completeErr != nil || failed {
		// A fatal scheduler error or an ordinary task-body failure: close
		// the queue so every worker drains on the sentinel rather than
		// blocking forever on a run that can no longer make progress.
		p.rc.Queue.Close()
	}
}

// runTaskSafely recovers a panicking task the way the original worker loop
// turned an unexpected exception into a failed result rather than taking
// the whole pool down with it.
func (p *WorkerPool) runTaskSafely(ctx context.Context, dq Dequeued) (named Result, output map[string]Result) {
	defer func() {
		if r := recover(); r != nil {
			named = ErrFromError(panicToError(r), "")
		}
	}()
	return dq.Task.Run(ctx, p.rc, dq.Results, dq.SubnodeResults)
}

func panicToError(r any) error {
	if err, ok := r.(error); ok {
		return err
	}
	return &panicError{value: r}
}

type panicError struct{ value any }

func (e *panicError) Error() string { return "task panicked: " + toString(e.value) }

func toString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	if err, ok := v.(error); ok {
		return err.Error()
	}
	return "unknown panic"
}
