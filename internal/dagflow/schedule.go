package dagflow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	nats "github.com/nats-io/nats.go"
	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/swarmguard/dagflow/internal/coreutil/natsctx"
	"github.com/swarmguard/dagflow/internal/store"
)

// ProgramRunner is the subset of program storage + execution the scheduler
// needs: fetch a named program, run it, record the result. It is the
// interface boundary between schedule.go and internal/store so this file
// can be tested without a live bbolt file.
type ProgramRunner interface {
	GetProgram(ctx context.Context, name string) (store.StoredProgram, bool, error)
	PutExecution(ctx context.Context, exec store.ExecutionRecord) error
}

// Scheduler triggers re-execution of a named program either on a cron
// schedule or on receipt of a NATS message carrying a fresh data
// environment, replacing the teacher's in-process EventHandler map with a
// subscription against a real message bus.
type Scheduler struct {
	cron     *cron.Cron
	runner   ProgramRunner
	registry *FunctionRegistry
	runs     *RunRegistry
	nc       *nats.Conn
	workers  int

	mu        sync.Mutex
	cronIDs   map[string]cron.EntryID
	natsSubs  map[string]*nats.Subscription
	schedules map[string]store.ScheduleRecord

	scheduleRuns  metric.Int64Counter
	scheduleFails metric.Int64Counter
	eventTriggers metric.Int64Counter
	tracer        trace.Tracer
}

// NewScheduler builds a scheduler that loads programs through runner, runs
// them with registry/runs wired in, and optionally subscribes to NATS
// subjects on nc (nc may be nil, disabling event-driven triggers).
func NewScheduler(runner ProgramRunner, registry *FunctionRegistry, runs *RunRegistry, nc *nats.Conn, workers int) *Scheduler {
	meter := otel.Meter("dagflow")
	scheduleRuns, _ := meter.Int64Counter("dagflow_schedule_runs_total")
	scheduleFails, _ := meter.Int64Counter("dagflow_schedule_failures_total")
	eventTriggers, _ := meter.Int64Counter("dagflow_event_triggers_total")

	return &Scheduler{
		cron:          cron.New(cron.WithSeconds()),
		runner:        runner,
		registry:      registry,
		runs:          runs,
		nc:            nc,
		workers:       workers,
		cronIDs:       map[string]cron.EntryID{},
		natsSubs:      map[string]*nats.Subscription{},
		schedules:     map[string]store.ScheduleRecord{},
		scheduleRuns:  scheduleRuns,
		scheduleFails: scheduleFails,
		eventTriggers: eventTriggers,
		tracer:        otel.Tracer("dagflow"),
	}
}

// Start begins the cron scheduler. NATS subscriptions are established as
// each schedule is added, not here.
func (s *Scheduler) Start() {
	s.cron.Start()
	slog.Info("scheduler started", "component", "scheduler")
}

// Stop gracefully stops the cron scheduler and tears down NATS subscriptions.
func (s *Scheduler) Stop(ctx context.Context) error {
	stopCtx := s.cron.Stop()

	s.mu.Lock()
	for subject, sub := range s.natsSubs {
		if err := sub.Unsubscribe(); err != nil {
			slog.Warn("unsubscribe failed", "subject", subject, "error", err)
		}
	}
	s.mu.Unlock()

	select {
	case <-stopCtx.Done():
		slog.Info("scheduler stopped", "component", "scheduler")
		return nil
	case <-ctx.Done():
		slog.Warn("scheduler stop timeout", "component", "scheduler")
		return ctx.Err()
	}
}

// AddSchedule registers sched's trigger: a cron expression, a NATS subject,
// or both.
func (s *Scheduler) AddSchedule(ctx context.Context, sched store.ScheduleRecord) error {
	ctx, span := s.tracer.Start(ctx, "scheduler.add_schedule",
		trace.WithAttributes(attribute.String("program", sched.ProgramName)))
	defer span.End()

	if sched.CronExpr == "" && sched.NATSSubject == "" {
		return fmt.Errorf("schedule for %q needs a cron_expr or nats_subject", sched.ProgramName)
	}

	s.mu.Lock()
	s.schedules[sched.ProgramName] = sched
	s.mu.Unlock()

	if sched.CronExpr != "" {
		entryID, err := s.cron.AddFunc(sched.CronExpr, func() {
			s.run(context.Background(), sched.ProgramName, Env{})
		})
		if err != nil {
			return fmt.Errorf("add cron schedule: %w", err)
		}
		s.mu.Lock()
		s.cronIDs[sched.ProgramName] = entryID
		s.mu.Unlock()
		slog.Info("cron schedule added", "program", sched.ProgramName, "cron", sched.CronExpr)
	}

	if sched.NATSSubject != "" {
		if s.nc == nil {
			return fmt.Errorf("schedule for %q wants nats_subject but no NATS connection is configured", sched.ProgramName)
		}
		programName := sched.ProgramName
		sub, err := natsctx.Subscribe(s.nc, sched.NATSSubject, func(ctx context.Context, msg *nats.Msg) {
			s.eventTriggers.Add(ctx, 1, metric.WithAttributes(attribute.String("subject", sched.NATSSubject)))
			var raw map[string]any
			if err := json.Unmarshal(msg.Data, &raw); err != nil {
				slog.Error("bad event payload", "subject", sched.NATSSubject, "error", err)
				return
			}
			s.run(ctx, programName, EnvFromData(raw))
		})
		if err != nil {
			return fmt.Errorf("subscribe %q: %w", sched.NATSSubject, err)
		}
		s.mu.Lock()
		s.natsSubs[sched.ProgramName] = sub
		s.mu.Unlock()
		slog.Info("event trigger added", "program", sched.ProgramName, "subject", sched.NATSSubject)
	}

	return nil
}

// RemoveSchedule tears down a program's cron entry and NATS subscription.
func (s *Scheduler) RemoveSchedule(programName string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.cronIDs[programName]; ok {
		s.cron.Remove(id)
		delete(s.cronIDs, programName)
	}
	if sub, ok := s.natsSubs[programName]; ok {
		_ = sub.Unsubscribe()
		delete(s.natsSubs, programName)
	}
	delete(s.schedules, programName)
}

// ListSchedules returns every schedule currently registered in memory.
func (s *Scheduler) ListSchedules() []store.ScheduleRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]store.ScheduleRecord, 0, len(s.schedules))
	for _, sched := range s.schedules {
		out = append(out, sched)
	}
	return out
}

// RestoreSchedules re-adds every enabled schedule in persisted, used at
// startup to pick back up persisted cron/event triggers.
func (s *Scheduler) RestoreSchedules(ctx context.Context, persisted []store.ScheduleRecord) error {
	restored, failed := 0, 0
	for _, sched := range persisted {
		if !sched.Enabled {
			continue
		}
		if err := s.AddSchedule(ctx, sched); err != nil {
			slog.Error("failed to restore schedule", "program", sched.ProgramName, "error", err)
			failed++
			continue
		}
		restored++
	}
	slog.Info("schedules restored", "restored", restored, "failed", failed)
	return nil
}

// run loads programName, executes it against data, and persists the
// resulting execution record.
func (s *Scheduler) run(ctx context.Context, programName string, data Env) {
	ctx, span := s.tracer.Start(ctx, "scheduler.trigger",
		trace.WithAttributes(attribute.String("program", programName)))
	defer span.End()

	start := time.Now()
	stored, found, err := s.runner.GetProgram(ctx, programName)
	if err != nil || !found {
		slog.Error("scheduled program not found", "program", programName, "error", err)
		s.scheduleFails.Add(ctx, 1, metric.WithAttributes(attribute.String("program", programName)))
		return
	}

	prog, err := ParseProgram(stored.Spec)
	if err != nil {
		slog.Error("scheduled program failed to parse", "program", programName, "error", err)
		s.scheduleFails.Add(ctx, 1, metric.WithAttributes(attribute.String("program", programName)))
		return
	}

	out, err := Run(ctx, prog, data, RunOptions{Workers: s.workers, Registry: s.registry, Runs: s.runs, ProgramID: programName})
	exec := store.ExecutionRecord{
		ID:          fmt.Sprintf("%s-%d", programName, start.UnixNano()),
		ProgramName: programName,
		StartTime:   start,
		EndTime:     time.Now(),
	}
	if err != nil {
		exec.Status = "failed"
		exec.Error = err.Error()
		s.scheduleFails.Add(ctx, 1, metric.WithAttributes(attribute.String("program", programName)))
	} else {
		exec.Status = "complete"
		exec.Output = marshalOutput(out)
		s.scheduleRuns.Add(ctx, 1, metric.WithAttributes(attribute.String("program", programName)))
	}

	if putErr := s.runner.PutExecution(ctx, exec); putErr != nil {
		slog.Error("failed to store execution", "program", programName, "error", putErr)
	}
	slog.Info("scheduled run finished", "program", programName, "status", exec.Status,
		"duration_ms", time.Since(start).Milliseconds())
}

func marshalOutput(out map[string]Result) map[string]json.RawMessage {
	m := make(map[string]json.RawMessage, len(out))
	for k, v := range out {
		raw, err := json.Marshal(v)
		if err != nil {
			continue
		}
		m[k] = raw
	}
	return m
}
