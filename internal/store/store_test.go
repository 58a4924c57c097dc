package store

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"go.etcd.io/bbolt"
	noopmetric "go.opentelemetry.io/otel/metric/noop"
)

func openTestStore(t *testing.T) *ProgramStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "dagflow.db")
	mp := noopmetric.MeterProvider{}
	s, err := Open(dbPath, mp.Meter("test"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPutAndGetProgram(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	prog := StoredProgram{Name: "greet", Spec: json.RawMessage(`{"type":"ret","obj":{"data":"hi"}}`), Inputs: []string{}}
	if err := s.PutProgram(ctx, prog); err != nil {
		t.Fatalf("put program: %v", err)
	}

	got, ok, err := s.GetProgram(ctx, "greet")
	if err != nil {
		t.Fatalf("get program: %v", err)
	}
	if !ok {
		t.Fatalf("expected program to be found")
	}
	if got.Name != "greet" || string(got.Spec) != string(prog.Spec) {
		t.Fatalf("got %+v", got)
	}
}

func TestGetProgramMissing(t *testing.T) {
	s := openTestStore(t)
	_, ok, err := s.GetProgram(context.Background(), "nope")
	if err != nil {
		t.Fatalf("get program: %v", err)
	}
	if ok {
		t.Fatalf("expected missing program to report not found")
	}
}

func TestGetProgramServesFromDiskAfterCacheIsEmpty(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	prog := StoredProgram{Name: "survivor", Spec: json.RawMessage(`{"type":"ret","obj":{"data":1}}`)}
	if err := s.PutProgram(ctx, prog); err != nil {
		t.Fatalf("put: %v", err)
	}
	// Simulate a fresh process: drop the in-memory cache, leaving only disk.
	s.mu.Lock()
	s.programCache = map[string]StoredProgram{}
	s.mu.Unlock()

	got, ok, err := s.GetProgram(ctx, "survivor")
	if err != nil || !ok {
		t.Fatalf("expected the program to be read back from disk, ok=%v err=%v", ok, err)
	}
	if got.Name != "survivor" {
		t.Fatalf("got %+v", got)
	}
}

func TestPutProgramArchivesPreviousVersion(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	v1 := StoredProgram{Name: "prog", Spec: json.RawMessage(`{"type":"ret","obj":{"data":1}}`)}
	v2 := StoredProgram{Name: "prog", Spec: json.RawMessage(`{"type":"ret","obj":{"data":2}}`)}
	if err := s.PutProgram(ctx, v1); err != nil {
		t.Fatalf("put v1: %v", err)
	}
	if err := s.PutProgram(ctx, v2); err != nil {
		t.Fatalf("put v2: %v", err)
	}

	versions, err := s.GetProgramVersions(ctx, "prog", 10)
	if err != nil {
		t.Fatalf("get versions: %v", err)
	}
	if len(versions) != 1 {
		t.Fatalf("expected 1 archived version, got %d", len(versions))
	}
	if string(versions[0].Spec) != string(v1.Spec) {
		t.Fatalf("archived version should be v1's spec, got %s", versions[0].Spec)
	}

	current, ok, err := s.GetProgram(ctx, "prog")
	if err != nil || !ok {
		t.Fatalf("get current: ok=%v err=%v", ok, err)
	}
	if string(current.Spec) != string(v2.Spec) {
		t.Fatalf("current program should be v2, got %s", current.Spec)
	}
}

func TestDeleteProgramArchivesAndRemoves(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	prog := StoredProgram{Name: "gone", Spec: json.RawMessage(`{"type":"ret","obj":{"data":1}}`)}
	if err := s.PutProgram(ctx, prog); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := s.DeleteProgram(ctx, "gone"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok, err := s.GetProgram(ctx, "gone"); err != nil || ok {
		t.Fatalf("expected program gone, ok=%v err=%v", ok, err)
	}
	archived := false
	_ = s.db.View(func(tx *bbolt.Tx) error {
		prefix := []byte("archive:gone:")
		k, _ := tx.Bucket(bucketVersions).Cursor().Seek(prefix)
		archived = k != nil && hasPrefix(k, prefix)
		return nil
	})
	if !archived {
		t.Fatalf("expected the deleted program to be archived in the versions bucket")
	}
}

func TestListPrograms(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	for _, name := range []string{"a", "b", "c"} {
		if err := s.PutProgram(ctx, StoredProgram{Name: name, Spec: json.RawMessage(`{"type":"ret","obj":{"data":1}}`)}); err != nil {
			t.Fatalf("put %s: %v", name, err)
		}
	}
	progs, err := s.ListPrograms(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(progs) != 3 {
		t.Fatalf("expected 3 programs, got %d", len(progs))
	}
}

func TestPutAndGetExecution(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	start := time.Now().Add(-time.Minute)
	exec := ExecutionRecord{ID: "run-1", ProgramName: "greet", Status: "complete", StartTime: start, EndTime: time.Now()}
	if err := s.PutExecution(ctx, exec); err != nil {
		t.Fatalf("put execution: %v", err)
	}
	got, ok, err := s.GetExecution(ctx, "run-1")
	if err != nil || !ok {
		t.Fatalf("get execution: ok=%v err=%v", ok, err)
	}
	if got.ProgramName != "greet" || got.Status != "complete" {
		t.Fatalf("got %+v", got)
	}
}

func TestListExecutionsWithinTimeRange(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, offset := range []time.Duration{0, time.Hour, 2 * time.Hour} {
		exec := ExecutionRecord{
			ID:          fmt.Sprintf("run-%d", i),
			ProgramName: "greet",
			Status:      "complete",
			StartTime:   base.Add(offset),
			EndTime:     base.Add(offset),
		}
		if err := s.PutExecution(ctx, exec); err != nil {
			t.Fatalf("put execution %d: %v", i, err)
		}
	}

	out, err := s.ListExecutions(ctx, "greet", base, base.Add(90*time.Minute), 10)
	if err != nil {
		t.Fatalf("list executions: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("expected 2 executions within range, got %d", len(out))
	}
}

func TestScheduleRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	sched := ScheduleRecord{ProgramName: "greet", CronExpr: "*/5 * * * * *", Enabled: true}
	if err := s.PutSchedule(ctx, sched); err != nil {
		t.Fatalf("put schedule: %v", err)
	}
	list, err := s.ListSchedules(ctx)
	if err != nil {
		t.Fatalf("list schedules: %v", err)
	}
	if len(list) != 1 || list[0].ProgramName != "greet" {
		t.Fatalf("got %+v", list)
	}
	if err := s.DeleteSchedule(ctx, "greet"); err != nil {
		t.Fatalf("delete schedule: %v", err)
	}
	list, err = s.ListSchedules(ctx)
	if err != nil {
		t.Fatalf("list schedules after delete: %v", err)
	}
	if len(list) != 0 {
		t.Fatalf("expected no schedules after delete, got %+v", list)
	}
}

func TestStatsReportsCounts(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	if err := s.PutProgram(ctx, StoredProgram{Name: "p", Spec: json.RawMessage(`{"type":"ret","obj":{"data":1}}`)}); err != nil {
		t.Fatalf("put: %v", err)
	}
	stats := s.Stats()
	if stats["cache_programs"] != 1 {
		t.Fatalf("got %v", stats)
	}
	if stats["programs_count"] != 1 {
		t.Fatalf("got %v", stats)
	}
}
