// Package store persists named programs, their run/execution records,
// schedules and version history across process restarts.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.etcd.io/bbolt"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// StoredProgram is a named spec tree plus the input names it expects,
// as handed to POST /v1/programs and read back by GET /v1/programs.
type StoredProgram struct {
	Name      string          `json:"name"`
	Spec      json.RawMessage `json:"spec"`
	Inputs    []string        `json:"inputs"`
	CreatedAt time.Time       `json:"created_at"`
}

// ExecutionRecord is one run's metadata and merged output, as read back by
// GET /v1/executions/{id}.
type ExecutionRecord struct {
	ID          string                     `json:"id"`
	ProgramName string                     `json:"program_name"`
	Status      string                     `json:"status"`
	StartTime   time.Time                  `json:"start_time"`
	EndTime     time.Time                  `json:"end_time"`
	Output      map[string]json.RawMessage `json:"output,omitempty"`
	Error       string                     `json:"error,omitempty"`
}

// ScheduleRecord is a persisted cron or NATS-event trigger for a program.
type ScheduleRecord struct {
	ProgramName string            `json:"program_name"`
	CronExpr    string            `json:"cron_expr,omitempty"`
	NATSSubject string            `json:"nats_subject,omitempty"`
	Enabled     bool              `json:"enabled"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

var (
	bucketPrograms   = []byte("programs")
	bucketExecutions = []byte("executions")
	bucketVersions   = []byte("versions")
	bucketSchedules  = []byte("schedules")
	bucketIndexes    = []byte("indexes")
)

// ProgramStore is the bbolt-backed persistence layer for the service
// entrypoint: stored programs, their run history, and their schedules. A
// hot in-memory cache of programs absorbs GET /v1/programs traffic the way
// the teacher's WorkflowStore absorbs workflow lookups.
type ProgramStore struct {
	db           *bbolt.DB
	mu           sync.RWMutex
	programCache map[string]StoredProgram
	maxCacheSize int

	readLatency  metric.Float64Histogram
	writeLatency metric.Float64Histogram
	cacheHits    metric.Int64Counter
	cacheMisses  metric.Int64Counter
}

// Open creates or opens a bbolt database at dbPath, creates its buckets if
// missing, and warms the program cache from disk.
func Open(dbPath string, meter metric.Meter) (*ProgramStore, error) {
	opts := &bbolt.Options{Timeout: 1 * time.Second, FreelistType: bbolt.FreelistArrayType}
	db, err := bbolt.Open(dbPath, 0600, opts)
	if err != nil {
		return nil, fmt.Errorf("open boltdb: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, bucket := range [][]byte{bucketPrograms, bucketExecutions, bucketVersions, bucketSchedules, bucketIndexes} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	readLatency, _ := meter.Float64Histogram("dagflow_store_read_ms")
	writeLatency, _ := meter.Float64Histogram("dagflow_store_write_ms")
	cacheHits, _ := meter.Int64Counter("dagflow_store_cache_hits_total")
	cacheMisses, _ := meter.Int64Counter("dagflow_store_cache_misses_total")

	s := &ProgramStore{
		db:           db,
		programCache: map[string]StoredProgram{},
		maxCacheSize: 1000,
		readLatency:  readLatency,
		writeLatency: writeLatency,
		cacheHits:    cacheHits,
		cacheMisses:  cacheMisses,
	}
	if err := s.warmCache(); err != nil {
		return nil, fmt.Errorf("warm cache: %w", err)
	}
	return s, nil
}

// Close closes the underlying database.
func (s *ProgramStore) Close() error {
	return s.db.Close()
}

func (s *ProgramStore) warmCache() error {
	return s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketPrograms).ForEach(func(k, v []byte) error {
			var p StoredProgram
			if err := json.Unmarshal(v, &p); err != nil {
				return nil
			}
			s.programCache[p.Name] = p
			return nil
		})
	})
}

// PutProgram stores prog, archiving any previous definition under the same
// name into the versions bucket first.
func (s *ProgramStore) PutProgram(ctx context.Context, prog StoredProgram) error {
	start := time.Now()
	defer func() {
		s.writeLatency.Record(ctx, float64(time.Since(start).Milliseconds()),
			metric.WithAttributes(attribute.String("operation", "put_program")))
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(prog)
	if err != nil {
		return fmt.Errorf("marshal program: %w", err)
	}

	err = s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketPrograms)
		if existing := bucket.Get([]byte(prog.Name)); existing != nil {
			versions := tx.Bucket(bucketVersions)
			versionKey := fmt.Sprintf("%s:%d", prog.Name, time.Now().UnixNano())
			if err := versions.Put([]byte(versionKey), existing); err != nil {
				return fmt.Errorf("store version: %w", err)
			}
		}
		return bucket.Put([]byte(prog.Name), data)
	})
	if err != nil {
		return fmt.Errorf("write program: %w", err)
	}

	s.programCache[prog.Name] = prog
	return nil
}

// GetProgram fetches a program by name, preferring the in-memory cache.
func (s *ProgramStore) GetProgram(ctx context.Context, name string) (StoredProgram, bool, error) {
	start := time.Now()
	defer func() {
		s.readLatency.Record(ctx, float64(time.Since(start).Milliseconds()),
			metric.WithAttributes(attribute.String("operation", "get_program")))
	}()

	s.mu.RLock()
	if p, ok := s.programCache[name]; ok {
		s.mu.RUnlock()
		s.cacheHits.Add(ctx, 1, metric.WithAttributes(attribute.String("type", "program")))
		return p, true, nil
	}
	s.mu.RUnlock()
	s.cacheMisses.Add(ctx, 1, metric.WithAttributes(attribute.String("type", "program")))

	var p StoredProgram
	found := false
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketPrograms).Get([]byte(name))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &p)
	})
	if err != nil {
		return StoredProgram{}, false, fmt.Errorf("read program: %w", err)
	}
	if !found {
		return StoredProgram{}, false, nil
	}

	s.mu.Lock()
	s.programCache[name] = p
	s.mu.Unlock()
	return p, true, nil
}

// ListPrograms returns every stored program.
func (s *ProgramStore) ListPrograms(ctx context.Context) ([]StoredProgram, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]StoredProgram, 0, len(s.programCache))
	for _, p := range s.programCache {
		out = append(out, p)
	}
	return out, nil
}

// DeleteProgram removes a program, archiving it into the versions bucket.
func (s *ProgramStore) DeleteProgram(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketPrograms)
		if data := bucket.Get([]byte(name)); data != nil {
			versions := tx.Bucket(bucketVersions)
			archiveKey := fmt.Sprintf("archive:%s:%d", name, time.Now().UnixNano())
			if err := versions.Put([]byte(archiveKey), data); err != nil {
				return err
			}
		}
		return bucket.Delete([]byte(name))
	})
	if err != nil {
		return fmt.Errorf("delete program: %w", err)
	}
	delete(s.programCache, name)
	return nil
}

// GetProgramVersions returns up to limit versions of name archived by
// PutProgram overwrites, oldest first (bucket order of the timestamped
// keys). Versions archived by DeleteProgram are not included.
func (s *ProgramStore) GetProgramVersions(ctx context.Context, name string, limit int) ([]StoredProgram, error) {
	versions := make([]StoredProgram, 0, limit)
	err := s.db.View(func(tx *bbolt.Tx) error {
		cursor := tx.Bucket(bucketVersions).Cursor()
		prefix := []byte(name + ":")
		count := 0
		for k, v := cursor.Seek(prefix); k != nil && count < limit; k, v = cursor.Next() {
			if !hasPrefix(k, prefix) {
				break
			}
			var p StoredProgram
			if err := json.Unmarshal(v, &p); err != nil {
				continue
			}
			versions = append(versions, p)
			count++
		}
		return nil
	})
	return versions, err
}

// PutExecution records a finished run.
func (s *ProgramStore) PutExecution(ctx context.Context, exec ExecutionRecord) error {
	start := time.Now()
	defer func() {
		s.writeLatency.Record(ctx, float64(time.Since(start).Milliseconds()),
			metric.WithAttributes(attribute.String("operation", "put_execution")))
	}()

	data, err := json.Marshal(exec)
	if err != nil {
		return fmt.Errorf("marshal execution: %w", err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(bucketExecutions).Put([]byte(exec.ID), data); err != nil {
			return err
		}
		indexKey := fmt.Sprintf("%s:%d:%s", exec.ProgramName, exec.StartTime.UnixNano(), exec.ID)
		return tx.Bucket(bucketIndexes).Put([]byte(indexKey), []byte(exec.ID))
	})
}

// GetExecution fetches a run's record by id.
func (s *ProgramStore) GetExecution(ctx context.Context, id string) (ExecutionRecord, bool, error) {
	start := time.Now()
	defer func() {
		s.readLatency.Record(ctx, float64(time.Since(start).Milliseconds()),
			metric.WithAttributes(attribute.String("operation", "get_execution")))
	}()

	var exec ExecutionRecord
	found := false
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketExecutions).Get([]byte(id))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &exec)
	})
	if err != nil {
		return ExecutionRecord{}, false, fmt.Errorf("read execution: %w", err)
	}
	return exec, found, nil
}

// ListExecutions returns up to limit executions of programName within
// [startTime, endTime].
func (s *ProgramStore) ListExecutions(ctx context.Context, programName string, startTime, endTime time.Time, limit int) ([]ExecutionRecord, error) {
	out := make([]ExecutionRecord, 0, limit)
	err := s.db.View(func(tx *bbolt.Tx) error {
		indexBucket := tx.Bucket(bucketIndexes)
		execBucket := tx.Bucket(bucketExecutions)
		prefix := []byte(programName + ":")
		cursor := indexBucket.Cursor()
		count := 0
		for k, v := cursor.Seek(prefix); k != nil && count < limit; k, v = cursor.Next() {
			if !hasPrefix(k, prefix) {
				break
			}
			data := execBucket.Get(v)
			if data == nil {
				continue
			}
			var exec ExecutionRecord
			if err := json.Unmarshal(data, &exec); err != nil {
				continue
			}
			if exec.StartTime.After(endTime) {
				break
			}
			if exec.StartTime.Before(startTime) {
				continue
			}
			out = append(out, exec)
			count++
		}
		return nil
	})
	return out, err
}

// PutSchedule persists a trigger registration for a program.
func (s *ProgramStore) PutSchedule(ctx context.Context, sched ScheduleRecord) error {
	data, err := json.Marshal(sched)
	if err != nil {
		return fmt.Errorf("marshal schedule: %w", err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSchedules).Put([]byte(sched.ProgramName), data)
	})
}

// ListSchedules returns every persisted schedule.
func (s *ProgramStore) ListSchedules(ctx context.Context) ([]ScheduleRecord, error) {
	out := make([]ScheduleRecord, 0)
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSchedules).ForEach(func(k, v []byte) error {
			var sched ScheduleRecord
			if err := json.Unmarshal(v, &sched); err != nil {
				return nil
			}
			out = append(out, sched)
			return nil
		})
	})
	return out, err
}

// DeleteSchedule removes a program's persisted schedule.
func (s *ProgramStore) DeleteSchedule(ctx context.Context, programName string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSchedules).Delete([]byte(programName))
	})
}

// Stats reports bucket sizes and cache occupancy.
func (s *ProgramStore) Stats() map[string]any {
	stats := map[string]any{}
	s.db.View(func(tx *bbolt.Tx) error {
		stats["db_size_bytes"] = tx.Size()
		for _, bucketName := range [][]byte{bucketPrograms, bucketExecutions, bucketVersions, bucketSchedules} {
			if b := tx.Bucket(bucketName); b != nil {
				stats[string(bucketName)+"_count"] = b.Stats().KeyN
			}
		}
		return nil
	})
	s.mu.RLock()
	stats["cache_programs"] = len(s.programCache)
	s.mu.RUnlock()
	return stats
}

func hasPrefix(data, prefix []byte) bool {
	if len(data) < len(prefix) {
		return false
	}
	for i := range prefix {
		if data[i] != prefix[i] {
			return false
		}
	}
	return true
}
