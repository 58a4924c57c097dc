package dagflow

import (
	"encoding/json"
	"sync"

	bolt "go.etcd.io/bbolt"
)

// OutputSink receives finished output records as they land, keyed by the
// dotted ret prefix they were produced under, and folds each one into the
// run's accumulated result with MergeRecords.
type OutputSink interface {
	Accept(key string, value Result)
	Snapshot() map[string]Result
}

// memorySink accumulates records in process memory, suitable for
// synchronous callers that read the result right after Run returns.
type memorySink struct {
	mu  sync.Mutex
	out map[string]Result
}

// NewMemorySink returns an OutputSink backed by a guarded map.
func NewMemorySink() OutputSink {
	return &memorySink{out: map[string]Result{}}
}

func (s *memorySink) Accept(key string, value Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.out[key]; ok {
		s.out[key] = MergeRecords(existing, value)
	} else {
		s.out[key] = value
	}
}

func (s *memorySink) get(key string) Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.out[key]
}

func (s *memorySink) Snapshot() map[string]Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]Result, len(s.out))
	for k, v := range s.out {
		out[k] = v
	}
	return out
}

var executionsBucket = []byte("executions")

// boltSink persists each accepted record into a bbolt bucket scoped to one
// execution id (one entry per ret key holding the merged record so far), so
// a run's output survives a process restart. ProgramStore.GetExecution does
// not read these buckets.
type boltSink struct {
	db          *bolt.DB
	executionID string
	mem         *memorySink
}

// NewBoltSink returns an OutputSink that mirrors every record into db
// under executionID, in addition to keeping an in-memory copy for
// Snapshot.
func NewBoltSink(db *bolt.DB, executionID string) (OutputSink, error) {
	err := db.Update(func(tx *bolt.Tx) error {
		root, err := tx.CreateBucketIfNotExists(executionsBucket)
		if err != nil {
			return err
		}
		_, err = root.CreateBucketIfNotExists([]byte(executionID))
		return err
	})
	if err != nil {
		return nil, err
	}
	return &boltSink{db: db, executionID: executionID, mem: NewMemorySink().(*memorySink)}, nil
}

func (s *boltSink) Accept(key string, value Result) {
	s.mem.Accept(key, value)
	merged := s.mem.get(key)
	payload, err := json.Marshal(merged)
	if err != nil {
		return
	}
	_ = s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(executionsBucket).Bucket([]byte(s.executionID))
		return bucket.Put([]byte(key), payload)
	})
}

func (s *boltSink) Snapshot() map[string]Result {
	return s.mem.Snapshot()
}
