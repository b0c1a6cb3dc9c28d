// Package journal records every checkpoint registration of a training run in
// an embedded badger database, so the leaderboard's decisions can be audited
// and replayed after the run.
package journal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/okian/maestro/internal/domain/leaderboard"
	"github.com/okian/maestro/pkg/logger"
	"github.com/okian/maestro/pkg/metrics"
)

const (
	runPrefix = "run/"
	seqDigits = 10
)

// Record is one registration attempt and the leaderboard's answer.
type Record struct {
	RunID    string    `json:"run_id"`
	Seq      int       `json:"seq"`
	Epoch    int       `json:"epoch"`
	Path     string    `json:"path"`
	Score    float64   `json:"score"`
	Admitted bool      `json:"admitted"`
	Evicted  string    `json:"evicted,omitempty"`
	Err      string    `json:"error,omitempty"`
	At       time.Time `json:"at"`
}

// Journal is an append-only store of Records keyed by run and sequence.
type Journal struct {
	path       string
	inMemory   bool
	syncWrites bool
	logger     logger.Logger

	mu      sync.Mutex
	db      *badger.DB
	nextSeq map[string]int
}

// badgerLogger adapts logger.Logger to badger's Logger interface.
type badgerLogger struct {
	l logger.Logger
}

func (b badgerLogger) Errorf(format string, args ...any) {
	b.l.Error(context.Background(), strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (b badgerLogger) Warningf(format string, args ...any) {
	b.l.Warn(context.Background(), strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (b badgerLogger) Infof(format string, args ...any) {
	b.l.Debug(context.Background(), strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (b badgerLogger) Debugf(format string, args ...any) {
	b.l.Debug(context.Background(), strings.TrimSpace(fmt.Sprintf(format, args...)))
}

// Open opens or creates a journal.
func Open(opts ...Option) (*Journal, error) {
	j := &Journal{
		syncWrites: true,
		nextSeq:    make(map[string]int),
	}
	for _, opt := range opts {
		opt(j)
	}
	if j.logger == nil {
		j.logger = logger.Get().Named("journal")
	}
	if !j.inMemory && j.path == "" {
		return nil, ErrMissingPath
	}

	var bopts badger.Options
	if j.inMemory {
		bopts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		bopts = badger.DefaultOptions(j.path)
	}
	bopts = bopts.
		WithSyncWrites(j.SyncWrites()).
		WithNumVersionsToKeep(1).
		WithLogger(badgerLogger{l: j.logger})

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	j.db = db
	return j, nil
}

// SyncWrites reports whether appends are fsynced before returning.
func (j *Journal) SyncWrites() bool {
	return j.syncWrites && !j.inMemory
}

func runKeyPrefix(runID string) []byte {
	return []byte(runPrefix + runID + "/")
}

func recordKey(runID string, seq int) []byte {
	return []byte(fmt.Sprintf("%s%s/%0*d", runPrefix, runID, seqDigits, seq))
}

// Append stores rec, assigning the next sequence number of its run.
// Non-finite scores are stored as zero. The stored record is returned.
func (j *Journal) Append(ctx context.Context, rec Record) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, fmt.Errorf("append: %w", err)
	}
	if rec.RunID == "" || strings.Contains(rec.RunID, "/") {
		return Record{}, fmt.Errorf("%q: %w", rec.RunID, ErrInvalidRun)
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.db == nil {
		return Record{}, ErrClosed
	}

	seq, ok := j.nextSeq[rec.RunID]
	if !ok {
		last, err := j.lastSeq(rec.RunID)
		if err != nil {
			metrics.RecordJournalError()
			return Record{}, err
		}
		seq = last + 1
	}
	rec.Seq = seq
	if math.IsNaN(rec.Score) || math.IsInf(rec.Score, 0) {
		// JSON has no encoding for non-finite numbers; Err carries the rejection.
		if rec.Err == "" {
			rec.Err = fmt.Sprintf("non-finite score %v", rec.Score)
		}
		rec.Score = 0
	}
	if rec.At.IsZero() {
		rec.At = time.Now().UTC()
	}

	value, err := json.Marshal(rec)
	if err != nil {
		return Record{}, fmt.Errorf("encode record: %w", err)
	}
	err = j.db.Update(func(txn *badger.Txn) error {
		return txn.Set(recordKey(rec.RunID, seq), value)
	})
	if err != nil {
		metrics.RecordJournalError()
		return Record{}, fmt.Errorf("append record: %w", err)
	}
	j.nextSeq[rec.RunID] = seq + 1
	metrics.RecordJournalAppend()
	return rec, nil
}

// lastSeq returns the highest stored sequence of a run, or -1.
func (j *Journal) lastSeq(runID string) (int, error) {
	last := -1
	err := j.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: runKeyPrefix(runID)})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			key := string(it.Item().Key())
			if seq, err := strconv.Atoi(key[strings.LastIndexByte(key, '/')+1:]); err == nil && seq > last {
				last = seq
			}
		}
		return nil
	})
	if err != nil {
		return -1, fmt.Errorf("scan run %s: %w", runID, err)
	}
	return last, nil
}

// List returns the records of a run in sequence order.
func (j *Journal) List(ctx context.Context, runID string) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("list: %w", err)
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.db == nil {
		return nil, ErrClosed
	}

	var out []Record
	err := j.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{PrefetchValues: true, PrefetchSize: 32, Prefix: runKeyPrefix(runID)})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var rec Record
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			})
			if err != nil {
				return fmt.Errorf("decode %s: %w", it.Item().Key(), err)
			}
			out = append(out, rec)
		}
		return nil
	})
	if err != nil {
		metrics.RecordJournalError()
		return nil, err
	}
	return out, nil
}

// Runs returns the ids of every run in the journal, sorted.
func (j *Journal) Runs(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("runs: %w", err)
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.db == nil {
		return nil, ErrClosed
	}

	seen := make(map[string]struct{})
	err := j.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: []byte(runPrefix)})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			rest := strings.TrimPrefix(string(it.Item().Key()), runPrefix)
			if i := strings.IndexByte(rest, '/'); i > 0 {
				seen[rest[:i]] = struct{}{}
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	runs := make([]string, 0, len(seen))
	for id := range seen {
		runs = append(runs, id)
	}
	sort.Strings(runs)
	return runs, nil
}

// Close releases the database. Further calls return ErrClosed.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.db == nil {
		return nil
	}
	err := j.db.Close()
	j.db = nil
	if err != nil {
		return fmt.Errorf("close journal: %w", err)
	}
	return nil
}

// Replay feeds the recorded registrations of a run through a fresh
// leaderboard of the given capacity and returns it. Records that failed
// validation when they were made are skipped.
func Replay(records []Record, capacity int) (*leaderboard.Leaderboard, error) {
	lb, err := leaderboard.New(capacity)
	if err != nil {
		return nil, err
	}
	ordered := append([]Record(nil), records...)
	sort.SliceStable(ordered, func(a, b int) bool { return ordered[a].Seq < ordered[b].Seq })
	for _, rec := range ordered {
		if rec.Err != "" {
			continue
		}
		if _, err := lb.Register(rec.Epoch, rec.Path, rec.Score); err != nil {
			if errors.Is(err, leaderboard.ErrInvalidInput) {
				continue
			}
			return nil, err
		}
	}
	return lb, nil
}
