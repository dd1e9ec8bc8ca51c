// Package storage implements the engine facade: the primary map,
// checkpointer, and recovery path that together give the WAL (pkg/wal) and
// secondary indexes (pkg/index) a single, serializable point of entry.
package storage

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	kvErrors "github.com/salmahazem14/kvstore/pkg/errors"
	"github.com/salmahazem14/kvstore/pkg/index"
	"github.com/salmahazem14/kvstore/pkg/lock"
	"github.com/salmahazem14/kvstore/pkg/metrics"
	"github.com/salmahazem14/kvstore/pkg/wal"
)

// maxConsecutiveIOErrors bounds how many back-to-back WAL/checkpoint IoErrors
// the engine tolerates before poisoning itself. A single transient fsync
// hiccup surfaces as an IoError and leaves the engine usable; it takes a run
// of them to indicate the underlying storage is actually broken.
const maxConsecutiveIOErrors = 3

// fsyncLogPercentile is the latency percentile logged at every checkpoint.
const fsyncLogPercentile = 99

// KV is an ordered (key, value) pair used by BulkSet.
type KV struct {
	Key   string
	Value string
}

// Options configures an Engine.
type Options struct {
	// DataDir holds the lock file, WAL, and snapshot. Created if absent.
	DataDir string

	// CheckpointEveryN triggers a checkpoint after every N acknowledged
	// mutations. A negative value disables automatic checkpointing — a
	// checkpoint then only happens on Close. Zero (the zero Options value) is
	// treated as 1: checkpoint after every mutation, matching the source
	// program's behavior.
	CheckpointEveryN int

	// Debug enables the pseudo-failure checkpoint-skip hook.
	Debug bool

	// Metrics is optional; a nil value disables all metrics collection.
	Metrics *metrics.Metrics

	// Logger is optional; a nil value installs a no-op logger.
	Logger *zap.Logger
}

func (o Options) checkpointEveryN() int {
	if o.CheckpointEveryN == 0 {
		return 1
	}
	return o.CheckpointEveryN
}

// Engine is the single-writer, concurrent-reader key-value store. All
// exported methods are safe for concurrent use: readers take a shared lock
// so that a Get (or search) can never observe a partially-applied BulkSet,
// while multiple readers still run alongside each other.
type Engine struct {
	opts Options
	log  *zap.SugaredLogger
	mx   *metrics.Metrics

	mu    sync.RWMutex // writers (mutate) take Lock; readers take RLock
	state stateBox

	instanceLock *lock.Lock
	walWriter    *wal.Writer
	primary      *primaryMap
	inverted     *index.Inverted
	embeddings   *index.Embeddings

	mutationsSinceCheckpoint int
	consecutiveIOErrors      int
}

// Open acquires the instance lock, recovers state from the last snapshot and
// WAL, and returns a ready Engine. Open fails fast (without blocking) if
// another instance already holds the data directory's lock.
func Open(opts Options) (*Engine, error) {
	if opts.DataDir == "" {
		return nil, &kvErrors.BadArgumentError{Field: "DataDir", Reason: "must not be empty"}
	}
	if err := os.MkdirAll(opts.DataDir, 0755); err != nil {
		return nil, &kvErrors.IoError{Op: "create data directory", Err: err}
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	log := logger.Sugar()

	e := &Engine{opts: opts, log: log, mx: opts.Metrics}
	e.state.Store(stateOpening)

	instanceLock, err := lock.Acquire(filepath.Join(opts.DataDir, lockFileName))
	if err != nil {
		e.state.Store(stateClosed)
		return nil, err
	}
	e.instanceLock = instanceLock

	primary, inverted, embeddings, writer, err := recover(opts.DataDir, log)
	if err != nil {
		instanceLock.Release()
		e.state.Store(stateClosed)
		return nil, err
	}
	e.primary = primary
	e.inverted = inverted
	e.embeddings = embeddings
	e.walWriter = writer

	e.mx.SetKeyCount(primary.Len())
	e.state.Store(stateReady)
	log.Infow("engine open", "data_dir", opts.DataDir, "keys", primary.Len())
	return e, nil
}

// Set stores value under key, appending a WAL record before the in-memory
// map or indexes are touched. key must not be empty.
func (e *Engine) Set(key, value string) error {
	if key == "" {
		return &kvErrors.BadArgumentError{Field: "key", Reason: "must not be empty"}
	}
	return e.mutate(func() error {
		rec := &wal.Record{Op: wal.OpSet, Key: key, Value: value, Timestamp: nowSeconds()}
		if err := e.appendWAL(rec); err != nil {
			return err
		}
		e.primary.Set(key, value)
		e.inverted.Update(key, value)
		e.embeddings.Set(key, value)
		e.mx.ObserveSet()
		return nil
	})
}

// Get returns key's value, if present. Get takes a shared lock so it can
// never observe a mutation (including a BulkSet) mid-application, but never
// contends with another Get or search — only with the single mutator.
func (e *Engine) Get(key string) (string, bool, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if err := e.requireReadyLocked(); err != nil {
		return "", false, err
	}
	v, ok := e.primary.Get(key)
	return v, ok, nil
}

// Delete removes key if present. Deleting an absent key is a no-op that does
// not append a WAL record. key must not be empty.
func (e *Engine) Delete(key string) (bool, error) {
	if key == "" {
		return false, &kvErrors.BadArgumentError{Field: "key", Reason: "must not be empty"}
	}
	var existed bool
	err := e.mutate(func() error {
		if _, ok := e.primary.Get(key); !ok {
			return nil
		}
		rec := &wal.Record{Op: wal.OpDelete, Key: key, Timestamp: nowSeconds()}
		if err := e.appendWAL(rec); err != nil {
			return err
		}
		existed = e.primary.Delete(key)
		e.inverted.Remove(key)
		e.embeddings.Delete(key)
		e.mx.ObserveDelete()
		return nil
	})
	return existed, err
}

// BulkSet applies every pair atomically with respect to crash recovery: all
// pairs are captured in a single WAL record, so a crash either sees none of
// them or all of them replayed. It is also atomic with respect to concurrent
// readers: every pair is applied while the mutator lock is held, so a Get
// running on another goroutine sees either every pair's pre-state or every
// pair's post-state, never a partial mix. Every key must be non-empty.
func (e *Engine) BulkSet(pairs []KV) error {
	for _, p := range pairs {
		if p.Key == "" {
			return &kvErrors.BadArgumentError{Field: "key", Reason: "must not be empty"}
		}
	}
	return e.mutate(func() error {
		operations := make([]wal.Pair, len(pairs))
		for i, p := range pairs {
			operations[i] = wal.Pair{p.Key, p.Value}
		}
		rec := &wal.Record{Op: wal.OpBulk, Operations: operations, Timestamp: nowSeconds()}
		if err := e.appendWAL(rec); err != nil {
			return err
		}
		for _, p := range pairs {
			e.primary.Set(p.Key, p.Value)
			e.inverted.Update(p.Key, p.Value)
			e.embeddings.Set(p.Key, p.Value)
		}
		e.mx.ObserveBulkSet(len(pairs))
		return nil
	})
}

// SearchText returns every key whose value contains all of query's tokens.
func (e *Engine) SearchText(query string) ([]string, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if err := e.requireReadyLocked(); err != nil {
		return nil, err
	}
	results := e.inverted.Search(query)
	if results == nil {
		return []string{}, nil
	}
	return results, nil
}

// SearchSimilar returns up to topK keys ranked by cosine similarity of their
// value's embedding to query's embedding. topK must not be negative.
func (e *Engine) SearchSimilar(query string, topK int) ([]index.Scored, error) {
	if topK < 0 {
		return nil, &kvErrors.BadArgumentError{Field: "top_k", Reason: "must not be negative"}
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	if err := e.requireReadyLocked(); err != nil {
		return nil, err
	}
	return e.embeddings.SearchSimilar(query, topK), nil
}

// GetAllKeys returns every key currently stored, sorted.
func (e *Engine) GetAllKeys() ([]string, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if err := e.requireReadyLocked(); err != nil {
		return nil, err
	}
	return e.primary.Keys(), nil
}

// Checkpoint forces an immediate snapshot+truncate, regardless of
// CheckpointEveryN.
func (e *Engine) Checkpoint() error {
	return e.mutate(func() error {
		return e.checkpointLocked()
	})
}

// Close flushes a final checkpoint, closes the WAL, and releases the
// instance lock. Close is idempotent.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state.Load() == stateClosed {
		return nil
	}

	var firstErr error
	if e.state.Load() != statePoisoned {
		if err := e.checkpointLocked(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := e.walWriter.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := e.instanceLock.Release(); err != nil && firstErr == nil {
		firstErr = err
	}
	e.state.Store(stateClosed)
	e.log.Infow("engine closed")
	return firstErr
}

// SimulateCrash closes the WAL file handle and releases the instance lock
// without checkpointing, leaving the on-disk state exactly as an acknowledged
// mutation left it. It exists for crash-recovery tests and demos that kill
// and reopen an engine within a single process, where the OS never tears
// down the process to release the flock on its own.
func (e *Engine) SimulateCrash() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.state.Store(stateClosed)
	walErr := e.walWriter.CloseFileOnly()
	lockErr := e.instanceLock.Release()
	if walErr != nil {
		return walErr
	}
	return lockErr
}

// mutate runs fn under the exclusive mutator lock, enforcing the state
// machine: a non-Ready state is rejected without running fn. An IoError from
// fn (a WAL append that failed before touching the map, or a checkpoint that
// failed to write) is returned to the caller as-is and does not poison the
// engine unless it is the maxConsecutiveIOErrors-th in a row; any other error
// poisons immediately, since it indicates an invariant broke rather than a
// transient I/O failure. Once poisoned the engine never recovers in-process;
// the caller must reopen.
func (e *Engine) mutate(fn func() error) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.requireReadyLocked(); err != nil {
		return err
	}

	if err := fn(); err != nil {
		return e.recordFailure(err)
	}
	e.consecutiveIOErrors = 0

	e.mutationsSinceCheckpoint++
	every := e.opts.checkpointEveryN()
	if every > 0 && e.mutationsSinceCheckpoint >= every {
		if err := e.checkpointLocked(); err != nil {
			return e.recordFailure(err)
		}
		e.consecutiveIOErrors = 0
	}
	return nil
}

// recordFailure is called with mu held, after a mutator step has failed. An
// IoError is tolerated up to maxConsecutiveIOErrors in a row — the caller
// gets the IoError back and the engine stays Ready, since nothing was left
// inconsistent by a failed WAL append or checkpoint write. Any other error,
// or an IoError that tips over the threshold, poisons the engine.
func (e *Engine) recordFailure(err error) error {
	var ioErr *kvErrors.IoError
	if errors.As(err, &ioErr) {
		e.consecutiveIOErrors++
		e.log.Warnw("io error during mutation", "error", err, "consecutive_failures", e.consecutiveIOErrors)
		if e.consecutiveIOErrors < maxConsecutiveIOErrors {
			return err
		}
	}

	prior := e.state.Load()
	if !e.state.CAS(prior, statePoisoned) {
		e.state.Store(statePoisoned)
	}
	e.mx.ObservePoisoned()
	e.log.Errorw("engine poisoned", "error", err)
	return &kvErrors.PoisonedError{Cause: err}
}

func (e *Engine) checkpointLocked() error {
	e.state.Store(stateCheckpointing)
	defer e.state.Store(stateReady)

	cp := newCheckpointer(e.opts.DataDir, e.opts.Debug, e.log)
	snapshot := e.primary.Snapshot()
	if err := cp.run(snapshot, e.walWriter); err != nil {
		return err
	}
	e.mutationsSinceCheckpoint = 0
	e.mx.ObserveCheckpoint()
	e.mx.SetKeyCount(len(snapshot))
	e.log.Infow("checkpoint fsync latency", "p99_us", e.mx.FsyncPercentile(fsyncLogPercentile))
	return nil
}

func (e *Engine) appendWAL(rec *wal.Record) error {
	encoded, _ := rec.Encode()
	start := time.Now()
	err := e.walWriter.Append(rec)
	e.mx.ObserveFsync(time.Since(start))
	if err != nil {
		return err
	}
	e.mx.AddWALBytes(len(encoded) + 1)
	return nil
}

// requireReadyLocked checks the state machine. Callers hold either mu or
// mu's read side; state itself is an atomic so this never needs mu directly.
func (e *Engine) requireReadyLocked() error {
	switch e.state.Load() {
	case stateReady, stateCheckpointing:
		return nil
	case statePoisoned:
		return &kvErrors.PoisonedError{}
	default:
		return &kvErrors.NotOpenError{State: e.state.Load().String()}
	}
}

func nowSeconds() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}
