package storage

import (
	"bytes"
	"math/rand/v2"
	"os"
	"path/filepath"

	json "github.com/goccy/go-json"
	"github.com/natefinch/atomic"
	"go.uber.org/zap"

	kvErrors "github.com/salmahazem14/kvstore/pkg/errors"
	"github.com/salmahazem14/kvstore/pkg/wal"
)

const (
	snapshotFileName = "data.json"
	walFileName      = "wal.log"
	lockFileName     = "store.lock"
)

// checkpointer owns the on-disk snapshot: it serializes the primary map,
// writes it atomically (temp file + fsync + rename, via
// github.com/natefinch/atomic), and only then truncates the WAL.
type checkpointer struct {
	dataDir      string
	debugSkip    bool
	skipFraction float64
	log          *zap.SugaredLogger
}

func newCheckpointer(dataDir string, debugSkip bool, log *zap.SugaredLogger) *checkpointer {
	return &checkpointer{
		dataDir:      dataDir,
		debugSkip:    debugSkip,
		skipFraction: 0.01,
		log:          log,
	}
}

func (c *checkpointer) snapshotPath() string {
	return filepath.Join(c.dataDir, snapshotFileName)
}

// run serializes snapshot and durably replaces data.json, then truncates the
// WAL via w.Reset(). It must be called while the engine holds its exclusive
// mutator lock.
//
// The debug pseudo-failure hook skips the snapshot write with probability
// 0.01 when enabled and never touches the WAL fsync path; if the snapshot is
// skipped, truncation is skipped too, so the WAL remains the sole source of
// truth for the un-checkpointed mutations.
func (c *checkpointer) run(snapshot map[string]string, w *wal.Writer) error {
	if c.debugSkip && rand.Float64() < c.skipFraction {
		c.log.Debugw("checkpoint skipped by debug fault injection")
		return nil
	}

	data, err := json.Marshal(snapshot)
	if err != nil {
		return &kvErrors.IoError{Op: "marshal snapshot", Err: err}
	}

	if err := atomic.WriteFile(c.snapshotPath(), bytes.NewReader(data)); err != nil {
		return &kvErrors.IoError{Op: "write snapshot", Err: err}
	}

	if err := w.Reset(); err != nil {
		return err
	}

	c.log.Infow("checkpoint complete", "keys", len(snapshot), "bytes", len(data))
	return nil
}

// loadSnapshot reads data.json into a map, or returns an empty map if no
// snapshot exists yet.
func loadSnapshot(dataDir string) (map[string]string, error) {
	path := filepath.Join(dataDir, snapshotFileName)
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]string{}, nil
		}
		return nil, &kvErrors.IoError{Op: "read snapshot", Err: err}
	}

	var snapshot map[string]string
	if err := json.Unmarshal(raw, &snapshot); err != nil {
		return nil, &kvErrors.IoError{Op: "unmarshal snapshot", Err: err}
	}
	if snapshot == nil {
		snapshot = map[string]string{}
	}
	return snapshot, nil
}
