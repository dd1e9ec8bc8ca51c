package storage

import (
	"fmt"
	"path/filepath"

	"go.uber.org/zap"

	kvErrors "github.com/salmahazem14/kvstore/pkg/errors"
	"github.com/salmahazem14/kvstore/pkg/index"
	"github.com/salmahazem14/kvstore/pkg/wal"
)

// recover rebuilds the primary map and both secondary indexes from the last
// snapshot plus whatever WAL records follow it:
//  1. load data.json (or start empty if absent)
//  2. replay wal.log and apply each record in order
//  3. rebuild the inverted index and embedding table from the resulting map
//
// Indexes are rebuilt from the final map rather than replayed incrementally
// from the WAL, because a Delete record must remove index entries that were
// built from an arbitrarily older Set — replaying the map's final state is
// the only way to avoid leaving stale postings behind.
func recover(dataDir string, log *zap.SugaredLogger) (*primaryMap, *index.Inverted, *index.Embeddings, *wal.Writer, error) {
	snapshot, err := loadSnapshot(dataDir)
	if err != nil {
		return nil, nil, nil, nil, err
	}

	pm := newPrimaryMap()
	pm.Load(snapshot)

	walPath := dataDirWALPath(dataDir)
	records, err := wal.Replay(walPath)
	if err != nil {
		return nil, nil, nil, nil, err
	}

	for _, rec := range records {
		switch rec.Op {
		case wal.OpSet:
			pm.Set(rec.Key, rec.Value)
		case wal.OpDelete:
			pm.Delete(rec.Key)
		case wal.OpBulk:
			for _, pair := range rec.Operations {
				pm.Set(pair.Key(), pair.Value())
			}
		default:
			return nil, nil, nil, nil, &kvErrors.BadRecordError{Err: fmt.Errorf("unknown wal op %q", rec.Op)}
		}
	}

	inverted := index.NewInverted()
	embeddings := index.NewEmbeddings()
	for key, value := range pm.Snapshot() {
		inverted.Update(key, value)
		embeddings.Set(key, value)
	}

	writer, err := wal.NewWriter(walPath)
	if err != nil {
		return nil, nil, nil, nil, err
	}

	log.Infow("recovery complete", "keys", pm.Len(), "wal_records_replayed", len(records))
	return pm, inverted, embeddings, writer, nil
}

func dataDirWALPath(dataDir string) string {
	return filepath.Join(dataDir, walFileName)
}
