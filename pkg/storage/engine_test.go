package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	kvErrors "github.com/salmahazem14/kvstore/pkg/errors"
)

func openTestEngine(t *testing.T, dir string) *Engine {
	t.Helper()
	e, err := Open(Options{DataDir: dir})
	require.NoError(t, err)
	return e
}

func TestSetGetDelete(t *testing.T) {
	dir := t.TempDir()
	e := openTestEngine(t, dir)
	defer e.Close()

	require.NoError(t, e.Set("a", "1"))
	v, ok, err := e.Get("a")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "1", v)

	require.NoError(t, e.Set("a", "2"))
	v, ok, err = e.Get("a")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "2", v)

	existed, err := e.Delete("a")
	require.NoError(t, err)
	require.True(t, existed)

	_, ok, err = e.Get("a")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestDeleteAbsentKeyIsNoopNotError(t *testing.T) {
	dir := t.TempDir()
	e := openTestEngine(t, dir)
	defer e.Close()

	existed, err := e.Delete("missing")
	require.NoError(t, err)
	require.False(t, existed)
}

func TestBulkSet(t *testing.T) {
	dir := t.TempDir()
	e := openTestEngine(t, dir)
	defer e.Close()

	require.NoError(t, e.BulkSet([]KV{
		{Key: "a", Value: "one"},
		{Key: "b", Value: "two"},
		{Key: "c", Value: "three"},
	}))

	v, ok, err := e.Get("b")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "two", v)

	keys, err := e.GetAllKeys()
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b", "c"}, keys)
}

func TestReopenRecoversStateWithoutGracefulClose(t *testing.T) {
	dir := t.TempDir()

	e := openTestEngine(t, dir)
	require.NoError(t, e.Set("a", "1"))
	require.NoError(t, e.Set("b", "2"))
	require.NoError(t, e.SimulateCrash())

	e2, err := Open(Options{DataDir: dir})
	require.NoError(t, err)
	defer e2.Close()

	v, ok, err := e2.Get("a")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "1", v)

	v, ok, err = e2.Get("b")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "2", v)
}

func TestReopenReplaysUncheckpointedWAL(t *testing.T) {
	dir := t.TempDir()

	e := openTestEngine(t, dir)
	e.opts.CheckpointEveryN = 100
	require.NoError(t, e.Set("a", "1"))
	require.NoError(t, e.Set("b", "2"))
	_, err := e.Delete("a")
	require.NoError(t, err)
	require.NoError(t, e.SimulateCrash())

	e2, err := Open(Options{DataDir: dir})
	require.NoError(t, err)
	defer e2.Close()

	_, ok, err := e2.Get("a")
	require.NoError(t, err)
	require.False(t, ok)

	v, ok, err := e2.Get("b")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "2", v)
}

func TestSecondOpenOnSameDirIsRejected(t *testing.T) {
	dir := t.TempDir()
	e := openTestEngine(t, dir)
	defer e.Close()

	_, err := Open(Options{DataDir: dir})
	require.Error(t, err)
}

func TestSearchText(t *testing.T) {
	dir := t.TempDir()
	e := openTestEngine(t, dir)
	defer e.Close()

	require.NoError(t, e.Set("doc1", "the quick brown fox"))
	require.NoError(t, e.Set("doc2", "the lazy dog"))

	results, err := e.SearchText("the")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"doc1", "doc2"}, results)

	results, err = e.SearchText("quick fox")
	require.NoError(t, err)
	require.Equal(t, []string{"doc1"}, results)

	results, err = e.SearchText("nonexistent")
	require.NoError(t, err)
	require.Empty(t, results)
}

func TestSearchSimilar(t *testing.T) {
	dir := t.TempDir()
	e := openTestEngine(t, dir)
	defer e.Close()

	require.NoError(t, e.Set("ai", "machine learning neural networks"))
	require.NoError(t, e.Set("cooking", "pasta recipe dinner"))

	results, err := e.SearchSimilar("neural network learning", 1)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, "ai", results[0].Key)
}

func TestCheckpointTruncatesWAL(t *testing.T) {
	dir := t.TempDir()
	e := openTestEngine(t, dir)
	e.opts.CheckpointEveryN = 100
	defer e.Close()

	require.NoError(t, e.Set("a", "1"))
	require.NoError(t, e.Checkpoint())

	info, err := os.Stat(filepath.Join(dir, walFileName))
	require.NoError(t, err)
	require.Zero(t, info.Size())

	_, err = os.Stat(filepath.Join(dir, snapshotFileName))
	require.NoError(t, err)
}

func TestDoubleCloseIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	e := openTestEngine(t, dir)
	require.NoError(t, e.Set("a", "1"))
	require.NoError(t, e.Close())
	require.NoError(t, e.Close())
}

func TestSetRejectsEmptyKey(t *testing.T) {
	dir := t.TempDir()
	e := openTestEngine(t, dir)
	defer e.Close()

	err := e.Set("", "v")
	var badArg *kvErrors.BadArgumentError
	require.True(t, errors.As(err, &badArg), "expected BadArgumentError, got %v", err)
}

func TestDeleteRejectsEmptyKey(t *testing.T) {
	dir := t.TempDir()
	e := openTestEngine(t, dir)
	defer e.Close()

	_, err := e.Delete("")
	var badArg *kvErrors.BadArgumentError
	require.True(t, errors.As(err, &badArg), "expected BadArgumentError, got %v", err)
}

func TestBulkSetRejectsEmptyKeyWithoutPartialApplication(t *testing.T) {
	dir := t.TempDir()
	e := openTestEngine(t, dir)
	defer e.Close()

	err := e.BulkSet([]KV{{Key: "a", Value: "1"}, {Key: "", Value: "2"}})
	var badArg *kvErrors.BadArgumentError
	require.True(t, errors.As(err, &badArg), "expected BadArgumentError, got %v", err)

	_, ok, err := e.Get("a")
	require.NoError(t, err)
	require.False(t, ok, "validation failure must reject the whole batch, not apply the valid pairs")
}

func TestSearchSimilarRejectsNegativeTopK(t *testing.T) {
	dir := t.TempDir()
	e := openTestEngine(t, dir)
	defer e.Close()

	_, err := e.SearchSimilar("query", -1)
	var badArg *kvErrors.BadArgumentError
	require.True(t, errors.As(err, &badArg), "expected BadArgumentError, got %v", err)
}

func TestBulkSetIsAtomicToConcurrentReaders(t *testing.T) {
	dir := t.TempDir()
	e := openTestEngine(t, dir)
	defer e.Close()

	const n = 200
	pairs := make([]KV, n)
	for i := range pairs {
		pairs[i] = KV{Key: fmt.Sprintf("k%03d", i), Value: "v"}
	}

	done := make(chan struct{})
	var sawPartial atomic.Bool
	go func() {
		for {
			select {
			case <-done:
				return
			default:
			}
			keys, err := e.GetAllKeys()
			if err != nil {
				continue
			}
			if len(keys) != 0 && len(keys) != n {
				sawPartial.Store(true)
			}
		}
	}()

	require.NoError(t, e.BulkSet(pairs))
	close(done)

	require.False(t, sawPartial.Load(), "a concurrent reader observed a partially-applied BulkSet")

	keys, err := e.GetAllKeys()
	require.NoError(t, err)
	require.Len(t, keys, n)
}

func TestTransientIOErrorsDoNotImmediatelyPoisonEngine(t *testing.T) {
	dir := t.TempDir()
	e := openTestEngine(t, dir)
	defer e.Close()

	require.NoError(t, e.walWriter.CloseFileOnly())

	for i := 0; i < maxConsecutiveIOErrors-1; i++ {
		err := e.Set("a", "1")
		var ioErr *kvErrors.IoError
		require.True(t, errors.As(err, &ioErr), "attempt %d: expected IoError, got %v", i, err)

		_, _, getErr := e.Get("b")
		require.NoError(t, getErr, "a transient IoError must not poison the engine")
	}
}

func TestRepeatedIOErrorsPoisonEngine(t *testing.T) {
	dir := t.TempDir()
	e := openTestEngine(t, dir)
	defer e.Close()

	require.NoError(t, e.walWriter.CloseFileOnly())

	var lastErr error
	for i := 0; i < maxConsecutiveIOErrors; i++ {
		lastErr = e.Set("a", "1")
	}

	var poisoned *kvErrors.PoisonedError
	require.True(t, errors.As(lastErr, &poisoned), "expected PoisonedError after %d consecutive IoErrors, got %v", maxConsecutiveIOErrors, lastErr)

	_, _, err := e.Get("a")
	require.True(t, errors.As(err, &poisoned), "engine should stay poisoned for reads too")
}
