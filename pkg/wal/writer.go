package wal

import (
	"bufio"
	"os"
	"sync"

	kvErrors "github.com/salmahazem14/kvstore/pkg/errors"
)

// Writer manages appends to the WAL file. Unlike a general-purpose log, this
// writer has exactly one durability policy: every Append flushes the
// userspace buffer and fsyncs the file descriptor before returning. There is
// no batched or interval-sync mode here, because any such mode would let an
// acknowledged mutation outrun its durability guarantee.
type Writer struct {
	mu     sync.Mutex
	path   string
	file   *os.File
	writer *bufio.Writer
	closed bool
}

// NewWriter opens (or creates) the WAL file in append mode.
func NewWriter(path string) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644)
	if err != nil {
		return nil, &kvErrors.IoError{Op: "open wal", Err: err}
	}
	return &Writer{
		path:   path,
		file:   f,
		writer: bufio.NewWriterSize(f, 64*1024),
	}, nil
}

// Path returns the WAL file's path.
func (w *Writer) Path() string { return w.path }

// Append serializes rec, writes it as one newline-terminated line, flushes
// the buffer, and fsyncs the file. It returns only after all four steps have
// succeeded — the caller may acknowledge the mutation once Append returns
// nil, and not before.
func (w *Writer) Append(rec *Record) error {
	line, err := rec.Encode()
	if err != nil {
		return &kvErrors.IoError{Op: "encode wal record", Err: err}
	}
	line = append(line, '\n')

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return &kvErrors.IoError{Op: "append wal", Err: os.ErrClosed}
	}

	if _, err := w.writer.Write(line); err != nil {
		return &kvErrors.IoError{Op: "write wal", Err: err}
	}
	if err := w.writer.Flush(); err != nil {
		return &kvErrors.IoError{Op: "flush wal", Err: err}
	}
	if err := w.file.Sync(); err != nil {
		return &kvErrors.IoError{Op: "fsync wal", Err: err}
	}
	return nil
}

// Reset truncates the WAL to empty and seeks back to the start, used by the
// checkpointer after a snapshot has been durably renamed into place.
func (w *Writer) Reset() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.file.Truncate(0); err != nil {
		return &kvErrors.IoError{Op: "truncate wal", Err: err}
	}
	if _, err := w.file.Seek(0, 0); err != nil {
		return &kvErrors.IoError{Op: "seek wal", Err: err}
	}
	w.writer.Reset(w.file)
	return nil
}

// CloseFileOnly closes the underlying file descriptor without an extra
// flush/fsync, for crash-simulation callers where every prior Append has
// already been durably written and only the descriptor needs releasing.
func (w *Writer) CloseFileOnly() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true
	return w.file.Close()
}

// Close flushes, fsyncs, and closes the underlying file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true

	if err := w.writer.Flush(); err != nil {
		w.file.Close()
		return &kvErrors.IoError{Op: "flush wal", Err: err}
	}
	if err := w.file.Sync(); err != nil {
		w.file.Close()
		return &kvErrors.IoError{Op: "fsync wal", Err: err}
	}
	return w.file.Close()
}
