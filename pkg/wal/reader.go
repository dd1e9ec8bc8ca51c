package wal

import (
	"bufio"
	"os"

	kvErrors "github.com/salmahazem14/kvstore/pkg/errors"
)

// Replay reads every line of the WAL at path and decodes it into a Record.
//
// A line that fails to decode is tolerated only if it is the very last line
// in the file: a process killed mid-write leaves a torn trailing record, and
// recovery must tolerate it. Replay stops at that point and returns the
// records decoded so far. A malformed line with well-formed lines after it
// is a hard failure — it cannot be a torn trailing write.
//
// Replay never mutates the WAL file; truncation is the checkpointer's job.
func Replay(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, &kvErrors.IoError{Op: "open wal for replay", Err: err}
	}
	defer f.Close()

	var lines [][]byte
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 64*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		dup := make([]byte, len(line))
		copy(dup, line)
		lines = append(lines, dup)
	}
	if err := scanner.Err(); err != nil {
		return nil, &kvErrors.IoError{Op: "scan wal", Err: err}
	}

	records := make([]Record, 0, len(lines))
	for i, line := range lines {
		var rec Record
		if err := Decode(line, &rec); err != nil {
			if i == len(lines)-1 {
				// Torn trailing write: tolerate, discard, stop replay.
				break
			}
			return nil, &kvErrors.BadRecordError{LineNumber: i + 1, Err: err}
		}
		records = append(records, rec)
	}
	return records, nil
}
