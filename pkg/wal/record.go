// Package wal implements the engine's write-ahead log: a newline-delimited,
// self-describing JSON record stream, appended and fsync'd one record per
// commit.
package wal

import (
	json "github.com/goccy/go-json"
)

// Op tags the variant of a WAL record.
type Op string

const (
	OpSet    Op = "set"
	OpDelete Op = "delete"
	OpBulk   Op = "bulk_set"
)

// Pair is an ordered (key, value) entry inside a BulkSet record.
type Pair [2]string

// Key returns the pair's key half.
func (p Pair) Key() string { return p[0] }

// Value returns the pair's value half.
func (p Pair) Value() string { return p[1] }

// Record is a tagged union: Set, Delete, or BulkSet. Op selects which fields
// are populated: Key and Value for Set, Key alone for Delete, Operations for
// BulkSet.
type Record struct {
	Op         Op      `json:"op"`
	Key        string  `json:"key,omitempty"`
	Value      string  `json:"value,omitempty"`
	Operations []Pair  `json:"operations,omitempty"`
	Timestamp  float64 `json:"timestamp"`
}

// Encode serializes the record as a single JSON line (no trailing newline).
func (r *Record) Encode() ([]byte, error) {
	return json.Marshal(r)
}

// Decode parses a single JSON line into r.
func Decode(line []byte, r *Record) error {
	return json.Unmarshal(line, r)
}
