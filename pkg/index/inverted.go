// Package index implements the engine's two secondary indexes: a word-level
// inverted index for text search and a fixed-dimension embedding table for
// cosine-similarity search.
package index

import (
	"sort"
	"strings"
	"sync"
)

// Inverted maps lowercased tokens to the set of keys whose current value
// contains that token. It also tracks, per key, the token set that produced
// its current postings — this lets Update run in O(|new|+|old|) instead of
// rescanning every posting list on every update.
type Inverted struct {
	mu       sync.RWMutex
	postings map[string]map[string]struct{} // token -> set of keys
	tokensOf map[string]map[string]struct{} // key -> set of tokens currently held
}

// NewInverted returns an empty inverted index.
func NewInverted() *Inverted {
	return &Inverted{
		postings: make(map[string]map[string]struct{}),
		tokensOf: make(map[string]map[string]struct{}),
	}
}

// Tokenize lowercases and whitespace-splits text.
func Tokenize(text string) []string {
	return strings.Fields(strings.ToLower(text))
}

// Update removes key from whatever postings it previously held and inserts it
// into the postings for every token in value.
func (idx *Inverted) Update(key, value string) {
	tokens := Tokenize(value)

	idx.mu.Lock()
	defer idx.mu.Unlock()

	idx.removeLocked(key)

	if len(tokens) == 0 {
		return
	}
	set := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		set[t] = struct{}{}
		bucket, ok := idx.postings[t]
		if !ok {
			bucket = make(map[string]struct{})
			idx.postings[t] = bucket
		}
		bucket[key] = struct{}{}
	}
	idx.tokensOf[key] = set
}

// Remove deletes key from every posting list it appears in.
func (idx *Inverted) Remove(key string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.removeLocked(key)
}

func (idx *Inverted) removeLocked(key string) {
	prev, ok := idx.tokensOf[key]
	if !ok {
		return
	}
	for t := range prev {
		if bucket, ok := idx.postings[t]; ok {
			delete(bucket, key)
			if len(bucket) == 0 {
				delete(idx.postings, t)
			}
		}
	}
	delete(idx.tokensOf, key)
}

// Search returns the set intersection of the posting lists for every token in
// query. An empty query, or a query containing any token absent from the
// index, yields an empty result.
func (idx *Inverted) Search(query string) []string {
	tokens := Tokenize(query)
	if len(tokens) == 0 {
		return nil
	}

	idx.mu.RLock()
	defer idx.mu.RUnlock()

	var result map[string]struct{}
	for i, t := range tokens {
		bucket, ok := idx.postings[t]
		if !ok || len(bucket) == 0 {
			return nil
		}
		if i == 0 {
			result = make(map[string]struct{}, len(bucket))
			for k := range bucket {
				result[k] = struct{}{}
			}
			continue
		}
		for k := range result {
			if _, ok := bucket[k]; !ok {
				delete(result, k)
			}
		}
		if len(result) == 0 {
			return nil
		}
	}

	out := make([]string, 0, len(result))
	for k := range result {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
