package index

import (
	"math"
	"sort"
	"strconv"

	"github.com/cespare/xxhash/v2"
	"github.com/puzpuzpuz/xsync/v3"
)

// Dimensions is the fixed width of every embedding vector.
const Dimensions = 128

// HashFns is the number of hash functions folded into each token's
// contribution.
const HashFns = 5

// Vector is a fixed-dimension embedding.
type Vector [Dimensions]float64

// Embed computes the deterministic bag-of-hashed-tokens embedding for s:
// lowercase + whitespace-split, then for every token and every hash slot
// increment the coordinate xxhash picks, and finally L2-normalize.
//
// A process-salted hash function would produce different embeddings for the
// same text across restarts, silently corrupting similarity scores between
// a stored embedding and a freshly-computed query embedding. xxhash.Sum64String
// has no such salting: the same input bytes always hash to the same value,
// in this process or any other.
func Embed(s string) Vector {
	var vec Vector
	for _, token := range Tokenize(s) {
		for i := 0; i < HashFns; i++ {
			h := xxhash.Sum64String(token + strconv.Itoa(i))
			vec[h%Dimensions] += 1.0
		}
	}
	normalize(&vec)
	return vec
}

func normalize(vec *Vector) {
	var sumSq float64
	for _, v := range vec {
		sumSq += v * v
	}
	if sumSq <= 0 {
		return
	}
	norm := math.Sqrt(sumSq)
	for i := range vec {
		vec[i] /= norm
	}
}

// dot computes the dot product of two vectors. Since every stored and query
// vector is unit-norm, dot product equals cosine similarity.
func dot(a, b Vector) float64 {
	var sum float64
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

// Embeddings is the engine's embedding table: key -> Vector, keyset always
// equal to the primary map's keyset.
type Embeddings struct {
	m *xsync.Map
}

// NewEmbeddings returns an empty embedding table.
func NewEmbeddings() *Embeddings {
	return &Embeddings{m: xsync.NewMap()}
}

// Set stores the embedding of value under key, replacing any prior vector.
func (e *Embeddings) Set(key, value string) {
	e.m.Store(key, Embed(value))
}

// Delete removes key's embedding.
func (e *Embeddings) Delete(key string) {
	e.m.Delete(key)
}

// Get returns key's stored vector, if any.
func (e *Embeddings) Get(key string) (Vector, bool) {
	v, ok := e.m.Load(key)
	if !ok {
		return Vector{}, false
	}
	return v.(Vector), true
}

// Scored is one (key, similarity score) result from SearchSimilar.
type Scored struct {
	Key   string
	Score float64
}

// SearchSimilar ranks every stored key by cosine similarity to query's
// embedding, breaking ties lexicographically by key, and returns the first
// min(topK, keyset size) results.
func (e *Embeddings) SearchSimilar(query string, topK int) []Scored {
	// Rejecting a negative topK is the caller's job (see
	// storage.Engine.SearchSimilar); this clamp only keeps the slicing below
	// from panicking if something upstream forgets to.
	if topK < 0 {
		topK = 0
	}
	q := Embed(query)

	results := make([]Scored, 0)
	e.m.Range(func(key string, value interface{}) bool {
		results = append(results, Scored{Key: key, Score: dot(q, value.(Vector))})
		return true
	})

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Key < results[j].Key
	})

	if topK < len(results) {
		results = results[:topK]
	}
	return results
}
