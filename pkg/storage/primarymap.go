package storage

import (
	"sort"

	"github.com/puzpuzpuz/xsync/v3"
)

// primaryMap is the authoritative key->value mapping. It is backed by
// xsync.Map, a concurrent map safe for use without an external lock; the
// engine additionally guards every access with its own RWMutex so that a
// multi-key BulkSet is never observed half-applied.
type primaryMap struct {
	m *xsync.Map
}

func newPrimaryMap() *primaryMap {
	return &primaryMap{m: xsync.NewMap()}
}

func (p *primaryMap) Set(key, value string) {
	p.m.Store(key, value)
}

func (p *primaryMap) Get(key string) (string, bool) {
	v, ok := p.m.Load(key)
	if !ok {
		return "", false
	}
	return v.(string), true
}

// Delete removes key and reports whether it was present.
func (p *primaryMap) Delete(key string) bool {
	_, existed := p.m.LoadAndDelete(key)
	return existed
}

func (p *primaryMap) Len() int {
	n := 0
	p.m.Range(func(_ string, _ interface{}) bool {
		n++
		return true
	})
	return n
}

// Keys returns every key currently present, in sorted order — no ordering
// is guaranteed by the underlying map, but a stable, deterministic response
// makes get_all_keys pleasant to test against.
func (p *primaryMap) Keys() []string {
	keys := make([]string, 0, p.Len())
	p.m.Range(func(k string, _ interface{}) bool {
		keys = append(keys, k)
		return true
	})
	sort.Strings(keys)
	return keys
}

// Snapshot returns a point-in-time copy of the entire map, suitable for
// serializing to disk.
func (p *primaryMap) Snapshot() map[string]string {
	out := make(map[string]string, p.Len())
	p.m.Range(func(k string, v interface{}) bool {
		out[k] = v.(string)
		return true
	})
	return out
}

// Load replaces the map's contents with snapshot. Used only during recovery,
// before the engine accepts requests.
func (p *primaryMap) Load(snapshot map[string]string) {
	p.m.Range(func(k string, _ interface{}) bool {
		p.m.Delete(k)
		return true
	})
	for k, v := range snapshot {
		p.m.Store(k, v)
	}
}
