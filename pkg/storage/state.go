package storage

import "sync/atomic"

// state is the engine's lifecycle:
// Closed -> Opening -> Ready <-> Checkpointing -> Closed, with an absorbing
// Poisoned state reachable from any non-Closed state.
type state int32

const (
	stateClosed state = iota
	stateOpening
	stateReady
	stateCheckpointing
	statePoisoned
)

func (s state) String() string {
	switch s {
	case stateClosed:
		return "closed"
	case stateOpening:
		return "opening"
	case stateReady:
		return "ready"
	case stateCheckpointing:
		return "checkpointing"
	case statePoisoned:
		return "poisoned"
	default:
		return "unknown"
	}
}

type stateBox struct {
	v atomic.Int32
}

func (b *stateBox) Load() state       { return state(b.v.Load()) }
func (b *stateBox) Store(s state)     { b.v.Store(int32(s)) }
func (b *stateBox) CAS(old, next state) bool {
	return b.v.CompareAndSwap(int32(old), int32(next))
}
