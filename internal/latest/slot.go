// Package latest provides a single-slot "latest value" mailbox shared between
// independently paced producers and consumers.
//
// Writes overwrite the slot and never block. Reads never block and never
// consume: every reader sees the most recent value until it is replaced.
package latest

import "sync"

// Stats is a snapshot of slot activity.
type Stats struct {
	Writes uint64 // Total Store calls
	Drops  uint64 // Values overwritten before a Load; Peek does not count
	Seq    uint64 // Sequence number of the current value (0 = empty)
}

// Slot holds the most recently stored value of T.
type Slot[T any] struct {
	mu     sync.Mutex
	value  T
	seq    uint64
	unread bool
	drops  uint64
}

// New returns an empty slot.
func New[T any]() *Slot[T] {
	return &Slot[T]{}
}

// Store replaces the current value and returns its sequence number.
func (s *Slot[T]) Store(v T) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.unread {
		s.drops++
	}

	s.value = v
	s.seq++
	s.unread = true

	return s.seq
}

// Load returns the current value and its sequence number.
// ok is false while nothing has been stored.
func (s *Slot[T]) Load() (v T, seq uint64, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.seq == 0 {
		return v, 0, false
	}

	s.unread = false
	return s.value, s.seq, true
}

// Peek is Load for observers: it returns the current value without marking
// it read, so it never hides a drop from Stats.
func (s *Slot[T]) Peek() (v T, seq uint64, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.seq == 0 {
		return v, 0, false
	}
	return s.value, s.seq, true
}

// Stats returns a snapshot of slot counters.
func (s *Slot[T]) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	return Stats{Writes: s.seq, Drops: s.drops, Seq: s.seq}
}
