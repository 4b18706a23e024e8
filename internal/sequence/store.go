package sequence

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"
)

var ErrStaleHandle = errors.New("sequence: stale or invalid handle")

// Handle addresses a sequence in a Store. A handle stays valid until the
// sequence is removed; reusing the slot bumps its generation.
type Handle struct {
	index int
	gen   uint32
}

func (h Handle) String() string { return fmt.Sprintf("seq#%d.%d", h.index, h.gen) }

type slot struct {
	seq *Sequence
	gen uint32
}

// Store is an arena of sequences. All access goes through With or Batch,
// which hold the store lock for the duration of the callback.
type Store struct {
	mu    sync.Mutex
	slots []slot
	free  []int
	live  int

	// sem bounds the number of live sequences.
	sem *semaphore.Weighted
}

// NewStore returns a store admitting at most capacity live sequences.
func NewStore(capacity int) *Store {
	if capacity <= 0 {
		capacity = 1
	}
	return &Store{sem: semaphore.NewWeighted(int64(capacity))}
}

// Insert waits for a free slot and adds seq.
func (s *Store) Insert(ctx context.Context, seq *Sequence) (Handle, error) {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return Handle{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.live++
	if n := len(s.free); n > 0 {
		idx := s.free[n-1]
		s.free = s.free[:n-1]
		s.slots[idx].seq = seq
		return Handle{index: idx, gen: s.slots[idx].gen}, nil
	}
	s.slots = append(s.slots, slot{seq: seq})
	return Handle{index: len(s.slots) - 1}, nil
}

// Remove drops the sequence and returns it.
func (s *Store) Remove(h Handle) (*Sequence, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seq, err := s.lookup(h)
	if err != nil {
		return nil, err
	}
	s.slots[h.index].seq = nil
	s.slots[h.index].gen++
	s.free = append(s.free, h.index)
	s.live--
	s.sem.Release(1)
	return seq, nil
}

// With runs fn with exclusive access to the sequence behind h.
func (s *Store) With(h Handle, fn func(*Sequence) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	seq, err := s.lookup(h)
	if err != nil {
		return err
	}
	return fn(seq)
}

// Batch runs fn with exclusive access to several sequences, in handle order.
// No callback runs if any handle is stale.
func (s *Store) Batch(hs []Handle, fn func([]*Sequence) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	seqs := make([]*Sequence, len(hs))
	for i, h := range hs {
		seq, err := s.lookup(h)
		if err != nil {
			return err
		}
		seqs[i] = seq
	}
	return fn(seqs)
}

// Len returns the number of live sequences.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live
}

func (s *Store) lookup(h Handle) (*Sequence, error) {
	if h.index < 0 || h.index >= len(s.slots) {
		return nil, fmt.Errorf("%w: %s", ErrStaleHandle, h)
	}
	sl := s.slots[h.index]
	if sl.seq == nil || sl.gen != h.gen {
		return nil, fmt.Errorf("%w: %s", ErrStaleHandle, h)
	}
	return sl.seq, nil
}
