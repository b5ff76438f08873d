package kv

import (
	"errors"
	"fmt"
	"sync"
)

// ErrFull is returned by Set when the write would exceed the byte budget.
var ErrFull = errors.New("kv: capacity exceeded")

// Store is the node-local cache: string keys to string values, bounded by a
// byte budget. Entries never expire and are never evicted; a write that does
// not fit is rejected instead.
//
// The dispatcher is the only writer. The lock exists so that read-only
// observers such as the admin /info handler can call Len and Used.
type Store struct {
	mu   sync.Mutex
	data map[string]string
	used int
	cap  int
}

func NewStore(capacityBytes int) *Store {
	return &Store{
		data: make(map[string]string),
		cap:  capacityBytes,
	}
}

// Set stores value under key, replacing any previous value. If the new size
// would exceed the capacity the store is left unchanged and ErrFull returned.
func (s *Store) Set(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	used := s.used + size(key, value)
	if old, ok := s.data[key]; ok {
		used -= size(key, old)
	}
	if used > s.cap {
		return fmt.Errorf("%w: %q needs %d bytes, budget %d", ErrFull, key, used, s.cap)
	}
	s.data[key] = value
	s.used = used
	return nil
}

// Get returns the value for key. A miss returns ok == false.
func (s *Store) Get(key string) (value string, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	value, ok = s.data[key]
	return value, ok
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.data)
}

// Used reports the bytes accounted against the capacity.
func (s *Store) Used() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.used
}

// Capacity is the byte budget.
func (s *Store) Capacity() int { return s.cap }

func size(key, value string) int {
	return len(key) + len(value)
}
